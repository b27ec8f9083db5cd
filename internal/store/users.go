package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/agonych/udp-chat/internal/crypto"
	"gorm.io/gorm"
)

// FindUserByEmail looks a user up by case-insensitive email.
func (s *Store) FindUserByEmail(email string) (*User, error) {
	var user User
	err := s.db.Where("email = ?", normalizeEmail(email)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// FindUserByID fetches a user by internal id.
func (s *Store) FindUserByID(id uint) (*User, error) {
	var user User
	err := s.db.First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

// GetOrCreateUserByEmail returns the user for email, creating a passwordless
// account on first contact. The display name defaults to the local part of
// the address. Losing a create race to another worker is resolved by
// re-reading.
func (s *Store) GetOrCreateUserByEmail(email string) (*User, bool, error) {
	email = normalizeEmail(email)

	if user, err := s.FindUserByEmail(email); err == nil {
		return user, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	publicID, err := crypto.NewRandomID()
	if err != nil {
		return nil, false, err
	}
	user := User{
		UserID: publicID,
		Name:   strings.SplitN(email, "@", 2)[0],
		Email:  email,
	}
	err = s.withRetry(func(tx *gorm.DB) error {
		return tx.Create(&user).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, ferr := s.FindUserByEmail(email)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	return &user, true, nil
}

// SetUserPassword stores a password hash for an account, turning it from
// passwordless into password-protected.
func (s *Store) SetUserPassword(userID uint, hash string) error {
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Model(&User{}).Where("id = ?", userID).Update("password", hash).Error
	})
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
