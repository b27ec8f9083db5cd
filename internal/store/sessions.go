package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateSession persists a fresh anonymous session row.
func (s *Store) CreateSession(sessionID, keyHex string) (*Session, error) {
	session := Session{
		SessionID:    sessionID,
		SessionKey:   keyHex,
		LastActiveAt: time.Now(),
	}
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &session, nil
}

// FindSessionByPublicID fetches a session row by its wire identifier.
func (s *Store) FindSessionByPublicID(sessionID string) (*Session, error) {
	var session Session
	err := s.db.Where("session_id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &session, nil
}

// BindSessionUser attaches a user to a session after LOGIN or a merge.
// A nil userID clears the binding (LOGOUT).
func (s *Store) BindSessionUser(sessionRowID uint, userID *uint) error {
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Model(&Session{}).Where("id = ?", sessionRowID).
			Updates(map[string]any{"user_id": userID, "last_active_at": time.Now()}).Error
	})
	if err != nil {
		return fmt.Errorf("bind session user: %w", err)
	}
	return nil
}

// TouchSession refreshes last_active_at for the admission path.
func (s *Store) TouchSession(sessionRowID uint, at time.Time) error {
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Model(&Session{}).Where("id = ?", sessionRowID).
			Update("last_active_at", at).Error
	})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row; nonce rows cascade with it.
func (s *Store) DeleteSession(sessionRowID uint) error {
	err := s.withRetry(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionRowID).Delete(&Nonce{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Session{}, sessionRowID).Error
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteIdleSessions purges sessions (and their nonces) idle since cutoff.
func (s *Store) DeleteIdleSessions(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			var ids []uint
			if err := tx.Model(&Session{}).Where("last_active_at < ?", cutoff).Pluck("id", &ids).Error; err != nil {
				return err
			}
			if len(ids) == 0 {
				removed = 0
				return nil
			}
			if err := tx.Where("session_id IN ?", ids).Delete(&Nonce{}).Error; err != nil {
				return err
			}
			res := tx.Where("id IN ?", ids).Delete(&Session{})
			removed = res.RowsAffected
			return res.Error
		})
	})
	if err != nil {
		return 0, fmt.Errorf("delete idle sessions: %w", err)
	}
	return removed, nil
}

// SessionsForUsers returns all live sessions bound to any of the users.
// Used by the broadcast fan-out to resolve user -> current sessions.
func (s *Store) SessionsForUsers(userIDs []uint) ([]Session, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var sessions []Session
	if err := s.db.Where("user_id IN ?", userIDs).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("sessions for users: %w", err)
	}
	return sessions, nil
}

// InsertNonce records an accepted nonce. A duplicate (session, nonce) pair
// fails the unique index and reports ErrNonceReplayed; this is the replay
// window check and must happen before decryption.
func (s *Store) InsertNonce(sessionRowID uint, nonceHex string) error {
	err := s.db.Create(&Nonce{SessionID: sessionRowID, Nonce: nonceHex}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrNonceReplayed
	}
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}
