package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/agonych/udp-chat/internal/crypto"
	"gorm.io/gorm"
)

// RoomMember is a membership row joined with its user.
type RoomMember struct {
	Member Member
	User   User
}

// CreateRoomWithAdmin atomically inserts the room and the creator's admin
// membership. A name collision reports ErrRoomNameTaken.
func (s *Store) CreateRoomWithAdmin(name string, isPrivate bool, creatorID uint) (*Room, error) {
	publicID, err := crypto.NewRandomID()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	room := Room{
		RoomID:       publicID,
		Name:         name,
		IsPrivate:    isPrivate,
		LastActiveAt: now,
	}
	err = s.withRetry(func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&room).Error; err != nil {
				return err
			}
			return tx.Create(&Member{
				RoomID:   room.ID,
				UserID:   creatorID,
				IsAdmin:  true,
				JoinedAt: now,
			}).Error
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrRoomNameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &room, nil
}

// FindRoomByPublicID fetches a room by its wire identifier.
func (s *Store) FindRoomByPublicID(roomID string) (*Room, error) {
	var room Room
	err := s.db.Where("room_id = ?", roomID).First(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find room: %w", err)
	}
	return &room, nil
}

// ListPublicRooms returns all non-private rooms, most recently active first.
func (s *Store) ListPublicRooms() ([]Room, error) {
	var rooms []Room
	if err := s.db.Where("is_private = ?", false).Order("last_active_at DESC").Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// AddMember joins a user to a room. Joining a room the user is already in is
// a no-op; the returned flag reports whether a new row was created.
func (s *Store) AddMember(roomRowID, userID uint, isAdmin bool) (bool, error) {
	member := Member{
		RoomID:   roomRowID,
		UserID:   userID,
		IsAdmin:  isAdmin,
		JoinedAt: time.Now(),
	}
	err := s.db.Create(&member).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	return true, nil
}

// FindMember fetches a membership row, reporting ErrNotMember when absent.
func (s *Store) FindMember(roomRowID, userID uint) (*Member, error) {
	var member Member
	err := s.db.Where("room_id = ? AND user_id = ?", roomRowID, userID).First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, fmt.Errorf("find member: %w", err)
	}
	return &member, nil
}

// RemoveMember deletes a membership. When the departing member was the room
// admin, the next-joined member inherits the flag. Returns false when the
// user was not a member.
func (s *Store) RemoveMember(roomRowID, userID uint) (bool, error) {
	var removed bool
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			var member Member
			err := tx.Where("room_id = ? AND user_id = ?", roomRowID, userID).First(&member).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				removed = false
				return nil
			}
			if err != nil {
				return err
			}
			if err := tx.Delete(&Member{}, member.ID).Error; err != nil {
				return err
			}
			removed = true
			if !member.IsAdmin {
				return nil
			}
			var next Member
			err = tx.Where("room_id = ?", roomRowID).Order("joined_at ASC, id ASC").First(&next).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			return tx.Model(&Member{}).Where("id = ?", next.ID).Update("is_admin", true).Error
		})
	})
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	return removed, nil
}

// RoomMembers lists memberships with their users, in join order.
func (s *Store) RoomMembers(roomRowID uint) ([]RoomMember, error) {
	var members []Member
	if err := s.db.Where("room_id = ?", roomRowID).Order("joined_at ASC, id ASC").Find(&members).Error; err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	userIDs := make([]uint, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, m.UserID)
	}
	var users []User
	if err := s.db.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("room member users: %w", err)
	}
	byID := make(map[uint]User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]RoomMember, 0, len(members))
	for _, m := range members {
		out = append(out, RoomMember{Member: m, User: byID[m.UserID]})
	}
	return out, nil
}

// RoomOfUser returns the room the user joined most recently, if any.
func (s *Store) RoomOfUser(userID uint) (*Room, error) {
	var member Member
	err := s.db.Where("user_id = ?", userID).Order("joined_at DESC, id DESC").First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room of user: %w", err)
	}
	var room Room
	if err := s.db.First(&room, member.RoomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("room of user: %w", err)
	}
	return &room, nil
}

// TouchRoom bumps last_active_at after a message append.
func (s *Store) TouchRoom(roomRowID uint, at time.Time) error {
	if err := s.db.Model(&Room{}).Where("id = ?", roomRowID).Update("last_active_at", at).Error; err != nil {
		return fmt.Errorf("touch room: %w", err)
	}
	return nil
}

// CountRooms and CountMembers feed the metrics gauges.
func (s *Store) CountRooms() (int64, error) {
	var n int64
	if err := s.db.Model(&Room{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count rooms: %w", err)
	}
	return n, nil
}

func (s *Store) CountMembers() (int64, error) {
	var n int64
	if err := s.db.Model(&Member{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}
