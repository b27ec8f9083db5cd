package store

import (
	"fmt"

	"gorm.io/gorm"
)

// MessageWithUser is a message row joined with its author.
type MessageWithUser struct {
	Message Message
	User    User
}

// AppendMessage inserts a message and bumps the room's activity timestamp.
// The returned row carries the assigned id and server timestamp used by
// every broadcast copy.
func (s *Store) AppendMessage(roomRowID, userID uint, content string, announcement bool) (*Message, error) {
	message := Message{
		RoomID:         roomRowID,
		UserID:         userID,
		Content:        content,
		IsAnnouncement: announcement,
	}
	err := s.withRetry(func(tx *gorm.DB) error {
		return tx.Create(&message).Error
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := s.TouchRoom(roomRowID, message.CreatedAt); err != nil {
		return nil, err
	}
	return &message, nil
}

// History returns up to limit most recent messages in ascending
// (created_at, id) order, joined with their authors.
func (s *Store) History(roomRowID uint, limit int) ([]MessageWithUser, error) {
	if limit <= 0 {
		limit = 100
	}
	var messages []Message
	err := s.db.Where("room_id = ?", roomRowID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("room history: %w", err)
	}
	// Fetched newest-first for the limit; flip to wire order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	userIDs := make([]uint, 0, len(messages))
	seen := make(map[uint]bool)
	for _, m := range messages {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			userIDs = append(userIDs, m.UserID)
		}
	}
	byID := make(map[uint]User, len(userIDs))
	if len(userIDs) > 0 {
		var users []User
		if err := s.db.Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, fmt.Errorf("history users: %w", err)
		}
		for _, u := range users {
			byID[u.ID] = u
		}
	}

	out := make([]MessageWithUser, 0, len(messages))
	for _, m := range messages {
		out = append(out, MessageWithUser{Message: m, User: byID[m.UserID]})
	}
	return out, nil
}
