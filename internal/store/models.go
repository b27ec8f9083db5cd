package store

import "time"

// User is created on first login and never destroyed. Email is stored
// lowercased and is unique. An empty Password means the account is
// passwordless and logs in on email alone.
type User struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"uniqueIndex;size:64;not null"`
	Name      string `gorm:"size:128"`
	Email     string `gorm:"uniqueIndex;size:255;not null"`
	Password  string `gorm:"size:128"`
	IsAdmin   bool
	CreatedAt time.Time
	UpdatedAt time.Time

	Members  []Member  `gorm:"constraint:OnDelete:CASCADE"`
	Messages []Message `gorm:"constraint:OnDelete:CASCADE"`
}

// Session is one secure channel. SessionKey holds the hex-encoded AES key
// and is unique across all live sessions. UserID stays nil until LOGIN.
type Session struct {
	ID           uint   `gorm:"primaryKey"`
	SessionID    string `gorm:"uniqueIndex;size:64;not null"`
	UserID       *uint  `gorm:"index"`
	SessionKey   string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt    time.Time
	LastActiveAt time.Time `gorm:"index;not null"`

	Nonces []Nonce `gorm:"constraint:OnDelete:CASCADE"`
}

// Nonce records every accepted AEAD nonce for a session. The composite
// unique index is what makes replay detection race-free across workers.
type Nonce struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID uint   `gorm:"uniqueIndex:idx_nonces_session_nonce;not null"`
	Nonce     string `gorm:"uniqueIndex:idx_nonces_session_nonce;size:24;not null"`
	CreatedAt time.Time
}

// Room is a chat room. Rooms persist even when the last member leaves.
type Room struct {
	ID           uint   `gorm:"primaryKey"`
	RoomID       string `gorm:"uniqueIndex;size:64;not null"`
	Name         string `gorm:"uniqueIndex;size:128;not null"`
	IsPrivate    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActiveAt time.Time

	Members  []Member  `gorm:"constraint:OnDelete:CASCADE"`
	Messages []Message `gorm:"constraint:OnDelete:CASCADE"`
}

// Member links a user to a room. At most one membership per user per room;
// the first member of a new room is its admin.
type Member struct {
	ID       uint `gorm:"primaryKey"`
	RoomID   uint `gorm:"uniqueIndex:idx_members_room_user;not null"`
	UserID   uint `gorm:"uniqueIndex:idx_members_room_user;index;not null"`
	IsAdmin  bool
	JoinedAt time.Time `gorm:"not null"`
}

// Message is append-only. Per-room ordering is (created_at, id) with the id
// breaking ties.
type Message struct {
	ID             uint `gorm:"primaryKey"`
	RoomID         uint `gorm:"index:idx_messages_room;not null"`
	UserID         uint `gorm:"index;not null"`
	Content        string `gorm:"type:text;not null"`
	IsAnnouncement bool
	CreatedAt      time.Time `gorm:"index:idx_messages_room"`
}
