package store

import "errors"

// Sentinel errors the router maps to protocol replies.
var (
	ErrNotFound      = errors.New("record not found")
	ErrEmailTaken    = errors.New("email already registered")
	ErrRoomNameTaken = errors.New("room name already taken")
	ErrNonceReplayed = errors.New("nonce already used")
	ErrNotMember     = errors.New("not a member of the room")
)
