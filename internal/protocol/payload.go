package protocol

import (
	"encoding/json"
	"fmt"
)

// Inner payload kinds, client to server.
const (
	KindHello        = "HELLO"
	KindLogin        = "LOGIN"
	KindLogout       = "LOGOUT"
	KindStatus       = "STATUS"
	KindMergeSession = "MERGE_SESSION"
	KindListRooms    = "LIST_ROOMS"
	KindCreateRoom   = "CREATE_ROOM"
	KindJoinRoom     = "JOIN_ROOM"
	KindLeaveRoom    = "LEAVE_ROOM"
	KindListMembers  = "LIST_MEMBERS"
	KindListMessages = "LIST_MESSAGES"
	KindMessage      = "MESSAGE"
	KindAIMessage    = "AI_MESSAGE"
	KindAck          = "ACK"
)

// Inner payload kinds, server to client.
const (
	KindWelcome            = "WELCOME"
	KindError              = "ERROR"
	KindPleaseLogin        = "PLEASE_LOGIN"
	KindUnauthorised       = "UNAUTHORISED"
	KindMergeSessionFailed = "MERGE_SESSION_FAILED"
	KindRoomList           = "ROOM_LIST"
	KindRoomCreated        = "ROOM_CREATED"
	KindRoomJoined         = "ROOM_JOINED"
	KindRoomLeft           = "ROOM_LEFT"
	KindRoomMembers        = "ROOM_MEMBERS"
	KindRoomHistory        = "ROOM_HISTORY"
	KindMemberJoined       = "MEMBER_JOINED"
	KindMemberLeft         = "MEMBER_LEFT"
	KindMessageSent        = "MESSAGE_SENT"
)

// Payload is the decrypted inner message of a secure envelope.
type Payload struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	MsgID string          `json:"msg_id,omitempty"`
}

// NewPayload builds a payload with marshaled data.
func NewPayload(kind string, data any) (Payload, error) {
	if data == nil {
		return Payload{Type: kind}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s data: %w", kind, err)
	}
	return Payload{Type: kind, Data: raw}, nil
}

// DecodePayload parses the plaintext of an opened envelope.
func DecodePayload(plaintext []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.Type == "" {
		return Payload{}, fmt.Errorf("%w: missing payload type", ErrMalformed)
	}
	return p, nil
}

// Encode serializes the payload to plaintext bytes for sealing.
func (p Payload) Encode() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// Bind unmarshals the payload data into a typed request struct.
func (p Payload) Bind(dst any) error {
	if len(p.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Request data shapes, client to server.

type LoginData struct {
	Email    string `json:"email"`
	Password string `json:"password,omitempty"`
}

type MergeSessionData struct {
	OldSessionID  string `json:"old_session_id"`
	OldSessionKey string `json:"old_session_key"`
}

type CreateRoomData struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private,omitempty"`
}

type RoomRef struct {
	RoomID string `json:"room_id"`
}

type MessageData struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

type AIMessageData struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content,omitempty"`
}

type AckData struct {
	MsgID string `json:"msg_id"`
}

// Reply data shapes, server to client.

type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type PleaseLoginData struct {
	Message string `json:"message"`
	Email   string `json:"email"`
}

type RoomInfo struct {
	RoomID       string `json:"room_id"`
	Name         string `json:"name"`
	LastActiveAt int64  `json:"last_active_at,omitempty"`
}

type UserInfo struct {
	UserID string    `json:"user_id"`
	Email  string    `json:"email"`
	Name   string    `json:"name"`
	Room   *RoomInfo `json:"room"`
}

type WelcomeData struct {
	User UserInfo `json:"user"`
}

type StatusData struct {
	SessionID string    `json:"session_id"`
	User      *UserInfo `json:"user"`
}

type MemberInfo struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	IsAdmin  bool   `json:"is_admin"`
	JoinedAt int64  `json:"joined_at"`
}

type MemberJoinedData struct {
	RoomID string     `json:"room_id"`
	Member MemberInfo `json:"member"`
}

type MemberLeftData struct {
	RoomID   string `json:"room_id"`
	MemberID string `json:"member_id"`
}

type RoomMembersData struct {
	RoomID  string       `json:"room_id"`
	Members []MemberInfo `json:"members"`
}

type MessageInfo struct {
	MessageID      uint   `json:"message_id"`
	RoomID         string `json:"room_id"`
	UserID         string `json:"user_id"`
	Name           string `json:"name"`
	Content        string `json:"content"`
	IsAnnouncement bool   `json:"is_announcement,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type RoomHistoryData struct {
	RoomID   string        `json:"room_id"`
	Messages []MessageInfo `json:"messages"`
}

type MessageSentData struct {
	MessageID uint   `json:"message_id"`
	RoomID    string `json:"room_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
