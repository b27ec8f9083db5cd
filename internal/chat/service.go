package chat

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/agonych/udp-chat/internal/dispatch"
	"github.com/agonych/udp-chat/internal/protocol"
	"github.com/agonych/udp-chat/internal/session"
	"github.com/agonych/udp-chat/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	historyLimit = 100

	aiUserEmail = "ai@udpchat.local"
	aiUserName  = "AI Assistant"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ErrUnauthorised marks credential failures the router turns into an
// UNAUTHORISED reply.
var ErrUnauthorised = errors.New("unauthorised")

// RequestError is a client mistake the router reports back verbatim as an
// ERROR payload.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

func requestErr(format string, args ...any) error {
	return &RequestError{Msg: fmt.Sprintf(format, args...)}
}

// Metrics is the subset of server metrics the chat layer reports into.
type Metrics interface {
	LoginRecorded()
	MessageRecorded()
}

// Service owns the room/member/message state machine and the broadcast
// fan-out. Handlers return the direct reply payload; everything user-visible
// that leaves this package goes through the reliable dispatcher.
type Service struct {
	log        *zap.Logger
	store      *store.Store
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	metrics    Metrics
}

// NewService wires the chat layer.
func NewService(log *zap.Logger, st *store.Store, sessions *session.Manager, d *dispatch.Dispatcher, metrics Metrics) *Service {
	return &Service{log: log, store: st, sessions: sessions, dispatcher: d, metrics: metrics}
}

// Login begins or completes a login. New emails create a passwordless
// account; accounts with a password get a PLEASE_LOGIN prompt until the
// matching password arrives.
func (s *Service) Login(rec session.Record, data protocol.LoginData) (protocol.Payload, error) {
	email := strings.ToLower(strings.TrimSpace(data.Email))
	if !emailPattern.MatchString(email) {
		return protocol.Payload{}, requestErr("Please provide a valid email address")
	}

	user, _, err := s.store.GetOrCreateUserByEmail(email)
	if err != nil {
		return protocol.Payload{}, err
	}

	if user.Password != "" {
		if data.Password == "" {
			return protocol.NewPayload(protocol.KindPleaseLogin, protocol.PleaseLoginData{
				Message: "Please type your password to continue",
				Email:   email,
			})
		}
		if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(data.Password)) != nil {
			return protocol.Payload{}, ErrUnauthorised
		}
	}

	if err := s.sessions.BindUser(rec.ID, &user.ID); err != nil {
		return protocol.Payload{}, err
	}
	if s.metrics != nil {
		s.metrics.LoginRecorded()
	}
	s.log.Info("user logged in", zap.String("session_id", rec.ID), zap.String("email", email))

	return protocol.NewPayload(protocol.KindWelcome, protocol.WelcomeData{User: s.userInfo(user)})
}

// Logout clears the session's user binding.
func (s *Service) Logout(rec session.Record) (protocol.Payload, error) {
	if rec.UserID == nil {
		return protocol.Payload{}, requestErr("You are not logged in")
	}
	if err := s.sessions.BindUser(rec.ID, nil); err != nil {
		return protocol.Payload{}, err
	}
	return protocol.NewPayload(protocol.KindStatus, protocol.StatusData{SessionID: rec.ID, User: nil})
}

// Status reflects the session's current binding.
func (s *Service) Status(rec session.Record) (protocol.Payload, error) {
	data := protocol.StatusData{SessionID: rec.ID}
	if rec.UserID != nil {
		user, err := s.store.FindUserByID(*rec.UserID)
		if err == nil {
			info := s.userInfo(user)
			data.User = &info
		}
	}
	return protocol.NewPayload(protocol.KindStatus, data)
}

// Merge claims a prior session's user binding after a reconnect.
func (s *Service) Merge(rec session.Record, data protocol.MergeSessionData) (protocol.Payload, error) {
	userID, err := s.sessions.Merge(rec.ID, data.OldSessionID, data.OldSessionKey)
	if err != nil {
		return protocol.NewPayload(protocol.KindMergeSessionFailed, nil)
	}
	user, err := s.store.FindUserByID(*userID)
	if err != nil {
		return protocol.NewPayload(protocol.KindMergeSessionFailed, nil)
	}
	return protocol.NewPayload(protocol.KindWelcome, protocol.WelcomeData{User: s.userInfo(user)})
}

// ListRooms returns the public room directory.
func (s *Service) ListRooms() (protocol.Payload, error) {
	rooms, err := s.store.ListPublicRooms()
	if err != nil {
		return protocol.Payload{}, err
	}
	return protocol.NewPayload(protocol.KindRoomList, roomInfos(rooms))
}

// CreateRoom creates a room with the caller as admin, announces the caller's
// membership and, for a public room, pushes the refreshed directory to every
// live session.
func (s *Service) CreateRoom(rec session.Record, userID uint, data protocol.CreateRoomData) (protocol.Payload, error) {
	name := strings.TrimSpace(data.Name)
	if name == "" {
		return protocol.Payload{}, requestErr("Room name is required")
	}

	room, err := s.store.CreateRoomWithAdmin(name, data.IsPrivate, userID)
	if errors.Is(err, store.ErrRoomNameTaken) {
		return protocol.Payload{}, requestErr("Room with that name already exists")
	}
	if err != nil {
		return protocol.Payload{}, err
	}

	user, err := s.store.FindUserByID(userID)
	if err == nil {
		s.broadcastMemberJoined(room, user, true)
	}
	if !room.IsPrivate {
		s.broadcastRoomList()
	}

	return protocol.NewPayload(protocol.KindRoomCreated, protocol.RoomInfo{
		RoomID: room.RoomID,
		Name:   room.Name,
	})
}

// JoinRoom adds a membership. Re-joining is a no-op that still replies
// ROOM_JOINED and broadcasts nothing.
func (s *Service) JoinRoom(rec session.Record, userID uint, roomID string) (protocol.Payload, error) {
	room, err := s.findRoom(roomID)
	if err != nil {
		return protocol.Payload{}, err
	}

	created, err := s.store.AddMember(room.ID, userID, false)
	if err != nil {
		return protocol.Payload{}, err
	}
	if created {
		if user, uerr := s.store.FindUserByID(userID); uerr == nil {
			s.broadcastMemberJoined(room, user, false)
		}
	}

	return protocol.NewPayload(protocol.KindRoomJoined, protocol.RoomInfo{
		RoomID: room.RoomID,
		Name:   room.Name,
	})
}

// LeaveRoom removes a membership. Leaving a room one is not in replies
// ROOM_LEFT with no broadcast.
func (s *Service) LeaveRoom(rec session.Record, userID uint, roomID string) (protocol.Payload, error) {
	room, err := s.findRoom(roomID)
	if err != nil {
		return protocol.Payload{}, err
	}

	removed, err := s.store.RemoveMember(room.ID, userID)
	if err != nil {
		return protocol.Payload{}, err
	}
	if removed {
		if user, uerr := s.store.FindUserByID(userID); uerr == nil {
			payload, perr := protocol.NewPayload(protocol.KindMemberLeft, protocol.MemberLeftData{
				RoomID:   room.RoomID,
				MemberID: user.UserID,
			})
			if perr == nil {
				s.broadcastToRoom(room.ID, payload)
			}
		}
	}

	return protocol.NewPayload(protocol.KindRoomLeft, protocol.RoomInfo{
		RoomID: room.RoomID,
		Name:   room.Name,
	})
}

// ListMembers requires membership and returns the roster in join order.
func (s *Service) ListMembers(userID uint, roomID string) (protocol.Payload, error) {
	room, err := s.findRoom(roomID)
	if err != nil {
		return protocol.Payload{}, err
	}
	if _, err := s.store.FindMember(room.ID, userID); err != nil {
		return protocol.Payload{}, err
	}

	members, err := s.store.RoomMembers(room.ID)
	if err != nil {
		return protocol.Payload{}, err
	}
	infos := make([]protocol.MemberInfo, 0, len(members))
	for _, m := range members {
		infos = append(infos, protocol.MemberInfo{
			UserID:   m.User.UserID,
			Name:     m.User.Name,
			IsAdmin:  m.Member.IsAdmin,
			JoinedAt: m.Member.JoinedAt.Unix(),
		})
	}
	return protocol.NewPayload(protocol.KindRoomMembers, protocol.RoomMembersData{
		RoomID:  room.RoomID,
		Members: infos,
	})
}

// History requires membership and returns messages in ascending
// (created_at, id) order.
func (s *Service) History(userID uint, roomID string) (protocol.Payload, error) {
	room, err := s.findRoom(roomID)
	if err != nil {
		return protocol.Payload{}, err
	}
	if _, err := s.store.FindMember(room.ID, userID); err != nil {
		return protocol.Payload{}, err
	}

	rows, err := s.store.History(room.ID, historyLimit)
	if err != nil {
		return protocol.Payload{}, err
	}
	infos := make([]protocol.MessageInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, messageInfo(room, row.Message, row.User))
	}
	return protocol.NewPayload(protocol.KindRoomHistory, protocol.RoomHistoryData{
		RoomID:   room.RoomID,
		Messages: infos,
	})
}

// PostMessage appends a message and fans it out to every member with a live
// session, sender included. The sender additionally gets a MESSAGE_SENT
// receipt as the direct reply.
func (s *Service) PostMessage(userID uint, data protocol.MessageData) (protocol.Payload, error) {
	content := strings.TrimSpace(data.Content)
	if data.RoomID == "" || content == "" {
		return protocol.Payload{}, requestErr("Room ID and content are required")
	}
	room, err := s.findRoom(data.RoomID)
	if err != nil {
		return protocol.Payload{}, err
	}
	if _, err := s.store.FindMember(room.ID, userID); err != nil {
		return protocol.Payload{}, err
	}

	message, err := s.Append(room, userID, content, false)
	if err != nil {
		return protocol.Payload{}, err
	}
	if s.metrics != nil {
		s.metrics.MessageRecorded()
	}

	return protocol.NewPayload(protocol.KindMessageSent, protocol.MessageSentData{
		MessageID: message.ID,
		RoomID:    room.RoomID,
		Content:   content,
		Timestamp: message.CreatedAt.Unix(),
	})
}

// Append inserts a message authored by userID and broadcasts it. The AI
// bridge reuses this path so generated replies flow like any other message.
func (s *Service) Append(room *store.Room, userID uint, content string, announcement bool) (*store.Message, error) {
	message, err := s.store.AppendMessage(room.ID, userID, content, announcement)
	if err != nil {
		return nil, err
	}
	author, err := s.store.FindUserByID(userID)
	if err != nil {
		return nil, err
	}

	payload, err := protocol.NewPayload(protocol.KindMessage, messageInfo(room, *message, *author))
	if err != nil {
		return nil, err
	}
	s.broadcastToRoom(room.ID, payload)
	return message, nil
}

// RecentMessages exposes the prompt window for the AI bridge.
func (s *Service) RecentMessages(room *store.Room, limit int) ([]store.MessageWithUser, error) {
	return s.store.History(room.ID, limit)
}

// FindRoomForMember resolves a room and checks the user belongs to it.
func (s *Service) FindRoomForMember(userID uint, roomID string) (*store.Room, error) {
	room, err := s.findRoom(roomID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.FindMember(room.ID, userID); err != nil {
		return nil, err
	}
	return room, nil
}

// User resolves a user by internal id for the router and the AI bridge.
func (s *Service) User(userID uint) (*store.User, error) {
	return s.store.FindUserByID(userID)
}

// EnsureAIUser returns the designated AI author, creating it and joining it
// to the room on first use.
func (s *Service) EnsureAIUser(room *store.Room) (*store.User, error) {
	user, _, err := s.store.GetOrCreateUserByEmail(aiUserEmail)
	if err != nil {
		return nil, err
	}
	if user.Name != aiUserName {
		user.Name = aiUserName
	}
	if _, err := s.store.AddMember(room.ID, user.ID, false); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) findRoom(roomID string) (*store.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, requestErr("Room ID is required")
	}
	room, err := s.store.FindRoomByPublicID(roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, requestErr("Room not found")
	}
	return room, err
}

func (s *Service) userInfo(user *store.User) protocol.UserInfo {
	info := protocol.UserInfo{
		UserID: user.UserID,
		Email:  user.Email,
		Name:   user.Name,
	}
	if room, err := s.store.RoomOfUser(user.ID); err == nil {
		info.Room = &protocol.RoomInfo{RoomID: room.RoomID, Name: room.Name}
	}
	return info
}

func (s *Service) broadcastMemberJoined(room *store.Room, user *store.User, isAdmin bool) {
	payload, err := protocol.NewPayload(protocol.KindMemberJoined, protocol.MemberJoinedData{
		RoomID: room.RoomID,
		Member: protocol.MemberInfo{
			UserID:  user.UserID,
			Name:    user.Name,
			IsAdmin: isAdmin,
		},
	})
	if err != nil {
		return
	}
	s.broadcastToRoom(room.ID, payload)
}

func (s *Service) broadcastRoomList() {
	rooms, err := s.store.ListPublicRooms()
	if err != nil {
		return
	}
	payload, err := protocol.NewPayload(protocol.KindRoomList, roomInfos(rooms))
	if err != nil {
		return
	}
	for _, sessionID := range s.sessions.LiveSessions() {
		if _, err := s.dispatcher.Enqueue(sessionID, payload); err != nil {
			s.log.Warn("room list broadcast failed", zap.Error(err), zap.String("session_id", sessionID))
		}
	}
}

// broadcastToRoom submits one reliable enqueue per member with a live
// session. Members without one catch up via LIST_MESSAGES on reconnect.
func (s *Service) broadcastToRoom(roomRowID uint, payload protocol.Payload) {
	members, err := s.store.RoomMembers(roomRowID)
	if err != nil {
		s.log.Warn("broadcast member lookup failed", zap.Error(err))
		return
	}
	userIDs := make([]uint, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, m.Member.UserID)
	}
	for _, rec := range s.sessions.LiveForUsers(userIDs) {
		if _, err := s.dispatcher.Enqueue(rec.ID, payload); err != nil {
			s.log.Warn("broadcast enqueue failed", zap.Error(err), zap.String("session_id", rec.ID))
		}
	}
}

func messageInfo(room *store.Room, message store.Message, author store.User) protocol.MessageInfo {
	return protocol.MessageInfo{
		MessageID:      message.ID,
		RoomID:         room.RoomID,
		UserID:         author.UserID,
		Name:           author.Name,
		Content:        message.Content,
		IsAnnouncement: message.IsAnnouncement,
		Timestamp:      message.CreatedAt.Unix(),
	}
}

func roomInfos(rooms []store.Room) []protocol.RoomInfo {
	out := make([]protocol.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, protocol.RoomInfo{
			RoomID:       r.RoomID,
			Name:         r.Name,
			LastActiveAt: r.LastActiveAt.Unix(),
		})
	}
	return out
}
