package server

import (
	"errors"

	"github.com/agonych/udp-chat/internal/ai"
	"github.com/agonych/udp-chat/internal/chat"
	"github.com/agonych/udp-chat/internal/dispatch"
	"github.com/agonych/udp-chat/internal/protocol"
	"github.com/agonych/udp-chat/internal/session"
	"github.com/agonych/udp-chat/internal/store"
	"go.uber.org/zap"
)

// Router dispatches decrypted inner payloads to handlers by type and
// enforces each handler's auth precondition. Immediate control replies (ACK,
// STATUS, errors) bypass the reliable dispatcher; everything user-visible
// goes through it.
type Router struct {
	log        *zap.Logger
	chat       *chat.Service
	dispatcher *dispatch.Dispatcher
	bridge     *ai.Bridge

	// sendDirect seals and transmits a payload outside the retry queue.
	sendDirect func(rec session.Record, payload protocol.Payload)
}

// NewRouter wires the packet router.
func NewRouter(log *zap.Logger, chatSvc *chat.Service, d *dispatch.Dispatcher, bridge *ai.Bridge,
	sendDirect func(rec session.Record, payload protocol.Payload)) *Router {
	return &Router{
		log:        log,
		chat:       chatSvc,
		dispatcher: d,
		bridge:     bridge,
		sendDirect: sendDirect,
	}
}

// Handle processes one admitted payload. Any payload bearing a msg_id is
// acknowledged before its handler runs.
func (r *Router) Handle(rec session.Record, payload protocol.Payload) {
	if payload.MsgID != "" && payload.Type != protocol.KindAck {
		ack, err := protocol.NewPayload(protocol.KindAck, protocol.AckData{MsgID: payload.MsgID})
		if err == nil {
			r.sendDirect(rec, ack)
		}
	}

	reply, err := r.route(rec, payload)
	if err != nil {
		r.replyError(rec, err)
		return
	}
	if reply == nil {
		return
	}
	if isDirectKind(reply.Type) {
		r.sendDirect(rec, *reply)
		return
	}
	if _, err := r.dispatcher.Enqueue(rec.ID, *reply); err != nil {
		r.log.Warn("reply enqueue failed", zap.Error(err),
			zap.String("session_id", rec.ID), zap.String("kind", reply.Type))
	}
}

func (r *Router) route(rec session.Record, payload protocol.Payload) (*protocol.Payload, error) {
	switch payload.Type {
	case protocol.KindAck:
		var data protocol.AckData
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		if data.MsgID != "" {
			r.dispatcher.Ack(rec.ID, data.MsgID)
		}
		return nil, nil

	case protocol.KindHello, protocol.KindStatus:
		reply, err := r.chat.Status(rec)
		return &reply, err

	case protocol.KindLogin:
		var data protocol.LoginData
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.Login(rec, data)
		return &reply, err

	case protocol.KindLogout:
		reply, err := r.chat.Logout(rec)
		return &reply, err

	case protocol.KindMergeSession:
		var data protocol.MergeSessionData
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.Merge(rec, data)
		return &reply, err

	case protocol.KindListRooms:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		reply, err := r.chat.ListRooms()
		return &reply, err

	case protocol.KindCreateRoom:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.CreateRoomData
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.CreateRoom(rec, *rec.UserID, data)
		return &reply, err

	case protocol.KindJoinRoom:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.RoomRef
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.JoinRoom(rec, *rec.UserID, data.RoomID)
		return &reply, err

	case protocol.KindLeaveRoom:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.RoomRef
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.LeaveRoom(rec, *rec.UserID, data.RoomID)
		return &reply, err

	case protocol.KindListMembers:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.RoomRef
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.ListMembers(*rec.UserID, data.RoomID)
		return &reply, err

	case protocol.KindListMessages:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.RoomRef
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.History(*rec.UserID, data.RoomID)
		return &reply, err

	case protocol.KindMessage:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.MessageData
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		reply, err := r.chat.PostMessage(*rec.UserID, data)
		return &reply, err

	case protocol.KindAIMessage:
		if err := requireUser(rec); err != nil {
			return nil, err
		}
		var data protocol.AIMessageData
		if err := payload.Bind(&data); err != nil {
			return nil, err
		}
		return nil, r.handleAIMessage(rec, data)

	default:
		return nil, &chat.RequestError{Msg: "Unknown packet type: " + payload.Type}
	}
}

// handleAIMessage validates membership, then hands the generation off to the
// bounded pool. The caller gets no direct reply; the result arrives as a
// normal MESSAGE broadcast.
func (r *Router) handleAIMessage(rec session.Record, data protocol.AIMessageData) error {
	room, err := r.chat.FindRoomForMember(*rec.UserID, data.RoomID)
	if err != nil {
		return err
	}
	user, err := r.chat.User(*rec.UserID)
	if err != nil {
		return err
	}
	if err := r.bridge.Submit(room, user.Name, data.Content); err != nil {
		if errors.Is(err, ai.ErrSaturated) {
			r.log.Warn("ai request rejected", zap.String("room_id", room.RoomID))
			return &chat.RequestError{Msg: "AI is busy, try again later"}
		}
		return err
	}
	return nil
}

// replyError maps handler failures to a single protocol reply. Crypto and
// replay failures never reach this point; they were dropped in admission.
func (r *Router) replyError(rec session.Record, err error) {
	var payload protocol.Payload

	var reqErr *chat.RequestError
	switch {
	case errors.As(err, &reqErr):
		payload, _ = protocol.NewPayload(protocol.KindError, protocol.ErrorData{Message: reqErr.Msg})
	case errors.Is(err, chat.ErrUnauthorised):
		payload, _ = protocol.NewPayload(protocol.KindUnauthorised, protocol.ErrorData{Message: "Incorrect password"})
	case errors.Is(err, errAuthRequired):
		payload, _ = protocol.NewPayload(protocol.KindUnauthorised, protocol.ErrorData{Message: "Authentication required"})
	case errors.Is(err, store.ErrNotMember):
		payload, _ = protocol.NewPayload(protocol.KindError, protocol.ErrorData{Message: "You must join the room first"})
	case errors.Is(err, store.ErrNotFound):
		payload, _ = protocol.NewPayload(protocol.KindError, protocol.ErrorData{Message: "Not found"})
	case errors.Is(err, protocol.ErrMalformed):
		payload, _ = protocol.NewPayload(protocol.KindError, protocol.ErrorData{Message: "Malformed request"})
	default:
		r.log.Error("handler failed", zap.Error(err), zap.String("session_id", rec.ID))
		payload, _ = protocol.NewPayload(protocol.KindError, protocol.ErrorData{Message: "internal"})
	}

	r.sendDirect(rec, payload)
}

var errAuthRequired = errors.New("authentication required")

func requireUser(rec session.Record) error {
	if rec.UserID == nil {
		return errAuthRequired
	}
	return nil
}

// isDirectKind reports reply kinds that skip the reliable dispatcher: ACKs,
// status reflections and error replies carry no state the client cannot
// re-request.
func isDirectKind(kind string) bool {
	switch kind {
	case protocol.KindAck, protocol.KindStatus, protocol.KindError,
		protocol.KindUnauthorised, protocol.KindPleaseLogin, protocol.KindMergeSessionFailed:
		return true
	}
	return false
}
