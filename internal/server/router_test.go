package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agonych/udp-chat/internal/ai"
	"github.com/agonych/udp-chat/internal/chat"
	"github.com/agonych/udp-chat/internal/crypto"
	"github.com/agonych/udp-chat/internal/dispatch"
	"github.com/agonych/udp-chat/internal/protocol"
	"github.com/agonych/udp-chat/internal/session"
	"github.com/agonych/udp-chat/internal/store"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	routerKeyOnce sync.Once
	routerKeyB64  string
)

func routerClientKey(t *testing.T) string {
	t.Helper()
	routerKeyOnce.Do(func() {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate client key: %v", err)
		}
		der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			t.Fatalf("encode client key: %v", err)
		}
		routerKeyB64 = base64.StdEncoding.EncodeToString(der)
	})
	return routerKeyB64
}

// stubGenerator returns a canned reply.
type stubGenerator struct {
	reply string
}

func (g stubGenerator) Generate(context.Context, []ai.ChatMessage) (string, error) {
	return g.reply, nil
}

type routerFixture struct {
	store    *store.Store
	sessions *session.Manager
	chat     *chat.Service
	router   *Router
	bridge   *ai.Bridge

	mu       sync.Mutex
	direct   []capturedPayload
	reliable []capturedPayload
}

type capturedPayload struct {
	SessionID string
	Payload   protocol.Payload
}

func (f *routerFixture) directOf(kind string) []capturedPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedPayload
	for _, p := range f.direct {
		if p.Payload.Type == kind {
			out = append(out, p)
		}
	}
	return out
}

func (f *routerFixture) reliableOf(kind string) []capturedPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []capturedPayload
	for _, p := range f.reliable {
		if p.Payload.Type == kind {
			out = append(out, p)
		}
	}
	return out
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	keys, err := crypto.LoadOrCreateKeys(t.TempDir(), "")
	if err != nil {
		t.Fatalf("server keys: %v", err)
	}

	log := zaptest.NewLogger(t)
	sessions := session.NewManager(log, st, keys, time.Minute, nil)

	f := &routerFixture{store: st, sessions: sessions}
	seal := func(sessionID string, payload protocol.Payload) ([]byte, error) {
		f.mu.Lock()
		f.reliable = append(f.reliable, capturedPayload{SessionID: sessionID, Payload: payload})
		f.mu.Unlock()
		return json.Marshal(payload)
	}
	d := dispatch.New(log, dispatch.Options{BaseRTO: time.Hour, MaxRTO: time.Hour, MaxAttempts: 5},
		seal, func([]byte, *net.UDPAddr) error { return nil }, sessions.AddrOf, nil)

	f.chat = chat.NewService(log, st, sessions, d, nil)
	f.bridge = ai.NewBridge(log, stubGenerator{reply: "sounds good!"}, f.chat, 20, nil)
	f.router = NewRouter(log, f.chat, d, f.bridge, func(rec session.Record, payload protocol.Payload) {
		f.mu.Lock()
		f.direct = append(f.direct, capturedPayload{SessionID: rec.ID, Payload: payload})
		f.mu.Unlock()
	})
	return f
}

func (f *routerFixture) newSession(t *testing.T, port int) session.Record {
	t.Helper()
	frame, err := f.sessions.Handshake(routerClientKey(t), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	var reply protocol.HandshakeReply
	if err := json.Unmarshal(frame, &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	rec, ok := f.sessions.Lookup(reply.SessionID)
	if !ok {
		t.Fatal("session not live")
	}
	return rec
}

func (f *routerFixture) handle(t *testing.T, rec session.Record, kind string, data any, msgID string) {
	t.Helper()
	payload, err := protocol.NewPayload(kind, data)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	payload.MsgID = msgID
	refreshed, ok := f.sessions.Lookup(rec.ID)
	if !ok {
		t.Fatalf("session %s gone", rec.ID)
	}
	f.router.Handle(refreshed, payload)
}

func TestHelloRepliesAckAndStatus(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.newSession(t, 4000)

	f.handle(t, rec, protocol.KindHello, nil, "m1")

	acks := f.directOf(protocol.KindAck)
	if len(acks) != 1 {
		t.Fatalf("expected one ACK, got %d", len(acks))
	}
	var ack protocol.AckData
	if err := json.Unmarshal(acks[0].Payload.Data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.MsgID != "m1" {
		t.Fatalf("ACK for %q, expected m1", ack.MsgID)
	}

	statuses := f.directOf(protocol.KindStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected one STATUS, got %d", len(statuses))
	}
	var status protocol.StatusData
	if err := json.Unmarshal(statuses[0].Payload.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.User != nil {
		t.Fatalf("expected null user before login, got %+v", status.User)
	}
}

func TestAuthPreconditions(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.newSession(t, 4000)

	f.handle(t, rec, protocol.KindCreateRoom, protocol.CreateRoomData{Name: "general"}, "")
	if got := f.directOf(protocol.KindUnauthorised); len(got) != 1 {
		t.Fatalf("expected UNAUTHORISED for anonymous create, got %d", len(got))
	}

	f.handle(t, rec, protocol.KindListRooms, nil, "")
	if got := f.directOf(protocol.KindUnauthorised); len(got) != 2 {
		t.Fatalf("expected UNAUTHORISED for anonymous list, got %d", len(got))
	}
}

func TestLoginGoesThroughReliableDispatch(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.newSession(t, 4000)

	f.handle(t, rec, protocol.KindLogin, protocol.LoginData{Email: "a@x.com"}, "m1")

	welcomes := f.reliableOf(protocol.KindWelcome)
	if len(welcomes) != 1 {
		t.Fatalf("expected WELCOME through dispatcher, got %d", len(welcomes))
	}
	if welcomes[0].Payload.MsgID == "" {
		t.Fatal("reliable WELCOME must carry a msg_id")
	}
	if direct := f.directOf(protocol.KindWelcome); len(direct) != 0 {
		t.Fatalf("WELCOME must not bypass the dispatcher, got %d direct", len(direct))
	}
}

func TestAckRetiresReliableReply(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.newSession(t, 4000)

	f.handle(t, rec, protocol.KindLogin, protocol.LoginData{Email: "a@x.com"}, "")
	welcomes := f.reliableOf(protocol.KindWelcome)
	if len(welcomes) != 1 {
		t.Fatalf("expected WELCOME, got %d", len(welcomes))
	}

	f.handle(t, rec, protocol.KindAck, protocol.AckData{MsgID: welcomes[0].Payload.MsgID}, "")
	if n := f.router.dispatcher.PendingCount(); n != 0 {
		t.Fatalf("expected empty retry queue after ACK, got %d", n)
	}
	// The ACK itself must not be acknowledged.
	if acks := f.directOf(protocol.KindAck); len(acks) != 0 {
		t.Fatalf("ACK must not trigger an ACK, got %d", len(acks))
	}
}

func TestUnknownKindRepliesError(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.newSession(t, 4000)

	f.handle(t, rec, "FROBNICATE", nil, "")
	errs := f.directOf(protocol.KindError)
	if len(errs) != 1 {
		t.Fatalf("expected ERROR for unknown kind, got %d", len(errs))
	}
}

func TestWrongPasswordMapsToUnauthorised(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.newSession(t, 4000)

	f.handle(t, rec, protocol.KindLogin, protocol.LoginData{Email: "a@x.com"}, "")
	refreshed, _ := f.sessions.Lookup(rec.ID)
	user, err := f.store.FindUserByID(*refreshed.UserID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if err := f.store.SetUserPassword(user.ID, "$2a$10$invalidhashinvalidhashinvalidhashinvalidhashinvalid"); err != nil {
		t.Fatalf("set password: %v", err)
	}

	f.handle(t, rec, protocol.KindLogin, protocol.LoginData{Email: "a@x.com", Password: "nope"}, "")
	if got := f.directOf(protocol.KindUnauthorised); len(got) != 1 {
		t.Fatalf("expected UNAUTHORISED, got %d", len(got))
	}
}

func TestAIMessageRequiresMembership(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.newSession(t, 4000)
	f.handle(t, alice, protocol.KindLogin, protocol.LoginData{Email: "a@x.com"}, "")
	f.handle(t, alice, protocol.KindCreateRoom, protocol.CreateRoomData{Name: "general"}, "")

	created := f.reliableOf(protocol.KindRoomCreated)
	if len(created) != 1 {
		t.Fatalf("expected ROOM_CREATED, got %d", len(created))
	}
	var room protocol.RoomInfo
	if err := json.Unmarshal(created[0].Payload.Data, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}

	bob := f.newSession(t, 4001)
	f.handle(t, bob, protocol.KindLogin, protocol.LoginData{Email: "b@x.com"}, "")
	f.handle(t, bob, protocol.KindAIMessage, protocol.AIMessageData{RoomID: room.RoomID}, "")

	errs := f.directOf(protocol.KindError)
	if len(errs) == 0 {
		t.Fatal("expected ERROR for AI request without membership")
	}
}

func TestAIMessageProducesBroadcast(t *testing.T) {
	f := newRouterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.bridge.Run(ctx)

	alice := f.newSession(t, 4000)
	f.handle(t, alice, protocol.KindLogin, protocol.LoginData{Email: "a@x.com"}, "")
	f.handle(t, alice, protocol.KindCreateRoom, protocol.CreateRoomData{Name: "general"}, "")

	created := f.reliableOf(protocol.KindRoomCreated)
	var room protocol.RoomInfo
	if err := json.Unmarshal(created[0].Payload.Data, &room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	f.handle(t, alice, protocol.KindMessage, protocol.MessageData{RoomID: room.RoomID, Content: "hello all"}, "")
	f.handle(t, alice, protocol.KindAIMessage, protocol.AIMessageData{RoomID: room.RoomID}, "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, b := range f.reliableOf(protocol.KindMessage) {
			var info protocol.MessageInfo
			if err := json.Unmarshal(b.Payload.Data, &info); err != nil {
				continue
			}
			if info.IsAnnouncement && info.Content == "sounds good!" {
				found = true
				break
			}
		}
		if found {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected generated reply broadcast as announcement message")
}
