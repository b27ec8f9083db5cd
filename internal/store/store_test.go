package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return s
}

func TestEmailUniqueCaseInsensitive(t *testing.T) {
	s := testStore(t)

	first, created, err := s.GetOrCreateUserByEmail("Alice@Example.COM")
	if err != nil || !created {
		t.Fatalf("expected fresh user, created=%v err=%v", created, err)
	}
	if first.Email != "alice@example.com" {
		t.Fatalf("expected lowercased email, got %q", first.Email)
	}
	if first.Name != "alice" {
		t.Fatalf("expected name from local part, got %q", first.Name)
	}

	second, created, err := s.GetOrCreateUserByEmail("ALICE@example.com")
	if err != nil || created {
		t.Fatalf("expected existing user, created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user row, got %d and %d", first.ID, second.ID)
	}
}

func TestNonceUniquePerSession(t *testing.T) {
	s := testStore(t)

	sess1, err := s.CreateSession("sess-1", "aa11")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess2, err := s.CreateSession("sess-2", "bb22")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.InsertNonce(sess1.ID, "ababababababababababab01"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertNonce(sess1.ID, "ababababababababababab01"); !errors.Is(err, ErrNonceReplayed) {
		t.Fatalf("expected ErrNonceReplayed, got %v", err)
	}
	// The same nonce value is legitimate on a different session.
	if err := s.InsertNonce(sess2.ID, "ababababababababababab01"); err != nil {
		t.Fatalf("cross-session insert: %v", err)
	}
}

func TestSessionKeyUnique(t *testing.T) {
	s := testStore(t)
	if _, err := s.CreateSession("sess-1", "samekey"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateSession("sess-2", "samekey"); err == nil {
		t.Fatal("expected duplicate session key to fail")
	}
}

func TestIdleSessionPurgeRemovesNonces(t *testing.T) {
	s := testStore(t)
	sess, err := s.CreateSession("sess-1", "key-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.InsertNonce(sess.ID, "ababababababababababab01"); err != nil {
		t.Fatalf("insert nonce: %v", err)
	}
	if err := s.TouchSession(sess.ID, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	removed, err := s.DeleteIdleSessions(time.Now().Add(-30 * time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged session, got %d", removed)
	}
	if _, err := s.FindSessionByPublicID("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	var count int64
	if err := s.db.Model(&Nonce{}).Count(&count).Error; err != nil {
		t.Fatalf("count nonces: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected nonce rows purged with session, found %d", count)
	}
}

func TestSessionsForUsers(t *testing.T) {
	s := testStore(t)
	alice, _, _ := s.GetOrCreateUserByEmail("a@x")
	bob, _, _ := s.GetOrCreateUserByEmail("b@x")

	sess1, err := s.CreateSession("sess-1", "key-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.CreateSession("sess-2", "key-2"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.BindSessionUser(sess1.ID, &alice.ID); err != nil {
		t.Fatalf("bind: %v", err)
	}

	rows, err := s.SessionsForUsers([]uint{alice.ID, bob.ID})
	if err != nil {
		t.Fatalf("sessions for users: %v", err)
	}
	if len(rows) != 1 || rows[0].SessionID != "sess-1" {
		t.Fatalf("expected only alice's bound session, got %+v", rows)
	}

	rows, err = s.SessionsForUsers(nil)
	if err != nil || rows != nil {
		t.Fatalf("expected empty result for no users, got %v err=%v", rows, err)
	}
}

func TestRoomNameConflict(t *testing.T) {
	s := testStore(t)
	user, _, err := s.GetOrCreateUserByEmail("a@x")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	room, err := s.CreateRoomWithAdmin("general", false, user.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := s.CreateRoomWithAdmin("general", false, user.ID); !errors.Is(err, ErrRoomNameTaken) {
		t.Fatalf("expected ErrRoomNameTaken, got %v", err)
	}

	// The creator's membership carries the admin flag.
	member, err := s.FindMember(room.ID, user.ID)
	if err != nil {
		t.Fatalf("find member: %v", err)
	}
	if !member.IsAdmin {
		t.Fatal("expected creator to be room admin")
	}
}

func TestMembershipIdempotent(t *testing.T) {
	s := testStore(t)
	user, _, _ := s.GetOrCreateUserByEmail("a@x")
	room, err := s.CreateRoomWithAdmin("general", false, user.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	other, _, _ := s.GetOrCreateUserByEmail("b@x")
	created, err := s.AddMember(room.ID, other.ID, false)
	if err != nil || !created {
		t.Fatalf("expected first join to create, created=%v err=%v", created, err)
	}
	created, err = s.AddMember(room.ID, other.ID, false)
	if err != nil || created {
		t.Fatalf("expected re-join to no-op, created=%v err=%v", created, err)
	}

	members, err := s.RoomMembers(room.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
}

func TestAdminHandOffOnLeave(t *testing.T) {
	s := testStore(t)
	creator, _, _ := s.GetOrCreateUserByEmail("a@x")
	joiner, _, _ := s.GetOrCreateUserByEmail("b@x")

	room, err := s.CreateRoomWithAdmin("general", false, creator.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := s.AddMember(room.ID, joiner.ID, false); err != nil {
		t.Fatalf("join: %v", err)
	}

	removed, err := s.RemoveMember(room.ID, creator.ID)
	if err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	member, err := s.FindMember(room.ID, joiner.ID)
	if err != nil {
		t.Fatalf("find member: %v", err)
	}
	if !member.IsAdmin {
		t.Fatal("expected admin hand-off to next-joined member")
	}

	// Leaving a room one is not in reports no removal and no error.
	removed, err = s.RemoveMember(room.ID, creator.ID)
	if err != nil || removed {
		t.Fatalf("expected no-op leave, removed=%v err=%v", removed, err)
	}
}

func TestHistoryOrdering(t *testing.T) {
	s := testStore(t)
	user, _, _ := s.GetOrCreateUserByEmail("a@x")
	room, err := s.CreateRoomWithAdmin("general", false, user.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(room.ID, user.ID, fmt.Sprintf("msg-%d", i), false); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history, err := s.History(room.ID, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1].Message, history[i].Message
		if cur.CreatedAt.Before(prev.CreatedAt) ||
			(cur.CreatedAt.Equal(prev.CreatedAt) && cur.ID < prev.ID) {
			t.Fatalf("history out of order at %d: %v/%d after %v/%d",
				i, cur.CreatedAt, cur.ID, prev.CreatedAt, prev.ID)
		}
	}
	if history[len(history)-1].Message.Content != "msg-4" {
		t.Fatalf("expected newest message last, got %q", history[len(history)-1].Message.Content)
	}
	if history[0].User.Email != "a@x" {
		t.Fatalf("expected author join, got %q", history[0].User.Email)
	}
}

func TestRoomOfUserTracksLatestJoin(t *testing.T) {
	s := testStore(t)
	user, _, _ := s.GetOrCreateUserByEmail("a@x")

	first, err := s.CreateRoomWithAdmin("first", false, user.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	_ = first
	time.Sleep(5 * time.Millisecond)
	second, err := s.CreateRoomWithAdmin("second", false, user.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	room, err := s.RoomOfUser(user.ID)
	if err != nil {
		t.Fatalf("room of user: %v", err)
	}
	if room.ID != second.ID {
		t.Fatalf("expected latest room %d, got %d", second.ID, room.ID)
	}
}
