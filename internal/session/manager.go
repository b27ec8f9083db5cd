package session

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/agonych/udp-chat/internal/crypto"
	"github.com/agonych/udp-chat/internal/protocol"
	"github.com/agonych/udp-chat/internal/store"
	"go.uber.org/zap"
)

const (
	sweepInterval = 10 * time.Second
	// The DB purge runs every dbPurgeEvery sweeps; in-memory eviction is
	// cheap and runs every sweep.
	dbPurgeEvery = 6
)

var (
	// ErrNoSession means the envelope named a session the server does not know.
	ErrNoSession = errors.New("unknown session")
	// ErrMergeFailed covers every MERGE_SESSION rejection; callers must not
	// learn which check failed.
	ErrMergeFailed = errors.New("session merge failed")
)

// Record is a snapshot of one live session. Key is owned by the manager and
// must not be mutated.
type Record struct {
	RowID    uint
	ID       string
	Key      []byte
	UserID   *uint
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Metrics is the subset of server metrics the manager reports into.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	SetAuthenticatedSessions(n int)
	ReplayRejected()
	DecryptFailed()
}

// Manager owns the handshake state machine, the in-memory session index and
// the replay window. Sessions are durable: the index is a cache over the
// session table and misses fall back to it.
type Manager struct {
	log     *zap.Logger
	store   *store.Store
	keys    *crypto.ServerKeys
	metrics Metrics

	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Record

	// onExpire lets the dispatcher drop pending retries for dead sessions.
	onExpire func(sessionID string)
}

// NewManager wires the session layer.
func NewManager(log *zap.Logger, st *store.Store, keys *crypto.ServerKeys, idleTimeout time.Duration, metrics Metrics) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Manager{
		log:         log,
		store:       st,
		keys:        keys,
		metrics:     metrics,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Record),
	}
}

// OnExpire registers a callback invoked with the session id of every evicted
// session. Must be called before Run.
func (m *Manager) OnExpire(fn func(sessionID string)) {
	m.onExpire = fn
}

// Handshake services a client SESSION_INIT: generates and wraps a fresh
// session key, signs the raw key, persists the session row and returns the
// encoded reply frame.
func (m *Manager) Handshake(clientKeyB64 string, addr *net.UDPAddr) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(clientKeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: client key is not base64", protocol.ErrMalformed)
	}
	clientKey, err := crypto.ParseClientKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}

	sessionKey, err := crypto.NewSessionKey()
	if err != nil {
		return nil, err
	}
	sessionID, err := crypto.NewRandomID()
	if err != nil {
		return nil, err
	}

	wrapped, err := crypto.OAEPEncrypt(clientKey, sessionKey)
	if err != nil {
		return nil, err
	}
	// The signature covers the raw key, not the ciphertext, so the client
	// proves the server knew the key it decrypted.
	signature, err := crypto.PSSSign(m.keys.Private, sessionKey)
	if err != nil {
		return nil, err
	}

	row, err := m.store.CreateSession(sessionID, hex.EncodeToString(sessionKey))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	m.sessions[sessionID] = &Record{
		RowID:    row.ID,
		ID:       sessionID,
		Key:      sessionKey,
		Addr:     addr,
		LastSeen: now,
	}
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SessionOpened()
	}

	m.log.Info("session established",
		zap.String("session_id", sessionID),
		zap.String("remote", addr.String()))

	return protocol.EncodeHandshakeReply(protocol.HandshakeReply{
		SessionID:    sessionID,
		EncryptedKey: hex.EncodeToString(wrapped),
		Signature:    hex.EncodeToString(signature),
		ServerPubkey: hex.EncodeToString(m.keys.PublicDER),
		Fingerprint:  m.keys.Fingerprint,
	})
}

// Admit runs frame admission for a SECURE_MSG: session lookup, replay check,
// authenticated decryption, inner parse, activity refresh. Sessions are
// address-mobile, so a source change just updates the record.
func (m *Manager) Admit(env protocol.Envelope, addr *net.UDPAddr) (Record, protocol.Payload, error) {
	rec, ok := m.lookup(env.SessionID)
	if !ok {
		return Record{}, protocol.Payload{}, ErrNoSession
	}

	if err := m.store.InsertNonce(rec.RowID, env.Nonce); err != nil {
		if errors.Is(err, store.ErrNonceReplayed) && m.metrics != nil {
			m.metrics.ReplayRejected()
		}
		return Record{}, protocol.Payload{}, err
	}

	nonce, err := env.DecodedNonce()
	if err != nil {
		return Record{}, protocol.Payload{}, err
	}
	ciphertext, err := env.DecodedCiphertext()
	if err != nil {
		return Record{}, protocol.Payload{}, err
	}
	plaintext, err := crypto.Open(rec.Key, nonce, ciphertext)
	if err != nil {
		if m.metrics != nil {
			m.metrics.DecryptFailed()
		}
		return Record{}, protocol.Payload{}, err
	}

	payload, err := protocol.DecodePayload(plaintext)
	if err != nil {
		return Record{}, protocol.Payload{}, err
	}

	now := time.Now()
	m.mu.Lock()
	if live, ok := m.sessions[rec.ID]; ok {
		live.LastSeen = now
		live.Addr = addr
		rec = *live
	}
	m.mu.Unlock()
	_ = m.store.TouchSession(rec.RowID, now)

	return rec, payload, nil
}

// Seal encrypts an outbound payload for the session and returns the encoded
// envelope. Outbound nonces go through the same durable window as inbound
// ones so a restarted server never reuses one.
func (m *Manager) Seal(sessionID string, payload protocol.Payload) ([]byte, error) {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return nil, ErrNoSession
	}
	plaintext, err := payload.Encode()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.NewNonce()
	if err != nil {
		return nil, err
	}
	if err := m.store.InsertNonce(rec.RowID, hex.EncodeToString(nonce)); err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Seal(rec.Key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeEnvelope(sessionID, nonce, ciphertext)
}

// AddrOf resolves the session's current address for (re)transmission.
func (m *Manager) AddrOf(sessionID string) (*net.UDPAddr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.Addr == nil {
		return nil, false
	}
	return rec.Addr, true
}

// Lookup returns a snapshot of a live or persisted session.
func (m *Manager) Lookup(sessionID string) (Record, bool) {
	return m.lookup(sessionID)
}

// BindUser attaches (or with nil detaches) a user to the session.
func (m *Manager) BindUser(sessionID string, userID *uint) error {
	rec, ok := m.lookup(sessionID)
	if !ok {
		return ErrNoSession
	}
	if err := m.store.BindSessionUser(rec.RowID, userID); err != nil {
		return err
	}
	m.mu.Lock()
	if live, ok := m.sessions[sessionID]; ok {
		live.UserID = userID
	}
	m.mu.Unlock()
	m.refreshAuthGauge()
	return nil
}

// Merge transfers the user binding of a prior session to the current one.
// The caller proves ownership by presenting the old session's key; the old
// session is destroyed on success.
func (m *Manager) Merge(currentID, oldSessionID, oldSessionKey string) (*uint, error) {
	if oldSessionID == "" || oldSessionKey == "" || oldSessionID == currentID {
		return nil, ErrMergeFailed
	}
	old, err := m.store.FindSessionByPublicID(oldSessionID)
	if err != nil {
		return nil, ErrMergeFailed
	}
	if subtle.ConstantTimeCompare([]byte(old.SessionKey), []byte(oldSessionKey)) != 1 {
		return nil, ErrMergeFailed
	}
	if old.UserID == nil {
		return nil, ErrMergeFailed
	}

	userID := *old.UserID
	if err := m.BindUser(currentID, &userID); err != nil {
		return nil, ErrMergeFailed
	}
	if err := m.store.DeleteSession(old.ID); err != nil {
		m.log.Warn("delete merged session", zap.Error(err), zap.String("session_id", oldSessionID))
	}
	m.evict(oldSessionID)
	return &userID, nil
}

// LiveForUsers returns the live sessions currently bound to any of the
// users. The session table is the system of record for user -> session
// bindings; rows are then filtered down to index entries with a known
// address, the only valid broadcast targets.
func (m *Manager) LiveForUsers(userIDs []uint) []Record {
	rows, err := m.store.SessionsForUsers(userIDs)
	if err != nil {
		m.log.Warn("resolve sessions for broadcast", zap.Error(err))
		return m.liveForUsersFromIndex(userIDs)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, row := range rows {
		if rec, ok := m.sessions[row.SessionID]; ok && rec.Addr != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// liveForUsersFromIndex is the degraded path when the session table is
// unreachable: scan the in-memory index alone.
func (m *Manager) liveForUsersFromIndex(userIDs []uint) []Record {
	want := make(map[uint]bool, len(userIDs))
	for _, id := range userIDs {
		want[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.sessions {
		if rec.UserID != nil && want[*rec.UserID] && rec.Addr != nil {
			out = append(out, *rec)
		}
	}
	return out
}

// FindByAddr returns a live session currently speaking from addr, used to
// notify a client whose frame named a dead session.
func (m *Manager) FindByAddr(addr *net.UDPAddr) (Record, bool) {
	if addr == nil {
		return Record{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.sessions {
		if rec.Addr != nil && rec.Addr.IP.Equal(addr.IP) && rec.Addr.Port == addr.Port {
			return *rec, true
		}
	}
	return Record{}, false
}

// LiveSessions snapshots every live session id.
func (m *Manager) LiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Run drives the idle sweeper until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	sweeps := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
			sweeps++
			if sweeps%dbPurgeEvery == 0 {
				cutoff := time.Now().Add(-m.idleTimeout)
				if removed, err := m.store.DeleteIdleSessions(cutoff); err != nil {
					m.log.Warn("purge idle sessions", zap.Error(err))
				} else if removed > 0 {
					m.log.Info("purged idle sessions", zap.Int64("count", removed))
				}
			}
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	cutoff := now.Add(-m.idleTimeout)
	var expired []string

	m.mu.Lock()
	for id, rec := range m.sessions {
		if rec.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.metrics != nil {
			m.metrics.SessionClosed()
		}
		if m.onExpire != nil {
			m.onExpire(id)
		}
		m.log.Info("session expired", zap.String("session_id", id))
	}
	if len(expired) > 0 {
		m.refreshAuthGauge()
	}
}

func (m *Manager) lookup(sessionID string) (Record, bool) {
	m.mu.RLock()
	rec, ok := m.sessions[sessionID]
	if ok {
		snapshot := *rec
		m.mu.RUnlock()
		return snapshot, true
	}
	m.mu.RUnlock()

	// Cache miss: the session may predate this process. Rehydrate from the
	// session table; the address stays unknown until the next frame.
	row, err := m.store.FindSessionByPublicID(sessionID)
	if err != nil {
		return Record{}, false
	}
	key, err := hex.DecodeString(row.SessionKey)
	if err != nil || len(key) != crypto.SessionKeySize {
		return Record{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok {
		return *existing, true
	}
	rec = &Record{
		RowID:    row.ID,
		ID:       row.SessionID,
		Key:      key,
		UserID:   row.UserID,
		LastSeen: row.LastActiveAt,
	}
	m.sessions[sessionID] = rec
	if m.metrics != nil {
		m.metrics.SessionOpened()
	}
	return *rec, true
}

func (m *Manager) evict(sessionID string) {
	m.mu.Lock()
	_, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		if m.metrics != nil {
			m.metrics.SessionClosed()
		}
		if m.onExpire != nil {
			m.onExpire(sessionID)
		}
	}
}

func (m *Manager) refreshAuthGauge() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	n := 0
	for _, rec := range m.sessions {
		if rec.UserID != nil {
			n++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetAuthenticatedSessions(n)
}
