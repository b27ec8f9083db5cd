package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agonych/udp-chat/internal/ai"
	"github.com/agonych/udp-chat/internal/chat"
	"github.com/agonych/udp-chat/internal/config"
	"github.com/agonych/udp-chat/internal/crypto"
	"github.com/agonych/udp-chat/internal/dispatch"
	"github.com/agonych/udp-chat/internal/protocol"
	"github.com/agonych/udp-chat/internal/session"
	"github.com/agonych/udp-chat/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	readBufferSize = 64 * 1024

	workerShards   = 8
	shardQueueSize = 256

	gaugeRefreshInterval = 30 * time.Second
	shutdownGracePeriod  = 10 * time.Second

	// Handshakes are the only unauthenticated work the server does, so they
	// get a per-source token bucket.
	handshakeRate  = 2
	handshakeBurst = 8
)

const (
	frameKindHandshake = "handshake"
	frameKindSecure    = "secure"
	frameKindError     = "error"
)

type job struct {
	rec     session.Record
	payload protocol.Payload
}

// Server owns the UDP socket and wires the session, dispatch, chat and AI
// layers together. All shared state lives on this value; there are no
// package-level singletons.
type Server struct {
	cfg config.Config
	log *zap.Logger

	store      *store.Store
	keys       *crypto.ServerKeys
	metrics    *Metrics
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	chat       *chat.Service
	bridge     *ai.Bridge
	router     *Router

	conn    *net.UDPConn
	writeMu sync.Mutex

	adminHTTP *http.Server
	ready     atomic.Bool

	shards []chan job

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New constructs a server with its dependencies resolved but nothing bound.
func New(cfg config.Config, log *zap.Logger, st *store.Store, keys *crypto.ServerKeys) *Server {
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    st,
		keys:     keys,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start binds the socket, boots the background tasks and blocks in the
// receive loop until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address %s: %w", s.cfg.BindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.BindAddr, err)
	}
	s.conn = conn

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	s.metrics = newMetrics(reg)
	s.startAdminServer(reg)

	s.sessions = session.NewManager(s.log, s.store, s.keys, s.cfg.IdleTimeout, s.metrics)
	s.dispatcher = dispatch.New(s.log, dispatch.Options{
		BaseRTO:     s.cfg.Dispatch.BaseRTO,
		MaxRTO:      s.cfg.Dispatch.MaxRTO,
		MaxAttempts: s.cfg.Dispatch.MaxAttempts,
	}, s.sessions.Seal, s.sendSecure, s.sessions.AddrOf, s.metrics)
	s.sessions.OnExpire(s.dispatcher.DropSession)

	s.chat = chat.NewService(s.log, s.store, s.sessions, s.dispatcher, s.metrics)

	generator, err := ai.NewGenerator(s.cfg.AI)
	if err != nil {
		return fmt.Errorf("init ai backend: %w", err)
	}
	s.bridge = ai.NewBridge(s.log, generator, s.chat, s.cfg.AI.ContextDepth, s.metrics)

	s.router = NewRouter(s.log, s.chat, s.dispatcher, s.bridge, s.sendDirect)

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	background := []func(context.Context){
		s.sessions.Run,
		s.dispatcher.Run,
		s.bridge.Run,
		s.refreshGauges,
	}
	for _, task := range background {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(runCtx)
		}(task)
	}

	s.shards = make([]chan job, workerShards)
	for i := range s.shards {
		s.shards[i] = make(chan job, shardQueueSize)
		wg.Add(1)
		go func(queue chan job) {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case j := <-queue:
					s.router.Handle(j.rec, j.payload)
				}
			}
		}(s.shards[i])
	}

	// Unblock the read loop on shutdown by closing the socket.
	go func() {
		<-ctx.Done()
		s.ready.Store(false)
		_ = s.conn.Close()
	}()

	s.log.Info("udp server listening", zap.String("address", s.cfg.BindAddr),
		zap.String("fingerprint", s.keys.Fingerprint))
	s.ready.Store(true)

	err = s.receiveLoop(ctx)

	cancel()
	wg.Wait()
	s.shutdownAdmin()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// receiveLoop owns the socket: it reads datagrams sequentially, performs
// admission and hands decoded payloads to the worker shard for the session.
func (s *Server) receiveLoop(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, remote)
	}
}

func (s *Server) handleDatagram(data []byte, remote *net.UDPAddr) {
	if len(data) > protocol.MaxFrameSize {
		s.metrics.FrameDropped("oversize")
		return
	}
	frameType, err := protocol.FrameType(data)
	if err != nil {
		s.metrics.FrameDropped("malformed")
		return
	}

	switch frameType {
	case protocol.FrameSessionInit:
		s.metrics.FrameReceived(frameKindHandshake, len(data))
		s.handleHandshake(data, remote)
	case protocol.FrameSecureMsg:
		s.metrics.FrameReceived(frameKindSecure, len(data))
		s.handleSecure(data, remote)
	default:
		s.metrics.FrameDropped("unknown_type")
		s.sendCleartextError(remote, "Unknown message type '"+frameType+"'")
	}
}

func (s *Server) handleHandshake(data []byte, remote *net.UDPAddr) {
	if !s.allowHandshake(remote) {
		s.metrics.FrameDropped("handshake_ratelimited")
		return
	}

	req, err := protocol.DecodeHandshake(data)
	if err != nil {
		s.metrics.FrameDropped("malformed")
		s.sendCleartextError(remote, "Missing client's public key")
		return
	}

	reply, err := s.sessions.Handshake(req.ClientKey, remote)
	if err != nil {
		s.metrics.FrameDropped("handshake_failed")
		s.log.Debug("handshake rejected", zap.Error(err), zap.String("remote", remote.String()))
		s.sendCleartextError(remote, "Handshake failed")
		return
	}
	s.writeFrame(frameKindHandshake, reply, remote)
}

func (s *Server) handleSecure(data []byte, remote *net.UDPAddr) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		s.metrics.FrameDropped("malformed")
		return
	}

	rec, payload, err := s.sessions.Admit(env, remote)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNoSession):
		s.metrics.FrameDropped("no_session")
		// Only a client that still holds some valid session learns the old
		// one is gone; everyone else gets silence.
		if alt, ok := s.sessions.FindByAddr(remote); ok {
			errPayload, perr := protocol.NewPayload(protocol.KindError,
				protocol.ErrorData{Message: "Session not found", Code: "NO_SESSION"})
			if perr == nil {
				s.sendDirect(alt, errPayload)
			}
		}
		return
	case errors.Is(err, store.ErrNonceReplayed):
		s.metrics.FrameDropped("replay")
		return
	case errors.Is(err, crypto.ErrDecrypt):
		s.metrics.FrameDropped("decrypt")
		return
	case errors.Is(err, protocol.ErrMalformed):
		s.metrics.FrameDropped("malformed_inner")
		if rec, ok := s.sessions.Lookup(env.SessionID); ok {
			errPayload, perr := protocol.NewPayload(protocol.KindError,
				protocol.ErrorData{Message: "Malformed payload"})
			if perr == nil {
				s.sendDirect(rec, errPayload)
			}
		}
		return
	default:
		s.metrics.FrameDropped("admission")
		s.log.Warn("admission failed", zap.Error(err), zap.String("session_id", env.SessionID))
		return
	}

	shard := s.shards[shardFor(rec.ID)]
	select {
	case shard <- job{rec: rec, payload: payload}:
	default:
		s.metrics.FrameDropped("worker_overload")
		s.log.Warn("worker shard full, dropping frame",
			zap.String("session_id", rec.ID), zap.String("kind", payload.Type))
	}
}

// sendDirect seals and transmits a payload outside the reliable queue.
func (s *Server) sendDirect(rec session.Record, payload protocol.Payload) {
	frame, err := s.sessions.Seal(rec.ID, payload)
	if err != nil {
		s.log.Warn("seal direct reply", zap.Error(err), zap.String("session_id", rec.ID))
		return
	}
	addr, ok := s.sessions.AddrOf(rec.ID)
	if !ok {
		addr = rec.Addr
	}
	if addr == nil {
		return
	}
	if err := s.sendSecure(frame, addr); err != nil {
		s.log.Warn("send direct reply", zap.Error(err), zap.String("session_id", rec.ID))
	}
}

// sendSecure is the dispatcher's transmit hook.
func (s *Server) sendSecure(frame []byte, addr *net.UDPAddr) error {
	return s.writeFrame(frameKindSecure, frame, addr)
}

func (s *Server) sendCleartextError(remote *net.UDPAddr, message string) {
	_ = s.writeFrame(frameKindError, protocol.EncodeServerError(message), remote)
}

// writeFrame serializes all socket writes through one lock.
func (s *Server) writeFrame(kind string, frame []byte, addr *net.UDPAddr) error {
	if len(frame) > protocol.MaxFrameSize {
		s.metrics.FrameDropped("oversize")
		return protocol.ErrFrameTooLarge
	}
	s.writeMu.Lock()
	_, err := s.conn.WriteToUDP(frame, addr)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write datagram: %w", err)
	}
	s.metrics.FrameSent(kind, len(frame))
	return nil
}

func (s *Server) allowHandshake(remote *net.UDPAddr) bool {
	key := remote.IP.String()
	s.limiterMu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(handshakeRate, handshakeBurst)
		s.limiters[key] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

// refreshGauges keeps the room/member gauges roughly current.
func (s *Server) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rooms, err := s.store.CountRooms(); err == nil {
				s.metrics.SetRooms(rooms)
			}
			if members, err := s.store.CountMembers(); err == nil {
				s.metrics.SetMembers(members)
			}
		}
	}
}

func (s *Server) startAdminServer(reg *prometheus.Registry) {
	if s.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	s.adminHTTP = &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	s.log.Info("admin server listening", zap.String("address", s.cfg.MetricsAddr))
}

func (s *Server) shutdownAdmin() {
	if s.adminHTTP == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := s.adminHTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin server shutdown", zap.Error(err))
	}
}

func shardFor(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % workerShards)
}
