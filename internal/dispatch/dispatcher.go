package dispatch

import (
	"container/heap"
	"context"
	"net"
	"sync"
	"time"

	"github.com/agonych/udp-chat/internal/crypto"
	"github.com/agonych/udp-chat/internal/protocol"
	"go.uber.org/zap"
)

// Metrics is the subset of server metrics the dispatcher reports into.
type Metrics interface {
	Retransmitted()
	DeliveryDropped()
	SetRetryQueueDepth(n int)
}

// Options configures the retry schedule.
type Options struct {
	BaseRTO     time.Duration
	MaxRTO      time.Duration
	MaxAttempts int
}

// Dispatcher implements at-least-once delivery over the datagram socket.
// Every reliable payload gets a fresh msg_id and is retransmitted on a
// geometric backoff until the peer's ACK retires it or attempts run out.
// Messages themselves are durable in the message table, so exhaustion only
// logs the session as degraded.
type Dispatcher struct {
	log  *zap.Logger
	opts Options

	// seal encrypts a payload for a session; send writes a frame to an
	// address; resolve maps a session to its current address. All three are
	// wired by the server at startup.
	seal    func(sessionID string, payload protocol.Payload) ([]byte, error)
	send    func(frame []byte, addr *net.UDPAddr) error
	resolve func(sessionID string) (*net.UDPAddr, bool)

	metrics Metrics

	mu      sync.Mutex
	pending pendingHeap
	byKey   map[string]*pendingFrame
	wake    chan struct{}
}

type pendingFrame struct {
	sessionID string
	msgID     string
	frame     []byte
	attempts  int
	deadline  time.Time
	index     int
}

// New constructs a dispatcher. Defaults follow the deployment contract:
// 1s base RTO, 8s cap, 5 attempts.
func New(log *zap.Logger, opts Options,
	seal func(string, protocol.Payload) ([]byte, error),
	send func([]byte, *net.UDPAddr) error,
	resolve func(string) (*net.UDPAddr, bool),
	metrics Metrics,
) *Dispatcher {
	if opts.BaseRTO <= 0 {
		opts.BaseRTO = time.Second
	}
	if opts.MaxRTO < opts.BaseRTO {
		opts.MaxRTO = 8 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Dispatcher{
		log:     log,
		opts:    opts,
		seal:    seal,
		send:    send,
		resolve: resolve,
		metrics: metrics,
		byKey:   make(map[string]*pendingFrame),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue assigns a msg_id, transmits the sealed frame once in the caller's
// goroutine (which preserves per-session FIFO of first transmissions) and
// registers the retry record. The assigned id is returned for tests.
func (d *Dispatcher) Enqueue(sessionID string, payload protocol.Payload) (string, error) {
	msgID, err := crypto.NewRandomID()
	if err != nil {
		return "", err
	}
	payload.MsgID = msgID

	frame, err := d.seal(sessionID, payload)
	if err != nil {
		return "", err
	}

	if addr, ok := d.resolve(sessionID); ok {
		if err := d.send(frame, addr); err != nil {
			d.log.Warn("initial transmit failed", zap.Error(err), zap.String("session_id", sessionID))
		}
	}

	rec := &pendingFrame{
		sessionID: sessionID,
		msgID:     msgID,
		frame:     frame,
		attempts:  1,
		deadline:  time.Now().Add(d.opts.BaseRTO),
	}

	d.mu.Lock()
	heap.Push(&d.pending, rec)
	d.byKey[pendingKey(sessionID, msgID)] = rec
	depth := len(d.pending)
	d.mu.Unlock()

	d.setDepth(depth)
	d.signal()
	return msgID, nil
}

// Ack retires a pending frame. Late or duplicate ACKs are ignored.
func (d *Dispatcher) Ack(sessionID, msgID string) {
	d.mu.Lock()
	rec, ok := d.byKey[pendingKey(sessionID, msgID)]
	if ok {
		heap.Remove(&d.pending, rec.index)
		delete(d.byKey, pendingKey(sessionID, msgID))
	}
	depth := len(d.pending)
	d.mu.Unlock()
	if ok {
		d.setDepth(depth)
	}
}

// DropSession discards every pending frame for a dead session.
func (d *Dispatcher) DropSession(sessionID string) {
	d.mu.Lock()
	for key, rec := range d.byKey {
		if rec.sessionID == sessionID {
			heap.Remove(&d.pending, rec.index)
			delete(d.byKey, key)
		}
	}
	depth := len(d.pending)
	d.mu.Unlock()
	d.setDepth(depth)
}

// PendingCount reports the retry queue depth.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run drives retransmission until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next, ok := d.nextDeadline()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-timer.C:
			d.retransmitDue(time.Now())
		}
	}
}

func (d *Dispatcher) nextDeadline() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return time.Time{}, false
	}
	return d.pending[0].deadline, true
}

func (d *Dispatcher) retransmitDue(now time.Time) {
	type resend struct {
		frame     []byte
		sessionID string
	}
	var resends []resend
	var dropped []string

	d.mu.Lock()
	for len(d.pending) > 0 && !d.pending[0].deadline.After(now) {
		rec := d.pending[0]
		if rec.attempts >= d.opts.MaxAttempts {
			heap.Pop(&d.pending)
			delete(d.byKey, pendingKey(rec.sessionID, rec.msgID))
			dropped = append(dropped, rec.sessionID)
			continue
		}
		rec.attempts++
		rec.deadline = now.Add(d.backoff(rec.attempts))
		heap.Fix(&d.pending, rec.index)
		resends = append(resends, resend{frame: rec.frame, sessionID: rec.sessionID})
	}
	depth := len(d.pending)
	d.mu.Unlock()

	for _, r := range resends {
		addr, ok := d.resolve(r.sessionID)
		if !ok {
			continue
		}
		if err := d.send(r.frame, addr); err != nil {
			d.log.Warn("retransmit failed", zap.Error(err), zap.String("session_id", r.sessionID))
			continue
		}
		if d.metrics != nil {
			d.metrics.Retransmitted()
		}
	}
	for _, sessionID := range dropped {
		if d.metrics != nil {
			d.metrics.DeliveryDropped()
		}
		d.log.Warn("delivery attempts exhausted, session degraded",
			zap.String("session_id", sessionID))
	}
	d.setDepth(depth)
}

// backoff doubles the base per attempt, capped at MaxRTO. Attempt 1 is the
// initial transmission.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	rto := d.opts.BaseRTO
	for i := 1; i < attempts; i++ {
		rto *= 2
		if rto >= d.opts.MaxRTO {
			return d.opts.MaxRTO
		}
	}
	return rto
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) setDepth(n int) {
	if d.metrics != nil {
		d.metrics.SetRetryQueueDepth(n)
	}
}

func pendingKey(sessionID, msgID string) string {
	return sessionID + "/" + msgID
}

// pendingHeap is a min-heap on deadline.
type pendingHeap []*pendingFrame

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pendingHeap) Push(x any)         { rec := x.(*pendingFrame); rec.index = len(*h); *h = append(*h, rec) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return rec
}
