package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/agonych/udp-chat/internal/protocol"
	"go.uber.org/zap/zaptest"
)

type fakeWire struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *fakeWire) send(frame []byte, _ *net.UDPAddr) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, append([]byte(nil), frame...))
	return nil
}

func (w *fakeWire) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

// seal encodes the payload as cleartext JSON so tests can inspect msg ids.
func fakeSeal(sessionID string, payload protocol.Payload) ([]byte, error) {
	return json.Marshal(payload)
}

func fakeResolve(string) (*net.UDPAddr, bool) {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, true
}

func newTestDispatcher(t *testing.T, wire *fakeWire, opts Options) *Dispatcher {
	t.Helper()
	return New(zaptest.NewLogger(t), opts, fakeSeal, wire.send, fakeResolve, nil)
}

func TestEnqueueAssignsMsgIDAndTransmits(t *testing.T) {
	wire := &fakeWire{}
	d := newTestDispatcher(t, wire, Options{BaseRTO: time.Hour, MaxRTO: time.Hour, MaxAttempts: 5})

	msgID, err := d.Enqueue("sess-1", protocol.Payload{Type: protocol.KindWelcome})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(msgID) != 32 {
		t.Fatalf("expected 32-char msg id, got %q", msgID)
	}
	if wire.count() != 1 {
		t.Fatalf("expected exactly one initial transmission, got %d", wire.count())
	}

	var sent protocol.Payload
	if err := json.Unmarshal(wire.frames[0], &sent); err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if sent.MsgID != msgID {
		t.Fatalf("frame carries msg id %q, expected %q", sent.MsgID, msgID)
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected pending record, got %d", d.PendingCount())
	}
}

func TestAckRetiresPendingFrame(t *testing.T) {
	wire := &fakeWire{}
	d := newTestDispatcher(t, wire, Options{BaseRTO: 20 * time.Millisecond, MaxRTO: 40 * time.Millisecond, MaxAttempts: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	msgID, err := d.Enqueue("sess-1", protocol.Payload{Type: protocol.KindWelcome})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d.Ack("sess-1", msgID)

	if d.PendingCount() != 0 {
		t.Fatalf("expected empty queue after ack, got %d", d.PendingCount())
	}
	sent := wire.count()
	time.Sleep(80 * time.Millisecond)
	if wire.count() != sent {
		t.Fatalf("frame retransmitted after ack: %d -> %d", sent, wire.count())
	}

	// A duplicate ACK must be harmless.
	d.Ack("sess-1", msgID)
}

func TestRetransmitUntilExhaustion(t *testing.T) {
	wire := &fakeWire{}
	d := newTestDispatcher(t, wire, Options{BaseRTO: 10 * time.Millisecond, MaxRTO: 20 * time.Millisecond, MaxAttempts: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if _, err := d.Enqueue("sess-1", protocol.Payload{Type: protocol.KindWelcome}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.PendingCount() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if d.PendingCount() != 0 {
		t.Fatal("expected record dropped after max attempts")
	}
	// Initial transmission plus two retries.
	if got := wire.count(); got != 3 {
		t.Fatalf("expected 3 transmissions, got %d", got)
	}
}

func TestBackoffSchedule(t *testing.T) {
	d := newTestDispatcher(t, &fakeWire{}, Options{BaseRTO: time.Second, MaxRTO: 8 * time.Second, MaxAttempts: 5})

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, want := range expected {
		if got := d.backoff(i + 1); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, want, got)
		}
	}
}

func TestDropSessionDiscardsPending(t *testing.T) {
	wire := &fakeWire{}
	d := newTestDispatcher(t, wire, Options{BaseRTO: time.Hour, MaxRTO: time.Hour, MaxAttempts: 5})

	if _, err := d.Enqueue("sess-1", protocol.Payload{Type: protocol.KindWelcome}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := d.Enqueue("sess-2", protocol.Payload{Type: protocol.KindWelcome}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d.DropSession("sess-1")
	if d.PendingCount() != 1 {
		t.Fatalf("expected one survivor, got %d", d.PendingCount())
	}
}

func TestPerSessionFIFOOfFirstTransmissions(t *testing.T) {
	wire := &fakeWire{}
	d := newTestDispatcher(t, wire, Options{BaseRTO: time.Hour, MaxRTO: time.Hour, MaxAttempts: 5})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := d.Enqueue("sess-1", protocol.Payload{Type: protocol.KindMessage})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	if wire.count() != 5 {
		t.Fatalf("expected 5 transmissions, got %d", wire.count())
	}
	for i, frame := range wire.frames {
		var sent protocol.Payload
		if err := json.Unmarshal(frame, &sent); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if sent.MsgID != ids[i] {
			t.Fatalf("transmission %d out of order: got %s want %s", i, sent.MsgID, ids[i])
		}
	}
}
