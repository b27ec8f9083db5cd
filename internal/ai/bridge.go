package ai

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/agonych/udp-chat/internal/chat"
	"github.com/agonych/udp-chat/internal/store"
	"go.uber.org/zap"
)

const (
	workerCount = 4
	queueSize   = 16
)

// ErrSaturated means the bounded pool could not take another request.
var ErrSaturated = errors.New("ai request pool saturated")

// Metrics is the subset of server metrics the bridge reports into.
type Metrics interface {
	AIRequest(result string)
}

type request struct {
	room     *store.Room
	userName string
	content  string
}

// Bridge runs text generation off the request path. A submission composes a
// prompt from recent room history, invokes the generator and re-enters the
// result as an announcement message by the AI user. Failures are logged and
// swallowed; the requester only ever sees the normal MESSAGE broadcast.
type Bridge struct {
	log       *zap.Logger
	generator Generator
	chat      *chat.Service
	depth     int
	metrics   Metrics

	queue chan request
	wg    sync.WaitGroup
}

// NewBridge wires the bounded generation pool. depth is the number of history
// messages composed into each prompt.
func NewBridge(log *zap.Logger, generator Generator, chatSvc *chat.Service, depth int, metrics Metrics) *Bridge {
	if depth <= 0 {
		depth = 20
	}
	return &Bridge{
		log:       log,
		generator: generator,
		chat:      chatSvc,
		depth:     depth,
		metrics:   metrics,
		queue:     make(chan request, queueSize),
	}
}

// Run starts the worker pool and blocks until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case req := <-b.queue:
					b.handle(ctx, req)
				}
			}
		}()
	}
	<-ctx.Done()
	b.wg.Wait()
}

// Submit queues a generation request. Saturation applies back-pressure by
// rejecting the submission.
func (b *Bridge) Submit(room *store.Room, userName, content string) error {
	select {
	case b.queue <- request{room: room, userName: userName, content: content}:
		return nil
	default:
		if b.metrics != nil {
			b.metrics.AIRequest("rejected")
		}
		return ErrSaturated
	}
}

func (b *Bridge) handle(ctx context.Context, req request) {
	rows, err := b.chat.RecentMessages(req.room, b.depth)
	if err != nil {
		b.fail(req, err)
		return
	}
	history := make([]HistoryLine, 0, len(rows))
	for _, row := range rows {
		history = append(history, HistoryLine{Sender: row.User.Name, Content: row.Message.Content})
	}

	reply, err := b.generator.Generate(ctx, BuildPrompt(history, req.userName, req.content))
	if err != nil {
		b.fail(req, err)
		return
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		b.fail(req, errors.New("empty generation"))
		return
	}

	aiUser, err := b.chat.EnsureAIUser(req.room)
	if err != nil {
		b.fail(req, err)
		return
	}
	if _, err := b.chat.Append(req.room, aiUser.ID, reply, true); err != nil {
		b.fail(req, err)
		return
	}
	if b.metrics != nil {
		b.metrics.AIRequest("ok")
	}
}

func (b *Bridge) fail(req request, err error) {
	if b.metrics != nil {
		b.metrics.AIRequest("error")
	}
	b.log.Warn("ai generation failed", zap.Error(err), zap.String("room_id", req.room.RoomID))
}
