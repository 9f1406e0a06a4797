package syncworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/syncqueue"
)

const (
	consumeBlock = 5 * time.Second
	consumeCount = 10
	idleSleep    = 100 * time.Millisecond
)

// durableStore is the slice of the durable tier the worker mutates. Every
// operation is an upsert or guarded update so re-application is a no-op.
type durableStore interface {
	UpsertMessage(ctx context.Context, message *durable.Message) error
	UpdateMessageFields(ctx context.Context, id string, fields map[string]interface{}) error
	MarkMessageRead(ctx context.Context, id, userID string, readAt int64) error
	AddMessageReaction(ctx context.Context, id, emoji, userID string) error
	RemoveMessageReaction(ctx context.Context, id, emoji, userID string) error
	SoftDeleteMessage(ctx context.Context, id string, deletedAt int64) error
}

// eventSource is the queue surface the worker consumes.
type eventSource interface {
	EnsureGroup(ctx context.Context) error
	Consume(ctx context.Context, handler syncqueue.Handler, block time.Duration, count int64) (int, error)
}

// Stats is a point-in-time snapshot of worker throughput.
type Stats struct {
	Processed    int64            `json:"processed"`
	Errors       int64            `json:"errors"`
	PerOperation map[string]int64 `json:"perOperation"`
}

// Worker is the singleton consume loop reconciling the hot tier to the
// durable tier.
type Worker struct {
	queue  eventSource
	store  durableStore
	logger *zap.Logger

	processed atomic.Int64
	errored   atomic.Int64
	opsMu     sync.Mutex
	opCounts  map[syncqueue.Operation]int64

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue  eventSource
	Store  durableStore
	Logger *zap.Logger
}

// NewWorker constructs a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, errors.New("syncworker: queue is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("syncworker: durable store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    cfg.Queue,
		store:    cfg.Store,
		logger:   logger,
		opCounts: make(map[syncqueue.Operation]int64),
	}, nil
}

// Start ensures the consumer group exists and launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("syncworker: ensure group: %w", err)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(loopCtx)
	return nil
}

// Stop cancels the loop and waits for the in-flight batch to drain.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := w.queue.Consume(ctx, w.Handle, consumeBlock, consumeCount); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Warn("sync consume failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(idleSleep):
		}
	}
}

// Stats snapshots throughput counters for the status surface.
func (w *Worker) Stats() Stats {
	w.opsMu.Lock()
	per := make(map[string]int64, len(w.opCounts))
	for op, count := range w.opCounts {
		per[string(op)] = count
	}
	w.opsMu.Unlock()
	return Stats{
		Processed:    w.processed.Load(),
		Errors:       w.errored.Load(),
		PerOperation: per,
	}
}

func (w *Worker) countOp(operation syncqueue.Operation) {
	w.opsMu.Lock()
	w.opCounts[operation]++
	w.opsMu.Unlock()
}

// Handle applies one sync event to the durable tier. Failures must propagate
// so the queue retries and eventually dead-letters.
func (w *Worker) Handle(ctx context.Context, event syncqueue.Event) error {
	var err error
	switch event.Operation {
	case syncqueue.OpCreateMessage:
		err = w.handleCreateMessage(ctx, event)
	case syncqueue.OpUpdateMessage:
		err = w.handleUpdateMessage(ctx, event)
	case syncqueue.OpMarkAsRead:
		err = w.handleMarkAsRead(ctx, event)
	case syncqueue.OpAddReaction:
		err = w.handleReaction(ctx, event, true)
	case syncqueue.OpRemoveReaction:
		err = w.handleReaction(ctx, event, false)
	case syncqueue.OpDeleteMessage:
		err = w.handleDeleteMessage(ctx, event)
	default:
		err = fmt.Errorf("syncworker: unhandled operation %q", event.Operation)
	}
	if err != nil {
		w.errored.Add(1)
		w.logger.Warn("sync event failed",
			zap.String("operation", string(event.Operation)),
			zap.String("entry_id", event.ID),
			zap.Int("retry_count", event.RetryCount),
			zap.Error(err))
		return err
	}
	w.processed.Add(1)
	w.countOp(event.Operation)
	return nil
}

func (w *Worker) handleCreateMessage(ctx context.Context, event syncqueue.Event) error {
	var message durable.Message
	if err := json.Unmarshal(event.Data, &message); err != nil {
		return fmt.Errorf("syncworker: decode message: %w", err)
	}
	if message.ID == "" {
		return errors.New("syncworker: create event missing message id")
	}
	return w.store.UpsertMessage(ctx, &message)
}

type updatePayload struct {
	MessageID  string                 `json:"messageId"`
	UpdateData map[string]interface{} `json:"updateData"`
}

func (w *Worker) handleUpdateMessage(ctx context.Context, event syncqueue.Event) error {
	var payload updatePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("syncworker: decode update: %w", err)
	}
	if payload.MessageID == "" {
		return errors.New("syncworker: update event missing message id")
	}
	return w.store.UpdateMessageFields(ctx, payload.MessageID, payload.UpdateData)
}

type readPayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	ReadAt    int64  `json:"readAt"`
}

func (w *Worker) handleMarkAsRead(ctx context.Context, event syncqueue.Event) error {
	var payload readPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("syncworker: decode read receipt: %w", err)
	}
	if payload.MessageID == "" || payload.UserID == "" {
		return errors.New("syncworker: read event missing identifiers")
	}
	return w.store.MarkMessageRead(ctx, payload.MessageID, payload.UserID, payload.ReadAt)
}

type reactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

func (w *Worker) handleReaction(ctx context.Context, event syncqueue.Event, add bool) error {
	var payload reactionPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("syncworker: decode reaction: %w", err)
	}
	if payload.MessageID == "" || payload.Emoji == "" || payload.UserID == "" {
		return errors.New("syncworker: reaction event missing identifiers")
	}
	if add {
		return w.store.AddMessageReaction(ctx, payload.MessageID, payload.Emoji, payload.UserID)
	}
	return w.store.RemoveMessageReaction(ctx, payload.MessageID, payload.Emoji, payload.UserID)
}

type deletePayload struct {
	MessageID string `json:"messageId"`
	DeletedAt int64  `json:"deletedAt"`
}

func (w *Worker) handleDeleteMessage(ctx context.Context, event syncqueue.Event) error {
	var payload deletePayload
	if err := json.Unmarshal(event.Data, &payload); err != nil {
		return fmt.Errorf("syncworker: decode delete: %w", err)
	}
	if payload.MessageID == "" {
		return errors.New("syncworker: delete event missing message id")
	}
	return w.store.SoftDeleteMessage(ctx, payload.MessageID, payload.DeletedAt)
}
