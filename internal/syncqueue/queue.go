package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/hottier"
)

const (
	StreamPrimary    = "mongo_sync_stream"
	StreamDeadLetter = "mongo_sync_dead_letter"
	ConsumerGroup    = "mongo_sync_workers"

	// MaxRetries bounds re-enqueues before an event moves to dead-letter.
	MaxRetries = 3
)

// Operation enumerates the mutation events reconciled to the durable tier.
type Operation string

const (
	OpCreateMessage  Operation = "CREATE_MESSAGE"
	OpUpdateMessage  Operation = "UPDATE_MESSAGE"
	OpMarkAsRead     Operation = "MARK_AS_READ"
	OpAddReaction    Operation = "ADD_REACTION"
	OpRemoveReaction Operation = "REMOVE_REACTION"
	OpDeleteMessage  Operation = "DELETE_MESSAGE"
)

var errUnknownOperation = errors.New("syncqueue: unknown operation")

// ParseOperation validates a stream field into an Operation.
func ParseOperation(value string) (Operation, error) {
	switch Operation(value) {
	case OpCreateMessage, OpUpdateMessage, OpMarkAsRead, OpAddReaction, OpRemoveReaction, OpDeleteMessage:
		return Operation(value), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownOperation, value)
	}
}

// Event is one mutation record read from the queue. The stream log id is
// distinct from the message id embedded in Data.
type Event struct {
	ID         string
	Operation  Operation
	Data       json.RawMessage
	Timestamp  int64
	RetryCount int
	OriginalID string
	LastError  string
}

// streamStore is the slice of the hot tier the queue depends on.
type streamStore interface {
	StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error)
	StreamGroupCreate(ctx context.Context, stream, group string) error
	StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]hottier.StreamEntry, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error
}

// Queue is the append-only mutation log with consumer-group semantics.
type Queue struct {
	store    streamStore
	consumer string
	clock    func() time.Time
	logger   *zap.Logger
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Store    streamStore
	Consumer string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// NewQueue constructs a queue. The consumer name defaults to a value derived
// from the process id and start time so parallel instances never collide.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncqueue: store is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer = fmt.Sprintf("worker-%d-%d", os.Getpid(), clock().UnixMilli())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: cfg.Store, consumer: consumer, clock: clock, logger: logger}, nil
}

// Consumer returns the derived consumer name.
func (q *Queue) Consumer() string {
	return q.consumer
}

// EnsureGroup creates the consumer group if absent.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return q.store.StreamGroupCreate(ctx, StreamPrimary, ConsumerGroup)
}

// Enqueue serialises the payload and appends it to the primary stream.
func (q *Queue) Enqueue(ctx context.Context, operation Operation, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("syncqueue: marshal payload: %w", err)
	}
	fields := map[string]string{
		"operation":  string(operation),
		"data":       string(data),
		"timestamp":  strconv.FormatInt(q.clock().UnixMilli(), 10),
		"retryCount": "0",
	}
	id, err := q.store.StreamAppend(ctx, StreamPrimary, fields)
	if err != nil {
		return "", fmt.Errorf("syncqueue: enqueue: %w", err)
	}
	return id, nil
}

// Handler processes one event. A non-nil error re-enqueues the event with an
// incremented retry count, or dead-letters it past MaxRetries.
type Handler func(ctx context.Context, event Event) error

// Consume reads at most count entries for the group, blocking up to block,
// and routes each through the handler with retry and dead-letter semantics.
// It returns the number of entries it read.
func (q *Queue) Consume(ctx context.Context, handler Handler, block time.Duration, count int64) (int, error) {
	entries, err := q.store.StreamReadGroup(ctx, StreamPrimary, ConsumerGroup, q.consumer, block, count)
	if err != nil {
		return 0, fmt.Errorf("syncqueue: consume: %w", err)
	}
	for _, entry := range entries {
		event, decodeErr := decodeEntry(entry)
		if decodeErr != nil {
			q.logger.Warn("discarding malformed sync event",
				zap.String("entry_id", entry.ID),
				zap.Error(decodeErr))
			_ = q.store.StreamAck(ctx, StreamPrimary, ConsumerGroup, entry.ID)
			continue
		}

		if handlerErr := handler(ctx, event); handlerErr != nil {
			if routeErr := q.routeFailure(ctx, event, handlerErr); routeErr != nil {
				return 0, routeErr
			}
		}

		if ackErr := q.store.StreamAck(ctx, StreamPrimary, ConsumerGroup, event.ID); ackErr != nil {
			return 0, fmt.Errorf("syncqueue: ack: %w", ackErr)
		}
	}
	return len(entries), nil
}

func (q *Queue) routeFailure(ctx context.Context, event Event, handlerErr error) error {
	if event.RetryCount < MaxRetries {
		originalID := event.OriginalID
		if originalID == "" {
			originalID = event.ID
		}
		fields := map[string]string{
			"operation":  string(event.Operation),
			"data":       string(event.Data),
			"timestamp":  strconv.FormatInt(q.clock().UnixMilli(), 10),
			"retryCount": strconv.Itoa(event.RetryCount + 1),
			"originalId": originalID,
			"lastError":  handlerErr.Error(),
		}
		if _, err := q.store.StreamAppend(ctx, StreamPrimary, fields); err != nil {
			return fmt.Errorf("syncqueue: re-enqueue: %w", err)
		}
		q.logger.Warn("sync event re-enqueued",
			zap.String("operation", string(event.Operation)),
			zap.Int("retry_count", event.RetryCount+1),
			zap.Error(handlerErr))
		return nil
	}

	fields := map[string]string{
		"operation":  string(event.Operation),
		"data":       string(event.Data),
		"timestamp":  strconv.FormatInt(q.clock().UnixMilli(), 10),
		"retryCount": strconv.Itoa(event.RetryCount),
		"originalId": event.OriginalID,
		"finalError": handlerErr.Error(),
	}
	if _, err := q.store.StreamAppend(ctx, StreamDeadLetter, fields); err != nil {
		return fmt.Errorf("syncqueue: dead-letter: %w", err)
	}
	q.logger.Error("sync event dead-lettered",
		zap.String("operation", string(event.Operation)),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(handlerErr))
	return nil
}

func decodeEntry(entry hottier.StreamEntry) (Event, error) {
	operation, err := ParseOperation(entry.Fields["operation"])
	if err != nil {
		return Event{}, err
	}
	event := Event{
		ID:         entry.ID,
		Operation:  operation,
		Data:       json.RawMessage(entry.Fields["data"]),
		OriginalID: entry.Fields["originalId"],
		LastError:  entry.Fields["lastError"],
	}
	if raw := entry.Fields["timestamp"]; raw != "" {
		if ts, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			event.Timestamp = ts
		}
	}
	if raw := entry.Fields["retryCount"]; raw != "" {
		if retries, parseErr := strconv.Atoi(raw); parseErr == nil {
			event.RetryCount = retries
		}
	}
	return event, nil
}
