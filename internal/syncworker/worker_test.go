package syncworker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/syncqueue"
)

// fakeDurable applies worker mutations to in-memory messages with the same
// guarded-update semantics as the durable tier.
type fakeDurable struct {
	mu       sync.Mutex
	messages map[string]*durable.Message
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{messages: make(map[string]*durable.Message)}
}

func (f *fakeDurable) UpsertMessage(_ context.Context, message *durable.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *message
	f.messages[message.ID] = &copied
	return nil
}

func (f *fakeDurable) UpdateMessageFields(_ context.Context, id string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil
	}
	if content, ok := fields["content"].(string); ok {
		message.Content = content
	}
	return nil
}

func (f *fakeDurable) MarkMessageRead(_ context.Context, id, userID string, readAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil
	}
	if message.HasReader(userID) {
		return nil
	}
	message.Readers = append(message.Readers, durable.Reader{UserID: userID, ReadAt: readAt})
	return nil
}

func (f *fakeDurable) AddMessageReaction(_ context.Context, id, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil
	}
	if message.Reactions == nil {
		message.Reactions = make(map[string][]string)
	}
	for _, existing := range message.Reactions[emoji] {
		if existing == userID {
			return nil
		}
	}
	message.Reactions[emoji] = append(message.Reactions[emoji], userID)
	return nil
}

func (f *fakeDurable) RemoveMessageReaction(_ context.Context, id, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil
	}
	users := message.Reactions[emoji]
	next := users[:0]
	for _, existing := range users {
		if existing != userID {
			next = append(next, existing)
		}
	}
	if len(next) == 0 {
		delete(message.Reactions, emoji)
	} else {
		message.Reactions[emoji] = next
	}
	return nil
}

func (f *fakeDurable) SoftDeleteMessage(_ context.Context, id string, deletedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if message, ok := f.messages[id]; ok {
		message.IsDeleted = true
		message.DeletedAt = deletedAt
	}
	return nil
}

func (f *fakeDurable) message(t *testing.T, id string) durable.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		t.Fatalf("message %q not found", id)
	}
	return *message
}

func newTestWorker(t *testing.T, store durableStore) *Worker {
	t.Helper()
	worker, err := NewWorker(WorkerConfig{Queue: stubSource{}, Store: store})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return worker
}

type stubSource struct{}

func (stubSource) EnsureGroup(context.Context) error { return nil }
func (stubSource) Consume(context.Context, syncqueue.Handler, time.Duration, int64) (int, error) {
	return 0, nil
}

func event(t *testing.T, operation syncqueue.Operation, payload interface{}) syncqueue.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return syncqueue.Event{ID: "1-0", Operation: operation, Data: data}
}

func TestHandleCreateMessageIsIdempotent(t *testing.T) {
	store := newFakeDurable()
	worker := newTestWorker(t, store)
	ctx := context.Background()

	message := durable.Message{ID: "m1", Room: "r1", Type: durable.MessageTypeText, Content: "hello", Timestamp: 1700000000000}
	createEvent := event(t, syncqueue.OpCreateMessage, message)

	if err := worker.Handle(ctx, createEvent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := worker.Handle(ctx, createEvent); err != nil {
		t.Fatalf("second application must succeed: %v", err)
	}

	stored := store.message(t, "m1")
	if stored.Content != "hello" {
		t.Fatalf("unexpected content %q", stored.Content)
	}
	stats := worker.Stats()
	if stats.Processed != 2 || stats.Errors != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestHandleMarkAsReadGuardsDuplicates(t *testing.T) {
	store := newFakeDurable()
	worker := newTestWorker(t, store)
	ctx := context.Background()

	if err := worker.Handle(ctx, event(t, syncqueue.OpCreateMessage, durable.Message{ID: "m1", Room: "r1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	read := event(t, syncqueue.OpMarkAsRead, map[string]interface{}{"messageId": "m1", "userId": "u1", "readAt": 1700000001000})
	if err := worker.Handle(ctx, read); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := worker.Handle(ctx, read); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := store.message(t, "m1")
	if len(stored.Readers) != 1 {
		t.Fatalf("readers must stay unique on userId, got %d", len(stored.Readers))
	}
}

func TestHandleReactionsConvergeToSetSemantics(t *testing.T) {
	store := newFakeDurable()
	worker := newTestWorker(t, store)
	ctx := context.Background()

	if err := worker.Handle(ctx, event(t, syncqueue.OpCreateMessage, durable.Message{ID: "m1", Room: "r1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	add := event(t, syncqueue.OpAddReaction, map[string]string{"messageId": "m1", "emoji": "👍", "userId": "u1"})
	remove := event(t, syncqueue.OpRemoveReaction, map[string]string{"messageId": "m1", "emoji": "👍", "userId": "u1"})

	if err := worker.Handle(ctx, add); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := worker.Handle(ctx, add); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored := store.message(t, "m1")
	if users := stored.ReactionUsers("👍"); len(users) != 1 || users[0] != "u1" {
		t.Fatalf("expected single reaction user, got %v", users)
	}

	if err := worker.Handle(ctx, remove); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stored = store.message(t, "m1")
	if _, ok := stored.Reactions["👍"]; ok {
		t.Fatalf("empty reaction bucket must be dropped")
	}
}

func TestHandleDeleteMessageSoftDeletes(t *testing.T) {
	store := newFakeDurable()
	worker := newTestWorker(t, store)
	ctx := context.Background()

	if err := worker.Handle(ctx, event(t, syncqueue.OpCreateMessage, durable.Message{ID: "m1", Room: "r1"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	del := event(t, syncqueue.OpDeleteMessage, map[string]interface{}{"messageId": "m1", "deletedAt": 1700000002000})
	if err := worker.Handle(ctx, del); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored := store.message(t, "m1")
	if !stored.IsDeleted || stored.DeletedAt != 1700000002000 {
		t.Fatalf("expected soft delete, got %+v", stored)
	}
}

func TestHandleRejectsMalformedPayloads(t *testing.T) {
	store := newFakeDurable()
	worker := newTestWorker(t, store)
	ctx := context.Background()

	bad := syncqueue.Event{ID: "9-0", Operation: syncqueue.OpCreateMessage, Data: json.RawMessage(`{"_id":`)}
	if err := worker.Handle(ctx, bad); err == nil {
		t.Fatalf("expected decode error so the queue retries")
	}
	if worker.Stats().Errors != 1 {
		t.Fatalf("error counter should increment")
	}
}
