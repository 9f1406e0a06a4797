package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/wavechat/backend/internal/hottier"
)

// fakeStreamStore is an in-memory stream engine with consumer-group
// delivery-once semantics sufficient for queue tests.
type fakeStreamStore struct {
	mu        sync.Mutex
	streams   map[string][]hottier.StreamEntry
	delivered map[string]int
	acked     map[string][]string
	nextID    int
}

func newFakeStreamStore() *fakeStreamStore {
	return &fakeStreamStore{
		streams:   make(map[string][]hottier.StreamEntry),
		delivered: make(map[string]int),
		acked:     make(map[string][]string),
	}
}

func (f *fakeStreamStore) StreamAppend(_ context.Context, stream string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%d-0", f.nextID)
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	f.streams[stream] = append(f.streams[stream], hottier.StreamEntry{ID: id, Fields: copied})
	return id, nil
}

func (f *fakeStreamStore) StreamGroupCreate(context.Context, string, string) error {
	return nil
}

func (f *fakeStreamStore) StreamReadGroup(_ context.Context, stream, _, _ string, _ time.Duration, count int64) ([]hottier.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.streams[stream]
	cursor := f.delivered[stream]
	if cursor >= len(entries) {
		return nil, nil
	}
	end := cursor + int(count)
	if end > len(entries) {
		end = len(entries)
	}
	batch := entries[cursor:end]
	f.delivered[stream] = end
	return batch, nil
}

func (f *fakeStreamStore) StreamAck(_ context.Context, stream, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[stream] = append(f.acked[stream], ids...)
	return nil
}

func (f *fakeStreamStore) entriesFor(stream string) []hottier.StreamEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hottier.StreamEntry(nil), f.streams[stream]...)
}

func newTestQueue(t *testing.T, store *fakeStreamStore) *Queue {
	t.Helper()
	queue, err := NewQueue(QueueConfig{
		Store:    store,
		Consumer: "test-consumer",
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return queue
}

func TestEnqueueAppendsToPrimaryStream(t *testing.T) {
	store := newFakeStreamStore()
	queue := newTestQueue(t, store)

	id, err := queue.Enqueue(context.Background(), OpCreateMessage, map[string]string{"_id": "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a stream id")
	}

	entries := store.entriesFor(StreamPrimary)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Fields["operation"] != "CREATE_MESSAGE" {
		t.Fatalf("unexpected operation %q", entries[0].Fields["operation"])
	}
	if entries[0].Fields["retryCount"] != "0" {
		t.Fatalf("new events should carry retryCount 0")
	}
	if entries[0].Fields["data"] != `{"_id":"m1"}` {
		t.Fatalf("unexpected data %q", entries[0].Fields["data"])
	}
}

func TestConsumeAcksSuccessfulEvents(t *testing.T) {
	store := newFakeStreamStore()
	queue := newTestQueue(t, store)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, OpMarkAsRead, map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var handled []Event
	read, err := queue.Consume(ctx, func(_ context.Context, event Event) error {
		handled = append(handled, event)
		return nil
	}, time.Second, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if read != 1 || len(handled) != 1 {
		t.Fatalf("expected 1 handled event, got read=%d handled=%d", read, len(handled))
	}
	if handled[0].Operation != OpMarkAsRead {
		t.Fatalf("unexpected operation %q", handled[0].Operation)
	}
	if len(store.acked[StreamPrimary]) != 1 {
		t.Fatalf("expected original entry to be acked")
	}
}

func TestConsumeReenqueuesFailedEventWithRetryMetadata(t *testing.T) {
	store := newFakeStreamStore()
	queue := newTestQueue(t, store)
	ctx := context.Background()

	originalID, err := queue.Enqueue(ctx, OpAddReaction, map[string]string{"messageId": "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := queue.Consume(ctx, func(context.Context, Event) error {
		return errors.New("durable tier down")
	}, time.Second, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := store.entriesFor(StreamPrimary)
	if len(entries) != 2 {
		t.Fatalf("expected retry entry appended, got %d entries", len(entries))
	}
	retry := entries[1]
	if retry.Fields["retryCount"] != "1" {
		t.Fatalf("expected retryCount 1, got %q", retry.Fields["retryCount"])
	}
	if retry.Fields["originalId"] != originalID {
		t.Fatalf("expected originalId %q, got %q", originalID, retry.Fields["originalId"])
	}
	if retry.Fields["lastError"] != "durable tier down" {
		t.Fatalf("unexpected lastError %q", retry.Fields["lastError"])
	}
	if len(store.acked[StreamPrimary]) != 1 {
		t.Fatalf("failed original must still be acked")
	}
}

func TestConsumeDeadLettersPastMaxRetries(t *testing.T) {
	store := newFakeStreamStore()
	queue := newTestQueue(t, store)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, OpDeleteMessage, map[string]string{"messageId": "m1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failing := func(context.Context, Event) error { return errors.New("still down") }
	// Original + MaxRetries re-enqueues, then the final failure dead-letters.
	for i := 0; i <= MaxRetries; i++ {
		if _, err := queue.Consume(ctx, failing, time.Second, 10); err != nil {
			t.Fatalf("unexpected error on round %d: %v", i, err)
		}
	}

	primary := store.entriesFor(StreamPrimary)
	if len(primary) != 1+MaxRetries {
		t.Fatalf("expected %d primary entries, got %d", 1+MaxRetries, len(primary))
	}
	dead := store.entriesFor(StreamDeadLetter)
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(dead))
	}
	if dead[0].Fields["finalError"] != "still down" {
		t.Fatalf("unexpected finalError %q", dead[0].Fields["finalError"])
	}
	if dead[0].Fields["retryCount"] != strconv.Itoa(MaxRetries) {
		t.Fatalf("unexpected dead-letter retryCount %q", dead[0].Fields["retryCount"])
	}
}

func TestConsumeDiscardsMalformedEntries(t *testing.T) {
	store := newFakeStreamStore()
	queue := newTestQueue(t, store)
	ctx := context.Background()

	if _, err := store.StreamAppend(ctx, StreamPrimary, map[string]string{"operation": "NOT_AN_OP"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	read, err := queue.Consume(ctx, func(context.Context, Event) error {
		t.Fatalf("handler must not run for malformed entries")
		return nil
	}, time.Second, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if read != 1 {
		t.Fatalf("malformed entry should still count as read")
	}
	if len(store.acked[StreamPrimary]) != 1 {
		t.Fatalf("malformed entry should be acked off the pending list")
	}
}

func TestParseOperation(t *testing.T) {
	for _, valid := range []string{"CREATE_MESSAGE", "UPDATE_MESSAGE", "MARK_AS_READ", "ADD_REACTION", "REMOVE_REACTION", "DELETE_MESSAGE"} {
		if _, err := ParseOperation(valid); err != nil {
			t.Fatalf("expected %q to parse, got %v", valid, err)
		}
	}
	if _, err := ParseOperation("TRUNCATE"); err == nil {
		t.Fatalf("expected unknown operation error")
	}
}
