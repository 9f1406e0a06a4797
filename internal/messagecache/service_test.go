package messagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/hottier"
	"github.com/wavechat/backend/internal/syncqueue"
)

// fakeHot stores message documents and answers history searches with the
// index's filter and sort semantics. JsonSet on a sub-path patches the
// stored document.
type fakeHot struct {
	mu        sync.Mutex
	docs      map[string]durable.Message
	searchErr error
}

func newFakeHot() *fakeHot {
	return &fakeHot{docs: make(map[string]durable.Message)}
}

func (f *fakeHot) JsonSet(_ context.Context, key, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch path {
	case "$":
		var message durable.Message
		if err := json.Unmarshal(raw, &message); err != nil {
			return err
		}
		f.docs[key] = message
	case "$.readers":
		message := f.docs[key]
		var readers []durable.Reader
		if err := json.Unmarshal(raw, &readers); err != nil {
			return err
		}
		message.Readers = readers
		f.docs[key] = message
	case "$.reactions":
		message := f.docs[key]
		var reactions map[string][]string
		if err := json.Unmarshal(raw, &reactions); err != nil {
			return err
		}
		message.Reactions = reactions
		f.docs[key] = message
	default:
		return fmt.Errorf("unexpected path %q", path)
	}
	return nil
}

func (f *fakeHot) JsonGet(_ context.Context, key, _ string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.docs[key]
	if !ok {
		return "", false, nil
	}
	raw, err := json.Marshal(message)
	return string(raw), true, err
}

func (f *fakeHot) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.docs, key)
	}
	return nil
}

func (f *fakeHot) IndexCreate(context.Context, string, hottier.IndexSchema) error {
	return nil
}

var timestampRange = regexp.MustCompile(`@timestamp:\[0 \((\d+)\]`)

func (f *fakeHot) Search(_ context.Context, _, query string, options hottier.SearchOptions) (hottier.SearchResult, error) {
	if f.searchErr != nil {
		return hottier.SearchResult{}, f.searchErr
	}
	roomMatch := regexp.MustCompile(`@room:\{([^}]+)\}`).FindStringSubmatch(query)
	var before int64
	if rangeMatch := timestampRange.FindStringSubmatch(query); rangeMatch != nil {
		before, _ = strconv.ParseInt(rangeMatch[1], 10, 64)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []durable.Message
	for _, message := range f.docs {
		if roomMatch != nil && message.Room != strings.ReplaceAll(roomMatch[1], `\`, "") {
			continue
		}
		if strings.Contains(query, "@isDeleted:{false}") && message.IsDeleted {
			continue
		}
		if before > 0 && message.Timestamp >= before {
			continue
		}
		matched = append(matched, message)
	}
	sort.Slice(matched, func(i, j int) bool {
		if options.SortDesc {
			return matched[i].Timestamp > matched[j].Timestamp
		}
		return matched[i].Timestamp < matched[j].Timestamp
	})

	total := int64(len(matched))
	if options.Limit > 0 && len(matched) > options.Limit {
		matched = matched[:options.Limit]
	}
	result := hottier.SearchResult{Total: total}
	for _, message := range matched {
		result.Docs = append(result.Docs, hottier.SearchDocument{Key: KeyPrefix + message.ID})
	}
	return result, nil
}

// fakeMessageStore is the in-memory durable tier.
type fakeMessageStore struct {
	mu       sync.Mutex
	messages map[string]*durable.Message
	findErr  error
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[string]*durable.Message)}
}

func (f *fakeMessageStore) FindMessagesByRoom(_ context.Context, roomID string, beforeTimestamp int64, limit int64) ([]durable.Message, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []durable.Message
	for _, message := range f.messages {
		if message.Room != roomID || message.IsDeleted {
			continue
		}
		if beforeTimestamp > 0 && message.Timestamp >= beforeTimestamp {
			continue
		}
		matched = append(matched, *message)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp > matched[j].Timestamp })
	if int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (f *fakeMessageStore) FindMessageByID(_ context.Context, id string) (*durable.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	message, ok := f.messages[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	copied := *message
	return &copied, nil
}

func (f *fakeMessageStore) ActiveRoomIDs(_ context.Context, since int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	for _, message := range f.messages {
		if message.Timestamp >= since {
			seen[message.Room] = true
		}
	}
	rooms := make([]string, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// fakeQueue records enqueued events.
type fakeQueue struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	operation syncqueue.Operation
	payload   []byte
}

func (f *fakeQueue) Enqueue(_ context.Context, operation syncqueue.Operation, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{operation: operation, payload: raw})
	return fmt.Sprintf("%d-0", len(f.events)), nil
}

func (f *fakeQueue) operations() []syncqueue.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]syncqueue.Operation, 0, len(f.events))
	for _, event := range f.events {
		ops = append(ops, event.operation)
	}
	return ops
}

// fakeLocker records acquire/release pairing.
type fakeLocker struct {
	mu        sync.Mutex
	acquired  []string
	released  []string
	failNext  bool
	heldCount int
}

func (f *fakeLocker) Acquire(_ context.Context, resource string, _ time.Duration, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("Failed to acquire distributed lock")
	}
	f.acquired = append(f.acquired, resource)
	f.heldCount++
	return nil
}

func (f *fakeLocker) Release(_ context.Context, resource string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, resource)
	f.heldCount--
	return true, nil
}

// fakeBus records cross-instance broadcasts.
type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) BroadcastMessageSync(_ context.Context, operation string, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, operation)
	return nil
}

type testRig struct {
	service *Service
	hot     *fakeHot
	store   *fakeMessageStore
	queue   *fakeQueue
	locks   *fakeLocker
	bus     *fakeBus
	now     *time.Time
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	hot := newFakeHot()
	store := newFakeMessageStore()
	queue := &fakeQueue{}
	locks := &fakeLocker{}
	bus := &fakeBus{}
	now := time.UnixMilli(1700000000000)

	service, err := NewService(ServiceConfig{
		Hot:        hot,
		Store:      store,
		Queue:      queue,
		Locks:      locks,
		InstanceID: "instance-a",
		Clock:      func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	service.SetBroadcaster(bus)
	return &testRig{service: service, hot: hot, store: store, queue: queue, locks: locks, bus: bus, now: &now}
}

func (r *testRig) advance(d time.Duration) {
	*r.now = r.now.Add(d)
}

func (r *testRig) create(t *testing.T, room, content string) *durable.Message {
	t.Helper()
	message, err := r.service.CreateMessage(context.Background(), CreateMessageRequest{
		Room:    room,
		Sender:  durable.UserSnapshot{ID: "u1", Name: "Alice"},
		Type:    durable.MessageTypeText,
		Content: content,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.advance(time.Millisecond)
	return message
}

func TestCreateMessageWriteBack(t *testing.T) {
	rig := newTestRig(t)
	message := rig.create(t, "r1", "hello")

	if len(message.ID) != 24 {
		t.Fatalf("expected 24-hex id, got %q", message.ID)
	}
	if message.Timestamp != 1700000000000 {
		t.Fatalf("unexpected timestamp %d", message.Timestamp)
	}
	if message.Readers == nil || len(message.Readers) != 0 {
		t.Fatalf("new messages must carry an empty readers set")
	}
	if message.Reactions == nil || len(message.Reactions) != 0 {
		t.Fatalf("new messages must carry an empty reactions map")
	}
	if _, ok := rig.hot.docs[KeyPrefix+message.ID]; !ok {
		t.Fatalf("message must land in the hot tier first")
	}
	if ops := rig.queue.operations(); len(ops) != 1 || ops[0] != syncqueue.OpCreateMessage {
		t.Fatalf("expected CREATE_MESSAGE enqueue, got %v", ops)
	}
	if len(rig.bus.events) != 1 || rig.bus.events[0] != "CREATE_MESSAGE" {
		t.Fatalf("expected cross-instance broadcast, got %v", rig.bus.events)
	}
	if rig.locks.heldCount != 0 {
		t.Fatalf("creation lock must be released")
	}
	if rig.locks.acquired[0] != "room_message_create:r1" {
		t.Fatalf("unexpected lock resource %q", rig.locks.acquired[0])
	}
}

func TestCreateMessageSurfacesLockFailure(t *testing.T) {
	rig := newTestRig(t)
	rig.locks.failNext = true

	_, err := rig.service.CreateMessage(context.Background(), CreateMessageRequest{
		Room:   "r1",
		Sender: durable.UserSnapshot{ID: "u1"},
		Type:   durable.MessageTypeText,
	})
	if err == nil || !strings.Contains(err.Error(), "Failed to acquire distributed lock") {
		t.Fatalf("expected lock failure, got %v", err)
	}
	if len(rig.queue.operations()) != 0 {
		t.Fatalf("nothing may be enqueued without the lock")
	}
}

func TestTimestampsMonotonicWithinRoom(t *testing.T) {
	rig := newTestRig(t)
	first := rig.create(t, "r1", "one")
	second := rig.create(t, "r1", "two")
	if first.Timestamp >= second.Timestamp {
		t.Fatalf("timestamps must increase within a room: %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestGetMessagesByRoomFromCache(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var created []*durable.Message
	for i := 0; i < 5; i++ {
		created = append(created, rig.create(t, "r1", fmt.Sprintf("msg-%d", i)))
	}
	rig.create(t, "other", "noise")

	history, err := rig.service.GetMessagesByRoom(ctx, "r1", 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if history.Source != SourceRedis {
		t.Fatalf("expected redis source, got %q", history.Source)
	}
	if len(history.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history.Messages))
	}
	// Oldest to newest within the page; the page holds the newest three.
	if history.Messages[0].Content != "msg-2" || history.Messages[2].Content != "msg-4" {
		t.Fatalf("unexpected page order: %v", contents(history.Messages))
	}
	if !history.HasMore {
		t.Fatalf("expected hasMore with older messages remaining")
	}
	if history.OldestTimestamp != history.Messages[0].Timestamp {
		t.Fatalf("oldestTimestamp must track the first entry")
	}

	// Next page, before the oldest of the previous one.
	next, err := rig.service.GetMessagesByRoom(ctx, "r1", history.OldestTimestamp, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next.Messages) != 2 {
		t.Fatalf("expected 2 remaining messages, got %d", len(next.Messages))
	}
	if next.Messages[0].Content != "msg-0" {
		t.Fatalf("unexpected next page order: %v", contents(next.Messages))
	}
	_ = created
}

func contents(messages []durable.Message) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Content)
	}
	return out
}

func TestGetMessagesByRoomZeroLimit(t *testing.T) {
	rig := newTestRig(t)
	history, err := rig.service.GetMessagesByRoom(context.Background(), "r1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history.Messages) != 0 || history.HasMore {
		t.Fatalf("limit 0 must return an empty page, got %+v", history)
	}
}

func TestGetMessagesByRoomFallsBackToDurable(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.hot.searchErr = errors.New("index offline")
	for i := 0; i < 4; i++ {
		rig.store.messages[fmt.Sprintf("m%d", i)] = &durable.Message{
			ID: fmt.Sprintf("m%d", i), Room: "r1", Content: fmt.Sprintf("d-%d", i),
			Timestamp: int64(1700000000000 + i),
		}
	}

	history, err := rig.service.GetMessagesByRoom(ctx, "r1", 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if history.Source != SourceMongoDB {
		t.Fatalf("expected mongodb source, got %q", history.Source)
	}
	if len(history.Messages) != 3 || !history.HasMore {
		t.Fatalf("unexpected fallback page %+v", history)
	}
	// Fallback caches fetched documents.
	if len(rig.hot.docs) != 3 {
		t.Fatalf("fallback should cache fetched messages, got %d", len(rig.hot.docs))
	}
}

func TestDeletedMessagesExcludedFromHistoryButFetchable(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	message := rig.create(t, "r1", "doomed")
	if err := rig.service.DeleteMessage(ctx, message.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	history, err := rig.service.GetMessagesByRoom(ctx, "r1", 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history.Messages) != 0 {
		t.Fatalf("deleted messages must not appear in history")
	}

	fetched, err := rig.service.GetMessage(ctx, message.ID)
	if err != nil {
		t.Fatalf("deleted message must stay fetchable by key: %v", err)
	}
	if !fetched.IsDeleted {
		t.Fatalf("expected isDeleted flag")
	}
}

func TestMarkAsReadSkipsExistingReaders(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	m1 := rig.create(t, "r1", "one")
	m2 := rig.create(t, "r1", "two")

	updated, err := rig.service.MarkAsRead(ctx, []string{m1.ID, m2.ID}, "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updated) != 2 {
		t.Fatalf("expected both messages updated, got %v", updated)
	}

	again, err := rig.service.MarkAsRead(ctx, []string{m1.ID, m2.ID}, "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second pass must update nothing, got %v", again)
	}

	ops := rig.queue.operations()
	reads := 0
	for _, op := range ops {
		if op == syncqueue.OpMarkAsRead {
			reads++
		}
	}
	if reads != 2 {
		t.Fatalf("expected exactly 2 MARK_AS_READ events, got %d", reads)
	}
}

func TestReactionsIdempotentAndSymmetric(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	message := rig.create(t, "r1", "react")

	users, err := rig.service.AddReaction(ctx, message.ID, "👍", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("unexpected reaction users %v", users)
	}

	users, err = rig.service.AddReaction(ctx, message.ID, "👍", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("duplicate add must be a no-op, got %v", users)
	}

	users, err = rig.service.RemoveReaction(ctx, message.ID, "👍", "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected empty bucket, got %v", users)
	}
	cached := rig.hot.docs[KeyPrefix+message.ID]
	if _, ok := cached.Reactions["👍"]; ok {
		t.Fatalf("empty bucket must be removed from the cached document")
	}
}

func TestWarmCacheForRoom(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rig.store.messages[fmt.Sprintf("m%d", i)] = &durable.Message{
			ID: fmt.Sprintf("m%d", i), Room: "r1", Timestamp: int64(1700000000000 + i),
		}
	}
	warmed, err := rig.service.WarmCacheForRoom(ctx, "r1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warmed != 3 || len(rig.hot.docs) != 3 {
		t.Fatalf("expected 3 warmed messages, got %d cached=%d", warmed, len(rig.hot.docs))
	}
}

func TestWarmAllActiveRooms(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	recent := rig.now.UnixMilli()
	stale := rig.now.Add(-48 * time.Hour).UnixMilli()
	rig.store.messages["m1"] = &durable.Message{ID: "m1", Room: "active", Timestamp: recent}
	rig.store.messages["m2"] = &durable.Message{ID: "m2", Room: "stale", Timestamp: stale}

	warmed, err := rig.service.WarmAllActiveRooms(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warmed != 1 {
		t.Fatalf("only the active room should warm, got %d", warmed)
	}
}
