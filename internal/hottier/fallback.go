package hottier

import (
	"context"
	"sync"
	"time"
)

// FallbackStore is the in-process degradation target used when the hot tier
// is unreachable. Plain key/value operations keep TTL semantics. Search,
// StreamAppend and Eval return a CategoryUnsupported error; the remaining
// stream, index and pub/sub operations are no-ops with empty results.
type FallbackStore struct {
	mu      sync.RWMutex
	entries map[string]fallbackEntry
	clock   func() time.Time
}

type fallbackEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewFallbackStore() *FallbackStore {
	return &FallbackStore{
		entries: make(map[string]fallbackEntry),
		clock:   time.Now,
	}
}

func (f *FallbackStore) withClock(clock func() time.Time) *FallbackStore {
	f.clock = clock
	return f
}

func (f *FallbackStore) live(entry fallbackEntry) bool {
	return entry.expiresAt.IsZero() || f.clock().Before(entry.expiresAt)
}

func (f *FallbackStore) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.RLock()
	entry, ok := f.entries[key]
	f.mu.RUnlock()
	if !ok || !f.live(entry) {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (f *FallbackStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry := fallbackEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = f.clock().Add(ttl)
	}
	f.entries[key] = entry
	return nil
}

func (f *FallbackStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return f.Set(ctx, key, value, ttl)
}

func (f *FallbackStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.entries[key]; ok && f.live(existing) {
		return false, nil
	}
	entry := fallbackEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = f.clock().Add(ttl)
	}
	f.entries[key] = entry
	return true, nil
}

func (f *FallbackStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.entries, key)
	}
	return nil
}

func (f *FallbackStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok || !f.live(entry) {
		return false, nil
	}
	entry.expiresAt = f.clock().Add(ttl)
	f.entries[key] = entry
	return true, nil
}

func (f *FallbackStore) Exists(_ context.Context, keys ...string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var count int64
	for _, key := range keys {
		if entry, ok := f.entries[key]; ok && f.live(entry) {
			count++
		}
	}
	return count, nil
}

func (f *FallbackStore) Pttl(_ context.Context, key string) (time.Duration, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[key]
	if !ok || !f.live(entry) {
		return -2 * time.Millisecond, nil
	}
	if entry.expiresAt.IsZero() {
		return -1 * time.Millisecond, nil
	}
	return entry.expiresAt.Sub(f.clock()), nil
}

func (f *FallbackStore) Eval(context.Context, string, []string, ...interface{}) (interface{}, error) {
	return nil, newError(CategoryUnsupported, "eval", nil)
}

func (f *FallbackStore) Publish(context.Context, string, string) error {
	return nil
}

func (f *FallbackStore) Subscribe(context.Context, ...string) (Subscription, error) {
	return closedSubscription{}, nil
}

type closedSubscription struct{}

func (closedSubscription) Channel() <-chan SubMessage {
	ch := make(chan SubMessage)
	close(ch)
	return ch
}

func (closedSubscription) Close() error { return nil }

// JSON documents degrade to whole-document storage keyed by the root path.
func (f *FallbackStore) JsonSet(ctx context.Context, key, _ string, value interface{}) error {
	raw, err := marshalJSON(value)
	if err != nil {
		return err
	}
	return f.Set(ctx, key, raw, 0)
}

func (f *FallbackStore) JsonGet(ctx context.Context, key, _ string) (string, bool, error) {
	return f.Get(ctx, key)
}

func (f *FallbackStore) JsonDel(ctx context.Context, key, _ string) error {
	return f.Del(ctx, key)
}

func (f *FallbackStore) IndexCreate(context.Context, string, IndexSchema) error {
	return nil
}

func (f *FallbackStore) IndexDrop(context.Context, string) error {
	return nil
}

func (f *FallbackStore) Search(context.Context, string, string, SearchOptions) (SearchResult, error) {
	return SearchResult{}, newError(CategoryUnsupported, "search", nil)
}

func (f *FallbackStore) StreamAppend(context.Context, string, map[string]string) (string, error) {
	return "", newError(CategoryUnsupported, "xadd", nil)
}

func (f *FallbackStore) StreamGroupCreate(context.Context, string, string) error {
	return nil
}

func (f *FallbackStore) StreamReadGroup(context.Context, string, string, string, time.Duration, int64) ([]StreamEntry, error) {
	return nil, nil
}

func (f *FallbackStore) StreamAck(context.Context, string, string, ...string) error {
	return nil
}

func (f *FallbackStore) Ping(context.Context) error {
	return nil
}
