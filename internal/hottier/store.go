package hottier

import (
	"context"
	"time"
)

// SearchDocument is one matched document from a secondary-index search.
type SearchDocument struct {
	Key    string
	Fields map[string]string
}

// SearchResult carries the total match count and the returned page.
type SearchResult struct {
	Total int64
	Docs  []SearchDocument
}

// SearchOptions control sorting and paging of an index search.
type SearchOptions struct {
	SortBy    string
	SortDesc  bool
	Offset    int
	Limit     int
	NoContent bool
}

// IndexField declares one indexed JSON field.
type IndexField struct {
	JSONPath string
	Alias    string
	Type     string // TAG, TEXT, NUMERIC
	Sortable bool
	Weight   float64
}

// IndexSchema declares a secondary index over a key prefix.
type IndexSchema struct {
	Prefix string
	Fields []IndexField
}

// StreamEntry is one record read from an append-only stream.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// Subscription is a live pub/sub channel subscription. Close stops delivery.
type Subscription interface {
	Channel() <-chan SubMessage
	Close() error
}

// SubMessage is one message delivered on a subscribed channel.
type SubMessage struct {
	Channel string
	Payload string
}

// Store is the typed facade over the key-value + JSON + index + stream engine.
// The concrete client routes reads to the replica when available and degrades
// to an in-process fallback when connectivity is lost.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Pttl(ctx context.Context, key string) (time.Duration, error)
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	JsonSet(ctx context.Context, key, path string, value interface{}) error
	JsonGet(ctx context.Context, key, path string) (string, bool, error)
	JsonDel(ctx context.Context, key, path string) error

	IndexCreate(ctx context.Context, name string, schema IndexSchema) error
	IndexDrop(ctx context.Context, name string) error
	Search(ctx context.Context, name, query string, options SearchOptions) (SearchResult, error)

	StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error)
	StreamGroupCreate(ctx context.Context, stream, group string) error
	StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamEntry, error)
	StreamAck(ctx context.Context, stream, group string, ids ...string) error

	Ping(ctx context.Context) error
}
