package hottier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	maxReconnectBackoff = 3 * time.Second
)

var noOpLogger = zap.NewNop()

// ClientConfig configures the hot-tier connection pair.
type ClientConfig struct {
	ClusterEnabled bool
	MasterAddr     string
	ReplicaAddr    string
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Logger         *zap.Logger
}

// Client routes writes and scripts to the master, reads to the replica when
// one is ready, and degrades to an in-process fallback store once the retry
// ceiling is exhausted.
type Client struct {
	master         *redis.Client
	replica        *redis.Client
	clusterEnabled bool
	fallback       *FallbackStore
	logger         *zap.Logger

	degraded         atomic.Bool
	replicaReady     atomic.Bool
	fallbackToMaster atomic.Int64
}

// ClientStatus is a point-in-time snapshot for the status surface.
type ClientStatus struct {
	Degraded         bool  `json:"degraded"`
	ReplicaReady     bool  `json:"replicaReady"`
	FallbackToMaster int64 `json:"fallbackToMaster"`
}

// NewClient connects to the master (and replica when clustering is enabled)
// with bounded reconnect attempts. When the master stays unreachable the
// client comes up degraded on the fallback store rather than failing.
func NewClient(ctx context.Context, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}

	opts := func(addr string) *redis.Options {
		return &redis.Options{
			Addr:            addr,
			DialTimeout:     connectTimeout,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: retryDelay,
			MaxRetryBackoff: maxReconnectBackoff,
		}
	}

	client := &Client{
		master:         redis.NewClient(opts(cfg.MasterAddr)),
		clusterEnabled: cfg.ClusterEnabled,
		fallback:       NewFallbackStore(),
		logger:         logger,
	}
	if cfg.ClusterEnabled && cfg.ReplicaAddr != "" {
		client.replica = redis.NewClient(opts(cfg.ReplicaAddr))
	}

	client.connect(ctx, cfg.MaxRetries, retryDelay, connectTimeout)
	return client
}

func (c *Client) connect(ctx context.Context, maxRetries int, retryDelay, connectTimeout time.Duration) {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	delay := retryDelay
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := c.master.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			c.degraded.Store(false)
			c.probeReplica(ctx, connectTimeout)
			return
		}
		c.logger.Warn("hot tier connect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))
		if attempt < maxRetries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				break
			}
			delay *= 2
			if delay > maxReconnectBackoff {
				delay = maxReconnectBackoff
			}
		}
	}
	c.degraded.Store(true)
	c.logger.Warn("hot tier unreachable, degrading to in-process fallback store")
}

func (c *Client) probeReplica(ctx context.Context, connectTimeout time.Duration) {
	if c.replica == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := c.replica.Ping(pingCtx).Err(); err != nil {
		c.logger.Warn("hot tier replica not ready", zap.Error(err))
		c.replicaReady.Store(false)
		return
	}
	c.replicaReady.Store(true)
}

// Degraded reports whether the client is running on the fallback store.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

// Status snapshots routing state for the status endpoints.
func (c *Client) Status() ClientStatus {
	return ClientStatus{
		Degraded:         c.degraded.Load(),
		ReplicaReady:     c.replicaReady.Load(),
		FallbackToMaster: c.fallbackToMaster.Load(),
	}
}

// Close releases both connections.
func (c *Client) Close() error {
	var errs []error
	if err := c.master.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.replica != nil {
		if err := c.replica.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reader picks the connection for a read operation. Reads prefer the replica
// when clustering is on and the replica is ready.
func (c *Client) reader() (*redis.Client, bool) {
	if c.clusterEnabled && c.replica != nil && c.replicaReady.Load() {
		return c.replica, true
	}
	return c.master, false
}

func (c *Client) noteReplicaFailure(op string, err error) {
	c.fallbackToMaster.Add(1)
	c.replicaReady.Store(false)
	c.logger.Warn("replica read failed, falling back to master",
		zap.String("operation", op),
		zap.Error(err))
}

func readThrough[T any](c *Client, op string, read func(r *redis.Client) (T, error)) (T, error) {
	conn, isReplica := c.reader()
	value, err := read(conn)
	if err != nil && !errors.Is(err, redis.Nil) && isReplica {
		c.noteReplicaFailure(op, err)
		return read(c.master)
	}
	return value, err
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	if c.degraded.Load() {
		return c.fallback.Get(ctx, key)
	}
	value, err := readThrough(c, "get", func(r *redis.Client) (string, error) {
		return r.Get(ctx, key).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(CategoryConnectivity, "get", err)
	}
	return value, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.degraded.Load() {
		return c.fallback.Set(ctx, key, value, ttl)
	}
	if err := c.master.Set(ctx, key, value, ttl).Err(); err != nil {
		return newError(CategoryConnectivity, "set", err)
	}
	return nil
}

func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.degraded.Load() {
		return c.fallback.SetEx(ctx, key, value, ttl)
	}
	if err := c.master.SetEx(ctx, key, value, ttl).Err(); err != nil {
		return newError(CategoryConnectivity, "setex", err)
	}
	return nil
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.degraded.Load() {
		return c.fallback.SetNX(ctx, key, value, ttl)
	}
	acquired, err := c.master.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, newError(CategoryConnectivity, "setnx", err)
	}
	return acquired, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c.degraded.Load() {
		return c.fallback.Del(ctx, keys...)
	}
	if err := c.master.Del(ctx, keys...).Err(); err != nil {
		return newError(CategoryConnectivity, "del", err)
	}
	return nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if c.degraded.Load() {
		return c.fallback.Expire(ctx, key, ttl)
	}
	ok, err := c.master.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, newError(CategoryConnectivity, "expire", err)
	}
	return ok, nil
}

func (c *Client) Exists(ctx context.Context, keys ...string) (int64, error) {
	if c.degraded.Load() {
		return c.fallback.Exists(ctx, keys...)
	}
	count, err := readThrough(c, "exists", func(r *redis.Client) (int64, error) {
		return r.Exists(ctx, keys...).Result()
	})
	if err != nil {
		return 0, newError(CategoryConnectivity, "exists", err)
	}
	return count, nil
}

func (c *Client) Pttl(ctx context.Context, key string) (time.Duration, error) {
	if c.degraded.Load() {
		return c.fallback.Pttl(ctx, key)
	}
	ttl, err := readThrough(c, "pttl", func(r *redis.Client) (time.Duration, error) {
		return r.PTTL(ctx, key).Result()
	})
	if err != nil {
		return 0, newError(CategoryConnectivity, "pttl", err)
	}
	return ttl, nil
}

// Eval always runs on the master; scripts are used for atomic check-and-act.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if c.degraded.Load() {
		return c.fallback.Eval(ctx, script, keys, args...)
	}
	result, err := c.master.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, newError(CategoryConnectivity, "eval", err)
	}
	return result, nil
}

func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	if c.degraded.Load() {
		return c.fallback.Publish(ctx, channel, payload)
	}
	if err := c.master.Publish(ctx, channel, payload).Err(); err != nil {
		return newError(CategoryConnectivity, "publish", err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if c.degraded.Load() {
		return c.fallback.Subscribe(ctx, channels...)
	}
	pubsub := c.master.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, newError(CategoryConnectivity, "subscribe", err)
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	once   atomic.Bool
	ch     chan SubMessage
}

func (s *redisSubscription) Channel() <-chan SubMessage {
	if s.once.CompareAndSwap(false, true) {
		s.ch = make(chan SubMessage, 64)
		go func() {
			defer close(s.ch)
			for msg := range s.pubsub.Channel() {
				s.ch <- SubMessage{Channel: msg.Channel, Payload: msg.Payload}
			}
		}()
	}
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func (c *Client) JsonSet(ctx context.Context, key, path string, value interface{}) error {
	if c.degraded.Load() {
		return c.fallback.JsonSet(ctx, key, path, value)
	}
	raw, err := marshalJSON(value)
	if err != nil {
		return err
	}
	if err := c.master.JSONSet(ctx, key, path, raw).Err(); err != nil {
		return newError(CategoryConnectivity, "json.set", err)
	}
	return nil
}

func (c *Client) JsonGet(ctx context.Context, key, path string) (string, bool, error) {
	if c.degraded.Load() {
		return c.fallback.JsonGet(ctx, key, path)
	}
	value, err := readThrough(c, "json.get", func(r *redis.Client) (string, error) {
		return r.JSONGet(ctx, key, path).Result()
	})
	if errors.Is(err, redis.Nil) || (err == nil && value == "") {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError(CategoryConnectivity, "json.get", err)
	}
	return value, true, nil
}

func (c *Client) JsonDel(ctx context.Context, key, path string) error {
	if c.degraded.Load() {
		return c.fallback.JsonDel(ctx, key, path)
	}
	if err := c.master.JSONDel(ctx, key, path).Err(); err != nil {
		return newError(CategoryConnectivity, "json.del", err)
	}
	return nil
}

func (c *Client) IndexCreate(ctx context.Context, name string, schema IndexSchema) error {
	if c.degraded.Load() {
		return c.fallback.IndexCreate(ctx, name, schema)
	}
	options := &redis.FTCreateOptions{
		OnJSON: true,
		Prefix: []interface{}{schema.Prefix},
	}
	fields := make([]*redis.FieldSchema, 0, len(schema.Fields))
	for _, field := range schema.Fields {
		fieldSchema := &redis.FieldSchema{
			FieldName: field.JSONPath,
			As:        field.Alias,
			Sortable:  field.Sortable,
		}
		switch strings.ToUpper(field.Type) {
		case "TAG":
			fieldSchema.FieldType = redis.SearchFieldTypeTag
		case "TEXT":
			fieldSchema.FieldType = redis.SearchFieldTypeText
			if field.Weight > 0 {
				fieldSchema.Weight = field.Weight
			}
		case "NUMERIC":
			fieldSchema.FieldType = redis.SearchFieldTypeNumeric
		default:
			return newError(CategoryUnsupported, "ft.create", fmt.Errorf("unknown field type %q", field.Type))
		}
		fields = append(fields, fieldSchema)
	}
	if err := c.master.FTCreate(ctx, name, options, fields...).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "index already exists") {
			return nil
		}
		return newError(CategoryConnectivity, "ft.create", err)
	}
	return nil
}

func (c *Client) IndexDrop(ctx context.Context, name string) error {
	if c.degraded.Load() {
		return c.fallback.IndexDrop(ctx, name)
	}
	if err := c.master.FTDropIndex(ctx, name).Err(); err != nil {
		return newError(CategoryConnectivity, "ft.dropindex", err)
	}
	return nil
}

func (c *Client) Search(ctx context.Context, name, query string, options SearchOptions) (SearchResult, error) {
	if c.degraded.Load() {
		return c.fallback.Search(ctx, name, query, options)
	}
	searchOptions := &redis.FTSearchOptions{
		LimitOffset: options.Offset,
		Limit:       options.Limit,
		NoContent:   options.NoContent,
	}
	if options.SortBy != "" {
		searchOptions.SortBy = []redis.FTSearchSortBy{{
			FieldName: options.SortBy,
			Desc:      options.SortDesc,
			Asc:       !options.SortDesc,
		}}
	}
	raw, err := readThrough(c, "ft.search", func(r *redis.Client) (redis.FTSearchResult, error) {
		return r.FTSearchWithArgs(ctx, name, query, searchOptions).Result()
	})
	if err != nil {
		return SearchResult{}, newError(CategoryConnectivity, "ft.search", err)
	}
	result := SearchResult{Total: int64(raw.Total), Docs: make([]SearchDocument, 0, len(raw.Docs))}
	for _, doc := range raw.Docs {
		result.Docs = append(result.Docs, SearchDocument{Key: doc.ID, Fields: doc.Fields})
	}
	return result, nil
}

func (c *Client) StreamAppend(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if c.degraded.Load() {
		return c.fallback.StreamAppend(ctx, stream, fields)
	}
	values := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		values[key] = value
	}
	id, err := c.master.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", newError(CategoryConnectivity, "xadd", err)
	}
	return id, nil
}

func (c *Client) StreamGroupCreate(ctx context.Context, stream, group string) error {
	if c.degraded.Load() {
		return c.fallback.StreamGroupCreate(ctx, stream, group)
	}
	err := c.master.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return newError(CategoryConnectivity, "xgroup.create", err)
	}
	return nil
}

func (c *Client) StreamReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]StreamEntry, error) {
	if c.degraded.Load() {
		return c.fallback.StreamReadGroup(ctx, stream, group, consumer, block, count)
	}
	streams, err := c.master.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(CategoryConnectivity, "xreadgroup", err)
	}
	var entries []StreamEntry
	for _, s := range streams {
		for _, message := range s.Messages {
			fields := make(map[string]string, len(message.Values))
			for key, value := range message.Values {
				fields[key] = fmt.Sprint(value)
			}
			entries = append(entries, StreamEntry{ID: message.ID, Fields: fields})
		}
	}
	return entries, nil
}

func (c *Client) StreamAck(ctx context.Context, stream, group string, ids ...string) error {
	if c.degraded.Load() {
		return c.fallback.StreamAck(ctx, stream, group, ids...)
	}
	if err := c.master.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return newError(CategoryConnectivity, "xack", err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.master.Ping(ctx).Err(); err != nil {
		if !c.degraded.Load() {
			return newError(CategoryConnectivity, "ping", err)
		}
		return nil
	}
	if c.degraded.CompareAndSwap(true, false) {
		c.logger.Info("hot tier connectivity restored")
	}
	return nil
}

func marshalJSON(value interface{}) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return "", newError(CategoryUnsupported, "json.marshal", err)
		}
		return string(raw), nil
	}
}
