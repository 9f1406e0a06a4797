package messagecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/hottier"
	"github.com/wavechat/backend/internal/syncqueue"
)

const (
	KeyPrefix = "message:"
	IndexName = "idx_chat_messages"

	SourceRedis   = "redis"
	SourceMongoDB = "mongodb"

	DefaultPageLimit = 30
	MaxPageLimit     = 100

	createLockPrefix  = "room_message_create:"
	createLockTTL     = 5 * time.Second
	createLockRetries = 30

	warmWindow = 24 * time.Hour
)

var ErrMessageNotFound = errors.New("messagecache: message not found")

// hotStore is the slice of the hot tier the message cache uses.
type hotStore interface {
	JsonSet(ctx context.Context, key, path string, value interface{}) error
	JsonGet(ctx context.Context, key, path string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	IndexCreate(ctx context.Context, name string, schema hottier.IndexSchema) error
	Search(ctx context.Context, name, query string, options hottier.SearchOptions) (hottier.SearchResult, error)
}

// durableStore backs the read fallback and warm-cache passes.
type durableStore interface {
	FindMessagesByRoom(ctx context.Context, roomID string, beforeTimestamp int64, limit int64) ([]durable.Message, error)
	FindMessageByID(ctx context.Context, id string) (*durable.Message, error)
	ActiveRoomIDs(ctx context.Context, since int64) ([]string, error)
}

// eventQueue is the write-back pipeline.
type eventQueue interface {
	Enqueue(ctx context.Context, operation syncqueue.Operation, payload interface{}) (string, error)
}

// locker serialises per-room message creation.
type locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration, retries int) error
	Release(ctx context.Context, resource string) (bool, error)
}

// broadcaster fans cache mutations out to peer instances. Late-bound; may be
// absent in single-instance deployments.
type broadcaster interface {
	BroadcastMessageSync(ctx context.Context, operation string, payload interface{}) error
}

// Service implements write-back caching for messages: hot tier first, sync
// queue for the durable tier, event bus for the peers.
type Service struct {
	hot        hotStore
	store      durableStore
	queue      eventQueue
	locks      locker
	bus        broadcaster
	instanceID string
	clock      func() time.Time
	logger     *zap.Logger
}

// ServiceConfig configures the message cache service.
type ServiceConfig struct {
	Hot        hotStore
	Store      durableStore
	Queue      eventQueue
	Locks      locker
	InstanceID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewService constructs the service. The cross-instance broadcaster is bound
// later via SetBroadcaster to break the init cycle.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Hot == nil {
		return nil, errors.New("messagecache: hot store is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("messagecache: durable store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("messagecache: sync queue is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("messagecache: lock service is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		hot:        cfg.Hot,
		store:      cfg.Store,
		queue:      cfg.Queue,
		locks:      cfg.Locks,
		instanceID: cfg.InstanceID,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SetBroadcaster late-binds the cross-instance bus.
func (s *Service) SetBroadcaster(bus broadcaster) {
	s.bus = bus
}

// EnsureIndex creates the message search index if absent.
func (s *Service) EnsureIndex(ctx context.Context) error {
	schema := hottier.IndexSchema{
		Prefix: KeyPrefix,
		Fields: []hottier.IndexField{
			{JSONPath: "$._id", Alias: "_id", Type: "TAG"},
			{JSONPath: "$.room", Alias: "room", Type: "TAG"},
			{JSONPath: "$.content", Alias: "content", Type: "TEXT"},
			{JSONPath: "$.sender._id", Alias: "senderId", Type: "TAG"},
			{JSONPath: "$.sender.name", Alias: "senderName", Type: "TEXT"},
			{JSONPath: "$.type", Alias: "type", Type: "TAG"},
			{JSONPath: "$.file._id", Alias: "fileId", Type: "TAG"},
			{JSONPath: "$.aiType", Alias: "aiType", Type: "TAG"},
			{JSONPath: "$.timestamp", Alias: "timestamp", Type: "NUMERIC", Sortable: true},
			{JSONPath: "$.readers[*].userId", Alias: "readerIds", Type: "TAG"},
			{JSONPath: "$.isDeleted", Alias: "isDeleted", Type: "TAG"},
		},
	}
	return s.hot.IndexCreate(ctx, IndexName, schema)
}

// HistoryResult is one page of room history, oldest first.
type HistoryResult struct {
	Messages        []durable.Message `json:"messages"`
	HasMore         bool              `json:"hasMore"`
	OldestTimestamp int64             `json:"oldestTimestamp"`
	Source          string            `json:"source"`
}

// GetMessagesByRoom pages non-deleted room history newest-first from the
// index, then reverses so the page reads oldest to newest. beforeTimestamp
// zero means the newest page.
func (s *Service) GetMessagesByRoom(ctx context.Context, roomID string, beforeTimestamp int64, limit int) (HistoryResult, error) {
	if limit == 0 {
		return HistoryResult{Messages: []durable.Message{}, Source: SourceRedis}, nil
	}
	if limit < 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	expression := fmt.Sprintf("@room:{%s} @isDeleted:{false}", escapeTag(roomID))
	if beforeTimestamp > 0 {
		expression += fmt.Sprintf(" @timestamp:[0 (%d]", beforeTimestamp)
	}
	options := hottier.SearchOptions{
		SortBy:    "timestamp",
		SortDesc:  true,
		Offset:    0,
		Limit:     limit,
		NoContent: true,
	}

	result, err := s.hot.Search(ctx, IndexName, expression, options)
	if err != nil || len(result.Docs) == 0 {
		if err != nil {
			s.logger.Warn("message search failed, falling back to durable tier",
				zap.String("room_id", roomID),
				zap.Error(err))
		}
		return s.historyFromDurable(ctx, roomID, beforeTimestamp, limit)
	}

	messages := make([]durable.Message, 0, len(result.Docs))
	for _, doc := range result.Docs {
		message, ok := s.fetchCached(ctx, doc.Key)
		if !ok {
			continue
		}
		messages = append(messages, message)
	}
	reverseMessages(messages)

	history := HistoryResult{
		Messages: messages,
		HasMore:  len(result.Docs) >= limit,
		Source:   SourceRedis,
	}
	if len(messages) > 0 {
		history.OldestTimestamp = messages[0].Timestamp
	}
	return history, nil
}

func (s *Service) historyFromDurable(ctx context.Context, roomID string, beforeTimestamp int64, limit int) (HistoryResult, error) {
	// One extra row decides hasMore.
	messages, err := s.store.FindMessagesByRoom(ctx, roomID, beforeTimestamp, int64(limit)+1)
	if err != nil {
		return HistoryResult{}, fmt.Errorf("messagecache: history: %w", err)
	}
	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for _, message := range messages {
		s.cacheMessage(ctx, message)
	}
	reverseMessages(messages)

	history := HistoryResult{
		Messages: messages,
		HasMore:  hasMore,
		Source:   SourceMongoDB,
	}
	if len(messages) > 0 {
		history.OldestTimestamp = messages[0].Timestamp
	}
	return history, nil
}

func reverseMessages(messages []durable.Message) {
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
}

func (s *Service) fetchCached(ctx context.Context, key string) (durable.Message, bool) {
	raw, ok, err := s.hot.JsonGet(ctx, key, "$")
	if err != nil || !ok {
		return durable.Message{}, false
	}
	message, parseErr := parseMessageDocument(raw)
	if parseErr != nil {
		s.logger.Warn("unparseable cached message",
			zap.String("key", key),
			zap.Error(parseErr))
		return durable.Message{}, false
	}
	return message, true
}

func parseMessageDocument(raw string) (durable.Message, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var docs []durable.Message
		if err := json.Unmarshal([]byte(trimmed), &docs); err != nil {
			return durable.Message{}, err
		}
		if len(docs) == 0 {
			return durable.Message{}, errors.New("empty document array")
		}
		return docs[0], nil
	}
	var message durable.Message
	if err := json.Unmarshal([]byte(trimmed), &message); err != nil {
		return durable.Message{}, err
	}
	return message, nil
}

func (s *Service) cacheMessage(ctx context.Context, message durable.Message) {
	if err := s.hot.JsonSet(ctx, KeyPrefix+message.ID, "$", message); err != nil {
		s.logger.Warn("message cache write failed",
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// GetMessage returns one message, hot tier first.
func (s *Service) GetMessage(ctx context.Context, messageID string) (*durable.Message, error) {
	if message, ok := s.fetchCached(ctx, KeyPrefix+messageID); ok {
		return &message, nil
	}
	message, err := s.store.FindMessageByID(ctx, messageID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("messagecache: get message: %w", err)
	}
	s.cacheMessage(ctx, *message)
	return message, nil
}

// CreateMessageRequest describes a new message from the session layer.
type CreateMessageRequest struct {
	Room     string
	Sender   durable.UserSnapshot
	Type     durable.MessageType
	Content  string
	File     *durable.FileDescriptor
	AIType   string
	Mentions []string
	Metadata map[string]interface{}
}

// CreateMessage assigns the id and timestamp under the per-room creation
// lock, writes the hot tier, enqueues the durable write, and broadcasts to
// peers. The lock is always released, success or not.
func (s *Service) CreateMessage(ctx context.Context, request CreateMessageRequest) (*durable.Message, error) {
	if request.Room == "" {
		return nil, errors.New("messagecache: room is required")
	}

	lockResource := createLockPrefix + request.Room
	if err := s.locks.Acquire(ctx, lockResource, createLockTTL, createLockRetries); err != nil {
		return nil, err
	}
	defer func() {
		if _, releaseErr := s.locks.Release(ctx, lockResource); releaseErr != nil {
			s.logger.Warn("message creation lock release failed",
				zap.String("room_id", request.Room),
				zap.Error(releaseErr))
		}
	}()

	id, err := durable.NewHexID()
	if err != nil {
		return nil, err
	}
	now := s.clock().UnixMilli()
	message := durable.Message{
		ID:         id,
		Room:       request.Room,
		Sender:     request.Sender,
		Type:       request.Type,
		Content:    request.Content,
		File:       request.File,
		AIType:     request.AIType,
		Mentions:   request.Mentions,
		Timestamp:  now,
		Readers:    []durable.Reader{},
		Reactions:  map[string][]string{},
		Metadata:   request.Metadata,
		IsDeleted:  false,
		InstanceID: s.instanceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.hot.JsonSet(ctx, KeyPrefix+id, "$", message); err != nil {
		return nil, fmt.Errorf("messagecache: cache write: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, syncqueue.OpCreateMessage, message); err != nil {
		return nil, fmt.Errorf("messagecache: enqueue: %w", err)
	}
	s.broadcast(ctx, string(syncqueue.OpCreateMessage), message)

	return &message, nil
}

func (s *Service) broadcast(ctx context.Context, operation string, payload interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.BroadcastMessageSync(ctx, operation, payload); err != nil {
		s.logger.Warn("cross-instance broadcast failed",
			zap.String("operation", operation),
			zap.Error(err))
	}
}

// MarkAsRead appends read receipts for the user and returns the subset of
// message ids actually updated.
func (s *Service) MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error) {
	updated := make([]string, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		message, ok := s.fetchCached(ctx, KeyPrefix+messageID)
		if !ok {
			continue
		}
		if message.HasReader(userID) {
			continue
		}
		readAt := s.clock().UnixMilli()
		message.Readers = append(message.Readers, durable.Reader{UserID: userID, ReadAt: readAt})
		if err := s.hot.JsonSet(ctx, KeyPrefix+messageID, "$.readers", message.Readers); err != nil {
			return updated, fmt.Errorf("messagecache: readers write: %w", err)
		}
		if _, err := s.queue.Enqueue(ctx, syncqueue.OpMarkAsRead, map[string]interface{}{
			"messageId": messageID,
			"userId":    userID,
			"readAt":    readAt,
		}); err != nil {
			return updated, fmt.Errorf("messagecache: enqueue read: %w", err)
		}
		updated = append(updated, messageID)
	}
	return updated, nil
}

// AddReaction adds the user to the emoji bucket and returns the bucket.
func (s *Service) AddReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error) {
	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.Reactions == nil {
		message.Reactions = map[string][]string{}
	}
	users := message.Reactions[emoji]
	for _, existing := range users {
		if existing == userID {
			return users, nil
		}
	}
	users = append(users, userID)
	message.Reactions[emoji] = users

	if err := s.hot.JsonSet(ctx, KeyPrefix+messageID, "$.reactions", message.Reactions); err != nil {
		return nil, fmt.Errorf("messagecache: reactions write: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, syncqueue.OpAddReaction, map[string]string{
		"messageId": messageID,
		"emoji":     emoji,
		"userId":    userID,
	}); err != nil {
		return nil, fmt.Errorf("messagecache: enqueue reaction: %w", err)
	}
	s.broadcast(ctx, string(syncqueue.OpUpdateMessage), message)
	return users, nil
}

// RemoveReaction removes the user from the emoji bucket, dropping the
// bucket once empty, and returns the remaining users.
func (s *Service) RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error) {
	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	users := message.ReactionUsers(emoji)
	next := make([]string, 0, len(users))
	for _, existing := range users {
		if existing != userID {
			next = append(next, existing)
		}
	}
	if len(next) == len(users) {
		return next, nil
	}
	if len(next) == 0 {
		delete(message.Reactions, emoji)
	} else {
		message.Reactions[emoji] = next
	}

	if err := s.hot.JsonSet(ctx, KeyPrefix+messageID, "$.reactions", message.Reactions); err != nil {
		return nil, fmt.Errorf("messagecache: reactions write: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, syncqueue.OpRemoveReaction, map[string]string{
		"messageId": messageID,
		"emoji":     emoji,
		"userId":    userID,
	}); err != nil {
		return nil, fmt.Errorf("messagecache: enqueue reaction: %w", err)
	}
	s.broadcast(ctx, string(syncqueue.OpUpdateMessage), message)
	return next, nil
}

// DeleteMessage soft-deletes: the document stays fetchable by key but drops
// out of history searches.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	message, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	now := s.clock().UnixMilli()
	message.IsDeleted = true
	message.DeletedAt = now
	if err := s.hot.JsonSet(ctx, KeyPrefix+messageID, "$", message); err != nil {
		return fmt.Errorf("messagecache: delete write: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, syncqueue.OpDeleteMessage, map[string]interface{}{
		"messageId": messageID,
		"deletedAt": now,
	}); err != nil {
		return fmt.Errorf("messagecache: enqueue delete: %w", err)
	}
	s.broadcast(ctx, string(syncqueue.OpUpdateMessage), message)
	return nil
}

// WarmCacheForRoom loads the most recent messages for a room into the hot
// tier.
func (s *Service) WarmCacheForRoom(ctx context.Context, roomID string, limit int) (int, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	messages, err := s.store.FindMessagesByRoom(ctx, roomID, 0, int64(limit))
	if err != nil {
		return 0, fmt.Errorf("messagecache: warm room: %w", err)
	}
	for _, message := range messages {
		s.cacheMessage(ctx, message)
	}
	return len(messages), nil
}

// WarmAllActiveRooms warms every room with a message in the last 24 hours.
func (s *Service) WarmAllActiveRooms(ctx context.Context) (int, error) {
	since := s.clock().Add(-warmWindow).UnixMilli()
	roomIDs, err := s.store.ActiveRoomIDs(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("messagecache: active rooms: %w", err)
	}
	warmed := 0
	for _, roomID := range roomIDs {
		if _, err := s.WarmCacheForRoom(ctx, roomID, DefaultPageLimit); err != nil {
			s.logger.Warn("warm cache failed for room",
				zap.String("room_id", roomID),
				zap.Error(err))
			continue
		}
		warmed++
	}
	return warmed, nil
}

func escapeTag(value string) string {
	var builder strings.Builder
	for _, r := range value {
		if strings.ContainsRune(`,.<>{}[]"':;!@#$%^&*()-+=~|/\ `, r) {
			builder.WriteRune('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}
