package roomcache

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
)

const (
	KeyPrefix = "chat_room:"
	IndexName = "idx_chat_rooms"

	SourceRedis   = "redis"
	SourceMongoDB = "mongodb"

	defaultPageSize = 10
	maxPageSize     = 50
)

var (
	ErrRoomNotFound = errors.New("roomcache: room not found")
	// ErrPasswordMismatch carries the fixed user-facing text.
	ErrPasswordMismatch = errors.New("비밀번호가 일치하지 않습니다.")
)

// hotStore is the slice of the hot tier the room cache uses.
type hotStore interface {
	JsonSet(ctx context.Context, key, path string, value interface{}) error
	JsonGet(ctx context.Context, key, path string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	IndexCreate(ctx context.Context, name string, schema hottier.IndexSchema) error
	Search(ctx context.Context, name, query string, options hottier.SearchOptions) (hottier.SearchResult, error)
}

// durableStore is the durable-tier slice backing read-through and
// write-through.
type durableStore interface {
	ListRooms(ctx context.Context, query durable.ListRoomsQuery) ([]durable.Room, int64, error)
	FindRoomByID(ctx context.Context, id string) (*durable.Room, error)
	InsertRoom(ctx context.Context, room *durable.Room) error
	AddRoomParticipant(ctx context.Context, roomID string, participant durable.UserSnapshot, at int64) error
	RemoveRoomParticipant(ctx context.Context, roomID, userID string, at int64) error
	AllRooms(ctx context.Context) ([]durable.Room, error)
	FindUserByID(ctx context.Context, id string) (*durable.User, error)
}

// Service implements read-through and write-through caching for rooms.
type Service struct {
	hot        hotStore
	store      durableStore
	instanceID string
	clock      func() time.Time
	logger     *zap.Logger
}

// ServiceConfig configures the room cache service.
type ServiceConfig struct {
	Hot        hotStore
	Store      durableStore
	InstanceID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewService constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Hot == nil {
		return nil, errors.New("roomcache: hot store is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("roomcache: durable store is required")
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
		instanceID: cfg.InstanceID,
		clock:      clock,
		logger:     logger,
	}, nil
}

// EnsureIndex creates the room search index if absent. Password is stored
// in the document but never indexed.
func (s *Service) EnsureIndex(ctx context.Context) error {
	schema := hottier.IndexSchema{
		Prefix: KeyPrefix,
		Fields: []hottier.IndexField{
			{JSONPath: "$._id", Alias: "_id", Type: "TAG"},
			{JSONPath: "$.name", Alias: "name", Type: "TEXT", Weight: 1.0},
			{JSONPath: "$.hasPassword", Alias: "hasPassword", Type: "TAG"},
			{JSONPath: "$.creator._id", Alias: "creatorId", Type: "TAG"},
			{JSONPath: "$.creator.name", Alias: "creatorName", Type: "TEXT"},
			{JSONPath: "$.participants[*]._id", Alias: "participantIds", Type: "TAG"},
			{JSONPath: "$.participantsCount", Alias: "participantsCount", Type: "NUMERIC", Sortable: true},
			{JSONPath: "$.createdAt", Alias: "createdAt", Type: "NUMERIC", Sortable: true},
		},
	}
	return s.hot.IndexCreate(ctx, IndexName, schema)
}

// ListQuery is the room listing request after HTTP-layer parsing.
type ListQuery struct {
	Page        int
	PageSize    int
	SortField   string
	SortOrder   string
	Search      string
	HasPassword *bool
	UserID      string
}

func (q *ListQuery) normalise() {
	if q.Page < 0 {
		q.Page = 0
	}
	if q.PageSize < 1 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	switch q.SortField {
	case "createdAt", "name", "participantsCount":
	default:
		q.SortField = "createdAt"
	}
	switch q.SortOrder {
	case "asc", "desc":
	default:
		q.SortOrder = "desc"
	}
}

// RoomView is a room projected for responses: password stripped, isCreator
// derived for the requesting user.
type RoomView struct {
	durable.Room
	IsCreator bool `json:"isCreator"`
}

// ListResult carries one page of rooms plus paging metadata.
type ListResult struct {
	Rooms        []RoomView `json:"rooms"`
	Total        int64      `json:"total"`
	Page         int        `json:"page"`
	PageSize     int        `json:"pageSize"`
	TotalPages   int64      `json:"totalPages"`
	HasMore      bool       `json:"hasMore"`
	CurrentCount int        `json:"currentCount"`
	SortField    string     `json:"sortField"`
	SortOrder    string     `json:"sortOrder"`
	Source       string     `json:"source"`
}

// ListRooms serves a page from the index, falling back to the durable tier
// on hot-tier errors or an empty (cold) cache.
func (s *Service) ListRooms(ctx context.Context, query ListQuery) (ListResult, error) {
	query.normalise()

	expression := buildSearchExpression(query)
	options := hottier.SearchOptions{
		SortBy:    query.SortField,
		SortDesc:  query.SortOrder == "desc",
		Offset:    query.Page * query.PageSize,
		Limit:     query.PageSize,
		NoContent: true,
	}

	result, err := s.hot.Search(ctx, IndexName, expression, options)
	if err != nil || result.Total == 0 {
		if err != nil {
			s.logger.Warn("room search failed, falling back to durable tier", zap.Error(err))
		}
		return s.listFromDurable(ctx, query)
	}

	rooms := make([]RoomView, 0, len(result.Docs))
	for _, doc := range result.Docs {
		raw, ok, getErr := s.hot.JsonGet(ctx, doc.Key, "$")
		if getErr != nil || !ok {
			continue
		}
		room, parseErr := parseRoomDocument(raw)
		if parseErr != nil {
			s.logger.Warn("unparseable cached room",
				zap.String("key", doc.Key),
				zap.Error(parseErr))
			continue
		}
		rooms = append(rooms, RoomView{
			Room:      room.WithoutPassword(),
			IsCreator: query.UserID != "" && room.Creator.ID == query.UserID,
		})
	}

	return s.buildListResult(rooms, result.Total, query, SourceRedis), nil
}

func (s *Service) listFromDurable(ctx context.Context, query ListQuery) (ListResult, error) {
	rooms, total, err := s.store.ListRooms(ctx, durable.ListRoomsQuery{
		Search:      query.Search,
		HasPassword: query.HasPassword,
		SortField:   query.SortField,
		SortAsc:     query.SortOrder == "asc",
		Page:        query.Page,
		PageSize:    query.PageSize,
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("roomcache: list rooms: %w", err)
	}

	views := make([]RoomView, 0, len(rooms))
	for _, room := range rooms {
		s.cacheRoom(ctx, room)
		views = append(views, RoomView{
			Room:      room.WithoutPassword(),
			IsCreator: query.UserID != "" && room.Creator.ID == query.UserID,
		})
	}
	return s.buildListResult(views, total, query, SourceMongoDB), nil
}

func (s *Service) buildListResult(rooms []RoomView, total int64, query ListQuery, source string) ListResult {
	totalPages := total / int64(query.PageSize)
	if total%int64(query.PageSize) != 0 {
		totalPages++
	}
	return ListResult{
		Rooms:        rooms,
		Total:        total,
		Page:         query.Page,
		PageSize:     query.PageSize,
		TotalPages:   totalPages,
		HasMore:      int64(query.Page+1) < totalPages,
		CurrentCount: len(rooms),
		SortField:    query.SortField,
		SortOrder:    query.SortOrder,
		Source:       source,
	}
}

func buildSearchExpression(query ListQuery) string {
	var parts []string
	if search := strings.TrimSpace(query.Search); search != "" {
		parts = append(parts, fmt.Sprintf("@name:%s*", escapeSearchToken(search)))
	}
	if query.HasPassword != nil {
		parts = append(parts, fmt.Sprintf("@hasPassword:{%t}", *query.HasPassword))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

// escapeSearchToken escapes RediSearch syntax characters in user input.
func escapeSearchToken(token string) string {
	var builder strings.Builder
	for _, r := range token {
		if strings.ContainsRune(`,.<>{}[]"':;!@#$%^&*()-+=~|/\ `, r) {
			builder.WriteRune('\\')
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func parseRoomDocument(raw string) (durable.Room, error) {
	trimmed := strings.TrimSpace(raw)
	// JSON.GET with a root path returns the document wrapped in an array.
	if strings.HasPrefix(trimmed, "[") {
		var docs []durable.Room
		if err := json.Unmarshal([]byte(trimmed), &docs); err != nil {
			return durable.Room{}, err
		}
		if len(docs) == 0 {
			return durable.Room{}, errors.New("empty document array")
		}
		return docs[0], nil
	}
	var room durable.Room
	if err := json.Unmarshal([]byte(trimmed), &room); err != nil {
		return durable.Room{}, err
	}
	return room, nil
}

func (s *Service) cacheRoom(ctx context.Context, room durable.Room) {
	if err := s.hot.JsonSet(ctx, KeyPrefix+room.ID, "$", room); err != nil {
		s.logger.Warn("room cache write failed",
			zap.String("room_id", room.ID),
			zap.Error(err))
	}
}

// GetRoom reads through the cache, loading and populating on miss.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*durable.Room, error) {
	raw, ok, err := s.hot.JsonGet(ctx, KeyPrefix+roomID, "$")
	if err == nil && ok {
		if room, parseErr := parseRoomDocument(raw); parseErr == nil {
			view := room.WithoutPassword()
			return &view, nil
		}
	}

	room, err := s.store.FindRoomByID(ctx, roomID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomcache: get room: %w", err)
	}
	s.cacheRoom(ctx, *room)
	view := room.WithoutPassword()
	return &view, nil
}

// CreateRoomRequest describes a room creation.
type CreateRoomRequest struct {
	Name      string
	CreatorID string
	Password  string
}

// CreateRoom persists the room write-through: durable first, then the cache.
// The result never carries the password.
func (s *Service) CreateRoom(ctx context.Context, request CreateRoomRequest) (*durable.Room, error) {
	name := strings.TrimSpace(request.Name)
	if name == "" {
		return nil, errors.New("roomcache: room name is required")
	}

	creator, err := s.store.FindUserByID(ctx, request.CreatorID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, fmt.Errorf("roomcache: creator not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("roomcache: creator lookup: %w", err)
	}

	id, err := durable.NewHexID()
	if err != nil {
		return nil, err
	}

	now := s.clock().UnixMilli()
	room := durable.Room{
		ID:                id,
		Name:              name,
		Creator:           creator.Snapshot(),
		Participants:      []durable.UserSnapshot{creator.Snapshot()},
		HasPassword:       request.Password != "",
		Password:          request.Password,
		ParticipantsCount: 1,
		CreatedAt:         now,
		InstanceID:        s.instanceID,
		UpdatedAt:         now,
	}

	if err := s.store.InsertRoom(ctx, &room); err != nil {
		return nil, fmt.Errorf("roomcache: create room: %w", err)
	}
	s.cacheRoom(ctx, room)

	view := room.WithoutPassword()
	return &view, nil
}

// JoinRoom verifies the password by equality against the stored value,
// appends the user to the participant set once, and rewrites the cache.
func (s *Service) JoinRoom(ctx context.Context, roomID, userID, password string) (*durable.Room, error) {
	room, err := s.store.FindRoomByID(ctx, roomID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomcache: join room: %w", err)
	}

	if room.HasPassword && room.Password != password {
		return nil, ErrPasswordMismatch
	}

	if !room.HasParticipant(userID) {
		user, userErr := s.store.FindUserByID(ctx, userID)
		if errors.Is(userErr, durable.ErrNotFound) {
			return nil, fmt.Errorf("roomcache: joining user not found: %w", userErr)
		}
		if userErr != nil {
			return nil, fmt.Errorf("roomcache: joining user lookup: %w", userErr)
		}
		now := s.clock().UnixMilli()
		if err := s.store.AddRoomParticipant(ctx, roomID, user.Snapshot(), now); err != nil {
			return nil, fmt.Errorf("roomcache: add participant: %w", err)
		}
		room.Participants = append(room.Participants, user.Snapshot())
		room.ParticipantsCount = len(room.Participants)
		room.UpdatedAt = now
	}

	s.cacheRoom(ctx, *room)
	view := room.WithoutPassword()
	return &view, nil
}

// AddParticipant appends the user to the participant set without a password
// check; the realtime layer joins sockets to rooms the user already entered.
func (s *Service) AddParticipant(ctx context.Context, roomID, userID string) (*durable.Room, error) {
	room, err := s.store.FindRoomByID(ctx, roomID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomcache: add participant: %w", err)
	}

	if !room.HasParticipant(userID) {
		user, userErr := s.store.FindUserByID(ctx, userID)
		if userErr != nil {
			return nil, fmt.Errorf("roomcache: participant lookup: %w", userErr)
		}
		now := s.clock().UnixMilli()
		if err := s.store.AddRoomParticipant(ctx, roomID, user.Snapshot(), now); err != nil {
			return nil, fmt.Errorf("roomcache: add participant: %w", err)
		}
		room.Participants = append(room.Participants, user.Snapshot())
		room.ParticipantsCount = len(room.Participants)
		room.UpdatedAt = now
	}

	s.cacheRoom(ctx, *room)
	view := room.WithoutPassword()
	return &view, nil
}

// RemoveParticipant drops the user from the participant set and rewrites
// the cached document.
func (s *Service) RemoveParticipant(ctx context.Context, roomID, userID string) (*durable.Room, error) {
	room, err := s.store.FindRoomByID(ctx, roomID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("roomcache: remove participant: %w", err)
	}

	if room.HasParticipant(userID) {
		now := s.clock().UnixMilli()
		if err := s.store.RemoveRoomParticipant(ctx, roomID, userID, now); err != nil {
			return nil, fmt.Errorf("roomcache: remove participant: %w", err)
		}
		remaining := room.Participants[:0]
		for _, participant := range room.Participants {
			if participant.ID != userID {
				remaining = append(remaining, participant)
			}
		}
		room.Participants = remaining
		room.ParticipantsCount = len(room.Participants)
		room.UpdatedAt = now
	}

	s.cacheRoom(ctx, *room)
	view := room.WithoutPassword()
	return &view, nil
}

// WarmCacheResult reports a warm-cache pass.
type WarmCacheResult struct {
	Cached int `json:"cached"`
	Total  int `json:"total"`
}

// WarmCache pre-populates the hot tier with every room.
func (s *Service) WarmCache(ctx context.Context) (WarmCacheResult, error) {
	rooms, err := s.store.AllRooms(ctx)
	if err != nil {
		return WarmCacheResult{}, fmt.Errorf("roomcache: warm cache: %w", err)
	}
	cached := 0
	for _, room := range rooms {
		if err := s.hot.JsonSet(ctx, KeyPrefix+room.ID, "$", room); err != nil {
			s.logger.Warn("warm cache write failed",
				zap.String("room_id", room.ID),
				zap.Error(err))
			continue
		}
		cached++
	}
	return WarmCacheResult{Cached: cached, Total: len(rooms)}, nil
}

// InvalidateRoom drops a cached room document, for cross-instance
// cache-invalidation events.
func (s *Service) InvalidateRoom(ctx context.Context, roomID string) error {
	return s.hot.Del(ctx, KeyPrefix+roomID)
}
