package roomcache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/hottier"
)

// fakeHot stores JSON documents and answers room searches with the same
// filter and sort semantics as the real index.
type fakeHot struct {
	mu        sync.Mutex
	docs      map[string]string
	searchErr error
	getErr    error
}

func newFakeHot() *fakeHot {
	return &fakeHot{docs: make(map[string]string)}
}

func (f *fakeHot) JsonSet(_ context.Context, key, _ string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.docs[key] = string(raw)
	f.mu.Unlock()
	return nil
}

func (f *fakeHot) JsonGet(_ context.Context, key, _ string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.docs[key]
	return raw, ok, nil
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

func (f *fakeHot) Search(_ context.Context, _, query string, options hottier.SearchOptions) (hottier.SearchResult, error) {
	if f.searchErr != nil {
		return hottier.SearchResult{}, f.searchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var rooms []durable.Room
	for key, raw := range f.docs {
		if !strings.HasPrefix(key, KeyPrefix) {
			continue
		}
		var room durable.Room
		if err := json.Unmarshal([]byte(raw), &room); err != nil {
			continue
		}
		if !matchesQuery(room, query) {
			continue
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		var less bool
		switch options.SortBy {
		case "name":
			less = rooms[i].Name < rooms[j].Name
		case "participantsCount":
			less = rooms[i].ParticipantsCount < rooms[j].ParticipantsCount
		default:
			less = rooms[i].CreatedAt < rooms[j].CreatedAt
		}
		if options.SortDesc {
			return !less
		}
		return less
	})

	total := int64(len(rooms))
	start := options.Offset
	if start > len(rooms) {
		start = len(rooms)
	}
	end := start + options.Limit
	if end > len(rooms) {
		end = len(rooms)
	}

	result := hottier.SearchResult{Total: total}
	for _, room := range rooms[start:end] {
		result.Docs = append(result.Docs, hottier.SearchDocument{Key: KeyPrefix + room.ID})
	}
	return result, nil
}

func matchesQuery(room durable.Room, query string) bool {
	if query == "*" {
		return true
	}
	for _, clause := range strings.Fields(query) {
		switch {
		case strings.HasPrefix(clause, "@name:"):
			prefix := strings.TrimSuffix(strings.TrimPrefix(clause, "@name:"), "*")
			prefix = strings.ReplaceAll(prefix, `\`, "")
			if !strings.HasPrefix(strings.ToLower(room.Name), strings.ToLower(prefix)) {
				return false
			}
		case clause == "@hasPassword:{true}":
			if !room.HasPassword {
				return false
			}
		case clause == "@hasPassword:{false}":
			if room.HasPassword {
				return false
			}
		}
	}
	return true
}

// fakeRoomStore is an in-memory durable tier for rooms and users.
type fakeRoomStore struct {
	mu       sync.Mutex
	rooms    map[string]*durable.Room
	users    map[string]*durable.User
	listErr  error
	inserted int
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{
		rooms: make(map[string]*durable.Room),
		users: make(map[string]*durable.User),
	}
}

func (f *fakeRoomStore) ListRooms(_ context.Context, query durable.ListRoomsQuery) ([]durable.Room, int64, error) {
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []durable.Room
	for _, room := range f.rooms {
		if query.Search != "" && !strings.Contains(strings.ToLower(room.Name), strings.ToLower(query.Search)) {
			continue
		}
		if query.HasPassword != nil && room.HasPassword != *query.HasPassword {
			continue
		}
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		less := rooms[i].CreatedAt < rooms[j].CreatedAt
		if !query.SortAsc {
			return !less
		}
		return less
	})
	total := int64(len(rooms))
	start := query.Page * query.PageSize
	if start > len(rooms) {
		start = len(rooms)
	}
	end := start + query.PageSize
	if end > len(rooms) {
		end = len(rooms)
	}
	return rooms[start:end], total, nil
}

func (f *fakeRoomStore) FindRoomByID(_ context.Context, id string) (*durable.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	copied := *room
	copied.Participants = append([]durable.UserSnapshot(nil), room.Participants...)
	return &copied, nil
}

func (f *fakeRoomStore) InsertRoom(_ context.Context, room *durable.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *room
	f.rooms[room.ID] = &copied
	f.inserted++
	return nil
}

func (f *fakeRoomStore) AddRoomParticipant(_ context.Context, roomID string, participant durable.UserSnapshot, at int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil
	}
	for _, existing := range room.Participants {
		if existing.ID == participant.ID {
			return nil
		}
	}
	room.Participants = append(room.Participants, participant)
	room.ParticipantsCount = len(room.Participants)
	room.UpdatedAt = at
	return nil
}

func (f *fakeRoomStore) RemoveRoomParticipant(_ context.Context, roomID, userID string, at int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[roomID]
	if !ok {
		return nil
	}
	remaining := room.Participants[:0]
	for _, participant := range room.Participants {
		if participant.ID != userID {
			remaining = append(remaining, participant)
		}
	}
	room.Participants = remaining
	room.ParticipantsCount = len(room.Participants)
	room.UpdatedAt = at
	return nil
}

func (f *fakeRoomStore) AllRooms(context.Context) ([]durable.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rooms := make([]durable.Room, 0, len(f.rooms))
	for _, room := range f.rooms {
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

func (f *fakeRoomStore) FindUserByID(_ context.Context, id string) (*durable.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return nil, durable.ErrNotFound
	}
	return user, nil
}

func newTestService(t *testing.T) (*Service, *fakeHot, *fakeRoomStore) {
	t.Helper()
	hot := newFakeHot()
	store := newFakeRoomStore()
	store.users["u1"] = &durable.User{ID: "u1", Name: "Alice", Email: "alice@example.com"}
	store.users["u2"] = &durable.User{ID: "u2", Name: "Bob", Email: "bob@example.com"}

	service, err := NewService(ServiceConfig{
		Hot:        hot,
		Store:      store,
		InstanceID: "instance-a",
		Clock:      func() time.Time { return time.UnixMilli(1700000000000) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return service, hot, store
}

func TestCreateRoomWritesThrough(t *testing.T) {
	service, hot, store := newTestService(t)
	ctx := context.Background()

	room, err := service.CreateRoom(ctx, CreateRoomRequest{Name: " Alpha ", CreatorID: "u1", Password: "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.Name != "Alpha" {
		t.Fatalf("name should be trimmed, got %q", room.Name)
	}
	if room.Password != "" {
		t.Fatalf("create result must omit the password")
	}
	if !room.HasPassword {
		t.Fatalf("hasPassword must reflect the stored password")
	}
	if len(room.Participants) != 1 || room.Participants[0].ID != "u1" {
		t.Fatalf("creator must be the sole participant, got %v", room.Participants)
	}
	if store.inserted != 1 {
		t.Fatalf("room must be persisted durably")
	}
	if _, ok := hot.docs[KeyPrefix+room.ID]; !ok {
		t.Fatalf("room must be written to the hot tier")
	}
	// The cached document keeps the password for join verification.
	if !strings.Contains(hot.docs[KeyPrefix+room.ID], `"password":"secret"`) {
		t.Fatalf("cached document should retain the stored password")
	}
}

func TestGetRoomReadThrough(t *testing.T) {
	service, hot, store := newTestService(t)
	ctx := context.Background()

	store.rooms["r1"] = &durable.Room{ID: "r1", Name: "Beta", Creator: durable.UserSnapshot{ID: "u1"}, Participants: []durable.UserSnapshot{{ID: "u1"}}, ParticipantsCount: 1, CreatedAt: 5}

	room, err := service.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.Name != "Beta" {
		t.Fatalf("unexpected room %+v", room)
	}
	if _, ok := hot.docs[KeyPrefix+"r1"]; !ok {
		t.Fatalf("miss should populate the cache")
	}

	if _, err := service.GetRoom(ctx, "missing"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestJoinRoomPasswordGate(t *testing.T) {
	service, _, store := newTestService(t)
	ctx := context.Background()

	store.rooms["r1"] = &durable.Room{
		ID: "r1", Name: "Gated", HasPassword: true, Password: "x",
		Creator: durable.UserSnapshot{ID: "u1"}, Participants: []durable.UserSnapshot{{ID: "u1"}}, ParticipantsCount: 1,
	}

	if _, err := service.JoinRoom(ctx, "r1", "u2", "y"); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected password mismatch, got %v", err)
	}

	room, err := service.JoinRoom(ctx, "r1", "u2", "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !room.HasParticipant("u2") {
		t.Fatalf("joiner must be a participant, got %v", room.Participants)
	}
	if room.Password != "" {
		t.Fatalf("join result must omit the password")
	}

	// Rejoin is idempotent.
	again, err := service.JoinRoom(ctx, "r1", "u2", "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again.Participants) != 2 {
		t.Fatalf("participants must stay unique, got %v", again.Participants)
	}
}

func TestListRoomsFromCache(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	for i, name := range []string{"Alpha", "Beta", "Gamma"} {
		if _, err := service.CreateRoom(ctx, CreateRoomRequest{Name: name, CreatorID: "u1"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_ = i
	}

	result, err := service.ListRooms(ctx, ListQuery{PageSize: 2, UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != SourceRedis {
		t.Fatalf("expected redis source, got %q", result.Source)
	}
	if result.Total != 3 || result.CurrentCount != 2 {
		t.Fatalf("unexpected paging %+v", result)
	}
	if !result.HasMore || result.TotalPages != 2 {
		t.Fatalf("unexpected page math %+v", result)
	}
	for _, room := range result.Rooms {
		if !room.IsCreator {
			t.Fatalf("u1 created every room, got %+v", room)
		}
		if room.Password != "" {
			t.Fatalf("listing must omit passwords")
		}
	}
}

func TestListRoomsFallsBackToDurable(t *testing.T) {
	service, hot, store := newTestService(t)
	ctx := context.Background()

	store.rooms["r1"] = &durable.Room{ID: "r1", Name: "Solo", Creator: durable.UserSnapshot{ID: "u2"}, CreatedAt: 9}
	hot.searchErr = errors.New("index offline")

	result, err := service.ListRooms(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Source != SourceMongoDB {
		t.Fatalf("expected mongodb source, got %q", result.Source)
	}
	if result.Total != 1 || len(result.Rooms) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	// Fallback repopulates the cache.
	if _, ok := hot.docs[KeyPrefix+"r1"]; !ok {
		t.Fatalf("fallback should cache fetched rooms")
	}
}

func TestListRoomsClampsPageSize(t *testing.T) {
	service, _, _ := newTestService(t)
	result, err := service.ListRooms(context.Background(), ListQuery{PageSize: 500})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.PageSize != maxPageSize {
		t.Fatalf("page size must clamp to %d, got %d", maxPageSize, result.PageSize)
	}
}

func TestAddAndRemoveParticipant(t *testing.T) {
	service, _, store := newTestService(t)
	ctx := context.Background()

	store.rooms["r1"] = &durable.Room{
		ID: "r1", Name: "Open",
		Creator: durable.UserSnapshot{ID: "u1"}, Participants: []durable.UserSnapshot{{ID: "u1"}}, ParticipantsCount: 1,
	}

	room, err := service.AddParticipant(ctx, "r1", "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !room.HasParticipant("u2") || room.ParticipantsCount != 2 {
		t.Fatalf("unexpected room %+v", room)
	}

	// Adding twice stays unique.
	room, err = service.AddParticipant(ctx, "r1", "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.ParticipantsCount != 2 {
		t.Fatalf("participants must stay unique, got %d", room.ParticipantsCount)
	}

	room, err = service.RemoveParticipant(ctx, "r1", "u2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.HasParticipant("u2") || room.ParticipantsCount != 1 {
		t.Fatalf("unexpected room after removal %+v", room)
	}
}

func TestWarmCache(t *testing.T) {
	service, hot, store := newTestService(t)
	ctx := context.Background()

	store.rooms["r1"] = &durable.Room{ID: "r1", Name: "One"}
	store.rooms["r2"] = &durable.Room{ID: "r2", Name: "Two"}

	result, err := service.WarmCache(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Cached != 2 || result.Total != 2 {
		t.Fatalf("unexpected warm result %+v", result)
	}
	if len(hot.docs) != 2 {
		t.Fatalf("expected 2 cached rooms, got %d", len(hot.docs))
	}
}
