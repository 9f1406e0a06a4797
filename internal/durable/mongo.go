package durable

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	collectionRooms    = "rooms"
	collectionMessages = "messages"
	collectionUsers    = "users"

	defaultConnectTimeout = 10 * time.Second
)

var ErrNotFound = errors.New("durable: document not found")

// Store wraps the durable-tier database handle and its collections.
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	rooms    *mongo.Collection
	messages *mongo.Collection
	users    *mongo.Collection
	logger   *zap.Logger
}

// Connect opens a durable-tier connection and verifies it with a ping.
func Connect(ctx context.Context, uri string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("durable: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("durable: ping: %w", err)
	}

	database := client.Database(databaseNameFromURI(uri))
	return &Store{
		client:   client,
		database: database,
		rooms:    database.Collection(collectionRooms),
		messages: database.Collection(collectionMessages),
		users:    database.Collection(collectionUsers),
		logger:   logger,
	}, nil
}

func databaseNameFromURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "wavechat"
	}
	name := strings.TrimPrefix(parsed.Path, "/")
	if name == "" {
		return "wavechat"
	}
	return name
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Client exposes the raw handle for change-stream consumers.
func (s *Store) Client() *mongo.Client {
	return s.client
}

// Ping verifies connectivity for the health surface.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// --- messages ---

// UpsertMessage replaces the message document by id, treating duplicate-key
// races as success so retried sync events stay idempotent.
func (s *Store) UpsertMessage(ctx context.Context, message *Message) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.messages.ReplaceOne(ctx, bson.M{"_id": message.ID}, message, opts); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("durable: upsert message: %w", err)
	}
	return nil
}

// UpdateMessageFields applies a $set of arbitrary fields to a message.
func (s *Store) UpdateMessageFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if _, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": fields}); err != nil {
		return fmt.Errorf("durable: update message: %w", err)
	}
	return nil
}

// MarkMessageRead appends a read receipt only when the user has none yet.
func (s *Store) MarkMessageRead(ctx context.Context, id, userID string, readAt int64) error {
	filter := bson.M{"_id": id, "readers.userId": bson.M{"$ne": userID}}
	update := bson.M{"$push": bson.M{"readers": bson.M{"userId": userID, "readAt": readAt}}}
	if _, err := s.messages.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("durable: mark read: %w", err)
	}
	return nil
}

// AddMessageReaction adds the user to the emoji bucket as a set member.
func (s *Store) AddMessageReaction(ctx context.Context, id, emoji, userID string) error {
	update := bson.M{"$addToSet": bson.M{"reactions." + emoji: userID}}
	if _, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("durable: add reaction: %w", err)
	}
	return nil
}

// RemoveMessageReaction pulls the user from the emoji bucket and drops the
// bucket once empty.
func (s *Store) RemoveMessageReaction(ctx context.Context, id, emoji, userID string) error {
	field := "reactions." + emoji
	if _, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$pull": bson.M{field: userID}}); err != nil {
		return fmt.Errorf("durable: remove reaction: %w", err)
	}
	cleanup := bson.M{"_id": id, field: bson.M{"$size": 0}}
	if _, err := s.messages.UpdateOne(ctx, cleanup, bson.M{"$unset": bson.M{field: ""}}); err != nil {
		return fmt.Errorf("durable: remove reaction cleanup: %w", err)
	}
	return nil
}

// SoftDeleteMessage marks the message deleted without removing it.
func (s *Store) SoftDeleteMessage(ctx context.Context, id string, deletedAt int64) error {
	update := bson.M{"$set": bson.M{"isDeleted": true, "deletedAt": deletedAt}}
	if _, err := s.messages.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("durable: delete message: %w", err)
	}
	return nil
}

// FindMessageByID returns a single message regardless of deletion state.
func (s *Store) FindMessageByID(ctx context.Context, id string) (*Message, error) {
	var message Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&message)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: find message: %w", err)
	}
	return &message, nil
}

// FindMessagesByRoom pages non-deleted messages newest-first. A zero
// beforeTimestamp means the newest page.
func (s *Store) FindMessagesByRoom(ctx context.Context, roomID string, beforeTimestamp int64, limit int64) ([]Message, error) {
	filter := bson.M{"room": roomID, "isDeleted": false}
	if beforeTimestamp > 0 {
		filter["timestamp"] = bson.M{"$lt": beforeTimestamp}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("durable: find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("durable: decode messages: %w", err)
	}
	return messages, nil
}

// FindMessageByFilename locates the owning message of an uploaded file.
func (s *Store) FindMessageByFilename(ctx context.Context, filename string) (*Message, error) {
	var message Message
	err := s.messages.FindOne(ctx, bson.M{"file.filename": filename}).Decode(&message)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: find message by filename: %w", err)
	}
	return &message, nil
}

// RecentMessagesExcludingInstance lists messages written by other instances
// since the given timestamp, for replication initial sync.
func (s *Store) RecentMessagesExcludingInstance(ctx context.Context, since int64, instanceID string) ([]Message, error) {
	filter := bson.M{
		"timestamp":  bson.M{"$gte": since},
		"instanceId": bson.M{"$ne": instanceID},
	}
	cursor, err := s.messages.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("durable: recent messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("durable: decode recent messages: %w", err)
	}
	return messages, nil
}

// ActiveRoomIDs returns the distinct rooms with any message since the given
// timestamp.
func (s *Store) ActiveRoomIDs(ctx context.Context, since int64) ([]string, error) {
	raw, err := s.messages.Distinct(ctx, "room", bson.M{"timestamp": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("durable: active rooms: %w", err)
	}
	ids := make([]string, 0, len(raw))
	for _, value := range raw {
		if id, ok := value.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- rooms ---

// ListRoomsQuery is the durable-tier equivalent of the hot-tier room search.
type ListRoomsQuery struct {
	Search      string
	HasPassword *bool
	SortField   string
	SortAsc     bool
	Page        int
	PageSize    int
}

// ListRooms pages rooms with the same filter semantics as the index search.
func (s *Store) ListRooms(ctx context.Context, query ListRoomsQuery) ([]Room, int64, error) {
	filter := bson.M{}
	if query.Search != "" {
		filter["name"] = bson.M{"$regex": query.Search, "$options": "i"}
	}
	if query.HasPassword != nil {
		filter["hasPassword"] = *query.HasPassword
	}

	total, err := s.rooms.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("durable: count rooms: %w", err)
	}

	direction := -1
	if query.SortAsc {
		direction = 1
	}
	sortField := query.SortField
	if sortField == "" {
		sortField = "createdAt"
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortField, Value: direction}}).
		SetSkip(int64(query.Page * query.PageSize)).
		SetLimit(int64(query.PageSize))

	cursor, err := s.rooms.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("durable: find rooms: %w", err)
	}
	defer cursor.Close(ctx)

	var rooms []Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, 0, fmt.Errorf("durable: decode rooms: %w", err)
	}
	return rooms, total, nil
}

// FindRoomByID returns the full room document, password included.
func (s *Store) FindRoomByID(ctx context.Context, id string) (*Room, error) {
	var room Room
	err := s.rooms.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: find room: %w", err)
	}
	return &room, nil
}

// InsertRoom persists a new room document.
func (s *Store) InsertRoom(ctx context.Context, room *Room) error {
	if _, err := s.rooms.InsertOne(ctx, room); err != nil {
		return fmt.Errorf("durable: insert room: %w", err)
	}
	return nil
}

// SaveRoom replaces the room document by id.
func (s *Store) SaveRoom(ctx context.Context, room *Room) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.rooms.ReplaceOne(ctx, bson.M{"_id": room.ID}, room, opts); err != nil {
		return fmt.Errorf("durable: save room: %w", err)
	}
	return nil
}

// AddRoomParticipant appends the user once and bumps the derived count.
func (s *Store) AddRoomParticipant(ctx context.Context, roomID string, participant UserSnapshot, at int64) error {
	filter := bson.M{"_id": roomID, "participants._id": bson.M{"$ne": participant.ID}}
	update := bson.M{
		"$push": bson.M{"participants": participant},
		"$inc":  bson.M{"participantsCount": 1},
		"$set":  bson.M{"updatedAt": at},
	}
	if _, err := s.rooms.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("durable: add participant: %w", err)
	}
	return nil
}

// RemoveRoomParticipant pulls the user and decrements the derived count.
func (s *Store) RemoveRoomParticipant(ctx context.Context, roomID, userID string, at int64) error {
	filter := bson.M{"_id": roomID, "participants._id": userID}
	update := bson.M{
		"$pull": bson.M{"participants": bson.M{"_id": userID}},
		"$inc":  bson.M{"participantsCount": -1},
		"$set":  bson.M{"updatedAt": at},
	}
	if _, err := s.rooms.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("durable: remove participant: %w", err)
	}
	return nil
}

// DeleteRoom removes the room document only; messages are retained.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.rooms.DeleteOne(ctx, bson.M{"_id": roomID}); err != nil {
		return fmt.Errorf("durable: delete room: %w", err)
	}
	return nil
}

// AllRooms streams every room for cache warming.
func (s *Store) AllRooms(ctx context.Context) ([]Room, error) {
	cursor, err := s.rooms.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("durable: all rooms: %w", err)
	}
	defer cursor.Close(ctx)

	var rooms []Room
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, fmt.Errorf("durable: decode all rooms: %w", err)
	}
	return rooms, nil
}

// --- users ---

// FindUserByID returns the externally-owned user document.
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: find user: %w", err)
	}
	return &user, nil
}

// UpdateUserProfileImage is the only user mutation owned by the core.
func (s *Store) UpdateUserProfileImage(ctx context.Context, id, profileImage string) error {
	update := bson.M{"$set": bson.M{"profileImage": profileImage}}
	if _, err := s.users.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("durable: update profile image: %w", err)
	}
	return nil
}

// --- replication support ---

// Watch opens a change stream on one of the replicated collections,
// filtered to mutations originated by other instances.
func (s *Store) Watch(ctx context.Context, collection, selfInstanceID string) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"operationType":           bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
			"fullDocument.instanceId": bson.M{"$ne": selfInstanceID},
		}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.database.Collection(collection).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("durable: watch %s: %w", collection, err)
	}
	return stream, nil
}

// UpsertRaw replaces an arbitrary replicated document by id.
func (s *Store) UpsertRaw(ctx context.Context, collection string, id interface{}, document bson.M) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.database.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, document, opts); err != nil {
		return fmt.Errorf("durable: upsert raw %s: %w", collection, err)
	}
	return nil
}

// FindRawByID fetches an arbitrary document for conflict resolution.
func (s *Store) FindRawByID(ctx context.Context, collection string, id interface{}) (bson.M, error) {
	var document bson.M
	err := s.database.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable: find raw %s: %w", collection, err)
	}
	return document, nil
}

// DeleteRawByID removes an arbitrary replicated document.
func (s *Store) DeleteRawByID(ctx context.Context, collection string, id interface{}) error {
	if _, err := s.database.Collection(collection).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("durable: delete raw %s: %w", collection, err)
	}
	return nil
}
