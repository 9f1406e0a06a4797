package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/ai"
	"github.com/wavechat/backend/internal/auth"
	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/messagecache"
)

const (
	defaultDuplicateGrace = 10 * time.Second
	defaultLoadTimeout    = 10 * time.Second
	loadMaxRetries        = 3
	loadRetryBase         = 2 * time.Second
	loadRetryCap          = 10 * time.Second

	participantsCacheTTL = 5 * time.Minute

	historyPageSize = 30

	systemJoinSuffix       = "님이 입장하였습니다."
	systemLeaveSuffix      = "님이 퇴장하였습니다."
	systemDisconnectSuffix = "님이 연결이 끊어졌습니다."

	disconnectReasonClient    = "client namespace disconnect"
	disconnectReasonDuplicate = "duplicate_login"
)

// roomService is the room-cache surface the hub drives.
type roomService interface {
	GetRoom(ctx context.Context, roomID string) (*durable.Room, error)
	AddParticipant(ctx context.Context, roomID, userID string) (*durable.Room, error)
	RemoveParticipant(ctx context.Context, roomID, userID string) (*durable.Room, error)
}

// messageService is the message-cache surface the hub drives.
type messageService interface {
	CreateMessage(ctx context.Context, request messagecache.CreateMessageRequest) (*durable.Message, error)
	GetMessagesByRoom(ctx context.Context, roomID string, beforeTimestamp int64, limit int) (messagecache.HistoryResult, error)
	MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error)
	AddReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error)
	RemoveReaction(ctx context.Context, messageID, emoji, userID string) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*durable.Message, error)
	WarmCacheForRoom(ctx context.Context, roomID string, limit int) (int, error)
}

// userDirectory resolves authenticated users.
type userDirectory interface {
	FindUserByID(ctx context.Context, id string) (*durable.User, error)
}

// tokenValidator checks handshake tokens.
type tokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Hub authenticates realtime sessions, enforces at-most-one session per
// user, routes chat events, and fans server events out to room members.
type Hub struct {
	rooms    roomService
	messages messageService
	users    userDirectory
	tokens   tokenValidator
	sessions auth.SessionService
	aiSvc    ai.Service
	logger   *zap.Logger
	clock    func() time.Time

	duplicateGrace time.Duration
	loadTimeout    time.Duration
	retryDelay     func(attempt int) time.Duration

	mu             sync.RWMutex
	connectedUsers map[string]*Session
	connectedRooms map[string]string
	roomSessions   map[string]map[*Session]bool
	draining       bool

	guardMu      sync.Mutex
	loadGuard    map[string]bool
	loadRetries  map[string]int
	participants map[string]participantsEntry

	streamsMu sync.Mutex
	streams   map[string]*StreamingSession
}

type participantsEntry struct {
	participants []durable.UserSnapshot
	cachedAt     time.Time
}

// Config wires the hub's collaborators.
type Config struct {
	Rooms          roomService
	Messages       messageService
	Users          userDirectory
	Tokens         tokenValidator
	Sessions       auth.SessionService
	AI             ai.Service
	DuplicateGrace time.Duration
	LoadTimeout    time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// New constructs the hub.
func New(cfg Config) (*Hub, error) {
	if cfg.Rooms == nil || cfg.Messages == nil || cfg.Users == nil || cfg.Tokens == nil {
		return nil, errors.New("hub: rooms, messages, users and tokens are required")
	}
	grace := cfg.DuplicateGrace
	if grace <= 0 {
		grace = defaultDuplicateGrace
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:          cfg.Rooms,
		messages:       cfg.Messages,
		users:          cfg.Users,
		tokens:         cfg.Tokens,
		sessions:       cfg.Sessions,
		aiSvc:          cfg.AI,
		logger:         logger,
		clock:          clock,
		duplicateGrace: grace,
		loadTimeout:    loadTimeout,
		retryDelay: func(attempt int) time.Duration {
			delay := loadRetryBase << attempt
			if delay > loadRetryCap {
				delay = loadRetryCap
			}
			return delay
		},
		connectedUsers: make(map[string]*Session),
		connectedRooms: make(map[string]string),
		roomSessions:   make(map[string]map[*Session]bool),
		loadGuard:      make(map[string]bool),
		loadRetries:    make(map[string]int),
		participants:   make(map[string]participantsEntry),
		streams:        make(map[string]*StreamingSession),
	}, nil
}

// SetDraining toggles drain mode; a draining hub rejects new sessions.
func (h *Hub) SetDraining(draining bool) {
	h.mu.Lock()
	h.draining = draining
	h.mu.Unlock()
}

// Draining reports drain mode.
func (h *Hub) Draining() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.draining
}

// ActiveSessions counts live sessions for the load surface.
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connectedUsers)
}

var errDraining = errors.New("hub: instance is draining")

// Authenticate validates the handshake and registers the session,
// evicting any previous session for the same user after the grace period.
func (h *Hub) Authenticate(ctx context.Context, token, sessionID, ipAddress, deviceInfo string) (*Session, error) {
	if h.Draining() {
		return nil, errDraining
	}

	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if h.sessions != nil {
		if err := h.sessions.ValidateSession(ctx, userID, sessionID); err != nil {
			return nil, auth.ErrInvalidSession
		}
	}
	user, err := h.users.FindUserByID(ctx, userID)
	if errors.Is(err, durable.ErrNotFound) {
		return nil, auth.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	session := newSession(h, user.Snapshot(), sessionID, ipAddress, deviceInfo)

	h.mu.Lock()
	previous := h.connectedUsers[userID]
	h.connectedUsers[userID] = session
	h.mu.Unlock()

	if previous != nil && previous != session {
		go h.evictDuplicate(previous)
	}
	h.logger.Info("session authenticated",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID))
	return session, nil
}

func (h *Hub) evictDuplicate(old *Session) {
	old.emit(EventDuplicateLogin, duplicateLoginPayload{
		DeviceInfo: old.deviceInfo,
		IPAddress:  old.ipAddress,
		Timestamp:  h.clock().UnixMilli(),
	})
	select {
	case <-time.After(h.duplicateGrace):
	case <-old.done:
		return
	}
	old.emit(EventSessionEnded, sessionEndedPayload{Reason: "duplicate_login"})
	old.evictReason = disconnectReasonDuplicate
	old.Close()
	h.Disconnect(old, disconnectReasonDuplicate)
}

// HandleFrame dispatches one inbound event from a session.
func (h *Hub) HandleFrame(ctx context.Context, session *Session, frame Frame) {
	switch frame.Event {
	case EventJoinRoom:
		var request joinRoomRequest
		if decodeInto(frame.Data, &request) {
			h.handleJoinRoom(ctx, session, request.RoomID)
		}
	case EventLeaveRoom:
		var request leaveRoomRequest
		if decodeInto(frame.Data, &request) {
			h.handleLeaveRoom(ctx, session, request.RoomID)
		}
	case EventFetchPreviousMessages:
		var request fetchPreviousRequest
		if decodeInto(frame.Data, &request) {
			h.handleFetchPrevious(ctx, session, request)
		}
	case EventChatMessage:
		var request chatMessageRequest
		if decodeInto(frame.Data, &request) {
			h.handleChatMessage(ctx, session, request)
		}
	case EventMarkMessagesAsRead:
		var request markAsReadRequest
		if decodeInto(frame.Data, &request) {
			h.handleMarkAsRead(ctx, session, request)
		}
	case EventMessageReaction:
		var request messageReactionRequest
		if decodeInto(frame.Data, &request) {
			h.handleReaction(ctx, session, request)
		}
	case EventForceLogin:
		var request forceLoginRequest
		if decodeInto(frame.Data, &request) {
			h.handleForceLogin(session, request)
		}
	default:
		session.emit(EventError, errorPayload{Message: fmt.Sprintf("unknown event %q", frame.Event)})
	}
}

func decodeInto(data []byte, target interface{}) bool {
	if len(data) == 0 {
		return false
	}
	return json.Unmarshal(data, target) == nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, session *Session, roomID string) {
	if roomID == "" {
		session.emit(EventJoinRoomError, errorPayload{Message: "roomId is required"})
		return
	}
	userID := session.user.ID

	h.mu.RLock()
	current := h.connectedRooms[userID]
	h.mu.RUnlock()

	if current == roomID {
		h.replyJoinSuccess(ctx, session, roomID)
		return
	}
	if current != "" {
		h.broadcastToRoom(current, EventUserLeft, userLeftPayload{
			RoomID: current,
			UserID: userID,
			Name:   session.user.Name,
		}, session)
		h.leaveRoomState(session, current)
	}

	room, err := h.rooms.AddParticipant(ctx, roomID, userID)
	if err != nil {
		h.logger.Warn("join failed",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Error(err))
		session.emit(EventJoinRoomError, errorPayload{Message: "채팅방 입장에 실패했습니다."})
		return
	}

	h.mu.Lock()
	h.connectedRooms[userID] = roomID
	if h.roomSessions[roomID] == nil {
		h.roomSessions[roomID] = make(map[*Session]bool)
	}
	h.roomSessions[roomID][session] = true
	h.mu.Unlock()
	h.cacheParticipants(roomID, room.Participants)

	systemMessage := h.persistSystemMessage(ctx, roomID, session.user.Name+systemJoinSuffix)

	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
		defer cancel()
		if _, err := h.messages.WarmCacheForRoom(warmCtx, roomID, historyPageSize); err != nil {
			h.logger.Warn("warm cache failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}()

	history, err := h.messages.GetMessagesByRoom(ctx, roomID, 0, historyPageSize)
	if err != nil {
		h.logger.Warn("history load failed on join",
			zap.String("room_id", roomID),
			zap.Error(err))
		history = messagecache.HistoryResult{Messages: []durable.Message{}}
	}

	session.emit(EventJoinRoomSuccess, joinRoomSuccessPayload{
		RoomID:          roomID,
		Participants:    room.Participants,
		Messages:        history.Messages,
		HasMore:         history.HasMore,
		OldestTimestamp: history.OldestTimestamp,
		ActiveStreams:   h.ActiveStreamsForRoom(roomID),
	})

	if systemMessage != nil {
		h.broadcastToRoom(roomID, EventMessage, systemMessage, nil)
	}
	h.broadcastToRoom(roomID, EventParticipantsUpdate, participantsUpdatePayload{
		RoomID:       roomID,
		Participants: room.Participants,
	}, nil)
}

func (h *Hub) replyJoinSuccess(ctx context.Context, session *Session, roomID string) {
	participants, ok := h.cachedParticipants(roomID)
	if !ok {
		room, err := h.rooms.GetRoom(ctx, roomID)
		if err != nil {
			session.emit(EventJoinRoomError, errorPayload{Message: "채팅방 입장에 실패했습니다."})
			return
		}
		participants = room.Participants
		h.cacheParticipants(roomID, participants)
	}
	history, err := h.messages.GetMessagesByRoom(ctx, roomID, 0, historyPageSize)
	if err != nil {
		history = messagecache.HistoryResult{Messages: []durable.Message{}}
	}
	session.emit(EventJoinRoomSuccess, joinRoomSuccessPayload{
		RoomID:          roomID,
		Participants:    participants,
		Messages:        history.Messages,
		HasMore:         history.HasMore,
		OldestTimestamp: history.OldestTimestamp,
		ActiveStreams:   h.ActiveStreamsForRoom(roomID),
	})
}

func (h *Hub) persistSystemMessage(ctx context.Context, roomID, content string) *durable.Message {
	message, err := h.messages.CreateMessage(ctx, messagecache.CreateMessageRequest{
		Room:    roomID,
		Sender:  durable.UserSnapshot{ID: "system", Name: "system"},
		Type:    durable.MessageTypeSystem,
		Content: content,
	})
	if err != nil {
		h.logger.Warn("system message persist failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		return nil
	}
	return message
}

func (h *Hub) handleLeaveRoom(ctx context.Context, session *Session, roomID string) {
	userID := session.user.ID

	h.mu.RLock()
	current := h.connectedRooms[userID]
	h.mu.RUnlock()
	if current != roomID || roomID == "" {
		return
	}

	h.leaveRoomState(session, roomID)
	h.cancelStreamsOwnedBy(roomID, userID)
	h.clearLoadState(roomID, userID)

	room, err := h.rooms.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		h.logger.Warn("leave failed",
			zap.String("room_id", roomID),
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}
	h.cacheParticipants(roomID, room.Participants)

	if systemMessage := h.persistSystemMessage(ctx, roomID, session.user.Name+systemLeaveSuffix); systemMessage != nil {
		h.broadcastToRoom(roomID, EventMessage, systemMessage, nil)
	}
	h.broadcastToRoom(roomID, EventParticipantsUpdate, participantsUpdatePayload{
		RoomID:       roomID,
		Participants: room.Participants,
	}, nil)
}

func (h *Hub) leaveRoomState(session *Session, roomID string) {
	h.mu.Lock()
	if h.connectedRooms[session.user.ID] == roomID {
		delete(h.connectedRooms, session.user.ID)
	}
	if members, ok := h.roomSessions[roomID]; ok {
		delete(members, session)
		if len(members) == 0 {
			delete(h.roomSessions, roomID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleChatMessage(ctx context.Context, session *Session, request chatMessageRequest) {
	userID := session.user.ID

	h.mu.RLock()
	current := h.connectedRooms[userID]
	h.mu.RUnlock()
	if current == "" || current != request.Room {
		session.emit(EventError, errorPayload{Message: "채팅방 입장이 필요합니다."})
		return
	}

	messageType := durable.MessageType(request.Type)
	var file *durable.FileDescriptor
	content := request.Content

	switch messageType {
	case durable.MessageTypeFile:
		fileData := request.FileData
		if fileData == nil || fileData.Filename == "" || fileData.OriginalName == "" ||
			fileData.MimeType == "" || fileData.Size <= 0 ||
			fileData.S3URL == "" || fileData.S3Key == "" || fileData.S3Bucket == "" {
			session.emit(EventError, errorPayload{Message: "파일 정보가 올바르지 않습니다."})
			return
		}
		file = &durable.FileDescriptor{
			Filename:     fileData.Filename,
			OriginalName: fileData.OriginalName,
			MimeType:     fileData.MimeType,
			Size:         fileData.Size,
			S3URL:        fileData.S3URL,
			S3Key:        fileData.S3Key,
			S3Bucket:     fileData.S3Bucket,
			UploadedAt:   h.clock().UnixMilli(),
		}
	case durable.MessageTypeText:
		content = trimContent(content)
		if content == "" {
			return
		}
	default:
		session.emit(EventError, errorPayload{Message: fmt.Sprintf("unsupported message type %q", request.Type)})
		return
	}

	mentions := ai.ExtractMentions(content)
	message, err := h.messages.CreateMessage(ctx, messagecache.CreateMessageRequest{
		Room:     request.Room,
		Sender:   session.user,
		Type:     messageType,
		Content:  content,
		File:     file,
		Mentions: mentions,
	})
	if err != nil {
		h.logger.Warn("message create failed",
			zap.String("room_id", request.Room),
			zap.Error(err))
		session.emit(EventError, errorPayload{Message: "메시지 전송에 실패했습니다."})
		return
	}

	h.broadcastToRoom(request.Room, EventMessage, message, nil)

	for _, aiType := range mentions {
		h.startAIStream(session, request.Room, aiType, content)
	}
}

func (h *Hub) handleFetchPrevious(ctx context.Context, session *Session, request fetchPreviousRequest) {
	userID := session.user.ID

	h.mu.RLock()
	current := h.connectedRooms[userID]
	h.mu.RUnlock()
	if current != request.RoomID {
		session.emit(EventError, errorPayload{Message: "채팅방 입장이 필요합니다."})
		return
	}

	guardKey := request.RoomID + "|" + userID
	h.guardMu.Lock()
	if h.loadGuard[guardKey] {
		h.guardMu.Unlock()
		return
	}
	h.loadGuard[guardKey] = true
	h.guardMu.Unlock()
	defer func() {
		h.guardMu.Lock()
		delete(h.loadGuard, guardKey)
		h.guardMu.Unlock()
	}()

	session.emit(EventMessageLoadStart, map[string]string{"roomId": request.RoomID})

	loadCtx, cancel := context.WithTimeout(ctx, h.loadTimeout)
	defer cancel()

	var history messagecache.HistoryResult
	var err error
	for attempt := 0; ; attempt++ {
		history, err = h.messages.GetMessagesByRoom(loadCtx, request.RoomID, request.Before, historyPageSize)
		if err == nil {
			break
		}
		h.guardMu.Lock()
		h.loadRetries[guardKey]++
		exhausted := h.loadRetries[guardKey] > loadMaxRetries
		h.guardMu.Unlock()
		if exhausted || attempt >= loadMaxRetries || loadCtx.Err() != nil {
			session.emit(EventError, errorPayload{Message: "이전 메시지를 불러오지 못했습니다."})
			return
		}
		select {
		case <-loadCtx.Done():
			session.emit(EventError, errorPayload{Message: "이전 메시지를 불러오지 못했습니다."})
			return
		case <-time.After(h.retryDelay(attempt)):
		}
	}

	// Successful loads reset the per-(room,user) retry budget so transient
	// failures never lock a user out permanently.
	h.guardMu.Lock()
	delete(h.loadRetries, guardKey)
	h.guardMu.Unlock()

	session.emit(EventPreviousMessagesLoaded, previousMessagesPayload{
		RoomID:          request.RoomID,
		Messages:        history.Messages,
		HasMore:         history.HasMore,
		OldestTimestamp: history.OldestTimestamp,
	})
}

func (h *Hub) handleMarkAsRead(ctx context.Context, session *Session, request markAsReadRequest) {
	if len(request.MessageIDs) == 0 {
		return
	}
	updated, err := h.messages.MarkAsRead(ctx, request.MessageIDs, session.user.ID)
	if err != nil {
		h.logger.Warn("mark-as-read failed",
			zap.String("room_id", request.RoomID),
			zap.Error(err))
		return
	}
	if len(updated) == 0 {
		return
	}
	h.broadcastToRoom(request.RoomID, EventMessagesRead, messagesReadPayload{
		UserID:     session.user.ID,
		MessageIDs: updated,
	}, session)
}

func (h *Hub) handleReaction(ctx context.Context, session *Session, request messageReactionRequest) {
	var err error
	switch request.Type {
	case "add":
		_, err = h.messages.AddReaction(ctx, request.MessageID, request.Reaction, session.user.ID)
	case "remove":
		_, err = h.messages.RemoveReaction(ctx, request.MessageID, request.Reaction, session.user.ID)
	default:
		session.emit(EventError, errorPayload{Message: fmt.Sprintf("unknown reaction type %q", request.Type)})
		return
	}
	if err != nil {
		h.logger.Warn("reaction failed",
			zap.String("message_id", request.MessageID),
			zap.Error(err))
		session.emit(EventError, errorPayload{Message: "리액션 처리에 실패했습니다."})
		return
	}

	message, err := h.messages.GetMessage(ctx, request.MessageID)
	if err != nil {
		return
	}
	reactions := message.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	h.broadcastToRoom(message.Room, EventMessageReactionUpdate, reactionUpdatePayload{
		MessageID: request.MessageID,
		Reactions: reactions,
	}, nil)
}

func (h *Hub) handleForceLogin(session *Session, request forceLoginRequest) {
	subject, err := h.tokens.ValidateToken(request.Token)
	if err != nil || subject != session.user.ID {
		session.emit(EventError, errorPayload{Message: "Invalid token"})
		return
	}
	session.emit(EventSessionEnded, sessionEndedPayload{Reason: "force_logout"})
	session.Close()
}

// Disconnect clears session state. The connectedUsers entry is removed only
// while it still points at this session, so a duplicate-login replacement
// is never clobbered.
func (h *Hub) Disconnect(session *Session, reason string) {
	userID := session.user.ID

	h.mu.Lock()
	if h.connectedUsers[userID] == session {
		delete(h.connectedUsers, userID)
	}
	roomID := ""
	if current, ok := h.connectedRooms[userID]; ok {
		if members, memberOk := h.roomSessions[current]; memberOk && members[session] {
			roomID = current
			delete(h.connectedRooms, userID)
			delete(members, session)
			if len(members) == 0 {
				delete(h.roomSessions, current)
			}
		}
	}
	h.mu.Unlock()

	if roomID != "" {
		h.clearLoadState(roomID, userID)
		h.cancelStreamsOwnedBy(roomID, userID)
	}

	if roomID != "" && reason != disconnectReasonClient && reason != disconnectReasonDuplicate {
		ctx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
		defer cancel()
		if systemMessage := h.persistSystemMessage(ctx, roomID, session.user.Name+systemDisconnectSuffix); systemMessage != nil {
			h.broadcastToRoom(roomID, EventMessage, systemMessage, nil)
		}
		if room, err := h.rooms.RemoveParticipant(ctx, roomID, userID); err == nil {
			h.cacheParticipants(roomID, room.Participants)
			h.broadcastToRoom(roomID, EventParticipantsUpdate, participantsUpdatePayload{
				RoomID:       roomID,
				Participants: room.Participants,
			}, nil)
		}
	}
}

func (h *Hub) clearLoadState(roomID, userID string) {
	guardKey := roomID + "|" + userID
	h.guardMu.Lock()
	delete(h.loadGuard, guardKey)
	delete(h.loadRetries, guardKey)
	h.guardMu.Unlock()
}

func (h *Hub) cacheParticipants(roomID string, participants []durable.UserSnapshot) {
	h.guardMu.Lock()
	h.participants[roomID] = participantsEntry{
		participants: append([]durable.UserSnapshot(nil), participants...),
		cachedAt:     h.clock(),
	}
	h.guardMu.Unlock()
}

// cachedParticipants returns the room's participant snapshot when the
// 5-minute entry is still fresh, evicting it lazily otherwise.
func (h *Hub) cachedParticipants(roomID string) ([]durable.UserSnapshot, bool) {
	h.guardMu.Lock()
	defer h.guardMu.Unlock()
	entry, ok := h.participants[roomID]
	if !ok {
		return nil, false
	}
	if h.clock().Sub(entry.cachedAt) > participantsCacheTTL {
		delete(h.participants, roomID)
		return nil, false
	}
	return entry.participants, true
}

// broadcastToRoom fans an event out to every session in a room, optionally
// excluding one. Slow consumers drop frames rather than block the hub.
func (h *Hub) broadcastToRoom(roomID, event string, payload interface{}, exclude *Session) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Warn("unencodable broadcast",
			zap.String("event", event),
			zap.Error(err))
		return
	}

	h.mu.RLock()
	members := make([]*Session, 0, len(h.roomSessions[roomID]))
	for member := range h.roomSessions[roomID] {
		if member != exclude {
			members = append(members, member)
		}
	}
	h.mu.RUnlock()

	for _, member := range members {
		member.send(frame)
	}
}

// BroadcastRoomCreated notifies every connected session of a new room.
func (h *Hub) BroadcastRoomCreated(room interface{}) {
	frame, err := encodeFrame(EventRoomCreated, room)
	if err != nil {
		return
	}
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.connectedUsers))
	for _, session := range h.connectedUsers {
		sessions = append(sessions, session)
	}
	h.mu.RUnlock()
	for _, session := range sessions {
		session.send(frame)
	}
}

// BroadcastRoomUpdate notifies a room's members of a membership change.
func (h *Hub) BroadcastRoomUpdate(roomID string, room interface{}) {
	h.broadcastToRoom(roomID, EventRoomUpdate, room, nil)
}

// Shutdown closes every session with a shutdown notice.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.connectedUsers))
	for _, session := range h.connectedUsers {
		sessions = append(sessions, session)
	}
	h.connectedUsers = make(map[string]*Session)
	h.connectedRooms = make(map[string]string)
	h.roomSessions = make(map[string]map[*Session]bool)
	h.mu.Unlock()

	for _, session := range sessions {
		session.emit(EventSessionEnded, sessionEndedPayload{Reason: "server_shutdown"})
		session.Close()
	}
}

func trimContent(content string) string {
	return strings.TrimSpace(content)
}
