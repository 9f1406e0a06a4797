package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/auth"
	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/messagecache"
	"github.com/wavechat/backend/internal/roomcache"
)

const (
	userIDContextKey = "wavechat_user_id"

	roomRequestsPerMinute    = 60
	messageRequestsPerMinute = 100
)

var (
	errMissingRoomService    = errors.New("room cache dependency required")
	errMissingMessageService = errors.New("message cache dependency required")
	errMissingTokenManager   = errors.New("token manager dependency required")
)

// roomService is the room-cache surface the router exposes.
type roomService interface {
	ListRooms(ctx context.Context, query roomcache.ListQuery) (roomcache.ListResult, error)
	GetRoom(ctx context.Context, roomID string) (*durable.Room, error)
	CreateRoom(ctx context.Context, request roomcache.CreateRoomRequest) (*durable.Room, error)
	JoinRoom(ctx context.Context, roomID, userID, password string) (*durable.Room, error)
}

// messageService is the message-cache surface the router exposes.
type messageService interface {
	GetMessagesByRoom(ctx context.Context, roomID string, beforeTimestamp int64, limit int) (messagecache.HistoryResult, error)
	MarkAsRead(ctx context.Context, messageIDs []string, userID string) ([]string, error)
}

// tokenValidator authenticates the x-auth-token header.
type tokenValidator interface {
	ValidateToken(token string) (string, error)
}

// realtimeNotifier fans room lifecycle events to connected sessions.
type realtimeNotifier interface {
	BroadcastRoomCreated(room interface{})
	BroadcastRoomUpdate(roomID string, room interface{})
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Rooms      roomService
	Messages   messageService
	Tokens     tokenValidator
	Sessions   auth.SessionService
	Notifier   realtimeNotifier
	Files      *FileHandler
	WSHandler  http.HandlerFunc
	StatusFunc func(group *gin.RouterGroup)
	Logger     *zap.Logger
}

// NewHTTPHandler assembles the router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomService
	}
	if deps.Messages == nil {
		return nil, errMissingMessageService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "x-auth-token", "x-session-id"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		rooms:    deps.Rooms,
		messages: deps.Messages,
		tokens:   deps.Tokens,
		sessions: deps.Sessions,
		notifier: deps.Notifier,
		logger:   logger,
	}

	if deps.WSHandler != nil {
		router.GET("/socket.io", gin.WrapF(deps.WSHandler))
		router.GET("/ws", gin.WrapF(deps.WSHandler))
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)

	roomLimiter := rateLimitMiddleware(newLimiterPool(roomRequestsPerMinute))
	messageLimiter := rateLimitMiddleware(newLimiterPool(messageRequestsPerMinute))

	rooms := api.Group("/rooms", roomLimiter)
	rooms.GET("", handler.handleListRooms)
	rooms.POST("", handler.handleCreateRoom)
	rooms.GET("/:roomId", handler.handleGetRoom)
	rooms.POST("/:roomId/join", handler.handleJoinRoom)
	rooms.GET("/:roomId/messages", messageLimiter, handler.handleRoomMessages)

	if deps.Files != nil {
		files := api.Group("/files", messageLimiter)
		files.POST("/presigned-url", deps.Files.handlePresignedURL)
		files.POST("/upload-complete", deps.Files.handleUploadComplete)
		files.GET("/s3-url/download/:filename", deps.Files.handleDownloadURL)
		files.GET("/s3-url/view/:filename", deps.Files.handleViewURL)
	}

	if deps.StatusFunc != nil {
		deps.StatusFunc(router.Group("/"))
	}

	return router, nil
}

type httpHandler struct {
	rooms    roomService
	messages messageService
	tokens   tokenValidator
	sessions auth.SessionService
	notifier realtimeNotifier
	logger   *zap.Logger
}

func failRequest(c *gin.Context, status int, message, code string) {
	body := gin.H{"success": false, "message": message}
	if code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}

// authorizeRequest validates the x-auth-token and x-session-id headers and
// stashes the user id on the context.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := c.GetHeader("x-auth-token")
	sessionID := c.GetHeader("x-session-id")
	if token == "" || sessionID == "" {
		failRequest(c, http.StatusUnauthorized, "Authentication error", "AUTH_REQUIRED")
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		failRequest(c, http.StatusUnauthorized, err.Error(), "INVALID_TOKEN")
		return
	}
	if h.sessions != nil {
		if err := h.sessions.ValidateSession(c.Request.Context(), userID, sessionID); err != nil {
			failRequest(c, http.StatusUnauthorized, auth.ErrInvalidSession.Error(), "INVALID_SESSION")
			return
		}
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	query := roomcache.ListQuery{
		Page:      parseIntDefault(c.Query("page"), 0),
		PageSize:  parseIntDefault(c.Query("pageSize"), 10),
		SortField: c.Query("sortField"),
		SortOrder: c.Query("sortOrder"),
		Search:    c.Query("search"),
		UserID:    c.GetString(userIDContextKey),
	}
	if raw := c.Query("hasPassword"); raw != "" {
		hasPassword := raw == "true"
		query.HasPassword = &hasPassword
	}

	result, err := h.rooms.ListRooms(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("room listing failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "채팅방 목록을 불러오지 못했습니다.", "LIST_FAILED")
		return
	}

	maxAge := 10
	if result.Source == roomcache.SourceRedis {
		maxAge = 30
	}
	c.Header("Cache-Control", fmt.Sprintf("private, max-age=%d", maxAge))
	c.Header("X-Cache-Source", result.Source)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

type createRoomPayload struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var payload createRoomPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Name == "" {
		failRequest(c, http.StatusBadRequest, "방 이름을 입력해주세요.", "INVALID_REQUEST")
		return
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), roomcache.CreateRoomRequest{
		Name:      payload.Name,
		CreatorID: c.GetString(userIDContextKey),
		Password:  payload.Password,
	})
	if err != nil {
		h.logger.Error("room creation failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "채팅방 생성에 실패했습니다.", "CREATE_FAILED")
		return
	}

	if h.notifier != nil {
		h.notifier.BroadcastRoomCreated(room)
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": room})
}

func (h *httpHandler) handleGetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("roomId"))
	if errors.Is(err, roomcache.ErrRoomNotFound) {
		failRequest(c, http.StatusNotFound, "채팅방을 찾을 수 없습니다.", "ROOM_NOT_FOUND")
		return
	}
	if err != nil {
		h.logger.Error("room lookup failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "채팅방 조회에 실패했습니다.", "GET_FAILED")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": room})
}

type joinRoomPayload struct {
	Password string `json:"password"`
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	var payload joinRoomPayload
	_ = c.ShouldBindJSON(&payload)

	room, err := h.rooms.JoinRoom(c.Request.Context(), c.Param("roomId"), c.GetString(userIDContextKey), payload.Password)
	if errors.Is(err, roomcache.ErrRoomNotFound) {
		failRequest(c, http.StatusNotFound, "채팅방을 찾을 수 없습니다.", "ROOM_NOT_FOUND")
		return
	}
	if errors.Is(err, roomcache.ErrPasswordMismatch) {
		failRequest(c, http.StatusUnauthorized, roomcache.ErrPasswordMismatch.Error(), "PASSWORD_MISMATCH")
		return
	}
	if err != nil {
		h.logger.Error("room join failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "채팅방 입장에 실패했습니다.", "JOIN_FAILED")
		return
	}

	if h.notifier != nil {
		h.notifier.BroadcastRoomUpdate(room.ID, room)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": room})
}

func (h *httpHandler) handleRoomMessages(c *gin.Context) {
	roomID := c.Param("roomId")
	userID := c.GetString(userIDContextKey)

	room, err := h.rooms.GetRoom(c.Request.Context(), roomID)
	if errors.Is(err, roomcache.ErrRoomNotFound) {
		failRequest(c, http.StatusNotFound, "채팅방을 찾을 수 없습니다.", "ROOM_NOT_FOUND")
		return
	}
	if err != nil {
		failRequest(c, http.StatusInternalServerError, "채팅방 조회에 실패했습니다.", "GET_FAILED")
		return
	}
	if !room.HasParticipant(userID) {
		failRequest(c, http.StatusForbidden, "채팅방 참여자가 아닙니다.", "NOT_A_PARTICIPANT")
		return
	}

	limit := parseIntDefault(c.Query("limit"), messagecache.DefaultPageLimit)
	if limit > messagecache.MaxPageLimit {
		limit = messagecache.MaxPageLimit
	}
	before, _ := strconv.ParseInt(c.Query("before"), 10, 64)

	history, err := h.messages.GetMessagesByRoom(c.Request.Context(), roomID, before, limit)
	if err != nil {
		h.logger.Error("message page failed",
			zap.String("room_id", roomID),
			zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "메시지를 불러오지 못했습니다.", "MESSAGES_FAILED")
		return
	}

	// Returned messages are marked read out of band.
	if len(history.Messages) > 0 {
		ids := make([]string, 0, len(history.Messages))
		for _, message := range history.Messages {
			ids = append(ids, message.ID)
		}
		go func() {
			markCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := h.messages.MarkAsRead(markCtx, ids, userID); err != nil {
				h.logger.Warn("auto mark-as-read failed", zap.Error(err))
			}
		}()
	}

	c.Header("X-Cache-Source", history.Source)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": history})
}

func parseIntDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
