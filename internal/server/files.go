package server

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/filetypes"
	"github.com/wavechat/backend/internal/objectstore"
)

// sizeTolerance allows the uploaded object to deviate from the declared
// size by one kilobyte.
const sizeTolerance = int64(1024)

// fileDirectory resolves uploaded files back to their owning message.
type fileDirectory interface {
	FindMessageByFilename(ctx context.Context, filename string) (*durable.Message, error)
}

// roomMembership answers participation checks for file access.
type roomMembership interface {
	GetRoom(ctx context.Context, roomID string) (*durable.Room, error)
}

// FileHandler implements the upload handshake and presigned access URLs.
type FileHandler struct {
	store    objectstore.Store
	messages fileDirectory
	rooms    roomMembership
	logger   *zap.Logger
}

// NewFileHandler constructs the handler.
func NewFileHandler(store objectstore.Store, messages fileDirectory, rooms roomMembership, logger *zap.Logger) *FileHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileHandler{store: store, messages: messages, rooms: rooms, logger: logger}
}

type presignRequest struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Size     int64  `json:"size"`
}

func (h *FileHandler) handlePresignedURL(c *gin.Context) {
	var payload presignRequest
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Filename == "" {
		failRequest(c, http.StatusBadRequest, "파일 정보가 올바르지 않습니다.", "INVALID_REQUEST")
		return
	}

	entry, err := filetypes.Validate(payload.Filename, payload.MimeType, payload.Size)
	if errors.Is(err, filetypes.ErrUnsupportedType) {
		failRequest(c, http.StatusBadRequest, "지원하지 않는 파일 형식입니다.", "UNSUPPORTED_TYPE")
		return
	}
	if errors.Is(err, filetypes.ErrFileTooLarge) {
		failRequest(c, http.StatusBadRequest, "파일 용량이 제한을 초과했습니다.", "FILE_TOO_LARGE")
		return
	}
	if err != nil {
		failRequest(c, http.StatusBadRequest, "파일 정보가 올바르지 않습니다.", "INVALID_FILE")
		return
	}

	key := "uploads/" + uuid.NewString() + strings.ToLower(filepath.Ext(payload.Filename))
	upload, err := h.store.PresignUpload(c.Request.Context(), key, payload.MimeType, payload.Size)
	if err != nil {
		h.logger.Error("presign failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "업로드 URL 발급에 실패했습니다.", "PRESIGN_FAILED")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"url":      upload.URL,
			"key":      upload.Key,
			"bucket":   upload.Bucket,
			"category": entry.Category,
			"subtype":  entry.Subtype,
		},
	})
}

type uploadCompleteRequest struct {
	S3Key        string `json:"s3Key"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
}

func (h *FileHandler) handleUploadComplete(c *gin.Context) {
	var payload uploadCompleteRequest
	if err := c.ShouldBindJSON(&payload); err != nil || payload.S3Key == "" {
		failRequest(c, http.StatusBadRequest, "파일 정보가 올바르지 않습니다.", "INVALID_REQUEST")
		return
	}

	entry, err := filetypes.Validate(payload.OriginalName, payload.MimeType, payload.Size)
	if err != nil {
		failRequest(c, http.StatusBadRequest, "파일 정보가 올바르지 않습니다.", "INVALID_FILE")
		return
	}

	info, err := h.store.Head(c.Request.Context(), payload.S3Key)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		failRequest(c, http.StatusBadRequest, "업로드된 파일을 찾을 수 없습니다.", "OBJECT_NOT_FOUND")
		return
	}
	if err != nil {
		h.logger.Error("upload verification failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "업로드 확인에 실패했습니다.", "VERIFY_FAILED")
		return
	}

	if diff := info.Size - payload.Size; diff > sizeTolerance || diff < -sizeTolerance {
		failRequest(c, http.StatusBadRequest, "업로드된 파일 크기가 일치하지 않습니다.", "SIZE_MISMATCH")
		return
	}
	if info.ContentType != "" && !strings.EqualFold(info.ContentType, payload.MimeType) {
		failRequest(c, http.StatusBadRequest, "업로드된 파일 형식이 일치하지 않습니다.", "TYPE_MISMATCH")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"filename":     payload.Filename,
			"originalname": payload.OriginalName,
			"mimetype":     payload.MimeType,
			"size":         info.Size,
			"s3Url":        h.store.ObjectURL(payload.S3Key),
			"s3Key":        payload.S3Key,
			"s3Bucket":     h.store.Bucket(),
			"uploadedAt":   time.Now().UnixMilli(),
			"category":     entry.Category,
			"subtype":      entry.Subtype,
		},
	})
}

func (h *FileHandler) resolveAccessibleFile(c *gin.Context) *durable.Message {
	filename := c.Param("filename")
	userID := c.GetString(userIDContextKey)

	message, err := h.messages.FindMessageByFilename(c.Request.Context(), filename)
	if errors.Is(err, durable.ErrNotFound) {
		failRequest(c, http.StatusNotFound, "파일을 찾을 수 없습니다.", "FILE_NOT_FOUND")
		return nil
	}
	if err != nil {
		h.logger.Error("file lookup failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "파일 조회에 실패했습니다.", "LOOKUP_FAILED")
		return nil
	}

	room, err := h.rooms.GetRoom(c.Request.Context(), message.Room)
	if err != nil || !room.HasParticipant(userID) {
		failRequest(c, http.StatusForbidden, "채팅방 참여자가 아닙니다.", "NOT_A_PARTICIPANT")
		return nil
	}
	return message
}

func (h *FileHandler) handleDownloadURL(c *gin.Context) {
	message := h.resolveAccessibleFile(c)
	if message == nil || message.File == nil {
		return
	}
	signed, err := h.store.PresignDownload(c.Request.Context(), message.File.S3Key, message.File.OriginalName)
	if err != nil {
		h.logger.Error("download presign failed", zap.Error(err))
		failRequest(c, http.StatusInternalServerError, "다운로드 URL 발급에 실패했습니다.", "PRESIGN_FAILED")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"url": signed}})
}

func (h *FileHandler) handleViewURL(c *gin.Context) {
	message := h.resolveAccessibleFile(c)
	if message == nil || message.File == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"url": message.File.S3URL}})
}
