package hub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/ai"
	"github.com/wavechat/backend/internal/durable"
	"github.com/wavechat/backend/internal/messagecache"
)

// StreamingSession tracks one in-progress AI token stream. Ephemeral,
// per-instance state.
type StreamingSession struct {
	MessageID    string
	RoomID       string
	AIType       string
	OwnerID      string
	StartedAt    int64
	LastUpdateAt int64

	mu      sync.Mutex
	content strings.Builder
	cancel  context.CancelFunc
}

func (s *StreamingSession) appendChunk(chunk string, at int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content.WriteString(chunk)
	s.LastUpdateAt = at
	return s.content.String()
}

// ActiveStream is the projection sent to joining clients so they can attach
// to streams already in flight.
type ActiveStream struct {
	MessageID string `json:"messageId"`
	AIType    string `json:"aiType"`
	StartedAt int64  `json:"startedAt"`
}

// ActiveStreamsForRoom lists in-flight streams for a room.
func (h *Hub) ActiveStreamsForRoom(roomID string) []ActiveStream {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	streams := make([]ActiveStream, 0)
	for _, stream := range h.streams {
		if stream.RoomID == roomID {
			streams = append(streams, ActiveStream{
				MessageID: stream.MessageID,
				AIType:    stream.AIType,
				StartedAt: stream.StartedAt,
			})
		}
	}
	return streams
}

func (h *Hub) registerStream(stream *StreamingSession) {
	h.streamsMu.Lock()
	h.streams[stream.MessageID] = stream
	h.streamsMu.Unlock()
}

func (h *Hub) removeStream(messageID string) {
	h.streamsMu.Lock()
	delete(h.streams, messageID)
	h.streamsMu.Unlock()
}

// cancelStreamsOwnedBy cancels and removes the user's streams in a room;
// late events from the cancelled generation become no-ops.
func (h *Hub) cancelStreamsOwnedBy(roomID, userID string) {
	h.streamsMu.Lock()
	var cancelled []*StreamingSession
	for id, stream := range h.streams {
		if stream.RoomID == roomID && stream.OwnerID == userID {
			cancelled = append(cancelled, stream)
			delete(h.streams, id)
		}
	}
	h.streamsMu.Unlock()
	for _, stream := range cancelled {
		if stream.cancel != nil {
			stream.cancel()
		}
	}
}

// startAIStream allocates a streaming session and drains the AI response
// into room broadcasts.
func (h *Hub) startAIStream(session *Session, roomID, aiType, content string) {
	if h.aiSvc == nil {
		return
	}
	query := ai.StripMention(content, aiType)
	now := h.clock().UnixMilli()
	streamID := fmt.Sprintf("%s-%d", aiType, now)

	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &StreamingSession{
		MessageID:    streamID,
		RoomID:       roomID,
		AIType:       aiType,
		OwnerID:      session.user.ID,
		StartedAt:    now,
		LastUpdateAt: now,
		cancel:       cancel,
	}
	h.registerStream(stream)

	h.broadcastToRoom(roomID, EventAIMessageStart, aiStartPayload{
		MessageID: streamID,
		AIType:    aiType,
		Timestamp: now,
	}, nil)

	go h.drainAIStream(streamCtx, stream, query)
}

func (h *Hub) drainAIStream(ctx context.Context, stream *StreamingSession, query string) {
	events, err := h.aiSvc.Stream(ctx, stream.AIType, query)
	if err != nil {
		h.removeStream(stream.MessageID)
		h.broadcastToRoom(stream.RoomID, EventAIMessageError, aiErrorPayload{
			MessageID: stream.MessageID,
			Error:     err.Error(),
			AIType:    stream.AIType,
		}, nil)
		return
	}

	for event := range events {
		if ctx.Err() != nil {
			h.removeStream(stream.MessageID)
			return
		}
		switch event.Kind {
		case ai.EventChunk:
			now := h.clock().UnixMilli()
			full := stream.appendChunk(event.Chunk, now)
			h.broadcastToRoom(stream.RoomID, EventAIMessageChunk, aiChunkPayload{
				MessageID:    stream.MessageID,
				CurrentChunk: event.Chunk,
				FullContent:  full,
				IsCodeBlock:  event.IsCodeBlock,
				Timestamp:    now,
				AIType:       stream.AIType,
				IsComplete:   false,
			}, nil)
		case ai.EventComplete:
			h.completeAIStream(ctx, stream, query, event)
			return
		case ai.EventError:
			h.removeStream(stream.MessageID)
			h.broadcastToRoom(stream.RoomID, EventAIMessageError, aiErrorPayload{
				MessageID: stream.MessageID,
				Error:     event.Err.Error(),
				AIType:    stream.AIType,
			}, nil)
			return
		}
	}
	// Channel closed without a terminal event: treat as cancellation.
	h.removeStream(stream.MessageID)
}

func (h *Hub) completeAIStream(ctx context.Context, stream *StreamingSession, query string, event ai.Event) {
	now := h.clock().UnixMilli()
	persisted, err := h.messages.CreateMessage(ctx, messagecache.CreateMessageRequest{
		Room:    stream.RoomID,
		Sender:  durable.UserSnapshot{ID: stream.AIType, Name: stream.AIType},
		Type:    durable.MessageTypeAI,
		Content: event.Content,
		AIType:  stream.AIType,
		Metadata: map[string]interface{}{
			"query":            query,
			"generationTime":   now - stream.StartedAt,
			"completionTokens": event.CompletionTokens,
			"totalTokens":      event.TotalTokens,
		},
	})
	h.removeStream(stream.MessageID)
	if err != nil {
		h.logger.Warn("ai message persist failed",
			zap.String("room_id", stream.RoomID),
			zap.String("ai_type", stream.AIType),
			zap.Error(err))
		h.broadcastToRoom(stream.RoomID, EventAIMessageError, aiErrorPayload{
			MessageID: stream.MessageID,
			Error:     "failed to persist AI message",
			AIType:    stream.AIType,
		}, nil)
		return
	}

	h.broadcastToRoom(stream.RoomID, EventAIMessageComplete, aiCompletePayload{
		MessageID:   stream.MessageID,
		PersistedID: persisted.ID,
		Content:     event.Content,
		AIType:      stream.AIType,
		Timestamp:   now,
		IsComplete:  true,
		Query:       query,
		Reactions:   map[string][]string{},
	}, nil)
}
