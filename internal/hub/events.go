package hub

import (
	"encoding/json"

	"github.com/wavechat/backend/internal/durable"
)

// Client to server event names.
const (
	EventJoinRoom              = "joinRoom"
	EventLeaveRoom             = "leaveRoom"
	EventFetchPreviousMessages = "fetchPreviousMessages"
	EventChatMessage           = "chatMessage"
	EventMarkMessagesAsRead    = "markMessagesAsRead"
	EventMessageReaction       = "messageReaction"
	EventForceLogin            = "force_login"
)

// Server to client event names.
const (
	EventJoinRoomSuccess        = "joinRoomSuccess"
	EventJoinRoomError          = "joinRoomError"
	EventMessage                = "message"
	EventParticipantsUpdate     = "participantsUpdate"
	EventUserLeft               = "userLeft"
	EventMessageLoadStart       = "messageLoadStart"
	EventPreviousMessagesLoaded = "previousMessagesLoaded"
	EventMessagesRead           = "messagesRead"
	EventMessageReactionUpdate  = "messageReactionUpdate"
	EventAIMessageStart         = "aiMessageStart"
	EventAIMessageChunk         = "aiMessageChunk"
	EventAIMessageComplete      = "aiMessageComplete"
	EventAIMessageError         = "aiMessageError"
	EventDuplicateLogin         = "duplicate_login"
	EventSessionEnded           = "session_ended"
	EventError                  = "error"
	EventRoomCreated            = "roomCreated"
	EventRoomUpdate             = "roomUpdate"
)

// Frame is the wire format for both directions: an event name plus its
// JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinRoomRequest struct {
	RoomID string `json:"roomId"`
}

type leaveRoomRequest struct {
	RoomID string `json:"roomId"`
}

type fetchPreviousRequest struct {
	RoomID string `json:"roomId"`
	Before int64  `json:"before"`
}

type chatMessageRequest struct {
	Room     string           `json:"room"`
	Type     string           `json:"type"`
	Content  string           `json:"content"`
	FileData *chatFilePayload `json:"fileData,omitempty"`
}

type chatFilePayload struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size"`
	S3URL        string `json:"s3Url"`
	S3Key        string `json:"s3Key"`
	S3Bucket     string `json:"s3Bucket"`
}

type markAsReadRequest struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type messageReactionRequest struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
	Type      string `json:"type"` // add or remove
}

type forceLoginRequest struct {
	Token string `json:"token"`
}

type joinRoomSuccessPayload struct {
	RoomID          string                 `json:"roomId"`
	Participants    []durable.UserSnapshot `json:"participants"`
	Messages        []durable.Message      `json:"messages"`
	HasMore         bool                   `json:"hasMore"`
	OldestTimestamp int64                  `json:"oldestTimestamp"`
	ActiveStreams   []ActiveStream         `json:"activeStreams"`
}

type participantsUpdatePayload struct {
	RoomID       string                 `json:"roomId"`
	Participants []durable.UserSnapshot `json:"participants"`
}

type userLeftPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type previousMessagesPayload struct {
	RoomID          string            `json:"roomId"`
	Messages        []durable.Message `json:"messages"`
	HasMore         bool              `json:"hasMore"`
	OldestTimestamp int64             `json:"oldestTimestamp"`
}

type messagesReadPayload struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

type reactionUpdatePayload struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

type duplicateLoginPayload struct {
	DeviceInfo string `json:"deviceInfo"`
	IPAddress  string `json:"ipAddress"`
	Timestamp  int64  `json:"timestamp"`
}

type sessionEndedPayload struct {
	Reason string `json:"reason"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type aiStartPayload struct {
	MessageID string `json:"messageId"`
	AIType    string `json:"aiType"`
	Timestamp int64  `json:"timestamp"`
}

type aiChunkPayload struct {
	MessageID   string `json:"messageId"`
	CurrentChunk string `json:"currentChunk"`
	FullContent string `json:"fullContent"`
	IsCodeBlock bool   `json:"isCodeBlock"`
	Timestamp   int64  `json:"timestamp"`
	AIType      string `json:"aiType"`
	IsComplete  bool   `json:"isComplete"`
}

type aiCompletePayload struct {
	MessageID  string              `json:"messageId"`
	PersistedID string             `json:"_id"`
	Content    string              `json:"content"`
	AIType     string              `json:"aiType"`
	Timestamp  int64               `json:"timestamp"`
	IsComplete bool                `json:"isComplete"`
	Query      string              `json:"query"`
	Reactions  map[string][]string `json:"reactions"`
}

type aiErrorPayload struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	AIType    string `json:"aiType"`
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}
