package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wavechat/backend/internal/durable"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Session is one authenticated realtime connection.
type Session struct {
	hub  *Hub
	conn *websocket.Conn

	user       durable.UserSnapshot
	sessionID  string
	ipAddress  string
	deviceInfo string

	outbound chan []byte
	done     chan struct{}
	closeOne sync.Once

	// evictReason is set before Close by the duplicate-login path so the
	// read pump reports the right disconnect reason.
	evictReason string
}

func newSession(h *Hub, user durable.UserSnapshot, sessionID, ipAddress, deviceInfo string) *Session {
	return &Session{
		hub:        h,
		user:       user,
		sessionID:  sessionID,
		ipAddress:  ipAddress,
		deviceInfo: deviceInfo,
		outbound:   make(chan []byte, sendBufferSize),
		done:       make(chan struct{}),
	}
}

// User returns the denormalised user attached at authentication.
func (s *Session) User() durable.UserSnapshot {
	return s.user
}

// SessionID returns the external session identifier.
func (s *Session) SessionID() string {
	return s.sessionID
}

// Attach binds the upgraded websocket connection.
func (s *Session) Attach(conn *websocket.Conn) {
	s.conn = conn
}

// send queues a pre-encoded frame, dropping it when the buffer is full so a
// slow consumer cannot stall the hub.
func (s *Session) send(frame []byte) {
	select {
	case <-s.done:
	case s.outbound <- frame:
	default:
	}
}

// emit encodes and queues one event.
func (s *Session) emit(event string, payload interface{}) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		s.hub.logger.Warn("unencodable event",
			zap.String("event", event),
			zap.Error(err))
		return
	}
	s.send(frame)
}

// Close terminates the session once.
func (s *Session) Close() {
	s.closeOne.Do(func() {
		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

// ReadPump decodes inbound frames and dispatches them until the connection
// drops, then runs disconnect cleanup.
func (s *Session) ReadPump(ctx context.Context) {
	reason := ""
	defer func() {
		if s.evictReason != "" {
			reason = s.evictReason
		}
		s.Close()
		s.hub.Disconnect(s, reason)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = disconnectReasonClient
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.emit(EventError, errorPayload{Message: "malformed frame"})
			continue
		}
		s.hub.HandleFrame(ctx, s, frame)
	}
}

// WritePump flushes queued frames and keeps the connection alive with pings.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			// Flush anything already queued as separate frames.
			pending := len(s.outbound)
			for i := 0; i < pending; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.outbound); err != nil {
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
