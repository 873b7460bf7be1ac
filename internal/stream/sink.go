package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSinkClosed is returned by writes after Close.
var ErrSinkClosed = errors.New("stream: sink closed")

// Sink writes framed events to one client. Implementations are used from a
// single goroutine.
type Sink interface {
	WriteEvent(name string, payload any) error
	WriteHeartbeat() error
	Close() error
}

// envelope is the JSON body of every typed frame.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func encodeFrame(name string, payload any) ([]byte, error) {
	data, err := json.Marshal(envelope{Type: name, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", name, err)
	}
	return data, nil
}

// SSESink frames events as Server-Sent Events: one "data:" line holding the
// JSON envelope, and a comment line for heartbeats.
type SSESink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
	closed  bool
}

// NewSSESink writes the event-stream response headers and flushes them so
// the client sees the stream open before the first frame.
func NewSSESink(w http.ResponseWriter, writeTimeout time.Duration) *SSESink {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSESink{w: w, rc: http.NewResponseController(w), timeout: writeTimeout}
	s.flush()
	return s
}

func (s *SSESink) WriteEvent(name string, payload any) error {
	data, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}
	return s.write("data: " + string(data) + "\n\n")
}

func (s *SSESink) WriteHeartbeat() error {
	return s.write(": keepalive\n\n")
}

func (s *SSESink) write(frame string) error {
	if s.closed {
		return ErrSinkClosed
	}
	if s.timeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	return s.flush()
}

func (s *SSESink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// Close marks the sink closed. The response itself ends when the handler
// returns.
func (s *SSESink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.timeout > 0 {
		s.rc.SetWriteDeadline(time.Time{})
	}
	return nil
}

// WSSink sends the same envelopes as WebSocket text messages. Heartbeats are
// ping control frames.
type WSSink struct {
	conn    *websocket.Conn
	timeout time.Duration
	closed  bool
}

func NewWSSink(conn *websocket.Conn, writeTimeout time.Duration) *WSSink {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSSink{conn: conn, timeout: writeTimeout}
}

func (s *WSSink) WriteEvent(name string, payload any) error {
	if s.closed {
		return ErrSinkClosed
	}
	data, err := encodeFrame(name, payload)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSSink) WriteHeartbeat() error {
	if s.closed {
		return ErrSinkClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.timeout))
}

// Close sends a normal close frame and closes the connection.
func (s *WSSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.timeout))
	return s.conn.Close()
}
