// Package channels provides WebSocket sessions and an in-memory pub/sub
// layer that fans messages out to named groups of sessions. Each session
// owns a buffered send queue and a write pump so one slow client never
// stalls a broadcast.
package channels

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/trellishq/trellis/internal/attr"
)

var (
	// ErrSessionClosed is returned by sends on a closed session.
	ErrSessionClosed = errors.New("channels: session closed")
	// ErrSendQueueFull is returned when the session's outbound queue is
	// full. The message is dropped rather than blocking the caller.
	ErrSendQueueFull = errors.New("channels: send queue full")
)

// SessionConfig tunes session IO. Zero values fall back to defaults.
type SessionConfig struct {
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PongWait is how long to wait for a pong before dropping the peer.
	PongWait time.Duration
	// MaxMessageSize caps inbound frames.
	MaxMessageSize int64
	// SendQueueSize is the outbound queue capacity.
	SendQueueSize int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

type outbound struct {
	kind int
	data []byte
}

// Session is one WebSocket connection. Outbound messages are queued and
// written by a single pump goroutine; Run drives the read side.
type Session struct {
	id    string
	conn  *websocket.Conn
	attrs *attr.Bag
	cfg   SessionConfig

	send chan outbound
	done chan struct{}

	closeOnce   sync.Once
	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

// NewSession wraps an upgraded connection and starts its write pump.
func NewSession(conn *websocket.Conn, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:    uuid.NewString(),
		conn:  conn,
		attrs: attr.NewBag(),
		cfg:   cfg,
		send:  make(chan outbound, cfg.SendQueueSize),
		done:  make(chan struct{}),
	}
	go s.writePump()
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Attrs returns the session attribute bag. Route parameters captured at
// upgrade time are stored here.
func (s *Session) Attrs() *attr.Bag { return s.attrs }

// IsOpen reports whether the session can still accept sends.
func (s *Session) IsOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// SendText queues a text frame without blocking.
func (s *Session) SendText(msg string) error {
	return s.enqueue(outbound{websocket.TextMessage, []byte(msg)})
}

// SendBinary queues a binary frame without blocking.
func (s *Session) SendBinary(data []byte) error {
	return s.enqueue(outbound{websocket.BinaryMessage, data})
}

func (s *Session) enqueue(m outbound) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.send <- m:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close ends the session with the given close code. The write pump sends
// the close frame and tears the connection down. Safe to call repeatedly.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.closeMu.Unlock()
		close(s.done)
	})
}

func (s *Session) closeFrame() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return s.closeCode, s.closeReason
}

// writePump is the sole writer of data frames. It drains the send queue,
// pings the peer on a ticker, and emits the close frame on shutdown.
func (s *Session) writePump() {
	pingPeriod := (s.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case m := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(m.kind, m.data); err != nil {
				s.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(websocket.CloseAbnormalClosure, err.Error())
				return
			}
		case <-s.done:
			code, reason := s.closeFrame()
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return
		}
	}
}

// Run drives the read side until the peer goes away: OnConnect once, data
// frames fanned out to OnText/OnBinary, control frames to OnPing/OnPong,
// then OnClose exactly once on the way out. A panic inside a handler
// callback surfaces through OnError and ends the session.
func (s *Session) Run(h Handler) {
	defer s.Close(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.dispatch(h, func() { h.OnPong(s, []byte(data)) })
		return nil
	})
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		// Reply with a pong the way the default handler would.
		s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteWait))
		s.dispatch(h, func() { h.OnPing(s, []byte(data)) })
		return nil
	})

	s.dispatch(h, func() { h.OnConnect(s) })

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else if !s.IsOpen() {
				// Local Close tore the connection down; report the
				// code it was closed with.
				code, reason = s.closeFrame()
			} else {
				s.dispatch(h, func() { h.OnError(s, err) })
			}
			s.dispatch(h, func() { h.OnClose(s, code, reason) })
			return
		}

		switch kind {
		case websocket.TextMessage:
			s.dispatch(h, func() { h.OnText(s, string(data)) })
		case websocket.BinaryMessage:
			s.dispatch(h, func() { h.OnBinary(s, data) })
		}
	}
}

// dispatch invokes a handler callback, converting panics into OnError.
func (s *Session) dispatch(h Handler, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.OnError(s, fmt.Errorf("handler panic: %v", r))
		}
	}()
	fn()
}
