package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

// State is the lifecycle state of a Session. Transitions are monotonic:
// Pending -> Open -> Closing -> Closed, with Pending -> Closed for
// connections that are torn down before the handshake.
type State int

const (
	StatePending State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session wraps one accepted WebSocket connection. It is created in the
// Pending state around the not-yet-upgraded HTTP exchange; the upgrade
// handshake itself is deferred until Connect so a handler (or a pre-dispatch
// hook) decides when, and whether, to accept.
//
// A Session is owned by a single handler goroutine. Close may additionally
// be called from another goroutine (the registry does this on shutdown);
// everything else assumes one owner.
type Session struct {
	id         string
	remoteAddr string

	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader

	mu            sync.Mutex
	conn          *websocket.Conn
	state         State
	connectCalled bool
	closeCode     int
	closeReason   string
	sent          int64
	received      int64
}

// New wraps an inbound upgrade request in a Pending session. The upgrader
// may be nil, in which case a permissive default is used.
func New(w http.ResponseWriter, r *http.Request, up *websocket.Upgrader) *Session {
	if up == nil {
		up = &defaultUpgrader
	}
	return &Session{
		id:         uuid.New().String(),
		remoteAddr: r.RemoteAddr,
		w:          w,
		r:          r,
		upgrader:   up,
		state:      StatePending,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer's network address as seen at accept time.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseCode returns the close status code recorded for the session, or 0 if
// none has been recorded yet.
func (s *Session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

// CloseReason returns the close reason recorded for the session, if any.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// MessagesSent returns how many data frames have been written to the peer.
func (s *Session) MessagesSent() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// MessagesReceived returns how many data frames have been read from the peer.
func (s *Session) MessagesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// Connect performs the HTTP -> WebSocket upgrade handshake, moving the
// session from Pending to Open. It must be called at most once; a second
// call returns ErrAlreadyConnected. If the session was closed before the
// handshake, Connect returns ErrNotOpen.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connectCalled {
		return ErrAlreadyConnected
	}
	s.connectCalled = true

	if s.state != StatePending {
		return ErrNotOpen
	}

	conn, err := s.upgrader.Upgrade(s.w, s.r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.state = StateClosed
		return fmt.Errorf("handshake: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	s.conn = conn
	s.state = StateOpen
	return nil
}

// ConnectAndClose completes the handshake and then immediately closes the
// connection with the given status code. The WebSocket protocol requires a
// completed handshake before a close frame may be sent, so this is the way
// to reject a connection after inspecting a path parameter.
func (s *Session) ConnectAndClose(code int, reason string) error {
	if err := s.Connect(); err != nil {
		return err
	}
	return s.Close(code, reason)
}

// Send writes one message to the peer. It fails with ErrNotOpen unless the
// session is Open. A write failure caused by the peer having gone away is
// reported as ErrDisconnected; any other transport fault is returned wrapped.
func (s *Session) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return ErrNotOpen
	}

	frameType := websocket.TextMessage
	if m.Type == MessageTypeBinary {
		frameType = websocket.BinaryMessage
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(frameType, m.Data); err != nil {
		s.markClosedLocked(websocket.CloseAbnormalClosure, "")
		if isPeerGone(err) {
			return ErrDisconnected
		}
		return fmt.Errorf("write: %w", err)
	}
	s.sent++
	return nil
}

// SendText sends a plain text frame.
func (s *Session) SendText(text string) error {
	return s.Send(Text(text))
}

// SendBinary sends a binary frame.
func (s *Session) SendBinary(data []byte) error {
	return s.Send(Binary(data))
}

// SendJSON marshals v and sends it as a JSON text frame.
func (s *Session) SendJSON(v interface{}) error {
	m, err := JSON(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.Send(m)
}

// Receive blocks until the peer sends a data frame or disconnects. A peer
// disconnect (close frame or dropped transport) is reported as
// ErrDisconnected with the peer's close code recorded on the session; any
// other transport fault is returned wrapped.
func (s *Session) Receive() (Message, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return Message{}, ErrNotOpen
	}
	conn := s.conn
	s.mu.Unlock()

	frameType, data, err := conn.ReadMessage()
	if err != nil {
		return Message{}, s.readError(err)
	}

	s.mu.Lock()
	s.received++
	s.mu.Unlock()

	m := Message{Type: MessageTypeText, Data: data}
	if frameType == websocket.BinaryMessage {
		m.Type = MessageTypeBinary
	}
	return m, nil
}

// ReceiveText receives one frame and returns its payload as a string.
func (s *Session) ReceiveText() (string, error) {
	m, err := s.Receive()
	if err != nil {
		return "", err
	}
	return m.Text(), nil
}

// ReceiveJSON receives one frame and decodes its payload into v. Transport
// errors come back as from Receive; a payload that is not valid JSON is
// reported as a *DecodeError and the session stays open.
func (s *Session) ReceiveJSON(v interface{}) error {
	m, err := s.Receive()
	if err != nil {
		return err
	}
	return m.Decode(v)
}

// Close sends a close frame with the given status code and reason and tears
// the connection down. It is safe to call multiple times and from a
// goroutine other than the owner; only the first call has any effect.
func (s *Session) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return nil
	case StatePending:
		// Never upgraded; there is no transport to close.
		s.state = StateClosed
		s.closeCode = code
		s.closeReason = reason
		return nil
	}

	s.state = StateClosing
	s.closeCode = code
	s.closeReason = reason

	msg := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage, msg, deadline)

	err := s.conn.Close()
	s.state = StateClosed
	return err
}

// readError classifies a failed read, records the closure on the session,
// and returns the error the caller should see.
func (s *Session) readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		s.mu.Lock()
		s.markClosedLocked(ce.Code, ce.Text)
		s.mu.Unlock()
		return ErrDisconnected
	}

	s.mu.Lock()
	s.markClosedLocked(websocket.CloseAbnormalClosure, "")
	s.mu.Unlock()

	if isPeerGone(err) {
		return ErrDisconnected
	}
	return fmt.Errorf("read: %w", err)
}

// markClosedLocked records a closure observed on the transport rather than
// requested by the owner. Callers must hold s.mu.
func (s *Session) markClosedLocked(code int, reason string) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeReason = reason
	}
	if s.conn != nil {
		s.conn.Close()
	}
}

// isPeerGone reports whether err means the peer's transport went away, as
// opposed to a protocol-level fault.
func isPeerGone(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne *net.OpError
	return errors.As(err, &ne)
}
