package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const controlWriteTimeout = time.Second

// WebSocketTransport adapts a gorilla/websocket connection. Ping, pong and
// close control frames are surfaced as frames alongside data messages.
type WebSocketTransport struct {
	conn      *websocket.Conn
	clock     clockwork.Clock
	closeOnce sync.Once
	closeErr  error
}

func NewWebSocketTransport(conn *websocket.Conn, clock clockwork.Clock) *WebSocketTransport {
	return &WebSocketTransport{conn: conn, clock: clock}
}

func (t *WebSocketTransport) Receive(emit func(Frame) bool) error {
	stopped := false

	// Control handlers run on this goroutine from inside ReadMessage.
	t.conn.SetPingHandler(func(data string) error {
		if !emit(Frame{Kind: FramePing, Payload: []byte(data)}) {
			stopped = true
		}
		err := t.conn.WriteControl(websocket.PongMessage, []byte(data), t.controlDeadline())
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	t.conn.SetPongHandler(func(data string) error {
		if !emit(Frame{Kind: FramePong, Payload: []byte(data)}) {
			stopped = true
		}
		return nil
	})
	t.conn.SetCloseHandler(func(code int, text string) error {
		emit(Frame{Kind: FrameClose, Payload: []byte(text)})
		message := []byte{}
		if code != websocket.CloseNoStatusReceived {
			message = websocket.FormatCloseMessage(code, "")
		}
		_ = t.conn.WriteControl(websocket.CloseMessage, message, t.controlDeadline())
		return nil
	})

	for !stopped {
		messageType, payload, err := t.conn.ReadMessage()
		if err != nil {
			return err
		}
		if !emit(Frame{Kind: frameKind(messageType), Payload: payload}) {
			return nil
		}
	}
	return nil
}

func (t *WebSocketTransport) WriteText(payload []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a best-effort going-away frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, t.controlDeadline())
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *WebSocketTransport) controlDeadline() time.Time {
	return t.clock.Now().Add(controlWriteTimeout)
}

func frameKind(messageType int) FrameKind {
	switch messageType {
	case websocket.TextMessage:
		return FrameText
	case websocket.BinaryMessage:
		return FrameBinary
	default:
		return FrameUnknown
	}
}
