package session

import "time"

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameText
	FrameBinary
	FrameClose
	FramePing
	FramePong
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	default:
		return "unknown"
	}
}

// Frame is one inbound frame from the client.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Transport is the client side of one duplex connection.
type Transport interface {
	// Receive reads frames and passes each to emit until the connection
	// fails or emit returns false. It returns the terminal read error.
	Receive(emit func(Frame) bool) error
	// WriteText sends a text frame that must complete before deadline.
	WriteText(payload []byte, deadline time.Time) error
	Close() error
}
