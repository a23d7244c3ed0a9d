package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThomasHabets/livecount/internal/metrics"
	"github.com/ThomasHabets/livecount/internal/registry"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxLife     = 600 * time.Second
	DefaultSendTimeout = 5 * time.Second
)

// State is a step in the connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateRegistering
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonRegisterFailed CloseReason = "register_failed"
	ReasonSendFailed     CloseReason = "send_failed"
	ReasonClientClosed   CloseReason = "client_closed"
	ReasonReadError      CloseReason = "read_error"
	ReasonTimeout        CloseReason = "timeout"
	ReasonUnsubscribed   CloseReason = "unsubscribed"
)

// Registrar hands out registrations; *registry.Registry implements it.
type Registrar interface {
	Register(ctx context.Context, key registry.Key) (*registry.Handle, error)
}

// Config tunes session timing.
type Config struct {
	// MaxLife bounds how long a session lives without a ping or pong.
	MaxLife time.Duration
	// SendTimeout bounds a single count write.
	SendTimeout time.Duration
}

// DefaultConfig returns the production timing.
func DefaultConfig() Config {
	return Config{MaxLife: DefaultMaxLife, SendTimeout: DefaultSendTimeout}
}

// Request is what the upgrade handler learned about the client.
type Request struct {
	Key    registry.Key
	Origin string
}

type inbound struct {
	frame Frame
	err   error
}

// Session runs the protocol for one connection. Run must be called once.
type Session struct {
	transport Transport
	registrar Registrar
	clock     clockwork.Clock
	metrics   *metrics.SessionMetrics
	config    Config
	request   Request
	state     atomic.Int32
}

func New(transport Transport, registrar Registrar, clock clockwork.Clock, m *metrics.SessionMetrics, cfg Config, req Request) *Session {
	if cfg.MaxLife <= 0 {
		cfg.MaxLife = DefaultMaxLife
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Session{
		transport: transport,
		registrar: registrar,
		clock:     clock,
		metrics:   m,
		config:    cfg,
		request:   req,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run registers the session, serves it until it ends and always unregisters
// before returning. The transport is closed on return.
func (s *Session) Run(ctx context.Context) CloseReason {
	start := s.clock.Now()
	key := s.request.Key

	s.setState(StateRegistering)
	if !OriginMatches(key, s.request.Origin) {
		slog.WarnContext(ctx, "Key does not match origin", "key", string(key), "origin", s.request.Origin)
	}

	handle, err := s.registrar.Register(ctx, key)
	if err != nil {
		slog.ErrorContext(ctx, "Registration failed", "key", string(key), "error", err)
		return s.finish(ctx, start, ReasonRegisterFailed)
	}

	s.setState(StateActive)
	slog.DebugContext(ctx, "Session active",
		"key", string(key),
		"subscriber_id", handle.ID(),
	)
	reason := s.serve(ctx, handle)

	s.setState(StateDraining)
	// Unregistration must happen even if the caller's context is gone.
	if err := handle.Close(context.WithoutCancel(ctx)); err != nil {
		slog.WarnContext(ctx, "Unregister failed", "subscriber_id", handle.ID(), "error", err)
	}

	return s.finish(ctx, start, reason)
}

func (s *Session) finish(ctx context.Context, start time.Time, reason CloseReason) CloseReason {
	if err := s.transport.Close(); err != nil {
		slog.DebugContext(ctx, "Transport close failed", "error", err)
	}
	s.setState(StateClosed)

	s.metrics.Closed.WithLabelValues(string(reason)).Inc()
	s.metrics.ConnectionDuration.Observe(s.clock.Since(start).Seconds())
	slog.DebugContext(ctx, "Session closed", "key", string(s.request.Key), "reason", reason)
	return reason
}

// serve is the Active state: each iteration handles whichever of count
// update, inbound frame or timer is ready first.
func (s *Session) serve(ctx context.Context, handle *registry.Handle) CloseReason {
	frames := make(chan inbound)
	stop := make(chan struct{})
	defer close(stop)
	go s.receive(frames, stop)

	idle := s.clock.NewTimer(s.config.MaxLife)
	defer idle.Stop()

	for {
		select {
		case count, ok := <-handle.Updates():
			if !ok {
				return ReasonUnsubscribed
			}
			if err := s.send(count); err != nil {
				slog.WarnContext(ctx, "Connection broken", "key", string(handle.Key()), "error", err)
				return ReasonSendFailed
			}

		case in := <-frames:
			if in.err != nil {
				slog.DebugContext(ctx, "Read failed", "error", in.err)
				return ReasonReadError
			}
			switch in.frame.Kind {
			case FrameClose:
				slog.DebugContext(ctx, "Client closed connection")
				return ReasonClientClosed
			case FramePing, FramePong:
				s.resetTimer(idle)
			case FrameText, FrameBinary:
				// Only counts flow to the client; client payloads are ignored.
			default:
				slog.WarnContext(ctx, "Unrecognized frame", "kind", in.frame.Kind.String(), "size", len(in.frame.Payload))
				s.metrics.Anomalies.Inc()
			}

		case <-idle.Chan():
			slog.DebugContext(ctx, "Session max life reached", "max_life", s.config.MaxLife)
			s.metrics.Timeouts.Inc()
			return ReasonTimeout
		}
	}
}

// receive pumps inbound frames into out until the transport fails or stop
// is closed.
func (s *Session) receive(out chan<- inbound, stop <-chan struct{}) {
	err := s.transport.Receive(func(f Frame) bool {
		select {
		case out <- inbound{frame: f}:
			return true
		case <-stop:
			return false
		}
	})
	if err == nil {
		err = io.EOF
	}

	select {
	case out <- inbound{err: err}:
	case <-stop:
	}
}

func (s *Session) send(count uint64) error {
	start := s.clock.Now()
	payload := strconv.AppendUint(nil, count, 10)
	if err := s.transport.WriteText(payload, start.Add(s.config.SendTimeout)); err != nil {
		return fmt.Errorf("write count %d: %w", count, err)
	}
	s.metrics.SendDuration.Observe(s.clock.Since(start).Seconds())
	return nil
}

func (s *Session) resetTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
	t.Reset(s.config.MaxLife)
}
