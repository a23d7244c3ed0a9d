// Package correlation tags log records with the viewer connection that
// produced them, so one connection's lines can be followed from upgrade to
// close across the server, session and registry logs.
package correlation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Conn identifies one viewer connection.
type Conn struct {
	ID string
	// Remote is the client address as logged: the forwarded address when a
	// proxy supplied one, else the TCP peer.
	Remote string
}

// NewConn assigns a fresh id to a connection from remote.
func NewConn(remote string) Conn {
	return Conn{ID: uuid.NewString(), Remote: remote}
}

func (c Conn) attrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("conn_id", c.ID)}
	if c.Remote != "" {
		attrs = append(attrs, slog.String("remote", c.Remote))
	}
	return attrs
}

type contextKey struct{}

func WithConn(ctx context.Context, c Conn) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the connection ctx belongs to. Contexts without one,
// or with an empty id, report false.
func FromContext(ctx context.Context) (Conn, bool) {
	c, ok := ctx.Value(contextKey{}).(Conn)
	return c, ok && c.ID != ""
}

// Handler adds conn_id and remote attributes to records logged with a
// connection context.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if c, ok := FromContext(ctx); ok {
		r.AddAttrs(c.attrs()...)
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
