package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Key identifies the content whose viewers are counted together.
// Keys compare as opaque byte strings.
type Key string

// SubscriberID is assigned by the registry on registration and never reused.
type SubscriberID uint64

// Handle represents one active registration. It is owned by a single
// connection session; Close is the only way to unregister.
type Handle struct {
	id       SubscriberID
	key      Key
	updates  chan uint64
	registry *Registry
	closed   atomic.Bool
}

func (h *Handle) ID() SubscriberID { return h.id }

func (h *Handle) Key() Key { return h.key }

// Updates delivers the current count for the handle's key after every
// membership change. The first value is the count including this handle.
// The channel is closed once the registry has processed the unregistration.
func (h *Handle) Updates() <-chan uint64 { return h.updates }

// Close asks the registry to unregister the handle. It returns once the
// request is queued, waiting out a full control queue for as long as it
// takes; only a stopped registry makes it fail. ctx is used for logging.
// A second call is a logged no-op returning ErrHandleClosed.
func (h *Handle) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		slog.WarnContext(ctx, "Handle closed twice", "subscriber_id", h.id, "key", string(h.key))
		return ErrHandleClosed
	}

	if err := h.registry.enqueue(unregisterCmd{handle: h}); err != nil {
		return fmt.Errorf("unregister subscriber %d: %w", h.id, err)
	}
	return nil
}
