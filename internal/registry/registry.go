package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThomasHabets/livecount/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	controlQueueSize  = 10
	deliveryQueueSize = 10
	commandTimeout    = 5 * time.Second  // how long a full control queue is tolerated
	stopTimeout       = 10 * time.Second // graceful shutdown timeout
)

var (
	ErrStopped      = errors.New("registry stopped")
	ErrSaturated    = errors.New("registry control queue saturated")
	ErrHandleClosed = errors.New("handle already closed")
)

// registryCmd is the command interface for the Registry actor.
type registryCmd interface{ isRegistryCmd() }

type baseRegistryCmd struct{}

func (baseRegistryCmd) isRegistryCmd() {}

type registerCmd struct {
	baseRegistryCmd
	key          Key
	replyChannel chan *Handle
}

type unregisterCmd struct {
	baseRegistryCmd
	handle *Handle
}

type countCmd struct {
	baseRegistryCmd
	key          Key
	replyChannel chan int
}

type statsCmd struct {
	baseRegistryCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseRegistryCmd
}

// Stats is a point-in-time view of the directory size.
type Stats struct {
	Keys        int `json:"keys"`
	Subscribers int `json:"subscribers"`
}

// Registry owns the membership directory. All state lives in the run
// goroutine; other goroutines talk to it only through cmdCh.
type Registry struct {
	cmdCh          chan registryCmd
	clock          clockwork.Clock
	metrics        *metrics.RegistryMetrics
	dir            *directory
	lastID         SubscriberID
	done           chan struct{}
	stopOnce       sync.Once
	commandTimeout time.Duration
	stopTimeout    time.Duration
}

// New creates a registry and starts its control loop.
func New(m *metrics.RegistryMetrics, clock clockwork.Clock) *Registry {
	r := newRegistry(m, clock)
	go r.run()
	return r
}

func newRegistry(m *metrics.RegistryMetrics, clock clockwork.Clock) *Registry {
	return &Registry{
		cmdCh:          make(chan registryCmd, controlQueueSize),
		clock:          clock,
		metrics:        m,
		dir:            newDirectory(),
		done:           make(chan struct{}),
		commandTimeout: commandTimeout,
		stopTimeout:    stopTimeout,
	}
}

// Register adds a new subscriber under key and broadcasts the updated count
// to every member, the new one included. It fails only when the control loop
// is gone, the control queue stays full for the command timeout, or ctx ends
// before the request is queued. Failures are not retried.
func (r *Registry) Register(ctx context.Context, key Key) (*Handle, error) {
	replyCh := make(chan *Handle, 1)
	if err := r.send(ctx, registerCmd{key: key, replyChannel: replyCh}); err != nil {
		r.metrics.Registrations.WithLabelValues(registrationResult(err)).Inc()
		return nil, fmt.Errorf("register %q: %w", key, err)
	}

	// Once queued the handle will be created, so ctx is not consulted here:
	// abandoning the reply would leak a subscriber.
	select {
	case h := <-replyCh:
		return h, nil
	case <-r.done:
		return nil, fmt.Errorf("register %q: %w", key, ErrStopped)
	}
}

// Count returns the number of subscribers currently registered under key.
func (r *Registry) Count(ctx context.Context, key Key) (int, error) {
	replyCh := make(chan int, 1)
	if err := r.send(ctx, countCmd{key: key, replyChannel: replyCh}); err != nil {
		return 0, err
	}
	select {
	case n := <-replyCh:
		return n, nil
	case <-r.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Stats returns the number of active keys and subscribers.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	replyCh := make(chan Stats, 1)
	if err := r.send(ctx, statsCmd{replyChannel: replyCh}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-replyCh:
		return s, nil
	case <-r.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Stop shuts down the control loop. Handles still open afterwards stall:
// they receive no further updates and Close reports ErrStopped.
// Meant for process teardown and tests.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		timeout := r.clock.NewTimer(r.stopTimeout)
		defer timeout.Stop()

		select {
		case r.cmdCh <- stopCmd{}:
		case <-r.done:
			return
		case <-timeout.Chan():
			slog.Warn("Registry stop command could not be queued", "timeout", r.stopTimeout)
			return
		}

		select {
		case <-r.done:
			slog.Info("Registry stopped")
		case <-timeout.Chan():
			slog.Warn("Registry stop timeout exceeded", "timeout", r.stopTimeout)
		}
	})
}

// send queues cmd for the control loop.
func (r *Registry) send(ctx context.Context, cmd registryCmd) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	select {
	case r.cmdCh <- cmd:
		return nil
	default:
	}

	timer := r.clock.NewTimer(r.commandTimeout)
	defer timer.Stop()

	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		slog.Warn("Registry control queue saturated",
			"depth", len(r.cmdCh),
			"capacity", cap(r.cmdCh),
			"timeout", r.commandTimeout,
		)
		return ErrSaturated
	}
}

// enqueue queues cmd without a saturation timeout. Unregistration uses it:
// giving up would leave a subscriber in the directory for good.
func (r *Registry) enqueue(cmd registryCmd) error {
	select {
	case r.cmdCh <- cmd:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

func (r *Registry) run() {
	defer close(r.done)
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Registry panic recovered", "panic", p)
			r.metrics.Panics.Inc()
		}
	}()

	for {
		cmd := <-r.cmdCh
		r.metrics.CommandQueueDepth.Set(float64(len(r.cmdCh)))

		switch c := cmd.(type) {
		case registerCmd:
			r.handleRegister(c)
		case unregisterCmd:
			r.handleUnregister(c)
		case countCmd:
			c.replyChannel <- r.dir.count(c.key)
		case statsCmd:
			c.replyChannel <- Stats{Keys: r.dir.keyCount(), Subscribers: r.dir.subscribers()}
		case stopCmd:
			slog.Info("Registry shutting down",
				"keys", r.dir.keyCount(),
				"subscribers", r.dir.subscribers(),
			)
			return
		default:
			slog.Warn("Registry received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (r *Registry) handleRegister(c registerCmd) {
	r.lastID++
	id := r.lastID

	ch := make(chan uint64, deliveryQueueSize)
	count := r.dir.add(c.key, id, ch)

	h := &Handle{
		id:       id,
		key:      c.key,
		updates:  ch,
		registry: r,
	}

	r.updateGauges()
	slog.Debug("Subscriber registered",
		"subscriber_id", id,
		"key", string(c.key),
		"count", count,
		"total_subscribers", r.dir.subscribers(),
	)

	r.publish(c.key, r.dir.members(c.key), uint64(count))
	r.metrics.Registrations.WithLabelValues("success").Inc()
	c.replyChannel <- h
}

func (r *Registry) handleUnregister(c unregisterCmd) {
	h := c.handle
	remaining, ok := r.dir.remove(h.key, h.id)
	if !ok {
		slog.Warn("Unregister for unknown subscriber, possible double unregister",
			"subscriber_id", h.id,
			"key", string(h.key),
		)
		r.metrics.InvariantViolations.Inc()
		return
	}

	r.updateGauges()

	if remaining == 0 {
		slog.Debug("Last subscriber left, key removed", "subscriber_id", h.id, "key", string(h.key))
		return
	}

	slog.Debug("Subscriber unregistered",
		"subscriber_id", h.id,
		"key", string(h.key),
		"remaining", remaining,
	)
	r.publish(h.key, r.dir.members(h.key), uint64(remaining))
}

// publish offers value to every member once. Missing or full channels are
// logged and skipped.
func (r *Registry) publish(key Key, members map[SubscriberID]struct{}, value uint64) {
	for id := range members {
		ch, ok := r.dir.channel(id)
		if !ok {
			slog.Warn("Publish target has no delivery channel", "subscriber_id", id, "key", string(key))
			r.metrics.Deliveries.WithLabelValues(metrics.DeliveryMissing).Inc()
			continue
		}

		select {
		case ch <- value:
			r.metrics.Deliveries.WithLabelValues(metrics.DeliveryDelivered).Inc()
		default:
			slog.Warn("Delivery channel full, dropping update",
				"subscriber_id", id,
				"key", string(key),
				"value", value,
			)
			r.metrics.Deliveries.WithLabelValues(metrics.DeliveryDropped).Inc()
		}
	}
}

func (r *Registry) updateGauges() {
	r.metrics.ActiveSubscribers.Set(float64(r.dir.subscribers()))
	r.metrics.ActiveKeys.Set(float64(r.dir.keyCount()))
}

func registrationResult(err error) string {
	switch {
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrSaturated):
		return "saturated"
	default:
		return "canceled"
	}
}
