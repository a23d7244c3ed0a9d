package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThomasHabets/livecount/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *metrics.RegistryMetrics) {
	t.Helper()
	m := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	r := New(m, clockwork.NewRealClock())
	t.Cleanup(r.Stop)
	return r, m
}

func register(t *testing.T, r *Registry, key Key) *Handle {
	t.Helper()
	h, err := r.Register(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, h)
	return h
}

func recv(t *testing.T, h *Handle) uint64 {
	t.Helper()
	select {
	case v, ok := <-h.Updates():
		require.True(t, ok, "updates channel closed for subscriber %d", h.ID())
		return v
	case <-time.After(time.Second):
		t.Fatalf("no update for subscriber %d", h.ID())
		return 0
	}
}

func drain(h *Handle) []uint64 {
	var values []uint64
	for {
		select {
		case v, ok := <-h.Updates():
			if !ok {
				return values
			}
			values = append(values, v)
		default:
			return values
		}
	}
}

// settle waits until every previously queued command has been processed.
func settle(t *testing.T, r *Registry, key Key) int {
	t.Helper()
	n, err := r.Count(context.Background(), key)
	require.NoError(t, err)
	return n
}

func TestRegistry_RegisterUnregisterScenario(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	h1 := register(t, r, "/a")
	assert.Equal(t, SubscriberID(1), h1.ID())
	assert.Equal(t, Key("/a"), h1.Key())
	assert.Equal(t, uint64(1), recv(t, h1))

	h2 := register(t, r, "/a")
	assert.Equal(t, SubscriberID(2), h2.ID())
	assert.Equal(t, uint64(2), recv(t, h1))
	assert.Equal(t, uint64(2), recv(t, h2))

	require.NoError(t, h1.Close(ctx))
	assert.Equal(t, uint64(1), recv(t, h2))

	require.NoError(t, h2.Close(ctx))
	assert.Equal(t, 0, settle(t, r, "/a"))

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Keys: 0, Subscribers: 0}, stats)
}

func TestRegistry_ConcurrentRegistrationsSameKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	const n = 8

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		handles []*Handle
	)
	start := make(chan struct{})
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			h, err := r.Register(context.Background(), "/k")
			assert.NoError(t, err)
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, handles, n)
	seen := make(map[SubscriberID]bool)
	for _, h := range handles {
		require.False(t, seen[h.ID()], "duplicate subscriber id %d", h.ID())
		seen[h.ID()] = true

		// The k-th registration observes k first, then every later count in order.
		values := drain(h)
		require.NotEmpty(t, values)
		assert.Equal(t, uint64(h.ID()), values[0])
		for i, v := range values {
			assert.Equal(t, values[0]+uint64(i), v)
		}
		assert.Equal(t, uint64(n), values[len(values)-1])
	}
	assert.Equal(t, n, settle(t, r, "/k"))
}

func TestRegistry_DistinctKeysDoNotCrossTalk(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wg sync.WaitGroup
	handles := make([]*Handle, 2)
	for i, key := range []Key{"/a", "/b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := r.Register(context.Background(), key)
			assert.NoError(t, err)
			handles[i] = h
		}()
	}
	wg.Wait()

	for _, h := range handles {
		require.NotNil(t, h)
		assert.Equal(t, []uint64{1}, drain(h))
	}

	require.NoError(t, handles[1].Close(context.Background()))
	settle(t, r, "/b")
	assert.Empty(t, drain(handles[0]), "unregistering /b must not notify /a")
}

func TestRegistry_LastUnregisterRemovesKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	h1 := register(t, r, "/a")
	require.NoError(t, h1.Close(ctx))
	assert.Equal(t, 0, settle(t, r, "/a"))

	h2 := register(t, r, "/a")
	assert.Equal(t, uint64(1), recv(t, h2), "count restarts at 1")
	assert.Equal(t, SubscriberID(2), h2.ID(), "ids are never reused")
}

func TestRegistry_UnregisterDecrementsForRemaining(t *testing.T) {
	r, _ := newTestRegistry(t)

	handles := []*Handle{register(t, r, "/a"), register(t, r, "/a"), register(t, r, "/a")}
	for _, h := range handles {
		drain(h)
	}

	require.NoError(t, handles[1].Close(context.Background()))
	assert.Equal(t, uint64(2), recv(t, handles[0]))
	assert.Equal(t, uint64(2), recv(t, handles[2]))
}

func TestRegistry_CountAndStats(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, r, "/a")
	register(t, r, "/a")
	b := register(t, r, "/b")

	n, err := r.Count(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.Count(ctx, "/missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stats, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Keys: 2, Subscribers: 3}, stats)

	require.NoError(t, b.Close(ctx))
	stats, err = r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Keys: 1, Subscribers: 2}, stats)

	r.Stop()
	_, err = r.Stats(ctx)
	require.ErrorIs(t, err, ErrStopped)
	_, err = r.Count(ctx, "/a")
	require.ErrorIs(t, err, ErrStopped)
}

func TestHandle_CloseTwice(t *testing.T) {
	r, m := newTestRegistry(t)
	ctx := context.Background()

	h := register(t, r, "/a")
	require.NoError(t, h.Close(ctx))

	err := h.Close(ctx)
	require.ErrorIs(t, err, ErrHandleClosed)
	settle(t, r, "/a")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InvariantViolations))
}

func TestRegistry_ClosedHandleReceivesNoFurtherUpdates(t *testing.T) {
	r, m := newTestRegistry(t)

	h1 := register(t, r, "/a")
	assert.Equal(t, []uint64{1}, drain(h1))
	require.NoError(t, h1.Close(context.Background()))

	h2 := register(t, r, "/a")
	assert.Equal(t, uint64(1), recv(t, h2))

	_, open := <-h1.Updates()
	assert.False(t, open, "closed handle's channel is closed, not fed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliveryMissing)))
}

func TestRegistry_SaturatedSubscriberDoesNotBlockOthers(t *testing.T) {
	r, m := newTestRegistry(t)

	slow := register(t, r, "/a")
	var others []*Handle
	for range deliveryQueueSize {
		others = append(others, register(t, r, "/a"))
	}

	// slow holds 1..10; the 11th count is dropped for it alone.
	last := others[len(others)-1]
	assert.Equal(t, uint64(deliveryQueueSize+1), recv(t, last))
	for _, h := range others[:len(others)-1] {
		values := drain(h)
		require.NotEmpty(t, values)
		assert.Equal(t, uint64(deliveryQueueSize+1), values[len(values)-1])
	}

	values := drain(slow)
	require.Len(t, values, deliveryQueueSize)
	assert.Equal(t, uint64(deliveryQueueSize), values[len(values)-1])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(metrics.DeliveryDropped)))
}

func TestRegistry_Gauges(t *testing.T) {
	r, m := newTestRegistry(t)

	h1 := register(t, r, "/a")
	register(t, r, "/a")
	register(t, r, "/b")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSubscribers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveKeys))

	require.NoError(t, h1.Close(context.Background()))
	settle(t, r, "/a")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSubscribers))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Registrations.WithLabelValues("success")))
}

func TestRegistry_Stop(t *testing.T) {
	r, m := newTestRegistry(t)
	ctx := context.Background()

	h := register(t, r, "/a")
	r.Stop()

	_, err := r.Register(ctx, "/a")
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("stopped")))

	require.ErrorIs(t, h.Close(ctx), ErrStopped)

	_, err = r.Count(ctx, "/a")
	require.ErrorIs(t, err, ErrStopped)

	// Stop is idempotent.
	r.Stop()
}

func TestRegistry_RegisterFailsWhenQueueSaturated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	r := newRegistry(m, clock) // control loop intentionally not started

	for range controlQueueSize {
		r.cmdCh <- countCmd{key: "/filler", replyChannel: make(chan int, 1)}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Register(context.Background(), "/a")
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(commandTimeout)

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrSaturated), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("Register did not give up on a saturated queue")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("saturated")))
}

func TestHandle_CloseWaitsOutSaturatedQueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	r := newRegistry(m, clock) // control loop started below

	replyCh := make(chan *Handle, 1)
	r.handleRegister(registerCmd{key: "/a", replyChannel: replyCh})
	h := <-replyCh

	for range controlQueueSize {
		r.cmdCh <- countCmd{key: "/filler", replyChannel: make(chan int, 1)}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Close(context.Background())
	}()

	clock.Advance(2 * commandTimeout)
	select {
	case err := <-errCh:
		t.Fatalf("Close returned %v while the queue was still full", err)
	case <-time.After(50 * time.Millisecond):
	}

	go r.run()
	t.Cleanup(r.Stop)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not complete once the loop drained the queue")
	}
	assert.Equal(t, 0, settle(t, r, "/a"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSubscribers))
}

func TestRegistry_RegisterHonorsContextWhileQueueFull(t *testing.T) {
	m := metrics.NewRegistryMetrics(prometheus.NewRegistry())
	r := newRegistry(m, clockwork.NewFakeClock())
	for range controlQueueSize {
		r.cmdCh <- countCmd{key: "/filler", replyChannel: make(chan int, 1)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Register(ctx, "/a")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Registrations.WithLabelValues("canceled")))
}

func TestRegistry_DoubleUnregisterIsLoggedNotFatal(t *testing.T) {
	r, m := newTestRegistry(t)

	h := register(t, r, "/a")
	other := register(t, r, "/b")

	// Bypass the Handle guard to exercise the registry-side invariant check.
	r.cmdCh <- unregisterCmd{handle: h}
	r.cmdCh <- unregisterCmd{handle: h}
	assert.Equal(t, 0, settle(t, r, "/a"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvariantViolations))

	// The registry keeps serving other keys.
	assert.Equal(t, 1, settle(t, r, "/b"))
	require.NoError(t, other.Close(context.Background()))
	assert.Equal(t, 0, settle(t, r, "/b"))
}
