package viewers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/realtime"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countSource struct {
	count int64
	err   error
	calls int
}

func (c *countSource) ViewerCount(_ context.Context, filmID int64) (*models.ViewerCount, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &models.ViewerCount{FilmID: filmID, ViewerCount: c.count}, nil
}

type manualTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
	fired   bool
}

func (m *manualTimer) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := !m.stopped
	m.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (c *manualClock) afterFunc(_ time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) fire(i int) {
	c.mu.Lock()
	t := c.timers[i]
	c.mu.Unlock()
	t.mu.Lock()
	t.fired = true
	t.mu.Unlock()
	t.fn()
}

func (c *manualClock) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

func concurrent(filmID, count int64) *models.ViewerUpdate {
	return &models.ViewerUpdate{Type: models.ViewerTypeConcurrent, FilmID: filmID, Count: count}
}

func TestTracker_InitialCountThenUpdates(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()
	clock := &manualClock{}
	tr := NewTracker(3, nil)
	tr.afterFunc = clock.afterFunc

	tr.Start(context.Background(), hub, &countSource{count: 4})
	assert.Equal(t, Snapshot{FilmID: 3, Count: 4}, tr.Snapshot())

	hub.PublishViewerUpdate(concurrent(9, 100))
	hub.PublishViewerUpdate(&models.ViewerUpdate{Type: models.ViewerTypeTotal, Count: 50})
	assert.Equal(t, int64(4), tr.Snapshot().Count, "other films and totals are ignored")

	hub.SetConnected(true)
	hub.PublishViewerUpdate(concurrent(3, 6))
	assert.Equal(t, Snapshot{FilmID: 3, Count: 6, Connected: true, Updating: true}, tr.Snapshot())

	clock.fire(0)
	assert.False(t, tr.Snapshot().Updating)

	tr.Close()
	assert.Zero(t, hub.SubscriberCount())
}

func TestTracker_FlashTimerIsReplaced(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()
	clock := &manualClock{}
	tr := NewTracker(1, nil)
	tr.afterFunc = clock.afterFunc
	tr.Start(context.Background(), hub, nil)

	hub.PublishViewerUpdate(concurrent(1, 1))
	hub.PublishViewerUpdate(concurrent(1, 1))
	hub.PublishViewerUpdate(concurrent(1, 2))
	require.Len(t, clock.timers, 2, "unchanged count does not flash")
	assert.Equal(t, 1, clock.live(), "previous timer cleared before rescheduling")

	clock.fire(0)
	assert.True(t, tr.Snapshot().Updating, "stale timer has no effect")
	clock.fire(1)
	assert.False(t, tr.Snapshot().Updating)

	hub.PublishViewerUpdate(concurrent(1, 5))
	tr.Close()
	assert.Zero(t, clock.live(), "close clears the pending timer")
	hub.PublishViewerUpdate(concurrent(1, 8))
	assert.Equal(t, int64(5), tr.Snapshot().Count)
}

func TestTracker_FetchFailureLeavesZero(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()
	tr := NewTracker(2, nil)
	defer tr.Close()

	tr.Start(context.Background(), hub, &countSource{err: errors.New("backend down")})
	assert.Equal(t, int64(0), tr.Snapshot().Count)
}

func TestTracker_PushedCountWinsOverFetch(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()
	hub.PublishViewerUpdate(concurrent(2, 11))

	tr := NewTracker(2, nil)
	defer tr.Close()
	tr.Start(context.Background(), hub, &countSource{count: 4})
	assert.Equal(t, int64(11), tr.Snapshot().Count)
}

func TestTracker_RealTimerClearsFlash(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()
	tr := NewTracker(2, nil)
	defer tr.Close()
	tr.Start(context.Background(), hub, nil)

	hub.PublishViewerUpdate(concurrent(2, 3))
	assert.True(t, tr.Snapshot().Updating)
	assert.Eventually(t, func() bool { return !tr.Snapshot().Updating }, 2*time.Second, 20*time.Millisecond)
}

func TestRegistry(t *testing.T) {
	hub := realtime.NewHub(nil)
	defer hub.Close()
	src := &countSource{count: 2}
	reg := NewRegistry(hub, src, nil)

	a := reg.Watch(context.Background(), 5)
	b := reg.Watch(context.Background(), 5)
	reg.Watch(context.Background(), 1)
	assert.Same(t, a, b)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, []int64{1, 5}, reg.Films())
	assert.Equal(t, 4, hub.SubscriberCount())

	reg.Release(1)
	assert.Equal(t, []int64{5}, reg.Films())
	assert.Equal(t, 2, hub.SubscriberCount())

	reg.Close()
	assert.Zero(t, hub.SubscriberCount())
	assert.Nil(t, reg.Watch(context.Background(), 5))
}
