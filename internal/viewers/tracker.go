// Package viewers keeps live per-film viewer counts from the initial REST count and the
// hub's viewer updates.
package viewers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
)

// FlashDuration is how long Updating stays true after the count changes.
const FlashDuration = 500 * time.Millisecond

// CountSource fetches the current viewer count of a film.
type CountSource interface {
	ViewerCount(ctx context.Context, filmID int64) (*models.ViewerCount, error)
}

// Streams is the part of the hub a tracker observes.
type Streams interface {
	SubscribeViewerUpdates(fn func(*models.ViewerUpdate)) (unsubscribe func())
	SubscribeConnectionStatus(fn func(bool)) (unsubscribe func())
}

// Snapshot is a tracker's observable state.
type Snapshot struct {
	FilmID    int64 `json:"filmId"`
	Count     int64 `json:"viewerCount"`
	Connected bool  `json:"connected"`
	Updating  bool  `json:"updating"`
}

type timer interface {
	Stop() bool
}

// Tracker follows the concurrent viewer count of one film.
type Tracker struct {
	filmID int64
	logger *zap.Logger

	afterFunc func(time.Duration, func()) timer

	mu        sync.Mutex
	count     int64
	connected bool
	updating  bool
	pushed    bool
	flash     timer
	closed    bool
	unsubs    []func()
}

// NewTracker creates an idle tracker. Call Start to begin following the film.
func NewTracker(filmID int64, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		filmID: filmID,
		logger: logger.With(zap.Int64("film_id", filmID)),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Start subscribes to streams and then fetches the initial count from src. A count pushed
// before the fetch completes wins over the fetched one. A failed fetch leaves the count at 0.
func (t *Tracker) Start(ctx context.Context, streams Streams, src CountSource) {
	unsubStatus := streams.SubscribeConnectionStatus(func(connected bool) {
		t.mu.Lock()
		t.connected = connected
		t.mu.Unlock()
	})
	unsubUpdates := streams.SubscribeViewerUpdates(func(u *models.ViewerUpdate) {
		if u == nil || u.Type != models.ViewerTypeConcurrent || u.FilmID != t.filmID {
			return
		}
		t.apply(u.Count, true)
	})
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		unsubStatus()
		unsubUpdates()
		return
	}
	t.unsubs = append(t.unsubs, unsubStatus, unsubUpdates)
	t.mu.Unlock()

	if src == nil {
		return
	}
	vc, err := src.ViewerCount(ctx, t.filmID)
	if err != nil {
		t.logger.Warn("error fetching initial viewer count", zap.Error(err))
		return
	}
	t.mu.Lock()
	if !t.pushed && !t.closed {
		t.count = max(vc.ViewerCount, 0)
	}
	t.mu.Unlock()
	t.logger.Debug("initial viewer count", zap.Int64("count", vc.ViewerCount))
}

func (t *Tracker) apply(count int64, pushed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pushed = t.pushed || pushed
	if count == t.count {
		return
	}
	t.logger.Debug("viewer count changed", zap.Int64("from", t.count), zap.Int64("to", count))
	t.count = count
	t.updating = true
	if t.flash != nil {
		t.flash.Stop()
	}
	var fired timer
	fired = t.afterFunc(FlashDuration, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.flash == fired {
			t.updating = false
			t.flash = nil
		}
	})
	t.flash = fired
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{FilmID: t.filmID, Count: t.count, Connected: t.connected, Updating: t.updating}
}

// Close releases the hub subscriptions and any pending flash timer.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	unsubs := t.unsubs
	t.unsubs = nil
	if t.flash != nil {
		t.flash.Stop()
		t.flash = nil
	}
	t.updating = false
	t.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}
