// Package activity keeps the recent live viewer activity shown on the dashboard feed.
package activity

import (
	"sync"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
)

// DefaultSize is the number of events a feed keeps.
const DefaultSize = 50

// Source delivers live events.
type Source interface {
	SubscribeLiveEvents(fn func(*models.LiveEvent)) (unsubscribe func())
}

// Feed records the most recent live events, newest first.
type Feed struct {
	logger *zap.Logger

	mu     sync.RWMutex
	events []models.LiveEvent // ring buffer
	next   int
	full   bool
	total  int64
}

// NewFeed creates a feed holding up to size events.
func NewFeed(size int, logger *zap.Logger) *Feed {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{logger: logger, events: make([]models.LiveEvent, size)}
}

// Attach starts recording events from src.
func (f *Feed) Attach(src Source) (detach func()) {
	return src.SubscribeLiveEvents(func(ev *models.LiveEvent) {
		if ev != nil {
			f.Add(*ev)
		}
	})
}

// Add records ev.
func (f *Feed) Add(ev models.LiveEvent) {
	f.mu.Lock()
	f.events[f.next] = ev
	f.next = (f.next + 1) % len(f.events)
	if f.next == 0 {
		f.full = true
	}
	f.total++
	f.mu.Unlock()

	f.logger.Info("live event",
		zap.String("event_type", string(ev.EventType)),
		zap.String("film_id", ev.FilmID.String()),
		zap.String("user_id", ev.UserID),
		zap.Float64("current_time", ev.CurrentTime),
	)
}

// Recent returns up to limit events, newest first. limit <= 0 means all retained events.
func (f *Feed) Recent(limit int) []models.LiveEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := f.next
	if f.full {
		n = len(f.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.LiveEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (f.next - i + len(f.events)) % len(f.events)
		out = append(out, f.events[idx])
	}
	return out
}

// Total returns how many events were recorded since the feed was created.
func (f *Feed) Total() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.total
}
