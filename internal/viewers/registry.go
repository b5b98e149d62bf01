package viewers

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry owns one Tracker per watched film.
type Registry struct {
	streams Streams
	src     CountSource
	logger  *zap.Logger

	mu       sync.Mutex
	trackers map[int64]*Tracker
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(streams Streams, src CountSource, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		streams:  streams,
		src:      src,
		logger:   logger,
		trackers: make(map[int64]*Tracker),
	}
}

// Watch returns the tracker for filmID, starting one on first use. It returns nil after Close.
func (r *Registry) Watch(ctx context.Context, filmID int64) *Tracker {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if t, ok := r.trackers[filmID]; ok {
		r.mu.Unlock()
		return t
	}
	t := NewTracker(filmID, r.logger)
	r.trackers[filmID] = t
	r.mu.Unlock()

	t.Start(ctx, r.streams, r.src)
	return t
}

// Release stops tracking filmID.
func (r *Registry) Release(filmID int64) {
	r.mu.Lock()
	t, ok := r.trackers[filmID]
	delete(r.trackers, filmID)
	r.mu.Unlock()
	if ok {
		t.Close()
	}
}

// Films returns the watched film ids in ascending order.
func (r *Registry) Films() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close stops every tracker.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	trackers := r.trackers
	r.trackers = make(map[int64]*Tracker)
	r.mu.Unlock()
	for _, t := range trackers {
		t.Close()
	}
}
