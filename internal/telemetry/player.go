package telemetry

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/observability"
)

// MediaEventKind names a native media element transition.
type MediaEventKind string

const (
	MediaLoadedMetadata MediaEventKind = "loadedmetadata"
	MediaPlay           MediaEventKind = "play"
	MediaPause          MediaEventKind = "pause"
	MediaSeeking        MediaEventKind = "seeking"
	MediaSeeked         MediaEventKind = "seeked"
	MediaTimeUpdate     MediaEventKind = "timeupdate"
	MediaEnded          MediaEventKind = "ended"
	MediaTeardown       MediaEventKind = "teardown"
)

// MediaEvent is one transition reported by a media element. Duration is only
// applied when positive; leave it zero when the element does not know it yet.
type MediaEvent struct {
	Kind        MediaEventKind `json:"event"`
	CurrentTime float64        `json:"currentTime"`
	Duration    float64        `json:"duration,omitempty"`
	// At is the offset from the start of a recorded trace, in milliseconds.
	At int64 `json:"at,omitempty"`
}

// State is the reducer's view of one media element.
type State struct {
	CurrentTime float64
	Duration    float64 // NaN until known, +Inf for unbounded streams
	Paused      bool
	Seeking     bool
	Baseline    float64
	Bucket      float64
	TornDown    bool
}

// NewState returns the state of an element that has not loaded yet.
func NewState(bucket time.Duration) State {
	b := bucket.Seconds()
	if b <= 0 {
		b = 15
	}
	return State{Duration: math.NaN(), Paused: true, Bucket: b}
}

// Emission is one telemetry record the reducer wants sent.
type Emission struct {
	Type        models.EventType
	CurrentTime float64
	Duration    float64
}

// Reduce applies ev to s and returns the new state and the records to emit, in order.
// It has no side effects.
func Reduce(s State, ev MediaEvent) (State, []Emission) {
	if s.TornDown {
		return s, nil
	}
	if ev.Duration > 0 {
		s.Duration = ev.Duration
	}
	if ev.Kind != MediaTeardown {
		s.CurrentTime = ev.CurrentTime
	}
	emit := func(t models.EventType) Emission {
		return Emission{Type: t, CurrentTime: s.CurrentTime, Duration: s.Duration}
	}

	switch ev.Kind {
	case MediaLoadedMetadata:
		s.Baseline = 0
		return s, nil
	case MediaPlay:
		s.Paused = false
		s.Baseline = math.Max(0, math.Floor(s.CurrentTime))
		return s, []Emission{emit(models.EventPlay), emit(models.EventProgress)}
	case MediaPause:
		s.Paused = true
		return s, []Emission{emit(models.EventPause)}
	case MediaSeeking:
		s.Seeking = true
		return s, nil
	case MediaSeeked:
		s.Seeking = false
		s.Baseline = math.Floor(s.CurrentTime)
		return s, []Emission{emit(models.EventSeek)}
	case MediaEnded:
		s.Paused = true
		return s, []Emission{emit(models.EventEnded)}
	case MediaTimeUpdate:
		if s.Paused || s.Seeking || math.IsNaN(s.Duration) {
			return s, nil
		}
		if s.CurrentTime-s.Baseline >= s.Bucket {
			s.Baseline = math.Floor(s.CurrentTime/s.Bucket) * s.Bucket
			return s, []Emission{emit(models.EventProgress)}
		}
		return s, nil
	case MediaTeardown:
		s.Paused = true
		s.TornDown = true
		return s, []Emission{emit(models.EventPause)}
	}
	return s, nil
}

// PlayerOptions tunes a Player.
type PlayerOptions struct {
	ProgressInterval time.Duration
	QueueSize        int
}

// Player binds one film's media element to a Tracker. Records are submitted in order by a
// single dispatcher goroutine; a full queue drops the record rather than block the caller.
type Player struct {
	filmID  string
	tracker *Tracker
	logger  *zap.Logger

	mu     sync.Mutex
	state  State
	queue  chan Emission
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPlayer starts the dispatcher for filmID. Call Close to send the teardown PAUSE and stop it.
func NewPlayer(filmID string, tracker *Tracker, opts PlayerOptions, logger *zap.Logger) *Player {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		filmID:  filmID,
		tracker: tracker,
		logger:  logger.With(zap.String("film_id", filmID), zap.String("session_id", tracker.SessionID())),
		state:   NewState(opts.ProgressInterval),
		queue:   make(chan Emission, opts.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// Handle feeds one media event through the reducer and queues what it emits.
func (p *Player) Handle(ev MediaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	var out []Emission
	p.state, out = Reduce(p.state, ev)
	for _, em := range out {
		p.enqueueLocked(em)
	}
}

// State returns a copy of the current reducer state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SendEvent submits the generic event form for the current position.
func (p *Player) SendEvent(ctx context.Context, eventType string) error {
	p.mu.Lock()
	s := p.state
	p.mu.Unlock()
	id, err := strconv.ParseInt(p.filmID, 10, 64)
	if err != nil {
		return fmt.Errorf("film id %q: %w", p.filmID, err)
	}
	return p.tracker.SendEvent(ctx, eventType, id, s.CurrentTime, s.Duration)
}

// Close emits the teardown PAUSE (unless a teardown event was already handled), then waits
// for queued records to be submitted. If ctx ends first, in-flight submissions are abandoned.
func (p *Player) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	var out []Emission
	p.state, out = Reduce(p.state, MediaEvent{Kind: MediaTeardown})
	for _, em := range out {
		p.enqueueLocked(em)
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

func (p *Player) enqueueLocked(em Emission) {
	select {
	case p.queue <- em:
	default:
		observability.TelemetrySent.WithLabelValues(string(em.Type), "dropped").Inc()
		p.logger.Warn("telemetry queue full, dropping event", zap.String("event_type", string(em.Type)))
	}
}

func (p *Player) dispatch() {
	defer close(p.done)
	for em := range p.queue {
		if p.ctx.Err() != nil {
			continue
		}
		if err := p.tracker.Track(p.ctx, em.Type, p.filmID, em.CurrentTime, em.Duration); err != nil {
			p.logger.Warn("failed to track event", zap.String("event_type", string(em.Type)), zap.Error(err))
		}
	}
}
