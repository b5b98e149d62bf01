// Package telemetry turns playback transitions into identity-gated event submissions.
package telemetry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/observability"
)

// timestampLayout matches the millisecond ISO-8601 form the web client sends.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Publisher submits telemetry to the backend.
type Publisher interface {
	PublishVideoEvent(ctx context.Context, rec models.VideoTelemetryRecord) (string, error)
	SendEvent(ctx context.Context, ev models.GenericVideoEvent) (string, error)
}

// Identity resolves the user bound to outgoing telemetry, or nil when unauthenticated.
type Identity interface {
	CurrentUser() *models.User
}

// Tracker builds one VideoTelemetryRecord per call and submits it. Without an authenticated
// user every Track call returns nil without touching the network.
type Tracker struct {
	pub       Publisher
	identity  Identity
	sessionID string
	now       func() time.Time
	logger    *zap.Logger
}

// NewTracker creates a tracker that stamps every record with sessionID.
func NewTracker(pub Publisher, identity Identity, sessionID string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		pub:       pub,
		identity:  identity,
		sessionID: sessionID,
		now:       time.Now,
		logger:    logger,
	}
}

// SessionID returns the session id stamped on every record.
func (t *Tracker) SessionID() string { return t.sessionID }

// Enabled reports whether a user is bound, i.e. whether Track calls will submit.
func (t *Tracker) Enabled() bool {
	return t.user() != nil
}

func (t *Tracker) TrackPlay(ctx context.Context, filmID string, currentTime, duration float64) error {
	return t.track(ctx, models.EventPlay, filmID, currentTime, duration)
}

func (t *Tracker) TrackPause(ctx context.Context, filmID string, currentTime, duration float64) error {
	return t.track(ctx, models.EventPause, filmID, currentTime, duration)
}

func (t *Tracker) TrackProgress(ctx context.Context, filmID string, currentTime, duration float64) error {
	return t.track(ctx, models.EventProgress, filmID, currentTime, duration)
}

func (t *Tracker) TrackSeek(ctx context.Context, filmID string, currentTime, duration float64) error {
	return t.track(ctx, models.EventSeek, filmID, currentTime, duration)
}

func (t *Tracker) TrackEnded(ctx context.Context, filmID string, currentTime, duration float64) error {
	return t.track(ctx, models.EventEnded, filmID, currentTime, duration)
}

// Track submits an event of the given type.
// Types the backend does not know are rejected before any identity check.
func (t *Tracker) Track(ctx context.Context, eventType models.EventType, filmID string, currentTime, duration float64) error {
	if !eventType.Valid() {
		return fmt.Errorf("track: unknown event type %q", eventType)
	}
	return t.track(ctx, eventType, filmID, currentTime, duration)
}

func (t *Tracker) track(ctx context.Context, eventType models.EventType, filmID string, currentTime, duration float64) error {
	u := t.user()
	if u == nil {
		t.logger.Debug("skipping event, user not authenticated", zap.String("event_type", string(eventType)))
		observability.TelemetrySuppressed.WithLabelValues(string(eventType)).Inc()
		return nil
	}
	rec := models.VideoTelemetryRecord{
		FilmID:      filmID,
		UserID:      u.Username,
		EventType:   eventType,
		Timestamp:   t.now().UTC().Format(timestampLayout),
		CurrentTime: finite(currentTime),
		Duration:    finite(duration),
		SessionID:   t.sessionID,
	}
	reply, err := t.pub.PublishVideoEvent(ctx, rec)
	if err != nil {
		observability.TelemetrySent.WithLabelValues(string(eventType), "failed").Inc()
		return err
	}
	observability.TelemetrySent.WithLabelValues(string(eventType), "sent").Inc()
	t.logger.Debug("event sent",
		zap.String("event_type", string(eventType)),
		zap.String("film_id", filmID),
		zap.Float64("current_time", rec.CurrentTime),
		zap.String("response", reply),
	)
	return nil
}

// SendEvent submits the loosely typed form, with times rounded to two decimals.
func (t *Tracker) SendEvent(ctx context.Context, eventType string, filmID int64, currentTime, duration float64) error {
	u := t.user()
	if u == nil {
		observability.TelemetrySuppressed.WithLabelValues(eventType).Inc()
		return nil
	}
	ev := models.GenericVideoEvent{
		EventType:   eventType,
		FilmID:      filmID,
		Username:    u.Username,
		CurrentTime: round2(finite(currentTime)),
		Duration:    round2(finite(duration)),
		SessionID:   t.sessionID,
	}
	if _, err := t.pub.SendEvent(ctx, ev); err != nil {
		observability.TelemetrySent.WithLabelValues(eventType, "failed").Inc()
		return err
	}
	observability.TelemetrySent.WithLabelValues(eventType, "sent").Inc()
	return nil
}

func (t *Tracker) user() *models.User {
	if t.identity == nil {
		return nil
	}
	u := t.identity.CurrentUser()
	if u == nil || u.Username == "" {
		return nil
	}
	return u
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// finite maps NaN and infinities, which JSON cannot carry, to 0.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
