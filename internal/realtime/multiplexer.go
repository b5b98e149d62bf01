package realtime

import (
	"bytes"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/observability"
)

// Push topics served by the backend.
const (
	TopicLiveEvents = "/topic/live-events"
	TopicAnalytics  = "/topic/real-time-analytics"
)

// Subscriber is the part of the transport the multiplexer needs.
type Subscriber interface {
	Subscribe(destination string, handler MessageHandler)
	Unsubscribe(destination string)
}

// Multiplexer decodes the two push topics and routes each message to the hub. A bad
// message is logged and dropped; it never reaches subscribers or affects later messages.
type Multiplexer struct {
	hub    *Hub
	logger *zap.Logger
}

// NewMultiplexer creates a multiplexer that publishes into hub.
func NewMultiplexer(hub *Hub, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{hub: hub, logger: logger}
}

// Attach registers both topics on t. The transport resubscribes them on every connect
// until detach is called.
func (m *Multiplexer) Attach(t Subscriber) (detach func()) {
	t.Subscribe(TopicLiveEvents, m.HandleLiveEvent)
	t.Subscribe(TopicAnalytics, m.HandleAnalytics)
	return func() {
		t.Unsubscribe(TopicLiveEvents)
		t.Unsubscribe(TopicAnalytics)
	}
}

// HandleLiveEvent forwards a live-events message verbatim.
func (m *Multiplexer) HandleLiveEvent(body []byte) {
	var ev models.LiveEvent
	if err := decodeObject(body, &ev); err != nil {
		m.drop(TopicLiveEvents, "malformed", "error parsing live event", zap.Error(err))
		return
	}
	observability.RealtimeMessages.WithLabelValues(TopicLiveEvents, "routed").Inc()
	m.hub.PublishLiveEvent(&ev)
}

type analyticsMessage struct {
	Type      string            `json:"type"`
	FilmID    models.FlexString `json:"filmId"`
	Count     *int64            `json:"count"`
	Timestamp models.FlexString `json:"timestamp"`
}

// HandleAnalytics routes a real-time-analytics message by its type discriminator.
func (m *Multiplexer) HandleAnalytics(body []byte) {
	var msg analyticsMessage
	if err := decodeObject(body, &msg); err != nil {
		m.drop(TopicAnalytics, "malformed", "error parsing analytics update", zap.Error(err))
		return
	}
	if msg.Count == nil || *msg.Count < 0 {
		m.drop(TopicAnalytics, "malformed", "analytics update without a valid count", zap.String("type", msg.Type))
		return
	}

	u := &models.ViewerUpdate{Type: msg.Type, Count: *msg.Count, Timestamp: msg.Timestamp}
	switch msg.Type {
	case models.ViewerTypeConcurrent:
		id, ok := msg.FilmID.Int64()
		if !ok {
			m.drop(TopicAnalytics, "malformed", "concurrent_viewers without film id", zap.String("film_id", msg.FilmID.String()))
			return
		}
		u.FilmID = id
	case models.ViewerTypeTotal:
		u.FilmID = models.AggregateFilmID
	default:
		m.drop(TopicAnalytics, "dropped", "ignoring analytics update", zap.String("type", msg.Type))
		return
	}
	observability.RealtimeMessages.WithLabelValues(TopicAnalytics, "routed").Inc()
	m.hub.PublishViewerUpdate(u)
}

func (m *Multiplexer) drop(topic, outcome, msg string, fields ...zap.Field) {
	observability.RealtimeMessages.WithLabelValues(topic, outcome).Inc()
	if outcome == "malformed" {
		m.logger.Warn(msg, append(fields, zap.String("topic", topic))...)
		return
	}
	m.logger.Debug(msg, append(fields, zap.String("topic", topic))...)
}

var errNotObject = errors.New("payload is not a JSON object")

func decodeObject(body []byte, v any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errNotObject
	}
	return json.Unmarshal(trimmed, v)
}
