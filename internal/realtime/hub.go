// Package realtime keeps the push channel to the backend and fans its streams out to
// in-process subscribers.
package realtime

import (
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/pkg/broadcast"
)

// Hub exposes the three push streams (live events, viewer updates, connection status).
// Each stream caches only its latest value: a new subscriber gets that value synchronously,
// then every later emission in arrival order. One Hub serves the whole agent session.
type Hub struct {
	liveEvents    *broadcast.Subject[*models.LiveEvent]
	viewerUpdates *broadcast.Subject[*models.ViewerUpdate]
	status        *broadcast.Subject[bool]
	logger        *zap.Logger
}

// NewHub creates a hub with nil/false initial values.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		liveEvents:    broadcast.NewSubject[*models.LiveEvent](nil),
		viewerUpdates: broadcast.NewSubject[*models.ViewerUpdate](nil),
		status:        broadcast.NewSubject(false),
		logger:        logger,
	}
}

// SubscribeLiveEvents registers fn for live events. fn first receives the latest event,
// or nil if none has arrived. Call the returned func to unsubscribe.
func (h *Hub) SubscribeLiveEvents(fn func(*models.LiveEvent)) (unsubscribe func()) {
	return h.liveEvents.Subscribe(fn)
}

// SubscribeViewerUpdates registers fn for viewer count updates, replaying the latest (or nil).
func (h *Hub) SubscribeViewerUpdates(fn func(*models.ViewerUpdate)) (unsubscribe func()) {
	return h.viewerUpdates.Subscribe(fn)
}

// SubscribeConnectionStatus registers fn for connectivity changes, replaying the current value.
func (h *Hub) SubscribeConnectionStatus(fn func(bool)) (unsubscribe func()) {
	return h.status.Subscribe(fn)
}

// PublishLiveEvent delivers ev to every live event subscriber.
func (h *Hub) PublishLiveEvent(ev *models.LiveEvent) {
	h.liveEvents.Next(ev)
}

// PublishViewerUpdate delivers u to every viewer update subscriber.
func (h *Hub) PublishViewerUpdate(u *models.ViewerUpdate) {
	h.viewerUpdates.Next(u)
}

// SetConnected publishes the channel's connectivity. The transport only calls it on change.
func (h *Hub) SetConnected(connected bool) {
	h.logger.Info("connection status changed", zap.Bool("connected", connected))
	h.status.Next(connected)
}

// Connected returns the last published connectivity.
func (h *Hub) Connected() bool {
	return h.status.Value()
}

// LatestViewerUpdate returns the cached viewer update, or nil.
func (h *Hub) LatestViewerUpdate() *models.ViewerUpdate {
	return h.viewerUpdates.Value()
}

// LatestLiveEvent returns the cached live event, or nil.
func (h *Hub) LatestLiveEvent() *models.LiveEvent {
	return h.liveEvents.Value()
}

// SubscriberCount returns the number of subscribers across all three streams.
func (h *Hub) SubscriberCount() int {
	return h.liveEvents.Len() + h.viewerUpdates.Len() + h.status.Len()
}

// Close drops every subscriber and cached value. Later publishes and subscribes are ignored.
func (h *Hub) Close() {
	h.liveEvents.Close()
	h.viewerUpdates.Close()
	h.status.Close()
	h.logger.Debug("hub closed")
}
