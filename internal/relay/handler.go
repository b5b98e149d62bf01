package relay

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/activity"
	"github.com/metricsplay/client/internal/api"
	"github.com/metricsplay/client/internal/middleware"
	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/realtime"
	"github.com/metricsplay/client/internal/viewers"
	"github.com/metricsplay/client/pkg/response"
)

// StateSource reports the push channel's lifecycle state.
type StateSource interface {
	State() realtime.State
}

// Backend is the part of the REST client the relay proxies.
type Backend interface {
	FilmMetrics(ctx context.Context, filmID int64) (*models.FilmMetrics, error)
	DashboardMetrics(ctx context.Context) (map[string]any, error)
}

// Handler serves the relay's HTTP endpoints.
type Handler struct {
	hub       *realtime.Hub
	transport StateSource
	backend   Backend
	viewers   *viewers.Registry
	feed      *activity.Feed
	clients   *Registry
	logger    *zap.Logger
}

// NewHandler creates a relay handler.
func NewHandler(hub *realtime.Hub, transport StateSource, backend Backend, viewerRegistry *viewers.Registry, feed *activity.Feed, clients *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub:       hub,
		transport: transport,
		backend:   backend,
		viewers:   viewerRegistry,
		feed:      feed,
		clients:   clients,
		logger:    logger,
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State       string               `json:"state"`
	Connected   bool                 `json:"connected"`
	Username    string               `json:"username,omitempty"`
	Subscribers int                  `json:"subscribers"`
	Clients     int                  `json:"clients"`
	Watching    []int64              `json:"watching"`
	TotalViews  *models.ViewerUpdate `json:"totalViewers,omitempty"`
	LiveEvents  int64                `json:"liveEvents"`
	LastEvent   *models.LiveEvent    `json:"lastEvent,omitempty"`
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	state := realtime.StateDisconnected
	if h.transport != nil {
		state = h.transport.State()
	}
	resp := StatusResponse{
		State:       state.String(),
		Connected:   h.hub.Connected(),
		Username:    c.GetString(middleware.ContextUsername),
		Subscribers: h.hub.SubscriberCount(),
		Clients:     h.clients.Count(),
		Watching:    h.viewers.Films(),
		LiveEvents:  h.feed.Total(),
		LastEvent:   h.hub.LatestLiveEvent(),
	}
	if u := h.hub.LatestViewerUpdate(); u != nil && u.Type == models.ViewerTypeTotal {
		resp.TotalViews = u
	}
	response.OK(c, resp)
}

// Viewers handles GET /viewers/:filmId. The first request for a film starts tracking it.
func (h *Handler) Viewers(c *gin.Context) {
	filmID, ok := parseFilmID(c, "filmId")
	if !ok {
		return
	}
	t := h.viewers.Watch(c.Request.Context(), filmID)
	if t == nil {
		response.ServiceUnavailable(c, "shutting down")
		return
	}
	response.OK(c, t.Snapshot())
}

// ReleaseViewers handles DELETE /viewers/:filmId.
func (h *Handler) ReleaseViewers(c *gin.Context) {
	filmID, ok := parseFilmID(c, "filmId")
	if !ok {
		return
	}
	h.viewers.Release(filmID)
	response.NoContent(c)
}

// FilmMetrics handles GET /films/:id/metrics.
func (h *Handler) FilmMetrics(c *gin.Context) {
	filmID, ok := parseFilmID(c, "id")
	if !ok {
		return
	}
	m, err := h.backend.FilmMetrics(c.Request.Context(), filmID)
	if err != nil {
		h.backendError(c, "film metrics", err)
		return
	}
	response.OK(c, m)
}

// Dashboard handles GET /dashboard.
func (h *Handler) Dashboard(c *gin.Context) {
	m, err := h.backend.DashboardMetrics(c.Request.Context())
	if err != nil {
		h.backendError(c, "dashboard metrics", err)
		return
	}
	response.OK(c, m)
}

// RecentEvents handles GET /events/recent?limit=N.
func (h *Handler) RecentEvents(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	response.OK(c, h.feed.Recent(limit))
}

func (h *Handler) backendError(c *gin.Context, what string, err error) {
	switch {
	case errors.Is(err, api.ErrNotFound):
		response.NotFound(c, what+" not found")
	case errors.Is(err, api.ErrUnauthorized):
		response.Unauthorized(c, "backend rejected credentials")
	default:
		h.logger.Warn("backend request failed", zap.String("what", what), zap.Error(err))
		response.BadGateway(c, "failed to load "+what)
	}
}

func parseFilmID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid film id")
		return 0, false
	}
	return id, true
}
