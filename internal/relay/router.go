package relay

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/middleware"
	"github.com/metricsplay/client/pkg/response"
)

// NewRouter wires the relay endpoints. Routes proxying authenticated backend calls require
// stored credentials.
func NewRouter(h *Handler, users middleware.UserSource, corsAllowedOrigins string, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = h.logger
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(corsAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/status", middleware.OptionalUser(users), h.Status)
	router.GET("/ws", ServeWs(h.hub, h.clients, logger))
	router.GET("/events/recent", h.RecentEvents)
	router.GET("/viewers/:filmId", h.Viewers)
	router.DELETE("/viewers/:filmId", h.ReleaseViewers)

	// Backend proxies (credentials required)
	authed := router.Group("")
	authed.Use(middleware.RequireUser(users))
	{
		authed.GET("/films/:id/metrics", h.FilmMetrics)
		authed.GET("/dashboard", h.Dashboard)
	}
	return router
}
