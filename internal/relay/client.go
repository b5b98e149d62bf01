// Package relay serves the agent's streams and status to local consumers over HTTP and websocket.
package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
	"github.com/metricsplay/client/internal/observability"
	"github.com/metricsplay/client/pkg/response"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Outgoing event names.
const (
	EventLiveEvent        = "live_event"
	EventViewerUpdate     = "viewer_update"
	EventConnectionStatus = "connection_status"
	EventPong             = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local consumers only; the relay listens on a local port
	},
}

// Message is the websocket envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Streams is the set of hub streams a relay client follows.
type Streams interface {
	SubscribeLiveEvents(fn func(*models.LiveEvent)) (unsubscribe func())
	SubscribeViewerUpdates(fn func(*models.ViewerUpdate)) (unsubscribe func())
	SubscribeConnectionStatus(fn func(bool)) (unsubscribe func())
}

// Client is one local websocket consumer. It never touches the upstream connection; it only
// observes hub streams.
type Client struct {
	ID     string
	filmID atomic.Int64 // 0 follows every film
	conn   *websocket.Conn
	send   chan Message
	done   chan struct{}
	logger *zap.Logger
}

// Registry tracks connected relay clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds c.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	n := len(r.clients)
	r.mu.Unlock()
	observability.RelayClients.Set(float64(n))
}

// Unregister removes c.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.ID)
	n := len(r.clients)
	r.mu.Unlock()
	observability.RelayClients.Set(float64(n))
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every client connection; their pumps exit and unregister.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.conn)
	}
	r.mu.RUnlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// ServeWs upgrades the request and streams hub emissions to the consumer. The optional
// film_id query parameter limits film-scoped messages to one film.
func ServeWs(streams Streams, registry *Registry, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filmID int64
		if v := c.Query("film_id"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil || id < 0 {
				response.BadRequest(c, "invalid film_id")
				return
			}
			filmID = id
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.New().String(),
			conn:   conn,
			send:   make(chan Message, sendBuffer),
			done:   make(chan struct{}),
			logger: logger,
		}
		client.filmID.Store(filmID)

		registry.Register(client)
		unsubs := client.follow(streams)
		logger.Debug("relay client connected", zap.String("client_id", client.ID), zap.Int64("film_id", filmID))

		written := make(chan struct{})
		go func() {
			defer close(written)
			client.writePump()
		}()
		client.readPump()
		<-written

		for _, u := range unsubs {
			u()
		}
		registry.Unregister(client)
		logger.Debug("relay client disconnected", zap.String("client_id", client.ID))
	}
}

func (c *Client) follow(streams Streams) []func() {
	return []func(){
		streams.SubscribeConnectionStatus(func(connected bool) {
			c.enqueue(EventConnectionStatus, gin.H{"connected": connected})
		}),
		streams.SubscribeViewerUpdates(func(u *models.ViewerUpdate) {
			if u == nil || !c.wants(u) {
				return
			}
			c.enqueue(EventViewerUpdate, u)
		}),
		streams.SubscribeLiveEvents(func(ev *models.LiveEvent) {
			if ev == nil {
				return
			}
			if f := c.filmID.Load(); f != 0 {
				if id, ok := ev.FilmID.Int64(); !ok || id != f {
					return
				}
			}
			c.enqueue(EventLiveEvent, ev)
		}),
	}
}

func (c *Client) wants(u *models.ViewerUpdate) bool {
	f := c.filmID.Load()
	return f == 0 || u.Type != models.ViewerTypeConcurrent || u.FilmID == f
}

func (c *Client) enqueue(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- Message{Event: event, Data: data}:
	default:
		// buffer full, skip
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait))

		switch msg.Event {
		case "ping":
			c.enqueue(EventPong, gin.H{"at": time.Now().UnixMilli()})
		case "filter":
			var payload struct {
				FilmID int64 `json:"filmId"`
			}
			if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.FilmID >= 0 {
				c.filmID.Store(payload.FilmID)
			}
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
