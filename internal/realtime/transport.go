package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/observability"
)

// STOMP commands and headers used by the channel.
const (
	cmdConnect     = "CONNECT"
	cmdConnected   = "CONNECTED"
	cmdSend        = "SEND"
	cmdSubscribe   = "SUBSCRIBE"
	cmdUnsubscribe = "UNSUBSCRIBE"
	cmdDisconnect  = "DISCONNECT"
	cmdMessage     = "MESSAGE"
	cmdReceipt     = "RECEIPT"
	cmdError       = "ERROR"

	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrAck           = "ack"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrMessage       = "message"
	hdrAuthorization = "Authorization"
)

const writeWait = 10 * time.Second

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// errSuperseded marks a handshake that finished after Disconnect or a newer attempt.
var errSuperseded = errors.New("realtime: connection attempt superseded")

// State is the lifecycle state of the channel's connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MessageHandler receives the body of each MESSAGE frame for a destination.
type MessageHandler func(body []byte)

// TokenSource supplies the bearer token sent on the upgrade request, or "".
type TokenSource interface {
	Token() string
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	URL               string // ws:// or wss:// endpoint
	Tokens            TokenSource
	ReconnectDelay    time.Duration
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	HandshakeTimeout  time.Duration
}

type timer interface {
	Stop() bool
}

type subscription struct {
	id          string
	destination string
	handler     MessageHandler
}

// Transport owns one STOMP-over-websocket connection to the push endpoint. After Connect it
// stays active: an unexpected close schedules one reconnect after ReconnectDelay, repeating
// until Disconnect. Topic subscriptions are replayed on every successful connect.
type Transport struct {
	cfg    TransportConfig
	host   string
	logger *zap.Logger

	afterFunc func(time.Duration, func()) timer

	mu         sync.Mutex
	state      State
	active     bool
	gen        uint64
	conn       *websocket.Conn
	connDone   chan struct{}
	dialCancel context.CancelFunc
	retry      timer
	subs       map[string]*subscription // by destination
	byID       map[string]*subscription
	order      []string

	writeMu sync.Mutex
	wg      sync.WaitGroup

	statusMu   sync.Mutex
	onStatus   func(bool)
	lastStatus bool
}

// NewTransport creates a disconnected channel. It does not dial until Connect.
func NewTransport(cfg TransportConfig, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse push endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("push endpoint %q: scheme must be ws or wss", cfg.URL)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Transport{
		cfg:    cfg,
		host:   u.Hostname(),
		logger: logger,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		subs: make(map[string]*subscription),
		byID: make(map[string]*subscription),
	}, nil
}

// WebSocketURL derives the push endpoint from the REST base URL, mapping http to ws and
// https to wss.
func WebSocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

// OnStatus sets the observer for connectivity changes. It is called once per change,
// never twice in a row with the same value.
func (t *Transport) OnStatus(fn func(connected bool)) {
	t.statusMu.Lock()
	t.onStatus = fn
	t.statusMu.Unlock()
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether a live connection is held.
func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// Connect activates the channel and performs the first handshake. If the channel is already
// active it returns nil immediately. A failed handshake is returned, and a reconnect is
// still scheduled.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = true
	g, dctx := t.beginAttemptLocked(ctx)
	t.mu.Unlock()

	if err := t.dial(dctx, g); err != nil {
		t.fail(g, err)
		return err
	}
	return nil
}

// Disconnect deactivates the channel: any pending reconnect is cancelled and the live
// connection, if any, is closed after a DISCONNECT frame. It waits for the connection's
// goroutines, so it must not be called from a MessageHandler.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	wasActive := t.active
	t.active = false
	t.gen++
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	conn := t.detachLocked()
	t.state = StateDisconnected
	t.mu.Unlock()

	if conn != nil {
		_ = t.writeFrame(conn, frame.New(cmdDisconnect))
		t.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.wg.Wait()
	t.syncStatus()
	if wasActive {
		t.logger.Info("realtime channel disconnected")
	}
}

// Send publishes payload as JSON to destination. Without a live connection it logs and
// returns false.
func (t *Transport) Send(destination string, payload any) bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Warn("cannot send, realtime channel not connected", zap.String("destination", destination))
		return false
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn("cannot encode payload", zap.String("destination", destination), zap.Error(err))
		return false
	}
	f := frame.New(cmdSend, hdrDestination, destination, hdrContentType, "application/json")
	f.Body = body
	if err := t.writeFrame(conn, f); err != nil {
		t.logger.Warn("send failed", zap.String("destination", destination), zap.Error(err))
		return false
	}
	return true
}

// Subscribe registers handler for destination. The subscription is sent now if connected
// and again after every reconnect. Subscribing the same destination twice replaces the handler.
func (t *Transport) Subscribe(destination string, handler MessageHandler) {
	t.mu.Lock()
	if sub, ok := t.subs[destination]; ok {
		sub.handler = handler
		t.mu.Unlock()
		return
	}
	sub := &subscription{id: "sub-" + uuid.NewString(), destination: destination, handler: handler}
	t.subs[destination] = sub
	t.byID[sub.id] = sub
	t.order = append(t.order, destination)
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		if err := t.writeFrame(conn, subscribeFrame(sub)); err != nil {
			t.logger.Warn("subscribe failed", zap.String("destination", destination), zap.Error(err))
		}
	}
}

// Unsubscribe removes the subscription for destination.
func (t *Transport) Unsubscribe(destination string) {
	t.mu.Lock()
	sub, ok := t.subs[destination]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.subs, destination)
	delete(t.byID, sub.id)
	for i, d := range t.order {
		if d == destination {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		_ = t.writeFrame(conn, frame.New(cmdUnsubscribe, hdrID, sub.id))
	}
}

func (t *Transport) beginAttemptLocked(parent context.Context) (uint64, context.Context) {
	t.gen++
	t.state = StateConnecting
	ctx, cancel := context.WithTimeout(parent, t.cfg.HandshakeTimeout)
	t.dialCancel = cancel
	return t.gen, ctx
}

func (t *Transport) dial(ctx context.Context, g uint64) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Subprotocols:     stompSubprotocols,
	}
	header := http.Header{}
	token := ""
	if t.cfg.Tokens != nil {
		token = t.cfg.Tokens.Token()
	}
	if token != "" {
		header.Set(hdrAuthorization, "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial push endpoint (status: %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial push endpoint: %w", err)
	}

	outgoing, incoming, err := t.handshake(ctx, conn, token)
	if err != nil {
		_ = conn.Close()
		return err
	}

	t.mu.Lock()
	if !t.active || t.gen != g {
		t.mu.Unlock()
		_ = conn.Close()
		return errSuperseded
	}
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	t.conn = conn
	done := make(chan struct{})
	t.connDone = done
	t.state = StateConnected
	subs := make([]*subscription, 0, len(t.order))
	for _, d := range t.order {
		subs = append(subs, t.subs[d])
	}
	t.wg.Add(1)
	go t.readLoop(conn, g, incoming)
	if outgoing > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop(conn, g, outgoing, done)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		if err := t.writeFrame(conn, subscribeFrame(sub)); err != nil {
			t.logger.Warn("resubscribe failed", zap.String("destination", sub.destination), zap.Error(err))
		}
	}
	observability.RealtimeConnected.Set(1)
	t.logger.Info("realtime channel connected",
		zap.String("url", t.cfg.URL),
		zap.String("subprotocol", conn.Subprotocol()),
		zap.Int("subscriptions", len(subs)),
	)
	t.syncStatus()
	return nil
}

// handshake sends CONNECT and waits for CONNECTED, returning the negotiated heartbeat intervals.
func (t *Transport) handshake(ctx context.Context, conn *websocket.Conn, token string) (time.Duration, time.Duration, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hb := fmt.Sprintf("%d,%d", t.cfg.HeartbeatOutgoing.Milliseconds(), t.cfg.HeartbeatIncoming.Milliseconds())
	connect := frame.New(cmdConnect, hdrAcceptVersion, "1.1,1.2", hdrHost, t.host, hdrHeartBeat, hb)
	if token != "" {
		connect.Header.Add(hdrAuthorization, "Bearer "+token)
	}
	if err := t.writeFrame(conn, connect); err != nil {
		return 0, 0, fmt.Errorf("send CONNECT: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		f, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return 0, 0, fmt.Errorf("await CONNECTED: %w", ctx.Err())
			}
			return 0, 0, fmt.Errorf("await CONNECTED: %w", err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case cmdConnected:
			_ = conn.SetReadDeadline(time.Time{})
			sx, sy := parseHeartBeat(f.Header.Get(hdrHeartBeat))
			return negotiate(t.cfg.HeartbeatOutgoing, sy), negotiate(t.cfg.HeartbeatIncoming, sx), nil
		case cmdError:
			return 0, 0, fmt.Errorf("broker rejected CONNECT: %s", f.Header.Get(hdrMessage))
		default:
			return 0, 0, fmt.Errorf("unexpected %s frame during handshake", f.Command)
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, g uint64, incoming time.Duration) {
	defer t.wg.Done()
	for {
		if incoming > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(2 * incoming))
		}
		f, err := readFrame(conn)
		if err != nil {
			var se *frameError
			if errors.As(err, &se) {
				t.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			t.fail(g, err)
			return
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case cmdMessage:
			t.route(f)
		case cmdError:
			t.logger.Error("broker error",
				zap.String("message", f.Header.Get(hdrMessage)),
				zap.ByteString("body", f.Body),
			)
			t.fail(g, fmt.Errorf("broker error: %s", f.Header.Get(hdrMessage)))
			return
		case cmdReceipt:
		default:
			t.logger.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

func (t *Transport) route(f *frame.Frame) {
	t.mu.Lock()
	sub, ok := t.byID[f.Header.Get(hdrSubscription)]
	if !ok {
		sub, ok = t.subs[f.Header.Get(hdrDestination)]
	}
	var handler MessageHandler
	if ok {
		handler = sub.handler
	}
	t.mu.Unlock()
	if handler == nil {
		t.logger.Debug("message for unknown subscription", zap.String("destination", f.Header.Get(hdrDestination)))
		return
	}
	handler(f.Body)
}

func (t *Transport) heartbeatLoop(conn *websocket.Conn, g uint64, every time.Duration, done <-chan struct{}) {
	defer t.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.writeHeartbeat(conn); err != nil {
				t.fail(g, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

// fail tears down the connection of attempt g and, while active, schedules a reconnect.
// Failures from superseded attempts are ignored.
func (t *Transport) fail(g uint64, err error) {
	t.mu.Lock()
	if g != t.gen {
		t.mu.Unlock()
		return
	}
	t.gen++
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	conn := t.detachLocked()
	t.state = StateDisconnected
	active := t.active
	if active {
		next := t.gen
		t.retry = t.afterFunc(t.cfg.ReconnectDelay, func() { t.reconnect(next) })
	}
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.syncStatus()
	if !active {
		return
	}
	observability.RealtimeReconnects.Inc()
	t.logger.Warn("realtime connection lost, reconnect scheduled",
		zap.Error(err),
		zap.Duration("delay", t.cfg.ReconnectDelay),
	)
}

func (t *Transport) reconnect(g uint64) {
	t.mu.Lock()
	if !t.active || t.gen != g {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	g, ctx := t.beginAttemptLocked(context.Background())
	t.mu.Unlock()

	if err := t.dial(ctx, g); err != nil {
		t.fail(g, err)
	}
}

func (t *Transport) detachLocked() *websocket.Conn {
	conn := t.conn
	t.conn = nil
	if t.connDone != nil {
		close(t.connDone)
		t.connDone = nil
	}
	if conn != nil {
		observability.RealtimeConnected.Set(0)
	}
	return conn
}

// syncStatus reports the current connectivity to the observer if it changed since the last
// report. Reading the state under statusMu makes racing transitions converge on the final state.
func (t *Transport) syncStatus() {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	connected := t.IsConnected()
	if t.lastStatus == connected {
		return
	}
	t.lastStatus = connected
	if t.onStatus != nil {
		t.onStatus(connected)
	}
}

// writeFrame writes f as one text message.
func (t *Transport) writeFrame(conn *websocket.Conn, f *frame.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := frame.NewWriter(w).Write(f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (t *Transport) writeHeartbeat(conn *websocket.Conn) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte("\n"))
}

// frameError is a message that arrived intact but is not a valid STOMP frame.
type frameError struct{ err error }

func (e *frameError) Error() string { return "malformed frame: " + e.err.Error() }
func (e *frameError) Unwrap() error { return e.err }

// readFrame reads one websocket message and decodes it. It returns nil, nil for heartbeats.
func readFrame(conn *websocket.Conn) (*frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, &frameError{err: err}
	}
	return f, nil
}

func subscribeFrame(sub *subscription) *frame.Frame {
	return frame.New(cmdSubscribe, hdrID, sub.id, hdrDestination, sub.destination, hdrAck, "auto")
}

// parseHeartBeat parses a "cx,cy" heart-beat header into durations; malformed means 0,0.
func parseHeartBeat(v string) (time.Duration, time.Duration) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0
	}
	x, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || x < 0 || y < 0 {
		return 0, 0
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond
}

func negotiate(ours, theirs time.Duration) time.Duration {
	if ours <= 0 || theirs <= 0 {
		return 0
	}
	return max(ours, theirs)
}
