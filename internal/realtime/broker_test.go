package realtime

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// mockBroker is a minimal STOMP-over-websocket broker for transport tests.
type mockBroker struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conns      []*websocket.Conn
	frames     []*frame.Frame
	subIDs     map[string]string
	heartbeats int
	connects   int
	authHeader string

	// guarded by mu; set before the client connects
	heartBeat  string
	refuse     bool
	rejectAuth bool
	onConnect  func()
}

func newMockBroker(t *testing.T) *mockBroker {
	t.Helper()
	b := &mockBroker{
		t: t,
		upgrader: websocket.Upgrader{
			CheckOrigin:  func(r *http.Request) bool { return true },
			Subprotocols: stompSubprotocols,
		},
		subIDs:    make(map[string]string),
		heartBeat: "0,0",
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.close)
	return b
}

func (b *mockBroker) URL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

func (b *mockBroker) set(fn func(b *mockBroker)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

func (b *mockBroker) handle(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	refuse := b.refuse
	b.authHeader = r.Header.Get("Authorization")
	b.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(bytes.TrimSpace(data)) == 0 {
			b.mu.Lock()
			b.heartbeats++
			b.mu.Unlock()
			continue
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil || f == nil {
			continue
		}
		b.mu.Lock()
		b.frames = append(b.frames, f)
		switch f.Command {
		case cmdConnect:
			b.connects++
			onConnect := b.onConnect
			reply := frame.New(cmdConnected, "version", "1.2", hdrHeartBeat, b.heartBeat)
			if b.rejectAuth {
				reply = frame.New(cmdError, hdrMessage, "access denied")
			}
			b.mu.Unlock()
			if onConnect != nil {
				onConnect()
			}
			b.write(conn, reply)
			continue
		case cmdSubscribe:
			b.subIDs[f.Header.Get(hdrDestination)] = f.Header.Get(hdrID)
		}
		b.mu.Unlock()
	}
}

func (b *mockBroker) write(conn *websocket.Conn, f *frame.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return
	}
	_ = frame.NewWriter(w).Write(f)
	_ = w.Close()
}

func (b *mockBroker) latest() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		b.t.Fatal("broker has no connection")
	}
	return b.conns[len(b.conns)-1]
}

// push sends a MESSAGE frame on the latest connection.
func (b *mockBroker) push(destination, body string) {
	b.mu.Lock()
	id := b.subIDs[destination]
	b.mu.Unlock()
	f := frame.New(cmdMessage, hdrDestination, destination, hdrSubscription, id, "message-id", "m-1", hdrContentType, "application/json")
	f.Body = []byte(body)
	b.write(b.latest(), f)
}

func (b *mockBroker) pushRaw(data string) {
	conn := b.latest()
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, []byte(data))
}

func (b *mockBroker) sendError(message string) {
	b.write(b.latest(), frame.New(cmdError, hdrMessage, message))
}

// dropAll closes every connection without a close handshake.
func (b *mockBroker) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		_ = c.Close()
	}
}

func (b *mockBroker) received(command string) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*frame.Frame
	for _, f := range b.frames {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (b *mockBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *mockBroker) heartbeatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeats
}

func (b *mockBroker) close() {
	b.dropAll()
	b.server.Close()
}

// fakeScheduler records reconnect timers instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

type fakeTimer struct{}

func (fakeTimer) Stop() bool { return true }

func (s *fakeScheduler) afterFunc(d time.Duration, fn func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, fn)
	return fakeTimer{}
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fire runs the i-th scheduled callback on the calling goroutine.
func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	fn := s.fns[i]
	s.mu.Unlock()
	fn()
}
