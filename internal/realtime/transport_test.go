package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/metricsplay/client/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

func newTestTransport(t *testing.T, b *mockBroker, sched *fakeScheduler) *Transport {
	t.Helper()
	tr, err := NewTransport(TransportConfig{
		URL:              b.URL(),
		Tokens:           staticToken("tok"),
		ReconnectDelay:   5000 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
	}, nil)
	require.NoError(t, err)
	if sched != nil {
		tr.afterFunc = sched.afterFunc
	}
	t.Cleanup(tr.Disconnect)
	return tr
}

type statusLog struct {
	mu  sync.Mutex
	got []bool
}

func (l *statusLog) add(v bool) {
	l.mu.Lock()
	l.got = append(l.got, v)
	l.mu.Unlock()
}

func (l *statusLog) values() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.got...)
}

func TestTransport_StatusTrueOnceAfterHandshake(t *testing.T) {
	b := newMockBroker(t)
	tr := newTestTransport(t, b, &fakeScheduler{})
	hub := NewHub(nil)
	defer hub.Close()
	tr.OnStatus(hub.SetConnected)

	statuses := &statusLog{}
	unsub := hub.SubscribeConnectionStatus(statuses.add)
	defer unsub()
	require.Equal(t, []bool{false}, statuses.values(), "initial value only, before connecting")
	assert.Equal(t, StateDisconnected, tr.State())

	var during atomic.Int32
	b.set(func(b *mockBroker) { b.onConnect = func() { during.Store(int32(tr.State())) } })

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, StateConnecting, State(during.Load()))
	assert.Equal(t, StateConnected, tr.State())
	assert.True(t, tr.IsConnected())
	assert.Equal(t, []bool{false, true}, statuses.values())

	// connecting again is a no-op and must not re-emit
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, 1, b.connectCount())
	assert.Equal(t, []bool{false, true}, statuses.values())

	b.mu.Lock()
	assert.Equal(t, "Bearer tok", b.authHeader)
	b.mu.Unlock()
	connect := b.received(cmdConnect)
	require.Len(t, connect, 1)
	assert.Equal(t, "1.1,1.2", connect[0].Header.Get(hdrAcceptVersion))
	assert.Equal(t, "0,0", connect[0].Header.Get(hdrHeartBeat))

	tr.Disconnect()
	assert.Equal(t, []bool{false, true, false}, statuses.values())
	assert.Eventually(t, func() bool { return len(b.received(cmdDisconnect)) == 1 }, time.Second, 10*time.Millisecond)
}

func TestTransport_RoutesTopicsAndIsolatesMalformedMessages(t *testing.T) {
	b := newMockBroker(t)
	tr := newTestTransport(t, b, &fakeScheduler{})
	hub := NewHub(nil)
	defer hub.Close()
	NewMultiplexer(hub, nil).Attach(tr)

	events := make(chan *models.LiveEvent, 8)
	updates := make(chan *models.ViewerUpdate, 8)
	defer hub.SubscribeLiveEvents(func(ev *models.LiveEvent) {
		if ev != nil {
			events <- ev
		}
	})()
	defer hub.SubscribeViewerUpdates(func(u *models.ViewerUpdate) {
		if u != nil {
			updates <- u
		}
	})()

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(b.received(cmdSubscribe)) == 2 }, time.Second, 10*time.Millisecond)

	b.push(TopicAnalytics, `{not json`)
	b.push(TopicLiveEvents, `[1,2,3]`)
	b.pushRaw("BOGUS\x00")
	b.push(TopicAnalytics, `{"type":"heartbeat_stats","count":1}`)
	b.push(TopicLiveEvents, `{"eventId":"e1","filmId":3,"eventType":"PLAY","currentTime":1.5}`)
	b.push(TopicAnalytics, `{"type":"concurrent_viewers","filmId":3,"count":2,"timestamp":"2024-03-01T12:00:00"}`)

	select {
	case ev := <-events:
		assert.Equal(t, "e1", ev.EventID)
		assert.Equal(t, models.FlexString("3"), ev.FilmID)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}
	select {
	case u := <-updates:
		assert.Equal(t, models.ViewerUpdate{Type: models.ViewerTypeConcurrent, FilmID: 3, Count: 2, Timestamp: "2024-03-01T12:00:00"}, *u)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer update not delivered")
	}
	assert.Empty(t, events)
	assert.Empty(t, updates)
	assert.True(t, tr.IsConnected())
	assert.Empty(t, b.received(cmdUnsubscribe))
}

func TestTransport_UnsubscribeStopsDeliveryAndResubscribe(t *testing.T) {
	b := newMockBroker(t)
	sched := &fakeScheduler{}
	tr := newTestTransport(t, b, sched)
	hub := NewHub(nil)
	defer hub.Close()
	detach := NewMultiplexer(hub, nil).Attach(tr)

	events := make(chan *models.LiveEvent, 8)
	defer hub.SubscribeLiveEvents(func(ev *models.LiveEvent) {
		if ev != nil {
			events <- ev
		}
	})()

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(b.received(cmdSubscribe)) == 2 }, time.Second, 10*time.Millisecond)
	var liveID string
	for _, f := range b.received(cmdSubscribe) {
		if f.Header.Get(hdrDestination) == TopicLiveEvents {
			liveID = f.Header.Get(hdrID)
		}
	}

	detach()
	require.Eventually(t, func() bool { return len(b.received(cmdUnsubscribe)) == 2 }, time.Second, 10*time.Millisecond)
	var ids []string
	for _, f := range b.received(cmdUnsubscribe) {
		ids = append(ids, f.Header.Get(hdrID))
	}
	assert.Contains(t, ids, liveID)

	b.push(TopicLiveEvents, `{"eventId":"late","filmId":3,"eventType":"PLAY"}`)
	tr.Unsubscribe(TopicLiveEvents)

	b.dropAll()
	require.Eventually(t, func() bool { return len(sched.scheduled()) == 1 }, time.Second, 10*time.Millisecond)
	sched.fire(0)
	require.Eventually(t, tr.IsConnected, time.Second, 10*time.Millisecond)
	assert.Len(t, b.received(cmdSubscribe), 2, "removed topics are not resubscribed")
	assert.Empty(t, events)
}

func TestTransport_ReconnectEveryFiveSecondsWithoutCap(t *testing.T) {
	b := newMockBroker(t)
	sched := &fakeScheduler{}
	tr := newTestTransport(t, b, sched)
	statuses := &statusLog{}
	tr.OnStatus(statuses.add)
	tr.Subscribe(TopicLiveEvents, func([]byte) {})

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(b.received(cmdSubscribe)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, sched.scheduled())

	b.set(func(b *mockBroker) { b.refuse = true })
	b.dropAll()
	require.Eventually(t, func() bool { return len(sched.scheduled()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []time.Duration{5 * time.Second}, sched.scheduled())
	assert.Equal(t, StateDisconnected, tr.State())

	for i := 0; i < 5; i++ {
		sched.fire(i)
		require.Len(t, sched.scheduled(), i+2, "each failed attempt schedules exactly one more")
	}
	for _, d := range sched.scheduled() {
		assert.Equal(t, 5*time.Second, d)
	}

	b.set(func(b *mockBroker) { b.refuse = false })
	sched.fire(5)
	assert.True(t, tr.IsConnected())
	assert.Len(t, sched.scheduled(), 6)
	require.Eventually(t, func() bool { return len(b.received(cmdSubscribe)) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []bool{true, false, true}, statuses.values())
}

func TestTransport_DisconnectCancelsPendingReconnect(t *testing.T) {
	b := newMockBroker(t)
	sched := &fakeScheduler{}
	tr := newTestTransport(t, b, sched)

	require.NoError(t, tr.Connect(context.Background()))
	b.dropAll()
	require.Eventually(t, func() bool { return len(sched.scheduled()) == 1 }, 2*time.Second, 10*time.Millisecond)

	tr.Disconnect()
	sched.fire(0)
	assert.Equal(t, 1, b.connectCount())
	assert.Equal(t, StateDisconnected, tr.State())
	assert.Len(t, sched.scheduled(), 1)
}

func TestTransport_FailedFirstConnectStillRetries(t *testing.T) {
	b := newMockBroker(t)
	b.set(func(b *mockBroker) { b.rejectAuth = true })
	sched := &fakeScheduler{}
	tr := newTestTransport(t, b, sched)

	err := tr.Connect(context.Background())
	require.ErrorContains(t, err, "access denied")
	assert.False(t, tr.IsConnected())
	assert.Equal(t, []time.Duration{5 * time.Second}, sched.scheduled())

	b.set(func(b *mockBroker) { b.rejectAuth = false })
	sched.fire(0)
	assert.True(t, tr.IsConnected())
}

func TestTransport_ErrorFrameIsTransportFailure(t *testing.T) {
	b := newMockBroker(t)
	sched := &fakeScheduler{}
	tr := newTestTransport(t, b, sched)

	require.NoError(t, tr.Connect(context.Background()))
	b.sendError("session expired")
	require.Eventually(t, func() bool { return len(sched.scheduled()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, tr.IsConnected())
}

func TestTransport_SendRequiresConnection(t *testing.T) {
	b := newMockBroker(t)
	tr := newTestTransport(t, b, &fakeScheduler{})

	assert.False(t, tr.Send("/app/ping", map[string]string{"a": "b"}))

	require.NoError(t, tr.Connect(context.Background()))
	assert.True(t, tr.Send("/app/ping", map[string]string{"a": "b"}))
	require.Eventually(t, func() bool { return len(b.received(cmdSend)) == 1 }, time.Second, 10*time.Millisecond)
	f := b.received(cmdSend)[0]
	assert.Equal(t, "/app/ping", f.Header.Get(hdrDestination))
	assert.JSONEq(t, `{"a":"b"}`, string(f.Body))
}

func TestTransport_Heartbeats(t *testing.T) {
	b := newMockBroker(t)
	b.set(func(b *mockBroker) { b.heartBeat = "0,20" })
	sched := &fakeScheduler{}
	tr, err := NewTransport(TransportConfig{
		URL:               b.URL(),
		HeartbeatOutgoing: 20 * time.Millisecond,
		HeartbeatIncoming: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	tr.afterFunc = sched.afterFunc
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	assert.Eventually(t, func() bool { return b.heartbeatCount() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, sched.scheduled(), "server sends no heartbeats, so none are expected")
}

func TestTransport_SilentServerIsHalfOpen(t *testing.T) {
	b := newMockBroker(t)
	b.set(func(b *mockBroker) { b.heartBeat = "20,0" })
	sched := &fakeScheduler{}
	tr, err := NewTransport(TransportConfig{
		URL:               b.URL(),
		HeartbeatIncoming: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	tr.afterFunc = sched.afterFunc
	defer tr.Disconnect()

	require.NoError(t, tr.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(sched.scheduled()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, tr.IsConnected())
}

func TestNewTransport_RejectsHTTPURL(t *testing.T) {
	_, err := NewTransport(TransportConfig{URL: "http://localhost:8080/ws"}, nil)
	assert.Error(t, err)
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/ws",
		"https://films.example.com/": "wss://films.example.com/ws",
		"http://host:1/base?x=1":     "ws://host:1/base/ws",
	}
	for in, want := range cases {
		got, err := WebSocketURL(in, "/ws")
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestHeartBeatNegotiation(t *testing.T) {
	x, y := parseHeartBeat("4000,10000")
	assert.Equal(t, 4*time.Second, x)
	assert.Equal(t, 10*time.Second, y)

	x, y = parseHeartBeat("garbage")
	assert.Zero(t, x)
	assert.Zero(t, y)

	assert.Equal(t, 10*time.Second, negotiate(4*time.Second, 10*time.Second))
	assert.Zero(t, negotiate(4*time.Second, 0))
	assert.Zero(t, negotiate(0, 4*time.Second))
}
