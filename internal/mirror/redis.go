// Package mirror republishes the hub's streams on Redis pub/sub so other local processes can
// follow them without opening a second push connection.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
)

// Stream names, appended to the channel prefix.
const (
	StreamLiveEvents    = "live-events"
	StreamViewerUpdates = "viewer-updates"
	StreamStatus        = "status"
)

const publishTimeout = 5 * time.Second

// payload is the message published to Redis.
type payload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// Source is the part of the hub the mirror reads.
type Source interface {
	SubscribeLiveEvents(fn func(*models.LiveEvent)) (unsubscribe func())
	SubscribeViewerUpdates(fn func(*models.ViewerUpdate)) (unsubscribe func())
	SubscribeConnectionStatus(fn func(bool)) (unsubscribe func())
}

// Sink is the part of the hub a follower writes.
type Sink interface {
	PublishLiveEvent(ev *models.LiveEvent)
	PublishViewerUpdate(u *models.ViewerUpdate)
	SetConnected(connected bool)
}

// Mirror publishes hub emissions to Redis channels named prefix+stream.
type Mirror struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	queue  chan payload
}

// New creates a mirror with a bounded outgoing queue.
func New(client *redis.Client, prefix string, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		client: client,
		prefix: prefix,
		logger: logger,
		queue:  make(chan payload, 256),
	}
}

// Channel returns the Redis channel for stream.
func (m *Mirror) Channel(stream string) string {
	return m.prefix + stream
}

// Attach subscribes to src and queues every non-nil emission for publishing. Hub callbacks
// never block on Redis; when the queue is full the emission is skipped.
func (m *Mirror) Attach(src Source) (detach func()) {
	unsubs := []func(){
		src.SubscribeLiveEvents(func(ev *models.LiveEvent) {
			if ev != nil {
				m.enqueue(StreamLiveEvents, ev)
			}
		}),
		src.SubscribeViewerUpdates(func(u *models.ViewerUpdate) {
			if u != nil {
				m.enqueue(StreamViewerUpdates, u)
			}
		}),
		src.SubscribeConnectionStatus(func(connected bool) {
			m.enqueue(StreamStatus, connected)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (m *Mirror) enqueue(stream string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("mirror encode failed", zap.String("stream", stream), zap.Error(err))
		return
	}
	select {
	case m.queue <- payload{Event: stream, Data: data, At: time.Now().UnixMilli()}:
	default:
		m.logger.Warn("mirror queue full, skipping", zap.String("stream", stream))
	}
}

// Run publishes queued emissions until ctx is done.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-m.queue:
			if err := m.publish(ctx, p); err != nil {
				m.logger.Warn("mirror publish failed", zap.String("stream", p.Event), zap.Error(err))
			}
		}
	}
}

// Key returns the Redis key holding the last payload published on stream.
func (m *Mirror) Key(stream string) string {
	return m.prefix + stream + ":last"
}

// publish stores p as the stream's last value and broadcasts it in one transaction, so a
// follower that reads the key after subscribing never misses the state in between.
func (m *Mirror) publish(ctx context.Context, p payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.Key(p.Event), body, 0)
		pipe.Publish(ctx, m.Channel(p.Event), body)
		return nil
	})
	return err
}

// Follow subscribes to the mirrored channels, replays the last stored value of every stream
// into sink, and then forwards live messages until the returned cancel func is called.
func (m *Mirror) Follow(ctx context.Context, sink Sink) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := m.client.Subscribe(ctx, m.Channel(StreamStatus), m.Channel(StreamViewerUpdates), m.Channel(StreamLiveEvents))
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	replayed, err := m.replay(ctx, sink)
	if err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, err
	}

	ch := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				// the stored value may also be in flight on the channel
				if last, ok := replayed[msg.Channel]; ok {
					delete(replayed, msg.Channel)
					if last == msg.Payload {
						continue
					}
				}
				m.deliver(msg.Payload, sink)
			}
		}
	}()
	return func() {
		cancelCtx()
		<-done
	}, nil
}

// replay delivers the stored last values and returns them by channel.
func (m *Mirror) replay(ctx context.Context, sink Sink) (map[string]string, error) {
	streams := []string{StreamStatus, StreamViewerUpdates, StreamLiveEvents}
	keys := make([]string, len(streams))
	for i, st := range streams {
		keys[i] = m.Key(st)
	}
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read last values: %w", err)
	}
	replayed := make(map[string]string, len(streams))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		replayed[m.Channel(streams[i])] = raw
		m.deliver(raw, sink)
	}
	if len(replayed) > 0 {
		m.logger.Info("mirror state replayed", zap.Int("streams", len(replayed)))
	}
	return replayed, nil
}

func (m *Mirror) deliver(raw string, sink Sink) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		m.logger.Warn("mirror message malformed", zap.Error(err))
		return
	}
	var err error
	switch p.Event {
	case StreamLiveEvents:
		var ev models.LiveEvent
		if err = json.Unmarshal(p.Data, &ev); err == nil {
			sink.PublishLiveEvent(&ev)
		}
	case StreamViewerUpdates:
		var u models.ViewerUpdate
		if err = json.Unmarshal(p.Data, &u); err == nil {
			sink.PublishViewerUpdate(&u)
		}
	case StreamStatus:
		var connected bool
		if err = json.Unmarshal(p.Data, &connected); err == nil {
			sink.SetConnected(connected)
		}
	default:
		m.logger.Debug("mirror ignoring stream", zap.String("stream", p.Event))
	}
	if err != nil {
		m.logger.Warn("mirror payload malformed", zap.String("stream", p.Event), zap.Error(err))
	}
}
