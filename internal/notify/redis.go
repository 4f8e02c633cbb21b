package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/statusflow/model"
)

// RelayRecorder receives relay metrics.
type RelayRecorder interface {
	RecordRelayMessage(direction string, failed bool)
}

// relayMessage is the wire format on the Redis channel.
type relayMessage struct {
	Origin string       `json:"origin"`
	Change model.Change `json:"change"`
}

// RedisRelay carries changes between service replicas over Redis Pub/Sub.
// Publish sends a locally committed change to the channel; Run feeds
// changes committed by other replicas into the local publisher.
type RedisRelay struct {
	client   redis.UniversalClient
	channel  string
	origin   string
	local    Publisher
	logger   *zap.Logger
	recorder RelayRecorder
}

// NewRedisRelay creates a relay on channel. origin must be unique per
// process; messages carrying it are ignored by Run.
func NewRedisRelay(client redis.UniversalClient, channel, origin string, local Publisher, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		origin:  origin,
		local:   local,
		logger:  logger,
	}
}

// SetRecorder sets the metrics recorder.
func (r *RedisRelay) SetRecorder(rec RelayRecorder) {
	r.recorder = rec
}

// Channel returns the Redis channel name.
func (r *RedisRelay) Channel() string { return r.channel }

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, change model.Change) error {
	data, err := json.Marshal(relayMessage{Origin: r.origin, Change: change})
	if err != nil {
		r.record("out", true)
		return fmt.Errorf("marshal relay message: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.record("out", true)
		return fmt.Errorf("redis publish %q: %w", r.channel, err)
	}
	r.record("out", false)
	return nil
}

// Run subscribes to the channel and forwards remote changes until ctx is
// cancelled. It returns nil on cancellation.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("redis subscribe %q: %w", r.channel, err)
	}
	r.logger.Info("change relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(ctx context.Context, payload string) {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		r.record("in", true)
		r.logger.Warn("dropping malformed relay message", zap.Error(err))
		return
	}
	if m.Origin == r.origin {
		return
	}
	if err := r.local.Publish(ctx, m.Change); err != nil {
		r.record("in", true)
		r.logger.Error("relay publish failed",
			zap.String("entity_id", m.Change.EntityID),
			zap.Error(err),
		)
		return
	}
	r.record("in", false)
}

func (r *RedisRelay) record(direction string, failed bool) {
	if r.recorder != nil {
		r.recorder.RecordRelayMessage(direction, failed)
	}
}
