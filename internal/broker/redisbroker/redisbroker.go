// Package redisbroker implements the broker.Broker port on top of Redis:
// a single FIFO list for the job queue, one pub/sub channel per run, and
// SET...EX keys for worker heartbeats.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetcore/internal/broker"
	"fleetcore/internal/logging"
)

// Config names the Redis keys the broker operates under.
type Config struct {
	QueueName          string
	PubSubPrefix       string
	WorkerHeartbeatPfx string
}

func (c Config) channelFor(runID string) string {
	return fmt.Sprintf("%s/%s/logs", c.PubSubPrefix, runID)
}

func (c Config) heartbeatKey(workerName string) string {
	return fmt.Sprintf("%s/%s", c.WorkerHeartbeatPfx, workerName)
}

// Broker is the Redis-backed broker.Broker implementation.
type Broker struct {
	client *redis.Client
	cfg    Config
	log    logging.Logger
}

// New wraps an already-configured *redis.Client.
func New(client *redis.Client, cfg Config) *Broker {
	return &Broker{client: client, cfg: cfg, log: logging.NewComponentLogger("broker.redis")}
}

func (b *Broker) Enqueue(ctx context.Context, msg broker.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}
	return b.client.RPush(ctx, b.cfg.QueueName, payload).Err()
}

func (b *Broker) Requeue(ctx context.Context, msg broker.Message) error {
	return b.Enqueue(ctx, msg)
}

func (b *Broker) Lease(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	res, err := b.client.BLPop(ctx, timeout, b.cfg.QueueName).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease blpop: %w", err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	var msg broker.Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal job message: %w", err)
	}
	return &msg, nil
}

func (b *Broker) QueueDepth(ctx context.Context) (int64, error) {
	return b.client.LLen(ctx, b.cfg.QueueName).Result()
}

func (b *Broker) PublishLog(ctx context.Context, frame broker.LogFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal log frame: %w", err)
	}
	return b.client.Publish(ctx, b.cfg.channelFor(frame.RunID), payload).Err()
}

func (b *Broker) Subscribe(ctx context.Context, runID string) (broker.Subscription, error) {
	sub := b.client.Subscribe(ctx, b.cfg.channelFor(runID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &subscription{sub: sub, ch: sub.Channel()}, nil
}

func (b *Broker) Heartbeat(ctx context.Context, workerName string, at time.Time, ttl time.Duration) error {
	return b.client.Set(ctx, b.cfg.heartbeatKey(workerName), strconv.FormatInt(at.Unix(), 10), ttl).Err()
}

func (b *Broker) HeartbeatAge(ctx context.Context, workerName string, now time.Time) (time.Duration, bool, error) {
	val, err := b.client.Get(ctx, b.cfg.heartbeatKey(workerName)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("heartbeat get: %w", err)
	}
	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("heartbeat value %q: %w", val, err)
	}
	return now.Sub(time.Unix(epoch, 0)), true, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

type subscription struct {
	sub *redis.PubSub
	ch  <-chan *redis.Message
}

func (s *subscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case msg, ok := <-s.ch:
		if !ok {
			return nil, fmt.Errorf("subscription channel closed")
		}
		return []byte(msg.Payload), nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	return s.sub.Close()
}
