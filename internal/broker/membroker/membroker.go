// Package membroker is an in-process broker.Broker double for tests and
// single-process deployments, mirroring the mutex-guarded, injectable-clock
// shape used by the store's in-memory double.
package membroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fleetcore/internal/broker"
)

type heartbeatEntry struct {
	at      time.Time
	expires time.Time
}

// Broker is a goroutine-safe, single-process queue + pub/sub double.
type Broker struct {
	mu         sync.Mutex
	queue      []broker.Message
	notify     chan struct{}
	subs       map[string][]*subscription
	heartbeats map[string]heartbeatEntry
	now        func() time.Time
	closed     bool
}

// New builds an empty Broker. now defaults to time.Now when nil.
func New(now func() time.Time) *Broker {
	if now == nil {
		now = time.Now
	}
	return &Broker{
		notify:     make(chan struct{}, 1),
		subs:       map[string][]*subscription{},
		heartbeats: map[string]heartbeatEntry{},
		now:        now,
	}
}

func (b *Broker) Enqueue(_ context.Context, msg broker.Message) error {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()
	b.wake()
	return nil
}

func (b *Broker) Requeue(ctx context.Context, msg broker.Message) error {
	return b.Enqueue(ctx, msg)
}

func (b *Broker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) Lease(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return &msg, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
			continue
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Broker) QueueDepth(_ context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.queue)), nil
}

func (b *Broker) PublishLog(_ context.Context, frame broker.LogFrame) error {
	payload, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	b.mu.Lock()
	targets := append([]*subscription(nil), b.subs[frame.RunID]...)
	b.mu.Unlock()
	for _, s := range targets {
		s.deliver(payload)
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, runID string) (broker.Subscription, error) {
	s := &subscription{broker: b, runID: runID, ch: make(chan []byte, 64)}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Broker) unsubscribe(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.runID]
	for i, other := range list {
		if other == s {
			b.subs[s.runID] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (b *Broker) Heartbeat(_ context.Context, workerName string, at time.Time, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.heartbeats[workerName] = heartbeatEntry{at: at, expires: at.Add(ttl)}
	return nil
}

func (b *Broker) HeartbeatAge(_ context.Context, workerName string, now time.Time) (time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.heartbeats[workerName]
	if !ok || now.After(entry.expires) {
		return 0, false, nil
	}
	return now.Sub(entry.at), true, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type subscription struct {
	broker *Broker
	runID  string
	ch     chan []byte
	once   sync.Once
}

func (s *subscription) deliver(payload []byte) {
	select {
	case s.ch <- payload:
	default:
		// slow subscriber drops the live frame; replay covers it on reconnect.
	}
}

func (s *subscription) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case payload := <-s.ch:
		return payload, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
		close(s.ch)
	})
	return nil
}

func marshalFrame(frame broker.LogFrame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal log frame: %w", err)
	}
	return payload, nil
}
