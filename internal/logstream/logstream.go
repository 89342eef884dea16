// Package logstream implements the Log-Stream Subscriber (C8): replay
// recently persisted log lines for a run, then bridge the broker's live
// pub/sub channel to a subscriber until it disconnects.
package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleetcore/internal/broker"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/logging"
)

// ReplayLimit is the number of persisted RunLog rows replayed before live
// frames start forwarding.
const ReplayLimit = 200

// receiveTimeout is how long a single Subscribe poll blocks before the
// forward loop re-checks the subscriber for disconnect.
const receiveTimeout = time.Second

// errSubscriberGone marks a Send failure during replay, which ends Serve
// like any other disconnect.
var errSubscriberGone = errors.New("subscriber gone")

// Subscriber is the destination side of a log stream: an open connection
// (websocket, SSE, whatever the facade uses) the Stream writes frames to.
type Subscriber interface {
	// Send writes one frame. A non-nil error is treated as a disconnect.
	Send(frame []byte) error
	// Done is closed when the subscriber disconnects.
	Done() <-chan struct{}
}

// Frame is the wire shape sent to a subscriber for both replayed and live
// log lines.
type Frame struct {
	RunID     string `json:"run_id"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// Stream drives one subscriber's replay-then-forward lifecycle for a run.
type Stream struct {
	runs   run.Store
	broker broker.Broker
	log    logging.Logger
}

func New(runs run.Store, b broker.Broker) *Stream {
	return &Stream{runs: runs, broker: b, log: logging.NewComponentLogger("logstream")}
}

// Serve replays recent logs then forwards live frames until ctx is
// canceled, the subscriber disconnects, or the broker subscription fails.
// Authorization is the caller's responsibility (the HTTP facade checks it
// before calling Serve), per §4.6 step 1.
func (s *Stream) Serve(ctx context.Context, runID string, sub Subscriber) error {
	if err := s.replay(ctx, runID, sub); err != nil {
		if errors.Is(err, errSubscriberGone) {
			return nil
		}
		return fmt.Errorf("replay logs for run %s: %w", runID, err)
	}

	subscription, err := s.broker.Subscribe(ctx, runID)
	if err != nil {
		return fmt.Errorf("subscribe to run %s log channel: %w", runID, err)
	}
	defer subscription.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		default:
		}

		payload, err := subscription.Receive(ctx, receiveTimeout)
		if err != nil {
			s.log.Warn("receive on run %s log channel failed: %v", runID, err)
			return nil
		}
		if payload == nil {
			// Timeout with nothing to deliver; loop back to re-check
			// ctx/disconnect before blocking again.
			continue
		}
		if err := sub.Send(payload); err != nil {
			// A slow or gone subscriber just stops receiving; it replays
			// on reconnect. Not an error worth propagating.
			return nil
		}
	}
}

func (s *Stream) replay(ctx context.Context, runID string, sub Subscriber) error {
	logs, err := s.runs.ListLogs(ctx, runID, ReplayLimit)
	if err != nil {
		return err
	}
	for _, l := range logs {
		frame := Frame{
			RunID:     runID,
			Timestamp: l.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			Level:     string(l.Level),
			Message:   l.Message,
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return err
		}
		if err := sub.Send(payload); err != nil {
			return errSubscriberGone
		}
	}
	return nil
}
