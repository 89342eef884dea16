// Package logfanout implements the append_log operation (C4): persist a log
// line, then best-effort publish it to live subscribers.
package logfanout

import (
	"context"
	"fmt"
	"time"

	"fleetcore/internal/broker"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/logging"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// FanOut persists RunLogs and mirrors them onto the run's broker channel.
type FanOut struct {
	runs   run.Store
	broker broker.Broker
	now    Clock
	log    logging.Logger
}

func New(runs run.Store, b broker.Broker, now Clock) *FanOut {
	if now == nil {
		now = time.Now
	}
	return &FanOut{runs: runs, broker: b, now: now, log: logging.NewComponentLogger("logfanout")}
}

// AppendLog persists the line with a monotonic id and server-side
// timestamp, then publishes it. A publish failure is swallowed and logged:
// persistence already succeeded and is the source of truth, so a lost live
// frame only costs a subscriber the need to replay (C8) on reconnect.
func (f *FanOut) AppendLog(ctx context.Context, runID string, level run.LogLevel, message string) (*run.Log, error) {
	l := &run.Log{
		RunID:     runID,
		Level:     level,
		Message:   message,
		Timestamp: f.now(),
	}
	id, err := f.runs.AppendLog(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("persist log: %w", err)
	}
	l.ID = id

	if f.broker != nil {
		frame := broker.LogFrame{RunID: runID, Timestamp: l.Timestamp, Level: string(level), Message: message}
		if err := f.broker.PublishLog(ctx, frame); err != nil {
			f.log.Warn("publish log frame for run %s failed (persisted, subscribers will replay): %v", runID, err)
		}
	}
	return l, nil
}
