package logstream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/broker"
	"fleetcore/internal/broker/membroker"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/store/memstore"
)

// fakeSubscriber is a test double recording every frame sent to it and
// closing itself after a configured number of frames.
type fakeSubscriber struct {
	mu      sync.Mutex
	frames  [][]byte
	done    chan struct{}
	closeAt int
}

func newFakeSubscriber(closeAt int) *fakeSubscriber {
	return &fakeSubscriber{done: make(chan struct{}), closeAt: closeAt}
}

func (f *fakeSubscriber) Send(frame []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	n := len(f.frames)
	f.mu.Unlock()
	if f.closeAt > 0 && n >= f.closeAt {
		close(f.done)
	}
	return nil
}

func (f *fakeSubscriber) Done() <-chan struct{} { return f.done }

func (f *fakeSubscriber) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func TestStream_ReplaysPersistedLogsThenCloses(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	runs := memstore.NewRunStore(clock)
	require.NoError(t, runs.Create(context.Background(), &run.Run{ID: "run-1", RobotID: "r1"}))
	for i := 0; i < 3; i++ {
		_, err := runs.AppendLog(context.Background(), &run.Log{
			RunID: "run-1", Level: run.LogInfo, Message: "line", Timestamp: fixed,
		})
		require.NoError(t, err)
	}

	b := membroker.New(clock)
	s := New(runs, b)

	sub := newFakeSubscriber(3)
	err := s.Serve(context.Background(), "run-1", sub)
	require.NoError(t, err)

	frames := sub.received()
	require.Len(t, frames, 3)
	var decoded Frame
	require.NoError(t, json.Unmarshal(frames[0], &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, "line", decoded.Message)
}

func TestStream_ForwardsLiveFrameAfterReplay(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	runs := memstore.NewRunStore(clock)
	require.NoError(t, runs.Create(context.Background(), &run.Run{ID: "run-2", RobotID: "r1"}))

	b := membroker.New(clock)
	s := New(runs, b)

	sub := newFakeSubscriber(1)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), "run-2", sub) }()

	// Give the subscribe call a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.PublishLog(context.Background(), broker.LogFrame{
		RunID: "run-2", Timestamp: fixed, Level: "INFO", Message: "live line",
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not observe subscriber disconnect in time")
	}

	frames := sub.received()
	require.Len(t, frames, 1)
	assert.Contains(t, string(frames[0]), "live line")
}
