package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jet_trader/internal/core"
	"jet_trader/internal/risk"
)

// The reconciler hands its per-key work to whatever implements its
// runner contract; the serializer is that implementation in production.
var _ risk.KeyRunner = (*KeyedSerializer)(nil)

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})                 {}
func (nopLogger) Info(msg string, f ...interface{})                  {}
func (nopLogger) Warn(msg string, f ...interface{})                  {}
func (nopLogger) Error(msg string, f ...interface{})                 {}
func (nopLogger) Fatal(msg string, f ...interface{})                 {}
func (n nopLogger) WithField(k string, v interface{}) core.ILogger   { return n }
func (n nopLogger) WithFields(f map[string]interface{}) core.ILogger { return n }

var laneKey = core.PositionKey{RecorderID: "rec1", Ticker: "MNQ1!"}

func TestKeyedSerializer_SameKeyRunsInOrder(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})
	defer s.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Go(laneKey, func() { got = append(got, i) }))
	}
	// Barrier: queued behind everything above on the same lane.
	s.Run(laneKey, func() {})

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestKeyedSerializer_DistinctKeysRunInParallel(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})
	defer s.Stop()

	release := make(chan struct{})
	otherRan := make(chan struct{})
	other := core.PositionKey{RecorderID: "rec2", Ticker: "MES1!"}

	require.NoError(t, s.Go(laneKey, func() { <-release }))
	require.NoError(t, s.Go(other, func() { close(otherRan) }))

	select {
	case <-otherRan:
	case <-time.After(2 * time.Second):
		t.Fatal("second key never ran while first key's lane was busy")
	}
	close(release)
}

func TestKeyedSerializer_RunBlocksUntilTaskDone(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})
	defer s.Stop()

	var done bool
	s.Run(laneKey, func() {
		time.Sleep(20 * time.Millisecond)
		done = true
	})
	assert.True(t, done)
}

func TestKeyedSerializer_StopRefusesNewWork(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})
	s.Stop()

	err := s.Go(laneKey, func() {})
	assert.ErrorIs(t, err, ErrStopped)

	// Run still makes progress inline for shutdown-path callers.
	var ran bool
	s.Run(laneKey, func() { ran = true })
	assert.True(t, ran)
}

func TestKeyedSerializer_StopDrainsQueuedTasks(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})

	ran := 0
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Go(laneKey, func() { ran++ }))
	}
	s.Stop()
	assert.Equal(t, 20, ran)
}

func TestKeyedSerializer_PanicDoesNotKillLane(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})
	defer s.Stop()

	require.NoError(t, s.Go(laneKey, func() { panic("boom") }))

	var after bool
	s.Run(laneKey, func() { after = true })
	assert.True(t, after)
}

func TestKeyedSerializer_StatsTrackLanes(t *testing.T) {
	s := NewKeyedSerializer(nopLogger{})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Go(laneKey, func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, s.Go(laneKey, func() {}))
	require.NoError(t, s.Go(laneKey, func() {}))

	stats := s.Stats()
	assert.Equal(t, 1, stats["active_keys"])
	assert.Equal(t, 2, stats["queued_tasks"])

	close(release)
	s.Stop()
	stats = s.Stats()
	assert.Equal(t, 0, stats["active_keys"])
	assert.Equal(t, 0, stats["queued_tasks"])
}
