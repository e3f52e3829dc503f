package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcher_VisitsAllInOrder(t *testing.T) {
	b := NewBatcher(3, time.Millisecond)
	var got []int
	err := b.Run(context.Background(), 8, func(i int) { got = append(got, i) })
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, got)
}

func TestBatcher_PausesBetweenWaves(t *testing.T) {
	b := NewBatcher(2, 40*time.Millisecond)
	start := time.Now()
	require.NoError(t, b.Run(context.Background(), 5, func(int) {}))
	// Three waves, two pauses.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestBatcher_SingleWaveSkipsDelay(t *testing.T) {
	b := NewBatcher(25, 500*time.Millisecond)
	start := time.Now()
	require.NoError(t, b.Run(context.Background(), 5, func(int) {}))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBatcher_CancelStopsBetweenWaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBatcher(1, time.Hour)
	var got []int
	err := b.Run(ctx, 3, func(i int) {
		got = append(got, i)
		cancel()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int{0}, got)
}

func TestBatcher_ZeroTotalAndDefaults(t *testing.T) {
	b := NewBatcher(0, 0)
	assert.Equal(t, 25, b.size)
	assert.Equal(t, 500*time.Millisecond, b.delay)

	calls := 0
	require.NoError(t, b.Run(context.Background(), 0, func(int) { calls++ }))
	assert.Zero(t, calls)
}
