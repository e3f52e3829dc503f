package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManager_EmptyIsHealthy(t *testing.T) {
	m := NewManager()
	require.True(t, m.IsHealthy())
	require.Empty(t, m.GetStatus())
}

func TestManager_AggregatesChecks(t *testing.T) {
	m := NewManager()

	m.Register("store", func() error { return nil })
	require.True(t, m.IsHealthy())

	m.Register("stream", func() error { return errors.New("socket closed") })
	require.False(t, m.IsHealthy())

	status := m.GetStatus()
	require.Equal(t, "ok", status["store"])
	require.Equal(t, "unhealthy: socket closed", status["stream"])
}

func TestManager_RegisterReplaces(t *testing.T) {
	m := NewManager()

	m.Register("broker", func() error { return errors.New("no token") })
	require.False(t, m.IsHealthy())

	m.Register("broker", func() error { return nil })
	require.True(t, m.IsHealthy())
}
