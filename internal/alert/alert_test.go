package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jet_trader/internal/bus"
	"jet_trader/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, f ...interface{})                 {}
func (nopLogger) Info(msg string, f ...interface{})                  {}
func (nopLogger) Warn(msg string, f ...interface{})                  {}
func (nopLogger) Error(msg string, f ...interface{})                 {}
func (nopLogger) Fatal(msg string, f ...interface{})                 {}
func (n nopLogger) WithField(k string, v interface{}) core.ILogger   { return n }
func (n nopLogger) WithFields(f map[string]interface{}) core.ILogger { return n }

type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Payload
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(ctx context.Context, p Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, p)
	return c.err
}

func (c *recordingChannel) delivered() []Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Payload, len(c.sent))
	copy(out, c.sent)
	return out
}

func TestManager_FansOutToAllChannels(t *testing.T) {
	m := NewManager(time.Second, nopLogger{})
	ops := &recordingChannel{name: "ops"}
	pager := &recordingChannel{name: "pager"}
	m.AddChannel(ops)
	m.AddChannel(pager)

	m.Alert(context.Background(), Critical, "Flatten failed", "kill switch timed out",
		map[string]string{"account": "101"})

	require.Eventually(t, func() bool {
		return len(ops.delivered()) == 1 && len(pager.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p := ops.delivered()[0]
	assert.Equal(t, Critical, p.Level)
	assert.Equal(t, "Flatten failed", p.Title)
	assert.Equal(t, "kill switch timed out", p.Message)
	assert.Equal(t, "101", p.Fields["account"])
	assert.False(t, p.At.IsZero())
}

func TestManager_ChannelFailureDoesNotStopOthers(t *testing.T) {
	m := NewManager(time.Second, nopLogger{})
	broken := &recordingChannel{name: "broken", err: errors.New("503")}
	working := &recordingChannel{name: "working"}
	m.AddChannel(broken)
	m.AddChannel(working)

	m.Alert(context.Background(), Error, "Re-auth required", "account 101", nil)

	require.Eventually(t, func() bool {
		return len(working.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_AlertOutlivesCallerContext(t *testing.T) {
	m := NewManager(time.Second, nopLogger{})
	ch := &recordingChannel{name: "ops"}
	m.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Alert(ctx, Warning, "Orphan position", "untracked broker position", nil)

	require.Eventually(t, func() bool {
		return len(ch.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNotifier_RoutesFailureTopics(t *testing.T) {
	b := bus.New(16, nopLogger{})
	m := NewManager(time.Second, nopLogger{})
	ch := &recordingChannel{name: "ops"}
	m.AddChannel(ch)

	n := NewNotifier(m, b, nopLogger{})
	n.Start()
	defer n.Stop()

	b.Publish("exit.flatten_failed", "101:MNQZ5", map[string]interface{}{
		"error": "net position still 2",
	})

	require.Eventually(t, func() bool {
		return len(ch.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p := ch.delivered()[0]
	assert.Equal(t, Critical, p.Level)
	assert.Equal(t, "Flatten failed", p.Title)
	assert.Contains(t, p.Message, "101:MNQZ5")
	assert.Equal(t, "net position still 2", p.Fields["error"])
}

func TestNotifier_IgnoresRoutineTopics(t *testing.T) {
	b := bus.New(16, nopLogger{})
	m := NewManager(time.Second, nopLogger{})
	ch := &recordingChannel{name: "ops"}
	m.AddChannel(ch)

	n := NewNotifier(m, b, nopLogger{})
	n.Start()
	defer n.Stop()

	b.Publish("order.placed", "101:MNQZ5", map[string]interface{}{"order_id": int64(41)})
	b.Publish("reconcile.pass", "p1", map[string]interface{}{"keys": 3})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, ch.delivered())
}

func TestNotifier_ScalarPayloadHasNoFields(t *testing.T) {
	b := bus.New(16, nopLogger{})
	m := NewManager(time.Second, nopLogger{})
	ch := &recordingChannel{name: "ops"}
	m.AddChannel(ch)

	n := NewNotifier(m, b, nopLogger{})
	n.Start()
	defer n.Stop()

	b.Publish("token.reauth_required", "101", int64(101))

	require.Eventually(t, func() bool {
		return len(ch.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p := ch.delivered()[0]
	assert.Equal(t, Error, p.Level)
	assert.Contains(t, p.Message, "101")
	assert.Nil(t, p.Fields)
}
