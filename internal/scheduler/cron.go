package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"jet_trader/internal/core"
)

// SessionCron fires daily jobs at the session rollover time in the
// session timezone. Rollover work (resetting session counters,
// re-arming daily filters) registers through AddRollover.
type SessionCron struct {
	cron    *cron.Cron
	session *core.Session
	bus     core.IEventBus
	logger  core.ILogger
}

func NewSessionCron(session *core.Session, bus core.IEventBus, logger core.ILogger) *SessionCron {
	return &SessionCron{
		cron:    cron.New(cron.WithLocation(session.Location())),
		session: session,
		bus:     bus,
		logger:  logger.WithField("component", "session_cron"),
	}
}

// AddRollover schedules fn at the session rollover time every day.
func (c *SessionCron) AddRollover(name string, fn func(at time.Time)) error {
	hour, min := c.session.Wall()
	spec := fmt.Sprintf("%d %d * * *", min, hour)
	_, err := c.cron.AddFunc(spec, func() {
		at := time.Now().In(c.session.Location())
		c.logger.WithFields(map[string]interface{}{
			"job":           name,
			"session_start": c.session.StartFor(at).Format("2006-01-02 15:04"),
		}).Info("Session rollover")
		fn(at)
		if c.bus != nil {
			c.bus.Publish("session.rolled", name, map[string]interface{}{
				"job": name,
				"at":  at,
			})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule rollover job %s: %w", name, err)
	}
	return nil
}

func (c *SessionCron) Start() {
	c.cron.Start()
	c.logger.Info("Session cron started")
}

// Stop halts scheduling and waits for a running job to finish.
func (c *SessionCron) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info("Session cron stopped")
}
