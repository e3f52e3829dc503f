package alert

import (
	"context"

	"jet_trader/internal/core"
)

// LogChannel mirrors alerts into the engine log, so there is a durable
// record even when no external channel is configured.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(_ context.Context, p Payload) error {
	fields := make(map[string]interface{}, len(p.Fields)+1)
	fields["title"] = p.Title
	for k, v := range p.Fields {
		fields[k] = v
	}

	entry := l.logger.WithFields(fields)
	switch p.Level {
	case Warning:
		entry.Warn(p.Message)
	case Error, Critical:
		entry.Error(p.Message)
	default:
		entry.Info(p.Message)
	}
	return nil
}
