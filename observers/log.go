package observers

import (
	"context"

	"github.com/aryangodara/abuse_guard"
	"go.uber.org/zap"
)

var (
	_ abuse_guard.AlertDispatcher = &LogDispatcher{}
	_ abuse_guard.ErrorReporter   = &LogReporter{}
)

// LogDispatcher writes alerts to a logger. It stands in for the real
// notification channels (email, chat, SMS).
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.Named("alerts")}
}

func (d *LogDispatcher) Dispatch(_ context.Context, a *abuse_guard.Alert) error {
	d.logger.Warn("rate limit alert",
		zap.String("alert_id", a.ID),
		zap.String("group", string(a.Group)),
		zap.String("identifier", a.Identifier),
		zap.Int64("count", a.Count),
		zap.String("severity", string(a.Severity)),
		zap.Strings("channels", a.Channels),
		zap.String("path", a.Path),
		zap.String("method", a.Method),
		zap.String("user_agent", a.UserAgent),
		zap.Time("at", a.Timestamp),
	)
	return nil
}

// LogReporter is an error-tracking sink that only logs.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger.Named("errors")}
}

func (r *LogReporter) Report(err error, tags map[string]string) {
	fields := make([]zap.Field, 0, len(tags)+1)
	fields = append(fields, zap.Error(err))
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Error("reported error", fields...)
}
