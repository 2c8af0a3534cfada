package whatsapp

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

var _ waLog.Logger = (*slogLogger)(nil)

// slogLogger bridges whatsmeow's printf-style logger onto slog. Records below min are
// dropped even when the process log level would let them through, since whatsmeow is
// very chatty at debug.
type slogLogger struct {
	log    *slog.Logger
	module string
	min    slog.Level
}

// NewLogger returns a whatsmeow logger writing to log at min level or above.
func NewLogger(log *slog.Logger, min slog.Level) waLog.Logger {
	return &slogLogger{log: log, min: min}
}

func (l *slogLogger) Debugf(msg string, args ...interface{}) { l.logf(slog.LevelDebug, msg, args) }
func (l *slogLogger) Infof(msg string, args ...interface{})  { l.logf(slog.LevelInfo, msg, args) }
func (l *slogLogger) Warnf(msg string, args ...interface{})  { l.logf(slog.LevelWarn, msg, args) }
func (l *slogLogger) Errorf(msg string, args ...interface{}) { l.logf(slog.LevelError, msg, args) }

func (l *slogLogger) Sub(module string) waLog.Logger {
	name := module
	if l.module != "" {
		name = l.module + "/" + module
	}
	return &slogLogger{log: l.log, module: name, min: l.min}
}

func (l *slogLogger) logf(level slog.Level, msg string, args []interface{}) {
	if level < l.min {
		return
	}
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	if l.module != "" {
		l.log.Log(ctx, level, msg, "component", "whatsmeow", "module", l.module)
		return
	}
	l.log.Log(ctx, level, msg, "component", "whatsmeow")
}
