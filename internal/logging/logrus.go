package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/sirupsen/logrus"
)

// NewLogrusEntry returns a logrus entry whose records are forwarded to logger.
// Libraries that only accept logrus (the Firecracker SDK) log through it.
func NewLogrusEntry(logger *slog.Logger) *logrus.Entry {
	logger = Ensure(logger)

	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrusLevel(logger))
	l.AddHook(&slogHook{logger: logger})
	return logrus.NewEntry(l)
}

type slogHook struct {
	logger *slog.Logger
}

func (h *slogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *slogHook) Fire(entry *logrus.Entry) error {
	attrs := make([]slog.Attr, 0, len(entry.Data))
	for k, v := range entry.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	h.logger.LogAttrs(context.Background(), slogLevel(entry.Level), entry.Message, attrs...)
	return nil
}

func slogLevel(level logrus.Level) slog.Level {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return slog.LevelError
	case logrus.WarnLevel:
		return slog.LevelWarn
	case logrus.InfoLevel:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// logrusLevel picks the most verbose logrus level the slog logger will accept.
func logrusLevel(logger *slog.Logger) logrus.Level {
	ctx := context.Background()
	switch {
	case logger.Enabled(ctx, slog.LevelDebug):
		return logrus.DebugLevel
	case logger.Enabled(ctx, slog.LevelInfo):
		return logrus.InfoLevel
	case logger.Enabled(ctx, slog.LevelWarn):
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}
