package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tickrelay/server/logging"
)

// ZapSink writes events as structured zap entries.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink wraps logger. A nil logger builds a production JSON logger.
func NewZapSink(logger *zap.Logger) (*ZapSink, error) {
	if logger == nil {
		built, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		logger = built
	}
	return &ZapSink{logger: logger}, nil
}

func (s *ZapSink) Write(event logging.Event) error {
	fields := make([]zap.Field, 0, 6+len(event.Extra))
	fields = append(fields,
		zap.Uint64("tick", event.Tick),
		zap.Time("eventTime", event.Time),
		zap.String("category", event.Category),
		zap.Stringer("actor", event.Actor),
	)
	if len(event.Targets) > 0 {
		fields = append(fields, zap.Any("targets", event.Targets))
	}
	if event.Payload != nil {
		fields = append(fields, zap.Any("payload", event.Payload))
	}
	for k, v := range event.Extra {
		fields = append(fields, zap.Any(k, v))
	}
	if ce := s.logger.Check(zapLevel(event.Severity), string(event.Type)); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (s *ZapSink) Close(context.Context) error {
	// Sync on stdout/stderr reports EINVAL on some platforms; ignore it.
	_ = s.logger.Sync()
	return nil
}

func zapLevel(sev logging.Severity) zapcore.Level {
	switch sev {
	case logging.SeverityDebug:
		return zapcore.DebugLevel
	case logging.SeverityWarn:
		return zapcore.WarnLevel
	case logging.SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
