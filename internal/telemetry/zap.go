package telemetry

import (
	"fmt"
	"log"

	"go.uber.org/zap"
)

// WrapZap adapts a zap logger to the Logger interface. Lines are emitted at
// info level with the formatted message.
func WrapZap(logger *zap.Logger) Logger {
	if logger == nil {
		return LoggerFunc(nil)
	}
	return &zapAdapter{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

type zapAdapter struct {
	logger *zap.Logger
}

func (z *zapAdapter) Printf(format string, args ...any) {
	z.logger.Info(fmt.Sprintf(format, args...))
}

// StandardLogger returns a *log.Logger that writes through zap.
func (z *zapAdapter) StandardLogger() *log.Logger {
	return zap.NewStdLog(z.logger)
}
