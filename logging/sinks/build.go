package sinks

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"tickrelay/server/logging"
)

// Build constructs the sinks named in cfg.EnabledSinks. Console output goes
// to stdout; a json sink without a file path writes to stdout as well.
func Build(cfg logging.Config, stdout io.Writer) ([]logging.NamedSink, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	named := make([]logging.NamedSink, 0, len(cfg.EnabledSinks))
	for _, name := range cfg.EnabledSinks {
		switch name {
		case "console":
			named = append(named, logging.NamedSink{Name: name, Sink: NewConsoleSink(stdout, cfg.Console)})
		case "json":
			var w io.Writer = stdout
			if cfg.JSON.FilePath != "" {
				file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return nil, fmt.Errorf("open json sink: %w", err)
				}
				w = file
			}
			named = append(named, logging.NamedSink{Name: name, Sink: NewJSON(w, cfg.JSON)})
		case "zap":
			var logger *zap.Logger
			if cfg.Zap.Development {
				built, err := zap.NewDevelopment()
				if err != nil {
					return nil, fmt.Errorf("build zap sink: %w", err)
				}
				logger = built
			}
			sink, err := NewZapSink(logger)
			if err != nil {
				return nil, fmt.Errorf("build zap sink: %w", err)
			}
			named = append(named, logging.NamedSink{Name: name, Sink: sink})
		case "memory":
			named = append(named, logging.NamedSink{Name: name, Sink: NewMemorySink()})
		default:
			return nil, fmt.Errorf("unknown logging sink %q", name)
		}
	}
	return named, nil
}
