package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"tickrelay/server/logging"
)

const ansiReset = "\x1b[0m"

var severityColor = map[logging.Severity]string{
	logging.SeverityDebug: "\x1b[90m",
	logging.SeverityWarn:  "\x1b[33m",
	logging.SeverityError: "\x1b[31m",
}

// ConsoleSink prints one line per event.
type ConsoleSink struct {
	logger *log.Logger
	color  bool
}

func NewConsoleSink(w io.Writer, cfg logging.ConsoleConfig) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags), color: cfg.UseColor}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	var line strings.Builder
	fmt.Fprintf(&line, "[%s]", event.Type)
	if event.Tick != 0 {
		fmt.Fprintf(&line, " tick=%d", event.Tick)
	}
	if actor := event.Actor.String(); actor != "" {
		fmt.Fprintf(&line, " actor=%s", actor)
	}
	fmt.Fprintf(&line, " severity=%s", event.Severity)
	if len(event.Targets) > 0 {
		parts := make([]string, len(event.Targets))
		for i, target := range event.Targets {
			parts[i] = target.String()
		}
		fmt.Fprintf(&line, " targets=%s", strings.Join(parts, ","))
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(&line, " payload=%s", data)
		} else {
			fmt.Fprintf(&line, " payload=%v", event.Payload)
		}
	}

	text := line.String()
	if code, ok := severityColor[event.Severity]; ok && s.color {
		text = code + text + ansiReset
	}
	s.logger.Print(text)
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}
