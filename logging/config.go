package logging

import (
	"maps"
	"slices"
	"time"
)

const (
	DefaultBufferSize       = 512
	DefaultSinkBuffer       = 256
	DefaultDropWarnInterval = 5 * time.Second
	DefaultRetryMax         = 30 * time.Second
)

// Config tunes the router and names the sinks to build.
type Config struct {
	EnabledSinks []string
	// BufferSize bounds events queued ahead of the dispatcher.
	BufferSize int
	// SinkBuffer bounds events queued per sink worker.
	SinkBuffer      int
	MinimumSeverity Severity
	// Fields are merged into every event's Extra.
	Fields map[string]any
	// DropWarnInterval throttles the fallback line reporting dropped events.
	DropWarnInterval time.Duration
	// RetryMax caps the pause after repeated sink write failures.
	RetryMax time.Duration

	JSON    JSONConfig
	Console ConsoleConfig
	Zap     ZapConfig
}

// JSONConfig tunes the newline-delimited JSON sink.
type JSONConfig struct {
	FilePath string
	// MaxBatch flushes once this many events are buffered.
	MaxBatch      int
	FlushInterval time.Duration
}

// ConsoleConfig tunes the human-readable sink.
type ConsoleConfig struct {
	UseColor bool
}

// ZapConfig tunes the zap sink.
type ZapConfig struct {
	Development bool
}

// DefaultConfig logs info and above to the console.
func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{"console"},
		BufferSize:       DefaultBufferSize,
		SinkBuffer:       DefaultSinkBuffer,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: DefaultDropWarnInterval,
		RetryMax:         DefaultRetryMax,
		JSON: JSONConfig{
			MaxBatch:      32,
			FlushInterval: 2 * time.Second,
		},
	}
}

func (c Config) normalized() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = DefaultSinkBuffer
	}
	if c.DropWarnInterval <= 0 {
		c.DropWarnInterval = DefaultDropWarnInterval
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	c.Fields = maps.Clone(c.Fields)
	return c
}

// HasSink reports whether name is enabled.
func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}
