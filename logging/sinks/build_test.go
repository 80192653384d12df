package sinks

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tickrelay/server/logging"
)

func TestBuildNamedSinks(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"console", "memory", "zap"}
	named, err := Build(cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(named) != 3 {
		t.Fatalf("expected three sinks, got %d", len(named))
	}
	if _, ok := named[1].Sink.(*MemorySink); !ok {
		t.Fatalf("expected memory sink, got %T", named[1].Sink)
	}
}

func TestBuildRejectsUnknownSink(t *testing.T) {
	cfg := logging.DefaultConfig()
	cfg.EnabledSinks = []string{"syslog"}
	if _, err := Build(cfg, nil); err == nil {
		t.Fatalf("expected unknown sink error")
	}
}

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var out bytes.Buffer
	sink := NewConsoleSink(&out, logging.ConsoleConfig{})
	err := sink.Write(logging.Event{
		Type:     "network.link_up",
		Actor:    logging.EntityRef{ID: "p1", Kind: logging.EntityKindProxy},
		Severity: logging.SeverityInfo,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if line := out.String(); !strings.Contains(line, "[network.link_up]") || !strings.Contains(line, "p1") {
		t.Fatalf("unexpected console line %q", line)
	}
}

func TestZapSinkWritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	sink, err := NewZapSink(zap.New(core))
	if err != nil {
		t.Fatalf("new zap sink: %v", err)
	}
	err = sink.Write(logging.Event{
		Type:     "ingress.protocol_error",
		Tick:     12,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryIngress,
		Actor:    logging.StreamRef(9),
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	sink.Close(context.Background())

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("expected warn level, got %v", entries[0].Level)
	}
	if entries[0].ContextMap()["tick"] != uint64(12) {
		t.Fatalf("expected tick field, got %v", entries[0].ContextMap())
	}
}

func TestJSONSinkFlushesPerBatch(t *testing.T) {
	var out bytes.Buffer
	sink := NewJSON(&out, logging.JSONConfig{MaxBatch: 2})
	sink.Write(logging.Event{Type: "a", Severity: logging.SeverityWarn, Actor: logging.StreamRef(3)})
	if out.Len() != 0 {
		t.Fatalf("expected first event buffered, got %q", out.String())
	}
	sink.Write(logging.Event{Type: "b"})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines after batch, got %q", out.String())
	}
	if !strings.Contains(lines[0], `"severity":"warn"`) || !strings.Contains(lines[0], `"actor":"connection:3"`) {
		t.Fatalf("unexpected encoding %s", lines[0])
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemorySinkFiltersByType(t *testing.T) {
	sink := NewMemorySink()
	sink.Write(logging.Event{Type: "a"})
	sink.Write(logging.Event{Type: "b"})
	sink.Write(logging.Event{Type: "a"})
	if got := len(sink.OfType("a")); got != 2 || sink.Len() != 3 {
		t.Fatalf("unexpected filter result %d of %d", got, sink.Len())
	}
}
