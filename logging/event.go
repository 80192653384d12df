// Package logging routes structured domain events (connection lifecycle,
// link state, ingress faults, routing drops, tick overruns) to pluggable
// sinks without blocking the goroutine that publishes them.
package logging

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// EventType names one kind of event, e.g. "network.link_up".
type EventType string

// Severity orders events for filtering.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSeverity maps a configuration string onto a Severity. The empty
// string means info.
func ParseSeverity(value string) (Severity, error) {
	switch strings.ToLower(value) {
	case "debug":
		return SeverityDebug, nil
	case "", "info":
		return SeverityInfo, nil
	case "warn", "warning":
		return SeverityWarn, nil
	case "error":
		return SeverityError, nil
	default:
		return 0, fmt.Errorf("logging: unknown severity %q", value)
	}
}

// EntityKind classifies the actor or target of an event.
type EntityKind string

const (
	EntityKindUnknown    EntityKind = "unknown"
	EntityKindConnection EntityKind = "connection"
	EntityKindLink       EntityKind = "link"
	EntityKindProxy      EntityKind = "proxy"
	EntityKindSimulation EntityKind = "simulation"
)

const (
	CategoryNetwork    = "network"
	CategoryIngress    = "ingress"
	CategoryRouting    = "routing"
	CategoryLifecycle  = "lifecycle"
	CategorySimulation = "simulation"
	CategorySystem     = "system"
)

// Event is one structured log record. Tick is zero outside the tick loop.
type Event struct {
	Type     EventType      `json:"type"`
	Tick     uint64         `json:"tick,omitempty"`
	Time     time.Time      `json:"time"`
	Actor    EntityRef      `json:"actor"`
	Targets  []EntityRef    `json:"targets,omitempty"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// EntityRef identifies a connection, link or process.
type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

func (r EntityRef) String() string {
	switch {
	case r.ID == "":
		return string(r.Kind)
	case r.Kind == "":
		return r.ID
	default:
		return string(r.Kind) + ":" + r.ID
	}
}

// StreamRef identifies a client connection by stream id.
func StreamRef(stream uint64) EntityRef {
	return EntityRef{ID: strconv.FormatUint(stream, 10), Kind: EntityKindConnection}
}

// Clone copies the slices and maps of e so the copy can be retained.
func (e Event) Clone() Event {
	if len(e.Targets) > 0 {
		e.Targets = append([]EntityRef(nil), e.Targets...)
	}
	if e.Extra != nil {
		e.Extra = maps.Clone(e.Extra)
	}
	return e
}

// withFields returns e with every field not already present in Extra
// added. e is cloned first.
func (e Event) withFields(fields map[string]any) Event {
	if len(fields) == 0 {
		return e
	}
	e = e.Clone()
	if e.Extra == nil {
		e.Extra = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if _, exists := e.Extra[k]; !exists {
			e.Extra[k] = v
		}
	}
	return e
}
