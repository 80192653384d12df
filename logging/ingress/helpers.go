package ingress

import (
	"context"

	"tickrelay/server/logging"
)

const (
	// EventProtocolError is emitted when a client sends malformed frames.
	EventProtocolError logging.EventType = "ingress.protocol_error"
	// EventIdleTimeout is emitted when a client completes no packet in its idle window.
	EventIdleTimeout logging.EventType = "ingress.idle_timeout"
	// EventBackpressure is emitted when a client outruns its outstanding byte budget.
	EventBackpressure logging.EventType = "ingress.backpressure"
)

// ProtocolErrorPayload records what was wrong with the input.
type ProtocolErrorPayload struct {
	Reason string `json:"reason"`
	Packet uint64 `json:"packet"`
}

// IdleTimeoutPayload records the idle window that lapsed.
type IdleTimeoutPayload struct {
	WindowMillis int64 `json:"windowMillis"`
}

// BackpressurePayload records the outstanding byte budget that was exceeded.
type BackpressurePayload struct {
	Outstanding int64 `json:"outstanding"`
	Limit       int64 `json:"limit"`
}

// ProtocolError publishes a warning for malformed client input.
func ProtocolError(ctx context.Context, pub logging.Publisher, stream uint64, payload ProtocolErrorPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventProtocolError,
		Actor:    logging.StreamRef(stream),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryIngress,
		Payload:  payload,
	})
}

// IdleTimeout publishes an info event for an idle disconnect.
func IdleTimeout(ctx context.Context, pub logging.Publisher, stream uint64, payload IdleTimeoutPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventIdleTimeout,
		Actor:    logging.StreamRef(stream),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryIngress,
		Payload:  payload,
	})
}

// Backpressure publishes a warning when a client is disconnected for sending too fast.
func Backpressure(ctx context.Context, pub logging.Publisher, stream uint64, payload BackpressurePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBackpressure,
		Actor:    logging.StreamRef(stream),
		Severity: logging.SeverityWarn,
		Category: logging.CategoryIngress,
		Payload:  payload,
	})
}
