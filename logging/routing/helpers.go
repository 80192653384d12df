package routing

import (
	"context"

	"tickrelay/server/logging"
)

const (
	// EventQueueOverflow is emitted when a connection's send queue overflows.
	EventQueueOverflow logging.EventType = "routing.queue_overflow"
	// EventEnvelopeDropped is emitted when an envelope cannot be decoded.
	EventEnvelopeDropped logging.EventType = "routing.envelope_dropped"
	// EventTickDispatched summarises the fan-out of one tick.
	EventTickDispatched logging.EventType = "routing.tick_dispatched"
)

// QueueOverflowPayload describes the overflow decision taken.
type QueueOverflowPayload struct {
	Policy     string `json:"policy"`
	Dropped    uint64 `json:"dropped"`
	Disconnect bool   `json:"disconnect"`
}

// EnvelopeDroppedPayload describes a skipped envelope.
type EnvelopeDroppedPayload struct {
	Reason string `json:"reason"`
}

// TickDispatchedPayload summarises per-tick routing.
type TickDispatchedPayload struct {
	Envelopes  int    `json:"envelopes"`
	Deliveries uint64 `json:"deliveries"`
	MissLate   uint64 `json:"missLate"`
	MissOther  uint64 `json:"missForeign"`
}

// QueueOverflow publishes a warning for a saturated connection.
func QueueOverflow(ctx context.Context, pub logging.Publisher, stream uint64, payload QueueOverflowPayload) {
	if pub == nil {
		return
	}
	severity := logging.SeverityDebug
	if payload.Disconnect {
		severity = logging.SeverityWarn
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventQueueOverflow,
		Actor:    logging.StreamRef(stream),
		Severity: severity,
		Category: logging.CategoryRouting,
		Payload:  payload,
	})
}

// EnvelopeDropped publishes a warning when the router skips an envelope.
func EnvelopeDropped(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload EnvelopeDroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventEnvelopeDropped,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryRouting,
		Payload:  payload,
	})
}

// TickDispatched publishes a debug summary once a tick has been fanned out.
func TickDispatched(ctx context.Context, pub logging.Publisher, tick uint64, payload TickDispatchedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventTickDispatched,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindProxy},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryRouting,
		Payload:  payload,
	})
}
