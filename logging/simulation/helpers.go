package simulation

import (
	"context"

	"tickrelay/server/logging"
)

const (
	// EventTickOverrun is emitted when a tick runs past its budget.
	EventTickOverrun logging.EventType = "simulation.tick_overrun"
	// EventTickCatchup is emitted when the loop clamps a stalled delta.
	EventTickCatchup logging.EventType = "simulation.tick_catchup"
	// EventPartitionFailed is emitted when a partition step returns an error.
	EventPartitionFailed logging.EventType = "simulation.partition_failed"
)

// TickOverrunPayload describes one overrun and how many preceded it.
type TickOverrunPayload struct {
	DurationMillis int64   `json:"durationMillis"`
	BudgetMillis   int64   `json:"budgetMillis"`
	Ratio          float64 `json:"ratio"`
	Streak         uint64  `json:"streak"`
	Flushed        int     `json:"flushedBuffers"`
}

// TickCatchupPayload records the clamp.
type TickCatchupPayload struct {
	DeltaSeconds float64 `json:"deltaSeconds"`
	MaxSeconds   float64 `json:"maxSeconds"`
}

type PartitionFailedPayload struct {
	Error string `json:"error"`
}

func TickOverrun(ctx context.Context, pub logging.Publisher, tick uint64, payload TickOverrunPayload) {
	publish(ctx, pub, tick, EventTickOverrun, logging.SeverityWarn, payload)
}

func TickCatchup(ctx context.Context, pub logging.Publisher, tick uint64, payload TickCatchupPayload) {
	publish(ctx, pub, tick, EventTickCatchup, logging.SeverityDebug, payload)
}

func PartitionFailed(ctx context.Context, pub logging.Publisher, tick uint64, payload PartitionFailedPayload) {
	publish(ctx, pub, tick, EventPartitionFailed, logging.SeverityError, payload)
}

func publish(ctx context.Context, pub logging.Publisher, tick uint64, t logging.EventType, sev logging.Severity, payload any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     t,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindSimulation},
		Severity: sev,
		Category: logging.CategorySimulation,
		Payload:  payload,
	})
}
