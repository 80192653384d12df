package lifecycle

import (
	"context"

	"tickrelay/server/logging"
)

const (
	// EventProcessStarted is emitted once a process has wired its components.
	EventProcessStarted logging.EventType = "lifecycle.process_started"
	// EventProcessStopped is emitted when a process finishes teardown.
	EventProcessStopped logging.EventType = "lifecycle.process_stopped"
)

// ProcessPayload identifies the process instance.
type ProcessPayload struct {
	Role     string `json:"role"`
	Instance string `json:"instance"`
	Reason   string `json:"reason,omitempty"`
}

// ProcessStarted publishes a process start event.
func ProcessStarted(ctx context.Context, pub logging.Publisher, payload ProcessPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventProcessStarted,
		Actor:    logging.EntityRef{ID: payload.Instance, Kind: logging.EntityKind(payload.Role)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ProcessStopped publishes a process stop event.
func ProcessStopped(ctx context.Context, pub logging.Publisher, payload ProcessPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventProcessStopped,
		Actor:    logging.EntityRef{ID: payload.Instance, Kind: logging.EntityKind(payload.Role)},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
