package network

import (
	"context"

	"tickrelay/server/logging"
)

const (
	// EventConnectionOpened is emitted when a client connection is registered.
	EventConnectionOpened logging.EventType = "network.connection_opened"
	// EventConnectionClosed is emitted when a client connection leaves the registry.
	EventConnectionClosed logging.EventType = "network.connection_closed"
	// EventLinkUp is emitted when a simhost/proxy link completes its handshake.
	EventLinkUp logging.EventType = "network.link_up"
	// EventLinkDown is emitted when a simhost/proxy link is lost.
	EventLinkDown logging.EventType = "network.link_down"
)

// ConnectionOpenedPayload describes a newly registered client.
type ConnectionOpenedPayload struct {
	Transport string `json:"transport"`
	Remote    string `json:"remote,omitempty"`
}

// ConnectionClosedPayload captures why a client left.
type ConnectionClosedPayload struct {
	Reason string `json:"reason"`
	Sent   uint64 `json:"sent"`
	Drops  uint64 `json:"drops"`
}

// LinkPayload describes a link peer.
type LinkPayload struct {
	Remote string `json:"remote"`
	Error  string `json:"error,omitempty"`
}

// ConnectionOpened publishes an info event for a registered client.
func ConnectionOpened(ctx context.Context, pub logging.Publisher, stream uint64, payload ConnectionOpenedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionOpened,
		Actor:    logging.StreamRef(stream),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// ConnectionClosed publishes an info event for a removed client.
func ConnectionClosed(ctx context.Context, pub logging.Publisher, stream uint64, payload ConnectionClosedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventConnectionClosed,
		Actor:    logging.StreamRef(stream),
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	})
}

// LinkUp publishes an info event when a link is established.
func LinkUp(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload LinkPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventLinkUp,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// LinkDown publishes a warning when a link is lost.
func LinkDown(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload LinkPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventLinkDown,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}
