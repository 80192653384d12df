package sim

import (
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/proto"
)

// InputKind identifies what the host handed to the simulation.
type InputKind uint8

const (
	InputConnect InputKind = iota + 1
	InputEvent
	InputDisconnect
	InputChannelRequest
)

func (k InputKind) String() string {
	switch k {
	case InputConnect:
		return "connect"
	case InputEvent:
		return "event"
	case InputDisconnect:
		return "disconnect"
	case InputChannelRequest:
		return "channel_request"
	default:
		return "unknown"
	}
}

// Input is one item of the per-tick inbox, in arrival order.
type Input struct {
	Kind   InputKind
	Stream uint64
	Event  ingress.Event
	Reason proto.Reason

	// Channels lists the channels a proxy asked subscribe packets for.
	Channels []uint32

	seq uint64
}
