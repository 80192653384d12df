package proto

// ReasonCode classifies why a stream was disconnected.
type ReasonCode uint8

const (
	ReasonOther ReasonCode = iota
	ReasonLostConnection
	ReasonCouldNotKeepUp
	ReasonProtocolError
	ReasonIdleTimeout
	ReasonQueueOverflow
	ReasonShutdown
)

func (c ReasonCode) String() string {
	switch c {
	case ReasonLostConnection:
		return "lost_connection"
	case ReasonCouldNotKeepUp:
		return "could_not_keep_up"
	case ReasonProtocolError:
		return "protocol_error"
	case ReasonIdleTimeout:
		return "idle_timeout"
	case ReasonQueueOverflow:
		return "queue_overflow"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "other"
	}
}

// Reason is a disconnect reason code with optional free-form detail.
type Reason struct {
	Code ReasonCode `json:"code"`
	Text string     `json:"text,omitempty"`
}

// NewReason builds a Reason with the given code and detail text.
func NewReason(code ReasonCode, text string) Reason {
	return Reason{Code: code, Text: text}
}

func (r Reason) String() string {
	if r.Text == "" {
		return r.Code.String()
	}
	return r.Code.String() + ": " + r.Text
}
