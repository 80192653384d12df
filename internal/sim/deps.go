package sim

import (
	"github.com/benbjohnson/clock"

	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
)

// Deps carries shared infrastructure dependencies required by the tick loop.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     clock.Clock
}

func (d Deps) withDefaults() Deps {
	if d.Metrics == nil {
		d.Metrics = telemetry.NopMetrics()
	}
	if d.Publisher == nil {
		d.Publisher = logging.NopPublisher()
	}
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return d
}
