package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tickrelay/server/internal/egress"
	"tickrelay/server/internal/ingress"
	"tickrelay/server/internal/net/proto"
	simlog "tickrelay/server/logging/simulation"
)

const (
	ticksMetricKey        = "sim_ticks_total"
	tickOverrunsMetricKey = "sim_tick_overruns_total"
	flushedMetricKey      = "sim_flushed_buffers_total"

	// DefaultTickRate is the number of ticks per second.
	DefaultTickRate = 20
	// DefaultInboxCapacity bounds ingress events staged between ticks.
	DefaultInboxCapacity = 1 << 16
)

// ErrInboxFull is returned to ingress pipelines when events arrive faster
// than the simulation drains them.
var ErrInboxFull = errors.New("sim: inbox full")

// Simulation is the game logic driven by the loop. Input callbacks run
// serially at the start of a tick; TickPartition runs concurrently, once per
// egress worker.
type Simulation interface {
	OnConnect(stream uint64)
	OnEvent(ev ingress.Event)
	OnDisconnect(stream uint64, reason proto.Reason)
	TickPartition(ctx context.Context, tick TickContext, w *egress.Worker) error
}

// ChannelSource is implemented by simulations that publish positioned
// channels. OnChannelRequest runs with the other input callbacks; the answer
// is emitted with egress.Worker.SubscribeChannelPackets.
type ChannelSource interface {
	OnChannelRequest(channels []uint32)
}

// TickContext describes the tick being advanced.
type TickContext struct {
	Tick       uint64
	Now        time.Time
	Delta      float64
	Partitions int
}

// StepResult reports the outcome of one tick.
type StepResult struct {
	Tick         uint64
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	RawDelta     float64
	MaxDelta     float64
	Inputs       int
	Flushed      int
	Err          error
}

// LoopHooks let the host observe the loop.
type LoopHooks struct {
	NextTick  func() uint64
	AfterStep func(StepResult)
}

// LoopConfig tunes the tick loop.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	InboxCapacity   int
}

// DefaultLoopConfig returns the production loop settings.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{TickRate: DefaultTickRate, CatchupMaxTicks: 4, InboxCapacity: DefaultInboxCapacity}
}

// Loop runs the fixed-timestep simulation and flushes egress once per tick.
type Loop struct {
	sim    Simulation
	agg    *egress.Aggregator
	send   func([]byte)
	hooks  LoopHooks
	config LoopConfig
	deps   Deps

	inbox *Inbox

	// Connect, disconnect and channel requests must never be dropped, so
	// they bypass the bounded inbox and are merged back in arrival order by sequence.
	controlMu sync.Mutex
	control   []Input
	seq       uint64

	drained []Input
	merged  []Input
	tick    uint64
	streak  uint64
}

// NewLoop wires sim to agg. send receives every flushed buffer, including the
// trailing Flush boundary, and takes ownership of it.
func NewLoop(sim Simulation, agg *egress.Aggregator, send func([]byte), cfg LoopConfig, hooks LoopHooks, deps Deps) *Loop {
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = DefaultInboxCapacity
	}
	deps = deps.withDefaults()
	return &Loop{
		sim:    sim,
		agg:    agg,
		send:   send,
		hooks:  hooks,
		config: cfg,
		deps:   deps,
		inbox:  NewInbox(cfg.InboxCapacity, deps.Metrics),
	}
}

// Connect stages a new stream for the next tick.
func (l *Loop) Connect(stream uint64) {
	l.pushControl(Input{Kind: InputConnect, Stream: stream})
}

// Disconnect stages a stream removal for the next tick.
func (l *Loop) Disconnect(stream uint64, reason proto.Reason) {
	l.pushControl(Input{Kind: InputDisconnect, Stream: stream, Reason: reason})
}

// RequestChannels stages a proxy's subscribe request for the next tick.
func (l *Loop) RequestChannels(channels []uint32) {
	l.pushControl(Input{Kind: InputChannelRequest, Channels: channels})
}

func (l *Loop) pushControl(in Input) {
	l.controlMu.Lock()
	l.seq++
	in.seq = l.seq
	l.control = append(l.control, in)
	l.controlMu.Unlock()
}

// Deliver implements ingress.Sink. It never blocks; a full inbox fails the
// calling pipeline with ErrInboxFull.
func (l *Loop) Deliver(_ context.Context, ev ingress.Event) error {
	l.controlMu.Lock()
	l.seq++
	ok := l.inbox.Offer(Input{Kind: InputEvent, Stream: ev.Stream, Event: ev, seq: l.seq})
	l.controlMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: stream %d", ErrInboxFull, ev.Stream)
	}
	return nil
}

// Pending reports staged inputs awaiting the next tick.
func (l *Loop) Pending() int {
	l.controlMu.Lock()
	defer l.controlMu.Unlock()
	return l.inbox.Len() + len(l.control)
}

// Advance runs one tick: inputs, partitions in parallel, then exactly one
// flush.
func (l *Loop) Advance(ctx context.Context, tc TickContext) StepResult {
	tc.Partitions = l.agg.Len()
	if p, ok := l.sim.(Preparer); ok {
		p.Prepare(tc)
	}
	inputs := l.drainInputs()
	for _, in := range inputs {
		switch in.Kind {
		case InputConnect:
			l.sim.OnConnect(in.Stream)
		case InputEvent:
			l.sim.OnEvent(in.Event)
		case InputDisconnect:
			l.sim.OnDisconnect(in.Stream, in.Reason)
		case InputChannelRequest:
			if cs, ok := l.sim.(ChannelSource); ok {
				cs.OnChannelRequest(in.Channels)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range l.agg.Workers() {
		g.Go(func() error {
			return l.sim.TickPartition(gctx, tc, w)
		})
	}
	err := g.Wait()

	flushed := l.agg.Flush(tc.Tick, l.send)
	l.deps.Metrics.Add(ticksMetricKey, 1)
	l.deps.Metrics.Add(flushedMetricKey, uint64(flushed))
	return StepResult{Tick: tc.Tick, Inputs: len(inputs), Flushed: flushed, Err: err}
}

// drainInputs merges control inputs and events back into arrival order.
func (l *Loop) drainInputs() []Input {
	l.controlMu.Lock()
	control := l.control
	l.control = nil
	events := l.inbox.Drain(l.drained[:0])
	l.controlMu.Unlock()
	l.drained = events

	out := l.merged[:0]
	i, j := 0, 0
	for i < len(control) || j < len(events) {
		if j >= len(events) || (i < len(control) && control[i].seq < events[j].seq) {
			out = append(out, control[i])
			i++
			continue
		}
		out = append(out, events[j])
		j++
	}
	l.merged = out
	return out
}

// Run drives the fixed-timestep loop until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	tickRate := l.config.TickRate
	budget := time.Second / time.Duration(tickRate)
	clk := l.deps.Clock
	ticker := clk.Ticker(budget)
	defer ticker.Stop()

	last := clk.Now()
	budgetSeconds := budget.Seconds()
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := clk.Now()
			raw := now.Sub(last).Seconds()
			dt := raw
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			var tick uint64
			if l.hooks.NextTick != nil {
				tick = l.hooks.NextTick()
			} else {
				l.tick++
				tick = l.tick
			}

			start := clk.Now()
			result := l.Advance(ctx, TickContext{Tick: tick, Now: now, Delta: dt})
			result.Duration = clk.Now().Sub(start)
			result.Budget = budget
			result.ClampedDelta = clamped
			result.RawDelta = raw
			result.MaxDelta = maxDt
			l.report(ctx, result)

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) report(ctx context.Context, result StepResult) {
	if result.ClampedDelta {
		simlog.TickCatchup(ctx, l.deps.Publisher, result.Tick, simlog.TickCatchupPayload{
			DeltaSeconds: result.RawDelta,
			MaxSeconds:   result.MaxDelta,
		})
	}
	if result.Err != nil {
		simlog.PartitionFailed(ctx, l.deps.Publisher, result.Tick, simlog.PartitionFailedPayload{Error: result.Err.Error()})
		if l.deps.Logger != nil {
			l.deps.Logger.Printf("[sim] tick %d partition failed: %v", result.Tick, result.Err)
		}
	}
	if result.Duration <= result.Budget {
		l.streak = 0
		return
	}
	l.streak++
	l.deps.Metrics.Add(tickOverrunsMetricKey, 1)
	ratio := float64(result.Duration) / float64(result.Budget)
	simlog.TickOverrun(ctx, l.deps.Publisher, result.Tick, simlog.TickOverrunPayload{
		DurationMillis: result.Duration.Milliseconds(),
		BudgetMillis:   result.Budget.Milliseconds(),
		Ratio:          ratio,
		Streak:         l.streak,
		Flushed:        result.Flushed,
	})
}
