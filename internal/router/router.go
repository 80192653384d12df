// Package router fans simulation envelopes out to client connections on the
// proxy. Payload envelopes are buffered per tick and dispatched in order when
// the tick's Flush arrives; control envelopes update connection state as they
// are read.
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"tickrelay/server/internal/net/proto"
	"tickrelay/server/internal/registry"
	"tickrelay/server/internal/spatial"
	"tickrelay/server/internal/telemetry"
	"tickrelay/server/logging"
	"tickrelay/server/logging/routing"
)

const (
	metricEnvelopes       = "router_envelopes_total"
	metricEnvelopesDrop   = "router_envelopes_dropped_total"
	metricDeliveries      = "router_deliveries_total"
	metricMissLate        = "router_miss_late_total"
	metricMissForeign     = "router_miss_foreign_total"
	metricTicks           = "router_ticks_total"
	metricEarlyDispatch   = "router_early_dispatch_total"
	metricIndexRebuilds   = "router_index_rebuilds_total"
	metricPending         = "router_pending_envelopes"
	metricIndexedStreams  = "router_indexed_streams"
	metricUnknownChannels = "router_unknown_channel_total"
	metricChannelRequests = "router_channel_requests_total"

	// DefaultMaxPendingPerTick bounds buffered payload envelopes when a peer
	// never closes its tick.
	DefaultMaxPendingPerTick = 1 << 16
	// DefaultRecentlyRemoved sizes the memory of disconnected streams used to
	// classify unicast misses.
	DefaultRecentlyRemoved = 4096
)

// Config tunes routing.
type Config struct {
	LocalRadius       float32
	IndexKind         spatial.Kind
	MaxPendingPerTick int
	RecentlyRemoved   int
}

// DefaultConfig returns the production routing settings.
func DefaultConfig() Config {
	return Config{
		LocalRadius:       proto.DefaultLocalRadius,
		IndexKind:         spatial.KindBVH,
		MaxPendingPerTick: DefaultMaxPendingPerTick,
		RecentlyRemoved:   DefaultRecentlyRemoved,
	}
}

// Deps bundles the collaborators a Router reports to.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	// Upstream receives envelopes addressed to the simulation. It is called
	// from Handle and must not block.
	Upstream  func(proto.Envelope)
}

// channel membership. members receive BroadcastChannel; nearby is the subset
// that joined by position and leaves when out of range; pending streams are
// in range but wait for the channel's subscribe packets.
type channel struct {
	unsubscribe []byte
	members     map[uint64]struct{}
	nearby      map[uint64]struct{}
	pending     map[uint64]struct{}
}

func newChannel() *channel {
	return &channel{
		members: make(map[uint64]struct{}),
		nearby:  make(map[uint64]struct{}),
		pending: make(map[uint64]struct{}),
	}
}

type pending struct {
	env proto.Routed
	seq int
}

// TickStats summarises one dispatched tick.
type TickStats struct {
	Tick        uint64
	Envelopes   int
	Deliveries  uint64
	MissLate    uint64
	MissForeign uint64
}

// Router is driven by a single goroutine per link through Handle. Forget may
// be called from any goroutine.
type Router struct {
	cfg       Config
	conns     *registry.Registry
	index     spatial.Snapshot
	recent    *lru.Cache[uint64, struct{}]
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	upstream  func(proto.Envelope)

	channels map[uint32]*channel
	inRange  map[uint64]struct{}
	pending  []pending
	deferred []proto.Envelope
	seq      int
	stats    TickStats
	early    uint64
}

// New constructs a router delivering to conns.
func New(cfg Config, conns *registry.Registry, deps Deps) (*Router, error) {
	def := DefaultConfig()
	if cfg.LocalRadius <= 0 {
		cfg.LocalRadius = def.LocalRadius
	}
	if cfg.IndexKind == "" {
		cfg.IndexKind = def.IndexKind
	}
	if cfg.MaxPendingPerTick <= 0 {
		cfg.MaxPendingPerTick = def.MaxPendingPerTick
	}
	if cfg.RecentlyRemoved <= 0 {
		cfg.RecentlyRemoved = def.RecentlyRemoved
	}
	if conns == nil {
		return nil, errors.New("router: nil registry")
	}
	if _, err := spatial.Build(cfg.IndexKind, nil); err != nil {
		return nil, err
	}
	recent, err := lru.New[uint64, struct{}](cfg.RecentlyRemoved)
	if err != nil {
		return nil, fmt.Errorf("router: recent streams cache: %w", err)
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	return &Router{
		cfg:       cfg,
		conns:     conns,
		recent:    recent,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		publisher: deps.Publisher,
		upstream:  deps.Upstream,
		channels:  make(map[uint32]*channel),
		inRange:   make(map[uint64]struct{}),
	}, nil
}

// Forget records that stream left the registry so later unicasts to it are
// classified as late rather than foreign.
func (r *Router) Forget(stream uint64) {
	r.recent.Add(stream, struct{}{})
}

// Index exposes the current spatial index.
func (r *Router) Index() spatial.Index {
	return r.index.Load()
}

// Pending returns the number of payload envelopes waiting for Flush.
func (r *Router) Pending() int {
	return len(r.pending)
}

// Handle routes every envelope in frame. Payload slices borrowed from frame
// are retained, so frame must not be reused by the caller. Unknown or
// malformed envelopes are skipped and counted; a truncated frame stops
// processing and is returned as an error.
func (r *Router) Handle(ctx context.Context, frame []byte) error {
	for len(frame) > 0 {
		env, n, err := proto.Decode(frame)
		if err != nil {
			if n == 0 {
				r.drop(ctx, err)
				return fmt.Errorf("router: %w", err)
			}
			r.drop(ctx, err)
			frame = frame[n:]
			continue
		}
		frame = frame[n:]
		r.metrics.Add(metricEnvelopes, 1)
		r.apply(ctx, env)
	}
	return nil
}

func (r *Router) drop(ctx context.Context, err error) {
	r.metrics.Add(metricEnvelopesDrop, 1)
	routing.EnvelopeDropped(ctx, r.publisher, logging.EntityRef{Kind: logging.EntityKindLink}, routing.EnvelopeDroppedPayload{
		Reason: err.Error(),
	})
}

func (r *Router) apply(ctx context.Context, env proto.Envelope) {
	switch e := env.(type) {
	case proto.Routed:
		r.pending = append(r.pending, pending{env: e, seq: r.seq})
		r.seq++
		if len(r.pending) >= r.cfg.MaxPendingPerTick {
			r.early++
			r.metrics.Add(metricEarlyDispatch, 1)
			if r.logger != nil && r.early&(r.early-1) == 0 {
				r.logger.Printf("[router] %d envelopes pending without a flush; dispatching early (%d times)", len(r.pending), r.early)
			}
			r.dispatch()
		}
		r.metrics.Store(metricPending, uint64(len(r.pending)))
	case proto.Flush:
		r.dispatch()
		for _, d := range r.deferred {
			r.applyDeferred(d)
		}
		clear(r.deferred)
		r.deferred = r.deferred[:0]
		r.stats.Tick = e.Tick
		r.metrics.Add(metricTicks, 1)
		r.metrics.Store(metricPending, 0)
		routing.TickDispatched(ctx, r.publisher, e.Tick, routing.TickDispatchedPayload{
			Envelopes:  r.stats.Envelopes,
			Deliveries: r.stats.Deliveries,
			MissLate:   r.stats.MissLate,
			MissOther:  r.stats.MissForeign,
		})
		r.stats = TickStats{}
	case proto.UpdatePositions:
		r.updatePositions(e)
	case proto.SetReceiveBroadcasts:
		if c, ok := r.conns.Lookup(e.Stream); ok {
			c.EnableBroadcasts()
		}
	case proto.Subscribe:
		r.subscribe(e.Stream, e.Channel)
	case proto.Unsubscribe:
		r.unsubscribe(e.Stream, e.Channel)
	case proto.AddChannel:
		ch, ok := r.channels[e.Channel]
		if !ok {
			ch = newChannel()
			r.channels[e.Channel] = ch
		}
		ch.unsubscribe = e.UnsubscribePayload
	case proto.UpdateChannelPositions:
		r.updateChannelPositions(e)
	case proto.SubscribeChannelPackets:
		r.subscribePending(e)
	case proto.Shutdown, proto.RemoveChannel:
		r.deferred = append(r.deferred, env)
	default:
		r.drop(ctx, fmt.Errorf("unexpected %s envelope on proxy link", env.Tag()))
	}
}

func (r *Router) applyDeferred(env proto.Envelope) {
	switch e := env.(type) {
	case proto.Shutdown:
		r.conns.Remove(e.Stream, e.Reason)
	case proto.RemoveChannel:
		ch, ok := r.channels[e.Channel]
		if !ok {
			r.metrics.Add(metricUnknownChannels, 1)
			return
		}
		delete(r.channels, e.Channel)
		for stream := range ch.members {
			r.leave(e.Channel, ch, stream)
		}
	}
}

// leave unsubscribes stream and sends it the channel's unsubscribe payload.
func (r *Router) leave(id uint32, ch *channel, stream uint64) {
	c, ok := r.conns.Lookup(stream)
	if !ok {
		return
	}
	c.Unsubscribe(id)
	if len(ch.unsubscribe) > 0 && c.Enqueue(ch.unsubscribe, true).Delivered() {
		r.stats.Deliveries++
		r.metrics.Add(metricDeliveries, 1)
	}
}

// dispatch delivers pending envelopes in ascending order, keeping arrival
// order among equal orders.
func (r *Router) dispatch() {
	if len(r.pending) == 0 {
		return
	}
	slices.SortStableFunc(r.pending, func(a, b pending) int {
		ao, bo := a.env.OrderKey(), b.env.OrderKey()
		switch {
		case ao < bo:
			return -1
		case ao > bo:
			return 1
		default:
			return a.seq - b.seq
		}
	})
	var delivered uint64
	for _, p := range r.pending {
		delivered += r.route(p.env)
	}
	r.stats.Envelopes += len(r.pending)
	r.stats.Deliveries += delivered
	r.metrics.Add(metricDeliveries, delivered)
	clear(r.pending)
	r.pending = r.pending[:0]
	r.seq = 0
}

func (r *Router) route(env proto.Routed) uint64 {
	switch e := env.(type) {
	case proto.Unicast:
		return r.unicast(e)
	case proto.BroadcastLocal:
		var n uint64
		r.index.Load().Query(e.Center, r.cfg.LocalRadius, func(stream uint64) bool {
			c, ok := r.conns.Lookup(stream)
			if ok && r.deliverBroadcast(c, e.Exclude, e.Payload) {
				n++
			}
			return true
		})
		return n
	case proto.BroadcastChannel:
		ch, ok := r.channels[e.Channel]
		if !ok {
			r.metrics.Add(metricUnknownChannels, 1)
			return 0
		}
		var n uint64
		for stream := range ch.members {
			c, ok := r.conns.Lookup(stream)
			if !ok {
				delete(ch.members, stream)
				continue
			}
			if r.deliverBroadcast(c, e.Exclude, e.Payload) {
				n++
			}
		}
		return n
	case proto.BroadcastGlobal:
		var n uint64
		r.conns.Range(func(c *registry.Conn) bool {
			if r.deliverBroadcast(c, e.Exclude, e.Payload) {
				n++
			}
			return true
		})
		return n
	}
	return 0
}

func (r *Router) unicast(e proto.Unicast) uint64 {
	c, ok := r.conns.Lookup(e.Stream)
	if ok {
		res := c.Enqueue(e.Payload, true)
		if res.Delivered() {
			return 1
		}
		if res != registry.Closed {
			return 0
		}
	}
	// Misses race with disconnect and are only counted.
	if ok || r.recent.Contains(e.Stream) {
		r.stats.MissLate++
		r.metrics.Add(metricMissLate, 1)
	} else {
		r.stats.MissForeign++
		r.metrics.Add(metricMissForeign, 1)
	}
	return 0
}

func (r *Router) deliverBroadcast(c *registry.Conn, exclude uint64, payload []byte) bool {
	if c.Excluded(exclude) || !c.CanReceiveBroadcasts() {
		return false
	}
	return c.Enqueue(payload, false).Delivered()
}

func (r *Router) updatePositions(e proto.UpdatePositions) {
	n := min(len(e.Streams), len(e.Positions))
	for i := 0; i < n; i++ {
		if c, ok := r.conns.Lookup(e.Streams[i]); ok {
			c.SetPosition(e.Positions[i])
		}
	}
	r.RebuildIndex()
}

// RebuildIndex rebuilds the spatial index from every connection with a known
// position and publishes it.
func (r *Router) RebuildIndex() {
	entries := make([]spatial.Entry, 0, r.conns.Len())
	r.conns.Range(func(c *registry.Conn) bool {
		if pos, ok := c.Position(); ok && !c.Closed() {
			entries = append(entries, spatial.Entry{Stream: c.Stream(), Pos: pos})
		}
		return true
	})
	idx, err := spatial.Build(r.cfg.IndexKind, entries)
	if err != nil {
		// The kind was validated in New.
		panic(err)
	}
	r.index.Swap(idx)
	r.metrics.Add(metricIndexRebuilds, 1)
	r.metrics.Store(metricIndexedStreams, uint64(len(entries)))
}

func (r *Router) subscribe(stream uint64, id uint32) {
	c, ok := r.conns.Lookup(stream)
	if !ok {
		return
	}
	ch, ok := r.channels[id]
	if !ok {
		ch = newChannel()
		r.channels[id] = ch
	}
	c.Subscribe(id)
	ch.members[stream] = struct{}{}
	delete(ch.nearby, stream)
	delete(ch.pending, stream)
}

func (r *Router) unsubscribe(stream uint64, id uint32) {
	if ch, ok := r.channels[id]; ok {
		delete(ch.members, stream)
		delete(ch.nearby, stream)
		delete(ch.pending, stream)
	}
	if c, ok := r.conns.Lookup(stream); ok {
		c.Unsubscribe(id)
	}
}

// Channels returns the number of known channels.
func (r *Router) Channels() int {
	return len(r.channels)
}

// updateChannelPositions reconciles nearby membership with the streams in the
// local radius of each channel. Streams that come into range wait as pending
// members; a channel whose pending set was empty is requested upstream.
// Nearby members that left the range get the unsubscribe payload.
func (r *Router) updateChannelPositions(e proto.UpdateChannelPositions) {
	idx := r.index.Load()
	var requests []uint32
	n := min(len(e.Channels), len(e.Positions))
	for i := 0; i < n; i++ {
		id := e.Channels[i]
		ch, ok := r.channels[id]
		if !ok {
			r.metrics.Add(metricUnknownChannels, 1)
			continue
		}
		wasPending := len(ch.pending) > 0
		clear(r.inRange)
		idx.Query(e.Positions[i], r.cfg.LocalRadius, func(stream uint64) bool {
			c, ok := r.conns.Lookup(stream)
			if !ok || !c.CanReceiveBroadcasts() {
				return true
			}
			r.inRange[stream] = struct{}{}
			if _, member := ch.members[stream]; !member {
				ch.pending[stream] = struct{}{}
			}
			return true
		})
		for stream := range ch.nearby {
			if _, ok := r.inRange[stream]; ok {
				continue
			}
			delete(ch.nearby, stream)
			delete(ch.members, stream)
			r.leave(id, ch, stream)
		}
		for stream := range ch.pending {
			if _, ok := r.inRange[stream]; !ok {
				delete(ch.pending, stream)
			}
		}
		if !wasPending && len(ch.pending) > 0 {
			requests = append(requests, id)
		}
	}
	if len(requests) == 0 || r.upstream == nil {
		return
	}
	r.metrics.Add(metricChannelRequests, uint64(len(requests)))
	r.upstream(proto.RequestSubscribeChannelPackets{Channels: requests})
}

// subscribePending hands the subscribe packets to every pending member and
// promotes them to nearby members.
func (r *Router) subscribePending(e proto.SubscribeChannelPackets) {
	ch, ok := r.channels[e.Channel]
	if !ok {
		r.metrics.Add(metricUnknownChannels, 1)
		return
	}
	var delivered uint64
	for stream := range ch.pending {
		c, ok := r.conns.Lookup(stream)
		if !ok {
			continue
		}
		if len(e.Payload) > 0 && !c.Excluded(e.Exclude) && c.Enqueue(e.Payload, true).Delivered() {
			delivered++
		}
		c.Subscribe(e.Channel)
		ch.members[stream] = struct{}{}
		ch.nearby[stream] = struct{}{}
	}
	clear(ch.pending)
	r.stats.Deliveries += delivered
	r.metrics.Add(metricDeliveries, delivered)
}
