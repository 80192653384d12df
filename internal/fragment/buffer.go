// Package fragment implements the append-only ingress byte chain. A single
// Writer appends client bytes; any number of Cursors read whole frames out of
// the committed prefix of each fragment without locking.
package fragment

import (
	"context"
	"sync/atomic"
)

// Fragment is one fixed-capacity chunk of the chain.
type Fragment struct {
	seq     uint64
	storage []byte

	// writeCursor is touched only by the producer.
	writeCursor int
	readCursor  atomic.Int64
	next        atomic.Int32
	refs        atomic.Int32
}

func newFragment(seq uint64, capacity int) *Fragment {
	f := &Fragment{seq: seq, storage: make([]byte, capacity)}
	f.next.Store(int32(NoFragment))
	return f
}

// Seq returns the allocation sequence id of the fragment.
func (f *Fragment) Seq() uint64 { return f.seq }

// Cap returns the storage capacity.
func (f *Fragment) Cap() int { return len(f.storage) }

// Committed returns the read-safe prefix of the fragment.
func (f *Fragment) Committed() []byte {
	rc := f.readCursor.Load()
	return f.storage[:rc:rc]
}

func (f *Fragment) successor() Handle {
	return Handle(f.next.Load())
}

// chain is the state shared by a Writer and its Cursors.
type chain struct {
	cfg   Config
	arena *arena

	outstanding atomic.Int64
	closed      atomic.Bool

	waiting atomic.Int32
	notify  atomic.Pointer[chan struct{}]

	spaceWaiting atomic.Int32
	space        atomic.Pointer[chan struct{}]
}

// New creates an empty chain, returning its producer and a cursor positioned
// at the first byte.
func New(cfg Config) (*Writer, *Cursor) {
	cfg = cfg.normalized()
	c := &chain{cfg: cfg, arena: newArena()}
	ready := make(chan struct{})
	c.notify.Store(&ready)
	roomy := make(chan struct{})
	c.space.Store(&roomy)

	first := newFragment(0, cfg.ChunkSize)
	first.refs.Store(2)
	h := c.arena.insert(first)

	w := &Writer{chain: c, handle: h, cur: first, nextSeq: 1}
	cur := &Cursor{chain: c, handle: h}
	return w, cur
}

// release drops one reference to h. Freeing a fragment drops the link
// reference it holds on its successor, iteratively.
func (c *chain) release(h Handle) {
	for h != NoFragment {
		f := c.arena.get(h)
		remaining := f.refs.Add(-1)
		if assertEnabled && remaining < 0 {
			panic("fragment: reference count underflow")
		}
		if remaining > 0 {
			return
		}
		next := f.successor()
		c.arena.remove(h)
		if freed := f.readCursor.Load(); freed > 0 {
			c.outstanding.Add(-freed)
			c.wakeSpace()
		}
		h = next
	}
}

func (c *chain) acquire(h Handle) *Fragment {
	f := c.arena.get(h)
	if f.refs.Add(1) <= 1 && assertEnabled {
		panic("fragment: acquired a released fragment")
	}
	return f
}

func (c *chain) wake() {
	if c.waiting.Load() == 0 && !c.closed.Load() {
		return
	}
	ch := make(chan struct{})
	old := c.notify.Swap(&ch)
	close(*old)
}

func (c *chain) wakeSpace() {
	if c.spaceWaiting.Load() == 0 && !c.closed.Load() {
		return
	}
	ch := make(chan struct{})
	old := c.space.Swap(&ch)
	close(*old)
}

func (c *chain) waitSpace(ctx context.Context, n int64) error {
	for {
		if c.closed.Load() {
			return ErrClosed
		}
		if c.hasRoom(n) {
			return nil
		}
		c.spaceWaiting.Add(1)
		ch := c.space.Load()
		if c.hasRoom(n) || c.closed.Load() {
			c.spaceWaiting.Add(-1)
			continue
		}
		select {
		case <-*ch:
			c.spaceWaiting.Add(-1)
		case <-ctx.Done():
			c.spaceWaiting.Add(-1)
			return ctx.Err()
		}
	}
}

// hasRoom reports whether n more committed bytes fit. An empty chain always
// accepts a chunk so a single oversized read cannot wedge the producer.
func (c *chain) hasRoom(n int64) bool {
	out := c.outstanding.Load()
	return out == 0 || out+n <= c.cfg.MaxOutstanding
}

// Stats summarises the chain for diagnostics.
type Stats struct {
	LiveFragments int   `json:"liveFragments"`
	Outstanding   int64 `json:"outstanding"`
	Closed        bool  `json:"closed"`
}

func (c *chain) stats() Stats {
	return Stats{
		LiveFragments: c.arena.liveCount(),
		Outstanding:   c.outstanding.Load(),
		Closed:        c.closed.Load(),
	}
}
