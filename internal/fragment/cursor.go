package fragment

import (
	"context"

	"github.com/multiformats/go-varint"
)

// Packet is a borrowed view of one committed frame. Body never changes after
// it is returned, so it may be retained; copy it to detach it from the chain.
type Packet struct {
	// Index is the zero-based position of the frame in the stream.
	Index uint64
	// Fragment is the sequence id of the fragment holding the frame.
	Fragment uint64
	Body     []byte
}

// Cursor is an independent reader position in a chain. A Cursor is owned by
// one goroutine; use Clone to read the same chain from another.
type Cursor struct {
	chain  *chain
	handle Handle
	offset int
	index  uint64
}

// TryNext returns the next committed frame without blocking.
func (c *Cursor) TryNext() (Packet, bool) {
	if c.handle == NoFragment {
		return Packet{}, false
	}
	for {
		f := c.chain.arena.get(c.handle)
		rc := int(f.readCursor.Load())
		if assertEnabled {
			checkBounds(f, c.offset, rc)
		}
		if c.offset < rc {
			length, n, err := varint.FromUvarint(f.storage[c.offset:rc])
			if err != nil {
				panic("fragment: committed frame has invalid length prefix")
			}
			start := c.offset + n
			end := start + int(length)
			pkt := Packet{Index: c.index, Fragment: f.seq, Body: f.storage[start:end:end]}
			c.offset = end
			c.index++
			return pkt, true
		}
		next := f.successor()
		if next == NoFragment {
			return Packet{}, false
		}
		// The producer commits every whole frame before linking, so a frame
		// committed between the two loads above must be read first.
		if c.offset < int(f.readCursor.Load()) {
			continue
		}
		c.chain.acquire(next)
		prev := c.handle
		c.handle = next
		c.offset = 0
		c.chain.release(prev)
	}
}

// Next returns the next committed frame, suspending until the producer
// commits one, the chain closes (ErrClosed), or ctx is done.
func (c *Cursor) Next(ctx context.Context) (Packet, error) {
	for {
		if pkt, ok := c.TryNext(); ok {
			return pkt, nil
		}
		if c.handle == NoFragment || c.chain.closed.Load() {
			if pkt, ok := c.TryNext(); ok {
				return pkt, nil
			}
			return Packet{}, ErrClosed
		}
		c.chain.waiting.Add(1)
		ready := c.chain.notify.Load()
		if pkt, ok := c.TryNext(); ok {
			c.chain.waiting.Add(-1)
			return pkt, nil
		}
		if c.chain.closed.Load() {
			c.chain.waiting.Add(-1)
			continue
		}
		select {
		case <-*ready:
			c.chain.waiting.Add(-1)
		case <-ctx.Done():
			c.chain.waiting.Add(-1)
			return Packet{}, ctx.Err()
		}
	}
}

// Clone returns a new cursor at the same position.
func (c *Cursor) Clone() *Cursor {
	if c.handle == NoFragment {
		return &Cursor{chain: c.chain, handle: NoFragment}
	}
	c.chain.acquire(c.handle)
	return &Cursor{chain: c.chain, handle: c.handle, offset: c.offset, index: c.index}
}

// Close releases the cursor's hold on the chain. It is idempotent.
func (c *Cursor) Close() {
	if c.handle == NoFragment {
		return
	}
	h := c.handle
	c.handle = NoFragment
	c.chain.release(h)
}

// Closed reports whether the chain has been closed by its producer.
func (c *Cursor) Closed() bool {
	return c.chain.closed.Load()
}

// Stats reports chain level diagnostics.
func (c *Cursor) Stats() Stats {
	return c.chain.stats()
}
