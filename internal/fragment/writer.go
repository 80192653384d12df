package fragment

import (
	"context"
	"errors"

	"github.com/multiformats/go-varint"
)

// Writer is the single producer of a chain. It is not safe for concurrent use.
type Writer struct {
	chain   *chain
	handle  Handle
	cur     *Fragment
	nextSeq uint64

	// frameLen is the header plus body length of the frame being assembled,
	// or zero while its length prefix is still incomplete.
	frameLen int
	packets  uint64
	err      error
}

// Write appends a chunk of the client byte stream. Chunks may split frames
// anywhere. Whole frames become visible to cursors as soon as their last
// byte is stored.
//
// ErrOutstandingLimit leaves the writer usable and consumes nothing. A
// framing error closes the chain and is returned by every later call.
func (w *Writer) Write(p []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.chain.closed.Load() {
		return ErrClosed
	}
	if len(p) == 0 {
		return nil
	}
	if !w.chain.hasRoom(int64(len(p))) {
		return ErrOutstandingLimit
	}

	cfg := w.chain.cfg
	maxHeader := cfg.maxHeaderLen()
	committed := false
	for len(p) > 0 {
		f := w.cur
		rc := int(f.readCursor.Load())
		if w.frameLen == 0 {
			pending := f.writeCursor - rc
			take := min(len(p), maxHeader-pending)
			if len(f.storage)-f.writeCursor < take {
				w.relocate(pending + take)
				continue
			}
			copy(f.storage[f.writeCursor:], p[:take])
			length, n, err := varint.FromUvarint(f.storage[rc : f.writeCursor+take])
			if errors.Is(err, varint.ErrUnderflow) {
				if pending+take >= maxHeader {
					return w.fail(ErrTooLarge)
				}
				f.writeCursor += take
				p = p[take:]
				continue
			}
			if err != nil {
				return w.fail(ErrMalformedLength)
			}
			consumed := n - pending
			f.writeCursor += consumed
			p = p[consumed:]
			if length == 0 {
				return w.fail(ErrZeroLength)
			}
			if length > uint64(cfg.MaxPacketSize) {
				return w.fail(ErrTooLarge)
			}
			w.frameLen = n + int(length)
			if len(f.storage)-rc < w.frameLen {
				w.relocate(w.frameLen)
			}
			continue
		}

		need := w.frameLen - (f.writeCursor - rc)
		take := min(need, len(p))
		copy(f.storage[f.writeCursor:], p[:take])
		f.writeCursor += take
		p = p[take:]
		if take == need {
			f.readCursor.Store(int64(f.writeCursor))
			w.chain.outstanding.Add(int64(w.frameLen))
			w.frameLen = 0
			w.packets++
			committed = true
		}
	}
	if committed {
		w.chain.wake()
	}
	return nil
}

// WritePacket appends body as one length-prefixed frame.
func (w *Writer) WritePacket(body []byte) error {
	frame := varint.ToUvarint(uint64(len(body)))
	frame = append(frame, body...)
	return w.Write(frame)
}

// WaitForSpace blocks until n more bytes fit under the outstanding limit. It
// is meant for a producer that feeds a single stream and can pause its own
// source. The simhost link reader multiplexes streams and never calls it; it
// sheds an over-limit stream on ErrOutstandingLimit instead.
func (w *Writer) WaitForSpace(ctx context.Context, n int) error {
	return w.chain.waitSpace(ctx, int64(n))
}

// Close marks the chain finished. Cursors drain what was committed and then
// report ErrClosed.
func (w *Writer) Close() error {
	if !w.chain.closed.CompareAndSwap(false, true) {
		return nil
	}
	if w.err == nil {
		w.err = ErrClosed
	}
	h := w.handle
	w.handle = NoFragment
	w.cur = nil
	w.chain.wake()
	w.chain.wakeSpace()
	w.chain.release(h)
	return nil
}

// Packets returns the number of frames committed so far.
func (w *Writer) Packets() uint64 {
	return w.packets
}

// Stats reports chain level diagnostics.
func (w *Writer) Stats() Stats {
	return w.chain.stats()
}

func (w *Writer) fail(err error) error {
	w.Close()
	w.err = err
	return err
}

// relocate moves the uncommitted tail of the current fragment into a new
// fragment of at least minCap bytes and links it as the successor.
func (w *Writer) relocate(minCap int) {
	old := w.cur
	rc := int(old.readCursor.Load())
	pending := old.storage[rc:old.writeCursor]

	capacity := max(w.chain.cfg.ChunkSize, minCap)
	next := newFragment(w.nextSeq, capacity)
	w.nextSeq++
	next.writeCursor = copy(next.storage, pending)
	// One reference for the writer, one for the predecessor link.
	next.refs.Store(2)
	h := w.chain.arena.insert(next)
	if !old.next.CompareAndSwap(int32(NoFragment), int32(h)) {
		panic("fragment: successor linked twice")
	}

	prev := w.handle
	w.cur = next
	w.handle = h
	w.chain.release(prev)
}
