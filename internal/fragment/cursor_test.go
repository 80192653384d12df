package fragment

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func TestConcurrentReadersNeverSeeTornFrames(t *testing.T) {
	bodies := testBodies(2000)
	stream := encodeFrames(bodies)

	for seed := int64(1); seed <= 4; seed++ {
		w, cur := New(Config{ChunkSize: 512, MaxPacketSize: 1 << 14, MaxOutstanding: 1 << 30})
		readers := []*Cursor{cur, cur.Clone(), cur.Clone()}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var wg sync.WaitGroup
		errs := make(chan error, len(readers))
		for _, reader := range readers {
			wg.Add(1)
			go func(c *Cursor) {
				defer wg.Done()
				defer c.Close()
				for i, want := range bodies {
					pkt, err := c.Next(ctx)
					if err != nil {
						errs <- err
						return
					}
					if pkt.Index != uint64(i) || !bytes.Equal(pkt.Body, want) {
						errs <- errors.New("decoded frame does not match the reference log")
						return
					}
				}
				if _, err := c.Next(ctx); !errors.Is(err, ErrClosed) {
					errs <- errors.New("expected chain to report closed after the last frame")
				}
			}(reader)
		}

		rng := rand.New(rand.NewSource(seed))
		for off := 0; off < len(stream); {
			n := 1 + rng.Intn(700)
			end := min(off+n, len(stream))
			if err := w.Write(stream[off:end]); err != nil {
				t.Fatalf("seed %d: write failed: %v", seed, err)
			}
			off = end
			if rng.Intn(8) == 0 {
				time.Sleep(time.Microsecond)
			}
		}
		w.Close()
		wg.Wait()
		cancel()
		close(errs)
		for err := range errs {
			t.Fatalf("seed %d: %v", seed, err)
		}
		if live := cur.Stats().LiveFragments; live != 0 {
			t.Fatalf("seed %d: expected all fragments released, %d live", seed, live)
		}
	}
}

func TestNextWakesOnCommit(t *testing.T) {
	w, cur := New(DefaultConfig())
	defer cur.Close()

	got := make(chan Packet, 1)
	go func() {
		pkt, err := cur.Next(context.Background())
		if err == nil {
			got <- pkt
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := w.WritePacket([]byte("ping")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	select {
	case pkt, ok := <-got:
		if !ok || string(pkt.Body) != "ping" {
			t.Fatalf("unexpected packet %q ok=%v", pkt.Body, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader was not woken by the commit")
	}
}

func TestNextHonoursCancellation(t *testing.T) {
	_, cur := New(DefaultConfig())
	defer cur.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cur.Next(ctx)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancellation did not interrupt Next")
	}
}

func TestCloneReadsIndependently(t *testing.T) {
	w, cur := New(Config{ChunkSize: 8, MaxPacketSize: 64})
	defer cur.Close()
	for _, body := range []string{"one", "two", "three"} {
		if err := w.WritePacket([]byte(body)); err != nil {
			t.Fatalf("write %q: %v", body, err)
		}
	}
	if _, ok := cur.TryNext(); !ok {
		t.Fatalf("expected first packet")
	}
	clone := cur.Clone()
	defer clone.Close()

	a, _ := cur.TryNext()
	b, _ := clone.TryNext()
	if string(a.Body) != "two" || string(b.Body) != "two" {
		t.Fatalf("expected both cursors at the second packet, got %q and %q", a.Body, b.Body)
	}
	a, _ = cur.TryNext()
	if string(a.Body) != "three" {
		t.Fatalf("expected third packet, got %q", a.Body)
	}
	b, _ = clone.TryNext()
	if string(b.Body) != "three" || b.Index != 2 {
		t.Fatalf("expected clone to read third packet at index 2, got %q index=%d", b.Body, b.Index)
	}
}

func TestArenaReusesHandles(t *testing.T) {
	w, cur := New(Config{ChunkSize: 4, MaxPacketSize: 64})
	defer cur.Close()
	for i := 0; i < 600; i++ {
		if err := w.WritePacket([]byte{byte(i), 1, 2}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if _, ok := cur.TryNext(); !ok {
			t.Fatalf("read %d failed", i)
		}
	}
	if live := cur.Stats().LiveFragments; live > 2 {
		t.Fatalf("expected released fragments to be recycled, %d live", live)
	}
	if count := int(w.chain.arena.count); count > 4 {
		t.Fatalf("expected arena slots to be reused, %d allocated", count)
	}
}
