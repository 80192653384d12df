package fragment

import (
	"sync"
	"sync/atomic"
)

const (
	pageShift = 8
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// Handle indexes a fragment slot in an arena.
type Handle int32

// NoFragment marks an absent successor.
const NoFragment Handle = -1

type page [pageSize]atomic.Pointer[Fragment]

// arena is a growable table of fragment slots. Lookups are lock free; slot
// allocation and release serialize on mu. The page table is copied on growth
// and republished so readers holding an older table still resolve every
// handle they were given.
type arena struct {
	pages atomic.Pointer[[]*page]

	mu    sync.Mutex
	free  []Handle
	count int32
	live  int
}

func newArena() *arena {
	a := &arena{}
	pages := []*page{new(page)}
	a.pages.Store(&pages)
	return a
}

func (a *arena) get(h Handle) *Fragment {
	pages := *a.pages.Load()
	return pages[h>>pageShift][h&pageMask].Load()
}

func (a *arena) insert(f *Fragment) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var h Handle
	if n := len(a.free); n > 0 {
		h = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		h = Handle(a.count)
		a.count++
		pages := *a.pages.Load()
		if int(h>>pageShift) >= len(pages) {
			grown := make([]*page, len(pages), len(pages)+1)
			copy(grown, pages)
			grown = append(grown, new(page))
			a.pages.Store(&grown)
			pages = grown
		}
	}
	pages := *a.pages.Load()
	pages[h>>pageShift][h&pageMask].Store(f)
	a.live++
	return h
}

func (a *arena) remove(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pages := *a.pages.Load()
	pages[h>>pageShift][h&pageMask].Store(nil)
	a.free = append(a.free, h)
	a.live--
}

func (a *arena) liveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
