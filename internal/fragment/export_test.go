package fragment

// WalkCommitted calls fn with the committed prefix of every fragment from the
// cursor's current fragment to the tail, stopping early if fn returns false.
func (c *Cursor) WalkCommitted(fn func(f *Fragment) bool) {
	h := c.handle
	for h != NoFragment {
		f := c.chain.arena.get(h)
		if !fn(f) {
			return
		}
		h = f.successor()
	}
}
