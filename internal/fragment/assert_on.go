//go:build fragmentassert

package fragment

import "fmt"

const assertEnabled = true

func checkBounds(f *Fragment, offset, rc int) {
	if rc > len(f.storage) {
		panic(fmt.Sprintf("fragment %d: read cursor %d beyond storage %d", f.seq, rc, len(f.storage)))
	}
	if offset > rc {
		panic(fmt.Sprintf("fragment %d: cursor offset %d beyond read cursor %d", f.seq, offset, rc))
	}
}
