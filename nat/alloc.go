package nat

import (
	"sync/atomic"
)

// portAllocator hands out translated ports from a fixed range. It is a
// rotating counter, not a free list: collisions with live sessions surface
// as ErrOverlap on insert and the caller retries with the next port.
type portAllocator struct {
	counter atomic.Uint32
	lo      uint16
	hi      uint16
}

func newPortAllocator(lo, hi uint16) *portAllocator {
	if lo == 0 {
		lo = 49152
	}
	if hi <= lo {
		hi = 65535
	}
	return &portAllocator{lo: lo, hi: hi}
}

func (a *portAllocator) next() uint16 {
	span := uint32(a.hi-a.lo) + 1
	n := a.counter.Add(1) - 1
	return a.lo + uint16(n%span)
}

// size reports how many distinct ports the allocator cycles through. The
// engine bounds its collision retries by this.
func (a *portAllocator) size() int {
	return int(a.hi-a.lo) + 1
}
