package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrNoUnpinnedBuffers = errors.New("no unpinned buffers available")

// strategy hands out victim buffers: first from the free list, then by
// sweeping the clock hand over all frames.
type strategy struct {
	descs []*descriptor

	mu        sync.Mutex
	firstFree int
	lastFree  int

	// clock hand position; victim = tick % len(descs)
	tick      atomic.Uint64
	numAllocs atomic.Uint32
}

func newStrategy(descs []*descriptor) *strategy {
	descs[len(descs)-1].freeNext = freeNextEndOfList
	return &strategy{
		descs:     descs,
		firstFree: 0,
		lastFree:  len(descs) - 1,
	}
}

func (s *strategy) clockSweepTick() *descriptor {
	t := s.tick.Add(1) - 1
	return s.descs[t%uint64(len(s.descs))]
}

// syncStart returns the clock hand position, the number of completed
// passes and the allocations since the previous call.
func (s *strategy) syncStart() (next int, passes uint64, allocs uint32) {
	t := s.tick.Load()
	n := uint64(len(s.descs))
	return int(t % n), t / n, s.numAllocs.Swap(0)
}

// getVictim returns a buffer with no pins and no recent usage, with its
// header locked.
func (s *strategy) getVictim() (*descriptor, uint32, error) {
	s.numAllocs.Add(1)
	for {
		s.mu.Lock()
		if s.firstFree < 0 {
			s.mu.Unlock()
			break
		}
		d := s.descs[s.firstFree]
		s.firstFree = d.freeNext
		if s.firstFree < 0 {
			s.lastFree = freeNextEndOfList
		}
		d.freeNext = freeNextNotInList
		s.mu.Unlock()

		state := d.lockHeader()
		if refCount(state) == 0 && usageCount(state) == 0 {
			return d, state, nil
		}
		d.unlockHeader(state)
	}

	trycounter := len(s.descs)
	for {
		d := s.clockSweepTick()
		state := d.lockHeader()
		if refCount(state) == 0 {
			if usageCount(state) != 0 {
				state -= usageOne
				trycounter = len(s.descs)
			} else {
				return d, state, nil
			}
		} else {
			trycounter--
			if trycounter == 0 {
				d.unlockHeader(state)
				return nil, 0, ErrNoUnpinnedBuffers
			}
		}
		d.unlockHeader(state)
	}
}

// freeBuffer puts a buffer at the head of the free list unless it is
// already there.
func (s *strategy) freeBuffer(d *descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.freeNext != freeNextNotInList {
		return
	}
	d.freeNext = s.firstFree
	if s.firstFree < 0 {
		s.lastFree = d.id
	}
	s.firstFree = d.id
}

func (s *strategy) freeListLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := s.firstFree; id >= 0; id = s.descs[id].freeNext {
		n++
	}
	return n
}
