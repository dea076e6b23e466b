// Package barrier provides a phase-counting barrier for workers that move
// through a multi-stage job together.
//
// A barrier is either static, with the number of parties fixed when it is
// created, or dynamic, with parties attaching and detaching while it is in
// use. Every phase elects exactly one arbiter: normally the last party to
// arrive, or, when the last party detached instead of waiting, the first
// of the released waiters to wake up.
package barrier

import (
	"context"
	"sync"
)

// Barrier is safe for concurrent use. It must not be copied after first
// use.
type Barrier struct {
	mu           sync.Mutex
	phase        int
	participants int
	arrived      int
	elected      int
	static       bool
	released     chan struct{}
}

// New returns a barrier. participants > 0 creates a static party of that
// size; 0 creates a dynamic barrier that parties join with Attach.
func New(participants int) *Barrier {
	if participants < 0 {
		panic("barrier: negative party size")
	}
	return &Barrier{
		participants: participants,
		static:       participants > 0,
		released:     make(chan struct{}),
	}
}

// advance moves to the next phase and wakes every waiter. Caller holds mu.
func (b *Barrier) advance() {
	b.arrived = 0
	b.phase++
	close(b.released)
	b.released = make(chan struct{})
}

// ArriveAndWait blocks until every attached party has arrived at the
// current phase. It reports whether the caller was elected to do the
// serial work of the phase.
//
// If ctx ends before the phase completes the arrival is withdrawn and the
// context error is returned; the caller stays attached.
func (b *Barrier) ArriveAndWait(ctx context.Context) (bool, error) {
	b.mu.Lock()
	start := b.phase
	next := start + 1
	b.arrived++
	if b.arrived == b.participants {
		b.advance()
		b.elected = next
		b.mu.Unlock()
		return true, nil
	}
	wait := b.released
	b.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		b.mu.Lock()
		if b.phase == start {
			b.arrived--
			b.mu.Unlock()
			return false, ctx.Err()
		}
		b.mu.Unlock()
	}

	// the last party detached without electing anyone
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.elected != next {
		b.elected = next
		return true, nil
	}
	return false, nil
}

// Attach joins a dynamic barrier and returns the current phase. The new
// party takes part from that phase on.
func (b *Barrier) Attach() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.static {
		panic("barrier: attach to a static party")
	}
	b.participants++
	return b.phase
}

// Detach leaves a dynamic barrier without arriving. If every remaining
// party is already waiting, they are released. It reports whether the
// caller was the last party.
func (b *Barrier) Detach() bool {
	return b.detach(false)
}

// ArriveAndDetach arrives at the current phase and leaves the barrier
// without waiting for the others. The phase advances if the caller was
// the last party to arrive, even when no one else is attached. It
// reports whether the caller was the last party.
func (b *Barrier) ArriveAndDetach() bool {
	return b.detach(true)
}

// ArriveAndDetachExceptLast detaches like ArriveAndDetach unless the
// caller is the only party left, in which case it stays attached,
// advances the phase and returns true.
func (b *Barrier) ArriveAndDetachExceptLast() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.static {
		panic("barrier: detach from a static party")
	}
	if b.participants > 1 {
		b.participants--
		if b.arrived == b.participants {
			b.advance()
		}
		return false
	}
	b.advance()
	return true
}

func (b *Barrier) detach(arrive bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.static {
		panic("barrier: detach from a static party")
	}
	if b.participants == 0 {
		panic("barrier: detach with no parties attached")
	}
	b.participants--
	if (arrive || b.participants > 0) && b.arrived == b.participants {
		b.advance()
	}
	return b.participants == 0
}

// Phase returns the current phase number, starting at 0.
func (b *Barrier) Phase() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Participants returns the number of attached parties.
func (b *Barrier) Participants() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.participants
}
