// Package commonutils holds small concurrency helpers shared by the
// storage layers.
package commonutils

import (
	"math/rand"
	"runtime"
	"time"
)

const (
	spinsPerDelay = 100
	minDelay      = time.Millisecond
	maxDelay      = time.Second
	// A waiter stuck for this many delays is assumed to be deadlocked.
	maxDelays = 1000
)

// SpinDelay implements busy-wait-then-sleep backoff for short critical
// sections guarded by a CAS loop. The zero value is ready to use.
type SpinDelay struct {
	spins  int
	delays int
	cur    time.Duration
}

// Wait is called each time the CAS fails. It yields for the first few
// attempts and then sleeps for a randomly growing interval.
func (s *SpinDelay) Wait() {
	s.spins++
	if s.spins < spinsPerDelay {
		runtime.Gosched()
		return
	}
	s.spins = 0
	if s.cur == 0 {
		s.cur = minDelay
	}
	s.delays++
	if s.delays > maxDelays {
		panic("stuck spinlock detected")
	}
	time.Sleep(s.cur)
	// grow by a random fraction between 1x and 2x
	s.cur += time.Duration(float64(s.cur) * rand.Float64())
	if s.cur > maxDelay {
		s.cur = minDelay
	}
}

// Delays reports how many times the waiter slept.
func (s *SpinDelay) Delays() int { return s.delays }
