package commonutils

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinDelaySleepsAfterSpinning(t *testing.T) {
	var s SpinDelay
	for i := 0; i < spinsPerDelay-1; i++ {
		s.Wait()
	}
	require.Zero(t, s.Delays())

	s.Wait()
	require.Equal(t, 1, s.Delays())
	require.GreaterOrEqual(t, s.cur, minDelay)
	require.LessOrEqual(t, s.cur, maxDelay)
}

func TestSpinDelayGuardsCASLoop(t *testing.T) {
	var word atomic.Uint32
	var counter int
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				var s SpinDelay
				for !word.CompareAndSwap(0, 1) {
					s.Wait()
				}
				counter++
				word.Store(0)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 8*200, counter)
}
