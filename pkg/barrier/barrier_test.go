package barrier

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func waitArrived(t *testing.T, b *Barrier, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.arrived == n
	}, 5*time.Second, time.Millisecond)
}

type arrival struct {
	elected bool
	err     error
}

func arriveAsync(b *Barrier) <-chan arrival {
	done := make(chan arrival, 1)
	go func() {
		ok, err := b.ArriveAndWait(context.Background())
		done <- arrival{ok, err}
	}()
	return done
}

func TestStaticPartyElectsOnePerPhase(t *testing.T) {
	const parties, phases = 4, 5
	b := New(parties)
	var elected [phases]atomic.Int32
	var g errgroup.Group
	for i := 0; i < parties; i++ {
		g.Go(func() error {
			for ph := 0; ph < phases; ph++ {
				ok, err := b.ArriveAndWait(context.Background())
				if err != nil {
					return err
				}
				if ok {
					elected[ph].Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, phases, b.Phase())
	for ph := range elected {
		require.Equal(t, int32(1), elected[ph].Load(), "phase %d", ph)
	}
}

func TestStaticPartyRejectsAttach(t *testing.T) {
	b := New(2)
	require.Panics(t, func() { b.Attach() })
	require.Panics(t, func() { b.Detach() })
	require.Panics(t, func() { b.ArriveAndDetach() })
}

func TestWaiterElectedWhenLastArriverDetaches(t *testing.T) {
	b := New(0)
	for i := 0; i < 3; i++ {
		require.Equal(t, 0, b.Attach())
	}

	var elected atomic.Int32
	var g errgroup.Group
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			ok, err := b.ArriveAndWait(context.Background())
			if ok {
				elected.Add(1)
			}
			return err
		})
	}
	waitArrived(t, b, 2)

	require.False(t, b.ArriveAndDetach())
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), elected.Load())
	require.Equal(t, 1, b.Phase())
	require.Equal(t, 2, b.Participants())
}

func TestDetachReleasesWaiters(t *testing.T) {
	b := New(0)
	b.Attach()
	b.Attach()

	done := arriveAsync(b)
	waitArrived(t, b, 1)

	require.False(t, b.Detach())
	require.True(t, (<-done).elected)
	require.Equal(t, 1, b.Phase())

	// alone now: arriving completes the phase at once
	ok, err := b.ArriveAndWait(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, b.Phase())
	require.True(t, b.Detach())
}

func TestDetachWithoutWaitersKeepsPhase(t *testing.T) {
	b := New(0)
	b.Attach()
	b.Attach()
	require.False(t, b.Detach())
	require.Equal(t, 0, b.Phase())

	// the last party arriving on its way out still ends the phase
	require.True(t, b.ArriveAndDetach())
	require.Equal(t, 1, b.Phase())
	require.Zero(t, b.Participants())
	require.Panics(t, func() { b.Detach() })
}

func TestArriveAndDetachExceptLast(t *testing.T) {
	b := New(0)
	b.Attach()
	b.Attach()

	done := arriveAsync(b)
	waitArrived(t, b, 1)

	require.False(t, b.ArriveAndDetachExceptLast())
	require.True(t, (<-done).elected)
	require.Equal(t, 1, b.Participants())

	// the survivor stays attached and moves on alone
	require.Equal(t, 1, b.Phase())
	require.True(t, b.ArriveAndDetachExceptLast())
	require.Equal(t, 1, b.Participants())
	require.Equal(t, 2, b.Phase())
}

func TestArriveAndDetachExceptLastSingleParty(t *testing.T) {
	b := New(0)
	b.Attach()
	require.True(t, b.ArriveAndDetachExceptLast())
	require.Equal(t, 1, b.Phase())
	require.True(t, b.ArriveAndDetachExceptLast())
	require.Equal(t, 2, b.Phase())

	// a later party sees the advanced phase
	require.Equal(t, 2, b.Attach())
	require.Equal(t, 2, b.Participants())
}

func TestArriveAndWaitCancelled(t *testing.T) {
	b := New(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := b.ArriveAndWait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, ok)
	require.Equal(t, 0, b.Phase())

	// the withdrawn arrival does not count towards the phase
	var g errgroup.Group
	var elected atomic.Int32
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			ok, err := b.ArriveAndWait(context.Background())
			if ok {
				elected.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), elected.Load())
	require.Equal(t, 1, b.Phase())
}
