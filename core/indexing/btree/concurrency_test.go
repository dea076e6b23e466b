package btree

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestConcurrentUniqueInserts(t *testing.T) {
	const (
		workers = 8
		nkeys   = 1500
	)
	dir := t.TempDir()
	cfg := testWALConfig(dir, true)
	c, _ := openCluster(t, dir, cfg, true)
	table := newFakeTable()
	ix := createIndex(t, c, Config{Name: "uniq", Unique: true}, table)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		winners = make(map[int64]ItemPointer, nkeys)
		losers  = make(map[int64]int, nkeys)
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(w)))
			for _, k := range rnd.Perm(nkeys) {
				p := tid(w*10000 + k)
				_, err := ix.Insert(ctx, []Datum{Int64(int64(k))}, p, InsertOptions{Unique: UniqueCheckYes})
				mu.Lock()
				switch {
				case err == nil:
					if prev, ok := winners[int64(k)]; ok {
						mu.Unlock()
						return fmt.Errorf("key %d inserted by both %s and %s", k, prev, p)
					}
					winners[int64(k)] = p
				case errors.Is(err, ErrUniqueViolation):
					losers[int64(k)]++
				default:
					mu.Unlock()
					return err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, winners, nkeys)
	for k := int64(0); k < nkeys; k++ {
		require.Equal(t, workers-1, losers[k], "key %d", k)
	}
	want := scanAll(t, ix)
	require.Len(t, want, nkeys)
	requireOrdered(t, want)
	for _, e := range want {
		require.Equal(t, winners[e.Keys[0].Int], e.TID)
	}

	c.crash()
	c2, stats := openCluster(t, dir, cfg, false)
	require.Positive(t, stats.Records)
	require.False(t, stats.WasShutdown)
	ix2 := openIndex(t, c2, Config{Name: "uniq", Unique: true}, table)
	require.Equal(t, want, scanAll(t, ix2))

	// the recovered index still enforces uniqueness
	_, err := ix2.Insert(ctx, []Datum{Int64(0)}, tid(99999), InsertOptions{Unique: UniqueCheckYes})
	require.ErrorIs(t, err, ErrUniqueViolation)
}
