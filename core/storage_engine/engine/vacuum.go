package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojocore/core/indexing/btree"
	"github.com/sushant-115/gojocore/pkg/barrier"
)

// Vacuum phases; workers move through them together.
const (
	phaseBulkDelete = iota
	phaseResetQueue
	phaseCleanup
)

// VacuumResult is the outcome of vacuuming one index.
type VacuumResult struct {
	Index string
	// Stats is nil when cleanup found nothing to do.
	Stats *btree.VacuumStats
}

// Vacuum removes the entries of dead heap tuples from every open index.
// Up to workers indexes are processed at once: all bulk deletions finish
// before the first cleanup pass starts, so the deleted page counts saved
// by cleanup reflect the whole run.
func (e *Engine) Vacuum(ctx context.Context, callback btree.BulkDeleteCallback, workers int) ([]VacuumResult, error) {
	indexes := e.Indexes()
	if len(indexes) == 0 {
		return nil, nil
	}
	if workers <= 0 || workers > len(indexes) {
		workers = len(indexes)
	}
	logger := e.logger.Named("vacuum")
	results := make([]VacuumResult, len(indexes))
	for i, ix := range indexes {
		results[i].Index = ix.Name()
	}

	var next atomic.Int64
	claim := func() (int, bool) {
		i := int(next.Add(1)) - 1
		return i, i < len(indexes)
	}

	b := barrier.New(workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i, ok := claim(); ok; i, ok = claim() {
				stats, err := indexes[i].BulkDelete(ctx, nil, callback)
				if err != nil {
					return fmt.Errorf("failed to vacuum index %s: %w", indexes[i].Name(), err)
				}
				results[i].Stats = stats
			}

			elected, err := b.ArriveAndWait(ctx)
			if err != nil {
				return err
			}
			if elected {
				if err := e.wal.FlushAll(); err != nil {
					return err
				}
				next.Store(0)
				logger.Debug("bulk delete phase finished", zap.Int("indexes", len(indexes)))
			}
			if _, err := b.ArriveAndWait(ctx); err != nil {
				return err
			}

			for i, ok := claim(); ok; i, ok = claim() {
				stats, err := indexes[i].VacuumCleanup(ctx, results[i].Stats)
				if err != nil {
					return fmt.Errorf("failed to clean up index %s: %w", indexes[i].Name(), err)
				}
				results[i].Stats = stats
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if b.Phase() != phaseCleanup {
		return nil, fmt.Errorf("vacuum ended in phase %d", b.Phase())
	}
	logger.Info("vacuum finished", zap.Int("indexes", len(indexes)), zap.Int("workers", workers))
	return results, nil
}
