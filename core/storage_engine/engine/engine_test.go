package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocore/core/indexing/btree"
	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
	"github.com/sushant-115/gojocore/pkg/config"
)

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SharedBuffers = 64
	cfg.WALBuffers = 16
	cfg.WALSegmentSize = wal.MinSegmentSize
	cfg.CheckpointSchedule = ""
	cfg.BGWriterDelay = 10 * time.Millisecond
	cfg.WALWriterDelay = 5 * time.Millisecond
	cfg.MaxOpenFiles = 16
	return cfg
}

func openEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func intIndex(name string, rel smgr.RelFileLocator) btree.Config {
	return btree.Config{
		Name: name,
		Rel:  rel,
		Desc: btree.NewTupleDesc(btree.Attribute{Name: "k", Kind: btree.KindInt64}),
	}
}

func tid(i int) btree.ItemPointer {
	return btree.ItemPointer{Block: pagemanager.BlockNumber(i/100 + 1), Offset: pagemanager.OffsetNumber(i%100 + 1)}
}

func fill(t *testing.T, ix *btree.Index, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := ix.Insert(context.Background(), []btree.Datum{btree.Int64(int64(i))}, tid(i), btree.InsertOptions{})
		require.NoError(t, err)
	}
}

func TestOpenBootstrapsThenRecovers(t *testing.T) {
	cfg := testConfig(t.TempDir())
	ctx := context.Background()

	e, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	require.True(t, e.Bootstrapped())
	ix, err := e.CreateIndex(ctx, intIndex("orders_pkey", smgr.RelFileLocator{}), nil)
	require.NoError(t, err)
	rel := ix.Rel()
	require.Equal(t, uint32(DefaultDatabase), rel.DbOid)
	require.GreaterOrEqual(t, rel.RelNumber, uint32(firstNormalOid))
	fill(t, ix, 600)
	want, err := ix.ScanAll(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	e2 := openEngine(t, cfg)
	require.False(t, e2.Bootstrapped())
	require.True(t, e2.Recovery().WasShutdown)
	// the oid counter survived
	require.Greater(t, e2.Transactions().NextOid(), rel.RelNumber)

	ix2, err := e2.OpenIndex(intIndex("orders_pkey", rel), nil)
	require.NoError(t, err)
	got, err := ix2.ScanAll(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestOpenRejectsChangedSegmentSize(t *testing.T) {
	cfg := testConfig(t.TempDir())
	e, err := Open(context.Background(), cfg, Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	cfg.WALSegmentSize = 2 * wal.MinSegmentSize
	_, err = Open(context.Background(), cfg, Options{})
	require.Error(t, err)
}

func TestCheckpointOnRequest(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	ctx := context.Background()
	ix, err := e.CreateIndex(ctx, intIndex("a", smgr.RelFileLocator{}), nil)
	require.NoError(t, err)
	fill(t, ix, 200)

	before, _ := e.WAL().LastCheckpoint()
	stats, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	require.Greater(t, stats.LSN, before)
	lsn, redo := e.WAL().LastCheckpoint()
	require.Equal(t, stats.LSN, lsn)
	require.Equal(t, stats.Redo, redo)
}

func TestScheduledCheckpoint(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.CheckpointSchedule = "@every 1s"
	e := openEngine(t, cfg)
	first, _ := e.WAL().LastCheckpoint()

	require.Eventually(t, func() bool {
		lsn, _ := e.WAL().LastCheckpoint()
		return lsn > first
	}, 10*time.Second, 50*time.Millisecond)
}

func TestIndexRegistry(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	ctx := context.Background()
	_, err := e.CreateIndex(ctx, intIndex("b", smgr.RelFileLocator{}), nil)
	require.NoError(t, err)
	_, err = e.CreateIndex(ctx, intIndex("a", smgr.RelFileLocator{}), nil)
	require.NoError(t, err)

	_, err = e.CreateIndex(ctx, intIndex("a", smgr.RelFileLocator{}), nil)
	require.ErrorIs(t, err, ErrIndexExists)
	_, err = e.Index("missing")
	require.ErrorIs(t, err, ErrIndexNotFound)

	ix, err := e.Index("a")
	require.NoError(t, err)
	require.Equal(t, "a", ix.Name())
	names := []string{}
	for _, ix := range e.Indexes() {
		names = append(names, ix.Name())
	}
	require.Equal(t, []string{"a", "b"}, names)
}

func TestClosedEngine(t *testing.T) {
	e, err := Open(context.Background(), testConfig(t.TempDir()), Options{})
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	_, err = e.Checkpoint(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	_, err = e.CreateIndex(context.Background(), intIndex("x", smgr.RelFileLocator{}), nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestVacuumAllIndexes(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	ctx := context.Background()
	for _, name := range []string{"i1", "i2", "i3"} {
		ix, err := e.CreateIndex(ctx, intIndex(name, smgr.RelFileLocator{}), nil)
		require.NoError(t, err)
		fill(t, ix, 300)
	}

	odd := func(p btree.ItemPointer) bool { return p.Offset%2 == 0 }
	results, err := e.Vacuum(ctx, odd, 8)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.Equal(t, []string{"i1", "i2", "i3"}[i], r.Index)
		require.NotNil(t, r.Stats)
		require.Equal(t, int64(150), r.Stats.TuplesRemoved)
		require.Equal(t, int64(150), r.Stats.NumIndexTuples)
	}
	for _, ix := range e.Indexes() {
		entries, err := ix.ScanAll(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 150)
		for _, en := range entries {
			require.Equal(t, pagemanager.OffsetNumber(1), en.TID.Offset%2)
		}
	}

	// a single worker walks the same phases
	results, err = e.Vacuum(ctx, odd, 1)
	require.NoError(t, err)
	for _, r := range results {
		require.Zero(t, r.Stats.TuplesRemoved)
	}
}

func TestVacuumWithoutIndexes(t *testing.T) {
	e := openEngine(t, testConfig(t.TempDir()))
	results, err := e.Vacuum(context.Background(), func(btree.ItemPointer) bool { return false }, 2)
	require.NoError(t, err)
	require.Empty(t, results)
}
