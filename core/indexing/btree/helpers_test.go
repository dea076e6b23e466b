package btree

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

var testRel = smgr.RelFileLocator{SpcOid: 1663, DbOid: 5, RelNumber: 16384}

// --- Fake table ---

// fakeTable tracks which heap TIDs are dead.
type fakeTable struct {
	mu      sync.Mutex
	dead    map[ItemPointer]bool
	horizon transaction.TransactionID
	calls   int
	lastReq DeleteRequest
}

func newFakeTable() *fakeTable {
	return &fakeTable{dead: make(map[ItemPointer]bool), horizon: 3}
}

func (f *fakeTable) kill(tids ...ItemPointer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tids {
		f.dead[t] = true
	}
}

func (f *fakeTable) isDead(tid ItemPointer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead[tid]
}

func (f *fakeTable) FetchTupleCheck(_ context.Context, tid ItemPointer) (TupleCheck, error) {
	if f.isDead(tid) {
		return TupleCheck{AllDead: true}, nil
	}
	return TupleCheck{Visible: true}, nil
}

func (f *fakeTable) IndexDeleteTuples(_ context.Context, req *DeleteRequest) (transaction.TransactionID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for i := range req.Candidates {
		if f.dead[req.Candidates[i].TID] {
			req.Candidates[i].Deletable = true
		}
	}
	f.lastReq = DeleteRequest{BottomUp: req.BottomUp, BottomUpFreeSpace: req.BottomUpFreeSpace, Candidates: append([]DeleteCandidate(nil), req.Candidates...)}
	return f.horizon, nil
}

// --- Test cluster ---

type testCluster struct {
	dataDir string
	walCfg  wal.Config
	storage *smgr.Manager
	buffers *buffer.Manager
	txns    *transaction.Manager
	lm      *wal.LogManager
	closed  bool
}

func testWALConfig(dataDir string, consistency bool) wal.Config {
	cfg := wal.Config{
		Dir:            filepath.Join(dataDir, "pg_wal"),
		SegmentSize:    wal.MinSegmentSize,
		WALBuffers:     16,
		FullPageWrites: true,
	}
	if consistency {
		cfg.ConsistencyChecking = []wal.RmgrID{wal.RmgrBtree}
	}
	return cfg
}

// openCluster bootstraps a cluster in dataDir, or recovers an existing one.
func openCluster(t *testing.T, dataDir string, cfg wal.Config, bootstrap bool) (*testCluster, wal.RecoveryStats) {
	t.Helper()
	storage, err := smgr.New(smgr.Config{DataDir: dataDir, MaxOpenFiles: 32}, zap.NewNop())
	require.NoError(t, err)
	buffers := buffer.New(storage, buffer.Options{NBuffers: 64}, zap.NewNop())
	txns := transaction.NewManager(0, 16384, zap.NewNop())

	var ctrl *wal.ControlFile
	if bootstrap {
		ctrl, err = wal.NewControlFile(dataDir, smgr.DefaultRelSegSize, cfg.SegmentSize, false, "C", "C", "")
	} else {
		ctrl, err = wal.ReadControlFile(dataDir)
	}
	require.NoError(t, err)

	lm, err := wal.NewLogManager(cfg, wal.Deps{
		Buffers: buffers,
		Storage: storage,
		Txns:    txns,
		Control: ctrl,
		Rmgrs:   wal.NewRmgrTable().MustRegister(wal.RmgrBtree, Rmgr()),
	}, zap.NewNop())
	require.NoError(t, err)

	c := &testCluster{dataDir: dataDir, walCfg: cfg, storage: storage, buffers: buffers, txns: txns, lm: lm}
	t.Cleanup(c.crash)

	var stats wal.RecoveryStats
	if bootstrap {
		require.NoError(t, lm.Bootstrap(context.Background()))
	} else {
		stats, err = lm.StartupRecovery(context.Background())
		require.NoError(t, err)
	}
	return c, stats
}

func newCluster(t *testing.T) *testCluster {
	t.Helper()
	dir := t.TempDir()
	c, _ := openCluster(t, dir, testWALConfig(dir, false), true)
	return c
}

// crash drops the buffer pool without writing dirty pages; inserted WAL
// is flushed.
func (c *testCluster) crash() {
	if c.closed {
		return
	}
	c.closed = true
	c.lm.Close()
	c.storage.Close()
}

// restart crashes the cluster and runs recovery on its data directory.
func (c *testCluster) restart(t *testing.T) (*testCluster, wal.RecoveryStats) {
	t.Helper()
	c.crash()
	return openCluster(t, c.dataDir, c.walCfg, false)
}

func (c *testCluster) deps(table Table) Deps {
	return Deps{Buffers: c.buffers, WAL: c.lm, Txns: c.txns, Table: table}
}

// advanceHorizon runs a transaction so that everything stamped with the
// current next xid becomes removable.
func (c *testCluster) advanceHorizon(t *testing.T) {
	t.Helper()
	txn := c.txns.Begin()
	require.NoError(t, c.txns.Commit(txn.ID))
}

// --- Index helpers ---

func intDesc() *TupleDesc {
	return NewTupleDesc(Attribute{Name: "k", Kind: KindInt64})
}

func createIndex(t *testing.T, c *testCluster, cfg Config, table Table) *Index {
	t.Helper()
	if cfg.Rel == (smgr.RelFileLocator{}) {
		cfg.Rel = testRel
	}
	if cfg.Desc == nil {
		cfg.Desc = intDesc()
	}
	ix, err := Create(context.Background(), cfg, c.deps(table), zap.NewNop())
	require.NoError(t, err)
	return ix
}

func openIndex(t *testing.T, c *testCluster, cfg Config, table Table) *Index {
	t.Helper()
	if cfg.Rel == (smgr.RelFileLocator{}) {
		cfg.Rel = testRel
	}
	if cfg.Desc == nil {
		cfg.Desc = intDesc()
	}
	ix, err := Open(cfg, c.deps(table), zap.NewNop())
	require.NoError(t, err)
	return ix
}

// tid spreads i over heap blocks of 100 tuples.
func tid(i int) ItemPointer {
	return ItemPointer{Block: pagemanager.BlockNumber(i / 100), Offset: pagemanager.OffsetNumber(i%100 + 1)}
}

func insertInt(t *testing.T, ix *Index, k int64, p ItemPointer) {
	t.Helper()
	_, err := ix.Insert(context.Background(), []Datum{Int64(k)}, p, InsertOptions{})
	require.NoError(t, err)
}

func scanAll(t *testing.T, ix *Index) []ScanEntry {
	t.Helper()
	out, err := ix.ScanAll(context.Background())
	require.NoError(t, err)
	return out
}

// requireOrdered checks entries are sorted by key, then heap TID.
func requireOrdered(t *testing.T, entries []ScanEntry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		a, b := entries[i-1], entries[i]
		c := a.Keys[0].Compare(b.Keys[0])
		if c == 0 {
			c = a.TID.Compare(b.TID)
		}
		require.Negative(t, c, "entries %d and %d out of order: %s, %s", i-1, i, a, b)
	}
}

// withPage runs fn on block blk of the index under a share lock.
func withPage(t *testing.T, ix *Index, blk pagemanager.BlockNumber, fn func(p pagemanager.Page)) {
	t.Helper()
	buf, err := ix.bm.ReadBuffer(ix.rel, smgr.MainFork, blk)
	require.NoError(t, err)
	ix.lockbuf(buf, buffer.LockShare)
	defer ix.relbuf(buf)
	fn(ix.page(buf))
}

func nblocks(t *testing.T, ix *Index) pagemanager.BlockNumber {
	t.Helper()
	n, err := ix.bm.NBlocks(ix.rel, smgr.MainFork)
	require.NoError(t, err)
	return n
}

// recordTypes lists the btree record types in the WAL from position
// from on.
func recordTypes(t *testing.T, c *testCluster, from wal.LSN) []string {
	t.Helper()
	require.NoError(t, c.lm.FlushAll())
	src, err := wal.NewDirSource(c.walCfg.Dir, wal.DefaultTimeLine, c.walCfg.SegmentSize)
	require.NoError(t, err)
	r := wal.NewReader(src, wal.ReaderConfig{SegmentSize: c.walCfg.SegmentSize}, zap.NewNop())
	defer r.Close()
	if _, err := r.FindNextRecord(from); err != nil {
		require.ErrorIs(t, err, io.EOF)
		return nil
	}

	var out []string
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		if rec.Rmgr() == wal.RmgrBtree {
			out = append(out, identify(rec.Info()))
		}
	}
}
