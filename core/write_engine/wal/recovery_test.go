package wal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

func itemOf(i int) []byte { return []byte(fmt.Sprintf("item-%04d", i)) }

func requireItems(t *testing.T, c *testCluster, blk pagemanager.BlockNumber, n int) {
	t.Helper()
	items := c.pageItems(t, blk)
	require.Len(t, items, n)
	for i, it := range items {
		require.Equal(t, itemOf(i), it)
	}
}

func TestRecoveryReplaysFromCheckpoint(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	for i := 0; i < 10; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	stats, err := c.lm.CreateCheckpoint(context.Background(), false)
	require.NoError(t, err)
	require.Positive(t, stats.BuffersWritten)
	for i := 10; i < 25; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	c.crash()

	c2, rstats := openCluster(t, dir, cfg, false)
	require.False(t, rstats.WasShutdown)
	require.Equal(t, stats.LSN, rstats.Checkpoint)
	require.Equal(t, stats.Redo, rstats.Redo)
	require.Positive(t, rstats.Records)
	require.Zero(t, rstats.InvalidPages)
	requireItems(t, c2, blk, 25)

	ctrl, err := ReadControlFile(dir)
	require.NoError(t, err)
	require.Equal(t, DBInProduction, ctrl.State)
	require.Greater(t, ctrl.Checkpoint, stats.LSN)
}

func TestCrashAfterBootstrapIsNotCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	ctrl, err := ReadControlFile(dir)
	require.NoError(t, err)
	require.Equal(t, DBInProduction, ctrl.State)

	blk := c.newPage(t)
	for i := 0; i < 5; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	c.crash()

	c2, rstats := openCluster(t, dir, cfg, false)
	require.False(t, rstats.WasShutdown)
	require.Equal(t, ctrl.Checkpoint, rstats.Checkpoint)
	require.Positive(t, rstats.Records)
	requireItems(t, c2, blk, 5)
}

func TestRecoveryWithoutCheckpointedPages(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	// nothing reaches the relation file before the crash
	blk := c.newPage(t)
	for i := 0; i < 40; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	c.crash()

	c2, rstats := openCluster(t, dir, cfg, false)
	require.Equal(t, segStart(firstSegNo, cfg.SegmentSize)+SizeOfLongPageHeader, rstats.Redo)
	requireItems(t, c2, blk, 40)
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	for i := 0; i < 30; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	// pages on disk are newer than every record that will be replayed
	_, err := c.buffers.BufferSync(context.Background(), nil)
	require.NoError(t, err)
	c.crash()

	c2, rstats := openCluster(t, dir, cfg, false)
	require.Positive(t, rstats.Records)
	requireItems(t, c2, blk, 30)

	// a second crash right after recovery replays nothing twice
	c2.crash()
	c3, _ := openCluster(t, dir, cfg, false)
	requireItems(t, c3, blk, 30)
}

func TestRecoveryRestoresTornPage(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	for i := 0; i < 5; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	_, err := c.lm.CreateCheckpoint(context.Background(), false)
	require.NoError(t, err)
	// first change after the checkpoint carries a full-page image
	c.addItem(t, blk, itemOf(5), testAdd)
	c.addItem(t, blk, itemOf(6), testAdd)
	c.crash()

	// simulate a torn write of the block
	path := filepath.Join(dir, smgr.RelPath(testRel, smgr.MainFork))
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	garbage := make([]byte, pagemanager.PageSize/2)
	for i := range garbage {
		garbage[i] = 0xA5
	}
	_, err = f.WriteAt(garbage, int64(blk)*pagemanager.PageSize+pagemanager.PageSize/4)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c2, _ := openCluster(t, dir, cfg, false)
	requireItems(t, c2, blk, 7)
}

func TestRecoveryAfterCleanShutdown(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	for i := 0; i < 3; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	c.shutdown(t)

	ctrl, err := ReadControlFile(dir)
	require.NoError(t, err)
	require.Equal(t, DBShutdowned, ctrl.State)

	c2, rstats := openCluster(t, dir, cfg, false)
	require.True(t, rstats.WasShutdown)
	require.Equal(t, ctrl.Checkpoint, rstats.Checkpoint)
	requireItems(t, c2, blk, 3)

	// the log continues where recovery ended
	c2.addItem(t, blk, itemOf(3), testAdd)
	c2.crash()
	c3, _ := openCluster(t, dir, cfg, false)
	requireItems(t, c3, blk, 4)
}

func TestRecoveryStopsAtCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	for i := 0; i < 8; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	last := c.lm.InsertPos()
	lastEnd := c.addItem(t, blk, itemOf(8), testAdd)
	c.crash()

	// flip a byte inside the last record
	corrupt := last + (lastEnd-last)/2
	segPath := filepath.Join(cfg.Dir, SegmentFileName(DefaultTimeLine, segNoOf(corrupt, cfg.SegmentSize), cfg.SegmentSize))
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	var b [1]byte
	off := int64(segOffset(corrupt, cfg.SegmentSize))
	_, err = f.ReadAt(b[:], off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b[:], off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c2, rstats := openCluster(t, dir, cfg, false)
	require.LessOrEqual(t, rstats.End, last)
	requireItems(t, c2, blk, 8)

	// WAL written after recovery replaces the damaged tail
	c2.addItem(t, blk, itemOf(8), testAdd)
	c2.crash()
	c3, _ := openCluster(t, dir, cfg, false)
	requireItems(t, c3, blk, 9)
}

func TestRecoveryRemovesSegmentsPastEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	c, _ := openCluster(t, dir, cfg, true)
	c.insertMsg(t, []byte("x"))
	c.crash()

	// a stray segment far past the end of WAL
	stray := filepath.Join(cfg.Dir, SegmentFileName(DefaultTimeLine, 9, cfg.SegmentSize))
	require.NoError(t, os.WriteFile(stray, make([]byte, cfg.SegmentSize), 0o600))

	openCluster(t, dir, cfg, false)
	_, err := os.Stat(stray)
	require.True(t, os.IsNotExist(err))
}

func TestCheckpointRemovesOldSegments(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ArchiveDir = filepath.Join(dir, "archive")
	c, _ := openCluster(t, dir, cfg, true)

	for i := 0; i < 600; i++ {
		c.insertMsg(t, payloadOf(i, 4000))
	}
	before, err := ListSegments(cfg.Dir, cfg.SegmentSize)
	require.NoError(t, err)
	stats, err := c.lm.CreateCheckpoint(context.Background(), false)
	require.NoError(t, err)
	require.Positive(t, stats.SegmentsRemoved)

	after, err := ListSegments(cfg.Dir, cfg.SegmentSize)
	require.NoError(t, err)
	require.Less(t, len(after), len(before)+1)
	require.Greater(t, after[0], before[0])
	for _, s := range after {
		require.GreaterOrEqual(t, s, segNoOf(stats.Redo, cfg.SegmentSize))
	}
	archived, err := os.ReadDir(cfg.ArchiveDir)
	require.NoError(t, err)
	require.Len(t, archived, stats.SegmentsRemoved)
}

func TestCheckpointRejectedDuringRecovery(t *testing.T) {
	c := setupCluster(t)
	c.lm.inRecovery.Store(true)
	defer c.lm.inRecovery.Store(false)

	_, err := c.lm.CreateCheckpoint(context.Background(), false)
	require.ErrorIs(t, err, ErrInRecovery)
	_, err = c.lm.LogNoop()
	require.ErrorIs(t, err, ErrInRecovery)
}

func TestConsistencyCheckingPassesOnFaithfulRedo(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ConsistencyChecking = []RmgrID{testRmgrID}
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	for i := 0; i < 12; i++ {
		c.addItem(t, blk, itemOf(i), testAdd)
	}
	c.crash()

	c2, _ := openCluster(t, dir, cfg, false)
	requireItems(t, c2, blk, 12)
}

func TestConsistencyCheckingDetectsDivergentRedo(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.ConsistencyChecking = []RmgrID{testRmgrID}
	c, _ := openCluster(t, dir, cfg, true)

	blk := c.newPage(t)
	c.addItem(t, blk, itemOf(0), testAdd)
	c.addItem(t, blk, itemOf(1), testBadAdd)
	c.crash()

	ctrl, err := ReadControlFile(dir)
	require.NoError(t, err)
	storage, err := smgr.New(smgr.Config{DataDir: dir}, nil)
	require.NoError(t, err)
	defer storage.Close()
	lm, err := NewLogManager(cfg, Deps{
		Buffers: buffer.New(storage, buffer.Options{NBuffers: 64}, nil),
		Storage: storage,
		Control: ctrl,
		Rmgrs:   NewRmgrTable().MustRegister(testRmgrID, testRmgr()),
	}, nil)
	require.NoError(t, err)
	defer lm.Close()

	_, err = lm.StartupRecovery(context.Background())
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.Contains(t, err.Error(), "inconsistent page found")
}
