package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocore/core/indexing/btree"
	"github.com/sushant-115/gojocore/core/storage_engine/engine"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
	"github.com/sushant-115/gojocore/pkg/config"
)

// generateWAL runs an engine over a fresh data directory and returns the
// WAL directory and the path of its first segment.
func generateWAL(t *testing.T) (string, string) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SharedBuffers = 64
	cfg.WALBuffers = 16
	cfg.WALSegmentSize = wal.MinSegmentSize
	cfg.CheckpointSchedule = ""
	cfg.BGWriterDelay = 10 * time.Millisecond
	cfg.WALWriterDelay = 5 * time.Millisecond
	cfg.MaxOpenFiles = 16
	cfg.Logger.Level = "error"
	ctx := context.Background()

	e, err := engine.Open(ctx, cfg, engine.Options{})
	require.NoError(t, err)
	ix, err := e.CreateIndex(ctx, btree.Config{
		Name: "k_idx",
		Desc: btree.NewTupleDesc(btree.Attribute{Name: "k", Kind: btree.KindInt64}),
	}, nil)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		tid := btree.ItemPointer{Block: pagemanager.BlockNumber(i/50 + 1), Offset: pagemanager.OffsetNumber(i%50 + 1)}
		_, err := ix.Insert(ctx, []btree.Datum{btree.Int64(int64(i))}, tid, btree.InsertOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, e.Close(ctx))

	dir := filepath.Join(cfg.DataDir, engine.WALDirName)
	segs, err := wal.ListSegments(dir, cfg.WALSegmentSize)
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	return dir, filepath.Join(dir, wal.SegmentFileName(wal.DefaultTimeLine, segs[0], cfg.WALSegmentSize))
}

func runDump(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func recordLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if strings.HasPrefix(l, "rmgr: ") {
			lines = append(lines, l)
		}
	}
	return lines
}

func TestDumpSegment(t *testing.T) {
	_, seg := generateWAL(t)

	code, out, errOut := runDump(t, seg)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "desc: INSERT_LEAF")
	require.Contains(t, out, "desc: CHECKPOINT_SHUTDOWN")
	require.Contains(t, out, "blkref #0: rel ")
	require.Contains(t, out, "tx: ")
	require.GreaterOrEqual(t, len(recordLines(out)), 200)
}

func TestDumpFilters(t *testing.T) {
	dir, seg := generateWAL(t)
	_, segno, err := wal.ParseSegmentFileName(filepath.Base(seg), wal.MinSegmentSize)
	require.NoError(t, err)
	start := wal.FormatLSN(wal.LSN(uint64(segno) * wal.MinSegmentSize))

	code, out, errOut := runDump(t, "-p", dir, "-s", start, "-r", "btree")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "first record is after "+start)
	lines := recordLines(out)
	require.NotEmpty(t, lines)
	for _, l := range lines {
		require.True(t, strings.HasPrefix(l, "rmgr: Btree "), l)
	}

	code, out, errOut = runDump(t, "--path", dir, "--start", start, "--limit", "3")
	require.Equal(t, 0, code, errOut)
	require.Len(t, recordLines(out), 3)
}

func TestDumpBackupDetails(t *testing.T) {
	_, seg := generateWAL(t)

	code, out, errOut := runDump(t, "-b", seg)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "\n\tblkref #0: rel ")
	require.Contains(t, out, " fork main blk ")
}

func TestDumpStats(t *testing.T) {
	_, seg := generateWAL(t)

	code, out, errOut := runDump(t, "-z", seg)
	require.Equal(t, 0, code, errOut)
	require.Empty(t, recordLines(out))
	require.Contains(t, out, "\nBtree ")
	require.Contains(t, out, "\nXLOG ")
	require.Contains(t, out, "\nTotal ")

	code, out, errOut = runDump(t, "--stats=record", seg)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "Btree/INSERT_LEAF")
	require.Contains(t, out, "XLOG/CHECKPOINT_SHUTDOWN")
}

func TestDumpUsageErrors(t *testing.T) {
	dir, seg := generateWAL(t)
	for _, args := range [][]string{
		{"-s", "nonsense", seg},
		{"-r", "NoSuchRmgr", seg},
		{"-p", dir},
		{"-s", "0/10", seg},
		{"-z=bogus", seg},
		{"-n", "-1", seg},
		{seg, seg, seg},
		{"--no-such-flag"},
	} {
		code, _, errOut := runDump(t, args...)
		require.Equal(t, 1, code, "args %v", args)
		require.NotEmpty(t, errOut, "args %v", args)
	}
}

func TestDumpCorruptRecord(t *testing.T) {
	dir, seg := generateWAL(t)
	_, segno, err := wal.ParseSegmentFileName(filepath.Base(seg), wal.MinSegmentSize)
	require.NoError(t, err)
	segStart := wal.LSN(uint64(segno) * wal.MinSegmentSize)

	src, err := wal.NewDirSource(dir, wal.DefaultTimeLine, wal.MinSegmentSize)
	require.NoError(t, err)
	r := wal.NewReader(src, wal.ReaderConfig{SegmentSize: wal.MinSegmentSize}, nil)
	_, err = r.FindNextRecord(segStart)
	require.NoError(t, err)
	// pick a record that sits on a single page, some way into the stream
	var victim *wal.DecodedRecord
	before := 0
	for ; ; before++ {
		rec, err := r.ReadRecord()
		require.NoError(t, err)
		last := rec.LSN + wal.LSN(rec.Header.TotalLen) - 1
		if before >= 20 && uint64(rec.LSN)%wal.BlockSize > 64 &&
			uint64(rec.LSN)/wal.BlockSize == uint64(last)/wal.BlockSize {
			victim = rec
			break
		}
	}
	require.NoError(t, r.Close())

	f, err := os.OpenFile(seg, os.O_RDWR, 0)
	require.NoError(t, err)
	off := int64(victim.LSN-segStart) + int64(victim.Header.TotalLen) - 1
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	code, out, errOut := runDump(t, seg)
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "error in WAL record at "+wal.FormatLSN(victim.LSN))
	require.Len(t, recordLines(out), before)
}
