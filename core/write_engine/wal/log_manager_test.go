package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Test resource manager ---

const (
	testRmgrID RmgrID = 128

	testInit   uint8 = 0x00
	testAdd    uint8 = 0x10
	testMsg    uint8 = 0x20
	testBadAdd uint8 = 0x30
)

var testRel = smgr.RelFileLocator{SpcOid: smgr.DefaultTablespace, DbOid: 5, RelNumber: 16384}

func testRmgr() Rmgr {
	return Rmgr{
		Name: "Test",
		Redo: testRedo,
		Identify: func(info uint8) string {
			switch info {
			case testInit:
				return "INIT"
			case testAdd:
				return "ADD"
			case testMsg:
				return "MSG"
			case testBadAdd:
				return "BAD_ADD"
			}
			return ""
		},
		Desc: func(rec *DecodedRecord) string { return fmt.Sprintf("len %d", len(rec.Main)) },
		Mask: func(p pagemanager.Page, _ pagemanager.BlockNumber) { pagemanager.MaskUnusedSpace(p) },
	}
}

func testRedo(env *RedoEnv, rec *DecodedRecord) error {
	switch rec.Info() {
	case testInit:
		buf, err := env.InitBufferForRedo(rec, 0)
		if err != nil {
			return err
		}
		page := env.Buffers.Page(buf)
		pagemanager.Init(page, 0)
		page.SetLSN(rec.EndLSN)
		env.Buffers.MarkBufferDirty(buf)
		env.Buffers.UnlockReleaseBuffer(buf)
	case testAdd, testBadAdd:
		action, buf, err := env.ReadBufferForRedo(rec, 0)
		if err != nil {
			return err
		}
		if action == BlockNeedsRedo {
			item := append([]byte(nil), rec.BlockData(0)...)
			if rec.Info() == testBadAdd {
				item[0] ^= 0xFF
			}
			page := env.Buffers.Page(buf)
			if page.AddItem(item, pagemanager.InvalidOffsetNumber, false, false) == pagemanager.InvalidOffsetNumber {
				env.Buffers.UnlockReleaseBuffer(buf)
				return errors.New("failed to add item during redo")
			}
			page.SetLSN(rec.EndLSN)
			env.Buffers.MarkBufferDirty(buf)
		}
		if buf != buffer.InvalidBuffer {
			env.Buffers.UnlockReleaseBuffer(buf)
		}
	case testMsg:
	default:
		return fmt.Errorf("unknown test record 0x%02X", rec.Info())
	}
	return nil
}

// --- Test cluster ---

type testCluster struct {
	dataDir string
	cfg     Config
	storage *smgr.Manager
	buffers *buffer.Manager
	txns    *transaction.Manager
	lm      *LogManager
	closed  bool
}

func testConfig(dataDir string) Config {
	return Config{
		Dir:            filepath.Join(dataDir, "pg_wal"),
		SegmentSize:    MinSegmentSize,
		WALBuffers:     16,
		FullPageWrites: true,
	}
}

// openCluster bootstraps a new cluster in dataDir, or runs crash recovery
// over an existing one.
func openCluster(t *testing.T, dataDir string, cfg Config, bootstrap bool) (*testCluster, RecoveryStats) {
	t.Helper()
	storage, err := smgr.New(smgr.Config{DataDir: dataDir, MaxOpenFiles: 32}, zap.NewNop())
	require.NoError(t, err)
	buffers := buffer.New(storage, buffer.Options{NBuffers: 64}, zap.NewNop())
	txns := transaction.NewManager(0, 16384, zap.NewNop())

	var ctrl *ControlFile
	if bootstrap {
		ctrl, err = NewControlFile(dataDir, smgr.DefaultRelSegSize, cfg.SegmentSize, false, "C", "C", "")
	} else {
		ctrl, err = ReadControlFile(dataDir)
	}
	require.NoError(t, err)

	lm, err := NewLogManager(cfg, Deps{
		Buffers: buffers,
		Storage: storage,
		Txns:    txns,
		Control: ctrl,
		Rmgrs:   NewRmgrTable().MustRegister(testRmgrID, testRmgr()),
	}, zap.NewNop())
	require.NoError(t, err)

	c := &testCluster{dataDir: dataDir, cfg: cfg, storage: storage, buffers: buffers, txns: txns, lm: lm}
	t.Cleanup(c.crash)

	var stats RecoveryStats
	if bootstrap {
		require.NoError(t, lm.Bootstrap(context.Background()))
	} else {
		stats, err = lm.StartupRecovery(context.Background())
		require.NoError(t, err)
	}
	return c, stats
}

func setupCluster(t *testing.T) *testCluster {
	t.Helper()
	dir := t.TempDir()
	c, _ := openCluster(t, dir, testConfig(dir), true)
	return c
}

// crash abandons the buffer pool without writing dirty pages. Inserted
// WAL is flushed first.
func (c *testCluster) crash() {
	if c.closed {
		return
	}
	c.closed = true
	c.lm.Close()
	c.storage.Close()
}

func (c *testCluster) shutdown(t *testing.T) {
	t.Helper()
	_, err := c.lm.CreateCheckpoint(context.Background(), true)
	require.NoError(t, err)
	c.closed = true
	require.NoError(t, c.lm.Close())
	require.NoError(t, c.storage.Close())
}

func (c *testCluster) newPage(t *testing.T) pagemanager.BlockNumber {
	t.Helper()
	require.NoError(t, c.buffers.CreateFork(testRel, smgr.MainFork))
	buf, err := c.buffers.ReadBufferExtended(testRel, smgr.MainFork, pagemanager.NewBlock, buffer.ReadZeroAndLock)
	require.NoError(t, err)
	page := c.buffers.Page(buf)
	pagemanager.Init(page, 0)
	c.buffers.MarkBufferDirty(buf)

	b := c.lm.NewRecord()
	b.RegisterBuffer(0, buf, RegBufWillInit|RegBufStandard)
	end, err := b.Insert(testRmgrID, testInit)
	require.NoError(t, err)
	page.SetLSN(end)
	blk := c.buffers.BlockNumber(buf)
	c.buffers.UnlockReleaseBuffer(buf)
	return blk
}

func (c *testCluster) addItem(t *testing.T, blk pagemanager.BlockNumber, item []byte, info uint8) LSN {
	t.Helper()
	buf, err := c.buffers.ReadBuffer(testRel, smgr.MainFork, blk)
	require.NoError(t, err)
	c.buffers.LockBuffer(buf, buffer.LockExclusive)
	page := c.buffers.Page(buf)
	require.NotEqual(t, pagemanager.InvalidOffsetNumber, page.AddItem(item, pagemanager.InvalidOffsetNumber, false, false))
	c.buffers.MarkBufferDirty(buf)

	b := c.lm.NewRecord()
	b.RegisterBuffer(0, buf, RegBufStandard)
	b.RegisterBufData(0, item)
	end, err := b.Insert(testRmgrID, info)
	require.NoError(t, err)
	page.SetLSN(end)
	c.buffers.UnlockReleaseBuffer(buf)
	return end
}

func (c *testCluster) pageItems(t *testing.T, blk pagemanager.BlockNumber) [][]byte {
	t.Helper()
	buf, err := c.buffers.ReadBuffer(testRel, smgr.MainFork, blk)
	require.NoError(t, err)
	defer c.buffers.ReleaseBuffer(buf)
	c.buffers.LockBuffer(buf, buffer.LockShare)
	defer c.buffers.LockBuffer(buf, buffer.LockUnlock)
	page := c.buffers.Page(buf)
	var items [][]byte
	for off := pagemanager.FirstOffsetNumber; off <= page.MaxOffset(); off++ {
		items = append(items, append([]byte(nil), page.Item(off)...))
	}
	return items
}

func (c *testCluster) insertMsg(t *testing.T, payload []byte) (LSN, LSN) {
	t.Helper()
	b := c.lm.NewRecord()
	b.RegisterData(payload)
	start, end, err := b.InsertRecord(testRmgrID, testMsg)
	require.NoError(t, err)
	return start, end
}

func (c *testCluster) reader(t *testing.T) *Reader {
	t.Helper()
	src, err := NewDirSource(c.cfg.Dir, DefaultTimeLine, c.cfg.SegmentSize)
	require.NoError(t, err)
	r := NewReader(src, ReaderConfig{SegmentSize: c.cfg.SegmentSize, SystemID: c.lm.Control().SystemID}, zap.NewNop())
	t.Cleanup(func() { r.Close() })
	return r
}

func payloadOf(seed, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(seed*31 + i)
	}
	return p
}

// --- Tests ---

func TestNewLogManagerRejectsBadSegmentSize(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLogManager(Config{Dir: dir, SegmentSize: 3 << 20}, Deps{}, nil)
	require.Error(t, err)
	_, err = NewLogManager(Config{Dir: dir, SegmentSize: MinSegmentSize / 2}, Deps{}, nil)
	require.Error(t, err)
}

func TestBootstrapWritesShutdownCheckpoint(t *testing.T) {
	c := setupCluster(t)

	ckpt, redo := c.lm.LastCheckpoint()
	require.NotEqual(t, InvalidLSN, ckpt)
	require.Less(t, redo, ckpt)
	require.Equal(t, segStart(firstSegNo, c.cfg.SegmentSize)+SizeOfLongPageHeader, redo)

	ctrl, err := ReadControlFile(c.dataDir)
	require.NoError(t, err)
	require.Equal(t, DBInProduction, ctrl.State)
	require.Equal(t, ckpt, ctrl.Checkpoint)
	require.Equal(t, redo, ctrl.CheckpointCopy.Redo)
	require.GreaterOrEqual(t, c.lm.FlushedUpTo(), ckpt)

	err = c.lm.Bootstrap(context.Background())
	require.Error(t, err, "bootstrap over an existing WAL directory must fail")
}

func TestInsertAndReadBack(t *testing.T) {
	c := setupCluster(t)

	sizes := []int{0, 1, 100, 255, 256, 3000, 9000, 20000, 7}
	starts := make([]LSN, len(sizes))
	for i, n := range sizes {
		starts[i], _ = c.insertMsg(t, payloadOf(i, n))
	}
	require.NoError(t, c.lm.FlushAll())
	require.Equal(t, c.lm.InsertPos(), c.lm.FlushedUpTo())

	r := c.reader(t)
	r.Seek(starts[0])
	for i, n := range sizes {
		rec, err := r.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, starts[i], rec.LSN)
		require.Equal(t, testRmgrID, rec.Rmgr())
		require.Equal(t, testMsg, rec.Info())
		if n == 0 {
			require.Empty(t, rec.Main)
		} else {
			require.Equal(t, payloadOf(i, n), rec.Main)
		}
		if i > 0 {
			require.Equal(t, starts[i-1], rec.Header.Prev)
		}
	}
	_, err := r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestConcurrentInserts(t *testing.T) {
	c := setupCluster(t)

	const workers, perWorker = 8, 250
	var mu sync.Mutex
	want := make(map[LSN][]byte)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				payload := payloadOf(w*perWorker+i, (w*perWorker+i)*7%300+1)
				b := c.lm.NewRecord()
				b.RegisterData(payload)
				start, end, err := b.InsertRecord(testRmgrID, testMsg)
				if err != nil {
					return err
				}
				if i%50 == 0 {
					if err := c.lm.Flush(end); err != nil {
						return err
					}
				}
				mu.Lock()
				want[start] = payload
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, c.lm.FlushAll())
	require.Len(t, want, workers*perWorker)

	_, redo := c.lm.LastCheckpoint()
	r := c.reader(t)
	r.Seek(redo)
	seen := 0
	prev := InvalidLSN
	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.Greater(t, rec.LSN, prev)
		prev = rec.LSN
		if rec.Rmgr() != testRmgrID {
			continue
		}
		payload, ok := want[rec.LSN]
		require.True(t, ok, "unexpected record at %s", FormatLSN(rec.LSN))
		require.Equal(t, payload, rec.Main)
		seen++
	}
	require.Equal(t, workers*perWorker, seen)
}

func TestRecordsSpanSegments(t *testing.T) {
	c := setupCluster(t)

	var starts []LSN
	for i := 0; i < 700; i++ {
		s, _ := c.insertMsg(t, payloadOf(i, 4000+i%17))
		starts = append(starts, s)
	}
	require.NoError(t, c.lm.FlushAll())

	segs, err := ListSegments(c.cfg.Dir, c.cfg.SegmentSize)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(segs), 3)
	for _, s := range starts {
		require.Equal(t, segNoOf(s, c.cfg.SegmentSize), segNoOf(s+SizeOfRecordHeader-1, c.cfg.SegmentSize))
	}

	r := c.reader(t)
	r.Seek(starts[0])
	for i, s := range starts {
		rec, err := r.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, s, rec.LSN)
		require.Equal(t, payloadOf(i, 4000+i%17), rec.Main)
	}
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestFindNextRecord(t *testing.T) {
	c := setupCluster(t)

	var starts []LSN
	for i := 0; i < 4; i++ {
		s, _ := c.insertMsg(t, payloadOf(i, 10000))
		starts = append(starts, s)
	}
	require.NoError(t, c.lm.FlushAll())

	r := c.reader(t)
	got, err := r.FindNextRecord(starts[0])
	require.NoError(t, err)
	require.Equal(t, starts[0], got)

	got, err = r.FindNextRecord(starts[1] + 100)
	require.NoError(t, err)
	require.Equal(t, starts[2], got)
	rec, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, starts[2], rec.LSN)
	require.Equal(t, payloadOf(2, 10000), rec.Main)

	// from the middle of a page that a record only continues on
	got, err = r.FindNextRecord(pageStart(starts[3]) - BlockSize + 10)
	require.NoError(t, err)
	require.LessOrEqual(t, got, starts[3])
	require.GreaterOrEqual(t, got, starts[2])
}

func TestNonRelFiles(t *testing.T) {
	c := setupCluster(t)

	var starts []LSN
	for i := 0; i < 20; i++ {
		s, _ := c.insertMsg(t, payloadOf(i, 1500))
		starts = append(starts, s)
	}
	require.NoError(t, c.lm.FlushAll())

	auxDir := t.TempDir()
	segs := NewSegmentSource(c.cfg.Dir, DefaultTimeLine, c.cfg.SegmentSize)
	end := c.lm.InsertPos()
	path, err := WriteNonRelFile(auxDir, segs, pageStart(starts[0]), end)
	require.NoError(t, err)
	require.NoError(t, segs.Close())
	if pageOffset(end) != 0 {
		end = pageStart(end) + BlockSize
	}
	require.Equal(t, NonRelFileName(pageStart(starts[0]), end), filepath.Base(path))

	_, err = WriteNonRelFile(auxDir, segs, pageStart(starts[0])+1, c.lm.InsertPos())
	require.Error(t, err)

	src, err := NewNonRelSource(auxDir)
	require.NoError(t, err)
	require.Equal(t, 1, src.Len())
	r := NewReader(src, ReaderConfig{SegmentSize: c.cfg.SegmentSize}, nil)
	defer r.Close()
	r.Seek(starts[0])
	for i, s := range starts {
		rec, err := r.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, s, rec.LSN)
		require.Equal(t, payloadOf(i, 1500), rec.Main)
	}
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)

	// pages before the file start are not served
	page := make([]byte, BlockSize)
	require.ErrorIs(t, src.ReadPage(pageStart(starts[0])-BlockSize, page), ErrEndOfWAL)
}

func TestReaderRejectsForeignSystem(t *testing.T) {
	c := setupCluster(t)
	s, _ := c.insertMsg(t, []byte("hello"))
	require.NoError(t, c.lm.FlushAll())

	src, err := NewDirSource(c.cfg.Dir, DefaultTimeLine, c.cfg.SegmentSize)
	require.NoError(t, err)
	r := NewReader(src, ReaderConfig{SegmentSize: c.cfg.SegmentSize, SystemID: c.lm.Control().SystemID + 1}, nil)
	defer r.Close()
	r.Seek(s)
	// s lives on the first page of the segment, which carries the long header
	require.Equal(t, segStart(firstSegNo, c.cfg.SegmentSize), pageStart(s))
	_, err = r.ReadRecord()
	require.ErrorIs(t, err, ErrInvalidPageHdr)
}

func TestFlushIsDurable(t *testing.T) {
	c := setupCluster(t)
	_, end := c.insertMsg(t, []byte("durable"))
	require.Less(t, c.lm.FlushedUpTo(), end)
	require.NoError(t, c.lm.Flush(end))
	require.GreaterOrEqual(t, c.lm.FlushedUpTo(), end)

	// flushing an already durable position is a no-op
	require.NoError(t, c.lm.Flush(end-1))
}

func TestFullPageImageRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%t", compress), func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig(dir)
			cfg.Compression = compress
			c, _ := openCluster(t, dir, cfg, true)

			page := make(pagemanager.Page, pagemanager.PageSize)
			pagemanager.Init(page, 16)
			for i := 0; i < 20; i++ {
				require.NotEqual(t, pagemanager.InvalidOffsetNumber, page.AddItem(bytes.Repeat([]byte{byte(i)}, 40), pagemanager.InvalidOffsetNumber, false, false))
			}
			orig := pagemanager.GetTempPageCopy(page)

			lsn, err := c.lm.LogNewPage(testRel, smgr.MainFork, 7, page, true)
			require.NoError(t, err)
			require.Equal(t, lsn, page.LSN())
			require.NoError(t, c.lm.FlushAll())

			r := c.reader(t)
			_, redo := c.lm.LastCheckpoint()
			r.Seek(redo)
			var rec *DecodedRecord
			for {
				rec, err = r.ReadRecord()
				require.NoError(t, err)
				if rec.Rmgr() == RmgrXLOG && rec.Info() == XLOGFPI {
					break
				}
			}
			blk := rec.Block(0)
			require.NotNil(t, blk)
			require.True(t, blk.HasImage)
			require.True(t, blk.ApplyImage)
			require.NotZero(t, blk.BimgInfo&BkpImageHasHole)
			if compress {
				require.NotZero(t, blk.BimgInfo&BkpImageCompressFlate)
			}
			require.Equal(t, pagemanager.BlockNumber(7), blk.Block)
			require.Equal(t, testRel, blk.Rel)

			restored := make(pagemanager.Page, pagemanager.PageSize)
			require.NoError(t, blk.RestoreImage(restored))
			require.Equal(t, []byte(orig), []byte(restored))
		})
	}
}

func TestRmgrTable(t *testing.T) {
	tbl := NewRmgrTable()
	_, ok := tbl.Lookup(RmgrXLOG)
	require.True(t, ok)
	_, ok = tbl.Lookup(testRmgrID)
	require.False(t, ok)

	tbl2, err := tbl.Register(testRmgrID, testRmgr())
	require.NoError(t, err)
	_, ok = tbl2.Lookup(testRmgrID)
	require.True(t, ok)
	_, ok = tbl.Lookup(testRmgrID)
	require.False(t, ok, "register must not modify the receiver")

	_, err = tbl2.Register(testRmgrID, testRmgr())
	require.Error(t, err)
	_, err = tbl.Register(testRmgrID+1, Rmgr{Name: "noredo"})
	require.Error(t, err)
	require.Panics(t, func() { tbl2.MustRegister(testRmgrID, testRmgr()) })

	rec := &DecodedRecord{Header: RecordHeader{Rmgr: testRmgrID, Info: testAdd}}
	require.Equal(t, "ADD", tbl2.Identify(rec))
	rec.Header.Info = 0x70
	require.Equal(t, "UNKNOWN (70)", tbl2.Identify(rec))

	id, ok := ParseRmgrName("btree")
	require.True(t, ok)
	require.Equal(t, RmgrBtree, id)
	require.Equal(t, "custom128", testRmgrID.String())
}
