package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

var errInjected = errors.New("injected read failure")

// memStorage keeps relation blocks in memory and records the durable WAL
// position seen at each write.
type memStorage struct {
	mu        sync.Mutex
	blocks    map[BufferTag][]byte
	nblocks   map[BufferTag]pagemanager.BlockNumber
	reads     atomic.Int32
	writes    atomic.Int32
	readDelay time.Duration
	failRead  map[BufferTag]int
	wal       *fakeWAL
	violation atomic.Bool
}

func newMemStorage() *memStorage {
	return &memStorage{
		blocks:   make(map[BufferTag][]byte),
		nblocks:  make(map[BufferTag]pagemanager.BlockNumber),
		failRead: make(map[BufferTag]int),
	}
}

func forkKey(rel smgr.RelFileLocator, fork smgr.ForkNumber) BufferTag {
	return BufferTag{Rel: rel, Fork: fork}
}

func (s *memStorage) Read(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, buf []byte) error {
	s.reads.Add(1)
	if s.readDelay > 0 {
		time.Sleep(s.readDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := BufferTag{Rel: rel, Fork: fork, Block: blk}
	if s.failRead[tag] > 0 {
		s.failRead[tag]--
		return errInjected
	}
	b, ok := s.blocks[tag]
	if !ok {
		return smgr.ErrShortRead
	}
	copy(buf, b)
	return nil
}

func (s *memStorage) Write(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, buf []byte) error {
	s.writes.Add(1)
	if s.wal != nil && pagemanager.Page(buf).LSN() > s.wal.flushed() {
		s.violation.Store(true)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[BufferTag{Rel: rel, Fork: fork, Block: blk}] = append([]byte(nil), buf...)
	return nil
}

func (s *memStorage) Extend(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, buf []byte) error {
	if err := s.Write(rel, fork, blk, buf); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if blk+1 > s.nblocks[forkKey(rel, fork)] {
		s.nblocks[forkKey(rel, fork)] = blk + 1
	}
	return nil
}

func (s *memStorage) NBlocks(rel smgr.RelFileLocator, fork smgr.ForkNumber) (pagemanager.BlockNumber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nblocks[forkKey(rel, fork)], nil
}

func (s *memStorage) Create(rel smgr.RelFileLocator, fork smgr.ForkNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nblocks[forkKey(rel, fork)] = 0
	return nil
}

func (s *memStorage) Exists(rel smgr.RelFileLocator, fork smgr.ForkNumber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nblocks[forkKey(rel, fork)]
	return ok
}

type fakeWAL struct {
	mu      sync.Mutex
	upTo    pagemanager.LSN
	flushes int
}

func (w *fakeWAL) Flush(lsn pagemanager.LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn > w.upTo {
		w.upTo = lsn
		w.flushes++
	}
	return nil
}

func (w *fakeWAL) flushed() pagemanager.LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.upTo
}

var testRel = smgr.RelFileLocator{SpcOid: smgr.DefaultTablespace, DbOid: 1, RelNumber: 100}

func setupPool(t *testing.T, nbuffers int) (*Manager, *memStorage, *fakeWAL) {
	t.Helper()
	st := newMemStorage()
	wal := &fakeWAL{}
	st.wal = wal
	m := New(st, Options{NBuffers: nbuffers}, nil)
	m.SetWALFlusher(wal)
	require.NoError(t, m.CreateFork(testRel, smgr.MainFork))
	return m, st, wal
}

// newPage extends the relation with an initialized page stamped with lsn.
func newPage(t *testing.T, m *Manager, lsn pagemanager.LSN) (Buffer, pagemanager.BlockNumber) {
	t.Helper()
	buf, err := m.ReadBufferExtended(testRel, smgr.MainFork, pagemanager.NewBlock, ReadZeroAndLock)
	require.NoError(t, err)
	p := m.Page(buf)
	pagemanager.Init(p, 0)
	p.SetLSN(lsn)
	m.MarkBufferDirty(buf)
	blk := m.BlockNumber(buf)
	m.UnlockReleaseBuffer(buf)
	return buf, blk
}

func TestExtendAndHit(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	buf, blk := newPage(t, m, 10)
	require.Equal(t, pagemanager.BlockNumber(0), blk)

	again, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)
	require.Equal(t, buf, again)
	require.Equal(t, 1, m.PinCount(again))
	require.Equal(t, int32(0), st.reads.Load())
	require.Equal(t, pagemanager.LSN(10), m.Page(again).LSN())
	m.ReleaseBuffer(again)
	require.Equal(t, 0, m.PinCount(again))

	_, blk = newPage(t, m, 11)
	require.Equal(t, pagemanager.BlockNumber(1), blk)
	n, err := m.NBlocks(testRel, smgr.MainFork)
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockNumber(2), n)
}

func TestEvictionHonorsWALRule(t *testing.T) {
	m, st, wal := setupPool(t, 16)
	for i := 0; i < 64; i++ {
		newPage(t, m, pagemanager.LSN(1000+i))
	}
	require.False(t, st.violation.Load())
	require.Greater(t, st.writes.Load(), int32(64))
	require.Greater(t, wal.flushed(), pagemanager.LSN(1000))

	// evicted pages read back with their contents
	for i := 0; i < 64; i++ {
		buf, err := m.ReadBuffer(testRel, smgr.MainFork, pagemanager.BlockNumber(i))
		require.NoError(t, err)
		require.Equal(t, pagemanager.LSN(1000+i), m.Page(buf).LSN())
		m.ReleaseBuffer(buf)
	}
	require.False(t, st.violation.Load())
}

func TestConcurrentMissReadsOnce(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	newPage(t, m, 5)
	// push block 0 out of the pool
	for i := 0; i < 40; i++ {
		newPage(t, m, 6)
	}
	st.reads.Store(0)
	st.readDelay = 20 * time.Millisecond

	var g errgroup.Group
	bufs := make([]Buffer, 8)
	for i := range bufs {
		i := i
		g.Go(func() error {
			buf, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
			bufs[i] = buf
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), st.reads.Load())
	for _, b := range bufs {
		require.Equal(t, bufs[0], b)
	}
	require.Equal(t, 8, m.PinCount(bufs[0]))
	for _, b := range bufs {
		m.ReleaseBuffer(b)
	}
}

func TestReadFailureAllowsRetry(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	newPage(t, m, 5)
	for i := 0; i < 40; i++ {
		newPage(t, m, 6)
	}
	st.failRead[BufferTag{Rel: testRel, Fork: smgr.MainFork, Block: 0}] = 1

	_, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.ErrorIs(t, err, errInjected)

	buf, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)
	require.Equal(t, pagemanager.LSN(5), m.Page(buf).LSN())
	m.ReleaseBuffer(buf)
}

func TestInvalidPageModes(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	newPage(t, m, 5)
	for i := 0; i < 40; i++ {
		newPage(t, m, 6)
	}
	st.mu.Lock()
	garbage := st.blocks[BufferTag{Rel: testRel, Fork: smgr.MainFork, Block: 0}]
	pagemanager.Page(garbage).SetLower(9000)
	st.mu.Unlock()

	_, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.ErrorIs(t, err, ErrInvalidPage)

	buf, err := m.ReadBufferExtended(testRel, smgr.MainFork, 0, ReadZeroOnError)
	require.NoError(t, err)
	require.True(t, m.Page(buf).IsNew())
	m.ReleaseBuffer(buf)
}

func TestNoUnpinnedBuffers(t *testing.T) {
	m, _, _ := setupPool(t, 16)
	var pinned []Buffer
	for i := 0; i < 16; i++ {
		buf, err := m.ReadBufferExtended(testRel, smgr.MainFork, pagemanager.NewBlock, ReadNormal)
		require.NoError(t, err)
		pinned = append(pinned, buf)
	}
	_, err := m.ReadBufferExtended(testRel, smgr.MainFork, pagemanager.NewBlock, ReadNormal)
	require.ErrorIs(t, err, ErrNoUnpinnedBuffers)
	for _, b := range pinned {
		m.ReleaseBuffer(b)
	}
}

func TestCleanupLockWaitsForPins(t *testing.T) {
	m, _, _ := setupPool(t, 16)
	newPage(t, m, 1)

	mine, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)
	other, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)
	require.False(t, m.ConditionalLockBufferForCleanup(mine))

	var released atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		released.Store(true)
		m.ReleaseBuffer(other)
	}()
	require.NoError(t, m.LockBufferForCleanup(mine))
	require.True(t, released.Load())
	require.True(t, m.IsBufferCleanupOK(mine))
	m.UnlockReleaseBuffer(mine)
}

func TestContentLockModes(t *testing.T) {
	m, _, _ := setupPool(t, 16)
	newPage(t, m, 1)
	buf, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)

	m.LockBuffer(buf, LockShare)
	m.LockBuffer(buf, LockShare)
	require.False(t, m.ConditionalLockBuffer(buf))
	require.Panics(t, func() { m.MarkBufferDirty(buf) })
	m.LockBuffer(buf, LockUnlock)
	m.LockBuffer(buf, LockUnlock)

	require.True(t, m.ConditionalLockBuffer(buf))
	m.MarkBufferDirty(buf)
	require.True(t, m.IsDirty(buf))
	m.UnlockReleaseBuffer(buf)
}

func TestBufferSyncWritesDirtyBuffers(t *testing.T) {
	m, st, wal := setupPool(t, 32)
	for i := 0; i < 10; i++ {
		newPage(t, m, pagemanager.LSN(100+i))
	}
	before := st.writes.Load()
	n, err := m.BufferSync(context.Background(), rate.NewLimiter(rate.Inf, pagemanager.PageSize))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, before+10, st.writes.Load())
	require.Equal(t, pagemanager.LSN(109), wal.flushed())
	require.False(t, st.violation.Load())

	buf, err := m.ReadBuffer(testRel, smgr.MainFork, 3)
	require.NoError(t, err)
	require.False(t, m.IsDirty(buf))
	m.ReleaseBuffer(buf)

	n, err = m.BufferSync(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestJustDirtiedSurvivesFlush(t *testing.T) {
	m, _, _ := setupPool(t, 16)
	newPage(t, m, 1)
	buf, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)

	d := m.desc(buf)
	m.LockBuffer(buf, LockShare)
	require.True(t, m.startBufferIO(d, false))
	state := d.lockHeader()
	d.unlockHeader(state &^ bmJustDirtied)
	// a hint-bit change lands while the write is in flight
	require.NoError(t, m.MarkBufferDirtyHint(buf))
	m.terminateBufferIO(d, true, 0)
	m.LockBuffer(buf, LockUnlock)

	require.True(t, m.IsDirty(buf))
	m.ReleaseBuffer(buf)
}

func TestDropRelationBuffers(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	for i := 0; i < 4; i++ {
		newPage(t, m, 1)
	}
	writes := st.writes.Load()
	require.NoError(t, m.DropRelationBuffers(testRel))
	require.Equal(t, writes, st.writes.Load())
	require.Equal(t, 16, m.strategy.freeListLen())

	buf, err := m.ReadBuffer(testRel, smgr.MainFork, 0)
	require.NoError(t, err)
	err = m.DropDatabaseBuffers(testRel.DbOid)
	require.ErrorIs(t, err, ErrBufferPinned)
	m.ReleaseBuffer(buf)
	require.NoError(t, m.DropDatabaseBuffers(testRel.DbOid))
}

func TestBackgroundWriterCleansColdBuffers(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	for i := 0; i < 8; i++ {
		newPage(t, m, pagemanager.LSN(10+i))
	}
	// age every buffer so it counts as not recently used
	for _, d := range m.descs {
		state := d.lockHeader()
		d.unlockHeader(state &^ usageMask)
	}
	before := st.writes.Load()
	written := 0
	for i := 0; i < 16 && written < 8; i++ {
		m.strategy.numAllocs.Add(16)
		written += m.BgBufferSync(100)
	}
	require.Equal(t, 8, written)
	require.Equal(t, before+8, st.writes.Load())

	m.StartBackgroundWriter(5*time.Millisecond, 10)
	time.Sleep(20 * time.Millisecond)
	m.StopBackgroundWriter()
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	m, st, _ := setupPool(t, 16)
	for i := 0; i < 32; i++ {
		newPage(t, m, 1)
	}
	var lsn atomic.Uint64
	lsn.Store(100)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				blk := pagemanager.BlockNumber((w*7 + i) % 32)
				buf, err := m.ReadBuffer(testRel, smgr.MainFork, blk)
				if err != nil {
					if errors.Is(err, ErrNoUnpinnedBuffers) {
						continue
					}
					return err
				}
				m.LockBuffer(buf, LockExclusive)
				m.Page(buf).SetLSN(pagemanager.LSN(lsn.Add(1)))
				m.MarkBufferDirty(buf)
				m.UnlockReleaseBuffer(buf)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.False(t, st.violation.Load())
}
