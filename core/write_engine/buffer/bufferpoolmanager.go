// Package buffer implements the shared buffer pool: a fixed array of page
// frames, a partitioned tag table, pin counts packed with usage counts and
// flags into an atomic state word, clock-sweep replacement, and write-back
// that never lets a page reach disk ahead of the WAL describing it.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojocore/internal/telemetry"
)

// Buffer is a 1-based handle to a frame. The zero value is invalid.
type Buffer int

const InvalidBuffer Buffer = 0

// ReadMode controls how ReadBufferExtended treats the page contents.
type ReadMode int

const (
	// ReadNormal reads the page from disk, failing on a corrupt page.
	ReadNormal ReadMode = iota
	// ReadZeroAndLock skips the read, zero-fills the page and returns it
	// exclusively locked.
	ReadZeroAndLock
	// ReadZeroAndCleanupLock is like ReadZeroAndLock for callers that
	// need a cleanup lock.
	ReadZeroAndCleanupLock
	// ReadZeroOnError zero-fills a page that fails verification.
	ReadZeroOnError
)

var (
	ErrInvalidPage     = errors.New("invalid page")
	ErrBufferPinned    = errors.New("buffer is pinned")
	ErrMultipleWaiters = errors.New("multiple waiters for buffer pin count")
	ErrDataBeyondEOF   = errors.New("unexpected data beyond EOF")
	ErrBufferIOError   = errors.New("buffer I/O error")
)

// Storage is the block device beneath the pool.
type Storage interface {
	Read(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, buf []byte) error
	Write(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, buf []byte) error
	Extend(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, buf []byte) error
	NBlocks(rel smgr.RelFileLocator, fork smgr.ForkNumber) (pagemanager.BlockNumber, error)
	Create(rel smgr.RelFileLocator, fork smgr.ForkNumber) error
	Exists(rel smgr.RelFileLocator, fork smgr.ForkNumber) bool
}

// WALFlusher makes WAL durable up to an LSN.
type WALFlusher interface {
	Flush(lsn pagemanager.LSN) error
}

// HintLogger WAL-logs a full-page image before a hint-bit change dirties
// a page, and returns the LSN to stamp, or InvalidLSN when no record was
// needed.
type HintLogger func(buf Buffer) (pagemanager.LSN, error)

// Options configures the pool.
type Options struct {
	NBuffers      int
	DataChecksums bool
	Metrics       *internaltelemetry.EngineMetrics
}

// Manager is the buffer pool.
type Manager struct {
	logger   *zap.Logger
	storage  Storage
	wal      WALFlusher
	hintLog  HintLogger
	metrics  *internaltelemetry.EngineMetrics
	checksum bool

	descs    []*descriptor
	pages    []byte
	table    *bufTable
	strategy *strategy

	extLocks sync.Map // BufferTag with Block 0 -> *sync.Mutex

	bgw bgWriterState
}

// New allocates opts.NBuffers frames over storage.
func New(storage Storage, opts Options, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NBuffers < 16 {
		opts.NBuffers = 16
	}
	if opts.Metrics == nil {
		opts.Metrics = internaltelemetry.NoopEngineMetrics()
	}
	m := &Manager{
		logger:   logger.Named("buffer_pool"),
		storage:  storage,
		metrics:  opts.Metrics,
		checksum: opts.DataChecksums,
		descs:    make([]*descriptor, opts.NBuffers),
		pages:    make([]byte, opts.NBuffers*pagemanager.PageSize),
		table:    newBufTable(opts.NBuffers),
	}
	for i := range m.descs {
		m.descs[i] = newDescriptor(i)
	}
	m.strategy = newStrategy(m.descs)
	m.logger.Info("buffer pool initialized", zap.Int("buffers", opts.NBuffers))
	return m
}

// SetWALFlusher installs the WAL used to honor the write-ahead rule.
func (m *Manager) SetWALFlusher(w WALFlusher) { m.wal = w }

// SetHintLogger installs the hook used by MarkBufferDirtyHint.
func (m *Manager) SetHintLogger(h HintLogger) { m.hintLog = h }

// NBuffers returns the number of frames.
func (m *Manager) NBuffers() int { return len(m.descs) }

func (m *Manager) desc(buf Buffer) *descriptor {
	if buf <= InvalidBuffer || int(buf) > len(m.descs) {
		panic(fmt.Sprintf("bad buffer id: %d", buf))
	}
	return m.descs[buf-1]
}

func (m *Manager) pageOf(d *descriptor) pagemanager.Page {
	off := d.id * pagemanager.PageSize
	return pagemanager.Page(m.pages[off : off+pagemanager.PageSize : off+pagemanager.PageSize])
}

func bufferOf(d *descriptor) Buffer { return Buffer(d.id + 1) }

// Page returns the page held in buf. The caller must hold a pin.
func (m *Manager) Page(buf Buffer) pagemanager.Page { return m.pageOf(m.desc(buf)) }

// Tag returns the page identity of a pinned buffer.
func (m *Manager) Tag(buf Buffer) BufferTag { return m.desc(buf).tag }

// BlockNumber returns the block held by a pinned buffer.
func (m *Manager) BlockNumber(buf Buffer) pagemanager.BlockNumber { return m.desc(buf).tag.Block }

// PageLSN reads the page LSN under the header lock, for callers that hold
// only a share lock while hint-bit writers may be stamping it.
func (m *Manager) PageLSN(buf Buffer) pagemanager.LSN {
	d := m.desc(buf)
	state := d.lockHeader()
	lsn := m.pageOf(d).LSN()
	d.unlockHeader(state)
	return lsn
}

// IsDirty reports whether buf has unwritten changes.
func (m *Manager) IsDirty(buf Buffer) bool { return m.desc(buf).state.Load()&bmDirty != 0 }

// PinCount returns the shared pin count of buf.
func (m *Manager) PinCount(buf Buffer) int { return int(refCount(m.desc(buf).state.Load())) }

// --- Reading ---

// ReadBuffer returns the pinned buffer holding (rel, fork, blk).
func (m *Manager) ReadBuffer(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber) (Buffer, error) {
	return m.ReadBufferExtended(rel, fork, blk, ReadNormal)
}

// ReadBufferExtended returns the pinned buffer holding (rel, fork, blk).
// With blk == pagemanager.NewBlock the fork is extended by one zeroed
// block.
func (m *Manager) ReadBufferExtended(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, mode ReadMode) (Buffer, error) {
	if blk == pagemanager.NewBlock {
		return m.extend(rel, fork, mode)
	}
	return m.readBuffer(BufferTag{Rel: rel, Fork: fork, Block: blk}, mode, false)
}

func (m *Manager) readBuffer(tag BufferTag, mode ReadMode, isExtend bool) (Buffer, error) {
	d, found, err := m.bufferAlloc(tag)
	if err != nil {
		return InvalidBuffer, err
	}
	buf := bufferOf(d)
	page := m.pageOf(d)

	if found {
		m.metrics.BufferHitsCounter.Add(context.Background(), 1)
		if isExtend && !page.IsNew() {
			m.ReleaseBuffer(buf)
			return InvalidBuffer, fmt.Errorf("block %d of %s: %w", tag.Block, tag.Rel, ErrDataBeyondEOF)
		}
		switch mode {
		case ReadZeroAndLock:
			m.LockBuffer(buf, LockExclusive)
		case ReadZeroAndCleanupLock:
			if err := m.LockBufferForCleanup(buf); err != nil {
				m.ReleaseBuffer(buf)
				return InvalidBuffer, err
			}
		}
		return buf, nil
	}

	// We own the I/O on this buffer.
	m.metrics.BufferMissesCounter.Add(context.Background(), 1)
	if isExtend || mode == ReadZeroAndLock || mode == ReadZeroAndCleanupLock {
		clear(page)
	} else {
		err := m.storage.Read(tag.Rel, tag.Fork, tag.Block, page)
		if err == nil && !page.IsVerified(tag.Block, m.checksum) {
			if mode == ReadZeroOnError {
				m.logger.Warn("invalid page, zeroing out page",
					zap.Stringer("tag", tag))
				clear(page)
			} else {
				err = fmt.Errorf("block %d of relation %s: %w", tag.Block, tag.Rel, ErrInvalidPage)
			}
		}
		if err != nil {
			m.failRead(d)
			return InvalidBuffer, err
		}
	}

	if mode == ReadZeroAndLock || mode == ReadZeroAndCleanupLock {
		// Lock before anyone else can see the zeroed page as valid.
		d.content.lock(LockExclusive)
	}
	m.terminateBufferIO(d, false, bmValid)
	return buf, nil
}

// bufferAlloc finds or creates the frame for tag and returns it pinned.
// When found is false the caller owns I/O-in-progress and must fill the
// page and terminate the I/O.
func (m *Manager) bufferAlloc(tag BufferTag) (*descriptor, bool, error) {
	part := m.table.partition(tag)
	part.mu.RLock()
	if id, ok := part.lookup(tag); ok {
		d := m.descs[id]
		valid := d.pin()
		part.mu.RUnlock()
		return d, m.completePin(d, valid), nil
	}
	part.mu.RUnlock()

	for {
		d, state, err := m.strategy.getVictim()
		if err != nil {
			return nil, false, err
		}
		d.pinLocked(state)

		if state&bmDirty != 0 {
			// Write out the old page. If someone holds it exclusively
			// pick another victim rather than waiting.
			if !d.content.tryLock(LockShare) {
				m.unpinAndMaybeFree(d)
				continue
			}
			err := m.flushBuffer(d)
			d.content.unlock()
			if err != nil {
				m.unpinAndMaybeFree(d)
				return nil, false, err
			}
		}

		state = d.lockHeader()
		oldTag := d.tag
		oldValid := state&bmTagValid != 0
		d.unlockHeader(state)

		var unlock func()
		if oldValid {
			unlock = m.table.lockPair(tag, oldTag)
		} else {
			part.mu.Lock()
			unlock = part.mu.Unlock
		}

		if id, ok := part.lookup(tag); ok {
			// Somebody else loaded the page meanwhile.
			unlock()
			m.unpinAndMaybeFree(d)
			other := m.descs[id]
			valid := other.pin()
			return other, m.completePin(other, valid), nil
		}

		state = d.lockHeader()
		if refCount(state) != 1 || state&bmDirty != 0 || d.tag != oldTag {
			d.unlockHeader(state)
			unlock()
			m.unpinAndMaybeFree(d)
			continue
		}
		if oldValid {
			if id, ok := m.table.partition(oldTag).lookup(oldTag); ok && id == d.id {
				delete(m.table.partition(oldTag).m, oldTag)
			}
			m.metrics.BufferEvictionsCounter.Add(context.Background(), 1)
		}
		part.m[tag] = d.id
		d.tag = tag
		state &^= bmValid | bmDirty | bmJustDirtied | bmCheckpointNeeded | bmIOError | bmPermanent | usageMask
		state |= bmTagValid | bmPermanent | usageOne
		d.unlockHeader(state)
		unlock()

		if m.startBufferIO(d, true) {
			return d, false, nil
		}
		return d, true, nil
	}
}

// completePin finishes a lookup hit. A buffer that was not yet valid is
// either being read by someone else (wait for it) or was left behind by a
// failed read (take over the I/O).
func (m *Manager) completePin(d *descriptor, valid bool) bool {
	if valid {
		return true
	}
	return !m.startBufferIO(d, true)
}

func (m *Manager) failRead(d *descriptor) {
	state := d.lockHeader()
	state &^= bmIOInProgress
	state |= bmIOError
	d.unlockHeader(state)
	m.wakeIOWaiters(d)

	if d.unpin() == 0 {
		m.invalidateIfUnused(d)
	}
}

// invalidateIfUnused drops the tag of an unpinned, invalid buffer so the
// next reader starts fresh.
func (m *Manager) invalidateIfUnused(d *descriptor) {
	state := d.lockHeader()
	tag := d.tag
	d.unlockHeader(state)
	part := m.table.partition(tag)
	part.mu.Lock()
	defer part.mu.Unlock()
	state = d.lockHeader()
	if d.tag != tag || refCount(state) != 0 || state&bmValid != 0 || state&bmTagValid == 0 {
		d.unlockHeader(state)
		return
	}
	if id, ok := part.lookup(tag); ok && id == d.id {
		delete(part.m, tag)
	}
	d.tag = BufferTag{}
	state &^= bmTagValid | usageMask
	d.unlockHeader(state)
	m.strategy.freeBuffer(d)
}

// --- I/O in progress ---

// startBufferIO claims the I/O on d. forInput asks to read a page that is
// not yet valid; otherwise to write a dirty one. It returns false if the
// work turned out to be done already.
func (m *Manager) startBufferIO(d *descriptor, forInput bool) bool {
	var state uint32
	for {
		state = d.lockHeader()
		if state&bmIOInProgress == 0 {
			break
		}
		d.unlockHeader(state)
		m.waitIO(d)
	}
	if forInput {
		if state&bmValid != 0 {
			d.unlockHeader(state)
			return false
		}
	} else if state&bmDirty == 0 {
		d.unlockHeader(state)
		return false
	}
	d.unlockHeader(state | bmIOInProgress)
	return true
}

func (m *Manager) waitIO(d *descriptor) {
	d.ioMu.Lock()
	for d.state.Load()&bmIOInProgress != 0 {
		d.ioCond.Wait()
	}
	d.ioMu.Unlock()
}

func (m *Manager) wakeIOWaiters(d *descriptor) {
	d.ioMu.Lock()
	d.ioCond.Broadcast()
	d.ioMu.Unlock()
}

// terminateBufferIO ends the I/O on d and sets setFlags. When clearDirty is
// set the dirty bit is cleared unless the page was re-dirtied meanwhile.
func (m *Manager) terminateBufferIO(d *descriptor, clearDirty bool, setFlags uint32) {
	state := d.lockHeader()
	state &^= bmIOInProgress | bmIOError
	if clearDirty && state&bmJustDirtied == 0 {
		state &^= bmDirty | bmCheckpointNeeded
	}
	state |= setFlags
	d.unlockHeader(state)
	m.wakeIOWaiters(d)
}

// AbortBufferIO releases an I/O claim abandoned by an interrupted caller,
// flagging the buffer so the next reader or writer retries.
func (m *Manager) AbortBufferIO(buf Buffer) {
	d := m.desc(buf)
	state := d.lockHeader()
	if state&bmIOInProgress == 0 {
		d.unlockHeader(state)
		return
	}
	state &^= bmIOInProgress
	state |= bmIOError
	d.unlockHeader(state)
	m.wakeIOWaiters(d)
	m.logger.Warn("aborted buffer I/O", zap.Stringer("tag", d.tag))
}

// --- Extension ---

func (m *Manager) extensionLock(rel smgr.RelFileLocator, fork smgr.ForkNumber) *sync.Mutex {
	key := BufferTag{Rel: rel, Fork: fork}
	mu, _ := m.extLocks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (m *Manager) extend(rel smgr.RelFileLocator, fork smgr.ForkNumber, mode ReadMode) (Buffer, error) {
	mu := m.extensionLock(rel, fork)
	mu.Lock()
	defer mu.Unlock()

	nblocks, err := m.storage.NBlocks(rel, fork)
	if err != nil {
		return InvalidBuffer, fmt.Errorf("failed to extend relation %s: %w", rel, err)
	}
	if nblocks == pagemanager.InvalidBlockNumber {
		return InvalidBuffer, fmt.Errorf("cannot extend relation %s beyond %d blocks", rel, nblocks)
	}
	zero := make([]byte, pagemanager.PageSize)
	if err := m.storage.Extend(rel, fork, nblocks, zero); err != nil {
		return InvalidBuffer, fmt.Errorf("failed to extend relation %s: %w", rel, err)
	}
	return m.readBuffer(BufferTag{Rel: rel, Fork: fork, Block: nblocks}, mode, true)
}

// NBlocks returns the current size of a relation fork.
func (m *Manager) NBlocks(rel smgr.RelFileLocator, fork smgr.ForkNumber) (pagemanager.BlockNumber, error) {
	return m.storage.NBlocks(rel, fork)
}

// CreateFork creates a relation fork if it does not exist yet.
func (m *Manager) CreateFork(rel smgr.RelFileLocator, fork smgr.ForkNumber) error {
	if m.storage.Exists(rel, fork) {
		return nil
	}
	return m.storage.Create(rel, fork)
}

// --- Pins and locks ---

// ReleaseBuffer drops a pin. A buffer whose last pin goes away becomes a
// free-list candidate while keeping its contents.
func (m *Manager) ReleaseBuffer(buf Buffer) {
	m.unpinAndMaybeFree(m.desc(buf))
}

func (m *Manager) unpinAndMaybeFree(d *descriptor) {
	if d.unpin() == 0 {
		m.strategy.freeBuffer(d)
	}
}

// IncrBufferRefCount adds a pin to an already pinned buffer.
func (m *Manager) IncrBufferRefCount(buf Buffer) {
	d := m.desc(buf)
	if refCount(d.state.Load()) == 0 {
		panic(fmt.Sprintf("buffer %d is not pinned", buf))
	}
	d.pin()
}

// LockBuffer acquires or releases the content lock of a pinned buffer.
func (m *Manager) LockBuffer(buf Buffer, mode LockMode) {
	d := m.desc(buf)
	if mode == LockUnlock {
		d.content.unlock()
		return
	}
	d.content.lock(mode)
}

// ConditionalLockBuffer takes the exclusive content lock if it is free.
func (m *Manager) ConditionalLockBuffer(buf Buffer) bool {
	return m.desc(buf).content.tryLock(LockExclusive)
}

// UnlockReleaseBuffer unlocks and unpins buf.
func (m *Manager) UnlockReleaseBuffer(buf Buffer) {
	m.desc(buf).content.unlock()
	m.ReleaseBuffer(buf)
}

// LockBufferForCleanup takes the exclusive lock and waits until the
// caller's pin is the only one.
func (m *Manager) LockBufferForCleanup(buf Buffer) error {
	d := m.desc(buf)
	for {
		d.content.lock(LockExclusive)
		state := d.lockHeader()
		if refCount(state) == 1 {
			d.unlockHeader(state)
			return nil
		}
		if state&bmPinCountWaiter != 0 {
			d.unlockHeader(state)
			d.content.unlock()
			return fmt.Errorf("buffer %d: %w", buf, ErrMultipleWaiters)
		}
		d.pinMu.Lock()
		d.pinSignaled = false
		d.pinMu.Unlock()
		d.unlockHeader(state | bmPinCountWaiter)
		d.content.unlock()

		d.pinMu.Lock()
		for !d.pinSignaled {
			d.pinCond.Wait()
		}
		d.pinSignaled = false
		d.pinMu.Unlock()
	}
}

// ConditionalLockBufferForCleanup takes a cleanup lock only if it is
// available right away.
func (m *Manager) ConditionalLockBufferForCleanup(buf Buffer) bool {
	d := m.desc(buf)
	if !d.content.tryLock(LockExclusive) {
		return false
	}
	if refCount(d.state.Load()) == 1 {
		return true
	}
	d.content.unlock()
	return false
}

// IsBufferCleanupOK reports whether the caller, holding the exclusive
// lock, is the only pinner.
func (m *Manager) IsBufferCleanupOK(buf Buffer) bool {
	d := m.desc(buf)
	return d.content.heldExclusive() && refCount(d.state.Load()) == 1
}

// --- Dirtying ---

// MarkBufferDirty flags a buffer changed under its exclusive lock.
func (m *Manager) MarkBufferDirty(buf Buffer) {
	d := m.desc(buf)
	if !d.content.heldExclusive() {
		panic(fmt.Sprintf("buffer %d dirtied without exclusive lock", buf))
	}
	d.setFlags(bmDirty | bmJustDirtied)
}

// MarkBufferDirtyHint flags a buffer whose change need not be WAL-logged
// (a hint), called with at least a share lock. With checksums enabled the
// first such change after a checkpoint is WAL-logged as a full-page
// image so a torn write cannot corrupt the checksum.
func (m *Manager) MarkBufferDirtyHint(buf Buffer) error {
	d := m.desc(buf)
	state := d.state.Load()
	if state&(bmDirty|bmJustDirtied) == bmDirty|bmJustDirtied {
		return nil
	}
	if m.checksum && m.hintLog != nil && state&bmPermanent != 0 {
		lsn, err := m.hintLog(buf)
		if err != nil {
			return err
		}
		if lsn != pagemanager.InvalidLSN {
			state = d.lockHeader()
			m.pageOf(d).SetLSN(lsn)
			d.unlockHeader(state | bmDirty | bmJustDirtied)
			return nil
		}
	}
	d.setFlags(bmDirty | bmJustDirtied)
	return nil
}

// --- Writing ---

// flushBuffer writes d to disk after flushing WAL up to its page LSN. The
// caller holds a pin and at least a share content lock.
func (m *Manager) flushBuffer(d *descriptor) error {
	if !m.startBufferIO(d, false) {
		return nil
	}
	state := d.lockHeader()
	state &^= bmJustDirtied
	tag := d.tag
	permanent := state&bmPermanent != 0
	page := m.pageOf(d)
	lsn := page.LSN()
	d.unlockHeader(state)

	if m.wal != nil && permanent && lsn != pagemanager.InvalidLSN {
		if err := m.wal.Flush(lsn); err != nil {
			m.abortWrite(d, tag, err)
			return fmt.Errorf("failed to flush WAL for block %s: %w", tag, err)
		}
	}

	out := pagemanager.GetTempPageCopy(page)
	if m.checksum && !out.IsNew() {
		out.SetChecksum(tag.Block)
	}
	if err := m.storage.Write(tag.Rel, tag.Fork, tag.Block, out); err != nil {
		m.abortWrite(d, tag, err)
		return fmt.Errorf("could not write block %s: %w", tag, errors.Join(ErrBufferIOError, err))
	}
	m.metrics.BufferWritesCounter.Add(context.Background(), 1)
	m.terminateBufferIO(d, true, 0)
	return nil
}

func (m *Manager) abortWrite(d *descriptor, tag BufferTag, err error) {
	m.logger.Warn("could not write block", zap.Stringer("tag", tag), zap.Error(err))
	state := d.lockHeader()
	state &^= bmIOInProgress
	state |= bmIOError
	d.unlockHeader(state)
	m.wakeIOWaiters(d)
}

// FlushOneBuffer writes buf if dirty. The caller holds a pin and a
// content lock.
func (m *Manager) FlushOneBuffer(buf Buffer) error {
	return m.flushBuffer(m.desc(buf))
}

// FlushRelationBuffers writes every dirty buffer of rel.
func (m *Manager) FlushRelationBuffers(rel smgr.RelFileLocator) error {
	for _, d := range m.descs {
		if d.state.Load()&(bmTagValid|bmDirty) != bmTagValid|bmDirty {
			continue
		}
		state := d.lockHeader()
		if d.tag.Rel != rel || state&(bmValid|bmDirty) != bmValid|bmDirty {
			d.unlockHeader(state)
			continue
		}
		d.pinLocked(state)
		d.content.lock(LockShare)
		err := m.flushBuffer(d)
		d.content.unlock()
		m.unpinAndMaybeFree(d)
		if err != nil {
			return err
		}
	}
	return nil
}

// --- Dropping ---

// DropRelationBuffers discards every buffer of rel without writing it.
// The relation's files are about to be removed.
func (m *Manager) DropRelationBuffers(rel smgr.RelFileLocator) error {
	return m.dropBuffers(func(t BufferTag) bool { return t.Rel == rel })
}

// DropDatabaseBuffers discards every buffer of database db.
func (m *Manager) DropDatabaseBuffers(db uint32) error {
	return m.dropBuffers(func(t BufferTag) bool { return t.Rel.DbOid == db })
}

func (m *Manager) dropBuffers(match func(BufferTag) bool) error {
	for _, d := range m.descs {
		for {
			state := d.lockHeader()
			if state&bmTagValid == 0 || !match(d.tag) {
				d.unlockHeader(state)
				break
			}
			if state&bmIOInProgress != 0 {
				d.unlockHeader(state)
				m.waitIO(d)
				continue
			}
			if refCount(state) != 0 {
				tag := d.tag
				d.unlockHeader(state)
				return fmt.Errorf("cannot drop %s: %w", tag, ErrBufferPinned)
			}
			tag := d.tag
			d.unlockHeader(state)
			if m.invalidate(d, tag) {
				break
			}
		}
	}
	return nil
}

// invalidate removes tag's mapping and clears d, unless d changed
// identity or was pinned in the meantime.
func (m *Manager) invalidate(d *descriptor, tag BufferTag) bool {
	part := m.table.partition(tag)
	part.mu.Lock()
	state := d.lockHeader()
	if d.tag != tag || state&bmTagValid == 0 {
		d.unlockHeader(state)
		part.mu.Unlock()
		return true
	}
	if refCount(state) != 0 || state&bmIOInProgress != 0 {
		d.unlockHeader(state)
		part.mu.Unlock()
		return false
	}
	if id, ok := part.lookup(tag); ok && id == d.id {
		delete(part.m, tag)
	}
	d.tag = BufferTag{}
	d.unlockHeader(state &^ (invalidateMask | usageMask))
	part.mu.Unlock()
	m.strategy.freeBuffer(d)
	return true
}

const invalidateMask = bmDirty | bmValid | bmTagValid | bmIOError | bmJustDirtied |
	bmCheckpointNeeded | bmPermanent | bmPinCountWaiter

// --- Checkpoint support ---

// BufferSync writes every buffer that was dirty when the call started,
// pacing writes with limiter when it is not nil. It returns the number of
// buffers written.
func (m *Manager) BufferSync(ctx context.Context, limiter *rate.Limiter) (int, error) {
	type dirtyBuf struct {
		id  int
		tag BufferTag
	}
	var dirty []dirtyBuf
	for _, d := range m.descs {
		state := d.lockHeader()
		if state&(bmDirty|bmPermanent) == bmDirty|bmPermanent {
			state |= bmCheckpointNeeded
			dirty = append(dirty, dirtyBuf{id: d.id, tag: d.tag})
		}
		d.unlockHeader(state)
	}
	// write in file order
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].tag.less(dirty[j].tag) })

	written := 0
	for _, db := range dirty {
		d := m.descs[db.id]
		if d.state.Load()&bmCheckpointNeeded == 0 {
			continue
		}
		if limiter != nil {
			if err := limiter.WaitN(ctx, pagemanager.PageSize); err != nil {
				return written, fmt.Errorf("checkpoint write throttling interrupted: %w", err)
			}
		} else if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := m.syncOneBuffer(d, false)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	m.logger.Debug("buffer sync complete", zap.Int("dirty", len(dirty)), zap.Int("written", written))
	return written, nil
}

// syncOneBuffer writes d if it is valid and dirty. With skipRecentlyUsed
// set, pinned or recently used buffers are left alone.
func (m *Manager) syncOneBuffer(d *descriptor, skipRecentlyUsed bool) (bool, error) {
	state := d.lockHeader()
	if skipRecentlyUsed && (refCount(state) != 0 || usageCount(state) != 0) {
		d.unlockHeader(state)
		return false, nil
	}
	if state&(bmValid|bmDirty) != bmValid|bmDirty {
		d.unlockHeader(state)
		return false, nil
	}
	d.pinLocked(state)
	d.content.lock(LockShare)
	err := m.flushBuffer(d)
	d.content.unlock()
	m.unpinAndMaybeFree(d)
	return err == nil, err
}
