// Package wal implements the write-ahead log: record construction,
// concurrent insertion into a ring of WAL pages, group flushing to
// segment files, reading and decoding, checkpoints and crash recovery.
package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	internaltelemetry "github.com/sushant-115/gojocore/internal/telemetry"
)

// --- Write-Ahead Logging (WAL) Configuration ---

const (
	numInsertSlots  = 8
	minWALBuffers   = 16
	DefaultTimeLine = TimeLineID(1)
	firstSegNo      = SegNo(1)
)

var ErrInRecovery = errors.New("WAL insertion is not allowed during recovery")

// Config configures the log manager.
type Config struct {
	// Dir holds the segment files (<data>/pg_wal).
	Dir         string
	SegmentSize int
	// WALBuffers is the number of pages in the insertion ring.
	WALBuffers     int
	Timeline       TimeLineID
	FullPageWrites bool
	Compression    bool
	// ConsistencyChecking lists rmgrs whose records carry images that
	// recovery compares against replayed pages.
	ConsistencyChecking []RmgrID
	ArchiveDir          string
	// ArchiveRate limits archive copies in bytes per second; 0 is
	// unthrottled.
	ArchiveRate int64
	// CheckpointRate limits checkpoint buffer writes in bytes per second;
	// 0 is unthrottled.
	CheckpointRate float64
}

// Deps are the components the log manager drives during checkpoints and
// recovery.
type Deps struct {
	Buffers *buffer.Manager
	Storage *smgr.Manager
	Txns    *transaction.Manager
	Control *ControlFile
	Rmgrs   RmgrTable
	Metrics *internaltelemetry.EngineMetrics
	Tracer  trace.Tracer
	// Conflicts is told about snapshot conflict horizons during redo.
	Conflicts ConflictResolver
}

type insertSlot struct {
	inUse       bool
	insertingAt LSN
}

// LogManager owns the WAL stream.
type LogManager struct {
	cfg       Config
	logger    *zap.Logger
	buffers   *buffer.Manager
	storage   *smgr.Manager
	txns      *transaction.Manager
	control   *ControlFile
	rmgrs     RmgrTable
	metrics   *internaltelemetry.EngineMetrics
	tracer    trace.Tracer
	conflicts ConflictResolver
	checkRmgr [256]bool
	startupID uint32

	// insertion position, guarded by insertMu
	insertMu   sync.Mutex
	curPos     LSN
	prevStart  LSN
	redoRecPtr LSN
	started    bool
	redo       atomic.Uint64

	slotMu   sync.Mutex
	slotCond *sync.Cond
	slots    [numInsertSlots]insertSlot
	nextSlot int

	// page ring
	ringMu          sync.Mutex
	ring            []byte
	xlblocks        []atomic.Uint64 // end LSN of the page held in each ring slot
	initializedUpto LSN

	// writer state, guarded by writeMu
	writeMu      sync.Mutex
	segFile      *os.File
	segFileNo    SegNo
	writtenUpto  atomic.Uint64
	flushedUpto  atomic.Uint64
	flushRequest atomic.Uint64

	inRecovery atomic.Bool

	ckptMu       sync.Mutex
	lastCkpt     LSN
	lastCkptRedo LSN

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLogManager creates a log manager over cfg.Dir. The insertion position
// is established later by Bootstrap or by recovery.
func NewLogManager(cfg Config, deps Deps, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if !IsValidSegmentSize(cfg.SegmentSize) {
		return nil, fmt.Errorf("invalid WAL segment size %d: must be a power of two between %d and %d", cfg.SegmentSize, MinSegmentSize, MaxSegmentSize)
	}
	if cfg.WALBuffers < minWALBuffers {
		cfg.WALBuffers = minWALBuffers
	}
	if cfg.Timeline == 0 {
		cfg.Timeline = DefaultTimeLine
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", cfg.Dir, err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create archive directory %s: %w", cfg.ArchiveDir, err)
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = internaltelemetry.NoopEngineMetrics()
	}
	if deps.Rmgrs.entries == nil {
		deps.Rmgrs = NewRmgrTable()
	}
	if deps.Conflicts == nil {
		deps.Conflicts = func(transaction.TransactionID, smgr.RelFileLocator) {}
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	lm := &LogManager{
		cfg:       cfg,
		logger:    logger.Named("wal"),
		buffers:   deps.Buffers,
		storage:   deps.Storage,
		txns:      deps.Txns,
		control:   deps.Control,
		rmgrs:     deps.Rmgrs,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		conflicts: deps.Conflicts,
		ring:      make([]byte, cfg.WALBuffers*BlockSize),
		xlblocks:  make([]atomic.Uint64, cfg.WALBuffers),
		stopChan:  make(chan struct{}),
	}
	lm.slotCond = sync.NewCond(&lm.slotMu)
	for _, id := range cfg.ConsistencyChecking {
		lm.checkRmgr[id] = true
	}
	lm.cleanTempFiles()
	if lm.buffers != nil {
		lm.buffers.SetWALFlusher(lm)
		lm.buffers.SetHintLogger(lm.LogHintFPI)
	}

	lm.logger.Info("LogManager initialized",
		zap.String("dir", cfg.Dir),
		zap.Int("segment_size", cfg.SegmentSize),
		zap.Int("wal_buffers", cfg.WALBuffers),
		zap.Bool("full_page_writes", cfg.FullPageWrites))
	return lm, nil
}

// SegmentSize returns the configured segment size.
func (lm *LogManager) SegmentSize() int { return lm.cfg.SegmentSize }

// Rmgrs returns the resource manager table.
func (lm *LogManager) Rmgrs() RmgrTable { return lm.rmgrs }

// Buffers returns the buffer pool the log manager logs pages of.
func (lm *LogManager) Buffers() *buffer.Manager { return lm.buffers }

func (lm *LogManager) systemID() uint64 {
	if lm.control == nil {
		return 0
	}
	return lm.control.SystemID
}

func (lm *LogManager) checksConsistency(rmgr RmgrID) bool { return lm.checkRmgr[rmgr] }

func (lm *LogManager) countFPI(n int) {
	if n > 0 {
		lm.metrics.WALFPICounter.Add(context.Background(), int64(n))
	}
}

// redoPointer returns the cached redo pointer and whether full-page
// writes are on.
func (lm *LogManager) redoPointer() (LSN, bool) {
	return LSN(lm.redo.Load()), lm.cfg.FullPageWrites
}

// RedoRecPtr returns the redo pointer of the latest checkpoint.
func (lm *LogManager) RedoRecPtr() LSN { return LSN(lm.redo.Load()) }

// InsertPos returns the position the next record will be reserved from.
func (lm *LogManager) InsertPos() LSN {
	lm.insertMu.Lock()
	defer lm.insertMu.Unlock()
	return lm.curPos
}

// FlushedUpTo returns the durable end of the WAL.
func (lm *LogManager) FlushedUpTo() LSN { return LSN(lm.flushedUpto.Load()) }

// InRecovery reports whether the log manager is replaying WAL.
func (lm *LogManager) InRecovery() bool { return lm.inRecovery.Load() }

// --- Start position ---

// startAt sets the insertion position to pos, the end of the valid WAL,
// with prevStart the start of the last valid record. The partial page
// holding pos is reloaded from disk into the ring.
func (lm *LogManager) startAt(pos, prevStart LSN) error {
	lm.writeMu.Lock()
	lm.writtenUpto.Store(uint64(pos))
	lm.flushedUpto.Store(uint64(pos))
	lm.flushRequest.Store(uint64(pos))
	var page []byte
	pageAddr := pageStart(pos)
	if pageOffset(pos) != 0 {
		page = make([]byte, BlockSize)
		f, err := lm.openSegmentForWrite(segNoOf(pageAddr, lm.cfg.SegmentSize))
		if err == nil {
			_, err = f.ReadAt(page, int64(segOffset(pageAddr, lm.cfg.SegmentSize)))
		}
		if err != nil {
			lm.writeMu.Unlock()
			return fmt.Errorf("failed to read WAL page at %s: %w", FormatLSN(pageAddr), err)
		}
		// bytes past pos belong to no record
		clear(page[pageOffset(pos):])
	}
	lm.writeMu.Unlock()

	lm.ringMu.Lock()
	for i := range lm.xlblocks {
		lm.xlblocks[i].Store(0)
	}
	lm.initializedUpto = pos
	if page != nil {
		idx := lm.ringIndex(pageAddr)
		copy(lm.ring[idx*BlockSize:(idx+1)*BlockSize], page)
		lm.xlblocks[idx].Store(uint64(pageAddr + BlockSize))
		lm.initializedUpto = pageAddr + BlockSize
	}
	lm.ringMu.Unlock()

	lm.insertMu.Lock()
	lm.curPos = pos
	lm.prevStart = prevStart
	lm.started = true
	lm.insertMu.Unlock()
	return nil
}

// --- Insertion ---

func (lm *LogManager) acquireSlot() int {
	lm.slotMu.Lock()
	defer lm.slotMu.Unlock()
	for {
		for i := 0; i < numInsertSlots; i++ {
			idx := (lm.nextSlot + i) % numInsertSlots
			if !lm.slots[idx].inUse {
				lm.slots[idx] = insertSlot{inUse: true}
				lm.nextSlot = (idx + 1) % numInsertSlots
				return idx
			}
		}
		lm.slotCond.Wait()
	}
}

func (lm *LogManager) setInsertingAt(slot int, pos LSN) {
	lm.slotMu.Lock()
	lm.slots[slot].insertingAt = pos
	lm.slotMu.Unlock()
	lm.slotCond.Broadcast()
}

func (lm *LogManager) releaseSlot(slot int) {
	lm.slotMu.Lock()
	lm.slots[slot] = insertSlot{}
	lm.slotMu.Unlock()
	lm.slotCond.Broadcast()
}

// waitInsertionsToFinish blocks until every insertion into bytes before
// upto has been copied into the ring, and returns upto capped at the
// reserved end of WAL.
func (lm *LogManager) waitInsertionsToFinish(upto LSN) LSN {
	lm.insertMu.Lock()
	reserved := lm.curPos
	lm.insertMu.Unlock()
	if upto > reserved {
		upto = reserved
	}
	lm.slotMu.Lock()
	defer lm.slotMu.Unlock()
	for {
		busy := false
		for i := range lm.slots {
			s := &lm.slots[i]
			if s.inUse && (s.insertingAt == InvalidLSN || s.insertingAt < upto) {
				busy = true
				break
			}
		}
		if !busy {
			return upto
		}
		lm.slotCond.Wait()
	}
}

// reserveLocked picks the byte range of a record of size bytes. A record
// header never straddles a page boundary and a record never straddles a
// segment boundary.
func (lm *LogManager) reserveLocked(size int) (start, end, prev LSN, err error) {
	segSize := lm.cfg.SegmentSize
	start = skipHeader(lm.curPos, segSize)
	if BlockSize-pageOffset(start) < SizeOfRecordHeader {
		start = skipHeader(pageStart(start)+BlockSize, segSize)
	}
	segEnd := segStart(segNoOf(start, segSize)+1, segSize)
	end = advance(start, size, segSize)
	if end > segEnd {
		start = skipHeader(segEnd, segSize)
		end = advance(start, size, segSize)
		if end > segStart(segNoOf(start, segSize)+1, segSize) {
			return 0, 0, 0, fmt.Errorf("%w: %d bytes do not fit in a segment", ErrRecordTooLarge, size)
		}
	}
	end = maxAlignLSN(end)
	prev = lm.prevStart
	lm.prevStart = start
	lm.curPos = end
	return start, end, prev, nil
}

// insertRecord reserves space for rec and copies it into the ring. It
// returns ok=false when the redo pointer moved past fpwLSN, so the caller
// must redo its full-page-image decisions.
func (lm *LogManager) insertRecord(rec []byte, fpwLSN LSN, rmgr RmgrID, info uint8) (LSN, LSN, bool, error) {
	if lm.inRecovery.Load() {
		return InvalidLSN, InvalidLSN, false, ErrInRecovery
	}
	isRedo := rmgr == RmgrXLOG && info&RmgrInfoMask == XLOGCheckpointRedo

	slot := lm.acquireSlot()
	defer lm.releaseSlot(slot)

	lm.insertMu.Lock()
	if !lm.started {
		lm.insertMu.Unlock()
		return InvalidLSN, InvalidLSN, false, errors.New("WAL insert position not initialized")
	}
	if fpwLSN != InvalidLSN && fpwLSN <= lm.redoRecPtr {
		lm.insertMu.Unlock()
		return InvalidLSN, InvalidLSN, false, nil
	}
	start, end, prev, err := lm.reserveLocked(len(rec))
	if err != nil {
		lm.insertMu.Unlock()
		return InvalidLSN, InvalidLSN, false, err
	}
	if isRedo {
		lm.redoRecPtr = start
		lm.redo.Store(uint64(start))
	}
	lm.insertMu.Unlock()
	lm.setInsertingAt(slot, start)

	hdr := decodeRecordHeader(rec)
	hdr.Prev = prev
	hdr.CRC = 0
	hdr.encode(rec)
	hdr.CRC = recordCRC(rec)
	hdr.encode(rec)

	if err := lm.copyRecord(slot, rec, start); err != nil {
		return InvalidLSN, InvalidLSN, false, err
	}
	lm.metrics.WALRecordsCounter.Add(context.Background(), 1, metric.WithAttributes(rmgrAttr(rmgr)))
	lm.metrics.WALBytesCounter.Add(context.Background(), int64(len(rec)))
	return start, end, true, nil
}

// copyRecord copies rec into the ring starting at start, continuing onto
// following pages as needed.
func (lm *LogManager) copyRecord(slot int, rec []byte, start LSN) error {
	pos := start
	page, err := lm.ringPage(slot, pos)
	if err != nil {
		return err
	}
	for len(rec) > 0 {
		if pageOffset(pos) == 0 {
			if page, err = lm.ringPage(slot, pos); err != nil {
				return err
			}
			markContinuation(page, len(rec))
			pos = skipHeader(pos, lm.cfg.SegmentSize)
		}
		off := pageOffset(pos)
		n := copy(page[off:], rec)
		rec = rec[n:]
		pos += LSN(n)
	}
	return nil
}

func (lm *LogManager) ringIndex(pageAddr LSN) int {
	return int(uint64(pageAddr)/BlockSize) % lm.cfg.WALBuffers
}

// ringPage returns the ring page holding pos, initializing it (and any
// pages before it) when it is not resident yet.
func (lm *LogManager) ringPage(slot int, pos LSN) ([]byte, error) {
	pageAddr := pageStart(pos)
	idx := lm.ringIndex(pageAddr)
	if LSN(lm.xlblocks[idx].Load()) != pageAddr+BlockSize {
		lm.setInsertingAt(slot, pos)
		if err := lm.advanceInsertBuffer(pageAddr + BlockSize); err != nil {
			return nil, err
		}
	}
	return lm.ring[idx*BlockSize : (idx+1)*BlockSize], nil
}

// advanceInsertBuffer initializes ring pages up to upto, writing out the
// pages they replace first.
func (lm *LogManager) advanceInsertBuffer(upto LSN) error {
	lm.ringMu.Lock()
	defer lm.ringMu.Unlock()
	for lm.initializedUpto < upto {
		newPage := lm.initializedUpto
		idx := lm.ringIndex(newPage)
		oldEnd := LSN(lm.xlblocks[idx].Load())
		if LSN(lm.writtenUpto.Load()) < oldEnd {
			lm.ringMu.Unlock()
			err := lm.writeUpTo(oldEnd, false)
			lm.ringMu.Lock()
			if err != nil {
				return err
			}
			continue
		}
		initPage(lm.ring[idx*BlockSize:(idx+1)*BlockSize], newPage, lm.cfg.Timeline, lm.systemID(), lm.cfg.SegmentSize)
		lm.xlblocks[idx].Store(uint64(newPage + BlockSize))
		lm.initializedUpto = newPage + BlockSize
	}
	return nil
}

// --- Writing and flushing ---

// Flush makes the WAL durable up to at least lsn. Concurrent callers
// coalesce: whoever holds the writer lock flushes up to the highest
// request it sees. During recovery Flush does nothing.
func (lm *LogManager) Flush(lsn LSN) error {
	if lm.inRecovery.Load() {
		return nil
	}
	if lsn <= lm.FlushedUpTo() {
		return nil
	}
	for {
		cur := lm.flushRequest.Load()
		if uint64(lsn) <= cur || lm.flushRequest.CompareAndSwap(cur, uint64(lsn)) {
			break
		}
	}
	start := time.Now()
	target := LSN(lm.flushRequest.Load())
	if target < lsn {
		target = lsn
	}
	// wait before taking the writer lock: an inserter may need it to
	// advance the ring
	target = lm.waitInsertionsToFinish(target)
	lm.writeMu.Lock()
	defer lm.writeMu.Unlock()
	if lsn <= lm.FlushedUpTo() {
		return nil
	}
	if err := lm.writeLocked(target, true); err != nil {
		return err
	}
	lm.metrics.WALFlushesCounter.Add(context.Background(), 1)
	lm.metrics.WALFlushLatencyHistogram.Record(context.Background(), time.Since(start).Microseconds())
	return nil
}

// FlushAll flushes everything inserted so far.
func (lm *LogManager) FlushAll() error { return lm.Flush(lm.InsertPos()) }

func (lm *LogManager) writeUpTo(upto LSN, fsync bool) error {
	upto = lm.waitInsertionsToFinish(upto)
	lm.writeMu.Lock()
	defer lm.writeMu.Unlock()
	return lm.writeLocked(upto, fsync)
}

// writeLocked writes ring pages up to upto. The caller holds writeMu and
// has waited for insertions before upto to finish.
func (lm *LogManager) writeLocked(upto LSN, fsync bool) error {
	segSize := lm.cfg.SegmentSize
	pos := LSN(lm.writtenUpto.Load())
	var f *os.File
	for pos < upto {
		pageAddr := pageStart(pos)
		pageEnd := pageAddr + BlockSize
		idx := lm.ringIndex(pageAddr)
		if LSN(lm.xlblocks[idx].Load()) != pageEnd {
			return Fatal(fmt.Errorf("WAL page %s is not in the ring", FormatLSN(pageAddr)))
		}
		var err error
		if f, err = lm.openSegmentForWrite(segNoOf(pageAddr, segSize)); err != nil {
			return Fatal(err)
		}
		src := lm.ring[idx*BlockSize : (idx+1)*BlockSize]
		out := src
		next := pageEnd
		if upto < pageEnd {
			// partial page: write a private copy holding only finished bytes
			out = make([]byte, BlockSize)
			copy(out, src[:upto-pageAddr])
			next = upto
		}
		if _, err := f.WriteAt(out, int64(segOffset(pageAddr, segSize))); err != nil {
			lm.logger.Error("could not write to WAL segment", zap.Error(err))
			return Fatal(fmt.Errorf("failed to write WAL at %s: %w", FormatLSN(pageAddr), err))
		}
		pos = next
	}
	if upto > LSN(lm.writtenUpto.Load()) {
		lm.writtenUpto.Store(uint64(upto))
	}
	if fsync && upto > lm.FlushedUpTo() {
		if f == nil {
			f = lm.segFile
		}
		if f != nil {
			if err := f.Sync(); err != nil {
				lm.logger.Error("could not fsync WAL segment", zap.Error(err))
				return Fatal(fmt.Errorf("failed to fsync WAL: %w", err))
			}
		}
		lm.flushedUpto.Store(uint64(upto))
	}
	return nil
}

// --- Background WAL writer ---

// StartWALWriter flushes inserted WAL and preallocates the next segment
// every delay.
func (lm *LogManager) StartWALWriter(delay time.Duration) {
	lm.wg.Add(1)
	go func() {
		defer lm.wg.Done()
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if lm.inRecovery.Load() {
					continue
				}
				if err := lm.FlushAll(); err != nil {
					lm.logger.Error("WAL writer failed to flush", zap.Error(err))
					continue
				}
				next := segNoOf(lm.InsertPos(), lm.cfg.SegmentSize) + 1
				if _, err := lm.preallocateSegment(next); err != nil {
					lm.logger.Warn("failed to preallocate WAL segment", zap.Error(err))
				}
			case <-lm.stopChan:
				return
			}
		}
	}()
	lm.logger.Info("WAL writer started", zap.Duration("delay", delay))
}

// Close stops the WAL writer, flushes and closes the current segment.
func (lm *LogManager) Close() error {
	select {
	case <-lm.stopChan:
	default:
		close(lm.stopChan)
	}
	lm.wg.Wait()

	var err error
	lm.insertMu.Lock()
	started := lm.started
	lm.insertMu.Unlock()
	if started && !lm.inRecovery.Load() {
		err = lm.FlushAll()
	}
	lm.writeMu.Lock()
	defer lm.writeMu.Unlock()
	if lm.segFile != nil {
		if cerr := lm.segFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
		lm.segFile = nil
	}
	lm.logger.Info("LogManager closed", zap.String("flushed_upto", FormatLSN(lm.FlushedUpTo())))
	return err
}
