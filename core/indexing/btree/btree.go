// Package btree implements a Lehman-Yao B-link tree index stored in
// relation pages managed by the buffer pool. Every change is WAL-logged
// with the btree resource manager, whose redo routines live in this
// package too.
//
// Leaf tuples carry the heap TID as an implicit last key attribute, so
// all keys are unique at the index level. This allows suffix truncation
// of pivots, posting list deduplication and bottom-up deletion.
package btree

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojocore/internal/telemetry"
)

// --- Configuration & Constants ---

const (
	// DefaultFillFactor is the leaf fill target for rightmost splits.
	DefaultFillFactor = 90
	// MinFillFactor and MaxFillFactor bound Config.FillFactor.
	MinFillFactor = 10
	MaxFillFactor = 100
	// nonLeafFillFactor is the fill target for internal rightmost splits.
	nonLeafFillFactor = 70
	// singleValueFillFactor is used when a leaf holds one repeated value.
	singleValueFillFactor = 96

	// fastpathMinLevel is the tree height from which inserts cache the
	// rightmost leaf.
	fastpathMinLevel = 2
)

// Config describes one index.
type Config struct {
	// Name is used in error messages and logs.
	Name string
	Rel  smgr.RelFileLocator
	Desc *TupleDesc
	// Unique makes Insert enforce uniqueness when asked to.
	Unique bool
	// FillFactor is the leaf fill percentage for rightmost splits.
	FillFactor int
	// DisableDeduplication turns off posting list deduplication.
	DisableDeduplication bool
	// SplitOptions tunes split point selection; zero values take defaults.
	SplitOptions SplitOptions
}

// SplitOptions exposes the heuristics of split point selection.
type SplitOptions struct {
	// LeafInterval and InternalInterval bound how many of the most
	// balanced candidate split points compete on suffix truncation.
	LeafInterval     int
	InternalInterval int
	// ManyDupsGuard keeps the many-duplicates strategy from choosing a
	// split point within this many items after the new item, which
	// would hurt decreasing insertion patterns.
	ManyDupsGuard int
	// MaxPostingsSingleValue is the number of maximally sized posting
	// tuples after which a single-value leaf stops merging.
	MaxPostingsSingleValue int
}

func (o SplitOptions) withDefaults() SplitOptions {
	if o.LeafInterval <= 0 {
		o.LeafInterval = 9
	}
	if o.InternalInterval <= 0 {
		o.InternalInterval = 18
	}
	if o.ManyDupsGuard <= 0 {
		o.ManyDupsGuard = 9
	}
	if o.MaxPostingsSingleValue <= 0 {
		o.MaxPostingsSingleValue = 6
	}
	return o
}

// Deps are the engine services an index works through.
type Deps struct {
	Buffers *buffer.Manager
	WAL     *wal.LogManager
	Txns    *transaction.Manager
	Table   Table
	Metrics *internaltelemetry.EngineMetrics
}

// Index is an open B-tree index.
type Index struct {
	name      string
	rel       smgr.RelFileLocator
	desc      *TupleDesc
	cfg       Config
	splitOpts SplitOptions
	logger    *zap.Logger

	bm      *buffer.Manager
	wal     *wal.LogManager
	txns    *transaction.Manager
	table   Table
	metrics *internaltelemetry.EngineMetrics

	allequalimage bool

	// targetBlock caches the rightmost leaf for ascending inserts.
	targetBlock atomic.Uint32

	freeMu    sync.Mutex
	freePages []pagemanager.BlockNumber

	vacuumCycle atomic.Uint32
	cycleSeq    atomic.Uint32

	// afterSplitHook runs between a split and the insertion of its
	// downlink; an error abandons the insert with the split incomplete.
	afterSplitHook func(left, right pagemanager.BlockNumber) error
}

func newIndex(cfg Config, deps Deps, logger *zap.Logger) (*Index, error) {
	if deps.Buffers == nil || deps.WAL == nil {
		return nil, fmt.Errorf("%w: buffer pool and WAL are required", ErrNotInitialized)
	}
	if cfg.Desc == nil || cfg.Desc.NAtts() == 0 {
		return nil, fmt.Errorf("%w: index needs at least one key attribute", ErrInvalidKey)
	}
	if cfg.FillFactor == 0 {
		cfg.FillFactor = DefaultFillFactor
	}
	if cfg.FillFactor < MinFillFactor || cfg.FillFactor > MaxFillFactor {
		return nil, fmt.Errorf("fillfactor %d out of range [%d, %d]", cfg.FillFactor, MinFillFactor, MaxFillFactor)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("btree_%d", cfg.Rel.RelNumber)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = internaltelemetry.NoopEngineMetrics()
	}
	ix := &Index{
		name:      cfg.Name,
		rel:       cfg.Rel,
		desc:      cfg.Desc,
		cfg:       cfg,
		splitOpts: cfg.SplitOptions.withDefaults(),
		logger:    logger.Named("btree").With(zap.String("index", cfg.Name)),
		bm:        deps.Buffers,
		wal:       deps.WAL,
		txns:      deps.Txns,
		table:     deps.Table,
		metrics:   deps.Metrics,
	}
	ix.targetBlock.Store(uint32(pagemanager.InvalidBlockNumber))
	return ix, nil
}

// Create builds an empty index: a metapage with no root, logged as a full
// page image. The root leaf is created by the first insert.
func Create(ctx context.Context, cfg Config, deps Deps, logger *zap.Logger) (*Index, error) {
	ix, err := newIndex(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	if err := ix.bm.CreateFork(ix.rel, smgr.MainFork); err != nil {
		return nil, fmt.Errorf("failed to create index relation %s: %w", ix.rel, err)
	}
	nblocks, err := ix.bm.NBlocks(ix.rel, smgr.MainFork)
	if err != nil {
		return nil, err
	}
	if nblocks != 0 {
		return nil, fmt.Errorf("%w: relation %s has %d blocks", ErrAlreadyExists, ix.rel, nblocks)
	}
	buf, err := ix.bm.ReadBufferExtended(ix.rel, smgr.MainFork, pagemanager.NewBlock, buffer.ReadZeroAndLock)
	if err != nil {
		return nil, fmt.Errorf("failed to extend index %s: %w", ix.name, err)
	}
	defer ix.bm.UnlockReleaseBuffer(buf)
	if blk := ix.bm.BlockNumber(buf); blk != MetaBlock {
		return nil, corruptf("metapage allocated at block %d", blk)
	}
	ix.allequalimage = !cfg.DisableDeduplication
	initMetaPage(ix.bm.Page(buf), 0, PNone, ix.allequalimage)
	if _, err := ix.wal.LogNewPageBuffer(buf, true); err != nil {
		return nil, fmt.Errorf("failed to log metapage of %s: %w", ix.name, err)
	}
	ix.logger.Info("created btree index", zap.Stringer("rel", ix.rel), zap.Int("natts", ix.desc.NAtts()))
	return ix, nil
}

// Open attaches to an existing index.
func Open(cfg Config, deps Deps, logger *zap.Logger) (*Index, error) {
	ix, err := newIndex(cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	meta, err := ix.Meta()
	if err != nil {
		return nil, err
	}
	ix.allequalimage = meta.AllEqualImage && !cfg.DisableDeduplication
	return ix, nil
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// Rel returns the relation holding the index.
func (ix *Index) Rel() smgr.RelFileLocator { return ix.rel }

// Desc returns the key descriptor.
func (ix *Index) Desc() *TupleDesc { return ix.desc }

// Meta returns a snapshot of the metapage.
func (ix *Index) Meta() (Meta, error) {
	buf, err := ix.getbuf(MetaBlock, buffer.LockShare)
	if err != nil {
		return Meta{}, err
	}
	defer ix.relbuf(buf)
	return checkMeta(ix.bm.Page(buf))
}

func (ix *Index) dedupEnabled() bool { return ix.allequalimage }

// --- Buffer Access ---

// getbuf reads blk and locks it in mode.
func (ix *Index) getbuf(blk pagemanager.BlockNumber, mode buffer.LockMode) (buffer.Buffer, error) {
	buf, err := ix.bm.ReadBuffer(ix.rel, smgr.MainFork, blk)
	if err != nil {
		return buffer.InvalidBuffer, fmt.Errorf("failed to read block %d of index %s: %w", blk, ix.name, err)
	}
	ix.bm.LockBuffer(buf, mode)
	if err := ix.checkPage(buf); err != nil {
		ix.relbuf(buf)
		return buffer.InvalidBuffer, err
	}
	return buf, nil
}

// relandgetbuf releases obuf and returns blk locked in mode.
func (ix *Index) relandgetbuf(obuf buffer.Buffer, blk pagemanager.BlockNumber, mode buffer.LockMode) (buffer.Buffer, error) {
	ix.relbuf(obuf)
	return ix.getbuf(blk, mode)
}

func (ix *Index) relbuf(buf buffer.Buffer) { ix.bm.UnlockReleaseBuffer(buf) }

func (ix *Index) lockbuf(buf buffer.Buffer, mode buffer.LockMode) { ix.bm.LockBuffer(buf, mode) }

func (ix *Index) unlockbuf(buf buffer.Buffer) { ix.bm.LockBuffer(buf, buffer.LockUnlock) }

func (ix *Index) page(buf buffer.Buffer) pagemanager.Page { return ix.bm.Page(buf) }

func (ix *Index) blockOf(buf buffer.Buffer) pagemanager.BlockNumber { return ix.bm.BlockNumber(buf) }

func (ix *Index) checkPage(buf buffer.Buffer) error {
	p := ix.bm.Page(buf)
	if p.IsNew() {
		return corruptf("index %q contains unexpected zero page at block %d", ix.name, ix.blockOf(buf))
	}
	if p.SpecialSize() != pagemanager.MaxAlign(sizeOfOpaque) {
		return corruptf("index %q contains corrupted page at block %d", ix.name, ix.blockOf(buf))
	}
	return nil
}

// --- Page Allocation ---

// recordFreePage offers a deleted page for reuse.
func (ix *Index) recordFreePage(blk pagemanager.BlockNumber) {
	ix.freeMu.Lock()
	defer ix.freeMu.Unlock()
	for _, b := range ix.freePages {
		if b == blk {
			return
		}
	}
	ix.freePages = append(ix.freePages, blk)
}

// FreePages returns the blocks currently offered for reuse.
func (ix *Index) FreePages() []pagemanager.BlockNumber {
	ix.freeMu.Lock()
	defer ix.freeMu.Unlock()
	return append([]pagemanager.BlockNumber(nil), ix.freePages...)
}

func (ix *Index) freePageCandidates() []pagemanager.BlockNumber { return ix.FreePages() }

func (ix *Index) forgetFreePage(blk pagemanager.BlockNumber) {
	ix.freeMu.Lock()
	defer ix.freeMu.Unlock()
	for i, b := range ix.freePages {
		if b == blk {
			ix.freePages = append(ix.freePages[:i], ix.freePages[i+1:]...)
			return
		}
	}
}

// allocbuf returns a fresh, exclusively locked, initialized page. Deleted
// pages whose safexid no scan can still need are reused first; otherwise
// the relation is extended.
func (ix *Index) allocbuf() (buffer.Buffer, error) {
	for _, blk := range ix.freePageCandidates() {
		buf, err := ix.bm.ReadBuffer(ix.rel, smgr.MainFork, blk)
		if err != nil {
			ix.forgetFreePage(blk)
			continue
		}
		if !ix.bm.ConditionalLockBuffer(buf) {
			// someone else is touching it; not free after all
			ix.bm.ReleaseBuffer(buf)
			continue
		}
		p := ix.page(buf)
		if p.IsNew() {
			ix.forgetFreePage(blk)
			pageInit(p)
			return buf, nil
		}
		o := opaqueOf(p)
		if !o.IsDeleted() {
			ix.forgetFreePage(blk)
			ix.relbuf(buf)
			continue
		}
		if !ix.pageIsRecyclable(p) {
			ix.relbuf(buf)
			continue
		}
		if err := ix.logReusePage(blk, DeletedPageSafeXid(p)); err != nil {
			ix.relbuf(buf)
			return buffer.InvalidBuffer, err
		}
		ix.forgetFreePage(blk)
		pageInit(p)
		ix.logger.Debug("reusing deleted page", zap.Uint32("block", uint32(blk)))
		return buf, nil
	}

	buf, err := ix.bm.ReadBufferExtended(ix.rel, smgr.MainFork, pagemanager.NewBlock, buffer.ReadZeroAndLock)
	if err != nil {
		return buffer.InvalidBuffer, fmt.Errorf("failed to extend index %s: %w", ix.name, err)
	}
	pageInit(ix.page(buf))
	return buf, nil
}

// logReusePage emits the record that lets standbys cancel queries that
// might still land on a recycled page.
func (ix *Index) logReusePage(blk pagemanager.BlockNumber, safexid transaction.FullTransactionID) error {
	rec := xlReusePage{Locator: ix.rel, Block: blk, SnapshotConflictHorizon: safexid}
	b := ix.wal.NewRecord()
	b.RegisterData(rec.encode())
	if _, err := b.Insert(wal.RmgrBtree, InfoReusePage); err != nil {
		return fmt.Errorf("failed to log page reuse: %w", err)
	}
	return nil
}

// --- Root Access ---

// readMetaLocked decodes the metapage of a locked buffer.
func (ix *Index) readMetaLocked(metabuf buffer.Buffer) (Meta, error) {
	return checkMeta(ix.page(metabuf))
}

// getroot returns the fast root share-locked, or InvalidBuffer for an
// empty index when forWrite is false. With forWrite set an empty index
// gets a root leaf.
func (ix *Index) getroot(forWrite bool) (buffer.Buffer, error) {
	for {
		metabuf, err := ix.getbuf(MetaBlock, buffer.LockShare)
		if err != nil {
			return buffer.InvalidBuffer, err
		}
		meta, err := ix.readMetaLocked(metabuf)
		if err != nil {
			ix.relbuf(metabuf)
			return buffer.InvalidBuffer, err
		}
		if meta.Root != PNone {
			ix.relbuf(metabuf)
			return ix.descendToFastRoot(meta)
		}
		if !forWrite {
			ix.relbuf(metabuf)
			return buffer.InvalidBuffer, nil
		}

		// trade the share lock for an exclusive one and recheck
		ix.unlockbuf(metabuf)
		ix.lockbuf(metabuf, buffer.LockExclusive)
		meta, err = ix.readMetaLocked(metabuf)
		if err != nil {
			ix.relbuf(metabuf)
			return buffer.InvalidBuffer, err
		}
		if meta.Root != PNone {
			ix.relbuf(metabuf)
			continue
		}
		rootbuf, err := ix.createRootLeaf(metabuf, meta)
		ix.relbuf(metabuf)
		if err != nil {
			return buffer.InvalidBuffer, err
		}
		// only a share lock is promised to the caller
		ix.unlockbuf(rootbuf)
		ix.lockbuf(rootbuf, buffer.LockShare)
		return rootbuf, nil
	}
}

func (ix *Index) descendToFastRoot(meta Meta) (buffer.Buffer, error) {
	blk := meta.FastRoot
	var buf buffer.Buffer
	for {
		var err error
		if buf == buffer.InvalidBuffer {
			buf, err = ix.getbuf(blk, buffer.LockShare)
		} else {
			buf, err = ix.relandgetbuf(buf, blk, buffer.LockShare)
		}
		if err != nil {
			return buffer.InvalidBuffer, err
		}
		o := opaqueOf(ix.page(buf))
		if !o.Ignore() {
			if o.Level() != meta.FastLevel {
				ix.relbuf(buf)
				return buffer.InvalidBuffer, corruptf("root page %d of index %q has level %d, expected %d", blk, ix.name, o.Level(), meta.FastLevel)
			}
			return buf, nil
		}
		if o.IsRightmost() {
			ix.relbuf(buf)
			return buffer.InvalidBuffer, corruptf("no live root page found in index %q", ix.name)
		}
		blk = o.Next()
	}
}

// createRootLeaf allocates the first root, a leaf, under the exclusively
// locked metapage. The root is returned exclusively locked.
func (ix *Index) createRootLeaf(metabuf buffer.Buffer, meta Meta) (buffer.Buffer, error) {
	rootbuf, err := ix.allocbuf()
	if err != nil {
		return buffer.InvalidBuffer, err
	}
	rootblk := ix.blockOf(rootbuf)
	rootpage := ix.page(rootbuf)
	o := opaqueOf(rootpage)
	o.SetPrev(PNone)
	o.SetNext(PNone)
	o.SetLevel(0)
	o.SetFlags(FlagLeaf | FlagRoot)
	o.SetCycleID(0)

	metapage := ix.page(metabuf)
	meta.Root, meta.Level = rootblk, 0
	meta.FastRoot, meta.FastLevel = rootblk, 0
	meta.LastCleanupNumDelPages = 0
	meta.LastCleanupNumHeapTuples = -1
	writeMeta(metapage, meta)

	ix.bm.MarkBufferDirty(rootbuf)
	ix.bm.MarkBufferDirty(metabuf)

	xl := xlNewRoot{RootBlk: rootblk, Level: 0}
	b := ix.wal.NewRecord()
	b.RegisterData(xl.encode())
	b.RegisterBuffer(0, rootbuf, wal.RegBufWillInit)
	b.RegisterBuffer(2, metabuf, wal.RegBufWillInit|wal.RegBufStandard)
	b.RegisterBufData(2, metadataOf(meta).encode())
	lsn, err := b.Insert(wal.RmgrBtree, InfoNewRoot)
	if err != nil {
		ix.relbuf(rootbuf)
		return buffer.InvalidBuffer, fmt.Errorf("failed to log new root: %w", err)
	}
	rootpage.SetLSN(lsn)
	metapage.SetLSN(lsn)
	ix.logger.Debug("created root leaf", zap.Uint32("block", uint32(rootblk)))
	return rootbuf, nil
}

// gettrueroot returns the true root share-locked, skipping the fast root.
func (ix *Index) gettrueroot() (buffer.Buffer, error) {
	metabuf, err := ix.getbuf(MetaBlock, buffer.LockShare)
	if err != nil {
		return buffer.InvalidBuffer, err
	}
	meta, err := ix.readMetaLocked(metabuf)
	ix.relbuf(metabuf)
	if err != nil {
		return buffer.InvalidBuffer, err
	}
	if meta.Root == PNone {
		return buffer.InvalidBuffer, nil
	}
	return ix.descendToFastRoot(Meta{FastRoot: meta.Root, FastLevel: meta.Level})
}

// rootHeight returns the fast root's level.
func (ix *Index) rootHeight() (uint32, error) {
	meta, err := ix.Meta()
	if err != nil {
		return 0, err
	}
	return meta.FastLevel, nil
}

// getEndpoint returns the leftmost (or rightmost) page at level,
// share-locked, or InvalidBuffer for an empty index.
func (ix *Index) getEndpoint(level uint32, rightmost bool) (buffer.Buffer, error) {
	var (
		buf buffer.Buffer
		err error
	)
	if rightmost {
		buf, err = ix.getroot(false)
	} else {
		buf, err = ix.gettrueroot()
	}
	if err != nil || buf == buffer.InvalidBuffer {
		return buf, err
	}
	for {
		p := ix.page(buf)
		o := opaqueOf(p)
		// step right over dead pages, and to the rightmost one if asked
		for o.Ignore() || (rightmost && !o.IsRightmost()) {
			next := o.Next()
			if next == PNone {
				ix.relbuf(buf)
				return buffer.InvalidBuffer, corruptf("fell off the end of index %q", ix.name)
			}
			if buf, err = ix.relandgetbuf(buf, next, buffer.LockShare); err != nil {
				return buffer.InvalidBuffer, err
			}
			p = ix.page(buf)
			o = opaqueOf(p)
		}
		if o.Level() == level {
			return buf, nil
		}
		if o.Level() < level {
			ix.relbuf(buf)
			return buffer.InvalidBuffer, corruptf("btree level %d not found in index %q", level, ix.name)
		}
		off := o.FirstDataKey()
		if rightmost {
			off = p.MaxOffset()
		}
		child := IndexTuple(p.Item(off)).DownLink()
		if buf, err = ix.relandgetbuf(buf, child, buffer.LockShare); err != nil {
			return buffer.InvalidBuffer, err
		}
	}
}

// --- Vacuum Cycle IDs ---

// vacuumCycleID returns the id of the running bulk delete, or 0.
func (ix *Index) vacuumCycleID() uint16 { return uint16(ix.vacuumCycle.Load()) }

func (ix *Index) startVacuumCycle() uint16 {
	for {
		id := uint16(ix.cycleSeq.Add(1) % maxCycleID)
		if id != 0 {
			ix.vacuumCycle.Store(uint32(id))
			return id
		}
	}
}

func (ix *Index) endVacuumCycle() { ix.vacuumCycle.Store(0) }

const maxCycleID = 0xFF7F

// --- Small Helpers ---

func putU16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func putU32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }
