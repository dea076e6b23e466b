package btree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// --- Bulk Vacuum ---

// BulkDeleteCallback reports whether the heap tuple at tid is dead and
// its index entries must go.
type BulkDeleteCallback func(tid ItemPointer) bool

// VacuumStats summarizes a bulk delete or cleanup scan.
type VacuumStats struct {
	NumPages       pagemanager.BlockNumber
	NumIndexTuples int64
	TuplesRemoved  int64
	// EstimatedCount is set when NumIndexTuples counts index tuples, not
	// heap TIDs.
	EstimatedCount bool

	PagesNewlyDeleted uint32
	PagesDeleted      uint32
	PagesFree         uint32
}

type pendingFree struct {
	blk     pagemanager.BlockNumber
	safexid transaction.FullTransactionID
}

// vacState is the state of one scan over the whole index.
type vacState struct {
	callback BulkDeleteCallback
	cycleid  uint16
	stats    *VacuumStats
	// pages deleted by this scan, offered for reuse at its end if their
	// safexid is already old enough
	pending []pendingFree
}

// BulkDelete removes every entry whose heap TID callback reports dead,
// deletes leaf pages left empty and records recyclable pages as free.
// stats accumulates across calls; nil starts fresh.
func (ix *Index) BulkDelete(ctx context.Context, stats *VacuumStats, callback BulkDeleteCallback) (*VacuumStats, error) {
	if callback == nil {
		return nil, fmt.Errorf("bulk delete on index %q needs a callback", ix.name)
	}
	if ix.wal.InRecovery() {
		return nil, ErrReadOnlyRecovery
	}
	if stats == nil {
		stats = &VacuumStats{}
	}
	cycleid := ix.startVacuumCycle()
	defer ix.endVacuumCycle()
	ix.logger.Info("bulk delete started", zap.String("index", ix.name), zap.Uint16("cycleid", cycleid))
	if err := ix.vacuumScan(ctx, &vacState{callback: callback, cycleid: cycleid, stats: stats}); err != nil {
		return stats, err
	}
	ix.logger.Info("bulk delete finished", zap.String("index", ix.name),
		zap.Int64("tuples_removed", stats.TuplesRemoved),
		zap.Uint32("pages_deleted", stats.PagesNewlyDeleted),
		zap.Uint32("pages_free", stats.PagesFree))
	return stats, nil
}

// VacuumCleanup finishes a vacuum. Without a preceding BulkDelete it only
// scans when the metapage says enough deleted pages may be recyclable.
// The number of deleted, not yet free pages is saved in the metapage.
func (ix *Index) VacuumCleanup(ctx context.Context, stats *VacuumStats) (*VacuumStats, error) {
	if ix.wal.InRecovery() {
		return nil, ErrReadOnlyRecovery
	}
	if stats == nil {
		needs, err := ix.vacuumNeedsCleanup()
		if err != nil || !needs {
			return nil, err
		}
		stats = &VacuumStats{EstimatedCount: true}
		if err := ix.vacuumScan(ctx, &vacState{stats: stats}); err != nil {
			return stats, err
		}
	}
	if err := ix.setCleanupInfo(stats.PagesDeleted - stats.PagesFree); err != nil {
		return stats, err
	}
	return stats, nil
}

// vacuumNeedsCleanup reports whether the deleted pages remembered by the
// last cleanup exceed 5% of the index.
func (ix *Index) vacuumNeedsCleanup() (bool, error) {
	metabuf, err := ix.getbuf(MetaBlock, buffer.LockShare)
	if err != nil {
		return false, err
	}
	meta, err := ix.readMetaLocked(metabuf)
	ix.relbuf(metabuf)
	if err != nil {
		return false, err
	}
	nblocks, err := ix.bm.NBlocks(ix.rel, smgr.MainFork)
	if err != nil {
		return false, err
	}
	prev := meta.LastCleanupNumDelPages
	return prev > 0 && prev > uint32(nblocks)/20, nil
}

// setCleanupInfo stores numDelPages in the metapage, logging META_CLEANUP,
// unless it is already there.
func (ix *Index) setCleanupInfo(numDelPages uint32) error {
	metabuf, err := ix.getbuf(MetaBlock, buffer.LockShare)
	if err != nil {
		return err
	}
	meta, err := ix.readMetaLocked(metabuf)
	if err != nil {
		ix.relbuf(metabuf)
		return err
	}
	if meta.LastCleanupNumDelPages == numDelPages {
		ix.relbuf(metabuf)
		return nil
	}
	ix.unlockbuf(metabuf)
	ix.lockbuf(metabuf, buffer.LockExclusive)
	defer ix.relbuf(metabuf)

	metapage := ix.page(metabuf)
	meta = readMeta(metapage)
	meta.LastCleanupNumDelPages = numDelPages
	meta.LastCleanupNumHeapTuples = -1
	writeMeta(metapage, meta)
	ix.bm.MarkBufferDirty(metabuf)

	b := ix.wal.NewRecord()
	b.RegisterBuffer(0, metabuf, wal.RegBufWillInit|wal.RegBufStandard)
	b.RegisterBufData(0, metadataOf(meta).encode())
	lsn, err := ix.insertRecord(b, InfoMetaCleanup)
	if err != nil {
		return err
	}
	metapage.SetLSN(lsn)
	return nil
}

// vacuumScan visits every page in physical order, rereading the length
// of the relation until it stops growing.
func (ix *Index) vacuumScan(ctx context.Context, vs *vacState) error {
	vs.stats.NumIndexTuples = 0
	vs.stats.PagesDeleted = 0
	vs.stats.PagesFree = 0

	scanblkno := MetaBlock + 1
	var numPages pagemanager.BlockNumber
	for {
		var err error
		if numPages, err = ix.bm.NBlocks(ix.rel, smgr.MainFork); err != nil {
			return err
		}
		vs.stats.NumPages = numPages
		if scanblkno >= numPages {
			break
		}
		for ; scanblkno < numPages; scanblkno++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := ix.vacuumPage(ctx, vs, scanblkno); err != nil {
				return err
			}
		}
	}
	vs.stats.NumPages = numPages
	ix.pendingFreeFinalize(vs)
	return nil
}

// pendingFreeFinalize offers the pages this scan deleted for reuse when
// no snapshot can still need them.
func (ix *Index) pendingFreeFinalize(vs *vacState) {
	for _, p := range vs.pending {
		if ix.txns != nil && !ix.txns.GlobalVisCheckRemovable(p.safexid) {
			continue
		}
		ix.recordFreePage(p.blk)
		vs.stats.PagesFree++
	}
	vs.pending = nil
}

// vacuumPage processes scanblkno, then follows right links back to
// lower blocks that received tuples from it through splits during this
// vacuum cycle.
func (ix *Index) vacuumPage(ctx context.Context, vs *vacState, scanblkno pagemanager.BlockNumber) error {
	blkno := scanblkno
	for {
		backtrackTo, err := ix.vacuumOnePage(ctx, vs, scanblkno, blkno)
		if err != nil || backtrackTo == PNone {
			return err
		}
		blkno = backtrackTo
	}
}

func (ix *Index) vacuumOnePage(ctx context.Context, vs *vacState, scanblkno, blkno pagemanager.BlockNumber) (pagemanager.BlockNumber, error) {
	buf, err := ix.bm.ReadBuffer(ix.rel, smgr.MainFork, blkno)
	if err != nil {
		return PNone, fmt.Errorf("failed to read block %d of index %s: %w", blkno, ix.name, err)
	}
	ix.lockbuf(buf, buffer.LockShare)
	page := ix.page(buf)
	var o Opaque
	if !page.IsNew() {
		if err := ix.checkPage(buf); err != nil {
			ix.relbuf(buf)
			return PNone, err
		}
		o = opaqueOf(page)
	}

	if blkno != scanblkno {
		// backtracking: only a live leaf split off during this cycle
		if o == nil || !o.IsLeaf() || o.IsHalfDead() {
			ix.logger.Warn("right sibling of scanned block unexpectedly in an inconsistent state",
				zap.String("index", ix.name), zap.Uint32("block", uint32(blkno)),
				zap.Uint32("scanblkno", uint32(scanblkno)))
			ix.relbuf(buf)
			return PNone, nil
		}
		if o.CycleID() != vs.cycleid || o.IsDeleted() {
			ix.relbuf(buf)
			return PNone, nil
		}
	}

	attemptPagedel := false
	backtrackTo := PNone
	switch {
	case o == nil || ix.pageIsRecyclable(page):
		ix.recordFreePage(blkno)
		vs.stats.PagesDeleted++
		vs.stats.PagesFree++
	case o.IsDeleted():
		vs.stats.PagesDeleted++
	case o.IsHalfDead():
		// left by an interrupted vacuum
		attemptPagedel = true
	case o.IsLeaf():
		ix.unlockbuf(buf)
		if err := ix.bm.LockBufferForCleanup(buf); err != nil {
			ix.bm.ReleaseBuffer(buf)
			return PNone, err
		}

		// a split during this cycle may have moved tuples to a block the
		// scan already passed
		if vs.cycleid != 0 && o.CycleID() == vs.cycleid && o.Flags()&FlagSplitEnd == 0 &&
			!o.IsRightmost() && o.Next() < scanblkno {
			backtrackTo = o.Next()
		}

		minoff, maxoff := o.FirstDataKey(), page.MaxOffset()
		var (
			deletable []pagemanager.OffsetNumber
			updatable []*vacuumPosting
			dead      int64
			live      int64
		)
		if vs.callback != nil {
			for off := minoff; off <= maxoff; off++ {
				itup := IndexTuple(page.Item(off))
				if !itup.IsPosting() {
					if vs.callback(itup.rawTID()) {
						deletable = append(deletable, off)
						dead++
					} else {
						live++
					}
					continue
				}
				vp, remaining := vacuumPostingTIDs(vs.callback, itup, off)
				switch {
				case vp == nil:
				case remaining > 0:
					updatable = append(updatable, vp)
					dead += int64(itup.NPosting() - remaining)
				default:
					deletable = append(deletable, off)
					dead += int64(itup.NPosting())
				}
				live += int64(remaining)
			}
		}

		if len(deletable) > 0 || len(updatable) > 0 {
			if err := ix.delitemsVacuum(buf, deletable, updatable); err != nil {
				ix.relbuf(buf)
				return PNone, err
			}
			vs.stats.TuplesRemoved += dead
			maxoff = page.MaxOffset()
		} else if vs.cycleid != 0 && o.CycleID() == vs.cycleid {
			// processed: keep later scans from backtracking into it
			o.SetCycleID(0)
			if err := ix.bm.MarkBufferDirtyHint(buf); err != nil {
				ix.relbuf(buf)
				return PNone, err
			}
		}

		switch {
		case minoff > maxoff:
			attemptPagedel = blkno == scanblkno
		case vs.callback != nil:
			vs.stats.NumIndexTuples += live
		default:
			vs.stats.NumIndexTuples += int64(maxoff - minoff + 1)
		}
	}

	if attemptPagedel {
		if err := ix.pagedelFromVacuum(ctx, buf, vs); err != nil {
			return PNone, err
		}
	} else {
		ix.relbuf(buf)
	}
	return backtrackTo, nil
}

// pagedelFromVacuum upgrades the lock on buf and hands it to pagedel.
func (ix *Index) pagedelFromVacuum(ctx context.Context, buf buffer.Buffer, vs *vacState) error {
	ix.unlockbuf(buf)
	ix.lockbuf(buf, buffer.LockExclusive)
	return ix.pagedel(ctx, buf, vs)
}

// vacuumPostingTIDs returns the positions of dead TIDs in posting, or nil
// when all survive, and the number of survivors.
func vacuumPostingTIDs(callback BulkDeleteCallback, posting IndexTuple, off pagemanager.OffsetNumber) (*vacuumPosting, int) {
	var vp *vacuumPosting
	live := 0
	for i := 0; i < posting.NPosting(); i++ {
		if !callback(posting.PostingTID(i)) {
			live++
			continue
		}
		if vp == nil {
			vp = &vacuumPosting{itup: posting, updatedOff: off}
		}
		vp.deletetids = append(vp.deletetids, uint16(i))
	}
	return vp, live
}

// delitemsVacuum applies a VACUUM to the cleanup-locked leaf buf. Unlike
// simple deletion it also resets the vacuum cycle id.
func (ix *Index) delitemsVacuum(buf buffer.Buffer, deletable []pagemanager.OffsetNumber, updatable []*vacuumPosting) error {
	page := ix.page(buf)
	updated := applyPostingUpdates(updatable)
	for _, vp := range updatable {
		if !page.IndexTupleOverwrite(vp.updatedOff, vp.itup) {
			return wal.Fatal(fmt.Errorf("failed to update partially dead item in block %d of index %q", ix.blockOf(buf), ix.name))
		}
	}
	if len(deletable) > 0 {
		page.IndexMultiDelete(deletable)
	}
	o := opaqueOf(page)
	o.SetCycleID(0)
	o.clearFlag(FlagHasGarbage)
	ix.bm.MarkBufferDirty(buf)

	xl := xlVacuum{NDeleted: uint16(len(deletable)), NUpdated: uint16(len(updatable))}
	b := ix.wal.NewRecord()
	b.RegisterBuffer(0, buf, wal.RegBufStandard)
	b.RegisterData(xl.encode())
	if len(deletable) > 0 {
		b.RegisterBufData(0, encodeOffsets(deletable))
	}
	if len(updatable) > 0 {
		b.RegisterBufData(0, encodeOffsets(updated))
		b.RegisterBufData(0, encodeUpdates(updatable))
	}
	lsn, err := ix.insertRecord(b, InfoVacuum)
	if err != nil {
		return err
	}
	page.SetLSN(lsn)
	return nil
}
