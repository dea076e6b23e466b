package btree

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// --- Simple Deletion ---

// simpledelPass deletes the LP_DEAD items in deletable from the leaf buf,
// and while at it offers the table every other TID on the page that
// points into one of the same heap blocks.
func (ix *Index) simpledelPass(ctx context.Context, buf buffer.Buffer, deletable []pagemanager.OffsetNumber, newitem IndexTuple, minoff, maxoff pagemanager.OffsetNumber) error {
	page := ix.page(buf)
	deadblocks := deadBlocks(page, deletable, newitem)

	req := &DeleteRequest{}
	add := func(tid ItemPointer, off pagemanager.OffsetNumber, dead bool) {
		if _, ok := slices.BinarySearch(deadblocks, tid.Block); !ok {
			return
		}
		req.Candidates = append(req.Candidates, DeleteCandidate{TID: tid, KnownDeletable: dead, off: off})
	}
	for off := minoff; off <= maxoff; off++ {
		dead := page.ItemID(off).IsDead()
		itup := IndexTuple(page.Item(off))
		for _, tid := range itup.HeapTIDs() {
			add(tid, off, dead)
		}
	}
	return ix.delitemsDeleteCheck(ctx, buf, req)
}

// deadBlocks returns the sorted heap blocks referenced by LP_DEAD items,
// plus the new item's block.
func deadBlocks(page pagemanager.Page, deletable []pagemanager.OffsetNumber, newitem IndexTuple) []pagemanager.BlockNumber {
	blocks := make([]pagemanager.BlockNumber, 0, len(deletable)+1)
	if newitem != nil {
		blocks = append(blocks, newitem.rawTID().Block)
	}
	for _, off := range deletable {
		for _, tid := range IndexTuple(page.Item(off)).HeapTIDs() {
			blocks = append(blocks, tid.Block)
		}
	}
	slices.Sort(blocks)
	return slices.Compact(blocks)
}

// delitemsDeleteCheck asks the table which candidates can go and deletes
// them from buf: whole tuples, or TIDs out of posting lists.
func (ix *Index) delitemsDeleteCheck(ctx context.Context, buf buffer.Buffer, req *DeleteRequest) error {
	var horizon transaction.TransactionID
	if ix.table != nil && len(req.Candidates) > 0 {
		var err error
		if horizon, err = ix.table.IndexDeleteTuples(ctx, req); err != nil {
			return fmt.Errorf("failed to check deletable index tuples: %w", err)
		}
	}

	// back to page order; the table may have reordered or dropped entries
	slices.SortFunc(req.Candidates, func(a, b DeleteCandidate) int {
		if a.off != b.off {
			return int(a.off) - int(b.off)
		}
		return a.TID.Compare(b.TID)
	})
	if len(req.Candidates) == 0 {
		return nil
	}

	page := ix.page(buf)
	var (
		deletable []pagemanager.OffsetNumber
		updatable []*vacuumPosting
	)
	cands := req.Candidates
	for i := 0; i < len(cands); {
		off := cands[i].off
		j := i
		for j < len(cands) && cands[j].off == off {
			j++
		}
		group := cands[i:j]
		i = j

		itup := IndexTuple(page.Item(off))
		if !itup.IsPosting() {
			if group[0].KnownDeletable || group[0].Deletable {
				deletable = append(deletable, off)
			}
			continue
		}

		var vp *vacuumPosting
		g := 0
		for p := 0; p < itup.NPosting(); p++ {
			ptid := itup.PostingTID(p)
			cmp := -1
			for ; g < len(group); g++ {
				if !group[g].KnownDeletable && !group[g].Deletable {
					continue
				}
				if cmp = group[g].TID.Compare(ptid); cmp >= 0 {
					break
				}
			}
			if cmp != 0 {
				continue
			}
			if vp == nil {
				vp = &vacuumPosting{itup: itup, updatedOff: off}
			}
			vp.deletetids = append(vp.deletetids, uint16(p))
		}
		switch {
		case vp == nil:
		case len(vp.deletetids) == itup.NPosting():
			deletable = append(deletable, off)
		default:
			updatable = append(updatable, vp)
		}
	}

	if len(deletable) == 0 && len(updatable) == 0 {
		return nil
	}
	return ix.delitemsDelete(buf, horizon, deletable, updatable)
}

// delitemsDelete applies a DELETE: posting list updates first, so the
// offsets stay valid, then whole tuple deletes.
func (ix *Index) delitemsDelete(buf buffer.Buffer, horizon transaction.TransactionID, deletable []pagemanager.OffsetNumber, updatable []*vacuumPosting) error {
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
	// only VACUUM resets the cycle id
	opaqueOf(page).clearFlag(FlagHasGarbage)
	ix.bm.MarkBufferDirty(buf)

	xl := xlDelete{
		SnapshotConflictHorizon: horizon,
		NDeleted:                uint16(len(deletable)),
		NUpdated:                uint16(len(updatable)),
	}
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
	lsn, err := ix.insertRecord(b, InfoDelete)
	if err != nil {
		return err
	}
	page.SetLSN(lsn)
	ix.logger.Debug("deleted index tuples",
		zap.Uint32("block", uint32(ix.blockOf(buf))),
		zap.Int("deleted", len(deletable)),
		zap.Int("updated", len(updatable)))
	return nil
}

// applyPostingUpdates replaces each vp.itup by its shrunk version and
// returns the updated offsets.
func applyPostingUpdates(updatable []*vacuumPosting) []pagemanager.OffsetNumber {
	offs := make([]pagemanager.OffsetNumber, len(updatable))
	for i, vp := range updatable {
		vp.itup = updatePosting(vp)
		offs[i] = vp.updatedOff
	}
	return offs
}

// --- LP_DEAD Hints ---

// KillTuples marks the entries whose heap tuples are dead to everyone as
// LP_DEAD, so that a later insert can reclaim their space without a
// vacuum. A posting list is only marked when all its TIDs are given.
// Entries that moved or vanished are skipped. It returns how many items
// were marked.
func (ix *Index) KillTuples(ctx context.Context, entries []ScanEntry) (int, error) {
	killed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return killed, err
		}
		if len(e.Keys) != ix.desc.NAtts() {
			return killed, fmt.Errorf("%w: %d key values for %d attributes", ErrInvalidKey, len(e.Keys), ix.desc.NAtts())
		}
		ok, err := ix.killOne(e, entries)
		if err != nil {
			return killed, err
		}
		if ok {
			killed++
		}
	}
	return killed, nil
}

func (ix *Index) killOne(e ScanEntry, all []ScanEntry) (bool, error) {
	tid := e.TID
	key := ix.makeScanKey(e.Keys, &tid)
	_, buf, err := ix.search(key, accessRead)
	if err != nil || buf == buffer.InvalidBuffer {
		return false, err
	}
	defer ix.relbuf(buf)

	page := ix.page(buf)
	off := ix.binsrch(key, buf)
	if off > page.MaxOffset() {
		return false, nil
	}
	if page.ItemID(off).IsDead() {
		return false, nil
	}
	itup := IndexTuple(page.Item(off))
	if key.compareTuple(itup) != 0 {
		return false, nil
	}
	for _, h := range itup.HeapTIDs() {
		if !containsTID(all, e.Keys, h) {
			return false, nil
		}
	}
	// share lock suffices for a hint
	page.MarkDead(off)
	opaqueOf(page).setFlag(FlagHasGarbage)
	if err := ix.bm.MarkBufferDirtyHint(buf); err != nil {
		return false, err
	}
	return true, nil
}

func containsTID(entries []ScanEntry, keys []Datum, tid ItemPointer) bool {
	for _, e := range entries {
		if e.TID.Compare(tid) != 0 || len(e.Keys) != len(keys) {
			continue
		}
		equal := true
		for i := range keys {
			if e.Keys[i].Compare(keys[i]) != 0 {
				equal = false
				break
			}
		}
		if equal {
			return true
		}
	}
	return false
}
