package btree

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Bottom-up Deletion ---

// bottomupdelPass tries to avoid a split caused by version churn: runs of
// duplicates on the leaf buf are offered to the table, which removes the
// TIDs of dead versions. It reports whether enough space was freed that
// no deduplication pass is needed.
func (ix *Index) bottomupdelPass(ctx context.Context, buf buffer.Buffer, newitemsz int) (bool, error) {
	if ix.table == nil {
		return false, nil
	}
	page := ix.page(buf)
	o := opaqueOf(page)
	nkeyatts := ix.desc.NAtts()
	minoff, maxoff := o.FirstDataKey(), page.MaxOffset()
	if minoff > maxoff {
		return false, nil
	}

	// merging is only simulated, so posting lists are never capped
	st := newDedupState(pagemanager.PageSize)
	req := &DeleteRequest{
		BottomUp:          true,
		BottomUpFreeSpace: max(pagemanager.PageSize/16, newitemsz),
	}
	for off := minoff; off <= maxoff; off++ {
		itup := IndexTuple(page.Item(off))
		switch {
		case off == minoff:
			st.startPending(itup, off)
		case ix.keepNattsFast(st.base, itup) > nkeyatts && st.saveHTID(itup):
		default:
			st.finishBottomUp(page, req)
			st.startPending(itup, off)
		}
	}
	st.finishBottomUp(page, req)

	// no duplicates means no version churn to clean up
	if len(st.intervals) == 0 {
		return false, nil
	}

	before := page.ExactFreeSpace()
	if err := ix.delitemsDeleteCheck(ctx, buf, req); err != nil {
		return false, err
	}
	if page.ExactFreeSpace() > before {
		ix.metrics.BTreeBottomUpCounter.Add(ctx, 1)
	}
	ix.logger.Debug("bottom-up deletion pass",
		zap.Uint32("block", uint32(ix.blockOf(buf))),
		zap.Int("intervals", len(st.intervals)),
		zap.Int("candidates", len(req.Candidates)),
		zap.Int("freespace", page.ExactFreeSpace()))

	// a fragmented page still benefits from a dedup pass
	return page.ExactFreeSpace() >= max(pagemanager.PageSize/24, newitemsz), nil
}

// finishBottomUp turns the pending interval into delete candidates. Plain
// tuples in a run of duplicates are promising. In a posting list at most
// one TID is: the first or the last, whichever shares its heap block with
// the middle one.
func (s *dedupState) finishBottomUp(page pagemanager.Page, req *DeleteRequest) {
	dupinterval := s.nitems > 1
	for i := 0; i < s.nitems; i++ {
		off := s.baseoff + pagemanager.OffsetNumber(i)
		itup := IndexTuple(page.Item(off))
		if !itup.IsPosting() {
			req.Candidates = append(req.Candidates, DeleteCandidate{
				TID:       itup.rawTID(),
				Promising: dupinterval,
				FreeSpace: int(page.ItemID(off).Length()) + itemIDSize,
				off:       off,
			})
			continue
		}

		nitem := itup.NPosting()
		firstpromising, lastpromising := false, false
		if dupinterval {
			minblk := itup.PostingTID(0).Block
			midblk := itup.PostingTID(nitem / 2).Block
			maxblk := itup.PostingTID(nitem - 1).Block
			firstpromising = minblk == midblk
			lastpromising = !firstpromising && midblk == maxblk
		}
		for p := 0; p < nitem; p++ {
			req.Candidates = append(req.Candidates, DeleteCandidate{
				TID:       itup.PostingTID(p),
				Promising: (firstpromising && p == 0) || (lastpromising && p == nitem-1),
				FreeSpace: itemPointerSize,
				off:       off,
			})
		}
	}
	if dupinterval {
		s.intervals = append(s.intervals, dedupInterval{baseoff: s.baseoff, nitems: uint16(s.nitems)})
	}
	s.htids = s.htids[:0]
	s.nitems = 0
	s.phystupsize = 0
}
