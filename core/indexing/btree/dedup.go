package btree

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// --- Deduplication ---

// dedupInterval is a run of nitems adjacent tuples starting at baseoff
// that were merged into one posting list tuple.
type dedupInterval struct {
	baseoff pagemanager.OffsetNumber
	nitems  uint16
}

// dedupState accumulates the pending posting list of a pass over a leaf.
type dedupState struct {
	deduplicate    bool
	nmaxitems      int
	maxpostingsize int

	base        IndexTuple
	baseoff     pagemanager.OffsetNumber
	basetupsize int

	htids       []ItemPointer
	nitems      int
	phystupsize int

	intervals []dedupInterval
}

func newDedupState(maxpostingsize int) *dedupState {
	return &dedupState{deduplicate: true, maxpostingsize: maxpostingsize}
}

// maxPostingSize caps a posting list tuple at a sixth of a page so that
// split points can still spread them out.
func maxPostingSize() int {
	return min(MaxItemSize/2, int(indexSizeMask)/6)
}

func (s *dedupState) startPending(base IndexTuple, baseoff pagemanager.OffsetNumber) {
	s.htids = s.htids[:0]
	s.base = base
	s.baseoff = baseoff
	if base.IsPosting() {
		s.htids = append(s.htids, base.HeapTIDs()...)
		s.basetupsize = base.PostingOffset()
	} else {
		s.htids = append(s.htids, base.rawTID())
		s.basetupsize = base.Size()
	}
	s.nitems = 1
	s.phystupsize = pagemanager.MaxAlign(base.Size()) + itemIDSize
}

// saveHTID merges itup's TIDs into the pending posting list unless the
// result would exceed maxpostingsize.
func (s *dedupState) saveHTID(itup IndexTuple) bool {
	n := 1
	if itup.IsPosting() {
		n = itup.NPosting()
	}
	merged := pagemanager.MaxAlign(s.basetupsize + (len(s.htids)+n)*itemPointerSize)
	if merged > s.maxpostingsize {
		// count it as a capped tuple only when the list is really large
		if len(s.htids) > 50 {
			s.nmaxitems++
		}
		return false
	}
	s.nitems++
	s.htids = append(s.htids, itup.HeapTIDs()...)
	s.phystupsize += pagemanager.MaxAlign(itup.Size()) + itemIDSize
	return true
}

// finishPending writes the pending tuple to newpage, as a posting list
// when more than one tuple was merged, and returns the space saved.
func (s *dedupState) finishPending(newpage pagemanager.Page) (int, error) {
	tupoff := newpage.MaxOffset().Next()
	saving := 0
	if s.nitems == 1 {
		if newpage.AddItem(s.base[:s.base.Size()], tupoff, false, false) == pagemanager.InvalidOffsetNumber {
			return 0, fmt.Errorf("deduplication failed to add tuple to page")
		}
	} else {
		final := formPosting(s.base, s.htids)
		if newpage.AddItem(final, tupoff, false, false) == pagemanager.InvalidOffsetNumber {
			return 0, fmt.Errorf("deduplication failed to add tuple to page")
		}
		s.intervals = append(s.intervals, dedupInterval{baseoff: s.baseoff, nitems: uint16(s.nitems)})
		saving = s.phystupsize - (final.Size() + itemIDSize)
	}
	s.htids = s.htids[:0]
	s.nitems = 0
	s.phystupsize = 0
	return saving, nil
}

// dedupPass merges runs of equal keys on the leaf buf into posting lists
// to make room for newitem. bottomup passes skip the single value
// strategy, which only pays off before a page split.
func (ix *Index) dedupPass(ctx context.Context, buf buffer.Buffer, newitem IndexTuple, newitemsz int, bottomup bool) error {
	page := ix.page(buf)
	o := opaqueOf(page)
	nkeyatts := ix.desc.NAtts()
	newitemsz += itemIDSize

	st := newDedupState(maxPostingSize())
	minoff, maxoff := o.FirstDataKey(), page.MaxOffset()
	if minoff > maxoff {
		return nil
	}

	singlevalstrat := false
	if !bottomup {
		singlevalstrat = ix.doSingleValue(page, minoff, newitem)
	}

	newpage := pagemanager.GetTempPageCopySpecial(page)
	newpage.SetLSN(page.LSN())
	if !o.IsRightmost() {
		if newpage.AddItem(page.Item(PHikey), PHikey, false, false) == pagemanager.InvalidOffsetNumber {
			return fmt.Errorf("deduplication failed to add highkey in block %d of index %q", ix.blockOf(buf), ix.name)
		}
	}

	pagesaving := 0
	for off := minoff; off <= maxoff; off++ {
		itup := IndexTuple(page.Item(off))
		switch {
		case off == minoff:
			st.startPending(itup, off)
		case st.deduplicate && ix.keepNattsFast(st.base, itup) > nkeyatts && st.saveHTID(itup):
			// merged into the pending posting list
		default:
			saved, err := st.finishPending(newpage)
			if err != nil {
				return err
			}
			pagesaving += saved
			if singlevalstrat {
				// leave the tail of a single value page unmerged so the
				// coming split has a clean place to go
				switch st.nmaxitems {
				case ix.splitOpts.MaxPostingsSingleValue - 1:
					singleValueFillFactorCap(st, len(page), newitemsz)
				case ix.splitOpts.MaxPostingsSingleValue:
					st.deduplicate = false
					singlevalstrat = false
				}
			}
			st.startPending(itup, off)
		}
	}
	saved, err := st.finishPending(newpage)
	if err != nil {
		return err
	}
	pagesaving += saved

	if len(st.intervals) == 0 {
		return nil
	}

	opaqueOf(newpage).clearFlag(FlagHasGarbage)
	pagemanager.RestoreTempPage(newpage, page)
	ix.bm.MarkBufferDirty(buf)

	xl := xlDedup{NIntervals: uint16(len(st.intervals))}
	b := ix.wal.NewRecord()
	b.RegisterBuffer(0, buf, wal.RegBufStandard)
	b.RegisterData(xl.encode())
	b.RegisterBufData(0, encodeIntervals(st.intervals))
	lsn, err := ix.insertRecord(b, InfoDedup)
	if err != nil {
		return err
	}
	page.SetLSN(lsn)

	ix.metrics.BTreeDedupPassesCounter.Add(ctx, 1)
	ix.logger.Debug("deduplicated leaf",
		zap.Uint32("block", uint32(ix.blockOf(buf))),
		zap.Int("intervals", len(st.intervals)),
		zap.Int("saved", pagesaving))
	return nil
}

// doSingleValue reports whether the page and newitem all hold one value,
// judged by the first and last data items.
func (ix *Index) doSingleValue(page pagemanager.Page, minoff pagemanager.OffsetNumber, newitem IndexTuple) bool {
	nkeyatts := ix.desc.NAtts()
	if ix.keepNattsFast(newitem, IndexTuple(page.Item(minoff))) <= nkeyatts {
		return false
	}
	return ix.keepNattsFast(newitem, IndexTuple(page.Item(page.MaxOffset()))) > nkeyatts
}

// singleValueFillFactorCap shrinks the last large posting list so the
// page ends up about as full as a single value split leaves it.
func singleValueFillFactorCap(st *dedupState, pagesize, newitemsz int) {
	leftfree := pagesize - pagemanager.SizeOfPageHeader - pagemanager.MaxAlign(sizeOfOpaque)
	leftfree -= newitemsz + pagemanager.MaxAlign(itemPointerSize)
	reduction := int(float64(leftfree) * ((100 - singleValueFillFactor) / 100.0))
	if st.maxpostingsize > reduction {
		st.maxpostingsize -= reduction
	} else {
		st.maxpostingsize = 0
	}
}

// dedupRedo repeats a deduplication pass on page, merging exactly the
// logged intervals.
func dedupRedo(page pagemanager.Page, intervals []dedupInterval) error {
	o := opaqueOf(page)
	// the primary's cap is not logged; the intervals say what to merge
	st := newDedupState(MaxItemSize)
	minoff, maxoff := o.FirstDataKey(), page.MaxOffset()

	newpage := pagemanager.GetTempPageCopySpecial(page)
	if !o.IsRightmost() {
		if newpage.AddItem(page.Item(PHikey), PHikey, false, false) == pagemanager.InvalidOffsetNumber {
			return fmt.Errorf("deduplication failed to add highkey")
		}
	}
	for off := minoff; off <= maxoff; off++ {
		itup := IndexTuple(page.Item(off))
		n := len(st.intervals)
		switch {
		case off == minoff:
			st.startPending(itup, off)
		case n < len(intervals) && st.baseoff == intervals[n].baseoff && st.nitems < int(intervals[n].nitems):
			if !st.saveHTID(itup) {
				return fmt.Errorf("deduplication failed to add heap tid to pending posting list")
			}
		default:
			if _, err := st.finishPending(newpage); err != nil {
				return err
			}
			st.startPending(itup, off)
		}
	}
	if _, err := st.finishPending(newpage); err != nil {
		return err
	}
	if len(st.intervals) != len(intervals) {
		return fmt.Errorf("deduplication replay produced %d intervals, expected %d", len(st.intervals), len(intervals))
	}
	opaqueOf(newpage).clearFlag(FlagHasGarbage)
	pagemanager.RestoreTempPage(newpage, page)
	return nil
}
