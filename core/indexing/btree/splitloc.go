package btree

import (
	"math"
	"slices"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Split Point Selection ---

type splitStrategy int

const (
	// splitDefault balances free space, then maximizes suffix truncation
	// within a small interval of the best balanced candidates.
	splitDefault splitStrategy = iota
	// splitManyDuplicates considers every candidate so the split falls
	// next to a group of duplicates instead of inside it.
	splitManyDuplicates
	// splitSingleValue packs the left page when the whole page holds one
	// value and a heap TID in the high key cannot be avoided.
	splitSingleValue
)

func (s splitStrategy) String() string {
	switch s {
	case splitManyDuplicates:
		return "many_duplicates"
	case splitSingleValue:
		return "single_value"
	}
	return "default"
}

const (
	itemIDSize = 4

	// intervalFraction of the legal split points form the default
	// interval, capped by the configured leaf or internal maximum.
	intervalFraction = 0.05
)

// splitPoint is one legal place to split: before firstrightoff, with the
// new item on the given side.
type splitPoint struct {
	curdelta      int
	leftfree      int
	rightfree     int
	firstrightoff pagemanager.OffsetNumber
	newitemonleft bool
}

type findSplitData struct {
	ix          *Index
	page        pagemanager.Page
	newitem     IndexTuple
	newitemsz   int
	newitemoff  pagemanager.OffsetNumber
	isleaf      bool
	isrightmost bool
	nkeyatts    int

	leftspace         int
	rightspace        int
	olddataitemstotal int
	minfirstrightsz   int

	splits   []splitPoint
	interval int
}

// findsplitloc chooses where to split page so that newitem of size
// newitemsz fits at newitemoff. It returns the offset of the first item
// of the right page (in the original page's numbering) and whether the
// new item goes left.
func (ix *Index) findsplitloc(page pagemanager.Page, newitemoff pagemanager.OffsetNumber, newitemsz int, newitem IndexTuple) (pagemanager.OffsetNumber, bool, error) {
	o := opaqueOf(page)
	maxoff := page.MaxOffset()

	leftspace := len(page) - pagemanager.SizeOfPageHeader - pagemanager.MaxAlign(sizeOfOpaque)
	rightspace := leftspace
	if !o.IsRightmost() {
		// the right page inherits the high key
		rightspace -= pagemanager.MaxAlign(page.ItemID(PHikey).Length()) + itemIDSize
	}

	st := &findSplitData{
		ix:                ix,
		page:              page,
		newitem:           newitem,
		newitemsz:         newitemsz + itemIDSize,
		newitemoff:        newitemoff,
		isleaf:            o.IsLeaf(),
		isrightmost:       o.IsRightmost(),
		nkeyatts:          ix.desc.NAtts(),
		leftspace:         leftspace,
		rightspace:        rightspace,
		olddataitemstotal: rightspace - page.ExactFreeSpace(),
		minfirstrightsz:   math.MaxInt,
		splits:            make([]splitPoint, 0, int(maxoff)+1),
	}

	olddataitemstoleft := 0
	for off := o.FirstDataKey(); off <= maxoff; off++ {
		itemsz := pagemanager.MaxAlign(page.ItemID(off).Length()) + itemIDSize
		switch {
		case off < newitemoff:
			st.recsplitloc(off, false, olddataitemstoleft, itemsz)
		case off > newitemoff:
			st.recsplitloc(off, true, olddataitemstoleft, itemsz)
		default:
			// before the new item, then between it and the old item
			st.recsplitloc(off, false, olddataitemstoleft, itemsz)
			st.recsplitloc(off, true, olddataitemstoleft, itemsz)
		}
		olddataitemstoleft += itemsz
	}
	// new item alone on the right page
	if newitemoff > maxoff {
		st.recsplitloc(newitemoff, false, st.olddataitemstotal, 0)
	}

	if len(st.splits) == 0 {
		return 0, false, corruptf("could not find a feasible split point for index %q", ix.name)
	}

	leaffillfactor := float64(ix.cfg.FillFactor) / 100
	var (
		usemult        bool
		fillfactormult float64
	)
	switch {
	case !st.isleaf:
		usemult = st.isrightmost
		fillfactormult = nonLeafFillFactor / 100.0
	case st.isrightmost:
		usemult = true
		fillfactormult = leaffillfactor
	default:
		if after, mult := st.afternewitemoff(maxoff, leaffillfactor); after {
			if mult {
				usemult = true
				fillfactormult = leaffillfactor
				break
			}
			for _, sp := range st.splits {
				if sp.newitemonleft && sp.firstrightoff == newitemoff {
					return newitemoff, true, nil
				}
			}
			// cannot split right after the new item; fall back to 50:50
		}
		usemult = false
		fillfactormult = 0.5
	}

	// remember the page's extreme split points before the delta sort
	leftpage := st.splits[0]
	rightpage := st.splits[len(st.splits)-1]

	st.deltasortsplits(fillfactormult, usemult)
	st.interval = st.defaultInterval()

	perfectpenalty, strategy := st.strategy(leftpage, rightpage)
	switch strategy {
	case splitManyDuplicates:
		st.interval = len(st.splits)
	case splitSingleValue:
		st.deltasortsplits(singleValueFillFactor/100.0, true)
		st.interval = 1
	}

	firstrightoff, newitemonleft := st.bestsplitloc(perfectpenalty, strategy)
	return firstrightoff, newitemonleft, nil
}

// recsplitloc records the split before firstrightoff if both halves fit.
func (st *findSplitData) recsplitloc(firstrightoff pagemanager.OffsetNumber, newitemonleft bool, olddataitemstoleft, firstrightofforigpagetuplesz int) {
	// the left page must keep at least one data item
	if olddataitemstoleft == 0 && !newitemonleft {
		return
	}

	newitemisfirstright := firstrightoff == st.newitemoff && !newitemonleft
	postingsz := 0
	var firstrightsz int
	if newitemisfirstright {
		firstrightsz = st.newitemsz
	} else {
		firstrightsz = firstrightofforigpagetuplesz
		// a posting list in firstright is truncated away from the high key
		if st.isleaf && firstrightsz > 64 {
			t := IndexTuple(st.page.Item(firstrightoff))
			if t.IsPosting() {
				postingsz = t.Size() - t.PostingOffset()
			}
		}
	}

	leftfree := st.leftspace - olddataitemstoleft
	rightfree := st.rightspace - (st.olddataitemstotal - olddataitemstoleft)

	// firstright becomes the left high key, possibly with a heap TID
	if st.isleaf {
		leftfree -= firstrightsz + pagemanager.MaxAlign(itemPointerSize) - postingsz
	} else {
		leftfree -= firstrightsz
	}

	if newitemonleft {
		leftfree -= st.newitemsz
	} else {
		rightfree -= st.newitemsz
	}

	// the first internal right item loses its key
	if !st.isleaf {
		rightfree += firstrightsz - (pagemanager.MaxAlign(sizeOfTupleHeader) + itemIDSize)
	}

	if leftfree >= 0 && rightfree >= 0 {
		st.minfirstrightsz = min(st.minfirstrightsz, firstrightsz)
		st.splits = append(st.splits, splitPoint{
			leftfree:      leftfree,
			rightfree:     rightfree,
			firstrightoff: firstrightoff,
			newitemonleft: newitemonleft,
		})
	}
}

// deltasortsplits orders split points by how far they are from the
// wanted balance of free space.
func (st *findSplitData) deltasortsplits(fillfactormult float64, usemult bool) {
	for i := range st.splits {
		sp := &st.splits[i]
		var delta int
		if usemult {
			delta = int(fillfactormult*float64(sp.leftfree) - (1.0-fillfactormult)*float64(sp.rightfree))
		} else {
			delta = sp.leftfree - sp.rightfree
		}
		if delta < 0 {
			delta = -delta
		}
		sp.curdelta = delta
	}
	slices.SortStableFunc(st.splits, func(a, b splitPoint) int { return a.curdelta - b.curdelta })
}

func (st *findSplitData) defaultInterval() int {
	limit := st.ix.splitOpts.LeafInterval
	if !st.isleaf {
		limit = st.ix.splitOpts.InternalInterval
	}
	n := max(1, int(float64(len(st.splits))*intervalFraction))
	return min(n, limit)
}

// afternewitemoff detects a local grouping of ascending insertions into a
// composite index, where splitting just after the new item leaves the
// left page full. mult asks for the leaf fillfactor instead of the exact
// split after the new item.
func (st *findSplitData) afternewitemoff(maxoff pagemanager.OffsetNumber, leaffillfactor float64) (after, mult bool) {
	if st.nkeyatts == 1 {
		return false, false
	}
	if st.newitemoff == PFirstKey {
		return false, false
	}
	// equisized tuples only; the high key is not a data item
	if st.newitemsz != st.minfirstrightsz {
		return false, false
	}
	if st.newitemsz*(int(maxoff)-1) != st.olddataitemstotal {
		return false, false
	}
	if st.newitemsz > pagemanager.MaxAlign(sizeOfTupleHeader+8*2)+itemIDSize {
		return false, false
	}

	if st.newitemoff > maxoff {
		tup := IndexTuple(st.page.Item(maxoff))
		keep := st.ix.keepNattsFast(tup, st.newitem)
		return keep > 1 && keep <= st.nkeyatts, true
	}

	tup := IndexTuple(st.page.Item(st.newitemoff.Prev()))
	if tup.IsPosting() || !adjacentHeapTID(tup.rawTID(), st.newitem.rawTID()) {
		return false, false
	}
	keep := st.ix.keepNattsFast(tup, st.newitem)
	if keep > 1 && keep <= st.nkeyatts {
		interp := float64(st.newitemoff) / (float64(maxoff) + 1)
		// never split further right than a fillfactor split would
		return true, interp > leaffillfactor
	}
	return false, false
}

// adjacentHeapTID reports whether high plausibly follows low in the heap.
func adjacentHeapTID(low, high ItemPointer) bool {
	if low.Block == high.Block {
		return true
	}
	return low.Block+1 == high.Block && high.Offset == pagemanager.FirstOffsetNumber
}

// strategy picks the split strategy and the penalty below which a split
// point cannot be improved on.
func (st *findSplitData) strategy(leftpage, rightpage splitPoint) (int, splitStrategy) {
	if !st.isleaf {
		return st.minfirstrightsz, splitDefault
	}

	leftmost, rightmost := st.intervalEdges()
	perfectpenalty := st.ix.keepNattsFast(leftmost, rightmost)
	if perfectpenalty <= st.nkeyatts {
		return perfectpenalty, splitDefault
	}

	// every split in the interval needs a heap TID: look at the whole page
	leftmost = st.lastleft(leftpage)
	rightmost = st.firstright(rightpage)
	perfectpenalty = st.ix.keepNattsFast(leftmost, rightmost)
	if perfectpenalty <= st.nkeyatts {
		return st.nkeyatts, splitManyDuplicates
	}

	// one value on the whole page; packing the left page only pays off
	// for the last page of that value
	if st.isrightmost {
		return perfectpenalty, splitSingleValue
	}
	hikey := IndexTuple(st.page.Item(PHikey))
	perfectpenalty = st.ix.keepNattsFast(hikey, st.newitem)
	if perfectpenalty <= st.nkeyatts {
		return perfectpenalty, splitSingleValue
	}
	return perfectpenalty, splitDefault
}

// intervalEdges returns the leftmost lastleft and rightmost firstright
// tuples among the split points in the current interval.
func (st *findSplitData) intervalEdges() (IndexTuple, IndexTuple) {
	highsplit := min(st.interval, len(st.splits))
	deltaoptimal := st.splits[0]
	var leftinterval, rightinterval IndexTuple
	for i := highsplit - 1; i >= 0; i-- {
		distant := st.splits[i]
		switch {
		case distant.firstrightoff < deltaoptimal.firstrightoff:
			if leftinterval == nil {
				leftinterval = st.lastleft(distant)
			}
		case distant.firstrightoff > deltaoptimal.firstrightoff:
			if rightinterval == nil {
				rightinterval = st.firstright(distant)
			}
		case !distant.newitemonleft && deltaoptimal.newitemonleft:
			if rightinterval == nil {
				rightinterval = st.firstright(distant)
			}
		case distant.newitemonleft && !deltaoptimal.newitemonleft:
			if leftinterval == nil {
				leftinterval = st.lastleft(distant)
			}
		default:
			if leftinterval == nil {
				leftinterval = st.lastleft(distant)
			}
			if rightinterval == nil {
				rightinterval = st.firstright(distant)
			}
		}
		if leftinterval != nil && rightinterval != nil {
			break
		}
	}
	return leftinterval, rightinterval
}

// bestsplitloc returns the split point in the interval with the lowest
// penalty, stopping early at perfectpenalty.
func (st *findSplitData) bestsplitloc(perfectpenalty int, strategy splitStrategy) (pagemanager.OffsetNumber, bool) {
	highsplit := min(st.interval, len(st.splits))
	bestpenalty := math.MaxInt
	lowsplit := 0
	for i := 0; i < highsplit; i++ {
		penalty := st.penalty(st.splits[i])
		if penalty < bestpenalty {
			bestpenalty = penalty
			lowsplit = i
		}
		if penalty <= perfectpenalty {
			break
		}
	}
	final := st.splits[lowsplit]

	// with decreasing insertions just right of a group of duplicates, a
	// many duplicates split would land at the same place over and over
	if strategy == splitManyDuplicates && !st.isrightmost && !final.newitemonleft &&
		final.firstrightoff >= st.newitemoff &&
		int(final.firstrightoff) < int(st.newitemoff)+st.ix.splitOpts.ManyDupsGuard {
		final = st.splits[0]
	}
	return final.firstrightoff, final.newitemonleft
}

// penalty is the number of attributes the new high key keeps on a leaf,
// or the size of the first right tuple on an internal page.
func (st *findSplitData) penalty(sp splitPoint) int {
	if !st.isleaf {
		if !sp.newitemonleft && sp.firstrightoff == st.newitemoff {
			return st.newitemsz
		}
		return pagemanager.MaxAlign(st.page.ItemID(sp.firstrightoff).Length()) + itemIDSize
	}
	return st.ix.keepNattsFast(st.lastleft(sp), st.firstright(sp))
}

func (st *findSplitData) lastleft(sp splitPoint) IndexTuple {
	if sp.newitemonleft && sp.firstrightoff == st.newitemoff {
		return st.newitem
	}
	return IndexTuple(st.page.Item(sp.firstrightoff.Prev()))
}

func (st *findSplitData) firstright(sp splitPoint) IndexTuple {
	if !sp.newitemonleft && sp.firstrightoff == st.newitemoff {
		return st.newitem
	}
	return IndexTuple(st.page.Item(sp.firstrightoff))
}
