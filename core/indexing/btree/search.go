package btree

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// stack records the path of a descent: for each internal page visited,
// its block and the offset of the downlink followed.
type stack struct {
	blkno  pagemanager.BlockNumber
	offset pagemanager.OffsetNumber
	parent *stack
}

// access selects the lock taken on the leaf at the end of a descent.
type access int

const (
	accessRead access = iota
	accessWrite
)

func (a access) lockMode() buffer.LockMode {
	if a == accessWrite {
		return buffer.LockExclusive
	}
	return buffer.LockShare
}

// search descends from the fast root to the leaf that may hold key. The
// leaf is returned locked per acc along with the descent stack. An empty
// index read-only yields InvalidBuffer.
func (ix *Index) search(key *scanKey, acc access) (*stack, buffer.Buffer, error) {
	buf, err := ix.getroot(acc == accessWrite)
	if err != nil || buf == buffer.InvalidBuffer {
		return nil, buf, err
	}
	var stackIn *stack
	pageAccess := accessRead
	for {
		buf, err = ix.moveright(key, buf, acc == accessWrite, stackIn, pageAccess)
		if err != nil {
			return nil, buffer.InvalidBuffer, err
		}
		p := ix.page(buf)
		o := opaqueOf(p)
		if o.IsLeaf() {
			break
		}
		off := ix.binsrch(key, buf)
		child := IndexTuple(p.Item(off)).DownLink()
		stackIn = &stack{blkno: ix.blockOf(buf), offset: off, parent: stackIn}
		// the level above the leaves is locked exclusively by writers so
		// that the leaf is reached with the right lock straight away
		if o.Level() == 1 && acc == accessWrite {
			pageAccess = accessWrite
		}
		if buf, err = ix.relandgetbuf(buf, child, pageAccess.lockMode()); err != nil {
			return nil, buffer.InvalidBuffer, err
		}
	}
	if acc == accessWrite && pageAccess == accessRead {
		// root is the leaf: trade the read lock for a write lock and make
		// sure it is still the right page
		ix.unlockbuf(buf)
		ix.lockbuf(buf, buffer.LockExclusive)
		if buf, err = ix.moveright(key, buf, true, stackIn, accessWrite); err != nil {
			return nil, buffer.InvalidBuffer, err
		}
	}
	return stackIn, buf, nil
}

// moveright steps right while key belongs past the page's high key, the
// page is being deleted, or (for writers) its split is unfinished. The
// returned buffer is locked per acc.
func (ix *Index) moveright(key *scanKey, buf buffer.Buffer, forUpdate bool, st *stack, acc access) (buffer.Buffer, error) {
	cmpval := 1
	if key.nextkey {
		cmpval = 0
	}
	var err error
	for {
		p := ix.page(buf)
		o := opaqueOf(p)
		if o.IsRightmost() {
			break
		}
		if forUpdate && o.IsIncompleteSplit() {
			blkno := ix.blockOf(buf)
			if acc == accessRead {
				ix.unlockbuf(buf)
				ix.lockbuf(buf, buffer.LockExclusive)
			}
			if opaqueOf(ix.page(buf)).IsIncompleteSplit() {
				if err := ix.finishSplit(buf, st); err != nil {
					return buffer.InvalidBuffer, err
				}
			} else {
				ix.relbuf(buf)
			}
			if buf, err = ix.getbuf(blkno, acc.lockMode()); err != nil {
				return buffer.InvalidBuffer, err
			}
			continue
		}
		if o.Ignore() || key.compare(p, PHikey) >= cmpval {
			if buf, err = ix.relandgetbuf(buf, o.Next(), acc.lockMode()); err != nil {
				return buffer.InvalidBuffer, err
			}
			continue
		}
		break
	}
	if opaqueOf(ix.page(buf)).Ignore() {
		blk := ix.blockOf(buf)
		ix.relbuf(buf)
		return buffer.InvalidBuffer, corruptf("fell off the end of index %q at block %d", ix.name, blk)
	}
	return buf, nil
}

// binsrch returns, on a leaf, the first item >= key (> key with nextkey),
// and on an internal page the last pivot < key, whose downlink to follow.
func (ix *Index) binsrch(key *scanKey, buf buffer.Buffer) pagemanager.OffsetNumber {
	p := ix.page(buf)
	o := opaqueOf(p)
	low := o.FirstDataKey()
	high := p.MaxOffset()
	if high < low {
		return low
	}
	high++
	cmpval := 1
	if key.nextkey {
		cmpval = 0
	}
	for high > low {
		mid := low + (high-low)/2
		if key.compare(p, mid) >= cmpval {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if o.IsLeaf() {
		return low
	}
	return low.Prev()
}

// insertState carries a leaf insertion between its phases.
type insertState struct {
	itup   IndexTuple
	itemsz int
	key    *scanKey
	buf    buffer.Buffer

	// bounds cached by binsrchInsert for reuse on the same page
	boundsValid bool
	low         pagemanager.OffsetNumber
	stricthigh  pagemanager.OffsetNumber

	// postingoff is the position within a posting list the new TID falls
	// into, or -1 when that posting list is LP_DEAD.
	postingoff int
}

// binsrchInsert is binsrch for a leaf insertion. It caches the bounds of
// the equal-key range so that a uniqueness check followed by the insert
// itself only searches once, and detects posting list overlap.
func (ix *Index) binsrchInsert(st *insertState) (pagemanager.OffsetNumber, error) {
	key := st.key
	p := ix.page(st.buf)
	o := opaqueOf(p)
	var low, high pagemanager.OffsetNumber
	if !st.boundsValid {
		low = o.FirstDataKey()
		high = p.MaxOffset()
	} else {
		low = st.low
		high = st.stricthigh
	}
	if high < low {
		// nothing to cache on an empty page
		st.low, st.stricthigh = pagemanager.InvalidOffsetNumber, pagemanager.InvalidOffsetNumber
		st.boundsValid = false
		return low, nil
	}
	if !st.boundsValid {
		high++
	}
	stricthigh := high
	for high > low {
		mid := low + (high-low)/2
		result := key.compare(p, mid)
		if result >= 1 {
			low = mid + 1
		} else {
			high = mid
			if result != 0 {
				stricthigh = high
			}
		}
		if result == 0 && key.scantid != nil {
			if st.postingoff != 0 {
				return 0, corruptf("table tid %s from new index tuple overlaps with invalid duplicate tuple at offset %d of block %d in index %q",
					key.scantid, low, ix.blockOf(st.buf), ix.name)
			}
			st.postingoff = ix.binsrchPosting(key, p, mid)
		}
	}
	st.low, st.stricthigh = low, stricthigh
	st.boundsValid = true
	return low, nil
}

// binsrchPosting finds the position in the posting list at off where
// key.scantid belongs. It returns 0 when off is not a posting list and -1
// when the posting list is LP_DEAD or already holds the TID.
func (ix *Index) binsrchPosting(key *scanKey, p pagemanager.Page, off pagemanager.OffsetNumber) int {
	if !key.allequalimage {
		return 0
	}
	t := IndexTuple(p.Item(off))
	if !t.IsPosting() {
		return 0
	}
	if p.ItemID(off).IsDead() {
		return -1
	}
	low, high := 0, t.NPosting()
	for high > low {
		mid := low + (high-low)/2
		r := key.scantid.Compare(t.PostingTID(mid))
		switch {
		case r > 0:
			low = mid + 1
		case r < 0:
			high = mid
		default:
			return -1
		}
	}
	return low
}

// --- Ordered Scans ---

// ScanEntry is one key and heap TID returned by a scan.
type ScanEntry struct {
	Keys []Datum
	TID  ItemPointer
}

func (e ScanEntry) String() string { return fmt.Sprintf("%v%s", e.Keys, e.TID) }

// Scan calls fn for every entry whose key is >= start, in key then heap
// TID order, until fn returns false. A nil start scans the whole index.
// start may hold fewer values than the index has attributes. Items marked
// LP_DEAD are skipped.
func (ix *Index) Scan(ctx context.Context, start []Datum, fn func(ScanEntry) bool) error {
	var (
		buf buffer.Buffer
		off pagemanager.OffsetNumber
		err error
	)
	if start == nil {
		buf, err = ix.getEndpoint(0, false)
		if err != nil || buf == buffer.InvalidBuffer {
			return err
		}
		off = opaqueOf(ix.page(buf)).FirstDataKey()
	} else {
		if len(start) > ix.desc.NAtts() {
			return fmt.Errorf("%w: %d scan keys for %d attributes", ErrInvalidKey, len(start), ix.desc.NAtts())
		}
		key := ix.makeScanKey(start, nil)
		if _, err := ix.desc.encode(padKeys(ix.desc, start)); err != nil {
			return err
		}
		_, buf, err = ix.search(key, accessRead)
		if err != nil || buf == buffer.InvalidBuffer {
			return err
		}
		off = ix.binsrch(key, buf)
	}

	for {
		if err := ctx.Err(); err != nil {
			ix.relbuf(buf)
			return err
		}
		entries, next := ix.readLeaf(buf, off)
		ix.relbuf(buf)
		for _, e := range entries {
			if !fn(e) {
				return nil
			}
		}
		for {
			if next == PNone {
				return nil
			}
			if buf, err = ix.getbuf(next, buffer.LockShare); err != nil {
				return err
			}
			o := opaqueOf(ix.page(buf))
			if !o.Ignore() {
				off = o.FirstDataKey()
				break
			}
			next = o.Next()
			ix.relbuf(buf)
		}
	}
}

// readLeaf copies out the live entries of a locked leaf from off onwards.
func (ix *Index) readLeaf(buf buffer.Buffer, off pagemanager.OffsetNumber) ([]ScanEntry, pagemanager.BlockNumber) {
	p := ix.page(buf)
	o := opaqueOf(p)
	var out []ScanEntry
	for ; off <= p.MaxOffset(); off++ {
		if p.ItemID(off).IsDead() {
			continue
		}
		t := IndexTuple(p.Item(off))
		keys := ix.desc.Keys(t)
		for _, tid := range t.HeapTIDs() {
			out = append(out, ScanEntry{Keys: keys, TID: tid})
		}
	}
	return out, o.Next()
}

// ScanAll returns every live entry of the index in order.
func (ix *Index) ScanAll(ctx context.Context) ([]ScanEntry, error) {
	var out []ScanEntry
	err := ix.Scan(ctx, nil, func(e ScanEntry) bool {
		out = append(out, e)
		return true
	})
	return out, err
}

// Lookup returns the heap TIDs of the live entries equal to keys.
func (ix *Index) Lookup(ctx context.Context, keys []Datum) ([]ItemPointer, error) {
	var out []ItemPointer
	err := ix.Scan(ctx, keys, func(e ScanEntry) bool {
		for i, k := range keys {
			if e.Keys[i].Compare(k) != 0 {
				return false
			}
		}
		out = append(out, e.TID)
		return true
	})
	return out, err
}

// padKeys fills the attributes missing from a prefix key with zero values
// of the right kind, for type checking.
func padKeys(desc *TupleDesc, keys []Datum) []Datum {
	out := append([]Datum(nil), keys...)
	for i := len(keys); i < desc.NAtts(); i++ {
		out = append(out, Datum{Kind: desc.Attrs[i].Kind})
	}
	return out
}
