package btree

import (
	"encoding/binary"
	"fmt"
	"sort"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Item Pointers ---

// ItemPointer is a heap tuple identifier: block number and line pointer.
type ItemPointer struct {
	Block  pagemanager.BlockNumber
	Offset pagemanager.OffsetNumber
}

const itemPointerSize = 6

// Compare orders item pointers by block, then offset.
func (p ItemPointer) Compare(o ItemPointer) int {
	switch {
	case p.Block < o.Block:
		return -1
	case p.Block > o.Block:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

func (p ItemPointer) IsValid() bool { return p.Offset != pagemanager.InvalidOffsetNumber }

func (p ItemPointer) String() string { return fmt.Sprintf("(%d,%d)", p.Block, p.Offset) }

func putItemPointer(b []byte, p ItemPointer) {
	binary.LittleEndian.PutUint32(b, uint32(p.Block))
	binary.LittleEndian.PutUint16(b[4:], uint16(p.Offset))
}

func getItemPointer(b []byte) ItemPointer {
	return ItemPointer{
		Block:  pagemanager.BlockNumber(binary.LittleEndian.Uint32(b)),
		Offset: pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b[4:])),
	}
}

// --- Index Tuples ---

// Tuple header: t_tid block (4), t_tid offset (2), t_info (2). Key
// attributes follow. Every tuple's length is a multiple of MaxAlignOf and
// equals its size field.
const (
	sizeOfTupleHeader = 8

	indexSizeMask   uint16 = 0x1FFF
	indexAltTIDMask uint16 = 0x2000

	// In the t_tid offset of tuples with the alt-tid bit set.
	offsetMask       uint16 = 0x0FFF
	pivotHeapTIDAttr uint16 = 0x1000
	isPostingFlag    uint16 = 0x2000
)

const (
	// MaxItemSize is the largest tuple a leaf page accepts. Three of them
	// plus a heap TID appended to a pivot must fit on a page.
	MaxItemSize = (pagemanager.PageSize-40-sizeOfOpaque)/3/pagemanager.MaxAlignOf*pagemanager.MaxAlignOf - pagemanager.MaxAlignOf
	// MaxItemSizeNoHeapTID is the limit for pivot tuples.
	MaxItemSizeNoHeapTID = (pagemanager.PageSize - 40 - sizeOfOpaque) / 3 / pagemanager.MaxAlignOf * pagemanager.MaxAlignOf
)

// IndexTuple is a view over one index tuple.
type IndexTuple []byte

func (t IndexTuple) rawTID() ItemPointer     { return getItemPointer(t) }
func (t IndexTuple) setRawTID(p ItemPointer) { putItemPointer(t, p) }
func (t IndexTuple) info() uint16            { return binary.LittleEndian.Uint16(t[6:]) }
func (t IndexTuple) setInfo(v uint16)        { binary.LittleEndian.PutUint16(t[6:], v) }
func (t IndexTuple) offsetField() uint16     { return binary.LittleEndian.Uint16(t[4:]) }
func (t IndexTuple) setOffsetField(v uint16) { binary.LittleEndian.PutUint16(t[4:], v) }

// Size returns the tuple length recorded in its header.
func (t IndexTuple) Size() int { return int(t.info() & indexSizeMask) }

func (t IndexTuple) setSize(n int) {
	t.setInfo(t.info()&^indexSizeMask | uint16(n)&indexSizeMask)
}

func (t IndexTuple) hasAltTID() bool { return t.info()&indexAltTIDMask != 0 }

// IsPivot reports whether t is a pivot tuple: a high key or an internal
// page separator.
func (t IndexTuple) IsPivot() bool {
	return t.hasAltTID() && t.offsetField()&isPostingFlag == 0
}

// IsPosting reports whether t is a posting list tuple.
func (t IndexTuple) IsPosting() bool {
	return t.hasAltTID() && t.offsetField()&isPostingFlag != 0
}

// NAtts returns the number of key attributes present in t.
func (t IndexTuple) NAtts(natts int) int {
	if t.IsPivot() {
		return int(t.offsetField() & offsetMask)
	}
	return natts
}

func (t IndexTuple) setNAtts(n int, heapTID bool) {
	v := uint16(n) & offsetMask
	if heapTID {
		v |= pivotHeapTIDAttr
	}
	t.setInfo(t.info() | indexAltTIDMask)
	t.setOffsetField(v)
}

// HeapTID returns the lowest heap TID of t. Pivot tuples only carry one
// when suffix truncation could not remove it.
func (t IndexTuple) HeapTID() (ItemPointer, bool) {
	if t.IsPivot() {
		if t.offsetField()&pivotHeapTIDAttr == 0 {
			return ItemPointer{}, false
		}
		return getItemPointer(t[t.Size()-itemPointerSize:]), true
	}
	if t.IsPosting() {
		return t.PostingTID(0), true
	}
	return t.rawTID(), true
}

// MaxHeapTID returns the highest heap TID of a non-pivot tuple.
func (t IndexTuple) MaxHeapTID() ItemPointer {
	if t.IsPosting() {
		return t.PostingTID(t.NPosting() - 1)
	}
	return t.rawTID()
}

// DownLink returns the child block of a pivot tuple.
func (t IndexTuple) DownLink() pagemanager.BlockNumber { return t.rawTID().Block }

func (t IndexTuple) setDownLink(b pagemanager.BlockNumber) {
	binary.LittleEndian.PutUint32(t, uint32(b))
}

// TopParent returns the top parent link kept in a half-dead leaf's high key.
func (t IndexTuple) TopParent() pagemanager.BlockNumber { return t.rawTID().Block }

// NPosting returns the number of heap TIDs in a posting list tuple.
func (t IndexTuple) NPosting() int { return int(t.offsetField() & offsetMask) }

// PostingOffset returns the byte offset of the posting list.
func (t IndexTuple) PostingOffset() int { return int(t.rawTID().Block) }

// PostingTID returns the i-th heap TID of a posting list.
func (t IndexTuple) PostingTID(i int) ItemPointer {
	return getItemPointer(t[t.PostingOffset()+i*itemPointerSize:])
}

func (t IndexTuple) setPosting(n int, off int) {
	t.setInfo(t.info() | indexAltTIDMask)
	binary.LittleEndian.PutUint32(t, uint32(off))
	t.setOffsetField(uint16(n)&offsetMask | isPostingFlag)
}

// HeapTIDs returns every heap TID t points to, in order.
func (t IndexTuple) HeapTIDs() []ItemPointer {
	if t.IsPosting() {
		out := make([]ItemPointer, t.NPosting())
		for i := range out {
			out[i] = t.PostingTID(i)
		}
		return out
	}
	tid, _ := t.HeapTID()
	return []ItemPointer{tid}
}

// keyEnd returns the end of the key attribute bytes.
func (t IndexTuple) keyEnd() int {
	switch {
	case t.IsPosting():
		return t.PostingOffset()
	case t.IsPivot() && t.offsetField()&pivotHeapTIDAttr != 0:
		return t.Size() - pagemanager.MaxAlign(itemPointerSize)
	}
	return t.Size()
}

// keyData returns the encoded key attributes, including alignment padding.
func (t IndexTuple) keyData() []byte { return t[sizeOfTupleHeader:t.keyEnd()] }

func (t IndexTuple) copy() IndexTuple {
	return append(IndexTuple(nil), t[:t.Size()]...)
}

func (t IndexTuple) String() string {
	switch {
	case t.IsPivot():
		return fmt.Sprintf("pivot(downlink %d, natts %d, size %d)", t.DownLink(), t.NAtts(0), t.Size())
	case t.IsPosting():
		return fmt.Sprintf("posting(%d tids, %s..%s, size %d)", t.NPosting(), t.PostingTID(0), t.MaxHeapTID(), t.Size())
	}
	return fmt.Sprintf("tuple(tid %s, size %d)", t.rawTID(), t.Size())
}

// --- Forming Tuples ---

// newTuple allocates a tuple holding keyData with room for extra trailing
// bytes.
func newTuple(keyData []byte, extra int) IndexTuple {
	size := pagemanager.MaxAlign(sizeOfTupleHeader+len(keyData)) + extra
	t := make(IndexTuple, size)
	copy(t[sizeOfTupleHeader:], keyData)
	t.setSize(size)
	return t
}

// FormTuple builds a leaf tuple for keys pointing at tid.
func FormTuple(desc *TupleDesc, keys []Datum, tid ItemPointer) (IndexTuple, error) {
	data, err := desc.encode(keys)
	if err != nil {
		return nil, err
	}
	t := newTuple(data, 0)
	t.setRawTID(tid)
	return t, nil
}

// formPosting builds a tuple with base's key and htids, a posting list
// when there is more than one.
func formPosting(base IndexTuple, htids []ItemPointer) IndexTuple {
	var keysize int
	if base.IsPosting() {
		keysize = base.PostingOffset()
	} else {
		keysize = base.Size()
	}
	keysize = pagemanager.MaxAlign(keysize)
	newsize := keysize
	if len(htids) > 1 {
		newsize = pagemanager.MaxAlign(keysize + len(htids)*itemPointerSize)
	}
	t := make(IndexTuple, newsize)
	copy(t, base[:keysize])
	t.setInfo(t.info()&^(indexSizeMask|indexAltTIDMask) | uint16(newsize))
	if len(htids) > 1 {
		t.setPosting(len(htids), keysize)
		for i, p := range htids {
			putItemPointer(t[keysize+i*itemPointerSize:], p)
		}
	} else {
		t.setRawTID(htids[0])
	}
	return t
}

// postingValid checks a posting list's TIDs are valid and strictly
// ascending.
func postingValid(t IndexTuple) bool {
	if !t.IsPosting() || t.NPosting() < 2 {
		return false
	}
	last := t.PostingTID(0)
	if !last.IsValid() {
		return false
	}
	for i := 1; i < t.NPosting(); i++ {
		cur := t.PostingTID(i)
		if !cur.IsValid() || cur.Compare(last) <= 0 {
			return false
		}
		last = cur
	}
	return true
}

// swapPosting handles a posting list split: newitem's heap TID belongs
// inside oposting at postingoff. It returns the replacement posting tuple,
// which takes newitem's TID in order and gives up its own maximum TID, and
// rewrites newitem in place to carry that maximum TID instead.
func swapPosting(newitem, oposting IndexTuple, postingoff int) IndexTuple {
	n := oposting.NPosting()
	if postingoff <= 0 || postingoff >= n {
		panic(fmt.Errorf("%w: posting list split offset %d out of range for %d TIDs", ErrIndexCorrupted, postingoff, n))
	}
	nposting := oposting.copy()
	base := nposting.PostingOffset()
	// shift TIDs at and after postingoff right by one, dropping the last
	src := nposting[base+postingoff*itemPointerSize : base+(n-1)*itemPointerSize]
	dst := nposting[base+(postingoff+1)*itemPointerSize : base+n*itemPointerSize]
	copy(dst, src)
	putItemPointer(nposting[base+postingoff*itemPointerSize:], newitem.rawTID())
	newitem.setRawTID(oposting.MaxHeapTID())
	return nposting
}

// vacuumPosting describes the TIDs vacuum removes from one posting tuple.
type vacuumPosting struct {
	itup       IndexTuple
	updatedOff pagemanager.OffsetNumber
	deletetids []uint16
}

// updatePosting returns the tuple left after removing the posting list
// positions in vp.deletetids, a plain tuple when one TID survives.
func updatePosting(vp *vacuumPosting) IndexTuple {
	orig := vp.itup
	n := orig.NPosting()
	keep := make([]ItemPointer, 0, n-len(vp.deletetids))
	d := 0
	for i := 0; i < n; i++ {
		if d < len(vp.deletetids) && int(vp.deletetids[d]) == i {
			d++
			continue
		}
		keep = append(keep, orig.PostingTID(i))
	}
	if len(keep) == 0 {
		panic(fmt.Errorf("%w: posting list update removes every TID", ErrIndexCorrupted))
	}
	return formPosting(orig, keep)
}

// sortItemPointers sorts and removes duplicates.
func sortItemPointers(tids []ItemPointer) []ItemPointer {
	sort.Slice(tids, func(i, j int) bool { return tids[i].Compare(tids[j]) < 0 })
	out := tids[:0]
	for i, p := range tids {
		if i == 0 || p.Compare(out[len(out)-1]) != 0 {
			out = append(out, p)
		}
	}
	return out
}
