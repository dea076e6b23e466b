// Package pagemanager implements the slotted page format shared by every
// access method: a fixed header, a dense item-id array growing up from the
// header, item bytes growing down from the special area, and an
// access-method-private special area at the end of the page.
//
// A Page is a typed view over a byte slice; nothing is copied. Structural
// corruption detected while mutating a page is not recoverable and panics
// with an error wrapping ErrPageCorrupted.
package pagemanager

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// --- Page Layout ---

const (
	PageSize          = 8192
	SizeOfPageHeader  = 24
	ItemIDSize        = 4
	MaxAlignOf        = 8
	PageLayoutVersion = 4
)

// LSN is a byte position in the write-ahead log.
type LSN uint64

const InvalidLSN LSN = 0

// BlockNumber addresses a page within a relation fork.
type BlockNumber uint32

const (
	InvalidBlockNumber BlockNumber = 0xFFFFFFFF
	// NewBlock asks the buffer pool to extend the relation.
	NewBlock = InvalidBlockNumber
)

// OffsetNumber is a 1-based index into the item-id array.
type OffsetNumber uint16

const (
	InvalidOffsetNumber OffsetNumber = 0
	FirstOffsetNumber   OffsetNumber = 1
	MaxOffsetNumber                  = OffsetNumber(PageSize / ItemIDSize)
)

func (o OffsetNumber) Next() OffsetNumber { return o + 1 }
func (o OffsetNumber) Prev() OffsetNumber { return o - 1 }

// Header field offsets.
const (
	offLSN             = 0
	offChecksum        = 8
	offFlags           = 10
	offLower           = 12
	offUpper           = 14
	offSpecial         = 16
	offPageSizeVersion = 18
	offPruneXid        = 20
)

// Page header flag bits.
const (
	PageHasFreeLines uint16 = 0x0001
	PageFull         uint16 = 0x0002
	PageAllVisible   uint16 = 0x0004
	PageHasGarbage   uint16 = 0x0008

	PageValidFlagBits uint16 = 0x000F
)

var (
	ErrPageCorrupted = errors.New("corrupted page")
	ErrInvalidOffset = errors.New("invalid item offset")
)

func corrupted(format string, args ...interface{}) {
	panic(errors.Wrapf(ErrPageCorrupted, format, args...))
}

// MaxAlign rounds n up to the platform's maximum alignment.
func MaxAlign(n int) int { return (n + MaxAlignOf - 1) &^ (MaxAlignOf - 1) }

// MaxAlignDown rounds n down to the platform's maximum alignment.
func MaxAlignDown(n int) int { return n &^ (MaxAlignOf - 1) }

// Page is a view over one page of bytes.
type Page []byte

// Init zeroes the page and lays out an empty item area ahead of a special
// area of specialSize bytes (rounded up to MaxAlignOf).
func Init(p Page, specialSize int) {
	specialSize = MaxAlign(specialSize)
	clear(p)
	p.SetLower(SizeOfPageHeader)
	p.SetUpper(uint16(len(p) - specialSize))
	p.SetSpecial(uint16(len(p) - specialSize))
	binary.LittleEndian.PutUint16(p[offPageSizeVersion:], uint16(len(p))|PageLayoutVersion)
}

func (p Page) LSN() LSN         { return LSN(binary.LittleEndian.Uint64(p[offLSN:])) }
func (p Page) SetLSN(lsn LSN)   { binary.LittleEndian.PutUint64(p[offLSN:], uint64(lsn)) }
func (p Page) Checksum() uint16 { return binary.LittleEndian.Uint16(p[offChecksum:]) }
func (p Page) Flags() uint16    { return binary.LittleEndian.Uint16(p[offFlags:]) }
func (p Page) SetFlags(f uint16) {
	binary.LittleEndian.PutUint16(p[offFlags:], f)
}
func (p Page) Lower() uint16       { return binary.LittleEndian.Uint16(p[offLower:]) }
func (p Page) SetLower(v uint16)   { binary.LittleEndian.PutUint16(p[offLower:], v) }
func (p Page) Upper() uint16       { return binary.LittleEndian.Uint16(p[offUpper:]) }
func (p Page) SetUpper(v uint16)   { binary.LittleEndian.PutUint16(p[offUpper:], v) }
func (p Page) Special() uint16     { return binary.LittleEndian.Uint16(p[offSpecial:]) }
func (p Page) SetSpecial(v uint16) { binary.LittleEndian.PutUint16(p[offSpecial:], v) }
func (p Page) PruneXid() uint32    { return binary.LittleEndian.Uint32(p[offPruneXid:]) }
func (p Page) SetPruneXid(x uint32) {
	binary.LittleEndian.PutUint32(p[offPruneXid:], x)
}

// PageSizeField returns the page size recorded in the header.
func (p Page) PageSizeField() int {
	return int(binary.LittleEndian.Uint16(p[offPageSizeVersion:]) & 0xFF00)
}

// LayoutVersion returns the layout version recorded in the header.
func (p Page) LayoutVersion() int {
	return int(binary.LittleEndian.Uint16(p[offPageSizeVersion:]) & 0x00FF)
}

// IsNew reports whether the page was never initialized.
func (p Page) IsNew() bool { return p.Upper() == 0 }

// IsEmpty reports whether the page holds no item ids.
func (p Page) IsEmpty() bool { return p.Lower() <= SizeOfPageHeader }

func (p Page) HasFreeLines() bool { return p.Flags()&PageHasFreeLines != 0 }
func (p Page) SetHasFreeLines()   { p.SetFlags(p.Flags() | PageHasFreeLines) }
func (p Page) ClearHasFreeLines() { p.SetFlags(p.Flags() &^ PageHasFreeLines) }
func (p Page) IsFull() bool       { return p.Flags()&PageFull != 0 }
func (p Page) SetFull()           { p.SetFlags(p.Flags() | PageFull) }
func (p Page) ClearFull()         { p.SetFlags(p.Flags() &^ PageFull) }
func (p Page) IsAllVisible() bool { return p.Flags()&PageAllVisible != 0 }
func (p Page) SetAllVisible()     { p.SetFlags(p.Flags() | PageAllVisible) }
func (p Page) ClearAllVisible()   { p.SetFlags(p.Flags() &^ PageAllVisible) }

// SpecialArea returns the access-method-private trailing bytes.
func (p Page) SpecialArea() []byte { return p[p.Special():] }

// SpecialSize returns the size of the special area.
func (p Page) SpecialSize() int { return len(p) - int(p.Special()) }

// Contents returns the bytes after the header, for pages that store a
// fixed struct instead of items (metapages, deleted pages).
func (p Page) Contents() []byte { return p[MaxAlign(SizeOfPageHeader):] }

// MaxOffset returns the number of item ids on the page.
func (p Page) MaxOffset() OffsetNumber {
	lower := int(p.Lower())
	if lower <= SizeOfPageHeader {
		return InvalidOffsetNumber
	}
	return OffsetNumber((lower - SizeOfPageHeader) / ItemIDSize)
}

func itemIDPos(off OffsetNumber) int {
	return SizeOfPageHeader + (int(off)-1)*ItemIDSize
}

// ItemID returns the line pointer at off.
func (p Page) ItemID(off OffsetNumber) ItemID {
	return ItemID(binary.LittleEndian.Uint32(p[itemIDPos(off):]))
}

// SetItemID overwrites the line pointer at off.
func (p Page) SetItemID(off OffsetNumber, id ItemID) {
	binary.LittleEndian.PutUint32(p[itemIDPos(off):], uint32(id))
}

// Item returns the bytes addressed by the line pointer at off.
func (p Page) Item(off OffsetNumber) []byte {
	id := p.ItemID(off)
	return p[id.Offset() : id.Offset()+id.Length()]
}

func (p Page) checkPointers() (lower, upper, special int) {
	lower, upper, special = int(p.Lower()), int(p.Upper()), int(p.Special())
	if lower < SizeOfPageHeader || lower > upper || upper > special || special > len(p) {
		corrupted("lower = %d, upper = %d, special = %d", lower, upper, special)
	}
	return lower, upper, special
}

// AddItem places item on the page and returns its offset number, or
// InvalidOffsetNumber when the page lacks room or offnum is unusable.
//
// With offnum invalid the next free slot is chosen; heap pages may reuse
// unused line pointers. With overwrite set, offnum must name an unused
// slot; otherwise existing line pointers at and after offnum shift up.
func (p Page) AddItem(item []byte, offnum OffsetNumber, overwrite, isHeap bool) OffsetNumber {
	lower, upper, _ := p.checkPointers()

	limit := p.MaxOffset().Next()
	needShuffle := false
	if offnum != InvalidOffsetNumber {
		if overwrite {
			if offnum < limit {
				id := p.ItemID(offnum)
				if id.IsUsed() || id.HasStorage() {
					return InvalidOffsetNumber
				}
			}
		} else if offnum < limit {
			needShuffle = true
		}
	} else {
		if isHeap && p.HasFreeLines() {
			for off := FirstOffsetNumber; off < limit; off++ {
				id := p.ItemID(off)
				if !id.IsUsed() && !id.HasStorage() {
					offnum = off
					break
				}
			}
			if offnum == InvalidOffsetNumber {
				p.ClearHasFreeLines()
			}
		}
		if offnum == InvalidOffsetNumber {
			offnum = limit
		}
	}
	if offnum > limit || offnum >= MaxOffsetNumber {
		return InvalidOffsetNumber
	}

	lowerNew := lower
	if offnum == limit || needShuffle {
		lowerNew += ItemIDSize
	}
	alignedSize := MaxAlign(len(item))
	upperNew := upper - alignedSize
	if lowerNew > upperNew {
		return InvalidOffsetNumber
	}

	if needShuffle {
		copy(p[itemIDPos(offnum+1):itemIDPos(limit+1)], p[itemIDPos(offnum):itemIDPos(limit)])
	}
	p.SetItemID(offnum, MakeItemID(upperNew, len(item), LPNormal))
	copy(p[upperNew:], item)
	clear(p[upperNew+len(item) : upperNew+alignedSize])

	p.SetLower(uint16(lowerNew))
	p.SetUpper(uint16(upperNew))
	return offnum
}

// IndexTupleDelete removes the item at offnum, closing the gap in both the
// line pointer array and the item area.
func (p Page) IndexTupleDelete(offnum OffsetNumber) {
	lower, upper, special := p.checkPointers()
	nline := p.MaxOffset()
	if offnum < FirstOffsetNumber || offnum > nline {
		panic(errors.Wrapf(ErrInvalidOffset, "offset %d of %d", offnum, nline))
	}
	id := p.ItemID(offnum)
	size := MaxAlign(id.Length())
	offset := id.Offset()
	if offset < upper || offset+size > special || offset != MaxAlign(offset) {
		corrupted("item offset %d, size %d", offset, size)
	}

	// Close the gap in the line pointer array.
	copy(p[itemIDPos(offnum):], p[itemIDPos(offnum+1):lower])

	// Slide the items that sat below the removed one up by its size.
	copy(p[upper+size:offset+size], p[upper:offset])
	clear(p[upper : upper+size])

	p.SetLower(uint16(lower - ItemIDSize))
	p.SetUpper(uint16(upper + size))

	if offset > upper {
		for off := FirstOffsetNumber; off <= p.MaxOffset(); off++ {
			ii := p.ItemID(off)
			if ii.HasStorage() && ii.Offset() <= offset {
				p.SetItemID(off, ii.WithOffset(ii.Offset()+size))
			}
		}
	}
}

type liveItem struct {
	id   ItemID
	data []byte
}

// IndexMultiDelete removes the items named in sorted itemnos.
func (p Page) IndexMultiDelete(itemnos []OffsetNumber) {
	if len(itemnos) == 0 {
		return
	}
	if len(itemnos) <= 2 {
		for i := len(itemnos) - 1; i >= 0; i-- {
			p.IndexTupleDelete(itemnos[i])
		}
		return
	}

	_, upper, special := p.checkPointers()
	nline := p.MaxOffset()
	kept := make([]liveItem, 0, int(nline))
	next := 0
	for off := FirstOffsetNumber; off <= nline; off++ {
		id := p.ItemID(off)
		size := MaxAlign(id.Length())
		if id.Offset() < upper || id.Offset()+size > special || id.Offset() != MaxAlign(id.Offset()) {
			corrupted("item offset %d, size %d", id.Offset(), size)
		}
		if next < len(itemnos) && itemnos[next] == off {
			next++
			continue
		}
		kept = append(kept, liveItem{id: id, data: append([]byte(nil), p.Item(off)...)})
	}
	if next != len(itemnos) {
		panic(errors.Wrapf(ErrInvalidOffset, "%d of %d offsets matched", next, len(itemnos)))
	}
	p.compactify(kept)
}

// compactify rewrites the page to hold exactly items, in that line pointer
// order, packing item bytes against the special area. Items keep their
// relative physical order.
func (p Page) compactify(items []liveItem) {
	special := int(p.Special())
	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	// Highest original offset is placed first, nearest the special area.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && items[order[j]].id.Offset() > items[order[j-1]].id.Offset(); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	upper := special
	clear(p[SizeOfPageHeader:special])
	for _, idx := range order {
		it := &items[idx]
		upper -= MaxAlign(len(it.data))
		copy(p[upper:], it.data)
		it.id = it.id.WithOffset(upper)
	}
	for i, it := range items {
		p.SetItemID(OffsetNumber(i+1), it.id)
	}
	p.SetLower(uint16(SizeOfPageHeader + len(items)*ItemIDSize))
	p.SetUpper(uint16(upper))
}

// IndexTupleOverwrite replaces the item at offnum in place. When the
// aligned size changes, neighbouring item bytes are shifted to keep the
// item area contiguous. It returns false if the page lacks room.
func (p Page) IndexTupleOverwrite(offnum OffsetNumber, item []byte) bool {
	lower, upper, special := p.checkPointers()
	nline := p.MaxOffset()
	if offnum < FirstOffsetNumber || offnum > nline {
		panic(errors.Wrapf(ErrInvalidOffset, "offset %d of %d", offnum, nline))
	}
	id := p.ItemID(offnum)
	oldSize := MaxAlign(id.Length())
	offset := id.Offset()
	if offset < upper || offset+oldSize > special || offset != MaxAlign(offset) {
		corrupted("item offset %d, size %d", offset, oldSize)
	}
	newSize := MaxAlign(len(item))
	if newSize > oldSize && newSize-oldSize > upper-lower {
		return false
	}

	diff := oldSize - newSize
	if diff != 0 {
		copy(p[upper+diff:offset+diff], p[upper:offset])
		if diff > 0 {
			clear(p[upper : upper+diff])
		}
		p.SetUpper(uint16(upper + diff))
		for off := FirstOffsetNumber; off <= nline; off++ {
			ii := p.ItemID(off)
			if ii.HasStorage() && ii.Offset() <= offset {
				p.SetItemID(off, ii.WithOffset(ii.Offset()+diff))
			}
		}
	}

	id = p.ItemID(offnum)
	p.SetItemID(offnum, id.WithLength(len(item)))
	copy(p[id.Offset():], item)
	clear(p[id.Offset()+len(item) : id.Offset()+newSize])
	return true
}

// ExactFreeSpace returns upper - lower.
func (p Page) ExactFreeSpace() int {
	space := int(p.Upper()) - int(p.Lower())
	if space < 0 {
		return 0
	}
	return space
}

// FreeSpace returns the space available for one new item, net of the line
// pointer it would need.
func (p Page) FreeSpace() int {
	space := p.ExactFreeSpace()
	if space < ItemIDSize {
		return 0
	}
	return space - ItemIDSize
}

// --- Temp pages ---

// GetTempPage returns a zeroed page the size of p.
func GetTempPage(p Page) Page { return make(Page, len(p)) }

// GetTempPageCopy returns a private copy of p.
func GetTempPageCopy(p Page) Page {
	t := make(Page, len(p))
	copy(t, p)
	return t
}

// GetTempPageCopySpecial returns an empty page carrying p's special area.
func GetTempPageCopySpecial(p Page) Page {
	t := make(Page, len(p))
	Init(t, p.SpecialSize())
	copy(t.SpecialArea(), p.SpecialArea())
	return t
}

// RestoreTempPage copies temp over p.
func RestoreTempPage(temp, p Page) { copy(p, temp) }

// Verify checks the header bounds and that every item with storage lies
// in [upper, special) without overlapping another item.
func (p Page) Verify() error {
	if p.IsNew() {
		for _, b := range p {
			if b != 0 {
				return errors.Wrap(ErrPageCorrupted, "uninitialized page is not all zeros")
			}
		}
		return nil
	}
	lower, upper, special := int(p.Lower()), int(p.Upper()), int(p.Special())
	if lower < SizeOfPageHeader || lower > upper || upper > special || special > len(p) {
		return errors.Wrapf(ErrPageCorrupted, "lower = %d, upper = %d, special = %d", lower, upper, special)
	}
	if p.Flags()&^PageValidFlagBits != 0 {
		return errors.Wrapf(ErrPageCorrupted, "invalid flags %#x", p.Flags())
	}
	type span struct{ start, end int }
	spans := make([]span, 0, int(p.MaxOffset()))
	for off := FirstOffsetNumber; off <= p.MaxOffset(); off++ {
		id := p.ItemID(off)
		if !id.HasStorage() {
			continue
		}
		start, end := id.Offset(), id.Offset()+id.Length()
		if start < upper || end > special {
			return errors.Wrapf(ErrPageCorrupted, "item %d at [%d,%d) outside [%d,%d)", off, start, end, upper, special)
		}
		for _, s := range spans {
			if start < s.end && s.start < end {
				return errors.Wrapf(ErrPageCorrupted, "item %d at [%d,%d) overlaps [%d,%d)", off, start, end, s.start, s.end)
			}
		}
		spans = append(spans, span{start, end})
	}
	return nil
}
