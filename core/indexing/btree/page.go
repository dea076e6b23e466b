package btree

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sushant-115/gojocore/core/transaction"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Page Layout ---

// Every B-tree page carries a 16-byte opaque area in its special space:
// prev (4), next (4), level (4), flags (2), vacuum cycle id (2).
const (
	sizeOfOpaque = 16

	offPrev    = 0
	offNext    = 4
	offLevel   = 8
	offFlags   = 12
	offCycleID = 14
)

// Page flags.
const (
	FlagLeaf            uint16 = 1 << 0
	FlagRoot            uint16 = 1 << 1
	FlagDeleted         uint16 = 1 << 2
	FlagMeta            uint16 = 1 << 3
	FlagHalfDead        uint16 = 1 << 4
	FlagSplitEnd        uint16 = 1 << 5
	FlagHasGarbage      uint16 = 1 << 6
	FlagIncompleteSplit uint16 = 1 << 7
	FlagHasFullXid      uint16 = 1 << 8
)

const (
	// PNone is the null sibling or root link; block 0 is always the metapage.
	PNone pagemanager.BlockNumber = 0
	// MetaBlock holds the metapage.
	MetaBlock pagemanager.BlockNumber = 0

	// PHikey is the offset of the high key on non-rightmost pages.
	PHikey = pagemanager.FirstOffsetNumber
	// PFirstKey is the first data item on a page that has a high key.
	PFirstKey = pagemanager.FirstOffsetNumber + 1
)

// Opaque is the B-tree view of a page's special area.
type Opaque []byte

func opaqueOf(p pagemanager.Page) Opaque { return Opaque(p.SpecialArea()) }

func (o Opaque) Prev() pagemanager.BlockNumber {
	return pagemanager.BlockNumber(binary.LittleEndian.Uint32(o[offPrev:]))
}
func (o Opaque) SetPrev(b pagemanager.BlockNumber) { binary.LittleEndian.PutUint32(o[offPrev:], uint32(b)) }
func (o Opaque) Next() pagemanager.BlockNumber {
	return pagemanager.BlockNumber(binary.LittleEndian.Uint32(o[offNext:]))
}
func (o Opaque) SetNext(b pagemanager.BlockNumber) { binary.LittleEndian.PutUint32(o[offNext:], uint32(b)) }
func (o Opaque) Level() uint32                     { return binary.LittleEndian.Uint32(o[offLevel:]) }
func (o Opaque) SetLevel(l uint32)                 { binary.LittleEndian.PutUint32(o[offLevel:], l) }
func (o Opaque) Flags() uint16                     { return binary.LittleEndian.Uint16(o[offFlags:]) }
func (o Opaque) SetFlags(f uint16)                 { binary.LittleEndian.PutUint16(o[offFlags:], f) }
func (o Opaque) CycleID() uint16                   { return binary.LittleEndian.Uint16(o[offCycleID:]) }
func (o Opaque) SetCycleID(c uint16)               { binary.LittleEndian.PutUint16(o[offCycleID:], c) }

func (o Opaque) setFlag(f uint16)   { o.SetFlags(o.Flags() | f) }
func (o Opaque) clearFlag(f uint16) { o.SetFlags(o.Flags() &^ f) }

func (o Opaque) IsLeaf() bool            { return o.Flags()&FlagLeaf != 0 }
func (o Opaque) IsRoot() bool            { return o.Flags()&FlagRoot != 0 }
func (o Opaque) IsDeleted() bool         { return o.Flags()&FlagDeleted != 0 }
func (o Opaque) IsMeta() bool            { return o.Flags()&FlagMeta != 0 }
func (o Opaque) IsHalfDead() bool        { return o.Flags()&FlagHalfDead != 0 }
func (o Opaque) HasGarbage() bool        { return o.Flags()&FlagHasGarbage != 0 }
func (o Opaque) IsIncompleteSplit() bool { return o.Flags()&FlagIncompleteSplit != 0 }
func (o Opaque) IsLeftmost() bool        { return o.Prev() == PNone }
func (o Opaque) IsRightmost() bool       { return o.Next() == PNone }

// Ignore reports whether searches must step over the page.
func (o Opaque) Ignore() bool { return o.Flags()&(FlagDeleted|FlagHalfDead) != 0 }

// FirstDataKey returns the offset of the first data item.
func (o Opaque) FirstDataKey() pagemanager.OffsetNumber {
	if o.IsRightmost() {
		return PHikey
	}
	return PFirstKey
}

// pageInit formats p as an empty B-tree page.
func pageInit(p pagemanager.Page) {
	pagemanager.Init(p, sizeOfOpaque)
}

// --- Deleted Pages ---

// Deleted pages keep the full xid at which they became recyclable in the
// first eight bytes of their contents.
const sizeOfDeletedPageData = 8

func pageSetDeleted(p pagemanager.Page, safexid transaction.FullTransactionID) {
	o := opaqueOf(p)
	o.clearFlag(FlagHalfDead)
	o.setFlag(FlagDeleted | FlagHasFullXid)
	binary.LittleEndian.PutUint64(p.Contents(), uint64(safexid))
	p.SetLower(uint16(pagemanager.SizeOfPageHeader + sizeOfDeletedPageData))
	p.SetUpper(p.Special())
}

// DeletedPageSafeXid returns the safexid stamped on a deleted page.
func DeletedPageSafeXid(p pagemanager.Page) transaction.FullTransactionID {
	o := opaqueOf(p)
	if o.Flags()&FlagHasFullXid == 0 {
		return transaction.FromEpochAndXid(0, transaction.FirstNormalTransactionID)
	}
	return transaction.FullTransactionID(binary.LittleEndian.Uint64(p.Contents()))
}

// pageIsRecyclable reports whether a page may be reused: it is brand new
// or deleted long enough ago that no scan can still land on it.
func (ix *Index) pageIsRecyclable(p pagemanager.Page) bool {
	if p.IsNew() {
		return true
	}
	o := opaqueOf(p)
	if !o.IsDeleted() {
		return false
	}
	if ix.txns == nil {
		return true
	}
	return ix.txns.GlobalVisCheckRemovable(DeletedPageSafeXid(p))
}

// --- Metapage ---

const (
	// Magic identifies a B-tree metapage.
	Magic uint32 = 0x053162
	// Version is the on-disk format version written by this package.
	Version uint32 = 4
	// MinVersion is the oldest format that can be read.
	MinVersion uint32 = 4

	sizeOfMeta = 48

	offMagic        = 0
	offVersion      = 4
	offRoot         = 8
	offRootLevel    = 12
	offFastRoot     = 16
	offFastLevel    = 20
	offDelPages     = 24
	offHeapTuples   = 32
	offAllEqualImag = 40
)

// Meta is the decoded contents of the metapage.
type Meta struct {
	Magic     uint32
	Version   uint32
	Root      pagemanager.BlockNumber
	Level     uint32
	FastRoot  pagemanager.BlockNumber
	FastLevel uint32
	// LastCleanupNumDelPages counts deleted, not yet recycled pages seen
	// by the last VACUUM.
	LastCleanupNumDelPages   uint32
	LastCleanupNumHeapTuples float64
	AllEqualImage            bool
}

func (m Meta) String() string {
	return fmt.Sprintf("root %d; level %d; fastroot %d; fastlevel %d", m.Root, m.Level, m.FastRoot, m.FastLevel)
}

func readMeta(p pagemanager.Page) Meta {
	c := p.Contents()
	return Meta{
		Magic:                    binary.LittleEndian.Uint32(c[offMagic:]),
		Version:                  binary.LittleEndian.Uint32(c[offVersion:]),
		Root:                     pagemanager.BlockNumber(binary.LittleEndian.Uint32(c[offRoot:])),
		Level:                    binary.LittleEndian.Uint32(c[offRootLevel:]),
		FastRoot:                 pagemanager.BlockNumber(binary.LittleEndian.Uint32(c[offFastRoot:])),
		FastLevel:                binary.LittleEndian.Uint32(c[offFastLevel:]),
		LastCleanupNumDelPages:   binary.LittleEndian.Uint32(c[offDelPages:]),
		LastCleanupNumHeapTuples: math.Float64frombits(binary.LittleEndian.Uint64(c[offHeapTuples:])),
		AllEqualImage:            c[offAllEqualImag] != 0,
	}
}

func writeMeta(p pagemanager.Page, m Meta) {
	c := p.Contents()
	binary.LittleEndian.PutUint32(c[offMagic:], m.Magic)
	binary.LittleEndian.PutUint32(c[offVersion:], m.Version)
	binary.LittleEndian.PutUint32(c[offRoot:], uint32(m.Root))
	binary.LittleEndian.PutUint32(c[offRootLevel:], m.Level)
	binary.LittleEndian.PutUint32(c[offFastRoot:], uint32(m.FastRoot))
	binary.LittleEndian.PutUint32(c[offFastLevel:], m.FastLevel)
	binary.LittleEndian.PutUint32(c[offDelPages:], m.LastCleanupNumDelPages)
	binary.LittleEndian.PutUint64(c[offHeapTuples:], math.Float64bits(m.LastCleanupNumHeapTuples))
	c[offAllEqualImag] = boolByte(m.AllEqualImage)
	// the metadata is not an item; advertise it so the hole can be masked
	p.SetLower(uint16(pagemanager.SizeOfPageHeader + sizeOfMeta))
}

// initMetaPage formats p as a metapage describing an empty tree.
func initMetaPage(p pagemanager.Page, level uint32, root pagemanager.BlockNumber, allequalimage bool) {
	pageInit(p)
	writeMeta(p, Meta{
		Magic:                    Magic,
		Version:                  Version,
		Root:                     root,
		Level:                    level,
		FastRoot:                 root,
		FastLevel:                level,
		LastCleanupNumHeapTuples: -1,
		AllEqualImage:            allequalimage,
	})
	o := opaqueOf(p)
	o.SetFlags(FlagMeta)
}

func checkMeta(p pagemanager.Page) (Meta, error) {
	o := opaqueOf(p)
	m := readMeta(p)
	if !o.IsMeta() || m.Magic != Magic {
		return m, fmt.Errorf("%w: block 0 is not a btree metapage", ErrIndexCorrupted)
	}
	if m.Version < MinVersion || m.Version > Version {
		return m, fmt.Errorf("%w: version mismatch, file version %d, current version %d, minimal supported version %d",
			ErrIndexCorrupted, m.Version, Version, MinVersion)
	}
	return m, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
