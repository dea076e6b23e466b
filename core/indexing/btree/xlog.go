package btree

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
)

// Btree record types, in the high bits of the record info.
const (
	InfoInsertLeaf       uint8 = 0x00
	InfoInsertUpper      uint8 = 0x10
	InfoInsertMeta       uint8 = 0x20
	InfoSplitL           uint8 = 0x30
	InfoSplitR           uint8 = 0x40
	InfoInsertPost       uint8 = 0x50
	InfoDedup            uint8 = 0x60
	InfoDelete           uint8 = 0x70
	InfoMarkPageHalfDead uint8 = 0x80
	InfoUnlinkPage       uint8 = 0x90
	InfoUnlinkPageMeta   uint8 = 0xA0
	InfoNewRoot          uint8 = 0xB0
	InfoReusePage        uint8 = 0xC0
	InfoVacuum           uint8 = 0xD0
	InfoMetaCleanup      uint8 = 0xE0
)

// Rmgr returns the btree resource manager.
func Rmgr() wal.Rmgr {
	return wal.Rmgr{
		Name:     "Btree",
		Redo:     redo,
		Desc:     desc,
		Identify: identify,
		Mask:     mask,
	}
}

func identify(info uint8) string {
	switch info & wal.RmgrInfoMask {
	case InfoInsertLeaf:
		return "INSERT_LEAF"
	case InfoInsertUpper:
		return "INSERT_UPPER"
	case InfoInsertMeta:
		return "INSERT_META"
	case InfoSplitL:
		return "SPLIT_L"
	case InfoSplitR:
		return "SPLIT_R"
	case InfoInsertPost:
		return "INSERT_POST"
	case InfoDedup:
		return "DEDUP"
	case InfoDelete:
		return "DELETE"
	case InfoMarkPageHalfDead:
		return "MARK_PAGE_HALFDEAD"
	case InfoUnlinkPage:
		return "UNLINK_PAGE"
	case InfoUnlinkPageMeta:
		return "UNLINK_PAGE_META"
	case InfoNewRoot:
		return "NEWROOT"
	case InfoReusePage:
		return "REUSE_PAGE"
	case InfoVacuum:
		return "VACUUM"
	case InfoMetaCleanup:
		return "META_CLEANUP"
	}
	return ""
}

func desc(rec *wal.DecodedRecord) string {
	var (
		s   string
		err error
	)
	switch rec.Info() {
	case InfoInsertLeaf, InfoInsertUpper, InfoInsertMeta, InfoInsertPost:
		var xl xlInsert
		if xl, err = decodeInsert(rec.Main); err == nil {
			s = fmt.Sprintf("off: %d", xl.Offnum)
		}
	case InfoSplitL, InfoSplitR:
		var xl xlSplit
		if xl, err = decodeSplit(rec.Main); err == nil {
			s = fmt.Sprintf("level: %d, firstrightoff: %d, newitemoff: %d, postingoff: %d",
				xl.Level, xl.FirstRightOff, xl.NewItemOff, xl.PostingOff)
		}
	case InfoDedup:
		var xl xlDedup
		if xl, err = decodeDedup(rec.Main); err == nil {
			s = fmt.Sprintf("nintervals: %d", xl.NIntervals)
		}
	case InfoDelete:
		var xl xlDelete
		if xl, err = decodeDelete(rec.Main); err == nil {
			s = fmt.Sprintf("snapshotConflictHorizon: %d, ndeleted: %d, nupdated: %d, isCatalogRel: %t",
				xl.SnapshotConflictHorizon, xl.NDeleted, xl.NUpdated, xl.IsCatalog)
			s += descDeleted(rec, int(xl.NDeleted))
		}
	case InfoVacuum:
		var xl xlVacuum
		if xl, err = decodeVacuum(rec.Main); err == nil {
			s = fmt.Sprintf("ndeleted: %d, nupdated: %d", xl.NDeleted, xl.NUpdated)
			s += descDeleted(rec, int(xl.NDeleted))
		}
	case InfoMarkPageHalfDead:
		var xl xlMarkHalfDead
		if xl, err = decodeMarkHalfDead(rec.Main); err == nil {
			s = fmt.Sprintf("topparent: %d, leaf: %d, left: %d, right: %d, poffset: %d",
				xl.TopParent, xl.LeafBlk, xl.LeftBlk, xl.RightBlk, xl.POffset)
		}
	case InfoUnlinkPage, InfoUnlinkPageMeta:
		var xl xlUnlinkPage
		if xl, err = decodeUnlinkPage(rec.Main); err == nil {
			s = fmt.Sprintf("left: %d, right: %d, level: %d, safexid: %s, leafleft: %d, leafright: %d, leaftopparent: %d",
				xl.LeftSib, xl.RightSib, xl.Level, xl.SafeXid, xl.LeafLeftSib, xl.LeafRightSib, xl.LeafTopParent)
		}
	case InfoNewRoot:
		var xl xlNewRoot
		if xl, err = decodeNewRoot(rec.Main); err == nil {
			s = fmt.Sprintf("level: %d", xl.Level)
		}
	case InfoReusePage:
		var xl xlReusePage
		if xl, err = decodeReusePage(rec.Main); err == nil {
			s = fmt.Sprintf("rel: %s, snapshotConflictHorizon: %s, isCatalogRel: %t",
				xl.Locator, xl.SnapshotConflictHorizon, xl.IsCatalog)
		}
	case InfoMetaCleanup:
		var md xlMetadata
		if md, err = decodeMetadata(rec.BlockData(0)); err == nil {
			s = fmt.Sprintf("last_cleanup_num_delpages: %d", md.LastCleanupNumDelPages)
		}
	}
	if err != nil {
		return err.Error()
	}
	return s
}

// --- Record Payloads ---

const (
	sizeOfInsert       = 2
	sizeOfSplit        = 4 + 2 + 2 + 2
	sizeOfDedup        = 2
	sizeOfDelete       = 4 + 2 + 2 + 1
	sizeOfVacuum       = 2 + 2
	sizeOfMarkHalfDead = 2 + 4*4
	sizeOfUnlinkPage   = 4 + 4 + 4 + 8 + 4 + 4 + 4
	sizeOfNewRoot      = 4 + 4
	sizeOfReusePage    = 3*4 + 4 + 8 + 1
	sizeOfMetadata     = 4*6 + 1
	sizeOfInterval     = 2 + 2
)

func checkLen(b []byte, n int, what string) error {
	if len(b) != n {
		return fmt.Errorf("%w: %s payload of %d bytes", wal.ErrInvalidRecord, what, len(b))
	}
	return nil
}

type xlInsert struct {
	Offnum pagemanager.OffsetNumber
}

func (x xlInsert) encode() []byte { return putU16(nil, uint16(x.Offnum)) }

func decodeInsert(b []byte) (xlInsert, error) {
	if err := checkLen(b, sizeOfInsert, "btree insert"); err != nil {
		return xlInsert{}, err
	}
	return xlInsert{Offnum: pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b))}, nil
}

type xlSplit struct {
	Level         uint32
	FirstRightOff pagemanager.OffsetNumber
	NewItemOff    pagemanager.OffsetNumber
	PostingOff    uint16
}

func (x xlSplit) encode() []byte {
	b := putU32(make([]byte, 0, sizeOfSplit), x.Level)
	b = putU16(b, uint16(x.FirstRightOff))
	b = putU16(b, uint16(x.NewItemOff))
	return putU16(b, x.PostingOff)
}

func decodeSplit(b []byte) (xlSplit, error) {
	if err := checkLen(b, sizeOfSplit, "btree split"); err != nil {
		return xlSplit{}, err
	}
	return xlSplit{
		Level:         binary.LittleEndian.Uint32(b),
		FirstRightOff: pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b[4:])),
		NewItemOff:    pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b[6:])),
		PostingOff:    binary.LittleEndian.Uint16(b[8:]),
	}, nil
}

type xlDedup struct {
	NIntervals uint16
}

func (x xlDedup) encode() []byte { return putU16(nil, x.NIntervals) }

func decodeDedup(b []byte) (xlDedup, error) {
	if err := checkLen(b, sizeOfDedup, "btree dedup"); err != nil {
		return xlDedup{}, err
	}
	return xlDedup{NIntervals: binary.LittleEndian.Uint16(b)}, nil
}

func encodeIntervals(intervals []dedupInterval) []byte {
	b := make([]byte, 0, len(intervals)*sizeOfInterval)
	for _, iv := range intervals {
		b = putU16(b, uint16(iv.baseoff))
		b = putU16(b, iv.nitems)
	}
	return b
}

func decodeIntervals(b []byte, n int) ([]dedupInterval, error) {
	if len(b) < n*sizeOfInterval {
		return nil, fmt.Errorf("%w: %d dedup intervals in %d bytes", wal.ErrInvalidRecord, n, len(b))
	}
	out := make([]dedupInterval, n)
	for i := range out {
		out[i].baseoff = pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b[i*sizeOfInterval:]))
		out[i].nitems = binary.LittleEndian.Uint16(b[i*sizeOfInterval+2:])
	}
	return out, nil
}

type xlDelete struct {
	SnapshotConflictHorizon transaction.TransactionID
	NDeleted                uint16
	NUpdated                uint16
	IsCatalog               bool
}

func (x xlDelete) encode() []byte {
	b := putU32(make([]byte, 0, sizeOfDelete), uint32(x.SnapshotConflictHorizon))
	b = putU16(b, x.NDeleted)
	b = putU16(b, x.NUpdated)
	return append(b, boolByte(x.IsCatalog))
}

func decodeDelete(b []byte) (xlDelete, error) {
	if err := checkLen(b, sizeOfDelete, "btree delete"); err != nil {
		return xlDelete{}, err
	}
	return xlDelete{
		SnapshotConflictHorizon: transaction.TransactionID(binary.LittleEndian.Uint32(b)),
		NDeleted:                binary.LittleEndian.Uint16(b[4:]),
		NUpdated:                binary.LittleEndian.Uint16(b[6:]),
		IsCatalog:               b[8] != 0,
	}, nil
}

type xlVacuum struct {
	NDeleted uint16
	NUpdated uint16
}

func (x xlVacuum) encode() []byte {
	return putU16(putU16(make([]byte, 0, sizeOfVacuum), x.NDeleted), x.NUpdated)
}

func decodeVacuum(b []byte) (xlVacuum, error) {
	if err := checkLen(b, sizeOfVacuum, "btree vacuum"); err != nil {
		return xlVacuum{}, err
	}
	return xlVacuum{NDeleted: binary.LittleEndian.Uint16(b), NUpdated: binary.LittleEndian.Uint16(b[2:])}, nil
}

func encodeOffsets(offs []pagemanager.OffsetNumber) []byte {
	b := make([]byte, 0, 2*len(offs))
	for _, off := range offs {
		b = putU16(b, uint16(off))
	}
	return b
}

// decodeOffsets reads n offsets from the front of b and returns the rest.
func decodeOffsets(b []byte, n int) ([]pagemanager.OffsetNumber, []byte, error) {
	if len(b) < 2*n {
		return nil, nil, fmt.Errorf("%w: %d offsets in %d bytes", wal.ErrInvalidRecord, n, len(b))
	}
	offs := make([]pagemanager.OffsetNumber, n)
	for i := range offs {
		offs[i] = pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return offs, b[2*n:], nil
}

// encodeUpdates writes, per updated posting list, the count and then
// the positions of the TIDs removed from it.
func encodeUpdates(updatable []*vacuumPosting) []byte {
	var b []byte
	for _, vp := range updatable {
		b = putU16(b, uint16(len(vp.deletetids)))
		for _, t := range vp.deletetids {
			b = putU16(b, t)
		}
	}
	return b
}

func decodeUpdates(b []byte, n int) ([][]uint16, error) {
	out := make([][]uint16, n)
	for i := range out {
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: truncated posting list update", wal.ErrInvalidRecord)
		}
		cnt := int(binary.LittleEndian.Uint16(b))
		b = b[2:]
		if cnt == 0 || len(b) < 2*cnt {
			return nil, fmt.Errorf("%w: posting list update of %d tids in %d bytes", wal.ErrInvalidRecord, cnt, len(b))
		}
		tids := make([]uint16, cnt)
		for j := range tids {
			tids[j] = binary.LittleEndian.Uint16(b[2*j:])
		}
		out[i] = tids
		b = b[2*cnt:]
	}
	return out, nil
}

type xlMarkHalfDead struct {
	POffset   pagemanager.OffsetNumber
	LeafBlk   pagemanager.BlockNumber
	LeftBlk   pagemanager.BlockNumber
	RightBlk  pagemanager.BlockNumber
	TopParent pagemanager.BlockNumber
}

func (x xlMarkHalfDead) encode() []byte {
	b := putU16(make([]byte, 0, sizeOfMarkHalfDead), uint16(x.POffset))
	b = putU32(b, uint32(x.LeafBlk))
	b = putU32(b, uint32(x.LeftBlk))
	b = putU32(b, uint32(x.RightBlk))
	return putU32(b, uint32(x.TopParent))
}

func decodeMarkHalfDead(b []byte) (xlMarkHalfDead, error) {
	if err := checkLen(b, sizeOfMarkHalfDead, "btree mark half-dead"); err != nil {
		return xlMarkHalfDead{}, err
	}
	return xlMarkHalfDead{
		POffset:   pagemanager.OffsetNumber(binary.LittleEndian.Uint16(b)),
		LeafBlk:   pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[2:])),
		LeftBlk:   pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[6:])),
		RightBlk:  pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[10:])),
		TopParent: pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[14:])),
	}, nil
}

type xlUnlinkPage struct {
	LeftSib  pagemanager.BlockNumber
	RightSib pagemanager.BlockNumber
	Level    uint32
	SafeXid  transaction.FullTransactionID

	// the leaf of the subtree, rebuilt half-dead when it is not the target
	LeafLeftSib   pagemanager.BlockNumber
	LeafRightSib  pagemanager.BlockNumber
	LeafTopParent pagemanager.BlockNumber
}

func (x xlUnlinkPage) encode() []byte {
	b := putU32(make([]byte, 0, sizeOfUnlinkPage), uint32(x.LeftSib))
	b = putU32(b, uint32(x.RightSib))
	b = putU32(b, x.Level)
	b = binary.LittleEndian.AppendUint64(b, uint64(x.SafeXid))
	b = putU32(b, uint32(x.LeafLeftSib))
	b = putU32(b, uint32(x.LeafRightSib))
	return putU32(b, uint32(x.LeafTopParent))
}

func decodeUnlinkPage(b []byte) (xlUnlinkPage, error) {
	if err := checkLen(b, sizeOfUnlinkPage, "btree unlink page"); err != nil {
		return xlUnlinkPage{}, err
	}
	return xlUnlinkPage{
		LeftSib:       pagemanager.BlockNumber(binary.LittleEndian.Uint32(b)),
		RightSib:      pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[4:])),
		Level:         binary.LittleEndian.Uint32(b[8:]),
		SafeXid:       transaction.FullTransactionID(binary.LittleEndian.Uint64(b[12:])),
		LeafLeftSib:   pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[20:])),
		LeafRightSib:  pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[24:])),
		LeafTopParent: pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[28:])),
	}, nil
}

type xlNewRoot struct {
	RootBlk pagemanager.BlockNumber
	Level   uint32
}

func (x xlNewRoot) encode() []byte {
	return putU32(putU32(make([]byte, 0, sizeOfNewRoot), uint32(x.RootBlk)), x.Level)
}

func decodeNewRoot(b []byte) (xlNewRoot, error) {
	if err := checkLen(b, sizeOfNewRoot, "btree new root"); err != nil {
		return xlNewRoot{}, err
	}
	return xlNewRoot{
		RootBlk: pagemanager.BlockNumber(binary.LittleEndian.Uint32(b)),
		Level:   binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

type xlReusePage struct {
	Locator                 smgr.RelFileLocator
	Block                   pagemanager.BlockNumber
	SnapshotConflictHorizon transaction.FullTransactionID
	IsCatalog               bool
}

func (x xlReusePage) encode() []byte {
	b := putU32(make([]byte, 0, sizeOfReusePage), x.Locator.SpcOid)
	b = putU32(b, x.Locator.DbOid)
	b = putU32(b, x.Locator.RelNumber)
	b = putU32(b, uint32(x.Block))
	b = binary.LittleEndian.AppendUint64(b, uint64(x.SnapshotConflictHorizon))
	return append(b, boolByte(x.IsCatalog))
}

func decodeReusePage(b []byte) (xlReusePage, error) {
	if err := checkLen(b, sizeOfReusePage, "btree reuse page"); err != nil {
		return xlReusePage{}, err
	}
	return xlReusePage{
		Locator: smgr.RelFileLocator{
			SpcOid:    binary.LittleEndian.Uint32(b),
			DbOid:     binary.LittleEndian.Uint32(b[4:]),
			RelNumber: binary.LittleEndian.Uint32(b[8:]),
		},
		Block:                   pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[12:])),
		SnapshotConflictHorizon: transaction.FullTransactionID(binary.LittleEndian.Uint64(b[16:])),
		IsCatalog:               b[24] != 0,
	}, nil
}

// xlMetadata is the metapage state carried by records that change it.
type xlMetadata struct {
	Version                uint32
	Root                   pagemanager.BlockNumber
	Level                  uint32
	FastRoot               pagemanager.BlockNumber
	FastLevel              uint32
	LastCleanupNumDelPages uint32
	AllEqualImage          bool
}

func metadataOf(m Meta) xlMetadata {
	return xlMetadata{
		Version:                m.Version,
		Root:                   m.Root,
		Level:                  m.Level,
		FastRoot:               m.FastRoot,
		FastLevel:              m.FastLevel,
		LastCleanupNumDelPages: m.LastCleanupNumDelPages,
		AllEqualImage:          m.AllEqualImage,
	}
}

func (x xlMetadata) encode() []byte {
	b := putU32(make([]byte, 0, sizeOfMetadata), x.Version)
	b = putU32(b, uint32(x.Root))
	b = putU32(b, x.Level)
	b = putU32(b, uint32(x.FastRoot))
	b = putU32(b, x.FastLevel)
	b = putU32(b, x.LastCleanupNumDelPages)
	return append(b, boolByte(x.AllEqualImage))
}

func decodeMetadata(b []byte) (xlMetadata, error) {
	if err := checkLen(b, sizeOfMetadata, "btree metadata"); err != nil {
		return xlMetadata{}, err
	}
	return xlMetadata{
		Version:                binary.LittleEndian.Uint32(b),
		Root:                   pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[4:])),
		Level:                  binary.LittleEndian.Uint32(b[8:]),
		FastRoot:               pagemanager.BlockNumber(binary.LittleEndian.Uint32(b[12:])),
		FastLevel:              binary.LittleEndian.Uint32(b[16:]),
		LastCleanupNumDelPages: binary.LittleEndian.Uint32(b[20:]),
		AllEqualImage:          b[24] != 0,
	}, nil
}

// meta expands the logged state to a full metapage; the heap tuple count
// is not logged and reads as unknown.
func (x xlMetadata) meta() Meta {
	return Meta{
		Magic:                    Magic,
		Version:                  x.Version,
		Root:                     x.Root,
		Level:                    x.Level,
		FastRoot:                 x.FastRoot,
		FastLevel:                x.FastLevel,
		LastCleanupNumDelPages:   x.LastCleanupNumDelPages,
		LastCleanupNumHeapTuples: -1,
		AllEqualImage:            x.AllEqualImage,
	}
}

// descDeleted lists the deleted offsets when the block data was logged.
func descDeleted(rec *wal.DecodedRecord, n int) string {
	data := rec.BlockData(0)
	if n == 0 || len(data) == 0 {
		return ""
	}
	offs, _, err := decodeOffsets(data, n)
	if err != nil {
		return ""
	}
	return ", deleted: " + formatOffsets(offs)
}

func formatOffsets(offs []pagemanager.OffsetNumber) string {
	parts := make([]string, len(offs))
	for i, o := range offs {
		parts[i] = fmt.Sprint(uint16(o))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
