package wal

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Record header ---

const (
	SizeOfRecordHeader = 24

	// XLR_* bits in the low nibble of info.
	InfoMask              = 0x0F
	RmgrInfoMask          = 0xF0
	XLRSpecialRelUpdate   = 0x01
	XLRCheckConsistency   = 0x02
	MaxBlockID            = 32
	blockIDDataShort      = 255
	blockIDDataLong       = 254
	maxRecordPayloadBytes = 0xFFFFFFFF
)

// Block header fork_flags.
const (
	BkpBlockForkMask = 0x0F
	BkpBlockHasImage = 0x10
	BkpBlockHasData  = 0x20
	BkpBlockWillInit = 0x40
	BkpBlockSameRel  = 0x80
)

// Block image info bits.
const (
	BkpImageHasHole       = 0x01
	BkpImageApply         = 0x02
	BkpImageCompressFlate = 0x04
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

var (
	ErrInvalidRecord  = errors.New("invalid WAL record")
	ErrCRCMismatch    = errors.New("incorrect resource manager data checksum")
	ErrRecordTooLarge = errors.New("WAL record too large")
	ErrTooManyBlocks  = errors.New("too many registered blocks")
	ErrInvalidPageHdr = errors.New("invalid WAL page header")
	ErrEndOfWAL       = errors.New("end of WAL")
	ErrNoControlFile  = errors.New("control file not found")
	ErrFatal          = errors.New("fatal")
)

// Fatal marks err as a condition the process cannot continue from.
func Fatal(err error) error {
	if err == nil || errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool { return errors.Is(err, ErrFatal) }

// RecordHeader is the fixed part of every record.
type RecordHeader struct {
	TotalLen uint32
	Xid      transaction.TransactionID
	Prev     LSN
	Info     uint8
	Rmgr     RmgrID
	CRC      uint32
}

func (h *RecordHeader) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], h.TotalLen)
	binary.LittleEndian.PutUint32(b[4:], uint32(h.Xid))
	binary.LittleEndian.PutUint64(b[8:], uint64(h.Prev))
	b[16] = h.Info
	b[17] = uint8(h.Rmgr)
	binary.LittleEndian.PutUint16(b[18:], 0)
	binary.LittleEndian.PutUint32(b[20:], h.CRC)
}

func decodeRecordHeader(b []byte) RecordHeader {
	return RecordHeader{
		TotalLen: binary.LittleEndian.Uint32(b[0:]),
		Xid:      transaction.TransactionID(binary.LittleEndian.Uint32(b[4:])),
		Prev:     LSN(binary.LittleEndian.Uint64(b[8:])),
		Info:     b[16],
		Rmgr:     RmgrID(b[17]),
		CRC:      binary.LittleEndian.Uint32(b[20:]),
	}
}

// recordCRC computes the CRC32C of a serialized record with the CRC
// field taken as zero.
func recordCRC(rec []byte) uint32 {
	var zero [4]byte
	crc := crc32.Update(0, crcTable, rec[:20])
	crc = crc32.Update(crc, crcTable, zero[:])
	return crc32.Update(crc, crcTable, rec[SizeOfRecordHeader:])
}

// --- Decoded records ---

// DecodedBlock is one block reference of a record.
type DecodedBlock struct {
	ID       uint8
	Rel      smgr.RelFileLocator
	Fork     smgr.ForkNumber
	Block    pagemanager.BlockNumber
	Flags    uint8
	WillInit bool

	HasImage   bool
	ApplyImage bool
	BimgInfo   uint8
	HoleOffset uint16
	HoleLength uint16
	Image      []byte

	HasData bool
	Data    []byte
}

// DecodedRecord is a parsed WAL record.
type DecodedRecord struct {
	LSN    LSN // start of the record
	EndLSN LSN // start of the following record
	Header RecordHeader
	Blocks []DecodedBlock
	Main   []byte
	Raw    []byte
}

// Rmgr returns the resource manager id.
func (r *DecodedRecord) Rmgr() RmgrID { return r.Header.Rmgr }

// Info returns the rmgr-specific info bits (high nibble).
func (r *DecodedRecord) Info() uint8 { return r.Header.Info & RmgrInfoMask }

// Xid returns the transaction id recorded in the header.
func (r *DecodedRecord) Xid() transaction.TransactionID { return r.Header.Xid }

// Block returns the block reference with the given id, or nil.
func (r *DecodedRecord) Block(id uint8) *DecodedBlock {
	for i := range r.Blocks {
		if r.Blocks[i].ID == id {
			return &r.Blocks[i]
		}
	}
	return nil
}

// HasBlockRef reports whether block id is referenced.
func (r *DecodedRecord) HasBlockRef(id uint8) bool { return r.Block(id) != nil }

// BlockData returns the data registered for block id, or nil.
func (r *DecodedRecord) BlockData(id uint8) []byte {
	if b := r.Block(id); b != nil && b.HasData {
		return b.Data
	}
	return nil
}

// BlockTag returns the relation, fork and block of block reference id.
func (r *DecodedRecord) BlockTag(id uint8) (smgr.RelFileLocator, smgr.ForkNumber, pagemanager.BlockNumber, bool) {
	b := r.Block(id)
	if b == nil {
		return smgr.RelFileLocator{}, 0, 0, false
	}
	return b.Rel, b.Fork, b.Block, true
}

// DecodeRecord parses a complete serialized record read at lsn.
func DecodeRecord(lsn LSN, raw []byte) (*DecodedRecord, error) {
	if len(raw) < SizeOfRecordHeader {
		return nil, fmt.Errorf("%w: record at %s too short", ErrInvalidRecord, FormatLSN(lsn))
	}
	hdr := decodeRecordHeader(raw)
	if int(hdr.TotalLen) != len(raw) {
		return nil, fmt.Errorf("%w: record at %s has length %d, have %d", ErrInvalidRecord, FormatLSN(lsn), hdr.TotalLen, len(raw))
	}
	if got := recordCRC(raw); got != hdr.CRC {
		return nil, fmt.Errorf("%w in record at %s", ErrCRCMismatch, FormatLSN(lsn))
	}

	rec := &DecodedRecord{LSN: lsn, Header: hdr, Raw: raw}
	fail := func(format string, args ...any) (*DecodedRecord, error) {
		return nil, fmt.Errorf("%w at %s: %s", ErrInvalidRecord, FormatLSN(lsn), fmt.Sprintf(format, args...))
	}

	pos := SizeOfRecordHeader
	need := func(n int) bool { return pos+n <= len(raw) }
	var mainLen uint32
	var lastRel *smgr.RelFileLocator
	// headers continue while more bytes remain than the declared payloads
	dataTotal := 0
	for len(raw)-pos > dataTotal {
		if !need(1) {
			return fail("truncated block header")
		}
		id := raw[pos]
		pos++
		switch {
		case id == blockIDDataShort:
			if !need(1) {
				return fail("truncated main data header")
			}
			mainLen = uint32(raw[pos])
			pos++
			dataTotal += int(mainLen)
		case id == blockIDDataLong:
			if !need(4) {
				return fail("truncated main data header")
			}
			mainLen = binary.LittleEndian.Uint32(raw[pos:])
			pos += 4
			dataTotal += int(mainLen)
		case id <= MaxBlockID:
			if rec.Block(id) != nil {
				return fail("duplicate block id %d", id)
			}
			if !need(3) {
				return fail("truncated block header")
			}
			blk := DecodedBlock{ID: id}
			forkFlags := raw[pos]
			blk.Fork = smgr.ForkNumber(forkFlags & BkpBlockForkMask)
			blk.Flags = forkFlags
			blk.HasImage = forkFlags&BkpBlockHasImage != 0
			blk.HasData = forkFlags&BkpBlockHasData != 0
			blk.WillInit = forkFlags&BkpBlockWillInit != 0
			dataLen := binary.LittleEndian.Uint16(raw[pos+1:])
			pos += 3
			if blk.HasData != (dataLen > 0) {
				return fail("block %d data flag and length disagree", id)
			}
			var imageLen uint16
			if blk.HasImage {
				if !need(7) {
					return fail("truncated image header")
				}
				imageLen = binary.LittleEndian.Uint16(raw[pos:])
				blk.HoleOffset = binary.LittleEndian.Uint16(raw[pos+2:])
				blk.HoleLength = binary.LittleEndian.Uint16(raw[pos+4:])
				blk.BimgInfo = raw[pos+6]
				blk.ApplyImage = blk.BimgInfo&BkpImageApply != 0
				pos += 7
				if blk.BimgInfo&BkpImageHasHole == 0 && blk.HoleLength != 0 {
					return fail("block %d has hole length without hole flag", id)
				}
				if int(blk.HoleOffset)+int(blk.HoleLength) > BlockSize {
					return fail("block %d hole out of range", id)
				}
				if blk.BimgInfo&BkpImageCompressFlate == 0 && int(imageLen)+int(blk.HoleLength) != BlockSize {
					return fail("block %d image length %d with hole %d", id, imageLen, blk.HoleLength)
				}
			}
			if forkFlags&BkpBlockSameRel != 0 {
				if lastRel == nil {
					return fail("block %d uses SAME_REL without a previous relation", id)
				}
				blk.Rel = *lastRel
			} else {
				if !need(12) {
					return fail("truncated relation locator")
				}
				blk.Rel = smgr.RelFileLocator{
					SpcOid:    binary.LittleEndian.Uint32(raw[pos:]),
					DbOid:     binary.LittleEndian.Uint32(raw[pos+4:]),
					RelNumber: binary.LittleEndian.Uint32(raw[pos+8:]),
				}
				pos += 12
			}
			rel := blk.Rel
			lastRel = &rel
			if !need(4) {
				return fail("truncated block number")
			}
			blk.Block = pagemanager.BlockNumber(binary.LittleEndian.Uint32(raw[pos:]))
			pos += 4
			// lengths are stashed until the payload section is reached
			blk.Image = make([]byte, imageLen)
			blk.Data = make([]byte, dataLen)
			dataTotal += int(imageLen) + int(dataLen)
			rec.Blocks = append(rec.Blocks, blk)
			continue
		default:
			return fail("invalid block id %d", id)
		}
		break
	}

	for i := range rec.Blocks {
		b := &rec.Blocks[i]
		if b.HasImage {
			n := len(b.Image)
			if !need(n) {
				return fail("truncated image of block %d", b.ID)
			}
			b.Image = raw[pos : pos+n]
			pos += n
		} else {
			b.Image = nil
		}
		if b.HasData {
			n := len(b.Data)
			if !need(n) {
				return fail("truncated data of block %d", b.ID)
			}
			b.Data = raw[pos : pos+n]
			pos += n
		} else {
			b.Data = nil
		}
	}
	if mainLen > 0 {
		if !need(int(mainLen)) {
			return fail("truncated main data")
		}
		rec.Main = raw[pos : pos+int(mainLen)]
		pos += int(mainLen)
	}
	if pos != len(raw) {
		return fail("%d trailing bytes", len(raw)-pos)
	}
	return rec, nil
}

// RestoreImage writes the full-page image of b into page.
func (b *DecodedBlock) RestoreImage(page pagemanager.Page) error {
	if !b.HasImage {
		return fmt.Errorf("%w: block %d has no image", ErrInvalidRecord, b.ID)
	}
	img := b.Image
	if b.BimgInfo&BkpImageCompressFlate != 0 {
		want := BlockSize - int(b.HoleLength)
		r := flate.NewReader(bytes.NewReader(img))
		out := make([]byte, want)
		if _, err := io.ReadFull(r, out); err != nil {
			return fmt.Errorf("%w: failed to decompress image of block %d: %w", ErrInvalidRecord, b.ID, err)
		}
		_ = r.Close()
		img = out
	}
	if len(img)+int(b.HoleLength) != BlockSize {
		return fmt.Errorf("%w: image of block %d has length %d", ErrInvalidRecord, b.ID, len(img))
	}
	hole, holeLen := int(b.HoleOffset), int(b.HoleLength)
	copy(page[:hole], img[:hole])
	clear(page[hole : hole+holeLen])
	copy(page[hole+holeLen:], img[hole:])
	return nil
}
