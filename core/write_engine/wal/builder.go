package wal

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// Buffer registration flags.
const (
	// RegBufForceImage always includes a full-page image.
	RegBufForceImage uint8 = 0x01
	// RegBufNoImage never includes a full-page image.
	RegBufNoImage uint8 = 0x02
	// RegBufWillInit means redo reinitializes the page; implies RegBufNoImage.
	RegBufWillInit uint8 = 0x04 | RegBufNoImage
	// RegBufStandard marks a standard page layout whose lower..upper hole
	// can be left out of images.
	RegBufStandard uint8 = 0x08
	// RegBufKeepData keeps registered data even when an image is taken.
	RegBufKeepData uint8 = 0x10
)

type registeredBlock struct {
	inUse bool
	rel   smgr.RelFileLocator
	fork  smgr.ForkNumber
	block pagemanager.BlockNumber
	page  pagemanager.Page
	flags uint8
	data  [][]byte
}

// RecordBuilder assembles one WAL record. Buffers registered with it must
// stay exclusively locked until Insert returns and the caller has stamped
// the returned LSN on their pages.
type RecordBuilder struct {
	lm       *LogManager
	blocks   [MaxBlockID + 1]registeredBlock
	maxID    int
	main     [][]byte
	mainLen  int
	xid      transaction.TransactionID
	recFlags uint8
	nfpi     int
}

// NewRecord starts building a record.
func (lm *LogManager) NewRecord() *RecordBuilder {
	return &RecordBuilder{lm: lm, maxID: -1}
}

// SetXid records the transaction id the record belongs to.
func (b *RecordBuilder) SetXid(xid transaction.TransactionID) *RecordBuilder {
	b.xid = xid
	return b
}

// SetRecordFlags ors XLR_* flags into the record's info byte.
func (b *RecordBuilder) SetRecordFlags(flags uint8) *RecordBuilder {
	b.recFlags |= flags & InfoMask
	return b
}

// RegisterBuffer references the page held in buf as block id.
func (b *RecordBuilder) RegisterBuffer(id uint8, buf buffer.Buffer, flags uint8) {
	bm := b.lm.buffers
	tag := bm.Tag(buf)
	b.register(id, tag.Rel, tag.Fork, tag.Block, bm.Page(buf), flags)
}

// RegisterBlock references a page that does not live in the buffer pool.
func (b *RecordBuilder) RegisterBlock(id uint8, rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, page pagemanager.Page, flags uint8) {
	b.register(id, rel, fork, blk, page, flags)
}

func (b *RecordBuilder) register(id uint8, rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, page pagemanager.Page, flags uint8) {
	if id > MaxBlockID {
		panic(fmt.Sprintf("block id %d out of range", id))
	}
	r := &b.blocks[id]
	if r.inUse {
		panic(fmt.Sprintf("block id %d registered twice", id))
	}
	*r = registeredBlock{inUse: true, rel: rel, fork: fork, block: blk, page: page, flags: flags}
	if int(id) > b.maxID {
		b.maxID = int(id)
	}
}

// RegisterData appends to the record's main data.
func (b *RecordBuilder) RegisterData(data []byte) {
	b.main = append(b.main, data)
	b.mainLen += len(data)
}

// RegisterBufData appends data associated with block id. It is left out
// of the record when the block carries an image, unless RegBufKeepData.
func (b *RecordBuilder) RegisterBufData(id uint8, data []byte) {
	r := &b.blocks[id]
	if !r.inUse {
		panic(fmt.Sprintf("no block with id %d registered", id))
	}
	r.data = append(r.data, data)
}

// Insert assembles and inserts the record and returns its end LSN.
func (b *RecordBuilder) Insert(rmgr RmgrID, info uint8) (LSN, error) {
	_, end, err := b.InsertRecord(rmgr, info)
	return end, err
}

// InsertRecord assembles and inserts the record and returns its start and
// end LSNs. If a checkpoint moved the redo pointer while the record was
// being built, the image decisions are redone.
func (b *RecordBuilder) InsertRecord(rmgr RmgrID, info uint8) (LSN, LSN, error) {
	if info&InfoMask != 0 {
		return InvalidLSN, InvalidLSN, fmt.Errorf("invalid info bits 0x%02X for record", info)
	}
	info |= b.recFlags
	for {
		redo, doPageWrites := b.lm.redoPointer()
		rec, fpwLSN, err := b.assemble(rmgr, info, redo, doPageWrites)
		if err != nil {
			return InvalidLSN, InvalidLSN, err
		}
		start, end, ok, err := b.lm.insertRecord(rec, fpwLSN, rmgr, info)
		if err != nil {
			return InvalidLSN, InvalidLSN, err
		}
		if ok {
			b.lm.countFPI(b.nfpi)
			return start, end, nil
		}
	}
}

// assemble serializes the record without its prev link and CRC. fpwLSN is
// the lowest page LSN among blocks that went without an image because
// their LSN was past redo; the insert restarts if redo moves past it.
func (b *RecordBuilder) assemble(rmgr RmgrID, info uint8, redo LSN, doPageWrites bool) ([]byte, LSN, error) {
	var hdrs bytes.Buffer
	var payload bytes.Buffer
	fpwLSN := InvalidLSN
	var prevRel *smgr.RelFileLocator
	checkConsistency := b.lm.checksConsistency(rmgr)
	if checkConsistency {
		info |= XLRCheckConsistency
	}
	nfpi := 0

	for id := 0; id <= b.maxID; id++ {
		r := &b.blocks[id]
		if !r.inUse {
			continue
		}
		needsBackup := false
		switch {
		case r.flags&RegBufForceImage != 0:
			needsBackup = true
		case r.flags&RegBufNoImage != 0:
		case !doPageWrites:
		default:
			pageLSN := r.page.LSN()
			if pageLSN <= redo {
				needsBackup = true
			} else if fpwLSN == InvalidLSN || pageLSN < fpwLSN {
				fpwLSN = pageLSN
			}
		}
		includeImage := needsBackup || checkConsistency

		dataLen := 0
		for _, d := range r.data {
			dataLen += len(d)
		}
		needsData := dataLen > 0 && (!needsBackup || r.flags&RegBufKeepData != 0)
		if dataLen > 0xFFFF {
			return nil, InvalidLSN, fmt.Errorf("%w: block %d data of %d bytes", ErrRecordTooLarge, id, dataLen)
		}

		forkFlags := uint8(r.fork)
		if includeImage {
			forkFlags |= BkpBlockHasImage
		}
		if needsData {
			forkFlags |= BkpBlockHasData
		}
		if r.flags&RegBufWillInit == RegBufWillInit {
			forkFlags |= BkpBlockWillInit
		}
		sameRel := prevRel != nil && *prevRel == r.rel
		if sameRel {
			forkFlags |= BkpBlockSameRel
		}
		hdrs.WriteByte(uint8(id))
		hdrs.WriteByte(forkFlags)
		if needsData {
			hdrs.Write(le16(uint16(dataLen)))
		} else {
			hdrs.Write(le16(0))
		}

		if includeImage {
			img, holeOff, holeLen, bimgInfo := b.lm.blockImage(r.page, r.flags&RegBufStandard != 0)
			if needsBackup {
				bimgInfo |= BkpImageApply
			}
			hdrs.Write(le16(uint16(len(img))))
			hdrs.Write(le16(uint16(holeOff)))
			hdrs.Write(le16(uint16(holeLen)))
			hdrs.WriteByte(bimgInfo)
			payload.Write(img)
			nfpi++
		}
		if !sameRel {
			var loc [12]byte
			binary.LittleEndian.PutUint32(loc[0:], r.rel.SpcOid)
			binary.LittleEndian.PutUint32(loc[4:], r.rel.DbOid)
			binary.LittleEndian.PutUint32(loc[8:], r.rel.RelNumber)
			hdrs.Write(loc[:])
			rel := r.rel
			prevRel = &rel
		}
		var blk [4]byte
		binary.LittleEndian.PutUint32(blk[:], uint32(r.block))
		hdrs.Write(blk[:])
		if needsData {
			for _, d := range r.data {
				payload.Write(d)
			}
		}
	}

	if b.mainLen > 0 {
		if b.mainLen <= 0xFF {
			hdrs.WriteByte(blockIDDataShort)
			hdrs.WriteByte(uint8(b.mainLen))
		} else {
			hdrs.WriteByte(blockIDDataLong)
			var l [4]byte
			binary.LittleEndian.PutUint32(l[:], uint32(b.mainLen))
			hdrs.Write(l[:])
		}
		for _, d := range b.main {
			payload.Write(d)
		}
	}

	total := SizeOfRecordHeader + hdrs.Len() + payload.Len()
	if uint64(total) > maxRecordPayloadBytes {
		return nil, InvalidLSN, ErrRecordTooLarge
	}
	rec := make([]byte, SizeOfRecordHeader, total)
	hdr := RecordHeader{TotalLen: uint32(total), Xid: b.xid, Info: info, Rmgr: rmgr}
	hdr.encode(rec)
	rec = append(rec, hdrs.Bytes()...)
	rec = append(rec, payload.Bytes()...)
	b.nfpi = nfpi
	return rec, fpwLSN, nil
}

// blockImage returns the page image with the unused hole removed and,
// when enabled and smaller, DEFLATE-compressed.
func (lm *LogManager) blockImage(page pagemanager.Page, standard bool) ([]byte, int, int, uint8) {
	holeOff, holeLen := 0, 0
	var info uint8
	if standard && !page.IsNew() {
		lower, upper := int(page.Lower()), int(page.Upper())
		if lower >= pagemanager.SizeOfPageHeader && lower < upper && upper <= BlockSize {
			holeOff, holeLen = lower, upper-lower
			info |= BkpImageHasHole
		}
	}
	img := make([]byte, 0, BlockSize-holeLen)
	img = append(img, page[:holeOff]...)
	img = append(img, page[holeOff+holeLen:]...)

	if lm.cfg.Compression {
		var out bytes.Buffer
		w, err := flate.NewWriter(&out, flate.BestSpeed)
		if err == nil {
			_, err = w.Write(img)
			if err == nil {
				err = w.Close()
			}
		}
		if err == nil && out.Len() < len(img) {
			return out.Bytes(), holeOff, holeLen, info | BkpImageCompressFlate
		}
	}
	return img, holeOff, holeLen, info
}

func le16(v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return b[:]
}
