package wal

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// XLOG record types.
const (
	XLOGCheckpointShutdown uint8 = 0x00
	XLOGCheckpointOnline   uint8 = 0x10
	XLOGNoop               uint8 = 0x20
	XLOGNextOid            uint8 = 0x30
	XLOGFPIForHint         uint8 = 0xA0
	XLOGFPI                uint8 = 0xB0
	XLOGCheckpointRedo     uint8 = 0xE0
)

const sizeOfCheckPoint = 8 + 8 + 4 + 1 + 8 + 4 + 4 + 8 + 8

// CheckPoint is the payload of a checkpoint record.
type CheckPoint struct {
	Redo           LSN
	Undo           LSN
	TimeLine       TimeLineID
	FullPageWrites bool
	NextXid        transaction.FullTransactionID
	NextOid        uint32
	StartupID      uint32
	OldestXid      transaction.FullTransactionID
	Time           time.Time
}

func (c *CheckPoint) encode() []byte {
	b := make([]byte, sizeOfCheckPoint)
	binary.LittleEndian.PutUint64(b[0:], uint64(c.Redo))
	binary.LittleEndian.PutUint64(b[8:], uint64(c.Undo))
	binary.LittleEndian.PutUint32(b[16:], uint32(c.TimeLine))
	b[20] = boolByte(c.FullPageWrites)
	binary.LittleEndian.PutUint64(b[21:], uint64(c.NextXid))
	binary.LittleEndian.PutUint32(b[29:], c.NextOid)
	binary.LittleEndian.PutUint32(b[33:], c.StartupID)
	binary.LittleEndian.PutUint64(b[37:], uint64(c.OldestXid))
	binary.LittleEndian.PutUint64(b[45:], uint64(c.Time.Unix()))
	return b
}

// DecodeCheckPoint parses a checkpoint record payload.
func DecodeCheckPoint(b []byte) (CheckPoint, error) {
	if len(b) != sizeOfCheckPoint {
		return CheckPoint{}, fmt.Errorf("%w: checkpoint payload of %d bytes", ErrInvalidRecord, len(b))
	}
	return CheckPoint{
		Redo:           LSN(binary.LittleEndian.Uint64(b[0:])),
		Undo:           LSN(binary.LittleEndian.Uint64(b[8:])),
		TimeLine:       TimeLineID(binary.LittleEndian.Uint32(b[16:])),
		FullPageWrites: b[20] != 0,
		NextXid:        transaction.FullTransactionID(binary.LittleEndian.Uint64(b[21:])),
		NextOid:        binary.LittleEndian.Uint32(b[29:]),
		StartupID:      binary.LittleEndian.Uint32(b[33:]),
		OldestXid:      transaction.FullTransactionID(binary.LittleEndian.Uint64(b[37:])),
		Time:           time.Unix(int64(binary.LittleEndian.Uint64(b[45:])), 0),
	}, nil
}

func xlogRmgr() Rmgr {
	return Rmgr{
		Name:     "XLOG",
		Redo:     xlogRedo,
		Desc:     xlogDesc,
		Identify: xlogIdentify,
	}
}

func xlogIdentify(info uint8) string {
	switch info & RmgrInfoMask {
	case XLOGCheckpointShutdown:
		return "CHECKPOINT_SHUTDOWN"
	case XLOGCheckpointOnline:
		return "CHECKPOINT_ONLINE"
	case XLOGNoop:
		return "NOOP"
	case XLOGNextOid:
		return "NEXTOID"
	case XLOGFPIForHint:
		return "FPI_FOR_HINT"
	case XLOGFPI:
		return "FPI"
	case XLOGCheckpointRedo:
		return "CHECKPOINT_REDO"
	}
	return ""
}

func xlogDesc(rec *DecodedRecord) string {
	switch rec.Info() {
	case XLOGCheckpointShutdown, XLOGCheckpointOnline:
		cp, err := DecodeCheckPoint(rec.Main)
		if err != nil {
			return err.Error()
		}
		kind := "online"
		if rec.Info() == XLOGCheckpointShutdown {
			kind = "shutdown"
		}
		return fmt.Sprintf("redo %s; tli %d; fpw %t; xid %s; oid %d; startup %d; %s",
			FormatLSN(cp.Redo), cp.TimeLine, cp.FullPageWrites, cp.NextXid, cp.NextOid, cp.StartupID, kind)
	case XLOGNextOid:
		if len(rec.Main) == 4 {
			return fmt.Sprintf("%d", binary.LittleEndian.Uint32(rec.Main))
		}
	case XLOGFPI, XLOGFPIForHint:
		var parts []string
		for _, b := range rec.Blocks {
			parts = append(parts, fmt.Sprintf("%s/%s blk %d", b.Rel, b.Fork, b.Block))
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

func xlogRedo(env *RedoEnv, rec *DecodedRecord) error {
	switch rec.Info() {
	case XLOGCheckpointShutdown, XLOGCheckpointOnline:
		cp, err := DecodeCheckPoint(rec.Main)
		if err != nil {
			return err
		}
		if env.Txns != nil {
			if rec.Info() == XLOGCheckpointShutdown || cp.NextXid > env.Txns.NextFullXid() {
				env.Txns.SetNextXid(cp.NextXid)
			}
			if cp.NextOid > env.Txns.NextOid() {
				env.Txns.SetNextOid(cp.NextOid)
			}
		}
	case XLOGNextOid:
		if len(rec.Main) != 4 {
			return fmt.Errorf("%w: NEXTOID payload of %d bytes", ErrInvalidRecord, len(rec.Main))
		}
		if env.Txns != nil {
			env.Txns.SetNextOid(binary.LittleEndian.Uint32(rec.Main))
		}
	case XLOGFPI, XLOGFPIForHint:
		for i := range rec.Blocks {
			blk := &rec.Blocks[i]
			action, buf, err := env.ReadBufferForRedo(rec, blk.ID)
			if err != nil {
				return err
			}
			if action != BlockRestored && !(rec.Info() == XLOGFPIForHint && action == BlockDone) {
				if buf != buffer.InvalidBuffer {
					env.Buffers.UnlockReleaseBuffer(buf)
				}
				return fmt.Errorf("%w: unexpected result %s when restoring backup block", ErrInvalidRecord, action)
			}
			env.Buffers.UnlockReleaseBuffer(buf)
		}
	case XLOGNoop, XLOGCheckpointRedo:
	default:
		return fmt.Errorf("%w: XLOG info 0x%02X", ErrInvalidRecord, rec.Info())
	}
	return nil
}

// --- XLOG record producers ---

// LogNewPage WAL-logs a full image of page and returns the LSN to stamp on
// it. Callers that keep the page in the buffer pool should use
// LogNewPageBuffer.
func (lm *LogManager) LogNewPage(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, page pagemanager.Page, standard bool) (LSN, error) {
	flags := RegBufForceImage
	if standard {
		flags |= RegBufStandard
	}
	b := lm.NewRecord()
	b.RegisterBlock(0, rel, fork, blk, page, flags)
	lsn, err := b.Insert(RmgrXLOG, XLOGFPI)
	if err != nil {
		return InvalidLSN, err
	}
	if !page.IsNew() {
		page.SetLSN(lsn)
	}
	return lsn, nil
}

// LogNewPageBuffer logs the page in buf, which the caller holds
// exclusively locked, and marks it dirty.
func (lm *LogManager) LogNewPageBuffer(buf buffer.Buffer, standard bool) (LSN, error) {
	tag := lm.buffers.Tag(buf)
	lm.buffers.MarkBufferDirty(buf)
	return lm.LogNewPage(tag.Rel, tag.Fork, tag.Block, lm.buffers.Page(buf), standard)
}

// LogHintFPI is installed as the buffer pool's hint logger. It logs an
// image of the page when this is the first change since the checkpoint.
func (lm *LogManager) LogHintFPI(buf buffer.Buffer) (LSN, error) {
	if lm.inRecovery.Load() || !lm.cfg.FullPageWrites {
		return InvalidLSN, nil
	}
	redo := lm.RedoRecPtr()
	if lm.buffers.PageLSN(buf) > redo {
		return InvalidLSN, nil
	}
	tag := lm.buffers.Tag(buf)
	// only a share lock is held, so log a private copy
	copyPage := pagemanager.GetTempPageCopy(lm.buffers.Page(buf))
	b := lm.NewRecord()
	b.RegisterBlock(0, tag.Rel, tag.Fork, tag.Block, copyPage, RegBufForceImage|RegBufStandard)
	return b.Insert(RmgrXLOG, XLOGFPIForHint)
}

// LogNextOid records an OID counter advance.
func (lm *LogManager) LogNextOid(nextOid uint32) (LSN, error) {
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], nextOid)
	b := lm.NewRecord()
	b.RegisterData(payload[:])
	return b.Insert(RmgrXLOG, XLOGNextOid)
}

// LogNoop writes an empty record of the XLOG rmgr.
func (lm *LogManager) LogNoop() (LSN, error) {
	return lm.NewRecord().Insert(RmgrXLOG, XLOGNoop)
}
