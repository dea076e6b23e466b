package wal

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// checkConsistency compares every block image carried by rec with the
// page replay produced, after masking bits allowed to differ. Only images
// not applied during replay are compared.
func (e *RedoEnv) checkConsistency(rec *DecodedRecord, rmgr Rmgr) error {
	if rec.Header.Info&XLRCheckConsistency == 0 {
		return nil
	}
	for i := range rec.Blocks {
		blk := &rec.Blocks[i]
		if !blk.HasImage || blk.ApplyImage {
			continue
		}
		buf, err := e.readBufferExtended(blk.Rel, blk.Fork, blk.Block, buffer.ReadNormal)
		if err != nil {
			return err
		}
		if buf == buffer.InvalidBuffer {
			continue
		}
		e.Buffers.LockBuffer(buf, buffer.LockExclusive)
		replay := pagemanager.GetTempPageCopy(e.Buffers.Page(buf))
		e.Buffers.UnlockReleaseBuffer(buf)

		primary := pagemanager.GetTempPage(replay)
		if err := blk.RestoreImage(primary); err != nil {
			return err
		}
		pagemanager.MaskPageLSNAndChecksum(replay)
		pagemanager.MaskPageLSNAndChecksum(primary)
		if rmgr.Mask != nil {
			rmgr.Mask(replay, blk.Block)
			rmgr.Mask(primary, blk.Block)
		}
		if !bytes.Equal(replay, primary) {
			e.Logger.Error("inconsistent page found",
				zap.Stringer("rel", blk.Rel),
				zap.Stringer("fork", blk.Fork),
				zap.Uint32("block", uint32(blk.Block)),
				zap.String("lsn", FormatLSN(rec.LSN)))
			return Fatal(fmt.Errorf("inconsistent page found, rel %s, forknum %s, blkno %d", blk.Rel, blk.Fork, blk.Block))
		}
	}
	return nil
}
