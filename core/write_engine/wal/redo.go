package wal

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// RedoAction is the outcome of ReadBufferForRedo.
type RedoAction int

const (
	// BlockNeedsRedo: the page is older than the record; apply it.
	BlockNeedsRedo RedoAction = iota
	// BlockRestored: the page was restored from the record's image.
	BlockRestored
	// BlockDone: the page already reflects the record.
	BlockDone
	// BlockNotFound: the block no longer exists.
	BlockNotFound
)

func (a RedoAction) String() string {
	switch a {
	case BlockNeedsRedo:
		return "BLK_NEEDS_REDO"
	case BlockRestored:
		return "BLK_RESTORED"
	case BlockDone:
		return "BLK_DONE"
	case BlockNotFound:
		return "BLK_NOTFOUND"
	}
	return fmt.Sprintf("RedoAction(%d)", int(a))
}

// ConflictResolver is told that replay is about to remove data visible to
// snapshots older than horizon.
type ConflictResolver func(horizon transaction.TransactionID, rel smgr.RelFileLocator)

// RedoEnv is what redo routines see of the running system.
type RedoEnv struct {
	Buffers   *buffer.Manager
	Txns      *transaction.Manager
	Conflicts ConflictResolver
	Logger    *zap.Logger

	invalidPages map[buffer.BufferTag]struct{}
}

// NewRedoEnv returns an environment replaying into bm.
func NewRedoEnv(bm *buffer.Manager, txns *transaction.Manager, conflicts ConflictResolver, logger *zap.Logger) *RedoEnv {
	if logger == nil {
		logger = zap.NewNop()
	}
	if conflicts == nil {
		conflicts = func(transaction.TransactionID, smgr.RelFileLocator) {}
	}
	return &RedoEnv{
		Buffers:      bm,
		Txns:         txns,
		Conflicts:    conflicts,
		Logger:       logger,
		invalidPages: make(map[buffer.BufferTag]struct{}),
	}
}

// ResolveConflict forwards a snapshot conflict horizon to the resolver.
func (e *RedoEnv) ResolveConflict(horizon transaction.TransactionID, rel smgr.RelFileLocator) {
	if horizon.IsNormal() {
		e.Conflicts(horizon, rel)
	}
}

// ReadBufferForRedo reads the page of block reference id, exclusively
// locked, restoring its image if the record carries one to apply.
func (e *RedoEnv) ReadBufferForRedo(rec *DecodedRecord, id uint8) (RedoAction, buffer.Buffer, error) {
	return e.ReadBufferForRedoExtended(rec, id, buffer.ReadNormal, false)
}

// InitBufferForRedo returns the zeroed, exclusively locked page of a
// block reference flagged WillInit.
func (e *RedoEnv) InitBufferForRedo(rec *DecodedRecord, id uint8) (buffer.Buffer, error) {
	_, buf, err := e.ReadBufferForRedoExtended(rec, id, buffer.ReadZeroAndLock, false)
	return buf, err
}

// ReadBufferForRedoExtended is ReadBufferForRedo with a read mode and an
// optional cleanup lock. The returned buffer, when valid, is pinned and
// locked; the caller stamps rec.EndLSN on it after applying changes.
func (e *RedoEnv) ReadBufferForRedoExtended(rec *DecodedRecord, id uint8, mode buffer.ReadMode, cleanup bool) (RedoAction, buffer.Buffer, error) {
	blk := rec.Block(id)
	if blk == nil {
		return BlockNotFound, buffer.InvalidBuffer, fmt.Errorf("%w: no block with id %d in record at %s", ErrInvalidRecord, id, FormatLSN(rec.LSN))
	}
	zeroMode := mode == buffer.ReadZeroAndLock || mode == buffer.ReadZeroAndCleanupLock
	if blk.WillInit && !zeroMode {
		return BlockNotFound, buffer.InvalidBuffer, fmt.Errorf("%w: block with WILL_INIT flag in record at %s must be zeroed by redo routine", ErrInvalidRecord, FormatLSN(rec.LSN))
	}

	if blk.HasImage && blk.ApplyImage {
		m := buffer.ReadZeroAndLock
		if cleanup {
			m = buffer.ReadZeroAndCleanupLock
		}
		buf, err := e.readBufferExtended(blk.Rel, blk.Fork, blk.Block, m)
		if err != nil {
			return BlockNotFound, buffer.InvalidBuffer, err
		}
		page := e.Buffers.Page(buf)
		if err := blk.RestoreImage(page); err != nil {
			e.Buffers.UnlockReleaseBuffer(buf)
			return BlockNotFound, buffer.InvalidBuffer, err
		}
		if !page.IsNew() {
			page.SetLSN(rec.EndLSN)
		}
		e.Buffers.MarkBufferDirty(buf)
		// init forks are not covered by checkpoints
		if blk.Fork == smgr.InitFork {
			if err := e.Buffers.FlushOneBuffer(buf); err != nil {
				e.Buffers.UnlockReleaseBuffer(buf)
				return BlockNotFound, buffer.InvalidBuffer, err
			}
		}
		return BlockRestored, buf, nil
	}

	buf, err := e.readBufferExtended(blk.Rel, blk.Fork, blk.Block, mode)
	if err != nil {
		return BlockNotFound, buffer.InvalidBuffer, err
	}
	if buf == buffer.InvalidBuffer {
		return BlockNotFound, buffer.InvalidBuffer, nil
	}
	if !zeroMode {
		if cleanup {
			if err := e.Buffers.LockBufferForCleanup(buf); err != nil {
				e.Buffers.ReleaseBuffer(buf)
				return BlockNotFound, buffer.InvalidBuffer, err
			}
		} else {
			e.Buffers.LockBuffer(buf, buffer.LockExclusive)
		}
	}
	if e.Buffers.Page(buf).LSN() >= rec.EndLSN {
		return BlockDone, buf, nil
	}
	return BlockNeedsRedo, buf, nil
}

// readBufferExtended reads a block during recovery, creating the fork and
// extending the relation as needed. In ReadNormal mode a block past the
// end of the relation yields InvalidBuffer; it was truncated away later
// in the WAL.
func (e *RedoEnv) readBufferExtended(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber, mode buffer.ReadMode) (buffer.Buffer, error) {
	bm := e.Buffers
	if err := bm.CreateFork(rel, fork); err != nil {
		return buffer.InvalidBuffer, fmt.Errorf("failed to create fork %s/%s: %w", rel, fork, err)
	}
	nblocks, err := bm.NBlocks(rel, fork)
	if err != nil {
		return buffer.InvalidBuffer, err
	}
	if blk < nblocks {
		buf, err := bm.ReadBufferExtended(rel, fork, blk, mode)
		if err != nil {
			return buffer.InvalidBuffer, err
		}
		if mode == buffer.ReadNormal && bm.Page(buf).IsNew() {
			// zeroed page left by an extension that was never logged
			bm.ReleaseBuffer(buf)
			e.logInvalidPage(rel, fork, blk)
			return buffer.InvalidBuffer, nil
		}
		return buf, nil
	}
	if mode == buffer.ReadNormal {
		e.logInvalidPage(rel, fork, blk)
		return buffer.InvalidBuffer, nil
	}
	for {
		m := mode
		if nblocks < blk {
			m = buffer.ReadNormal
		}
		buf, err := bm.ReadBufferExtended(rel, fork, pagemanager.NewBlock, m)
		if err != nil {
			return buffer.InvalidBuffer, err
		}
		got := bm.BlockNumber(buf)
		if got == blk {
			return buf, nil
		}
		if got > blk {
			bm.UnlockReleaseBuffer(buf)
			return buffer.InvalidBuffer, fmt.Errorf("relation %s/%s extended past block %d", rel, fork, blk)
		}
		if m == buffer.ReadNormal {
			bm.ReleaseBuffer(buf)
		} else {
			bm.UnlockReleaseBuffer(buf)
		}
		nblocks = got + 1
	}
}

func (e *RedoEnv) logInvalidPage(rel smgr.RelFileLocator, fork smgr.ForkNumber, blk pagemanager.BlockNumber) {
	tag := buffer.BufferTag{Rel: rel, Fork: fork, Block: blk}
	if _, seen := e.invalidPages[tag]; seen {
		return
	}
	e.invalidPages[tag] = struct{}{}
	e.Logger.Debug("page referenced by WAL does not exist", zap.Stringer("tag", tag))
}

// forgetInvalidPages drops invalid-page entries of blocks at or past
// nblocks, as a later truncation explains them.
func (e *RedoEnv) forgetInvalidPages(rel smgr.RelFileLocator, fork smgr.ForkNumber, nblocks pagemanager.BlockNumber) {
	for tag := range e.invalidPages {
		if tag.Rel == rel && tag.Fork == fork && tag.Block >= nblocks {
			delete(e.invalidPages, tag)
		}
	}
}

// InvalidPages returns the number of missing pages referenced by replayed
// records.
func (e *RedoEnv) InvalidPages() int { return len(e.invalidPages) }
