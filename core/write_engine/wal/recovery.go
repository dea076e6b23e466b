package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// RecoveryStats summarizes a completed startup recovery.
type RecoveryStats struct {
	Checkpoint LSN
	Redo       LSN
	End        LSN
	Records    int
	// WasShutdown is true when the cluster had been shut down cleanly.
	WasShutdown  bool
	InvalidPages int
	Duration     time.Duration
}

// StartupRecovery replays the WAL from the redo pointer of the last
// checkpoint, opens the log for insertion at the end of the valid WAL and
// writes an end-of-recovery checkpoint. Failures during replay are fatal.
func (lm *LogManager) StartupRecovery(ctx context.Context) (RecoveryStats, error) {
	ctx, span := lm.tracer.Start(ctx, "wal.StartupRecovery")
	defer span.End()
	stats, err := lm.startupRecovery(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}
	span.SetAttributes(
		attribute.Int("records", stats.Records),
		attribute.String("end", FormatLSN(stats.End)))
	return stats, nil
}

func (lm *LogManager) startupRecovery(ctx context.Context) (RecoveryStats, error) {
	started := time.Now()
	logger := lm.logger.Named("recovery")
	var stats RecoveryStats

	ctrl := lm.control
	if ctrl == nil {
		return stats, ErrNoControlFile
	}
	if int(ctrl.WALSegSize) != lm.cfg.SegmentSize {
		return stats, fmt.Errorf("WAL segment size %d in control file does not match configured %d", ctrl.WALSegSize, lm.cfg.SegmentSize)
	}
	if ctrl.Checkpoint == InvalidLSN {
		return stats, Fatal(errors.New("control file holds no checkpoint location"))
	}
	stats.Checkpoint = ctrl.Checkpoint
	stats.WasShutdown = ctrl.State == DBShutdowned
	switch ctrl.State {
	case DBShutdowned:
		logger.Info("database system was shut down", zap.Time("at", ctrl.Time))
	case DBInRecovery:
		logger.Info("database system was interrupted while in recovery", zap.Time("at", ctrl.Time))
	default:
		logger.Info("database system was not properly shut down; automatic recovery in progress",
			zap.Stringer("state", ctrl.State))
	}

	src, err := NewDirSource(lm.cfg.Dir, lm.cfg.Timeline, lm.cfg.SegmentSize)
	if err != nil {
		return stats, err
	}
	reader := NewReader(src, ReaderConfig{
		SegmentSize: lm.cfg.SegmentSize,
		Timeline:    lm.cfg.Timeline,
		SystemID:    ctrl.SystemID,
	}, lm.logger)
	defer reader.Close()

	reader.Seek(ctrl.Checkpoint)
	ckrec, err := reader.ReadRecord()
	if err != nil {
		return stats, Fatal(fmt.Errorf("could not locate a valid checkpoint record at %s: %w", FormatLSN(ctrl.Checkpoint), err))
	}
	if ckrec.Rmgr() != RmgrXLOG || (ckrec.Info() != XLOGCheckpointShutdown && ckrec.Info() != XLOGCheckpointOnline) {
		return stats, Fatal(fmt.Errorf("%w: record at %s is not a checkpoint", ErrInvalidRecord, FormatLSN(ckrec.LSN)))
	}
	cp, err := DecodeCheckPoint(ckrec.Main)
	if err != nil {
		return stats, Fatal(err)
	}
	if cp.Redo > ckrec.LSN {
		return stats, Fatal(fmt.Errorf("invalid redo in checkpoint record at %s", FormatLSN(ckrec.LSN)))
	}
	stats.Redo = cp.Redo
	logger.Info("checkpoint record found",
		zap.String("lsn", FormatLSN(ckrec.LSN)),
		zap.String("redo", FormatLSN(cp.Redo)),
		zap.Stringer("next_xid", cp.NextXid),
		zap.Uint32("next_oid", cp.NextOid))

	if lm.txns != nil {
		lm.txns.SetNextXid(cp.NextXid)
		lm.txns.SetNextOid(cp.NextOid)
	}
	lm.startupID = cp.StartupID + 1
	lm.insertMu.Lock()
	lm.redoRecPtr = cp.Redo
	lm.redo.Store(uint64(cp.Redo))
	lm.insertMu.Unlock()

	ctrl.State = DBInRecovery
	ctrl.Time = time.Now()
	if err := ctrl.Update(); err != nil {
		return stats, Fatal(err)
	}
	lm.inRecovery.Store(true)
	defer lm.inRecovery.Store(false)

	env := NewRedoEnv(lm.buffers, lm.txns, lm.conflicts, logger)
	reader.Seek(cp.Redo)
	lastStart, end := InvalidLSN, cp.Redo
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, err := reader.ReadRecord()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Info("invalid record at end of WAL", zap.String("lsn", FormatLSN(reader.NextPos())), zap.Error(err))
			}
			break
		}
		if lm.txns != nil {
			lm.txns.AdvanceNextXid(rec.Xid())
		}
		rm, ok := lm.rmgrs.Lookup(rec.Rmgr())
		if !ok {
			return stats, Fatal(fmt.Errorf("%w: resource manager %s at %s is not registered", ErrInvalidRecord, rec.Rmgr(), FormatLSN(rec.LSN)))
		}
		if err := rm.Redo(env, rec); err != nil {
			return stats, Fatal(fmt.Errorf("redo of %s/%s at %s failed: %w", rm.Name, lm.rmgrs.Identify(rec), FormatLSN(rec.LSN), err))
		}
		if err := env.checkConsistency(rec, rm); err != nil {
			return stats, Fatal(err)
		}
		lastStart, end = rec.LSN, rec.EndLSN
		stats.Records++
	}
	if lastStart == InvalidLSN || lastStart < ckrec.LSN {
		return stats, Fatal(fmt.Errorf("WAL ends before the checkpoint record at %s", FormatLSN(ckrec.LSN)))
	}
	stats.End = end
	stats.InvalidPages = env.InvalidPages()
	if stats.InvalidPages > 0 {
		logger.Warn("WAL contains references to invalid pages", zap.Int("count", stats.InvalidPages))
	}
	logger.Info("redo done",
		zap.String("end", FormatLSN(end)),
		zap.Int("records", stats.Records))

	if err := lm.cleanWALTail(end); err != nil {
		return stats, Fatal(err)
	}
	if err := reader.Close(); err != nil {
		logger.Debug("failed to close WAL reader", zap.Error(err))
	}
	if err := lm.startAt(end, lastStart); err != nil {
		return stats, Fatal(err)
	}
	lm.inRecovery.Store(false)

	if _, err := lm.CreateCheckpoint(ctx, false); err != nil {
		return stats, fmt.Errorf("end-of-recovery checkpoint failed: %w", err)
	}
	stats.Duration = time.Since(started)
	logger.Info("database system is ready", zap.Duration("recovery_time", stats.Duration))
	return stats, nil
}

// cleanWALTail zero-fills the segment holding end from end onwards and
// removes every later segment, so no stale bytes follow the valid WAL.
func (lm *LogManager) cleanWALTail(end LSN) error {
	segSize := lm.cfg.SegmentSize
	segno := segNoOf(end, segSize)
	path := lm.segmentPath(segno)
	if f, err := os.OpenFile(path, os.O_RDWR, 0o600); err == nil {
		off := segOffset(end, segSize)
		zero := make([]byte, BlockSize)
		for off < segSize {
			n := BlockSize - off%BlockSize
			if _, err := f.WriteAt(zero[:n], int64(off)); err != nil {
				f.Close()
				return fmt.Errorf("failed to zero WAL segment %s: %w", SegmentFileName(lm.cfg.Timeline, segno, segSize), err)
			}
			off += n
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync WAL segment: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to open WAL segment: %w", err)
	}

	segs, err := ListSegments(lm.cfg.Dir, segSize)
	if err != nil {
		return err
	}
	for _, s := range segs {
		if s <= segno {
			continue
		}
		if err := os.Remove(lm.segmentPath(s)); err != nil {
			return fmt.Errorf("failed to remove WAL segment past end of WAL: %w", err)
		}
		lm.logger.Debug("removed WAL segment past end of WAL", zap.String("segment", SegmentFileName(lm.cfg.Timeline, s, segSize)))
	}
	return nil
}
