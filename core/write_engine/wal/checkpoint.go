package wal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CheckpointStats describes one completed checkpoint.
type CheckpointStats struct {
	LSN             LSN
	Redo            LSN
	BuffersWritten  int
	SegmentsRemoved int
	Duration        time.Duration
}

// Control returns the control file the log manager maintains.
func (lm *LogManager) Control() *ControlFile { return lm.control }

// LastCheckpoint returns the location and redo pointer of the latest
// checkpoint.
func (lm *LogManager) LastCheckpoint() (LSN, LSN) {
	lm.ckptMu.Lock()
	defer lm.ckptMu.Unlock()
	return lm.lastCkpt, lm.lastCkptRedo
}

// Bootstrap initializes the WAL of a new cluster: the stream starts at
// the first segment and a shutdown checkpoint is written so recovery has
// a place to start from. The control file is then marked in production.
func (lm *LogManager) Bootstrap(ctx context.Context) error {
	if lm.control == nil {
		return errors.New("cannot bootstrap WAL without a control file")
	}
	segs, err := ListSegments(lm.cfg.Dir, lm.cfg.SegmentSize)
	if err != nil {
		return err
	}
	if len(segs) > 0 {
		return fmt.Errorf("WAL directory %s is not empty", lm.cfg.Dir)
	}
	if err := lm.startAt(segStart(firstSegNo, lm.cfg.SegmentSize), InvalidLSN); err != nil {
		return err
	}
	lm.startupID = 1
	if _, err := lm.CreateCheckpoint(ctx, true); err != nil {
		return fmt.Errorf("failed to write bootstrap checkpoint: %w", err)
	}
	// the cluster is live from here on; a crash must be seen as one
	lm.control.State = DBInProduction
	lm.control.Time = time.Now()
	if err := lm.control.Update(); err != nil {
		return Fatal(err)
	}
	lm.logger.Info("bootstrapped WAL", zap.Uint64("system_id", lm.control.SystemID))
	return nil
}

// CreateCheckpoint writes every dirty buffer, logs a checkpoint record and
// records it in the control file. WAL segments no longer needed for
// recovery are archived or removed. A shutdown checkpoint leaves the
// control file in the shut down state; the caller must ensure nothing
// inserts WAL concurrently.
func (lm *LogManager) CreateCheckpoint(ctx context.Context, shutdown bool) (CheckpointStats, error) {
	lm.ckptMu.Lock()
	defer lm.ckptMu.Unlock()

	ctx, span := lm.tracer.Start(ctx, "wal.CreateCheckpoint", trace.WithAttributes(attribute.Bool("shutdown", shutdown)))
	defer span.End()
	stats, err := lm.createCheckpoint(ctx, shutdown)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		lm.logger.Error("checkpoint failed", zap.Error(err))
		return stats, err
	}
	return stats, nil
}

func (lm *LogManager) createCheckpoint(ctx context.Context, shutdown bool) (CheckpointStats, error) {
	start := time.Now()
	var stats CheckpointStats
	if lm.inRecovery.Load() {
		return stats, ErrInRecovery
	}
	if lm.control == nil {
		return stats, errors.New("checkpoint requires a control file")
	}
	if shutdown {
		lm.control.State = DBShutdowning
		lm.control.Time = start
		if err := lm.control.Update(); err != nil {
			return stats, Fatal(err)
		}
	}

	// pages changed after this point carry their own images
	redo, _, err := lm.NewRecord().InsertRecord(RmgrXLOG, XLOGCheckpointRedo)
	if err != nil {
		return stats, fmt.Errorf("failed to insert checkpoint redo record: %w", err)
	}
	stats.Redo = redo

	var limiter *rate.Limiter
	if lm.cfg.CheckpointRate > 0 {
		burst := int(lm.cfg.CheckpointRate)
		if burst < BlockSize {
			burst = BlockSize
		}
		limiter = rate.NewLimiter(rate.Limit(lm.cfg.CheckpointRate), burst)
	}
	if lm.buffers != nil {
		n, err := lm.buffers.BufferSync(ctx, limiter)
		if err != nil {
			return stats, fmt.Errorf("failed to write dirty buffers: %w", err)
		}
		stats.BuffersWritten = n
	}
	if lm.storage != nil {
		if err := lm.storage.SyncAll(); err != nil {
			return stats, Fatal(fmt.Errorf("failed to sync relation files: %w", err))
		}
	}

	cp := CheckPoint{
		Redo:           redo,
		TimeLine:       lm.cfg.Timeline,
		FullPageWrites: lm.cfg.FullPageWrites,
		StartupID:      lm.startupID,
		Time:           time.Now(),
	}
	if lm.txns != nil {
		cp.NextXid = lm.txns.NextFullXid()
		cp.NextOid = lm.txns.NextOid()
		cp.OldestXid = lm.txns.Horizon()
	}
	info := XLOGCheckpointOnline
	if shutdown {
		info = XLOGCheckpointShutdown
	}
	b := lm.NewRecord()
	b.RegisterData(cp.encode())
	ckpt, end, err := b.InsertRecord(RmgrXLOG, info)
	if err != nil {
		return stats, fmt.Errorf("failed to insert checkpoint record: %w", err)
	}
	if err := lm.Flush(end); err != nil {
		return stats, err
	}
	stats.LSN = ckpt

	lm.control.Checkpoint = ckpt
	lm.control.CheckpointCopy = cp
	lm.control.LogID = uint32(ckpt >> 32)
	lm.control.LogSeg = uint32(segNoOf(ckpt, lm.cfg.SegmentSize))
	lm.control.Time = cp.Time
	if shutdown {
		lm.control.State = DBShutdowned
	} else {
		lm.control.State = DBInProduction
	}
	if err := lm.control.Update(); err != nil {
		return stats, Fatal(err)
	}
	lm.lastCkpt, lm.lastCkptRedo = ckpt, redo

	removed, err := lm.removeOldSegments(ctx, segNoOf(redo, lm.cfg.SegmentSize))
	if err != nil {
		// the checkpoint itself is durable; old segments are retried next time
		lm.logger.Warn("failed to remove old WAL segments", zap.Error(err))
	}
	stats.SegmentsRemoved = removed
	stats.Duration = time.Since(start)

	lm.metrics.CheckpointsCounter.Add(ctx, 1)
	lm.metrics.CheckpointDurationHistogram.Record(ctx, stats.Duration.Milliseconds())
	lm.logger.Info("checkpoint complete",
		zap.Bool("shutdown", shutdown),
		zap.String("lsn", FormatLSN(ckpt)),
		zap.String("redo", FormatLSN(redo)),
		zap.Int("buffers_written", stats.BuffersWritten),
		zap.Int("segments_removed", removed),
		zap.Duration("duration", stats.Duration))
	return stats, nil
}
