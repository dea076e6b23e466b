// Package engine assembles the storage layers into a running cluster:
// it bootstraps a new data directory or recovers an existing one, runs
// the background workers and hands out B-tree indexes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojocore/core/indexing/btree"
	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/buffer"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojocore/internal/telemetry"
	"github.com/sushant-115/gojocore/pkg/config"
)

const (
	// WALDirName is the WAL directory under the data directory.
	WALDirName = "pg_wal"
	// first object id handed to user relations
	firstNormalOid = 16384
	// DefaultDatabase is the database oid of relations the engine creates.
	DefaultDatabase = 1
)

var (
	ErrClosed        = errors.New("engine is closed")
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already open")
)

// Options carries the process-wide services an engine reports through.
type Options struct {
	Logger  *zap.Logger
	Metrics *internaltelemetry.EngineMetrics
	Tracer  trace.Tracer
}

type checkpointRequest struct {
	done chan checkpointResult
}

type checkpointResult struct {
	stats wal.CheckpointStats
	err   error
}

// Engine is an open cluster.
type Engine struct {
	cfg     config.Config
	logger  *zap.Logger
	metrics *internaltelemetry.EngineMetrics

	storage *smgr.Manager
	buffers *buffer.Manager
	txns    *transaction.Manager
	wal     *wal.LogManager

	bootstrapped bool
	recovery     wal.RecoveryStats

	mu      sync.Mutex
	indexes map[string]*btree.Index
	closed  bool

	scheduler *cron.Cron
	requests  chan checkpointRequest
	group     *errgroup.Group
	stop      context.CancelFunc

	// closed when the worker group stops
	workersDone <-chan struct{}
}

// Open starts the cluster in cfg.DataDir. A directory without a control
// file is bootstrapped; otherwise the WAL is replayed from the last
// checkpoint. The background workers run until Close.
func Open(ctx context.Context, cfg config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = internaltelemetry.NoopEngineMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger.Named("engine"),
		metrics:  opts.Metrics,
		indexes:  make(map[string]*btree.Index),
		requests: make(chan checkpointRequest),
	}

	ctrl, bootstrap, err := loadControlFile(cfg)
	if err != nil {
		return nil, err
	}
	e.bootstrapped = bootstrap

	e.storage, err = smgr.New(smgr.Config{
		DataDir:      cfg.DataDir,
		RelSegSize:   ctrl.RelSegSize,
		MaxOpenFiles: cfg.MaxOpenFiles,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage manager: %w", err)
	}
	e.buffers = buffer.New(e.storage, buffer.Options{
		NBuffers:      cfg.SharedBuffers,
		DataChecksums: ctrl.DataChecksums,
		Metrics:       opts.Metrics,
	}, logger)
	e.txns = transaction.NewManager(0, firstNormalOid, logger)

	consistency, err := cfg.ConsistencyRmgrs()
	if err != nil {
		e.storage.Close()
		return nil, err
	}
	e.wal, err = wal.NewLogManager(wal.Config{
		Dir:                 filepath.Join(cfg.DataDir, WALDirName),
		SegmentSize:         int(ctrl.WALSegSize),
		WALBuffers:          cfg.WALBuffers,
		FullPageWrites:      cfg.FullPageWrites,
		Compression:         cfg.WALCompression,
		ConsistencyChecking: consistency,
		ArchiveDir:          ctrl.ArchiveDir,
		ArchiveRate:         cfg.ArchiveRate,
		CheckpointRate:      cfg.CheckpointWriteRate,
	}, wal.Deps{
		Buffers: e.buffers,
		Storage: e.storage,
		Txns:    e.txns,
		Control: ctrl,
		Rmgrs:   Rmgrs(),
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
	}, logger)
	if err != nil {
		e.storage.Close()
		return nil, err
	}

	if bootstrap {
		err = e.wal.Bootstrap(ctx)
	} else {
		e.recovery, err = e.wal.StartupRecovery(ctx)
	}
	if err != nil {
		e.wal.Close()
		e.storage.Close()
		return nil, fmt.Errorf("failed to start cluster in %s: %w", cfg.DataDir, err)
	}

	if err := e.startWorkers(); err != nil {
		e.wal.Close()
		e.storage.Close()
		return nil, err
	}
	e.logger.Info("engine started",
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("bootstrapped", bootstrap),
		zap.Int("recovered_records", e.recovery.Records),
		zap.Uint64("system_id", ctrl.SystemID))
	return e, nil
}

// Rmgrs returns the resource manager table of the engine: the built-in
// XLOG manager plus the B-tree access method.
func Rmgrs() wal.RmgrTable {
	return wal.NewRmgrTable().MustRegister(wal.RmgrBtree, btree.Rmgr())
}

// loadControlFile reads the control file, or prepares a new one when the
// data directory has never been initialized.
func loadControlFile(cfg config.Config) (*wal.ControlFile, bool, error) {
	_, err := os.Stat(wal.ControlFilePath(cfg.DataDir))
	switch {
	case err == nil:
		ctrl, err := wal.ReadControlFile(cfg.DataDir)
		if err != nil {
			return nil, false, err
		}
		if int(ctrl.WALSegSize) != cfg.WALSegmentSize {
			return nil, false, fmt.Errorf("cluster was initialized with wal_segment_size %d, configured %d",
				ctrl.WALSegSize, cfg.WALSegmentSize)
		}
		return ctrl, false, nil
	case errors.Is(err, os.ErrNotExist):
		ctrl, err := wal.NewControlFile(cfg.DataDir, cfg.RelSegSize, cfg.WALSegmentSize, cfg.DataChecksums,
			cfg.LCCollate, cfg.LCCtype, cfg.ArchiveDir)
		if err != nil {
			return nil, false, err
		}
		return ctrl, true, nil
	default:
		return nil, false, fmt.Errorf("failed to stat control file: %w", err)
	}
}

// --- Background workers ---

func (e *Engine) startWorkers() error {
	e.wal.StartWALWriter(e.cfg.WALWriterDelay)
	e.buffers.StartBackgroundWriter(e.cfg.BGWriterDelay, e.cfg.BGWriterMaxPages)

	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel
	e.group, ctx = errgroup.WithContext(ctx)
	e.workersDone = ctx.Done()
	e.group.Go(func() error { return e.checkpointer(ctx) })

	if e.cfg.CheckpointSchedule != "" {
		e.scheduler = cron.New(cron.WithLogger(cronLogger{e.logger.Named("checkpointer")}))
		if _, err := e.scheduler.AddFunc(e.cfg.CheckpointSchedule, func() { e.requestTimedCheckpoint(ctx) }); err != nil {
			cancel()
			_ = e.group.Wait()
			e.buffers.StopBackgroundWriter()
			return fmt.Errorf("invalid checkpoint schedule %q: %w", e.cfg.CheckpointSchedule, err)
		}
		e.scheduler.Start()
	}
	return nil
}

// checkpointer serializes timed and requested checkpoints. A fatal
// checkpoint failure stops the worker group.
func (e *Engine) checkpointer(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.requests:
			stats, err := e.wal.CreateCheckpoint(ctx, false)
			if req.done != nil {
				req.done <- checkpointResult{stats, err}
			}
			if wal.IsFatal(err) {
				e.logger.Error("checkpointer stopped", zap.Error(err))
				return err
			}
		}
	}
}

func (e *Engine) requestTimedCheckpoint(ctx context.Context) {
	select {
	case e.requests <- checkpointRequest{}:
	case <-ctx.Done():
	}
}

// Checkpoint asks the checkpointer for an immediate checkpoint and waits
// for it to finish.
func (e *Engine) Checkpoint(ctx context.Context) (wal.CheckpointStats, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return wal.CheckpointStats{}, ErrClosed
	}
	req := checkpointRequest{done: make(chan checkpointResult, 1)}
	select {
	case e.requests <- req:
	case <-e.workersDone:
		return wal.CheckpointStats{}, ErrClosed
	case <-ctx.Done():
		return wal.CheckpointStats{}, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.stats, res.err
	case <-ctx.Done():
		return wal.CheckpointStats{}, ctx.Err()
	}
}

// Close stops the workers, writes a shutdown checkpoint and closes the
// WAL and the relation files.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	if e.scheduler != nil {
		<-e.scheduler.Stop().Done()
	}
	e.stop()
	if err := e.group.Wait(); err != nil {
		errs = append(errs, err)
	}
	e.buffers.StopBackgroundWriter()

	started := time.Now()
	if len(errs) == 0 {
		if _, err := e.wal.CreateCheckpoint(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("failed to write shutdown checkpoint: %w", err))
		}
	}
	if err := e.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("engine shut down", zap.Duration("shutdown_checkpoint", time.Since(started)), zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// --- Accessors ---

// Bootstrapped reports whether Open initialized a new cluster.
func (e *Engine) Bootstrapped() bool { return e.bootstrapped }

// Recovery returns the statistics of the startup recovery, zero for a
// bootstrapped cluster.
func (e *Engine) Recovery() wal.RecoveryStats { return e.recovery }

func (e *Engine) WAL() *wal.LogManager { return e.wal }

func (e *Engine) Buffers() *buffer.Manager { return e.buffers }

func (e *Engine) Transactions() *transaction.Manager { return e.txns }

// --- Indexes ---

func (e *Engine) deps(table btree.Table) btree.Deps {
	return btree.Deps{Buffers: e.buffers, WAL: e.wal, Txns: e.txns, Table: table, Metrics: e.metrics}
}

// CreateIndex creates a new B-tree. A zero cfg.Rel gets a fresh relation
// number in the default database; cfg.Name defaults from it.
func (e *Engine) CreateIndex(ctx context.Context, cfg btree.Config, table btree.Table) (*btree.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if cfg.Name != "" {
		if _, ok := e.indexes[cfg.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrIndexExists, cfg.Name)
		}
	}
	if cfg.Rel == (smgr.RelFileLocator{}) {
		cfg.Rel = smgr.RelFileLocator{DbOid: DefaultDatabase, RelNumber: e.txns.AssignOid()}
		if _, err := e.wal.LogNextOid(e.txns.NextOid()); err != nil {
			return nil, fmt.Errorf("failed to log oid assignment: %w", err)
		}
	}
	ix, err := btree.Create(ctx, cfg, e.deps(table), e.logger)
	if err != nil {
		return nil, err
	}
	if _, ok := e.indexes[ix.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, ix.Name())
	}
	e.indexes[ix.Name()] = ix
	return ix, nil
}

// OpenIndex attaches to an index created earlier, typically after a
// restart.
func (e *Engine) OpenIndex(cfg btree.Config, table btree.Table) (*btree.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	ix, err := btree.Open(cfg, e.deps(table), e.logger)
	if err != nil {
		return nil, err
	}
	if _, ok := e.indexes[ix.Name()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexExists, ix.Name())
	}
	e.indexes[ix.Name()] = ix
	return ix, nil
}

// Index returns an open index by name.
func (e *Engine) Index(name string) (*btree.Index, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ix, ok := e.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return ix, nil
}

// Indexes returns the open indexes sorted by name.
func (e *Engine) Indexes() []*btree.Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*btree.Index, 0, len(e.indexes))
	for _, ix := range e.indexes {
		out = append(out, ix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// cronLogger routes robfig/cron messages to zap.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, zap.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
