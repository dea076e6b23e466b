// Package smgr manages relation files on disk. Every relation fork is a
// sequence of segment files of RelSegSize blocks each; block I/O is
// addressed by (relation, fork, block) and mapped onto the right segment.
package smgr

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

const (
	BlockSize = pagemanager.PageSize
	// DefaultRelSegSize is the number of blocks per segment file (1 GiB).
	DefaultRelSegSize = 131072
)

var (
	ErrRelationNotFound = errors.New("relation file does not exist")
	ErrShortRead        = errors.New("short read")
	ErrInvalidBlock     = errors.New("invalid block number")
)

// Config configures the storage manager.
type Config struct {
	DataDir      string
	RelSegSize   uint32
	MaxOpenFiles int
}

// Manager performs block I/O on relation files.
type Manager struct {
	logger     *zap.Logger
	dataDir    string
	relSegSize uint32
	files      *fileCache

	// segments written since the last SyncAll.
	pendingMu   sync.Mutex
	pendingSync map[string]struct{}
}

// New creates a storage manager rooted at cfg.DataDir.
func New(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("smgr")
	if cfg.RelSegSize == 0 {
		cfg.RelSegSize = DefaultRelSegSize
	}
	files, err := newFileCache(cfg.MaxOpenFiles, logger)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:      logger,
		dataDir:     cfg.DataDir,
		relSegSize:  cfg.RelSegSize,
		files:       files,
		pendingSync: make(map[string]struct{}),
	}, nil
}

// RelSegSize returns the number of blocks per segment file.
func (m *Manager) RelSegSize() uint32 { return m.relSegSize }

func (m *Manager) path(rel RelFileLocator, fork ForkNumber, segno uint32) string {
	return filepath.Join(m.dataDir, segmentPath(RelPath(rel, fork), segno))
}

// Create creates the first segment of a relation fork. It is not an error
// if the fork already exists.
func (m *Manager) Create(rel RelFileLocator, fork ForkNumber) error {
	path := m.path(rel, fork, 0)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "could not create directory for %s", path)
	}
	sf, err := m.files.acquire(path, true)
	if err != nil {
		return errors.Wrapf(err, "could not create file %s", path)
	}
	m.files.release(sf)
	m.logger.Debug("created relation fork", zap.Stringer("rel", rel), zap.Stringer("fork", fork))
	return nil
}

// Exists reports whether the fork's first segment exists.
func (m *Manager) Exists(rel RelFileLocator, fork ForkNumber) bool {
	_, err := os.Stat(m.path(rel, fork, 0))
	return err == nil
}

func (m *Manager) locate(blkno pagemanager.BlockNumber) (segno uint32, off int64) {
	segno = uint32(blkno) / m.relSegSize
	off = int64(uint32(blkno)%m.relSegSize) * BlockSize
	return segno, off
}

func (m *Manager) openSegment(rel RelFileLocator, fork ForkNumber, segno uint32, create bool) (*segFile, error) {
	path := m.path(rel, fork, segno)
	sf, err := m.files.acquire(path, create)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrRelationNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "could not open file %s", path)
	}
	return sf, nil
}

// Read reads one block into buf. Reading past the end of the fork fails
// with ErrShortRead.
func (m *Manager) Read(rel RelFileLocator, fork ForkNumber, blkno pagemanager.BlockNumber, buf []byte) error {
	if blkno == pagemanager.InvalidBlockNumber {
		return errors.Wrapf(ErrInvalidBlock, "read of %s", rel)
	}
	segno, off := m.locate(blkno)
	sf, err := m.openSegment(rel, fork, segno, false)
	if err != nil {
		return err
	}
	defer m.files.release(sf)

	n, err := sf.f.ReadAt(buf[:BlockSize], off)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "could not read block %d in file %s", blkno, sf.path)
	}
	if n != BlockSize {
		return errors.Wrapf(ErrShortRead, "could not read block %d in file %s: read only %d of %d bytes",
			blkno, sf.path, n, BlockSize)
	}
	return nil
}

// Write writes one existing block.
func (m *Manager) Write(rel RelFileLocator, fork ForkNumber, blkno pagemanager.BlockNumber, buf []byte) error {
	return m.write(rel, fork, blkno, buf, false)
}

// Extend writes a block at or past the current end of the fork, creating
// segment files as needed.
func (m *Manager) Extend(rel RelFileLocator, fork ForkNumber, blkno pagemanager.BlockNumber, buf []byte) error {
	return m.write(rel, fork, blkno, buf, true)
}

func (m *Manager) write(rel RelFileLocator, fork ForkNumber, blkno pagemanager.BlockNumber, buf []byte, extend bool) error {
	if blkno == pagemanager.InvalidBlockNumber {
		return errors.Wrapf(ErrInvalidBlock, "cannot extend %s beyond %d blocks", rel, blkno)
	}
	segno, off := m.locate(blkno)
	sf, err := m.openSegment(rel, fork, segno, extend)
	if err != nil {
		return err
	}
	defer m.files.release(sf)

	if _, err := sf.f.WriteAt(buf[:BlockSize], off); err != nil {
		return errors.Wrapf(err, "could not write block %d in file %s", blkno, sf.path)
	}
	m.pendingMu.Lock()
	m.pendingSync[sf.path] = struct{}{}
	m.pendingMu.Unlock()
	return nil
}

// NBlocks returns the number of blocks in a relation fork.
func (m *Manager) NBlocks(rel RelFileLocator, fork ForkNumber) (pagemanager.BlockNumber, error) {
	for segno := uint32(0); ; segno++ {
		fi, err := os.Stat(m.path(rel, fork, segno))
		if err != nil {
			if os.IsNotExist(err) {
				if segno == 0 {
					return 0, errors.Wrapf(ErrRelationNotFound, "%s", m.path(rel, fork, 0))
				}
				return pagemanager.BlockNumber(segno * m.relSegSize), nil
			}
			return 0, errors.Wrap(err, "could not stat segment")
		}
		nblocks := uint32(fi.Size() / BlockSize)
		if nblocks < m.relSegSize {
			return pagemanager.BlockNumber(segno*m.relSegSize + nblocks), nil
		}
	}
}

// Truncate shortens a fork to nblocks blocks, removing whole segments
// past the new end.
func (m *Manager) Truncate(rel RelFileLocator, fork ForkNumber, nblocks pagemanager.BlockNumber) error {
	cur, err := m.NBlocks(rel, fork)
	if err != nil {
		return err
	}
	if nblocks >= cur {
		return nil
	}
	lastSeg, _ := m.locate(cur - 1)
	keepSeg, keepOff := m.locate(nblocks)
	for segno := lastSeg; segno > keepSeg; segno-- {
		path := m.path(rel, fork, segno)
		m.files.forget(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "could not remove %s", path)
		}
	}
	path := m.path(rel, fork, keepSeg)
	if err := os.Truncate(path, keepOff); err != nil {
		return errors.Wrapf(err, "could not truncate %s", path)
	}
	return nil
}

// Sync fsyncs every segment of a relation fork.
func (m *Manager) Sync(rel RelFileLocator, fork ForkNumber) error {
	nblocks, err := m.NBlocks(rel, fork)
	if err != nil {
		return err
	}
	lastSeg := uint32(0)
	if nblocks > 0 {
		lastSeg, _ = m.locate(nblocks - 1)
	}
	for segno := uint32(0); segno <= lastSeg; segno++ {
		if err := m.syncPath(m.path(rel, fork, segno)); err != nil {
			return err
		}
	}
	return nil
}

// SyncAll fsyncs every segment written since the previous call. The
// checkpointer calls it after writing out dirty buffers.
func (m *Manager) SyncAll() error {
	m.pendingMu.Lock()
	paths := make([]string, 0, len(m.pendingSync))
	for p := range m.pendingSync {
		paths = append(paths, p)
	}
	m.pendingSync = make(map[string]struct{})
	m.pendingMu.Unlock()

	sort.Strings(paths)
	for i, p := range paths {
		if err := m.syncPath(p); err != nil {
			if errors.Is(err, ErrRelationNotFound) {
				// dropped since it was written
				continue
			}
			m.pendingMu.Lock()
			for _, rest := range paths[i:] {
				m.pendingSync[rest] = struct{}{}
			}
			m.pendingMu.Unlock()
			return err
		}
	}
	m.logger.Debug("synced relation segments", zap.Int("count", len(paths)))
	return nil
}

func (m *Manager) syncPath(path string) error {
	sf, err := m.files.acquire(path, false)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrRelationNotFound, "%s", path)
		}
		return errors.Wrapf(err, "could not open file %s", path)
	}
	defer m.files.release(sf)
	if err := sf.f.Sync(); err != nil {
		return errors.Wrapf(err, "could not fsync file %s", path)
	}
	return nil
}

// Unlink removes every fork and segment of a relation.
func (m *Manager) Unlink(rel RelFileLocator) error {
	for fork := MainFork; fork <= MaxForkNumber; fork++ {
		for segno := uint32(0); ; segno++ {
			path := m.path(rel, fork, segno)
			m.files.forget(path)
			m.pendingMu.Lock()
			delete(m.pendingSync, path)
			m.pendingMu.Unlock()
			if err := os.Remove(path); err != nil {
				if os.IsNotExist(err) {
					break
				}
				return errors.Wrapf(err, "could not remove %s", path)
			}
		}
	}
	m.logger.Info("unlinked relation", zap.Stringer("rel", rel))
	return nil
}

// Close closes every open segment file.
func (m *Manager) Close() error {
	return m.files.close()
}
