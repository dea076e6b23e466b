package smgr

import (
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// segFile is an open segment file shared by concurrent readers and writers.
// It is closed once the cache has let go of it and no caller holds it.
type segFile struct {
	path    string
	f       *os.File
	refs    int
	evicted bool
	closed  bool
}

// fileCache bounds the number of open segment files. Ristretto decides
// which handles to keep; the open map tracks every handle still alive so
// that eviction never closes a file in use.
type fileCache struct {
	logger *zap.Logger
	cache  *ristretto.Cache[string, *segFile]

	mu   sync.Mutex
	open map[string]*segFile
}

func newFileCache(maxOpen int, logger *zap.Logger) (*fileCache, error) {
	if maxOpen <= 0 {
		maxOpen = 256
	}
	fc := &fileCache{
		logger: logger,
		open:   make(map[string]*segFile),
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *segFile]{
		NumCounters:        int64(maxOpen) * 10,
		MaxCost:            int64(maxOpen),
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnExit:             fc.onExit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create open file cache")
	}
	fc.cache = cache
	return fc, nil
}

func (fc *fileCache) onExit(sf *segFile) {
	if sf == nil {
		return
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	sf.evicted = true
	fc.maybeCloseLocked(sf)
}

func (fc *fileCache) maybeCloseLocked(sf *segFile) {
	if sf.refs > 0 || sf.closed {
		return
	}
	sf.closed = true
	if cur, ok := fc.open[sf.path]; ok && cur == sf {
		delete(fc.open, sf.path)
	}
	if err := sf.f.Close(); err != nil {
		fc.logger.Warn("failed to close segment file", zap.String("path", sf.path), zap.Error(err))
	}
}

// acquire returns a referenced handle for path, opening it if needed.
// A missing file is created only when create is set.
func (fc *fileCache) acquire(path string, create bool) (*segFile, error) {
	fc.mu.Lock()
	if sf, ok := fc.open[path]; ok && !sf.closed {
		sf.refs++
		fc.mu.Unlock()
		fc.cache.Get(path)
		return sf, nil
	}
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		fc.mu.Unlock()
		return nil, err
	}
	sf := &segFile{path: path, f: f, refs: 1}
	fc.open[path] = sf
	fc.mu.Unlock()

	if !fc.cache.Set(path, sf, 1) {
		fc.mu.Lock()
		sf.evicted = true
		fc.mu.Unlock()
	}
	return sf, nil
}

func (fc *fileCache) release(sf *segFile) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	sf.refs--
	if sf.evicted {
		fc.maybeCloseLocked(sf)
	}
}

// forget drops the cached handle for path, closing it once unreferenced.
func (fc *fileCache) forget(path string) {
	fc.cache.Del(path)
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if sf, ok := fc.open[path]; ok {
		sf.evicted = true
		delete(fc.open, path)
		fc.maybeCloseLocked(sf)
	}
}

func (fc *fileCache) openCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.open)
}

func (fc *fileCache) close() error {
	fc.cache.Close()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	var firstErr error
	for path, sf := range fc.open {
		delete(fc.open, path)
		if sf.closed {
			continue
		}
		sf.closed = true
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "failed to close %s", path)
		}
	}
	return firstErr
}
