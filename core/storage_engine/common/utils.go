package common

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20 // 1 MiB

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 []byte
}

// CopyThrottled copies srcPath to dstPath at most at the limiter's rate
// (nil means unthrottled). The destination is written under a temporary
// name, fsynced and renamed into place, so a crash never leaves a partial
// file under dstPath. With verify set the SHA-256 of the copied bytes is
// returned.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, limiter *rate.Limiter, verify bool, logger *zap.Logger) (CopyResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var res CopyResult

	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return res, fmt.Errorf("create destination directory: %w", err)
	}
	tmpPath := dstPath + ".tmp"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return res, fmt.Errorf("open dst: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	burst := chunkSize
	if limiter != nil && limiter.Burst() > 0 && limiter.Burst() < burst {
		burst = limiter.Burst()
	}
	sum := sha256.New()

	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)
	var readOff int64
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, rerr := src.ReadAt(buf[:burst], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return res, fmt.Errorf("write error: %w", werr)
			}
			if verify {
				sum.Write(buf[:n])
			}
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("sync error: %w", err)
	}
	if err := dst.Close(); err != nil {
		return res, fmt.Errorf("close error: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return res, fmt.Errorf("rename error: %w", err)
	}
	committed = true

	res.Bytes = readOff
	if verify {
		res.SHA256 = sum.Sum(nil)
	}
	logger.Debug("copied file", zap.String("src", srcPath), zap.String("dst", dstPath), zap.Int64("bytes", readOff))
	return res, nil
}
