package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojocore/core/storage_engine/common"
)

// --- Page headers ---

const (
	PageMagic             = 0xD116
	SizeOfShortPageHeader = 24
	SizeOfLongPageHeader  = 40

	XLPFirstIsContRecord = 0x0001
	XLPLongHeader        = 0x0002
	XLPAllFlags          = 0x0003
)

// PageHeader is the header at the start of every WAL page.
type PageHeader struct {
	Magic    uint16
	Info     uint16
	TLI      TimeLineID
	PageAddr LSN
	RemLen   uint32

	// long header only
	SysID     uint64
	SegSize   uint32
	XLogBlcks uint32
}

func (h *PageHeader) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:], h.Magic)
	binary.LittleEndian.PutUint16(b[2:], h.Info)
	binary.LittleEndian.PutUint32(b[4:], uint32(h.TLI))
	binary.LittleEndian.PutUint64(b[8:], uint64(h.PageAddr))
	binary.LittleEndian.PutUint32(b[16:], h.RemLen)
	binary.LittleEndian.PutUint32(b[20:], 0)
	if h.Info&XLPLongHeader != 0 {
		binary.LittleEndian.PutUint64(b[24:], h.SysID)
		binary.LittleEndian.PutUint32(b[32:], h.SegSize)
		binary.LittleEndian.PutUint32(b[36:], h.XLogBlcks)
	}
}

func decodePageHeader(b []byte) PageHeader {
	h := PageHeader{
		Magic:    binary.LittleEndian.Uint16(b[0:]),
		Info:     binary.LittleEndian.Uint16(b[2:]),
		TLI:      TimeLineID(binary.LittleEndian.Uint32(b[4:])),
		PageAddr: LSN(binary.LittleEndian.Uint64(b[8:])),
		RemLen:   binary.LittleEndian.Uint32(b[16:]),
	}
	if h.Info&XLPLongHeader != 0 {
		h.SysID = binary.LittleEndian.Uint64(b[24:])
		h.SegSize = binary.LittleEndian.Uint32(b[32:])
		h.XLogBlcks = binary.LittleEndian.Uint32(b[36:])
	}
	return h
}

// initPage zero-fills a ring page and writes its header.
func initPage(page []byte, pageAddr LSN, tli TimeLineID, sysID uint64, segSize int) {
	clear(page)
	h := PageHeader{Magic: PageMagic, TLI: tli, PageAddr: pageAddr}
	if segOffset(pageAddr, segSize) == 0 {
		h.Info |= XLPLongHeader
		h.SysID = sysID
		h.SegSize = uint32(segSize)
		h.XLogBlcks = BlockSize
	}
	h.encode(page)
}

// markContinuation flags a page whose first bytes continue a record.
func markContinuation(page []byte, remLen int) {
	info := binary.LittleEndian.Uint16(page[2:])
	binary.LittleEndian.PutUint16(page[2:], info|XLPFirstIsContRecord)
	binary.LittleEndian.PutUint32(page[16:], uint32(remLen))
}

// --- Segment files ---

func (lm *LogManager) segmentPath(segno SegNo) string {
	return filepath.Join(lm.cfg.Dir, SegmentFileName(lm.cfg.Timeline, segno, lm.cfg.SegmentSize))
}

// preallocateSegment creates a zero-filled segment file unless it exists.
// The file is built under a temporary name and linked into place.
func (lm *LogManager) preallocateSegment(segno SegNo) (bool, error) {
	path := lm.segmentPath(segno)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	tmp, err := os.CreateTemp(lm.cfg.Dir, "xlogtemp.")
	if err != nil {
		return false, fmt.Errorf("failed to create temporary WAL file: %w", err)
	}
	tmpPath := tmp.Name()
	zero := make([]byte, BlockSize)
	for off := 0; off < lm.cfg.SegmentSize; off += BlockSize {
		if _, err := tmp.Write(zero); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return false, fmt.Errorf("failed to zero-fill WAL file %s: %w", tmpPath, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return false, fmt.Errorf("failed to sync WAL file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return false, fmt.Errorf("failed to close WAL file %s: %w", tmpPath, err)
	}
	// link never replaces a segment someone else installed meanwhile
	err = os.Link(tmpPath, path)
	os.Remove(tmpPath)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to install WAL segment %s: %w", path, err)
	}
	lm.logger.Debug("preallocated WAL segment", zap.String("segment", filepath.Base(path)))
	return true, nil
}

// openSegmentForWrite returns the open file of segno, creating it first
// when needed. The previously open segment is synced and closed.
func (lm *LogManager) openSegmentForWrite(segno SegNo) (*os.File, error) {
	if lm.segFile != nil && lm.segFileNo == segno {
		return lm.segFile, nil
	}
	if lm.segFile != nil {
		if err := lm.segFile.Sync(); err != nil {
			return nil, fmt.Errorf("failed to sync WAL segment: %w", err)
		}
		if err := lm.segFile.Close(); err != nil {
			return nil, fmt.Errorf("failed to close WAL segment: %w", err)
		}
		lm.segFile = nil
	}
	if _, err := lm.preallocateSegment(segno); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lm.segmentPath(segno), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}
	lm.segFile, lm.segFileNo = f, segno
	return f, nil
}

// ListSegments returns the segment numbers present in dir, ascending.
func ListSegments(dir string, segSize int) ([]SegNo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory %s: %w", dir, err)
	}
	var segs []SegNo
	for _, e := range entries {
		if e.IsDir() || !IsSegmentFileName(e.Name()) {
			continue
		}
		_, segno, err := ParseSegmentFileName(e.Name(), segSize)
		if err != nil {
			continue
		}
		segs = append(segs, segno)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i] < segs[j] })
	return segs, nil
}

// removeOldSegments archives (when an archive directory is configured)
// and removes every segment before keep.
func (lm *LogManager) removeOldSegments(ctx context.Context, keep SegNo) (int, error) {
	segs, err := ListSegments(lm.cfg.Dir, lm.cfg.SegmentSize)
	if err != nil {
		return 0, err
	}
	var limiter *rate.Limiter
	if lm.cfg.ArchiveRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(lm.cfg.ArchiveRate), BlockSize*16)
	}
	removed := 0
	for _, segno := range segs {
		if segno >= keep {
			break
		}
		path := lm.segmentPath(segno)
		if lm.cfg.ArchiveDir != "" {
			dst := filepath.Join(lm.cfg.ArchiveDir, filepath.Base(path))
			if _, err := common.CopyThrottled(ctx, path, dst, limiter, false, lm.logger); err != nil {
				return removed, fmt.Errorf("failed to archive WAL segment %s: %w", filepath.Base(path), err)
			}
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("failed to remove WAL segment %s: %w", filepath.Base(path), err)
		}
		removed++
	}
	if removed > 0 {
		lm.logger.Info("removed old WAL segments", zap.Int("count", removed), zap.String("keep_from", SegmentFileName(lm.cfg.Timeline, keep, lm.cfg.SegmentSize)))
	}
	return removed, nil
}

// cleanTempFiles removes leftovers of interrupted preallocations.
func (lm *LogManager) cleanTempFiles() {
	entries, err := os.ReadDir(lm.cfg.Dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "xlogtemp.") {
			_ = os.Remove(filepath.Join(lm.cfg.Dir, e.Name()))
		}
	}
}
