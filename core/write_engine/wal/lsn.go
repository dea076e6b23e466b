package wal

import (
	"fmt"
	"strconv"
	"strings"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// LSN is a byte position in the WAL stream.
type LSN = pagemanager.LSN

const InvalidLSN LSN = pagemanager.InvalidLSN

// WAL block (page) size. Equal to the relation page size.
const BlockSize = pagemanager.PageSize

const (
	DefaultSegmentSize = 16 << 20
	MinSegmentSize     = 1 << 20
	MaxSegmentSize     = 1 << 30
)

// SegNo numbers segments from the start of the stream.
type SegNo uint64

// TimeLineID identifies a WAL history. Only timeline 1 is produced.
type TimeLineID uint32

// IsValidSegmentSize reports whether size is a power of two in
// [MinSegmentSize, MaxSegmentSize].
func IsValidSegmentSize(size int) bool {
	return size >= MinSegmentSize && size <= MaxSegmentSize && size&(size-1) == 0
}

// FormatLSN renders an LSN as hi/lo hex halves, e.g. 0/16B3D80.
func FormatLSN(lsn LSN) string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

// ParseLSN parses the FormatLSN notation.
func ParseLSN(s string) (LSN, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return InvalidLSN, fmt.Errorf("invalid LSN %q", s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return InvalidLSN, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	return LSN(h<<32 | l), nil
}

// --- Segment arithmetic ---

func segNoOf(lsn LSN, segSize int) SegNo { return SegNo(uint64(lsn) / uint64(segSize)) }

func segOffset(lsn LSN, segSize int) int { return int(uint64(lsn) % uint64(segSize)) }

func segStart(segno SegNo, segSize int) LSN { return LSN(uint64(segno) * uint64(segSize)) }

func pageOffset(lsn LSN) int { return int(uint64(lsn) % BlockSize) }

func pageStart(lsn LSN) LSN { return lsn - LSN(pageOffset(lsn)) }

// headerSizeAt returns the size of the page header of the page starting
// at pageAddr.
func headerSizeAt(pageAddr LSN, segSize int) int {
	if segOffset(pageAddr, segSize) == 0 {
		return SizeOfLongPageHeader
	}
	return SizeOfShortPageHeader
}

// skipHeader moves a position sitting on a page boundary past the header.
func skipHeader(pos LSN, segSize int) LSN {
	if pageOffset(pos) == 0 {
		return pos + LSN(headerSizeAt(pos, segSize))
	}
	return pos
}

// advance returns the position n payload bytes after pos, jumping page
// headers. pos must not sit on a page boundary.
func advance(pos LSN, n int, segSize int) LSN {
	for n > 0 {
		room := BlockSize - pageOffset(pos)
		if n < room {
			return pos + LSN(n)
		}
		n -= room
		pos += LSN(room)
		if n > 0 {
			pos = skipHeader(pos, segSize)
		}
	}
	return pos
}

// maxAlignLSN rounds pos up to the record alignment.
func maxAlignLSN(pos LSN) LSN {
	const mask = LSN(pagemanager.MaxAlignOf - 1)
	return (pos + mask) &^ mask
}

// SegmentFileName returns the 24-hex-digit name of a segment.
func SegmentFileName(tli TimeLineID, segno SegNo, segSize int) string {
	perID := uint64(0x100000000) / uint64(segSize)
	return fmt.Sprintf("%08X%08X%08X", uint32(tli), uint32(uint64(segno)/perID), uint32(uint64(segno)%perID))
}

// ParseSegmentFileName is the inverse of SegmentFileName.
func ParseSegmentFileName(name string, segSize int) (TimeLineID, SegNo, error) {
	if len(name) != 24 {
		return 0, 0, fmt.Errorf("invalid WAL segment file name %q", name)
	}
	var parts [3]uint64
	for i := range parts {
		v, err := strconv.ParseUint(name[i*8:(i+1)*8], 16, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid WAL segment file name %q: %w", name, err)
		}
		parts[i] = v
	}
	perID := uint64(0x100000000) / uint64(segSize)
	if parts[2] >= perID {
		return 0, 0, fmt.Errorf("invalid WAL segment file name %q for segment size %d", name, segSize)
	}
	return TimeLineID(parts[0]), SegNo(parts[1]*perID + parts[2]), nil
}

// IsSegmentFileName reports whether name looks like a segment file.
func IsSegmentFileName(name string) bool {
	if len(name) != 24 {
		return false
	}
	for _, c := range name {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
