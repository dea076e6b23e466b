package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// --- Page sources ---

// PageSource supplies raw WAL pages to a Reader.
type PageSource interface {
	// ReadPage fills buf with the WAL page starting at pageAddr. It
	// returns ErrEndOfWAL when no file holds that page.
	ReadPage(pageAddr LSN, buf []byte) error
	Close() error
}

// SegmentSource reads pages from the segment files of one timeline.
type SegmentSource struct {
	dir     string
	tli     TimeLineID
	segSize int

	cur    *os.File
	curSeg SegNo
}

// NewSegmentSource reads segments of timeline tli from dir.
func NewSegmentSource(dir string, tli TimeLineID, segSize int) *SegmentSource {
	return &SegmentSource{dir: dir, tli: tli, segSize: segSize}
}

func (s *SegmentSource) ReadPage(pageAddr LSN, buf []byte) error {
	segno := segNoOf(pageAddr, s.segSize)
	if s.cur == nil || s.curSeg != segno {
		if s.cur != nil {
			s.cur.Close()
			s.cur = nil
		}
		f, err := os.Open(filepath.Join(s.dir, SegmentFileName(s.tli, segno, s.segSize)))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrEndOfWAL
			}
			return fmt.Errorf("failed to open WAL segment: %w", err)
		}
		s.cur, s.curSeg = f, segno
	}
	n, err := s.cur.ReadAt(buf[:BlockSize], int64(segOffset(pageAddr, s.segSize)))
	if n < BlockSize {
		if err == nil || errors.Is(err, io.EOF) {
			return ErrEndOfWAL
		}
		return fmt.Errorf("failed to read WAL page at %s: %w", FormatLSN(pageAddr), err)
	}
	return nil
}

func (s *SegmentSource) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

const nonRelPrefix = "nonrel_"

// NonRelFileName names an auxiliary file holding the WAL pages of
// [start, end).
func NonRelFileName(start, end LSN) string {
	return fmt.Sprintf("%s%016X-%016X", nonRelPrefix, uint64(start), uint64(end))
}

func parseNonRelFileName(name string) (start, end LSN, ok bool) {
	rest, found := strings.CutPrefix(name, nonRelPrefix)
	if !found {
		return 0, 0, false
	}
	lo, hi, found := strings.Cut(rest, "-")
	if !found {
		return 0, 0, false
	}
	s, err1 := strconv.ParseUint(lo, 16, 64)
	e, err2 := strconv.ParseUint(hi, 16, 64)
	if err1 != nil || err2 != nil || e <= s || s%BlockSize != 0 {
		return 0, 0, false
	}
	return LSN(s), LSN(e), true
}

type nonRelFile struct {
	start, end LSN
	path       string
}

// NonRelSource reads pages from nonrel_<start>-<end> files. A page is
// served by the file whose [start, end) interval contains it.
type NonRelSource struct {
	files []nonRelFile

	cur     *os.File
	curPath string
}

// NewNonRelSource indexes the auxiliary files in dir.
func NewNonRelSource(dir string) (*NonRelSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory %s: %w", dir, err)
	}
	s := &NonRelSource{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		start, end, ok := parseNonRelFileName(e.Name())
		if !ok {
			continue
		}
		s.files = append(s.files, nonRelFile{start: start, end: end, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].start < s.files[j].start })
	return s, nil
}

// Len returns the number of indexed files.
func (s *NonRelSource) Len() int { return len(s.files) }

// locate returns the file covering lsn.
func (s *NonRelSource) locate(lsn LSN) (nonRelFile, bool) {
	i := sort.Search(len(s.files), func(i int) bool { return s.files[i].end > lsn })
	if i == len(s.files) || s.files[i].start > lsn {
		return nonRelFile{}, false
	}
	return s.files[i], true
}

func (s *NonRelSource) ReadPage(pageAddr LSN, buf []byte) error {
	f, ok := s.locate(pageAddr)
	if !ok {
		return ErrEndOfWAL
	}
	if s.cur == nil || s.curPath != f.path {
		if s.cur != nil {
			s.cur.Close()
			s.cur = nil
		}
		fh, err := os.Open(f.path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", filepath.Base(f.path), err)
		}
		s.cur, s.curPath = fh, f.path
	}
	n, err := s.cur.ReadAt(buf[:BlockSize], int64(pageAddr-f.start))
	if n < BlockSize {
		if err == nil || errors.Is(err, io.EOF) {
			return ErrEndOfWAL
		}
		return fmt.Errorf("failed to read WAL page at %s: %w", FormatLSN(pageAddr), err)
	}
	return nil
}

func (s *NonRelSource) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.Close()
	s.cur = nil
	return err
}

// WriteNonRelFile copies the pages of [start, end) from src into an
// auxiliary file in dir. start must be page aligned; end is rounded up to
// a page boundary.
func WriteNonRelFile(dir string, src PageSource, start, end LSN) (string, error) {
	if pageOffset(start) != 0 {
		return "", fmt.Errorf("auxiliary WAL file must start on a page boundary, got %s", FormatLSN(start))
	}
	if pageOffset(end) != 0 {
		end = pageStart(end) + BlockSize
	}
	path := filepath.Join(dir, NonRelFileName(start, end))
	f, err := os.CreateTemp(dir, "xlogtemp.")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary WAL file: %w", err)
	}
	tmp := f.Name()
	page := make([]byte, BlockSize)
	for addr := start; addr < end; addr += BlockSize {
		if err := src.ReadPage(addr, page); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("failed to read WAL page at %s: %w", FormatLSN(addr), err)
		}
		if _, err := f.Write(page); err != nil {
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to install %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

// DirSource serves pages from segment files, falling back to auxiliary
// nonrel files for pages no segment holds.
type DirSource struct {
	segs   *SegmentSource
	nonrel *NonRelSource
}

// NewDirSource reads the WAL directory dir.
func NewDirSource(dir string, tli TimeLineID, segSize int) (*DirSource, error) {
	nonrel, err := NewNonRelSource(dir)
	if err != nil {
		return nil, err
	}
	return &DirSource{segs: NewSegmentSource(dir, tli, segSize), nonrel: nonrel}, nil
}

func (d *DirSource) ReadPage(pageAddr LSN, buf []byte) error {
	err := d.segs.ReadPage(pageAddr, buf)
	if errors.Is(err, ErrEndOfWAL) && d.nonrel.Len() > 0 {
		return d.nonrel.ReadPage(pageAddr, buf)
	}
	return err
}

func (d *DirSource) Close() error {
	return errors.Join(d.segs.Close(), d.nonrel.Close())
}

// --- Reader ---

// ReaderConfig describes the stream a Reader expects.
type ReaderConfig struct {
	SegmentSize int
	Timeline    TimeLineID
	// SystemID, when non-zero, must match the long page headers.
	SystemID uint64
}

// Reader decodes records sequentially from a PageSource. ReadRecord
// returns io.EOF at a clean end of WAL and an error wrapping
// ErrInvalidRecord, ErrCRCMismatch or ErrInvalidPageHdr when it meets a
// damaged record.
type Reader struct {
	src    PageSource
	cfg    ReaderConfig
	logger *zap.Logger

	page     []byte
	pageAddr LSN
	pageOK   bool

	next      LSN
	prevStart LSN
}

// NewReader returns a reader over src.
func NewReader(src PageSource, cfg ReaderConfig, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.Timeline == 0 {
		cfg.Timeline = DefaultTimeLine
	}
	return &Reader{src: src, cfg: cfg, logger: logger.Named("wal_reader"), page: make([]byte, BlockSize)}
}

// Seek positions the reader at the record starting at lsn.
func (r *Reader) Seek(lsn LSN) {
	r.next = lsn
	r.prevStart = InvalidLSN
}

// SetPrev declares the start of the record preceding the next one, so its
// back link is validated.
func (r *Reader) SetPrev(prev LSN) { r.prevStart = prev }

// NextPos returns where the next record will be read from.
func (r *Reader) NextPos() LSN { return r.next }

// LastStart returns the start of the last record returned.
func (r *Reader) LastStart() LSN { return r.prevStart }

// Invalidate drops the cached page, so a WAL tail that is still being
// written is read again.
func (r *Reader) Invalidate() { r.pageOK = false }

func (r *Reader) loadPage(pageAddr LSN) error {
	if r.pageOK && r.pageAddr == pageAddr {
		return nil
	}
	r.pageOK = false
	if err := r.src.ReadPage(pageAddr, r.page); err != nil {
		return err
	}
	if err := r.validatePageHeader(pageAddr); err != nil {
		return err
	}
	r.pageAddr, r.pageOK = pageAddr, true
	return nil
}

func (r *Reader) validatePageHeader(pageAddr LSN) error {
	h := decodePageHeader(r.page)
	if h.Magic == 0 && h.PageAddr == 0 {
		// never written
		return ErrEndOfWAL
	}
	if h.Magic != PageMagic {
		return fmt.Errorf("%w: invalid magic number %04X at %s", ErrInvalidPageHdr, h.Magic, FormatLSN(pageAddr))
	}
	if h.Info&^XLPAllFlags != 0 {
		return fmt.Errorf("%w: invalid info bits %04X at %s", ErrInvalidPageHdr, h.Info, FormatLSN(pageAddr))
	}
	if h.PageAddr != pageAddr {
		return fmt.Errorf("%w: unexpected pageaddr %s at %s", ErrInvalidPageHdr, FormatLSN(h.PageAddr), FormatLSN(pageAddr))
	}
	if h.TLI != r.cfg.Timeline {
		return fmt.Errorf("%w: unexpected timeline %d at %s", ErrInvalidPageHdr, h.TLI, FormatLSN(pageAddr))
	}
	if segOffset(pageAddr, r.cfg.SegmentSize) == 0 {
		if h.Info&XLPLongHeader == 0 {
			return fmt.Errorf("%w: missing long header at %s", ErrInvalidPageHdr, FormatLSN(pageAddr))
		}
		if r.cfg.SystemID != 0 && h.SysID != r.cfg.SystemID {
			return fmt.Errorf("%w: WAL file is from a different system (%d, expected %d)", ErrInvalidPageHdr, h.SysID, r.cfg.SystemID)
		}
		if int(h.SegSize) != r.cfg.SegmentSize || h.XLogBlcks != BlockSize {
			return fmt.Errorf("%w: incorrect segment size or block size in page header at %s", ErrInvalidPageHdr, FormatLSN(pageAddr))
		}
	}
	return nil
}

// recordStart normalizes pos to the place a record starting there would
// actually begin.
func (r *Reader) recordStart(pos LSN) LSN {
	pos = skipHeader(pos, r.cfg.SegmentSize)
	if BlockSize-pageOffset(pos) < SizeOfRecordHeader {
		pos = skipHeader(pageStart(pos)+BlockSize, r.cfg.SegmentSize)
	}
	return pos
}

// peekHeader returns the record header at pos, or io.EOF when the page is
// missing or the header is all zero.
func (r *Reader) peekHeader(pos LSN) (RecordHeader, error) {
	if err := r.loadPage(pageStart(pos)); err != nil {
		if errors.Is(err, ErrEndOfWAL) {
			return RecordHeader{}, io.EOF
		}
		return RecordHeader{}, err
	}
	off := pageOffset(pos)
	hdr := decodeRecordHeader(r.page[off : off+SizeOfRecordHeader])
	if hdr.TotalLen == 0 {
		return hdr, io.EOF
	}
	return hdr, nil
}

// ReadRecord reads and decodes the next record.
func (r *Reader) ReadRecord() (*DecodedRecord, error) {
	segSize := r.cfg.SegmentSize
	start := r.recordStart(r.next)
	hdr, err := r.peekHeader(start)
	if errors.Is(err, io.EOF) && r.prevStart != InvalidLSN && segOffset(start, segSize) > SizeOfLongPageHeader {
		// the writer skips the tail of a segment a record does not fit in
		alt := skipHeader(segStart(segNoOf(start, segSize)+1, segSize), segSize)
		althdr, altErr := r.peekHeader(alt)
		if altErr == nil && althdr.Prev == r.prevStart {
			r.logger.Debug("record continues in next segment", zap.String("from", FormatLSN(start)), zap.String("to", FormatLSN(alt)))
			start, hdr, err = alt, althdr, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if hdr.TotalLen < SizeOfRecordHeader {
		return nil, fmt.Errorf("%w: invalid record length at %s: expected at least %d, got %d", ErrInvalidRecord, FormatLSN(start), SizeOfRecordHeader, hdr.TotalLen)
	}
	segEnd := segStart(segNoOf(start, segSize)+1, segSize)
	if advance(start, int(hdr.TotalLen), segSize) > segEnd {
		return nil, fmt.Errorf("%w: record length %d at %s crosses a segment boundary", ErrInvalidRecord, hdr.TotalLen, FormatLSN(start))
	}
	if r.prevStart != InvalidLSN && hdr.Prev != r.prevStart {
		return nil, fmt.Errorf("%w: record with incorrect prev-link %s at %s", ErrInvalidRecord, FormatLSN(hdr.Prev), FormatLSN(start))
	}

	raw := make([]byte, hdr.TotalLen)
	pos := start
	got := 0
	for got < len(raw) {
		if pageOffset(pos) == 0 {
			if err := r.loadPage(pos); err != nil {
				if errors.Is(err, ErrEndOfWAL) {
					return nil, fmt.Errorf("%w: record at %s is incomplete", ErrInvalidRecord, FormatLSN(start))
				}
				return nil, err
			}
			ph := decodePageHeader(r.page)
			if ph.Info&XLPFirstIsContRecord == 0 {
				return nil, fmt.Errorf("%w: there is no contrecord flag at %s", ErrInvalidRecord, FormatLSN(pos))
			}
			if int(ph.RemLen) != len(raw)-got {
				return nil, fmt.Errorf("%w: invalid contrecord length %d (expected %d) at %s", ErrInvalidRecord, ph.RemLen, len(raw)-got, FormatLSN(pos))
			}
			pos = skipHeader(pos, segSize)
		} else if err := r.loadPage(pageStart(pos)); err != nil {
			return nil, err
		}
		off := pageOffset(pos)
		n := copy(raw[got:], r.page[off:])
		got += n
		pos += LSN(n)
	}

	rec, err := DecodeRecord(start, raw)
	if err != nil {
		return nil, err
	}
	rec.EndLSN = maxAlignLSN(pos)
	r.prevStart = start
	r.next = rec.EndLSN
	return rec, nil
}

// FindNextRecord returns the start of the first valid record at or after
// lsn, skipping the continuation of a record that began earlier. The
// reader is left positioned at that record.
func (r *Reader) FindNextRecord(lsn LSN) (LSN, error) {
	segSize := r.cfg.SegmentSize
	pageAddr := pageStart(lsn)
	pos := InvalidLSN
	for pos == InvalidLSN {
		if err := r.loadPage(pageAddr); err != nil {
			if errors.Is(err, ErrEndOfWAL) {
				return InvalidLSN, io.EOF
			}
			return InvalidLSN, err
		}
		h := decodePageHeader(r.page)
		hdrSize := headerSizeAt(pageAddr, segSize)
		if h.Info&XLPFirstIsContRecord == 0 {
			pos = pageAddr + LSN(hdrSize)
			break
		}
		if int(h.RemLen) < BlockSize-hdrSize {
			pos = maxAlignLSN(pageAddr + LSN(hdrSize) + LSN(h.RemLen))
			break
		}
		pageAddr += BlockSize
	}

	r.Seek(pos)
	for {
		rec, err := r.ReadRecord()
		if err != nil {
			return InvalidLSN, err
		}
		if rec.LSN >= lsn {
			r.Seek(rec.LSN)
			r.SetPrev(rec.Header.Prev)
			return rec.LSN, nil
		}
	}
}

// Close releases the page source.
func (r *Reader) Close() error { return r.src.Close() }
