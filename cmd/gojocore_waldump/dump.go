package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojocore/core/storage_engine/engine"
	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	"github.com/sushant-115/gojocore/core/write_engine/wal"
	"github.com/sushant-115/gojocore/pkg/logger"
)

const followInterval = 500 * time.Millisecond

var errUsage = errors.New("usage error")

// statsFlag backs -z/--stats, which takes an optional "record" value.
type statsFlag struct {
	enabled   bool
	perRecord bool
}

func (s *statsFlag) String() string {
	switch {
	case s == nil || !s.enabled:
		return "false"
	case s.perRecord:
		return "record"
	}
	return "true"
}

func (s *statsFlag) Set(v string) error {
	switch v {
	case "true", "rmgr":
		s.enabled, s.perRecord = true, false
	case "record":
		s.enabled, s.perRecord = true, true
	case "false":
		s.enabled, s.perRecord = false, false
	default:
		return fmt.Errorf("invalid stats value %q, expected \"record\"", v)
	}
	return nil
}

func (s *statsFlag) IsBoolFlag() bool { return true }

type options struct {
	start      string
	end        string
	timeline   uint
	path       string
	rmgr       string
	xid        uint
	limit      int
	bkpDetails bool
	follow     bool
	quiet      bool
	stats      statsFlag
	segs       []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("gojocore_waldump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	for _, name := range []string{"s", "start"} {
		fs.StringVar(&o.start, name, "", "start reading at WAL location `LSN`")
	}
	for _, name := range []string{"e", "end"} {
		fs.StringVar(&o.end, name, "", "stop reading at WAL location `LSN`")
	}
	for _, name := range []string{"t", "timeline"} {
		fs.UintVar(&o.timeline, name, uint(wal.DefaultTimeLine), "timeline from which to read WAL records")
	}
	for _, name := range []string{"p", "path"} {
		fs.StringVar(&o.path, name, "", "directory in which to find WAL segment files")
	}
	for _, name := range []string{"r", "rmgr"} {
		fs.StringVar(&o.rmgr, name, "", "only show records generated by resource manager `NAME`")
	}
	for _, name := range []string{"x", "xid"} {
		fs.UintVar(&o.xid, name, 0, "only show records with transaction ID `XID`")
	}
	for _, name := range []string{"n", "limit"} {
		fs.IntVar(&o.limit, name, 0, "number of records to display")
	}
	for _, name := range []string{"b", "bkp-details"} {
		fs.BoolVar(&o.bkpDetails, name, false, "output detailed information about backup blocks")
	}
	for _, name := range []string{"f", "follow"} {
		fs.BoolVar(&o.follow, name, false, "keep retrying after reaching end of valid WAL")
	}
	for _, name := range []string{"q", "quiet"} {
		fs.BoolVar(&o.quiet, name, false, "do not print any output, except for errors")
	}
	for _, name := range []string{"z", "stats"} {
		fs.Var(&o.stats, name, "show statistics instead of records (per record type with =record)")
	}
	if err := fs.Parse(args); err != nil {
		return o, errUsage
	}
	o.segs = fs.Args()
	if len(o.segs) > 2 {
		return o, fmt.Errorf("too many command-line arguments (first is %q)", o.segs[2])
	}
	if o.limit < 0 {
		return o, fmt.Errorf("invalid value %d for option -n/--limit", o.limit)
	}
	return o, nil
}

// plan is the resolved range to dump.
type plan struct {
	dir     string
	tli     wal.TimeLineID
	segSize int
	start   wal.LSN
	// end is exclusive; InvalidLSN reads to the end of valid WAL.
	end   wal.LSN
	rmgr  wal.RmgrID
	byRmg bool
}

func resolve(o options) (plan, error) {
	p := plan{dir: o.path, tli: wal.TimeLineID(o.timeline), end: wal.InvalidLSN}
	if o.rmgr != "" {
		id, ok := wal.ParseRmgrName(o.rmgr)
		if !ok {
			return p, fmt.Errorf("resource manager %q does not exist", o.rmgr)
		}
		p.rmgr, p.byRmg = id, true
	}

	var startName, endName string
	if len(o.segs) > 0 {
		startName = filepath.Base(o.segs[0])
		if p.dir == "" && filepath.Dir(o.segs[0]) != "." {
			p.dir = filepath.Dir(o.segs[0])
		}
	}
	if len(o.segs) > 1 {
		endName = filepath.Base(o.segs[1])
	}
	if p.dir == "" {
		p.dir = "."
		if st, err := os.Stat(engine.WALDirName); err == nil && st.IsDir() {
			p.dir = engine.WALDirName
		}
	}

	var err error
	p.segSize, err = segmentSize(p.dir, startName)
	if err != nil {
		return p, err
	}

	if o.start != "" {
		if p.start, err = wal.ParseLSN(o.start); err != nil {
			return p, fmt.Errorf("invalid WAL location %q", o.start)
		}
	}
	if o.end != "" {
		if p.end, err = wal.ParseLSN(o.end); err != nil {
			return p, fmt.Errorf("invalid WAL location %q", o.end)
		}
	}

	segSize := uint64(p.segSize)
	if startName != "" {
		tli, segno, err := wal.ParseSegmentFileName(startName, p.segSize)
		if err != nil {
			return p, err
		}
		p.tli = tli
		first := wal.LSN(uint64(segno) * segSize)
		if o.start == "" {
			p.start = first
		} else if p.start < first || p.start >= first+wal.LSN(segSize) {
			return p, fmt.Errorf("start WAL location %s is not inside file %q", wal.FormatLSN(p.start), startName)
		}
		lastSeg := segno
		if endName != "" {
			etli, esegno, err := wal.ParseSegmentFileName(endName, p.segSize)
			if err != nil {
				return p, err
			}
			if etli != tli || esegno < segno {
				return p, fmt.Errorf("ENDSEG %q is before STARTSEG %q", endName, startName)
			}
			lastSeg = esegno
		}
		limit := wal.LSN((uint64(lastSeg) + 1) * segSize)
		if o.end != "" && endName != "" && p.end > limit {
			return p, fmt.Errorf("end WAL location %s is not inside file %q", wal.FormatLSN(p.end), o.segs[len(o.segs)-1])
		}
		if o.end == "" && (endName != "" || !o.follow) {
			p.end = limit
		}
	} else if o.start == "" {
		return p, errors.New("no start WAL location given")
	}
	if p.end != wal.InvalidLSN && p.end <= p.start {
		return p, fmt.Errorf("end WAL location %s is not after start %s", wal.FormatLSN(p.end), wal.FormatLSN(p.start))
	}
	return p, nil
}

// segmentSize takes the segment size from the named segment, or from the
// first segment file found in dir. Segments are always preallocated to
// their full size.
func segmentSize(dir, name string) (int, error) {
	if name == "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return 0, fmt.Errorf("could not open directory %q: %w", dir, err)
		}
		for _, e := range entries {
			if _, _, err := wal.ParseSegmentFileName(e.Name(), wal.MinSegmentSize); err == nil && e.Type().IsRegular() {
				name = e.Name()
				break
			}
		}
		if name == "" {
			return 0, fmt.Errorf("could not find any WAL file in %q", dir)
		}
	}
	st, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return 0, fmt.Errorf("could not open file %q: %w", name, err)
	}
	if !wal.IsValidSegmentSize(int(st.Size())) {
		return 0, fmt.Errorf("WAL file %q has invalid segment size %d", name, st.Size())
	}
	return int(st.Size()), nil
}

// --- Output ---

type statsRow struct {
	key     string
	order   int
	count   int64
	recSize int64
	fpiSize int64
}

type dumper struct {
	out   io.Writer
	rmgrs wal.RmgrTable
	opts  options

	rows map[string]*statsRow
}

func fpiLen(rec *wal.DecodedRecord) int {
	n := 0
	for i := range rec.Blocks {
		if rec.Blocks[i].HasImage {
			n += len(rec.Blocks[i].Image)
		}
	}
	return n
}

func rmgrName(id wal.RmgrID) string { return id.String() }

func (d *dumper) display(rec *wal.DecodedRecord) {
	fpi := fpiLen(rec)
	total := int(rec.Header.TotalLen)
	var sb strings.Builder
	fmt.Fprintf(&sb, "rmgr: %-11s len (rec/tot): %6d/%6d, tx: %10d, lsn: %s, prev %s, desc: %s",
		rmgrName(rec.Rmgr()), total-fpi, total, uint32(rec.Xid()),
		wal.FormatLSN(rec.LSN), wal.FormatLSN(rec.Header.Prev), d.rmgrs.Identify(rec))
	if desc := d.rmgrs.Describe(rec); desc != "" {
		sb.WriteString(" ")
		sb.WriteString(desc)
	}
	for i := range rec.Blocks {
		b := &rec.Blocks[i]
		if d.opts.bkpDetails {
			fmt.Fprintf(&sb, "\n\tblkref #%d: rel %s fork %s blk %d", b.ID, b.Rel, b.Fork, b.Block)
			if b.HasImage {
				fmt.Fprintf(&sb, " (FPW%s); hole: offset: %d, length: %d", applyTag(b), b.HoleOffset, b.HoleLength)
				if b.BimgInfo&wal.BkpImageCompressFlate != 0 {
					fmt.Fprintf(&sb, ", compression saved: %d", wal.BlockSize-int(b.HoleLength)-len(b.Image))
				}
			}
			continue
		}
		fmt.Fprintf(&sb, ", blkref #%d: rel %s", b.ID, b.Rel)
		if b.Fork != smgr.MainFork {
			fmt.Fprintf(&sb, " fork %s", b.Fork)
		}
		fmt.Fprintf(&sb, " blk %d", b.Block)
		if b.HasImage {
			fmt.Fprintf(&sb, " FPW%s", applyTag(b))
		}
	}
	fmt.Fprintln(d.out, sb.String())
}

func applyTag(b *wal.DecodedBlock) string {
	if b.ApplyImage {
		return ""
	}
	return " for WAL verification"
}

func (d *dumper) account(rec *wal.DecodedRecord) {
	key := rmgrName(rec.Rmgr())
	order := int(rec.Rmgr()) << 8
	if d.opts.stats.perRecord {
		key += "/" + d.rmgrs.Identify(rec)
		order |= int(rec.Info())
	}
	row, ok := d.rows[key]
	if !ok {
		row = &statsRow{key: key, order: order}
		d.rows[key] = row
	}
	fpi := int64(fpiLen(rec))
	row.count++
	row.recSize += int64(rec.Header.TotalLen) - fpi
	row.fpiSize += fpi
}

func pct(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}

func (d *dumper) printStats() {
	rows := make([]*statsRow, 0, len(d.rows))
	var total statsRow
	for _, r := range d.rows {
		rows = append(rows, r)
		total.count += r.count
		total.recSize += r.recSize
		total.fpiSize += r.fpiSize
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].order != rows[j].order {
			return rows[i].order < rows[j].order
		}
		return rows[i].key < rows[j].key
	})
	combined := total.recSize + total.fpiSize

	fmt.Fprintf(d.out, "%-32s %9s %9s %14s %9s %14s %9s %14s %9s\n",
		"Type", "N", "(%)", "Record size", "(%)", "FPI size", "(%)", "Combined size", "(%)")
	fmt.Fprintf(d.out, "%-32s %9s %9s %14s %9s %14s %9s %14s %9s\n",
		"----", "-", "---", "-----------", "---", "--------", "---", "-------------", "---")
	for _, r := range rows {
		c := r.recSize + r.fpiSize
		fmt.Fprintf(d.out, "%-32s %9d (%6.2f) %14d (%6.2f) %14d (%6.2f) %14d (%6.2f)\n",
			r.key, r.count, pct(r.count, total.count),
			r.recSize, pct(r.recSize, total.recSize),
			r.fpiSize, pct(r.fpiSize, total.fpiSize),
			c, pct(c, combined))
	}
	fmt.Fprintf(d.out, "%-32s %9s %9s %14s %9s %14s %9s %14s %9s\n",
		"", "--------", "", "--------", "", "--------", "", "--------", "")
	fmt.Fprintf(d.out, "%-32s %9d %9s %14d %9s %14d %9s %14d\n",
		"Total", total.count, "", total.recSize, fmt.Sprintf("[%.2f%%]", pct(total.recSize, combined)),
		total.fpiSize, fmt.Sprintf("[%.2f%%]", pct(total.fpiSize, combined)), combined)
}

// --- Main loop ---

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "gojocore_waldump: error: %v\n", err)
		}
		return 1
	}
	log, err := logger.New(logger.Config{Level: "warn", Format: "console", OutputFile: "stderr", Service: "gojocore_waldump"})
	if err != nil {
		fmt.Fprintf(stderr, "gojocore_waldump: error: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	if err := dump(ctx, o, stdout, stderr, log); err != nil {
		fmt.Fprintf(stderr, "gojocore_waldump: error: %v\n", err)
		return 1
	}
	return 0
}

func dump(ctx context.Context, o options, stdout, stderr io.Writer, log *zap.Logger) error {
	p, err := resolve(o)
	if err != nil {
		return err
	}
	src, err := wal.NewDirSource(p.dir, p.tli, p.segSize)
	if err != nil {
		return err
	}
	r := wal.NewReader(src, wal.ReaderConfig{SegmentSize: p.segSize, Timeline: p.tli}, log)
	defer r.Close()

	first, err := r.FindNextRecord(p.start)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("could not find a valid record after %s", wal.FormatLSN(p.start))
		}
		return fmt.Errorf("could not find a valid record after %s: %w", wal.FormatLSN(p.start), err)
	}
	if first != p.start {
		fmt.Fprintf(stdout, "first record is after %s, at %s, skipping over %d bytes\n",
			wal.FormatLSN(p.start), wal.FormatLSN(first), uint64(first-p.start))
	}

	d := &dumper{out: stdout, rmgrs: engine.Rmgrs(), opts: o, rows: make(map[string]*statsRow)}
	shown := 0
	for {
		if ctx.Err() != nil {
			break
		}
		rec, err := r.ReadRecord()
		if errors.Is(err, io.EOF) {
			if !o.follow {
				break
			}
			r.Invalidate()
			select {
			case <-ctx.Done():
			case <-time.After(followInterval):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error in WAL record at %s: %w", wal.FormatLSN(r.NextPos()), err)
		}
		if p.end != wal.InvalidLSN && rec.LSN >= p.end {
			break
		}
		if p.byRmg && rec.Rmgr() != p.rmgr {
			continue
		}
		if o.xid != 0 && rec.Xid() != transaction.TransactionID(o.xid) {
			continue
		}
		switch {
		case o.stats.enabled:
			d.account(rec)
		case !o.quiet:
			d.display(rec)
		}
		shown++
		if o.limit > 0 && shown >= o.limit {
			break
		}
	}
	if o.stats.enabled {
		d.printStats()
	}
	log.Debug("dump finished", zap.Int("records", shown), zap.String("last", wal.FormatLSN(r.LastStart())))
	return nil
}
