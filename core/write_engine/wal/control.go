package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"github.com/sushant-115/gojocore/core/transaction"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

const (
	ControlFileName  = "pg_control"
	controlFileSize  = pagemanager.PageSize
	controlVersion   = 1300
	CatalogVersionNo = 202407011
	localeNameLen    = 128
	maxPathLen       = 1024
)

// DBState is the cluster state recorded in the control file.
type DBState uint32

const (
	DBStartup DBState = iota
	DBShutdowned
	DBShutdowning
	DBInRecovery
	DBInProduction
)

func (s DBState) String() string {
	switch s {
	case DBStartup:
		return "starting up"
	case DBShutdowned:
		return "shut down"
	case DBShutdowning:
		return "shutting down"
	case DBInRecovery:
		return "in crash recovery"
	case DBInProduction:
		return "in production"
	}
	return fmt.Sprintf("unknown (%d)", uint32(s))
}

var ErrControlCorrupted = errors.New("control file is corrupted")

// ControlFile mirrors <data>/global/pg_control.
type ControlFile struct {
	SystemID   uint64
	State      DBState
	LogID      uint32
	LogSeg     uint32
	Checkpoint LSN
	// copy of the latest checkpoint record payload
	CheckpointCopy CheckPoint
	Time           time.Time
	Blcksz         uint32
	RelSegSize     uint32
	WALSegSize     uint32
	CatalogVersion uint32
	DataChecksums  bool
	LCCollate      string
	LCCtype        string
	ArchiveDir     string

	path string
}

// NewSystemID derives a system identifier from a random UUID.
func NewSystemID() uint64 {
	id := uuid.New()
	return binary.LittleEndian.Uint64(id[:8]) ^ binary.LittleEndian.Uint64(id[8:])
}

// ControlFilePath returns the control file location under dataDir.
func ControlFilePath(dataDir string) string {
	return filepath.Join(dataDir, "global", ControlFileName)
}

// ValidateLocale accepts C, POSIX and BCP 47 / POSIX-style locale names
// such as en_US.UTF-8.
func ValidateLocale(name string) error {
	if name == "" || name == "C" || name == "POSIX" || strings.HasPrefix(name, "C.") {
		return nil
	}
	base, _, _ := strings.Cut(name, ".")
	base, _, _ = strings.Cut(base, "@")
	if _, err := language.Parse(strings.ReplaceAll(base, "_", "-")); err != nil {
		return fmt.Errorf("invalid locale name %q: %w", name, err)
	}
	return nil
}

// NewControlFile returns a control file for a freshly bootstrapped
// cluster.
func NewControlFile(dataDir string, relSegSize uint32, walSegSize int, checksums bool, collate, ctype, archiveDir string) (*ControlFile, error) {
	for _, l := range []string{collate, ctype} {
		if err := ValidateLocale(l); err != nil {
			return nil, err
		}
	}
	if len(collate) >= localeNameLen || len(ctype) >= localeNameLen {
		return nil, fmt.Errorf("locale name too long")
	}
	if len(archiveDir) >= maxPathLen {
		return nil, fmt.Errorf("archive directory path too long")
	}
	return &ControlFile{
		SystemID:       NewSystemID(),
		State:          DBShutdowned,
		Time:           time.Now(),
		Blcksz:         pagemanager.PageSize,
		RelSegSize:     relSegSize,
		WALSegSize:     uint32(walSegSize),
		CatalogVersion: CatalogVersionNo,
		DataChecksums:  checksums,
		LCCollate:      collate,
		LCCtype:        ctype,
		ArchiveDir:     archiveDir,
		path:           ControlFilePath(dataDir),
	}, nil
}

func (c *ControlFile) encode() []byte {
	b := make([]byte, controlFileSize)
	p := 4
	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(b[p:], v)
		p += 4
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(b[p:], v)
		p += 8
	}
	putStr := func(s string, n int) {
		copy(b[p:p+n-1], s)
		p += n
	}
	put32(c.LogID)
	put32(c.LogSeg)
	put64(uint64(c.Checkpoint))
	put64(uint64(c.Time.Unix()))
	put32(uint32(c.State))
	put32(c.Blcksz)
	put32(c.RelSegSize)
	put32(c.CatalogVersion)
	putStr(c.LCCollate, localeNameLen)
	putStr(c.LCCtype, localeNameLen)
	putStr(c.ArchiveDir, maxPathLen)

	// fields past the archive directory
	put32(controlVersion)
	put64(c.SystemID)
	put32(c.WALSegSize)
	put64(uint64(c.CheckpointCopy.Redo))
	put64(uint64(c.CheckpointCopy.Undo))
	put64(uint64(c.CheckpointCopy.NextXid))
	put32(c.CheckpointCopy.NextOid)
	put32(uint32(c.CheckpointCopy.TimeLine))
	b[p] = boolByte(c.CheckpointCopy.FullPageWrites)
	p++
	b[p] = boolByte(c.DataChecksums)
	p++
	binary.LittleEndian.PutUint32(b[0:], crc32.Checksum(b[4:], crcTable))
	return b
}

func decodeControlFile(b []byte) (*ControlFile, error) {
	if len(b) != controlFileSize {
		return nil, fmt.Errorf("%w: size %d", ErrControlCorrupted, len(b))
	}
	if crc32.Checksum(b[4:], crcTable) != binary.LittleEndian.Uint32(b[0:]) {
		return nil, fmt.Errorf("%w: incorrect checksum", ErrControlCorrupted)
	}
	p := 4
	get32 := func() uint32 {
		v := binary.LittleEndian.Uint32(b[p:])
		p += 4
		return v
	}
	get64 := func() uint64 {
		v := binary.LittleEndian.Uint64(b[p:])
		p += 8
		return v
	}
	getStr := func(n int) string {
		s := b[p : p+n]
		p += n
		if i := strings.IndexByte(string(s), 0); i >= 0 {
			s = s[:i]
		}
		return string(s)
	}
	c := &ControlFile{}
	c.LogID = get32()
	c.LogSeg = get32()
	c.Checkpoint = LSN(get64())
	c.Time = time.Unix(int64(get64()), 0)
	c.State = DBState(get32())
	c.Blcksz = get32()
	c.RelSegSize = get32()
	c.CatalogVersion = get32()
	c.LCCollate = getStr(localeNameLen)
	c.LCCtype = getStr(localeNameLen)
	c.ArchiveDir = getStr(maxPathLen)

	if v := get32(); v != controlVersion {
		return nil, fmt.Errorf("%w: version %d, expected %d", ErrControlCorrupted, v, controlVersion)
	}
	c.SystemID = get64()
	c.WALSegSize = get32()
	c.CheckpointCopy.Redo = LSN(get64())
	c.CheckpointCopy.Undo = LSN(get64())
	c.CheckpointCopy.NextXid = transaction.FullTransactionID(get64())
	c.CheckpointCopy.NextOid = get32()
	c.CheckpointCopy.TimeLine = TimeLineID(get32())
	c.CheckpointCopy.FullPageWrites = b[p] != 0
	p++
	c.DataChecksums = b[p] != 0
	if c.Blcksz != pagemanager.PageSize {
		return nil, fmt.Errorf("%w: database was initialized with block size %d, server uses %d", ErrControlCorrupted, c.Blcksz, pagemanager.PageSize)
	}
	if c.CatalogVersion != CatalogVersionNo {
		return nil, fmt.Errorf("%w: catalog version %d, expected %d", ErrControlCorrupted, c.CatalogVersion, CatalogVersionNo)
	}
	return c, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ReadControlFile loads and validates the control file under dataDir.
func ReadControlFile(dataDir string) (*ControlFile, error) {
	path := ControlFilePath(dataDir)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoControlFile
		}
		return nil, fmt.Errorf("failed to read control file: %w", err)
	}
	c, err := decodeControlFile(b)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// Update rewrites the whole file in place and fsyncs it.
func (c *ControlFile) Update() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create control file directory: %w", err)
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open control file: %w", err)
	}
	if _, err := f.WriteAt(c.encode(), 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write control file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to fsync control file: %w", err)
	}
	return f.Close()
}
