package smgr

import (
	"fmt"
	"path/filepath"
)

// Well-known tablespaces.
const (
	DefaultTablespace uint32 = 1663
	GlobalTablespace  uint32 = 1664
)

// RelFileLocator identifies the physical files of one relation.
type RelFileLocator struct {
	SpcOid    uint32
	DbOid     uint32
	RelNumber uint32
}

func (r RelFileLocator) String() string {
	return fmt.Sprintf("%d/%d/%d", r.SpcOid, r.DbOid, r.RelNumber)
}

// ForkNumber selects one of the files making up a relation.
type ForkNumber uint8

const (
	MainFork ForkNumber = iota
	FSMFork
	VisibilityMapFork
	InitFork

	MaxForkNumber = InitFork
)

var forkNames = []string{"main", "fsm", "vm", "init"}

func (f ForkNumber) String() string {
	if int(f) < len(forkNames) {
		return forkNames[f]
	}
	return fmt.Sprintf("fork%d", f)
}

// ParseForkName maps a fork name back to its number.
func ParseForkName(name string) (ForkNumber, bool) {
	for i, n := range forkNames {
		if n == name {
			return ForkNumber(i), true
		}
	}
	return 0, false
}

// RelPath returns the data-directory-relative path of a relation fork's
// first segment.
func RelPath(rel RelFileLocator, fork ForkNumber) string {
	var base string
	switch rel.SpcOid {
	case GlobalTablespace:
		base = filepath.Join("global", fmt.Sprintf("%d", rel.RelNumber))
	case DefaultTablespace:
		base = filepath.Join("base", fmt.Sprintf("%d", rel.DbOid), fmt.Sprintf("%d", rel.RelNumber))
	default:
		base = filepath.Join("pg_tblspc", fmt.Sprintf("%d", rel.SpcOid),
			fmt.Sprintf("%d", rel.DbOid), fmt.Sprintf("%d", rel.RelNumber))
	}
	if fork != MainFork {
		base += "_" + fork.String()
	}
	return base
}

// segmentPath appends the segment suffix for segments past the first.
func segmentPath(path string, segno uint32) string {
	if segno == 0 {
		return path
	}
	return fmt.Sprintf("%s.%d", path, segno)
}
