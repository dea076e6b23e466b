package wal

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// RmgrID selects the resource manager that owns a record.
type RmgrID uint8

const (
	RmgrXLOG       RmgrID = 0
	RmgrXact       RmgrID = 1
	RmgrSmgr       RmgrID = 2
	RmgrCLOG       RmgrID = 3
	RmgrDatabase   RmgrID = 4
	RmgrTablespace RmgrID = 5
	RmgrMultiXact  RmgrID = 6
	RmgrRelMap     RmgrID = 7
	RmgrStandby    RmgrID = 8
	RmgrHeap2      RmgrID = 9
	RmgrHeap       RmgrID = 10
	RmgrBtree      RmgrID = 11
	RmgrHash       RmgrID = 12
	RmgrGin        RmgrID = 13
	RmgrGist       RmgrID = 14
	RmgrSeq        RmgrID = 15
	RmgrSPGist     RmgrID = 16
	RmgrBRIN       RmgrID = 17
	RmgrCommitTs   RmgrID = 18
	RmgrReplOrigin RmgrID = 19
	RmgrGeneric    RmgrID = 20
	RmgrLogicalMsg RmgrID = 21
	MaxBuiltinRmgr        = RmgrLogicalMsg
)

var builtinRmgrNames = [...]string{
	"XLOG", "Transaction", "Storage", "CLOG", "Database", "Tablespace",
	"MultiXact", "RelMap", "Standby", "Heap2", "Heap", "Btree", "Hash",
	"Gin", "Gist", "Sequence", "SPGist", "BRIN", "CommitTs",
	"ReplicationOrigin", "Generic", "LogicalMessage",
}

func (id RmgrID) String() string {
	if int(id) < len(builtinRmgrNames) {
		return builtinRmgrNames[id]
	}
	return fmt.Sprintf("custom%03d", uint8(id))
}

// ParseRmgrName maps a resource manager name (case-insensitive) to its id.
func ParseRmgrName(name string) (RmgrID, bool) {
	for i, n := range builtinRmgrNames {
		if strings.EqualFold(n, name) {
			return RmgrID(i), true
		}
	}
	return 0, false
}

func rmgrAttr(id RmgrID) attribute.KeyValue { return attribute.String("rmgr", id.String()) }

// Rmgr is the set of callbacks an access method provides for its records.
type Rmgr struct {
	Name string
	// Redo replays a record against the buffer pool.
	Redo func(env *RedoEnv, rec *DecodedRecord) error
	// Desc renders the record payload for the dump tool.
	Desc func(rec *DecodedRecord) string
	// Identify names a record type from its info bits, "" if unknown.
	Identify func(info uint8) string
	// Mask clears page bits that may legitimately differ between primary
	// and replayed copies.
	Mask func(page pagemanager.Page, blk pagemanager.BlockNumber)
}

// RmgrTable maps rmgr ids to their callbacks. It is a value: Register
// returns a new table sharing nothing with the receiver.
type RmgrTable struct {
	entries map[RmgrID]Rmgr
}

// NewRmgrTable returns a table holding the XLOG resource manager.
func NewRmgrTable() RmgrTable {
	return RmgrTable{entries: map[RmgrID]Rmgr{RmgrXLOG: xlogRmgr()}}
}

// Register returns a copy of t with r installed as id.
func (t RmgrTable) Register(id RmgrID, r Rmgr) (RmgrTable, error) {
	if r.Redo == nil {
		return t, fmt.Errorf("resource manager %s has no redo routine", id)
	}
	if _, ok := t.entries[id]; ok {
		return t, fmt.Errorf("resource manager %s already registered", id)
	}
	if r.Name == "" {
		r.Name = id.String()
	}
	out := RmgrTable{entries: make(map[RmgrID]Rmgr, len(t.entries)+1)}
	for k, v := range t.entries {
		out.entries[k] = v
	}
	out.entries[id] = r
	return out, nil
}

// Lookup returns the callbacks registered for id.
func (t RmgrTable) Lookup(id RmgrID) (Rmgr, bool) {
	r, ok := t.entries[id]
	return r, ok
}

// MustRegister is Register for static tables; it panics on error.
func (t RmgrTable) MustRegister(id RmgrID, r Rmgr) RmgrTable {
	out, err := t.Register(id, r)
	if err != nil {
		panic(err)
	}
	return out
}

// Identify names the record type, falling back to the hex info bits.
func (t RmgrTable) Identify(rec *DecodedRecord) string {
	if r, ok := t.entries[rec.Rmgr()]; ok && r.Identify != nil {
		if s := r.Identify(rec.Info()); s != "" {
			return s
		}
	}
	return fmt.Sprintf("UNKNOWN (%02X)", rec.Info())
}

// Describe renders the record payload.
func (t RmgrTable) Describe(rec *DecodedRecord) string {
	if r, ok := t.entries[rec.Rmgr()]; ok && r.Desc != nil {
		return r.Desc(rec)
	}
	return ""
}
