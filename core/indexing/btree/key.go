package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// --- Key Attributes ---

// Kind is the type of one key attribute.
type Kind uint8

const (
	KindInt32 Kind = iota + 1
	KindInt64
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInt32:
		return "int4"
	case KindInt64:
		return "int8"
	case KindText:
		return "text"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Datum is one key attribute value.
type Datum struct {
	Kind Kind
	Int  int64
	Str  string
}

func Int32(v int32) Datum { return Datum{Kind: KindInt32, Int: int64(v)} }
func Int64(v int64) Datum { return Datum{Kind: KindInt64, Int: v} }
func Text(s string) Datum { return Datum{Kind: KindText, Str: s} }

func (d Datum) String() string {
	if d.Kind == KindText {
		return d.Str
	}
	return strconv.FormatInt(d.Int, 10)
}

// Compare orders two datums of the same kind. Text compares bytewise, so
// equal values are always bitwise equal and deduplication is safe.
func (d Datum) Compare(o Datum) int {
	if d.Kind == KindText {
		return strings.Compare(d.Str, o.Str)
	}
	switch {
	case d.Int < o.Int:
		return -1
	case d.Int > o.Int:
		return 1
	}
	return 0
}

// Attribute describes one key column.
type Attribute struct {
	Name string
	Kind Kind
}

// TupleDesc describes the key columns of an index.
type TupleDesc struct {
	Attrs []Attribute
}

// NewTupleDesc returns a descriptor for the given columns.
func NewTupleDesc(attrs ...Attribute) *TupleDesc {
	return &TupleDesc{Attrs: attrs}
}

// NAtts returns the number of key attributes.
func (d *TupleDesc) NAtts() int { return len(d.Attrs) }

func (d *TupleDesc) encode(keys []Datum) ([]byte, error) {
	if len(keys) != len(d.Attrs) {
		return nil, fmt.Errorf("%w: got %d key values for %d attributes", ErrInvalidKey, len(keys), len(d.Attrs))
	}
	var out []byte
	for i, k := range keys {
		a := d.Attrs[i]
		if k.Kind != a.Kind {
			return nil, fmt.Errorf("%w: attribute %q is %s, got %s", ErrInvalidKey, a.Name, a.Kind, k.Kind)
		}
		switch a.Kind {
		case KindInt32:
			if k.Int < math.MinInt32 || k.Int > math.MaxInt32 {
				return nil, fmt.Errorf("%w: %d out of range for %s", ErrInvalidKey, k.Int, a.Kind)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(k.Int)))
		case KindInt64:
			out = binary.LittleEndian.AppendUint64(out, uint64(k.Int))
		case KindText:
			if len(k.Str) > math.MaxUint16 {
				return nil, fmt.Errorf("%w: text value of %d bytes", ErrInvalidKey, len(k.Str))
			}
			out = binary.LittleEndian.AppendUint16(out, uint16(len(k.Str)))
			out = append(out, k.Str...)
		default:
			return nil, fmt.Errorf("%w: unsupported kind %s", ErrInvalidKey, a.Kind)
		}
	}
	return out, nil
}

// decode returns the first n key attributes stored in data.
func (d *TupleDesc) decode(data []byte, n int) []Datum {
	out := make([]Datum, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		var v Datum
		v, pos = d.decodeAttr(data, pos, i)
		out = append(out, v)
	}
	return out
}

func (d *TupleDesc) decodeAttr(data []byte, pos, i int) (Datum, int) {
	switch d.Attrs[i].Kind {
	case KindInt32:
		return Int32(int32(binary.LittleEndian.Uint32(data[pos:]))), pos + 4
	case KindInt64:
		return Int64(int64(binary.LittleEndian.Uint64(data[pos:]))), pos + 8
	default:
		n := int(binary.LittleEndian.Uint16(data[pos:]))
		return Text(string(data[pos+2 : pos+2+n])), pos + 2 + n
	}
}

// attrsLen returns the encoded length of the first n attributes.
func (d *TupleDesc) attrsLen(data []byte, n int) int {
	pos := 0
	for i := 0; i < n; i++ {
		pos += d.attrLen(data[pos:], i)
	}
	return pos
}

// attrLen returns the encoded length of attribute i starting at data.
func (d *TupleDesc) attrLen(data []byte, i int) int {
	switch d.Attrs[i].Kind {
	case KindInt32:
		return 4
	case KindInt64:
		return 8
	}
	return 2 + int(binary.LittleEndian.Uint16(data))
}

// Keys returns the key attributes present in t.
func (d *TupleDesc) Keys(t IndexTuple) []Datum {
	return d.decode(t.keyData(), t.NAtts(d.NAtts()))
}

// describe renders keys the way unique violations report them.
func (d *TupleDesc) describe(keys []Datum) string {
	names := make([]string, len(keys))
	vals := make([]string, len(keys))
	for i, k := range keys {
		names[i] = d.Attrs[i].Name
		vals[i] = k.String()
	}
	return fmt.Sprintf("(%s)=(%s)", strings.Join(names, ", "), strings.Join(vals, ", "))
}

// --- Insertion Scan Keys ---

// scanKey drives descents. Every key attribute is present; scantid, when
// set, is the heap TID tiebreaker attribute.
type scanKey struct {
	desc          *TupleDesc
	keys          []Datum
	allequalimage bool
	// nextkey finds the first item > key instead of >= key.
	nextkey bool
	// pivotsearch treats a truncated pivot equal to the key as equal, to
	// reach the leftmost page with a given high key.
	pivotsearch bool
	scantid     *ItemPointer
}

func (ix *Index) makeScanKey(keys []Datum, tid *ItemPointer) *scanKey {
	return &scanKey{desc: ix.desc, keys: keys, allequalimage: ix.allequalimage, scantid: tid}
}

// scanKeyFromTuple builds a scan key from a non-pivot or pivot tuple.
func (ix *Index) scanKeyFromTuple(t IndexTuple) *scanKey {
	key := &scanKey{desc: ix.desc, keys: ix.desc.Keys(t), allequalimage: ix.allequalimage}
	if tid, ok := t.HeapTID(); ok {
		key.scantid = &tid
	}
	return key
}

// compareTuple compares key to t: negative when key sorts first.
// Attributes truncated from a pivot are minus infinity.
func (k *scanKey) compareTuple(t IndexTuple) int {
	natts := k.desc.NAtts()
	ntupatts := t.NAtts(natts)
	data := t.keyData()
	pos := 0
	ncmp := min(ntupatts, len(k.keys))
	for i := 0; i < ncmp; i++ {
		var v Datum
		v, pos = k.desc.decodeAttr(data, pos, i)
		if r := k.keys[i].Compare(v); r != 0 {
			return r
		}
	}
	if len(k.keys) > ntupatts {
		return 1
	}
	heapTID, hasTID := t.HeapTID()
	if k.scantid == nil {
		// a pivot whose heap TID was truncated away is still less than any
		// key with equal attributes
		if !k.nextkey && !k.pivotsearch && len(k.keys) == ntupatts && !hasTID {
			return 1
		}
		return 0
	}
	if !hasTID {
		return 1
	}
	r := k.scantid.Compare(heapTID)
	if r <= 0 || !t.IsPosting() {
		return r
	}
	if k.scantid.Compare(t.MaxHeapTID()) > 0 {
		return 1
	}
	return 0
}

// compare is compareTuple against the item at off on page. The first data
// item of an internal page is minus infinity.
func (k *scanKey) compare(page pagemanager.Page, off pagemanager.OffsetNumber) int {
	o := opaqueOf(page)
	if !o.IsLeaf() && off == o.FirstDataKey() {
		return 1
	}
	return k.compareTuple(IndexTuple(page.Item(off)))
}

// --- Suffix Truncation ---

// keepNatts returns how many leading attributes a pivot separating
// lastleft and firstright must keep; natts+1 means the heap TID too.
func (ix *Index) keepNatts(lastleft, firstright IndexTuple) int {
	natts := ix.desc.NAtts()
	l := ix.desc.Keys(lastleft)
	r := ix.desc.Keys(firstright)
	keep := 1
	for i := 0; i < natts; i++ {
		// a truncated attribute differs from any present one
		if i >= len(l) || i >= len(r) || l[i].Compare(r[i]) != 0 {
			break
		}
		keep++
	}
	return keep
}

// keepNattsFast is keepNatts using binary equality, good enough for
// split point penalties.
func (ix *Index) keepNattsFast(lastleft, firstright IndexTuple) int {
	natts := ix.desc.NAtts()
	ld, rd := lastleft.keyData(), firstright.keyData()
	keep := 1
	lpos, rpos := 0, 0
	lnatts, rnatts := lastleft.NAtts(natts), firstright.NAtts(natts)
	for i := 0; i < natts; i++ {
		if i >= lnatts || i >= rnatts {
			break
		}
		lend := lpos + ix.desc.attrLen(ld[lpos:], i)
		rend := rpos + ix.desc.attrLen(rd[rpos:], i)
		if !bytes.Equal(ld[lpos:lend], rd[rpos:rend]) {
			break
		}
		lpos, rpos = lend, rend
		keep++
	}
	return keep
}

// truncate builds the new high key for a leaf split between lastleft and
// firstright, keeping only the attributes needed to separate them. When
// every attribute is equal the result carries lastleft's max heap TID.
func (ix *Index) truncate(lastleft, firstright IndexTuple) IndexTuple {
	natts := ix.desc.NAtts()
	keep := ix.keepNatts(lastleft, firstright)
	data := firstright.keyData()
	if keep <= natts {
		pivot := newTuple(data[:ix.desc.attrsLen(data, keep)], 0)
		pivot.setNAtts(keep, false)
		return pivot
	}
	// all key attributes kept: append a heap TID
	pivot := newTuple(data[:ix.desc.attrsLen(data, natts)], pagemanager.MaxAlign(itemPointerSize))
	pivot.setNAtts(natts, true)
	putItemPointer(pivot[pivot.Size()-itemPointerSize:], lastleft.MaxHeapTID())
	return pivot
}

// pivotFromTuple turns a copy of t into a pivot with all key attributes
// and no heap TID. Internal page splits use it for the new high key and
// downlinks.
func pivotFromTuple(desc *TupleDesc, t IndexTuple, natts int) IndexTuple {
	data := t.keyData()
	pivot := newTuple(data[:desc.attrsLen(data, natts)], 0)
	pivot.setNAtts(natts, false)
	return pivot
}
