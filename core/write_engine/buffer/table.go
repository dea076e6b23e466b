package buffer

import "sync"

const numPartitions = 16

// bufTable maps tags to buffer ids. It is split into partitions, each with
// its own lock, so lookups of unrelated pages do not contend.
type bufTable struct {
	parts [numPartitions]tablePartition
}

type tablePartition struct {
	mu sync.RWMutex
	m  map[BufferTag]int
}

func newBufTable(size int) *bufTable {
	t := &bufTable{}
	for i := range t.parts {
		t.parts[i].m = make(map[BufferTag]int, size/numPartitions+1)
	}
	return t
}

func (t BufferTag) hash() uint32 {
	h := uint32(2166136261)
	for _, v := range []uint32{t.Rel.SpcOid, t.Rel.DbOid, t.Rel.RelNumber, uint32(t.Fork), uint32(t.Block)} {
		h ^= v
		h *= 16777619
	}
	return h
}

func (t BufferTag) less(o BufferTag) bool {
	switch {
	case t.Rel.SpcOid != o.Rel.SpcOid:
		return t.Rel.SpcOid < o.Rel.SpcOid
	case t.Rel.DbOid != o.Rel.DbOid:
		return t.Rel.DbOid < o.Rel.DbOid
	case t.Rel.RelNumber != o.Rel.RelNumber:
		return t.Rel.RelNumber < o.Rel.RelNumber
	case t.Fork != o.Fork:
		return t.Fork < o.Fork
	}
	return t.Block < o.Block
}

func (t *bufTable) partitionIndex(tag BufferTag) int {
	return int(tag.hash() % numPartitions)
}

func (t *bufTable) partition(tag BufferTag) *tablePartition {
	return &t.parts[t.partitionIndex(tag)]
}

// lockPair write-locks the partitions of two tags in index order and
// returns the function releasing them.
func (t *bufTable) lockPair(a, b BufferTag) func() {
	ia, ib := t.partitionIndex(a), t.partitionIndex(b)
	if ia == ib {
		t.parts[ia].mu.Lock()
		return t.parts[ia].mu.Unlock
	}
	if ia > ib {
		ia, ib = ib, ia
	}
	t.parts[ia].mu.Lock()
	t.parts[ib].mu.Lock()
	return func() {
		t.parts[ib].mu.Unlock()
		t.parts[ia].mu.Unlock()
	}
}

// lookup must be called with the partition lock held.
func (p *tablePartition) lookup(tag BufferTag) (int, bool) {
	id, ok := p.m[tag]
	return id, ok
}
