package btree

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	"github.com/sushant-115/gojocore/core/transaction"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

func countRecords(types []string, name string) int {
	n := 0
	for _, t := range types {
		if t == name {
			n++
		}
	}
	return n
}

// downlinks returns the children of the internal page blk in key order.
func downlinks(t *testing.T, ix *Index, blk pagemanager.BlockNumber) []pagemanager.BlockNumber {
	t.Helper()
	var out []pagemanager.BlockNumber
	withPage(t, ix, blk, func(p pagemanager.Page) {
		o := opaqueOf(p)
		require.False(t, o.IsLeaf())
		for off := o.FirstDataKey(); off <= p.MaxOffset(); off++ {
			out = append(out, IndexTuple(p.Item(off)).DownLink())
		}
	})
	return out
}

// insertUntilRootLevel inserts keys from next, stepping by step, until the
// root reaches level. It returns the next unused key.
func insertUntilRootLevel(t *testing.T, ix *Index, next, step int64, level uint32) int64 {
	t.Helper()
	for i := 0; i < 5000; i++ {
		insertInt(t, ix, next, tid(int(next+100000)))
		next += step
		meta, err := ix.Meta()
		require.NoError(t, err)
		if meta.Level >= level {
			return next
		}
	}
	t.Fatalf("root never reached level %d", level)
	return next
}

func TestCreateWritesEmptyMetapage(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{Name: "empty_idx"}, nil)

	meta, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, PNone, meta.Root)
	require.True(t, meta.AllEqualImage)
	require.Equal(t, pagemanager.BlockNumber(1), nblocks(t, ix))
	require.Empty(t, scanAll(t, ix))

	_, err = Create(context.Background(), Config{Rel: testRel, Desc: intDesc()}, c.deps(nil), nil)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateRejectsBadConfig(t *testing.T) {
	c := newCluster(t)
	_, err := Create(context.Background(), Config{Rel: testRel}, c.deps(nil), nil)
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Create(context.Background(), Config{Rel: testRel, Desc: intDesc(), FillFactor: 5}, c.deps(nil), nil)
	require.Error(t, err)

	_, err = Create(context.Background(), Config{Rel: testRel, Desc: intDesc()}, Deps{}, nil)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestInsertLeafRoundTrip(t *testing.T) {
	c := newCluster(t)
	from := c.lm.InsertPos()
	ix := createIndex(t, c, Config{}, nil)

	for i := 1; i <= 3; i++ {
		insertInt(t, ix, int64(i), ItemPointer{Block: 0, Offset: pagemanager.OffsetNumber(i)})
	}

	meta, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, pagemanager.BlockNumber(1), meta.Root)
	require.Equal(t, uint32(0), meta.Level)
	require.Equal(t, meta.Root, meta.FastRoot)

	withPage(t, ix, meta.Root, func(p pagemanager.Page) {
		o := opaqueOf(p)
		require.True(t, o.IsLeaf())
		require.True(t, o.IsRoot())
		require.Equal(t, pagemanager.OffsetNumber(3), p.MaxOffset())
		for off := pagemanager.FirstOffsetNumber; off <= 3; off++ {
			keys := ix.desc.Keys(IndexTuple(p.Item(off)))
			require.Equal(t, int64(off), keys[0].Int)
		}
	})

	types := recordTypes(t, c, from)
	require.Equal(t, []string{"NEWROOT", "INSERT_LEAF", "INSERT_LEAF", "INSERT_LEAF"}, types)

	c2, _ := c.restart(t)
	ix2 := openIndex(t, c2, Config{}, nil)
	entries := scanAll(t, ix2)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Keys[0].Int)
		require.Equal(t, ItemPointer{Block: 0, Offset: pagemanager.OffsetNumber(i + 1)}, e.TID)
	}
}

func TestRootSplitCreatesNewRoot(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)

	// descending keys always land at the first data offset
	insertInt(t, ix, 100000, tid(0))
	from := c.lm.InsertPos()
	insertUntilRootLevel(t, ix, 99999, -1, 1)

	types := recordTypes(t, c, from)
	require.GreaterOrEqual(t, len(types), 3)
	require.Equal(t, []string{"SPLIT_L", "NEWROOT"}, types[len(types)-2:])
	require.Equal(t, len(types)-2, countRecords(types, "INSERT_LEAF"))

	meta, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.Level)
	require.Equal(t, meta.Root, meta.FastRoot)
	require.Equal(t, uint32(1), meta.FastLevel)
	require.Equal(t, pagemanager.BlockNumber(3), meta.Root)

	children := downlinks(t, ix, meta.Root)
	require.Len(t, children, 2)
	withPage(t, ix, children[0], func(p pagemanager.Page) {
		o := opaqueOf(p)
		require.True(t, o.IsLeaf())
		require.False(t, o.IsRoot())
		require.False(t, o.IsIncompleteSplit())
		require.Equal(t, children[1], o.Next())
	})

	entries := scanAll(t, ix)
	requireOrdered(t, entries)
	require.Len(t, entries, len(types))
}

func TestLeafSplitInsertsDownlink(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)

	next := insertUntilRootLevel(t, ix, 100000, -1, 1)
	before, err := ix.Meta()
	require.NoError(t, err)
	require.Len(t, downlinks(t, ix, before.Root), 2)

	// keep inserting below everything: the leftmost leaf splits next
	from := c.lm.InsertPos()
	for i := 0; i < 5000 && len(downlinks(t, ix, before.Root)) == 2; i++ {
		insertInt(t, ix, next, tid(int(next+100000)))
		next--
	}
	require.Len(t, downlinks(t, ix, before.Root), 3)

	types := recordTypes(t, c, from)
	require.Equal(t, []string{"SPLIT_L", "INSERT_UPPER"}, types[len(types)-2:])

	after, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, before, after)

	entries := scanAll(t, ix)
	requireOrdered(t, entries)
	require.Equal(t, int64(100000-next), int64(len(entries)))
}

func TestSplitOptions(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{Name: "defaults"}, nil)
	require.Equal(t, SplitOptions{LeafInterval: 9, InternalInterval: 18, ManyDupsGuard: 9, MaxPostingsSingleValue: 6}, ix.splitOpts)

	tuned := createIndex(t, c, Config{
		Name:         "tuned",
		Rel:          smgr.RelFileLocator{SpcOid: testRel.SpcOid, DbOid: testRel.DbOid, RelNumber: testRel.RelNumber + 1},
		SplitOptions: SplitOptions{LeafInterval: 3, MaxPostingsSingleValue: 2},
	}, nil)
	require.Equal(t, 3, tuned.splitOpts.LeafInterval)
	require.Equal(t, 18, tuned.splitOpts.InternalInterval)
	require.Equal(t, 2, tuned.splitOpts.MaxPostingsSingleValue)

	// heavy duplicates go through both the split point choice and the
	// single-value dedup cutoff
	for i := 0; i < 3000; i++ {
		insertInt(t, tuned, int64(i%7), tid(i))
	}
	meta, err := tuned.Meta()
	require.NoError(t, err)
	require.Positive(t, meta.Level)
	entries := scanAll(t, tuned)
	require.Len(t, entries, 3000)
	requireOrdered(t, entries)
}

func TestInsertOrderAndLookup(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)

	// a permutation of 0..n-1 that is neither ascending nor descending
	const n = 3000
	for i := 0; i < n; i++ {
		k := int64((i * 7919) % n)
		insertInt(t, ix, k, tid(i))
	}
	entries := scanAll(t, ix)
	require.Len(t, entries, n)
	requireOrdered(t, entries)
	for i, e := range entries {
		require.Equal(t, int64(i), e.Keys[0].Int)
	}

	tids, err := ix.Lookup(context.Background(), []Datum{Int64(1234)})
	require.NoError(t, err)
	require.Len(t, tids, 1)

	var fromKey []int64
	require.NoError(t, ix.Scan(context.Background(), []Datum{Int64(2990)}, func(e ScanEntry) bool {
		fromKey = append(fromKey, e.Keys[0].Int)
		return true
	}))
	require.Equal(t, []int64{2990, 2991, 2992, 2993, 2994, 2995, 2996, 2997, 2998, 2999}, fromKey)

	meta, err := ix.Meta()
	require.NoError(t, err)
	require.GreaterOrEqual(t, meta.Level, uint32(1))
}

func TestInsertCompositeTextKeys(t *testing.T) {
	c := newCluster(t)
	desc := NewTupleDesc(Attribute{Name: "name", Kind: KindText}, Attribute{Name: "n", Kind: KindInt32})
	ix := createIndex(t, c, Config{Desc: desc}, nil)

	words := []string{"pear", "apple", "fig", "apple", "kiwi", "fig"}
	for i := 0; i < 600; i++ {
		w := words[i%len(words)]
		_, err := ix.Insert(context.Background(), []Datum{Text(strings.Repeat(w, 3)), Int32(int32(i % 17))}, tid(i), InsertOptions{})
		require.NoError(t, err)
	}
	entries := scanAll(t, ix)
	require.Len(t, entries, 600)
	for i := 1; i < len(entries); i++ {
		a, b := entries[i-1], entries[i]
		c := a.Keys[0].Compare(b.Keys[0])
		if c == 0 {
			c = a.Keys[1].Compare(b.Keys[1])
		}
		if c == 0 {
			c = a.TID.Compare(b.TID)
		}
		require.Negative(t, c)
	}

	tids, err := ix.Lookup(context.Background(), []Datum{Text("figfigfig")})
	require.NoError(t, err)
	require.Len(t, tids, 200)
}

func TestInsertRejectsBadInput(t *testing.T) {
	c := newCluster(t)
	desc := NewTupleDesc(Attribute{Name: "s", Kind: KindText})
	ix := createIndex(t, c, Config{Desc: desc}, nil)
	ctx := context.Background()

	_, err := ix.Insert(ctx, []Datum{Text(strings.Repeat("x", 3000))}, tid(1), InsertOptions{})
	require.ErrorIs(t, err, ErrItemTooLarge)

	_, err = ix.Insert(ctx, []Datum{Int64(1)}, tid(1), InsertOptions{})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ix.Insert(ctx, []Datum{Text("a"), Text("b")}, tid(1), InsertOptions{})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ix.Insert(ctx, []Datum{Text("a")}, ItemPointer{}, InsertOptions{})
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ix.Insert(ctx, []Datum{Text("a")}, tid(1), InsertOptions{Unique: UniqueCheckYes})
	require.Error(t, err)
}

// --- Uniqueness ---

func TestUniqueViolation(t *testing.T) {
	c := newCluster(t)
	table := newFakeTable()
	ix := createIndex(t, c, Config{Name: "uniq", Unique: true}, table)
	ctx := context.Background()
	yes := InsertOptions{Unique: UniqueCheckYes}

	ok, err := ix.Insert(ctx, []Datum{Int64(5)}, tid(1), yes)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ix.Insert(ctx, []Datum{Int64(5)}, tid(2), yes)
	require.ErrorIs(t, err, ErrUniqueViolation)
	var uv *UniqueViolationError
	require.True(t, errors.As(err, &uv))
	require.Equal(t, "uniq", uv.Index)
	require.Contains(t, err.Error(), "(k)=(5)")

	ok, err = ix.Insert(ctx, []Datum{Int64(6)}, tid(2), yes)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, scanAll(t, ix), 2)
}

func TestUniqueInsertOverDeadDuplicate(t *testing.T) {
	c := newCluster(t)
	table := newFakeTable()
	ix := createIndex(t, c, Config{Unique: true}, table)
	ctx := context.Background()
	yes := InsertOptions{Unique: UniqueCheckYes}

	_, err := ix.Insert(ctx, []Datum{Int64(5)}, tid(1), yes)
	require.NoError(t, err)
	table.kill(tid(1))

	ok, err := ix.Insert(ctx, []Datum{Int64(5)}, tid(2), yes)
	require.NoError(t, err)
	require.True(t, ok)

	// the dead duplicate was marked LP_DEAD on the way and scans skip it
	entries := scanAll(t, ix)
	require.Len(t, entries, 1)
	require.Equal(t, tid(2), entries[0].TID)

	meta, err := ix.Meta()
	require.NoError(t, err)
	withPage(t, ix, meta.Root, func(p pagemanager.Page) {
		require.True(t, opaqueOf(p).HasGarbage())
	})
}

func TestUniqueCheckPartialAndExisting(t *testing.T) {
	c := newCluster(t)
	table := newFakeTable()
	ix := createIndex(t, c, Config{Unique: true}, table)
	ctx := context.Background()

	ok, err := ix.Insert(ctx, []Datum{Int64(7)}, tid(3), InsertOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	// rechecking the only entry finds no conflict and inserts nothing
	ok, err = ix.Insert(ctx, []Datum{Int64(7)}, tid(3), InsertOptions{Unique: UniqueCheckExisting})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, scanAll(t, ix), 1)

	ok, err = ix.Insert(ctx, []Datum{Int64(7)}, tid(4), InsertOptions{Unique: UniqueCheckPartial})
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, scanAll(t, ix), 2)

	_, err = ix.Insert(ctx, []Datum{Int64(7)}, tid(3), InsertOptions{Unique: UniqueCheckExisting})
	require.ErrorIs(t, err, ErrUniqueViolation)

	// a dead entry that is not in the index cannot be rechecked
	table.kill(tid(9))
	_, err = ix.Insert(ctx, []Datum{Int64(7)}, tid(9), InsertOptions{Unique: UniqueCheckExisting})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUniqueViolation)
}

// writerTable reports tuples written by in-progress transactions, which
// become dead once their writer ends.
type writerTable struct {
	*fakeTable
	txns    *transaction.Manager
	writers map[ItemPointer]transaction.TransactionID
}

func (w *writerTable) FetchTupleCheck(ctx context.Context, p ItemPointer) (TupleCheck, error) {
	if xid, ok := w.writers[p]; ok {
		if w.txns.IsInProgress(xid) {
			return TupleCheck{Visible: true, WaitXid: xid}, nil
		}
		return TupleCheck{AllDead: true}, nil
	}
	return w.fakeTable.FetchTupleCheck(ctx, p)
}

func TestUniqueInsertWaitsForWriter(t *testing.T) {
	c := newCluster(t)
	writer := c.txns.Begin()
	table := &writerTable{
		fakeTable: newFakeTable(),
		txns:      c.txns,
		writers:   map[ItemPointer]transaction.TransactionID{tid(1): writer.ID.Xid()},
	}
	ix := createIndex(t, c, Config{Unique: true}, table)
	ctx := context.Background()

	_, err := ix.Insert(ctx, []Datum{Int64(5)}, tid(1), InsertOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ix.Insert(ctx, []Datum{Int64(5)}, tid(2), InsertOptions{Unique: UniqueCheckYes})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("insert finished while the conflicting writer was running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, c.txns.Abort(writer.ID))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("insert did not resume after the writer ended")
	}

	entries := scanAll(t, ix)
	require.Len(t, entries, 1)
	require.Equal(t, tid(2), entries[0].TID)
}

func TestUniqueInsertWaitHonorsContext(t *testing.T) {
	c := newCluster(t)
	writer := c.txns.Begin()
	table := &writerTable{
		fakeTable: newFakeTable(),
		txns:      c.txns,
		writers:   map[ItemPointer]transaction.TransactionID{tid(1): writer.ID.Xid()},
	}
	ix := createIndex(t, c, Config{Unique: true}, table)

	_, err := ix.Insert(context.Background(), []Datum{Int64(5)}, tid(1), InsertOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ix.Insert(ctx, []Datum{Int64(5)}, tid(2), InsertOptions{Unique: UniqueCheckYes})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, c.txns.Commit(writer.ID))
}

func TestUniqueCheckAcrossPages(t *testing.T) {
	c := newCluster(t)
	table := newFakeTable()
	ix := createIndex(t, c, Config{Unique: true, DisableDeduplication: true}, table)
	ctx := context.Background()

	// many dead versions of one key spread over several leaves
	var dead []ItemPointer
	for i := 0; i < 1200; i++ {
		_, err := ix.Insert(ctx, []Datum{Int64(9)}, tid(i), InsertOptions{})
		require.NoError(t, err)
		dead = append(dead, tid(i))
	}
	meta, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.Level)

	_, err = ix.Insert(ctx, []Datum{Int64(9)}, tid(5000), InsertOptions{Unique: UniqueCheckYes})
	require.ErrorIs(t, err, ErrUniqueViolation)

	table.kill(dead...)
	ok, err := ix.Insert(ctx, []Datum{Int64(9)}, tid(5000), InsertOptions{Unique: UniqueCheckYes})
	require.NoError(t, err)
	require.True(t, ok)

	tids, err := ix.Lookup(ctx, []Datum{Int64(9)})
	require.NoError(t, err)
	require.Contains(t, tids, tid(5000))
}
