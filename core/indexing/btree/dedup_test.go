package btree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// fillWithDuplicates inserts key with ascending heap TIDs until the root
// leaf holds fewer items than were inserted, i.e. a deduplication pass
// ran. It returns the number of entries inserted.
func fillWithDuplicates(t *testing.T, ix *Index, key int64) int {
	t.Helper()
	for i := 0; i < 1000; i++ {
		insertInt(t, ix, key, tid(i))
		meta, err := ix.Meta()
		require.NoError(t, err)
		require.Equal(t, uint32(0), meta.Level, "leaf split before deduplication")
		var nitems int
		withPage(t, ix, meta.Root, func(p pagemanager.Page) { nitems = int(p.MaxOffset()) })
		if nitems < i+1 {
			return i + 1
		}
	}
	t.Fatal("no deduplication pass ran")
	return 0
}

func TestDedupPassAvoidsSplit(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)
	insertInt(t, ix, 42, tid(0))

	from := c.lm.InsertPos()
	n := 1
	for ; n < 1000; n++ {
		var nitems int
		meta, err := ix.Meta()
		require.NoError(t, err)
		withPage(t, ix, meta.Root, func(p pagemanager.Page) { nitems = int(p.MaxOffset()) })
		if nitems < n {
			break
		}
		insertInt(t, ix, 42, tid(n))
	}
	require.Greater(t, n, 200)

	types := recordTypes(t, c, from)
	require.Equal(t, 1, countRecords(types, "DEDUP"))
	require.Zero(t, countRecords(types, "SPLIT_L")+countRecords(types, "SPLIT_R"))
	require.Equal(t, []string{"DEDUP", "INSERT_LEAF"}, types[len(types)-2:])
	require.Equal(t, pagemanager.BlockNumber(2), nblocks(t, ix))

	meta, err := ix.Meta()
	require.NoError(t, err)
	withPage(t, ix, meta.Root, func(p pagemanager.Page) {
		postings := 0
		for off := pagemanager.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
			itup := IndexTuple(p.Item(off))
			if itup.IsPosting() {
				postings++
				require.LessOrEqual(t, itup.Size(), maxPostingSize())
				require.True(t, postingValid(itup))
			}
		}
		require.Positive(t, postings)
	})

	entries := scanAll(t, ix)
	require.Len(t, entries, n)
	for i, e := range entries {
		require.Equal(t, int64(42), e.Keys[0].Int)
		require.Equal(t, tid(i), e.TID)
	}
}

func TestInsertIntoPostingList(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)
	n := fillWithDuplicates(t, ix, 42)

	// (1,200) sorts between (1,100) and (2,1), inside the first posting list
	inside := ItemPointer{Block: 1, Offset: 200}
	from := c.lm.InsertPos()
	insertInt(t, ix, 42, inside)
	require.Equal(t, []string{"INSERT_POST"}, recordTypes(t, c, from))

	tids, err := ix.Lookup(context.Background(), []Datum{Int64(42)})
	require.NoError(t, err)
	require.Len(t, tids, n+1)
	require.Equal(t, inside, tids[200])
	for i := 1; i < len(tids); i++ {
		require.Negative(t, tids[i-1].Compare(tids[i]))
	}
}

func TestDedupMixedKeysKeepsScanOrder(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)
	plainRel := testRel
	plainRel.RelNumber++
	plain := createIndex(t, c, Config{Rel: plainRel, DisableDeduplication: true}, nil)

	const n = 4000
	for i := 0; i < n; i++ {
		insertInt(t, ix, int64(i%25), tid(i))
		insertInt(t, plain, int64(i%25), tid(i))
	}
	entries := scanAll(t, ix)
	require.Len(t, entries, n)
	requireOrdered(t, entries)
	require.Equal(t, scanAll(t, plain), entries)
	require.Less(t, nblocks(t, ix), nblocks(t, plain))

	for k := int64(0); k < 25; k++ {
		tids, err := ix.Lookup(context.Background(), []Datum{Int64(k)})
		require.NoError(t, err)
		require.Len(t, tids, n/25)
	}
}

func TestDeduplicationDisabled(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{DisableDeduplication: true}, nil)
	meta, err := ix.Meta()
	require.NoError(t, err)
	require.False(t, meta.AllEqualImage)

	from := c.lm.InsertPos()
	for i := 0; i < 500; i++ {
		insertInt(t, ix, 42, tid(i))
	}
	types := recordTypes(t, c, from)
	require.Zero(t, countRecords(types, "DEDUP"))
	require.Positive(t, countRecords(types, "SPLIT_L")+countRecords(types, "SPLIT_R"))

	meta, err = ix.Meta()
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.Level)
	entries := scanAll(t, ix)
	require.Len(t, entries, 500)
	requireOrdered(t, entries)
}

func TestSingleValueLeavesSplitIntoFullPages(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, nil)

	const n = 10000
	for i := 0; i < n; i++ {
		insertInt(t, ix, 7, tid(i))
	}
	entries := scanAll(t, ix)
	require.Len(t, entries, n)
	requireOrdered(t, entries)

	meta, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.Level)
	// unmerged, the same entries would need more than 25 leaves
	leaves := downlinks(t, ix, meta.Root)
	require.Less(t, len(leaves), 25)
	for _, leaf := range leaves {
		withPage(t, ix, leaf, func(p pagemanager.Page) {
			require.True(t, opaqueOf(p).IsLeaf())
		})
	}
}
