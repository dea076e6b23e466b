package btree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

func TestKillTuplesMarksEntriesDead(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, newFakeTable())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		insertInt(t, ix, int64(i), tid(i))
	}

	entries := scanAll(t, ix)
	killed, err := ix.KillTuples(ctx, entries[3:5])
	require.NoError(t, err)
	require.Equal(t, 2, killed)

	// already dead, or never there
	killed, err = ix.KillTuples(ctx, []ScanEntry{entries[3], {Keys: []Datum{Int64(99)}, TID: tid(99)}})
	require.NoError(t, err)
	require.Zero(t, killed)

	left := scanAll(t, ix)
	require.Len(t, left, 8)
	for _, e := range left {
		require.NotContains(t, []int64{3, 4}, e.Keys[0].Int)
	}

	meta, err := ix.Meta()
	require.NoError(t, err)
	withPage(t, ix, meta.Root, func(p pagemanager.Page) {
		require.True(t, opaqueOf(p).HasGarbage())
		require.True(t, p.ItemID(4).IsDead())
		require.True(t, p.ItemID(5).IsDead())
	})

	_, err = ix.KillTuples(ctx, []ScanEntry{{TID: tid(1)}})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKillTuplesNeedsWholePostingList(t *testing.T) {
	c := newCluster(t)
	ix := createIndex(t, c, Config{}, newFakeTable())
	ctx := context.Background()
	n := fillWithDuplicates(t, ix, 42)

	entries := scanAll(t, ix)
	require.Len(t, entries, n)

	// one TID out of a posting list is not enough to mark it
	killed, err := ix.KillTuples(ctx, entries[:1])
	require.NoError(t, err)
	require.Zero(t, killed)
	require.Len(t, scanAll(t, ix), n)

	killed, err = ix.KillTuples(ctx, entries)
	require.NoError(t, err)
	require.Positive(t, killed)
	require.Empty(t, scanAll(t, ix))
}

func TestSimpleDeletionAvoidsSplit(t *testing.T) {
	c := newCluster(t)
	table := newFakeTable()
	ix := createIndex(t, c, Config{}, table)
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		insertInt(t, ix, int64(i), tid(i))
	}
	entries := scanAll(t, ix)
	var dead []ScanEntry
	for i := 0; i < 300; i += 2 {
		dead = append(dead, entries[i])
		table.kill(entries[i].TID)
	}
	killed, err := ix.KillTuples(ctx, dead)
	require.NoError(t, err)
	require.Equal(t, len(dead), killed)

	// fill up the page again: the LP_DEAD items make room
	from := c.lm.InsertPos()
	for i := 300; i < 420; i++ {
		insertInt(t, ix, int64(i), tid(i))
	}
	types := recordTypes(t, c, from)
	require.Equal(t, 1, countRecords(types, "DELETE"))
	require.Zero(t, countRecords(types, "SPLIT_L")+countRecords(types, "SPLIT_R"))
	require.Equal(t, pagemanager.BlockNumber(2), nblocks(t, ix))
	require.False(t, table.lastReq.BottomUp)
	require.Positive(t, table.calls)

	left := scanAll(t, ix)
	require.Len(t, left, 300-len(dead)+120)
	requireOrdered(t, left)

	meta, err := ix.Meta()
	require.NoError(t, err)
	withPage(t, ix, meta.Root, func(p pagemanager.Page) {
		require.False(t, opaqueOf(p).HasGarbage())
		for off := pagemanager.FirstOffsetNumber; off <= p.MaxOffset(); off++ {
			require.False(t, p.ItemID(off).IsDead())
		}
	})
}

func TestBottomUpDeletionAbsorbsVersionChurn(t *testing.T) {
	c := newCluster(t)
	table := newFakeTable()
	ix := createIndex(t, c, Config{}, table)
	ctx := context.Background()

	// every round writes a new version of 20 rows whose indexed value did
	// not change; the versions of the previous round die
	const rows = 20
	next := 0
	var prev []ItemPointer
	from := c.lm.InsertPos()
	for round := 0; round < 40; round++ {
		var cur []ItemPointer
		for k := 0; k < rows; k++ {
			p := tid(next)
			next++
			_, err := ix.Insert(ctx, []Datum{Int64(int64(k))}, p, InsertOptions{IndexUnchanged: round > 0})
			require.NoError(t, err)
			cur = append(cur, p)
		}
		table.kill(prev...)
		prev = cur
	}

	types := recordTypes(t, c, from)
	require.Positive(t, countRecords(types, "DELETE"))
	require.Zero(t, countRecords(types, "SPLIT_L")+countRecords(types, "SPLIT_R"))
	require.True(t, table.lastReq.BottomUp)
	require.Positive(t, table.lastReq.BottomUpFreeSpace)

	meta, err := ix.Meta()
	require.NoError(t, err)
	require.Equal(t, uint32(0), meta.Level)

	// the live versions all survive
	entries := scanAll(t, ix)
	requireOrdered(t, entries)
	live := make(map[ItemPointer]bool)
	for _, e := range entries {
		live[e.TID] = true
	}
	for _, p := range prev {
		require.True(t, live[p], "live version %s was deleted", p)
	}
}

func TestDeadBlocksIncludesNewItem(t *testing.T) {
	page := make(pagemanager.Page, pagemanager.PageSize)
	pageInit(page)
	desc := intDesc()
	for i, p := range []ItemPointer{{Block: 4, Offset: 1}, {Block: 2, Offset: 1}, {Block: 4, Offset: 2}} {
		itup, err := FormTuple(desc, []Datum{Int64(int64(i))}, p)
		require.NoError(t, err)
		require.NotEqual(t, pagemanager.InvalidOffsetNumber, page.AddItem(itup, pagemanager.InvalidOffsetNumber, false, false))
	}
	newitem, err := FormTuple(desc, []Datum{Int64(9)}, ItemPointer{Block: 7, Offset: 3})
	require.NoError(t, err)

	blocks := deadBlocks(page, []pagemanager.OffsetNumber{1, 3}, newitem)
	require.Equal(t, []pagemanager.BlockNumber{4, 7}, blocks)
}
