package transaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPrecedesWraparound(t *testing.T) {
	require.True(t, Precedes(100, 200))
	require.False(t, Precedes(200, 100))
	require.True(t, Precedes(0xFFFFFFF0, 10))
	require.True(t, Precedes(FrozenTransactionID, FirstNormalTransactionID))
}

func TestBeginCommitAndHorizon(t *testing.T) {
	m := NewManager(FromEpochAndXid(0, 100), 16384, nil)

	t1 := m.Begin()
	require.Equal(t, FromEpochAndXid(0, 100), t1.ID)
	require.True(t, m.IsInProgress(100))
	require.Equal(t, t1.ID, m.Horizon())
	require.False(t, m.GlobalVisCheckRemovable(t1.ID))

	require.NoError(t, m.Commit(t1.ID))
	require.False(t, m.IsInProgress(100))
	require.Error(t, m.Commit(t1.ID))

	// next xid is 101 and nothing runs: 100 is removable, 101 is not
	require.True(t, m.GlobalVisCheckRemovable(t1.ID))
	require.False(t, m.GlobalVisCheckRemovable(m.NextFullXid()))
}

func TestSnapshotHoldsHorizon(t *testing.T) {
	m := NewManager(FromEpochAndXid(0, 10), 1, nil)
	snap := m.TakeSnapshot()
	safe := m.NextFullXid()

	txn := m.Begin()
	require.NoError(t, m.Commit(txn.ID))
	require.False(t, m.GlobalVisCheckRemovable(safe))

	m.ReleaseSnapshot(snap)
	require.True(t, m.GlobalVisCheckRemovable(safe))
}

func TestWaitReturnsWhenTransactionEnds(t *testing.T) {
	m := NewManager(0, 1, nil)
	txn := m.Begin()
	require.Equal(t, FirstNormalTransactionID, txn.ID.Xid())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Abort(txn.ID)
	}()
	require.NoError(t, m.Wait(context.Background(), txn.ID.Xid()))
	require.Equal(t, TxnStateAborted, txn.State)

	other := m.Begin()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Wait(ctx, other.ID.Xid()), context.DeadlineExceeded)
}

func TestAdvanceNextXid(t *testing.T) {
	m := NewManager(FromEpochAndXid(0, 500), 1, nil)
	m.AdvanceNextXid(400)
	require.Equal(t, FromEpochAndXid(0, 500), m.NextFullXid())
	m.AdvanceNextXid(700)
	require.Equal(t, FromEpochAndXid(0, 701), m.NextFullXid())

	m.SetNextXid(FromEpochAndXid(0, 0xFFFFFFF0))
	m.AdvanceNextXid(5)
	require.Equal(t, FromEpochAndXid(1, 6), m.NextFullXid())

	m.SetNextXid(FromEpochAndXid(2, 0xFFFFFFFF))
	m.AdvanceNextXid(0xFFFFFFFF)
	require.Equal(t, FromEpochAndXid(3, FirstNormalTransactionID), m.NextFullXid())
}

func TestAssignOid(t *testing.T) {
	m := NewManager(0, 16384, nil)
	require.Equal(t, uint32(16384), m.AssignOid())
	require.Equal(t, uint32(16385), m.NextOid())
}
