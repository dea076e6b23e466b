package btree

import (
	"context"

	"github.com/sushant-115/gojocore/core/transaction"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
)

// Table is the table access method an index points into. The index asks
// it about the heap tuples its TIDs reference.
type Table interface {
	// FetchTupleCheck looks up the tuple chain at tid with a dirty
	// snapshot, as the uniqueness check needs.
	FetchTupleCheck(ctx context.Context, tid ItemPointer) (TupleCheck, error)
	// IndexDeleteTuples decides which candidates in req can be removed
	// from the index, sets their Deletable flag and returns the newest
	// xid that removed a deletable tuple, for recovery conflicts.
	IndexDeleteTuples(ctx context.Context, req *DeleteRequest) (transaction.TransactionID, error)
}

// SpeculativeWaiter is implemented by tables that support speculative
// insertion tokens.
type SpeculativeWaiter interface {
	WaitSpeculative(ctx context.Context, xid transaction.TransactionID, token uint32) error
}

// TupleCheck is the outcome of FetchTupleCheck.
type TupleCheck struct {
	// Visible is true when some version of the tuple is live or may yet
	// become live.
	Visible bool
	// AllDead is true when every version is dead to every transaction.
	AllDead bool
	// WaitXid is the in-progress transaction that inserted or deleted the
	// visible version, if any.
	WaitXid transaction.TransactionID
	// SpeculativeToken identifies a speculative insertion by WaitXid.
	SpeculativeToken uint32
}

// DeleteCandidate is one TID offered to the table for deletion.
type DeleteCandidate struct {
	TID ItemPointer
	// KnownDeletable marks TIDs of items already flagged LP_DEAD.
	KnownDeletable bool
	// Promising marks TIDs likely to point to garbage versions.
	Promising bool
	// FreeSpace is the index space freed by deleting the whole item.
	FreeSpace int
	// Deletable is set by the table.
	Deletable bool

	off pagemanager.OffsetNumber
}

// DeleteRequest is a batch of candidates from one leaf page.
type DeleteRequest struct {
	// BottomUp is set for version-churn driven deletion; the table may
	// give up early once BottomUpFreeSpace bytes can be freed.
	BottomUp          bool
	BottomUpFreeSpace int
	Candidates        []DeleteCandidate
}
