// Package transaction tracks transaction ids, the set of running
// transactions and the horizon past which removed data may be recycled.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// TransactionID is a 32-bit transaction id as it appears in WAL records.
type TransactionID uint32

const (
	InvalidTransactionID     TransactionID = 0
	BootstrapTransactionID   TransactionID = 1
	FrozenTransactionID      TransactionID = 2
	FirstNormalTransactionID TransactionID = 3
)

// IsNormal reports whether xid is an ordinary (non-special) id.
func (x TransactionID) IsNormal() bool { return x >= FirstNormalTransactionID }

// Precedes compares two xids modulo 2^32, with special ids preceding all
// normal ones.
func Precedes(a, b TransactionID) bool {
	if !a.IsNormal() || !b.IsNormal() {
		return a < b
	}
	return int32(a-b) < 0
}

// FullTransactionID is a 64-bit epoch-qualified transaction id that never
// wraps.
type FullTransactionID uint64

const InvalidFullTransactionID FullTransactionID = 0

func FromEpochAndXid(epoch uint32, xid TransactionID) FullTransactionID {
	return FullTransactionID(uint64(epoch)<<32 | uint64(xid))
}

func (f FullTransactionID) Epoch() uint32      { return uint32(f >> 32) }
func (f FullTransactionID) Xid() TransactionID { return TransactionID(f) }
func (f FullTransactionID) IsValid() bool      { return f != InvalidFullTransactionID }
func (f FullTransactionID) String() string     { return fmt.Sprintf("%d:%d", f.Epoch(), f.Xid()) }

// advance returns the next full xid, skipping the special ids after a
// wraparound of the low word.
func (f FullTransactionID) advance() FullTransactionID {
	f++
	for f.Xid() < FirstNormalTransactionID {
		f++
	}
	return f
}

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	TxnStateRunning TransactionState = iota
	TxnStateCommitted
	TxnStateAborted
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// Transaction is an in-memory record of an assigned transaction id.
type Transaction struct {
	ID    FullTransactionID
	State TransactionState
	done  chan struct{}
}

var (
	ErrUnknownTransaction = errors.New("transaction is not running")
)

// Snapshot pins the removal horizon at its xmin until released.
type Snapshot struct {
	Xmin FullTransactionID
	id   uint64
}

// Manager allocates transaction ids and object ids and answers horizon
// questions for page recycling.
type Manager struct {
	logger *zap.Logger

	mu        sync.Mutex
	nextXid   FullTransactionID
	nextOid   uint32
	running   map[FullTransactionID]*Transaction
	snapshots map[uint64]FullTransactionID
	snapSeq   uint64
}

// NewManager creates a manager whose first assigned xid will be nextXid.
func NewManager(nextXid FullTransactionID, nextOid uint32, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nextXid.Xid() < FirstNormalTransactionID {
		nextXid = FromEpochAndXid(nextXid.Epoch(), FirstNormalTransactionID)
	}
	return &Manager{
		logger:    logger.Named("xact"),
		nextXid:   nextXid,
		nextOid:   nextOid,
		running:   make(map[FullTransactionID]*Transaction),
		snapshots: make(map[uint64]FullTransactionID),
	}
}

// Begin assigns a new transaction id.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &Transaction{ID: m.nextXid, State: TxnStateRunning, done: make(chan struct{})}
	m.nextXid = m.nextXid.advance()
	m.running[txn.ID] = txn
	return txn
}

// Commit ends a transaction successfully.
func (m *Manager) Commit(id FullTransactionID) error { return m.end(id, TxnStateCommitted) }

// Abort ends a transaction unsuccessfully.
func (m *Manager) Abort(id FullTransactionID) error { return m.end(id, TxnStateAborted) }

func (m *Manager) end(id FullTransactionID, state TransactionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.running[id]
	if !ok {
		return fmt.Errorf("failed to end transaction %s: %w", id, ErrUnknownTransaction)
	}
	txn.State = state
	delete(m.running, id)
	close(txn.done)
	return nil
}

// IsInProgress reports whether the transaction with the given 32-bit xid
// is still running.
func (m *Manager) IsInProgress(xid TransactionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.running {
		if id.Xid() == xid {
			return true
		}
	}
	return false
}

// Wait blocks until the transaction with xid ends or ctx is done.
func (m *Manager) Wait(ctx context.Context, xid TransactionID) error {
	m.mu.Lock()
	var done chan struct{}
	for id, txn := range m.running {
		if id.Xid() == xid {
			done = txn.done
			break
		}
	}
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextFullXid returns the id the next Begin will assign.
func (m *Manager) NextFullXid() FullTransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextXid
}

// AdvanceNextXid moves the next xid past xid, as seen in a replayed WAL
// record. The epoch is inferred relative to the current next xid.
func (m *Manager) AdvanceNextXid(xid TransactionID) {
	if !xid.IsNormal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextXid.Xid()
	if Precedes(xid, next) {
		return
	}
	epoch := m.nextXid.Epoch()
	if xid < next {
		// xid wrapped past the end of the current epoch
		epoch++
	}
	m.nextXid = FromEpochAndXid(epoch, xid).advance()
}

// SetNextXid overrides the next xid, used when loading a checkpoint.
func (m *Manager) SetNextXid(next FullTransactionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextXid = next
}

// NextOid returns the next object id to be assigned.
func (m *Manager) NextOid() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextOid
}

// SetNextOid overrides the next object id.
func (m *Manager) SetNextOid(oid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOid = oid
}

// AssignOid hands out a new object id.
func (m *Manager) AssignOid() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	oid := m.nextOid
	m.nextOid++
	return oid
}

// TakeSnapshot pins the horizon at the oldest running transaction.
func (m *Manager) TakeSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapSeq++
	s := &Snapshot{Xmin: m.oldestRunningLocked(), id: m.snapSeq}
	m.snapshots[s.id] = s.Xmin
	return s
}

// ReleaseSnapshot lets the horizon move past the snapshot.
func (m *Manager) ReleaseSnapshot(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, s.id)
}

func (m *Manager) oldestRunningLocked() FullTransactionID {
	oldest := m.nextXid
	for id := range m.running {
		if id < oldest {
			oldest = id
		}
	}
	return oldest
}

// Horizon returns the oldest xid any running transaction or snapshot may
// still consider running.
func (m *Manager) Horizon() FullTransactionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.oldestRunningLocked()
	for _, xmin := range m.snapshots {
		if xmin < h {
			h = xmin
		}
	}
	return h
}

// GlobalVisCheckRemovable reports whether no transaction or snapshot can
// still see data deleted as of fxid.
func (m *Manager) GlobalVisCheckRemovable(fxid FullTransactionID) bool {
	return fxid < m.Horizon()
}
