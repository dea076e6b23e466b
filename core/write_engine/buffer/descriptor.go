package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sushant-115/gojocore/core/storage_engine/smgr"
	pagemanager "github.com/sushant-115/gojocore/core/write_engine/page_manager"
	commonutils "github.com/sushant-115/gojocore/internal/common_utils"
)

// BufferTag names the page cached in a frame.
type BufferTag struct {
	Rel   smgr.RelFileLocator
	Fork  smgr.ForkNumber
	Block pagemanager.BlockNumber
}

func (t BufferTag) String() string {
	return fmt.Sprintf("%s/%s/%d", t.Rel, t.Fork, t.Block)
}

// The state word packs the pin count, the usage count and the flag bits so
// that pinning and unpinning can be done with a single CAS.
const (
	refCountBits = 18
	usageBits    = 4

	refCountOne  uint32 = 1
	refCountMask uint32 = (1 << refCountBits) - 1
	usageOne     uint32 = 1 << refCountBits
	usageShift          = refCountBits
	usageMask    uint32 = ((1 << usageBits) - 1) << refCountBits
	flagShift           = refCountBits + usageBits

	maxUsageCount = 5
)

// Buffer state flags.
const (
	bmLocked           uint32 = 1 << (flagShift + 0)
	bmDirty            uint32 = 1 << (flagShift + 1)
	bmValid            uint32 = 1 << (flagShift + 2)
	bmTagValid         uint32 = 1 << (flagShift + 3)
	bmIOInProgress     uint32 = 1 << (flagShift + 4)
	bmIOError          uint32 = 1 << (flagShift + 5)
	bmJustDirtied      uint32 = 1 << (flagShift + 6)
	bmPinCountWaiter   uint32 = 1 << (flagShift + 7)
	bmCheckpointNeeded uint32 = 1 << (flagShift + 8)
	bmPermanent        uint32 = 1 << (flagShift + 9)
)

func refCount(state uint32) uint32   { return state & refCountMask }
func usageCount(state uint32) uint32 { return (state & usageMask) >> usageShift }

const freeNextNotInList = -2
const freeNextEndOfList = -1

// descriptor is the shared bookkeeping for one frame.
type descriptor struct {
	id    int
	tag   BufferTag // protected by the header lock
	state atomic.Uint32

	freeNext int // protected by the strategy lock

	content contentLock

	ioMu   sync.Mutex
	ioCond *sync.Cond

	pinMu       sync.Mutex
	pinCond     *sync.Cond
	pinSignaled bool
}

func newDescriptor(id int) *descriptor {
	d := &descriptor{id: id, freeNext: id + 1}
	d.ioCond = sync.NewCond(&d.ioMu)
	d.pinCond = sync.NewCond(&d.pinMu)
	d.content.init()
	return d
}

// lockHeader acquires the header spinlock and returns the state with the
// lock bit set.
func (d *descriptor) lockHeader() uint32 {
	var delay commonutils.SpinDelay
	for {
		old := d.state.Load()
		if old&bmLocked == 0 && d.state.CompareAndSwap(old, old|bmLocked) {
			return old | bmLocked
		}
		delay.Wait()
	}
}

// unlockHeader publishes state and releases the header spinlock.
func (d *descriptor) unlockHeader(state uint32) {
	d.state.Store(state &^ bmLocked)
}

// waitHeaderUnlocked spins until the header lock is free and returns the
// observed state.
func (d *descriptor) waitHeaderUnlocked() uint32 {
	var delay commonutils.SpinDelay
	for {
		state := d.state.Load()
		if state&bmLocked == 0 {
			return state
		}
		delay.Wait()
	}
}

// pin increments the pin count and bumps the usage count. It reports
// whether the buffer held valid contents at the time.
func (d *descriptor) pin() bool {
	old := d.state.Load()
	for {
		if old&bmLocked != 0 {
			old = d.waitHeaderUnlocked()
		}
		next := old + refCountOne
		if usageCount(next) < maxUsageCount {
			next += usageOne
		}
		if d.state.CompareAndSwap(old, next) {
			return next&bmValid != 0
		}
		old = d.state.Load()
	}
}

// pinLocked pins a buffer whose header lock the caller holds and releases
// the lock.
func (d *descriptor) pinLocked(state uint32) {
	d.unlockHeader(state + refCountOne)
}

// unpin drops one pin and returns the remaining pin count. A cleanup-lock
// waiter is woken when only its own pin is left.
func (d *descriptor) unpin() uint32 {
	old := d.state.Load()
	var next uint32
	for {
		if old&bmLocked != 0 {
			old = d.waitHeaderUnlocked()
		}
		if refCount(old) == 0 {
			panic(fmt.Sprintf("buffer %d: unpin of unpinned buffer", d.id+1))
		}
		next = old - refCountOne
		if d.state.CompareAndSwap(old, next) {
			break
		}
		old = d.state.Load()
	}
	if next&bmPinCountWaiter != 0 {
		state := d.lockHeader()
		if state&bmPinCountWaiter != 0 && refCount(state) == 1 {
			state &^= bmPinCountWaiter
			d.unlockHeader(state)
			d.pinMu.Lock()
			d.pinSignaled = true
			d.pinCond.Broadcast()
			d.pinMu.Unlock()
		} else {
			d.unlockHeader(state)
		}
	}
	return refCount(next)
}

// setFlags ORs bits into the state word without taking the header lock.
func (d *descriptor) setFlags(bits uint32) uint32 {
	old := d.state.Load()
	for {
		if old&bmLocked != 0 {
			old = d.waitHeaderUnlocked()
		}
		if d.state.CompareAndSwap(old, old|bits) {
			return old
		}
		old = d.state.Load()
	}
}
