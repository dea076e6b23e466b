package buffer

import "sync"

// LockMode selects how LockBuffer acquires or releases a content lock.
type LockMode int

const (
	LockUnlock LockMode = iota
	LockShare
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockShare:
		return "share"
	case LockExclusive:
		return "exclusive"
	default:
		return "unlock"
	}
}

// contentLock is a reader-writer lock that remembers how it is held, so a
// single Unlock can release either mode. Waiting writers block new readers.
type contentLock struct {
	mu             sync.Mutex
	cond           *sync.Cond
	readers        int
	writer         bool
	waitingWriters int
}

func (l *contentLock) init() {
	l.cond = sync.NewCond(&l.mu)
}

func (l *contentLock) lock(mode LockMode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode == LockExclusive {
		l.waitingWriters++
		for l.writer || l.readers > 0 {
			l.cond.Wait()
		}
		l.waitingWriters--
		l.writer = true
		return
	}
	for l.writer || l.waitingWriters > 0 {
		l.cond.Wait()
	}
	l.readers++
}

func (l *contentLock) tryLock(mode LockMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if mode == LockExclusive {
		if l.writer || l.readers > 0 {
			return false
		}
		l.writer = true
		return true
	}
	if l.writer || l.waitingWriters > 0 {
		return false
	}
	l.readers++
	return true
}

func (l *contentLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.writer:
		l.writer = false
	case l.readers > 0:
		l.readers--
	default:
		panic("content lock is not held")
	}
	l.cond.Broadcast()
}

// heldExclusive reports whether some holder has the lock exclusively.
func (l *contentLock) heldExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer
}

func (l *contentLock) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer || l.readers > 0
}
