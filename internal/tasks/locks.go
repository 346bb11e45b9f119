// ABOUTME: Per-task reader/writer locks created on demand and dropped when idle
// ABOUTME: Serializes mutations of one task while other tasks proceed in parallel

package tasks

import "sync"

type taskLock struct {
	sync.RWMutex
	refs int
}

type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*taskLock)}
}

func (k *taskLocks) acquire(uid string) *taskLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[uid]
	if !ok {
		l = &taskLock{}
		k.locks[uid] = l
	}
	l.refs++
	return l
}

func (k *taskLocks) release(uid string, l *taskLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, uid)
	}
}

// lock takes the write lock for uid and returns its release.
func (k *taskLocks) lock(uid string) func() {
	l := k.acquire(uid)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(uid, l)
	}
}

// rlock takes the read lock for uid and returns its release.
func (k *taskLocks) rlock(uid string) func() {
	l := k.acquire(uid)
	l.RLock()
	return func() {
		l.RUnlock()
		k.release(uid, l)
	}
}

// size reports how many tasks currently have a lock entry.
func (k *taskLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
