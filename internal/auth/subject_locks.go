package auth

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const subjectLockShards = 32

type subjectLock struct {
	sync.RWMutex
	refs int
}

type subjectLockShard struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

// subjectLocks hands out one RWMutex per subject, alive only while someone
// holds or waits on it. Shard mutexes guard bookkeeping and are never held
// while a subject lock is.
type subjectLocks struct {
	shards [subjectLockShards]subjectLockShard
}

func (s *subjectLocks) shard(subject string) *subjectLockShard {
	return &s.shards[xxhash.Sum64String(subject)%subjectLockShards]
}

func (s *subjectLocks) acquire(subject string) *subjectLock {
	sh := s.shard(subject)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.locks == nil {
		sh.locks = make(map[string]*subjectLock)
	}
	l, ok := sh.locks[subject]
	if !ok {
		l = &subjectLock{}
		sh.locks[subject] = l
	}
	l.refs++
	return l
}

func (s *subjectLocks) release(subject string, l *subjectLock) {
	sh := s.shard(subject)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(sh.locks, subject)
	}
}

// RLock read-locks subject and returns the matching unlock.
func (s *subjectLocks) RLock(subject string) func() {
	l := s.acquire(subject)
	l.RLock()
	return func() {
		l.RUnlock()
		s.release(subject, l)
	}
}

// Lock write-locks subject and returns the matching unlock.
func (s *subjectLocks) Lock(subject string) func() {
	l := s.acquire(subject)
	l.Lock()
	return func() {
		l.Unlock()
		s.release(subject, l)
	}
}

// len reports how many subjects currently have a live lock.
func (s *subjectLocks) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.locks)
		sh.mu.Unlock()
	}
	return n
}
