// Package locks holds the per-user write lock table for DAV LOCK
// semantics. Locks expire after a fixed interval; stale entries are
// evicted on the next access to the same user's table.
package locks

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultTTL = 30 * time.Minute

type Lock struct {
	Token   string
	Owner   string
	Path    string
	Created time.Time
}

type Table struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	users map[string]map[string]*Lock
}

func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{
		ttl:   ttl,
		now:   time.Now,
		users: make(map[string]map[string]*Lock),
	}
}

// Acquire takes the lock on path for user. When another unexpired lock
// holds the path, the existing lock is returned with ok=false.
func (t *Table) Acquire(user, path string) (*Lock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	locks := t.evict(user)
	if existing, held := locks[path]; held {
		return existing, false
	}
	l := &Lock{
		Token:   "opaquelocktoken:" + uuid.NewString(),
		Owner:   user,
		Path:    path,
		Created: t.now(),
	}
	locks[path] = l
	return l, true
}

// Get returns the unexpired lock on path, or nil.
func (t *Table) Get(user, path string) *Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evict(user)[path]
}

// Release removes the lock when the token matches.
func (t *Table) Release(user, path, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	locks := t.evict(user)
	l, held := locks[path]
	if !held || l.Token != token {
		return false
	}
	delete(locks, path)
	return true
}

func (t *Table) evict(user string) map[string]*Lock {
	locks := t.users[user]
	if locks == nil {
		locks = make(map[string]*Lock)
		t.users[user] = locks
	}
	cutoff := t.now().Add(-t.ttl)
	for path, l := range locks {
		if l.Created.Before(cutoff) {
			delete(locks, path)
		}
	}
	return locks
}
