package selection

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// sessionCache stores sessions with a TTL measured from the last write.
// Reads do not extend a session's life. Past size entries the least recently
// used session is evicted early; onExpire tells the two cases apart.
type sessionCache struct {
	lru   *expirable.LRU[string, session]
	locks keyedMutex

	mu       sync.Mutex
	finished map[string]struct{}
}

func newSessionCache(size int, ttl time.Duration, onExpire func(token string, s session, evicted bool)) *sessionCache {
	c := &sessionCache{finished: map[string]struct{}{}}
	c.lru = expirable.NewLRU[string, session](size, func(token string, s session) {
		c.mu.Lock()
		_, done := c.finished[token]
		delete(c.finished, token)
		c.mu.Unlock()
		if !done && onExpire != nil {
			onExpire(token, s, time.Since(s.written) < ttl)
		}
	}, ttl)
	return c
}

func (c *sessionCache) get(token string) (session, bool) { return c.lru.Get(token) }

func (c *sessionCache) put(token string, s session) {
	s.written = time.Now()
	c.lru.Add(token, s)
}

// finish removes a completed session without reporting it as expired.
func (c *sessionCache) finish(token string) {
	c.mu.Lock()
	c.finished[token] = struct{}{}
	c.mu.Unlock()
	if !c.lru.Remove(token) {
		c.mu.Lock()
		delete(c.finished, token)
		c.mu.Unlock()
	}
}

func (c *sessionCache) len() int { return c.lru.Len() }

// has reports a live (unexpired) session.
func (c *sessionCache) has(token string) bool {
	_, ok := c.lru.Peek(token)
	return ok
}

// keyedMutex serializes work per key. Entries are reference counted and
// dropped once the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
