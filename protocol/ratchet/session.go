package ratchet

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// session holds the single live state of a tuple. mu serializes every
// operation on the tuple.
type session struct {
	mu      sync.Mutex
	state   *State
	evicted bool
}

// sessionCache bounds the number of live tuples. Evicted states are wiped.
type sessionCache struct {
	mu    sync.Mutex
	cache *lru.Cache[Tuple, *session]
}

func newSessionCache(size int) (*sessionCache, error) {
	cache, err := lru.NewWithEvict[Tuple, *session](size, func(_ Tuple, s *session) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.evicted = true
		if s.state != nil {
			s.state.Wipe()
			s.state = nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &sessionCache{cache: cache}, nil
}

// acquire returns the locked session of t, creating it if needed. The caller
// must unlock s.mu.
func (c *sessionCache) acquire(t Tuple) *session {
	for {
		c.mu.Lock()
		s, ok := c.cache.Get(t)
		if !ok {
			s = &session{}
			c.cache.Add(t, s)
		}
		c.mu.Unlock()

		s.mu.Lock()
		if !s.evicted {
			return s
		}
		s.mu.Unlock()
	}
}

// drop evicts t, wiping its state.
func (c *sessionCache) drop(t Tuple) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(t)
}

func (c *sessionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}
