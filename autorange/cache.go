package autorange

import "sync"

// GainCache remembers the last known-good gain index per amplifier,
// keyed by counting device then gain identity.  Seeding a new autoscale
// from the previous result converges much faster than starting cold.
//
// The cache is a best-effort hint, never authoritative: entries are
// written only after a successful gain readback, last write wins, and
// nothing persists across process restarts.  Pass one instance by
// reference to every coordinator rather than relying on global state.
type GainCache struct {
	mu sync.Mutex
	m  map[string]map[string]int
}

// NewGainCache returns an empty cache.
func NewGainCache() *GainCache {
	return &GainCache{m: map[string]map[string]int{}}
}

// Lookup returns the cached gain index for the given counter and gain
// identity, if one is known.
func (c *GainCache) Lookup(counter, id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.m[counter]
	if !ok {
		return 0, false
	}
	idx, ok := sub[id]
	return idx, ok
}

// Store records the gain index for the given counter and gain identity.
func (c *GainCache) Store(counter, id string, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.m[counter]
	if !ok {
		sub = map[string]int{}
		c.m[counter] = sub
	}
	sub[id] = index
}

// Snapshot returns a copy of the cache contents, for diagnostics.
func (c *GainCache) Snapshot() map[string]map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int, len(c.m))
	for k, sub := range c.m {
		cp := make(map[string]int, len(sub))
		for id, idx := range sub {
			cp[id] = idx
		}
		out[k] = cp
	}
	return out
}
