// Package forward implements the forwarded-query table of spec.md §3: a
// keyed store mapping a freshly minted DNS id to the original requester's
// address, so a reply relayed back from a sibling resolver can be routed
// to whoever actually asked.
package forward

import (
	"net"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// DefaultTTL bounds how long a forwarded query may sit unanswered before
// its slot is reclaimed, mirroring the per-user query timeout used
// elsewhere in the core.
const DefaultTTL = 10 * time.Second

// Table maps a relayed query's rewritten id to the original requester.
type Table struct {
	c *cache.Cache
}

// Entry is what gets restored when a forwarded reply comes back.
type Entry struct {
	OriginalID uint16
	Requester  net.Addr
}

// New creates a Table whose entries expire after ttl if never relayed
// back (cleanup sweep runs at ttl*2, go-cache's convention).
func New(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{c: cache.New(ttl, ttl*2)}
}

func key(id uint16) string {
	return string([]byte{byte(id >> 8), byte(id)})
}

// Put remembers that newID was minted to relay originalID/requester to the
// sibling resolver.
func (t *Table) Put(newID, originalID uint16, requester net.Addr) {
	t.c.Set(key(newID), Entry{OriginalID: originalID, Requester: requester}, cache.DefaultExpiration)
}

// Take removes and returns the entry for newID, if present: entries are
// one-shot, consumed exactly once when the relayed reply arrives.
func (t *Table) Take(newID uint16) (Entry, bool) {
	v, ok := t.c.Get(key(newID))
	if !ok {
		return Entry{}, false
	}
	t.c.Delete(key(newID))
	return v.(Entry), true
}
