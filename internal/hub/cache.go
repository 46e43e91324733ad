package hub

import (
	"time"

	"humble/internal/hublink"
)

// cachedBroadcast is one sequenced notification retained for replay after an
// edge reconnects.
type cachedBroadcast struct {
	method  string
	payload hublink.Broadcast
	at      time.Time
}

// broadcastCache is a bounded, append-only window over the newest sequenced
// broadcasts sent to one edge. Entries age out by count and by time; a
// reconnecting edge that fell behind the window must full-sync instead.
type broadcastCache struct {
	cap     int
	ttl     time.Duration
	entries []cachedBroadcast
}

func newBroadcastCache(capacity int, ttl time.Duration) *broadcastCache {
	return &broadcastCache{cap: capacity, ttl: ttl}
}

// Append records one broadcast. The payload must already carry its sequence
// number; appends arrive in strictly increasing order.
func (c *broadcastCache) Append(method string, b hublink.Broadcast, now time.Time) {
	c.entries = append(c.entries, cachedBroadcast{method: method, payload: b, at: now})
	cutoff := now.Add(-c.ttl)
	drop := 0
	for drop < len(c.entries) && (len(c.entries)-drop > c.cap || c.entries[drop].at.Before(cutoff)) {
		drop++
	}
	if drop > 0 {
		c.entries = append(c.entries[:0], c.entries[drop:]...)
	}
}

// Since returns the retained broadcasts with a sequence above since, oldest
// first.
func (c *broadcastCache) Since(since uint64) []cachedBroadcast {
	i := 0
	for i < len(c.entries) && c.entries[i].payload.Seq <= since {
		i++
	}
	out := make([]cachedBroadcast, len(c.entries)-i)
	copy(out, c.entries[i:])
	return out
}

// Len returns the number of retained entries.
func (c *broadcastCache) Len() int { return len(c.entries) }
