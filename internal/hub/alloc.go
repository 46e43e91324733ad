package hub

import (
	"errors"
	"math"
	"sync"
)

// ErrSessionsExhausted means every usable session id is currently live.
var ErrSessionsExhausted = errors.New("hub: session id space exhausted")

// sessionAllocator hands out cluster-unique session ids. Ids are never
// reused while live, and allocation walks forward so a freed id is not
// handed out again until the space wraps.
type sessionAllocator struct {
	mu   sync.Mutex
	next uint32
	live map[uint32]bool
}

func newSessionAllocator() *sessionAllocator {
	return &sessionAllocator{next: 1, live: make(map[uint32]bool)}
}

// Allocate reserves the next free id. Id 0 is never handed out; the voice
// layer uses it as "no session".
func (a *sessionAllocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.live) >= math.MaxUint32-1 {
		return 0, ErrSessionsExhausted
	}
	for {
		id := a.next
		a.next++
		if a.next == 0 {
			a.next = 1
		}
		if id == 0 || a.live[id] {
			continue
		}
		a.live[id] = true
		return id, nil
	}
}

// Release frees a live id.
func (a *sessionAllocator) Release(id uint32) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()
}

// Live reports whether an id is currently allocated.
func (a *sessionAllocator) Live(id uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live[id]
}
