package edge

import (
	"sync"

	"humble/internal/mumbleproto"
)

// Whisper target slot range. Slot 0 is normal talking and 31 is loopback;
// only 1..30 are configurable.
const (
	minWhisperTarget = 1
	maxWhisperTarget = 30
)

// voiceTargets holds one client's configured whisper slots.
type voiceTargets struct {
	mu    sync.RWMutex
	slots map[uint8][]mumbleproto.VoiceTargetEntry
}

// Set replaces a slot. An empty entry list clears it.
func (t *voiceTargets) Set(id uint8, entries []mumbleproto.VoiceTargetEntry) {
	if id < minWhisperTarget || id > maxWhisperTarget {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(entries) == 0 {
		delete(t.slots, id)
		return
	}
	if t.slots == nil {
		t.slots = make(map[uint8][]mumbleproto.VoiceTargetEntry)
	}
	t.slots[id] = entries
}

// Get returns the entries of a slot, or nil when unset.
func (t *voiceTargets) Get(id uint8) []mumbleproto.VoiceTargetEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[id]
}
