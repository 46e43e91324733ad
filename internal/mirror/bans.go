package mirror

import (
	"net"
	"sync"
	"time"
)

// Ban is one ban list entry. IP bans match an address prefix; hash bans
// match a certificate fingerprint. An entry may carry both.
type Ban struct {
	IP       net.IP
	Mask     int
	Name     string
	CertHash string
	Reason   string
	Start    time.Time
	// Duration zero means permanent.
	Duration time.Duration
}

// Expired reports whether a timed ban has run out at the given instant.
func (b Ban) Expired(now time.Time) bool {
	return b.Duration > 0 && now.After(b.Start.Add(b.Duration))
}

// MatchIP reports whether addr falls inside the banned prefix.
func (b Ban) MatchIP(addr net.IP) bool {
	if b.IP == nil || addr == nil {
		return false
	}
	ip := b.IP.To16()
	other := addr.To16()
	if ip == nil || other == nil {
		return false
	}
	mask := b.Mask
	if mask <= 0 || mask > 128 {
		mask = 128
	}
	// A v4 ban stored as 4 bytes uses a 0-32 mask; lift it to the
	// v4-in-v6 range.
	if b.IP.To4() != nil && b.Mask <= 32 {
		mask = b.Mask + 96
		if b.Mask == 0 {
			mask = 128
		}
	}
	m := net.CIDRMask(mask, 128)
	return ip.Mask(m).Equal(other.Mask(m))
}

// Bans is the mirrored ban list.
type Bans struct {
	mu      sync.RWMutex
	entries []Ban
}

func NewBans() *Bans {
	return &Bans{}
}

// Replace swaps in a full new list, as sent by a BanList save or a sync.
func (bs *Bans) Replace(entries []Ban) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.entries = append([]Ban(nil), entries...)
}

// Add appends one entry.
func (bs *Bans) Add(b Ban) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.entries = append(bs.entries, b)
}

// All returns a copy of the list.
func (bs *Bans) All() []Ban {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]Ban(nil), bs.entries...)
}

// Len returns the number of entries.
func (bs *Bans) Len() int {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return len(bs.entries)
}

// Match returns the first unexpired entry matching the address or the
// certificate fingerprint.
func (bs *Bans) Match(addr net.IP, certHash string, now time.Time) (Ban, bool) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	for _, b := range bs.entries {
		if b.Expired(now) {
			continue
		}
		if b.MatchIP(addr) {
			return b, true
		}
		if b.CertHash != "" && certHash != "" && b.CertHash == certHash {
			return b, true
		}
	}
	return Ban{}, false
}

// Prune drops expired entries and reports how many were removed.
func (bs *Bans) Prune(now time.Time) int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	kept := bs.entries[:0]
	removed := 0
	for _, b := range bs.entries {
		if b.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	bs.entries = kept
	return removed
}
