package mirror

import (
	"sort"
	"sync"
)

// Session is the cluster-wide view of one connected user. EdgeID names the
// node terminating the user's connection; everything else is the state the
// hub has broadcast for the session.
type Session struct {
	ID        uint32
	EdgeID    string
	Name      string
	UserID    int32
	ChannelID uint32

	Mute            bool
	Deaf            bool
	Suppress        bool
	SelfMute        bool
	SelfDeaf        bool
	PrioritySpeaker bool
	Recording       bool

	CertHash    string
	Comment     string
	CommentHash []byte
	Texture     []byte
	TextureHash []byte

	// Listening holds the channels this session hears without occupying.
	Listening map[uint32]bool
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Listening = make(map[uint32]bool, len(s.Listening))
	for id := range s.Listening {
		cp.Listening[id] = true
	}
	return &cp
}

// Sessions indexes the known sessions by id.
type Sessions struct {
	mu   sync.RWMutex
	byID map[uint32]*Session
}

func NewSessions() *Sessions {
	return &Sessions{byID: make(map[uint32]*Session)}
}

// Get returns a copy of the session, or false when unknown.
func (ss *Sessions) Get(id uint32) (Session, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.byID[id]
	if !ok {
		return Session{}, false
	}
	return *s.clone(), true
}

// Put inserts or replaces a session.
func (ss *Sessions) Put(s Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s.Listening == nil {
		s.Listening = make(map[uint32]bool)
	}
	ss.byID[s.ID] = s.clone()
}

// Update applies fn to the session in place under the write lock. It returns
// false when the session is unknown.
func (ss *Sessions) Update(id uint32, fn func(*Session)) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byID[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// Remove drops a session; it reports whether it existed.
func (ss *Sessions) Remove(id uint32) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.byID[id]
	delete(ss.byID, id)
	return ok
}

// Len returns the number of known sessions.
func (ss *Sessions) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.byID)
}

// ByName returns the session with the given name, matching case-sensitively.
func (ss *Sessions) ByName(name string) (Session, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	for _, s := range ss.byID {
		if s.Name == name {
			return *s.clone(), true
		}
	}
	return Session{}, false
}

// ByUserID returns the session of a registered user, if connected.
func (ss *Sessions) ByUserID(userID int32) (Session, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	for _, s := range ss.byID {
		if s.UserID == userID && userID >= 0 {
			return *s.clone(), true
		}
	}
	return Session{}, false
}

// InChannel returns the sessions occupying a channel, sorted by id.
func (ss *Sessions) InChannel(channelID uint32) []Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var out []Session
	for _, s := range ss.byID {
		if s.ChannelID == channelID {
			out = append(out, *s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CountInChannel returns how many sessions occupy a channel.
func (ss *Sessions) CountInChannel(channelID uint32) int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	n := 0
	for _, s := range ss.byID {
		if s.ChannelID == channelID {
			n++
		}
	}
	return n
}

// ListeningTo returns the sessions with a listener on the channel.
func (ss *Sessions) ListeningTo(channelID uint32) []Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var out []Session
	for _, s := range ss.byID {
		if s.Listening[channelID] {
			out = append(out, *s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnEdge returns the session ids terminated by a given edge, sorted.
func (ss *Sessions) OnEdge(edgeID string) []uint32 {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	var out []uint32
	for _, s := range ss.byID {
		if s.EdgeID == edgeID {
			out = append(out, s.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RemoveEdge drops every session of an edge and returns the removed copies,
// for the hub's departure broadcast after an edge dies.
func (ss *Sessions) RemoveEdge(edgeID string) []Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var out []Session
	for id, s := range ss.byID {
		if s.EdgeID == edgeID {
			out = append(out, *s.clone())
			delete(ss.byID, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All returns a copy of every session, sorted by id.
func (ss *Sessions) All() []Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	out := make([]Session, 0, len(ss.byID))
	for _, s := range ss.byID {
		out = append(out, *s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
