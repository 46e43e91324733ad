// Package mirror holds the in-memory world image: the channel forest, the
// known sessions, and the ban list. On an edge it is a read-mostly copy fed
// by hub broadcasts; on the hub it is the live image backed by the store.
package mirror

import (
	"fmt"
	"sort"
	"sync"

	"humble/internal/acl"
)

// RootChannel is the id of the tree root; it always exists.
const RootChannel uint32 = 0

// Channel is one node of the channel forest.
type Channel struct {
	ID              uint32
	Parent          uint32
	Name            string
	Description     string
	DescriptionHash []byte
	Position        int32
	MaxUsers        uint32
	Temporary       bool
	InheritACL      bool
	Links           map[uint32]bool
}

func (c *Channel) clone() *Channel {
	cp := *c
	cp.Links = make(map[uint32]bool, len(c.Links))
	for id := range c.Links {
		cp.Links[id] = true
	}
	return &cp
}

// Channels is the channel forest plus per-channel ACLs.
type Channels struct {
	mu   sync.RWMutex
	byID map[uint32]*Channel
	acls map[uint32]*acl.ChannelACL
}

// NewChannels returns a forest containing only the root.
func NewChannels() *Channels {
	c := &Channels{
		byID: make(map[uint32]*Channel),
		acls: make(map[uint32]*acl.ChannelACL),
	}
	c.byID[RootChannel] = &Channel{
		ID:         RootChannel,
		Name:       "Root",
		InheritACL: true,
		Links:      make(map[uint32]bool),
	}
	c.acls[RootChannel] = acl.NewChannelACL(RootChannel)
	return c
}

// Get returns a copy of the channel, or false when it does not exist.
func (cs *Channels) Get(id uint32) (Channel, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byID[id]
	if !ok {
		return Channel{}, false
	}
	return *c.clone(), true
}

// Exists reports whether the channel id is known.
func (cs *Channels) Exists(id uint32) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.byID[id]
	return ok
}

// Len returns the number of channels including the root.
func (cs *Channels) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byID)
}

// Put inserts or replaces a channel. The root cannot be reparented and a
// move may not place a channel under its own subtree.
func (cs *Channels) Put(ch Channel) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if ch.ID != RootChannel {
		if _, ok := cs.byID[ch.Parent]; !ok {
			return fmt.Errorf("mirror: parent channel %d does not exist", ch.Parent)
		}
		if ch.Parent == ch.ID || cs.isDescendantLocked(ch.ID, ch.Parent) {
			return fmt.Errorf("mirror: moving channel %d under %d creates a cycle", ch.ID, ch.Parent)
		}
	} else if ch.Parent != RootChannel {
		return fmt.Errorf("mirror: root channel cannot have a parent")
	}
	if ch.Links == nil {
		ch.Links = make(map[uint32]bool)
	}
	cs.byID[ch.ID] = ch.clone()
	if _, ok := cs.acls[ch.ID]; !ok {
		cs.acls[ch.ID] = acl.NewChannelACL(ch.ID)
	}
	return nil
}

// Remove deletes the channel and its whole subtree, returning every removed
// id in leaves-first order. Removing the root fails.
func (cs *Channels) Remove(id uint32) ([]uint32, error) {
	if id == RootChannel {
		return nil, fmt.Errorf("mirror: cannot remove the root channel")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.byID[id]; !ok {
		return nil, fmt.Errorf("mirror: channel %d does not exist", id)
	}

	var order []uint32
	var walk func(uint32)
	walk = func(cur uint32) {
		for _, c := range cs.byID {
			if c.ID != RootChannel && c.Parent == cur && c.ID != cur {
				walk(c.ID)
			}
		}
		order = append(order, cur)
	}
	walk(id)

	removed := make(map[uint32]bool, len(order))
	for _, rid := range order {
		removed[rid] = true
		delete(cs.byID, rid)
		delete(cs.acls, rid)
	}
	// Drop dangling links held by surviving channels.
	for _, c := range cs.byID {
		for lid := range c.Links {
			if removed[lid] {
				delete(c.Links, lid)
			}
		}
	}
	return order, nil
}

// SetLinks replaces, adds to, or removes from a channel's link set.
func (cs *Channels) SetLinks(id uint32, set, add, remove []uint32) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.byID[id]
	if !ok {
		return fmt.Errorf("mirror: channel %d does not exist", id)
	}
	apply := func(other uint32, on bool) {
		o, ok := cs.byID[other]
		if !ok || other == id {
			return
		}
		if on {
			c.Links[other] = true
			o.Links[id] = true
		} else {
			delete(c.Links, other)
			delete(o.Links, id)
		}
	}
	if set != nil {
		for old := range c.Links {
			apply(old, false)
		}
		for _, n := range set {
			apply(n, true)
		}
	}
	for _, n := range add {
		apply(n, true)
	}
	for _, n := range remove {
		apply(n, false)
	}
	return nil
}

// LinkedWith returns the ids linked to the channel.
func (cs *Channels) LinkedWith(id uint32) []uint32 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.byID[id]
	if !ok {
		return nil
	}
	out := make([]uint32, 0, len(c.Links))
	for lid := range c.Links {
		out = append(out, lid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Children returns the direct children of a channel, sorted by position
// then id.
func (cs *Channels) Children(id uint32) []Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []Channel
	for _, c := range cs.byID {
		if c.ID != RootChannel && c.Parent == id {
			out = append(out, *c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subtree returns the channel and every descendant.
func (cs *Channels) Subtree(id uint32) []uint32 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if _, ok := cs.byID[id]; !ok {
		return nil
	}
	out := []uint32{id}
	for i := 0; i < len(out); i++ {
		for _, c := range cs.byID {
			if c.ID != RootChannel && c.Parent == out[i] {
				out = append(out, c.ID)
			}
		}
	}
	return out
}

// IsDescendant reports whether other sits in the subtree rooted at id.
func (cs *Channels) IsDescendant(id, other uint32) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.isDescendantLocked(id, other)
}

func (cs *Channels) isDescendantLocked(id, other uint32) bool {
	for other != RootChannel {
		c, ok := cs.byID[other]
		if !ok {
			return false
		}
		if c.Parent == id {
			return true
		}
		other = c.Parent
	}
	return id == RootChannel && other != id
}

// Depth returns the number of ancestors above the channel.
func (cs *Channels) Depth(id uint32) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	depth := 0
	for id != RootChannel {
		c, ok := cs.byID[id]
		if !ok {
			return depth
		}
		id = c.Parent
		depth++
	}
	return depth
}

// Chain returns the ACL chain from the root down to the channel, for
// permission evaluation.
func (cs *Channels) Chain(id uint32) []*acl.ChannelACL {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var ids []uint32
	for {
		c, ok := cs.byID[id]
		if !ok {
			return nil
		}
		ids = append(ids, id)
		if id == RootChannel {
			break
		}
		id = c.Parent
	}
	out := make([]*acl.ChannelACL, len(ids))
	for i := range ids {
		out[i] = cs.acls[ids[len(ids)-1-i]]
	}
	return out
}

// ACL returns the rule set of a channel for in-place inspection. The hub
// replaces rule sets wholesale via SetACL; edges never mutate them.
func (cs *Channels) ACL(id uint32) (*acl.ChannelACL, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	a, ok := cs.acls[id]
	return a, ok
}

// SetACL replaces the rule set of a channel and flips its inherit flag.
func (cs *Channels) SetACL(id uint32, a *acl.ChannelACL) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.byID[id]
	if !ok {
		return fmt.Errorf("mirror: channel %d does not exist", id)
	}
	cs.acls[id] = a
	c.InheritACL = a.InheritACL
	return nil
}

// SiblingNameTaken reports whether a direct child of parent already uses
// name, excluding selfID.
func (cs *Channels) SiblingNameTaken(parent uint32, name string, selfID uint32) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, c := range cs.byID {
		if c.ID != RootChannel && c.Parent == parent && c.Name == name && c.ID != selfID {
			return true
		}
	}
	return false
}

// All returns every channel in two-pass dissemination order: sorted so the
// root comes first, then ascending by id. The first pass sends each with
// parent forced to root; the second pass fixes the real parents. The caller
// performs the two passes; this just fixes a stable order.
func (cs *Channels) All() []Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]Channel, 0, len(cs.byID))
	for _, c := range cs.byID {
		out = append(out, *c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
