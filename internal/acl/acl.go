// Package acl models channel access rules and evaluates effective
// permissions. The hub evaluates authoritatively before every mutation; an
// edge evaluates the same rules against its mirror for PermissionQuery
// answers and suppress recomputation.
package acl

// Permission is a bit in the 32-bit permission mask.
type Permission uint32

const (
	None            Permission = 0
	Write           Permission = 1 << 0
	Traverse        Permission = 1 << 1
	Enter           Permission = 1 << 2
	Speak           Permission = 1 << 3
	Whisper         Permission = 1 << 4
	MuteDeafen      Permission = 1 << 5
	Move            Permission = 1 << 6
	MakeChannel     Permission = 1 << 7
	MakeTempChannel Permission = 1 << 8
	LinkChannel     Permission = 1 << 9
	TextMessage     Permission = 1 << 10
	Kick            Permission = 1 << 11
	Ban             Permission = 1 << 12
	Register        Permission = 1 << 13
	SelfRegister    Permission = 1 << 14

	// All is every permission bit a rule can grant.
	All = Write | Traverse | Enter | Speak | Whisper | MuteDeafen | Move |
		MakeChannel | MakeTempChannel | LinkChannel | TextMessage |
		Kick | Ban | Register | SelfRegister
)

// Default is the mask a user holds on a channel with no applicable rules.
const Default = Traverse | Enter | Speak | Whisper | TextMessage

// Has reports whether mask contains every bit of p.
func (mask Permission) Has(p Permission) bool { return mask&p == p }

// NoUser marks a rule or context without a registered user id.
const NoUser int32 = -1

// Rule is one access entry attached to a channel.
type Rule struct {
	// ApplyHere applies the rule on the owning channel itself.
	ApplyHere bool
	// ApplySubs propagates the rule into descendant channels.
	ApplySubs bool
	// UserID selects a registered user, or NoUser when Group selects.
	UserID int32
	// Group selects a channel group by name; empty when UserID selects.
	Group string
	Allow Permission
	Deny  Permission
}

// Group is a named member set scoped to a channel.
type Group struct {
	Name string
	// Inherit pulls in members from the closest ancestor definition.
	Inherit bool
	// Inheritable lets descendants inherit this definition's members.
	Inheritable bool
	Add         []int32
	Remove      []int32
}

// ChannelACL is the full rule set of one channel.
type ChannelACL struct {
	ChannelID uint32
	// InheritACL controls whether entries from ancestors apply here.
	InheritACL bool
	Rules      []Rule
	Groups     map[string]*Group
}

// NewChannelACL returns an empty rule set that inherits from its parent.
func NewChannelACL(channelID uint32) *ChannelACL {
	return &ChannelACL{
		ChannelID:  channelID,
		InheritACL: true,
		Groups:     make(map[string]*Group),
	}
}

// Context identifies the user being evaluated.
type Context struct {
	// UserID is the registered user id, or NoUser for anonymous sessions.
	UserID int32
	// Tokens are the access tokens presented at authentication.
	Tokens []string
	// Groups are cluster-wide group memberships granted at registration,
	// checked before any per-channel definition.
	Groups []string
}

// IsMember resolves membership of the context's user in the named group,
// evaluated at position idx of the root-to-target chain. A group definition
// in a closer ancestor shadows a farther one; Inherit and Inheritable flags
// govern whether members flow across definitions.
func IsMember(chain []*ChannelACL, idx int, name string, ctx Context) bool {
	switch name {
	case "all":
		return true
	case "auth":
		return ctx.UserID > 0
	case "none":
		return false
	}
	if name == "" {
		return false
	}
	if len(name) > 0 && name[0] == '!' {
		return !IsMember(chain, idx, name[1:], ctx)
	}
	if len(name) > 0 && name[0] == '#' {
		// Access-token group: membership is presenting the token.
		want := name[1:]
		for _, tok := range ctx.Tokens {
			if tok == want {
				return true
			}
		}
		return false
	}
	for _, g := range ctx.Groups {
		if g == name {
			return true
		}
	}
	if ctx.UserID == NoUser {
		return false
	}

	members := make(map[int32]bool)
	defined := false
	inheritableAbove := true
	for i := 0; i <= idx && i < len(chain); i++ {
		g, ok := chain[i].Groups[name]
		if !ok {
			continue
		}
		if !g.Inherit || !inheritableAbove {
			// Definition does not pull in (or may not receive) members
			// from above; start from an empty set.
			members = make(map[int32]bool)
		}
		for _, id := range g.Add {
			members[id] = true
		}
		for _, id := range g.Remove {
			delete(members, id)
		}
		defined = true
		inheritableAbove = g.Inheritable
	}
	if !defined {
		return false
	}
	return members[ctx.UserID]
}

// Evaluate computes the effective permission mask for ctx on the last
// channel of chain (root first). Rules apply root to target; each matching
// rule folds in as effective = effective &^ deny | allow. A channel with
// InheritACL=false discards entries inherited from above it.
func Evaluate(chain []*ChannelACL, ctx Context) Permission {
	if len(chain) == 0 {
		return Default
	}

	// Find the closest cut: inherited entries only flow from channels at or
	// after the last InheritACL=false channel.
	start := 0
	for i := 1; i < len(chain); i++ {
		if !chain[i].InheritACL {
			start = i
		}
	}

	target := len(chain) - 1
	effective := Default
	for i := start; i < len(chain); i++ {
		for _, r := range chain[i].Rules {
			onTarget := i == target
			if onTarget && !r.ApplyHere {
				continue
			}
			if !onTarget && !r.ApplySubs {
				continue
			}
			if r.Group != "" {
				if !IsMember(chain, i, r.Group, ctx) {
					continue
				}
			} else if r.UserID == NoUser || r.UserID != ctx.UserID {
				continue
			}
			effective = effective&^r.Deny | r.Allow
		}
	}
	return effective
}

// HasPermission is Evaluate followed by a bit test, with the superuser
// shortcut: Write anywhere on the chain's root grants everything except
// on-root Speak semantics, which callers handle separately.
func HasPermission(chain []*ChannelACL, ctx Context, p Permission) bool {
	eff := Evaluate(chain, ctx)
	if eff.Has(Write) {
		return true
	}
	// Write on the root makes the user an administrator everywhere.
	if len(chain) > 1 && Evaluate(chain[:1], ctx).Has(Write) {
		return true
	}
	return eff.Has(p)
}

// QueryRules flattens the rules visible on the target channel the way an
// ACL query reports them: inherited entries first (marked), then the
// channel's own. Entries above an InheritACL=false cut are excluded.
func QueryRules(chain []*ChannelACL) []Rule {
	if len(chain) == 0 {
		return nil
	}
	start := 0
	for i := 1; i < len(chain); i++ {
		if !chain[i].InheritACL {
			start = i
		}
	}
	target := len(chain) - 1
	var out []Rule
	for i := start; i < target; i++ {
		for _, r := range chain[i].Rules {
			if !r.ApplySubs {
				continue
			}
			inherited := r
			inherited.ApplyHere = r.ApplyHere
			out = append(out, inherited)
		}
	}
	out = append(out, chain[target].Rules...)
	return out
}

// InheritedAt reports, for each rule returned by QueryRules, whether it came
// from an ancestor. Kept separate so the wire layer can set the inherited
// flag without the evaluator knowing about protobuf.
func InheritedAt(chain []*ChannelACL) []bool {
	if len(chain) == 0 {
		return nil
	}
	start := 0
	for i := 1; i < len(chain); i++ {
		if !chain[i].InheritACL {
			start = i
		}
	}
	target := len(chain) - 1
	var out []bool
	for i := start; i < target; i++ {
		for _, r := range chain[i].Rules {
			if !r.ApplySubs {
				continue
			}
			out = append(out, true)
		}
	}
	for range chain[target].Rules {
		out = append(out, false)
	}
	return out
}
