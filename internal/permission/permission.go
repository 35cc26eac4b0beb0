// Package permission implements the permission model (spec.md §4.6, C8):
// declared permission types, per-session grants, and the ownership-first
// check shared by the registry and table extensions.
package permission

import (
	"sync"

	"github.com/wirebus/wirebus/internal/ident"
)

// Level is the access level a declared permission represents. The table
// and registry extensions interpret these; permission itself only carries
// the label through.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Declared is one permission type an extension has registered, identified
// by its Id and carrying a human-readable note shown to the user when an
// app requests it (spec.md: "declare(id, level, name, note)").
type Declared struct {
	Id    ident.Id
	Level Level
	Name  string
	Note  string
}

// Set is the permissions granted to one session: the subset of declared
// permission ids the security extension's authenticator chose to grant.
// Nil and empty sets behave identically — both grant nothing.
type Set struct {
	granted map[string]ident.Id
}

// NewSet builds a Set from granted permission ids.
func NewSet(ids ...ident.Id) Set {
	s := Set{granted: make(map[string]ident.Id, len(ids))}
	for _, id := range ids {
		s.granted[id.Key()] = id
	}
	return s
}

// Has reports whether id was granted, directly or as a subpart of a grant
// (spec.md §4.6/§3: a permission entry named X authorizes any operation
// whose declared requirement is X or a subpart of X).
func (s Set) Has(id ident.Id) bool {
	for _, grant := range s.granted {
		if id.Equal(grant) || id.IsSubpartOf(grant) {
			return true
		}
	}
	return false
}

// Extension is the process-wide permission registry (C8): every
// permission a server-side component can require must be declared here
// before any session can be granted it.
type Extension struct {
	mu       sync.RWMutex
	declared map[string]Declared
}

func NewExtension() *Extension {
	return &Extension{declared: make(map[string]Declared)}
}

// Declare registers a permission type. Re-declaring the same id with the
// same fields is a no-op; declaring a different definition under an
// already-used id replaces it, since permission metadata (the note shown
// to a user) may legitimately be refined across an app's lifetime.
func (e *Extension) Declare(d Declared) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.declared[d.Id.Key()] = d
}

// Lookup returns the declared permission for id, if any.
func (e *Extension) Lookup(id ident.Id) (Declared, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.declared[id.Key()]
	return d, ok
}

// CheckOwnerOrGranted is the access check shared by the registry and
// table extensions (spec.md §4.6.1: "an app always has full access to
// entries it owns, evaluated before any declared or granted permission").
// owner is the identifier an app must be a subpart of to bypass the
// permission check entirely; required is the permission that must be
// granted otherwise.
func CheckOwnerOrGranted(appId ident.Id, owner ident.Id, required *ident.Id, granted Set) bool {
	if appId.IsSubpartOf(owner) {
		return true
	}
	if required == nil {
		// No permission declared for this access level: owner-only.
		return false
	}
	return granted.Has(*required)
}
