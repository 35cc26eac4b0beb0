// Package ident implements the hierarchical namespace identifiers used to
// address every registered entity on the bus: packet types, registries,
// tables, and permissions.
package ident

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned when a canonical key string cannot be parsed.
var ErrInvalidKey = errors.New("ident: invalid key")

// Id is a namespace plus an ordered, non-empty sequence of path segments.
// Values are immutable and safe to copy. Id holds a slice and so is not
// comparable; maps are keyed by Key() instead.
type Id struct {
	Namespace string
	Path      []string
}

// New builds an Id from a namespace and one or more path segments.
func New(namespace string, path ...string) (Id, error) {
	if namespace == "" {
		return Id{}, fmt.Errorf("%w: empty namespace", ErrInvalidKey)
	}
	if len(path) == 0 {
		return Id{}, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	for _, seg := range path {
		if seg == "" {
			return Id{}, fmt.Errorf("%w: empty path segment", ErrInvalidKey)
		}
	}
	cp := make([]string, len(path))
	copy(cp, path)
	return Id{Namespace: namespace, Path: cp}, nil
}

// MustNew is New but panics on error; for built-in identifiers only.
func MustNew(namespace string, path ...string) Id {
	id, err := New(namespace, path...)
	if err != nil {
		panic(err)
	}
	return id
}

// Parse decodes the canonical "namespace:seg1/seg2/..." form.
func Parse(key string) (Id, error) {
	ns, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Id{}, fmt.Errorf("%w: %q missing ':'", ErrInvalidKey, key)
	}
	segs := strings.Split(rest, "/")
	return New(ns, segs...)
}

// Key returns the canonical string form "namespace:seg1/seg2/...".
func (i Id) Key() string {
	return i.Namespace + ":" + strings.Join(i.Path, "/")
}

func (i Id) String() string { return i.Key() }

// Join returns a new Id with additional trailing path segments (the "/"
// operator in spec.md's data model).
func (i Id) Join(segments ...string) Id {
	next := make([]string, len(i.Path)+len(segments))
	copy(next, i.Path)
	copy(next[len(i.Path):], segments)
	return Id{Namespace: i.Namespace, Path: next}
}

// Equal reports structural equality.
func (i Id) Equal(o Id) bool {
	if i.Namespace != o.Namespace || len(i.Path) != len(o.Path) {
		return false
	}
	for n := range i.Path {
		if i.Path[n] != o.Path[n] {
			return false
		}
	}
	return true
}

// IsSubpartOf reports whether i is the same entity as parent or nested
// beneath it: namespaces match and i's path is prefix-equal-or-longer than
// parent's path.
func (i Id) IsSubpartOf(parent Id) bool {
	if i.Namespace != parent.Namespace || len(i.Path) < len(parent.Path) {
		return false
	}
	for n := range parent.Path {
		if i.Path[n] != parent.Path[n] {
			return false
		}
	}
	return true
}

// Parent returns the identifier one path segment shorter, and false if i
// has only one segment.
func (i Id) Parent() (Id, bool) {
	if len(i.Path) <= 1 {
		return Id{}, false
	}
	return Id{Namespace: i.Namespace, Path: i.Path[:len(i.Path)-1]}, true
}

// Name returns the last path segment.
func (i Id) Name() string {
	if len(i.Path) == 0 {
		return ""
	}
	return i.Path[len(i.Path)-1]
}

// App is a client's self-declared identity: an Id plus a version string.
// Constructed by the client before handshake and immutable for the
// session's lifetime.
type App struct {
	Id      Id     `json:"id"`
	Version string `json:"version,omitempty"`
}

// Key returns the app's canonical key, used to index sessions/proxy chains.
func (a App) Key() string { return a.Id.Key() }

// appJSON mirrors App but carries Id as its canonical string form on the
// wire, matching the JSON encoding clients exchange for "connect".
type appJSON struct {
	Id      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// MarshalJSON encodes the App's Id as its canonical "ns:seg/seg" string.
func (a App) MarshalJSON() ([]byte, error) {
	return json.Marshal(appJSON{Id: a.Id.Key(), Version: a.Version})
}

// UnmarshalJSON decodes an App whose Id arrived as a canonical string.
func (a *App) UnmarshalJSON(b []byte) error {
	var raw appJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id, err := Parse(raw.Id)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.Id = id
	a.Version = raw.Version
	return nil
}
