// Package busserr defines the error taxonomy shared by every core
// component (spec.md §7): protocol violations, handshake failures,
// permission denials, packet-registration conflicts, storage failures, and
// the sentinel for writes against an already-closed session.
package busserr

import "fmt"

// Kind classifies an error for logging and disposition purposes.
type Kind string

const (
	KindProtocolError  Kind = "protocol_error"
	KindHandshakeFail  Kind = "handshake_failed"
	KindPermission     Kind = "permission_denied"
	KindDuplicateType  Kind = "duplicate_type"
	KindUnknownType    Kind = "unknown_type"
	KindStorage        Kind = "storage_error"
	KindClosed         Kind = "closed"
	KindInternal       Kind = "internal_error"
)

// Error wraps an underlying cause with a Kind so handlers and the session
// loop can decide disposition without string-matching.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

func Protocol(reason string) *Error       { return new_(KindProtocolError, reason, nil) }
func HandshakeFailed(reason string) *Error { return new_(KindHandshakeFail, reason, nil) }
func PermissionDenied(reason string) *Error { return new_(KindPermission, reason, nil) }
func DuplicateType(name string) *Error     { return new_(KindDuplicateType, name, nil) }
func UnknownType(name string) *Error       { return new_(KindUnknownType, name, nil) }
func Storage(reason string, cause error) *Error { return new_(KindStorage, reason, cause) }
func Closed(reason string) *Error         { return new_(KindClosed, reason, nil) }
func Internal(reason string, cause error) *Error { return new_(KindInternal, reason, cause) }

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
