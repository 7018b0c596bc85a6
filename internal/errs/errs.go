// Package errs defines the error kinds the collection backends surface to
// the protocol layer. The protocol layer maps these to HTTP statuses; the
// backends only guarantee a distinguishable kind plus a readable message.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks an unknown collection id, object UID or alias.
	ErrNotFound = errors.New("not found")

	// ErrForbidden marks a mutation attempted without sufficient rights.
	ErrForbidden = errors.New("forbidden")
)

// ParseError reports a malformed wire-format body. It is always surfaced to
// the caller; a malformed upload must never silently succeed.
type ParseError struct {
	Format string // "icalendar" or "vcard"
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s parse error: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s parse error: %s", e.Format, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IdentityConflict reports that the UID inside an updated body disagrees
// with the UID addressed by the request URI. Distinct from the create-time
// redirect, which is a normal alternate path rather than an error.
type IdentityConflict struct {
	URIUID  string
	BodyUID string
}

func (e *IdentityConflict) Error() string {
	return fmt.Sprintf("object UID %q does not match resource URI UID %q", e.BodyUID, e.URIUID)
}

// StorageError wraps a failed call against the folder store with enough
// context to diagnose which folder/object was involved.
type StorageError struct {
	Op     string
	Folder string
	UID    string
	Err    error
}

func (e *StorageError) Error() string {
	if e.UID != "" {
		return fmt.Sprintf("storage %s failed for %s/%s: %v", e.Op, e.Folder, e.UID, e.Err)
	}
	return fmt.Sprintf("storage %s failed for %s: %v", e.Op, e.Folder, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Unsupported reports a property mutation key or filter clause the backend
// does not implement. Property updates collect one per failing key.
type Unsupported struct {
	Key string
}

func (e *Unsupported) Error() string {
	return fmt.Sprintf("unsupported property %q", e.Key)
}
