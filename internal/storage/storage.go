// Package storage declares the folder-store collaborator the DAV backends
// run against: a mailbox-style hierarchy of typed folders holding structured
// records, with metadata annotations, rights introspection and predicate
// search. Implementations provide per-call atomicity; the backends do not
// retry.
package storage

import (
	"context"
	"strings"
)

type Kind string

const (
	KindEvent   Kind = "event"
	KindTask    Kind = "task"
	KindContact Kind = "contact"
)

type Namespace string

const (
	NamespacePersonal Namespace = "personal"
	NamespaceShared   Namespace = "shared"
	NamespaceOther    Namespace = "other"
)

// Folder is a handle to one backend folder. Name is the hierarchical path
// and doubles as the folder's store identity; renames change it.
type Folder struct {
	Name        string
	Owner       string
	Kind        Kind
	Namespace   Namespace
	Default     bool
	DisplayName string
	Color       string
}

// WritableWith reports whether a folder accepts mutations given the rights
// string the store returned for it. Personal folders are always writable.
func (f *Folder) WritableWith(r Rights) bool {
	return f.Namespace == NamespacePersonal || r.CanInsert()
}

// FolderStatus carries the three change markers that together form a cheap
// collection-wide change signal (CTag input): validity epoch, highest
// modification sequence, next-uid watermark.
type FolderStatus struct {
	UIDValidity   uint32
	HighestModSeq uint64
	UIDNext       uint32
}

// Rights is the store's capability string for a folder, e.g. "lrswi".
type Rights string

func (r Rights) CanInsert() bool { return strings.ContainsRune(string(r), 'i') }
func (r Rights) CanDelete() bool { return strings.ContainsRune(string(r), 'x') }

// Predicate is one backend-native search clause: (field, operator, value).
// Known fields are "dtstart", "dtend" (operators "<=", ">=") and "type"
// (operator "=", value string or []string).
type Predicate struct {
	Field string
	Op    string
	Value any
}

// FolderUpdate describes a folder mutation. Nil fields are left untouched.
type FolderUpdate struct {
	NewName     *string
	DisplayName *string
	Color       *string
}

type Store interface {
	Close()

	ListFolders(ctx context.Context, kind Kind) ([]*Folder, error)
	GetFolder(ctx context.Context, name string) (*Folder, error)
	CreateFolder(ctx context.Context, f *Folder) error
	UpdateFolder(ctx context.Context, name string, upd FolderUpdate) error
	DeleteFolder(ctx context.Context, name string) error

	// Metadata is the folder annotation store. SetMetadata on a shared key
	// may fail with insufficient rights; callers fall back to private keys.
	GetMetadata(ctx context.Context, folder string, keys []string) (map[string]string, error)
	SetMetadata(ctx context.Context, folder string, entries map[string]string) error

	Status(ctx context.Context, folder string) (*FolderStatus, error)
	MyRights(ctx context.Context, folder string) (Rights, error)

	// Select returns object summaries matching all predicates; a nil or
	// empty query returns every object in the folder.
	Select(ctx context.Context, folder string, query []Predicate) ([]*Object, error)
	GetObject(ctx context.Context, folder, uid string) (*Object, error)
	// SaveObject is a full replace; the store assigns a fresh message uid
	// and drops attachments marked deleted.
	SaveObject(ctx context.Context, folder string, obj *Object) error
	DeleteObject(ctx context.Context, folder, uid string) error
	GetAttachment(ctx context.Context, folder, uid, attachmentID string) (*Attachment, error)

	// FindObject searches every folder of the given kind for a UID and
	// returns the object together with the containing folder name.
	FindObject(ctx context.Context, kind Kind, uid string) (*Object, string, error)
}
