package resolver

import (
	"context"
	"path"
	"strings"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/storage"
)

// Property keys in clark notation, as received from the protocol layer.
const (
	PropDisplayName   = "{DAV:}displayname"
	PropCalendarColor = "{http://apple.com/ns/ical/}calendar-color"
)

// PropResult reports the outcome of a property update. Keys that could not
// be applied land in Failed; the protocol layer renders one status per key.
type PropResult struct {
	Failed map[string]error
}

func (r *PropResult) OK() bool { return len(r.Failed) == 0 }

func (r *PropResult) fail(key string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[key] = err
}

// UpdateProperties applies collection property mutations to a folder.
// Display name changes rename the folder and are restricted to the
// personal namespace; color is stored as a six-digit hex annotation; any
// other key is reported unsupported rather than silently dropped.
func (r *Resolver) UpdateProperties(ctx context.Context, f *storage.Folder, props map[string]string) (*PropResult, error) {
	res := &PropResult{}
	for key, value := range props {
		switch key {
		case PropDisplayName:
			if f.Namespace != storage.NamespacePersonal {
				res.fail(key, errs.ErrForbidden)
				continue
			}
			newName := path.Join(path.Dir(f.Name), value)
			upd := storage.FolderUpdate{NewName: &newName, DisplayName: &value}
			if err := r.store.UpdateFolder(ctx, f.Name, upd); err != nil {
				return nil, &errs.StorageError{Op: "rename-folder", Folder: f.Name, Err: err}
			}
			delete(r.aliases, f.Name)
			for id, folder := range r.folders {
				if folder == f {
					r.aliases[newName] = id
				}
			}
			f.Name = newName
			f.DisplayName = value
		case PropCalendarColor:
			color := strings.TrimPrefix(value, "#")
			if len(color) > 6 {
				color = color[:6]
			}
			upd := storage.FolderUpdate{Color: &color}
			if err := r.store.UpdateFolder(ctx, f.Name, upd); err != nil {
				return nil, &errs.StorageError{Op: "set-color", Folder: f.Name, Err: err}
			}
			f.Color = color
		default:
			res.fail(key, &errs.Unsupported{Key: key})
		}
	}
	return res, nil
}

// CreateFolder creates a backend folder for a new collection. The client's
// collection id is persisted as the uid annotation so later resolutions
// find the folder under the id it was created with.
func (r *Resolver) CreateFolder(ctx context.Context, kind storage.Kind, owner, collectionID string, props map[string]string) (*storage.Folder, error) {
	name := props[PropDisplayName]
	if name == "" {
		// Some clients send no displayname; a short id makes a tolerable
		// folder name, a full uuid does not.
		if len(collectionID) < 16 {
			name = collectionID
		} else {
			name = "Untitled"
		}
	}

	f := &storage.Folder{
		Name:        name,
		Owner:       owner,
		Kind:        kind,
		Namespace:   storage.NamespacePersonal,
		DisplayName: name,
		Color:       strings.TrimPrefix(props[PropCalendarColor], "#"),
	}
	if err := r.store.CreateFolder(ctx, f); err != nil {
		return nil, &errs.StorageError{Op: "create-folder", Folder: name, Err: err}
	}
	if collectionID != "" {
		if err := r.store.SetMetadata(ctx, f.Name, map[string]string{MetaUIDShared: collectionID}); err != nil {
			return nil, &errs.StorageError{Op: "set-metadata", Folder: f.Name, Err: err}
		}
		r.folders[collectionID] = f
		r.aliases[f.Name] = collectionID
	}
	return f, nil
}

// DeleteFolder removes a collection's backing folder.
func (r *Resolver) DeleteFolder(ctx context.Context, f *storage.Folder) error {
	if err := r.store.DeleteFolder(ctx, f.Name); err != nil {
		return &errs.StorageError{Op: "delete-folder", Folder: f.Name, Err: err}
	}
	delete(r.aliases, f.Name)
	for id, folder := range r.folders {
		if folder == f {
			delete(r.folders, id)
		}
	}
	return nil
}
