// Package resolver maps opaque, stable collection identifiers to backend
// folders and back. Identifiers come from folder annotations; folders
// without one get a deterministic id derived from name and owner, written
// back so every later resolution returns the same value.
package resolver

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/storage"
)

// Annotation keys carrying the folder uid, checked in order. The legacy
// cyrus key covers folders annotated by older deployments.
const (
	MetaUIDShared  = "/shared/vendor/maildav/uniqueid"
	MetaUIDPrivate = "/private/vendor/maildav/uniqueid"
	MetaUIDLegacy  = "/shared/vendor/cmu/cyrus-imapd/uniqueid"
)

// Entry pairs a collection id with its backend folder.
type Entry struct {
	ID     string
	Folder *storage.Folder
}

// Resolver builds and serves the id and alias tables for one request. It
// is request-scoped; construct a fresh one per request.
type Resolver struct {
	store storage.Store
	log   zerolog.Logger

	folders map[string]*storage.Folder // id -> folder
	aliases map[string]string          // folder name -> id
}

func New(store storage.Store, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		log:     log,
		folders: make(map[string]*storage.Folder),
		aliases: make(map[string]string),
	}
}

// ListAll enumerates folders of the given kinds in a stable order (default
// folder first, then case-insensitive by name) and fills the id and alias
// tables as a side effect.
func (r *Resolver) ListAll(ctx context.Context, kinds ...storage.Kind) ([]*Entry, error) {
	var all []*storage.Folder
	for _, kind := range kinds {
		folders, err := r.store.ListFolders(ctx, kind)
		if err != nil {
			return nil, &errs.StorageError{Op: "list-folders", Folder: string(kind), Err: err}
		}
		all = append(all, folders...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Default != all[j].Default {
			return all[i].Default
		}
		return strings.ToLower(all[i].Name) < strings.ToLower(all[j].Name)
	})

	entries := make([]*Entry, 0, len(all))
	for _, f := range all {
		id, err := r.FolderID(ctx, f)
		if err != nil {
			return nil, err
		}
		r.folders[id] = f
		r.aliases[f.Name] = id
		entries = append(entries, &Entry{ID: id, Folder: f})
	}
	return entries, nil
}

// Resolve returns the folder behind a collection id. Ids not seen by a
// prior ListAll are looked up with a direct store scan, which covers
// folders created after the table was built.
func (r *Resolver) Resolve(ctx context.Context, id string, kinds ...storage.Kind) (*storage.Folder, error) {
	if f, ok := r.folders[id]; ok {
		return f, nil
	}
	for _, kind := range kinds {
		folders, err := r.store.ListFolders(ctx, kind)
		if err != nil {
			return nil, &errs.StorageError{Op: "list-folders", Folder: string(kind), Err: err}
		}
		for _, f := range folders {
			fid, err := r.FolderID(ctx, f)
			if err != nil {
				return nil, err
			}
			r.folders[fid] = f
			r.aliases[f.Name] = fid
			if fid == id {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("collection %q: %w", id, errs.ErrNotFound)
}

// FolderID returns the folder's stable collection id: the uid annotation
// when present, otherwise a freshly derived id persisted back as an
// annotation. The write-back tries the shared key first and falls back to
// the private key when the store denies it.
func (r *Resolver) FolderID(ctx context.Context, f *storage.Folder) (string, error) {
	keys := []string{MetaUIDShared, MetaUIDPrivate, MetaUIDLegacy}
	meta, err := r.store.GetMetadata(ctx, f.Name, keys)
	if err != nil {
		return "", &errs.StorageError{Op: "get-metadata", Folder: f.Name, Err: err}
	}
	for _, key := range keys {
		if id := meta[key]; id != "" {
			return id, nil
		}
	}

	id := DeriveID(f.Name, f.Owner)
	if err := r.store.SetMetadata(ctx, f.Name, map[string]string{MetaUIDShared: id}); err != nil {
		if err := r.store.SetMetadata(ctx, f.Name, map[string]string{MetaUIDPrivate: id}); err != nil {
			r.log.Warn().Err(err).Str("folder", f.Name).Msg("could not persist folder uid annotation")
		}
	}
	return id, nil
}

// DeriveID computes the deterministic fallback id for an unannotated
// folder: the md5 of name+owner in hex, split into '-'-joined chunks of
// twelve characters.
func DeriveID(name, owner string) string {
	sum := fmt.Sprintf("%x", md5.Sum([]byte(name+owner)))
	var chunks []string
	for len(sum) > 12 {
		chunks = append(chunks, sum[:12])
		sum = sum[12:]
	}
	chunks = append(chunks, sum)
	return strings.Join(chunks, "-")
}
