// Package memory is an in-process Store used for tests and single-node
// deployments. It models the mailbox semantics the backends rely on:
// per-folder uid counters, a modification sequence bumped on every change,
// annotations and rights strings.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/storage"
	pkgical "github.com/soderlund/maildav/pkg/ical"
)

const defaultRights = storage.Rights("lrswipkxtecda")

type folder struct {
	info          *storage.Folder
	meta          map[string]string
	objects       map[string]*storage.Object
	uidValidity   uint32
	uidNext       uint32
	highestModSeq uint64
	rights        storage.Rights
	sharedMetaRO  bool
}

type Store struct {
	mu      sync.RWMutex
	folders map[string]*folder
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		folders: make(map[string]*folder),
		now:     time.Now,
	}
}

func (s *Store) Close() {}

// SetRights overrides the rights string returned for a folder, for
// exercising read-only shares.
func (s *Store) SetRights(name string, r storage.Rights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[name]; ok {
		f.rights = r
	}
}

// DenySharedMetadata makes writes to /shared/... annotation keys fail for
// a folder, forcing callers onto their private-key fallback.
func (s *Store) DenySharedMetadata(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[name]; ok {
		f.sharedMetaRO = true
	}
}

func (s *Store) ListFolders(ctx context.Context, kind storage.Kind) ([]*storage.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Folder
	for _, f := range s.folders {
		if f.info.Kind == kind {
			out = append(out, f.info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Default != out[j].Default {
			return out[i].Default
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

func (s *Store) GetFolder(ctx context.Context, name string) (*storage.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	return f.info, nil
}

func (s *Store) CreateFolder(ctx context.Context, info *storage.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.folders[info.Name]; exists {
		return fmt.Errorf("folder %q already exists", info.Name)
	}
	if info.Namespace == "" {
		info.Namespace = storage.NamespacePersonal
	}
	s.folders[info.Name] = &folder{
		info:        info,
		meta:        make(map[string]string),
		objects:     make(map[string]*storage.Object),
		uidValidity: uint32(s.now().Unix()),
		uidNext:     1,
		rights:      defaultRights,
	}
	return nil
}

func (s *Store) UpdateFolder(ctx context.Context, name string, upd storage.FolderUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return err
	}
	if upd.DisplayName != nil {
		f.info.DisplayName = *upd.DisplayName
	}
	if upd.Color != nil {
		f.info.Color = *upd.Color
	}
	if upd.NewName != nil && *upd.NewName != name {
		if _, exists := s.folders[*upd.NewName]; exists {
			return fmt.Errorf("folder %q already exists", *upd.NewName)
		}
		delete(s.folders, name)
		f.info.Name = *upd.NewName
		s.folders[*upd.NewName] = f
	}
	f.highestModSeq++
	return nil
}

func (s *Store) DeleteFolder(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.folder(name); err != nil {
		return err
	}
	delete(s.folders, name)
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, name string, keys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := f.meta[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

func (s *Store) SetMetadata(ctx context.Context, name string, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return err
	}
	for key := range entries {
		if f.sharedMetaRO && strings.HasPrefix(key, "/shared/") {
			return errs.ErrForbidden
		}
	}
	for key, value := range entries {
		f.meta[key] = value
	}
	return nil
}

func (s *Store) Status(ctx context.Context, name string) (*storage.FolderStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	return &storage.FolderStatus{
		UIDValidity:   f.uidValidity,
		HighestModSeq: f.highestModSeq,
		UIDNext:       f.uidNext,
	}, nil
}

func (s *Store) MyRights(ctx context.Context, name string) (storage.Rights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folder(name)
	if err != nil {
		return "", err
	}
	return f.rights, nil
}

func (s *Store) Select(ctx context.Context, name string, query []storage.Predicate) ([]*storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	var out []*storage.Object
	for _, obj := range f.objects {
		if matches(obj, query) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// matches evaluates predicate tuples. The dtstart/dtend pair describes a
// window overlap test and is recurrence-aware for event payloads.
func matches(obj *storage.Object, query []storage.Predicate) bool {
	var winStart, winEnd time.Time
	for _, p := range query {
		switch p.Field {
		case "type":
			switch v := p.Value.(type) {
			case string:
				if obj.Type != v {
					return false
				}
			case []string:
				found := false
				for _, t := range v {
					if obj.Type == t {
						found = true
					}
				}
				if !found {
					return false
				}
			}
		case "dtstart":
			if t, ok := p.Value.(time.Time); ok && p.Op == "<=" {
				winEnd = t
			}
		case "dtend":
			if t, ok := p.Value.(time.Time); ok && p.Op == ">=" {
				winStart = t
			}
		}
	}
	if winStart.IsZero() && winEnd.IsZero() {
		return true
	}
	if obj.Event == nil {
		return true
	}
	if winEnd.IsZero() {
		winEnd = winStart.AddDate(100, 0, 0)
	}
	if winStart.IsZero() {
		winStart = winEnd.AddDate(-100, 0, 0)
	}
	return pkgical.OverlapsRange(obj.Event, winStart, winEnd)
}

func (s *Store) GetObject(ctx context.Context, name, uid string) (*storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := s.folder(name)
	if err != nil {
		return nil, err
	}
	obj, ok := f.objects[uid]
	if !ok {
		return nil, fmt.Errorf("object %q in %q: %w", uid, name, errs.ErrNotFound)
	}
	return obj, nil
}

func (s *Store) SaveObject(ctx context.Context, name string, obj *storage.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return err
	}
	if obj.Event != nil {
		kept := obj.Event.Attachments[:0]
		for _, att := range obj.Event.Attachments {
			if !att.Deleted {
				kept = append(kept, att)
			}
		}
		obj.Event.Attachments = kept
	}
	obj.Meta.MsgUID = f.uidNext
	obj.Meta.Mailbox = name
	obj.Meta.Changed = s.now()
	f.uidNext++
	f.highestModSeq++
	f.objects[obj.UID] = obj
	return nil
}

func (s *Store) DeleteObject(ctx context.Context, name, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.folder(name)
	if err != nil {
		return err
	}
	if _, ok := f.objects[uid]; !ok {
		return fmt.Errorf("object %q in %q: %w", uid, name, errs.ErrNotFound)
	}
	delete(f.objects, uid)
	f.highestModSeq++
	return nil
}

func (s *Store) GetAttachment(ctx context.Context, name, uid, attachmentID string) (*storage.Attachment, error) {
	obj, err := s.GetObject(ctx, name, uid)
	if err != nil {
		return nil, err
	}
	if obj.Event != nil {
		for _, att := range obj.Event.Attachments {
			if att.ID == attachmentID {
				return att, nil
			}
		}
	}
	return nil, fmt.Errorf("attachment %q of %q: %w", attachmentID, uid, errs.ErrNotFound)
}

func (s *Store) FindObject(ctx context.Context, kind storage.Kind, uid string) (*storage.Object, string, error) {
	folders, err := s.ListFolders(ctx, kind)
	if err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range folders {
		f, err := s.folder(info.Name)
		if err != nil {
			continue
		}
		if obj, ok := f.objects[uid]; ok {
			return obj, info.Name, nil
		}
	}
	return nil, "", fmt.Errorf("object %q: %w", uid, errs.ErrNotFound)
}

func (s *Store) folder(name string) (*folder, error) {
	f, ok := s.folders[name]
	if !ok {
		return nil, fmt.Errorf("folder %q: %w", name, errs.ErrNotFound)
	}
	return f, nil
}
