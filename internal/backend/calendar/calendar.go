// Package calendar implements the calendar collection contract: listing
// collections over event and task folders, object CRUD with UID/URI
// reconciliation, attachment sub-resources, and query translation.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/resolver"
	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
	pkgical "github.com/soderlund/maildav/pkg/ical"
)

type Backend struct {
	store   storage.Store
	res     *resolver.Resolver
	log     zerolog.Logger
	baseURI string
}

func New(store storage.Store, res *resolver.Resolver, log zerolog.Logger, baseURI string) *Backend {
	return &Backend{store: store, res: res, log: log, baseURI: strings.TrimRight(baseURI, "/")}
}

// Collection is the protocol projection of one event or task folder.
type Collection struct {
	ID         string
	Name       string
	Color      string
	CTag       string
	Components []string
	Owner      string
	ReadOnly   bool
}

// CompFilter is one clause of a calendar-query filter tree.
type CompFilter struct {
	Name  string
	Start time.Time
	End   time.Time
	Comps []CompFilter
}

// ListCollections returns one collection per event/task folder the
// principal can see. Personal folders report the requesting principal as
// owner; shared folders report the folder's actual owner.
func (b *Backend) ListCollections(ctx context.Context, principal string) ([]*Collection, error) {
	entries, err := b.res.ListAll(ctx, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, err
	}
	out := make([]*Collection, 0, len(entries))
	for _, e := range entries {
		col, err := b.collection(ctx, e, principal)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, nil
}

// GetCollection resolves a single collection by id.
func (b *Backend) GetCollection(ctx context.Context, id, principal string) (*Collection, error) {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, err
	}
	return b.collection(ctx, &resolver.Entry{ID: id, Folder: f}, principal)
}

func (b *Backend) collection(ctx context.Context, e *resolver.Entry, principal string) (*Collection, error) {
	ctag, err := b.ctag(ctx, e.Folder.Name)
	if err != nil {
		return nil, err
	}
	rights, err := b.store.MyRights(ctx, e.Folder.Name)
	if err != nil {
		return nil, &errs.StorageError{Op: "myrights", Folder: e.Folder.Name, Err: err}
	}

	comps := []string{"VEVENT"}
	if e.Folder.Kind == storage.KindTask {
		comps = []string{"VTODO"}
	}
	owner := principal
	if e.Folder.Namespace != storage.NamespacePersonal {
		owner = e.Folder.Owner
	}
	name := e.Folder.DisplayName
	if name == "" {
		name = e.Folder.Name
	}
	return &Collection{
		ID:         e.ID,
		Name:       name,
		Color:      e.Folder.Color,
		CTag:       ctag,
		Components: comps,
		Owner:      owner,
		ReadOnly:   !e.Folder.WritableWith(rights),
	}, nil
}

// ctag concatenates the folder's three change markers; any mutation to the
// folder moves at least one of them.
func (b *Backend) ctag(ctx context.Context, folder string) (string, error) {
	st, err := b.store.Status(ctx, folder)
	if err != nil {
		return "", &errs.StorageError{Op: "status", Folder: folder, Err: err}
	}
	return fmt.Sprintf("%d-%d-%d", st.UIDValidity, st.HighestModSeq, st.UIDNext), nil
}

func (b *Backend) CreateCollection(ctx context.Context, principal, id string, props map[string]string) error {
	kind := storage.KindEvent
	if comps := props["comp"]; strings.Contains(comps, "VTODO") && !strings.Contains(comps, "VEVENT") {
		kind = storage.KindTask
	}
	_, err := b.res.CreateFolder(ctx, kind, principal, id, props)
	return err
}

func (b *Backend) UpdateCollection(ctx context.Context, id string, props map[string]string) (*resolver.PropResult, error) {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, err
	}
	return b.res.UpdateProperties(ctx, f, props)
}

func (b *Backend) DeleteCollection(ctx context.Context, id string) error {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return err
	}
	return b.res.DeleteFolder(ctx, f)
}

// ListObjects returns object summaries (identity, change marker, size)
// without decoding full content.
func (b *Backend) ListObjects(ctx context.Context, id string) ([]*storage.Object, error) {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, err
	}
	objs, err := b.store.Select(ctx, f.Name, nil)
	if err != nil {
		return nil, &errs.StorageError{Op: "select", Folder: f.Name, Err: err}
	}
	return objs, nil
}

// attachmentRef is the sub-resource addressing scheme for attachment
// retrieval: <uid>.ics:attachment:<id>:<name>.
var attachmentRef = regexp.MustCompile(`^(.+)\.ics:attachment:([^:]+):(.+)$`)

// ParseAttachmentRef splits an attachment sub-resource URI into object UID
// and attachment id.
func ParseAttachmentRef(uri string) (uid, attachmentID string, ok bool) {
	m := attachmentRef.FindStringSubmatch(uri)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// GetObject decodes and re-serializes one object for the requesting
// client.
func (b *Backend) GetObject(ctx context.Context, sess *session.Session, id, uri string) ([]byte, string, error) {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, "", err
	}
	obj, err := b.store.GetObject(ctx, f.Name, trimICS(uri))
	if err != nil {
		return nil, "", wrapGet(err, f.Name, uri)
	}

	fetch := func(attID string) ([]byte, error) {
		att, err := b.store.GetAttachment(ctx, f.Name, obj.UID, attID)
		if err != nil {
			return nil, err
		}
		return att.Data, nil
	}
	body, err := pkgical.Encode(obj, b.collectionURI(id), sess.Client, fetch)
	if err != nil {
		return nil, "", err
	}
	return body, obj.ETag(), nil
}

// GetAttachment streams one attachment addressed through the sub-resource
// scheme.
func (b *Backend) GetAttachment(ctx context.Context, id, uri string) (*storage.Attachment, error) {
	uid, attID, ok := ParseAttachmentRef(uri)
	if !ok {
		return nil, fmt.Errorf("attachment ref %q: %w", uri, errs.ErrNotFound)
	}
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, err
	}
	att, err := b.store.GetAttachment(ctx, f.Name, uid, attID)
	if err != nil {
		return nil, wrapGet(err, f.Name, uri)
	}
	return att, nil
}

// PutObject validates and persists one object. A create whose body UID
// differs from the URI is rerouted to the body UID's resource and the
// corrected basename is left in the session for the Location header; an
// update whose body UID differs is an identity conflict.
func (b *Backend) PutObject(ctx context.Context, sess *session.Session, id, uri string, body []byte) (string, bool, error) {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return "", false, err
	}
	if err := b.checkWritable(ctx, f); err != nil {
		return "", false, err
	}

	uriUID := trimICS(uri)
	obj, _, err := pkgical.Decode(body, sess.CachedCalendar(uriUID))
	if err != nil {
		return "", false, err
	}
	obj.Meta.Size = int64(len(body))

	if obj.UID != uriUID {
		if _, err := b.store.GetObject(ctx, f.Name, uriUID); err == nil {
			return "", false, &errs.IdentityConflict{URIUID: uriUID, BodyUID: obj.UID}
		}
		sess.SetRedirect(obj.UID + ".ics")
	}

	created := true
	prev, err := b.store.GetObject(ctx, f.Name, obj.UID)
	if err == nil {
		created = false
		mergeUpdate(obj, prev)
	} else if !errors.Is(err, errs.ErrNotFound) {
		sess.TakeRedirect()
		return "", false, &errs.StorageError{Op: "get", Folder: f.Name, UID: obj.UID, Err: err}
	}

	if err := b.store.SaveObject(ctx, f.Name, obj); err != nil {
		sess.TakeRedirect()
		b.log.Error().Err(err).Str("folder", f.Name).Str("uid", obj.UID).Msg("object save failed")
		return "", false, &errs.StorageError{Op: "save", Folder: f.Name, UID: obj.UID, Err: err}
	}
	return obj.ETag(), created, nil
}

// mergeUpdate applies full-replace semantics on top of a previous version:
// internal metadata is carried forward, all previous attachments are
// marked removed, and resubmitted references reclaim their stored bytes.
func mergeUpdate(obj, prev *storage.Object) {
	obj.Meta.MsgUID = prev.Meta.MsgUID
	obj.Meta.Mailbox = prev.Meta.Mailbox
	obj.Meta.Changed = prev.Meta.Changed

	if obj.Event == nil || prev.Event == nil {
		return
	}
	prevByID := make(map[string]*storage.Attachment, len(prev.Event.Attachments))
	for _, att := range prev.Event.Attachments {
		prevByID[att.ID] = att
	}
	for _, att := range obj.Event.Attachments {
		if old, ok := prevByID[att.ID]; ok && att.Data == nil {
			att.MimeType = old.MimeType
			att.Size = old.Size
			att.Data = old.Data
			delete(prevByID, att.ID)
		}
	}
	for _, old := range prev.Event.Attachments {
		if _, gone := prevByID[old.ID]; gone {
			// Flag a copy: the previous object stays live in the store
			// until the save lands.
			removed := *old
			removed.Deleted = true
			obj.Event.Attachments = append(obj.Event.Attachments, &removed)
		}
	}
}

func (b *Backend) DeleteObject(ctx context.Context, id, uri string) error {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return err
	}
	if err := b.checkWritable(ctx, f); err != nil {
		return err
	}
	if err := b.store.DeleteObject(ctx, f.Name, trimICS(uri)); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return err
		}
		b.log.Error().Err(err).Str("folder", f.Name).Str("uri", uri).Msg("object delete failed")
		return &errs.StorageError{Op: "delete", Folder: f.Name, UID: trimICS(uri), Err: err}
	}
	return nil
}

// Query translates a filter tree into store predicates. Only an event
// time-range clause has a native translation; any other shape degrades to
// the unfiltered set, which is a superset of every correct answer.
func (b *Backend) Query(ctx context.Context, id string, filters []CompFilter) ([]*storage.Object, error) {
	f, err := b.res.Resolve(ctx, id, storage.KindEvent, storage.KindTask)
	if err != nil {
		return nil, err
	}
	objs, err := b.store.Select(ctx, f.Name, translateFilters(filters))
	if err != nil {
		return nil, &errs.StorageError{Op: "select", Folder: f.Name, Err: err}
	}
	return objs, nil
}

func translateFilters(filters []CompFilter) []storage.Predicate {
	for _, top := range filters {
		if top.Name != "VCALENDAR" {
			continue
		}
		for _, comp := range top.Comps {
			if comp.Name != "VEVENT" || comp.Start.IsZero() || comp.End.IsZero() {
				continue
			}
			return []storage.Predicate{
				{Field: "type", Op: "=", Value: storage.TypeEvent},
				{Field: "dtstart", Op: "<=", Value: comp.End},
				{Field: "dtend", Op: ">=", Value: comp.Start},
			}
		}
	}
	return nil
}

func (b *Backend) checkWritable(ctx context.Context, f *storage.Folder) error {
	rights, err := b.store.MyRights(ctx, f.Name)
	if err != nil {
		return &errs.StorageError{Op: "myrights", Folder: f.Name, Err: err}
	}
	if !f.WritableWith(rights) {
		return fmt.Errorf("folder %q: %w", f.Name, errs.ErrForbidden)
	}
	return nil
}

func (b *Backend) collectionURI(id string) string {
	return b.baseURI + "/calendars/" + id
}

func trimICS(uri string) string {
	return strings.TrimSuffix(uri, ".ics")
}

func wrapGet(err error, folder, uri string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return err
	}
	return &errs.StorageError{Op: "get", Folder: folder, UID: uri, Err: err}
}
