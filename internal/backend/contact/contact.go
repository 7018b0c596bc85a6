// Package contact implements the address book collection contract,
// including the synthetic aggregate book that spans every real one for
// clients that can only address a single address book.
package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/resolver"
	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
	pkgvcard "github.com/soderlund/maildav/pkg/vcard"
)

// AllBooksName is the aggregate book's wire name. It appears only at the
// URI boundary; internally the aggregate is a distinct ref variant.
const AllBooksName = "__all__"

// BookRef addresses either one real address book or the aggregate.
type BookRef interface{ isBookRef() }

type RealBook struct{ ID string }

type AllBooks struct{}

func (RealBook) isBookRef() {}
func (AllBooks) isBookRef() {}

// ParseRef maps a wire collection id to a book ref.
func ParseRef(id string) BookRef {
	if id == AllBooksName {
		return AllBooks{}
	}
	return RealBook{ID: id}
}

type Backend struct {
	store storage.Store
	res   *resolver.Resolver
	log   zerolog.Logger
}

func New(store storage.Store, res *resolver.Resolver, log zerolog.Logger) *Backend {
	return &Backend{store: store, res: res, log: log}
}

// Book is the protocol projection of an address book.
type Book struct {
	ID        string
	Name      string
	CTag      string
	Owner     string
	ReadOnly  bool
	Aggregate bool
}

// ListBooks returns the visible address books. The aggregate is always
// present; the Mac address book client additionally sees only the
// aggregate when more than one real book exists, since it cannot address
// several books.
func (b *Backend) ListBooks(ctx context.Context, principal string, client session.Client) ([]*Book, error) {
	entries, err := b.res.ListAll(ctx, storage.KindContact)
	if err != nil {
		return nil, err
	}

	var books []*Book
	var ctags []string
	for _, e := range entries {
		book, err := b.book(ctx, e, principal)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
		ctags = append(ctags, book.CTag)
	}

	aggregate := &Book{
		ID:        AllBooksName,
		Name:      "All Contacts",
		CTag:      strings.Join(ctags, ":"),
		Owner:     principal,
		Aggregate: true,
	}
	if client == session.ClientApple && len(books) > 1 {
		return []*Book{aggregate}, nil
	}
	return append(books, aggregate), nil
}

// GetBook resolves one book ref.
func (b *Backend) GetBook(ctx context.Context, ref BookRef, principal string, client session.Client) (*Book, error) {
	switch r := ref.(type) {
	case AllBooks:
		books, err := b.ListBooks(ctx, principal, session.ClientGeneric)
		if err != nil {
			return nil, err
		}
		return books[len(books)-1], nil
	case RealBook:
		f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
		if err != nil {
			return nil, err
		}
		return b.book(ctx, &resolver.Entry{ID: r.ID, Folder: f}, principal)
	default:
		return nil, fmt.Errorf("unknown book ref %T", ref)
	}
}

func (b *Backend) book(ctx context.Context, e *resolver.Entry, principal string) (*Book, error) {
	st, err := b.store.Status(ctx, e.Folder.Name)
	if err != nil {
		return nil, &errs.StorageError{Op: "status", Folder: e.Folder.Name, Err: err}
	}
	rights, err := b.store.MyRights(ctx, e.Folder.Name)
	if err != nil {
		return nil, &errs.StorageError{Op: "myrights", Folder: e.Folder.Name, Err: err}
	}
	owner := principal
	if e.Folder.Namespace != storage.NamespacePersonal {
		owner = e.Folder.Owner
	}
	name := e.Folder.DisplayName
	if name == "" {
		name = e.Folder.Name
	}
	return &Book{
		ID:       e.ID,
		Name:     name,
		CTag:     fmt.Sprintf("%d-%d-%d", st.UIDValidity, st.HighestModSeq, st.UIDNext),
		Owner:    owner,
		ReadOnly: !e.Folder.WritableWith(rights),
	}, nil
}

func (b *Backend) CreateBook(ctx context.Context, principal, id string, props map[string]string) error {
	if id == AllBooksName {
		return fmt.Errorf("aggregate book: %w", errs.ErrForbidden)
	}
	_, err := b.res.CreateFolder(ctx, storage.KindContact, principal, id, props)
	return err
}

func (b *Backend) UpdateBook(ctx context.Context, ref BookRef, props map[string]string) (*resolver.PropResult, error) {
	r, ok := ref.(RealBook)
	if !ok {
		return nil, fmt.Errorf("aggregate book: %w", errs.ErrForbidden)
	}
	f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
	if err != nil {
		return nil, err
	}
	return b.res.UpdateProperties(ctx, f, props)
}

func (b *Backend) DeleteBook(ctx context.Context, ref BookRef) error {
	r, ok := ref.(RealBook)
	if !ok {
		return fmt.Errorf("aggregate book: %w", errs.ErrForbidden)
	}
	f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
	if err != nil {
		return err
	}
	return b.res.DeleteFolder(ctx, f)
}

// ListObjects returns summaries; for the aggregate this is the union over
// every real book.
func (b *Backend) ListObjects(ctx context.Context, ref BookRef) ([]*storage.Object, error) {
	switch r := ref.(type) {
	case AllBooks:
		entries, err := b.res.ListAll(ctx, storage.KindContact)
		if err != nil {
			return nil, err
		}
		var out []*storage.Object
		for _, e := range entries {
			objs, err := b.store.Select(ctx, e.Folder.Name, nil)
			if err != nil {
				return nil, &errs.StorageError{Op: "select", Folder: e.Folder.Name, Err: err}
			}
			out = append(out, objs...)
		}
		return out, nil
	case RealBook:
		f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
		if err != nil {
			return nil, err
		}
		objs, err := b.store.Select(ctx, f.Name, nil)
		if err != nil {
			return nil, &errs.StorageError{Op: "select", Folder: f.Name, Err: err}
		}
		return objs, nil
	default:
		return nil, fmt.Errorf("unknown book ref %T", ref)
	}
}

// GetObject serializes one contact for the requesting client. Aggregate
// lookups scan all real books for the UID.
func (b *Backend) GetObject(ctx context.Context, sess *session.Session, ref BookRef, uri string) ([]byte, string, error) {
	obj, _, err := b.locate(ctx, ref, trimVCF(uri))
	if err != nil {
		return nil, "", err
	}
	body, err := pkgvcard.Encode(obj, sess.Client)
	if err != nil {
		return nil, "", err
	}
	return body, obj.ETag(), nil
}

// PutObject validates and persists one contact. On the aggregate, updates
// land in whichever real book holds the UID (first book in stable order
// wins on duplicates) and creates land in the default book.
func (b *Backend) PutObject(ctx context.Context, sess *session.Session, ref BookRef, uri string, body []byte) (string, bool, error) {
	uriUID := trimVCF(uri)
	obj, _, err := pkgvcard.Decode(body, sess.CachedCard(uriUID))
	if err != nil {
		return "", false, err
	}
	obj.Meta.Size = int64(len(body))

	folderName, prev, err := b.targetFolder(ctx, ref, obj.UID)
	if err != nil {
		return "", false, err
	}
	f, err := b.store.GetFolder(ctx, folderName)
	if err != nil {
		return "", false, &errs.StorageError{Op: "get-folder", Folder: folderName, Err: err}
	}
	if err := b.checkWritable(ctx, f); err != nil {
		return "", false, err
	}

	if obj.UID != uriUID {
		if _, exists := b.existsInFolder(ctx, folderName, uriUID); exists {
			return "", false, &errs.IdentityConflict{URIUID: uriUID, BodyUID: obj.UID}
		}
		sess.SetRedirect(obj.UID + ".vcf")
	}
	if prev != nil {
		obj.Meta.MsgUID = prev.Meta.MsgUID
		obj.Meta.Mailbox = prev.Meta.Mailbox
		obj.Meta.Changed = prev.Meta.Changed
	}

	if err := b.store.SaveObject(ctx, folderName, obj); err != nil {
		sess.TakeRedirect()
		b.log.Error().Err(err).Str("folder", folderName).Str("uid", obj.UID).Msg("contact save failed")
		return "", false, &errs.StorageError{Op: "save", Folder: folderName, UID: obj.UID, Err: err}
	}
	return obj.ETag(), prev == nil, nil
}

func (b *Backend) DeleteObject(ctx context.Context, ref BookRef, uri string) error {
	obj, folderName, err := b.locate(ctx, ref, trimVCF(uri))
	if err != nil {
		return err
	}
	f, err := b.store.GetFolder(ctx, folderName)
	if err != nil {
		return &errs.StorageError{Op: "get-folder", Folder: folderName, Err: err}
	}
	if err := b.checkWritable(ctx, f); err != nil {
		return err
	}
	if err := b.store.DeleteObject(ctx, folderName, obj.UID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return err
		}
		b.log.Error().Err(err).Str("folder", folderName).Str("uid", obj.UID).Msg("contact delete failed")
		return &errs.StorageError{Op: "delete", Folder: folderName, UID: obj.UID, Err: err}
	}
	return nil
}

// Query lists matching objects. Thunderbird cannot render groups, so its
// queries exclude the distribution-list type.
func (b *Backend) Query(ctx context.Context, ref BookRef, client session.Client) ([]*storage.Object, error) {
	var query []storage.Predicate
	if client == session.ClientThunderbird {
		query = []storage.Predicate{{Field: "type", Op: "=", Value: storage.TypeContact}}
	}

	switch r := ref.(type) {
	case AllBooks:
		entries, err := b.res.ListAll(ctx, storage.KindContact)
		if err != nil {
			return nil, err
		}
		var out []*storage.Object
		for _, e := range entries {
			objs, err := b.store.Select(ctx, e.Folder.Name, query)
			if err != nil {
				return nil, &errs.StorageError{Op: "select", Folder: e.Folder.Name, Err: err}
			}
			out = append(out, objs...)
		}
		return out, nil
	case RealBook:
		f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
		if err != nil {
			return nil, err
		}
		objs, err := b.store.Select(ctx, f.Name, query)
		if err != nil {
			return nil, &errs.StorageError{Op: "select", Folder: f.Name, Err: err}
		}
		return objs, nil
	default:
		return nil, fmt.Errorf("unknown book ref %T", ref)
	}
}

// locate finds an object by UID under a ref, returning its folder.
func (b *Backend) locate(ctx context.Context, ref BookRef, uid string) (*storage.Object, string, error) {
	switch r := ref.(type) {
	case AllBooks:
		obj, folderName, err := b.store.FindObject(ctx, storage.KindContact, uid)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, "", err
			}
			return nil, "", &errs.StorageError{Op: "find", UID: uid, Err: err}
		}
		return obj, folderName, nil
	case RealBook:
		f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
		if err != nil {
			return nil, "", err
		}
		obj, err := b.store.GetObject(ctx, f.Name, uid)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil, "", err
			}
			return nil, "", &errs.StorageError{Op: "get", Folder: f.Name, UID: uid, Err: err}
		}
		return obj, f.Name, nil
	default:
		return nil, "", fmt.Errorf("unknown book ref %T", ref)
	}
}

// targetFolder decides where a write lands and returns the previous
// version when the UID already exists there. Aggregate writes for a UID
// absent everywhere are creates into the default book.
func (b *Backend) targetFolder(ctx context.Context, ref BookRef, uid string) (string, *storage.Object, error) {
	switch r := ref.(type) {
	case AllBooks:
		obj, folderName, err := b.store.FindObject(ctx, storage.KindContact, uid)
		if err == nil {
			return folderName, obj, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return "", nil, &errs.StorageError{Op: "find", UID: uid, Err: err}
		}
		entries, err := b.res.ListAll(ctx, storage.KindContact)
		if err != nil {
			return "", nil, err
		}
		if len(entries) == 0 {
			return "", nil, fmt.Errorf("no address book folder: %w", errs.ErrNotFound)
		}
		for _, e := range entries {
			if e.Folder.Default {
				return e.Folder.Name, nil, nil
			}
		}
		return entries[0].Folder.Name, nil, nil
	case RealBook:
		f, err := b.res.Resolve(ctx, r.ID, storage.KindContact)
		if err != nil {
			return "", nil, err
		}
		prev, _ := b.existsInFolder(ctx, f.Name, uid)
		return f.Name, prev, nil
	default:
		return "", nil, fmt.Errorf("unknown book ref %T", ref)
	}
}

func (b *Backend) existsInFolder(ctx context.Context, folderName, uid string) (*storage.Object, bool) {
	obj, err := b.store.GetObject(ctx, folderName, uid)
	if err != nil {
		return nil, false
	}
	return obj, true
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

func trimVCF(uri string) string {
	return strings.TrimSuffix(uri, ".vcf")
}
