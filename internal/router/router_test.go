package router

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soderlund/maildav/internal/auth"
	"github.com/soderlund/maildav/internal/config"
	"github.com/soderlund/maildav/internal/dav"
	"github.com/soderlund/maildav/internal/freebusy"
	"github.com/soderlund/maildav/internal/locks"
	"github.com/soderlund/maildav/internal/resolver"
	"github.com/soderlund/maildav/internal/scheduling"
	"github.com/soderlund/maildav/internal/storage"
	"github.com/soderlund/maildav/internal/storage/memory"
)

func newTestHandler(t *testing.T) (http.Handler, string) {
	return newTestHandlerWithSender(t, nil)
}

type recordingSender struct {
	to   []string
	msgs [][]byte
}

func (s *recordingSender) Send(_ context.Context, _ string, to string, msg []byte) error {
	s.to = append(s.to, to)
	s.msgs = append(s.msgs, msg)
	return nil
}

func newTestHandlerWithSender(t *testing.T, sender scheduling.Sender) (http.Handler, string) {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.CreateFolder(ctx, &storage.Folder{
		Name:      "Calendar",
		Owner:     "alice",
		Kind:      storage.KindEvent,
		Namespace: storage.NamespacePersonal,
		Default:   true,
	}))
	require.NoError(t, store.CreateFolder(ctx, &storage.Folder{
		Name:      "Contacts",
		Owner:     "alice",
		Kind:      storage.KindContact,
		Namespace: storage.NamespacePersonal,
		Default:   true,
	}))

	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			Addr:        ":0",
			BasePath:    "/dav",
			MaxICSBytes: 1 << 20,
			MaxVCFBytes: 1 << 20,
		},
		Storage: config.StorageConfig{Type: "memory"},
		Auth:    config.AuthConfig{Users: map[string]string{"alice": "secret"}},
	}

	logger := zerolog.Nop()
	fb := freebusy.New(func(string) string { return "" }, nil, time.Second, logger)
	composer := scheduling.NewComposer("noreply@example.com", logger)
	h := dav.NewHandlers(cfg, store, fb, locks.NewTable(locks.DefaultTTL), composer, sender, logger)
	return New(cfg, h, auth.New(cfg.Auth.Users), logger), resolver.DeriveID("Calendar", "alice")
}

func doRequest(h http.Handler, method, path, body string, decorate ...func(*http.Request)) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.SetBasicAuth("alice", "secret")
	for _, d := range decorate {
		d(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func eventBody(uid string) string {
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//Test//EN",
		"BEGIN:VEVENT",
		"UID:" + uid,
		"SUMMARY:Planning",
		"DTSTART:20240311T090000Z",
		"DTEND:20240311T100000Z",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest("PROPFIND", "/dav/calendars/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Basic")
}

func TestOptionsIsPublic(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/dav/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("DAV"), "calendar-access")
	assert.Contains(t, w.Header().Get("Allow"), "PROPFIND")
}

func TestHealthzIsPublic(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPrincipalPropfind(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doRequest(h, "PROPFIND", "/dav/principals/users/alice", "")
	require.Equal(t, 207, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "calendar-home-set")
	assert.Contains(t, body, "addressbook-home-set")
	assert.Contains(t, body, "/dav/principals/users/alice")
}

func TestCalendarHomeListing(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doRequest(h, "PROPFIND", "/dav/calendars/", "", func(r *http.Request) {
		r.Header.Set("Depth", "1")
	})
	require.Equal(t, 207, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Calendar")
	assert.Contains(t, body, "getctag")
	assert.Contains(t, body, "supported-calendar-component-set")
}

func TestEventLifecycle(t *testing.T) {
	h, colID := newTestHandler(t)
	objPath := "/dav/calendars/" + colID + "/e1.ics"

	put := doRequest(h, http.MethodPut, objPath, eventBody("e1"), func(r *http.Request) {
		r.Header.Set("Content-Type", "text/calendar")
	})
	require.Equal(t, http.StatusCreated, put.Code)
	etag := put.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.Empty(t, put.Header().Get("Location"))

	get := doRequest(h, http.MethodGet, objPath, "")
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, etag, get.Header().Get("ETag"))
	assert.Contains(t, get.Body.String(), "UID:e1")
	assert.Contains(t, get.Header().Get("Content-Type"), "text/calendar")

	notModified := doRequest(h, http.MethodGet, objPath, "", func(r *http.Request) {
		r.Header.Set("If-None-Match", etag)
	})
	assert.Equal(t, http.StatusNotModified, notModified.Code)

	del := doRequest(h, http.MethodDelete, objPath, "")
	require.Equal(t, http.StatusNoContent, del.Code)

	gone := doRequest(h, http.MethodGet, objPath, "")
	assert.Equal(t, http.StatusNotFound, gone.Code)
}

func TestPutUpdateReturnsNoContent(t *testing.T) {
	h, colID := newTestHandler(t)
	objPath := "/dav/calendars/" + colID + "/e1.ics"

	require.Equal(t, http.StatusCreated, doRequest(h, http.MethodPut, objPath, eventBody("e1")).Code)

	// Rewriting an existing UID is an update, not a create.
	update := doRequest(h, http.MethodPut, objPath, eventBody("e1"))
	assert.Equal(t, http.StatusNoContent, update.Code)
	assert.NotEmpty(t, update.Header().Get("ETag"))
}

func TestPutMismatchedUIDSetsLocation(t *testing.T) {
	h, colID := newTestHandler(t)

	// Created at e1.ics with body UID e2: the write lands at e2.ics and the
	// response points there.
	w := doRequest(h, http.MethodPut, "/dav/calendars/"+colID+"/e1.ics", eventBody("e2"))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "/dav/calendars/"+colID+"/e2.ics", w.Header().Get("Location"))

	get := doRequest(h, http.MethodGet, "/dav/calendars/"+colID+"/e2.ics", "")
	assert.Equal(t, http.StatusOK, get.Code)
}

func TestPutUpdateConflict(t *testing.T) {
	h, colID := newTestHandler(t)
	objPath := "/dav/calendars/" + colID + "/e1.ics"

	require.Equal(t, http.StatusCreated, doRequest(h, http.MethodPut, objPath, eventBody("e1")).Code)

	w := doRequest(h, http.MethodPut, objPath, eventBody("e9"))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPutMalformedBodyRejected(t *testing.T) {
	h, colID := newTestHandler(t)

	w := doRequest(h, http.MethodPut, "/dav/calendars/"+colID+"/e1.ics",
		"BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalendarMultigetReport(t *testing.T) {
	h, colID := newTestHandler(t)
	objPath := "/dav/calendars/" + colID + "/e1.ics"
	require.Equal(t, http.StatusCreated, doRequest(h, http.MethodPut, objPath, eventBody("e1")).Code)

	report := `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-multiget xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:href>` + objPath + `</D:href>
  <D:href>/dav/calendars/` + colID + `/missing.ics</D:href>
</C:calendar-multiget>`

	w := doRequest(h, "REPORT", "/dav/calendars/"+colID+"/", report)
	require.Equal(t, 207, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "UID:e1")
	assert.Contains(t, body, "404")
}

func TestProppatchRename(t *testing.T) {
	h, colID := newTestHandler(t)

	update := `<?xml version="1.0" encoding="utf-8"?>
<D:propertyupdate xmlns:D="DAV:">
  <D:set><D:prop><D:displayname>Renamed</D:displayname></D:prop></D:set>
</D:propertyupdate>`

	w := doRequest(h, "PROPPATCH", "/dav/calendars/"+colID, update)
	require.Equal(t, 207, w.Code)
	assert.Contains(t, w.Body.String(), "HTTP/1.1 200 OK")

	// The collection id is stable across the rename.
	list := doRequest(h, "PROPFIND", "/dav/calendars/"+colID+"/", "", func(r *http.Request) {
		r.Header.Set("Depth", "0")
	})
	require.Equal(t, 207, list.Code)
	assert.Contains(t, list.Body.String(), "Renamed")
}

func TestProppatchRemoveReportsForbidden(t *testing.T) {
	h, colID := newTestHandler(t)

	update := `<?xml version="1.0" encoding="utf-8"?>
<D:propertyupdate xmlns:D="DAV:">
  <D:set><D:prop><D:displayname>Renamed</D:displayname></D:prop></D:set>
  <D:remove><D:prop><D:getcontentlength/></D:prop></D:remove>
</D:propertyupdate>`

	w := doRequest(h, "PROPPATCH", "/dav/calendars/"+colID, update)
	require.Equal(t, 207, w.Code)
	body := w.Body.String()
	// The set succeeds; the removed key is answered, not dropped.
	assert.Contains(t, body, "HTTP/1.1 200 OK")
	assert.Contains(t, body, "getcontentlength")
	assert.Contains(t, body, "403 Forbidden")
}

func TestLightningGetsAbsoluteAttachmentRefs(t *testing.T) {
	h, colID := newTestHandler(t)
	objPath := "/dav/calendars/" + colID + "/e1.ics"

	payload := base64.StdEncoding.EncodeToString([]byte("meeting notes"))
	body := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//Test//EN",
		"BEGIN:VEVENT",
		"UID:e1",
		"SUMMARY:Planning",
		"DTSTART:20240311T090000Z",
		"DTEND:20240311T100000Z",
		"ATTACH;VALUE=BINARY;ENCODING=BASE64;FMTTYPE=text/plain;X-LABEL=notes.txt:" + payload,
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"
	require.Equal(t, http.StatusCreated, doRequest(h, http.MethodPut, objPath, body).Code)

	get := doRequest(h, http.MethodGet, objPath, "", func(r *http.Request) {
		r.Header.Set("User-Agent", "Mozilla/5.0 Lightning/78.0")
	})
	require.Equal(t, http.StatusOK, get.Code)
	// The URI handed to the client must be dereferenceable as-is, so it
	// carries the request's scheme and host.
	assert.Contains(t, get.Body.String(),
		"http://example.com/dav/calendars/"+colID+"/e1.ics:attachment:")
}

func TestAddressbookLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)
	bookID := resolver.DeriveID("Contacts", "alice")
	card := strings.Join([]string{
		"BEGIN:VCARD", "VERSION:3.0", "UID:c1", "FN:John Doe", "END:VCARD",
	}, "\r\n") + "\r\n"

	put := doRequest(h, http.MethodPut, "/dav/addressbooks/"+bookID+"/c1.vcf", card)
	require.Equal(t, http.StatusCreated, put.Code)

	// The aggregate book serves the same contact.
	get := doRequest(h, http.MethodGet, "/dav/addressbooks/__all__/c1.vcf", "")
	require.Equal(t, http.StatusOK, get.Code)
	assert.Contains(t, get.Body.String(), "FN:John Doe")

	list := doRequest(h, "PROPFIND", "/dav/addressbooks/", "", func(r *http.Request) {
		r.Header.Set("Depth", "1")
	})
	require.Equal(t, 207, list.Code)
	assert.Contains(t, list.Body.String(), "__all__")
}

func TestFreeBusyEndpointWithoutFeed(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doRequest(h, http.MethodGet, "/dav/freebusy/bob@example.com", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "3.7")
}

func TestLockUnlock(t *testing.T) {
	h, colID := newTestHandler(t)
	objPath := "/dav/calendars/" + colID + "/e1.ics"

	lock := doRequest(h, "LOCK", objPath, "")
	require.Equal(t, http.StatusOK, lock.Code)
	token := strings.Trim(lock.Header().Get("Lock-Token"), "<>")
	require.NotEmpty(t, token)

	again := doRequest(h, "LOCK", objPath, "")
	assert.Equal(t, http.StatusLocked, again.Code)

	unlock := doRequest(h, "UNLOCK", objPath, "", func(r *http.Request) {
		r.Header.Set("Lock-Token", "<"+token+">")
	})
	assert.Equal(t, http.StatusNoContent, unlock.Code)
}

func itipBody(method string) string {
	return strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//Test//Test//EN",
		"METHOD:" + method,
		"BEGIN:VEVENT",
		"UID:e1",
		"SUMMARY:Planning",
		"DTSTART:20240311T090000Z",
		"DTEND:20240311T100000Z",
		"ORGANIZER:mailto:alice@example.com",
		"ATTENDEE:mailto:bob@example.com",
		"ATTENDEE:mailto:carol@example.com",
		"END:VEVENT",
		"END:VCALENDAR",
	}, "\r\n") + "\r\n"
}

func TestScheduleOutboxDelivers(t *testing.T) {
	sender := &recordingSender{}
	h, _ := newTestHandlerWithSender(t, sender)

	w := doRequest(h, http.MethodPost, "/dav/calendars/outbox", itipBody("REQUEST"))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, []string{"bob@example.com", "carol@example.com"}, sender.to)
	msg := string(sender.msgs[0])
	assert.Contains(t, msg, "Subject: Invitation for: Planning")
	assert.Contains(t, msg, "method=REQUEST")
	assert.Contains(t, msg, "METHOD:REQUEST")
}

func TestScheduleOutboxReplyGoesToOrganizer(t *testing.T) {
	sender := &recordingSender{}
	h, _ := newTestHandlerWithSender(t, sender)

	w := doRequest(h, http.MethodPost, "/dav/calendars/outbox", itipBody("REPLY"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"alice@example.com"}, sender.to)
}

func TestScheduleOutboxWithoutTransport(t *testing.T) {
	h, _ := newTestHandler(t)

	w := doRequest(h, http.MethodPost, "/dav/calendars/outbox", itipBody("REQUEST"))
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestScheduleOutboxRejectsNonITIP(t *testing.T) {
	sender := &recordingSender{}
	h, colID := newTestHandlerWithSender(t, sender)

	w := doRequest(h, http.MethodPost, "/dav/calendars/outbox", eventBody("e1"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, sender.to)

	// POST anywhere but the outbox is not a thing.
	misplaced := doRequest(h, http.MethodPost, "/dav/calendars/"+colID+"/", itipBody("REQUEST"))
	assert.Equal(t, http.StatusNotFound, misplaced.Code)
}
