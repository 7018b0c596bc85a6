package dav

import (
	"encoding/xml"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/soderlund/maildav/internal/auth"
	"github.com/soderlund/maildav/internal/backend/calendar"
	"github.com/soderlund/maildav/internal/backend/contact"
	"github.com/soderlund/maildav/internal/resolver"
	"github.com/soderlund/maildav/internal/session"
	pkgical "github.com/soderlund/maildav/pkg/ical"
	pkgvcard "github.com/soderlund/maildav/pkg/vcard"
)

func (h *Handlers) HandleHead(w http.ResponseWriter, r *http.Request) {
	h.HandleGet(&headResponseWriter{ResponseWriter: w}, r)
}

type headResponseWriter struct{ http.ResponseWriter }

func (w *headResponseWriter) Write(b []byte) (int, error) { return len(b), nil }

func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Collection == "" || p.Object == "" || !safeSegment(p.Collection) {
		http.NotFound(w, r)
		return
	}
	sess := session.FromContext(r.Context())
	cal, card := h.backends(r)

	switch p.Service {
	case "calendars":
		// Attachment sub-resources short-circuit normal object retrieval.
		if _, _, isAtt := calendar.ParseAttachmentRef(p.Object); isAtt {
			att, err := cal.GetAttachment(r.Context(), p.Collection, p.Object)
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", att.MimeType)
			w.Header().Set("Content-Disposition", `attachment; filename="`+att.Name+`"`)
			w.Header().Set("Content-Length", strconv.FormatInt(int64(len(att.Data)), 10))
			_, _ = w.Write(att.Data)
			return
		}
		body, etag, err := cal.GetObject(r.Context(), sess, p.Collection, p.Object)
		if err != nil {
			writeError(w, err)
			return
		}
		if notModified(w, r, etag) {
			return
		}
		w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
		w.Header().Set("ETag", etag)
		_, _ = w.Write(body)
	case "addressbooks":
		body, etag, err := card.GetObject(r.Context(), sess, contact.ParseRef(p.Collection), p.Object)
		if err != nil {
			writeError(w, err)
			return
		}
		if notModified(w, r, etag) {
			return
		}
		w.Header().Set("Content-Type", "text/vcard; charset=utf-8")
		w.Header().Set("ETag", etag)
		_, _ = w.Write(body)
	default:
		http.NotFound(w, r)
	}
}

func notModified(w http.ResponseWriter, r *http.Request, etag string) bool {
	if inm := trimQuotes(r.Header.Get("If-None-Match")); inm != "" && inm == trimQuotes(etag) {
		w.WriteHeader(http.StatusNotModified)
		return true
	}
	return false
}

// HandlePut runs the validation pass (parse and cache before any storage
// call), dispatches to the backend, and decorates the response with the
// corrected Location when the write landed under a different UID.
func (h *Handlers) HandlePut(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Collection == "" || p.Object == "" || !safeSegment(p.Collection) || !safeSegment(p.Object) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	sess := session.FromContext(r.Context())
	cal, card := h.backends(r)

	var maxBytes int64
	switch p.Service {
	case "calendars":
		maxBytes = h.cfg.HTTP.MaxICSBytes
	case "addressbooks":
		maxBytes = h.cfg.HTTP.MaxVCFBytes
	default:
		http.NotFound(w, r)
		return
	}
	body, tooLarge := readLimited(r, maxBytes)
	if tooLarge {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	uriUID := trimExt(p.Object)
	var etag string
	var created bool
	var err error
	switch p.Service {
	case "calendars":
		parsed, perr := pkgical.Parse(body)
		if perr != nil {
			writeError(w, perr)
			return
		}
		sess.CacheCalendar(uriUID, parsed)
		etag, created, err = cal.PutObject(r.Context(), sess, p.Collection, p.Object, body)
	case "addressbooks":
		parsed, perr := pkgvcard.Parse(body)
		if perr != nil {
			writeError(w, perr)
			return
		}
		sess.CacheCard(uriUID, parsed)
		etag, created, err = card.PutObject(r.Context(), sess, contact.ParseRef(p.Collection), p.Object, body)
	}
	if err != nil {
		sess.TakeRedirect()
		writeError(w, err)
		return
	}

	if redirect := sess.TakeRedirect(); redirect != "" {
		w.Header().Set("Location", joinURL(h.basePath, p.Service, p.Collection, redirect))
	}
	w.Header().Set("ETag", etag)
	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

// readLimited drains the request body under the configured cap. A cap of
// zero or less means uncapped.
func readLimited(r *http.Request, max int64) ([]byte, bool) {
	defer func() { _ = r.Body.Close() }()
	if max <= 0 {
		body, _ := io.ReadAll(r.Body)
		return body, false
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, max+1))
	return body, int64(len(body)) > max
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Collection == "" || !safeSegment(p.Collection) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	cal, card := h.backends(r)

	var err error
	switch {
	case p.Service == "calendars" && p.Object != "":
		err = cal.DeleteObject(r.Context(), p.Collection, p.Object)
	case p.Service == "calendars":
		err = cal.DeleteCollection(r.Context(), p.Collection)
	case p.Service == "addressbooks" && p.Object != "":
		err = card.DeleteObject(r.Context(), contact.ParseRef(p.Collection), p.Object)
	case p.Service == "addressbooks":
		err = card.DeleteBook(r.Context(), contact.ParseRef(p.Collection))
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleMkcol(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Collection == "" || p.Object != "" || !safeSegment(p.Collection) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	pr := auth.FromContext(r.Context())
	cal, card := h.backends(r)

	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()

	props := make(map[string]string)
	var req mkcolRequest
	if len(body) > 0 {
		if err := xml.Unmarshal(body, &req); err == nil {
			if req.Set.Prop.DisplayName != nil {
				props[resolver.PropDisplayName] = *req.Set.Prop.DisplayName
			}
			if req.Set.Prop.Color != nil {
				props[resolver.PropCalendarColor] = *req.Set.Prop.Color
			}
			if req.Set.Prop.Comps != nil {
				var names []string
				for _, c := range req.Set.Prop.Comps.Comp {
					names = append(names, c.Name)
				}
				props["comp"] = strings.Join(names, ",")
			}
		}
	}

	var err error
	switch p.Service {
	case "calendars":
		err = cal.CreateCollection(r.Context(), pr.UserID, p.Collection, props)
	case "addressbooks":
		err = card.CreateBook(r.Context(), pr.UserID, p.Collection, props)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handlers) HandleMkcalendar(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Service != "calendars" || p.Collection == "" || p.Object != "" || !safeSegment(p.Collection) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	pr := auth.FromContext(r.Context())
	cal, _ := h.backends(r)

	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()

	props := make(map[string]string)
	var req mkcalendarRequest
	if len(body) > 0 {
		if err := xml.Unmarshal(body, &req); err == nil {
			if req.Set.Prop.DisplayName != nil {
				props[resolver.PropDisplayName] = *req.Set.Prop.DisplayName
			}
			if req.Set.Prop.Color != nil {
				props[resolver.PropCalendarColor] = *req.Set.Prop.Color
			}
		}
	}

	if err := cal.CreateCollection(r.Context(), pr.UserID, p.Collection, props); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleProppatch applies property mutations and reports the outcome per
// property; unsupported keys come back as per-key 403s in the multistatus.
func (h *Handlers) HandleProppatch(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Collection == "" || p.Object != "" || !safeSegment(p.Collection) {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	cal, card := h.backends(r)

	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()
	var upd propertyUpdate
	if err := xml.Unmarshal(body, &upd); err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}
	props := make(map[string]string)
	var keys []xml.Name
	for _, set := range upd.Set {
		for _, el := range set.Prop.Elems {
			props[clarkKey(el.XMLName)] = strings.TrimSpace(el.Value)
			keys = append(keys, el.XMLName)
		}
	}
	// Removed keys are reported alongside the set ones; none of the
	// collection properties supports removal.
	removed := make(map[string]bool)
	for _, rem := range upd.Remove {
		for _, el := range rem.Prop.Elems {
			removed[clarkKey(el.XMLName)] = true
			keys = append(keys, el.XMLName)
		}
	}

	var result *resolver.PropResult
	var err error
	switch p.Service {
	case "calendars":
		result, err = cal.UpdateCollection(r.Context(), p.Collection, props)
	case "addressbooks":
		result, err = card.UpdateBook(r.Context(), contact.ParseRef(p.Collection), props)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	hrefStr := joinURL(h.basePath, p.Service, p.Collection) + "/"
	var stats []propstat
	for _, name := range keys {
		status := ok()
		if _, failed := result.Failed[clarkKey(name)]; failed || removed[clarkKey(name)] {
			status = statusLine(http.StatusForbidden)
		}
		stats = append(stats, propstat{
			Prop:   prop{Raw: []rawProp{{XMLName: name}}},
			Status: status,
		})
	}
	writeMultiStatus(w, multistatus{Resp: []response{{Href: hrefStr, Props: stats}}})
}

func (h *Handlers) HandleLock(w http.ResponseWriter, r *http.Request) {
	pr := auth.FromContext(r.Context())
	l, acquired := h.locks.Acquire(pr.UserID, r.URL.Path)
	if !acquired {
		http.Error(w, "locked", http.StatusLocked)
		return
	}
	w.Header().Set("Lock-Token", "<"+l.Token+">")
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	pr := auth.FromContext(r.Context())
	token := strings.Trim(r.Header.Get("Lock-Token"), "<>")
	if !h.locks.Release(pr.UserID, r.URL.Path, token) {
		http.Error(w, "conflict", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
