package dav

import (
	"net/http"
	"time"

	"github.com/soderlund/maildav/internal/auth"
	"github.com/soderlund/maildav/internal/backend/calendar"
	"github.com/soderlund/maildav/internal/backend/contact"
	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
)

func (h *Handlers) HandlePropfind(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "1"
	}

	switch p.Service {
	case "", "principals":
		h.propfindPrincipal(w, r)
	case "calendars":
		h.propfindCalendars(w, r, p, depth)
	case "addressbooks":
		h.propfindAddressbooks(w, r, p, depth)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) propfindPrincipal(w http.ResponseWriter, r *http.Request) {
	pr := auth.FromContext(r.Context())
	principal := h.principalURL(pr.UserID)
	resps := []response{{
		Href: principal,
		Props: []propstat{{Prop: prop{
			Resourcetype:         makePrincipalResourcetype(),
			DisplayName:          strPtr(pr.UserID),
			CurrentUserPrincipal: &href{Value: principal},
			PrincipalURL:         &href{Value: principal},
			CalendarHomeSet:      &href{Value: h.calendarHome()},
			AddressbookHomeSet:   &href{Value: h.addressbookHome()},
		}, Status: ok()}},
	}}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) propfindCalendars(w http.ResponseWriter, r *http.Request, p davPath, depth string) {
	pr := auth.FromContext(r.Context())
	cal, _ := h.backends(r)

	if p.Collection == "" {
		resps := []response{{
			Href: h.calendarHome(),
			Props: []propstat{{Prop: prop{
				Resourcetype: makeCollectionResourcetype(),
				DisplayName:  strPtr("Calendars"),
			}, Status: ok()}},
		}}
		if depth != "0" {
			cols, err := cal.ListCollections(r.Context(), pr.UserID)
			if err != nil {
				writeError(w, err)
				return
			}
			for _, c := range cols {
				resps = append(resps, h.calendarResponse(c))
			}
		}
		writeMultiStatus(w, multistatus{Resp: resps})
		return
	}

	if p.Object != "" {
		h.propfindCalendarObject(w, r, p)
		return
	}

	c, err := cal.GetCollection(r.Context(), p.Collection, pr.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	resps := []response{h.calendarResponse(c)}
	if depth != "0" {
		objs, err := cal.ListObjects(r.Context(), p.Collection)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, obj := range objs {
			resps = append(resps, h.objectResponse(
				joinURL(h.basePath, "calendars", p.Collection, obj.UID+".ics"),
				obj, calContentType()))
		}
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) propfindCalendarObject(w http.ResponseWriter, r *http.Request, p davPath) {
	cal, _ := h.backends(r)
	objs, err := cal.ListObjects(r.Context(), p.Collection)
	if err != nil {
		writeError(w, err)
		return
	}
	uid := trimExt(p.Object)
	for _, obj := range objs {
		if obj.UID == uid {
			writeMultiStatus(w, multistatus{Resp: []response{h.objectResponse(
				joinURL(h.basePath, "calendars", p.Collection, obj.UID+".ics"),
				obj, calContentType())}})
			return
		}
	}
	http.NotFound(w, r)
}

func (h *Handlers) calendarResponse(c *calendar.Collection) response {
	comps := make([]comp, 0, len(c.Components))
	for _, name := range c.Components {
		comps = append(comps, comp{Name: name})
	}
	pp := prop{
		Resourcetype:                  makeCalendarResourcetype(),
		DisplayName:                   &c.Name,
		Owner:                         &href{Value: h.principalURL(c.Owner)},
		GetCTag:                       &c.CTag,
		SupportedCalendarComponentSet: &supportedCompSet{Comp: comps},
	}
	if c.Color != "" {
		pp.CalendarColor = strPtr("#" + c.Color)
	}
	return response{
		Href:  joinURL(h.basePath, "calendars", c.ID) + "/",
		Props: []propstat{{Prop: pp, Status: ok()}},
	}
}

func (h *Handlers) propfindAddressbooks(w http.ResponseWriter, r *http.Request, p davPath, depth string) {
	pr := auth.FromContext(r.Context())
	sess := session.FromContext(r.Context())
	_, card := h.backends(r)

	if p.Collection == "" {
		resps := []response{{
			Href: h.addressbookHome(),
			Props: []propstat{{Prop: prop{
				Resourcetype: makeCollectionResourcetype(),
				DisplayName:  strPtr("Address Books"),
			}, Status: ok()}},
		}}
		if depth != "0" {
			books, err := card.ListBooks(r.Context(), pr.UserID, sess.Client)
			if err != nil {
				writeError(w, err)
				return
			}
			for _, b := range books {
				resps = append(resps, h.addressbookResponse(b))
			}
		}
		writeMultiStatus(w, multistatus{Resp: resps})
		return
	}

	ref := contact.ParseRef(p.Collection)

	if p.Object != "" {
		objs, err := card.ListObjects(r.Context(), ref)
		if err != nil {
			writeError(w, err)
			return
		}
		uid := trimExt(p.Object)
		for _, obj := range objs {
			if obj.UID == uid {
				writeMultiStatus(w, multistatus{Resp: []response{h.objectResponse(
					joinURL(h.basePath, "addressbooks", p.Collection, obj.UID+".vcf"),
					obj, cardContentType())}})
				return
			}
		}
		http.NotFound(w, r)
		return
	}

	b, err := card.GetBook(r.Context(), ref, pr.UserID, sess.Client)
	if err != nil {
		writeError(w, err)
		return
	}
	resps := []response{h.addressbookResponse(b)}
	if depth != "0" {
		objs, err := card.ListObjects(r.Context(), ref)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, obj := range objs {
			resps = append(resps, h.objectResponse(
				joinURL(h.basePath, "addressbooks", p.Collection, obj.UID+".vcf"),
				obj, cardContentType()))
		}
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) addressbookResponse(b *contact.Book) response {
	return response{
		Href: joinURL(h.basePath, "addressbooks", b.ID) + "/",
		Props: []propstat{{Prop: prop{
			Resourcetype: makeAddressbookResourcetype(),
			DisplayName:  &b.Name,
			Owner:        &href{Value: h.principalURL(b.Owner)},
			GetCTag:      &b.CTag,
		}, Status: ok()}},
	}
}

func (h *Handlers) objectResponse(hrefStr string, obj *storage.Object, contentType *string) response {
	pp := prop{
		ContentType: contentType,
		GetETag:     obj.ETag(),
	}
	if obj.Meta.Size > 0 {
		size := obj.Meta.Size
		pp.ContentLength = &size
	}
	if !obj.Meta.Changed.IsZero() {
		pp.GetLastModified = obj.Meta.Changed.UTC().Format(time.RFC1123)
	}
	return response{Href: hrefStr, Props: []propstat{{Prop: pp, Status: ok()}}}
}
