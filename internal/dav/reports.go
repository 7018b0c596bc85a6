package dav

import (
	"encoding/xml"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/soderlund/maildav/internal/backend/calendar"
	"github.com/soderlund/maildav/internal/backend/contact"
	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
	pkgical "github.com/soderlund/maildav/pkg/ical"
)

func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	_ = r.Body.Close()

	root := struct{ XMLName xml.Name }{}
	if err := xml.Unmarshal(body, &root); err != nil {
		http.Error(w, "bad xml", http.StatusBadRequest)
		return
	}

	switch root.XMLName.Space + " " + root.XMLName.Local {
	case nsCalDAV + " calendar-query":
		var q calendarQuery
		_ = xml.Unmarshal(body, &q)
		h.reportCalendarQuery(w, r, q)
	case nsCalDAV + " calendar-multiget":
		var mg calendarMultiget
		_ = xml.Unmarshal(body, &mg)
		h.reportCalendarMultiget(w, r, mg)
	case nsCardDAV + " addressbook-query":
		h.reportAddressbookQuery(w, r)
	case nsCardDAV + " addressbook-multiget":
		var mg addressbookMultiget
		_ = xml.Unmarshal(body, &mg)
		h.reportAddressbookMultiget(w, r, mg)
	case nsCalDAV + " free-busy-query":
		var fb freeBusyQuery
		_ = xml.Unmarshal(body, &fb)
		h.reportFreeBusyQuery(w, r, fb)
	default:
		http.Error(w, "unsupported REPORT", http.StatusBadRequest)
	}
}

func (h *Handlers) reportCalendarQuery(w http.ResponseWriter, r *http.Request, q calendarQuery) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Service != "calendars" || p.Collection == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	sess := session.FromContext(r.Context())
	cal, _ := h.backends(r)

	objs, err := cal.Query(r.Context(), p.Collection, []calendar.CompFilter{toBackendFilter(q.Filter.CompFilter)})
	if err != nil {
		writeError(w, err)
		return
	}

	var resps []response
	for _, obj := range objs {
		body, etag, err := cal.GetObject(r.Context(), sess, p.Collection, obj.UID+".ics")
		if err != nil {
			continue
		}
		resps = append(resps, response{
			Href: joinURL(h.basePath, "calendars", p.Collection, obj.UID+".ics"),
			Props: []propstat{{Prop: prop{
				GetETag:          etag,
				ContentType:      calContentType(),
				CalendarDataText: string(body),
			}, Status: ok()}},
		})
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func toBackendFilter(f compFilter) calendar.CompFilter {
	out := calendar.CompFilter{Name: strings.ToUpper(f.Name)}
	if f.TimeRange != nil {
		out.Start, _ = parseICalTime(f.TimeRange.Start)
		out.End, _ = parseICalTime(f.TimeRange.End)
	}
	for _, sub := range f.CompFilter {
		out.Comps = append(out.Comps, toBackendFilter(sub))
	}
	return out
}

func (h *Handlers) reportCalendarMultiget(w http.ResponseWriter, r *http.Request, mg calendarMultiget) {
	sess := session.FromContext(r.Context())
	cal, _ := h.backends(r)

	var resps []response
	for _, hrefStr := range mg.Hrefs {
		p := splitPath(h.basePath, hrefStr)
		if p.Service != "calendars" || p.Collection == "" || p.Object == "" {
			resps = append(resps, response{Href: hrefStr, Status: statusLine(http.StatusNotFound)})
			continue
		}
		body, etag, err := cal.GetObject(r.Context(), sess, p.Collection, p.Object)
		if err != nil {
			resps = append(resps, response{Href: hrefStr, Status: statusLine(httpStatus(err))})
			continue
		}
		resps = append(resps, response{
			Href: hrefStr,
			Props: []propstat{{Prop: prop{
				GetETag:          etag,
				ContentType:      calContentType(),
				CalendarDataText: string(body),
			}, Status: ok()}},
		})
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) reportAddressbookQuery(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Service != "addressbooks" || p.Collection == "" {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	sess := session.FromContext(r.Context())
	_, card := h.backends(r)
	ref := contact.ParseRef(p.Collection)

	objs, err := card.Query(r.Context(), ref, sess.Client)
	if err != nil {
		writeError(w, err)
		return
	}

	var resps []response
	for _, obj := range objs {
		body, etag, err := card.GetObject(r.Context(), sess, ref, obj.UID+".vcf")
		if err != nil {
			continue
		}
		resps = append(resps, response{
			Href: joinURL(h.basePath, "addressbooks", p.Collection, obj.UID+".vcf"),
			Props: []propstat{{Prop: prop{
				GetETag:         etag,
				ContentType:     cardContentType(),
				AddressDataText: string(body),
			}, Status: ok()}},
		})
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

func (h *Handlers) reportAddressbookMultiget(w http.ResponseWriter, r *http.Request, mg addressbookMultiget) {
	sess := session.FromContext(r.Context())
	_, card := h.backends(r)

	var resps []response
	for _, hrefStr := range mg.Hrefs {
		p := splitPath(h.basePath, hrefStr)
		if p.Service != "addressbooks" || p.Collection == "" || p.Object == "" {
			resps = append(resps, response{Href: hrefStr, Status: statusLine(http.StatusNotFound)})
			continue
		}
		body, etag, err := card.GetObject(r.Context(), sess, contact.ParseRef(p.Collection), p.Object)
		if err != nil {
			resps = append(resps, response{Href: hrefStr, Status: statusLine(httpStatus(err))})
			continue
		}
		resps = append(resps, response{
			Href: hrefStr,
			Props: []propstat{{Prop: prop{
				GetETag:         etag,
				ContentType:     cardContentType(),
				AddressDataText: string(body),
			}, Status: ok()}},
		})
	}
	writeMultiStatus(w, multistatus{Resp: resps})
}

// reportFreeBusyQuery computes the busy intervals of one calendar
// collection over the requested window.
func (h *Handlers) reportFreeBusyQuery(w http.ResponseWriter, r *http.Request, fb freeBusyQuery) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Service != "calendars" || p.Collection == "" || fb.Time == nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	start, err1 := parseICalTime(fb.Time.Start)
	end, err2 := parseICalTime(fb.Time.End)
	if err1 != nil || err2 != nil {
		http.Error(w, "bad time-range", http.StatusBadRequest)
		return
	}

	cal, _ := h.backends(r)
	objs, err := cal.Query(r.Context(), p.Collection, []calendar.CompFilter{{
		Name:  "VCALENDAR",
		Comps: []calendar.CompFilter{{Name: "VEVENT", Start: start, End: end}},
	}})
	if err != nil {
		writeError(w, err)
		return
	}

	var events []*storage.Event
	for _, obj := range objs {
		if obj.Event != nil && obj.Type == storage.TypeEvent {
			events = append(events, obj.Event)
		}
	}
	ics, err := pkgical.BuildFreeBusy(start, end, pkgical.BusyIntervals(events, start, end))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write(ics)
}

// HandleFreeBusy is the GET endpoint answering free/busy for an arbitrary
// email address, with upstream passthrough.
func (h *Handlers) HandleFreeBusy(w http.ResponseWriter, r *http.Request) {
	email := splitPath(h.basePath, r.URL.Path).Collection
	if email == "" {
		email = r.URL.Query().Get("email")
	}
	if email == "" {
		http.Error(w, "missing email", http.StatusBadRequest)
		return
	}
	start := time.Now().UTC().AddDate(0, 0, -1)
	end := start.AddDate(0, 2, 0)
	if s, err := parseICalTime(r.URL.Query().Get("start")); err == nil {
		start = s
	}
	if e, err := parseICalTime(r.URL.Query().Get("end")); err == nil {
		end = e
	}

	sess := session.FromContext(r.Context())
	result := h.fb.ForEmail(r.Context(), sess, email, start, end)
	if result.CalendarData == nil {
		http.Error(w, result.Status, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	_, _ = w.Write(result.CalendarData)
}

func parseICalTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, &errs.ParseError{Format: "icalendar", Reason: "empty time"}
	}
	if len(s) == 8 {
		return time.Parse("20060102", s)
	}
	if strings.HasSuffix(s, "Z") {
		return time.Parse("20060102T150405Z", s)
	}
	return time.Parse(time.RFC3339, s)
}
