// Package ical converts between iCalendar wire text and the stored record
// shape. Decoding is tolerant of malformed lines; encoding varies the
// attachment representation by client family.
package ical

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
)

const ProdID = "-//MailDAV//MailDAV Server 1.0//EN go-ical"

// AttachmentFetcher loads attachment bytes for inline encoding.
type AttachmentFetcher func(attachmentID string) ([]byte, error)

// attachmentRef matches the sub-resource form attachments are published
// under for URI-reference clients.
var attachmentRef = regexp.MustCompile(`\.ics:attachment:([^:]+):(.+)$`)

// Parse decodes iCalendar text leniently: line endings are normalized and
// content lines that are not parseable property lines are dropped before
// the strict parser runs.
func Parse(data []byte) (*ical.Calendar, error) {
	cleaned := sanitize(data)
	cal, err := ical.NewDecoder(bytes.NewReader(cleaned)).Decode()
	if err != nil {
		return nil, &errs.ParseError{Format: "icalendar", Reason: "undecodable body", Err: err}
	}
	return cal, nil
}

func sanitize(data []byte) []byte {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		// Folded continuation lines start with whitespace; keep them with
		// their parent. Anything else without a colon cannot be a content
		// line and would abort the strict parser.
		if line[0] == ' ' || line[0] == '\t' || strings.ContainsRune(line, ':') {
			out = append(out, line)
		}
	}
	return []byte(strings.Join(out, "\r\n") + "\r\n")
}

// Decode parses wire text and builds the stored record. One logical object
// is one component type and one UID throughout; recurrence exceptions are
// folded into the master record. VTIMEZONE components are ignored.
func Decode(data []byte, parsed *ical.Calendar) (*storage.Object, *ical.Calendar, error) {
	cal := parsed
	if cal == nil {
		var err error
		cal, err = Parse(data)
		if err != nil {
			return nil, nil, err
		}
	}

	var comps []*ical.Component
	compName := ""
	for _, child := range cal.Children {
		switch child.Name {
		case ical.CompTimezone:
			continue
		case ical.CompEvent, ical.CompToDo, ical.CompJournal:
			if compName == "" {
				compName = child.Name
			} else if compName != child.Name {
				return nil, nil, &errs.ParseError{Format: "icalendar", Reason: "mixed component types in one object"}
			}
			comps = append(comps, child)
		}
	}
	if len(comps) == 0 {
		return nil, nil, &errs.ParseError{Format: "icalendar", Reason: "no calendar component"}
	}

	uid := ""
	var master *ical.Component
	var exceptions []*ical.Component
	for _, comp := range comps {
		p := comp.Props.Get(ical.PropUID)
		if p == nil || p.Value == "" {
			return nil, nil, &errs.ParseError{Format: "icalendar", Reason: "component without UID"}
		}
		if uid == "" {
			uid = p.Value
		} else if uid != p.Value {
			return nil, nil, &errs.ParseError{Format: "icalendar", Reason: "multiple UIDs in one object"}
		}
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			exceptions = append(exceptions, comp)
		} else {
			master = comp
		}
	}
	if master == nil {
		// Exception-only bodies occur when a client edits one instance of
		// an object it never downloaded whole; the first exception stands
		// in for the master.
		master = exceptions[0]
		exceptions = exceptions[1:]
	}

	ev, err := decodeComponent(master)
	if err != nil {
		return nil, nil, err
	}
	for _, comp := range exceptions {
		ex, err := decodeComponent(comp)
		if err != nil {
			return nil, nil, err
		}
		ev.Exceptions = append(ev.Exceptions, ex)
	}

	objType := storage.TypeEvent
	switch compName {
	case ical.CompToDo:
		objType = storage.TypeTask
	case ical.CompJournal:
		objType = storage.TypeJournal
	}
	obj := &storage.Object{UID: uid, Type: objType, Event: ev}
	return obj, cal, nil
}

func decodeComponent(comp *ical.Component) (*storage.Event, error) {
	ev := &storage.Event{}

	if p := comp.Props.Get(ical.PropSummary); p != nil {
		ev.Summary = p.Value
	}
	if p := comp.Props.Get(ical.PropDescription); p != nil {
		ev.Description = p.Value
	}
	if p := comp.Props.Get(ical.PropLocation); p != nil {
		ev.Location = p.Value
	}
	if p := comp.Props.Get(ical.PropStatus); p != nil {
		ev.Status = p.Value
	}
	for _, p := range comp.Props.Values(ical.PropCategories) {
		for _, c := range strings.Split(p.Value, ",") {
			if c = strings.TrimSpace(c); c != "" {
				ev.Categories = append(ev.Categories, c)
			}
		}
	}

	var err error
	if ev.Start, err = decodeDate(comp.Props.Get(ical.PropDateTimeStart)); err != nil {
		return nil, err
	}
	if ev.End, err = decodeDate(comp.Props.Get(ical.PropDateTimeEnd)); err != nil {
		return nil, err
	}
	if ev.Due, err = decodeDate(comp.Props.Get(ical.PropDue)); err != nil {
		return nil, err
	}
	if ev.RecurrenceID, err = decodeDate(comp.Props.Get(ical.PropRecurrenceID)); err != nil {
		return nil, err
	}

	if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
		if _, err := rrule.StrToROption(p.Value); err != nil {
			return nil, &errs.ParseError{Format: "icalendar", Reason: "invalid RRULE", Err: err}
		}
		ev.RRule = p.Value
	}

	for _, p := range comp.Props.Values(ical.PropAttach) {
		att, err := decodeAttachment(&p)
		if err != nil {
			return nil, err
		}
		if att != nil {
			ev.Attachments = append(ev.Attachments, att)
		}
	}
	return ev, nil
}

func decodeAttachment(p *ical.Prop) (*storage.Attachment, error) {
	enc := strings.ToUpper(p.Params.Get("ENCODING"))
	if enc == "" && p.Params.Get("BASE64") != "" {
		enc = "BASE64"
	}
	if enc == "B" || enc == "BASE64" {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(p.Value))
		if err != nil {
			return nil, &errs.ParseError{Format: "icalendar", Reason: "invalid attachment base64", Err: err}
		}
		mime := p.Params.Get("FMTTYPE")
		if mime == "" {
			mime = mimetype.Detect(data).String()
		}
		name := p.Params.Get("X-LABEL")
		if name == "" {
			name = "attachment"
		}
		return &storage.Attachment{
			ID:       uuid.NewString(),
			MimeType: mime,
			Name:     name,
			Size:     int64(len(data)),
			Data:     data,
		}, nil
	}

	// URI-reference clients resubmit the attachment links they were served.
	// A link in our own sub-resource form keeps the referenced attachment
	// alive across the full-replace update; other URIs are not stored.
	if m := attachmentRef.FindStringSubmatch(p.Value); m != nil {
		return &storage.Attachment{ID: m[1], Name: m[2]}, nil
	}
	return nil, nil
}

func decodeDate(p *ical.Prop) (storage.Date, error) {
	if p == nil {
		return storage.Date{}, nil
	}
	value := strings.TrimSpace(p.Value)
	if strings.EqualFold(p.Params.Get("VALUE"), "DATE") || len(value) == 8 {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return storage.Date{}, &errs.ParseError{Format: "icalendar", Reason: "invalid date " + value, Err: err}
		}
		return storage.Date{Time: t, DateOnly: true}, nil
	}
	for _, layout := range []string{"20060102T150405Z", "20060102T150405"} {
		if t, err := time.Parse(layout, value); err == nil {
			return storage.Date{Time: t.UTC()}, nil
		}
	}
	return storage.Date{}, &errs.ParseError{Format: "icalendar", Reason: "invalid date-time " + value}
}

// Encode serializes a stored record to iCalendar text. Lightning gets
// attachments as absolute URI references into the attachment sub-resource
// space; every other client gets them inlined via the fetch callback.
func Encode(obj *storage.Object, baseURI string, client session.Client, fetch AttachmentFetcher) ([]byte, error) {
	if obj.Event == nil {
		return nil, fmt.Errorf("object %s has no calendar payload", obj.UID)
	}

	cal := &ical.Calendar{
		Component: &ical.Component{
			Name:  ical.CompCalendar,
			Props: ical.Props{},
		},
	}
	cal.Props.SetText(ical.PropProductID, ProdID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	compName := ical.CompEvent
	switch obj.Type {
	case storage.TypeTask:
		compName = ical.CompToDo
	case storage.TypeJournal:
		compName = ical.CompJournal
	}

	master, err := encodeComponent(compName, obj, obj.Event, baseURI, client, fetch)
	if err != nil {
		return nil, err
	}
	cal.Children = append(cal.Children, master)
	for _, ex := range obj.Event.Exceptions {
		comp, err := encodeComponent(compName, obj, ex, baseURI, client, fetch)
		if err != nil {
			return nil, err
		}
		cal.Children = append(cal.Children, comp)
	}

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeComponent(name string, obj *storage.Object, ev *storage.Event, baseURI string, client session.Client, fetch AttachmentFetcher) (*ical.Component, error) {
	comp := &ical.Component{Name: name, Props: ical.Props{}}
	comp.Props.SetText(ical.PropUID, obj.UID)
	comp.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	if ev.Summary != "" {
		comp.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Description != "" {
		comp.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		comp.Props.SetText(ical.PropLocation, ev.Location)
	}
	if ev.Status != "" {
		comp.Props.SetText(ical.PropStatus, ev.Status)
	}
	if len(ev.Categories) > 0 {
		comp.Props.SetText(ical.PropCategories, strings.Join(ev.Categories, ","))
	}
	setDate(comp, ical.PropDateTimeStart, ev.Start)
	setDate(comp, ical.PropDateTimeEnd, ev.End)
	setDate(comp, ical.PropDue, ev.Due)
	setDate(comp, ical.PropRecurrenceID, ev.RecurrenceID)
	if ev.RRule != "" {
		comp.Props.SetText(ical.PropRecurrenceRule, ev.RRule)
	}

	for _, att := range ev.Attachments {
		if att.Deleted {
			continue
		}
		prop := ical.NewProp(ical.PropAttach)
		if client == session.ClientLightning {
			prop.Params.Set("VALUE", "URI")
			if att.MimeType != "" {
				prop.Params.Set("FMTTYPE", att.MimeType)
			}
			prop.Value = fmt.Sprintf("%s/%s.ics:attachment:%s:%s", baseURI, obj.UID, att.ID, att.Name)
		} else {
			data := att.Data
			if data == nil && fetch != nil {
				var err error
				if data, err = fetch(att.ID); err != nil {
					return nil, err
				}
			}
			prop.Params.Set("VALUE", "BINARY")
			prop.Params.Set("ENCODING", "BASE64")
			if att.MimeType != "" {
				prop.Params.Set("FMTTYPE", att.MimeType)
			}
			if att.Name != "" {
				prop.Params.Set("X-LABEL", att.Name)
			}
			prop.Value = base64.StdEncoding.EncodeToString(data)
		}
		comp.Props.Add(prop)
	}
	return comp, nil
}

func setDate(comp *ical.Component, name string, d storage.Date) {
	if d.IsZero() {
		return
	}
	prop := ical.NewProp(name)
	if d.DateOnly {
		prop.Params.Set("VALUE", "DATE")
		prop.Value = d.Time.Format("20060102")
	} else {
		prop.SetDateTime(d.Time.UTC())
	}
	comp.Props.Set(prop)
}
