package ical

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soderlund/maildav/internal/errs"
	"github.com/soderlund/maildav/internal/session"
	"github.com/soderlund/maildav/internal/storage"
)

func ics(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//Test//Test//EN"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func TestDecodeEvent(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"SUMMARY:Standup",
		"DESCRIPTION:Daily sync",
		"LOCATION:Room 4",
		"DTSTART:20240311T090000Z",
		"DTEND:20240311T091500Z",
		"STATUS:CONFIRMED",
		"CATEGORIES:work, team",
		"END:VEVENT",
	), nil)
	require.NoError(t, err)

	assert.Equal(t, "e1", obj.UID)
	assert.Equal(t, storage.TypeEvent, obj.Type)
	ev := obj.Event
	require.NotNil(t, ev)
	assert.Equal(t, "Standup", ev.Summary)
	assert.Equal(t, "Daily sync", ev.Description)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, "CONFIRMED", ev.Status)
	assert.Equal(t, []string{"work", "team"}, ev.Categories)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC), ev.Start.Time)
	assert.False(t, ev.Start.DateOnly)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 15, 0, 0, time.UTC), ev.End.Time)
}

func TestDecodeAllDayEvent(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"DTSTART;VALUE=DATE:20240311",
		"DTEND;VALUE=DATE:20240312",
		"END:VEVENT",
	), nil)
	require.NoError(t, err)
	assert.True(t, obj.Event.Start.DateOnly)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), obj.Event.Start.Time)
}

func TestDecodeTask(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VTODO",
		"UID:t1",
		"SUMMARY:Buy milk",
		"DUE:20240315T120000Z",
		"END:VTODO",
	), nil)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeTask, obj.Type)
	assert.Equal(t, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), obj.Event.Due.Time)
}

func TestDecodeRejectsMalformedBodies(t *testing.T) {
	tests := []struct {
		name   string
		lines  []string
		reason string
	}{
		{
			name:   "no component",
			lines:  nil,
			reason: "no calendar component",
		},
		{
			name: "mixed component types",
			lines: []string{
				"BEGIN:VEVENT", "UID:e1", "END:VEVENT",
				"BEGIN:VTODO", "UID:e1", "END:VTODO",
			},
			reason: "mixed component types",
		},
		{
			name: "multiple UIDs",
			lines: []string{
				"BEGIN:VEVENT", "UID:e1", "END:VEVENT",
				"BEGIN:VEVENT", "UID:e2", "END:VEVENT",
			},
			reason: "multiple UIDs",
		},
		{
			name:   "missing UID",
			lines:  []string{"BEGIN:VEVENT", "SUMMARY:x", "END:VEVENT"},
			reason: "without UID",
		},
		{
			name:   "invalid RRULE",
			lines:  []string{"BEGIN:VEVENT", "UID:e1", "RRULE:FREQ=BOGUS", "END:VEVENT"},
			reason: "invalid RRULE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(ics(tt.lines...), nil)
			var perr *errs.ParseError
			require.ErrorAs(t, err, &perr)
			assert.Contains(t, perr.Reason, tt.reason)
		})
	}
}

func TestDecodeToleratesJunkLines(t *testing.T) {
	body := "BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//Test//Test//EN\n" +
		"this line has no colon and must be dropped\n" +
		"BEGIN:VEVENT\nUID:e1\nSUMMARY:ok\nEND:VEVENT\nEND:VCALENDAR\n"
	obj, _, err := Decode([]byte(body), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", obj.Event.Summary)
}

func TestDecodeFoldsExceptionsIntoMaster(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"SUMMARY:Weekly",
		"DTSTART:20240304T090000Z",
		"RRULE:FREQ=WEEKLY",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:e1",
		"RECURRENCE-ID:20240311T090000Z",
		"SUMMARY:Weekly (moved)",
		"DTSTART:20240311T100000Z",
		"END:VEVENT",
	), nil)
	require.NoError(t, err)

	assert.Equal(t, "Weekly", obj.Event.Summary)
	assert.True(t, obj.Event.RecurrenceID.IsZero())
	require.Len(t, obj.Event.Exceptions, 1)
	ex := obj.Event.Exceptions[0]
	assert.Equal(t, "Weekly (moved)", ex.Summary)
	assert.Equal(t, time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC), ex.RecurrenceID.Time)
}

func TestDecodeExceptionOnlyBody(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"RECURRENCE-ID:20240311T090000Z",
		"SUMMARY:Moved instance",
		"DTSTART:20240311T100000Z",
		"END:VEVENT",
	), nil)
	require.NoError(t, err)
	assert.Equal(t, "Moved instance", obj.Event.Summary)
	assert.Empty(t, obj.Event.Exceptions)
}

func TestDecodeInlineAttachment(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("hello attachment"))
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"ATTACH;VALUE=BINARY;ENCODING=BASE64;FMTTYPE=text/plain;X-LABEL=notes.txt:"+payload,
		"END:VEVENT",
	), nil)
	require.NoError(t, err)

	require.Len(t, obj.Event.Attachments, 1)
	att := obj.Event.Attachments[0]
	assert.NotEmpty(t, att.ID)
	assert.Equal(t, "text/plain", att.MimeType)
	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, []byte("hello attachment"), att.Data)
	assert.Equal(t, int64(len("hello attachment")), att.Size)
}

func TestDecodeAttachmentURIReference(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"ATTACH;VALUE=URI:http://cal.example.com/dav/calendars/c1/e1.ics:attachment:att-42:photo.png",
		"ATTACH;VALUE=URI:http://elsewhere.example.com/file.png",
		"END:VEVENT",
	), nil)
	require.NoError(t, err)

	// The own-scheme reference becomes a data-less stub; the foreign URI is
	// not stored.
	require.Len(t, obj.Event.Attachments, 1)
	att := obj.Event.Attachments[0]
	assert.Equal(t, "att-42", att.ID)
	assert.Equal(t, "photo.png", att.Name)
	assert.Nil(t, att.Data)
}

func TestEncodeInlinesAttachmentsForGenericClients(t *testing.T) {
	obj := &storage.Object{
		UID:  "e1",
		Type: storage.TypeEvent,
		Event: &storage.Event{
			Summary: "With file",
			Attachments: []*storage.Attachment{
				{ID: "att-1", Name: "notes.txt", MimeType: "text/plain"},
			},
		},
	}
	fetch := func(id string) ([]byte, error) {
		require.Equal(t, "att-1", id)
		return []byte("stored bytes"), nil
	}

	out, err := Encode(obj, "http://cal.example.com/dav/calendars/c1", session.ClientGeneric, fetch)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "ENCODING=BASE64")
	assert.Contains(t, text, base64.StdEncoding.EncodeToString([]byte("stored bytes")))
	assert.NotContains(t, text, ":attachment:")
}

func TestEncodeAttachmentURIsForLightning(t *testing.T) {
	obj := &storage.Object{
		UID:  "e1",
		Type: storage.TypeEvent,
		Event: &storage.Event{
			Summary: "With file",
			Attachments: []*storage.Attachment{
				{ID: "att-1", Name: "notes.txt", MimeType: "text/plain", Data: []byte("x")},
			},
		},
	}

	out, err := Encode(obj, "http://cal.example.com/dav/calendars/c1", session.ClientLightning, nil)
	require.NoError(t, err)
	text := string(out)
	assert.Contains(t, text, "http://cal.example.com/dav/calendars/c1/e1.ics:attachment:att-1:notes.txt")
	assert.NotContains(t, text, "ENCODING=BASE64")
}

func TestEncodeSkipsDeletedAttachments(t *testing.T) {
	obj := &storage.Object{
		UID:  "e1",
		Type: storage.TypeEvent,
		Event: &storage.Event{
			Attachments: []*storage.Attachment{
				{ID: "gone", Name: "gone.txt", Data: []byte("x"), Deleted: true},
			},
		},
	}
	out, err := Encode(obj, "http://cal.example.com/dav/calendars/c1", session.ClientGeneric, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "ATTACH")
}

func TestRoundTripEvent(t *testing.T) {
	original := ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"SUMMARY:Planning",
		"DTSTART:20240311T090000Z",
		"DTEND:20240311T100000Z",
		"RRULE:FREQ=WEEKLY;COUNT=4",
		"END:VEVENT",
	)
	obj, _, err := Decode(original, nil)
	require.NoError(t, err)

	out, err := Encode(obj, "http://cal.example.com/dav/calendars/c1", session.ClientGeneric, nil)
	require.NoError(t, err)

	again, _, err := Decode(out, nil)
	require.NoError(t, err)
	assert.Equal(t, obj.UID, again.UID)
	assert.Equal(t, obj.Event.Summary, again.Event.Summary)
	assert.Equal(t, obj.Event.Start, again.Event.Start)
	assert.Equal(t, obj.Event.End, again.Event.End)
	assert.Equal(t, obj.Event.RRule, again.Event.RRule)
}

func TestRoundTripAllDayDate(t *testing.T) {
	obj, _, err := Decode(ics(
		"BEGIN:VEVENT",
		"UID:e1",
		"DTSTART;VALUE=DATE:20240311",
		"END:VEVENT",
	), nil)
	require.NoError(t, err)

	out, err := Encode(obj, "", session.ClientGeneric, nil)
	require.NoError(t, err)
	assert.Contains(t, string(out), "DTSTART;VALUE=DATE:20240311")
}

func TestDecodeUsesPreparsedCalendar(t *testing.T) {
	body := ics("BEGIN:VEVENT", "UID:e1", "SUMMARY:cached", "END:VEVENT")
	parsed, err := Parse(body)
	require.NoError(t, err)

	// A pre-parsed calendar short-circuits the text parse entirely.
	obj, cal, err := Decode([]byte("not icalendar at all"), parsed)
	require.NoError(t, err)
	assert.Same(t, parsed, cal)
	assert.Equal(t, "cached", obj.Event.Summary)
}
