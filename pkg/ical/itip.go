package ical

import (
	"strings"

	"github.com/emersion/go-ical"

	"github.com/soderlund/maildav/internal/errs"
)

// ITIPMessage is the routing summary of a scheduling message: who sent
// it, who receives it, and under which iTIP method.
type ITIPMessage struct {
	Method    string
	Organizer string
	Attendees []string
	Summary   string
}

// DecodeITIP extracts the scheduling envelope from a calendar carrying a
// METHOD property. The first event or task component provides organizer,
// attendees and summary.
func DecodeITIP(cal *ical.Calendar) (*ITIPMessage, error) {
	method := ""
	if p := cal.Props.Get(ical.PropMethod); p != nil {
		method = strings.ToUpper(strings.TrimSpace(p.Value))
	}
	if method == "" {
		return nil, &errs.ParseError{Format: "icalendar", Reason: "scheduling message without METHOD"}
	}

	var comp *ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent || child.Name == ical.CompToDo {
			comp = child
			break
		}
	}
	if comp == nil {
		return nil, &errs.ParseError{Format: "icalendar", Reason: "scheduling message without component"}
	}

	msg := &ITIPMessage{Method: method}
	if p := comp.Props.Get(ical.PropOrganizer); p != nil {
		msg.Organizer = trimMailto(p.Value)
	}
	for _, p := range comp.Props.Values(ical.PropAttendee) {
		if addr := trimMailto(p.Value); addr != "" {
			msg.Attendees = append(msg.Attendees, addr)
		}
	}
	if p := comp.Props.Get(ical.PropSummary); p != nil {
		msg.Summary = p.Value
	}
	return msg, nil
}

// Recipients returns the delivery targets for the message: a REPLY goes
// back to the organizer, every other method fans out to the attendees.
func (m *ITIPMessage) Recipients() []string {
	if m.Method == "REPLY" {
		if m.Organizer == "" {
			return nil
		}
		return []string{m.Organizer}
	}
	return m.Attendees
}

func trimMailto(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}
