package dav

import (
	"net/http"

	pkgical "github.com/soderlund/maildav/pkg/ical"
)

// HandlePost accepts iTIP messages on the scheduling outbox and hands
// them to the mail composer. A REPLY is routed to the organizer, every
// other method to the attendees.
func (h *Handlers) HandlePost(w http.ResponseWriter, r *http.Request) {
	p := splitPath(h.basePath, r.URL.Path)
	if p.Service != "calendars" || p.Collection != "outbox" || p.Object != "" {
		http.NotFound(w, r)
		return
	}
	if h.sender == nil {
		http.Error(w, "scheduling transport not configured", http.StatusNotImplemented)
		return
	}

	body, tooLarge := readLimited(r, h.cfg.HTTP.MaxICSBytes)
	if tooLarge {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	cal, err := pkgical.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := pkgical.DecodeITIP(cal)
	if err != nil {
		writeError(w, err)
		return
	}
	recipients := msg.Recipients()
	if len(recipients) == 0 {
		http.Error(w, "no recipients", http.StatusBadRequest)
		return
	}

	if err := h.composer.Notify(r.Context(), h.sender, msg.Method, msg.Organizer, recipients, msg.Summary, body); err != nil {
		http.Error(w, "delivery failed", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
