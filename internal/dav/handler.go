// Package dav is the protocol glue between the DAV methods and the
// collection backends: path routing, the PUT validation pass, property
// rendering, report translation and Location decoration.
package dav

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/backend/calendar"
	"github.com/soderlund/maildav/internal/backend/contact"
	"github.com/soderlund/maildav/internal/config"
	"github.com/soderlund/maildav/internal/freebusy"
	"github.com/soderlund/maildav/internal/locks"
	"github.com/soderlund/maildav/internal/resolver"
	"github.com/soderlund/maildav/internal/scheduling"
	"github.com/soderlund/maildav/internal/storage"
)

type Handlers struct {
	cfg      *config.Config
	store    storage.Store
	fb       *freebusy.Service
	locks    *locks.Table
	composer *scheduling.Composer
	sender   scheduling.Sender
	logger   zerolog.Logger
	basePath string
}

// NewHandlers assembles the method handlers. A nil sender disables the
// scheduling outbox.
func NewHandlers(cfg *config.Config, store storage.Store, fb *freebusy.Service, lockTable *locks.Table, composer *scheduling.Composer, sender scheduling.Sender, logger zerolog.Logger) *Handlers {
	return &Handlers{
		cfg:      cfg,
		store:    store,
		fb:       fb,
		locks:    lockTable,
		composer: composer,
		sender:   sender,
		logger:   logger,
		basePath: cfg.HTTP.BasePath,
	}
}

// backends builds the request-scoped resolver and backends. The alias and
// id tables they carry must not outlive the request.
func (h *Handlers) backends(r *http.Request) (*calendar.Backend, *contact.Backend) {
	res := resolver.New(h.store, h.logger)
	cal := calendar.New(h.store, res, h.logger, h.externalBase(r))
	card := contact.New(h.store, res, h.logger)
	return cal, card
}

// externalBase is the absolute URL prefix handed out in attachment
// references, which URI-mode clients dereference with plain GETs.
func (h *Handlers) externalBase(r *http.Request) string {
	if h.cfg.HTTP.PublicURL != "" {
		return h.cfg.HTTP.PublicURL + h.basePath
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + h.basePath
}

func (h *Handlers) HandleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "OPTIONS, GET, HEAD, PUT, POST, DELETE, PROPFIND, PROPPATCH, REPORT, MKCOL, MKCALENDAR, LOCK, UNLOCK")
	w.Header().Set("DAV", "1, 3, calendar-access, addressbook")
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) HandleWellKnownCalDAV(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.basePath+"/calendars/", http.StatusMovedPermanently)
}

func (h *Handlers) HandleWellKnownCardDAV(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.basePath+"/addressbooks/", http.StatusMovedPermanently)
}

func (h *Handlers) principalURL(user string) string {
	return joinURL(h.basePath, "principals", "users", user)
}

func (h *Handlers) calendarHome() string {
	return joinURL(h.basePath, "calendars") + "/"
}

func (h *Handlers) addressbookHome() string {
	return joinURL(h.basePath, "addressbooks") + "/"
}
