// Package router wires HTTP dispatch: authentication, per-request session
// construction, and method routing into the DAV handlers.
package router

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/auth"
	"github.com/soderlund/maildav/internal/config"
	"github.com/soderlund/maildav/internal/dav"
	"github.com/soderlund/maildav/internal/session"
)

type Router struct {
	cfg      *config.Config
	handlers *dav.Handlers
	auth     *auth.Authenticator
	logger   zerolog.Logger
}

func New(cfg *config.Config, h *dav.Handlers, authn *auth.Authenticator, logger zerolog.Logger) http.Handler {
	r := &Router{cfg: cfg, handlers: h, auth: authn, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/caldav", h.HandleWellKnownCalDAV)
	mux.HandleFunc("/.well-known/carddav", h.HandleWellKnownCardDAV)
	mux.HandleFunc("/healthz", r.handleHealth)

	base := r.basePath()
	mux.HandleFunc(base, r.handleDAVRequest)
	mux.HandleFunc(strings.TrimSuffix(base, "/"), r.handleDAVRequest)
	return mux
}

func (r *Router) basePath() string {
	base := r.cfg.HTTP.BasePath
	if base == "" || base[0] != '/' {
		base = "/dav"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleDAVRequest(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("DAV", "1, 3, calendar-access, addressbook")

	if req.Method == http.MethodOptions {
		r.handlers.HandleOptions(w, req)
		return
	}

	pr := r.auth.Authenticate(req)
	if pr == nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="DAV", charset="UTF-8"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Session state is request-scoped by construction; nothing in it may
	// survive this request.
	sess := session.New(pr.UserID, pr.Password, req.Header.Get("User-Agent"))
	ctx := auth.WithContext(req.Context(), pr)
	ctx = session.WithContext(ctx, sess)
	req = req.WithContext(ctx)

	start := time.Now()
	r.route(w, req)
	r.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("user", pr.UserID).
		Str("client", sess.Client.String()).
		Float64("duration_ms", float64(time.Since(start).Microseconds())/1000.0).
		Msg("http request")
}

func (r *Router) route(w http.ResponseWriter, req *http.Request) {
	if strings.Contains(req.URL.Path, "/freebusy/") && req.Method == http.MethodGet {
		r.handlers.HandleFreeBusy(w, req)
		return
	}

	switch req.Method {
	case "PROPFIND":
		r.handlers.HandlePropfind(w, req)
	case "PROPPATCH":
		r.handlers.HandleProppatch(w, req)
	case "REPORT":
		r.handlers.HandleReport(w, req)
	case "MKCOL":
		r.handlers.HandleMkcol(w, req)
	case "MKCALENDAR":
		r.handlers.HandleMkcalendar(w, req)
	case "LOCK":
		r.handlers.HandleLock(w, req)
	case "UNLOCK":
		r.handlers.HandleUnlock(w, req)
	case http.MethodGet:
		r.handlers.HandleGet(w, req)
	case http.MethodHead:
		r.handlers.HandleHead(w, req)
	case http.MethodPut:
		r.handlers.HandlePut(w, req)
	case http.MethodPost:
		r.handlers.HandlePost(w, req)
	case http.MethodDelete:
		r.handlers.HandleDelete(w, req)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
