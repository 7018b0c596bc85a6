package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/auth"
	"github.com/soderlund/maildav/internal/config"
	"github.com/soderlund/maildav/internal/dav"
	"github.com/soderlund/maildav/internal/freebusy"
	"github.com/soderlund/maildav/internal/locks"
	"github.com/soderlund/maildav/internal/router"
	"github.com/soderlund/maildav/internal/scheduling"
	"github.com/soderlund/maildav/internal/storage"
	"github.com/soderlund/maildav/internal/storage/memory"
)

type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, func(), error) {
	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
	default:
		return nil, nil, errors.New("unknown storage type: " + cfg.Storage.Type)
	}

	authn := auth.New(cfg.Auth.Users)
	fb := freebusy.New(feedLookup(cfg), nil, cfg.FreeBusy.Timeout, logger)
	lockTable := locks.NewTable(locks.DefaultTTL)
	composer := scheduling.NewComposer(cfg.Scheduling.SenderAddr, logger)
	var sender scheduling.Sender
	if cfg.Scheduling.SMTPAddr != "" {
		sender = scheduling.NewSMTPSender(cfg.Scheduling.SMTPAddr, cfg.Scheduling.SMTPUser, cfg.Scheduling.SMTPPass)
	}
	davh := dav.NewHandlers(cfg, store, fb, lockTable, composer, sender, logger)
	mux := router.New(cfg, davh, authn, logger)

	srv := &Server{
		http: &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      mux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
	cleanup := func() { store.Close() }
	logger.Info().Msgf("listening on %s (storage=%s)", cfg.HTTP.Addr, cfg.Storage.Type)
	return srv, cleanup, nil
}

// feedLookup expands the configured free/busy URL template per email.
func feedLookup(cfg *config.Config) freebusy.LookupFunc {
	return func(email string) string {
		if cfg.FreeBusy.URLTemplate == "" {
			return ""
		}
		return strings.ReplaceAll(cfg.FreeBusy.URLTemplate, "%s", url.QueryEscape(email))
	}
}

func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
