// Package freebusy serves free/busy requests by passing through a
// pre-generated upstream feed when one exists, falling back to local
// computation.
package freebusy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/soderlund/maildav/internal/session"
)

// Status lines follow the iTIP request-status convention.
const (
	StatusSuccess  = "2.0;Success"
	StatusNotFound = "3.7;Could not find principal"
)

// LookupFunc resolves an email address to its feed URL; empty means no
// feed is published for that address.
type LookupFunc func(email string) string

// LocalFunc computes free/busy locally over the principal's own folders.
// A nil func disables the fallback.
type LocalFunc func(ctx context.Context, email string, start, end time.Time) ([]byte, error)

type Result struct {
	CalendarData []byte
	Status       string
}

type Service struct {
	lookup LookupFunc
	local  LocalFunc
	client *http.Client
	log    zerolog.Logger
}

func New(lookup LookupFunc, local LocalFunc, timeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		lookup: lookup,
		local:  local,
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// ForEmail answers one free/busy query. The upstream fetch is retried once
// with the requesting user's credentials on a 401; any other upstream
// failure degrades to the local fallback, then to a not-found status.
func (s *Service) ForEmail(ctx context.Context, sess *session.Session, email string, start, end time.Time) *Result {
	if url := s.lookup(email); url != "" {
		if data := s.fetch(ctx, sess, url); data != nil {
			return &Result{CalendarData: data, Status: StatusSuccess}
		}
	}
	if s.local != nil {
		if data, err := s.local(ctx, email, start, end); err == nil && data != nil {
			return &Result{CalendarData: data, Status: StatusSuccess}
		} else if err != nil {
			s.log.Warn().Err(err).Str("email", email).Msg("local freebusy computation failed")
		}
	}
	return &Result{Status: StatusNotFound}
}

func (s *Service) fetch(ctx context.Context, sess *session.Session, url string) []byte {
	data, status := s.get(ctx, url, "", "")
	if status == http.StatusUnauthorized && sess != nil && sess.User != "" {
		data, status = s.get(ctx, url, sess.User, sess.Pass)
	}
	if status != http.StatusOK {
		s.log.Debug().Str("url", url).Int("status", status).Msg("freebusy feed unavailable")
		return nil
	}
	return data
}

func (s *Service) get(ctx context.Context, url, user, pass string) ([]byte, int) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0
	}
	return data, resp.StatusCode
}
