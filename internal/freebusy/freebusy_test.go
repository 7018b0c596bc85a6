package freebusy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soderlund/maildav/internal/session"
)

const feedBody = "BEGIN:VCALENDAR\r\nBEGIN:VFREEBUSY\r\nEND:VFREEBUSY\r\nEND:VCALENDAR\r\n"

func window() (time.Time, time.Time) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 2, 0)
}

func TestForEmailPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	s := New(func(string) string { return srv.URL }, nil, time.Second, zerolog.Nop())
	start, end := window()
	res := s.ForEmail(context.Background(), session.New("alice", "pw", ""), "bob@example.com", start, end)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, feedBody, string(res.CalendarData))
}

func TestForEmailRetriesOnceWithCredentials(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(feedBody))
	}))
	defer srv.Close()

	s := New(func(string) string { return srv.URL }, nil, time.Second, zerolog.Nop())
	start, end := window()
	res := s.ForEmail(context.Background(), session.New("alice", "secret", ""), "bob@example.com", start, end)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, feedBody, string(res.CalendarData))
	assert.Equal(t, int32(2), requests.Load())
}

func TestForEmailNoSecondRetryOnBadCredentials(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := New(func(string) string { return srv.URL }, nil, time.Second, zerolog.Nop())
	start, end := window()
	res := s.ForEmail(context.Background(), session.New("alice", "wrong", ""), "bob@example.com", start, end)

	assert.Equal(t, StatusNotFound, res.Status)
	assert.Nil(t, res.CalendarData)
	assert.Equal(t, int32(2), requests.Load())
}

func TestForEmailFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	local := func(ctx context.Context, email string, start, end time.Time) ([]byte, error) {
		assert.Equal(t, "bob@example.com", email)
		return []byte("local data"), nil
	}
	s := New(func(string) string { return srv.URL }, local, time.Second, zerolog.Nop())
	start, end := window()
	res := s.ForEmail(context.Background(), session.New("alice", "pw", ""), "bob@example.com", start, end)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "local data", string(res.CalendarData))
}

func TestForEmailUnknownPrincipal(t *testing.T) {
	s := New(func(string) string { return "" }, nil, time.Second, zerolog.Nop())
	start, end := window()
	res := s.ForEmail(context.Background(), session.New("alice", "pw", ""), "nobody@example.com", start, end)

	require.NotNil(t, res)
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Nil(t, res.CalendarData)
}
