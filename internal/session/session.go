// Package session carries per-request state. A Session is built by the
// router for each request and discarded with it; nothing here is shared
// across requests.
package session

import (
	"context"
	"regexp"

	ical "github.com/emersion/go-ical"
	govcard "github.com/emersion/go-vcard"
)

// Client is the closed set of client families the codecs specialize for.
type Client int

const (
	ClientGeneric Client = iota
	ClientApple
	ClientIOS
	ClientThunderbird
	ClientLightning
)

func (c Client) String() string {
	switch c {
	case ClientApple:
		return "apple"
	case ClientIOS:
		return "ios"
	case ClientThunderbird:
		return "thunderbird"
	case ClientLightning:
		return "lightning"
	default:
		return "generic"
	}
}

// AppleFamily reports whether the client follows the Mac/iOS address book
// dialect (vendor-prefixed group properties, labeled anniversary dates).
func (c Client) AppleFamily() bool {
	return c == ClientApple || c == ClientIOS
}

var (
	reLightning   = regexp.MustCompile(`Lightning/\d`)
	reThunderbird = regexp.MustCompile(`Thunderbird/\d`)
	reIOS         = regexp.MustCompile(`iOS/\d|[Dd]ata[Aa]ccessd/\d`)
	reApple       = regexp.MustCompile(`iCal/\d|Mac OS X/.*CalendarAgent|AddressBook/\d.*Mac OS X|Mac\+OS\+X/.*AddressBook`)
)

// Classify maps a User-Agent header to a client family. Lightning is
// checked before Thunderbird because its UA contains both tokens.
func Classify(userAgent string) Client {
	switch {
	case reLightning.MatchString(userAgent):
		return ClientLightning
	case reThunderbird.MatchString(userAgent):
		return ClientThunderbird
	case reIOS.MatchString(userAgent):
		return ClientIOS
	case reApple.MatchString(userAgent):
		return ClientApple
	default:
		return ClientGeneric
	}
}

// Session is the per-request scratch state: the classified client, a
// single-slot cache for the most recently parsed wire object (so the
// validation pass and the backend decode do not parse twice), and the
// pending redirect basename set when a write lands under a corrected UID.
type Session struct {
	User   string
	Pass   string
	Client Client

	calUID string
	cal    *ical.Calendar

	cardUID string
	card    govcard.Card

	redirect string
}

func New(user, pass, userAgent string) *Session {
	return &Session{User: user, Pass: pass, Client: Classify(userAgent)}
}

// CacheCalendar stores the parsed form of the calendar body for uid,
// replacing whatever was cached before.
func (s *Session) CacheCalendar(uid string, cal *ical.Calendar) {
	s.calUID, s.cal = uid, cal
}

// CachedCalendar returns the cached parse for uid, or nil.
func (s *Session) CachedCalendar(uid string) *ical.Calendar {
	if s.calUID == uid {
		return s.cal
	}
	return nil
}

func (s *Session) CacheCard(uid string, card govcard.Card) {
	s.cardUID, s.card = uid, card
}

func (s *Session) CachedCard(uid string) govcard.Card {
	if s.cardUID == uid {
		return s.card
	}
	return nil
}

// SetRedirect records the corrected resource basename for the response's
// Location header.
func (s *Session) SetRedirect(basename string) { s.redirect = basename }

// TakeRedirect returns the pending redirect basename and clears it. It is
// called on error paths too so a stale value never outlives its write.
func (s *Session) TakeRedirect() string {
	r := s.redirect
	s.redirect = ""
	return r
}

type ctxKey struct{}

// WithContext attaches the session to a request context.
func WithContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the request session, or nil when none was attached.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
