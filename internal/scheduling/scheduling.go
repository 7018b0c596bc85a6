// Package scheduling composes outbound iTIP notification mail. Transport
// is behind the Sender interface; the service only builds messages.
package scheduling

import (
	"bytes"
	"context"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"
)

// Subject maps an iTIP method and event summary to the notification
// subject line.
func Subject(method, summary string) string {
	switch method {
	case "REPLY":
		return "Response for: " + summary
	case "REQUEST":
		return "Invitation for: " + summary
	case "CANCEL":
		return "Cancelled event: " + summary
	default:
		return "Scheduling update: " + summary
	}
}

// Sender delivers a composed message.
type Sender interface {
	Send(ctx context.Context, from string, to string, msg []byte) error
}

type Composer struct {
	from string
	log  zerolog.Logger
}

func NewComposer(from string, log zerolog.Logger) *Composer {
	return &Composer{from: from, log: log}
}

// Compose builds one RFC 5322 message carrying the scheduling object as a
// text/calendar body with the iTIP method parameter.
func (c *Composer) Compose(method, originator, recipient, summary string, ics []byte) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: c.from}})
	h.SetAddressList("Reply-To", []*mail.Address{{Address: originator}})
	h.SetAddressList("To", []*mail.Address{{Address: recipient}})
	h.SetSubject(Subject(method, summary))
	h.SetContentType("text/calendar", map[string]string{
		"method":  method,
		"charset": "utf-8",
	})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(ics); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Notify composes and hands off one message per recipient. Delivery
// failures are logged and reported after all recipients were attempted.
func (c *Composer) Notify(ctx context.Context, sender Sender, method, originator string, recipients []string, summary string, ics []byte) error {
	var firstErr error
	for _, rcpt := range recipients {
		msg, err := c.Compose(method, originator, rcpt, summary, ics)
		if err != nil {
			return err
		}
		if err := sender.Send(ctx, c.from, rcpt, msg); err != nil {
			c.log.Error().Err(err).Str("recipient", rcpt).Str("method", method).Msg("scheduling mail delivery failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
