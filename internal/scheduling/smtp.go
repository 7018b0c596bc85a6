package scheduling

import (
	"context"
	"net"
	"net/smtp"
)

// SMTPSender delivers composed messages through a plain SMTP submission
// endpoint. Authentication is used when a user is configured.
type SMTPSender struct {
	addr string
	user string
	pass string
}

func NewSMTPSender(addr, user, pass string) *SMTPSender {
	return &SMTPSender{addr: addr, user: user, pass: pass}
}

func (s *SMTPSender) Send(_ context.Context, from, to string, msg []byte) error {
	var a smtp.Auth
	if s.user != "" {
		host, _, err := net.SplitHostPort(s.addr)
		if err != nil {
			host = s.addr
		}
		a = smtp.PlainAuth("", s.user, s.pass, host)
	}
	return smtp.SendMail(s.addr, a, from, []string{to}, msg)
}
