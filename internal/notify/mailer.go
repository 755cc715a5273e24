package notify

import (
	"fmt"
	"strings"

	"github.com/scanforge/scanforge-server/internal/config"
	gomail "gopkg.in/gomail.v2"
)

// SMTPMailer delivers mail over SMTP.
type SMTPMailer struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPMailer constructs a mailer from config. Returns an error when the
// config is incomplete rather than failing on the first send.
func NewSMTPMailer(cfg config.SMTPConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("mailer: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("mailer: from address is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	return &SMTPMailer{
		dialer: gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}, nil
}

// Send delivers one message.
func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)
	if errSend := m.dialer.DialAndSend(msg); errSend != nil {
		return fmt.Errorf("mailer: deliver to %s: %w", to, errSend)
	}
	return nil
}
