package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/warpstation/internal/pkg/config"
)

// Notifier delivers operator alerts. Delivery failures never reach the caller.
type Notifier interface {
	Alert(subject, body string)
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends emails via SMTP
type SMTPMailer struct {
	cfg  config.Mail
	send sendFunc
}

func NewSMTPMailer(cfg config.Mail) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Enabled reports whether a server and a recipient for alerts are configured.
func (m *SMTPMailer) Enabled() bool {
	return m.cfg.Host != "" && m.cfg.AlertEmail != ""
}

// SendMail sends one plain text message.
func (m *SMTPMailer) SendMail(to, subject, body string) error {
	sender := m.cfg.Sender
	if sender == "" {
		sender = fmt.Sprintf("no-reply@%s", "localhost")
		log.Debugf("[Mail] SMTP_SENDER not set, using default sender: %s", sender)
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", sender, to, sanitizeHeader(subject)) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
			body,
	)

	if err := m.send(addr, auth, sender, []string{to}, msg); err != nil {
		log.Errorf("[Mail] SMTP send error: %v", err)
		return err
	}
	log.Infof("[Mail] Email sent to %s via %s", to, addr)
	return nil
}

// Alert mails the configured alert address in the background.
func (m *SMTPMailer) Alert(subject, body string) {
	if !m.Enabled() {
		log.Warnf("[Mail] Alert not sent, mail not configured: %s", subject)
		return
	}
	go func() {
		_ = m.SendMail(m.cfg.AlertEmail, subject, body)
	}()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
