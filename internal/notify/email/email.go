// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/mhmd-249/cbi/internal/linking"
)

// Config holds SMTP settings. The sender is disabled when Addr or To is
// empty.
type Config struct {
	Addr     string // host:port
	From     string
	To       []string
	Username string
	Password string
}

// Enabled reports whether the config can send mail.
func (c Config) Enabled() bool { return c.Addr != "" && len(c.To) > 0 }

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender sends notifications as plain text email, English then Arabic.
type Sender struct {
	cfg  Config
	send SendFunc
	now  func() time.Time
}

// New returns a Sender for cfg. A nil send uses smtp.SendMail.
func New(cfg Config, send SendFunc) (*Sender, error) {
	if !cfg.Enabled() {
		return nil, errors.New("email: addr and at least one recipient are required")
	}
	if _, _, err := net.SplitHostPort(cfg.Addr); err != nil {
		return nil, fmt.Errorf("email: invalid addr %q: %w", cfg.Addr, err)
	}
	if cfg.From == "" {
		return nil, errors.New("email: from address is required")
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &Sender{cfg: cfg, send: send, now: time.Now}, nil
}

// Send implements notify.Sender. smtp.SendMail has no context, so the call
// runs in a goroutine and Send returns when ctx ends first.
func (s *Sender) Send(ctx context.Context, n *linking.Notification) error {
	msg := s.compose(n)

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host, _, _ := net.SplitHostPort(s.cfg.Addr)
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	done := make(chan error, 1)
	go func() { done <- s.send(s.cfg.Addr, auth, s.cfg.From, s.cfg.To, msg) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email: send: %w", ctx.Err())
	}
}

func (s *Sender) compose(n *linking.Notification) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	header("From", s.cfg.From)
	header("To", strings.Join(s.cfg.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", n.Title))
	header("Date", s.now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	if n.ID != "" {
		header("X-CBI-Notification-ID", n.ID)
	}
	b.WriteString("\r\n")

	writeBody(&b, n.Body)
	if n.BodyAr != "" {
		b.WriteString("\r\n\r\n")
		writeBody(&b, n.TitleAr+"\n\n"+n.BodyAr)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

func writeBody(b *bytes.Buffer, text string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
}
