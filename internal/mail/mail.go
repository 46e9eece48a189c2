package mail

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"nevis-backend/internal/observability"
)

type Sender interface {
	SendWelcome(ctx context.Context, to, username string) error
	SendPasswordReset(ctx context.Context, to, username, link string) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	SiteURL  string
	// ResetTTL is quoted in the reset email.
	ResetTTL time.Duration
}

// New returns an SMTP sender, or a logging sender when no SMTP host is set.
func New(cfg Config, logger *observability.Logger) (Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return NewLogSender(logger), nil
	}
	return NewSMTPSender(cfg, logger)
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPSender struct {
	cfg    Config
	from   *netmail.Address
	auth   smtp.Auth
	send   sendFunc
	logger *observability.Logger
}

func NewSMTPSender(cfg Config, logger *observability.Logger) (*SMTPSender, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 15 * time.Minute
	}

	from, err := netmail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse sender address: %w", err)
	}

	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	return &SMTPSender{
		cfg:    cfg,
		from:   from,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}, nil
}

func (s *SMTPSender) SendWelcome(ctx context.Context, to, username string) error {
	body, err := render(welcomeTemplate, map[string]any{
		"Username": username,
		"SiteURL":  s.cfg.SiteURL,
	})
	if err != nil {
		return err
	}
	return s.deliver(ctx, to, "Welcome to NeViS", body)
}

func (s *SMTPSender) SendPasswordReset(ctx context.Context, to, username, link string) error {
	body, err := render(resetTemplate, map[string]any{
		"Username": username,
		"Link":     link,
		"Minutes":  int(s.cfg.ResetTTL.Minutes()),
	})
	if err != nil {
		return err
	}
	return s.deliver(ctx, to, "NeViS: reset your password", body)
}

func (s *SMTPSender) deliver(ctx context.Context, to, subject string, body []byte) error {
	recipient, err := netmail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("parse recipient: %w", err)
	}

	msg := buildMessage(s.from, recipient, subject, body, time.Now())
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)

	done := make(chan error, 1)
	go func() {
		done <- s.send(addr, s.auth, s.from.Address, []string{recipient.Address}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		s.logger.Info("email_sent", map[string]any{"subject": subject})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send mail: %w", ctx.Err())
	}
}

func buildMessage(from, to *netmail.Address, subject string, body []byte, now time.Time) []byte {
	var buf bytes.Buffer
	buf.WriteString("From: " + from.String() + "\r\n")
	buf.WriteString("To: " + to.String() + "\r\n")
	buf.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	buf.WriteString("Date: " + now.UTC().Format(time.RFC1123Z) + "\r\n")
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// LogSender records sends without delivering anything. Links are not logged.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendWelcome(_ context.Context, to, username string) error {
	s.logger.Info("email_skipped", map[string]any{"template": "welcome", "to": to, "username": username})
	return nil
}

func (s *LogSender) SendPasswordReset(_ context.Context, to, username, _ string) error {
	s.logger.Info("email_skipped", map[string]any{"template": "password_reset", "to": to, "username": username})
	return nil
}

func render(tmpl *template.Template, data map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		return nil, fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.Bytes(), nil
}
