package mail

import (
	"bytes"
	"context"
	"errors"
	netmail "net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nevis-backend/internal/observability"
)

type capturedMail struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  string
}

func newCapturingSender(t *testing.T, cfg Config) (*SMTPSender, *capturedMail) {
	t.Helper()
	sender, err := NewSMTPSender(cfg, nil)
	require.NoError(t, err)

	captured := &capturedMail{}
	sender.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		captured.addr = addr
		captured.auth = a
		captured.from = from
		captured.to = to
		captured.msg = string(msg)
		return nil
	}
	return sender, captured
}

func TestSMTPSenderPasswordReset(t *testing.T) {
	sender, captured := newCapturingSender(t, Config{
		Host:     "smtp.example.com",
		Username: "mailer",
		Password: "secret",
		From:     "Nevis <no-reply@nevis.local>",
		ResetTTL: 15 * time.Minute,
	})

	link := "http://localhost:5500/reset-password.html?token=abc123"
	require.NoError(t, sender.SendPasswordReset(context.Background(), "alice@x.com", "alice", link))

	assert.Equal(t, "smtp.example.com:587", captured.addr)
	assert.NotNil(t, captured.auth)
	assert.Equal(t, "no-reply@nevis.local", captured.from)
	assert.Equal(t, []string{"alice@x.com"}, captured.to)
	assert.Contains(t, captured.msg, "To: <alice@x.com>\r\n")
	assert.Contains(t, captured.msg, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.Contains(t, captured.msg, "expires in <strong>15 minutes</strong>")
	assert.Contains(t, captured.msg, "token=abc123")
	assert.Contains(t, captured.msg, "<strong>alice</strong>")
}

func TestSMTPSenderWelcomeEscapesUsername(t *testing.T) {
	sender, captured := newCapturingSender(t, Config{
		Host:    "smtp.example.com",
		Port:    2525,
		From:    "no-reply@nevis.local",
		SiteURL: "https://nevis.example.com",
	})

	require.NoError(t, sender.SendWelcome(context.Background(), "bob@x.com", "<b>bob</b>"))

	assert.Equal(t, "smtp.example.com:2525", captured.addr)
	assert.Nil(t, captured.auth)
	assert.Contains(t, captured.msg, "&lt;b&gt;bob&lt;/b&gt;")
	assert.Contains(t, captured.msg, `href="https://nevis.example.com"`)
}

func TestSMTPSenderErrors(t *testing.T) {
	_, err := NewSMTPSender(Config{Host: "smtp.example.com", From: "not an address"}, nil)
	require.Error(t, err)

	sender, _ := newCapturingSender(t, Config{Host: "smtp.example.com", From: "no-reply@nevis.local"})
	require.Error(t, sender.SendWelcome(context.Background(), "bogus", "bob"))

	sender.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	require.ErrorContains(t, sender.SendWelcome(context.Background(), "bob@x.com", "bob"), "connection refused")

	release := make(chan struct{})
	defer close(release)
	sender.send = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sender.SendWelcome(ctx, "bob@x.com", "bob"), context.Canceled)
}

func TestNewFallsBackToLogSender(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerWithWriter(&buf, "info")

	sender, err := New(Config{}, logger)
	require.NoError(t, err)
	require.IsType(t, &LogSender{}, sender)

	require.NoError(t, sender.SendPasswordReset(context.Background(), "alice@x.com", "alice", "http://x/reset?token=secret-token"))
	assert.Contains(t, buf.String(), "email_skipped")
	assert.Contains(t, buf.String(), "password_reset")
	assert.False(t, strings.Contains(buf.String(), "secret-token"), "reset links must never be logged")
}

func TestBuildMessageEncodesSubject(t *testing.T) {
	from := mustAddress(t, "Nevis <no-reply@nevis.local>")
	to := mustAddress(t, "alice@x.com")
	msg := string(buildMessage(from, to, "Réinitialiser", []byte("<p>hi</p>"), time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)))

	assert.Contains(t, msg, "Subject: =?utf-8?q?R=C3=A9initialiser?=\r\n")
	assert.Contains(t, msg, "Date: Sat, 10 Jan 2026 12:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>"))
}

func mustAddress(t *testing.T, raw string) *netmail.Address {
	t.Helper()
	addr, err := netmail.ParseAddress(raw)
	require.NoError(t, err)
	return addr
}
