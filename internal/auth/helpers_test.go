package auth

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"nevis-backend/internal/observability"
)

const (
	testAccessSecret  = "access-secret-for-tests"
	testRefreshSecret = "refresh-secret-for-tests"
	testPassword      = "Passw0rd!"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// spyStore counts mutating calls on top of the in-memory store.
type spyStore struct {
	*MemoryStore
	updates  atomic.Int64
	failures atomic.Int64
}

func (s *spyStore) UpdateAccount(ctx context.Context, id string, update AccountUpdate, now time.Time) (Account, error) {
	s.updates.Add(1)
	return s.MemoryStore.UpdateAccount(ctx, id, update, now)
}

func (s *spyStore) RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (LockState, error) {
	s.failures.Add(1)
	return s.MemoryStore.RecordLoginFailure(ctx, id, policy, now)
}

func (s *spyStore) mutate(t *testing.T, id string, fn func(*Account)) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.byID[id]
	require.True(t, ok, "account %s not found", id)
	fn(&account)
	s.byID[id] = account
}

type sentMail struct {
	kind     string
	to       string
	username string
	link     string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (m *recordingMailer) SendWelcome(_ context.Context, to, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: "welcome", to: to, username: username})
	return nil
}

func (m *recordingMailer) SendPasswordReset(_ context.Context, to, username, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMail{kind: "reset", to: to, username: username, link: link})
	return nil
}

func (m *recordingMailer) resets() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sentMail
	for _, mail := range m.sent {
		if mail.kind == "reset" {
			out = append(out, mail)
		}
	}
	return out
}

type testEnv struct {
	service     *Service
	store       *spyStore
	revocations *MemoryRevocations
	tokens      *TokenService
	hasher      *Hasher
	clock       *fakeClock
	mailer      *recordingMailer
	compares    *atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clock := newFakeClock()
	store := &spyStore{MemoryStore: NewMemoryStore()}
	revocations := NewMemoryRevocations().WithClock(clock.Now)

	hasher, err := NewHasher(bcrypt.MinCost, 4)
	require.NoError(t, err)
	compares := &atomic.Int64{}
	hasher.compare = func(hash, password []byte) error {
		compares.Add(1)
		return bcrypt.CompareHashAndPassword(hash, password)
	}

	tokens, err := NewTokenService(TokenConfig{
		AccessSecret:  testAccessSecret,
		RefreshSecret: testRefreshSecret,
	}, revocations)
	require.NoError(t, err)
	tokens.WithClock(clock.Now)

	mailer := &recordingMailer{}
	service := NewService(store, hasher, tokens, observability.NewNopLogger())
	service.WithClock(clock.Now)
	service.WithMailer(mailer)

	return &testEnv{
		service:     service,
		store:       store,
		revocations: revocations,
		tokens:      tokens,
		hasher:      hasher,
		clock:       clock,
		mailer:      mailer,
		compares:    compares,
	}
}

func (e *testEnv) register(t *testing.T, email string) Account {
	t.Helper()
	account, err := e.service.Register(context.Background(), email, testPassword, Profile{Username: "alice"})
	require.NoError(t, err)
	return account
}

func (e *testEnv) account(t *testing.T, id string) Account {
	t.Helper()
	account, err := e.store.FindAccountByID(context.Background(), id)
	require.NoError(t, err)
	return account
}

// resetTokenFor requests a reset and returns the raw token from the emailed link.
func (e *testEnv) resetTokenFor(t *testing.T, email string) string {
	t.Helper()
	require.NoError(t, e.service.RequestPasswordReset(context.Background(), email))
	e.service.Wait()

	resets := e.mailer.resets()
	require.NotEmpty(t, resets)
	link, err := url.Parse(resets[len(resets)-1].link)
	require.NoError(t, err)
	token := link.Query().Get("token")
	require.Len(t, token, 64)
	return token
}
