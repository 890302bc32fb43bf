package authflow

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow/jwt"
	"github.com/MrEthical07/authflow/store"
	"github.com/MrEthical07/authflow/store/redisstore"
)

const testPassword = "correct-horse-battery"

// testClock drives both the engine and miniredis key TTLs.
type testClock struct {
	mu  sync.Mutex
	now time.Time
	mr  *miniredis.Miniredis
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	if c.mr != nil {
		c.mr.FastForward(d)
	}
}

type sentMail struct {
	to      string
	subject string
	body    string
}

// outbox is an in-memory Mailer.
type outbox struct {
	mu   sync.Mutex
	sent []sentMail
	fail error
}

func (o *outbox) Send(_ context.Context, to, subject, body string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.sent = append(o.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func (o *outbox) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sent)
}

// lastCode extracts the code from the most recent message.
func (o *outbox) lastCode(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		t.Fatal("no email sent")
	}
	for _, field := range strings.Fields(o.sent[len(o.sent)-1].body) {
		field = strings.TrimSuffix(field, ".")
		if len(field) >= 6 && isNumericString(field) {
			return field
		}
	}
	t.Fatal("no code in email body")
	return ""
}

type testEnv struct {
	engine *Engine
	store  *redisstore.Store
	clock  *testClock
	mr     *miniredis.Miniredis
	mail   *outbox
}

func testConfig(t testing.TB) Config {
	t.Helper()
	key, err := jwt.GenerateEd25519("k1")
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	cfg := DefaultConfig()
	cfg.JWT.Audience = "authflow-test"
	cfg.JWT.PrivateKey = key.Private
	cfg.JWT.PublicKey = key.Public
	cfg.TOTP.EncryptionKey = bytes.Repeat([]byte{7}, 32)
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
		MinLength:   10,
	}
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil, mutate...)
}

func newTestEnvWith(t *testing.T, configure func(*Builder), mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := redisstore.New(rdb, "test")
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), mr: mr}
	mail := &outbox{}

	b := New().
		WithConfig(cfg).
		WithStore(st).
		WithMailer(mail).
		WithClock(clock.Now).
		WithMetricsEnabled(true)
	if configure != nil {
		configure(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, store: st, clock: clock, mr: mr, mail: mail}
}

func (env *testEnv) register(t *testing.T, email string) string {
	t.Helper()
	id, err := env.engine.Register(context.Background(), email, testPassword)
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return id
}

func (env *testEnv) signIn(t *testing.T, email string) *TokenPair {
	t.Helper()
	res, err := env.engine.SignIn(context.Background(), email, testPassword)
	if err != nil {
		t.Fatalf("SignIn(%s): %v", email, err)
	}
	if !res.Complete() {
		t.Fatalf("expected complete sign-in, got stage %s", res.Stage)
	}
	return res.Tokens
}

// enableTOTP enrolls and confirms TOTP and returns the base32 secret and the
// recovery codes handed out on confirmation.
func (env *testEnv) enableTOTP(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()
	enr, err := env.engine.EnableMFA(ctx, userID, FactorTOTP, testPassword)
	if err != nil {
		t.Fatalf("EnableMFA(totp): %v", err)
	}
	code := env.totpCode(t, enr.Secret)
	conf, err := env.engine.ConfirmMFA(ctx, userID, FactorTOTP, code)
	if err != nil {
		t.Fatalf("ConfirmMFA(totp): %v", err)
	}
	return enr.Secret, conf.RecoveryCodes
}

func (env *testEnv) enableEmail(t *testing.T, userID string) []string {
	t.Helper()
	ctx := context.Background()
	if _, err := env.engine.EnableMFA(ctx, userID, FactorEmail, testPassword); err != nil {
		t.Fatalf("EnableMFA(email): %v", err)
	}
	conf, err := env.engine.ConfirmMFA(ctx, userID, FactorEmail, env.mail.lastCode(t))
	if err != nil {
		t.Fatalf("ConfirmMFA(email): %v", err)
	}
	return conf.RecoveryCodes
}

// totpCode steps the clock one period forward so every code is for a fresh
// counter, then returns the code for now.
func (env *testEnv) totpCode(t *testing.T, secret string) string {
	t.Helper()
	env.clock.Advance(time.Duration(env.engine.config.TOTP.Period) * time.Second)
	code, err := TOTPCode(env.engine.config.TOTP, secret, env.clock.Now())
	if err != nil {
		t.Fatalf("TOTPCode: %v", err)
	}
	return code
}

func (env *testEnv) metric(id MetricID) uint64 {
	return env.engine.MetricsSnapshot().Counters[id]
}

func (env *testEnv) user(t *testing.T, id string) store.User {
	t.Helper()
	u, err := env.store.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	return u
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
