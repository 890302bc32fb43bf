package authflow

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type captureSink struct {
	events chan AuditEvent
}

func newCaptureSink(buffer int) *captureSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &captureSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *captureSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// next waits for the first event of eventType, skipping others.
func (s *captureSink) next(t *testing.T, eventType string) AuditEvent {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.EventType == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event received", eventType)
			return AuditEvent{}
		}
	}
}

func (s *captureSink) drain(max int) []AuditEvent {
	out := make([]AuditEvent, 0, max)
	timeout := time.After(500 * time.Millisecond)
	for len(out) < max {
		select {
		case ev := <-s.events:
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
	return out
}

func newAuditEnv(t *testing.T, sink AuditSink) *testEnv {
	t.Helper()
	return newTestEnvWith(t,
		func(b *Builder) { b.WithAuditSink(sink) },
		func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.BufferSize = 64
			c.Audit.DropIfFull = false
		},
	)
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := &countingSink{}
	env := newTestEnvWith(t, func(b *Builder) { b.WithAuditSink(sink) })
	env.register(t, "alice@example.com")

	_, _ = env.engine.SignIn(WithClientIP(context.Background(), "203.0.113.1"), "alice@example.com", "wrong-password-1")
	time.Sleep(30 * time.Millisecond)

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
	if env.engine.AuditDropped() != 0 {
		t.Fatal("disabled dispatcher must not count drops")
	}
}

func TestAuditSignInFailureCarriesFields(t *testing.T) {
	sink := newCaptureSink(32)
	env := newAuditEnv(t, sink)
	id := env.register(t, "alice@example.com")

	ctx := WithClientIP(context.Background(), "198.51.100.33")
	_, _ = env.engine.SignIn(ctx, "alice@example.com", "super-secret-password")

	ev := sink.next(t, auditEventSignInFailure)
	if ev.IP != "198.51.100.33" {
		t.Fatalf("expected IP 198.51.100.33, got %q", ev.IP)
	}
	if ev.UserID != id || ev.Success {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Error != string(auditErrInvalidCredentials) {
		t.Fatalf("expected error code %q, got %q", auditErrInvalidCredentials, ev.Error)
	}
	if !ev.Timestamp.Equal(env.clock.Now()) {
		t.Fatalf("expected engine clock timestamp, got %v", ev.Timestamp)
	}
}

func TestAuditRefreshReuse(t *testing.T) {
	sink := newCaptureSink(64)
	env := newAuditEnv(t, sink)
	ctx := context.Background()
	env.register(t, "alice@example.com")
	pair := env.signIn(t, "alice@example.com")

	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	_, _ = env.engine.Refresh(ctx, pair.RefreshToken)

	ev := sink.next(t, auditEventRefreshReuseDetected)
	if ev.FamilyID != pair.FamilyID || ev.Error != string(auditErrRefreshReuse) {
		t.Fatalf("unexpected reuse event: %+v", ev)
	}
	if ev.Metadata["generation"] != "0" {
		t.Fatalf("expected generation 0 in metadata, got %q", ev.Metadata["generation"])
	}
}

func TestAuditMFAEvents(t *testing.T) {
	sink := newCaptureSink(64)
	env := newAuditEnv(t, sink)
	id := env.register(t, "alice@example.com")
	env.enableTOTP(t, id)

	ev := sink.next(t, auditEventMFAEnabled)
	if ev.Factor != string(FactorTOTP) || ev.Metadata["first"] != "true" {
		t.Fatalf("unexpected mfa_enabled event: %+v", ev)
	}
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	sink := newCaptureSink(128)
	env := newAuditEnv(t, sink)
	ctx := context.Background()
	id := env.register(t, "alice@example.com")
	first := env.signIn(t, "alice@example.com")
	second, err := env.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	_, codes := env.enableTOTP(t, id)
	if err := env.engine.VerifyRecoveryCode(ctx, id, codes[0]); err != nil {
		t.Fatalf("VerifyRecoveryCode: %v", err)
	}

	needles := []string{
		testPassword,
		first.AccessToken,
		first.RefreshToken,
		second.RefreshToken,
		codes[0],
		env.user(t, id).PasswordHash,
	}

	events := sink.drain(64)
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}
	for _, ev := range events {
		for _, needle := range needles {
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("secret leaked in error of %s", ev.EventType)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("secret leaked in metadata of %s", ev.EventType)
				}
			}
		}
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: auditEventSignInSuccess,
		UserID:    "u1",
		IP:        "127.0.0.1",
		Success:   true,
	})

	if !buf.Contains(`"event_type":"signin_success"`) {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains(`"user_id":"u1"`) {
		t.Fatal("expected JSON log line to contain user id")
	}
}

func TestAuditErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want AuditErrorCode
	}{
		{nil, ""},
		{ErrInvalidCredentials, auditErrInvalidCredentials},
		{&AccountLockedError{}, auditErrAccountLocked},
		{ErrRecoveryCodeUsed, auditErrRecoveryUsed},
		{ErrRecoveryCodeNotFound, auditErrMFAInvalid},
		{ErrTooManyAttempts, auditErrAttemptsExceeded},
		{ErrStoreUnavailable, auditErrUnavailable},
	}
	for _, tt := range tests {
		if got := auditErrorCode(tt.err); got != tt.want {
			t.Fatalf("auditErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.buf), v)
}
