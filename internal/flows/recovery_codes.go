package flows

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/MrEthical07/authflow/store"
)

// RecoveryCodeAlphabet omits characters that are easy to misread (0/O, 1/I).
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type RecoveryCodeErrors struct {
	Unavailable error
	Invalid     error
	NotFound    error
	Used        error
	RateLimited error
}

type RecoveryCodeDeps struct {
	Count       int
	Groups      int
	GroupLength int
	TTL         time.Duration

	Now     func() time.Time
	Replace func(context.Context, string, []store.RecoveryCode) error
	Consume func(context.Context, string, store.Digest, time.Time) (store.RecoveryOutcome, error)

	CheckLimiter         func(context.Context, string) error
	RecordLimiterFailure func(context.Context, string) error
	ResetLimiter         func(context.Context, string) error
	IsRateLimited        func(error) bool

	RandomIndex func(int) (int, error)

	OnUsed   func(context.Context, string)
	OnFailed func(context.Context, string, error)

	Errors RecoveryCodeErrors
}

// RunGenerateRecoveryCodes creates a fresh batch, replaces every stored code
// of the user with its digests and returns the formatted plaintext codes.
// The plaintext is not retained anywhere.
func RunGenerateRecoveryCodes(ctx context.Context, userID string, deps RecoveryCodeDeps) ([]string, error) {
	normalizeRecoveryCodeDeps(&deps)

	length := deps.Groups * deps.GroupLength
	if deps.Count <= 0 || length <= 0 {
		return nil, deps.Errors.Unavailable
	}

	now := deps.Now()
	var expires time.Time
	if deps.TTL > 0 {
		expires = now.Add(deps.TTL)
	}

	records := make([]store.RecoveryCode, 0, deps.Count)
	codes := make([]string, 0, deps.Count)
	seen := make(map[string]struct{}, deps.Count)
	for len(codes) < deps.Count {
		raw, err := NewRecoveryCode(length, deps.RandomIndex)
		if err != nil {
			return nil, deps.Errors.Unavailable
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		records = append(records, store.RecoveryCode{
			UserID:     userID,
			CodeDigest: RecoveryCodeHash(userID, raw),
			ExpiresAt:  expires,
			CreatedAt:  now,
		})
		codes = append(codes, FormatRecoveryCode(raw, deps.GroupLength))
	}

	if err := deps.Replace(ctx, userID, records); err != nil {
		return nil, deps.Errors.Unavailable
	}
	return codes, nil
}

// RunVerifyRecoveryCode consumes one code. Failures count against the
// per-user limiter; success resets it.
func RunVerifyRecoveryCode(ctx context.Context, userID, code string, deps RecoveryCodeDeps) error {
	normalizeRecoveryCodeDeps(&deps)

	if err := deps.CheckLimiter(ctx, userID); err != nil {
		if deps.IsRateLimited(err) {
			return deps.Errors.RateLimited
		}
		return deps.Errors.Unavailable
	}

	canonical := CanonicalizeRecoveryCode(code)
	if canonical == "" {
		return recoveryFailure(ctx, userID, deps.Errors.Invalid, deps)
	}

	outcome, err := deps.Consume(ctx, userID, RecoveryCodeHash(userID, canonical), deps.Now())
	if err != nil {
		return deps.Errors.Unavailable
	}
	switch outcome {
	case store.RecoveryConsumed:
	case store.RecoveryAlreadyUsed:
		return recoveryFailure(ctx, userID, deps.Errors.Used, deps)
	default:
		// Expired codes are indistinguishable from unknown ones.
		return recoveryFailure(ctx, userID, deps.Errors.NotFound, deps)
	}

	_ = deps.ResetLimiter(ctx, userID)
	deps.OnUsed(ctx, userID)
	return nil
}

func recoveryFailure(ctx context.Context, userID string, cause error, deps RecoveryCodeDeps) error {
	deps.OnFailed(ctx, userID, cause)
	if err := deps.RecordLimiterFailure(ctx, userID); err != nil {
		if deps.IsRateLimited(err) {
			return deps.Errors.RateLimited
		}
		return deps.Errors.Unavailable
	}
	return cause
}

// NewRecoveryCode draws length characters from RecoveryCodeAlphabet.
func NewRecoveryCode(length int, randomIndex func(int) (int, error)) (string, error) {
	if randomIndex == nil {
		randomIndex = cryptoRandomIndex
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := randomIndex(len(RecoveryCodeAlphabet))
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n])
	}
	return b.String(), nil
}

// FormatRecoveryCode inserts a dash every groupLength characters.
func FormatRecoveryCode(code string, groupLength int) string {
	if groupLength <= 0 || len(code) <= groupLength {
		return code
	}
	var b strings.Builder
	b.Grow(len(code) + len(code)/groupLength)
	for i := 0; i < len(code); i += groupLength {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + groupLength
		if end > len(code) {
			end = len(code)
		}
		b.WriteString(code[i:end])
	}
	return b.String()
}

// CanonicalizeRecoveryCode drops dashes and whitespace and upper-cases the rest.
func CanonicalizeRecoveryCode(code string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, code)
}

// RecoveryCodeHash binds the digest to the user so a code leaked from one
// account cannot match another.
func RecoveryCodeHash(userID, canonicalCode string) store.Digest {
	data := make([]byte, 0, len(userID)+1+len(canonicalCode))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}

func cryptoRandomIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

func normalizeRecoveryCodeDeps(deps *RecoveryCodeDeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.CheckLimiter == nil {
		deps.CheckLimiter = func(context.Context, string) error { return nil }
	}
	if deps.RecordLimiterFailure == nil {
		deps.RecordLimiterFailure = func(context.Context, string) error { return nil }
	}
	if deps.ResetLimiter == nil {
		deps.ResetLimiter = func(context.Context, string) error { return nil }
	}
	if deps.IsRateLimited == nil {
		deps.IsRateLimited = func(error) bool { return false }
	}
	if deps.RandomIndex == nil {
		deps.RandomIndex = cryptoRandomIndex
	}
	if deps.OnUsed == nil {
		deps.OnUsed = func(context.Context, string) {}
	}
	if deps.OnFailed == nil {
		deps.OnFailed = func(context.Context, string, error) {}
	}
}
