package store

import "time"

// Method is an MFA method that can be toggled on a user.
type Method string

const (
	MethodTOTP  Method = "totp"
	MethodEmail Method = "email"
)

// User is the identity anchor. TokenVersion only increases.
type User struct {
	ID              string
	Email           string
	PasswordHash    string
	EmailVerified   bool
	TOTPEnabled     bool
	TOTPSecret      []byte
	TOTPLastCounter int64
	EmailMFAEnabled bool
	TokenVersion    int64
	FailedSignIns   int
	LockedUntil     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasPassword reports whether the user can sign in with a password.
func (u User) HasPassword() bool {
	return u.PasswordHash != ""
}

// MFAEnabled reports whether any MFA method is active.
func (u User) MFAEnabled() bool {
	return u.TOTPEnabled || u.EmailMFAEnabled
}

// MethodEnabled reports whether m is active.
func (u User) MethodEnabled(m Method) bool {
	switch m {
	case MethodTOTP:
		return u.TOTPEnabled
	case MethodEmail:
		return u.EmailMFAEnabled
	default:
		return false
	}
}

// LockedAt reports whether a lockout is in force at now.
func (u User) LockedAt(now time.Time) bool {
	return !u.LockedUntil.IsZero() && now.Before(u.LockedUntil)
}

// NewUser carries the fields set at registration.
type NewUser struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}

// LockoutPolicy parameterises RecordSignInFailure.
type LockoutPolicy struct {
	Threshold int
	Duration  time.Duration
}

// TokenRecord is one refresh-token issuance. The access and refresh token of
// a pair share the record's JTI.
type TokenRecord struct {
	JTI              string
	ParentJTI        string
	FamilyID         string
	UserID           string
	Generation       int
	Revoked          bool
	AccessDigest     Digest
	AccessExpiresAt  time.Time
	RefreshDigest    Digest
	RefreshExpiresAt time.Time
	CreatedAt        time.Time
}

// RotateRequest asks the store to supersede OldJTI with Next. The store fills
// Next.ParentJTI, FamilyID, UserID and Generation from the old record.
type RotateRequest struct {
	OldJTI        string
	Next          TokenRecord
	MaxGeneration int
	Now           time.Time
}

// RotateOutcome classifies a rotation attempt.
type RotateOutcome int

const (
	RotateOK RotateOutcome = iota
	RotateNotFound
	RotateRevoked
	// RotateReused means the old record already has a child.
	RotateReused
	RotateCeiling
	RotateExpired
)

func (o RotateOutcome) String() string {
	switch o {
	case RotateOK:
		return "ok"
	case RotateNotFound:
		return "not_found"
	case RotateRevoked:
		return "revoked"
	case RotateReused:
		return "reused"
	case RotateCeiling:
		return "generation_ceiling"
	case RotateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// RotateResult holds the outcome plus the records involved. Previous is set
// whenever the old record exists; Next only on RotateOK.
type RotateResult struct {
	Outcome  RotateOutcome
	Previous TokenRecord
	Next     TokenRecord
}

// BlacklistEntry revokes one token until ExpiresAt.
type BlacklistEntry struct {
	Digest    Digest
	Reason    string
	ExpiresAt time.Time
}

// Blacklist reasons.
const (
	ReasonLogout          = "logout"
	ReasonVersionChanged  = "version_changed"
	ReasonRotated         = "rotated"
	ReasonFamilyRevoked   = "family_revoked"
	ReasonPasswordChanged = "password_changed"
	ReasonStateConsumed   = "state_consumed"
)

// EmailChallenge is a short-lived code bound to a user and purpose.
type EmailChallenge struct {
	UserID          string
	Purpose         string
	CodeDigest      Digest
	Attempts        int
	ExpiresAt       time.Time
	LastRequestedAt time.Time
}

// ConsumeRequest verifies a submitted code against the live challenge.
type ConsumeRequest struct {
	UserID      string
	Purpose     string
	CodeDigest  Digest
	MaxAttempts int
	Now         time.Time
}

// ChallengeOutcome classifies a ConsumeChallenge call.
type ChallengeOutcome int

const (
	ChallengeVerified ChallengeOutcome = iota
	ChallengeNotFound
	ChallengeMismatch
	// ChallengeAttemptsExceeded means the attempt budget is spent. The
	// challenge refuses every code until it expires.
	ChallengeAttemptsExceeded
)

// RecoveryCode is one hashed single-use code. A zero ExpiresAt never expires.
type RecoveryCode struct {
	UserID     string
	CodeDigest Digest
	Used       bool
	UsedAt     time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// RecoveryOutcome classifies a ConsumeRecoveryCode call.
type RecoveryOutcome int

const (
	RecoveryConsumed RecoveryOutcome = iota
	RecoveryNotFound
	RecoveryAlreadyUsed
	RecoveryExpired
)
