package internaldefs

import (
	"strconv"

	"github.com/MrEthical07/authflow"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   authflow.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter in a stable order.
var CounterDefs = []CounterDef{
	{ID: authflow.MetricSignInSuccess, Name: "authflow_signin_success_total", Help: "Completed sign-ins."},
	{ID: authflow.MetricSignInFailure, Name: "authflow_signin_failure_total", Help: "Sign-ins rejected for bad credentials."},
	{ID: authflow.MetricSignInLocked, Name: "authflow_signin_locked_total", Help: "Sign-ins rejected because the account was locked."},
	{ID: authflow.MetricAccountLocked, Name: "authflow_account_locked_total", Help: "Accounts locked after repeated failures."},
	{ID: authflow.MetricAccountCreated, Name: "authflow_account_created_total", Help: "Registered accounts."},
	{ID: authflow.MetricAccountDuplicate, Name: "authflow_account_duplicate_total", Help: "Registrations rejected as duplicate."},
	{ID: authflow.MetricSocialSignIn, Name: "authflow_social_signin_total", Help: "Sign-ins through a social provider."},
	{ID: authflow.MetricMFARequired, Name: "authflow_mfa_required_total", Help: "Sign-ins that issued a state token."},
	{ID: authflow.MetricMFASuccess, Name: "authflow_mfa_success_total", Help: "Accepted second-factor codes."},
	{ID: authflow.MetricMFAFailure, Name: "authflow_mfa_failure_total", Help: "Rejected second-factor codes."},
	{ID: authflow.MetricStateTokenReplay, Name: "authflow_state_token_replay_total", Help: "Sign-in state tokens presented twice."},
	{ID: authflow.MetricTOTPReplay, Name: "authflow_totp_replay_total", Help: "TOTP codes presented for an already used step."},
	{ID: authflow.MetricEmailChallengeSent, Name: "authflow_email_challenge_sent_total", Help: "Email challenges delivered."},
	{ID: authflow.MetricEmailChallengeRateLimited, Name: "authflow_email_challenge_rate_limited_total", Help: "Email challenges refused by the resend cooldown."},
	{ID: authflow.MetricEmailChallengeAttemptsExceeded, Name: "authflow_email_challenge_attempts_exceeded_total", Help: "Email challenge checks refused by the attempt cap."},
	{ID: authflow.MetricRecoveryCodeUsed, Name: "authflow_recovery_code_used_total", Help: "Consumed recovery codes."},
	{ID: authflow.MetricRecoveryCodeFailed, Name: "authflow_recovery_code_failed_total", Help: "Rejected recovery codes."},
	{ID: authflow.MetricRecoveryCodeRegenerated, Name: "authflow_recovery_code_regenerated_total", Help: "Recovery code batch regenerations."},
	{ID: authflow.MetricRecoveryCodeRateLimited, Name: "authflow_recovery_code_rate_limited_total", Help: "Recovery code checks refused by the limiter."},
	{ID: authflow.MetricMFAEnabled, Name: "authflow_mfa_enabled_total", Help: "Confirmed MFA enrollments."},
	{ID: authflow.MetricMFADisabled, Name: "authflow_mfa_disabled_total", Help: "Disabled MFA methods."},
	{ID: authflow.MetricRefreshSuccess, Name: "authflow_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authflow.MetricRefreshFailure, Name: "authflow_refresh_failure_total", Help: "Failed refresh rotations."},
	{ID: authflow.MetricRefreshReuseDetected, Name: "authflow_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: authflow.MetricRefreshCeilingReached, Name: "authflow_refresh_ceiling_reached_total", Help: "Families that hit the generation ceiling."},
	{ID: authflow.MetricFamilyRevoked, Name: "authflow_family_revoked_total", Help: "Revoked token families."},
	{ID: authflow.MetricAuthenticateSuccess, Name: "authflow_authenticate_success_total", Help: "Accepted access tokens."},
	{ID: authflow.MetricAuthenticateFailure, Name: "authflow_authenticate_failure_total", Help: "Rejected access tokens."},
	{ID: authflow.MetricTokenInvalidated, Name: "authflow_token_invalidated_total", Help: "Tokens rejected by a token version bump."},
	{ID: authflow.MetricBlacklistWrite, Name: "authflow_blacklist_write_total", Help: "Access token identifiers blacklisted."},
	{ID: authflow.MetricLogout, Name: "authflow_logout_total", Help: "Single-family logouts."},
	{ID: authflow.MetricLogoutAll, Name: "authflow_logout_all_total", Help: "Logout-all operations."},
	{ID: authflow.MetricPasswordChangeSuccess, Name: "authflow_password_change_success_total", Help: "Successful password changes."},
	{ID: authflow.MetricPasswordChangeInvalidOld, Name: "authflow_password_change_invalid_old_total", Help: "Password changes with a wrong current password."},
}

// HistogramDefs lists every exported histogram.
var HistogramDefs = []HistogramDef{
	{ID: authflow.MetricAuthenticateLatency, Name: "authflow_authenticate_latency_seconds", Help: "Authenticate latency."},
}

// AuditDroppedName is the counter for events the audit dispatcher discarded.
const (
	AuditDroppedName = "authflow_audit_dropped_total"
	AuditDroppedHelp = "Audit events that never reached the sink."
	// AuditEventTypeKey labels per-event-type drop counts.
	AuditEventTypeKey = "event_type"
)

// HistogramUpperBounds are the finite bucket bounds in seconds. The last
// engine bucket is the overflow and has no finite bound.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// BucketLabel returns the Prometheus-style le label of engine bucket i:
// the finite bound in seconds, or "+Inf" for the overflow bucket.
func BucketLabel(i int) string {
	if i < len(HistogramUpperBounds) {
		return strconv.FormatFloat(HistogramUpperBounds[i], 'g', -1, 64)
	}
	return "+Inf"
}

// NormalizeBuckets copies raw into a fixed array, zero-filling short input.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
