// Package authflow is an authentication-session and token-lifecycle engine.
// It issues and verifies signed access/refresh token pairs, rotates refresh
// tokens with family-wide reuse detection, and drives a multi-step sign-in
// with TOTP, email-code and recovery-code second factors.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build]. All durable state lives in a
// [store.Store]: the Engine keeps no mutable in-memory state besides metrics
// and the audit queue.
//
// # Architecture boundaries
//
// authflow is the public surface. It exposes [Engine], [Builder], [Config],
// and value types. Token signing lives in the jwt package, persistence in
// store and its backends, and flow orchestration, audit dispatch and
// rate limiting under internal/.
//
// # What this package must NOT do
//
//   - Leak backend errors to callers; use [PublicError] at the edge.
//   - Perform I/O outside of Engine methods.
//   - Import any sub-package that re-imports authflow.
package authflow
