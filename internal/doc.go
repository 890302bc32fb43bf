// Package internal holds helpers that are private to authflow, chiefly
// secure random generation for codes and secrets.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: pure-function orchestrators for token and recovery-code operations
//   - limiters: recovery-code attempt limiter
//   - secretbox: TOTP secret encryption at rest
//
// Nothing here may appear in the public authflow API.
package internal
