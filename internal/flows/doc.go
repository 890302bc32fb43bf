// Package flows contains pure-function orchestrators for the token and
// recovery-code operations of the Engine.
//
// Each flow function (RunAuthenticate, RunRefresh, RunLogout,
// RunGenerateRecoveryCodes, RunVerifyRecoveryCode) accepts a typed dependency
// struct of func fields and returns a classified result. The Engine owns the
// store, key set, audit dispatcher and metrics; flows only call through them.
//
// Flows must not hold state between calls and must not import the root
// package.
package flows
