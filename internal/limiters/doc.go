// Package limiters provides domain-specific attempt limiters on top of the
// store's durable attempt counter.
//
// All limiters are nil-safe: calling any method on a nil receiver returns nil.
// Limiters only count; flow functions decide the consequences.
package limiters
