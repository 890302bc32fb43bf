// Package jwt mints and verifies the signed tokens of the engine: access and
// refresh tokens sharing one jti, and the short-lived sign-in state token.
// Keys are held in an immutable KeySet built once at construction.
package jwt
