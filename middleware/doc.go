// Package middleware adapts authflow.Engine to net/http.
//
//   - [Guard] authenticates the bearer access token and stores the
//     [authflow.Principal] in the request context.
//   - [RequireMFA] restricts a route to accounts with a second factor.
//   - [ClientIP] records the caller address for audit events.
//
// Every decision is delegated to the engine; this package never parses
// tokens or touches the store.
package middleware
