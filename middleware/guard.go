package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MrEthical07/authflow"
)

type guardContextKey struct{}

// guarded is what Guard leaves on the request context.
type guarded struct {
	principal *authflow.Principal
	token     string
}

// PrincipalFromContext returns the principal Guard stored for the request.
func PrincipalFromContext(ctx context.Context) (*authflow.Principal, bool) {
	g, ok := ctx.Value(guardContextKey{}).(guarded)
	if !ok {
		return nil, false
	}
	return g.principal, true
}

// AccessTokenFromContext returns the bearer token Guard accepted, for
// handlers that pass it on to Engine.Logout.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	g, ok := ctx.Value(guardContextKey{}).(guarded)
	if !ok {
		return "", false
	}
	return g.token, true
}

// ErrorHandler writes the response for a rejected request. err is nil when
// the Authorization header is missing or malformed.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

// GuardOption configures Guard.
type GuardOption func(*guardOptions)

type guardOptions struct {
	onError ErrorHandler
}

// WithErrorHandler replaces the default RFC 6750 error response.
func WithErrorHandler(h ErrorHandler) GuardOption {
	return func(o *guardOptions) {
		if h != nil {
			o.onError = h
		}
	}
}

// Guard authenticates the bearer access token on every request. By default,
// token problems answer 401 with a WWW-Authenticate challenge and backend
// failures answer 503.
func Guard(engine *authflow.Engine, opts ...GuardOption) func(http.Handler) http.Handler {
	o := guardOptions{onError: writeGuardError}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				o.onError(w, r, authflow.ErrEngineNotReady)
				return
			}
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				o.onError(w, r, nil)
				return
			}
			p, err := engine.Authenticate(r.Context(), token)
			if err != nil {
				o.onError(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), guardContextKey{}, guarded{principal: p, token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeGuardError(w http.ResponseWriter, _ *http.Request, err error) {
	switch {
	case err == nil:
		w.Header().Set("WWW-Authenticate", `Bearer realm="authflow"`)
	case errors.Is(err, authflow.ErrEngineNotReady):
		w.Header().Set("WWW-Authenticate", `Bearer realm="authflow"`)
	case errors.Is(authflow.PublicError(err), authflow.ErrInternal):
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	default:
		w.Header().Set("WWW-Authenticate", `Bearer realm="authflow", error="invalid_token"`)
	}
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// bearerToken accepts the scheme case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
