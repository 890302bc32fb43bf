package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/MrEthical07/authflow"
)

// ClientIP copies the caller address into the request context so engine
// audit events carry it. When trustForwarded is set the first
// X-Forwarded-For entry wins over RemoteAddr.
func ClientIP(trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r.RemoteAddr)
			if trustForwarded {
				if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
					first, _, _ := strings.Cut(fwd, ",")
					if v := strings.TrimSpace(first); net.ParseIP(v) != nil {
						ip = v
					}
				}
			}
			if ip != "" {
				r = r.WithContext(authflow.WithClientIP(r.Context(), ip))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
