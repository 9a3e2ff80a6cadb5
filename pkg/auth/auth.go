// Package auth implements the shared-key bearer authentication required
// on every public endpoint.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cairn-db/cairn/pkg/httpx"
)

const bearerPrefix = "Bearer "

// Middleware rejects requests that do not present the shared API key
// as a bearer token. Health endpoints are exempt so probes work
// without credentials.
func Middleware(apiKey string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/health") {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				httpx.RespondErrorString(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			token := header[len(bearerPrefix):]
			if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				httpx.RespondErrorString(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
