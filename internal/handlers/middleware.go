package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Nikunj-TUM/tyke/internal/services"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type ctxKey int

const claimsKey ctxKey = iota

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	Enabled() bool
	ValidateToken(tokenString string) (*services.JWTClaims, error)
}

// corsMiddleware adds CORS headers to all responses and answers preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog attaches log to each request context and writes one line per request.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	logged := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("http request")
	})
	withLogger := hlog.NewHandler(log)
	return func(next http.Handler) http.Handler {
		return withLogger(logged(next))
	}
}

// requireAuth rejects requests without a valid operator token. The token comes from the
// Authorization header or, for websocket clients, the token query parameter.
func requireAuth(auth TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Enabled() {
				writeError(w, http.StatusServiceUnavailable, services.ErrAuthNotConfigured.Error())
				return
			}

			tokenString := r.URL.Query().Get("token")
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				tokenString = strings.TrimPrefix(authHeader, "Bearer ")
				if tokenString == authHeader {
					writeError(w, http.StatusUnauthorized, "Invalid authorization header format")
					return
				}
			}
			if tokenString == "" {
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			claims, err := auth.ValidateToken(tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// claimsFrom returns the operator claims stored by requireAuth.
func claimsFrom(ctx context.Context) *services.JWTClaims {
	claims, _ := ctx.Value(claimsKey).(*services.JWTClaims)
	return claims
}
