package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/storegrid/tillsync/internal/logger"
)

type contextKey string

const deviceIDKey contextKey = "device_id"

// TokenVerifier validates a bearer token and returns the device id it was
// issued to.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// RequireAuth validates the bearer token and stores the authenticated
// device id on the request context. The token may arrive in the
// Authorization header or, for websocket handshakes, the `token` query
// parameter.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			deviceID, err := verifier.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), deviceIDKey, deviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// AuthedDevice returns the device id stored by RequireAuth.
func AuthedDevice(r *http.Request) string {
	id, _ := r.Context().Value(deviceIDKey).(string)
	return id
}

// RequestLogger emits one structured line per request.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
