package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	apperrors "sessionchat/internal/errors"

	"github.com/sirupsen/logrus"
)

// Recover turns a handler panic into a 500 JSON error.
func Recover(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(logrus.Fields{
						logFieldMethod: r.Method,
						logFieldRoute:  routeTemplate(r),
						"panic":        fmt.Sprint(rec),
					}).Error("Recovered from HTTP handler panic")
					apperrors.WriteJSON(w, apperrors.New(apperrors.ErrCodeInternalError, "handler panic"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequireToken rejects requests whose bearer token does not match token.
// An empty token disables the check; paths in open are always allowed.
func RequireToken(token string, open ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || isOpen(r.URL.Path, open) {
				next.ServeHTTP(w, r)
				return
			}

			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="sessionchat"`)
				apperrors.WriteJSON(w, apperrors.New(apperrors.ErrCodeUnauthorized, "missing or invalid API token").
					WithUserMessage("Missing or invalid API token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isOpen(path string, open []string) bool {
	for _, p := range open {
		if path == p {
			return true
		}
	}
	return false
}
