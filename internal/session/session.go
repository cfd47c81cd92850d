// Package session implements the per-client identity gate. Every critique,
// refinement, and read is scoped by an opaque session token carried in a
// long-lived cookie. The token is not an authentication credential.
package session

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// CookieName is the session cookie, kept from the original deployment so
// existing clients retain their history.
const CookieName = "pmv_sess"

// cookieMaxAge is one year; the token is meant to survive casual revisits.
const cookieMaxAge = 365 * 24 * 60 * 60

type ctxKey struct{}

// Middleware reads the session cookie, minting and setting a fresh token
// when absent, and stores the token in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
			token = c.Value
		}
		if token == "" {
			token = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    token,
				Path:     "/",
				MaxAge:   cookieMaxAge,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), ctxKey{}, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the session token stored by Middleware, or "" when the
// request did not pass through it.
func FromContext(ctx context.Context) string {
	token, _ := ctx.Value(ctxKey{}).(string)
	return token
}
