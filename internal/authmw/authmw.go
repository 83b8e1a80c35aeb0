// Package authmw authenticates API and realtime clients. A request carries
// either the static operator token or a signed officer token.
package authmw

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned for tokens no verifier accepts.
var ErrInvalidToken = errors.New("authmw: invalid token")

// Verifier maps a bearer token to the principal it identifies.
type Verifier interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// StaticToken accepts exactly one shared secret. The principal is
// "operator". An empty StaticToken accepts nothing.
type StaticToken string

// Authenticate implements Verifier with constant-time comparison.
func (s StaticToken) Authenticate(_ context.Context, token string) (string, error) {
	if s == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s)) != 1 {
		return "", ErrInvalidToken
	}
	return "operator", nil
}

type principalKey struct{}

// PrincipalFromContext returns the principal set by Bearer.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok
}

// BearerToken returns middleware that validates the Authorization header
// carries a Bearer token matching the expected value.
func BearerToken(token string) func(http.Handler) http.Handler {
	return Bearer(StaticToken(token))
}

// Bearer returns middleware that accepts a request when any verifier
// accepts its Bearer token, and stores the principal in the context.
func Bearer(verifiers ...Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			token := auth[len("Bearer "):]

			for _, v := range verifiers {
				if v == nil {
					continue
				}
				if p, err := v.Authenticate(r.Context(), token); err == nil {
					next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
					return
				}
			}
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
		})
	}
}
