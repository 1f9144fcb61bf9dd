// Package middleware provides HTTP middleware for authentication.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

// principalKey is the context key for the authenticated caller.
const principalKey ContextKey = "principal"

// APIKeyHeader carries service API keys.
const APIKeyHeader = "X-Api-Key"

// Auth methods.
const (
	MethodJWT    = "jwt"
	MethodAPIKey = "api_key"
)

// TokenValidator validates bearer tokens issued by the web layer.
type TokenValidator interface {
	ValidateToken(tokenString string) (SubjectGetter, error)
}

// SubjectGetter exposes the subject of validated token claims.
type SubjectGetter interface {
	GetSubject() (string, error)
}

// KeyVerifier checks service API keys.
type KeyVerifier interface {
	VerifyKey(key string) bool
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Method  string
}

// AuthMiddleware accepts either a bearer token validated by tokens or an
// API key accepted by keys. Either may be nil to disable that method.
func AuthMiddleware(tokens TokenValidator, keys KeyVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := authenticate(r, tokens, keys)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, tokens TokenValidator, keys KeyVerifier) (Principal, bool) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		if keys == nil || !keys.VerifyKey(key) {
			return Principal{}, false
		}
		return Principal{Subject: "service", Method: MethodAPIKey}, true
	}

	// Case-insensitive "Bearer" prefix
	parts := strings.Fields(r.Header.Get("Authorization"))
	if tokens == nil || len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Principal{}, false
	}
	claims, err := tokens.ValidateToken(parts[1])
	if err != nil {
		return Principal{}, false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, false
	}
	return Principal{Subject: sub, Method: MethodJWT}, true
}

// GetPrincipal returns the authenticated caller from the request context.
func GetPrincipal(r *http.Request) (Principal, error) {
	p, ok := r.Context().Value(principalKey).(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("principal not found in request context")
	}
	return p, nil
}
