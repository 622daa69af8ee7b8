package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gluk-w/vpsdeck/internal/auth"
)

type contextKey string

const identityContextKey contextKey = "identity"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireAuth resolves the bearer token from the Authorization header, or
// from the "token" query parameter for WebSocket upgrades that cannot set
// headers, and stores the identity in the request context.
func RequireAuth(resolver auth.UserResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			id, err := resolver.ResolveUserID(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			ctx := context.WithValue(r.Context(), identityContextKey, &id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := GetIdentity(r)
		if id == nil || !id.Admin {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetIdentity returns the caller, or nil outside RequireAuth.
func GetIdentity(r *http.Request) *auth.Identity {
	id, _ := r.Context().Value(identityContextKey).(*auth.Identity)
	return id
}

// UserID returns the caller's user id, or "" outside RequireAuth.
func UserID(r *http.Request) string {
	if id := GetIdentity(r); id != nil {
		return id.UserID
	}
	return ""
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
