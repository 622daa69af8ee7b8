package middleware

import (
	"context"
	"net/http"

	"github.com/gluk-w/vpsdeck/internal/auth"
)

// WithUserForTest attaches an identity to the request context for testing.
func WithUserForTest(r *http.Request, id auth.Identity) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), identityContextKey, &id))
}
