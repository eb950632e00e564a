package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/mpetrov/chatcore/internal/auth"
	"github.com/mpetrov/chatcore/internal/data"
)

const timeLayout = time.RFC3339

// context key type for storing auth claims in context
type authContextKey struct{}

// claimsFromContext extracts auth claims from the context, if present.
func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	v := ctx.Value(authContextKey{})
	if v == nil {
		return nil, false
	}
	c, ok := v.(*auth.Claims)
	return c, ok
}

// mustClaims returns the claims the authenticate middleware attached. Only
// valid behind that middleware.
func mustClaims(r *http.Request) *auth.Claims {
	c, _ := claimsFromContext(r.Context())
	return c
}

// authenticate enforces JWT authentication on privileged routes: a valid
// bearer token referencing an existing, non-banned account.
func (s *apiServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing authorization header"})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer"))
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
			return
		}

		claims, err := s.jwt.VerifyToken(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthenticated"})
			return
		}

		user, err := s.users.GetUserByID(r.Context(), claims.UserID)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unknown user"})
			return
		}
		if user.AccountStatus == data.AccountBanned {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "account banned"})
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
