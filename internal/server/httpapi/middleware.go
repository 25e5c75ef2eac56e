package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/seclink/server/internal/server/auth"
)

type contextKey string

const claimsContextKey = contextKey("claims")

// AuthMiddleware validates the bearer JWT and stores the claims in the
// request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.authenticate(r)
		if err != nil {
			h.respondWithError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate extracts the JWT from the Authorization header, falling back
// to the token query parameter for WebSocket upgrades, where browsers cannot
// set headers.
func (h *Handler) authenticate(r *http.Request) (*auth.Claims, error) {
	tokenString := ""

	header := r.Header.Get("Authorization")
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		tokenString = parts[1]
	}
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}

	return auth.ParseToken(tokenString, []byte(h.config.SecretKey))
}

// claimsFromContext returns the authenticated identity stored by
// AuthMiddleware.
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsContextKey).(*auth.Claims)
	return claims
}
