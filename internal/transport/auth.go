package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type contextKey string

const tenantIDKey contextKey = "tradeloop_tenant_id"

// AuthMiddleware authenticates the Event surface's per-tenant bearer
// tokens. A token's "sub" claim must equal the {tenant} path variable:
// tradeloop scopes a token to exactly one tenant rather than one user.
type AuthMiddleware struct {
	secret []byte
}

func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

func (a *AuthMiddleware) authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	token, err := jwtlib.Parse(tokenStr, func(token *jwtlib.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid JWT: %w", err)
	}
	claims, ok := token.Claims.(jwtlib.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid JWT claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("JWT missing sub claim")
	}
	return sub, nil
}

// Middleware rejects requests whose token is missing, invalid, or whose
// subject doesn't match the {tenant} path variable.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 {
			// No signing secret configured: auth is disabled (local/dev
			// mode) rather than rejecting everything.
			next.ServeHTTP(w, r)
			return
		}
		sub, err := a.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if tenantID := mux.Vars(r)["tenant"]; tenantID != "" && tenantID != sub {
			writeError(w, http.StatusForbidden, "token not valid for this tenant")
			return
		}
		ctx := context.WithValue(r.Context(), tenantIDKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
