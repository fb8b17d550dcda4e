package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// UserIDContextKey is the key used to store the authenticated user id in
// the request context
const UserIDContextKey ContextKey = "userID"

// UserIDFromContext extracts the authenticated user id set by AuthMiddleware
func UserIDFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDContextKey).(string)
	return userID, ok && userID != ""
}

// AuthMiddleware verifies the bearer JWT and puts its subject (the user id)
// into the request context. Websocket clients can't set headers, so a
// "token" query parameter is accepted as a fallback.
func AuthMiddleware(jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ""

			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				parts := strings.Split(authHeader, " ")
				if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
					WriteAPIError(w, http.StatusUnauthorized, "invalid_auth_header", "Authorization header format must be Bearer {token}")
					return
				}
				tokenString = parts[1]
			} else {
				tokenString = r.URL.Query().Get("token")
			}

			if tokenString == "" {
				WriteAPIError(w, http.StatusUnauthorized, "missing_token", "Authorization required")
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return jwtSecret, nil
			})
			if err != nil || !token.Valid {
				WriteAPIError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
				return
			}

			if claims.Subject == "" {
				WriteAPIError(w, http.StatusUnauthorized, "invalid_token", "Token has no subject")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
