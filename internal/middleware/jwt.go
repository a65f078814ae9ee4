package myMiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// TokenValidator is what the middleware needs from the user service.
type TokenValidator interface {
	ValidateToken(tokenString string) (userID string, username string, err error)
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// Handle reads a bearer token from the Authorization header, or from the
// token query parameter for websocket handshakes, and puts the caller's
// identity on the request context.
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		authHeader := r.Header.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = parts[1]
			}
		}

		// Browsers cannot set headers on a websocket upgrade.
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			unauthorized(w, "Missing authentication token")
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			unauthorized(w, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), UserKey, userID)
		ctx = context.WithValue(ctx, UsernameKey, username)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the authenticated user id placed on ctx by Handle.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserKey).(string)
	return id, ok && id != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{"success": false, "message": message})
}
