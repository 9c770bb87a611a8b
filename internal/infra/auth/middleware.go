package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// ScopeDrainLogs - право вычитывать (и тем самым удалять) записи лога.
const ScopeDrainLogs = "logs:drain"

type ctxKey string

const userIDKey ctxKey = "user_id"

// TokenValidator - интерфейс проверки токена
type TokenValidator interface {
	VerifyToken(tokenStr string) (*Claims, error)
}

// NewMiddleware пропускает запрос только с валидным токеном, содержащим scope.
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.Scopes[scope] {
				logger.Warn("scope denied", zap.String("user_id", claims.UserID), zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID достает id пользователя, прошедшего middleware.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}
