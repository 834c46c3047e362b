package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// ContextKey is the key type for context values
type ContextKey string

const (
	// UserContextKey is the context key for user information
	UserContextKey ContextKey = "user"
)

// KeyValidator resolves API keys. *APIKeyStore satisfies it.
type KeyValidator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (*UserContext, error)
}

// Middleware provides authentication middleware for HTTP
type Middleware struct {
	keys       KeyValidator
	jwtManager *JWTManager
	skipAuth   bool // For development/testing
	logger     *zap.Logger
}

// NewMiddleware creates a new authentication middleware. keys may be nil
// when no database is configured, in which case API keys are rejected.
func NewMiddleware(keys KeyValidator, jwtManager *JWTManager, skipAuth bool, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{keys: keys, jwtManager: jwtManager, skipAuth: skipAuth, logger: logger}
}

// DevUser is the identity injected when skip_auth is on.
func DevUser() *UserContext {
	return &UserContext{
		UserID:    DevUserID,
		TenantID:  DevTenantID,
		Username:  "dev",
		Scopes:    append([]string(nil), AllScopes...),
		TokenType: "dev",
	}
}

// HTTPMiddleware provides HTTP authentication middleware
func (m *Middleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), DevUser())))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apiKey := r.Header.Get("X-API-Key")
			// Browsers cannot set headers on websocket upgrades or EventSource.
			if apiKey == "" && (strings.HasSuffix(r.URL.Path, "/stream") || strings.HasSuffix(r.URL.Path, "/stream/sse")) {
				apiKey = r.URL.Query().Get("api_key")
			}
			if apiKey == "" {
				unauthorized(w, "API key or bearer token is required")
				return
			}
			if m.keys == nil {
				unauthorized(w, "API keys are not enabled")
				return
			}
			userCtx, err := m.keys.ValidateAPIKey(r.Context(), apiKey)
			if err != nil {
				m.logger.Debug("API key rejected", zap.Error(err))
				unauthorized(w, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
			return
		}

		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			unauthorized(w, "Invalid authorization header")
			return
		}
		if m.jwtManager == nil {
			unauthorized(w, "Bearer tokens are not enabled")
			return
		}
		userCtx, err := m.jwtManager.ValidateAccessToken(token)
		if err != nil {
			m.logger.Debug("Bearer token rejected", zap.Error(err))
			unauthorized(w, "Invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userCtx)))
	})
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthenticated",
		"message": message,
	})
}

// WithUser stores user on ctx.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// UserFromContext extracts user context from context
func UserFromContext(ctx context.Context) (*UserContext, bool) {
	userCtx, ok := ctx.Value(UserContextKey).(*UserContext)
	return userCtx, ok
}
