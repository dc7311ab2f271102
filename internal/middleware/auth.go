package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/tollgate-ai/tollgate/internal/config"
)

type contextKey string

const identityContextKey contextKey = "identity"

// AuthType records how a request authenticated.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeNone   AuthType = "none"
)

const minAPIKeyLength = 20

// Identity is what authentication established about the caller. JWT
// requests carry user and tenant claims; API-key requests are identified
// by a key fingerprint until the request body names the user.
type Identity struct {
	AuthType    AuthType
	UserID      string
	TenantID    string
	Permissions []string
	RateLimit   int // requests per minute; 0 means the configured default
}

// Claims is the JWT payload the gateway accepts.
type Claims struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Permissions []string `json:"permissions,omitempty"`
	RateLimit   int      `json:"rate_limit,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates X-API-Key headers and Bearer JWTs.
type AuthMiddleware struct {
	logger      *zap.Logger
	apiKeys     map[string]bool
	jwtSecret   []byte
	requireAuth bool
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	return &AuthMiddleware{
		logger:      logger,
		apiKeys:     keys,
		jwtSecret:   []byte(cfg.JWT.SecretKey),
		requireAuth: cfg.RequireAuth,
	}
}

// Authenticate gates every request except the health endpoints.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := m.extractIdentity(r)
		if err != nil {
			SendError(w, http.StatusUnauthorized, err.Error(), "authentication_error")
			return
		}
		if identity.AuthType == AuthTypeNone && m.requireAuth {
			SendError(w, http.StatusUnauthorized, "Authentication required", "authentication_error")
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) extractIdentity(r *http.Request) (Identity, error) {
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		if len(apiKey) < minAPIKeyLength {
			return Identity{}, fmt.Errorf("API key too short")
		}
		if len(m.apiKeys) > 0 && !m.apiKeys[apiKey] {
			return Identity{}, fmt.Errorf("invalid API key")
		}
		return Identity{
			AuthType: AuthTypeAPIKey,
			UserID:   "key:" + apiKey[:8],
		}, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return Identity{AuthType: AuthTypeNone}, nil
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return Identity{}, fmt.Errorf("malformed Authorization header")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	return Identity{
		AuthType:    AuthTypeJWT,
		UserID:      claims.UserID,
		TenantID:    claims.TenantID,
		Permissions: claims.Permissions,
		RateLimit:   claims.RateLimit,
	}, nil
}

// GetIdentity returns the authenticated identity, if any.
func GetIdentity(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(Identity)
	return identity, ok
}

// HasPermission checks a JWT permission claim. API-key and unauthenticated
// requests have no granular permissions and pass every check.
func (id Identity) HasPermission(perm string) bool {
	if id.AuthType != AuthTypeJWT {
		return true
	}
	for _, p := range id.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// SendError writes the shared error envelope.
func SendError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}
