package auth

import (
	goerrors "errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/porthole-live/porthole/internal/errors"
	"github.com/porthole-live/porthole/internal/logger"
)

// Context keys for authenticated request attributes.
const (
	ContextKeyDeviceID = "device_id"
	ContextKeyCredKey  = "credential_key"
)

// Middleware validates device credentials on HTTP requests.
type Middleware struct {
	service *Service
}

// NewMiddleware creates the auth middleware around the service.
func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// RequireAuth validates the bearer credential and attaches the device ID to
// the request context. WebSocket upgrades may carry the key as a query
// parameter instead, since browser WebSocket APIs cannot set headers.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := ExtractKey(c)
		if !ok {
			errors.AbortWithUnauthorized(c, "unauthorized", "missing credential", nil)
			return
		}

		cred, err := m.service.Validate(key)
		if err != nil {
			errors.AbortWithUnauthorized(c, credentialCode(err), "invalid or expired credential", nil)
			return
		}

		ctx := logger.WithDeviceID(c.Request.Context(), cred.DeviceID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(ContextKeyDeviceID, cred.DeviceID)
		c.Set(ContextKeyCredKey, key)

		c.Next()
	}
}

// ExtractKey pulls the credential key from the Authorization header or,
// for upgrades and QR-driven flows, the "key" query parameter.
func ExtractKey(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if key := c.Query("key"); key != "" {
			return key, true
		}
		return "", false
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	key := strings.TrimPrefix(authHeader, "Bearer ")
	if key == "" {
		return "", false
	}
	return key, true
}

// DeviceID extracts the authenticated device ID from the gin context.
func DeviceID(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyDeviceID)
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// CredentialKey extracts the validated credential key from the gin context.
func CredentialKey(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyCredKey)
	if !exists {
		return "", false
	}
	key, ok := v.(string)
	return key, ok
}

// credentialCode maps a validation error to its stable wire code.
func credentialCode(err error) string {
	switch {
	case goerrors.Is(err, ErrRevoked):
		return "revoked"
	case goerrors.Is(err, ErrExpired):
		return "expired"
	default:
		return "unknown"
	}
}
