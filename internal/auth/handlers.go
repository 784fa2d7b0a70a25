package auth

import (
	goerrors "errors"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/porthole-live/porthole/internal/errors"
	"github.com/porthole-live/porthole/internal/logger"
)

// ServerInfo describes this server in pairing responses.
type ServerInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
}

// Handler serves the pairing and credential endpoints.
type Handler struct {
	service       *Service
	publicBaseURL string
	enrollmentTTL time.Duration
	version       string
	log           *logger.Logger
}

// NewHandler creates the auth HTTP handler.
func NewHandler(service *Service, publicBaseURL string, enrollmentTTL time.Duration, version string, log *logger.Logger) *Handler {
	return &Handler{
		service:       service,
		publicBaseURL: publicBaseURL,
		enrollmentTTL: enrollmentTTL,
		version:       version,
		log:           log.WithComponent("auth_handler"),
	}
}

// IssueQR issues an enrollment token and the URL a QR code should encode.
// POST /api/auth/qr
func (h *Handler) IssueQR(c *gin.Context) {
	et, err := h.service.IssueEnrollment()
	if err != nil {
		errors.AbortWithInternal(c, "server_error", "failed to issue enrollment token", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":        et.Token,
		"expires_in_s": int(h.enrollmentTTL.Seconds()),
		"enroll_url":   h.enrollURL(et.Token),
	})
}

type redeemRequest struct {
	Token    string `json:"token" binding:"required"`
	DeviceID string `json:"device_id" binding:"required"`
}

// Redeem exchanges an enrollment token for a device credential.
// POST /api/auth/mobile
func (h *Handler) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errors.AbortWithBadRequest(c, "invalid_request", "token and device_id are required", nil)
		return
	}

	cred, err := h.service.RedeemEnrollment(req.Token, req.DeviceID)
	switch {
	case goerrors.Is(err, ErrUnknownToken):
		errors.AbortWithUnauthorized(c, "unknown", "unknown enrollment token", nil)
		return
	case goerrors.Is(err, ErrTokenConsumed):
		errors.AbortWithConflict(c, "already_consumed", "enrollment token already consumed", nil)
		return
	case goerrors.Is(err, ErrTokenExpired):
		errors.AbortWithGone(c, "expired", "enrollment token expired", nil)
		return
	case err != nil:
		errors.AbortWithInternal(c, "server_error", "failed to redeem enrollment token", nil)
		return
	}

	hostname, _ := os.Hostname()
	c.JSON(http.StatusOK, gin.H{
		"key": cred.Key,
		"server_info": ServerInfo{
			Name:     "porthole",
			Version:  h.version,
			Hostname: hostname,
		},
	})
}

// Refresh extends the caller's credential by one credential TTL.
// POST /api/auth/refresh (authenticated)
func (h *Handler) Refresh(c *gin.Context) {
	key, ok := CredentialKey(c)
	if !ok {
		errors.AbortWithUnauthorized(c, "unknown", "missing credential", nil)
		return
	}

	cred, err := h.service.Refresh(key)
	if err != nil {
		errors.AbortWithUnauthorized(c, credentialCode(err), "invalid or expired credential", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":        cred.Key,
		"expires_at": cred.ExpiresAt.Format(time.RFC3339),
	})
}

// Revoke invalidates the caller's credential.
// POST /api/auth/revoke (authenticated)
func (h *Handler) Revoke(c *gin.Context) {
	key, ok := CredentialKey(c)
	if !ok {
		errors.AbortWithUnauthorized(c, "unknown", "missing credential", nil)
		return
	}

	if err := h.service.Revoke(key); err != nil {
		errors.AbortWithNotFound(c, "unknown", "unknown credential", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// Info introspects the caller's credential.
// GET /api/auth/info (authenticated)
func (h *Handler) Info(c *gin.Context) {
	key, ok := CredentialKey(c)
	if !ok {
		errors.AbortWithUnauthorized(c, "unknown", "missing credential", nil)
		return
	}

	cred, err := h.service.Validate(key)
	if err != nil {
		errors.AbortWithUnauthorized(c, credentialCode(err), "invalid or expired credential", nil)
		return
	}

	// The key field is excluded from serialization.
	c.JSON(http.StatusOK, cred)
}

// enrollURL builds the URL embedded in the QR payload. Clients treat it as
// opaque except for the token query parameter.
func (h *Handler) enrollURL(token string) string {
	u, err := url.Parse(h.publicBaseURL)
	if err != nil {
		return h.publicBaseURL + "/enroll?token=" + url.QueryEscape(token)
	}
	u.Path = "/enroll"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
