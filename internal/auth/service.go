package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/porthole-live/porthole/internal/logger"
)

// Enrollment token errors.
var (
	ErrUnknownToken  = errors.New("unknown enrollment token")
	ErrTokenConsumed = errors.New("enrollment token already consumed")
	ErrTokenExpired  = errors.New("enrollment token expired")
)

// Credential errors.
var (
	ErrUnknownKey = errors.New("unknown credential key")
	ErrRevoked    = errors.New("credential revoked")
	ErrExpired    = errors.New("credential expired")
)

// EnrollmentToken is a short-lived single-use pairing secret.
type EnrollmentToken struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
}

// DeviceCredential is a long-lived opaque key bound to a device. The key
// itself is never serialized; introspection responses carry everything else.
type DeviceCredential struct {
	Key        string    `json:"-"`
	DeviceID   string    `json:"device_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	Revoked    bool      `json:"revoked"`
}

// Service owns the enrollment and credential tables. Nothing else touches
// them: redemption, validation, refresh and revocation are all linearized
// through the service's single mutex, so a token can never redeem twice.
type Service struct {
	mu          sync.Mutex
	enrollments map[string]*EnrollmentToken
	credentials map[string]*DeviceCredential

	enrollmentTTL time.Duration
	credentialTTL time.Duration

	// onRevoked is invoked (outside the lock) after a key is revoked so
	// connected clients holding it can be terminated.
	onRevoked func(key string)

	// now is injectable for TTL boundary tests.
	now func() time.Time

	log *logger.Logger
}

// NewService creates the auth service with the given lifetimes.
func NewService(enrollmentTTL, credentialTTL time.Duration, log *logger.Logger) *Service {
	return &Service{
		enrollments:   make(map[string]*EnrollmentToken),
		credentials:   make(map[string]*DeviceCredential),
		enrollmentTTL: enrollmentTTL,
		credentialTTL: credentialTTL,
		now:           time.Now,
		log:           log.WithComponent("auth"),
	}
}

// OnRevoked registers the revocation callback. Must be called before the
// service is shared across goroutines.
func (s *Service) OnRevoked(fn func(key string)) {
	s.onRevoked = fn
}

// IssueEnrollment mints a fresh single-use enrollment token.
func (s *Service) IssueEnrollment() (EnrollmentToken, error) {
	token, err := randomHex(16) // 128 bits
	if err != nil {
		return EnrollmentToken{}, err
	}

	now := s.now()
	et := &EnrollmentToken{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.enrollmentTTL),
	}

	s.mu.Lock()
	s.enrollments[token] = et
	s.mu.Unlock()

	s.log.Info("enrollment token issued",
		slog.Time("expires_at", et.ExpiresAt))

	return *et, nil
}

// RedeemEnrollment atomically consumes a token and mints a device
// credential. The verify-and-flip happens under one lock acquisition, so
// two racing redemptions of the same token cannot both succeed.
func (s *Service) RedeemEnrollment(token, deviceID string) (DeviceCredential, error) {
	key, err := randomHex(32) // 256 bits
	if err != nil {
		return DeviceCredential{}, err
	}

	s.mu.Lock()
	et, ok := s.enrollments[token]
	if !ok {
		s.mu.Unlock()
		return DeviceCredential{}, ErrUnknownToken
	}
	if et.Consumed {
		s.mu.Unlock()
		return DeviceCredential{}, ErrTokenConsumed
	}
	now := s.now()
	if !now.Before(et.ExpiresAt) {
		s.mu.Unlock()
		return DeviceCredential{}, ErrTokenExpired
	}
	et.Consumed = true

	cred := &DeviceCredential{
		Key:       key,
		DeviceID:  deviceID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.credentialTTL),
	}
	s.credentials[key] = cred
	out := *cred
	s.mu.Unlock()

	s.log.Info("enrollment redeemed",
		slog.String("device_id", deviceID),
		slog.Time("credential_expires_at", out.ExpiresAt))

	return out, nil
}

// Validate checks a credential key and stamps last_used_at.
func (s *Service) Validate(key string) (DeviceCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[key]
	if !ok {
		return DeviceCredential{}, ErrUnknownKey
	}
	if cred.Revoked {
		return DeviceCredential{}, ErrRevoked
	}
	if !s.now().Before(cred.ExpiresAt) {
		return DeviceCredential{}, ErrExpired
	}
	cred.LastUsedAt = s.now()
	return *cred, nil
}

// Refresh extends a currently valid credential by one credential TTL.
func (s *Service) Refresh(key string) (DeviceCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[key]
	if !ok {
		return DeviceCredential{}, ErrUnknownKey
	}
	if cred.Revoked {
		return DeviceCredential{}, ErrRevoked
	}
	now := s.now()
	if !now.Before(cred.ExpiresAt) {
		return DeviceCredential{}, ErrExpired
	}
	cred.ExpiresAt = now.Add(s.credentialTTL)
	cred.LastUsedAt = now
	return *cred, nil
}

// Revoke marks a credential revoked and notifies the revocation listener.
func (s *Service) Revoke(key string) error {
	s.mu.Lock()
	cred, ok := s.credentials[key]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownKey
	}
	cred.Revoked = true
	deviceID := cred.DeviceID
	s.mu.Unlock()

	s.log.Info("credential revoked", slog.String("device_id", deviceID))

	if s.onRevoked != nil {
		s.onRevoked(key)
	}
	return nil
}

// Sweep deletes expired enrollments and credentials. Returns how many
// entries were removed. Intended to run on a fixed schedule.
func (s *Service) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for token, et := range s.enrollments {
		if !now.Before(et.ExpiresAt) {
			delete(s.enrollments, token)
			removed++
		}
	}
	for key, cred := range s.credentials {
		if !now.Before(cred.ExpiresAt) {
			delete(s.credentials, key)
			removed++
		}
	}

	if removed > 0 {
		s.log.Debug("auth sweep", slog.Int("removed", removed))
	}
	return removed
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
