// Package accesscontrol is the client side of the external access-control
// codec service, which encrypts data under a predicate and later decrypts it
// for sessions that satisfy that predicate.
package accesscontrol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kenneth/sealvault/internal/manifest"
)

var (
	// ErrAccessDenied means the service evaluated the predicate and refused.
	ErrAccessDenied = errors.New("accesscontrol: access denied")
	// ErrSessionExpired means the session credential is missing, expired or
	// rejected by the service.
	ErrSessionExpired = errors.New("accesscontrol: session expired")
	// ErrInvalidPredicate means the predicate is not valid JSON.
	ErrInvalidPredicate = errors.New("accesscontrol: invalid predicate")
)

// Service encrypts and decrypts data under an access-control predicate. The
// predicate is opaque JSON evaluated only by the service.
type Service interface {
	Encrypt(ctx context.Context, plaintext, predicate []byte) (*manifest.EncryptedBlob, error)
	Decrypt(ctx context.Context, blob manifest.EncryptedBlob, predicate []byte, session *SessionCredential) ([]byte, error)
	RefreshSession(ctx context.Context, session *SessionCredential) (*SessionCredential, error)
}

// SessionCredential is time-bounded authorization material issued by the
// service.
type SessionCredential struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the credential can be used at now.
func (s *SessionCredential) Valid(now time.Time) bool {
	return s != nil && s.Token != "" && now.Before(s.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires before now+d.
func (s *SessionCredential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s == nil || !now.Add(d).Before(s.ExpiresAt)
}

// ServiceError is an unexpected response from the service.
type ServiceError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("accesscontrol: %s failed (status %d): %s", e.Op, e.StatusCode, e.Message)
}
