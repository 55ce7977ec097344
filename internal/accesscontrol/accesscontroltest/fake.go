// Package accesscontroltest provides an in-process access-control service
// for tests.
package accesscontroltest

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/manifest"
)

// Service encrypts with a random in-memory AES-GCM key. Every predicate is
// granted unless it has been denied with Deny.
type Service struct {
	mu       sync.Mutex
	aead     cipher.AEAD
	denied   map[string]bool
	sessions map[string]time.Time
	calls    map[string]int
	ttl      time.Duration

	// Delay is applied to each Decrypt call.
	Delay time.Duration
}

var _ accesscontrol.Service = (*Service)(nil)

// New returns a ready fake service.
func New() *Service {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(err)
	}
	block, _ := aes.NewCipher(key)
	aead, _ := cipher.NewGCM(block)
	return &Service{
		aead:     aead,
		denied:   map[string]bool{},
		sessions: map[string]time.Time{},
		calls:    map[string]int{},
		ttl:      time.Hour,
	}
}

// Deny makes Decrypt refuse predicate.
func (s *Service) Deny(predicate []byte) {
	s.mu.Lock()
	s.denied[string(predicate)] = true
	s.mu.Unlock()
}

// NewSession issues a credential that expires after ttl.
func (s *Service) NewSession(subject string, ttl time.Duration) *accesscontrol.SessionCredential {
	now := time.Now()
	cred := &accesscontrol.SessionCredential{
		Token:     uuid.NewString(),
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.sessions[cred.Token] = cred.ExpiresAt
	s.mu.Unlock()
	return cred
}

// Calls returns how many times op was invoked.
func (s *Service) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Service) Encrypt(ctx context.Context, plaintext, predicate []byte) (*manifest.EncryptedBlob, error) {
	s.mu.Lock()
	s.calls["encrypt"]++
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := s.aead.Seal(nonce, nonce, plaintext, predicate)
	return &manifest.EncryptedBlob{Ciphertext: ct, DataHash: manifest.HashBytes(plaintext)}, nil
}

func (s *Service) Decrypt(ctx context.Context, blob manifest.EncryptedBlob, predicate []byte, session *accesscontrol.SessionCredential) ([]byte, error) {
	s.mu.Lock()
	s.calls["decrypt"]++
	denied := s.denied[string(predicate)]
	exp, known := time.Time{}, false
	if session != nil {
		exp, known = s.sessions[session.Token]
	}
	delay := s.Delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !known || !time.Now().Before(exp) {
		return nil, accesscontrol.ErrSessionExpired
	}
	if denied {
		return nil, accesscontrol.ErrAccessDenied
	}

	n := s.aead.NonceSize()
	if len(blob.Ciphertext) < n {
		return nil, errors.New("accesscontroltest: ciphertext too short")
	}
	pt, err := s.aead.Open(nil, blob.Ciphertext[:n], blob.Ciphertext[n:], predicate)
	if err != nil {
		return nil, fmt.Errorf("accesscontroltest: %w", err)
	}
	if manifest.HashBytes(pt) != blob.DataHash {
		return nil, errors.New("accesscontroltest: data hash mismatch")
	}
	return pt, nil
}

func (s *Service) RefreshSession(ctx context.Context, session *accesscontrol.SessionCredential) (*accesscontrol.SessionCredential, error) {
	s.mu.Lock()
	s.calls["refresh"]++
	exp, ok := s.sessions[session.Token]
	s.mu.Unlock()
	if !ok || !time.Now().Before(exp) {
		return nil, accesscontrol.ErrSessionExpired
	}
	return s.NewSession(session.Subject, s.ttl), nil
}
