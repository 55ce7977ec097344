package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kenneth/sealvault/internal/accesscontrol"
)

const (
	// SessionExpiresHeader carries the RFC 3339 expiry of a bearer session.
	SessionExpiresHeader = "X-Session-Expires"
	// SessionSubjectHeader optionally names the session subject.
	SessionSubjectHeader = "X-Session-Subject"

	maxSessionBody = 64 << 10
)

var errNoCredential = errors.New("no session credential found in request")

// ExtractSession reads a session credential from a PUT /api/v1/session
// request. It tries, in order:
//  1. A JSON body shaped like accesscontrol.SessionCredential.
//  2. An "Authorization: Bearer <token>" header with the expiry in
//     X-Session-Expires and an optional X-Session-Subject.
func ExtractSession(r *http.Request) (*accesscontrol.SessionCredential, error) {
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSessionBody+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read session body: %w", err)
		}
		if len(body) > maxSessionBody {
			return nil, fmt.Errorf("session body exceeds %d bytes", maxSessionBody)
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			var cred accesscontrol.SessionCredential
			if err := json.Unmarshal(body, &cred); err != nil {
				return nil, fmt.Errorf("invalid session body: %w", err)
			}
			if cred.Token == "" {
				return nil, fmt.Errorf("session body has no token")
			}
			return &cred, nil
		}
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errNoCredential
	}
	expires := r.Header.Get(SessionExpiresHeader)
	if expires == "" {
		return nil, fmt.Errorf("%s header is required with a bearer session", SessionExpiresHeader)
	}
	expiresAt, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", SessionExpiresHeader, err)
	}
	return &accesscontrol.SessionCredential{
		Token:     strings.TrimSpace(token),
		Subject:   r.Header.Get(SessionSubjectHeader),
		IssuedAt:  time.Now(),
		ExpiresAt: expiresAt,
	}, nil
}
