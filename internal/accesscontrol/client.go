package accesscontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/manifest"
)

const defaultTimeout = 10 * time.Second

// Client calls the access-control service over HTTP+JSON.
type Client struct {
	client   *http.Client
	endpoint string
	apiKey   string
	timeout  time.Duration
}

type encryptRequest struct {
	Plaintext []byte          `json:"plaintext"`
	Predicate json.RawMessage `json:"predicate"`
}

type encryptResponse struct {
	Ciphertext []byte `json:"ciphertext"`
	DataHash   string `json:"dataToEncryptHash"`
}

type decryptRequest struct {
	Ciphertext []byte          `json:"ciphertext"`
	DataHash   string          `json:"dataToEncryptHash"`
	Predicate  json.RawMessage `json:"predicate"`
}

type decryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient validates cfg and returns a service client.
func NewClient(cfg config.AccessControlConfig) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("accesscontrol: endpoint must include scheme and host: %s", cfg.Endpoint)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(u.String(), "/"),
		apiKey:   cfg.APIKey,
		timeout:  timeout,
	}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Encrypt asks the service to encrypt plaintext under predicate.
func (c *Client) Encrypt(ctx context.Context, plaintext, predicate []byte) (*manifest.EncryptedBlob, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("accesscontrol: plaintext is empty")
	}
	if !json.Valid(predicate) {
		return nil, ErrInvalidPredicate
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out encryptResponse
	if err := c.do(ctx, "encrypt", "/v1/encrypt", "", encryptRequest{Plaintext: plaintext, Predicate: predicate}, &out); err != nil {
		return nil, err
	}
	if len(out.Ciphertext) == 0 || out.DataHash == "" {
		return nil, errors.New("accesscontrol: encrypt response missing ciphertext or hash")
	}
	return &manifest.EncryptedBlob{Ciphertext: out.Ciphertext, DataHash: out.DataHash}, nil
}

// Decrypt asks the service to decrypt blob for session.
func (c *Client) Decrypt(ctx context.Context, blob manifest.EncryptedBlob, predicate []byte, session *SessionCredential) ([]byte, error) {
	if !session.Valid(time.Now()) {
		return nil, ErrSessionExpired
	}
	if !json.Valid(predicate) {
		return nil, ErrInvalidPredicate
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out decryptResponse
	req := decryptRequest{Ciphertext: blob.Ciphertext, DataHash: blob.DataHash, Predicate: predicate}
	if err := c.do(ctx, "decrypt", "/v1/decrypt", session.Token, req, &out); err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}

// RefreshSession exchanges a still-valid session for a fresh one.
func (c *Client) RefreshSession(ctx context.Context, session *SessionCredential) (*SessionCredential, error) {
	if !session.Valid(time.Now()) {
		return nil, ErrSessionExpired
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var out SessionCredential
	if err := c.do(ctx, "refresh", "/v1/session/refresh", session.Token, struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, errors.New("accesscontrol: refresh response missing token")
	}
	return &out, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, op, path, token string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("accesscontrol: failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("accesscontrol: failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("accesscontrol: %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fmt.Errorf("accesscontrol: failed to read %s response: %w", op, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrSessionExpired, errorMessage(respBody))
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAccessDenied, errorMessage(respBody))
	case resp.StatusCode >= 400:
		return &ServiceError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("accesscontrol: invalid %s response: %w", op, err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}
