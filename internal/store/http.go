package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kenneth/sealvault/internal/config"
)

// HTTPStore talks to a content gateway: uploads are POSTed to an upload
// endpoint and blobs are read back with GET {gateway}/{address}.
type HTTPStore struct {
	client     *http.Client
	gatewayURL string
	uploadURL  string
	token      string
}

type putResponse struct {
	Address string `json:"address"`
	CID     string `json:"cid"`
}

// NewHTTPStore validates the endpoints in cfg and returns a store client.
func NewHTTPStore(cfg config.StoreConfig) (*HTTPStore, error) {
	for name, raw := range map[string]string{"gateway_url": cfg.GatewayURL, "upload_url": cfg.UploadURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("store: invalid %s %q: %w", name, raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("store: %s must include scheme and host: %s", name, raw)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPStore{
		client:     &http.Client{Timeout: timeout},
		gatewayURL: strings.TrimRight(cfg.GatewayURL, "/"),
		uploadURL:  cfg.UploadURL,
		token:      cfg.AuthToken,
	}, nil
}

func (s *HTTPStore) Put(ctx context.Context, data []byte) (string, error) {
	want := Address(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store: failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("store: upload failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("store: failed to read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &StatusError{Op: "put", Address: want, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out putResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("store: invalid upload response: %w", err)
	}
	got := out.Address
	if got == "" {
		got = out.CID
	}
	if got != want {
		return "", fmt.Errorf("%w: gateway returned %q for blob %s", ErrDigestMismatch, got, want)
	}
	return got, nil
}

func (s *HTTPStore) Get(ctx context.Context, address string) ([]byte, error) {
	rc, err := s.Open(ctx, address)
	if err != nil {
		return nil, err
	}
	return readVerified(rc, address)
}

func (s *HTTPStore) Open(ctx context.Context, address string) (io.ReadCloser, error) {
	if err := checkAddress(address); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+"/"+address, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create fetch request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store: fetch %s failed: %w", address, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Op: "get", Address: address, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

// Close releases idle connections.
func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}
