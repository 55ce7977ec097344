// Package store provides content-addressed blob storage. Blobs are
// immutable and addressed by the sha256 of their bytes, so every read can be
// verified against its address.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kenneth/sealvault/internal/config"
)

// MaxBlobSize bounds a single fetched blob.
const MaxBlobSize = 256 << 20

var (
	ErrNotFound       = errors.New("store: blob not found")
	ErrDigestMismatch = errors.New("store: blob does not match its address")
	ErrInvalidAddress = errors.New("store: invalid content address")
	ErrTooLarge       = errors.New("store: blob exceeds size limit")
)

// Store puts and gets immutable blobs by content address.
type Store interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)
	// Get fetches a blob and verifies it against address.
	Get(ctx context.Context, address string) ([]byte, error)
	// Open streams a blob without verification, for callers that only
	// need a prefix of it.
	Open(ctx context.Context, address string) (io.ReadCloser, error)
}

// StatusError is an unexpected response from a remote store.
type StatusError struct {
	Op         string
	Address    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("store: %s %s: unexpected status %d: %s", e.Op, e.Address, e.StatusCode, e.Body)
}

// Address returns the content address of data.
func Address(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidAddress reports whether address has the shape of a content address.
func ValidAddress(address string) bool {
	if len(address) != sha256.Size*2 {
		return false
	}
	for _, c := range address {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Verify checks data against address.
func Verify(address string, data []byte) error {
	if got := Address(data); got != address {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, address, got)
	}
	return nil
}

func checkAddress(address string) error {
	if !ValidAddress(address) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return nil
}

// readVerified drains rc, enforcing MaxBlobSize, and verifies the digest.
func readVerified(rc io.ReadCloser, address string) ([]byte, error) {
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, MaxBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", address, err)
	}
	if len(data) > MaxBlobSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, address)
	}
	if err := Verify(address, data); err != nil {
		return nil, err
	}
	return data, nil
}

// New builds the store backend selected by cfg.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "http":
		return NewHTTPStore(cfg)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// Observer receives one observation per store operation.
type Observer interface {
	RecordStoreOperation(op, result string, bytes int, duration time.Duration)
}

// Observed wraps s so every Put and Get is reported to obs.
func Observed(s Store, obs Observer) Store {
	if obs == nil {
		return s
	}
	return &observed{Store: s, obs: obs}
}

type observed struct {
	Store
	obs Observer
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	default:
		return "error"
	}
}

func (o *observed) Put(ctx context.Context, data []byte) (string, error) {
	start := time.Now()
	addr, err := o.Store.Put(ctx, data)
	o.obs.RecordStoreOperation("put", result(err), len(data), time.Since(start))
	return addr, err
}

func (o *observed) Get(ctx context.Context, address string) ([]byte, error) {
	start := time.Now()
	data, err := o.Store.Get(ctx, address)
	o.obs.RecordStoreOperation("get", result(err), len(data), time.Since(start))
	return data, err
}
