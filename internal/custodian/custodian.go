// Package custodian recovers content keys for encrypted manifests. It has two
// faces. NetworkCustodian talks to the access-control service and holds the
// session. CachedCustodian only sees the local keystore and the content store,
// and asks the network side for decryptions over a Bus.
package custodian

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/store"
)

const (
	// DefaultRequestTimeout bounds a single cross-context decrypt request.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultRefreshWindow is how close to expiry a session is refreshed.
	DefaultRefreshWindow = 5 * time.Minute
	// DefaultWorkers is the number of concurrent requests Serve handles.
	DefaultWorkers = 4

	SourceCache   = "cache"
	SourceNetwork = "network"
)

var (
	// ErrUnavailable means the key could not be obtained: no session, denied,
	// timed out or the service failed.
	ErrUnavailable = errors.New("custodian: key unavailable")
	// ErrContentUnavailable means the manifest could not be fetched.
	ErrContentUnavailable = errors.New("custodian: content unavailable")
	ErrRequestTimeout     = errors.New("custodian: request timed out")
	ErrNoSession          = errors.New("custodian: no live session")
)

// KeySource resolves a manifest content address to the key and layout needed
// to decrypt it.
type KeySource interface {
	Resolve(ctx context.Context, id string) (*Resolution, error)
}

// Resolution is a decrypted manifest with its key imported.
type Resolution struct {
	Key      *crypto.KeyHandle
	IV       []byte
	Manifest manifest.Redacted
	Source   string
}

// Observer records resolution outcomes.
type Observer interface {
	RecordResolution(source, result string, d time.Duration)
}

// Option configures a custodian.
type Option func(*options)

type options struct {
	logger   *logrus.Logger
	observer Observer
	now      func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{logger: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObserver records every Resolve outcome.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func (o *options) record(source string, err error, start time.Time) {
	if o.observer != nil {
		o.observer.RecordResolution(source, Result(err), time.Since(start))
	}
}

// Result classifies a Resolve error for metrics and logs.
func Result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrContentUnavailable):
		return "content_unavailable"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, manifest.ErrIntegrity), errors.Is(err, manifest.ErrVersionMismatch),
		errors.Is(err, manifest.ErrInvalidBundle), errors.Is(err, store.ErrDigestMismatch):
		return "integrity"
	default:
		return "error"
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func contentUnavailable(id string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrContentUnavailable, id, err)
}
