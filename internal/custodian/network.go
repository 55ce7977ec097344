package custodian

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/keystore"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/store"
)

// Manifest formats accepted by Seal.
const (
	FormatV3 = "v3"
	FormatV4 = "v4"
)

// SealOptions controls how a bundle is sealed into a manifest.
type SealOptions struct {
	Format    string
	Predicate []byte
	// Binding overrides the configured binding when non-zero. V3 only.
	Binding manifest.Binding
}

// NetworkCustodian is the unrestricted side: it holds the session and calls
// the access-control service.
type NetworkCustodian struct {
	service       accesscontrol.Service
	keys          *keystore.Store
	store         store.Store
	binding       manifest.Binding
	refreshWindow time.Duration
	workers       int
	opts          options

	refreshMu sync.Mutex
}

// NewNetworkCustodian wires the unrestricted custodian.
func NewNetworkCustodian(service accesscontrol.Service, keys *keystore.Store, st store.Store, cfg config.CustodianConfig, binding manifest.Binding, opts ...Option) *NetworkCustodian {
	n := &NetworkCustodian{
		service:       service,
		keys:          keys,
		store:         st,
		binding:       binding,
		refreshWindow: cfg.RefreshWindow,
		workers:       cfg.Workers,
		opts:          buildOptions(opts),
	}
	if n.refreshWindow <= 0 {
		n.refreshWindow = DefaultRefreshWindow
	}
	if n.workers <= 0 {
		n.workers = DefaultWorkers
	}
	return n
}

// Seal encrypts bundle under opts.Predicate and returns the encoded manifest.
// V4 encrypts the whole encoded bundle. V3 encrypts only the key and IV and
// leaves the chunk topology in cleartext.
func (n *NetworkCustodian) Seal(ctx context.Context, bundle *manifest.MetadataBundle, opts SealOptions) ([]byte, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	if len(opts.Predicate) == 0 {
		return nil, fmt.Errorf("%w: predicate is required", accesscontrol.ErrInvalidPredicate)
	}
	created := n.opts.now().UnixMilli()

	switch strings.ToLower(opts.Format) {
	case FormatV3:
		material := manifest.PackKeyMaterial(bundle.Key, bundle.IV)
		blob, err := n.service.Encrypt(ctx, material, opts.Predicate)
		crypto.Wipe(material)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt key material: %w", err)
		}
		binding := n.binding
		if opts.Binding != (manifest.Binding{}) {
			binding = opts.Binding
		}
		return manifest.EncodeV3(manifest.NewManifestV3(bundle, opts.Predicate, binding, *blob, created))

	case FormatV4, "":
		encoded, err := manifest.EncodeBundle(bundle)
		if err != nil {
			return nil, err
		}
		blob, err := n.service.Encrypt(ctx, encoded, opts.Predicate)
		crypto.Wipe(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt bundle: %w", err)
		}
		return manifest.EncodeV4(manifest.NewManifestV4(opts.Predicate, *blob, created))

	default:
		return nil, fmt.Errorf("unknown manifest format %q", opts.Format)
	}
}

// Publish seals bundle and stores the manifest, returning its content address.
func (n *NetworkCustodian) Publish(ctx context.Context, bundle *manifest.MetadataBundle, opts SealOptions) (string, error) {
	data, err := n.Seal(ctx, bundle, opts)
	if err != nil {
		return "", err
	}
	id, err := n.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("failed to store manifest: %w", err)
	}
	n.opts.logger.WithFields(logrus.Fields{
		"manifest": id,
		"file":     bundle.File.Name,
		"chunks":   len(bundle.Chunks),
		"format":   opts.Format,
	}).Info("Published manifest")
	return id, nil
}

// StoreSession replaces the current session.
func (n *NetworkCustodian) StoreSession(cred accesscontrol.SessionCredential) error {
	if !cred.Valid(n.opts.now()) {
		return accesscontrol.ErrSessionExpired
	}
	return n.keys.PutSession(cred)
}

// Logout clears the session and every cached key and manifest.
func (n *NetworkCustodian) Logout() error {
	return n.keys.Clear()
}

// Session returns the live session, refreshing it when it expires within the
// refresh window. A failed refresh falls back to the current credential while
// it is still valid.
func (n *NetworkCustodian) Session(ctx context.Context) (*accesscontrol.SessionCredential, error) {
	n.refreshMu.Lock()
	defer n.refreshMu.Unlock()

	sess, err := n.keys.Session()
	if err != nil {
		if errors.Is(err, keystore.ErrNoSession) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	cred := sess.Credential
	now := n.opts.now()
	if !cred.ExpiresWithin(now, n.refreshWindow) {
		return &cred, nil
	}

	fresh, err := n.service.RefreshSession(ctx, &cred)
	if err != nil {
		n.opts.logger.WithError(err).Warn("Failed to refresh session")
		return &cred, nil
	}
	if err := n.keys.PutSession(*fresh); err != nil {
		return nil, fmt.Errorf("failed to store refreshed session: %w", err)
	}
	n.opts.logger.WithField("expires_at", fresh.ExpiresAt).Debug("Session refreshed")
	return fresh, nil
}

// Decrypt asks the access-control service to decrypt blob with the current
// session.
func (n *NetworkCustodian) Decrypt(ctx context.Context, blob manifest.EncryptedBlob, predicate []byte) ([]byte, error) {
	sess, err := n.Session(ctx)
	if err != nil {
		return nil, err
	}
	return n.service.Decrypt(ctx, blob, predicate, sess)
}

// Resolve fetches and decrypts the manifest directly, without the keystore.
func (n *NetworkCustodian) Resolve(ctx context.Context, id string) (res *Resolution, err error) {
	start := time.Now()
	defer func() { n.opts.record(SourceNetwork, err, start) }()

	sm, err := fetchManifest(ctx, n.store, id)
	if err != nil {
		return nil, err
	}
	req := sm.request()
	plaintext, err := n.Decrypt(ctx, req.Blob, req.Predicate)
	if err != nil {
		return nil, unavailable(err)
	}
	b, err := sm.bundle(plaintext)
	crypto.Wipe(plaintext)
	if err != nil {
		return nil, err
	}
	return resolution(b, SourceNetwork)
}

// Handle answers one decrypt request.
func (n *NetworkCustodian) Handle(ctx context.Context, req DecryptRequest) *DecryptResponse {
	plaintext, err := n.Decrypt(ctx, req.Blob, req.Predicate)
	if err == nil {
		return &DecryptResponse{Plaintext: plaintext}
	}

	code := CodeFailed
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, accesscontrol.ErrSessionExpired):
		code = CodeUnauthorized
	case errors.Is(err, accesscontrol.ErrAccessDenied):
		code = CodeDenied
	}
	n.opts.logger.WithFields(logrus.Fields{
		"content_id": req.ContentID,
		"code":       code,
	}).WithError(err).Warn("Decrypt request failed")
	return &DecryptResponse{Code: code, Message: err.Error()}
}

// Serve answers decrypt requests from bus until ctx is done. At most the
// configured number of requests are handled concurrently.
func (n *NetworkCustodian) Serve(ctx context.Context, bus Bus) error {
	ch, cancel := bus.Subscribe(KindDecryptRequest, n.workers*2)
	defer cancel()

	sem := make(chan struct{}, n.workers)
	var wg sync.WaitGroup
	defer wg.Wait()

	n.opts.logger.WithField("workers", n.workers).Info("Custodian serving decrypt requests")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-ch:
			if env.Request == nil {
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			wg.Add(1)
			go func(env Envelope) {
				defer func() {
					<-sem
					wg.Done()
				}()
				resp := n.Handle(ctx, *env.Request)
				if err := bus.Publish(ctx, Envelope{ID: env.ID, Kind: KindDecryptResponse, Response: resp}); err != nil {
					n.opts.logger.WithError(err).WithField("request_id", env.ID).Warn("Failed to publish response")
				}
			}(env)
		}
	}
}
