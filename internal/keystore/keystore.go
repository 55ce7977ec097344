// Package keystore persists imported content keys, redacted manifests and
// the current access-control session in a local bbolt file. Every value is
// sealed at rest.
package keystore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/manifest"
)

const (
	// DefaultSessionMaxAge bounds how long a stored session is honoured,
	// regardless of the credential's own expiry.
	DefaultSessionMaxAge = 24 * time.Hour

	sealInfo   = "sealvault keystore v1"
	sessionKey = "current"
	secretKey  = "secret"
)

var (
	sessionBucket  = []byte("session")
	keysBucket     = []byte("keys")
	manifestBucket = []byte("manifests")
	metaBucket     = []byte("meta")
)

var (
	ErrNotFound  = errors.New("keystore: record not found")
	ErrNoSession = errors.New("keystore: no live session")
	ErrCorrupt   = errors.New("keystore: record failed authentication")
)

// Store is the sealed bbolt cache. It is safe for concurrent use; each write
// runs in its own transaction and the last writer wins.
type Store struct {
	db            *bolt.DB
	sealer        *crypto.Sealer
	keyTTL        time.Duration
	sessionMaxAge time.Duration
	logger        *logrus.Logger
	now           func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by the cleanup loop.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Entry is a cached key together with the manifest it decrypts.
type Entry struct {
	ID        string
	Key       *crypto.KeyHandle
	IV        []byte
	Manifest  manifest.Redacted
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Session is the stored access-control session.
type Session struct {
	Credential accesscontrol.SessionCredential `json:"credential"`
	StoredAt   time.Time                       `json:"storedAt"`
}

// keyRecord is the sealed form of a cached key.
type keyRecord struct {
	ID  string `json:"id"`
	Key []byte `json:"key"`
	IV  []byte `json:"iv"`
}

// envelope carries the timestamps in the clear so Cleanup never has to
// unseal. They are bound into the associated data.
type envelope struct {
	StoredAt  int64  `json:"storedAt"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Sealed    []byte `json:"sealed"`
}

// Open opens or creates the keystore file described by cfg.
func Open(cfg config.KeystoreConfig, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("keystore: path is required")
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to open %s: %w", cfg.Path, err)
	}

	var secret []byte
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionBucket, keysBucket, manifestBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if cfg.Secret != "" {
			secret = []byte(cfg.Secret)
			return nil
		}
		meta := tx.Bucket(metaBucket)
		if v := meta.Get([]byte(secretKey)); v != nil {
			secret = append([]byte(nil), v...)
			return nil
		}
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		return meta.Put([]byte(secretKey), secret)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: failed to initialize: %w", err)
	}

	sealer, err := crypto.NewSealer(secret, sealInfo)
	crypto.Wipe(secret)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:            db,
		sealer:        sealer,
		keyTTL:        cfg.KeyTTL,
		sessionMaxAge: cfg.SessionMaxAge,
		logger:        logrus.StandardLogger(),
		now:           time.Now,
	}
	if s.sessionMaxAge <= 0 {
		s.sessionMaxAge = DefaultSessionMaxAge
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func aad(bucket []byte, id string, e *envelope) []byte {
	return []byte(fmt.Sprintf("%s/%s/%d/%d", bucket, id, e.StoredAt, e.ExpiresAt))
}

func (s *Store) put(bucket []byte, id string, v any, ttl time.Duration) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal record: %w", err)
	}
	defer crypto.Wipe(plain)

	now := s.now()
	e := envelope{StoredAt: now.UnixNano()}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl).UnixNano()
	}
	e.Sealed, err = s.sealer.Seal(plain, aad(bucket, id, &e))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal envelope: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), raw)
	})
}

// get unseals a record into v. Expired records are reported as ErrNotFound.
func (s *Store) get(bucket []byte, id string, v any) (*envelope, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucket).Get([]byte(id)); b != nil {
			raw = append([]byte(nil), b...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}

	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if e.ExpiresAt != 0 && !s.now().Before(time.Unix(0, e.ExpiresAt)) {
		return nil, ErrNotFound
	}
	plain, err := s.sealer.Open(e.Sealed, aad(bucket, id, &e))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrCorrupt, bucket, id)
	}
	defer crypto.Wipe(plain)
	if err := json.Unmarshal(plain, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &e, nil
}

// Put caches a key, its IV and the redacted manifest under id. The raw key is
// only ever stored sealed.
func (s *Store) Put(id string, key, iv []byte, m manifest.Redacted) error {
	if len(key) != crypto.KeySize {
		return crypto.ErrInvalidKey
	}
	if err := s.put(keysBucket, id, keyRecord{ID: id, Key: key, IV: iv}, s.keyTTL); err != nil {
		return err
	}
	return s.put(manifestBucket, id, m, s.keyTTL)
}

// Get returns the cached key and manifest for id, or ErrNotFound.
func (s *Store) Get(id string) (*Entry, error) {
	var rec keyRecord
	e, err := s.get(keysBucket, id, &rec)
	if err != nil {
		return nil, err
	}
	m, err := s.Manifest(id)
	if err != nil {
		crypto.Wipe(rec.Key)
		return nil, err
	}
	handle, err := crypto.ImportKey(rec.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	entry := &Entry{
		ID:       id,
		Key:      handle,
		IV:       rec.IV,
		Manifest: *m,
		StoredAt: time.Unix(0, e.StoredAt),
	}
	if e.ExpiresAt != 0 {
		entry.ExpiresAt = time.Unix(0, e.ExpiresAt)
	}
	return entry, nil
}

// Manifest returns the cached redacted manifest for id.
func (s *Store) Manifest(id string) (*manifest.Redacted, error) {
	var m manifest.Redacted
	if _, err := s.get(manifestBucket, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Delete removes id from the key and manifest tables.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(keysBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(manifestBucket).Delete([]byte(id))
	})
}

// PutSession replaces the stored session.
func (s *Store) PutSession(cred accesscontrol.SessionCredential) error {
	if cred.Token == "" {
		return errors.New("keystore: session token is empty")
	}
	return s.put(sessionBucket, sessionKey, Session{Credential: cred, StoredAt: s.now()}, 0)
}

// Session returns the stored session if it is neither expired nor older than
// the configured maximum age.
func (s *Store) Session() (*Session, error) {
	var sess Session
	if _, err := s.get(sessionBucket, sessionKey, &sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, err
	}
	now := s.now()
	if !sess.Credential.Valid(now) || now.Sub(sess.StoredAt) > s.sessionMaxAge {
		return nil, ErrNoSession
	}
	return &sess, nil
}

// ClearSession removes the stored session.
func (s *Store) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete([]byte(sessionKey))
	})
}

// Clear empties the session, key and manifest tables. It is the logout path.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionBucket, keysBucket, manifestBucket} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cleanup deletes records that have expired or were stored more than maxAge
// ago. A zero maxAge only removes expired records. It returns the number of
// records removed.
func (s *Store) Cleanup(maxAge time.Duration) (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionBucket, keysBucket, manifestBucket} {
			b := tx.Bucket(name)
			var stale [][]byte
			err := b.ForEach(func(k, v []byte) error {
				var e envelope
				if err := json.Unmarshal(v, &e); err != nil {
					stale = append(stale, append([]byte(nil), k...))
					return nil
				}
				expired := e.ExpiresAt != 0 && !now.Before(time.Unix(0, e.ExpiresAt))
				old := maxAge > 0 && now.Sub(time.Unix(0, e.StoredAt)) > maxAge
				if expired || old {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(stale)
		}
		return nil
	})
	return removed, err
}

// Stats reports the number of records per table.
func (s *Store) Stats() (map[string]int, error) {
	out := make(map[string]int, 3)
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionBucket, keysBucket, manifestBucket} {
			out[string(name)] = tx.Bucket(name).Stats().KeyN
		}
		return nil
	})
	return out, err
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (s *Store) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Cleanup(maxAge)
			if err != nil {
				s.logger.WithError(err).Warn("Keystore cleanup failed")
				continue
			}
			if n > 0 {
				s.logger.WithField("removed", n).Debug("Keystore cleanup removed stale records")
			}
		}
	}
}
