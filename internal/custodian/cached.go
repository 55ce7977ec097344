package custodian

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/keystore"
	"github.com/kenneth/sealvault/internal/store"
)

// CachedCustodian is the restricted side. It never talks to the access-control
// service; keystore misses are forwarded to the network side through a
// Requester.
type CachedCustodian struct {
	keys      *keystore.Store
	store     store.Store
	requester *Requester
	opts      options
	group     singleflight.Group
}

// NewCachedCustodian wires the restricted custodian.
func NewCachedCustodian(keys *keystore.Store, st store.Store, requester *Requester, opts ...Option) *CachedCustodian {
	return &CachedCustodian{
		keys:      keys,
		store:     st,
		requester: requester,
		opts:      buildOptions(opts),
	}
}

// Resolve returns the key and layout for manifest id. A live session is
// required even when the key is cached.
func (c *CachedCustodian) Resolve(ctx context.Context, id string) (*Resolution, error) {
	start := time.Now()

	if _, err := c.keys.Session(); err != nil {
		err = unavailable(ErrNoSession)
		c.opts.record(SourceCache, err, start)
		return nil, err
	}

	entry, err := c.keys.Get(id)
	switch {
	case err == nil:
		c.opts.record(SourceCache, nil, start)
		return &Resolution{Key: entry.Key, IV: entry.IV, Manifest: entry.Manifest, Source: SourceCache}, nil
	case errors.Is(err, keystore.ErrCorrupt):
		c.opts.logger.WithError(err).WithField("manifest", id).Warn("Dropping unreadable keystore record")
		if derr := c.keys.Delete(id); derr != nil {
			c.opts.logger.WithError(derr).Warn("Failed to delete keystore record")
		}
	case !errors.Is(err, keystore.ErrNotFound):
		return nil, err
	}

	// The flight outlives any one caller, so it runs detached from ctx and
	// each caller waits on its own context instead.
	ch := c.group.DoChan(id, func() (interface{}, error) {
		// a flight that finished between Get and Do has already cached it
		if entry, err := c.keys.Get(id); err == nil {
			return &Resolution{Key: entry.Key, IV: entry.IV, Manifest: entry.Manifest, Source: SourceCache}, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout())
		defer cancel()
		return c.fetch(fctx, id)
	})

	select {
	case r := <-ch:
		c.opts.record(SourceNetwork, r.Err, start)
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Resolution), nil
	case <-ctx.Done():
		c.opts.record(SourceNetwork, ctx.Err(), start)
		return nil, ctx.Err()
	}
}

// flightTimeout bounds a detached fetch: one manifest read plus one bus
// round trip.
func (c *CachedCustodian) flightTimeout() time.Duration {
	return 2 * c.requester.timeout
}

func (c *CachedCustodian) fetch(ctx context.Context, id string) (*Resolution, error) {
	sm, err := fetchManifest(ctx, c.store, id)
	if err != nil {
		return nil, err
	}

	resp, err := c.requester.Call(ctx, sm.request())
	if err != nil {
		return nil, err
	}
	if resp.Code != CodeOK {
		return nil, &RemoteError{Code: resp.Code, Message: resp.Message}
	}

	b, err := sm.bundle(resp.Plaintext)
	crypto.Wipe(resp.Plaintext)
	if err != nil {
		return nil, err
	}

	if err := c.keys.Put(id, b.Key, b.IV, b.Redact()); err != nil {
		c.opts.logger.WithError(err).WithField("manifest", id).Warn("Failed to cache key")
	}
	c.opts.logger.WithField("manifest", id).WithField("version", sm.version).Debug("Resolved key over request bus")
	return resolution(b, SourceNetwork)
}
