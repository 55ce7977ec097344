package custodian

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/store"
)

// sealedManifest is a fetched V3 or V4 manifest awaiting key recovery.
type sealedManifest struct {
	id      string
	version string
	v3      *manifest.ManifestV3
	v4      *manifest.ManifestV4
}

// hashingReader hashes everything read through it.
type hashingReader struct {
	r io.Reader
	h hash.Hash
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.h.Write(p[:n])
	return n, err
}

// fetchManifest streams the manifest at id from st. The version header is
// checked before the body is read, and the whole object is checked against
// its content address once decoded.
func fetchManifest(ctx context.Context, st store.Store, id string) (*sealedManifest, error) {
	if !store.ValidAddress(id) {
		return nil, contentUnavailable(id, store.ErrInvalidAddress)
	}
	rc, err := st.Open(ctx, id)
	if err != nil {
		return nil, contentUnavailable(id, err)
	}
	defer rc.Close()

	hr := &hashingReader{r: io.LimitReader(rc, store.MaxBlobSize), h: sha256.New()}
	dec := manifest.NewDecoder(hr)
	version, err := dec.Version()
	if err != nil {
		return nil, err
	}

	sm := &sealedManifest{id: id, version: version}
	switch version {
	case manifest.VersionManifestV3:
		sm.v3, err = dec.V3()
	case manifest.VersionManifestV4:
		sm.v4, err = dec.V4()
	default:
		return nil, &manifest.VersionError{Got: version, Want: manifest.VersionManifestV4}
	}
	if err != nil {
		return nil, err
	}

	if _, err := io.Copy(io.Discard, hr); err != nil {
		return nil, contentUnavailable(id, err)
	}
	if got := hex.EncodeToString(hr.h.Sum(nil)); got != id {
		return nil, fmt.Errorf("%w: %s", store.ErrDigestMismatch, id)
	}
	return sm, nil
}

// request builds the cross-context decrypt request for the manifest.
func (sm *sealedManifest) request() DecryptRequest {
	req := DecryptRequest{ContentID: sm.id, Version: sm.version}
	if sm.v3 != nil {
		req.Blob = sm.v3.EncryptedKey
		req.Predicate = sm.v3.Predicate
	} else {
		req.Blob = sm.v4.Blob
		req.Predicate = sm.v4.Predicate
	}
	return req
}

// bundle rebuilds the metadata bundle from decrypted plaintext and validates
// it. The data hash, the key hash and the chunk layout are all checked.
func (sm *sealedManifest) bundle(plaintext []byte) (*manifest.MetadataBundle, error) {
	req := sm.request()
	if got := manifest.HashBytes(plaintext); got != req.Blob.DataHash {
		return nil, &manifest.IntegrityError{Field: "dataToEncryptHash", Want: req.Blob.DataHash, Got: got}
	}

	var b *manifest.MetadataBundle
	if sm.v3 != nil {
		key, iv, err := manifest.UnpackKeyMaterial(plaintext)
		if err != nil {
			return nil, err
		}
		b = sm.v3.Bundle(key, iv)
	} else {
		var err error
		if b, err = manifest.DecodeBundle(plaintext); err != nil {
			return nil, err
		}
	}
	if err := b.Validate(); err != nil {
		crypto.Wipe(b.Key)
		return nil, err
	}
	return b, nil
}

// resolution imports the bundle key. The bundle's key bytes are wiped.
func resolution(b *manifest.MetadataBundle, source string) (*Resolution, error) {
	redacted := b.Redact()
	iv := append([]byte(nil), b.IV...)
	handle, err := crypto.ImportKey(b.Key)
	if err != nil {
		return nil, err
	}
	return &Resolution{Key: handle, IV: iv, Manifest: redacted, Source: source}, nil
}
