// Package uploader splits files into fixed-size windows, encrypts each window
// under its own CTR counter block and stores the ciphertext, producing the
// metadata bundle that describes the result.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/store"
)

var (
	// ErrSizeMismatch means the reader produced a different number of bytes
	// than the declared size.
	ErrSizeMismatch  = errors.New("uploader: file size does not match declared size")
	ErrTooManyChunks = errors.New("uploader: file needs more chunks than the counter can address")
)

// FileSource is one plaintext file to encrypt. A zero Size means unknown.
type FileSource struct {
	Name   string
	Type   string
	Size   int64
	Reader io.Reader
}

// Params carries optional key material and a progress callback. When Key and
// IV are nil, every file gets fresh random material.
type Params struct {
	Key      []byte
	IV       []byte
	Progress ProgressFunc
}

// Observer records completed uploads.
type Observer interface {
	RecordUpload(result string, files int, bytes int64, d time.Duration)
}

// Uploader encrypts files into a content store.
type Uploader struct {
	store     store.Store
	chunkSize int64
	adaptive  bool
	logger    *logrus.Logger
	observer  Observer
	now       func() time.Time
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithChunkSize sets the window size. Non-positive values are ignored.
func WithChunkSize(n int64) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.chunkSize = n
		}
	}
}

// WithAdaptive grows the chunk size for large files of known size.
func WithAdaptive(enabled bool) Option {
	return func(u *Uploader) { u.adaptive = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(u *Uploader) { u.logger = logger }
}

// WithObserver records upload outcomes.
func WithObserver(obs Observer) Option {
	return func(u *Uploader) { u.observer = obs }
}

// WithClock overrides time.Now for progress rates.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// New returns an uploader writing to st.
func New(st store.Store, opts ...Option) *Uploader {
	u := &Uploader{
		store:     st,
		chunkSize: crypto.DefaultChunkSize,
		logger:    logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ChunkSize returns the chunk size used for a file of the given size.
func (u *Uploader) ChunkSize(size int64) int64 {
	if u.adaptive && size > 0 {
		return crypto.AdaptiveChunkSize(size, u.chunkSize)
	}
	return u.chunkSize
}

// EncryptFile encrypts a single file.
func (u *Uploader) EncryptFile(ctx context.Context, src FileSource, p Params) (*manifest.MetadataBundle, error) {
	bundles, err := u.EncryptFiles(ctx, []FileSource{src}, p)
	if err != nil {
		return nil, err
	}
	return bundles[0], nil
}

// EncryptFiles encrypts files in order and returns one bundle per file. The
// first failure aborts the batch; chunks already stored are abandoned.
func (u *Uploader) EncryptFiles(ctx context.Context, files []FileSource, p Params) (bundles []*manifest.MetadataBundle, err error) {
	if len(files) == 0 {
		return nil, errors.New("uploader: no files")
	}
	if (p.Key == nil) != (p.IV == nil) {
		return nil, errors.New("uploader: key and iv must be supplied together")
	}

	start := u.now()
	tracker := &progressTracker{
		fn:        p.Progress,
		fileCount: len(files),
		start:     start,
		now:       u.now,
	}
	for _, f := range files {
		if f.Size <= 0 {
			tracker.total = 0
			break
		}
		tracker.total += f.Size
	}

	defer func() {
		if u.observer != nil {
			result := "success"
			if err != nil {
				result = "error"
			}
			u.observer.RecordUpload(result, len(files), tracker.bytes, u.now().Sub(start))
		}
	}()

	for i, f := range files {
		key, iv := p.Key, p.IV
		if key == nil {
			if key, err = crypto.NewKey(); err != nil {
				return nil, err
			}
			if iv, err = crypto.NewIV(); err != nil {
				return nil, err
			}
		}

		tracker.startFile(i, f.Name)
		b, err := u.encrypt(ctx, f, key, iv, tracker)
		if p.Key == nil {
			crypto.Wipe(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %q: %w", f.Name, err)
		}
		bundles = append(bundles, b)

		u.logger.WithFields(logrus.Fields{
			"file":   b.File.Name,
			"size":   b.File.Size,
			"chunks": len(b.Chunks),
		}).Debug("File encrypted")
	}
	return bundles, nil
}

func (u *Uploader) encrypt(ctx context.Context, src FileSource, key, iv []byte, tracker *progressTracker) (*manifest.MetadataBundle, error) {
	if src.Reader == nil {
		return nil, errors.New("no reader")
	}
	if len(iv) != crypto.IVSize {
		return nil, crypto.ErrInvalidIV
	}
	handle, err := crypto.ImportKey(append([]byte(nil), key...))
	if err != nil {
		return nil, err
	}

	chunkSize := u.ChunkSize(src.Size)
	plain := make([]byte, chunkSize)
	sealed := make([]byte, chunkSize)
	hasher := sha256.New()

	var (
		chunks []manifest.ChunkDescriptor
		offset int64
		index  int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, rerr := io.ReadFull(src.Reader, plain)
		if n > 0 {
			if index >= manifest.MaxChunks {
				return nil, ErrTooManyChunks
			}
			if src.Size > 0 && offset+int64(n) > src.Size {
				return nil, fmt.Errorf("%w: read more than %d bytes", ErrSizeMismatch, src.Size)
			}
			hasher.Write(plain[:n])
			if err := handle.EncryptChunk(sealed[:n], plain[:n], iv, uint32(index)); err != nil {
				return nil, err
			}
			addr, err := u.store.Put(ctx, sealed[:n])
			if err != nil {
				return nil, fmt.Errorf("failed to store chunk %d: %w", index, err)
			}
			chunks = append(chunks, manifest.ChunkDescriptor{
				Address:       addr,
				Offset:        offset,
				Size:          int64(n),
				EncryptedSize: int64(n),
				Index:         uint32(index),
			})
			offset += int64(n)
			index++
			tracker.chunk(int64(n))
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("failed to read input: %w", rerr)
		}
	}
	crypto.Wipe(plain)

	if src.Size > 0 && offset != src.Size {
		return nil, fmt.Errorf("%w: declared %d, read %d", ErrSizeMismatch, src.Size, offset)
	}

	return &manifest.MetadataBundle{
		Key:      append([]byte(nil), key...),
		IV:       append([]byte(nil), iv...),
		FileHash: hex.EncodeToString(hasher.Sum(nil)),
		KeyHash:  handle.Hash(),
		File: manifest.FileMetadata{
			Name:      src.Name,
			Size:      offset,
			Type:      src.Type,
			ChunkSize: chunkSize,
		},
		Chunks: chunks,
	}, nil
}
