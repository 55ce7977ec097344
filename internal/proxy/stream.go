package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/manifest"
)

// slot holds one chunk's decrypted sub-range. done is closed once data or
// err is set.
type slot struct {
	done chan struct{}
	data []byte
	err  error
}

// stream fetches and decrypts the selected chunks with at most
// h.concurrency() in flight and hands each slice to emit in ascending offset
// order. The first failure, in order, stops the stream and cancels
// outstanding fetches.
func (h *Handler) stream(ctx context.Context, res *custodian.Resolution, selection []manifest.ChunkRange, emit func(data []byte, last bool) error) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	slots := make([]slot, len(selection))
	for i := range slots {
		slots[i].done = make(chan struct{})
	}

	// window bounds both concurrent fetches and decrypted chunks waiting to
	// be written.
	window := make(chan struct{}, h.concurrency())

	g.Go(func() error {
		for i, cr := range selection {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				for j := i; j < len(slots); j++ {
					slots[j].err = gctx.Err()
					close(slots[j].done)
				}
				return nil
			}
			g.Go(func() error {
				data, err := h.fetchChunk(gctx, res, cr)
				slots[i].data, slots[i].err = data, err
				close(slots[i].done)
				return err
			})
		}
		return nil
	})

	var err error
	for i := range slots {
		<-slots[i].done
		if err = slots[i].err; err != nil {
			break
		}
		if err = emit(slots[i].data, i == len(slots)-1); err != nil {
			break
		}
		slots[i].data = nil
		<-window
	}

	cancel()
	gerr := g.Wait()
	// A later chunk's failure cancels earlier fetches; report the cause, not
	// the cancellation.
	if errors.Is(err, context.Canceled) && parent.Err() == nil && gerr != nil {
		err = gerr
	}
	return err
}

// fetchChunk returns the plaintext of cr's local sub-range. Ciphertext comes
// from the chunk cache when present, otherwise from the store.
func (h *Handler) fetchChunk(ctx context.Context, res *custodian.Resolution, cr manifest.ChunkRange) ([]byte, error) {
	d := cr.Descriptor
	ctx, span := h.tracer.Start(ctx, "proxy.fetchChunk", trace.WithAttributes(
		attribute.Int64("sealvault.chunk.index", int64(d.Index)),
		attribute.Int64("sealvault.chunk.offset", d.Offset),
		attribute.Int64("sealvault.chunk.local_start", cr.LocalStart),
		attribute.Int64("sealvault.chunk.local_end", cr.LocalEnd),
	))
	defer span.End()

	ciphertext, hit := h.cache.Get(d.Address)
	if h.cache != nil && h.metrics != nil {
		h.metrics.RecordCacheLookup(hit)
	}
	span.SetAttributes(attribute.Bool("sealvault.chunk.cache_hit", hit))

	if !hit {
		var err error
		ciphertext, err = h.store.Get(ctx, d.Address)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			return nil, fmt.Errorf("fetch chunk %d (%s): %w", d.Index, d.Address, err)
		}
	}

	if int64(len(ciphertext)) != d.EncryptedSize || d.EncryptedSize != d.Size {
		h.recordChunkError("integrity")
		err := &manifest.IntegrityError{
			Field: fmt.Sprintf("chunk %d size", d.Index),
			Want:  fmt.Sprint(d.EncryptedSize),
			Got:   fmt.Sprint(len(ciphertext)),
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "size mismatch")
		return nil, err
	}
	if !hit {
		h.cache.Add(d.Address, ciphertext)
	}

	start := time.Now()
	plaintext, err := res.Key.DecryptRange(ciphertext, res.IV, d.Index, cr.LocalStart, cr.LocalEnd)
	if err != nil {
		h.recordChunkError("decrypt")
		span.RecordError(err)
		span.SetStatus(codes.Error, "decrypt failed")
		return nil, fmt.Errorf("decrypt chunk %d: %w", d.Index, err)
	}
	if h.metrics != nil {
		h.metrics.RecordChunkOperation("decrypt", time.Since(start), int64(len(plaintext)))
	}
	return plaintext, nil
}

func (h *Handler) recordChunkError(kind string) {
	if h.metrics != nil {
		h.metrics.RecordChunkError("decrypt", kind)
	}
}
