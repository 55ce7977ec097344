package custodian

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/kenneth/sealvault/internal/manifest"
)

// Kind distinguishes bus messages.
type Kind string

const (
	KindDecryptRequest  Kind = "decrypt_request"
	KindDecryptResponse Kind = "decrypt_response"
)

// Response codes carried in DecryptResponse.Code.
const (
	CodeOK           = ""
	CodeUnauthorized = "unauthorized"
	CodeDenied       = "denied"
	CodeFailed       = "failed"
)

var ErrBusClosed = errors.New("custodian: bus closed")

// Envelope is one bus message. ID correlates a response with its request.
type Envelope struct {
	ID       string           `cbor:"id"`
	Kind     Kind             `cbor:"kind"`
	Request  *DecryptRequest  `cbor:"request,omitempty"`
	Response *DecryptResponse `cbor:"response,omitempty"`
}

// DecryptRequest asks the network side to decrypt an access-controlled blob.
type DecryptRequest struct {
	ContentID string                 `cbor:"contentId"`
	Version   string                 `cbor:"version"`
	Blob      manifest.EncryptedBlob `cbor:"blob"`
	Predicate []byte                 `cbor:"predicate"`
}

// DecryptResponse carries either the plaintext or an error code and message.
type DecryptResponse struct {
	Plaintext []byte `cbor:"plaintext,omitempty"`
	Code      string `cbor:"code,omitempty"`
	Message   string `cbor:"message,omitempty"`
}

// RemoteError is a failed DecryptResponse.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("custodian: remote %s: %s", e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrUnavailable }

// Bus carries envelopes between the two custodian contexts.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers envelopes of kind until cancel is called.
	Subscribe(kind Kind, buffer int) (<-chan Envelope, func())
	Close() error
}

// MemoryBus is an in-process broadcast Bus. Envelopes are CBOR-encoded on
// publish and decoded per subscriber, so no memory is shared across contexts.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	done   chan struct{}
	closed bool
}

type subscription struct {
	kind Kind
	ch   chan Envelope
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[int]*subscription),
		done: make(chan struct{}),
	}
}

// Publish delivers env to every subscriber of its kind. It blocks while a
// subscriber's buffer is full, until ctx is done.
func (b *MemoryBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("custodian: failed to encode envelope: %w", err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == env.Kind {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		var copyEnv Envelope
		if err := cbor.Unmarshal(raw, &copyEnv); err != nil {
			return fmt.Errorf("custodian: failed to decode envelope: %w", err)
		}
		select {
		case s.ch <- copyEnv:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrBusClosed
		}
	}
	return nil
}

// Subscribe registers a subscriber for kind.
func (b *MemoryBus) Subscribe(kind Kind, buffer int) (<-chan Envelope, func()) {
	s := &subscription{kind: kind, ch: make(chan Envelope, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Subscribers returns the number of subscribers for kind.
func (b *MemoryBus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// Close stops delivery. Pending publishes return ErrBusClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
