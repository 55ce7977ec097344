package custodian

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealvault/internal/manifest"
)

func TestMemoryBus_DeliversByKind(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	reqs, cancelReqs := bus.Subscribe(KindDecryptRequest, 1)
	defer cancelReqs()
	resps, cancelResps := bus.Subscribe(KindDecryptResponse, 1)
	defer cancelResps()

	req := &DecryptRequest{ContentID: "abc", Blob: manifest.EncryptedBlob{Ciphertext: []byte{1, 2}, DataHash: "h"}, Predicate: []byte(`{}`)}
	require.NoError(t, bus.Publish(context.Background(), Envelope{ID: "1", Kind: KindDecryptRequest, Request: req}))

	select {
	case env := <-reqs:
		assert.Equal(t, "1", env.ID)
		assert.Equal(t, req, env.Request)
		assert.NotSame(t, req, env.Request, "envelopes are copied")
	case <-time.After(time.Second):
		t.Fatal("request not delivered")
	}

	select {
	case env := <-resps:
		t.Fatalf("unexpected delivery to response subscriber: %+v", env)
	default:
	}
}

func TestMemoryBus_Broadcast(t *testing.T) {
	bus := NewMemoryBus()
	a, cancelA := bus.Subscribe(KindDecryptResponse, 1)
	b, cancelB := bus.Subscribe(KindDecryptResponse, 1)
	defer cancelA()
	defer cancelB()
	assert.Equal(t, 2, bus.Subscribers(KindDecryptResponse))

	require.NoError(t, bus.Publish(context.Background(), Envelope{ID: "x", Kind: KindDecryptResponse, Response: &DecryptResponse{}}))
	assert.Equal(t, "x", (<-a).ID)
	assert.Equal(t, "x", (<-b).ID)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	_, cancel := bus.Subscribe(KindDecryptRequest, 0)
	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers(KindDecryptRequest))

	// nobody listening, publish returns immediately
	require.NoError(t, bus.Publish(context.Background(), Envelope{Kind: KindDecryptRequest}))
}

func TestMemoryBus_PublishBlocksUntilContextDone(t *testing.T) {
	bus := NewMemoryBus()
	_, cancel := bus.Subscribe(KindDecryptRequest, 0)
	defer cancel()

	ctx, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()
	err := bus.Publish(ctx, Envelope{Kind: KindDecryptRequest})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	err := bus.Publish(context.Background(), Envelope{Kind: KindDecryptRequest})
	assert.ErrorIs(t, err, ErrBusClosed)
}
