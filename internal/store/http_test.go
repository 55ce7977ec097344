package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealvault/internal/config"
)

// fakeGateway is a minimal content gateway: POST /upload stores a blob and
// GET /ipfs/{address} returns it.
type fakeGateway struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	lie       bool
	authToken string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.authToken != "" && r.Header.Get("Authorization") != "Bearer "+g.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/upload":
		data, _ := io.ReadAll(r.Body)
		addr := Address(data)
		g.mu.Lock()
		g.blobs[addr] = data
		g.mu.Unlock()
		if g.lie {
			addr = Address([]byte("something else"))
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"cid": addr})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/ipfs/"):
		g.mu.Lock()
		data, ok := g.blobs[strings.TrimPrefix(r.URL.Path, "/ipfs/")]
		g.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func newTestHTTPStore(t *testing.T, g *fakeGateway) *HTTPStore {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	s, err := NewHTTPStore(config.StoreConfig{
		Backend:    "http",
		GatewayURL: srv.URL + "/ipfs/",
		UploadURL:  srv.URL + "/upload",
		AuthToken:  g.authToken,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHTTPStore_PutGet(t *testing.T) {
	g := &fakeGateway{blobs: map[string][]byte{}, authToken: "secret"}
	s := newTestHTTPStore(t, g)
	ctx := context.Background()

	addr, err := s.Put(ctx, []byte("encrypted chunk"))
	require.NoError(t, err)
	assert.Equal(t, Address([]byte("encrypted chunk")), addr)

	data, err := s.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("encrypted chunk"), data)
}

func TestHTTPStore_NotFound(t *testing.T) {
	s := newTestHTTPStore(t, &fakeGateway{blobs: map[string][]byte{}})
	_, err := s.Get(context.Background(), Address([]byte("missing")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPStore_GatewayReturnsWrongAddress(t *testing.T) {
	s := newTestHTTPStore(t, &fakeGateway{blobs: map[string][]byte{}, lie: true})
	_, err := s.Put(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestHTTPStore_TamperedBlob(t *testing.T) {
	g := &fakeGateway{blobs: map[string][]byte{}}
	s := newTestHTTPStore(t, g)
	addr := Address([]byte("good"))
	g.blobs[addr] = []byte("evil")

	_, err := s.Get(context.Background(), addr)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestHTTPStore_InvalidAddress(t *testing.T) {
	s := newTestHTTPStore(t, &fakeGateway{blobs: map[string][]byte{}})
	_, err := s.Get(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestHTTPStore_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	s, err := NewHTTPStore(config.StoreConfig{GatewayURL: srv.URL, UploadURL: srv.URL})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), Address([]byte("x")))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Contains(t, se.Body, "gateway exploded")

	_, err = s.Put(context.Background(), []byte("x"))
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "put", se.Op)
}

func TestNewHTTPStore_InvalidURL(t *testing.T) {
	_, err := NewHTTPStore(config.StoreConfig{GatewayURL: "not a url", UploadURL: "http://ok"})
	assert.Error(t, err)
}
