package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealvault/internal/audit"
	"github.com/kenneth/sealvault/internal/cache"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/metrics"
	"github.com/kenneth/sealvault/internal/store"
	"github.com/kenneth/sealvault/internal/uploader"
)

const testChunk = 1 << 20

// fakeKeys resolves ids from a map of bundles.
type fakeKeys struct {
	bundles map[string]*manifest.MetadataBundle
	err     error
	// mutate, when set, edits the redacted manifest before it is returned.
	mutate func(*manifest.Redacted)
}

func (f *fakeKeys) Resolve(ctx context.Context, id string) (*custodian.Resolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.bundles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s: %w", custodian.ErrContentUnavailable, id, store.ErrNotFound)
	}
	key, err := crypto.ImportKey(bytes.Clone(b.Key))
	if err != nil {
		return nil, err
	}
	red := b.Redact()
	if f.mutate != nil {
		f.mutate(&red)
	}
	return &custodian.Resolution{Key: key, IV: b.IV, Manifest: red, Source: custodian.SourceCache}, nil
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + i/509)
	}
	return b
}

type fixture struct {
	store   *store.MemoryStore
	keys    *fakeKeys
	bundle  *manifest.MetadataBundle
	data    []byte
	router  *mux.Router
	handler *Handler
	audit   audit.Logger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, size int, fileType string, cfg config.ProxyConfig, chunkCache *cache.ChunkCache) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	data := testData(size)

	b, err := uploader.New(st, uploader.WithChunkSize(testChunk)).EncryptFile(context.Background(), uploader.FileSource{
		Name: "clip.bin", Type: fileType, Size: int64(size), Reader: bytes.NewReader(data),
	}, uploader.Params{})
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		store:   st,
		keys:    &fakeKeys{bundles: map[string]*manifest.MetadataBundle{"manifest-1": b}},
		bundle:  b,
		data:    data,
		router:  mux.NewRouter(),
		audit:   audit.NewLogger(100, audit.NewLogrusWriter(logger)),
		metrics: metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	f.handler = NewHandler(f.keys, st, chunkCache, cfg, logger, f.metrics, f.audit)
	f.handler.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(method, rangeHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/download/manifest-1", nil)
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestDownload_Ranges(t *testing.T) {
	const size = 2621440

	tests := []struct {
		name         string
		rangeHeader  string
		wantStatus   int
		start, end   int64
		contentRange string
	}{
		{"full file", "", http.StatusOK, 0, size - 1, ""},
		{"across chunk boundary", "bytes=1048500-1048700", http.StatusPartialContent, 1048500, 1048700, "bytes 1048500-1048700/2621440"},
		{"within one chunk", "bytes=10-19", http.StatusPartialContent, 10, 19, "bytes 10-19/2621440"},
		{"suffix", "bytes=-100", http.StatusPartialContent, size - 100, size - 1, "bytes 2621340-2621439/2621440"},
		{"open ended", "bytes=2097152-", http.StatusPartialContent, 2097152, size - 1, "bytes 2097152-2621439/2621440"},
		{"end clamped", "bytes=2621000-9999999", http.StatusPartialContent, 2621000, size - 1, "bytes 2621000-2621439/2621440"},
		{"whole file as range", "bytes=0-", http.StatusOK, 0, size - 1, ""},
	}

	f := newFixture(t, size, "video/mp4", config.ProxyConfig{FetchConcurrency: 2, VerifyFullFile: true}, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(http.MethodGet, tt.rangeHeader)

			require.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.Equal(t, f.data[tt.start:tt.end+1], rr.Body.Bytes())
			assert.Equal(t, fmt.Sprint(tt.end-tt.start+1), rr.Header().Get("Content-Length"))
			assert.Equal(t, tt.contentRange, rr.Header().Get("Content-Range"))
			assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
			assert.Equal(t, "bytes", rr.Header().Get("Accept-Ranges"))
			assert.Equal(t, `inline; filename=clip.bin`, rr.Header().Get("Content-Disposition"))
		})
	}
}

func TestDownload_FetchesOnlySelectedChunks(t *testing.T) {
	f := newFixture(t, 2621440, "video/mp4", config.ProxyConfig{}, nil)

	rr := f.do(http.MethodGet, "bytes=1048500-1048700")
	require.Equal(t, http.StatusPartialContent, rr.Code)

	chunks := f.bundle.Chunks
	assert.Equal(t, 1, f.store.Fetches(chunks[0].Address))
	assert.Equal(t, 1, f.store.Fetches(chunks[1].Address))
	assert.Equal(t, 0, f.store.Fetches(chunks[2].Address))
}

func TestDownload_NotSatisfiable(t *testing.T) {
	tests := []struct {
		name        string
		size        int
		rangeHeader string
	}{
		{"start beyond end", 1000, "bytes=1000-"},
		{"zero suffix", 1000, "bytes=-0"},
		{"empty file", 0, "bytes=0-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.size, "text/plain", config.ProxyConfig{}, nil)
			rr := f.do(http.MethodGet, tt.rangeHeader)

			assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
			assert.Equal(t, fmt.Sprintf("bytes */%d", tt.size), rr.Header().Get("Content-Range"))
			assert.Empty(t, rr.Header().Get("Content-Disposition"))
		})
	}
}

func TestDownload_IgnoresMalformedRange(t *testing.T) {
	f := newFixture(t, 1000, "text/plain", config.ProxyConfig{}, nil)

	for _, rangeHeader := range []string{"bytes=abc", "items=0-1", "bytes=5-3", "bytes=-x", "0-10"} {
		t.Run(rangeHeader, func(t *testing.T) {
			rr := f.do(http.MethodGet, rangeHeader)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, f.data, rr.Body.Bytes())
			assert.Equal(t, "1000", rr.Header().Get("Content-Length"))
			assert.Empty(t, rr.Header().Get("Content-Range"))
		})
	}

	t.Run("empty file", func(t *testing.T) {
		empty := newFixture(t, 0, "text/plain", config.ProxyConfig{}, nil)
		rr := empty.do(http.MethodGet, "bytes=abc")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Body.Bytes())
	})
}

func TestDownload_EmptyFile(t *testing.T) {
	f := newFixture(t, 0, "", config.ProxyConfig{VerifyFullFile: true}, nil)

	rr := f.do(http.MethodGet, "")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Body.Bytes())
	assert.Equal(t, "0", rr.Header().Get("Content-Length"))
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))
}

func TestDownload_Head(t *testing.T) {
	f := newFixture(t, 3000, "application/pdf", config.ProxyConfig{}, nil)

	t.Run("full", func(t *testing.T) {
		rr := f.do(http.MethodHead, "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Body.Bytes())
		assert.Equal(t, "3000", rr.Header().Get("Content-Length"))
		assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	})

	t.Run("range", func(t *testing.T) {
		rr := f.do(http.MethodHead, "bytes=100-199")
		assert.Equal(t, http.StatusPartialContent, rr.Code)
		assert.Equal(t, "100", rr.Header().Get("Content-Length"))
		assert.Equal(t, "bytes 100-199/3000", rr.Header().Get("Content-Range"))
	})

	for _, c := range f.bundle.Chunks {
		assert.Zero(t, f.store.Fetches(c.Address), "HEAD with a declared type must not fetch chunks")
	}
}

func TestDownload_SniffsContentType(t *testing.T) {
	f := newFixture(t, 0, "", config.ProxyConfig{}, nil)

	text := []byte("<html><body>hello</body></html>")
	b, err := uploader.New(f.store).EncryptFile(context.Background(), uploader.FileSource{
		Name: "page", Size: int64(len(text)), Reader: bytes.NewReader(text),
	}, uploader.Params{})
	require.NoError(t, err)
	f.keys.bundles["manifest-1"] = b

	tests := []struct {
		name        string
		method      string
		rangeHeader string
		wantType    string
		wantBody    string
	}{
		{"full file", http.MethodGet, "", "text/html; charset=utf-8", string(text)},
		{"range from start", http.MethodGet, "bytes=0-5", "text/html; charset=utf-8", "<html>"},
		{"later range", http.MethodGet, "bytes=7-10", "application/octet-stream", "body"},
		{"head", http.MethodHead, "", "application/octet-stream", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(tt.method, tt.rangeHeader)

			require.Less(t, rr.Code, 300, rr.Body.String())
			assert.Equal(t, tt.wantBody, rr.Body.String())
			assert.Equal(t, tt.wantType, rr.Header().Get("Content-Type"))
		})
	}
}

func TestDownload_SniffFetchesOnlySelectedChunks(t *testing.T) {
	f := newFixture(t, 2621440, "", config.ProxyConfig{}, nil)
	chunks := f.bundle.Chunks

	rr := f.do(http.MethodHead, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))

	rr = f.do(http.MethodGet, "bytes=2097152-2097161")
	require.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, f.data[2097152:2097162], rr.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))

	assert.Zero(t, f.store.Fetches(chunks[0].Address))
	assert.Zero(t, f.store.Fetches(chunks[1].Address))
	assert.Equal(t, 1, f.store.Fetches(chunks[2].Address))
}

func TestDownload_KeyErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no session", fmt.Errorf("%w: %w", custodian.ErrUnavailable, custodian.ErrNoSession), http.StatusForbidden, "AccessDenied"},
		{"missing manifest", fmt.Errorf("%w: x: %w", custodian.ErrContentUnavailable, store.ErrNotFound), http.StatusNotFound, "NoSuchContent"},
		{"tampered manifest", &manifest.IntegrityError{Field: "keyHash"}, http.StatusInternalServerError, "IntegrityError"},
		{"store down", fmt.Errorf("%w: x: %w", custodian.ErrContentUnavailable, errors.New("connection refused")), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 10, "text/plain", config.ProxyConfig{}, nil)
			f.keys.err = tt.err

			rr := f.do(http.MethodGet, "")

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantCode, rr.Header().Get("X-Error-Code"))
			assert.Empty(t, rr.Header().Get("Content-Disposition"))
		})
	}
}

func TestDownload_TamperedFirstChunk(t *testing.T) {
	f := newFixture(t, 2621440, "video/mp4", config.ProxyConfig{}, nil)
	first := f.bundle.Chunks[0]
	f.store.Set(first.Address, make([]byte, first.EncryptedSize))

	rr := f.do(http.MethodGet, "bytes=0-99")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "IntegrityError", rr.Header().Get("X-Error-Code"))
	assert.NotContains(t, rr.Body.String(), string(f.data[:100]))
}

func TestDownload_AbortsAfterPartialResponse(t *testing.T) {
	f := newFixture(t, 2621440, "video/mp4", config.ProxyConfig{FetchConcurrency: 1}, nil)
	last := f.bundle.Chunks[2]
	f.store.Set(last.Address, make([]byte, last.EncryptedSize))

	rr := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		f.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/download/manifest-1", nil))
	})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, f.data[:2*testChunk], rr.Body.Bytes())
}

func TestDownload_FileHashMismatch(t *testing.T) {
	f := newFixture(t, 5000, "text/plain", config.ProxyConfig{VerifyFullFile: true}, nil)
	f.keys.mutate = func(r *manifest.Redacted) { r.FileHash = manifest.HashBytes([]byte("other")) }

	t.Run("full download fails", func(t *testing.T) {
		rr := f.do(http.MethodGet, "")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "IntegrityError", rr.Header().Get("X-Error-Code"))
	})

	t.Run("ranges are not hashed", func(t *testing.T) {
		rr := f.do(http.MethodGet, "bytes=0-9")
		assert.Equal(t, http.StatusPartialContent, rr.Code)
		assert.Equal(t, f.data[:10], rr.Body.Bytes())
	})
}

func TestDownload_CacheHit(t *testing.T) {
	chunkCache := cache.New(config.CacheConfig{Enabled: true})
	f := newFixture(t, 2621440, "video/mp4", config.ProxyConfig{}, chunkCache)

	for i := 0; i < 3; i++ {
		rr := f.do(http.MethodGet, "bytes=1048500-1048700")
		require.Equal(t, http.StatusPartialContent, rr.Code)
		assert.Equal(t, f.data[1048500:1048701], rr.Body.Bytes())
	}

	assert.Equal(t, 1, f.store.Fetches(f.bundle.Chunks[0].Address))
	assert.Equal(t, 1, f.store.Fetches(f.bundle.Chunks[1].Address))
	assert.Equal(t, int64(4), chunkCache.Stats().Hits)
}

func TestDownload_RecordsMetricsAndAudit(t *testing.T) {
	f := newFixture(t, 100, "text/plain", config.ProxyConfig{}, nil)

	f.do(http.MethodGet, "bytes=0-9")
	f.keys.err = custodian.ErrUnavailable
	f.do(http.MethodGet, "")

	events := f.audit.Events()
	require.Len(t, events, 2)
	assert.Equal(t, audit.EventTypeDecrypt, events[0].EventType)
	assert.Equal(t, "bytes=0-9", events[0].Range)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)

	rr := httptest.NewRecorder()
	f.metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `downloads_total{kind="range",status="206"} 1`)
	assert.Contains(t, rr.Body.String(), `downloads_total{kind="full",status="403"} 1`)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unavailable", custodian.ErrUnavailable, http.StatusForbidden, "AccessDenied"},
		{"not found", fmt.Errorf("%w: %w", custodian.ErrContentUnavailable, store.ErrNotFound), http.StatusNotFound, "NoSuchContent"},
		{"bad address", fmt.Errorf("%w: %w", custodian.ErrContentUnavailable, store.ErrInvalidAddress), http.StatusNotFound, "NoSuchContent"},
		{"range", crypto.ErrRangeNotSatisfiable, http.StatusRequestedRangeNotSatisfiable, "InvalidRange"},
		{"digest", fmt.Errorf("fetch chunk 1: %w", store.ErrDigestMismatch), http.StatusInternalServerError, "IntegrityError"},
		{"version", manifest.ErrVersionMismatch, http.StatusInternalServerError, "IntegrityError"},
		{"canceled", fmt.Errorf("resolve: %w", context.Canceled), statusClientClosedRequest, "RequestCanceled"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "InternalError"},
		{"passthrough", rangeNotSatisfiable("x", 42), http.StatusRequestedRangeNotSatisfiable, "InvalidRange"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := TranslateError(tt.err, "x")
			require.NotNil(t, perr)
			assert.Equal(t, tt.wantStatus, perr.HTTPStatus)
			assert.Equal(t, tt.wantCode, perr.Code)
		})
	}

	assert.Nil(t, TranslateError(nil, "x"))
}

func TestConcurrencyDefault(t *testing.T) {
	assert.Equal(t, defaultFetchConcurrency, (&Handler{}).concurrency())
	assert.Equal(t, 8, (&Handler{cfg: config.ProxyConfig{FetchConcurrency: 8}}).concurrency())
}
