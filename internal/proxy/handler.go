// Package proxy serves decrypted plaintext for encrypted, chunked content.
// A download resolves the manifest key, selects only the chunks that overlap
// the requested range, fetches and decrypts them concurrently and streams the
// slices back in offset order.
package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sealvault/internal/audit"
	"github.com/kenneth/sealvault/internal/cache"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/metrics"
	"github.com/kenneth/sealvault/internal/middleware"
	"github.com/kenneth/sealvault/internal/store"
)

const (
	defaultFetchConcurrency = 4
	sniffLen                = 512
)

// Handler serves GET and HEAD /download/{id}.
type Handler struct {
	keys        custodian.KeySource
	store       store.Store
	cache       *cache.ChunkCache
	cfg         config.ProxyConfig
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
	tracer      trace.Tracer
}

// NewHandler creates a download handler. chunkCache, m and auditLogger may
// be nil.
func NewHandler(
	keys custodian.KeySource,
	st store.Store,
	chunkCache *cache.ChunkCache,
	cfg config.ProxyConfig,
	logger *logrus.Logger,
	m *metrics.Metrics,
	auditLogger audit.Logger,
) *Handler {
	return &Handler{
		keys:        keys,
		store:       st,
		cache:       chunkCache,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
		tracer:      otel.Tracer("sealvault/proxy"),
	}
}

// RegisterRoutes registers the download route.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/download/{id:.+}", h.handleDownload).Methods(http.MethodGet, http.MethodHead)
}

func (h *Handler) concurrency() int {
	if h.cfg.FetchConcurrency > 0 {
		return h.cfg.FetchConcurrency
	}
	return defaultFetchConcurrency
}

// plan is a resolved download: what to send and with which headers.
type plan struct {
	res        *custodian.Resolution
	start, end int64
	partial    bool
	selection  []manifest.ChunkRange
}

func (p *plan) size() int64 {
	return p.res.Manifest.File.Size
}

func (p *plan) length() int64 {
	if len(p.selection) == 0 {
		return 0
	}
	return p.end - p.start + 1
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	rangeHeader := r.Header.Get("Range")

	entry := h.logger.WithFields(logrus.Fields{
		"content_id": id,
		"method":     r.Method,
		"request_id": middleware.RequestIDFromContext(ctx),
	})
	if rangeHeader != "" {
		entry = entry.WithField("range", rangeHeader)
	}

	status := http.StatusOK
	var written int64
	var err error
	defer func() {
		h.recordDownload(r, id, rangeHeader, status, written, err, time.Since(start))
	}()

	// RESOLVE_KEY
	res, err := h.keys.Resolve(ctx, id)
	if err != nil {
		status = h.writeError(w, r, entry, id, err)
		return
	}

	// PARSE_RANGE and SELECT_CHUNKS
	p, err := h.plan(res, rangeHeader)
	if err != nil {
		status = h.writeError(w, r, entry, id, err)
		return
	}

	contentType, err := h.contentType(r, p)
	if err != nil {
		status = h.writeError(w, r, entry, id, err)
		return
	}

	h.setHeaders(w, p, contentType)
	if p.partial {
		status = http.StatusPartialContent
	}

	if r.Method == http.MethodHead || len(p.selection) == 0 {
		w.WriteHeader(status)
		return
	}

	// FETCH_AND_DECRYPT, ASSEMBLE, RESPOND
	var fileHash hash.Hash
	if !p.partial && h.cfg.VerifyFullFile {
		fileHash = sha256.New()
	}
	rc := http.NewResponseController(w)
	wroteHeader := false

	err = h.stream(ctx, res, p.selection, func(data []byte, last bool) error {
		if fileHash != nil {
			fileHash.Write(data)
			if last {
				if got := hex.EncodeToString(fileHash.Sum(nil)); got != res.Manifest.FileHash {
					return &manifest.IntegrityError{Field: "file hash", Want: res.Manifest.FileHash, Got: got}
				}
			}
		}
		if !wroteHeader {
			w.WriteHeader(status)
			wroteHeader = true
		}
		n, werr := w.Write(data)
		written += int64(n)
		if werr != nil {
			return werr
		}
		rc.Flush()
		return nil
	})
	if err == nil {
		return
	}

	if !wroteHeader {
		status = h.writeError(w, r, entry, id, err)
		return
	}

	// Headers and some plaintext are already out; the only safe signal left
	// is to drop the connection.
	entry.WithError(err).WithField("bytes_written", written).Error("Aborting download after partial response")
	panic(http.ErrAbortHandler)
}

// plan resolves the Range header against the file and selects the chunks to
// fetch. A malformed Range header is ignored and the whole file is sent.
func (h *Handler) plan(res *custodian.Resolution, rangeHeader string) (*plan, error) {
	size := res.Manifest.File.Size
	p := &plan{res: res, start: 0, end: size - 1}

	if rangeHeader != "" {
		start, end, err := crypto.ParseHTTPRangeHeader(rangeHeader, size)
		switch {
		case err == nil:
			p.start, p.end = start, end
			p.partial = start > 0 || end < size-1
		case errors.Is(err, crypto.ErrInvalidRange):
			// served as if absent
		default:
			return nil, rangeNotSatisfiable("", size)
		}
	}
	if !p.partial && size == 0 {
		return p, nil
	}

	p.selection = manifest.ChunksForRange(res.Manifest.Descriptors(), p.start, p.end)
	if len(p.selection) == 0 {
		return nil, rangeNotSatisfiable("", size)
	}
	return p, nil
}

// contentType returns the declared type. Without one, a GET whose range
// starts at the beginning of the file sniffs the first selected chunk; any
// other request is sent as application/octet-stream.
func (h *Handler) contentType(r *http.Request, p *plan) (string, error) {
	if t := p.res.Manifest.File.Type; t != "" {
		return t, nil
	}
	if r.Method == http.MethodHead || p.start != 0 || len(p.selection) == 0 {
		return "application/octet-stream", nil
	}
	first := p.selection[0].Descriptor
	head, err := h.fetchChunk(r.Context(), p.res, manifest.ChunkRange{
		Descriptor: first,
		LocalStart: 0,
		LocalEnd:   min(first.Size, sniffLen) - 1,
	})
	if err != nil {
		return "", err
	}
	return http.DetectContentType(head), nil
}

func (h *Handler) setHeaders(w http.ResponseWriter, p *plan, contentType string) {
	hdr := w.Header()
	hdr.Set("Content-Type", contentType)
	hdr.Set("Content-Length", strconv.FormatInt(p.length(), 10))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Cache-Control", "private, no-store")
	if p.partial {
		hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", p.start, p.end, p.size()))
	}
	if name := p.res.Manifest.File.Name; name != "" {
		if disp := mime.FormatMediaType("inline", map[string]string{"filename": name}); disp != "" {
			hdr.Set("Content-Disposition", disp)
		}
	}
}

// writeError translates err and writes it, returning the status sent.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, entry *logrus.Entry, id string, err error) int {
	perr := TranslateError(err, id)
	perr.RequestID = middleware.RequestIDFromContext(r.Context())

	fields := logrus.Fields{"status": perr.HTTPStatus, "code": perr.Code}
	switch {
	case perr.HTTPStatus >= 500:
		entry.WithError(err).WithFields(fields).Error("Download failed")
	case errors.Is(err, custodian.ErrUnavailable):
		entry.WithError(err).WithFields(fields).Warn("Download denied")
	default:
		entry.WithError(err).WithFields(fields).Debug("Download rejected")
	}

	perr.Write(w)
	return perr.HTTPStatus
}

func (h *Handler) recordDownload(r *http.Request, id, rangeHeader string, status int, written int64, err error, d time.Duration) {
	kind := "full"
	switch {
	case r.Method == http.MethodHead:
		kind = "head"
	case rangeHeader != "":
		kind = "range"
	}
	if h.metrics != nil {
		h.metrics.RecordDownload(kind, status)
	}
	if h.auditLogger != nil {
		h.auditLogger.LogDecrypt(id, rangeHeader, err == nil, err, d, map[string]interface{}{
			"status": status,
			"bytes":  written,
			"kind":   kind,
		})
	}
}
