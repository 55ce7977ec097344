// Package api serves the control plane: uploads, upload progress, the
// access-control session and manifest inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/audit"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/metrics"
	"github.com/kenneth/sealvault/internal/store"
	"github.com/kenneth/sealvault/internal/uploader"
)

// UploadIDHeader lets a client pick the job id it watches for progress.
const UploadIDHeader = "X-Upload-ID"

const defaultMaxFormBytes = 32 << 20

// SessionManager stores, reports and clears the access-control session.
type SessionManager interface {
	StoreSession(cred accesscontrol.SessionCredential) error
	Session(ctx context.Context) (*accesscontrol.SessionCredential, error)
	Logout() error
}

// Jobs submits and observes upload jobs.
type Jobs interface {
	Submit(ctx context.Context, req uploader.JobRequest) (*uploader.Job, error)
	Watch(id string) (*uploader.Job, error)
}

// Handler handles control-plane HTTP requests.
type Handler struct {
	jobs        Jobs
	sessions    SessionManager
	store       store.Store
	cfg         config.UploaderConfig
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	auditLogger audit.Logger
	checks      map[string]metrics.Check
}

// NewHandler creates a new API handler. m and auditLogger may be nil;
// checks feed /ready.
func NewHandler(
	jobs Jobs,
	sessions SessionManager,
	st store.Store,
	cfg config.UploaderConfig,
	logger *logrus.Logger,
	m *metrics.Metrics,
	auditLogger audit.Logger,
	checks map[string]metrics.Check,
) *Handler {
	return &Handler{
		jobs:        jobs,
		sessions:    sessions,
		store:       st,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		auditLogger: auditLogger,
		checks:      checks,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods("GET")
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.checks)).Methods("GET")
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/files", h.handleUpload).Methods("POST")
	v1.HandleFunc("/uploads/{id}/events", h.handleUploadEvents).Methods("GET")
	v1.HandleFunc("/session", h.handleStoreSession).Methods("PUT")
	v1.HandleFunc("/session", h.handleGetSession).Methods("GET")
	v1.HandleFunc("/session", h.handleLogout).Methods("DELETE")
	v1.HandleFunc("/manifests/{id}", h.handleInspectManifest).Methods("GET")
}

// writeError logs err and writes its API translation.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := TranslateError(err, r.URL.Path).withResource(r.URL.Path, getRequestID(r))

	entry := h.logger.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     apiErr.HTTPStatus,
		"code":       apiErr.Code,
		"request_id": apiErr.RequestID,
	}).WithError(err)
	if apiErr.HTTPStatus >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	apiErr.WriteJSON(w)
}

// handleUpload handles POST /api/v1/files: a multipart form with a JSON
// predicate, an optional format and one or more file parts. The handler
// submits a job to the upload worker and waits for it.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	maxForm := h.cfg.MaxFormBytes
	if maxForm <= 0 {
		maxForm = defaultMaxFormBytes
	}
	if err := r.ParseMultipartForm(maxForm); err != nil {
		h.writeError(w, r, &APIError{
			Code:       "InvalidRequest",
			Message:    fmt.Sprintf("Invalid multipart form: %v", err),
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}
	defer r.MultipartForm.RemoveAll()

	predicate := []byte(strings.TrimSpace(r.FormValue("predicate")))
	if len(predicate) == 0 || !json.Valid(predicate) {
		h.writeError(w, r, ErrMissingPredicate)
		return
	}

	format := strings.ToLower(r.FormValue("format"))
	if format == "" {
		format = strings.ToLower(h.cfg.Format)
	}
	if format == "" {
		format = custodian.FormatV4
	}
	if format != custodian.FormatV3 && format != custodian.FormatV4 {
		h.writeError(w, r, ErrInvalidFormat)
		return
	}

	uploadID := r.Header.Get(UploadIDHeader)
	if uploadID != "" {
		if _, err := uuid.Parse(uploadID); err != nil {
			h.writeError(w, r, ErrInvalidUploadID)
			return
		}
	}

	parts := r.MultipartForm.File["file"]
	if len(parts) == 0 {
		h.writeError(w, r, ErrNoFiles)
		return
	}
	files := make([]uploader.FileSource, 0, len(parts))
	for _, fh := range parts {
		f, err := fh.Open()
		if err != nil {
			h.writeError(w, r, fmt.Errorf("failed to open part %q: %w", fh.Filename, err))
			return
		}
		defer f.Close()

		fileType := fh.Header.Get("Content-Type")
		if fileType == "application/octet-stream" {
			// generic multipart default; let the proxy sniff instead
			fileType = ""
		}
		files = append(files, uploader.FileSource{
			Name:   fh.Filename,
			Type:   fileType,
			Size:   fh.Size,
			Reader: f,
		})
	}

	job, err := h.jobs.Submit(r.Context(), uploader.JobRequest{
		ID:    uploadID,
		Files: files,
		Seal:  custodian.SealOptions{Format: format, Predicate: predicate},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	log := h.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"files":      len(files),
		"format":     format,
		"client_ip":  getClientIP(r),
		"request_id": getRequestID(r),
	})

	results, err := job.Wait(r.Context())
	if err != nil && r.Context().Err() != nil {
		job.Cancel()
		log.WithError(err).Warn("Client went away, upload canceled")
		return
	}
	if err != nil {
		for _, f := range files {
			h.logEncrypt("", f.Name, format, err, time.Since(start), job.ID)
		}
		h.writeError(w, r, err)
		return
	}

	for _, res := range results {
		h.logEncrypt(res.Manifest, res.Name, res.Format, nil, time.Since(start), job.ID)
	}
	log.WithField("duration", time.Since(start)).Info("Upload completed")

	w.Header().Set(UploadIDHeader, job.ID)
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) logEncrypt(contentID, name, format string, err error, d time.Duration, jobID string) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogEncrypt(contentID, name, format, err == nil, err, d, map[string]interface{}{
		"job_id": jobID,
	})
}

// sessionInfo is the session as reported to clients; the token is never echoed.
type sessionInfo struct {
	Subject   string    `json:"subject,omitempty"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleStoreSession handles PUT /api/v1/session.
func (h *Handler) handleStoreSession(w http.ResponseWriter, r *http.Request) {
	cred, err := ExtractSession(r)
	if err != nil {
		h.writeError(w, r, &APIError{
			Code:       "InvalidRequest",
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
		})
		return
	}

	err = h.sessions.StoreSession(*cred)
	if h.auditLogger != nil {
		h.auditLogger.LogSession("store", cred.Subject, err == nil, err)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"subject":    cred.Subject,
		"expires_at": cred.ExpiresAt,
	}).Info("Session stored")
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSession handles GET /api/v1/session. A session close to expiry
// is refreshed as a side effect.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	cred, err := h.sessions.Session(r.Context())
	if errors.Is(err, custodian.ErrNoSession) {
		h.writeError(w, r, ErrNoSession)
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionInfo{
		Subject:   cred.Subject,
		IssuedAt:  cred.IssuedAt,
		ExpiresAt: cred.ExpiresAt,
	})
}

// handleLogout handles DELETE /api/v1/session. It clears the session and
// every cached key and manifest.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.Logout()
	if h.auditLogger != nil {
		h.auditLogger.LogSession("logout", "", err == nil, err)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("Session cleared")
	w.WriteHeader(http.StatusNoContent)
}

// handleInspectManifest handles GET /api/v1/manifests/{id}. It reports what
// the manifest exposes without decrypting anything.
func (h *Handler) handleInspectManifest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	data, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := Inspect(id, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
