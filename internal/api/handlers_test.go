package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealvault/internal/accesscontrol/accesscontroltest"
	"github.com/kenneth/sealvault/internal/audit"
	"github.com/kenneth/sealvault/internal/config"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/keystore"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/metrics"
	"github.com/kenneth/sealvault/internal/store"
	"github.com/kenneth/sealvault/internal/uploader"
)

const testPredicate = `{"conditionType":"evmBasic","chain":"base","returnValueTest":{"comparator":">=","value":"0"}}`

type testEnv struct {
	svc     *accesscontroltest.Service
	st      *store.MemoryStore
	keys    *keystore.Store
	network *custodian.NetworkCustodian
	worker  *uploader.Worker
	audit   audit.Logger
	router  *mux.Router
}

func newTestEnv(t *testing.T, checks map[string]metrics.Check) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	keys, err := keystore.Open(config.KeystoreConfig{Path: filepath.Join(t.TempDir(), "ks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	env := &testEnv{
		svc:    accesscontroltest.New(),
		st:     store.NewMemoryStore(),
		keys:   keys,
		audit:  audit.NewLogger(100, audit.NewLogrusWriter(logger)),
		router: mux.NewRouter(),
	}
	env.network = custodian.NewNetworkCustodian(env.svc, keys, env.st, config.CustodianConfig{},
		manifest.Binding{Network: "base", Contract: "0xc0ffee"}, custodian.WithLogger(logger))

	env.worker = uploader.NewWorker(uploader.New(env.st, uploader.WithChunkSize(1024), uploader.WithLogger(logger)),
		env.network, uploader.WorkerConfig{}, logger)
	env.worker.Start(context.Background())
	t.Cleanup(env.worker.Stop)

	h := NewHandler(env.worker, env.network, env.st, config.UploaderConfig{Format: "v4"}, logger, nil, env.audit, checks)
	h.RegisterRoutes(env.router)
	return env
}

type part struct {
	name, contentType string
	data              []byte
}

func uploadRequest(t *testing.T, fields map[string]string, files []part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+f.name+`"`)
		if f.contentType != "" {
			hdr.Set("Content-Type", f.contentType)
		}
		w, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = w.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/v1/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body), rr.Body.String())
	return body.Error.Code
}

func TestUpload_PublishesManifests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name       string
		format     string
		wantFormat string
	}{
		{"default format", "", "v4"},
		{"v3", "v3", "v3"},
		{"v4 upper case", "V4", "v4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := map[string]string{"predicate": testPredicate}
			if tt.format != "" {
				fields["format"] = tt.format
			}
			rr := env.serve(uploadRequest(t, fields, []part{
				{"a.txt", "text/plain", bytes.Repeat([]byte("a"), 3000)},
				{"b.bin", "", []byte("tiny")},
			}))
			require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
			assert.NotEmpty(t, rr.Header().Get(UploadIDHeader))

			var results []uploader.Result
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &results))
			require.Len(t, results, 2)
			assert.Equal(t, "a.txt", results[0].Name)
			assert.Equal(t, int64(3000), results[0].Size)
			assert.Equal(t, 3, results[0].Chunks)
			assert.Equal(t, tt.wantFormat, results[0].Format)
			assert.Equal(t, 1, results[1].Chunks)

			data, err := env.st.Get(context.Background(), results[0].Manifest)
			require.NoError(t, err)
			version, err := manifest.PeekVersion(data)
			require.NoError(t, err)
			if tt.wantFormat == "v3" {
				assert.Equal(t, manifest.VersionManifestV3, version)
			} else {
				assert.Equal(t, manifest.VersionManifestV4, version)
			}
		})
	}

	var encrypts int
	for _, ev := range env.audit.Events() {
		if ev.EventType == audit.EventTypeEncrypt && ev.Success {
			encrypts++
		}
	}
	assert.Equal(t, 6, encrypts)
}

func TestUpload_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)
	file := []part{{"a.txt", "text/plain", []byte("hello")}}

	tests := []struct {
		name     string
		fields   map[string]string
		files    []part
		uploadID string
		wantCode string
	}{
		{"missing predicate", map[string]string{}, file, "", "InvalidPredicate"},
		{"predicate not json", map[string]string{"predicate": "not json"}, file, "", "InvalidPredicate"},
		{"unknown format", map[string]string{"predicate": testPredicate, "format": "v5"}, file, "", "InvalidArgument"},
		{"no files", map[string]string{"predicate": testPredicate}, nil, "", "InvalidRequest"},
		{"bad upload id", map[string]string{"predicate": testPredicate}, file, "job-1", "InvalidArgument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, tt.fields, tt.files)
			if tt.uploadID != "" {
				req.Header.Set(UploadIDHeader, tt.uploadID)
			}
			rr := env.serve(req)

			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rr))
		})
	}

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/files", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		rr := env.serve(req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestUploadEvents_Websocket(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	jobID := uuid.NewString()
	wsURL := strings.Replace(ts.URL, "http://", "ws://", 1) + "/api/v1/uploads/" + jobID + "/events"
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	req := uploadRequest(t, map[string]string{"predicate": testPredicate}, []part{
		{"movie.mp4", "video/mp4", bytes.Repeat([]byte{7}, 5000)},
	})
	req.Header.Set(UploadIDHeader, jobID)
	rr := env.serve(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, jobID, rr.Header().Get(UploadIDHeader))

	var last uploader.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var ev uploader.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, jobID, ev.JobID)
		last = ev
	}

	assert.Equal(t, uploader.EventComplete, last.Type)
	require.Len(t, last.Results, 1)
	assert.Equal(t, "movie.mp4", last.Results[0].Name)
}

func TestUploadEvents_InvalidID(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.serve(httptest.NewRequest("GET", "/api/v1/uploads/not-a-uuid/events", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSession_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	cred := env.svc.NewSession("alice", time.Hour)

	body, err := json.Marshal(cred)
	require.NoError(t, err)
	rr := env.serve(httptest.NewRequest("PUT", "/api/v1/session", bytes.NewReader(body)))
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = env.serve(httptest.NewRequest("GET", "/api/v1/session", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"subject":"alice"`)
	assert.NotContains(t, rr.Body.String(), cred.Token)

	rr = env.serve(httptest.NewRequest("DELETE", "/api/v1/session", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.serve(httptest.NewRequest("GET", "/api/v1/session", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NoSession", decodeError(t, rr))

	var sessions int
	for _, ev := range env.audit.Events() {
		if ev.EventType == audit.EventTypeSession {
			sessions++
		}
	}
	assert.Equal(t, 2, sessions)
}

func TestSession_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)

	t.Run("expired credential", func(t *testing.T) {
		body := `{"token":"t","issuedAt":"2020-01-01T00:00:00Z","expiresAt":"2020-01-02T00:00:00Z"}`
		rr := env.serve(httptest.NewRequest("PUT", "/api/v1/session", strings.NewReader(body)))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "SessionExpired", decodeError(t, rr))
	})

	t.Run("no credential", func(t *testing.T) {
		rr := env.serve(httptest.NewRequest("PUT", "/api/v1/session", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestExtractSession(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	tests := []struct {
		name        string
		body        string
		headers     map[string]string
		wantToken   string
		wantSubject string
		wantErr     bool
	}{
		{
			name:        "json body",
			body:        `{"token":"abc","subject":"bob","expiresAt":"` + expires.Format(time.RFC3339) + `"}`,
			wantToken:   "abc",
			wantSubject: "bob",
		},
		{
			name: "bearer header",
			headers: map[string]string{
				"Authorization":      "Bearer xyz",
				SessionExpiresHeader: expires.Format(time.RFC3339),
				SessionSubjectHeader: "carol",
			},
			wantToken:   "xyz",
			wantSubject: "carol",
		},
		{
			name:    "bearer without expiry",
			headers: map[string]string{"Authorization": "Bearer xyz"},
			wantErr: true,
		},
		{
			name:    "body without token",
			body:    `{"subject":"bob"}`,
			wantErr: true,
		},
		{
			name:    "malformed body",
			body:    `{`,
			wantErr: true,
		},
		{
			name:    "nothing",
			wantErr: true,
		},
		{
			name:    "basic auth",
			headers: map[string]string{"Authorization": "Basic Zm9vOmJhcg=="},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("PUT", "/api/v1/session", strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			cred, err := ExtractSession(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantToken, cred.Token)
			assert.Equal(t, tt.wantSubject, cred.Subject)
			assert.True(t, cred.ExpiresAt.Equal(expires))
		})
	}
}

func TestInspectManifest(t *testing.T) {
	env := newTestEnv(t, nil)

	upload := func(format string) string {
		rr := env.serve(uploadRequest(t, map[string]string{"predicate": testPredicate, "format": format}, []part{
			{"report.pdf", "application/pdf", bytes.Repeat([]byte("r"), 2500)},
		}))
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var results []uploader.Result
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &results))
		return results[0].Manifest
	}

	t.Run("v4 exposes only the predicate", func(t *testing.T) {
		id := upload("v4")
		rr := env.serve(httptest.NewRequest("GET", "/api/v1/manifests/"+id, nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var info ManifestInfo
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
		assert.Equal(t, manifest.VersionManifestV4, info.Version)
		assert.JSONEq(t, testPredicate, string(info.Predicate))
		assert.Nil(t, info.File)
		assert.Empty(t, info.Chunks)
	})

	t.Run("v3 exposes topology", func(t *testing.T) {
		id := upload("v3")
		rr := env.serve(httptest.NewRequest("GET", "/api/v1/manifests/"+id, nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var info ManifestInfo
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
		assert.Equal(t, manifest.VersionManifestV3, info.Version)
		require.NotNil(t, info.File)
		assert.Equal(t, "report.pdf", info.File.Name)
		assert.Len(t, info.Chunks, 3)
		require.NotNil(t, info.Binding)
		assert.Equal(t, "0xc0ffee", info.Binding.Contract)
		assert.NotContains(t, rr.Body.String(), `"key"`)
	})

	t.Run("missing", func(t *testing.T) {
		rr := env.serve(httptest.NewRequest("GET", "/api/v1/manifests/"+store.Address([]byte("nothing")), nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "NoSuchManifest", decodeError(t, rr))
	})

	t.Run("not a manifest", func(t *testing.T) {
		id, err := env.st.Put(context.Background(), []byte("plain bytes"))
		require.NoError(t, err)
		rr := env.serve(httptest.NewRequest("GET", "/api/v1/manifests/"+id, nil))
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestReadiness(t *testing.T) {
	env := newTestEnv(t, map[string]metrics.Check{
		"store": func(ctx context.Context) error { return errors.New("unreachable") },
	})

	rr := env.serve(httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = env.serve(httptest.NewRequest("GET", "/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"queue full", uploader.ErrQueueFull, http.StatusServiceUnavailable, "ServiceUnavailable"},
		{"duplicate", uploader.ErrDuplicateJob, http.StatusConflict, "UploadInProgress"},
		{"size mismatch", uploader.ErrSizeMismatch, http.StatusBadRequest, "IncompleteBody"},
		{"too many chunks", uploader.ErrTooManyChunks, http.StatusRequestEntityTooLarge, "EntityTooLarge"},
		{"version", &manifest.VersionError{Got: "X"}, http.StatusUnprocessableEntity, "InvalidManifest"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "NoSuchManifest"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := TranslateError(tt.err, "/x")
			assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus)
			assert.Equal(t, tt.wantCode, apiErr.Code)
		})
	}

	assert.Nil(t, TranslateError(nil, "/x"))
}

func TestAPIError_WriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	(&APIError{Code: "AccessDenied", Message: "Access Denied", RequestID: "req-1", HTTPStatus: http.StatusForbidden}).WriteJSON(rr)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"code":"AccessDenied","message":"Access Denied","requestId":"req-1"}}`, rr.Body.String())
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "127.0.0.1:1", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.3"}, "127.0.0.1:1", "10.0.0.3"},
		{"remote addr", nil, "192.168.1.5:4040", "192.168.1.5"},
		{"ipv6", nil, "[::1]:4040", "::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}
