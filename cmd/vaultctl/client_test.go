package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/api"
	"github.com/kenneth/sealvault/internal/uploader"
)

// fakeGateway serves the subset of the gateway routes vaultctl uses.
type fakeGateway struct {
	mu      sync.Mutex
	session *accesscontrol.SessionCredential
	content []byte
	uploads []string
	formats []string
}

func (f *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/api/v1/session" && r.Method == http.MethodPut:
		var cred accesscontrol.SessionCredential
		if err := json.NewDecoder(r.Body).Decode(&cred); err != nil {
			api.ErrInvalidRequest.WriteJSON(w)
			return
		}
		f.session = &cred
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/api/v1/session" && r.Method == http.MethodGet:
		if f.session == nil {
			api.ErrNoSession.WriteJSON(w)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"subject":   f.session.Subject,
			"issuedAt":  f.session.IssuedAt.Format(time.RFC3339),
			"expiresAt": f.session.ExpiresAt.Format(time.RFC3339),
		})
	case r.URL.Path == "/api/v1/session" && r.Method == http.MethodDelete:
		f.session = nil
		w.WriteHeader(http.StatusNoContent)
	case r.URL.Path == "/api/v1/files" && r.Method == http.MethodPost:
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var results []uploader.Result
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "format":
				f.formats = append(f.formats, string(data))
			case "file":
				f.uploads = append(f.uploads, part.FileName())
				results = append(results, uploader.Result{
					Name: part.FileName(), Size: int64(len(data)), Manifest: "m-" + part.FileName(), Chunks: 1, Format: "v4",
				})
			}
		}
		json.NewEncoder(w).Encode(results)
	case strings.HasPrefix(r.URL.Path, "/download/"):
		if f.session == nil {
			w.Header().Set("X-Error-Code", "AccessDenied")
			http.Error(w, "access denied", http.StatusForbidden)
			return
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(f.content))
	case strings.HasPrefix(r.URL.Path, "/api/v1/manifests/"):
		json.NewEncoder(w).Encode(api.ManifestInfo{
			ID:      strings.TrimPrefix(r.URL.Path, "/api/v1/manifests/"),
			Version: "SEALED-MANIFEST-V4",
		})
	default:
		http.NotFound(w, r)
	}
}

func newFakeGateway(t *testing.T) (*fakeGateway, *gatewayClient) {
	t.Helper()
	fg := &fakeGateway{content: bytes.Repeat([]byte("0123456789"), 300)}
	srv := httptest.NewServer(fg)
	t.Cleanup(srv.Close)

	c, err := newGatewayClient(srv.URL)
	require.NoError(t, err)
	return fg, c
}

func TestNewGatewayClient(t *testing.T) {
	_, err := newGatewayClient("localhost:8080")
	assert.Error(t, err)

	c, err := newGatewayClient("http://localhost:8080/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", c.baseURL)
}

func TestCheckResponse(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		header      http.Header
		body        string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "json api error",
			status:      http.StatusNotFound,
			body:        `{"error":{"code":"NoSession","message":"no session stored"}}`,
			wantCode:    "NoSession",
			wantMessage: "no session stored",
		},
		{
			name:        "plain text with error code header",
			status:      http.StatusForbidden,
			header:      http.Header{"X-Error-Code": []string{"AccessDenied"}},
			body:        "access denied\n",
			wantCode:    "AccessDenied",
			wantMessage: "access denied",
		},
		{
			name:        "bare text",
			status:      http.StatusBadGateway,
			body:        "upstream failed",
			wantMessage: "upstream failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := tt.header
			if header == nil {
				header = http.Header{}
			}
			resp := &http.Response{StatusCode: tt.status, Header: header, Body: io.NopCloser(strings.NewReader(tt.body))}
			err := checkResponse(resp, http.StatusOK)

			var rerr *responseError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.status, rerr.Status)
			assert.Equal(t, tt.wantCode, rerr.Code)
			assert.Equal(t, tt.wantMessage, rerr.Message)
		})
	}

	t.Run("wanted status", func(t *testing.T) {
		resp := &http.Response{StatusCode: http.StatusPartialContent, Header: http.Header{}, Body: http.NoBody}
		assert.NoError(t, checkResponse(resp, http.StatusOK, http.StatusPartialContent))
	})
}

func TestClient_SessionLifecycle(t *testing.T) {
	_, c := newFakeGateway(t)
	ctx := t.Context()

	_, err := c.session(ctx)
	var rerr *responseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "NoSession", rerr.Code)

	expires := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.setSession(ctx, accesscontrol.SessionCredential{
		Token: "tok", Subject: "0xabc", IssuedAt: time.Now(), ExpiresAt: expires,
	}))

	s, err := c.session(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", s.Subject)
	assert.Equal(t, "2026-12-31T00:00:00Z", s.ExpiresAt)

	require.NoError(t, c.clearSession(ctx))
	_, err = c.session(ctx)
	assert.Error(t, err)
}

func TestClient_UploadFiles(t *testing.T) {
	fg, c := newFakeGateway(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(a, bytes.Repeat([]byte{1}, 4096), 0644))
	require.NoError(t, os.WriteFile(b, []byte("hello"), 0644))

	results, err := c.uploadFiles(t.Context(), []string{a, b}, []byte(`{"chain":"base"}`), "v3", "")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a.bin", results[0].Name)
	assert.Equal(t, int64(4096), results[0].Size)
	assert.Equal(t, "m-b.txt", results[1].Manifest)
	assert.Equal(t, []string{"a.bin", "b.txt"}, fg.uploads)
	assert.Equal(t, []string{"v3"}, fg.formats)
}

func TestClient_UploadMissingFile(t *testing.T) {
	_, c := newFakeGateway(t)
	_, err := c.uploadFiles(t.Context(), []string{filepath.Join(t.TempDir(), "gone")}, []byte(`{}`), "", "")
	assert.Error(t, err)
}

func TestClient_Fetch(t *testing.T) {
	fg, c := newFakeGateway(t)
	ctx := t.Context()

	var buf bytes.Buffer
	_, _, err := c.fetch(ctx, "id", "", &buf)
	var rerr *responseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusForbidden, rerr.Status)
	assert.Equal(t, "AccessDenied", rerr.Code)

	require.NoError(t, c.setSession(ctx, accesscontrol.SessionCredential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}))

	buf.Reset()
	_, n, err := c.fetch(ctx, "id", "", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(fg.content)), n)
	assert.Equal(t, fg.content, buf.Bytes())

	buf.Reset()
	header, n, err := c.fetch(ctx, "id", "bytes=1000-1009", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, "0123456789", buf.String())
	assert.Equal(t, "bytes 1000-1009/3000", header.Get("Content-Range"))
}

func TestClient_Inspect(t *testing.T) {
	_, c := newFakeGateway(t)
	info, err := c.inspect(t.Context(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", info.ID)
	assert.Equal(t, "SEALED-MANIFEST-V4", info.Version)
}

func TestClient_WatchUpload(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/uploads/job-1/events" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(uploader.Event{Type: uploader.EventProgress, JobID: "job-1"})
		conn.WriteJSON(uploader.Event{Type: uploader.EventComplete, JobID: "job-1"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(srv.Close)

	c, err := newGatewayClient(srv.URL)
	require.NoError(t, err)

	events, err := c.watchUpload(t.Context(), "job-1")
	require.NoError(t, err)

	var got []string
	for ev := range events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []string{uploader.EventProgress, uploader.EventComplete}, got)

	_, err = c.watchUpload(t.Context(), "other")
	var rerr *responseError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)
}

func TestSessionCommands(t *testing.T) {
	_, c := newFakeGateway(t)

	run := func(args ...string) string {
		cmd := newRootCmd()
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		cmd.SetErr(&buf)
		cmd.SetArgs(append([]string{"--server", c.baseURL}, args...))
		require.NoError(t, cmd.Execute())
		return buf.String()
	}

	assert.Contains(t, run("session", "show"), "No session")
	assert.Contains(t, run("session", "set", "--token", "tok", "--subject", "0xabc", "--expires", "2026-12-31T00:00:00Z"), "Session stored")
	out := run("session", "status")
	assert.Contains(t, out, "Subject: 0xabc")
	assert.Contains(t, out, "Expires: 2026-12-31T00:00:00Z")
	assert.Contains(t, run("session", "logout"), "Session cleared")
	assert.Contains(t, run("session", "show"), "No session")
}
