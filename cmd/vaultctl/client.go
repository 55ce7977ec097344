package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/api"
	"github.com/kenneth/sealvault/internal/uploader"
)

// gatewayClient talks to the gateway's HTTP surface.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

func newGatewayClient(base string) (*gatewayClient, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	return &gatewayClient{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}, nil
}

// responseError is a non-2xx gateway response.
type responseError struct {
	Status  int
	Code    string
	Message string
}

func (e *responseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// checkResponse turns an unexpected status into a responseError. API errors
// are JSON; download errors are text with an X-Error-Code header.
func checkResponse(resp *http.Response, want ...int) error {
	for _, code := range want {
		if resp.StatusCode == code {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	rerr := &responseError{Status: resp.StatusCode, Code: resp.Header.Get("X-Error-Code")}

	var apiBody struct {
		Error api.APIError `json:"error"`
	}
	if json.Unmarshal(body, &apiBody) == nil && apiBody.Error.Code != "" {
		rerr.Code = apiBody.Error.Code
		rerr.Message = apiBody.Error.Message
		return rerr
	}
	rerr.Message = strings.TrimSpace(string(body))
	return rerr
}

func (c *gatewayClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
}

// uploadFiles streams paths as one multipart batch.
func (c *gatewayClient) uploadFiles(ctx context.Context, paths []string, predicate []byte, format, uploadID string) ([]uploader.Result, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, paths, predicate, format))
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/files", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if uploadID != "" {
		req.Header.Set(api.UploadIDHeader, uploadID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var results []uploader.Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return results, nil
}

func writeUploadForm(mw *multipart.Writer, paths []string, predicate []byte, format string) error {
	if err := mw.WriteField("predicate", string(predicate)); err != nil {
		return err
	}
	if format != "" {
		if err := mw.WriteField("format", format); err != nil {
			return err
		}
	}
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		part, err := mw.CreateFormFile("file", filepath.Base(p))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
	}
	return mw.Close()
}

// watchUpload subscribes to job events. The returned channel closes when
// the gateway ends the stream.
func (c *gatewayClient) watchUpload(ctx context.Context, uploadID string) (<-chan uploader.Event, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/v1/uploads/" + url.PathEscape(uploadID) + "/events"
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, checkResponse(resp, http.StatusSwitchingProtocols)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}

	events := make(chan uploader.Event, 16)
	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev uploader.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					logrus.WithError(err).Debug("Upload event stream ended")
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// fetch streams /download/{id} into w and returns the response headers.
func (c *gatewayClient) fetch(ctx context.Context, id, byteRange string, w io.Writer) (http.Header, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/download/"+id, nil)
	if err != nil {
		return nil, 0, err
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, http.StatusOK, http.StatusPartialContent); err != nil {
		return nil, 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return resp.Header, n, fmt.Errorf("download interrupted after %d bytes: %w", n, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return resp.Header, n, fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	return resp.Header, n, nil
}

func (c *gatewayClient) inspect(ctx context.Context, id string) (*api.ManifestInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/manifests/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, http.StatusOK); err != nil {
		return nil, err
	}

	var info api.ManifestInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode manifest info: %w", err)
	}
	return &info, nil
}

func (c *gatewayClient) setSession(ctx context.Context, cred accesscontrol.SessionCredential) error {
	payload, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/api/v1/session", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.expect(req, http.StatusNoContent)
}

func (c *gatewayClient) clearSession(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/session", nil)
	if err != nil {
		return err
	}
	return c.expect(req, http.StatusNoContent)
}

type sessionStatus struct {
	Subject   string `json:"subject"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt string `json:"expiresAt"`
}

func (c *gatewayClient) session(ctx context.Context) (*sessionStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/session", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var s sessionStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (c *gatewayClient) expect(req *http.Request, status int) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp, status)
}
