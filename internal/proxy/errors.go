package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/sealvault/internal/crypto"
	"github.com/kenneth/sealvault/internal/custodian"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/store"
)

// Error is a download error response.
type Error struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
	// Size is echoed as "Content-Range: bytes */Size" on a 416.
	Size int64
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("proxy error: %s - %s", e.Code, e.Message)
}

// Write writes the error as a plain-text response.
func (e *Error) Write(w http.ResponseWriter) {
	h := w.Header()
	for _, k := range []string{"Content-Disposition", "Content-Length", "Accept-Ranges", "Content-Range"} {
		h.Del(k)
	}
	if e.HTTPStatus == http.StatusRequestedRangeNotSatisfiable {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", e.Size))
	}
	if e.RequestID != "" {
		h.Set("X-Request-ID", e.RequestID)
	}
	h.Set("X-Error-Code", e.Code)
	http.Error(w, e.Message, e.HTTPStatus)
}

func rangeNotSatisfiable(id string, size int64) *Error {
	return &Error{
		Code:       "InvalidRange",
		Message:    "Requested range not satisfiable",
		Resource:   id,
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
		Size:       size,
	}
}

// statusClientClosedRequest is the nginx status for a request the client
// abandoned.
const statusClientClosedRequest = 499

// TranslateError maps a download failure to its response.
func TranslateError(err error, id string) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	switch {
	case errors.Is(err, custodian.ErrUnavailable):
		return &Error{
			Code:       "AccessDenied",
			Message:    "Manifest not available or access denied",
			Resource:   id,
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, custodian.ErrContentUnavailable) &&
		(errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidAddress)):
		return &Error{
			Code:       "NoSuchContent",
			Message:    "The specified content does not exist",
			Resource:   id,
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, crypto.ErrRangeNotSatisfiable):
		return rangeNotSatisfiable(id, 0)
	case errors.Is(err, context.Canceled):
		return &Error{
			Code:       "RequestCanceled",
			Message:    "Client closed the request",
			Resource:   id,
			HTTPStatus: statusClientClosedRequest,
		}
	case errors.Is(err, manifest.ErrIntegrity), errors.Is(err, manifest.ErrVersionMismatch),
		errors.Is(err, manifest.ErrInvalidBundle), errors.Is(err, store.ErrDigestMismatch):
		return &Error{
			Code:       "IntegrityError",
			Message:    "Content failed integrity verification",
			Resource:   id,
			HTTPStatus: http.StatusInternalServerError,
		}
	}

	return &Error{
		Code:       "InternalError",
		Message:    "Failed to decrypt file",
		Resource:   id,
		HTTPStatus: http.StatusInternalServerError,
	}
}
