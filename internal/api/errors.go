package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/sealvault/internal/accesscontrol"
	"github.com/kenneth/sealvault/internal/manifest"
	"github.com/kenneth/sealvault/internal/store"
	"github.com/kenneth/sealvault/internal/uploader"
)

// APIError represents a control-plane API error response.
type APIError struct {
	Code       string
	Message    string
	Resource   string
	RequestID  string
	HTTPStatus int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response as JSON.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	type errorBody struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Resource  string `json:"resource,omitempty"`
		RequestID string `json:"requestId,omitempty"`
	}
	response := struct {
		Error errorBody `json:"error"`
	}{errorBody{
		Code:      e.Code,
		Message:   e.Message,
		Resource:  e.Resource,
		RequestID: e.RequestID,
	}}

	data, err := json.Marshal(response)
	if err != nil {
		// Fallback to plain text if marshaling fails
		http.Error(w, e.Message, e.HTTPStatus)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	w.Write(data)
	w.Write([]byte("\n"))
}

// withResource returns a copy of e scoped to resource and requestID.
func (e *APIError) withResource(resource, requestID string) *APIError {
	c := *e
	c.Resource = resource
	c.RequestID = requestID
	return &c
}

// TranslateError maps upload, session and store failures to API errors.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, accesscontrol.ErrInvalidPredicate):
		return &APIError{
			Code:       "InvalidPredicate",
			Message:    "The access-control predicate is not valid",
			Resource:   resource,
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, accesscontrol.ErrAccessDenied):
		return &APIError{
			Code:       "AccessDenied",
			Message:    "Access Denied",
			Resource:   resource,
			HTTPStatus: http.StatusForbidden,
		}
	case errors.Is(err, accesscontrol.ErrSessionExpired):
		return &APIError{
			Code:       "SessionExpired",
			Message:    "The session credential is missing or expired",
			Resource:   resource,
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, uploader.ErrSizeMismatch):
		return &APIError{
			Code:       "IncompleteBody",
			Message:    "The uploaded file does not match its declared size",
			Resource:   resource,
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, uploader.ErrTooManyChunks), errors.Is(err, store.ErrTooLarge):
		return &APIError{
			Code:       "EntityTooLarge",
			Message:    "The uploaded file is too large",
			Resource:   resource,
			HTTPStatus: http.StatusRequestEntityTooLarge,
		}
	case errors.Is(err, uploader.ErrQueueFull), errors.Is(err, uploader.ErrWorkerStopped):
		return &APIError{
			Code:       "ServiceUnavailable",
			Message:    "The upload worker is not accepting jobs",
			Resource:   resource,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	case errors.Is(err, uploader.ErrDuplicateJob):
		return &APIError{
			Code:       "UploadInProgress",
			Message:    "An upload with this id already exists",
			Resource:   resource,
			HTTPStatus: http.StatusConflict,
		}
	case errors.Is(err, uploader.ErrJobCanceled):
		return &APIError{
			Code:       "RequestCanceled",
			Message:    "The upload was canceled",
			Resource:   resource,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidAddress):
		return &APIError{
			Code:       "NoSuchManifest",
			Message:    "The specified manifest does not exist",
			Resource:   resource,
			HTTPStatus: http.StatusNotFound,
		}
	case errors.Is(err, manifest.ErrVersionMismatch), errors.Is(err, manifest.ErrMalformed),
		errors.Is(err, manifest.ErrIntegrity), errors.Is(err, store.ErrDigestMismatch):
		return &APIError{
			Code:       "InvalidManifest",
			Message:    fmt.Sprintf("The stored object is not a valid manifest: %v", err),
			Resource:   resource,
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	}

	// Default to internal error
	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		Resource:   resource,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingPredicate = &APIError{
		Code:       "InvalidPredicate",
		Message:    "The predicate field is required and must be JSON",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoFiles = &APIError{
		Code:       "InvalidRequest",
		Message:    "At least one file part is required",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidFormat = &APIError{
		Code:       "InvalidArgument",
		Message:    "format must be v3 or v4",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidUploadID = &APIError{
		Code:       "InvalidArgument",
		Message:    "The upload id must be a uuid",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNoSession = &APIError{
		Code:       "NoSession",
		Message:    "No session is stored",
		HTTPStatus: http.StatusNotFound,
	}

	ErrNotAManifest = &APIError{
		Code:       "InvalidManifest",
		Message:    "The stored object is a bare metadata bundle, not a manifest",
		HTTPStatus: http.StatusUnprocessableEntity,
	}
)
