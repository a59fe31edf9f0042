// Package errors defines the error envelope returned by the HTTP API and the
// retry helper used around every external call (yt-dlp, Spotify, storage).
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCategory says who is at fault: the caller, this service, or something
// it depends on.
type ErrorCategory string

const (
	CategoryClient   ErrorCategory = "client"
	CategoryServer   ErrorCategory = "server"
	CategoryExternal ErrorCategory = "external"
)

const (
	// 4xx
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeArtifactNotFound   = "ARTIFACT_NOT_FOUND"
	CodeJobNotFound        = "JOB_NOT_FOUND"
	CodeJobNotReady        = "JOB_NOT_READY"
	CodeUnsupportedLink    = "UNSUPPORTED_LINK"
	CodeUnsupportedCatalog = "UNSUPPORTED_CATALOG_KIND"
	CodeBatchTooLarge      = "BATCH_TOO_LARGE"

	// 5xx
	CodeInternalError   = "INTERNAL_ERROR"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeStorageError    = "STORAGE_ERROR"
	CodePackagingError  = "PACKAGING_ERROR"
	CodeAllTracksFailed = "ALL_TRACKS_FAILED"

	// upstream
	CodeCatalogError    = "CATALOG_ERROR"
	CodeDownloadError   = "DOWNLOAD_ERROR"
	CodeExternalTimeout = "EXTERNAL_TIMEOUT"
)

// AppError is an error that knows how it should be rendered to an API client.
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Category   ErrorCategory  `json:"-"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"details,omitempty"`
	Cause      error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return e.Code + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithCause records the underlying error; it is logged but never sent to the
// client.
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

func (e *AppError) withDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// New builds an AppError. Prefer the named constructors below.
func New(code, message string, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, Category: category, HTTPStatus: httpStatus}
}

// As reports whether err wraps an *AppError and returns it.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func client(code string, status int, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...), CategoryClient, status)
}

func BadRequest(message string) *AppError {
	return client(CodeInvalidRequest, http.StatusBadRequest, "%s", message)
}

func ValidationError(message string) *AppError {
	return client(CodeValidationError, http.StatusBadRequest, "%s", message)
}

func NotFound(resource string) *AppError {
	return client(CodeNotFound, http.StatusNotFound, "%s not found", resource)
}

func ArtifactNotFound() *AppError {
	return client(CodeArtifactNotFound, http.StatusNotFound, "file not found or expired")
}

func JobNotFound() *AppError {
	return client(CodeJobNotFound, http.StatusNotFound, "job not found")
}

// JobNotReady is returned when a job's archive is requested before the job
// reached done. The current status travels in details.
func JobNotReady(status string) *AppError {
	return client(CodeJobNotReady, http.StatusConflict, "job is not finished").withDetail("status", status)
}

func UnsupportedLink(link string) *AppError {
	return client(CodeUnsupportedLink, http.StatusBadRequest, "unsupported link: %s", link)
}

func UnsupportedCatalogKind(kind string) *AppError {
	return client(CodeUnsupportedCatalog, http.StatusBadRequest, "expected a track link, got %s", kind)
}

func BatchTooLarge(limit int) *AppError {
	return client(CodeBatchTooLarge, http.StatusBadRequest, "batch exceeds %d tracks", limit).withDetail("limit", limit)
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message, CategoryServer, http.StatusInternalServerError)
}

// Unavailable is a 503 for features that are switched off or shutting down.
func Unavailable(message string) *AppError {
	return New(CodeUnavailable, message, CategoryServer, http.StatusServiceUnavailable)
}

func StorageError(message string) *AppError {
	return New(CodeStorageError, message, CategoryServer, http.StatusInternalServerError)
}

func PackagingError(message string) *AppError {
	return New(CodePackagingError, message, CategoryServer, http.StatusInternalServerError)
}

func AllTracksFailed() *AppError {
	return New(CodeAllTracksFailed, "no tracks were downloaded successfully", CategoryServer, http.StatusInternalServerError)
}

func CatalogError(message string) *AppError {
	return New(CodeCatalogError, message, CategoryExternal, http.StatusBadGateway)
}

func DownloadError(message string) *AppError {
	return New(CodeDownloadError, message, CategoryExternal, http.StatusBadGateway)
}

func ExternalTimeout(service string) *AppError {
	return New(CodeExternalTimeout, service+" request timed out", CategoryExternal, http.StatusGatewayTimeout)
}

// WriteError renders err as an ErrorResponse. Anything that is not an
// AppError becomes a 500 without leaking its text.
func WriteError(w http.ResponseWriter, requestID string, err error) {
	appErr, ok := As(err)
	if !ok {
		appErr = InternalError("an unexpected error occurred").WithCause(err)
	}
	WriteJSON(w, requestID, appErr.HTTPStatus, ErrorResponse{Error: ErrorBody{
		Code:      appErr.Code,
		Message:   appErr.Message,
		RequestID: requestID,
		Details:   appErr.Details,
	}})
}

// WriteJSON writes data with the given status and echoes the request id.
func WriteJSON(w http.ResponseWriter, requestID string, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	if requestID != "" {
		h.Set(RequestIDHeader, requestID)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// IsRetryable reports whether an AppError describes a transient condition.
// Upstream failures are retried; so are server errors except those that
// would fail the same way again.
func IsRetryable(err error) bool {
	appErr, ok := As(err)
	if !ok {
		return false
	}
	switch appErr.Category {
	case CategoryExternal:
		return true
	case CategoryServer:
		switch appErr.Code {
		case CodePackagingError, CodeAllTracksFailed, CodeUnavailable:
			return false
		}
		return true
	}
	return false
}
