package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/kenneth/image-keyring/internal/errs"
)

// APIError is the JSON error body. Message never carries key material or
// the wrapped error text; it is fixed per category.
type APIError struct {
	Code       string `json:"error"`
	Message    string `json:"message"`
	Resource   string `json:"resource,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: %s - %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

type errorMapping struct {
	status  int
	message string
}

var categoryErrors = map[string]errorMapping{
	errs.CategoryNotFound:       {http.StatusNotFound, "The requested resource does not exist."},
	errs.CategoryConflict:       {http.StatusConflict, "The request conflicts with the current state."},
	errs.CategoryNoActiveKey:    {http.StatusServiceUnavailable, "No encryption key is active."},
	errs.CategoryAuthentication: {http.StatusUnprocessableEntity, "Stored data failed integrity verification."},
	errs.CategoryKeyNotFound:    {http.StatusInternalServerError, "The encryption key for this data is unavailable."},
	errs.CategoryStorage:        {http.StatusBadGateway, "The storage backend is unavailable."},
	errs.CategoryInvalid:        {http.StatusBadRequest, "The request is invalid."},
	errs.CategoryCancelled:      {http.StatusServiceUnavailable, "The request was cancelled."},
	errs.CategoryInternal:       {http.StatusInternalServerError, "We encountered an internal error. Please try again."},
}

// TranslateError maps an error onto its API response by category.
func TranslateError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}
	category := errs.Category(err)
	m, ok := categoryErrors[category]
	if !ok {
		category = errs.CategoryInternal
		m = categoryErrors[category]
	}
	return &APIError{
		Code:       category,
		Message:    m.message,
		Resource:   resource,
		HTTPStatus: m.status,
	}
}

// invalid builds a 400 with a caller-facing message for request parsing
// errors, which never involve stored data.
func invalid(resource, format string, args ...interface{}) *APIError {
	return &APIError{
		Code:       errs.CategoryInvalid,
		Message:    fmt.Sprintf(format, args...),
		Resource:   resource,
		HTTPStatus: http.StatusBadRequest,
	}
}

// backendDetail describes the S3 operation behind a storage failure for
// logging. It returns "" when err did not come from the S3 SDK.
func backendDetail(err error) string {
	var opErr *smithy.OperationError
	if !errors.As(err, &opErr) {
		return ""
	}
	detail := opErr.Service() + "." + opErr.Operation()
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		detail += ": " + apiErr.ErrorCode()
	}
	return detail
}
