package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
)

// Sentinel errors for the licensing domain. Services return these (wrapped or
// bare); the transport layer maps them to problem documents with stable
// categories so clients can tell "bad key" apart from "key exhausted/disabled".
var (
	ErrProductNotFound        = errors.New("product not found")
	ErrLicenseNotFound        = errors.New("license not found")
	ErrLicenseNotActive       = errors.New("license not active")
	ErrActivationLimitReached = errors.New("activation limit reached")
	ErrKeyConflict            = errors.New("license key conflict")
	ErrInvalidKeyFormat       = errors.New("invalid license key format")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/licenses#trace-%s", traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		pd := NewProblemDetails(
			apiErr.StatusCode,
			"/errors/"+strings.ToLower(strings.ReplaceAll(apiErr.ErrorCode, "_", "-")),
			http.StatusText(apiErr.StatusCode),
			apiErr.Message,
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			pd.WithExtension("details", apiErr.Details)
		}
		return pd
	}

	switch {
	case errors.Is(err, ErrProductNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/product-not-found",
			"Product Not Found",
			"No product matches the given product_id.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "PRODUCT_NOT_FOUND")

	case errors.Is(err, ErrLicenseNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/license-not-found",
			"License Not Found",
			"No license matches the given key.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_FOUND")

	case errors.Is(err, ErrLicenseNotActive):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-not-active",
			"License Not Active",
			"License not active",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_ACTIVE")

	case errors.Is(err, ErrActivationLimitReached):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/activation-limit-reached",
			"Activation Limit Reached",
			"Activation limit reached",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ACTIVATION_LIMIT_REACHED")

	case errors.Is(err, ErrKeyConflict):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/license-key-conflict",
			"License Key Conflict",
			"Could not allocate a unique license key. Please retry the request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_KEY_CONFLICT")

	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-key-format",
			"Invalid License Key Format",
			"License key must be in format: XXXX-XXXX-XXXX-XXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_KEY_FORMAT").
			WithExtension("expected_format", "XXXX-XXXX-XXXX-XXXX")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
