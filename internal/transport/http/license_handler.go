package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	apierrors "keyserve/internal/errors"
	"keyserve/internal/infrastructure"
	"keyserve/internal/license"
	"keyserve/internal/middleware"
	"keyserve/internal/services"
	"keyserve/pkg/contracts/domain"
)

// LicenseHandler handles license-related HTTP requests
type LicenseHandler struct {
	service services.LicenseService
	metrics *infrastructure.OTelProviders
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, metrics *infrastructure.OTelProviders, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		metrics: metrics,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// IssueLicenseRequest is an alias to the canonical contract type
type IssueLicenseRequest = domain.IssueLicenseRequest

// ActivateLicenseRequest is an alias to the canonical contract type
type ActivateLicenseRequest = domain.ActivateLicenseRequest

// BindIssueLicenseRequest validates license issuance requests
func BindIssueLicenseRequest(req *IssueLicenseRequest) error {
	if req.ProductID == "" {
		return apierrors.ErrValidation("product_id", "is required")
	}
	if req.MaxActivations != 0 &&
		(req.MaxActivations < license.MinActivations || req.MaxActivations > license.MaxActivations) {
		return apierrors.ErrValidation("max_activations", "must be between 1 and 100")
	}
	return nil
}

// BindActivateLicenseRequest validates activation requests. Key format is
// deliberately not checked here: a malformed key is simply an unknown key and
// surfaces as 404 from the lookup, matching the admission contract.
func BindActivateLicenseRequest(req *ActivateLicenseRequest) error {
	if req.Key == "" {
		return apierrors.ErrValidation("key", "is required")
	}
	if req.MachineID == "" {
		return apierrors.ErrValidation("machine_id", "is required")
	}
	return nil
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Post("/activate", h.Activate)

	return r
}

// Create handles POST /api/licenses
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.create",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses"),
			attribute.String("request_id", reqID),
			attribute.String("component", "license_handler"),
		),
	)
	defer span.End()

	data := &IssueLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "request_decode"))

		h.logger.ErrorContext(ctx, "failed to decode license issuance request",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID))

		h.handleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	if err := BindIssueLicenseRequest(data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		h.handleError(w, r, err)
		return
	}

	issueCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	lic, err := h.service.Issue(issueCtx, services.IssueParams{
		ProductID:      data.ProductID,
		AssignedTo:     data.AssignedTo,
		MaxActivations: data.MaxActivations,
	})
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("license.result", "failure"))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", "success"),
		attribute.String("license.id", lic.ID),
		attribute.Int("license.max_activations", lic.MaxActivations),
	)
	if h.metrics != nil && h.metrics.LicensesIssued != nil {
		h.metrics.LicensesIssued.Add(ctx, 1)
	}

	h.logger.InfoContext(ctx, "license issued",
		slog.String("request_id", reqID),
		slog.String("license_id", lic.ID),
		slog.String("product_id", lic.ProductID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, domain.IssueLicenseResponse{ID: lic.ID, Key: lic.Key})
}

// List handles GET /api/licenses with an optional product_id filter
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	licenses, err := h.service.List(listCtx, r.URL.Query().Get("product_id"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, licenses)
}

// Activate handles POST /api/licenses/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses/activate"),
			attribute.String("request_id", reqID),
			attribute.String("component", "license_handler"),
		),
	)
	defer span.End()

	data := &ActivateLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "request_decode"))

		h.logger.ErrorContext(ctx, "failed to decode license activation request",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID))

		h.handleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	if err := BindActivateLicenseRequest(data); err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", "request_validation"))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.key_prefix", maskKeyForLogging(data.Key)),
		attribute.String("license.operation", "activation"),
	)

	activateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := h.service.Activate(activateCtx, data.Key, data.MachineID)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(
			attribute.String("license.result", "rejected"),
			attribute.String("error.type", classifyActivationError(err)),
		)
		if h.metrics != nil && h.metrics.ActivationsRejected != nil {
			h.metrics.ActivationsRejected.Add(ctx, 1,
				metric.WithAttributes(attribute.String("reason", classifyActivationError(err))))
		}
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.result", string(result.Outcome)),
		attribute.Int("license.activations", len(result.Activations)),
	)
	// Idempotent repeats are not new admissions; only count fresh seats.
	if result.Outcome == license.OutcomeAdmitted && h.metrics != nil && h.metrics.ActivationsAdmitted != nil {
		h.metrics.ActivationsAdmitted.Add(ctx, 1)
	}

	h.logger.InfoContext(ctx, "activation processed",
		slog.String("request_id", reqID),
		slog.String("outcome", string(result.Outcome)),
		slog.String("key_prefix", maskKeyForLogging(data.Key)))

	response := domain.ActivateLicenseResponse{Status: "ok"}
	switch result.Outcome {
	case license.OutcomeAlreadyAdmitted:
		response.Message = "Already activated on this machine"
	default:
		response.Message = "Activated"
		response.Activations = result.Activations
	}

	render.JSON(w, r, response)
}

// handleError centralizes error handling for the handler
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.TraceIDFromContext(ctx)
	if traceID == "" {
		traceID = reqID
	}

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("error_type", classifyActivationError(err)),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method))

	var problem render.Renderer

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		problem = apierrors.NewProblemDetails(
			http.StatusGatewayTimeout,
			"/errors/timeout",
			"Request Timeout",
			"The request timed out while processing. Please try again.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, context.Canceled):
		problem = apierrors.NewProblemDetails(
			http.StatusRequestTimeout,
			"/errors/request-canceled",
			"Request Canceled",
			"The request was canceled before completion.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	default:
		problem = apierrors.MapLicenseError(err, traceID)
	}

	if pd, ok := problem.(*apierrors.ProblemDetails); ok {
		pd.WithExtension("request_id", reqID).
			WithExtension("path", r.URL.Path).
			WithExtension("method", r.Method)
	}

	render.Render(w, r, problem)
}

// maskKeyForLogging masks a license key for secure logging
func maskKeyForLogging(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// classifyActivationError categorizes activation errors for observability
func classifyActivationError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apierrors.ErrLicenseNotFound):
		return "license_not_found"
	case errors.Is(err, apierrors.ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, apierrors.ErrLicenseNotActive):
		return "license_not_active"
	case errors.Is(err, apierrors.ErrActivationLimitReached):
		return "activation_limit_reached"
	case errors.Is(err, apierrors.ErrKeyConflict):
		return "key_conflict"
	default:
		return "unknown_error"
	}
}
