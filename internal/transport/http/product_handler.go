package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	apierrors "keyserve/internal/errors"
	"keyserve/internal/middleware"
	"keyserve/internal/services"
	"keyserve/pkg/contracts/domain"
)

// requestValidator validates request payloads against their struct tags,
// reporting field names by their JSON tag.
var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct converts validator failures into field-level API errors.
func validateStruct(s interface{}) error {
	err := requestValidator.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]apierrors.ValidationError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, apierrors.ValidationError{
				Field:   fe.Field(),
				Message: "failed on " + fe.Tag() + " validation",
			})
		}
		return apierrors.NewValidationErrors(fields)
	}
	return apierrors.InvalidRequestWithError(err)
}

// ProductHandler handles product-related HTTP requests
type ProductHandler struct {
	service services.ProductService
	logger  *slog.Logger
}

// NewProductHandler creates a new product handler
func NewProductHandler(service services.ProductService, logger *slog.Logger) *ProductHandler {
	return &ProductHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "product")),
	}
}

// Routes returns a chi router for product endpoints
func (h *ProductHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)

	return r
}

// Create handles POST /api/products
func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	data := &domain.CreateProductRequest{}
	if err := render.Decode(r, data); err != nil {
		h.logger.ErrorContext(ctx, "failed to decode product request",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID))
		h.handleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	if err := validateStruct(data); err != nil {
		h.handleError(w, r, err)
		return
	}

	createCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	product, err := h.service.Create(createCtx, *data)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "product created",
		slog.String("request_id", reqID),
		slog.String("product_id", product.ID))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, domain.CreateProductResponse{ID: product.ID})
}

// List handles GET /api/products
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	products, err := h.service.List(listCtx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, products)
}

func (h *ProductHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method))

	problem := apierrors.MapLicenseError(err, reqID)
	if pd, ok := problem.(*apierrors.ProblemDetails); ok {
		pd.WithExtension("request_id", reqID).
			WithExtension("path", r.URL.Path).
			WithExtension("method", r.Method)
	}
	render.Render(w, r, problem)
}
