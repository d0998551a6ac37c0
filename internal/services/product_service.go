package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	apierrors "keyserve/internal/errors"
	"keyserve/pkg/contracts/domain"
)

// ProductStore is the storage surface the product service depends on.
type ProductStore interface {
	InsertProduct(ctx context.Context, p domain.Product) error
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

// ProductService provides direct field-level persistence for product records.
// Products carry no business rules; licenses only check that they exist.
type ProductService interface {
	Create(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error)
	List(ctx context.Context) ([]domain.Product, error)
}

type productService struct {
	store  ProductStore
	logger *slog.Logger
}

// NewProductService creates a product service backed by the given store.
func NewProductService(store ProductStore, logger *slog.Logger) ProductService {
	return &productService{
		store:  store,
		logger: logger.With(slog.String("service", "product")),
	}
}

func (s *productService) Create(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	if req.Name == "" {
		return nil, apierrors.ErrValidation("name", "is required")
	}
	if req.Price < 0 {
		return nil, apierrors.ErrValidation("price", "must not be negative")
	}

	plan := req.Plan
	if plan == "" {
		plan = "standard"
	}
	status := domain.ProductStatus(req.Status)
	if status == "" {
		status = domain.ProductStatusActive
	}
	if status != domain.ProductStatusActive && status != domain.ProductStatusArchived {
		return nil, apierrors.ErrValidation("status", "must be active or archived")
	}

	p := domain.Product{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		Plan:        plan,
		Price:       req.Price,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.InsertProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("persist product: %w", err)
	}

	s.logger.InfoContext(ctx, "product created",
		slog.String("product_id", p.ID),
		slog.String("plan", p.Plan))
	return &p, nil
}

func (s *productService) List(ctx context.Context) ([]domain.Product, error) {
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}
