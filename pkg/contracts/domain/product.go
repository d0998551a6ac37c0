// Package domain contains the shared contract types for the licensing API.
// These types serve as the single source of truth for the wire shapes used
// by the transport, service, and storage layers.
package domain

import (
	"time"
)

// ProductStatus represents the status of a product
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusArchived ProductStatus = "archived"
)

// Product represents a sellable product that licenses are issued against.
// Product records carry no business rules beyond existence checks at
// license issuance time.
type Product struct {
	ID          string        `json:"id" db:"id"`
	Name        string        `json:"name" db:"name" validate:"required"`
	Description string        `json:"description,omitempty" db:"description"`
	Plan        string        `json:"plan,omitempty" db:"plan"`
	Price       float64       `json:"price" db:"price" validate:"min=0"`
	Status      ProductStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// CreateProductRequest is the payload for POST /api/products
type CreateProductRequest struct {
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description,omitempty"`
	Plan        string  `json:"plan,omitempty"`
	Price       float64 `json:"price,omitempty" validate:"min=0"`
	Status      string  `json:"status,omitempty"`
}

// CreateProductResponse is the response for POST /api/products
type CreateProductResponse struct {
	ID string `json:"id"`
}
