package domain

// IssueLicenseRequest is the payload for POST /api/licenses.
// ExpiresAt is accepted for wire compatibility but not persisted; issuance
// always stores a null expiry (documented current behavior).
type IssueLicenseRequest struct {
	ProductID      string `json:"product_id" validate:"required"`
	AssignedTo     string `json:"assigned_to,omitempty"`
	MaxActivations int    `json:"max_activations,omitempty" validate:"omitempty,min=1,max=100"`
	ExpiresAt      string `json:"expires_at,omitempty"`
}

// IssueLicenseResponse is the response for POST /api/licenses. The key is
// returned exactly once, at issuance; it is never re-displayed later.
type IssueLicenseResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// ActivateLicenseRequest is the payload for POST /api/licenses/activate
type ActivateLicenseRequest struct {
	Key       string `json:"key" validate:"required"`
	MachineID string `json:"machine_id" validate:"required"`
}

// ActivateLicenseResponse is the response for POST /api/licenses/activate.
// Activations is present on a fresh admission and omitted on an idempotent
// repeat, mirroring the admission controller's no-write path.
type ActivateLicenseResponse struct {
	Status      string   `json:"status"`
	Message     string   `json:"message"`
	Activations []string `json:"activations,omitempty"`
}
