package license

import (
	"time"
)

// Status represents the lifecycle state of a license.
type Status string

const (
	StatusUnused    Status = "unused"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusUnused, StatusActive, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

// Activatable reports whether a license in this state may admit new machines.
// Suspended and expired licenses are terminal for activation; transitions out
// of them are owned by external tooling, never by the admission path.
func (s Status) Activatable() bool {
	return s == StatusUnused || s == StatusActive
}

// Activation policy bounds enforced at issuance time.
const (
	MinActivations = 1
	MaxActivations = 100
)

// License is the sole stateful entity of the licensing core.
type License struct {
	ID             string     `json:"id" db:"id"`
	ProductID      string     `json:"product_id" db:"product_id" validate:"required"`
	Key            string     `json:"key" db:"key" validate:"required"`
	AssignedTo     string     `json:"assigned_to,omitempty" db:"assigned_to"`
	Status         Status     `json:"status" db:"status" validate:"required"`
	MaxActivations int        `json:"max_activations" db:"max_activations" validate:"min=1,max=100"`
	Activations    []string   `json:"activations" db:"activations"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// IsActivatedOn reports whether machineID already holds a seat on this license.
func (l *License) IsActivatedOn(machineID string) bool {
	for _, m := range l.Activations {
		if m == machineID {
			return true
		}
	}
	return false
}

// AtCapacity reports whether every seat on this license is taken.
func (l *License) AtCapacity() bool {
	return len(l.Activations) >= l.MaxActivations
}

// AdmissionOutcome classifies the result of an admission attempt.
type AdmissionOutcome string

const (
	// OutcomeAdmitted means the machine consumed a new seat.
	OutcomeAdmitted AdmissionOutcome = "admitted"
	// OutcomeAlreadyAdmitted means the machine already held a seat; the
	// repeat attempt is idempotent and performs no write.
	OutcomeAlreadyAdmitted AdmissionOutcome = "already_admitted"
)

// AdmissionResult is the successful result of an activation attempt.
// Rejections are reported as errors, never as a result value.
type AdmissionResult struct {
	Outcome AdmissionOutcome
	// Activations is the admission-ordered machine list after the attempt.
	Activations []string
}
