package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	apierrors "keyserve/internal/errors"
	"keyserve/internal/license"
	"keyserve/pkg/contracts/domain"
)

// keyRedrawAttempts bounds how many times the issuer redraws a key after a
// uniqueness violation before giving up with ErrKeyConflict. With 128 bits of
// entropy per draw the redraw path should never run outside of tests.
const keyRedrawAttempts = 3

// LicenseStore is the storage surface the license service depends on.
type LicenseStore interface {
	InsertLicense(ctx context.Context, lic license.License) error
	GetLicenseByKey(ctx context.Context, key string) (*license.License, error)
	ListLicenses(ctx context.Context, productID string) ([]license.License, error)
	AdmitMachine(ctx context.Context, key, machineID string) (bool, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

// LicenseService provides the key issuer and the activation admission
// controller. Both operate on the shared license record and nothing else.
type LicenseService interface {
	// Issue generates a key and persists a new unused license for an
	// existing product. The key is returned exactly once.
	Issue(ctx context.Context, req IssueParams) (*license.License, error)

	// List returns license records, optionally filtered by product id.
	List(ctx context.Context, productID string) ([]license.License, error)

	// Activate admits machineID onto the license identified by key.
	// Repeated activation with the same machine is idempotent. Rejections
	// surface as ErrLicenseNotFound, ErrLicenseNotActive, or
	// ErrActivationLimitReached.
	Activate(ctx context.Context, key, machineID string) (*license.AdmissionResult, error)
}

// IssueParams carries the validated policy parameters for one issuance.
type IssueParams struct {
	ProductID      string
	AssignedTo     string
	MaxActivations int
}

type licenseService struct {
	store  LicenseStore
	logger *slog.Logger
}

// NewLicenseService creates a license service backed by the given store.
func NewLicenseService(store LicenseStore, logger *slog.Logger) LicenseService {
	return &licenseService{
		store:  store,
		logger: logger.With(slog.String("service", "license")),
	}
}

func (s *licenseService) Issue(ctx context.Context, req IssueParams) (*license.License, error) {
	if req.MaxActivations == 0 {
		req.MaxActivations = license.MinActivations
	}
	if req.MaxActivations < license.MinActivations || req.MaxActivations > license.MaxActivations {
		return nil, apierrors.ErrValidation("max_activations",
			fmt.Sprintf("must be between %d and %d", license.MinActivations, license.MaxActivations))
	}
	if req.ProductID == "" {
		return nil, apierrors.ErrValidation("product_id", "is required")
	}

	// Product must exist at issuance time; this is the only validation the
	// product reference ever receives.
	if _, err := s.store.GetProduct(ctx, req.ProductID); err != nil {
		return nil, fmt.Errorf("resolve product %s: %w", req.ProductID, err)
	}

	// Caller-supplied expiry is discarded at issuance; expires_at persists
	// as null and is never evaluated by the admission path.
	var lastErr error
	for attempt := 0; attempt < keyRedrawAttempts; attempt++ {
		key, err := license.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}

		lic := license.License{
			ID:             uuid.New().String(),
			ProductID:      req.ProductID,
			Key:            key,
			AssignedTo:     req.AssignedTo,
			Status:         license.StatusUnused,
			MaxActivations: req.MaxActivations,
			Activations:    []string{},
			ExpiresAt:      nil,
			CreatedAt:      time.Now().UTC(),
		}

		if err := s.store.InsertLicense(ctx, lic); err != nil {
			if errors.Is(err, apierrors.ErrKeyConflict) {
				s.logger.WarnContext(ctx, "license key collision, redrawing",
					slog.Int("attempt", attempt+1),
					slog.String("product_id", req.ProductID))
				lastErr = err
				continue
			}
			return nil, fmt.Errorf("persist license: %w", err)
		}

		s.logger.InfoContext(ctx, "license issued",
			slog.String("license_id", lic.ID),
			slog.String("product_id", lic.ProductID),
			slog.Int("max_activations", lic.MaxActivations))
		return &lic, nil
	}
	return nil, fmt.Errorf("allocate unique key after %d attempts: %w", keyRedrawAttempts, lastErr)
}

func (s *licenseService) List(ctx context.Context, productID string) ([]license.License, error) {
	licenses, err := s.store.ListLicenses(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return licenses, nil
}

// Activate evaluates the admission checks in a fixed order: lookup, stored
// status, idempotent repeat, capacity. The dedupe check runs before the
// capacity check so a machine that already holds a seat is never blocked by a
// full license. The final append goes through the store's conditional update;
// if that update does not apply, a concurrent request won the race and the
// record is re-read once to classify the rejection.
func (s *licenseService) Activate(ctx context.Context, key, machineID string) (*license.AdmissionResult, error) {
	if machineID == "" {
		return nil, apierrors.ErrValidation("machine_id", "is required")
	}

	lic, err := s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup license: %w", err)
	}

	if outcome, err := classifyAdmission(lic, machineID); outcome != nil || err != nil {
		if err != nil {
			s.logger.InfoContext(ctx, "activation rejected",
				slog.String("license_id", lic.ID),
				slog.String("reason", err.Error()))
			return nil, err
		}
		return outcome, nil
	}

	applied, err := s.store.AdmitMachine(ctx, key, machineID)
	if err != nil {
		return nil, fmt.Errorf("admit machine: %w", err)
	}
	if !applied {
		// Lost a race between the read above and the conditional write.
		// One re-read settles which admission rule now applies.
		lic, err = s.store.GetLicenseByKey(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("reread license: %w", err)
		}
		outcome, err := classifyAdmission(lic, machineID)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			return outcome, nil
		}
		return nil, fmt.Errorf("admission update did not apply for license %s", lic.ID)
	}

	lic, err = s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reread license: %w", err)
	}

	s.logger.InfoContext(ctx, "machine admitted",
		slog.String("license_id", lic.ID),
		slog.Int("activations", len(lic.Activations)),
		slog.Int("max_activations", lic.MaxActivations))

	return &license.AdmissionResult{
		Outcome:     license.OutcomeAdmitted,
		Activations: lic.Activations,
	}, nil
}

// classifyAdmission applies the pre-write admission rules to a freshly read
// record. It returns a non-nil result for the idempotent-repeat case, an
// error for a rejection, and (nil, nil) when the machine may take a seat.
func classifyAdmission(lic *license.License, machineID string) (*license.AdmissionResult, error) {
	if !lic.Status.Activatable() {
		return nil, apierrors.ErrLicenseNotActive
	}
	if lic.IsActivatedOn(machineID) {
		return &license.AdmissionResult{
			Outcome:     license.OutcomeAlreadyAdmitted,
			Activations: lic.Activations,
		}, nil
	}
	if lic.AtCapacity() {
		return nil, apierrors.ErrActivationLimitReached
	}
	return nil, nil
}
