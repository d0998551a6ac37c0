package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apierrors "keyserve/internal/errors"
	"keyserve/internal/license"
	"keyserve/internal/services"
	"keyserve/internal/storage/sqlite"
	"keyserve/pkg/contracts/domain"
)

// setupAPI wires real services over a real SQLite store behind the full
// route tree, the same shape the application mounts.
func setupAPI(t *testing.T) (chi.Router, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := newTestLogger()
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Mount("/licenses", NewLicenseHandler(services.NewLicenseService(store, logger), nil, logger).Routes())
		r.Mount("/products", NewProductHandler(services.NewProductService(store, logger), logger).Routes())
		r.Mount("/health", NewHealthHandler(store, "test", logger).Routes())
	})
	return r, store
}

func TestAPI_LicenseLifecycle(t *testing.T) {
	router, _ := setupAPI(t)

	// Create a product to issue against.
	rec := doJSON(t, router, http.MethodPost, "/api/products", map[string]interface{}{
		"name":  "Editor Pro",
		"plan":  "premium",
		"price": 99.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	productID := decodeBody(t, rec)["id"].(string)

	// Issue a two-seat license.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
		"product_id":      productID,
		"max_activations": 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decodeBody(t, rec)
	key := issued["key"].(string)
	assert.True(t, license.ValidKeyFormat(key))

	// Issuing against an unknown product is rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
		"product_id": "no-such-product",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// First activation takes a seat.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
		"key":        key,
		"machine_id": "machine-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Activated", body["message"])
	assert.Equal(t, []interface{}{"machine-1"}, body["activations"])

	// Repeat activation is idempotent and omits the list.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
		"key":        key,
		"machine_id": "machine-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "Already activated on this machine", body["message"])
	assert.NotContains(t, body, "activations")

	// Second seat goes to a new machine; admission order is preserved.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
		"key":        key,
		"machine_id": "machine-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, []interface{}{"machine-1", "machine-2"}, body["activations"])

	// Third machine is over capacity.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
		"key":        key,
		"machine_id": "machine-3",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Activation limit reached", decodeBody(t, rec)["detail"])

	// A seat holder still activates on the now-full license.
	rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
		"key":        key,
		"machine_id": "machine-2",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Unknown and malformed keys both read as 404.
	for _, badKey := range []string{"ZZZZ-ZZZZ-ZZZZ-ZZZZ", "not a key at all"} {
		rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key":        badKey,
			"machine_id": "machine-1",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code, "key %q", badKey)
	}

	// The listing shows the active license with both seats.
	rec = doJSON(t, router, http.MethodGet, "/api/licenses?product_id="+productID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var licenses []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &licenses))
	require.Len(t, licenses, 1)
	assert.Equal(t, "active", licenses[0]["status"])
}

func TestAPI_SuspendedLicenseRejectsActivation(t *testing.T) {
	router, store := setupAPI(t)
	ctx := context.Background()

	rec := doJSON(t, router, http.MethodPost, "/api/products", map[string]interface{}{"name": "P"})
	require.Equal(t, http.StatusCreated, rec.Code)
	productID := decodeBody(t, rec)["id"].(string)

	rec = doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
		"product_id": productID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decodeBody(t, rec)

	require.NoError(t, store.UpdateStatus(ctx, issued["id"].(string), license.StatusSuspended))

	rec = doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
		"key":        issued["key"].(string),
		"machine_id": "machine-1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "License not active", decodeBody(t, rec)["detail"])
}

// TestService_ConcurrentActivations runs N concurrent activations with
// distinct machines against K seats through the full service path and
// verifies exactly K admissions.
func TestService_ConcurrentActivations(t *testing.T) {
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	defer store.Close()

	logger := newTestLogger()
	ctx := context.Background()

	productSvc := services.NewProductService(store, logger)
	licenseSvc := services.NewLicenseService(store, logger)

	product, err := productSvc.Create(ctx, domain.CreateProductRequest{Name: "Racing"})
	require.NoError(t, err)

	const seats = 4
	const racers = 16

	lic, err := licenseSvc.Issue(ctx, services.IssueParams{
		ProductID:      product.ID,
		MaxActivations: seats,
	})
	require.NoError(t, err)

	outcomes := make([]error, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		i := i
		g.Go(func() error {
			_, err := licenseSvc.Activate(ctx, lic.Key, fmt.Sprintf("machine-%d", i))
			outcomes[i] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())

	admitted, rejected := 0, 0
	for _, err := range outcomes {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, apierrors.ErrActivationLimitReached):
			rejected++
		default:
			t.Fatalf("unexpected activation error: %v", err)
		}
	}
	assert.Equal(t, seats, admitted)
	assert.Equal(t, racers-seats, rejected)

	final, err := store.GetLicenseByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Len(t, final.Activations, seats)
}
