package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	apierrors "keyserve/internal/errors"
	"keyserve/internal/infrastructure"
	"keyserve/internal/license"
	"keyserve/internal/services"
)

// MockLicenseService implements the LicenseService interface for testing
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Issue(ctx context.Context, req services.IssueParams) (*license.License, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*license.License), args.Error(1)
}

func (m *MockLicenseService) List(ctx context.Context, productID string) ([]license.License, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]license.License), args.Error(1)
}

func (m *MockLicenseService) Activate(ctx context.Context, key, machineID string) (*license.AdmissionResult, error) {
	args := m.Called(ctx, key, machineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*license.AdmissionResult), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupLicenseRouter(service *MockLicenseService) chi.Router {
	handler := NewLicenseHandler(service, nil, newTestLogger())
	r := chi.NewRouter()
	r.Mount("/api/licenses", handler.Routes())
	return r
}

func doJSON(t *testing.T, router http.Handler, method, target string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLicenseHandler_Create(t *testing.T) {
	t.Run("issues license and returns key once", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Issue", mock.Anything, services.IssueParams{
			ProductID:      "p1",
			AssignedTo:     "customer@example.com",
			MaxActivations: 3,
		}).Return(&license.License{
			ID:  "lic-1",
			Key: "AB12-CD34-EF56-GH78",
		}, nil)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
			"product_id":      "p1",
			"assigned_to":     "customer@example.com",
			"max_activations": 3,
		})

		assert.Equal(t, http.StatusCreated, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "lic-1", body["id"])
		assert.Equal(t, "AB12-CD34-EF56-GH78", body["key"])
		assert.NotContains(t, body, "status", "issuance response carries only id and key")
		service.AssertExpectations(t)
	})

	t.Run("expires_at is accepted but not forwarded", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Issue", mock.Anything, services.IssueParams{ProductID: "p1"}).
			Return(&license.License{ID: "lic-1", Key: "AB12-CD34-EF56-GH78"}, nil)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
			"product_id": "p1",
			"expires_at": "2030-01-01T00:00:00Z",
		})

		assert.Equal(t, http.StatusCreated, rec.Code)
		service.AssertExpectations(t)
	})

	t.Run("missing product_id returns 400", func(t *testing.T) {
		service := new(MockLicenseService)
		router := setupLicenseRouter(service)

		rec := doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
			"max_activations": 3,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		service.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
	})

	t.Run("out-of-range max_activations returns 400", func(t *testing.T) {
		service := new(MockLicenseService)
		router := setupLicenseRouter(service)

		rec := doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
			"product_id":      "p1",
			"max_activations": 101,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body returns 400", func(t *testing.T) {
		service := new(MockLicenseService)
		router := setupLicenseRouter(service)

		req := httptest.NewRequest(http.MethodPost, "/api/licenses", bytes.NewBufferString("{not json"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown product returns 404", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Issue", mock.Anything, mock.Anything).
			Return(nil, apierrors.ErrProductNotFound)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
			"product_id": "ghost",
		})

		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "/errors/product-not-found", body["type"])
	})

	t.Run("exhausted key redraws return 409", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Issue", mock.Anything, mock.Anything).
			Return(nil, apierrors.ErrKeyConflict)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses", map[string]interface{}{
			"product_id": "p1",
		})

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestLicenseHandler_List(t *testing.T) {
	t.Run("lists all licenses", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("List", mock.Anything, "").Return([]license.License{
			{ID: "l1", ProductID: "p1", Key: "AAAA-BBBB-CCCC-DDDD", Status: license.StatusUnused, Activations: []string{}},
			{ID: "l2", ProductID: "p2", Key: "EEEE-FFFF-GGGG-HHHH", Status: license.StatusActive, Activations: []string{"m1"}},
		}, nil)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodGet, "/api/licenses", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var body []map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Len(t, body, 2)
	})

	t.Run("filters by product_id", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("List", mock.Anything, "p1").Return([]license.License{}, nil)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodGet, "/api/licenses?product_id=p1", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		service.AssertExpectations(t)
	})

	t.Run("service failure returns 500", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("List", mock.Anything, "").Return(nil, errors.New("database gone"))

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodGet, "/api/licenses", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestLicenseHandler_Activate(t *testing.T) {
	const key = "AB12-CD34-EF56-GH78"

	t.Run("fresh admission returns activation list", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Activate", mock.Anything, key, "machine-1").
			Return(&license.AdmissionResult{
				Outcome:     license.OutcomeAdmitted,
				Activations: []string{"machine-1"},
			}, nil)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key":        key,
			"machine_id": "machine-1",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "Activated", body["message"])
		assert.Equal(t, []interface{}{"machine-1"}, body["activations"])
	})

	t.Run("idempotent repeat omits activations", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Activate", mock.Anything, key, "machine-1").
			Return(&license.AdmissionResult{
				Outcome:     license.OutcomeAlreadyAdmitted,
				Activations: []string{"machine-1"},
			}, nil)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key":        key,
			"machine_id": "machine-1",
		})

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "Already activated on this machine", body["message"])
		assert.NotContains(t, body, "activations")
	})

	t.Run("malformed key surfaces as 404 not 400", func(t *testing.T) {
		// Key format is never validated on the activation path; an impossible
		// key is just an unknown key.
		service := new(MockLicenseService)
		service.On("Activate", mock.Anything, "definitely-not-a-key", "machine-1").
			Return(nil, apierrors.ErrLicenseNotFound)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key":        "definitely-not-a-key",
			"machine_id": "machine-1",
		})

		assert.Equal(t, http.StatusNotFound, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "/errors/license-not-found", body["type"])
	})

	t.Run("suspended license returns 403", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Activate", mock.Anything, key, "machine-1").
			Return(nil, apierrors.ErrLicenseNotActive)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key":        key,
			"machine_id": "machine-1",
		})

		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "License not active", body["detail"])
	})

	t.Run("full license returns 403", func(t *testing.T) {
		service := new(MockLicenseService)
		service.On("Activate", mock.Anything, key, "machine-9").
			Return(nil, apierrors.ErrActivationLimitReached)

		router := setupLicenseRouter(service)
		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key":        key,
			"machine_id": "machine-9",
		})

		assert.Equal(t, http.StatusForbidden, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "Activation limit reached", body["detail"])
	})

	t.Run("missing key returns 400", func(t *testing.T) {
		service := new(MockLicenseService)
		router := setupLicenseRouter(service)

		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"machine_id": "machine-1",
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		service.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing machine_id returns 400", func(t *testing.T) {
		service := new(MockLicenseService)
		router := setupLicenseRouter(service)

		rec := doJSON(t, router, http.MethodPost, "/api/licenses/activate", map[string]interface{}{
			"key": key,
		})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func admittedCount(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "keyserve.activations.admitted" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestLicenseHandler_AdmittedCounterSkipsIdempotentRepeats(t *testing.T) {
	const key = "AB12-CD34-EF56-GH78"

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	counter, err := meter.Int64Counter("keyserve.activations.admitted")
	require.NoError(t, err)

	service := new(MockLicenseService)
	service.On("Activate", mock.Anything, key, "machine-1").
		Return(&license.AdmissionResult{
			Outcome:     license.OutcomeAdmitted,
			Activations: []string{"machine-1"},
		}, nil).Once()
	service.On("Activate", mock.Anything, key, "machine-1").
		Return(&license.AdmissionResult{
			Outcome:     license.OutcomeAlreadyAdmitted,
			Activations: []string{"machine-1"},
		}, nil)

	handler := NewLicenseHandler(service, &infrastructure.OTelProviders{ActivationsAdmitted: counter}, newTestLogger())
	r := chi.NewRouter()
	r.Mount("/api/licenses", handler.Routes())

	payload := map[string]interface{}{"key": key, "machine_id": "machine-1"}

	rec := doJSON(t, r, http.MethodPost, "/api/licenses/activate", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), admittedCount(t, reader))

	rec = doJSON(t, r, http.MethodPost, "/api/licenses/activate", payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), admittedCount(t, reader))
}

func TestMaskKeyForLogging(t *testing.T) {
	assert.Equal(t, "AB12****GH78", maskKeyForLogging("AB12-CD34-EF56-GH78"))
	assert.Equal(t, "****", maskKeyForLogging("short"))
	assert.Equal(t, "****", maskKeyForLogging(""))
}

func TestClassifyActivationError(t *testing.T) {
	assert.Equal(t, "", classifyActivationError(nil))
	assert.Equal(t, "license_not_found", classifyActivationError(apierrors.ErrLicenseNotFound))
	assert.Equal(t, "license_not_active", classifyActivationError(apierrors.ErrLicenseNotActive))
	assert.Equal(t, "activation_limit_reached", classifyActivationError(apierrors.ErrActivationLimitReached))
	assert.Equal(t, "unknown_error", classifyActivationError(errors.New("boom")))
}
