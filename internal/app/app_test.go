package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymint/internal/config"
	"keymint/internal/license"
	"keymint/internal/services"
)

func newTestApplication(t *testing.T) *Application {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Storage.Backend = "memory"
	cfg.Security.RateLimit.Enabled = false

	store := license.NewMemStore()
	manager := license.NewManager(store, logger)
	svc, err := services.NewLicenseService(manager, cfg.License.PresentationTimezone, logger)
	require.NoError(t, err)

	app := &Application{
		Config:         cfg,
		Store:          store,
		Manager:        manager,
		LicenseService: svc,
		Logger:         logger,
	}
	app.setupRouter()
	return app
}

func TestApplication_EndToEndIssueAndVerify(t *testing.T) {
	app := newTestApplication(t)

	// Issue a license.
	req := httptest.NewRequest(http.MethodPost, "/owner/generate_license",
		strings.NewReader(`{"duration": "1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var issued struct {
		LicenseKey string `json:"license_key"`
		ExpiresAt  string `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.True(t, license.ValidKeyFormat(issued.LicenseKey))
	assert.Contains(t, issued.ExpiresAt, "+08:00")

	// First verification binds the device.
	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/client/verify_license?license_key="+issued.LicenseKey+"&device_id=device-A", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	// A second device is rejected.
	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/client/verify_license?license_key="+issued.LicenseKey+"&device_id=device-B", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)
	assert.Contains(t, rec.Body.String(), "another device")
}

func TestApplication_HealthAndMetricsRoutes(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApplication_RequestIDHeader(t *testing.T) {
	app := newTestApplication(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "memory"

	store, err := openStore(cfg)
	require.NoError(t, err)
	_, ok := store.(*license.MemStore)
	assert.True(t, ok)
}
