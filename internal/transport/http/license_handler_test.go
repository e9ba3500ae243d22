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
	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"keymint/internal/services"
)

// MockLicenseService implements the LicenseService interface for testing
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Issue(ctx context.Context, durationInput string) (*services.IssueResponse, error) {
	args := m.Called(ctx, durationInput)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.IssueResponse), args.Error(1)
}

func (m *MockLicenseService) Verify(ctx context.Context, key, deviceID string) (*services.VerifyResponse, error) {
	args := m.Called(ctx, key, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.VerifyResponse), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRouter(service services.LicenseService) *chi.Mux {
	r := chi.NewRouter()
	r.Use(render.SetContentType(render.ContentTypeJSON))
	NewLicenseHandler(service, testLogger()).RegisterRoutes(r)
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLicenseHandler_Generate(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		setupMock      func(*MockLicenseService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name: "explicit duration",
			body: `{"duration": "30"}`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, "30").Return(&services.IssueResponse{
					LicenseKey: "AAAA-BBBB-CCCC-DDDD",
					ExpiresAt:  "2026-04-14T20:00:00+08:00",
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "AAAA-BBBB-CCCC-DDDD", body["license_key"])
				assert.Equal(t, "2026-04-14T20:00:00+08:00", body["expires_at"])
			},
		},
		{
			name: "missing duration defaults to one day",
			body: `{}`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, "1").Return(&services.IssueResponse{
					LicenseKey: "EEEE-FFFF-GGGG-HHHH",
					ExpiresAt:  "2026-03-16T20:00:00+08:00",
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "EEEE-FFFF-GGGG-HHHH", body["license_key"])
			},
		},
		{
			name: "malformed body falls back to default duration",
			body: `{not json`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, "1").Return(&services.IssueResponse{
					LicenseKey: "EEEE-FFFF-GGGG-HHHH",
					ExpiresAt:  "2026-03-16T20:00:00+08:00",
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "EEEE-FFFF-GGGG-HHHH", body["license_key"])
			},
		},
		{
			name: "oversized duration rejected",
			body: `{"duration": "` + string(bytes.Repeat([]byte("9"), 64)) + `"}`,
			setupMock: func(m *MockLicenseService) {
			},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["success"])
			},
		},
		{
			name: "service failure maps to problem details",
			body: `{"duration": "1"}`,
			setupMock: func(m *MockLicenseService) {
				m.On("Issue", mock.Anything, "1").Return(nil, errors.New("store unavailable"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/issue-failed", body["type"])
				assert.Equal(t, "ISSUE_FAILED", body["error_code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockLicenseService)
			tt.setupMock(mockService)
			router := newTestRouter(mockService)

			req := httptest.NewRequest(http.MethodPost, "/owner/generate_license",
				bytes.NewReader([]byte(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			tt.expectedBody(t, decodeBody(t, rec))
			mockService.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_Verify(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		setupMock      func(*MockLicenseService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name:  "valid license",
			query: "?license_key=AAAA-BBBB-CCCC-DDDD&device_id=device-A",
			setupMock: func(m *MockLicenseService) {
				m.On("Verify", mock.Anything, "AAAA-BBBB-CCCC-DDDD", "device-A").
					Return(&services.VerifyResponse{Valid: true}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["valid"])
				assert.NotContains(t, body, "error")
			},
		},
		{
			name:  "unknown key",
			query: "?license_key=ZZZZ-ZZZZ-ZZZZ-ZZZZ&device_id=device-A",
			setupMock: func(m *MockLicenseService) {
				m.On("Verify", mock.Anything, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "device-A").
					Return(&services.VerifyResponse{Valid: false, Error: "License key not found"}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["valid"])
				assert.Equal(t, "License key not found", body["error"])
			},
		},
		{
			name:           "missing license key is a client error",
			query:          "?device_id=device-A",
			setupMock:      func(m *MockLicenseService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["valid"])
				assert.Equal(t, "No license key or device ID provided", body["error"])
			},
		},
		{
			name:           "missing device id is a client error",
			query:          "?license_key=AAAA-BBBB-CCCC-DDDD",
			setupMock:      func(m *MockLicenseService) {},
			expectedStatus: http.StatusBadRequest,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["valid"])
				assert.Equal(t, "No license key or device ID provided", body["error"])
			},
		},
		{
			name:  "service failure",
			query: "?license_key=AAAA-BBBB-CCCC-DDDD&device_id=device-A",
			setupMock: func(m *MockLicenseService) {
				m.On("Verify", mock.Anything, "AAAA-BBBB-CCCC-DDDD", "device-A").
					Return(nil, errors.New("store unavailable"))
			},
			expectedStatus: http.StatusInternalServerError,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["valid"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockLicenseService)
			tt.setupMock(mockService)
			router := newTestRouter(mockService)

			req := httptest.NewRequest(http.MethodGet, "/client/verify_license"+tt.query, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.expectedStatus, rec.Code)
			tt.expectedBody(t, decodeBody(t, rec))
			mockService.AssertExpectations(t)
		})
	}
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	handler := NewHealthHandler("test", testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.HealthCheck(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}
