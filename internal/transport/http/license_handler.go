package http

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	"keymint/internal/middleware"
	"keymint/internal/services"
)

const tracerName = "license-handler"

// LicenseHandler handles license issuance and verification HTTP requests.
type LicenseHandler struct {
	service  services.LicenseService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	v := validator.New()
	// Use JSON tag names in validation error messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &LicenseHandler{
		service:  service,
		validate: v,
		logger:   logger.With(slog.String("handler", "license")),
	}
}

// GenerateLicenseRequest is the issuance request payload.
type GenerateLicenseRequest struct {
	// Duration is "debug", an integer day count, or absent (one day).
	Duration string `json:"duration" validate:"omitempty,max=32"`
}

// RegisterRoutes mounts the license endpoints on the given router.
func (h *LicenseHandler) RegisterRoutes(r chi.Router) {
	r.Post("/owner/generate_license", h.Generate)
	r.Get("/client/verify_license", h.Verify)
}

// Generate handles POST /owner/generate_license.
func (h *LicenseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer(tracerName)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.generate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/owner/generate_license"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	// An absent or malformed body falls back to the default duration; the
	// duration policy itself accepts any string.
	data := &GenerateLicenseRequest{}
	if err := render.Decode(r, data); err != nil {
		h.logger.DebugContext(ctx, "issuance payload not decodable, using defaults",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID),
		)
		data = &GenerateLicenseRequest{}
	}
	if err := h.validate.Struct(data); err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "issuance request failed validation",
			slog.String("error", err.Error()),
			slog.String("request_id", reqID),
		)
		render.Render(w, r, licenseErrors.NewErrorResponse(
			licenseErrors.ErrValidation("duration", "duration must be at most 32 characters")))
		return
	}
	if data.Duration == "" {
		data.Duration = "1"
	}

	response, err := h.service.Issue(ctx, data.Duration)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "license issuance failed",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, licenseErrors.MapIssueError(err, infrastructure.TraceIDFromContext(ctx)))
		return
	}

	h.logger.InfoContext(ctx, "license issuance completed",
		slog.String("request_id", reqID),
		slog.Duration("latency", latency),
		slog.String("duration_input", data.Duration),
		slog.String("expires_at", response.ExpiresAt),
	)
	render.JSON(w, r, response)
}

// Verify handles GET /client/verify_license.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetRequestID(ctx)
	tracer := otel.Tracer(tracerName)
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/client/verify_license"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	licenseKey := r.URL.Query().Get("license_key")
	deviceID := r.URL.Query().Get("device_id")

	// A missing parameter is a client error, not a failed verification.
	if licenseKey == "" || deviceID == "" {
		span.SetAttributes(attribute.String("error.type", "missing_parameter"))
		h.logger.ErrorContext(ctx, "verification request missing parameters",
			slog.String("request_id", reqID),
			slog.Bool("has_license_key", licenseKey != ""),
			slog.Bool("has_device_id", deviceID != ""),
		)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, &services.VerifyResponse{
			Valid: false,
			Error: "No license key or device ID provided",
		})
		return
	}

	response, err := h.service.Verify(ctx, licenseKey, deviceID)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "license verification failed",
			slog.String("request_id", reqID),
			slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, &services.VerifyResponse{
			Valid: false,
			Error: "verification unavailable",
		})
		return
	}

	span.SetAttributes(attribute.Bool("license.valid", response.Valid))
	h.logger.InfoContext(ctx, "license verification completed",
		slog.String("request_id", reqID),
		slog.Duration("latency", latency),
		slog.Bool("valid", response.Valid),
		slog.String("reason", response.Error),
	)
	render.JSON(w, r, response)
}
