package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keymint/internal/infrastructure"
	"keymint/internal/license"
)

// LicenseService provides business logic for license issuance and
// verification. Handlers depend on this interface, never on the store.
type LicenseService interface {
	// Issue creates a new license from a requested duration string and
	// returns the wire response, with the expiration rendered in the
	// configured presentation timezone.
	Issue(ctx context.Context, durationInput string) (*IssueResponse, error)

	// Verify checks a (key, device) pair. Business rejections come back
	// inside the response; the error is reserved for infrastructure
	// failures.
	Verify(ctx context.Context, key, deviceID string) (*VerifyResponse, error)
}

// IssueResponse is the issuance wire payload. ExpiresAt is RFC 3339 with an
// explicit UTC offset in the presentation zone; storage stays UTC.
type IssueResponse struct {
	LicenseKey string `json:"license_key"`
	ExpiresAt  string `json:"expires_at"`
}

// VerifyResponse is the verification wire payload. Error is present only
// when Valid is false and the cause is known.
type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Verification rejection messages, part of the wire contract.
const (
	reasonNotFound       = "License key not found"
	reasonExpired        = "License key expired"
	reasonDeviceMismatch = "License already used on another device"
)

type licenseService struct {
	manager *license.Manager
	zone    *time.Location
	logger  *slog.Logger
}

// NewLicenseService creates a license service over the given manager. The
// timezone names the civil zone used for rendering expirations to callers.
func NewLicenseService(manager *license.Manager, timezone string, logger *slog.Logger) (LicenseService, error) {
	zone, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load presentation timezone %q: %w", timezone, err)
	}
	return &licenseService{
		manager: manager,
		zone:    zone,
		logger:  logger.With(slog.String("service", "license")),
	}, nil
}

func (s *licenseService) Issue(ctx context.Context, durationInput string) (*IssueResponse, error) {
	lic, err := s.manager.Issue(ctx, durationInput)
	if err != nil {
		return nil, err
	}

	expiresAt := lic.Expiration.In(s.zone).Format(time.RFC3339)
	s.logger.DebugContext(ctx, "issue response prepared",
		slog.String("key", license.MaskKey(lic.Key)),
		slog.String("expires_at", expiresAt),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
	)

	return &IssueResponse{
		LicenseKey: lic.Key,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *licenseService) Verify(ctx context.Context, key, deviceID string) (*VerifyResponse, error) {
	result, err := s.manager.Verify(ctx, key, deviceID)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case license.StatusValid:
		return &VerifyResponse{Valid: true}, nil
	case license.StatusNotFound:
		return &VerifyResponse{Valid: false, Error: reasonNotFound}, nil
	case license.StatusExpired:
		return &VerifyResponse{Valid: false, Error: reasonExpired}, nil
	case license.StatusDeviceMismatch:
		return &VerifyResponse{Valid: false, Error: reasonDeviceMismatch}, nil
	default:
		return nil, fmt.Errorf("unexpected verify status %d", result.Status)
	}
}
