package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxKeyRetries bounds regeneration on store collisions. At 36^16 keys a
// second collision in a row already indicates a broken random source.
const maxKeyRetries = 5

// VerifyStatus is the typed outcome of a verification request. All business
// failures surface here, never as errors escaping to the caller.
type VerifyStatus int

const (
	// StatusValid means the license is active and bound to the presented
	// device (either just now or on an earlier call).
	StatusValid VerifyStatus = iota
	// StatusNotFound means the key was never issued or has been purged.
	StatusNotFound
	// StatusExpired means the license passed its expiration; detection
	// purges the record, so later checks report StatusNotFound.
	StatusExpired
	// StatusDeviceMismatch means the license is bound to another device.
	StatusDeviceMismatch
)

// String returns the wire-stable label for the status.
func (s VerifyStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusNotFound:
		return "not_found"
	case StatusExpired:
		return "expired"
	case StatusDeviceMismatch:
		return "device_mismatch"
	default:
		return "unknown"
	}
}

// VerifyResult reports the outcome of a verification.
type VerifyResult struct {
	Status VerifyStatus
	// Bind carries the binding detail when Status is StatusValid.
	Bind BindResult
}

// Valid reports whether the verification succeeded.
func (r VerifyResult) Valid() bool {
	return r.Status == StatusValid
}

// Manager drives the license lifecycle: issuance (duration policy, key
// generation, persistence) and verification (expiry enforcement, first-use
// device binding). All timestamps it computes or compares are UTC.
type Manager struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
	genKey  func() string
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the manager's time source. Intended for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithKeyGenerator overrides the key source. Intended for tests.
func WithKeyGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.genKey = gen }
}

// WithMetrics attaches OpenTelemetry instruments to the manager.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a lifecycle manager over the given store.
func NewManager(store Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:  store,
		logger: logger.With(slog.String("component", "license_manager")),
		now:    time.Now,
		genKey: GenerateKey,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates a new license. The requested duration string is resolved by
// the duration policy; the expiration is computed in UTC. Keys that collide
// with an already stored license are regenerated rather than overwritten.
func (m *Manager) Issue(ctx context.Context, durationInput string) (License, error) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "license_manager.issue",
		trace.WithAttributes(
			attribute.String("license.duration_input", durationInput),
		),
	)
	defer span.End()

	start := m.now()
	expiration := ResolveTerm(durationInput).ExpirationFrom(start.UTC())

	var lic License
	var err error
	for attempt := 0; attempt < maxKeyRetries; attempt++ {
		key := m.genKey()
		err = m.store.Create(ctx, key, expiration)
		if err == nil {
			lic = License{Key: key, Expiration: expiration}
			break
		}
		if !errors.Is(err, ErrAlreadyExists) {
			break
		}
		m.metrics.recordCollision(ctx)
		m.logger.WarnContext(ctx, "license key collision, regenerating",
			slog.String("key", MaskKey(key)),
			slog.Int("attempt", attempt+1),
		)
	}
	m.metrics.recordIssue(ctx, start, err)

	if err != nil {
		span.RecordError(err)
		m.logger.ErrorContext(ctx, "license issuance failed",
			slog.String("duration_input", durationInput),
			slog.String("error", err.Error()),
		)
		return License{}, fmt.Errorf("issue license: %w", err)
	}

	span.SetAttributes(
		attribute.String("license.key_masked", MaskKey(lic.Key)),
		attribute.String("license.expiration", lic.Expiration.Format(time.RFC3339)),
	)
	m.logger.InfoContext(ctx, "license issued",
		slog.String("key", MaskKey(lic.Key)),
		slog.String("duration_input", durationInput),
		slog.Time("expiration", lic.Expiration),
	)
	return lic, nil
}

// Verify checks a presented (key, device) pair against the store and applies
// the binding rule: an unassigned active license binds to the presented
// device exactly once; afterwards only the bound device validates. The first
// verification that observes an expired license purges it, so subsequent
// checks on that key report StatusNotFound. Only infrastructure failures
// (store errors, cancelled context) are returned as errors.
func (m *Manager) Verify(ctx context.Context, key, deviceID string) (VerifyResult, error) {
	tracer := otel.Tracer(TracerName)
	ctx, span := tracer.Start(ctx, "license_manager.verify",
		trace.WithAttributes(
			attribute.String("license.key_masked", MaskKey(key)),
		),
	)
	defer span.End()

	start := m.now()
	res, err := m.verify(ctx, key, deviceID)
	m.metrics.recordVerify(ctx, start, res.Status)

	if err != nil {
		span.RecordError(err)
		return res, err
	}
	span.SetAttributes(
		attribute.String("license.verify_status", res.Status.String()),
		attribute.Bool("license.valid", res.Valid()),
	)
	return res, nil
}

func (m *Manager) verify(ctx context.Context, key, deviceID string) (VerifyResult, error) {
	lic, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		m.logger.WarnContext(ctx, "license key not found",
			slog.String("key", MaskKey(key)))
		return VerifyResult{Status: StatusNotFound}, nil
	}
	if err != nil {
		return VerifyResult{Status: StatusNotFound}, fmt.Errorf("lookup license: %w", err)
	}

	if lic.ExpiredAt(m.now().UTC()) {
		if err := m.store.Delete(ctx, key); err != nil {
			return VerifyResult{Status: StatusExpired}, fmt.Errorf("purge expired license: %w", err)
		}
		m.metrics.recordPurged(ctx, 1)
		m.logger.InfoContext(ctx, "license expired, purged",
			slog.String("key", MaskKey(key)),
			slog.Time("expiration", lic.Expiration),
		)
		return VerifyResult{Status: StatusExpired}, nil
	}

	bind, err := m.store.BindOrCheck(ctx, key, deviceID)
	if errors.Is(err, ErrNotFound) {
		// Lost a race with an expiry purge on the same key.
		return VerifyResult{Status: StatusNotFound}, nil
	}
	if err != nil {
		return VerifyResult{Status: StatusNotFound}, fmt.Errorf("bind license: %w", err)
	}

	switch bind {
	case Bound:
		m.logger.InfoContext(ctx, "license bound to device",
			slog.String("key", MaskKey(key)),
			slog.String("device_id", deviceID),
		)
	case AlreadyBoundSame:
		m.logger.InfoContext(ctx, "license validated",
			slog.String("key", MaskKey(key)),
			slog.String("device_id", deviceID),
		)
	case BoundToOther:
		m.logger.WarnContext(ctx, "license used on another device",
			slog.String("key", MaskKey(key)),
			slog.String("device_id", deviceID),
		)
		return VerifyResult{Status: StatusDeviceMismatch, Bind: bind}, nil
	}
	return VerifyResult{Status: StatusValid, Bind: bind}, nil
}

// PurgeExpired removes every license already past its expiration. Expiry is
// enforced on every read, so this only reclaims storage.
func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	removed, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return removed, fmt.Errorf("purge expired licenses: %w", err)
	}
	m.metrics.recordPurged(ctx, removed)
	if removed > 0 {
		m.logger.InfoContext(ctx, "expired licenses purged",
			slog.Int("count", removed))
	}
	return removed, nil
}

// MaskKey hides most of a license key for logs, keeping the first group.
func MaskKey(key string) string {
	if len(key) <= keyGroup {
		return key
	}
	return key[:keyGroup] + "-****-****-****"
}
