package license

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Store errors shared by all backends.
var (
	ErrNotFound      = errors.New("license not found")
	ErrAlreadyExists = errors.New("license key already exists")
)

// License is a single issued license. Expiration is always a UTC instant;
// AssignedDevice is empty until the first successful verification binds it.
type License struct {
	Key            string    `json:"license_key"`
	Expiration     time.Time `json:"expiration"`
	AssignedDevice string    `json:"assigned_device,omitempty"`
}

// Bound reports whether the license has been claimed by a device.
func (l License) Bound() bool {
	return l.AssignedDevice != ""
}

// ExpiredAt reports whether the license is past its expiration at the given
// instant. The boundary itself counts as expired.
func (l License) ExpiredAt(now time.Time) bool {
	return !now.Before(l.Expiration)
}

// BindResult is the outcome of an atomic bind-or-check on one key.
type BindResult int

const (
	// Bound means the license was unassigned and is now bound to the
	// presented device.
	Bound BindResult = iota
	// AlreadyBoundSame means the license was already bound to the
	// presented device.
	AlreadyBoundSame
	// BoundToOther means the license is bound to a different device.
	BoundToOther
)

// String returns a short label for logging.
func (r BindResult) String() string {
	switch r {
	case Bound:
		return "bound"
	case AlreadyBoundSame:
		return "already_bound_same"
	case BoundToOther:
		return "bound_to_other"
	default:
		return "unknown"
	}
}

// Store persists issued licenses keyed by license key. Implementations must
// make BindOrCheck atomic per key: two concurrent callers racing on an
// unassigned key must never both observe it as unassigned. Operations on
// different keys must not serialize against each other.
type Store interface {
	// Create inserts a new unassigned license. Returns ErrAlreadyExists
	// if the key is already present; the store is the uniqueness boundary.
	Create(ctx context.Context, key string, expiration time.Time) error

	// Get returns the license for key, or ErrNotFound.
	Get(ctx context.Context, key string) (License, error)

	// Delete removes the license for key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// BindOrCheck atomically assigns the license to deviceID if it is
	// unassigned, otherwise compares the stored assignment. Returns
	// ErrNotFound if the key is absent.
	BindOrCheck(ctx context.Context, key, deviceID string) (BindResult, error)

	// DeleteExpired purges every license whose expiration is at or before
	// the given instant, returning the number removed. Used by the
	// background sweep; verification does not depend on it.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Close releases backend resources.
	Close() error
}

// keyPattern matches the canonical grouped key format.
var keyPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// ValidKeyFormat reports whether s is a well-formed license key.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}
