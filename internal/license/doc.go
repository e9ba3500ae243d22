// Package license implements the license lifecycle: key generation,
// duration policy, storage contracts, and the issue/verify state machine
// with first-use device binding and lazy expiry enforcement.
package license
