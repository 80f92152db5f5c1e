package device

import (
	"context"
	"time"
)

// SecurityUpdate describes an atomic change to a device's security state.
// The token version is always incremented; the optional fields ride along in
// the same transaction so concurrent readers observe either the fully-old or
// fully-new state, never a torn combination.
type SecurityUpdate struct {
	SecretHash       *string
	Status           *Status
	DeactivatedAt    *time.Time
	ClearDeactivated bool
	ClearLastReading bool
}

// Store persists devices.
type Store interface {
	Create(ctx context.Context, d *Device) error
	Find(ctx context.Context, id string) (*Device, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Device, error)
	List(ctx context.Context) ([]*Device, error)

	// BumpVersion applies the update and increments token_version in a
	// single transaction, returning the new version. The increment must be
	// done in-store (not read-modify-write in the caller) so concurrent
	// bumps never collapse into one.
	BumpVersion(ctx context.Context, id string, upd SecurityUpdate) (int64, error)

	// ClaimReadingSlot advances last_reading_at to now if and only if the
	// stored timestamp is absent or at least minInterval older. The
	// conditional write serializes concurrent readings from one device:
	// of two arrivals inside the interval, exactly one claim succeeds.
	ClaimReadingSlot(ctx context.Context, id string, now time.Time, minInterval time.Duration) (bool, error)

	// DeactivateByOwner deactivates all devices of an owner in one
	// statement. Used when the owning account disappears.
	DeactivateByOwner(ctx context.Context, ownerID string, at time.Time) error
}
