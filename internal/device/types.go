package device

import "time"

// Status of a device in the system. Deleted is terminal; deactivated is
// reversible by the owner or an admin.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
	StatusDeleted     Status = "deleted"
)

// Device is an IoT principal authenticating with a one-time secret. The
// token_version counter is the invalidation mechanism: device tokens embed
// the version current at issuance and die the moment it advances.
type Device struct {
	ID            string
	Name          string
	Category      string
	OwnerID       string
	Status        Status
	SecretHash    string
	TokenVersion  int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastReadingAt *time.Time
	DeactivatedAt *time.Time
}

// Actor identifies the caller of a mutating operation. Mutations are
// authorized for the device's owner or an admin.
type Actor struct {
	ID    string
	Admin bool
}

func (a Actor) mayManage(d *Device) bool {
	return a.Admin || a.ID == d.OwnerID
}
