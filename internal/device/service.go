package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/credential"
	"iotguard.dev/internal/obs"
	"iotguard.dev/internal/token"
)

// Service owns the per-device security state: authentication, the token
// version counter and the status lifecycle.
type Service struct {
	store  Store
	issuer *token.Issuer
	hasher *credential.Hasher
	audit  *audit.Recorder
	now    func() time.Time
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the device security service.
func NewService(store Store, issuer *token.Issuer, hasher *credential.Hasher, rec *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		store:  store,
		issuer: issuer,
		hasher: hasher,
		audit:  rec,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a device owned by the actor and returns the generated
// one-time secret. The secret is shown exactly once; only its hash persists.
func (s *Service) Register(ctx context.Context, actor Actor, name, category string) (*Device, string, error) {
	if name == "" {
		return nil, "", ErrInvalidInput
	}
	if category == "" {
		category = "custom"
	}
	secret, err := credential.GenerateDeviceSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, "", err
	}
	now := s.now().UTC()
	d := &Device{
		ID:           uuid.NewString(),
		Name:         name,
		Category:     category,
		OwnerID:      actor.ID,
		Status:       StatusActive,
		SecretHash:   hash,
		TokenVersion: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, "", err
	}
	s.audit.Record(ctx, audit.ActorUser, actor.ID, "device_create", audit.StatusSuccess, fmt.Sprintf("device %s registered", d.ID))
	return d, secret, nil
}

// Authenticate verifies the device secret against the stored hash. Denials
// are uniform: missing device, wrong status and bad secret all read the same
// to the caller. On success it returns the current token version.
func (s *Service) Authenticate(ctx context.Context, deviceID, secret string) (int64, error) {
	d, err := s.store.Find(ctx, deviceID)
	if errors.Is(err, ErrNotFound) || (err == nil && d == nil) {
		s.audit.Record(ctx, audit.ActorDevice, deviceID, "device_auth", audit.StatusDenied, "unknown device")
		obs.AuthDecisions.WithLabelValues("device", "auth", "denied").Inc()
		return 0, ErrUnauthorized
	}
	if err != nil {
		return 0, err
	}
	if d.Status != StatusActive {
		s.audit.Record(ctx, audit.ActorDevice, deviceID, "device_auth", audit.StatusDenied, "device not active")
		obs.AuthDecisions.WithLabelValues("device", "auth", "denied").Inc()
		return 0, ErrUnauthorized
	}
	if !s.hasher.Verify(secret, d.SecretHash) {
		s.audit.Record(ctx, audit.ActorDevice, deviceID, "device_auth", audit.StatusDenied, "bad secret")
		obs.AuthDecisions.WithLabelValues("device", "auth", "denied").Inc()
		return 0, ErrUnauthorized
	}
	return d.TokenVersion, nil
}

// IssueToken authenticates the device and signs an access token embedding
// the current token version.
func (s *Service) IssueToken(ctx context.Context, deviceID, secret string) (string, time.Time, error) {
	version, err := s.Authenticate(ctx, deviceID, secret)
	if err != nil {
		return "", time.Time{}, err
	}
	signed, expiresAt, err := s.issuer.IssueDeviceAccess(deviceID, version)
	if err != nil {
		return "", time.Time{}, err
	}
	s.audit.Record(ctx, audit.ActorDevice, deviceID, "device_auth", audit.StatusSuccess, "device token issued")
	obs.AuthDecisions.WithLabelValues("device", "auth", "success").Inc()
	return signed, expiresAt, nil
}

// CheckTokenCurrency reports whether a token with the embedded version is
// still current: the version must match exactly and the device must be
// active. A stale version or any non-active status fails, even if the token
// itself has not expired.
func (s *Service) CheckTokenCurrency(ctx context.Context, deviceID string, embeddedVersion int64) (bool, error) {
	d, err := s.store.Find(ctx, deviceID)
	if errors.Is(err, ErrNotFound) || (err == nil && d == nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.Status == StatusActive && d.TokenVersion == embeddedVersion, nil
}

// RotateSecret replaces the device secret and bumps the token version,
// invalidating every outstanding device token immediately. The device is
// also returned to active status with a clean reading slate, matching a
// re-provisioning flow.
func (s *Service) RotateSecret(ctx context.Context, actor Actor, deviceID string) (string, error) {
	d, err := s.authorize(ctx, actor, deviceID, "device_secret_rotate")
	if err != nil {
		return "", err
	}
	if d.Status == StatusDeleted {
		return "", ErrInvalidInput
	}
	secret, err := credential.GenerateDeviceSecret()
	if err != nil {
		return "", err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return "", err
	}
	active := StatusActive
	if _, err := s.store.BumpVersion(ctx, deviceID, SecurityUpdate{
		SecretHash:       &hash,
		Status:           &active,
		ClearDeactivated: true,
		ClearLastReading: true,
	}); err != nil {
		return "", err
	}
	s.audit.Record(ctx, audit.ActorUser, actor.ID, "device_secret_rotate", audit.StatusSuccess, fmt.Sprintf("device %s secret rotated", deviceID))
	return secret, nil
}

// InvalidateTokens bumps the token version without touching the secret.
func (s *Service) InvalidateTokens(ctx context.Context, actor Actor, deviceID string) error {
	d, err := s.authorize(ctx, actor, deviceID, "device_token_invalidate")
	if err != nil {
		return err
	}
	if d.Status == StatusDeleted {
		return ErrInvalidInput
	}
	if _, err := s.store.BumpVersion(ctx, deviceID, SecurityUpdate{}); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorUser, actor.ID, "device_token_invalidate", audit.StatusSuccess, fmt.Sprintf("device %s tokens invalidated", deviceID))
	return nil
}

// Deactivate blocks the device. Outstanding tokens die via the status gate
// in CheckTokenCurrency; the version bump closes the window regardless.
func (s *Service) Deactivate(ctx context.Context, actor Actor, deviceID string) error {
	d, err := s.authorize(ctx, actor, deviceID, "device_deactivate")
	if err != nil {
		return err
	}
	if d.Status == StatusDeleted {
		return ErrInvalidInput
	}
	deactivated := StatusDeactivated
	at := s.now().UTC()
	if _, err := s.store.BumpVersion(ctx, deviceID, SecurityUpdate{
		Status:        &deactivated,
		DeactivatedAt: &at,
	}); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorUser, actor.ID, "device_deactivate", audit.StatusSuccess, fmt.Sprintf("device %s deactivated", deviceID))
	return nil
}

// Reactivate returns a deactivated device to service.
func (s *Service) Reactivate(ctx context.Context, actor Actor, deviceID string) error {
	d, err := s.authorize(ctx, actor, deviceID, "device_reactivate")
	if err != nil {
		return err
	}
	if d.Status != StatusDeactivated {
		return ErrInvalidInput
	}
	active := StatusActive
	if _, err := s.store.BumpVersion(ctx, deviceID, SecurityUpdate{
		Status:           &active,
		ClearDeactivated: true,
	}); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorUser, actor.ID, "device_reactivate", audit.StatusSuccess, fmt.Sprintf("device %s reactivated", deviceID))
	return nil
}

// Delete soft-deletes the device. Terminal: the device can no longer
// authenticate, but its readings remain queryable by id.
func (s *Service) Delete(ctx context.Context, actor Actor, deviceID string) error {
	d, err := s.authorize(ctx, actor, deviceID, "device_delete")
	if err != nil {
		return err
	}
	if d.Status == StatusDeleted {
		return ErrInvalidInput
	}
	deleted := StatusDeleted
	at := s.now().UTC()
	if _, err := s.store.BumpVersion(ctx, deviceID, SecurityUpdate{
		Status:        &deleted,
		DeactivatedAt: &at,
	}); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorUser, actor.ID, "device_delete", audit.StatusSuccess, fmt.Sprintf("device %s deleted", deviceID))
	return nil
}

// Get loads a device with owner-or-admin access control.
func (s *Service) Get(ctx context.Context, actor Actor, deviceID string) (*Device, error) {
	return s.authorize(ctx, actor, deviceID, "device_read")
}

// ListForActor returns the actor's devices, or all devices for an admin.
func (s *Service) ListForActor(ctx context.Context, actor Actor) ([]*Device, error) {
	if actor.Admin {
		return s.store.List(ctx)
	}
	return s.store.ListByOwner(ctx, actor.ID)
}

// DeactivateOwnerDevices blocks every device of the given owner. Policy for
// a deleted owner account: devices are deactivated rather than cascaded, and
// their readings stay queryable.
func (s *Service) DeactivateOwnerDevices(ctx context.Context, ownerID string) error {
	if err := s.store.DeactivateByOwner(ctx, ownerID, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorSystem, ownerID, "owner_devices_deactivate", audit.StatusSuccess, "owner account removed")
	return nil
}

func (s *Service) authorize(ctx context.Context, actor Actor, deviceID, eventType string) (*Device, error) {
	d, err := s.store.Find(ctx, deviceID)
	if errors.Is(err, ErrNotFound) || (err == nil && d == nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !actor.mayManage(d) {
		s.audit.Record(ctx, audit.ActorUser, actor.ID, eventType, audit.StatusDenied, fmt.Sprintf("no access to device %s", deviceID))
		obs.AuthDecisions.WithLabelValues("user", eventType, "denied").Inc()
		return nil, ErrForbidden
	}
	return d, nil
}
