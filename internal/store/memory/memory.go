// Package memory implements every repository interface in-process. It backs
// unit tests and the memory adapter; the locking mirrors what the SQL stores
// get from transactions and conditional updates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/auth"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ingest"
)

// Store holds all state behind one mutex and hands out per-entity views.
// Conditional operations (refresh token revoke, reading slot claim, version
// bump) are atomic by construction.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*auth.User
	tokens   map[string]*auth.RefreshToken
	devices  map[string]*device.Device
	readings map[string][]*ingest.Reading
	events   []audit.Event
}

// New creates an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]*auth.User),
		tokens:   make(map[string]*auth.RefreshToken),
		devices:  make(map[string]*device.Device),
		readings: make(map[string][]*ingest.Reading),
	}
}

// Users returns the user repository view.
func (s *Store) Users() auth.UserStore { return &userStore{s} }

// RefreshTokens returns the refresh token repository view.
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{s} }

// Devices returns the device repository view.
func (s *Store) Devices() device.Store { return &deviceStore{s} }

// Readings returns the reading repository view.
func (s *Store) Readings() ingest.Store { return &readingStore{s} }

// Events returns the security event repository view.
func (s *Store) Events() audit.Store { return &eventStore{s} }

// --- users ---

type userStore struct{ s *Store }

var _ auth.UserStore = (*userStore)(nil)

func (v *userStore) Create(ctx context.Context, u *auth.User) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, existing := range v.s.users {
		if existing.Email == u.Email {
			return auth.ErrAlreadyExists
		}
	}
	cp := *u
	v.s.users[u.ID] = &cp
	return nil
}

func (v *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	u, ok := v.s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (v *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, u := range v.s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (v *userStore) AdminExists(ctx context.Context) (bool, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, u := range v.s.users {
		if u.Role == auth.RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

// --- refresh tokens ---

type tokenStore struct{ s *Store }

var _ auth.RefreshTokenStore = (*tokenStore)(nil)

func (v *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *tok
	v.s.tokens[tok.ID] = &cp
	return nil
}

func (v *tokenStore) FindActiveByUser(ctx context.Context, userID string) (*auth.RefreshToken, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	for _, t := range v.s.tokens {
		if t.UserID == userID && !t.Revoked {
			cp := *t
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (v *tokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	t, ok := v.s.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	t.Revoked = true
	return true, nil
}

func (v *tokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, t := range v.s.tokens {
		if t.UserID == userID {
			t.Revoked = true
		}
	}
	return nil
}

// --- devices ---

type deviceStore struct{ s *Store }

var _ device.Store = (*deviceStore)(nil)

func (v *deviceStore) Create(ctx context.Context, d *device.Device) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *d
	v.s.devices[d.ID] = &cp
	return nil
}

func (v *deviceStore) Find(ctx context.Context, id string) (*device.Device, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	d, ok := v.s.devices[id]
	if !ok {
		return nil, device.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (v *deviceStore) ListByOwner(ctx context.Context, ownerID string) ([]*device.Device, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []*device.Device
	for _, d := range v.s.devices {
		if d.OwnerID == ownerID && d.Status != device.StatusDeleted {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDevices(out)
	return out, nil
}

func (v *deviceStore) List(ctx context.Context) ([]*device.Device, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []*device.Device
	for _, d := range v.s.devices {
		if d.Status != device.StatusDeleted {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDevices(out)
	return out, nil
}

func (v *deviceStore) BumpVersion(ctx context.Context, id string, upd device.SecurityUpdate) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	d, ok := v.s.devices[id]
	if !ok {
		return 0, device.ErrNotFound
	}
	d.TokenVersion++
	if upd.SecretHash != nil {
		d.SecretHash = *upd.SecretHash
	}
	if upd.Status != nil {
		d.Status = *upd.Status
	}
	if upd.DeactivatedAt != nil {
		at := *upd.DeactivatedAt
		d.DeactivatedAt = &at
	}
	if upd.ClearDeactivated {
		d.DeactivatedAt = nil
	}
	if upd.ClearLastReading {
		d.LastReadingAt = nil
	}
	d.UpdatedAt = time.Now().UTC()
	return d.TokenVersion, nil
}

func (v *deviceStore) ClaimReadingSlot(ctx context.Context, id string, now time.Time, minInterval time.Duration) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	d, ok := v.s.devices[id]
	if !ok {
		return false, device.ErrNotFound
	}
	if d.LastReadingAt != nil && now.Sub(*d.LastReadingAt) < minInterval {
		return false, nil
	}
	ts := now
	d.LastReadingAt = &ts
	return true, nil
}

func (v *deviceStore) DeactivateByOwner(ctx context.Context, ownerID string, at time.Time) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, d := range v.s.devices {
		if d.OwnerID == ownerID && d.Status == device.StatusActive {
			d.Status = device.StatusDeactivated
			ts := at
			d.DeactivatedAt = &ts
			d.TokenVersion++
		}
	}
	return nil
}

// --- readings ---

type readingStore struct{ s *Store }

var _ ingest.Store = (*readingStore)(nil)

func (v *readingStore) Create(ctx context.Context, r *ingest.Reading) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *r
	v.s.readings[r.DeviceID] = append(v.s.readings[r.DeviceID], &cp)
	return nil
}

func (v *readingStore) ListByDevice(ctx context.Context, deviceID string, opts ingest.ListOptions) ([]*ingest.Reading, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []*ingest.Reading
	for _, r := range v.s.readings[deviceID] {
		if opts.Since != nil && r.ReceivedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.ReceivedAt.After(*opts.Until) {
			continue
		}
		if r.Simulated && !opts.IncludeSimulated {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// --- security events ---

type eventStore struct{ s *Store }

var _ audit.Store = (*eventStore)(nil)

func (v *eventStore) Append(ctx context.Context, ev *audit.Event) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.events = append(v.s.events, *ev)
	return nil
}

func (v *eventStore) List(ctx context.Context, limit int) ([]audit.Event, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	out := make([]audit.Event, len(v.s.events))
	copy(out, v.s.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortDevices(ds []*device.Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].CreatedAt.After(ds[j].CreatedAt) })
}
