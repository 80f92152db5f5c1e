// Package sqlite implements the repositories on an embedded SQLite database.
// It is the default adapter for single-node deployments and local
// development. SQLite serializes writers, so the conditional updates carry
// the same exactly-one-wins guarantees as the PostgreSQL adapter.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/auth"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ingest"
)

// Store wraps the database handle and hands out per-entity views.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// A single writer connection sidesteps SQLITE_BUSY under write contention.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
create table if not exists users (
	id            text primary key,
	email         text not null unique,
	password_hash text not null,
	role          text not null,
	created_at    integer not null
);

create table if not exists refresh_tokens (
	id         text primary key,
	user_id    text not null references users(id),
	token_hash text not null,
	expires_at integer not null,
	created_at integer not null,
	revoked    integer not null default 0
);
create index if not exists idx_refresh_tokens_user_active
	on refresh_tokens(user_id) where revoked = 0;

create table if not exists devices (
	id              text primary key,
	name            text not null,
	category        text not null,
	owner_id        text not null references users(id),
	status          text not null,
	secret_hash     text not null,
	token_version   integer not null,
	created_at      integer not null,
	updated_at      integer not null,
	last_reading_at integer,
	deactivated_at  integer
);
create index if not exists idx_devices_owner on devices(owner_id);

create table if not exists readings (
	id               text primary key,
	device_id        text not null references devices(id),
	payload          blob not null,
	payload_size     integer not null,
	device_timestamp integer,
	received_at      integer not null,
	simulated        integer not null default 0
);
create index if not exists idx_readings_device_received
	on readings(device_id, received_at desc);

create table if not exists security_events (
	id         text primary key,
	created_at integer not null,
	actor_type text not null,
	actor_id   text not null,
	event_type text not null,
	status     text not null,
	detail     text not null default ''
);
create index if not exists idx_security_events_created
	on security_events(created_at desc, id desc);
`

// Timestamps are stored as unix microseconds.

func ts(t time.Time) int64 { return t.UnixMicro() }

func fromTS(v int64) time.Time { return time.UnixMicro(v).UTC() }

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// Users returns the user repository view.
func (s *Store) Users() auth.UserStore { return &userStore{db: s.db} }

// RefreshTokens returns the refresh token repository view.
func (s *Store) RefreshTokens() auth.RefreshTokenStore { return &tokenStore{db: s.db} }

// Devices returns the device repository view.
func (s *Store) Devices() device.Store { return &deviceStore{db: s.db} }

// Readings returns the reading repository view.
func (s *Store) Readings() ingest.Store { return &readingStore{db: s.db} }

// Events returns the security event repository view.
func (s *Store) Events() audit.Store { return &eventStore{db: s.db} }

// --- users ---

type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *auth.User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role, created_at) values(?,?,?,?,?)`,
		u.ID, u.Email, u.PasswordHash, u.Role, ts(u.CreatedAt),
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, created_at from users where id=?`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, created_at from users where email=?`, email))
}

func (s *userStore) AdminExists(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`select count(1) from users where role=?`, auth.RoleAdmin).Scan(&n)
	return n > 0, err
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u       auth.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = fromTS(created)
	return &u, nil
}

// --- refresh tokens ---

type tokenStore struct{ db *sql.DB }

func (s *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, expires_at, created_at, revoked)
		 values(?,?,?,?,?,0)`,
		tok.ID, tok.UserID, tok.TokenHash, ts(tok.ExpiresAt), ts(tok.CreatedAt),
	)
	return err
}

func (s *tokenStore) FindActiveByUser(ctx context.Context, userID string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, created_at, revoked
		 from refresh_tokens where user_id=? and revoked=0
		 order by created_at desc limit 1`, userID)
	var (
		tok              auth.RefreshToken
		expires, created int64
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &expires, &created, &tok.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	tok.ExpiresAt = fromTS(expires)
	tok.CreatedAt = fromTS(created)
	return &tok, nil
}

func (s *tokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=1 where id=? and revoked=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *tokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=1 where user_id=? and revoked=0`, userID)
	return err
}

// --- devices ---

type deviceStore struct{ db *sql.DB }

const deviceColumns = `id, name, category, owner_id, status, secret_hash, token_version,
	created_at, updated_at, last_reading_at, deactivated_at`

func (s *deviceStore) Create(ctx context.Context, d *device.Device) error {
	_, err := s.db.ExecContext(ctx,
		`insert into devices(id, name, category, owner_id, status, secret_hash, token_version, created_at, updated_at)
		 values(?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Category, d.OwnerID, d.Status, d.SecretHash, d.TokenVersion,
		ts(d.CreatedAt), ts(d.UpdatedAt),
	)
	return err
}

func (s *deviceStore) Find(ctx context.Context, id string) (*device.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+deviceColumns+` from devices where id=?`, id)
	d, err := scanDevice(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, device.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *deviceStore) ListByOwner(ctx context.Context, ownerID string) ([]*device.Device, error) {
	return s.list(ctx,
		`select `+deviceColumns+` from devices where owner_id=? and status<>'deleted' order by created_at desc`,
		ownerID)
}

func (s *deviceStore) List(ctx context.Context) ([]*device.Device, error) {
	return s.list(ctx,
		`select `+deviceColumns+` from devices where status<>'deleted' order by created_at desc`)
}

func (s *deviceStore) list(ctx context.Context, query string, args ...any) ([]*device.Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*device.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDevice(scan func(...any) error) (*device.Device, error) {
	var (
		d                  device.Device
		created, updated   int64
		lastReading, deact sql.NullInt64
	)
	if err := scan(&d.ID, &d.Name, &d.Category, &d.OwnerID, &d.Status, &d.SecretHash,
		&d.TokenVersion, &created, &updated, &lastReading, &deact); err != nil {
		return nil, err
	}
	d.CreatedAt = fromTS(created)
	d.UpdatedAt = fromTS(updated)
	if lastReading.Valid {
		t := fromTS(lastReading.Int64)
		d.LastReadingAt = &t
	}
	if deact.Valid {
		t := fromTS(deact.Int64)
		d.DeactivatedAt = &t
	}
	return &d, nil
}

func (s *deviceStore) BumpVersion(ctx context.Context, id string, upd device.SecurityUpdate) (int64, error) {
	var (
		sets = []string{"token_version = token_version + 1", "updated_at = ?"}
		args = []any{ts(time.Now().UTC())}
	)
	if upd.SecretHash != nil {
		sets = append(sets, "secret_hash = ?")
		args = append(args, *upd.SecretHash)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	switch {
	case upd.ClearDeactivated:
		sets = append(sets, "deactivated_at = null")
	case upd.DeactivatedAt != nil:
		sets = append(sets, "deactivated_at = ?")
		args = append(args, ts(*upd.DeactivatedAt))
	}
	if upd.ClearLastReading {
		sets = append(sets, "last_reading_at = null")
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`update devices set `+strings.Join(sets, ", ")+` where id = ?`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, device.ErrNotFound
	}
	var version int64
	if err := s.db.QueryRowContext(ctx,
		`select token_version from devices where id=?`, id).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (s *deviceStore) ClaimReadingSlot(ctx context.Context, id string, now time.Time, minInterval time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update devices set last_reading_at = ?, updated_at = ?
		 where id = ? and (last_reading_at is null or last_reading_at <= ?)`,
		ts(now), ts(now), id, ts(now.Add(-minInterval)),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *deviceStore) DeactivateByOwner(ctx context.Context, ownerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update devices set status='deactivated', deactivated_at=?,
			token_version = token_version + 1, updated_at = ?
		 where owner_id=? and status='active'`,
		ts(at), ts(at), ownerID,
	)
	return err
}

// --- readings ---

type readingStore struct{ db *sql.DB }

func (s *readingStore) Create(ctx context.Context, r *ingest.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`insert into readings(id, device_id, payload, payload_size, device_timestamp, received_at, simulated)
		 values(?,?,?,?,?,?,?)`,
		r.ID, r.DeviceID, []byte(r.Payload), r.PayloadSize, tsPtr(r.DeviceTimestamp), ts(r.ReceivedAt), r.Simulated,
	)
	return err
}

func (s *readingStore) ListByDevice(ctx context.Context, deviceID string, opts ingest.ListOptions) ([]*ingest.Reading, error) {
	var (
		conds = []string{"device_id = ?"}
		args  = []any{deviceID}
	)
	if opts.Since != nil {
		conds = append(conds, "received_at >= ?")
		args = append(args, ts(*opts.Since))
	}
	if opts.Until != nil {
		conds = append(conds, "received_at <= ?")
		args = append(args, ts(*opts.Until))
	}
	if !opts.IncludeSimulated {
		conds = append(conds, "simulated = 0")
	}
	query := `select id, device_id, payload, payload_size, device_timestamp, received_at, simulated
		from readings where ` + strings.Join(conds, " and ") + ` order by received_at desc`
	if opts.Limit > 0 {
		query += fmt.Sprintf(" limit %d", opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ingest.Reading
	for rows.Next() {
		var (
			r        ingest.Reading
			payload  []byte
			devTS    sql.NullInt64
			received int64
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &payload, &r.PayloadSize, &devTS, &received, &r.Simulated); err != nil {
			return nil, err
		}
		r.Payload = payload
		r.ReceivedAt = fromTS(received)
		if devTS.Valid {
			t := fromTS(devTS.Int64)
			r.DeviceTimestamp = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- security events ---

type eventStore struct{ db *sql.DB }

func (s *eventStore) Append(ctx context.Context, ev *audit.Event) error {
	_, err := s.db.ExecContext(ctx,
		`insert into security_events(id, created_at, actor_type, actor_id, event_type, status, detail)
		 values(?,?,?,?,?,?,?)`,
		ev.ID, ts(ev.CreatedAt), ev.ActorType, ev.ActorID, ev.EventType, ev.Status, ev.Detail,
	)
	return err
}

func (s *eventStore) List(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, created_at, actor_type, actor_id, event_type, status, detail
		 from security_events order by created_at desc, id desc limit ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			ev      audit.Event
			created int64
		)
		if err := rows.Scan(&ev.ID, &created, &ev.ActorType, &ev.ActorID, &ev.EventType, &ev.Status, &ev.Detail); err != nil {
			return nil, err
		}
		ev.CreatedAt = fromTS(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
