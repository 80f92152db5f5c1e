// Package pg implements the repositories on PostgreSQL through the pgx
// stdlib driver. Conditional updates carry the concurrency guarantees: the
// refresh token revoke, the reading slot claim and the version bump are all
// single statements, so racing callers observe exactly-one-wins semantics.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/auth"
	"iotguard.dev/internal/device"
	"iotguard.dev/internal/ingest"
)

// Store wraps the connection pool and hands out per-entity views.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

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
		`insert into users(id, email, password_hash, role, created_at) values($1,$2,$3,$4,$5)`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.CreatedAt,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, created_at from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select id, email, password_hash, role, created_at from users where email=$1`, email))
}

func (s *userStore) AdminExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from users where role=$1)`, auth.RoleAdmin).Scan(&exists)
	return exists, err
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// --- refresh tokens ---

type tokenStore struct{ db *sql.DB }

func (s *tokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, expires_at, created_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt,
	)
	return err
}

func (s *tokenStore) FindActiveByUser(ctx context.Context, userID string) (*auth.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, created_at, revoked
		 from refresh_tokens where user_id=$1 and revoked=false
		 order by created_at desc limit 1`, userID)
	var t auth.RefreshToken
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *tokenStore) Revoke(ctx context.Context, id string) (bool, error) {
	// Conditional update: of two racing redeems only one sees a row flip.
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1 and revoked=false`, id)
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
		`update refresh_tokens set revoked=true where user_id=$1 and revoked=false`, userID)
	return err
}

// --- devices ---

type deviceStore struct{ db *sql.DB }

const deviceColumns = `id, name, category, owner_id, status, secret_hash, token_version,
	created_at, updated_at, last_reading_at, deactivated_at`

func (s *deviceStore) Create(ctx context.Context, d *device.Device) error {
	_, err := s.db.ExecContext(ctx,
		`insert into devices(id, name, category, owner_id, status, secret_hash, token_version, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.Name, d.Category, d.OwnerID, d.Status, d.SecretHash, d.TokenVersion, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (s *deviceStore) Find(ctx context.Context, id string) (*device.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+deviceColumns+` from devices where id=$1`, id)
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
		`select `+deviceColumns+` from devices where owner_id=$1 and status<>'deleted' order by created_at desc`,
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
		d             device.Device
		lastReading   sql.NullTime
		deactivatedAt sql.NullTime
	)
	if err := scan(&d.ID, &d.Name, &d.Category, &d.OwnerID, &d.Status, &d.SecretHash,
		&d.TokenVersion, &d.CreatedAt, &d.UpdatedAt, &lastReading, &deactivatedAt); err != nil {
		return nil, err
	}
	if lastReading.Valid {
		t := lastReading.Time
		d.LastReadingAt = &t
	}
	if deactivatedAt.Valid {
		t := deactivatedAt.Time
		d.DeactivatedAt = &t
	}
	return &d, nil
}

func (s *deviceStore) BumpVersion(ctx context.Context, id string, upd device.SecurityUpdate) (int64, error) {
	var status *string
	if upd.Status != nil {
		v := string(*upd.Status)
		status = &v
	}
	var version int64
	err := s.db.QueryRowContext(ctx,
		`update devices set
			token_version = token_version + 1,
			secret_hash = coalesce($2, secret_hash),
			status = coalesce($3, status),
			deactivated_at = case when $4 then null else coalesce($5, deactivated_at) end,
			last_reading_at = case when $6 then null else last_reading_at end,
			updated_at = now()
		 where id = $1
		 returning token_version`,
		id, upd.SecretHash, status, upd.ClearDeactivated, upd.DeactivatedAt, upd.ClearLastReading,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, device.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *deviceStore) ClaimReadingSlot(ctx context.Context, id string, now time.Time, minInterval time.Duration) (bool, error) {
	// Commits only if the stored timestamp is still old enough; the losing
	// writer of two near-simultaneous readings affects zero rows.
	res, err := s.db.ExecContext(ctx,
		`update devices set last_reading_at = $2, updated_at = now()
		 where id = $1
		   and (last_reading_at is null or last_reading_at <= $2 - make_interval(secs => $3))`,
		id, now, minInterval.Seconds(),
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
		`update devices set status='deactivated', deactivated_at=$2,
			token_version = token_version + 1, updated_at = now()
		 where owner_id=$1 and status='active'`,
		ownerID, at,
	)
	return err
}

// --- readings ---

type readingStore struct{ db *sql.DB }

func (s *readingStore) Create(ctx context.Context, r *ingest.Reading) error {
	_, err := s.db.ExecContext(ctx,
		`insert into readings(id, device_id, payload, payload_size, device_timestamp, received_at, simulated)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.DeviceID, []byte(r.Payload), r.PayloadSize, r.DeviceTimestamp, r.ReceivedAt, r.Simulated,
	)
	return err
}

func (s *readingStore) ListByDevice(ctx context.Context, deviceID string, opts ingest.ListOptions) ([]*ingest.Reading, error) {
	var (
		conds = []string{"device_id = $1"}
		args  = []any{deviceID}
	)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		conds = append(conds, fmt.Sprintf("received_at >= $%d", len(args)))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		conds = append(conds, fmt.Sprintf("received_at <= $%d", len(args)))
	}
	if !opts.IncludeSimulated {
		conds = append(conds, "simulated = false")
	}
	query := `select id, device_id, payload, payload_size, device_timestamp, received_at, simulated
		from readings where ` + strings.Join(conds, " and ") + ` order by received_at desc`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ingest.Reading
	for rows.Next() {
		var (
			r       ingest.Reading
			payload []byte
			devTS   sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.DeviceID, &payload, &r.PayloadSize, &devTS, &r.ReceivedAt, &r.Simulated); err != nil {
			return nil, err
		}
		r.Payload = payload
		if devTS.Valid {
			t := devTS.Time
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
		 values($1,$2,$3,$4,$5,$6,$7)`,
		ev.ID, ev.CreatedAt, ev.ActorType, ev.ActorID, ev.EventType, ev.Status, ev.Detail,
	)
	return err
}

func (s *eventStore) List(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, created_at, actor_type, actor_id, event_type, status, detail
		 from security_events order by created_at desc, id desc limit $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var ev audit.Event
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &ev.ActorType, &ev.ActorID, &ev.EventType, &ev.Status, &ev.Detail); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
