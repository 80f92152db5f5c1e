package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"iotguard.dev/internal/audit"
	"iotguard.dev/internal/credential"
	"iotguard.dev/internal/ids"
	"iotguard.dev/internal/obs"
	"iotguard.dev/internal/token"
)

// Service handles registration, login and the user token lifecycle. Every
// outcome, success and denial alike, produces exactly one audit entry.
type Service struct {
	users  UserStore
	ledger *Ledger
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

// NewService constructs the user auth service.
func NewService(users UserStore, tokens RefreshTokenStore, issuer *token.Issuer, hasher *credential.Hasher, rec *audit.Recorder, opts ...Option) *Service {
	s := &Service{
		users:  users,
		issuer: issuer,
		hasher: hasher,
		audit:  rec,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = NewLedger(tokens, issuer, s.now)
	return s
}

// Register creates a new user account with the default role.
func (s *Service) Register(ctx context.Context, email, password string) (*User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidInput
	}
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	user := &User{
		ID:           ids.New(),
		Email:        email,
		PasswordHash: hash,
		Role:         RoleUser,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.ActorUser, user.ID, "register", audit.StatusSuccess, "account created")
	return user, nil
}

// Login verifies credentials and issues a token pair. Denials are uniform:
// the caller cannot tell a missing account from a wrong password.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrUnauthorized
	}
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) || (err == nil && user == nil) {
		s.audit.Record(ctx, audit.ActorUser, "", "login", audit.StatusDenied, "unknown email")
		obs.AuthDecisions.WithLabelValues("user", "login", "denied").Inc()
		return TokenPair{}, nil, ErrUnauthorized
	}
	if err != nil {
		return TokenPair{}, nil, err
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		s.audit.Record(ctx, audit.ActorUser, user.ID, "login", audit.StatusDenied, "bad password")
		obs.AuthDecisions.WithLabelValues("user", "login", "denied").Inc()
		return TokenPair{}, nil, ErrUnauthorized
	}
	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.audit.Record(ctx, audit.ActorUser, user.ID, "login", audit.StatusSuccess, "")
	obs.AuthDecisions.WithLabelValues("user", "login", "success").Inc()
	return pair, user, nil
}

// Refresh redeems a refresh token and rotates it: the presented token is
// invalidated and a fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (TokenPair, error) {
	userID, err := s.ledger.Redeem(ctx, rawRefresh)
	if err != nil {
		s.audit.Record(ctx, audit.ActorUser, "", "refresh", audit.StatusDenied, "refresh token rejected")
		obs.AuthDecisions.WithLabelValues("user", "refresh", "denied").Inc()
		return TokenPair{}, ErrUnauthorized
	}
	user, err := s.users.Find(ctx, userID)
	if errors.Is(err, ErrNotFound) || (err == nil && user == nil) {
		s.audit.Record(ctx, audit.ActorUser, userID, "refresh", audit.StatusDenied, "account gone")
		return TokenPair{}, ErrUnauthorized
	}
	if err != nil {
		return TokenPair{}, err
	}
	pair, err := s.mintPair(ctx, user)
	if err != nil {
		return TokenPair{}, err
	}
	s.audit.Record(ctx, audit.ActorUser, user.ID, "refresh", audit.StatusSuccess, "")
	obs.AuthDecisions.WithLabelValues("user", "refresh", "success").Inc()
	return pair, nil
}

// Logout revokes the user's active refresh token. Idempotent: revoking an
// already-revoked token still succeeds.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	claims, err := s.issuer.Verify(token.UserRefresh, rawRefresh)
	if err != nil {
		s.audit.Record(ctx, audit.ActorUser, "", "logout", audit.StatusDenied, "invalid refresh token")
		return ErrInvalidInput
	}
	if err := s.ledger.Revoke(ctx, claims.Subject); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorUser, claims.Subject, "logout", audit.StatusSuccess, "")
	return nil
}

// Authenticate validates a user access token and loads the account. Used by
// the transport layer for bearer authentication.
func (s *Service) Authenticate(ctx context.Context, rawAccess string) (*User, error) {
	claims, err := s.issuer.Verify(token.UserAccess, rawAccess)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, err := s.users.Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) || (err == nil && user == nil) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// EnsureAdmin creates the bootstrap administrator account if no admin exists
// yet.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) error {
	exists, err := s.users.AdminExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	admin := &User{
		ID:           ids.New(),
		Email:        normalizeEmail(email),
		PasswordHash: hash,
		Role:         RoleAdmin,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.users.Create(ctx, admin); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.ActorSystem, "", "admin_bootstrap", audit.StatusSuccess, "administrator account created")
	return nil
}

func (s *Service) mintPair(ctx context.Context, user *User) (TokenPair, error) {
	access, accessExp, err := s.issuer.IssueUserAccess(user.ID, user.Role)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, rec, err := s.ledger.Issue(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
		ExpiresInMinutes: int(s.issuer.TTL(token.UserAccess) / time.Minute),
	}, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
