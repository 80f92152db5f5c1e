// Package token issues and verifies the three token classes used by the
// service: user access, user refresh and device access. Each class has its
// own signing key and lifetime, so a token minted for one path never
// validates on another. Verification here is purely cryptographic and
// structural; version currency and ledger membership are checked by the
// owning services.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind discriminates the three signing contexts.
type Kind string

const (
	UserAccess   Kind = "user_access"
	UserRefresh  Kind = "user_refresh"
	DeviceAccess Kind = "device_access"
)

// Verification failures. Callers surface all three as an undifferentiated
// unauthorized response.
var (
	ErrExpired      = errors.New("token: expired")
	ErrBadSignature = errors.New("token: bad signature")
	ErrMalformed    = errors.New("token: malformed")
)

// Claims carried by every issued token. Role is present only on user access
// tokens, TokenVersion only on device access tokens.
type Claims struct {
	TokenType    string `json:"token_type"`
	Role         string `json:"role,omitempty"`
	TokenVersion int64  `json:"token_version,omitempty"`
	jwt.RegisteredClaims
}

// Config holds the key and lifetime for one signing context.
type Config struct {
	Key string
	TTL time.Duration
}

type signingContext struct {
	key []byte
	ttl time.Duration
}

// Issuer signs and verifies tokens using HS256.
type Issuer struct {
	issuer   string
	contexts map[Kind]signingContext
	now      func() time.Time
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithIssuer overrides the iss claim value.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if s := strings.TrimSpace(name); s != "" {
			i.issuer = s
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an Issuer from the three per-kind configurations. Keys
// are injected here and never read from ambient state afterwards.
func NewIssuer(userAccess, userRefresh, deviceAccess Config, opts ...Option) (*Issuer, error) {
	contexts := map[Kind]signingContext{}
	for kind, cfg := range map[Kind]Config{
		UserAccess:   userAccess,
		UserRefresh:  userRefresh,
		DeviceAccess: deviceAccess,
	} {
		if strings.TrimSpace(cfg.Key) == "" {
			return nil, fmt.Errorf("token: missing signing key for %s", kind)
		}
		if cfg.TTL <= 0 {
			return nil, fmt.Errorf("token: non-positive ttl for %s", kind)
		}
		contexts[kind] = signingContext{key: []byte(cfg.Key), ttl: cfg.TTL}
	}
	i := &Issuer{
		issuer:   "iotguard",
		contexts: contexts,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// TTL returns the configured lifetime of the given kind.
func (i *Issuer) TTL(kind Kind) time.Duration {
	return i.contexts[kind].ttl
}

// IssueUserAccess signs an access token carrying the user's role.
func (i *Issuer) IssueUserAccess(userID, role string) (string, time.Time, error) {
	return i.issue(UserAccess, Claims{Role: role}, userID)
}

// IssueUserRefresh signs a refresh token for the user. The ledger, not the
// token itself, decides whether it is still redeemable.
func (i *Issuer) IssueUserRefresh(userID string) (string, time.Time, error) {
	return i.issue(UserRefresh, Claims{}, userID)
}

// IssueDeviceAccess signs a device token embedding the token version current
// at issuance time.
func (i *Issuer) IssueDeviceAccess(deviceID string, version int64) (string, time.Time, error) {
	return i.issue(DeviceAccess, Claims{TokenVersion: version}, deviceID)
}

func (i *Issuer) issue(kind Kind, claims Claims, subject string) (string, time.Time, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	sc := i.contexts[kind]
	now := i.now().UTC()
	exp := now.Add(sc.ttl)

	claims.TokenType = string(kind)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sc.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and required claim presence for the given
// kind. It returns ErrExpired, ErrBadSignature or ErrMalformed.
func (i *Issuer) Verify(kind Kind, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	sc := i.contexts[kind]

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrBadSignature
		}
		return sc.key, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrBadSignature):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformed
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if err := i.validate(kind, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (i *Issuer) validate(kind Kind, claims *Claims) error {
	if claims.TokenType != string(kind) {
		// Signed with the right key but minted on another path; treat as
		// structurally invalid.
		return ErrMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return ErrMalformed
	}
	if claims.IssuedAt == nil {
		return ErrMalformed
	}
	switch kind {
	case UserAccess:
		if strings.TrimSpace(claims.Role) == "" {
			return ErrMalformed
		}
	case DeviceAccess:
		if claims.TokenVersion <= 0 {
			return ErrMalformed
		}
	}
	return nil
}
