package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"iotguard.dev/internal/ids"
	"iotguard.dev/internal/token"
)

// Ledger enforces the single-active-refresh-token invariant: issuing a new
// token revokes the prior one, and redeeming is single-use.
type Ledger struct {
	store  RefreshTokenStore
	issuer *token.Issuer
	now    func() time.Time
}

// NewLedger constructs a Ledger.
func NewLedger(store RefreshTokenStore, issuer *token.Issuer, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, issuer: issuer, now: now}
}

// Issue signs a fresh refresh token for the user, revokes any prior active
// record and persists only the hash of the new one.
func (l *Ledger) Issue(ctx context.Context, userID string) (string, *RefreshToken, error) {
	raw, expiresAt, err := l.issuer.IssueUserRefresh(userID)
	if err != nil {
		return "", nil, err
	}
	if err := l.store.RevokeAllForUser(ctx, userID); err != nil {
		return "", nil, err
	}
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hashToken(raw),
		ExpiresAt: expiresAt,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.Create(ctx, rec); err != nil {
		return "", nil, err
	}
	return raw, rec, nil
}

// Redeem validates the raw token against the ledger and revokes it. Exactly
// one of two concurrent redeems of the same token succeeds; the loser gets
// ErrUnauthorized. The caller is expected to issue a fresh token on success.
func (l *Ledger) Redeem(ctx context.Context, raw string) (string, error) {
	claims, err := l.issuer.Verify(token.UserRefresh, raw)
	if err != nil {
		return "", ErrUnauthorized
	}
	rec, err := l.store.FindActiveByUser(ctx, claims.Subject)
	if err != nil {
		return "", ErrUnauthorized
	}
	if l.now().After(rec.ExpiresAt) {
		_, _ = l.store.Revoke(ctx, rec.ID)
		return "", ErrUnauthorized
	}
	if !compareHash(rec.TokenHash, raw) {
		// A valid signature with the wrong hash means the presented token
		// was already rotated away. Reject it; the live record stays intact
		// so the session that rotated legitimately keeps working.
		return "", ErrUnauthorized
	}
	revoked, err := l.store.Revoke(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	if !revoked {
		// Lost the race against a concurrent redeem.
		return "", ErrUnauthorized
	}
	return rec.UserID, nil
}

// Revoke invalidates the active record for the user, if any. Used by logout;
// idempotent.
func (l *Ledger) Revoke(ctx context.Context, userID string) error {
	return l.store.RevokeAllForUser(ctx, userID)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func compareHash(expected, raw string) bool {
	actual := hashToken(raw)
	if len(expected) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
