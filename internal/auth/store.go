package auth

import "context"

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	AdminExists(ctx context.Context) (bool, error)
}

// RefreshTokenStore manages refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	// FindActiveByUser returns the single non-revoked record for the user,
	// or ErrNotFound.
	FindActiveByUser(ctx context.Context, userID string) (*RefreshToken, error)
	// Revoke flips the record to revoked and reports whether this call did
	// the flipping. The check-and-set must be atomic with respect to
	// concurrent Revoke calls on the same record: exactly one caller
	// observes true.
	Revoke(ctx context.Context, id string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) error
}
