package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Identity is one authenticated Twitch account, usable as a bot or a
// broadcaster. Tokens are kept in the struct for simplicity: identity and
// tokens have identical lifecycle, and token refresh is handled at the
// store layer, not here.
type Identity struct {
	// Key is a stable correlation key. It survives token rotation, so a
	// live connection can re-fetch a fresh copy of its identity after a
	// reconnect. Never cache tokens across a reconnect boundary; re-resolve
	// by Key instead.
	Key          uuid.UUID
	TwitchUserID string
	Username     string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	IsValid      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdentityStore resolves identities by name or key. Implementations refresh
// expiring tokens before returning, so callers always hold a usable token.
type IdentityStore interface {
	GetByName(ctx context.Context, username string) (*Identity, error)
	GetByKey(ctx context.Context, key uuid.UUID) (*Identity, error)
}

// IdentityRepository persists identities.
type IdentityRepository interface {
	GetByName(ctx context.Context, username string) (*Identity, error)
	GetByKey(ctx context.Context, key uuid.UUID) (*Identity, error)
	UpdateTokens(ctx context.Context, key uuid.UUID, accessToken, refreshToken string, tokenExpiry time.Time) error
	MarkInvalid(ctx context.Context, key uuid.UUID) error
}
