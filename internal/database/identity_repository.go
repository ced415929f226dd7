package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/rewardpulse/internal/domain"
)

// identityColumns must match the Scan order in scanIdentity.
const identityColumns = `key, twitch_user_id, username, access_token, refresh_token, token_expiry, is_valid, created_at, updated_at`

// IdentityRepo implements domain.IdentityRepository backed by PostgreSQL.
type IdentityRepo struct {
	pool *pgxpool.Pool
}

func NewIdentityRepo(pool *pgxpool.Pool) *IdentityRepo {
	return &IdentityRepo{pool: pool}
}

func (r *IdentityRepo) GetByName(ctx context.Context, username string) (*domain.Identity, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE lower(username) = lower($1)`, username)
	return scanIdentity(row)
}

func (r *IdentityRepo) GetByKey(ctx context.Context, key uuid.UUID) (*domain.Identity, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE key = $1`, key)
	return scanIdentity(row)
}

func (r *IdentityRepo) UpdateTokens(ctx context.Context, key uuid.UUID, accessToken, refreshToken string, tokenExpiry time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE identities
		SET access_token = $2, refresh_token = $3, token_expiry = $4, is_valid = TRUE, updated_at = now()
		WHERE key = $1`,
		key, accessToken, refreshToken, tokenExpiry)
	if err != nil {
		return fmt.Errorf("failed to update identity tokens: %w", err)
	}
	return nil
}

func (r *IdentityRepo) MarkInvalid(ctx context.Context, key uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE identities SET is_valid = FALSE, updated_at = now() WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to mark identity invalid: %w", err)
	}
	return nil
}

func scanIdentity(row pgx.Row) (*domain.Identity, error) {
	var id domain.Identity
	err := row.Scan(
		&id.Key, &id.TwitchUserID, &id.Username, &id.AccessToken, &id.RefreshToken,
		&id.TokenExpiry, &id.IsValid, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	return &id, nil
}
