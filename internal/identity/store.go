// Package identity implements the identity store: Postgres-backed identity
// records with lazy OAuth token refresh, so callers always receive a usable
// access token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/rewardpulse/internal/domain"
	"github.com/pscheid92/rewardpulse/internal/metrics"
)

// refreshLeeway refreshes tokens that expire within this window, so a token
// handed to a caller does not expire mid-request.
const refreshLeeway = 60 * time.Second

// Store implements domain.IdentityStore.
type Store struct {
	repo      domain.IdentityRepository
	refresher *TokenRefresher
	clock     clockwork.Clock
}

func NewStore(repo domain.IdentityRepository, refresher *TokenRefresher, clock clockwork.Clock) *Store {
	return &Store{repo: repo, refresher: refresher, clock: clock}
}

func (s *Store) GetByName(ctx context.Context, username string) (*domain.Identity, error) {
	id, err := s.repo.GetByName(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.ensureValid(ctx, id)
}

func (s *Store) GetByKey(ctx context.Context, key uuid.UUID) (*domain.Identity, error) {
	id, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.ensureValid(ctx, id)
}

func (s *Store) ensureValid(ctx context.Context, id *domain.Identity) (*domain.Identity, error) {
	if !id.IsValid {
		return nil, fmt.Errorf("identity %s: %w", id.Username, domain.ErrIdentityRevoked)
	}

	if s.clock.Now().Add(refreshLeeway).Before(id.TokenExpiry) {
		return id, nil
	}

	accessToken, refreshToken, expiresIn, err := s.refresher.refresh(ctx, id.RefreshToken)
	if err != nil {
		var refreshErr *TokenRefreshError
		if errors.As(err, &refreshErr) && refreshErr.Revoked {
			metrics.TokenRefreshes.WithLabelValues("revoked").Inc()
			slog.Warn("Identity token revoked, marking invalid", "username", id.Username)
			if markErr := s.repo.MarkInvalid(ctx, id.Key); markErr != nil {
				slog.Error("Failed to mark identity invalid", "username", id.Username, "error", markErr)
			}
			return nil, fmt.Errorf("identity %s: %w", id.Username, domain.ErrIdentityRevoked)
		}
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, err
	}

	expiry := s.clock.Now().Add(time.Duration(expiresIn) * time.Second)
	if err := s.repo.UpdateTokens(ctx, id.Key, accessToken, refreshToken, expiry); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}

	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	id.AccessToken = accessToken
	id.RefreshToken = refreshToken
	id.TokenExpiry = expiry
	return id, nil
}
