package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/rewardpulse/internal/domain"
)

// rewardColumns must match the Scan order in scanReward.
const rewardColumns = `id, broadcaster_key, bot_key, reward_type, is_created, remote_id, title, cost, requires_input, prompt, color, extra, created_at, updated_at`

// RewardRepo implements domain.RewardRepository backed by PostgreSQL.
type RewardRepo struct {
	pool *pgxpool.Pool
}

func NewRewardRepo(pool *pgxpool.Pool) *RewardRepo {
	return &RewardRepo{pool: pool}
}

func (r *RewardRepo) ListCreated(ctx context.Context) ([]domain.RewardDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM reward_definitions WHERE is_created ORDER BY broadcaster_key, reward_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list created reward definitions: %w", err)
	}
	defer rows.Close()
	return collectRewards(rows)
}

func (r *RewardRepo) ListByBroadcaster(ctx context.Context, broadcasterKey uuid.UUID) ([]domain.RewardDefinition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM reward_definitions WHERE broadcaster_key = $1 ORDER BY reward_type, created_at`,
		broadcasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward definitions: %w", err)
	}
	defer rows.Close()
	return collectRewards(rows)
}

func (r *RewardRepo) Get(ctx context.Context, broadcasterKey uuid.UUID, typ domain.RewardType) (*domain.RewardDefinition, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+rewardColumns+` FROM reward_definitions WHERE broadcaster_key = $1 AND reward_type = $2 ORDER BY created_at LIMIT 1`,
		broadcasterKey, typ)

	def, err := scanReward(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrRewardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward definition: %w", err)
	}
	return def, nil
}

func (r *RewardRepo) Save(ctx context.Context, def *domain.RewardDefinition) error {
	return r.save(ctx, r.pool, def)
}

// SaveAll persists definitions and deletions in one transaction. Sync calls
// this at the end of a pass so a crash mid-pass never leaves a half-written
// catalog.
func (r *RewardRepo) SaveAll(ctx context.Context, defs []domain.RewardDefinition, deleted []uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, id := range deleted {
		if _, err := tx.Exec(ctx, `DELETE FROM reward_definitions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete reward definition %s: %w", id, err)
		}
	}
	for i := range defs {
		if err := r.save(ctx, tx, &defs[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reward definitions: %w", err)
	}
	return nil
}

func (r *RewardRepo) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM reward_definitions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete reward definition: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so save works
// inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (r *RewardRepo) save(ctx context.Context, q querier, def *domain.RewardDefinition) error {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if def.Extra == nil {
		def.Extra = map[string]string{}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO reward_definitions (id, broadcaster_key, bot_key, reward_type, is_created, remote_id, title, cost, requires_input, prompt, color, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			bot_key = EXCLUDED.bot_key,
			is_created = EXCLUDED.is_created,
			remote_id = EXCLUDED.remote_id,
			title = EXCLUDED.title,
			cost = EXCLUDED.cost,
			requires_input = EXCLUDED.requires_input,
			prompt = EXCLUDED.prompt,
			color = EXCLUDED.color,
			extra = EXCLUDED.extra,
			updated_at = now()`,
		def.ID, def.BroadcasterKey, def.BotKey, def.Type, def.IsCreated, def.RemoteID,
		def.Title, def.Cost, def.RequiresInput, def.Prompt, def.Color, def.Extra)
	if err != nil {
		return fmt.Errorf("failed to save reward definition: %w", err)
	}
	return nil
}

func collectRewards(rows pgx.Rows) ([]domain.RewardDefinition, error) {
	var defs []domain.RewardDefinition
	for rows.Next() {
		def, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reward definition: %w", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reward definitions: %w", err)
	}
	return defs, nil
}

func scanReward(row pgx.Row) (*domain.RewardDefinition, error) {
	var def domain.RewardDefinition
	err := row.Scan(
		&def.ID, &def.BroadcasterKey, &def.BotKey, &def.Type, &def.IsCreated, &def.RemoteID,
		&def.Title, &def.Cost, &def.RequiresInput, &def.Prompt, &def.Color, &def.Extra,
		&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &def, nil
}
