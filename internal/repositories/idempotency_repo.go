package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/worklock/backend/internal/models"
)

// IdempotencyRepo stores seen command keys so a retried request replays
// the original outcome instead of repeating side effects.
type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

func (r *IdempotencyRepo) Exists(ctx context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM escrow_idempotency_keys
			WHERE transaction_id = $1 AND event = $2 AND actor_id = $3 AND idem_key = $4
		)
	`, txID, event, actorID, key).Scan(&exists)
	return exists, err
}

func (r *IdempotencyRepo) Record(ctx context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO escrow_idempotency_keys (transaction_id, event, actor_id, idem_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, txID, event, actorID, key)
	return err
}
