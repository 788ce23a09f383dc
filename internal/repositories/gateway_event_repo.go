package repositories

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// GatewayEventRepo deduplicates inbound webhook events by gateway event
// id; the processor may deliver events out of order or more than once.
type GatewayEventRepo struct {
	pool *pgxpool.Pool
}

func NewGatewayEventRepo(pool *pgxpool.Pool) *GatewayEventRepo {
	return &GatewayEventRepo{pool: pool}
}

// MarkProcessed returns true exactly once per event id.
func (r *GatewayEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO gateway_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops a claim whose processing failed, so the processor's
// redelivery of the same event id is treated as fresh.
func (r *GatewayEventRepo) Release(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM gateway_events WHERE event_id = $1`, eventID)
	return err
}
