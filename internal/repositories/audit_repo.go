package repositories

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/worklock/backend/internal/models"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// insertAudit appends the next entry in the transaction's trail. Seq is
// derived from the current maximum inside the caller's database
// transaction, so the write sequence defines the trail order.
func insertAudit(ctx context.Context, q querier, txID uuid.UUID, entry models.AuditEntry) error {
	var meta []byte
	if entry.Meta != nil {
		var err error
		if meta, err = json.Marshal(entry.Meta); err != nil {
			return err
		}
	}
	return q.QueryRow(ctx, `
		INSERT INTO escrow_audit (transaction_id, seq, from_status, to_status, actor_id, actor_role, event, meta)
		VALUES ($1,
		        COALESCE((SELECT MAX(seq) FROM escrow_audit WHERE transaction_id = $1), 0) + 1,
		        $2, $3, $4, $5, $6, $7)
		RETURNING id, seq, created_at
	`, txID, entry.FromStatus, entry.ToStatus, entry.ActorID, entry.ActorRole, entry.Event, meta,
	).Scan(&entry.ID, &entry.Seq, &entry.CreatedAt)
}

// Append records an entry outside a status transition, such as a
// webhook confirmation that does not move the state machine.
func (r *AuditRepo) Append(ctx context.Context, entry models.AuditEntry) error {
	return insertAudit(ctx, r.pool, entry.TransactionID, entry)
}

// ListByTransaction returns the full trail in write order.
func (r *AuditRepo) ListByTransaction(ctx context.Context, txID uuid.UUID) ([]models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, transaction_id, seq, from_status, to_status, actor_id, actor_role, event, meta, created_at
		FROM escrow_audit WHERE transaction_id = $1
		ORDER BY seq
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.Seq, &e.FromStatus, &e.ToStatus,
			&e.ActorID, &e.ActorRole, &e.Event, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Meta)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
