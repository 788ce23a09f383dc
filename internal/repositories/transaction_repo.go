package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/worklock/backend/internal/models"
)

const txColumns = `id, invoice_id, payer_id, payee_id, amount_cents, currency, platform_fee_bps,
	       status, completion_period_days, completion_deadline, review_period_days, review_deadline, work_submission,
	       dispute_reason, dispute_initiator_role, payer_customer_id, payee_payout_account_id,
	       gateway_payment_intent_id, created_at, updated_at`

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var t models.Transaction
	var submission []byte
	err := row.Scan(&t.ID, &t.InvoiceID, &t.PayerID, &t.PayeeID, &t.AmountCents, &t.Currency,
		&t.PlatformFeeBPS, &t.Status, &t.CompletionPeriodDays, &t.CompletionDeadline, &t.ReviewPeriodDays, &t.ReviewDeadline,
		&submission, &t.DisputeReason, &t.DisputeInitiatorRole, &t.PayerCustomerID,
		&t.PayeePayoutAccountID, &t.GatewayIntentID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(submission) > 0 {
		var ws models.WorkSubmission
		if err := json.Unmarshal(submission, &ws); err == nil {
			t.WorkSubmission = &ws
		}
	}
	return &t, nil
}

func (r *TransactionRepo) Create(ctx context.Context, t *models.Transaction) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO escrow_transactions
			(invoice_id, payer_id, payee_id, amount_cents, currency, platform_fee_bps, status,
			 completion_period_days, review_period_days, payer_customer_id, payee_payout_account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, t.InvoiceID, t.PayerID, t.PayeeID, t.AmountCents, t.Currency, t.PlatformFeeBPS, t.Status,
		t.CompletionPeriodDays, t.ReviewPeriodDays, t.PayerCustomerID, t.PayeePayoutAccountID,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// Partial unique index on active invoice escrows.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return models.ErrDuplicateInvoiceEscrow
		}
		return err
	}
	return nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return t, err
}

func (r *TransactionRepo) GetByGatewayIntent(ctx context.Context, intentID string) (*models.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions WHERE gateway_payment_intent_id = $1
	`, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return t, err
}

// SetGatewayIntent records an intent on a still-pending transaction,
// for charges that settle asynchronously through a webhook.
func (r *TransactionRepo) SetGatewayIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE escrow_transactions SET gateway_payment_intent_id = $1, updated_at = now()
		WHERE id = $2 AND status = 'pending'
	`, intentID, id)
	return err
}

// ApplyTransition performs an optimistic-concurrency status write: the
// update only matches when the stored status still equals expected, so
// two racing transitions produce exactly one winner. All audit entries
// are written in the same database transaction, so a composite edge
// (a transient status plus its settle hop) commits atomically and the
// row never lands on the transient status.
func (r *TransactionRepo) ApplyTransition(ctx context.Context, id uuid.UUID, expected, to models.Status, patch models.TransitionPatch, entries ...models.AuditEntry) (*models.Transaction, error) {
	dbTx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer dbTx.Rollback(ctx)

	sets := []string{"status = $1", "updated_at = now()"}
	args := []any{to}
	argIdx := 2

	add := func(expr string, v any) {
		sets = append(sets, fmt.Sprintf(expr, argIdx))
		args = append(args, v)
		argIdx++
	}

	if patch.SetSubmission != nil {
		b, err := json.Marshal(patch.SetSubmission)
		if err != nil {
			return nil, err
		}
		add("work_submission = $%d", b)
	} else if patch.ClearSubmission {
		sets = append(sets, "work_submission = NULL")
	}
	if patch.SetReviewDeadline != nil {
		add("review_deadline = $%d", *patch.SetReviewDeadline)
	} else if patch.ClearReviewDeadline {
		sets = append(sets, "review_deadline = NULL")
	}
	if patch.SetDisputeReason != nil {
		add("dispute_reason = $%d", *patch.SetDisputeReason)
	}
	if patch.SetDisputeRole != nil {
		add("dispute_initiator_role = $%d", *patch.SetDisputeRole)
	}
	if patch.ClearDispute {
		sets = append(sets, "dispute_reason = NULL", "dispute_initiator_role = NULL")
	}
	if patch.SetGatewayIntentID != nil {
		add("gateway_payment_intent_id = $%d", *patch.SetGatewayIntentID)
	}
	if patch.SetCompletionDeadline != nil {
		add("completion_deadline = $%d", *patch.SetCompletionDeadline)
	}

	query := "UPDATE escrow_transactions SET "
	for i, s := range sets {
		if i > 0 {
			query += ", "
		}
		query += s
	}
	query += fmt.Sprintf(" WHERE id = $%d AND status = $%d RETURNING ", argIdx, argIdx+1) + txColumns
	args = append(args, id, expected)

	updated, err := scanTransaction(dbTx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a lost race from a missing transaction.
			var exists bool
			if qErr := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists); qErr != nil {
				return nil, qErr
			}
			if !exists {
				return nil, models.ErrNotFound
			}
			return nil, models.ErrStatusConflict
		}
		return nil, err
	}

	for _, entry := range entries {
		if err := insertAudit(ctx, dbTx, id, entry); err != nil {
			return nil, err
		}
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

type TransactionFilter struct {
	PayerID *uuid.UUID
	PayeeID *uuid.UUID
	Status  *models.Status
	Limit   int
	Offset  int
}

func (r *TransactionRepo) List(ctx context.Context, f TransactionFilter) ([]models.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM escrow_transactions`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.PayerID != nil {
		where = append(where, fmt.Sprintf("payer_id = $%d", argIdx))
		args = append(args, *f.PayerID)
		argIdx++
	}
	if f.PayeeID != nil {
		where = append(where, fmt.Sprintf("payee_id = $%d", argIdx))
		args = append(args, *f.PayeeID)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// ListExpiredReviews returns submitted transactions whose review period
// has lapsed without a payer decision.
func (r *TransactionRepo) ListExpiredReviews(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	return r.listDue(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status = 'work_submitted' AND review_deadline IS NOT NULL AND review_deadline < $1
		ORDER BY review_deadline LIMIT $2
	`, now, limit)
}

// ListOverdueDeadlines returns funded transactions whose completion
// deadline passed while work was still unfinished or under review.
func (r *TransactionRepo) ListOverdueDeadlines(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	return r.listDue(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status IN ('work_in_progress', 'work_submitted')
		  AND completion_deadline IS NOT NULL AND completion_deadline < $1
		ORDER BY completion_deadline LIMIT $2
	`, now, limit)
}

func (r *TransactionRepo) listDue(ctx context.Context, query string, now time.Time, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}
