package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/worklock/backend/internal/config"
	"github.com/worklock/backend/internal/events"
	"github.com/worklock/backend/internal/gateway"
	"github.com/worklock/backend/internal/models"
	"github.com/worklock/backend/internal/repositories"
	"go.uber.org/zap"
)

// memStore is an in-memory ledger with the same compare-and-swap
// transition semantics as the postgres repository.
type memStore struct {
	mu           sync.Mutex
	txs          map[uuid.UUID]*models.Transaction
	audit        *memAudit
	conflictOnce bool
	failNext     error
	writes       int
}

func newMemStore(audit *memAudit) *memStore {
	return &memStore{txs: map[uuid.UUID]*models.Transaction{}, audit: audit}
}

func (m *memStore) Create(_ context.Context, t *models.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.txs {
		if existing.InvoiceID == t.InvoiceID && !models.IsTerminal(existing.Status) {
			return models.ErrDuplicateInvoiceEscrow
		}
	}
	t.ID = uuid.New()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetByGatewayIntent(_ context.Context, intentID string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.txs {
		if t.GatewayIntentID != nil && *t.GatewayIntentID == intentID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memStore) SetGatewayIntent(_ context.Context, id uuid.UUID, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[id]
	if !ok {
		return models.ErrNotFound
	}
	t.GatewayIntentID = &intentID
	return nil
}

func (m *memStore) ApplyTransition(_ context.Context, id uuid.UUID, expected, to models.Status, patch models.TransitionPatch, entries ...models.AuditEntry) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictOnce {
		m.conflictOnce = false
		return nil, models.ErrStatusConflict
	}
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}
	t, ok := m.txs[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if t.Status != expected {
		return nil, models.ErrStatusConflict
	}

	t.Status = to
	t.UpdatedAt = time.Now()
	if patch.SetSubmission != nil {
		t.WorkSubmission = patch.SetSubmission
	}
	if patch.ClearSubmission {
		t.WorkSubmission = nil
	}
	if patch.SetReviewDeadline != nil {
		t.ReviewDeadline = patch.SetReviewDeadline
	}
	if patch.ClearReviewDeadline {
		t.ReviewDeadline = nil
	}
	if patch.SetDisputeReason != nil {
		t.DisputeReason = patch.SetDisputeReason
	}
	if patch.SetDisputeRole != nil {
		t.DisputeInitiatorRole = patch.SetDisputeRole
	}
	if patch.ClearDispute {
		t.DisputeReason = nil
		t.DisputeInitiatorRole = nil
	}
	if patch.SetGatewayIntentID != nil {
		t.GatewayIntentID = patch.SetGatewayIntentID
	}
	if patch.SetCompletionDeadline != nil {
		t.CompletionDeadline = patch.SetCompletionDeadline
	}

	for _, entry := range entries {
		m.audit.append(entry)
	}
	m.writes++
	cp := *t
	return &cp, nil
}

func (m *memStore) List(_ context.Context, f repositories.TransactionFilter) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.txs {
		if f.PayerID != nil && t.PayerID != *f.PayerID {
			continue
		}
		if f.PayeeID != nil && t.PayeeID != *f.PayeeID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *memStore) ListExpiredReviews(_ context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.txs {
		if t.Status == models.StatusWorkSubmitted && t.ReviewDeadline != nil && t.ReviewDeadline.Before(now) {
			out = append(out, *t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListOverdueDeadlines(_ context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Transaction
	for _, t := range m.txs {
		if (t.Status == models.StatusWorkInProgress || t.Status == models.StatusWorkSubmitted) &&
			t.CompletionDeadline != nil && t.CompletionDeadline.Before(now) {
			out = append(out, *t)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	seqs    map[uuid.UUID]int
}

func newMemAudit() *memAudit {
	return &memAudit{seqs: map[uuid.UUID]int{}}
}

func (m *memAudit) append(e models.AuditEntry) {
	m.seqs[e.TransactionID]++
	e.Seq = m.seqs[e.TransactionID]
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.entries = append(m.entries, e)
}

func (m *memAudit) Append(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.append(e)
	return nil
}

func (m *memAudit) ListByTransaction(_ context.Context, txID uuid.UUID) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.entries {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memIdem struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemIdem() *memIdem { return &memIdem{seen: map[string]bool{}} }

func idemKeyOf(txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) string {
	return fmt.Sprintf("%s|%s|%s|%s", txID, event, actorID, key)
}

func (m *memIdem) Exists(_ context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[idemKeyOf(txID, event, actorID, key)], nil
}

func (m *memIdem) Record(_ context.Context, txID uuid.UUID, event models.Event, actorID uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[idemKeyOf(txID, event, actorID, key)] = true
	return nil
}

type memGatewayEvents struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemGatewayEvents() *memGatewayEvents { return &memGatewayEvents{seen: map[string]bool{}} }

func (m *memGatewayEvents) MarkProcessed(_ context.Context, eventID, _ string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func (m *memGatewayEvents) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}

// mockGateway records calls and plays back scripted failures.
type mockGateway struct {
	mu          sync.Mutex
	chargeCalls int
	releases    int
	refunds     int

	chargeErrs  []error
	releaseErr  error
	refundErr   error
	unconfirmed bool

	lastRelease gateway.ReleaseParams
	lastRefund  gateway.RefundParams
	releaseKeys []string
}

func (g *mockGateway) ChargeToEscrow(_ context.Context, p gateway.ChargeParams) (gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chargeCalls++
	if len(g.chargeErrs) > 0 {
		err := g.chargeErrs[0]
		g.chargeErrs = g.chargeErrs[1:]
		if err != nil {
			return gateway.ChargeResult{}, err
		}
	}
	return gateway.ChargeResult{
		IntentID:  "pi_" + p.TransactionID[:8],
		Confirmed: !g.unconfirmed,
	}, nil
}

func (g *mockGateway) ReleaseToPayee(_ context.Context, p gateway.ReleaseParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releases++
	g.lastRelease = p
	g.releaseKeys = append(g.releaseKeys, p.IdempotencyKey)
	if g.releaseErr != nil {
		return "", g.releaseErr
	}
	return "tr_" + p.TransactionID[:8], nil
}

func (g *mockGateway) RefundToPayer(_ context.Context, p gateway.RefundParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	g.lastRefund = p
	if g.refundErr != nil {
		return "", g.refundErr
	}
	return "re_" + p.TransactionID[:8], nil
}

func (g *mockGateway) VerifyWebhook(_ []byte, _ string) (gateway.DomainEvent, error) {
	return gateway.DomainEvent{}, gateway.ErrEventIgnored
}

type recPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc     *EscrowService
	store   *memStore
	audit   *memAudit
	gw      *mockGateway
	pub     *recPublisher
	cfg     *config.Config
	payer   uuid.UUID
	payee   uuid.UUID
	arbiter uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	audit := newMemAudit()
	store := newMemStore(audit)
	gw := &mockGateway{}
	pub := &recPublisher{}
	cfg := &config.Config{
		PlatformFeeBPS:              500,
		DefaultReviewPeriodDays:     7,
		DefaultCompletionPeriodDays: 14,
		DeadlineExpiryPolicy:        config.DeadlinePolicyDispute,
	}
	svc := NewEscrowService(store, audit, newMemIdem(), newMemGatewayEvents(), gw, pub, cfg, zap.NewNop())
	return &fixture{
		svc: svc, store: store, audit: audit, gw: gw, pub: pub, cfg: cfg,
		payer: uuid.New(), payee: uuid.New(), arbiter: uuid.New(),
	}
}

func (f *fixture) create(t *testing.T, amount int64) *models.Transaction {
	t.Helper()
	payout := "acct_payee"
	tx, err := f.svc.Create(context.Background(), CreateParams{
		InvoiceID:            uuid.New(),
		PayerID:              f.payer,
		PayeeID:              f.payee,
		AmountCents:          amount,
		Currency:             "usd",
		PayerCustomerID:      "cus_payer",
		PayeePayoutAccountID: &payout,
	})
	require.NoError(t, err)
	return tx
}

func (f *fixture) funded(t *testing.T, amount int64) *models.Transaction {
	t.Helper()
	tx := f.create(t, amount)
	tx, err := f.svc.Fund(context.Background(), tx.ID, f.payer, "")
	require.NoError(t, err)
	return tx
}

func (f *fixture) submitted(t *testing.T, amount int64) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := f.funded(t, amount)
	tx, err := f.svc.BeginWork(ctx, tx.ID, f.payee, "")
	require.NoError(t, err)
	tx, err = f.svc.SubmitWork(ctx, tx.ID, f.payee, SubmitWorkInput{Description: "deliverable v1"}, "")
	require.NoError(t, err)
	return tx
}

func TestHappyPathReleasesNetOfFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.submitted(t, 100_000)
	require.Equal(t, models.StatusWorkSubmitted, tx.Status)
	require.NotNil(t, tx.ReviewDeadline)
	require.NotNil(t, tx.WorkSubmission)

	done, err := f.svc.Approve(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	assert.Equal(t, 1, f.gw.chargeCalls)
	assert.Equal(t, 1, f.gw.releases)
	assert.Equal(t, 0, f.gw.refunds)
	assert.Equal(t, int64(95_000), f.gw.lastRelease.NetAmountCents)
	assert.Equal(t, "acct_payee", f.gw.lastRelease.PayoutAccountID)

	trail, err := f.svc.ListAuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	var statuses []models.Status
	for i, e := range trail {
		assert.Equal(t, i+1, e.Seq)
		statuses = append(statuses, e.ToStatus)
	}
	assert.Equal(t, []models.Status{
		models.StatusPaymentReceived,
		models.StatusWorkInProgress,
		models.StatusWorkSubmitted,
		models.StatusWorkApproved,
		models.StatusCompleted,
	}, statuses)
}

func TestApproveCommitsSettleInOneWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 80_000)

	f.store.writes = 0
	done, err := f.svc.Approve(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	// The approved hop and the settle hop commit together; the stored
	// status is never work_approved.
	assert.Equal(t, 1, f.store.writes)

	trail, err := f.svc.ListAuditTrail(ctx, tx.ID)
	require.NoError(t, err)
	tail := trail[len(trail)-2:]
	assert.Equal(t, models.StatusWorkApproved, tail[0].ToStatus)
	assert.Equal(t, models.StatusCompleted, tail[1].ToStatus)
	assert.Equal(t, tail[0].Seq+1, tail[1].Seq)
}

func TestApproveWriteFailureLeavesRetryPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 100_000)

	f.store.failNext = errors.New("ledger unavailable")
	_, err := f.svc.Approve(ctx, tx.ID, f.payer, "")
	require.Error(t, err)

	// The failed settle write leaves the prior status, so the payer can
	// simply approve again.
	got, err := f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorkSubmitted, got.Status)

	done, err := f.svc.Approve(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)

	// Both release attempts carried the same processor idempotency key,
	// so the payee is paid at most once.
	require.Len(t, f.gw.releaseKeys, 2)
	assert.Equal(t, f.gw.releaseKeys[0], f.gw.releaseKeys[1])
}

func TestFundDeclinedLeavesPendingAndAllowsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, 50_000)

	f.gw.chargeErrs = []error{gateway.ErrPaymentDeclined}
	_, err := f.svc.Fund(ctx, tx.ID, f.payer, "key-1")
	require.ErrorIs(t, err, gateway.ErrPaymentDeclined)

	got, err := f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	// Same transaction, fresh attempt; no duplicate escrow row.
	got, err = f.svc.Fund(ctx, tx.ID, f.payer, "key-2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentReceived, got.Status)
	assert.Equal(t, 2, f.gw.chargeCalls)
}

func TestFundRetriesWhenGatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	tx := f.create(t, 25_000)

	f.gw.chargeErrs = []error{gateway.ErrGatewayUnavailable, gateway.ErrGatewayUnavailable}
	got, err := f.svc.Fund(context.Background(), tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentReceived, got.Status)
	assert.Equal(t, 3, f.gw.chargeCalls)
}

func TestFundIdempotentReplayChargesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, 10_000)

	first, err := f.svc.Fund(ctx, tx.ID, f.payer, "idem-1")
	require.NoError(t, err)
	second, err := f.svc.Fund(ctx, tx.ID, f.payer, "idem-1")
	require.NoError(t, err)

	assert.Equal(t, 1, f.gw.chargeCalls)
	assert.Equal(t, first.Status, second.Status)
}

func TestFundUnconfirmedAdvancesViaWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, 40_000)

	f.gw.unconfirmed = true
	got, err := f.svc.Fund(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.GatewayIntentID)

	ev := gateway.DomainEvent{
		ID:       "evt_1",
		Kind:     gateway.PaymentConfirmed,
		IntentID: *got.GatewayIntentID,
	}
	require.NoError(t, f.svc.HandleGatewayEvent(ctx, ev))

	got, err = f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentReceived, got.Status)
	require.NotNil(t, got.CompletionDeadline)

	// Redelivery of the same event id is dropped before side effects.
	require.NoError(t, f.svc.HandleGatewayEvent(ctx, ev))
	got, _ = f.svc.GetTransaction(ctx, tx.ID)
	assert.Equal(t, models.StatusPaymentReceived, got.Status)
}

func TestWebhookRedeliveryRetriesAfterError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, 40_000)

	f.gw.unconfirmed = true
	got, err := f.svc.Fund(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.NotNil(t, got.GatewayIntentID)

	ev := gateway.DomainEvent{
		ID:       "evt_retry",
		Kind:     gateway.PaymentConfirmed,
		IntentID: *got.GatewayIntentID,
	}

	// A transient ledger failure must not consume the only copy of the
	// confirmation: the claim is released and redelivery gets a clean run.
	f.store.failNext = errors.New("ledger unavailable")
	require.Error(t, f.svc.HandleGatewayEvent(ctx, ev))
	got, err = f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)

	require.NoError(t, f.svc.HandleGatewayEvent(ctx, ev))
	got, err = f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentReceived, got.Status)
}

func TestUnauthorizedActorsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.create(t, 10_000)

	_, err := f.svc.Fund(ctx, tx.ID, f.payee, "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	stranger := uuid.New()
	_, err = f.svc.Cancel(ctx, tx.ID, stranger, "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	tx = f.submitted(t, 10_000)
	_, err = f.svc.Approve(ctx, tx.ID, f.payee, "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)
	assert.Equal(t, 0, f.gw.releases)
}

func TestSubmitWorkRequiresDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.funded(t, 10_000)
	tx, err := f.svc.BeginWork(ctx, tx.ID, f.payee, "")
	require.NoError(t, err)

	_, err = f.svc.SubmitWork(ctx, tx.ID, f.payee, SubmitWorkInput{Description: "  \n\t"}, "")
	assert.ErrorIs(t, err, models.ErrEmptyDescription)
}

func TestRejectReturnsToRevisionWithoutRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 30_000)

	f.store.writes = 0
	got, err := f.svc.Reject(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorkInProgress, got.Status)
	// One compare-and-swap write for the whole rejected hop.
	assert.Equal(t, 1, f.store.writes)
	assert.Nil(t, got.WorkSubmission)
	assert.Nil(t, got.ReviewDeadline)
	assert.Equal(t, 0, f.gw.refunds)
	assert.Equal(t, 0, f.gw.releases)

	// Revised submission starts a fresh review window.
	got, err = f.svc.SubmitWork(ctx, tx.ID, f.payee, SubmitWorkInput{Description: "deliverable v2"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorkSubmitted, got.Status)
	assert.Equal(t, "deliverable v2", got.WorkSubmission.Description)
}

func TestCancelOnlyFromPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.create(t, 10_000)
	got, err := f.svc.Cancel(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)

	funded := f.funded(t, 10_000)
	_, err = f.svc.Cancel(ctx, funded.ID, f.payer, "")
	var invalid *models.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, f.gw.refunds)
}

func TestDisputeFreezesUntilArbiterRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 80_000)

	got, err := f.svc.Dispute(ctx, tx.ID, f.payee, "payer unresponsive", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisputed, got.Status)
	require.NotNil(t, got.DisputeInitiatorRole)
	assert.Equal(t, models.RolePayee, *got.DisputeInitiatorRole)

	_, err = f.svc.Approve(ctx, tx.ID, f.payer, "")
	var invalid *models.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)

	_, err = f.svc.SubmitWork(ctx, tx.ID, f.payee, SubmitWorkInput{Description: "x"}, "")
	assert.ErrorAs(t, err, &invalid)
}

func TestDisputeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := f.funded(t, 10_000)
	_, err := f.svc.Dispute(ctx, tx.ID, f.payer, "   ", "")
	assert.ErrorIs(t, err, models.ErrEmptyReason)

	_, err = f.svc.Dispute(ctx, tx.ID, uuid.New(), "not my money", "")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	closed, err := f.svc.Cancel(ctx, f.create(t, 10_000).ID, f.payer, "")
	require.NoError(t, err)
	_, err = f.svc.Dispute(ctx, closed.ID, f.payer, "too late", "")
	assert.ErrorIs(t, err, models.ErrAlreadyTerminal)
}

func TestResolveRefundReturnsFullAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 60_000)
	_, err := f.svc.Dispute(ctx, tx.ID, f.payer, "work never usable", "")
	require.NoError(t, err)

	got, err := f.svc.Resolve(ctx, tx.ID, f.arbiter, models.OutcomeRefund, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.DisputeReason)
	assert.Nil(t, got.DisputeInitiatorRole)
	assert.Equal(t, 1, f.gw.refunds)
	assert.Equal(t, 0, f.gw.releases)
}

func TestResolveReleasePaysNetOfFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 60_000)
	_, err := f.svc.Dispute(ctx, tx.ID, f.payee, "payer ghosted review", "")
	require.NoError(t, err)

	got, err := f.svc.Resolve(ctx, tx.ID, f.arbiter, models.OutcomeRelease, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Nil(t, got.DisputeReason)
	assert.Equal(t, int64(57_000), f.gw.lastRelease.NetAmountCents)

	_, err = f.svc.Resolve(ctx, tx.ID, f.arbiter, models.OutcomeRelease, "")
	var invalid *models.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
}

func TestResolveRejectsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	tx := f.submitted(t, 10_000)
	_, err := f.svc.Resolve(context.Background(), tx.ID, f.arbiter, models.ResolveOutcome("split"), "")
	assert.ErrorIs(t, err, models.ErrInvalidOutcome)
}

func TestReleaseFailureKeepsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 20_000)

	f.gw.releaseErr = gateway.ErrReleaseFailed
	_, err := f.svc.Approve(ctx, tx.ID, f.payer, "")
	require.ErrorIs(t, err, gateway.ErrReleaseFailed)

	got, err := f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorkSubmitted, got.Status)
	require.NotNil(t, got.WorkSubmission)
}

func TestStatusConflictRetriesNonMoneyCommand(t *testing.T) {
	f := newFixture(t)
	tx := f.funded(t, 10_000)

	f.store.conflictOnce = true
	got, err := f.svc.BeginWork(context.Background(), tx.ID, f.payee, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorkInProgress, got.Status)
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.funded(t, 10_000)

	_, err := f.store.ApplyTransition(ctx, tx.ID, models.StatusPaymentReceived, models.StatusWorkInProgress,
		models.TransitionPatch{}, models.AuditEntry{TransactionID: tx.ID})
	require.NoError(t, err)

	_, err = f.store.ApplyTransition(ctx, tx.ID, models.StatusPaymentReceived, models.StatusDisputed,
		models.TransitionPatch{}, models.AuditEntry{TransactionID: tx.ID})
	assert.ErrorIs(t, err, models.ErrStatusConflict)
}

func TestExpireReviewAutoApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 100_000)

	past := time.Now().Add(-time.Hour)
	f.store.txs[tx.ID].ReviewDeadline = &past

	n, err := f.svc.ExpireDueReviews(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(95_000), f.gw.lastRelease.NetAmountCents)
}

func TestExpireReviewStaleTimerIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 10_000)

	// Deadline still in the future.
	err := f.svc.ExpireReview(ctx, tx.ID)
	assert.ErrorIs(t, err, models.ErrStatusConflict)

	// Payer already rejected before the timer fired.
	_, err = f.svc.Reject(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)
	err = f.svc.ExpireReview(ctx, tx.ID)
	assert.ErrorIs(t, err, models.ErrStatusConflict)
	assert.Equal(t, 0, f.gw.releases)
}

func TestExpireDeadlineDisputePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.funded(t, 10_000)
	tx, err := f.svc.BeginWork(ctx, tx.ID, f.payee, "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	f.store.txs[tx.ID].CompletionDeadline = &past

	n, err := f.svc.ExpireDueDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.svc.GetTransaction(ctx, tx.ID)
	assert.Equal(t, models.StatusDisputed, got.Status)
	require.NotNil(t, got.DisputeInitiatorRole)
	assert.Equal(t, models.RoleSystem, *got.DisputeInitiatorRole)
	assert.Equal(t, 0, f.gw.refunds)
}

func TestExpireDeadlineCancelPolicyRefunds(t *testing.T) {
	f := newFixture(t)
	f.cfg.DeadlineExpiryPolicy = config.DeadlinePolicyCancel
	ctx := context.Background()
	tx := f.funded(t, 45_000)
	tx, err := f.svc.BeginWork(ctx, tx.ID, f.payee, "")
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	f.store.txs[tx.ID].CompletionDeadline = &past

	require.NoError(t, f.svc.ExpireDeadline(ctx, tx.ID))
	got, _ := f.svc.GetTransaction(ctx, tx.ID)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, 1, f.gw.refunds)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateParams{
		InvoiceID: uuid.New(), PayerID: f.payer, PayeeID: f.payee,
		AmountCents: 0, Currency: "usd", PayerCustomerID: "cus_1",
	})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = f.svc.Create(ctx, CreateParams{
		InvoiceID: uuid.New(), PayerID: f.payer, PayeeID: f.payer,
		AmountCents: 100, Currency: "usd", PayerCustomerID: "cus_1",
	})
	assert.Error(t, err)
}

func TestDuplicateActiveInvoiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := uuid.New()

	p := CreateParams{
		InvoiceID: invoice, PayerID: f.payer, PayeeID: f.payee,
		AmountCents: 100, Currency: "usd", PayerCustomerID: "cus_1",
	}
	first, err := f.svc.Create(ctx, p)
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, p)
	assert.ErrorIs(t, err, models.ErrDuplicateInvoiceEscrow)

	// Closing the first frees the invoice for a new attempt.
	_, err = f.svc.Cancel(ctx, first.ID, f.payer, "")
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, p)
	assert.NoError(t, err)
}

func TestPublishedEventStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := f.submitted(t, 10_000)
	_, err := f.svc.Approve(ctx, tx.ID, f.payer, "")
	require.NoError(t, err)

	types := f.pub.types()
	assert.Contains(t, types, events.EventPaymentReceived)
	assert.Contains(t, types, events.EventWorkSubmitted)
	assert.Contains(t, types, events.EventCompleted)
}
