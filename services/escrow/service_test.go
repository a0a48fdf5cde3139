package escrow_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"
	"trustwork/pkg/outbox"
	"trustwork/pkg/sequence"
	"trustwork/pkg/task"
	"trustwork/pkg/taskname"
	"trustwork/services/assignment"
	"trustwork/services/escrow"
	"trustwork/services/escrow/mocks"
	"trustwork/services/principal"
	"trustwork/services/testutil"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const webhookSecret = "test-webhook-secret-0123456789abcdef"

var (
	client     = &principal.Principal{ID: "c1", Role: principal.RoleClient}
	freelancer = &principal.Principal{ID: "f1", Role: principal.RoleFreelancer}
	admin      = &principal.Principal{ID: "root", Role: principal.RoleAdmin}
)

type fixture struct {
	db          *gorm.DB
	svc         *escrow.Service
	assignments *assignment.Service
	gateway     *mocks.MockGateway
	tasks       *task.Recorder
	metrics     *escrow.Metrics
	clock       *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&assignment.Assignment{}, &assignment.Skill{}, &assignment.StatusHistory{},
		&escrow.Escrow{}, &escrow.LedgerEntry{}, &escrow.WebhookEvent{}, &outbox.Event{},
	)
	node := testutil.NewNode(t)
	clock := testutil.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	writer := outbox.NewWriter(node)

	engine := config.DefaultEngine()
	engine.PayoutMaxRetry = 2
	cfg := &config.Config{Engine: engine}
	cfg.Gateway.WebhookSecret = webhookSecret

	gateway := mocks.NewMockGateway(gomock.NewController(t))
	tasks := &task.Recorder{}
	metrics := escrow.NewMetrics(prometheus.NewRegistry())
	seq := &sequence.MemoryGenerator{Now: clock.Now}

	custody := escrow.NewCustody(escrow.CustodyParams{
		DB:       db,
		Node:     node,
		Gateway:  gateway,
		Outbox:   writer,
		Metrics:  metrics,
		Enqueuer: tasks,
		Config:   cfg,
		Now:      clock.Now,
	})
	assignments := assignment.NewService(assignment.ServiceParams{
		DB:     db,
		Node:   node,
		Seq:    seq,
		Config: cfg,
		Views:  assignment.NewMemoryViewCounter(),
		Outbox: writer,
		Hooks:  []assignment.Hook{escrow.NewHook(custody)},
		Gates:  []assignment.Gate{escrow.NewHeldGate(custody)},
		Now:    clock.Now,
	})
	svc := escrow.NewService(escrow.ServiceParams{
		Custody:     custody,
		Seq:         seq,
		Assignments: assignments,
		Config:      cfg,
	})
	return &fixture{db: db, svc: svc, assignments: assignments, gateway: gateway, tasks: tasks, metrics: metrics, clock: clock}
}

// awarded posts a job and moves it to assigned for freelancer f1.
func (f *fixture) awarded(t *testing.T) *assignment.Assignment {
	t.Helper()
	ctx := context.Background()
	a, err := f.assignments.Create(ctx, client, assignment.CreateRequest{
		Kind:        assignment.KindJob,
		Title:       "Backend contract",
		Description: "Build the billing service",
		BudgetUnit:  assignment.BudgetFixed,
		Publish:     true,
	})
	require.NoError(t, err)
	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.assignments.Transition(ctx, tx, a.ID, assignment.StatusAssigned, client.ID, "application accepted",
			assignment.SetFields(map[string]any{"assigned_freelancer_id": freelancer.ID}))
		return err
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) fund(t *testing.T, a *assignment.Assignment, gross int64) *escrow.Escrow {
	t.Helper()
	f.gateway.EXPECT().Authorize(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req escrow.AuthorizeRequest) (*escrow.AuthorizeResult, error) {
			return &escrow.AuthorizeResult{PaymentID: "pay_" + req.Reference, CheckoutURL: "https://pay.example/" + req.Reference}, nil
		})
	e, err := f.svc.Create(context.Background(), client, a.ID, escrow.CreateRequest{GrossAmount: gross})
	require.NoError(t, err)
	return e
}

func (f *fixture) hold(t *testing.T, e *escrow.Escrow, correlationID string) {
	t.Helper()
	res, err := f.svc.HandleWebhook(context.Background(), sign(t, webhookSecret, escrow.Notification{
		CorrelationID: correlationID,
		EventType:     escrow.EventPaymentAuthorized,
		Reference:     e.Reference,
		Amount:        e.GrossAmount,
	}))
	require.NoError(t, err)
	require.Equal(t, "held", res.Outcome)
}

func (f *fixture) reload(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	var e escrow.Escrow
	require.NoError(t, f.db.First(&e, "id = ?", id).Error)
	return &e
}

func (f *fixture) releasePartial(t *testing.T, a *assignment.Assignment, milestoneID string, amount int64) (int64, error) {
	t.Helper()
	var released int64
	err := f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		_, released, err = f.svc.ReleasePartial(context.Background(), tx, a.ID, milestoneID, amount, client.ID)
		return err
	})
	return released, err
}

func sign(t *testing.T, secret string, n escrow.Notification) string {
	t.Helper()
	payload, err := json.Marshal(n)
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, nil)
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	token, err := obj.CompactSerialize()
	require.NoError(t, err)
	return token
}

func TestFee(t *testing.T) {
	fee, net := escrow.Fee(5000, 0.10)
	require.EqualValues(t, 500, fee)
	require.EqualValues(t, 4500, net)

	fee, net = escrow.Fee(1, 0.10)
	require.EqualValues(t, 0, fee)
	require.EqualValues(t, 1, net)
}

func TestCreateAndAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)

	_, err := f.svc.Create(ctx, freelancer, a.ID, escrow.CreateRequest{GrossAmount: 5000})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	e := f.fund(t, a, 5000)
	require.Equal(t, escrow.StatusPending, e.Status)
	require.Equal(t, escrow.PayoutPending, e.PayoutStatus)
	require.EqualValues(t, 500, e.PlatformFee)
	require.EqualValues(t, 4500, e.NetAmount)
	require.Equal(t, e.GrossAmount, e.PlatformFee+e.NetAmount)
	require.NotEmpty(t, e.CheckoutURL)

	f.hold(t, e, "x-1")

	got := f.reload(t, e.ID)
	require.Equal(t, escrow.StatusHeld, got.Status)
	require.NotNil(t, got.HeldAt)
	require.Equal(t, "x-1", got.CorrelationID)

	asg, err := f.assignments.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, assignment.StatusInProgress, asg.Status)

	_, err = f.svc.Create(ctx, client, a.ID, escrow.CreateRequest{GrossAmount: 5000})
	require.Error(t, err)
}

func TestDuplicateWebhookIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")

	history, err := f.assignments.History(ctx, a.ID)
	require.NoError(t, err)
	before := f.reload(t, e.ID)

	res, err := f.svc.HandleWebhook(ctx, sign(t, webhookSecret, escrow.Notification{
		CorrelationID: "x-1",
		EventType:     escrow.EventPaymentAuthorized,
		Reference:     e.Reference,
		Amount:        5000,
	}))
	require.NoError(t, err)
	require.True(t, res.Processed)
	require.True(t, res.Duplicate)

	after := f.reload(t, e.ID)
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)

	again, err := f.assignments.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, again, len(history))

	entries, err := f.svc.Entries(ctx, client, e.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.EqualValues(t, 1, promtest.ToFloat64(f.metrics.Webhooks.WithLabelValues(escrow.EventPaymentAuthorized, "duplicate")))
}

func TestWebhookIntegrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)

	forged := sign(t, "another-secret-0123456789abcdefghij", escrow.Notification{
		CorrelationID: "x-1", EventType: escrow.EventPaymentAuthorized, Reference: e.Reference,
	})
	_, err := f.svc.HandleWebhook(ctx, forged)
	require.True(t, errutil.Is(err, errutil.StatusIntegrity))

	_, err = f.svc.HandleWebhook(ctx, "not-a-jws")
	require.True(t, errutil.Is(err, errutil.StatusIntegrity))

	_, err = f.svc.HandleWebhook(ctx, sign(t, webhookSecret, escrow.Notification{
		CorrelationID: "x-1", EventType: escrow.EventPaymentAuthorized, Reference: e.Reference, Amount: 4999,
	}))
	require.True(t, errutil.Is(err, errutil.StatusIntegrity))
	require.Equal(t, escrow.StatusPending, f.reload(t, e.ID).Status)

	var events int64
	require.NoError(t, f.db.Model(&escrow.WebhookEvent{}).Count(&events).Error)
	require.Zero(t, events)

	// a correct delivery with the same correlation id still goes through
	f.hold(t, e, "x-1")
}

func TestCreateRetriesAfterGatewayFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)

	f.gateway.EXPECT().Authorize(gomock.Any(), gomock.Any()).
		Return(nil, errutil.GatewayRetryable("gateway returned 503", errors.New("unavailable")))
	_, err := f.svc.Create(ctx, client, a.ID, escrow.CreateRequest{GrossAmount: 5000})
	require.True(t, errutil.IsRetryable(err))
	require.ErrorContains(t, err, "payment authorization failed")

	pending, err := f.svc.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusPending, pending.Status)

	e := f.fund(t, a, 5000)
	require.Equal(t, pending.ID, e.ID)
	require.Equal(t, pending.Reference, e.Reference)
	require.Equal(t, "pay_"+e.Reference, f.reload(t, e.ID).GatewayPaymentID)
}

func TestPartialReleasesAndPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")

	released, err := f.releasePartial(t, a, "m1", 2000)
	require.NoError(t, err)
	require.EqualValues(t, 2000, released)

	released, err = f.releasePartial(t, a, "m1", 2000)
	require.NoError(t, err)
	require.Zero(t, released)

	_, err = f.releasePartial(t, a, "m2", 2000)
	require.NoError(t, err)
	got := f.reload(t, e.ID)
	require.EqualValues(t, 4000, got.ReleasedAmount)
	require.Equal(t, escrow.StatusHeld, got.Status)
	require.Empty(t, f.tasks.Types())

	released, err = f.releasePartial(t, a, "m3", 1000)
	require.NoError(t, err)
	require.EqualValues(t, 500, released)
	got = f.reload(t, e.ID)
	require.EqualValues(t, 4500, got.ReleasedAmount)
	require.Equal(t, escrow.StatusReleased, got.Status)
	require.Equal(t, []string{taskname.EscrowPayout}, f.tasks.Types())

	f.gateway.EXPECT().Payout(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req escrow.PayoutCall) (*escrow.PayoutResult, error) {
			require.EqualValues(t, 4500, req.Amount)
			require.Equal(t, freelancer.ID, req.RecipientID)
			return &escrow.PayoutResult{PayoutID: "po_1", Status: "processing"}, nil
		})
	require.NoError(t, f.svc.ExecutePayout(ctx, e.ID))
	require.NoError(t, f.svc.ExecutePayout(ctx, e.ID))
	got = f.reload(t, e.ID)
	require.Equal(t, escrow.PayoutProcessing, got.PayoutStatus)
	require.NotNil(t, got.PayoutInitiatedAt)

	payout := sign(t, webhookSecret, escrow.Notification{
		CorrelationID: "x-2", EventType: escrow.EventPayoutCompleted, Reference: e.Reference, PayoutID: "po_1",
	})
	res, err := f.svc.HandleWebhook(ctx, payout)
	require.NoError(t, err)
	require.Equal(t, "payout_completed", res.Outcome)
	res, err = f.svc.HandleWebhook(ctx, payout)
	require.NoError(t, err)
	require.True(t, res.Duplicate)

	got = f.reload(t, e.ID)
	require.Equal(t, escrow.PayoutCompleted, got.PayoutStatus)
	require.NotNil(t, got.PayoutCompletedAt)

	report, err := f.svc.VerifyChain(ctx, freelancer, e.ID)
	require.NoError(t, err)
	require.True(t, report.Valid)
	require.Equal(t, 5, report.Entries)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.releasePartial(t, a, "m1", 1000)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&escrow.LedgerEntry{}).
		Where("escrow_id = ? AND seq = ?", e.ID, 2).
		Update("amount", 9000).Error)

	report, err := f.svc.VerifyChain(ctx, admin, e.ID)
	require.NoError(t, err)
	require.False(t, report.Valid)
	require.NotNil(t, report.BrokenAt)
	require.Equal(t, 2, *report.BrokenAt)

	_, err = f.svc.VerifyChain(ctx, &principal.Principal{ID: "stranger", Role: principal.RoleClient}, e.ID)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestDisputeFreezesAndSplits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.releasePartial(t, a, "m1", 2000)
	require.NoError(t, err)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.MarkDisputed(ctx, tx, e.ID, freelancer.ID)
		return err
	})
	require.NoError(t, err)

	_, err = f.releasePartial(t, a, "m2", 2000)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
	_, err = f.svc.ReleaseFull(ctx, client, e.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req escrow.RefundCall) (*escrow.RefundResult, error) {
			require.EqualValues(t, 1000, req.Amount)
			return &escrow.RefundResult{RefundID: "rf_1"}, nil
		})
	err = f.db.Transaction(func(tx *gorm.DB) error {
		held, err := f.svc.ClearDispute(ctx, tx, e.ID, admin.ID)
		if err != nil {
			return err
		}
		_, err = f.svc.Settle(ctx, tx, e.ID, escrow.Split(held, 0.6, 0), admin.ID)
		return err
	})
	require.NoError(t, err)

	got := f.reload(t, e.ID)
	require.Equal(t, escrow.StatusReleased, got.Status)
	require.EqualValues(t, 3500, got.ReleasedAmount)
	require.EqualValues(t, 1000, got.RefundedAmount)
	require.LessOrEqual(t, got.ReleasedAmount, got.NetAmount)
	require.Contains(t, f.tasks.Types(), taskname.EscrowPayout)
}

func TestSettleFavorClientRefundsGross(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req escrow.RefundCall) (*escrow.RefundResult, error) {
			require.EqualValues(t, 5000, req.Amount)
			return &escrow.RefundResult{RefundID: "rf_1"}, nil
		})
	held := f.reload(t, e.ID)
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.Settle(ctx, tx, e.ID, escrow.FavorClient(held), admin.ID)
		return err
	})
	require.NoError(t, err)

	got := f.reload(t, e.ID)
	require.Equal(t, escrow.StatusRefunded, got.Status)
	require.Zero(t, got.ReleasedAmount)
	require.EqualValues(t, 5000, got.RefundedAmount)
}

func TestSplit(t *testing.T) {
	e := &escrow.Escrow{GrossAmount: 5000, PlatformFee: 500, NetAmount: 4500, ReleasedAmount: 2000}

	cases := []struct {
		name       string
		share      float64
		adjustment int64
		release    int64
		refund     int64
	}{
		{name: "sixty forty", share: 0.6, release: 1500, refund: 1000},
		{name: "even", share: 0.5, release: 1250, refund: 1250},
		{name: "adjusted up", share: 0.5, adjustment: 250, release: 1500, refund: 1000},
		{name: "clamped high", share: 1, adjustment: 100, release: 2500, refund: 0},
		{name: "clamped low", share: 0, adjustment: -100, release: 0, refund: 2500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := escrow.Split(e, tc.share, tc.adjustment)
			require.Equal(t, tc.release, s.Release)
			require.Equal(t, tc.refund, s.Refund)
		})
	}
}

func TestRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")

	_, err := f.svc.Refund(ctx, freelancer, e.ID, "changed my mind")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		Return(nil, errutil.GatewayRetryable("gateway timed out", errors.New("timeout")))
	_, err = f.svc.Refund(ctx, client, e.ID, "project dropped")
	require.True(t, errutil.IsRetryable(err))
	require.Equal(t, escrow.StatusHeld, f.reload(t, e.ID).Status)

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).Return(&escrow.RefundResult{RefundID: "rf_1"}, nil)
	out, err := f.svc.Refund(ctx, admin, e.ID, "project dropped")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, out.Status)
	require.EqualValues(t, 5000, out.RefundedAmount)
	require.Zero(t, out.ReleasedAmount)

	_, err = f.svc.Refund(ctx, client, e.ID, "again")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestCancelRefundsUnreleasedEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).Return(&escrow.RefundResult{RefundID: "rf_1"}, nil)
	_, err := f.assignments.Cancel(ctx, client, a.ID, "budget cut")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, f.reload(t, e.ID).Status)
}

func TestCancelBlockedAfterRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.releasePartial(t, a, "m1", 1000)
	require.NoError(t, err)

	_, err = f.assignments.Cancel(ctx, client, a.ID, "budget cut")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	asg, err := f.assignments.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, assignment.StatusInProgress, asg.Status)
	require.Equal(t, escrow.StatusHeld, f.reload(t, e.ID).Status)
}

func TestCompletionReleasesRemainder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")

	_, err := f.assignments.MarkComplete(ctx, freelancer, a.ID)
	require.NoError(t, err)
	_, err = f.assignments.ApproveCompletion(ctx, client, a.ID)
	require.NoError(t, err)

	got := f.reload(t, e.ID)
	require.Equal(t, escrow.StatusReleased, got.Status)
	require.Equal(t, got.NetAmount, got.ReleasedAmount)
	require.Equal(t, escrow.PayoutPending, got.PayoutStatus)
}

func TestPayoutFailsAfterRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.svc.ReleaseFull(ctx, client, e.ID)
	require.NoError(t, err)

	f.gateway.EXPECT().Payout(gomock.Any(), gomock.Any()).
		Return(nil, errutil.GatewayRetryable("gateway returned 502", errors.New("bad gateway"))).
		Times(3)

	require.True(t, errutil.IsRetryable(f.svc.ExecutePayout(ctx, e.ID)))
	require.True(t, errutil.IsRetryable(f.svc.ExecutePayout(ctx, e.ID)))
	require.NoError(t, f.svc.ExecutePayout(ctx, e.ID))

	got := f.reload(t, e.ID)
	require.Equal(t, escrow.PayoutFailed, got.PayoutStatus)
	require.Equal(t, 3, got.PayoutAttempts)
	require.Equal(t, escrow.StatusReleased, got.Status)
	require.EqualValues(t, 1, promtest.ToFloat64(f.metrics.PayoutFailures))

	// nothing left to pay
	require.NoError(t, f.svc.ExecutePayout(ctx, e.ID))
}

func TestPayoutPermanentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.svc.ReleaseFull(ctx, client, e.ID)
	require.NoError(t, err)

	f.gateway.EXPECT().Payout(gomock.Any(), gomock.Any()).
		Return(nil, errutil.GatewayPermanent("gateway returned 422", errors.New("closed account")))
	require.NoError(t, f.svc.ExecutePayout(ctx, e.ID))
	require.Equal(t, escrow.PayoutFailed, f.reload(t, e.ID).PayoutStatus)
}

func TestSweepReschedulesStalePayouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.svc.ReleaseFull(ctx, client, e.ID)
	require.NoError(t, err)
	f.tasks.Tasks = nil

	n, err := f.svc.SweepPayouts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(2 * time.Minute)
	n, err = f.svc.SweepPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{taskname.EscrowPayout}, f.tasks.Types())
}

func TestSweepRecoversLostRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.awarded(t)
	e := f.fund(t, a, 5000)
	f.hold(t, e, "x-1")
	_, err := f.svc.ReleaseFull(ctx, client, e.ID)
	require.NoError(t, err)

	f.gateway.EXPECT().Payout(gomock.Any(), gomock.Any()).
		Return(nil, errutil.GatewayRetryable("gateway returned 503", errors.New("unavailable")))
	require.True(t, errutil.IsRetryable(f.svc.ExecutePayout(ctx, e.ID)))
	require.Equal(t, 1, f.reload(t, e.ID).PayoutAttempts)
	f.tasks.Tasks = nil

	// the retry may still be queued
	f.clock.Advance(10 * time.Minute)
	n, err := f.svc.SweepPayouts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(30 * time.Minute)
	n, err = f.svc.SweepPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{taskname.EscrowPayout}, f.tasks.Types())

	// a row stranded past the attempt cap is failed with an alert
	require.NoError(t, f.db.Model(&escrow.Escrow{}).Where("id = ?", e.ID).UpdateColumn("payout_attempts", 3).Error)
	f.tasks.Tasks = nil
	n, err = f.svc.SweepPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, f.tasks.Tasks)

	got := f.reload(t, e.ID)
	require.Equal(t, escrow.PayoutFailed, got.PayoutStatus)
	require.EqualValues(t, 1, promtest.ToFloat64(f.metrics.PayoutFailures))

	n, err = f.svc.SweepPayouts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReconcileReportsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1 := f.awarded(t)
	e1 := f.fund(t, a1, 5000)
	f.hold(t, e1, "x-1")
	a2 := f.awarded(t)
	e2 := f.fund(t, a2, 3000)
	f.hold(t, e2, "x-2")

	f.gateway.EXPECT().Lookup(gomock.Any(), e1.Reference).
		Return(&escrow.PaymentState{Reference: e1.Reference, Status: escrow.GatewayAuthorized, CapturedAmount: 5000}, nil)
	f.gateway.EXPECT().Lookup(gomock.Any(), e2.Reference).
		Return(&escrow.PaymentState{Reference: e2.Reference, Status: escrow.GatewayRefunded, CapturedAmount: 3000, RefundedAmount: 3000}, nil)

	report, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Checked)
	require.Len(t, report.Drifts, 1)
	require.Equal(t, e2.ID, report.Drifts[0].EscrowID)
	require.Equal(t, "status", report.Drifts[0].Kind)
	require.EqualValues(t, 1, promtest.ToFloat64(f.metrics.Drift.WithLabelValues("status")))

	require.Equal(t, escrow.StatusHeld, f.reload(t, e2.ID).Status)
}
