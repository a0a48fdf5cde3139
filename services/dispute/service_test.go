package dispute

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"
	"trustwork/pkg/minio"
	"trustwork/pkg/outbox"
	"trustwork/pkg/sequence"
	"trustwork/pkg/task"
	"trustwork/services/assignment"
	"trustwork/services/escrow"
	"trustwork/services/escrow/mocks"
	"trustwork/services/milestone"
	"trustwork/services/principal"
	"trustwork/services/testutil"

	"github.com/go-jose/go-jose/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const secret = "dispute-test-secret-0123456789abcdef"

var (
	client     = &principal.Principal{ID: "c1", Role: principal.RoleClient}
	freelancer = &principal.Principal{ID: "f1", Role: principal.RoleFreelancer}
	admin      = &principal.Principal{ID: "root", Role: principal.RoleAdmin}
	stranger   = &principal.Principal{ID: "x9", Role: principal.RoleFreelancer}
)

type fixture struct {
	db          *gorm.DB
	svc         *Service
	assignments *assignment.Service
	escrows     *escrow.Service
	milestones  *milestone.Service
	gateway     *mocks.MockGateway
	objects     *minio.MemoryStore
	clock       *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&assignment.Assignment{}, &assignment.Skill{}, &assignment.StatusHistory{},
		&escrow.Escrow{}, &escrow.LedgerEntry{}, &escrow.WebhookEvent{},
		&milestone.Milestone{}, &Dispute{}, &Event{}, &outbox.Event{},
	)
	node := testutil.NewNode(t)
	clock := testutil.NewClock(time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC))
	writer := outbox.NewWriter(node)
	cfg := &config.Config{Engine: config.DefaultEngine()}
	cfg.Gateway.WebhookSecret = secret
	seq := &sequence.MemoryGenerator{Now: clock.Now}

	gateway := mocks.NewMockGateway(gomock.NewController(t))
	gateway.EXPECT().Authorize(gomock.Any(), gomock.Any()).Return(&escrow.AuthorizeResult{PaymentID: "pay_1"}, nil).AnyTimes()

	custody := escrow.NewCustody(escrow.CustodyParams{
		DB:       db,
		Node:     node,
		Gateway:  gateway,
		Outbox:   writer,
		Metrics:  escrow.NewMetrics(prometheus.NewRegistry()),
		Enqueuer: &task.Recorder{},
		Config:   cfg,
		Now:      clock.Now,
	})
	plan := milestone.NewPlanReader(db)
	assignments := assignment.NewService(assignment.ServiceParams{
		DB:     db,
		Node:   node,
		Seq:    seq,
		Config: cfg,
		Views:  assignment.NewMemoryViewCounter(),
		Outbox: writer,
		Hooks:  []assignment.Hook{escrow.NewHook(custody)},
		Gates:  []assignment.Gate{escrow.NewHeldGate(custody), plan},
		Now:    clock.Now,
	})
	escrows := escrow.NewService(escrow.ServiceParams{
		Custody:     custody,
		Seq:         seq,
		Assignments: assignments,
		Plan:        plan,
		Config:      cfg,
	})
	objects := minio.NewMemoryStore()
	milestones := milestone.NewService(milestone.ServiceParams{
		DB:          db,
		Node:        node,
		Config:      cfg,
		Assignments: assignments,
		Escrows:     escrows,
		Objects:     objects,
		Outbox:      writer,
		Now:         clock.Now,
	})
	svc := NewService(ServiceParams{
		DB:          db,
		Node:        node,
		Config:      cfg,
		Assignments: assignments,
		Escrows:     escrows,
		Objects:     objects,
		Outbox:      writer,
		Now:         clock.Now,
	})
	return &fixture{
		db:          db,
		svc:         svc,
		assignments: assignments,
		escrows:     escrows,
		milestones:  milestones,
		gateway:     gateway,
		objects:     objects,
		clock:       clock,
	}
}

func (f *fixture) assigned(t *testing.T, kind assignment.Kind) *assignment.Assignment {
	t.Helper()
	ctx := context.Background()
	a, err := f.assignments.Create(ctx, client, assignment.CreateRequest{
		Kind:        kind,
		Title:       "Data pipeline",
		Description: "Nightly import",
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

func (f *fixture) fundAndHold(t *testing.T, assignmentID string, gross int64) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e, err := f.escrows.Create(ctx, client, assignmentID, escrow.CreateRequest{GrossAmount: gross})
	require.NoError(t, err)

	payload, err := json.Marshal(escrow.Notification{
		CorrelationID: "x-" + e.Reference,
		EventType:     escrow.EventPaymentAuthorized,
		Reference:     e.Reference,
		Amount:        gross,
	})
	require.NoError(t, err)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(secret)}, nil)
	require.NoError(t, err)
	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	token, err := obj.CompactSerialize()
	require.NoError(t, err)

	_, err = f.escrows.HandleWebhook(ctx, token)
	require.NoError(t, err)
	return e
}

// inProgressJob is a funded job with work started.
func (f *fixture) inProgressJob(t *testing.T) (*assignment.Assignment, *escrow.Escrow) {
	t.Helper()
	a := f.assigned(t, assignment.KindJob)
	e := f.fundAndHold(t, a.ID, 5000)
	require.Equal(t, assignment.StatusInProgress, f.status(t, a.ID))
	return a, e
}

func (f *fixture) status(t *testing.T, id string) assignment.Status {
	t.Helper()
	a, err := f.assignments.Find(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func (f *fixture) escrow(t *testing.T, id string) *escrow.Escrow {
	t.Helper()
	var e escrow.Escrow
	require.NoError(t, f.db.First(&e, "id = ?", id).Error)
	return &e
}

func openReq() OpenRequest {
	return OpenRequest{
		Reason:      ReasonQuality,
		Title:       "Work does not match the brief",
		Description: "The import drops rows with unicode names.",
	}
}

func share(v float64) *float64 { return &v }

func TestOpenRequiresHeldFundsOrDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.assigned(t, assignment.KindJob)
	_, err := f.svc.Open(ctx, freelancer, a.ID, openReq())
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	a, e := f.inProgressJob(t)
	_, err = f.svc.Open(ctx, stranger, a.ID, openReq())
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.svc.Open(ctx, client, a.ID, OpenRequest{Reason: ReasonOther, Title: "Late"})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	d, err := f.svc.Open(ctx, client, a.ID, openReq())
	require.NoError(t, err)
	require.Equal(t, StatusOpen, d.Status)
	require.Equal(t, client.ID, d.InitiatorID)
	require.Equal(t, freelancer.ID, d.RespondentID)
	require.Equal(t, e.Reference, d.EscrowPaymentRef)
	require.Equal(t, f.clock.Now().Add(7*24*time.Hour), d.ResponseDeadline.UTC())

	require.Equal(t, assignment.StatusDisputed, f.status(t, a.ID))
	require.Equal(t, escrow.StatusDisputed, f.escrow(t, e.ID).Status)

	_, err = f.svc.Open(ctx, freelancer, a.ID, openReq())
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	// frozen funds cannot be released or cancelled away
	_, err = f.escrows.ReleaseFull(ctx, client, e.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
	_, err = f.assignments.Cancel(ctx, client, a.ID, "giving up")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestSplitResolutionOnGig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gig := f.assigned(t, assignment.KindGig)
	e := f.fundAndHold(t, gig.ID, 5000)
	rows, err := f.milestones.CreateBatch(ctx, client, gig.ID, milestone.CreateBatchRequest{Items: []milestone.Item{
		{Title: "Schema", Amount: 2000},
		{Title: "Importer", Amount: 2000},
		{Title: "Docs", Amount: 1000},
	}})
	require.NoError(t, err)

	for _, m := range rows[:2] {
		_, err := f.milestones.Start(ctx, freelancer, m.ID)
		require.NoError(t, err)
		_, err = f.milestones.Submit(ctx, freelancer, m.ID, milestone.SubmitRequest{Links: []string{"https://example.com/pr/1"}})
		require.NoError(t, err)
	}
	_, err = f.milestones.Approve(ctx, client, rows[0].ID, "")
	require.NoError(t, err)

	d, err := f.svc.Open(ctx, freelancer, gig.ID, OpenRequest{
		Reason:      ReasonNonPayment,
		Title:       "Importer approval withheld",
		Description: "Second milestone was delivered a week ago.",
	})
	require.NoError(t, err)
	require.Equal(t, escrow.StatusDisputed, f.escrow(t, e.ID).Status)

	_, err = f.milestones.Approve(ctx, client, rows[1].ID, "")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	_, err = f.svc.Resolve(ctx, client, d.ID, ResolveRequest{Decision: DecisionSplitPayment, Summary: "split", Share: share(0.6)})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, call escrow.RefundCall) (*escrow.RefundResult, error) {
			require.EqualValues(t, 1000, call.Amount)
			return &escrow.RefundResult{RefundID: "rf_1"}, nil
		})
	d, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Decision: DecisionSplitPayment, Summary: "60/40 on the rest", Share: share(0.6)})
	require.NoError(t, err)
	require.Equal(t, StatusResolved, d.Status)
	require.Equal(t, DecisionSplitPayment, d.ResolutionDecision)
	require.NotNil(t, d.ResolvedAt)

	settled := f.escrow(t, e.ID)
	require.Equal(t, escrow.StatusReleased, settled.Status)
	require.EqualValues(t, 3500, settled.ReleasedAmount)
	require.EqualValues(t, 1000, settled.RefundedAmount)
	require.Equal(t, assignment.StatusCompleted, f.status(t, gig.ID))

	a, err := f.assignments.Find(ctx, gig.ID)
	require.NoError(t, err)
	require.NotNil(t, a.CompletedAt)

	detail, err := f.svc.Get(ctx, freelancer, d.ID)
	require.NoError(t, err)
	kinds := make([]EventKind, 0, len(detail.Events))
	for _, ev := range detail.Events {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []EventKind{EventOpened, EventResolved}, kinds)

	_, err = f.svc.Get(ctx, stranger, d.ID)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	closed, err := f.svc.Close(ctx, admin, d.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusClosed, closed.Status)
}

func TestMutualAgreementNeedsBothParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, e := f.inProgressJob(t)

	d, err := f.svc.Open(ctx, client, a.ID, openReq())
	require.NoError(t, err)

	proposal := ResolveRequest{Decision: DecisionMutualAgreement, Summary: "half each", Share: share(0.5)}
	d, err = f.svc.Resolve(ctx, freelancer, d.ID, proposal)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, d.Status)
	require.Equal(t, freelancer.ID, d.ProposedBy)

	// repeating your own proposal does not resolve it
	d, err = f.svc.Resolve(ctx, freelancer, d.ID, proposal)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, d.Status)

	// a different counter-proposal replaces it
	d, err = f.svc.Resolve(ctx, client, d.ID, ResolveRequest{Decision: DecisionMutualAgreement, Summary: "less", Share: share(0.4)})
	require.NoError(t, err)
	require.Equal(t, StatusOpen, d.Status)
	require.Equal(t, client.ID, d.ProposedBy)

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).Return(&escrow.RefundResult{RefundID: "rf_1"}, nil)
	d, err = f.svc.Resolve(ctx, freelancer, d.ID, ResolveRequest{Decision: DecisionMutualAgreement, Summary: "fine", Share: share(0.4)})
	require.NoError(t, err)
	require.Equal(t, StatusResolved, d.Status)
	require.Equal(t, freelancer.ID, d.ResolvedBy)

	settled := f.escrow(t, e.ID)
	require.EqualValues(t, 1800, settled.ReleasedAmount)
	require.EqualValues(t, 2700, settled.RefundedAmount)
	require.Equal(t, assignment.StatusCompleted, f.status(t, a.ID))

	_, err = f.svc.Resolve(ctx, admin, d.ID, proposal)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestFavorClientRefundsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, e := f.inProgressJob(t)
	d, err := f.svc.Open(ctx, client, a.ID, openReq())
	require.NoError(t, err)

	f.gateway.EXPECT().Refund(gomock.Any(), gomock.Any()).Return(&escrow.RefundResult{RefundID: "rf_1"}, nil)
	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Decision: DecisionFavorClient, Summary: "nothing delivered"})
	require.NoError(t, err)

	settled := f.escrow(t, e.ID)
	require.Equal(t, escrow.StatusRefunded, settled.Status)
	require.Zero(t, settled.ReleasedAmount)
}

func TestResumeWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, e := f.inProgressJob(t)
	d, err := f.svc.Open(ctx, freelancer, a.ID, openReq())
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Decision: DecisionFavorClient, Summary: "x", ResumeWork: true})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	d, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Decision: DecisionNoFault, Summary: "misunderstanding", ResumeWork: true})
	require.NoError(t, err)
	require.True(t, d.ResumeWork)
	require.Equal(t, escrow.StatusHeld, f.escrow(t, e.ID).Status)
	require.Equal(t, assignment.StatusInProgress, f.status(t, a.ID))

	history, err := f.assignments.History(ctx, a.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	require.Equal(t, assignment.StatusDisputed, last.FromStatus)
	require.Equal(t, assignment.StatusInProgress, last.ToStatus)
}

func TestResumeRefusedOnPaidOutGig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gig := f.assigned(t, assignment.KindGig)
	e := f.fundAndHold(t, gig.ID, 3000)
	rows, err := f.milestones.CreateBatch(ctx, client, gig.ID, milestone.CreateBatchRequest{Items: []milestone.Item{
		{Title: "Draft", Amount: 2000},
		{Title: "Final", Amount: 1000},
	}})
	require.NoError(t, err)
	for _, m := range rows {
		_, err := f.milestones.Start(ctx, freelancer, m.ID)
		require.NoError(t, err)
		_, err = f.milestones.Submit(ctx, freelancer, m.ID, milestone.SubmitRequest{Links: []string{"https://example.com/pr/2"}})
		require.NoError(t, err)
		_, err = f.milestones.Approve(ctx, client, m.ID, "")
		require.NoError(t, err)
	}
	require.Equal(t, assignment.StatusPendingReview, f.status(t, gig.ID))
	require.Equal(t, escrow.StatusReleased, f.escrow(t, e.ID).Status)

	d, err := f.svc.Open(ctx, client, gig.ID, openReq())
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Decision: DecisionNoFault, Summary: "redo", ResumeWork: true})
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
	_, err = f.svc.Resolve(ctx, client, d.ID, ResolveRequest{Decision: DecisionMutualAgreement, Summary: "redo", ResumeWork: true})
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
	require.Equal(t, assignment.StatusDisputed, f.status(t, gig.ID))

	d, err = f.svc.Resolve(ctx, admin, d.ID, ResolveRequest{Decision: DecisionNoFault, Summary: "delivered as agreed"})
	require.NoError(t, err)
	require.Equal(t, StatusResolved, d.Status)
	require.Equal(t, assignment.StatusCompleted, f.status(t, gig.ID))
	require.Equal(t, escrow.StatusReleased, f.escrow(t, e.ID).Status)
}

func TestRespondAndRequestInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.inProgressJob(t)
	d, err := f.svc.Open(ctx, client, a.ID, openReq())
	require.NoError(t, err)

	_, err = f.svc.Respond(ctx, client, d.ID, EvidenceRequest{Notes: "me again"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	_, err = f.svc.Respond(ctx, freelancer, d.ID, EvidenceRequest{})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	d, err = f.svc.Respond(ctx, freelancer, d.ID, EvidenceRequest{Notes: "Rows with unicode were out of scope", Links: []string{"https://example.com/brief"}})
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, d.Status)
	require.NotNil(t, d.ReviewedAt)
	require.Len(t, d.RespondentEvidence, 1)

	_, err = f.svc.RequestInfo(ctx, client, d.ID, "send the brief")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	d, err = f.svc.RequestInfo(ctx, admin, d.ID, "send the original brief")
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingResponse, d.Status)

	d, err = f.svc.Respond(ctx, client, d.ID, EvidenceRequest{Notes: "attached", Links: []string{"https://example.com/brief-v1"}})
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, d.Status)
	require.Len(t, d.InitiatorEvidence, 1)

	d, err = f.svc.AddEvidence(ctx, freelancer, d.ID, EvidenceRequest{Notes: "chat log"})
	require.NoError(t, err)
	require.Len(t, d.RespondentEvidence, 2)

	_, err = f.svc.AddEvidence(ctx, stranger, d.ID, EvidenceRequest{Notes: "hi"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	events, err := f.svc.EventsForAssignment(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, events, 5)
}

func TestOverdueSweepAndEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.inProgressJob(t)
	d, err := f.svc.Open(ctx, client, a.ID, openReq())
	require.NoError(t, err)

	_, err = f.svc.Escalate(ctx, admin, d.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	n, err := f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(7*24*time.Hour + time.Second)
	n, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = f.svc.SweepOverdue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	detail, err := f.svc.Get(ctx, admin, d.ID)
	require.NoError(t, err)
	require.True(t, detail.Overdue)
	require.Equal(t, StatusOpen, detail.Status)

	_, err = f.svc.Escalate(ctx, client, d.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	d, err = f.svc.Escalate(ctx, admin, d.ID, "no answer from the freelancer")
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, d.Status)
	require.NotNil(t, d.EscalatedAt)
}

func TestEvidenceFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, _ := f.inProgressJob(t)
	d, err := f.svc.Open(ctx, client, a.ID, openReq())
	require.NoError(t, err)

	d, err = f.svc.AddEvidenceFile(ctx, client, d.ID, "screenshot 1.png", bytes.NewBufferString("png"), 3, "image/png")
	require.NoError(t, err)
	require.Len(t, d.EvidenceFiles, 1)
	require.True(t, strings.HasPrefix(d.EvidenceFiles[0], "attachments/"+a.ID+"/disputes/"+d.ID+"/"))
	require.Equal(t, []string{d.EvidenceFiles[0]}, f.objects.Keys(minio.BucketAttachment))

	_, err = f.svc.AddEvidenceFile(ctx, stranger, d.ID, "x.png", bytes.NewBufferString("png"), 3, "image/png")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
}
