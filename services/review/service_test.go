package review

import (
	"context"
	"testing"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"
	"trustwork/pkg/minio"
	"trustwork/pkg/outbox"
	"trustwork/pkg/sequence"
	"trustwork/services/application"
	"trustwork/services/assignment"
	"trustwork/services/principal"
	"trustwork/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	client     = &principal.Principal{ID: "c1", Role: principal.RoleClient}
	freelancer = &principal.Principal{ID: "f1", Role: principal.RoleFreelancer}
	other      = &principal.Principal{ID: "f2", Role: principal.RoleFreelancer}
	admin      = &principal.Principal{ID: "root", Role: principal.RoleAdmin}
)

type fixture struct {
	db           *gorm.DB
	svc          *Service
	assignments  *assignment.Service
	applications *application.Service
	clock        *testutil.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&assignment.Assignment{}, &assignment.Skill{}, &assignment.StatusHistory{},
		&application.Application{}, &Review{}, &outbox.Event{},
	)
	node := testutil.NewNode(t)
	clock := testutil.NewClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	writer := outbox.NewWriter(node)
	cfg := &config.Config{Engine: config.DefaultEngine()}

	assignments := assignment.NewService(assignment.ServiceParams{
		DB:     db,
		Node:   node,
		Seq:    &sequence.MemoryGenerator{Now: clock.Now},
		Config: cfg,
		Views:  assignment.NewMemoryViewCounter(),
		Outbox: writer,
		Now:    clock.Now,
	})
	applications := application.NewService(application.ServiceParams{
		DB:          db,
		Node:        node,
		Assignments: assignments,
		Objects:     minio.NewMemoryStore(),
		Outbox:      writer,
		Now:         clock.Now,
	})
	svc := NewService(ServiceParams{
		DB:           db,
		Node:         node,
		Config:       cfg,
		Assignments:  assignments,
		Applications: applications,
		Outbox:       writer,
		Now:          clock.Now,
	})
	return &fixture{db: db, svc: svc, assignments: assignments, applications: applications, clock: clock}
}

// hired posts an assignment, hires f1 and returns the accepted application.
func (f *fixture) hired(t *testing.T, kind assignment.Kind) (*assignment.Assignment, *application.Application) {
	t.Helper()
	ctx := context.Background()
	a, err := f.assignments.Create(ctx, client, assignment.CreateRequest{
		Kind:        kind,
		Title:       "Brand refresh",
		Description: "Logo and palette",
		BudgetUnit:  assignment.BudgetFixed,
		Publish:     true,
	})
	require.NoError(t, err)
	app, err := f.applications.Submit(ctx, freelancer, a.ID, application.SubmitRequest{CoverLetter: "I have refreshed a dozen brands this year."})
	require.NoError(t, err)
	app, err = f.applications.SetStatus(ctx, client, app.ID, application.StatusAccepted, "welcome aboard")
	require.NoError(t, err)
	return a, app
}

// complete runs the hired assignment to completed at the current clock.
func (f *fixture) complete(t *testing.T, a *assignment.Assignment) {
	t.Helper()
	ctx := context.Background()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.assignments.Transition(ctx, tx, a.ID, assignment.StatusInProgress, "system", "funded"); err != nil {
			return err
		}
		_, err := f.assignments.Transition(ctx, tx, a.ID, assignment.StatusPendingReview, freelancer.ID, "done")
		return err
	})
	require.NoError(t, err)
	_, err = f.assignments.ApproveCompletion(ctx, client, a.ID)
	require.NoError(t, err)
}

func clientReview() SubmitRequest {
	return SubmitRequest{
		OverallRating: 5,
		SubRatings:    Ratings{"communication": 5, "quality": 4, "professionalism": 5, "timeliness": 4},
		ReviewText:    "Delivered a clean identity on time.",
	}
}

func freelancerReview() SubmitRequest {
	return SubmitRequest{
		OverallRating: 4,
		SubRatings:    Ratings{"communication": 4, "clarity": 3, "payment_promptness": 5, "professionalism": 4},
		ReviewText:    "Clear brief and paid promptly.",
	}
}

func TestReviewWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, app := f.hired(t, assignment.KindGig)

	_, err := f.svc.Submit(ctx, client, app.ID, clientReview())
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	f.complete(t, a)
	t0 := f.clock.Now()

	f.clock.Set(t0.Add(29 * 24 * time.Hour))
	e, err := f.svc.CanReview(ctx, client, app.ID)
	require.NoError(t, err)
	require.True(t, e.Eligible)
	require.Equal(t, ReviewerClient, e.ReviewerType)
	require.Equal(t, freelancer.ID, e.RevieweeID)

	r, err := f.svc.Submit(ctx, client, app.ID, clientReview())
	require.NoError(t, err)
	require.Equal(t, ReviewerClient, r.ReviewerType)
	require.Equal(t, freelancer.ID, r.RevieweeID)
	require.True(t, r.ReviewWindowEnd.Equal(t0.Add(30*24*time.Hour)))
	require.Equal(t, ModerationPending, r.ModerationStatus)

	_, err = f.svc.Submit(ctx, client, app.ID, clientReview())
	require.True(t, errutil.Is(err, errutil.StatusQuota))
	e, err = f.svc.CanReview(ctx, client, app.ID)
	require.NoError(t, err)
	require.False(t, e.Eligible)

	f.clock.Set(t0.Add(31 * 24 * time.Hour))
	_, err = f.svc.Submit(ctx, freelancer, app.ID, freelancerReview())
	require.True(t, errutil.Is(err, errutil.StatusQuota))

	text := "Changed my mind about the palette."
	_, err = f.svc.Update(ctx, client, r.ID, UpdateRequest{ReviewText: &text})
	require.True(t, errutil.Is(err, errutil.StatusQuota))

	stored, err := f.svc.GetForAssignment(ctx, client, a.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "Delivered a clean identity on time.", stored[0].ReviewText)
}

func TestWindowBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, app := f.hired(t, assignment.KindGig)
	f.complete(t, a)

	f.clock.Advance(30 * 24 * time.Hour)
	_, err := f.svc.Submit(ctx, freelancer, app.ID, freelancerReview())
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, app := f.hired(t, assignment.KindJob)
	f.complete(t, a)

	_, err := f.svc.Submit(ctx, other, app.ID, clientReview())
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	// jobs pair employer and employee, so gig dimensions are rejected
	_, err = f.svc.Submit(ctx, client, app.ID, clientReview())
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	req := SubmitRequest{
		OverallRating: 6,
		SubRatings:    Ratings{"work_quality": 5, "reliability": 5, "communication": 4, "teamwork": 5},
		ReviewText:    "Reliable and a strong teammate.",
	}
	_, err = f.svc.Submit(ctx, client, app.ID, req)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	req.OverallRating = 5
	req.SubRatings["teamwork"] = 0
	_, err = f.svc.Submit(ctx, client, app.ID, req)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	req.SubRatings["teamwork"] = 5
	req.ReviewText = "ok"
	_, err = f.svc.Submit(ctx, client, app.ID, req)
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	req.ReviewText = "Reliable and a strong teammate."
	r, err := f.svc.Submit(ctx, client, app.ID, req)
	require.NoError(t, err)
	require.Equal(t, ReviewerEmployer, r.ReviewerType)
	require.Equal(t, 5, r.SubRatings.Data()["teamwork"])
}

func TestUpdateFlagAndModerate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, app := f.hired(t, assignment.KindGig)
	f.complete(t, a)

	r, err := f.svc.Submit(ctx, client, app.ID, clientReview())
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, freelancer, r.ID, UpdateRequest{})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	overall := 4
	r, err = f.svc.Update(ctx, client, r.ID, UpdateRequest{OverallRating: &overall})
	require.NoError(t, err)
	require.Equal(t, 4, r.OverallRating)
	require.Equal(t, 4, r.SubRatings.Data()["quality"])

	_, err = f.svc.Flag(ctx, client, r.ID, "spam")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	r, err = f.svc.Flag(ctx, freelancer, r.ID, "not accurate")
	require.NoError(t, err)
	require.True(t, r.Flagged)

	r, err = f.svc.MarkHelpful(ctx, other, r.ID)
	require.NoError(t, err)
	r, err = f.svc.MarkHelpful(ctx, admin, r.ID)
	require.NoError(t, err)
	require.Equal(t, 2, r.HelpfulCount)

	_, err = f.svc.Moderate(ctx, client, r.ID, ModerationApproved)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
	r, err = f.svc.Moderate(ctx, admin, r.ID, ModerationApproved)
	require.NoError(t, err)
	require.Equal(t, ModerationApproved, r.ModerationStatus)
	require.False(t, r.Flagged)

	_, err = f.svc.Update(ctx, client, r.ID, UpdateRequest{OverallRating: &overall})
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestGetForUserAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, app1 := f.hired(t, assignment.KindGig)
	f.complete(t, a1)
	a2, app2 := f.hired(t, assignment.KindGig)
	f.complete(t, a2)

	r1, err := f.svc.Submit(ctx, client, app1.ID, clientReview())
	require.NoError(t, err)
	second := clientReview()
	second.OverallRating = 4
	second.SubRatings["quality"] = 3
	_, err = f.svc.Submit(ctx, client, app2.ID, second)
	require.NoError(t, err)

	out, err := f.svc.GetForUser(ctx, freelancer.ID)
	require.NoError(t, err)
	require.Equal(t, 2, out.Aggregate.Count)
	require.Equal(t, 4.5, out.Aggregate.AverageOverall)
	require.Equal(t, 3.5, out.Aggregate.AverageSub["quality"])
	require.Equal(t, 5.0, out.Aggregate.AverageSub["communication"])

	_, err = f.svc.Moderate(ctx, admin, r1.ID, ModerationRejected)
	require.NoError(t, err)
	out, err = f.svc.GetForUser(ctx, freelancer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, out.Aggregate.Count)
	require.Equal(t, 4.0, out.Aggregate.AverageOverall)

	// participants still see the rejected review on the assignment
	rows, err := f.svc.GetForAssignment(ctx, client, a1.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	rows, err = f.svc.GetForAssignment(ctx, other, a1.ID)
	require.NoError(t, err)
	require.Empty(t, rows)

	empty, err := f.svc.GetForUser(ctx, "nobody")
	require.NoError(t, err)
	require.Zero(t, empty.Aggregate.Count)
}
