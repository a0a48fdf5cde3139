package assignment

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/db/pagination"
	"trustwork/pkg/errutil"
	"trustwork/pkg/outbox"
	"trustwork/pkg/sequence"
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
	otherOwner = &principal.Principal{ID: "c2", Role: principal.RoleClient}
	freelancer = &principal.Principal{ID: "f1", Role: principal.RoleFreelancer}
	admin      = &principal.Principal{ID: "a1", Role: principal.RoleAdmin}
)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	clock *testutil.Clock
	views *MemoryViewCounter
}

func newFixture(t *testing.T, hooks []Hook, gates []Gate) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &Assignment{}, &Skill{}, &StatusHistory{}, &outbox.Event{})
	node := testutil.NewNode(t)
	clock := testutil.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	views := NewMemoryViewCounter()
	svc := NewService(ServiceParams{
		DB:     db,
		Node:   node,
		Seq:    &sequence.MemoryGenerator{Now: clock.Now},
		Config: &config.Config{Engine: config.DefaultEngine()},
		Views:  views,
		Outbox: outbox.NewWriter(node),
		Hooks:  hooks,
		Gates:  gates,
		Now:    clock.Now,
	})
	return &fixture{svc: svc, db: db, clock: clock, views: views}
}

func i64(v int64) *int64 { return &v }

func createOpen(t *testing.T, f *fixture, kind Kind, title string, min, max int64, skills ...string) *Assignment {
	t.Helper()
	a, err := f.svc.Create(context.Background(), client, CreateRequest{
		Kind:           kind,
		Title:          title,
		Description:    "desc",
		BudgetMin:      i64(min),
		BudgetMax:      i64(max),
		BudgetUnit:     BudgetFixed,
		RequiredSkills: skills,
		Publish:        true,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) transition(t *testing.T, id string, to Status, opts ...TransitionOption) (*Assignment, error) {
	t.Helper()
	var out *Assignment
	err := f.db.Transaction(func(tx *gorm.DB) error {
		a, err := f.svc.Transition(context.Background(), tx, id, to, "system", "test", opts...)
		out = a
		return err
	})
	return out, err
}

func TestCreate(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, freelancer, CreateRequest{Kind: KindJob, Title: "Backend dev"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.svc.Create(ctx, client, CreateRequest{Kind: KindJob, Title: "Backend dev", BudgetMin: i64(10), BudgetMax: i64(5)})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	a, err := f.svc.Create(ctx, client, CreateRequest{
		Kind:           KindGig,
		Title:          "Logo Design",
		BudgetMin:      i64(5000),
		BudgetMax:      i64(5000),
		BudgetUnit:     BudgetFixed,
		RequiredSkills: []string{"Figma", " figma ", "Branding"},
		SkillTest:      &SkillTestRequest{TemplateID: "t1", Difficulty: "mid"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusDraft, a.Status)
	require.Equal(t, "logo-design", a.Slug)
	require.Contains(t, a.Code, "ASG-")
	require.Equal(t, []string{"figma", "branding"}, []string(a.RequiredSkills))
	require.NotNil(t, a.SkillTestRequirement)
	require.Equal(t, 70, a.SkillTestRequirement.PassingScore)

	history, err := f.svc.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, Status(""), history[0].FromStatus)
	require.Equal(t, StatusDraft, history[0].ToStatus)
}

func TestDraftVisibility(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	a, err := f.svc.Create(ctx, client, CreateRequest{Kind: KindJob, Title: "Secret role", BudgetUnit: BudgetNegotiable})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, freelancer, a.ID)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
	_, err = f.svc.Get(ctx, nil, a.ID)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	got, err := f.svc.Get(ctx, client, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	_, err = f.svc.Publish(ctx, otherOwner, a.ID)
	require.True(t, errutil.Is(err, errutil.StatusNotFound))

	published, err := f.svc.Publish(ctx, client, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, published.Status)
	require.NotNil(t, published.PublishedAt)

	_, err = f.svc.Publish(ctx, client, a.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDraft, StatusOpen, true},
		{StatusOpen, StatusAssigned, true},
		{StatusAssigned, StatusInProgress, true},
		{StatusInProgress, StatusPendingReview, true},
		{StatusPendingReview, StatusCompleted, true},
		{StatusInProgress, StatusDisputed, true},
		{StatusDisputed, StatusInProgress, true},
		{StatusDisputed, StatusCompleted, true},
		{StatusOpen, StatusDisputed, false},
		{StatusDraft, StatusAssigned, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusOpen, false},
		{StatusClosed, StatusOpen, false},
		{StatusDisputed, StatusCancelled, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTransitionAppendsHistory(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := createOpen(t, f, KindJob, "Go developer", 100, 200)

	_, err := f.transition(t, a.ID, StatusPendingReview)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	got, err := f.transition(t, a.ID, StatusAssigned, SetFields(map[string]any{"assigned_freelancer_id": freelancer.ID}))
	require.NoError(t, err)
	require.Equal(t, StatusAssigned, got.Status)
	require.Equal(t, freelancer.ID, *got.AssignedFreelancerID)

	_, err = f.transition(t, a.ID, StatusInProgress, Expect(StatusOpen))
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	history, err := f.svc.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	last := history[len(history)-1]
	require.Equal(t, StatusOpen, last.FromStatus)
	require.Equal(t, StatusAssigned, last.ToStatus)

	var events int64
	require.NoError(t, f.db.Model(&outbox.Event{}).Where("aggregate_id = ? AND event_type = ?", a.ID, "AssignmentStatusChanged").Count(&events).Error)
	require.EqualValues(t, 1, events)
}

type hookFunc func(ctx context.Context, tx *gorm.DB, a *Assignment, to Status, by string) error

func (h hookFunc) BeforeTransition(ctx context.Context, tx *gorm.DB, a *Assignment, to Status, by string) error {
	return h(ctx, tx, a, to, by)
}

type gateFunc func(a *Assignment) bool

func (g gateFunc) ReadyForWork(_ context.Context, _ *gorm.DB, a *Assignment) (bool, error) {
	return g(a), nil
}

func TestHookAbortsTransition(t *testing.T) {
	refuse := errutil.InvalidTransition("escrow already released", nil)
	f := newFixture(t, []Hook{hookFunc(func(_ context.Context, _ *gorm.DB, a *Assignment, to Status, _ string) error {
		if to == StatusCancelled {
			return refuse
		}
		return nil
	})}, nil)
	ctx := context.Background()
	a := createOpen(t, f, KindJob, "Data pipeline", 100, 100)

	_, err := f.svc.Cancel(ctx, client, a.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Cancel(ctx, client, a.ID, "budget cut")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
	require.ErrorContains(t, err, "escrow already released")

	got, err := f.svc.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusOpen, got.Status)

	history, err := f.svc.History(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestStartWorkGates(t *testing.T) {
	ready := false
	f := newFixture(t, nil, []Gate{gateFunc(func(*Assignment) bool { return ready })})
	ctx := context.Background()
	a := createOpen(t, f, KindGig, "Illustration", 300, 300)
	_, err := f.transition(t, a.ID, StatusAssigned)
	require.NoError(t, err)

	start := func() bool {
		var started bool
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			var err error
			started, err = f.svc.StartWork(ctx, tx, a.ID, "system", "escrow held")
			return err
		}))
		return started
	}

	require.False(t, start())
	ready = true
	require.True(t, start())
	require.False(t, start())

	got, err := f.svc.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
}

func TestJobCompletion(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := createOpen(t, f, KindJob, "API integration", 100, 100)
	_, err := f.transition(t, a.ID, StatusAssigned, SetFields(map[string]any{"assigned_freelancer_id": freelancer.ID}))
	require.NoError(t, err)

	_, err = f.svc.MarkComplete(ctx, freelancer, a.ID)
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	_, err = f.transition(t, a.ID, StatusInProgress)
	require.NoError(t, err)

	_, err = f.svc.MarkComplete(ctx, &principal.Principal{ID: "f2", Role: principal.RoleFreelancer}, a.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	got, err := f.svc.MarkComplete(ctx, freelancer, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPendingReview, got.Status)

	f.clock.Advance(time.Hour)
	got, err = f.svc.ApproveCompletion(ctx, client, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.True(t, f.clock.Now().Equal(got.CompletedAt.UTC()))

	_, err = f.svc.Cancel(ctx, client, a.ID, "too late")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	history, err := f.svc.History(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, history[len(history)-1].ToStatus)
}

func TestUpdateOnlyWhileDraftOrOpen(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := createOpen(t, f, KindJob, "Mobile app", 100, 500, "swift")

	title := "Mobile app v2"
	skills := []string{"kotlin"}
	got, err := f.svc.Update(ctx, client, a.ID, UpdateRequest{Title: &title, RequiredSkills: &skills})
	require.NoError(t, err)
	require.Equal(t, "mobile-app-v2", got.Slug)
	require.Equal(t, []string{"kotlin"}, []string(got.RequiredSkills))

	_, err = f.svc.Update(ctx, client, a.ID, UpdateRequest{BudgetMin: i64(900)})
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))

	_, err = f.svc.Update(ctx, otherOwner, a.ID, UpdateRequest{Title: &title})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	_, err = f.svc.Close(ctx, client, a.ID)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, client, a.ID, UpdateRequest{Title: &title})
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestList(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	cheap := createOpen(t, f, KindJob, "Copywriting", 100, 200, "writing")
	f.clock.Advance(time.Minute)
	mid := createOpen(t, f, KindGig, "Go services", 500, 900, "go", "postgres")
	f.clock.Advance(time.Minute)
	rich := createOpen(t, f, KindJob, "Go platform lead", 5000, 9000, "go", "kubernetes")
	_, err := f.svc.Create(ctx, client, CreateRequest{Kind: KindJob, Title: "Hidden draft", BudgetUnit: BudgetFixed})
	require.NoError(t, err)

	ids := func(res *ListResponse) []string {
		out := make([]string, 0, len(res.Data))
		for _, a := range res.Data {
			out = append(out, a.ID)
		}
		return out
	}

	res, err := f.svc.List(ctx, nil, Filter{})
	require.NoError(t, err)
	require.Equal(t, []string{cheap.ID, mid.ID, rich.ID}, ids(res))

	res, err = f.svc.List(ctx, freelancer, Filter{SortBy: "budget_max", OrderBy: "desc"})
	require.NoError(t, err)
	require.Equal(t, []string{rich.ID, mid.ID, cheap.ID}, ids(res))

	res, err = f.svc.List(ctx, freelancer, Filter{Skills: []string{"GO", "rust"}})
	require.NoError(t, err)
	require.Equal(t, []string{mid.ID, rich.ID}, ids(res))

	res, err = f.svc.List(ctx, freelancer, Filter{BudgetFrom: i64(300), BudgetTo: i64(1000)})
	require.NoError(t, err)
	require.Equal(t, []string{mid.ID}, ids(res))

	res, err = f.svc.List(ctx, freelancer, Filter{Query: "go"})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)

	res, err = f.svc.List(ctx, freelancer, Filter{Status: StatusDraft})
	require.NoError(t, err)
	require.Empty(t, res.Data)

	res, err = f.svc.List(ctx, client, Filter{OwnerID: client.ID, Status: StatusDraft})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)

	res, err = f.svc.List(ctx, admin, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Data, 4)

	res, err = f.svc.List(ctx, nil, Filter{Pagination: paginationOf(2, 0)})
	require.NoError(t, err)
	require.True(t, res.PageInfo.HasMore)
	require.Equal(t, 2, res.PageInfo.NextOffset)
	require.Len(t, res.Data, 2)
}

func TestViewsCountedOffRequestPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := createOpen(t, f, KindJob, "Ops", 1, 1)

	_, err := f.svc.Get(ctx, client, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, freelancer, a.ID)
	require.NoError(t, err)
	_, err = f.svc.Get(ctx, nil, a.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.views.Pending(a.ID) == 2 }, time.Second, 10*time.Millisecond)

	n, err := f.svc.FlushViews(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.Find(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.ViewsCount)
	require.Zero(t, f.views.Pending(a.ID))
}

// brokenDrain hands out what it drained and then fails.
type brokenDrain struct {
	*MemoryViewCounter
}

func (b brokenDrain) Drain(ctx context.Context) (map[string]int64, error) {
	counts, _ := b.MemoryViewCounter.Drain(ctx)
	return counts, errors.New("connection reset")
}

func TestFlushViewsKeepsCountsOnFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := createOpen(t, f, KindJob, "Ops", 1, 1)

	require.NoError(t, f.views.Restore(ctx, a.ID, 3))
	require.NoError(t, f.db.Callback().Update().Before("gorm:update").Register("test:fail_views", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("disk full"))
	}))
	n, err := f.svc.FlushViews(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.EqualValues(t, 3, f.views.Pending(a.ID))

	require.NoError(t, f.db.Callback().Update().Remove("test:fail_views"))
	f.svc.views = brokenDrain{f.views}
	n, err = f.svc.FlushViews(ctx)
	require.Error(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.Find(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, got.ViewsCount)
	require.Zero(t, f.views.Pending(a.ID))
}

func paginationOf(limit, offset int) pagination.Pagination {
	return pagination.Pagination{Limit: limit, Offset: offset}
}
