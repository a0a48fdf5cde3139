package application

import (
	"bytes"
	"context"
	"testing"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"
	"trustwork/pkg/minio"
	"trustwork/pkg/outbox"
	"trustwork/pkg/sequence"
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
	owner = &principal.Principal{ID: "c1", Role: principal.RoleClient}
	f1    = &principal.Principal{ID: "f1", Role: principal.RoleFreelancer}
	f2    = &principal.Principal{ID: "f2", Role: principal.RoleFreelancer}
	f3    = &principal.Principal{ID: "f3", Role: principal.RoleFreelancer}
)

type gateFunc func(freelancerID, attemptID string) error

func (g gateFunc) Admit(_ context.Context, _ *gorm.DB, freelancerID string, _ *assignment.Assignment, attemptID string) error {
	return g(freelancerID, attemptID)
}

type fixture struct {
	svc         *Service
	assignments *assignment.Service
	objects     *minio.MemoryStore
	clock       *testutil.Clock
}

func newFixture(t *testing.T, gate SkillTestGate) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t, &assignment.Assignment{}, &assignment.Skill{}, &assignment.StatusHistory{}, &Application{}, &outbox.Event{})
	node := testutil.NewNode(t)
	clock := testutil.NewClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	writer := outbox.NewWriter(node)
	assignments := assignment.NewService(assignment.ServiceParams{
		DB:     db,
		Node:   node,
		Seq:    &sequence.MemoryGenerator{},
		Config: &config.Config{Engine: config.DefaultEngine()},
		Views:  assignment.NewMemoryViewCounter(),
		Outbox: writer,
		Now:    clock.Now,
	})
	objects := minio.NewMemoryStore()
	svc := NewService(ServiceParams{
		DB:          db,
		Node:        node,
		Assignments: assignments,
		SkillTests:  gate,
		Objects:     objects,
		Outbox:      writer,
		Now:         clock.Now,
	})
	return &fixture{svc: svc, assignments: assignments, objects: objects, clock: clock}
}

func (f *fixture) posting(t *testing.T, withTest bool) *assignment.Assignment {
	t.Helper()
	req := assignment.CreateRequest{Kind: assignment.KindGig, Title: "Landing page", BudgetUnit: assignment.BudgetFixed, Publish: true}
	if withTest {
		req.SkillTest = &assignment.SkillTestRequest{TemplateID: "tpl", Difficulty: "mid"}
	}
	a, err := f.assignments.Create(context.Background(), owner, req)
	require.NoError(t, err)
	return a
}

func apply(t *testing.T, f *fixture, who *principal.Principal, assignmentID string) *Application {
	t.Helper()
	app, err := f.svc.Submit(context.Background(), who, assignmentID, SubmitRequest{CoverLetter: "I have shipped many similar pages."})
	require.NoError(t, err)
	return app
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)

	_, err := f.svc.Submit(ctx, owner, a.ID, SubmitRequest{CoverLetter: "letter"})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	app := apply(t, f, f1, a.ID)
	require.Equal(t, StatusPending, app.Status)
	require.False(t, app.ViewedByEmployer)

	_, err = f.svc.Submit(ctx, f1, a.ID, SubmitRequest{CoverLetter: "again"})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	got, err := f.assignments.Find(ctx, a.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, got.ApplicationsCount)

	_, err = f.svc.Withdraw(ctx, f1, app.ID, "found another gig")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f1, a.ID, SubmitRequest{CoverLetter: "back again"})
	require.True(t, errutil.Is(err, errutil.StatusConflict))

	draft, err := f.assignments.Create(ctx, owner, assignment.CreateRequest{Kind: assignment.KindJob, Title: "Draft role", BudgetUnit: assignment.BudgetFixed})
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f2, draft.ID, SubmitRequest{CoverLetter: "letter"})
	require.True(t, errutil.Is(err, errutil.StatusNotFound))
}

func TestSubmitSkillTestGate(t *testing.T) {
	f := newFixture(t, gateFunc(func(freelancerID, attemptID string) error {
		if attemptID != "pass-"+freelancerID {
			return errutil.Quota("a passing skill test is required", nil)
		}
		return nil
	}))
	ctx := context.Background()
	a := f.posting(t, true)

	_, err := f.svc.Submit(ctx, f1, a.ID, SubmitRequest{CoverLetter: "letter", SkillTestAttemptID: "nope"})
	require.True(t, errutil.Is(err, errutil.StatusQuota))

	app, err := f.svc.Submit(ctx, f1, a.ID, SubmitRequest{CoverLetter: "letter", SkillTestAttemptID: "pass-f1"})
	require.NoError(t, err)
	require.Equal(t, "pass-f1", *app.SkillTestAttemptID)
}

func TestSetStatusTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)
	app := apply(t, f, f1, a.ID)

	_, err := f.svc.SetStatus(ctx, f1, app.ID, StatusShortlisted, "")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	got, err := f.svc.SetStatus(ctx, owner, app.ID, StatusShortlisted, "let's talk")
	require.NoError(t, err)
	require.Equal(t, StatusShortlisted, got.Status)
	require.Equal(t, "let's talk", got.EmployerMessage)

	got, err = f.svc.SetStatus(ctx, owner, app.ID, StatusRejected, "")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, got.Status)

	_, err = f.svc.SetStatus(ctx, owner, app.ID, StatusAccepted, "")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	_, err = f.svc.Withdraw(ctx, f1, app.ID, "")
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))

	_, err = f.svc.SetStatus(ctx, owner, app.ID, StatusWithdrawn, "")
	require.True(t, errutil.Is(err, errutil.StatusValidationFailed))
}

func TestAcceptRejectsSiblings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)
	a1 := apply(t, f, f1, a.ID)
	a2 := apply(t, f, f2, a.ID)
	a3 := apply(t, f, f3, a.ID)
	_, err := f.svc.Withdraw(ctx, f3, a3.ID, "busy")
	require.NoError(t, err)

	accepted, err := f.svc.SetStatus(ctx, owner, a1.ID, StatusAccepted, "welcome")
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, accepted.Status)

	sibling, err := f.svc.Find(ctx, a2.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, sibling.Status)
	withdrawn, err := f.svc.Find(ctx, a3.ID)
	require.NoError(t, err)
	require.Equal(t, StatusWithdrawn, withdrawn.Status)

	got, err := f.assignments.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, assignment.StatusAssigned, got.Status)
	require.Equal(t, f1.ID, *got.AssignedFreelancerID)
	require.Equal(t, a1.ID, *got.AssignedApplicationID)

	_, err = f.svc.SetStatus(ctx, owner, a2.ID, StatusAccepted, "")
	require.True(t, errutil.Is(err, errutil.StatusAlreadyAwarded))

	_, err = f.svc.Submit(ctx, &principal.Principal{ID: "f9", Role: principal.RoleFreelancer}, a.ID, SubmitRequest{CoverLetter: "late"})
	require.True(t, errutil.Is(err, errutil.StatusInvalidTransition))
}

func TestAcceptRace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)
	a1 := apply(t, f, f1, a.ID)
	a2 := apply(t, f, f2, a.ID)

	errs := make(chan error, 2)
	for _, id := range []string{a1.ID, a2.ID} {
		go func(id string) {
			_, err := f.svc.SetStatus(ctx, owner, id, StatusAccepted, "")
			errs <- err
		}(id)
	}

	var ok, awarded int
	for i := 0; i < 2; i++ {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errutil.Is(err, errutil.StatusConflict):
			awarded++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, awarded)

	list, err := f.svc.ListForAssignment(ctx, owner, a.ID, Filter{})
	require.NoError(t, err)
	counts := map[Status]int{}
	for _, app := range list.Data {
		counts[app.Status]++
	}
	require.Equal(t, map[Status]int{StatusAccepted: 1, StatusRejected: 1}, counts)

	got, err := f.assignments.Find(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, assignment.StatusAssigned, got.Status)
}

func TestMarkViewedIsSetOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)
	app := apply(t, f, f1, a.ID)

	_, err := f.svc.MarkViewed(ctx, f1, app.ID)
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	first, err := f.svc.MarkViewed(ctx, owner, app.ID)
	require.NoError(t, err)
	require.True(t, first.ViewedByEmployer)
	require.NotNil(t, first.ViewedAt)

	f.clock.Advance(time.Hour)
	second, err := f.svc.MarkViewed(ctx, owner, app.ID)
	require.NoError(t, err)
	require.True(t, first.ViewedAt.Equal(*second.ViewedAt))
}

func TestListsAndStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)
	b := f.posting(t, false)
	a1 := apply(t, f, f1, a.ID)
	apply(t, f, f2, a.ID)
	apply(t, f, f1, b.ID)
	_, err := f.svc.SetStatus(ctx, owner, a1.ID, StatusShortlisted, "")
	require.NoError(t, err)

	_, err = f.svc.ListForAssignment(ctx, f1, a.ID, Filter{})
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	list, err := f.svc.ListForAssignment(ctx, owner, a.ID, Filter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, list.Data, 1)

	mine, err := f.svc.ListMine(ctx, f1, Filter{})
	require.NoError(t, err)
	require.Len(t, mine.Data, 2)

	stats, err := f.svc.Stats(ctx, owner, a.ID)
	require.NoError(t, err)
	require.Equal(t, &Stats{Total: 2, Pending: 1, Shortlisted: 1}, stats)

	mineStats, err := f.svc.StatsMine(ctx, f1)
	require.NoError(t, err)
	require.EqualValues(t, 2, mineStats.Total)
}

func TestAttachmentsAndResume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.posting(t, false)
	app := apply(t, f, f1, a.ID)

	_, err := f.svc.AddAttachment(ctx, f2, app.ID, "x.pdf", bytes.NewBufferString("x"), 1, "application/pdf")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))

	got, err := f.svc.AddAttachment(ctx, f1, app.ID, "my portfolio.pdf", bytes.NewBufferString("pdf"), 3, "application/pdf")
	require.NoError(t, err)
	want := "attachments/" + a.ID + "/applications/" + app.ID + "/my_portfolio.pdf"
	require.Equal(t, []string{want}, []string(got.Attachments))
	require.Contains(t, f.objects.Keys(minio.BucketAttachment), want)

	obj, err := f.svc.UploadResume(ctx, f1, "cv (final).pdf", bytes.NewBufferString("cv"), 2, "application/pdf")
	require.NoError(t, err)
	require.Regexp(t, `^resumes/f1/\d+-cv__final_\.pdf$`, obj.Key)

	_, err = f.svc.UploadResume(ctx, owner, "cv.pdf", bytes.NewBufferString("cv"), 2, "application/pdf")
	require.True(t, errutil.Is(err, errutil.StatusForbidden))
}
