package application

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"trustwork/pkg/db/option"
	"trustwork/pkg/db/pagination"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/minio"
	"trustwork/pkg/outbox"
	"trustwork/pkg/repository"
	"trustwork/services/assignment"
	"trustwork/services/principal"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SkillTestGate admits an application to an assignment that requires a skill test.
type SkillTestGate interface {
	Admit(ctx context.Context, tx *gorm.DB, freelancerID string, a *assignment.Assignment, attemptID string) error
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	assignments *assignment.Service
	skillTests  SkillTestGate
	objects     minio.ObjectStore
	outbox      outbox.Writer
	now         func() time.Time

	applications repository.Repository[Application]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Assignments *assignment.Service
	SkillTests  SkillTestGate
	Objects     minio.ObjectStore
	Outbox      outbox.Writer
	Now         func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:           p.DB,
		node:         p.Node,
		assignments:  p.Assignments,
		skillTests:   p.SkillTests,
		objects:      p.Objects,
		outbox:       p.Outbox,
		now:          now,
		applications: repository.ProvideStore[Application](p.DB),
	}
}

// Submit records a bid on an open assignment. The assignment row is locked so the
// applications counter and the open check are consistent.
func (s *Service) Submit(ctx context.Context, caller *principal.Principal, assignmentID string, req SubmitRequest) (*Application, error) {
	if !caller.Is(principal.RoleFreelancer) {
		return nil, errutil.Forbidden("only freelancers can apply", nil)
	}

	var out *Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignments.Lock(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status == assignment.StatusDraft {
			return errutil.NotFound("assignment not found", nil)
		}
		if a.Status != assignment.StatusOpen {
			return errutil.InvalidTransition("assignment is not accepting applications", nil)
		}
		if a.IsOwner(caller.ID) {
			return errutil.Forbidden("owners cannot apply to their own assignment", nil)
		}

		existing, err := s.applications.WithTrx(tx).FindOne(ctx, &Application{AssignmentID: a.ID, FreelancerID: caller.ID})
		if err != nil {
			return errutil.Internal("failed to check existing application", err)
		}
		if existing != nil {
			return errutil.Conflict("already applied to this assignment", nil)
		}

		var attemptRef *string
		if a.HasSkillTest() {
			if s.skillTests == nil {
				return errutil.Internal("skill test gate unavailable", nil)
			}
			if err := s.skillTests.Admit(ctx, tx, caller.ID, a, req.SkillTestAttemptID); err != nil {
				return err
			}
			ref := req.SkillTestAttemptID
			attemptRef = &ref
		}

		now := s.now().UTC()
		app := &Application{
			ID:                 s.node.Generate().String(),
			AssignmentID:       a.ID,
			FreelancerID:       caller.ID,
			CoverLetter:        strings.TrimSpace(req.CoverLetter),
			ProposedRate:       req.ProposedRate,
			ProposedTimeline:   req.ProposedTimeline,
			PortfolioLinks:     datatypes.JSONSlice[string](nonNil(req.PortfolioLinks)),
			Attachments:        datatypes.JSONSlice[string]{},
			ResumeKey:          req.ResumeKey,
			Status:             StatusPending,
			SkillTestAttemptID: attemptRef,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.applications.WithTrx(tx).Create(ctx, app); err != nil {
			if errutil.IsUniqueViolation(err) {
				return errutil.Conflict("already applied to this assignment", err)
			}
			return errutil.Internal("failed to create application", err)
		}
		if err := s.assignments.IncrementApplications(ctx, tx, a.ID); err != nil {
			return err
		}
		out = app
		return s.outbox.Write(ctx, tx, "application", app.ID, "ApplicationSubmitted", map[string]any{
			"application_id": app.ID,
			"assignment_id":  a.ID,
			"freelancer_id":  caller.ID,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id string) (*Application, error) {
	app, err := s.applications.WithTrx(tx).FindOne(ctx, &Application{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to load application", err)
	}
	if app == nil {
		return nil, errutil.NotFound("application not found", nil)
	}
	return app, nil
}

// Find loads an application without access checks.
func (s *Service) Find(ctx context.Context, id string) (*Application, error) {
	app, err := s.applications.FindOne(ctx, &Application{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load application", err)
	}
	if app == nil {
		return nil, errutil.NotFound("application not found", nil)
	}
	return app, nil
}

// Get returns an application to its freelancer, the assignment owner or an admin.
func (s *Service) Get(ctx context.Context, caller *principal.Principal, id string) (*Application, error) {
	app, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.FreelancerID == caller.Subject() || caller.IsAdmin() {
		return app, nil
	}
	a, err := s.assignments.Find(ctx, app.AssignmentID)
	if err != nil {
		return nil, err
	}
	if !a.IsOwner(caller.Subject()) {
		return nil, errutil.NotFound("application not found", nil)
	}
	return app, nil
}

func (s *Service) Withdraw(ctx context.Context, caller *principal.Principal, id, reason string) (*Application, error) {
	var out *Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		app, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if app.FreelancerID != caller.Subject() {
			return errutil.Forbidden("only the applicant can withdraw", nil)
		}
		if !app.Status.open() {
			return errutil.InvalidTransition(fmt.Sprintf("application is %s", app.Status), nil)
		}
		if err := s.move(ctx, tx, app, StatusWithdrawn, map[string]any{"withdraw_reason": reason}); err != nil {
			return err
		}
		out = app
		return s.outbox.Write(ctx, tx, "application", app.ID, "ApplicationWithdrawn", map[string]any{
			"application_id": app.ID,
			"assignment_id":  app.AssignmentID,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// move writes the new status with a compare-and-set on the current one and mirrors it on app.
func (s *Service) move(ctx context.Context, tx *gorm.DB, app *Application, to Status, fields map[string]any) error {
	now := s.now().UTC()
	updates := map[string]any{"status": to, "updated_at": now}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&Application{}).Where("id = ? AND status = ?", app.ID, app.Status).Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to update application", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("application changed concurrently", nil)
	}
	app.Status = to
	app.UpdatedAt = now
	if v, ok := fields["employer_message"].(string); ok {
		app.EmployerMessage = v
	}
	if v, ok := fields["withdraw_reason"].(string); ok {
		app.WithdrawReason = v
	}
	return nil
}

// SetStatus is the owner's decision on an application. Accepting rejects every other open
// application and awards the assignment in the same transaction.
func (s *Service) SetStatus(ctx context.Context, caller *principal.Principal, id string, to Status, message string) (*Application, error) {
	if to != StatusShortlisted && to != StatusAccepted && to != StatusRejected {
		return nil, errutil.ValidationFailed("invalid status", nil, errutil.Field("status", "must be one of shortlisted accepted rejected"))
	}

	var out *Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.applications.WithTrx(tx).FindOne(ctx, &Application{ID: id})
		if err != nil {
			return errutil.Internal("failed to load application", err)
		}
		if current == nil {
			return errutil.NotFound("application not found", nil)
		}

		// assignment row first, then the application: every writer takes locks in this order
		a, err := s.assignments.Lock(ctx, tx, current.AssignmentID)
		if err != nil {
			return err
		}
		if !a.IsOwner(caller.Subject()) {
			return errutil.Forbidden("only the assignment owner can decide on applications", nil)
		}

		app, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}

		if to == StatusAccepted && a.AssignedApplicationID != nil {
			return errutil.AlreadyAwarded("assignment already awarded", nil)
		}
		if !app.Status.open() {
			return errutil.InvalidTransition(fmt.Sprintf("application is %s", app.Status), nil)
		}

		fields := map[string]any{}
		if message != "" {
			fields["employer_message"] = message
		}

		if to != StatusAccepted {
			if app.Status == to {
				out = app
				return nil
			}
			if err := s.move(ctx, tx, app, to, fields); err != nil {
				return err
			}
			out = app
			return s.outbox.Write(ctx, tx, "application", app.ID, "ApplicationStatusChanged", map[string]any{
				"application_id": app.ID,
				"assignment_id":  app.AssignmentID,
				"status":         to,
			})
		}

		if a.Status != assignment.StatusOpen {
			return errutil.InvalidTransition(fmt.Sprintf("assignment is %s", a.Status), nil)
		}

		if err := s.move(ctx, tx, app, StatusAccepted, fields); err != nil {
			return err
		}

		res := tx.WithContext(ctx).Model(&Application{}).
			Where("assignment_id = ? AND id <> ? AND status IN ?", app.AssignmentID, app.ID, []Status{StatusPending, StatusShortlisted}).
			Updates(map[string]any{"status": StatusRejected, "updated_at": s.now().UTC()})
		if res.Error != nil {
			return errutil.Internal("failed to reject sibling applications", res.Error)
		}

		if _, err := s.assignments.Transition(ctx, tx, a.ID, assignment.StatusAssigned, caller.ID, "application accepted",
			assignment.Expect(assignment.StatusOpen),
			assignment.SetFields(map[string]any{
				"assigned_freelancer_id":  app.FreelancerID,
				"assigned_application_id": app.ID,
			}),
		); err != nil {
			return err
		}

		out = app
		logger.FromContext(ctx).Info("application accepted",
			zap.String("application_id", app.ID),
			zap.String("assignment_id", a.ID),
			zap.Int64("siblings_rejected", res.RowsAffected),
		)
		return s.outbox.Write(ctx, tx, "application", app.ID, "ApplicationAccepted", map[string]any{
			"application_id":    app.ID,
			"assignment_id":     a.ID,
			"freelancer_id":     app.FreelancerID,
			"siblings_rejected": res.RowsAffected,
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkViewed sets viewed_by_employer once; later calls keep the first viewed_at.
func (s *Service) MarkViewed(ctx context.Context, caller *principal.Principal, id string) (*Application, error) {
	app, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := s.assignments.Find(ctx, app.AssignmentID)
	if err != nil {
		return nil, err
	}
	if !a.IsOwner(caller.Subject()) {
		return nil, errutil.Forbidden("only the assignment owner can mark applications viewed", nil)
	}

	if err := s.db.WithContext(ctx).Model(&Application{}).
		Where("id = ? AND viewed_by_employer = ?", id, false).
		Updates(map[string]any{"viewed_by_employer": true, "viewed_at": s.now().UTC()}).Error; err != nil {
		return nil, errutil.Internal("failed to mark application viewed", err)
	}
	return s.Find(ctx, id)
}

var sortable = map[string]bool{"created_at": true, "proposed_rate": true}

func (s *Service) list(ctx context.Context, query *Application, f Filter) (*ListResponse, error) {
	page := f.Pagination.Normalize()
	conds := []option.Condition{}
	if f.Status != "" {
		conds = append(conds, option.Condition{Field: "status", Operator: option.EQ, Value: f.Status})
	}
	rows, err := s.applications.Find(ctx, query,
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: f.SortBy, OrderBy: f.OrderBy, Allow: sortable}),
		option.ApplyPagination(page),
	)
	if err != nil {
		return nil, errutil.Internal("failed to list applications", err)
	}
	data, info := pagination.BuildPageInfo(rows, page)
	return &ListResponse{Data: data, PageInfo: info}, nil
}

func (s *Service) owned(ctx context.Context, caller *principal.Principal, assignmentID string) (*assignment.Assignment, error) {
	a, err := s.assignments.Find(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !a.IsOwner(caller.Subject()) && !caller.IsAdmin() {
		return nil, errutil.Forbidden("only the assignment owner can view its applications", nil)
	}
	return a, nil
}

func (s *Service) ListForAssignment(ctx context.Context, caller *principal.Principal, assignmentID string, f Filter) (*ListResponse, error) {
	if _, err := s.owned(ctx, caller, assignmentID); err != nil {
		return nil, err
	}
	return s.list(ctx, &Application{AssignmentID: assignmentID}, f)
}

func (s *Service) ListMine(ctx context.Context, caller *principal.Principal, f Filter) (*ListResponse, error) {
	if caller.Subject() == "" {
		return nil, errutil.Unauthenticated("authentication required", nil)
	}
	return s.list(ctx, &Application{FreelancerID: caller.ID}, f)
}

type statusCount struct {
	Status Status
	N      int64
}

func (s *Service) stats(ctx context.Context, column, value string) (*Stats, error) {
	var rows []statusCount
	if err := s.db.WithContext(ctx).Model(&Application{}).
		Select("status, COUNT(*) AS n").
		Where(column+" = ?", value).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, errutil.Internal("failed to count applications", err)
	}
	out := &Stats{}
	for _, r := range rows {
		out.add(r.Status, r.N)
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context, caller *principal.Principal, assignmentID string) (*Stats, error) {
	if _, err := s.owned(ctx, caller, assignmentID); err != nil {
		return nil, err
	}
	return s.stats(ctx, "assignment_id", assignmentID)
}

func (s *Service) StatsMine(ctx context.Context, caller *principal.Principal) (*Stats, error) {
	return s.stats(ctx, "freelancer_id", caller.Subject())
}

// AddAttachment stores a file under attachments/{assignment_id}/applications/{id}/ and appends its key.
func (s *Service) AddAttachment(ctx context.Context, caller *principal.Principal, id, filename string, r io.Reader, size int64, contentType string) (*Application, error) {
	app, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.FreelancerID != caller.Subject() {
		return nil, errutil.Forbidden("only the applicant can attach files", nil)
	}
	if !app.Status.open() {
		return nil, errutil.InvalidTransition(fmt.Sprintf("application is %s", app.Status), nil)
	}

	obj, err := s.objects.Put(ctx, minio.BucketAttachment, minio.AttachmentPath(app.AssignmentID, filename, "applications", app.ID), r, size, contentType)
	if err != nil {
		return nil, errutil.Internal("failed to store attachment", err)
	}

	var out *Application
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		keys := append([]string(locked.Attachments), obj.Key)
		if err := tx.WithContext(ctx).Model(&Application{}).Where("id = ?", id).
			Updates(map[string]any{"attachments": datatypes.JSONSlice[string](keys), "updated_at": s.now().UTC()}).Error; err != nil {
			return errutil.Internal("failed to record attachment", err)
		}
		locked.Attachments = keys
		out = locked
		return nil
	})
	if err != nil {
		if rmErr := s.objects.Remove(ctx, minio.BucketAttachment, obj.Key); rmErr != nil {
			logger.FromContext(ctx).Warn("failed to remove orphan attachment", zap.String("key", obj.Key), zap.Error(rmErr))
		}
		return nil, err
	}
	return out, nil
}

// UploadResume stores a resume under resumes/{user_id}/{ts}-{sanitized} and returns its object reference.
func (s *Service) UploadResume(ctx context.Context, caller *principal.Principal, filename string, r io.Reader, size int64, contentType string) (*minio.Object, error) {
	if !caller.Is(principal.RoleFreelancer) {
		return nil, errutil.Forbidden("only freelancers can upload resumes", nil)
	}
	obj, err := s.objects.Put(ctx, minio.BucketResume, minio.ResumePath(caller.ID, s.now().UTC(), filename), r, size, contentType)
	if err != nil {
		return nil, errutil.Internal("failed to store resume", err)
	}
	return obj, nil
}
