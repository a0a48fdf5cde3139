package assignment

import (
	"context"
	"strings"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/db/option"
	"trustwork/pkg/db/pagination"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/outbox"
	"trustwork/pkg/repository"
	"trustwork/pkg/sequence"
	"trustwork/services/principal"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	seq    sequence.Generator
	engine config.Engine
	views  ViewCounter
	outbox outbox.Writer
	hooks  []Hook
	gates  []Gate
	now    func() time.Time

	assignments repository.Repository[Assignment]
	skills      repository.Repository[Skill]
	history     repository.Repository[StatusHistory]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Seq    sequence.Generator
	Config *config.Config
	Views  ViewCounter
	Outbox outbox.Writer
	Hooks  []Hook `group:"assignment.hooks"`
	Gates  []Gate `group:"assignment.gates"`
	Now    func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:     p.DB,
		node:   p.Node,
		seq:    p.Seq,
		engine: p.Config.Engine,
		views:  p.Views,
		outbox: p.Outbox,
		hooks:  p.Hooks,
		gates:  p.Gates,
		now:    now,

		assignments: repository.ProvideStore[Assignment](p.DB),
		skills:      repository.ProvideStore[Skill](p.DB),
		history:     repository.ProvideStore[StatusHistory](p.DB),
	}
}

func validateBudget(min, max *int64) error {
	if min != nil && max != nil && *min > *max {
		return errutil.ValidationFailed("invalid budget", nil, errutil.Field("budget_min", "must not exceed budget_max"))
	}
	return nil
}

func (s *Service) skillTest(req *SkillTestRequest) (SkillTestRequirement, error) {
	if req == nil {
		return SkillTestRequirement{}, nil
	}
	out := SkillTestRequirement{TemplateID: req.TemplateID, Difficulty: req.Difficulty, PassingScore: req.PassingScore}
	if out.PassingScore == 0 {
		out.PassingScore = s.engine.SkillTestPassingScore
	}
	if out.PassingScore < 1 || out.PassingScore > 100 {
		return out, errutil.ValidationFailed("invalid skill test requirement", nil, errutil.Field("passing_score", "must be between 1 and 100"))
	}
	return out, nil
}

func normalizeSkills(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Create stores a new posting owned by the calling client, in draft or open.
func (s *Service) Create(ctx context.Context, caller *principal.Principal, req CreateRequest) (*Assignment, error) {
	if !caller.Is(principal.RoleClient) {
		return nil, errutil.Forbidden("only clients can post assignments", nil)
	}
	if err := validateBudget(req.BudgetMin, req.BudgetMax); err != nil {
		return nil, err
	}
	st, err := s.skillTest(req.SkillTest)
	if err != nil {
		return nil, err
	}

	code, err := s.seq.NextAssignmentCode(ctx)
	if err != nil {
		return nil, errutil.Internal("failed to allocate assignment code", err)
	}

	now := s.now().UTC()
	status := StatusDraft
	var publishedAt *time.Time
	if req.Publish {
		status = StatusOpen
		publishedAt = &now
	}

	skills := normalizeSkills(req.RequiredSkills)
	a := &Assignment{
		ID:              s.node.Generate().String(),
		Code:            code,
		Slug:            slug.Make(req.Title),
		OwnerID:         caller.ID,
		Kind:            req.Kind,
		Title:           strings.TrimSpace(req.Title),
		Description:     req.Description,
		BudgetMin:       req.BudgetMin,
		BudgetMax:       req.BudgetMax,
		BudgetUnit:      req.BudgetUnit,
		Currency:        s.engine.Currency,
		Deadline:        req.Deadline,
		Status:          status,
		RequiredSkills:  datatypes.JSONSlice[string](skills),
		ExperienceLevel: req.ExperienceLevel,
		Location:        req.Location,
		RemoteAllowed:   req.RemoteAllowed,
		SkillTest:       st,
		PublishedAt:     publishedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.assignments.WithTrx(tx).Create(ctx, a); err != nil {
			return errutil.Internal("failed to create assignment", err)
		}
		if err := s.replaceSkills(ctx, tx, a.ID, skills); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, a.ID, "", status, caller.ID, "created"); err != nil {
			return err
		}
		return s.outbox.Write(ctx, tx, "assignment", a.ID, "AssignmentCreated", map[string]any{
			"assignment_id": a.ID,
			"owner_id":      a.OwnerID,
			"kind":          a.Kind,
			"status":        a.Status,
		})
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to create assignment", zap.Error(err))
		return nil, err
	}

	return a.expose(), nil
}

func (s *Service) replaceSkills(ctx context.Context, tx *gorm.DB, id string, skills []string) error {
	if err := tx.WithContext(ctx).Where("assignment_id = ?", id).Delete(&Skill{}).Error; err != nil {
		return errutil.Internal("failed to reset skills", err)
	}
	rows := make([]*Skill, 0, len(skills))
	for _, sk := range skills {
		rows = append(rows, &Skill{AssignmentID: id, Skill: sk})
	}
	if err := s.skills.WithTrx(tx).BatchCreate(ctx, rows); err != nil {
		return errutil.Internal("failed to index skills", err)
	}
	return nil
}

// ownedForUpdate locks the row and requires caller to be the owner.
func (s *Service) ownedForUpdate(ctx context.Context, tx *gorm.DB, caller *principal.Principal, id string) (*Assignment, error) {
	a, err := s.Lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !a.IsOwner(caller.Subject()) {
		if a.Status == StatusDraft {
			return nil, errutil.NotFound("assignment not found", nil)
		}
		return nil, errutil.Forbidden("only the owner can modify this assignment", nil)
	}
	return a, nil
}

func (s *Service) Publish(ctx context.Context, caller *principal.Principal, id string) (*Assignment, error) {
	var out *Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedForUpdate(ctx, tx, caller, id); err != nil {
			return err
		}
		a, err := s.Transition(ctx, tx, id, StatusOpen, caller.ID, "published",
			Expect(StatusDraft),
			SetFields(map[string]any{"published_at": s.now().UTC()}),
		)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.expose(), nil
}

// Update applies a patch while the posting is draft or open.
func (s *Service) Update(ctx context.Context, caller *principal.Principal, id string, req UpdateRequest) (*Assignment, error) {
	var out *Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.ownedForUpdate(ctx, tx, caller, id)
		if err != nil {
			return err
		}
		if a.Status != StatusDraft && a.Status != StatusOpen {
			return errutil.InvalidTransition("assignment can only be edited while draft or open", nil)
		}

		updates := map[string]any{}
		if req.Title != nil {
			updates["title"] = strings.TrimSpace(*req.Title)
			updates["slug"] = slug.Make(*req.Title)
		}
		if req.Description != nil {
			updates["description"] = *req.Description
		}
		min, max := a.BudgetMin, a.BudgetMax
		if req.BudgetMin != nil {
			min = req.BudgetMin
			updates["budget_min"] = *req.BudgetMin
		}
		if req.BudgetMax != nil {
			max = req.BudgetMax
			updates["budget_max"] = *req.BudgetMax
		}
		if err := validateBudget(min, max); err != nil {
			return err
		}
		if req.BudgetUnit != nil {
			updates["budget_unit"] = *req.BudgetUnit
		}
		if req.Deadline != nil {
			updates["deadline"] = *req.Deadline
		}
		if req.ExperienceLevel != nil {
			updates["experience_level"] = *req.ExperienceLevel
		}
		if req.Location != nil {
			updates["location"] = *req.Location
		}
		if req.RemoteAllowed != nil {
			updates["remote_allowed"] = *req.RemoteAllowed
		}
		if req.SkillTest != nil {
			st, err := s.skillTest(req.SkillTest)
			if err != nil {
				return err
			}
			updates["skill_test_template_id"] = st.TemplateID
			updates["skill_test_difficulty"] = st.Difficulty
			updates["skill_test_passing_score"] = st.PassingScore
		}
		if req.RequiredSkills != nil {
			skills := normalizeSkills(*req.RequiredSkills)
			updates["required_skills"] = datatypes.JSONSlice[string](skills)
			if err := s.replaceSkills(ctx, tx, id, skills); err != nil {
				return err
			}
		}

		updates["updated_at"] = s.now().UTC()
		res := tx.WithContext(ctx).Model(&Assignment{}).Where("id = ? AND status = ?", id, a.Status).Updates(updates)
		if res.Error != nil {
			return errutil.Internal("failed to update assignment", res.Error)
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("assignment changed concurrently", nil)
		}

		out, err = s.Lock(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.expose(), nil
}

// Close stops a draft or open posting without awarding it.
func (s *Service) Close(ctx context.Context, caller *principal.Principal, id string) (*Assignment, error) {
	var out *Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedForUpdate(ctx, tx, caller, id); err != nil {
			return err
		}
		a, err := s.Transition(ctx, tx, id, StatusClosed, caller.ID, "closed by owner")
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.expose(), nil
}

// Cancel ends a non-terminal assignment; cancellation hooks decide what happens to escrowed funds.
func (s *Service) Cancel(ctx context.Context, caller *principal.Principal, id string, reason string) (*Assignment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errutil.ValidationFailed("cancel reason is required", nil, errutil.Field("reason", "is required"))
	}

	var out *Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedForUpdate(ctx, tx, caller, id); err != nil {
			return err
		}
		a, err := s.Transition(ctx, tx, id, StatusCancelled, caller.ID, reason,
			SetFields(map[string]any{"cancel_reason": reason}),
		)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.expose(), nil
}

// MarkComplete is the assigned freelancer's hand-in for a job.
func (s *Service) MarkComplete(ctx context.Context, caller *principal.Principal, id string) (*Assignment, error) {
	var out *Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.Transition(ctx, tx, id, StatusPendingReview, caller.Subject(), "marked complete by freelancer",
			Check(func(a *Assignment) error {
				if a.AssignedFreelancerID == nil || *a.AssignedFreelancerID != caller.Subject() {
					return errutil.Forbidden("only the assigned freelancer can mark the work complete", nil)
				}
				if a.Kind != KindJob {
					return errutil.InvalidTransition("gig completion follows milestone approval", nil)
				}
				return nil
			}),
			Expect(StatusInProgress),
		)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.expose(), nil
}

// ApproveCompletion is the owner's sign-off; it ends employment and opens the review window.
func (s *Service) ApproveCompletion(ctx context.Context, caller *principal.Principal, id string) (*Assignment, error) {
	var out *Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.ownedForUpdate(ctx, tx, caller, id); err != nil {
			return err
		}
		a, err := s.Transition(ctx, tx, id, StatusCompleted, caller.ID, "completion approved",
			Expect(StatusPendingReview),
			SetFields(map[string]any{"completed_at": s.now().UTC()}),
		)
		out = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.expose(), nil
}

// Find returns the assignment without visibility checks, for other components.
func (s *Service) Find(ctx context.Context, id string) (*Assignment, error) {
	a, err := s.assignments.FindOne(ctx, &Assignment{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load assignment", err)
	}
	if a == nil {
		return nil, errutil.NotFound("assignment not found", nil)
	}
	return a.expose(), nil
}

// RequireParticipant allows the owner, the assigned freelancer and admins.
func RequireParticipant(caller *principal.Principal, a *Assignment) error {
	if caller.IsAdmin() || a.IsParticipant(caller.Subject()) {
		return nil
	}
	return errutil.Forbidden("only participants can access this assignment", nil)
}

// Get returns a posting visible to caller and counts a view for non-owners.
func (s *Service) Get(ctx context.Context, caller *principal.Principal, id string) (*Assignment, error) {
	a, err := s.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	owner := a.IsOwner(caller.Subject())
	if a.Status == StatusDraft && !owner && !caller.IsAdmin() {
		return nil, errutil.NotFound("assignment not found", nil)
	}

	if !owner {
		s.countView(ctx, id)
	}
	return a, nil
}

func (s *Service) countView(ctx context.Context, id string) {
	if s.views == nil {
		return
	}
	traceLog := logger.FromContext(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.views.Incr(ctx, id); err != nil {
			traceLog.Warn("failed to count assignment view", zap.String("assignment_id", id), zap.Error(err))
		}
	}()
}

var sortable = map[string]bool{"created_at": true, "budget_min": true, "budget_max": true}

// List returns postings visible to caller. Non-owners only ever see open postings.
func (s *Service) List(ctx context.Context, caller *principal.Principal, f Filter) (*ListResponse, error) {
	page := f.Pagination.Normalize()
	conds := []option.Condition{}

	ownView := f.OwnerID != "" && f.OwnerID == caller.Subject()
	switch {
	case ownView || caller.IsAdmin():
		if f.Status != "" {
			conds = append(conds, option.Condition{Field: "status", Operator: option.EQ, Value: f.Status})
		}
	default:
		if f.Status != "" && f.Status != StatusOpen {
			return &ListResponse{Data: []*Assignment{}, PageInfo: &pagination.PageInfo{Limit: page.Limit, Offset: page.Offset}}, nil
		}
		conds = append(conds, option.Condition{Field: "status", Operator: option.EQ, Value: StatusOpen})
	}

	if f.OwnerID != "" {
		conds = append(conds, option.Condition{Field: "owner_id", Operator: option.EQ, Value: f.OwnerID})
	}
	if f.Kind != "" {
		conds = append(conds, option.Condition{Field: "kind", Operator: option.EQ, Value: f.Kind})
	}
	if f.ExperienceLevel != "" {
		conds = append(conds, option.Condition{Field: "experience_level", Operator: option.EQ, Value: f.ExperienceLevel})
	}
	if f.RemoteAllowed != nil {
		conds = append(conds, option.Condition{Field: "remote_allowed", Operator: option.EQ, Value: *f.RemoteAllowed})
	}
	if f.BudgetFrom != nil {
		conds = append(conds, option.Condition{Field: "budget_max", Operator: option.GTE, Value: *f.BudgetFrom})
	}
	if f.BudgetTo != nil {
		conds = append(conds, option.Condition{Field: "budget_min", Operator: option.LTE, Value: *f.BudgetTo})
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		conds = append(conds, option.Condition{Field: "LOWER(title)", Operator: option.LIKE, Value: "%" + strings.ToLower(q) + "%"})
	}

	opts := []option.QueryOption{option.ApplyOperator(conds...)}
	if skills := normalizeSkills(f.Skills); len(skills) > 0 {
		opts = append(opts, option.WithScope(func(db *gorm.DB) *gorm.DB {
			return db.Where("id IN (?)", s.db.Model(&Skill{}).Select("assignment_id").Where("skill IN ?", skills))
		}))
	}
	opts = append(opts,
		option.WithSortBy(option.QuerySortBy{SortBy: f.SortBy, OrderBy: f.OrderBy, Allow: sortable}),
		option.ApplyPagination(page),
	)

	rows, err := s.assignments.Find(ctx, nil, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to list assignments", err)
	}

	data, info := pagination.BuildPageInfo(rows, page)
	for _, a := range data {
		a.expose()
	}
	return &ListResponse{Data: data, PageInfo: info}, nil
}

// IncrementApplications bumps applications_count inside the caller's transaction.
func (s *Service) IncrementApplications(ctx context.Context, tx *gorm.DB, id string) error {
	if err := tx.WithContext(ctx).Model(&Assignment{}).Where("id = ?", id).
		UpdateColumn("applications_count", gorm.Expr("applications_count + 1")).Error; err != nil {
		return errutil.Internal("failed to count application", err)
	}
	return nil
}

// FlushViews moves buffered view counts into views_count.
func (s *Service) FlushViews(ctx context.Context) (int, error) {
	if s.views == nil {
		return 0, nil
	}

	counts, drainErr := s.views.Drain(ctx)

	flushed := 0
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		if err := s.db.WithContext(ctx).Model(&Assignment{}).Where("id = ?", id).
			UpdateColumn("views_count", gorm.Expr("views_count + ?", n)).Error; err != nil {
			zap.L().Warn("failed to flush views", zap.String("assignment_id", id), zap.Int64("views", n), zap.Error(err))
			if err := s.views.Restore(ctx, id, n); err != nil {
				zap.L().Warn("views dropped", zap.String("assignment_id", id), zap.Int64("views", n), zap.Error(err))
			}
			continue
		}
		flushed++
	}
	return flushed, drainErr
}
