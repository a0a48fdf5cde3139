package skilltest

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/db/option"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/repository"
	"trustwork/services/assignment"
	"trustwork/services/principal"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	engine      config.Engine
	assignments *assignment.Service
	now         func() time.Time
	shuffle     func(n int, swap func(i, j int))

	templates repository.Repository[Template]
	questions repository.Repository[Question]
	attempts  repository.Repository[Attempt]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Config      *config.Config
	Assignments *assignment.Service
	Now         func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		engine:      p.Config.Engine,
		assignments: p.Assignments,
		now:         now,
		shuffle:     rand.Shuffle,
		templates:   repository.ProvideStore[Template](p.DB),
		questions:   repository.ProvideStore[Question](p.DB),
		attempts:    repository.ProvideStore[Attempt](p.DB),
	}
}

func (s *Service) deadline(a *Attempt) time.Time {
	return a.StartedAt.Add(time.Duration(a.TimeLimitSeconds)*time.Second + s.engine.SkillTestGrace())
}

func (s *Service) expired(a *Attempt) bool {
	return a.Status == StatusInProgress && s.now().After(s.deadline(a))
}

// pair scopes attempts to one applicant and one assignment, or to one template for unlinked practice runs.
func pair(applicantID, assignmentID, templateID string) option.QueryOption {
	return option.WithScope(func(db *gorm.DB) *gorm.DB {
		db = db.Where("applicant_id = ? AND assignment_id = ?", applicantID, assignmentID)
		if assignmentID == "" {
			db = db.Where("template_id = ?", templateID)
		}
		return db
	})
}

func latestFirst(db *gorm.DB) *gorm.DB {
	return db.Order("started_at DESC").Order("id DESC")
}

// CanAttempt reports whether applicant may start a new attempt for the assignment.
func (s *Service) CanAttempt(ctx context.Context, applicantID, assignmentID string) (*Eligibility, error) {
	return s.eligibility(ctx, s.db, applicantID, assignmentID, "")
}

func (s *Service) eligibility(ctx context.Context, tx *gorm.DB, applicantID, assignmentID, templateID string) (*Eligibility, error) {
	rows, err := s.attempts.WithTrx(tx).Find(ctx, nil,
		pair(applicantID, assignmentID, templateID),
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []Status{StatusInProgress, StatusCompleted, StatusFailedCheat}}),
		option.WithScope(latestFirst),
	)
	if err != nil {
		return nil, errutil.Internal("failed to load attempts", err)
	}

	now := s.now()
	for _, a := range rows {
		if a.Status == StatusInProgress && !s.expired(a) {
			return &Eligibility{Eligible: false, Reason: "attempt in progress", LastAttempt: a.Summary()}, nil
		}
	}

	for _, a := range rows {
		finishedAt := a.StartedAt
		if a.CompletedAt != nil {
			finishedAt = *a.CompletedAt
		}
		if a.Status == StatusInProgress {
			finishedAt = s.deadline(a)
		}
		next := finishedAt.Add(s.engine.SkillTestCooldown())
		if now.Before(next) {
			return &Eligibility{Eligible: false, Reason: "cooldown", LastAttempt: a.Summary(), NextEligibleAt: &next}, nil
		}
		return &Eligibility{Eligible: true, LastAttempt: a.Summary()}, nil
	}
	return &Eligibility{Eligible: true}, nil
}

func (s *Service) cooldownError(e *Eligibility) error {
	days := int(math.Ceil(e.NextEligibleAt.Sub(s.now()).Hours() / 24))
	return errutil.Quota(
		fmt.Sprintf("You must wait %d more day(s) between attempts", days),
		nil,
		errutil.Field("next_eligible_at", e.NextEligibleAt.UTC().Format(time.RFC3339)),
	)
}

// Start snapshots a random question set into a new attempt. When the attempt is linked to an
// assignment with a skill-test requirement, the requirement decides template, difficulty and passing score.
func (s *Service) Start(ctx context.Context, caller *principal.Principal, req StartRequest) (*Session, error) {
	if !caller.Is(principal.RoleFreelancer) {
		return nil, errutil.Forbidden("only freelancers can take skill tests", nil)
	}

	var out *Attempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		templateID, difficulty := req.TemplateID, req.Difficulty
		passing := s.engine.SkillTestPassingScore

		if req.AssignmentID != "" {
			// serializes concurrent starts for the same assignment
			a, err := s.assignments.Lock(ctx, tx, req.AssignmentID)
			if err != nil {
				return err
			}
			if a.Status == assignment.StatusDraft && !a.IsOwner(caller.ID) {
				return errutil.NotFound("assignment not found", nil)
			}
			if a.HasSkillTest() {
				templateID = a.SkillTest.TemplateID
				difficulty = Difficulty(a.SkillTest.Difficulty)
				if a.SkillTest.PassingScore > 0 {
					passing = a.SkillTest.PassingScore
				}
			}
		}
		if !difficulty.Valid() {
			return errutil.ValidationFailed("invalid difficulty", nil, errutil.Field("difficulty", "must be one of entry mid senior"))
		}

		if err := s.finalizeExpiredPair(ctx, tx, caller.ID, req.AssignmentID, templateID); err != nil {
			return err
		}

		e, err := s.eligibility(ctx, tx, caller.ID, req.AssignmentID, templateID)
		if err != nil {
			return err
		}
		if !e.Eligible {
			if e.NextEligibleAt == nil {
				return errutil.AttemptInProgress("an attempt is already in progress", nil, errutil.Field("attempt_id", e.LastAttempt.ID))
			}
			return s.cooldownError(e)
		}

		tpl, err := s.templates.WithTrx(tx).FindOne(ctx, &Template{ID: templateID})
		if err != nil {
			return errutil.Internal("failed to load template", err)
		}
		if tpl == nil || !tpl.Active {
			return errutil.NotFound("skill test template not found", nil)
		}

		pool, err := s.questions.WithTrx(tx).Find(ctx, nil, option.ApplyOperator(
			option.Condition{Field: "template_id", Operator: option.EQ, Value: templateID},
			option.Condition{Field: "difficulty", Operator: option.EQ, Value: difficulty},
			option.Condition{Field: "active", Operator: option.EQ, Value: true},
		))
		if err != nil {
			return errutil.Internal("failed to load questions", err)
		}
		n := questionCount[difficulty]
		if len(pool) < n {
			return errutil.ValidationFailed(fmt.Sprintf("template has %d active %s questions, %d required", len(pool), difficulty, n), nil)
		}
		s.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

		snap := make([]SnapshotQuestion, 0, n)
		for _, q := range pool[:n] {
			snap = append(snap, snapshot(q))
		}

		out = &Attempt{
			ID:               s.node.Generate().String(),
			ApplicantID:      caller.ID,
			AssignmentID:     req.AssignmentID,
			TemplateID:       templateID,
			Difficulty:       difficulty,
			Questions:        datatypes.JSONSlice[SnapshotQuestion](snap),
			Answers:          datatypes.NewJSONType(map[string]string{}),
			PassingScore:     passing,
			TimeLimitSeconds: int(s.engine.SkillTestTimeLimit() / time.Second),
			Status:           StatusInProgress,
			StartedAt:        s.now().UTC(),
		}
		if err := s.attempts.WithTrx(tx).Create(ctx, out); err != nil {
			return errutil.Internal("failed to create attempt", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("skill test attempt started",
		zap.String("attempt_id", out.ID),
		zap.String("applicant_id", out.ApplicantID),
		zap.String("assignment_id", out.AssignmentID),
	)
	return s.session(out), nil
}

func (s *Service) session(a *Attempt) *Session {
	views := make([]QuestionView, 0, len(a.Questions))
	for _, q := range a.Questions {
		views = append(views, QuestionView{ID: q.ID, Prompt: q.Prompt, Options: q.Options})
	}
	return &Session{
		Summary:   *a.Summary(),
		Questions: views,
		Answers:   a.answers(),
		ExpiresAt: a.StartedAt.Add(time.Duration(a.TimeLimitSeconds) * time.Second),
	}
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id string) (*Attempt, error) {
	a, err := s.attempts.WithTrx(tx).FindOne(ctx, &Attempt{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to load attempt", err)
	}
	if a == nil {
		return nil, errutil.NotFound("attempt not found", nil)
	}
	return a, nil
}

// score grades answers against the snapshot: round(100 × correct / total).
func score(questions []SnapshotQuestion, answers map[string]string) (correct, pct int) {
	for _, q := range questions {
		if ans, ok := answers[q.ID]; ok && strings.EqualFold(ans, q.Correct) {
			correct++
		}
	}
	if len(questions) == 0 {
		return 0, 0
	}
	return correct, int(math.Round(100 * float64(correct) / float64(len(questions))))
}

// finalize grades the attempt and writes the terminal status. tab switches fail the attempt outright.
func (s *Service) finalize(ctx context.Context, tx *gorm.DB, a *Attempt, answers map[string]string, timeTaken, tabSwitches int) error {
	correct, pct := score(a.Questions, answers)
	status := StatusCompleted
	passed := pct >= a.PassingScore
	if tabSwitches > 0 {
		status = StatusFailedCheat
		passed = false
	}

	limit := a.TimeLimitSeconds + int(s.engine.SkillTestGrace()/time.Second)
	if timeTaken < 0 {
		timeTaken = 0
	}
	if timeTaken > limit {
		timeTaken = limit
	}

	now := s.now().UTC()
	res := tx.WithContext(ctx).Model(&Attempt{}).
		Where("id = ? AND status = ?", a.ID, StatusInProgress).
		Updates(map[string]any{
			"answers":            datatypes.NewJSONType(answers),
			"correct_count":      correct,
			"score":              pct,
			"passed":             passed,
			"status":             status,
			"time_taken_seconds": timeTaken,
			"tab_switches":       tabSwitches,
			"completed_at":       now,
		})
	if res.Error != nil {
		return errutil.Internal("failed to finalize attempt", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("attempt changed concurrently", nil)
	}

	a.Answers = datatypes.NewJSONType(answers)
	a.CorrectCount = correct
	a.Score = pct
	a.Passed = passed
	a.Status = status
	a.TimeTakenSeconds = timeTaken
	a.TabSwitches = tabSwitches
	a.CompletedAt = &now
	return nil
}

// finalizeExpired closes an attempt whose time ran out with the answers saved so far.
func (s *Service) finalizeExpired(ctx context.Context, tx *gorm.DB, a *Attempt) error {
	elapsed := int(s.now().Sub(a.StartedAt) / time.Second)
	return s.finalize(ctx, tx, a, a.answers(), elapsed, a.TabSwitches)
}

func (s *Service) finalizeExpiredPair(ctx context.Context, tx *gorm.DB, applicantID, assignmentID, templateID string) error {
	rows, err := s.attempts.WithTrx(tx).Find(ctx, &Attempt{Status: StatusInProgress}, pair(applicantID, assignmentID, templateID))
	if err != nil {
		return errutil.Internal("failed to load attempts", err)
	}
	for _, a := range rows {
		if s.expired(a) {
			if err := s.finalizeExpired(ctx, tx, a); err != nil {
				return err
			}
		}
	}
	return nil
}

func validAnswers(a *Attempt, answers map[string]string) error {
	known := make(map[string]bool, len(a.Questions))
	for _, q := range a.Questions {
		known[q.ID] = true
	}
	for id, ans := range answers {
		if !known[id] {
			return errutil.ValidationFailed("unknown question", nil, errutil.Field("answers."+id, "is not part of this attempt"))
		}
		valid := false
		for _, o := range options {
			if strings.EqualFold(ans, o) {
				valid = true
			}
		}
		if !valid {
			return errutil.ValidationFailed("invalid answer", nil, errutil.Field("answers."+id, "must be one of A B C D"))
		}
	}
	return nil
}

func normalize(answers map[string]string) map[string]string {
	out := make(map[string]string, len(answers))
	for k, v := range answers {
		out[k] = strings.ToUpper(v)
	}
	return out
}

// SaveAnswers merges progress into an in-progress attempt.
func (s *Service) SaveAnswers(ctx context.Context, caller *principal.Principal, id string, answers map[string]string) (*Session, error) {
	var out *Attempt
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.ApplicantID != caller.Subject() {
			return errutil.NotFound("attempt not found", nil)
		}
		if s.expired(a) {
			expired = true
			return s.finalizeExpired(ctx, tx, a)
		}
		if a.Status != StatusInProgress {
			return errutil.InvalidTransition(fmt.Sprintf("attempt is %s", a.Status), nil)
		}
		if err := validAnswers(a, answers); err != nil {
			return err
		}

		merged := a.answers()
		for k, v := range normalize(answers) {
			merged[k] = v
		}
		if err := tx.WithContext(ctx).Model(&Attempt{}).Where("id = ?", a.ID).
			Update("answers", datatypes.NewJSONType(merged)).Error; err != nil {
			return errutil.Internal("failed to save answers", err)
		}
		a.Answers = datatypes.NewJSONType(merged)
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, errutil.InvalidTransition("attempt time limit reached", nil)
	}
	return s.session(out), nil
}

// Submit grades the attempt. Submitting a finished attempt returns its stored result unchanged.
func (s *Service) Submit(ctx context.Context, caller *principal.Principal, id string, req SubmitRequest) (*Summary, error) {
	var out *Attempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.ApplicantID != caller.Subject() {
			return errutil.NotFound("attempt not found", nil)
		}
		out = a
		if a.Status != StatusInProgress {
			return nil
		}
		if s.expired(a) {
			// late answers are dropped but reported tab switches still count
			if req.TabSwitches > a.TabSwitches {
				a.TabSwitches = req.TabSwitches
			}
			return s.finalizeExpired(ctx, tx, a)
		}
		if err := validAnswers(a, req.Answers); err != nil {
			return err
		}

		merged := a.answers()
		for k, v := range normalize(req.Answers) {
			merged[k] = v
		}
		return s.finalize(ctx, tx, a, merged, req.TimeTakenSeconds, req.TabSwitches)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("skill test attempt submitted",
		zap.String("attempt_id", out.ID),
		zap.String("status", string(out.Status)),
		zap.Int("score", out.Score),
		zap.Bool("passed", out.Passed),
	)
	return out.Summary(), nil
}

// Get returns the session to its applicant, finalizing it first when time ran out.
func (s *Service) Get(ctx context.Context, caller *principal.Principal, id string) (*Session, error) {
	var out *Attempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if a.ApplicantID != caller.Subject() {
			return errutil.NotFound("attempt not found", nil)
		}
		out = a
		if s.expired(a) {
			return s.finalizeExpired(ctx, tx, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.session(out), nil
}

// Review returns the graded snapshot to the applicant once finished, or to the owner of the
// linked assignment once the attempt is completed.
func (s *Service) Review(ctx context.Context, caller *principal.Principal, id string) (*Review, error) {
	a, err := s.attempts.FindOne(ctx, &Attempt{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load attempt", err)
	}
	if a == nil {
		return nil, errutil.NotFound("attempt not found", nil)
	}

	switch {
	case a.ApplicantID == caller.Subject():
		if !a.Status.finished() {
			return nil, errutil.InvalidTransition("attempt is not finished", nil)
		}
	case a.AssignmentID != "" && a.Status == StatusCompleted:
		asg, err := s.assignments.Find(ctx, a.AssignmentID)
		if err != nil {
			return nil, err
		}
		if !asg.IsOwner(caller.Subject()) && !caller.IsAdmin() {
			return nil, errutil.NotFound("attempt not found", nil)
		}
	default:
		return nil, errutil.NotFound("attempt not found", nil)
	}

	answers := a.answers()
	items := make([]ReviewItem, 0, len(a.Questions))
	for _, q := range a.Questions {
		ans := answers[q.ID]
		items = append(items, ReviewItem{
			QuestionID:  q.ID,
			Prompt:      q.Prompt,
			Options:     q.Options,
			Answer:      ans,
			Correct:     q.Correct,
			IsCorrect:   ans != "" && strings.EqualFold(ans, q.Correct),
			Explanation: q.Explanation,
		})
	}
	return &Review{Summary: *a.Summary(), Items: items}, nil
}

// ListForAssignment returns attempt summaries for the assignment owner.
func (s *Service) ListForAssignment(ctx context.Context, caller *principal.Principal, assignmentID string) ([]*Summary, error) {
	asg, err := s.assignments.Find(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !asg.IsOwner(caller.Subject()) && !caller.IsAdmin() {
		return nil, errutil.Forbidden("only the assignment owner can list attempts", nil)
	}

	rows, err := s.attempts.Find(ctx, &Attempt{AssignmentID: assignmentID}, option.WithScope(latestFirst))
	if err != nil {
		return nil, errutil.Internal("failed to list attempts", err)
	}
	out := make([]*Summary, 0, len(rows))
	for _, a := range rows {
		out = append(out, a.Summary())
	}
	return out, nil
}

// Admit implements the application gate: attemptID, or the latest attempt for the pair when empty,
// must be a passing attempt by freelancerID linked to a.
func (s *Service) Admit(ctx context.Context, tx *gorm.DB, freelancerID string, a *assignment.Assignment, attemptID string) error {
	if err := s.finalizeExpiredPair(ctx, tx, freelancerID, a.ID, a.SkillTest.TemplateID); err != nil {
		return err
	}

	var att *Attempt
	var err error
	if attemptID != "" {
		att, err = s.attempts.WithTrx(tx).FindOne(ctx, &Attempt{ID: attemptID})
	} else {
		att, err = s.attempts.WithTrx(tx).FindOne(ctx, nil, pair(freelancerID, a.ID, ""), option.WithScope(latestFirst))
	}
	if err != nil {
		return errutil.Internal("failed to load attempt", err)
	}
	if att == nil || att.ApplicantID != freelancerID || att.AssignmentID != a.ID {
		return errutil.ValidationFailed("a passing skill test is required", nil,
			errutil.Field("skill_test_attempt_id", "must reference your passing attempt for this assignment"))
	}
	if att.TemplateID != a.SkillTest.TemplateID {
		return errutil.ValidationFailed("attempt is for a different skill test", nil,
			errutil.Field("skill_test_attempt_id", "template does not match the requirement"))
	}

	switch {
	case att.Status == StatusInProgress:
		return errutil.AttemptInProgress("skill test attempt is still in progress", nil)
	case att.Passed && att.Status == StatusCompleted:
		return nil
	}

	e, err := s.eligibility(ctx, tx, freelancerID, a.ID, "")
	if err != nil {
		return err
	}
	if !e.Eligible && e.NextEligibleAt != nil {
		return s.cooldownError(e)
	}
	return errutil.ValidationFailed("skill test not passed", nil,
		errutil.Field("skill_test_attempt_id", "attempt did not pass; start a new attempt"))
}

// FinalizeExpired closes every attempt past its time limit and grace period.
func (s *Service) FinalizeExpired(ctx context.Context) (int, error) {
	threshold := s.now().Add(-s.engine.SkillTestGrace())
	candidates, err := s.attempts.Find(ctx, &Attempt{Status: StatusInProgress}, option.ApplyOperator(
		option.Condition{Field: "started_at", Operator: option.LT, Value: threshold.UTC()},
	))
	if err != nil {
		return 0, errutil.Internal("failed to load attempts", err)
	}

	n := 0
	for _, c := range candidates {
		if !s.expired(c) {
			continue
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			a, err := s.lock(ctx, tx, c.ID)
			if err != nil {
				return err
			}
			if !s.expired(a) {
				return nil
			}
			if err := s.finalizeExpired(ctx, tx, a); err != nil {
				return err
			}
			n++
			return nil
		})
		if err != nil {
			zap.L().Warn("failed to finalize expired attempt", zap.String("attempt_id", c.ID), zap.Error(err))
		}
	}
	return n, nil
}
