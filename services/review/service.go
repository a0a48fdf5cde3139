package review

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"trustwork/pkg/config"
	"trustwork/pkg/db/option"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/outbox"
	"trustwork/pkg/repository"
	"trustwork/services/application"
	"trustwork/services/assignment"
	"trustwork/services/principal"

	"github.com/bwmarrin/snowflake"
	"github.com/ecodeclub/ekit/slice"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db           *gorm.DB
	node         *snowflake.Node
	engine       config.Engine
	assignments  *assignment.Service
	applications *application.Service
	outbox       outbox.Writer
	now          func() time.Time

	reviews repository.Repository[Review]
}

type ServiceParams struct {
	fx.In
	DB           *gorm.DB
	Node         *snowflake.Node
	Config       *config.Config
	Assignments  *assignment.Service
	Applications *application.Service
	Outbox       outbox.Writer
	Now          func() time.Time `name:"clock" optional:"true"`
}

func NewService(p ServiceParams) *Service {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		db:           p.DB,
		node:         p.Node,
		engine:       p.Config.Engine,
		assignments:  p.Assignments,
		applications: p.Applications,
		outbox:       p.Outbox,
		now:          now,
		reviews:      repository.ProvideStore[Review](p.DB),
	}
}

// engagement is the hired application seen from one participant.
type engagement struct {
	app          *application.Application
	assignment   *assignment.Assignment
	reviewerType ReviewerType
	revieweeID   string
	windowEnd    time.Time
}

// engagementFor resolves who reviews whom. Gigs pair client and freelancer, jobs pair
// employer and employee.
func (s *Service) engagementFor(ctx context.Context, caller *principal.Principal, applicationID string) (*engagement, error) {
	app, err := s.applications.Find(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	a, err := s.assignments.Find(ctx, app.AssignmentID)
	if err != nil {
		return nil, err
	}

	en := &engagement{app: app, assignment: a}
	sub := caller.Subject()
	switch {
	case sub != "" && a.IsOwner(sub):
		en.revieweeID = app.FreelancerID
		en.reviewerType = ReviewerClient
		if a.Kind == assignment.KindJob {
			en.reviewerType = ReviewerEmployer
		}
	case sub != "" && app.FreelancerID == sub:
		en.revieweeID = a.OwnerID
		en.reviewerType = ReviewerFreelancer
		if a.Kind == assignment.KindJob {
			en.reviewerType = ReviewerEmployee
		}
	default:
		return nil, errutil.Forbidden("only participants can review this engagement", nil)
	}

	if app.Status != application.StatusAccepted {
		return nil, errutil.InvalidTransition("only the hired application can be reviewed", nil)
	}
	if a.Status != assignment.StatusCompleted || a.CompletedAt == nil {
		return nil, errutil.InvalidTransition(fmt.Sprintf("assignment is %s; reviews open on completion", a.Status), nil)
	}
	en.windowEnd = a.CompletedAt.UTC().Add(s.engine.ReviewWindow())
	return en, nil
}

func (s *Service) windowClosed(end time.Time) error {
	if s.now().UTC().After(end) {
		return errutil.Quota("the review window has closed", nil,
			errutil.Field("review_window_end", end.Format(time.RFC3339)))
	}
	return nil
}

func (s *Service) existing(ctx context.Context, applicationID, reviewerID string) (*Review, error) {
	r, err := s.reviews.FindOne(ctx, &Review{ApplicationID: applicationID, ReviewerID: reviewerID})
	if err != nil {
		return nil, errutil.Internal("failed to load review", err)
	}
	return r, nil
}

// CanReview reports whether caller may review the engagement now, and why not otherwise.
func (s *Service) CanReview(ctx context.Context, caller *principal.Principal, applicationID string) (*Eligibility, error) {
	en, err := s.engagementFor(ctx, caller, applicationID)
	if err != nil {
		if errutil.Is(err, errutil.StatusForbidden) || errutil.Is(err, errutil.StatusInvalidTransition) {
			return &Eligibility{Reason: errutil.MessageOf(err)}, nil
		}
		return nil, err
	}

	out := &Eligibility{ReviewerType: en.reviewerType, RevieweeID: en.revieweeID, WindowEnd: &en.windowEnd}
	if err := s.windowClosed(en.windowEnd); err != nil {
		out.Reason = "the review window has closed"
		return out, nil
	}
	prior, err := s.existing(ctx, applicationID, caller.Subject())
	if err != nil {
		return nil, err
	}
	if prior != nil {
		out.Reason = "you already reviewed this engagement"
		return out, nil
	}
	out.Eligible = true
	return out, nil
}

func validateRatings(t ReviewerType, overall int, sub Ratings) error {
	if overall < minRating || overall > maxRating {
		return errutil.ValidationFailed("invalid rating", nil, errutil.Field("overall_rating", "must be between 1 and 5"))
	}
	keys := subRatingKeys[t]
	if len(sub) != len(keys) {
		return errutil.ValidationFailed("invalid sub-ratings", nil,
			errutil.Field("sub_ratings", "must rate exactly "+strings.Join(keys, ", ")))
	}
	for _, k := range keys {
		v, ok := sub[k]
		if !ok {
			return errutil.ValidationFailed("invalid sub-ratings", nil, errutil.Field("sub_ratings."+k, "is required"))
		}
		if v < minRating || v > maxRating {
			return errutil.ValidationFailed("invalid sub-ratings", nil, errutil.Field("sub_ratings."+k, "must be between 1 and 5"))
		}
	}
	return nil
}

func validateText(text string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < minTextLen || n > maxTextLen {
		return errutil.ValidationFailed("invalid review text", nil,
			errutil.Field("review_text", fmt.Sprintf("must be %d to %d characters", minTextLen, maxTextLen)))
	}
	return nil
}

// Submit creates the caller's single review of the engagement. The window end is fixed at
// creation from the assignment's completion time.
func (s *Service) Submit(ctx context.Context, caller *principal.Principal, applicationID string, req SubmitRequest) (*Review, error) {
	en, err := s.engagementFor(ctx, caller, applicationID)
	if err != nil {
		return nil, err
	}
	if err := validateRatings(en.reviewerType, req.OverallRating, req.SubRatings); err != nil {
		return nil, err
	}
	if err := validateText(req.ReviewText); err != nil {
		return nil, err
	}
	if err := s.windowClosed(en.windowEnd); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &Review{
		ID:               s.node.Generate().String(),
		ApplicationID:    applicationID,
		ReviewerID:       caller.Subject(),
		AssignmentID:     en.assignment.ID,
		RevieweeID:       en.revieweeID,
		ReviewerType:     en.reviewerType,
		OverallRating:    req.OverallRating,
		SubRatings:       datatypes.NewJSONType(req.SubRatings),
		ReviewText:       strings.TrimSpace(req.ReviewText),
		ModerationStatus: ModerationPending,
		ReviewWindowEnd:  en.windowEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.reviews.WithTrx(tx).Create(ctx, r); err != nil {
			if errutil.IsUniqueViolation(err) {
				return errutil.Quota("you already reviewed this engagement", err)
			}
			return errutil.Internal("failed to create review", err)
		}
		return s.emit(ctx, tx, r, "ReviewSubmitted")
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("review submitted",
		zap.String("review_id", r.ID),
		zap.String("assignment_id", r.AssignmentID),
		zap.String("reviewer_type", string(r.ReviewerType)),
		zap.Int("overall_rating", r.OverallRating),
	)
	return r, nil
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, r *Review, eventType string) error {
	if err := s.outbox.Write(ctx, tx, "review", r.ID, eventType, map[string]any{
		"review_id":      r.ID,
		"assignment_id":  r.AssignmentID,
		"reviewee_id":    r.RevieweeID,
		"reviewer_type":  r.ReviewerType,
		"overall_rating": r.OverallRating,
	}); err != nil {
		return errutil.Internal("failed to record review event", err)
	}
	return nil
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, id string) (*Review, error) {
	repo := s.reviews
	var opts []option.QueryOption
	if tx != nil {
		repo = repo.WithTrx(tx)
		opts = append(opts, option.WithLockingUpdate())
	}
	r, err := repo.FindOne(ctx, &Review{ID: id}, opts...)
	if err != nil {
		return nil, errutil.Internal("failed to load review", err)
	}
	if r == nil {
		return nil, errutil.NotFound("review not found", nil)
	}
	return r, nil
}

// mutate runs fn on the locked review and writes the returned columns.
func (s *Service) mutate(ctx context.Context, id string, fn func(r *Review) (map[string]any, error)) (*Review, error) {
	var out *Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := s.find(ctx, tx, id)
		if err != nil {
			return err
		}
		fields, err := fn(r)
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			fields["updated_at"] = s.now().UTC()
			if err := tx.WithContext(ctx).Model(&Review{}).Where("id = ?", id).Updates(fields).Error; err != nil {
				return errutil.Internal("failed to update review", err)
			}
		}
		out, err = s.find(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update edits the caller's review while the window is open and moderation has not approved it.
func (s *Service) Update(ctx context.Context, caller *principal.Principal, id string, req UpdateRequest) (*Review, error) {
	return s.mutate(ctx, id, func(r *Review) (map[string]any, error) {
		if r.ReviewerID != caller.Subject() {
			return nil, errutil.Forbidden("only the reviewer can edit a review", nil)
		}
		if err := s.windowClosed(r.ReviewWindowEnd); err != nil {
			return nil, err
		}
		if r.ModerationStatus == ModerationApproved {
			return nil, errutil.InvalidTransition("an approved review cannot be edited", nil)
		}

		fields := map[string]any{}
		overall := r.OverallRating
		if req.OverallRating != nil {
			overall = *req.OverallRating
			fields["overall_rating"] = overall
		}
		sub := r.SubRatings.Data()
		if req.SubRatings != nil {
			sub = req.SubRatings
			fields["sub_ratings"] = datatypes.NewJSONType(sub)
		}
		if err := validateRatings(r.ReviewerType, overall, sub); err != nil {
			return nil, err
		}
		if req.ReviewText != nil {
			if err := validateText(*req.ReviewText); err != nil {
				return nil, err
			}
			fields["review_text"] = strings.TrimSpace(*req.ReviewText)
		}
		return fields, nil
	})
}

// Flag marks a review for moderation. Anyone but the author may flag; it does not hide the review.
func (s *Service) Flag(ctx context.Context, caller *principal.Principal, id, reason string) (*Review, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errutil.ValidationFailed("a reason is required", nil, errutil.Field("reason", "is required"))
	}
	return s.mutate(ctx, id, func(r *Review) (map[string]any, error) {
		if r.ReviewerID == caller.Subject() {
			return nil, errutil.Forbidden("you cannot flag your own review", nil)
		}
		if r.Flagged {
			return nil, nil
		}
		logger.FromContext(ctx).Warn("review flagged",
			zap.String("review_id", r.ID),
			zap.String("by", caller.Subject()),
			zap.String("reason", reason),
		)
		return map[string]any{"flagged": true, "flag_reason": reason}, nil
	})
}

func (s *Service) MarkHelpful(ctx context.Context, caller *principal.Principal, id string) (*Review, error) {
	return s.mutate(ctx, id, func(r *Review) (map[string]any, error) {
		if r.ReviewerID == caller.Subject() {
			return nil, errutil.Forbidden("you cannot mark your own review helpful", nil)
		}
		return map[string]any{"helpful_count": gorm.Expr("helpful_count + 1")}, nil
	})
}

// Moderate sets the moderation outcome. Approving clears the flag.
func (s *Service) Moderate(ctx context.Context, caller *principal.Principal, id string, status Moderation) (*Review, error) {
	if !caller.IsAdmin() {
		return nil, errutil.Forbidden("only an admin can moderate reviews", nil)
	}
	switch status {
	case ModerationPending, ModerationApproved, ModerationRejected:
	default:
		return nil, errutil.ValidationFailed("unknown moderation status", nil, errutil.Field("status", "must be approved, rejected or pending"))
	}
	return s.mutate(ctx, id, func(r *Review) (map[string]any, error) {
		fields := map[string]any{"moderation_status": status}
		if status == ModerationApproved {
			fields["flagged"] = false
			fields["flag_reason"] = ""
		}
		return fields, nil
	})
}

func visibleScope(db *gorm.DB) *gorm.DB {
	return db.Where("moderation_status IN ?", []Moderation{ModerationApproved, ModerationPending}).
		Order("created_at DESC").Order("id DESC")
}

// GetForUser returns the reviews a user received and the aggregate derived from them.
func (s *Service) GetForUser(ctx context.Context, userID string) (*UserReviews, error) {
	rows, err := s.reviews.Find(ctx, &Review{RevieweeID: userID}, option.WithScope(visibleScope))
	if err != nil {
		return nil, errutil.Internal("failed to list reviews", err)
	}
	return &UserReviews{UserID: userID, Aggregate: aggregate(rows), Reviews: rows}, nil
}

func aggregate(rows []*Review) Aggregate {
	out := Aggregate{Count: len(rows), AverageSub: map[string]float64{}}
	if len(rows) == 0 {
		return out
	}
	overall := slice.Map(rows, func(_ int, r *Review) float64 { return float64(r.OverallRating) })
	out.AverageOverall = round2(mean(overall))

	sums := map[string][]float64{}
	for _, r := range rows {
		for k, v := range r.SubRatings.Data() {
			sums[k] = append(sums[k], float64(v))
		}
	}
	for k, vs := range sums {
		out.AverageSub[k] = round2(mean(vs))
	}
	return out
}

func mean(vs []float64) float64 {
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// GetForAssignment lists an assignment's reviews. Participants and admins also see rejected ones.
func (s *Service) GetForAssignment(ctx context.Context, caller *principal.Principal, assignmentID string) ([]*Review, error) {
	a, err := s.assignments.Find(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	scope := visibleScope
	if caller.IsAdmin() || a.IsParticipant(caller.Subject()) {
		scope = func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC").Order("id DESC") }
	}
	rows, err := s.reviews.Find(ctx, &Review{AssignmentID: assignmentID}, option.WithScope(scope))
	if err != nil {
		return nil, errutil.Internal("failed to list reviews", err)
	}
	return rows, nil
}

// ForAssignment lists every review of an assignment, oldest first, without access checks.
func (s *Service) ForAssignment(ctx context.Context, assignmentID string) ([]*Review, error) {
	rows, err := s.reviews.Find(ctx, &Review{AssignmentID: assignmentID}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC").Order("id ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to list reviews", err)
	}
	return rows, nil
}
