package timeline

import (
	"context"
	"sort"

	"trustwork/pkg/logger"
	"trustwork/services/assignment"
	"trustwork/services/dispute"
	"trustwork/services/principal"
	"trustwork/services/review"

	"github.com/ecodeclub/ekit/slice"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Service struct {
	assignments *assignment.Service
	disputes    *dispute.Service
	reviews     *review.Service
}

type ServiceParams struct {
	fx.In
	Assignments *assignment.Service
	Disputes    *dispute.Service
	Reviews     *review.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		assignments: p.Assignments,
		disputes:    p.Disputes,
		reviews:     p.Reviews,
	}
}

// Get merges the status history with dispute and review events, oldest first.
// Entries at the same instant keep status rows before dispute rows before reviews.
func (s *Service) Get(ctx context.Context, caller *principal.Principal, assignmentID string) (*Timeline, error) {
	a, err := s.assignments.Find(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := assignment.RequireParticipant(caller, a); err != nil {
		return nil, err
	}

	var (
		history []*assignment.StatusHistory
		events  []*dispute.Event
		reviews []*review.Review
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		history, err = s.assignments.History(gctx, assignmentID)
		return err
	})
	g.Go(func() (err error) {
		events, err = s.disputes.EventsForAssignment(gctx, assignmentID)
		return err
	})
	g.Go(func() (err error) {
		reviews, err = s.reviews.ForAssignment(gctx, assignmentID)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.FromContext(ctx).Error("failed to build timeline", zap.String("assignment_id", assignmentID), zap.Error(err))
		return nil, err
	}

	entries := make([]*Entry, 0, len(history)+len(events)+len(reviews))
	entries = append(entries, slice.Map(history, func(_ int, h *assignment.StatusHistory) *Entry {
		return &Entry{
			At:      h.At.UTC(),
			Source:  SourceStatus,
			Kind:    "status_changed",
			ActorID: h.ByPrincipal,
			From:    string(h.FromStatus),
			To:      string(h.ToStatus),
			Notes:   h.Reason,
			RefID:   h.ID,
		}
	})...)
	entries = append(entries, slice.Map(events, func(_ int, e *dispute.Event) *Entry {
		return &Entry{
			At:      e.At.UTC(),
			Source:  SourceDispute,
			Kind:    "dispute_" + string(e.Kind),
			ActorID: e.ActorID,
			Notes:   e.Notes,
			RefID:   e.DisputeID,
		}
	})...)
	entries = append(entries, slice.Map(reviews, func(_ int, r *review.Review) *Entry {
		return &Entry{
			At:      r.CreatedAt.UTC(),
			Source:  SourceReview,
			Kind:    "review_submitted",
			ActorID: r.ReviewerID,
			To:      r.RevieweeID,
			RefID:   r.ID,
		}
	})...)

	// each source is already ordered, so a stable sort keeps their internal order on ties
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})

	return &Timeline{AssignmentID: a.ID, Status: string(a.Status), Entries: entries}, nil
}
