package milestone

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/db/option"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/minio"
	"trustwork/pkg/outbox"
	"trustwork/pkg/repository"
	"trustwork/services/assignment"
	"trustwork/services/escrow"
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
	escrows     *escrow.Service
	objects     minio.ObjectStore
	outbox      outbox.Writer
	now         func() time.Time

	milestones repository.Repository[Milestone]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Config      *config.Config
	Assignments *assignment.Service
	Escrows     *escrow.Service
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
		db:          p.DB,
		node:        p.Node,
		engine:      p.Config.Engine,
		assignments: p.Assignments,
		escrows:     p.Escrows,
		objects:     p.Objects,
		outbox:      p.Outbox,
		now:         now,
		milestones:  repository.ProvideStore[Milestone](p.DB),
	}
}

func percentage(amount, total int64) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(amount)*10000/float64(total)) / 100
}

// CreateBatch plans every milestone of a gig at once. Order indices are dense from 0 and the
// amounts must add up to the escrowed gross when the escrow already exists.
func (s *Service) CreateBatch(ctx context.Context, caller *principal.Principal, gigID string, req CreateBatchRequest) ([]*Milestone, error) {
	if len(req.Items) == 0 {
		return nil, errutil.ValidationFailed("at least one milestone is required", nil, errutil.Field("items", "must not be empty"))
	}
	var total int64
	for i, it := range req.Items {
		if it.Amount <= 0 {
			return nil, errutil.ValidationFailed("invalid milestone amount", nil, errutil.Field(fmt.Sprintf("items[%d].amount", i), "must be positive"))
		}
		if strings.TrimSpace(it.Title) == "" {
			return nil, errutil.ValidationFailed("invalid milestone title", nil, errutil.Field(fmt.Sprintf("items[%d].title", i), "is required"))
		}
		total += it.Amount
	}

	var out []*Milestone
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignments.Lock(ctx, tx, gigID)
		if err != nil {
			return err
		}
		if !a.IsOwner(caller.Subject()) {
			return errutil.Forbidden("only the gig owner can plan milestones", nil)
		}
		if a.Kind != assignment.KindGig {
			return errutil.ValidationFailed("milestones belong to gigs", nil, errutil.Field("kind", "must be gig"))
		}
		if a.Status != assignment.StatusAssigned && a.Status != assignment.StatusInProgress {
			return errutil.InvalidTransition(fmt.Sprintf("gig is %s", a.Status), nil)
		}

		existing, err := s.milestones.WithTrx(tx).Count(ctx, &Milestone{GigID: gigID})
		if err != nil {
			return errutil.Internal("failed to count milestones", err)
		}
		if existing > 0 {
			return errutil.Conflict("milestones already planned for this gig", nil)
		}

		e, err := s.escrows.ForAssignment(ctx, tx, gigID)
		if err != nil {
			return err
		}
		if e != nil && e.GrossAmount != total {
			return errutil.ValidationFailed("milestone amounts do not match escrow", nil,
				errutil.Field("items", fmt.Sprintf("amounts must sum to the escrowed %d", e.GrossAmount)))
		}

		freelancerID := ""
		if a.AssignedFreelancerID != nil {
			freelancerID = *a.AssignedFreelancerID
		}
		for i, it := range req.Items {
			m := &Milestone{
				ID:               s.node.Generate().String(),
				GigID:            gigID,
				OrderIndex:       i,
				FreelancerID:     freelancerID,
				Title:            strings.TrimSpace(it.Title),
				Description:      it.Description,
				Percentage:       percentage(it.Amount, total),
				Amount:           it.Amount,
				DueDate:          it.DueDate,
				Status:           StatusPending,
				DeliverableFiles: datatypes.JSONSlice[string]{},
				DeliverableLinks: datatypes.JSONSlice[string]{},
				MaxRevisions:     s.engine.MaxRevisionsPerMilestone,
			}
			if e != nil {
				m.EscrowPaymentRef = e.Reference
			}
			out = append(out, m)
		}
		if err := s.milestones.WithTrx(tx).BatchCreate(ctx, out); err != nil {
			return errutil.Internal("failed to create milestones", err)
		}

		if err := s.outbox.Write(ctx, tx, "gig", gigID, "MilestonesPlanned", map[string]any{
			"gig_id": gigID,
			"count":  len(out),
			"total":  total,
		}); err != nil {
			return errutil.Internal("failed to record milestone event", err)
		}

		_, err = s.assignments.StartWork(ctx, tx, gigID, caller.Subject(), "milestones planned")
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) find(ctx context.Context, id string) (*Milestone, error) {
	m, err := s.milestones.FindOne(ctx, &Milestone{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load milestone", err)
	}
	if m == nil {
		return nil, errutil.NotFound("milestone not found", nil)
	}
	return m, nil
}

// mutate locks the gig before the milestone, the same order every writer uses.
func (s *Service) mutate(ctx context.Context, id string, fn func(tx *gorm.DB, a *assignment.Assignment, m *Milestone) error) (*Milestone, error) {
	m0, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *Milestone
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignments.Lock(ctx, tx, m0.GigID)
		if err != nil {
			return err
		}
		m, err := s.milestones.WithTrx(tx).FindOne(ctx, &Milestone{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load milestone", err)
		}
		if m == nil {
			return errutil.NotFound("milestone not found", nil)
		}
		if err := fn(tx, a, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) move(ctx context.Context, tx *gorm.DB, m *Milestone, to Status, fields map[string]any) error {
	updates := map[string]any{"status": to, "updated_at": s.now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&Milestone{}).
		Where("id = ? AND status = ?", m.ID, m.Status).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to update milestone", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("milestone changed concurrently", nil)
	}

	fresh, err := s.milestones.WithTrx(tx).FindOne(ctx, &Milestone{ID: m.ID})
	if err != nil || fresh == nil {
		return errutil.Internal("failed to reload milestone", err)
	}
	from := m.Status
	*m = *fresh

	logger.FromContext(ctx).Info("milestone transitioned",
		zap.String("milestone_id", m.ID),
		zap.String("gig_id", m.GigID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (s *Service) event(ctx context.Context, tx *gorm.DB, m *Milestone, eventType string, extra map[string]any) error {
	payload := map[string]any{
		"milestone_id": m.ID,
		"gig_id":       m.GigID,
		"order_index":  m.OrderIndex,
		"status":       m.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.outbox.Write(ctx, tx, "milestone", m.ID, eventType, payload); err != nil {
		return errutil.Internal("failed to record milestone event", err)
	}
	return nil
}

func requireFreelancer(caller *principal.Principal, m *Milestone) error {
	if m.FreelancerID == "" || m.FreelancerID != caller.Subject() {
		return errutil.Forbidden("only the assigned freelancer can do this", nil)
	}
	return nil
}

func requireOwner(caller *principal.Principal, a *assignment.Assignment) error {
	if !a.IsOwner(caller.Subject()) {
		return errutil.Forbidden("only the gig owner can review milestones", nil)
	}
	return nil
}

func requireWorking(a *assignment.Assignment) error {
	if a.Status != assignment.StatusInProgress {
		return errutil.InvalidTransition(fmt.Sprintf("gig is %s", a.Status), nil)
	}
	return nil
}

// Start is idempotent: starting an in-progress milestone returns it unchanged.
func (s *Service) Start(ctx context.Context, caller *principal.Principal, id string) (*Milestone, error) {
	return s.mutate(ctx, id, func(tx *gorm.DB, a *assignment.Assignment, m *Milestone) error {
		if err := requireFreelancer(caller, m); err != nil {
			return err
		}
		if m.Status == StatusInProgress {
			return nil
		}
		if m.Status != StatusPending {
			return errutil.InvalidTransition(fmt.Sprintf("milestone is %s", m.Status), nil)
		}
		if err := requireWorking(a); err != nil {
			return err
		}
		now := s.now().UTC()
		if err := s.move(ctx, tx, m, StatusInProgress, map[string]any{"started_at": &now}); err != nil {
			return err
		}
		return s.event(ctx, tx, m, "MilestoneStarted", nil)
	})
}

// Submit hands in deliverables. Resubmitting after a revision request counts one revision.
func (s *Service) Submit(ctx context.Context, caller *principal.Principal, id string, req SubmitRequest) (*Milestone, error) {
	return s.mutate(ctx, id, func(tx *gorm.DB, a *assignment.Assignment, m *Milestone) error {
		if err := requireFreelancer(caller, m); err != nil {
			return err
		}
		if m.Status != StatusInProgress && m.Status != StatusRevisionRequested {
			return errutil.InvalidTransition(fmt.Sprintf("milestone is %s", m.Status), nil)
		}
		if err := requireWorking(a); err != nil {
			return err
		}

		links := append([]string(m.DeliverableLinks), req.Links...)
		if len(links)+len(m.DeliverableFiles) == 0 {
			return errutil.ValidationFailed("deliverables are required", nil, errutil.Field("links", "upload a file or add a link"))
		}

		now := s.now().UTC()
		fields := map[string]any{
			"submitted_at":      &now,
			"submission_notes":  req.Notes,
			"deliverable_links": datatypes.JSONSlice[string](links),
		}
		if m.Status == StatusRevisionRequested {
			if m.RevisionCount >= m.MaxRevisions {
				return errutil.Quota(fmt.Sprintf("revision limit of %d reached", m.MaxRevisions), nil)
			}
			fields["revision_count"] = m.RevisionCount + 1
		}
		if err := s.move(ctx, tx, m, StatusSubmitted, fields); err != nil {
			return err
		}
		return s.event(ctx, tx, m, "MilestoneSubmitted", map[string]any{"revision_count": m.RevisionCount})
	})
}

// Approve accepts a submission and releases the milestone amount from escrow. When it is the
// last open milestone the gig moves to pending_review.
func (s *Service) Approve(ctx context.Context, caller *principal.Principal, id, notes string) (*Milestone, error) {
	return s.mutate(ctx, id, func(tx *gorm.DB, a *assignment.Assignment, m *Milestone) error {
		if err := requireOwner(caller, a); err != nil {
			return err
		}
		if m.Status != StatusSubmitted {
			return errutil.InvalidTransition(fmt.Sprintf("milestone is %s", m.Status), nil)
		}

		e, released, err := s.escrows.ReleasePartial(ctx, tx, a.ID, m.ID, m.Amount, caller.Subject())
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.move(ctx, tx, m, StatusApproved, map[string]any{
			"approved_at":         &now,
			"client_notes":        notes,
			"payment_released":    true,
			"payment_released_at": &now,
			"released_amount":     released,
			"escrow_payment_ref":  e.Reference,
		}); err != nil {
			return err
		}
		if err := s.event(ctx, tx, m, "MilestoneApproved", map[string]any{
			"amount":   m.Amount,
			"released": released,
		}); err != nil {
			return err
		}

		var open int64
		if err := tx.WithContext(ctx).Model(&Milestone{}).
			Where("gig_id = ? AND status <> ?", a.ID, StatusApproved).
			Count(&open).Error; err != nil {
			return errutil.Internal("failed to count open milestones", err)
		}
		if open > 0 {
			return nil
		}
		_, err = s.assignments.Transition(ctx, tx, a.ID, assignment.StatusPendingReview, caller.Subject(), "all milestones approved",
			assignment.Expect(assignment.StatusInProgress))
		return err
	})
}

func (s *Service) Reject(ctx context.Context, caller *principal.Principal, id, notes string) (*Milestone, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, errutil.ValidationFailed("a reason is required", nil, errutil.Field("notes", "is required"))
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, a *assignment.Assignment, m *Milestone) error {
		if err := requireOwner(caller, a); err != nil {
			return err
		}
		if m.Status != StatusSubmitted {
			return errutil.InvalidTransition(fmt.Sprintf("milestone is %s", m.Status), nil)
		}
		now := s.now().UTC()
		if err := s.move(ctx, tx, m, StatusRejected, map[string]any{"rejected_at": &now, "client_notes": notes}); err != nil {
			return err
		}
		return s.event(ctx, tx, m, "MilestoneRejected", map[string]any{"notes": notes})
	})
}

func (s *Service) RequestRevision(ctx context.Context, caller *principal.Principal, id, notes string) (*Milestone, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, errutil.ValidationFailed("revision notes are required", nil, errutil.Field("notes", "is required"))
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, a *assignment.Assignment, m *Milestone) error {
		if err := requireOwner(caller, a); err != nil {
			return err
		}
		if m.Status != StatusSubmitted {
			return errutil.InvalidTransition(fmt.Sprintf("milestone is %s", m.Status), nil)
		}
		if m.RevisionCount >= m.MaxRevisions {
			return errutil.Quota(fmt.Sprintf("revision limit of %d reached", m.MaxRevisions), nil)
		}
		if err := s.move(ctx, tx, m, StatusRevisionRequested, map[string]any{"client_notes": notes}); err != nil {
			return err
		}
		return s.event(ctx, tx, m, "MilestoneRevisionRequested", map[string]any{"revision_count": m.RevisionCount})
	})
}

// UpdateStatus routes a generic status change to the matching operation.
func (s *Service) UpdateStatus(ctx context.Context, caller *principal.Principal, id string, req StatusRequest) (*Milestone, error) {
	switch req.Status {
	case StatusInProgress:
		return s.Start(ctx, caller, id)
	case StatusSubmitted:
		return s.Submit(ctx, caller, id, SubmitRequest{Notes: req.Notes, Links: req.Links})
	case StatusApproved:
		return s.Approve(ctx, caller, id, req.Notes)
	case StatusRejected:
		return s.Reject(ctx, caller, id, req.Notes)
	case StatusRevisionRequested:
		return s.RequestRevision(ctx, caller, id, req.Notes)
	default:
		return nil, errutil.ValidationFailed("unsupported status", nil, errutil.Field("status", "is not a target status"))
	}
}

func (s *Service) visibleGig(ctx context.Context, caller *principal.Principal, gigID string) error {
	a, err := s.assignments.Find(ctx, gigID)
	if err != nil {
		return err
	}
	if !a.IsParticipant(caller.Subject()) && !caller.IsAdmin() {
		return errutil.NotFound("gig not found", nil)
	}
	return nil
}

func (s *Service) List(ctx context.Context, caller *principal.Principal, gigID string) ([]*Milestone, error) {
	if err := s.visibleGig(ctx, caller, gigID); err != nil {
		return nil, err
	}
	rows, err := s.milestones.Find(ctx, &Milestone{GigID: gigID}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("order_index ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to list milestones", err)
	}
	return rows, nil
}

func (s *Service) Progress(ctx context.Context, caller *principal.Principal, gigID string) (*Progress, error) {
	rows, err := s.List(ctx, caller, gigID)
	if err != nil {
		return nil, err
	}
	p := &Progress{GigID: gigID, Total: len(rows)}
	for _, m := range rows {
		p.TotalAmount += m.Amount
		p.ReleasedAmount += m.ReleasedAmount
		if m.Status == StatusApproved {
			p.Completed++
		} else {
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.Percent = math.Round(float64(p.Completed)*10000/float64(p.Total)) / 100
	}
	return p, nil
}

// AddDeliverable stores a file under the gig's attachment tree and links it to the milestone.
func (s *Service) AddDeliverable(ctx context.Context, caller *principal.Principal, id, filename string, r io.Reader, size int64, contentType string) (*Milestone, error) {
	m, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireFreelancer(caller, m); err != nil {
		return nil, err
	}
	if m.Status != StatusInProgress && m.Status != StatusRevisionRequested {
		return nil, errutil.InvalidTransition(fmt.Sprintf("milestone is %s", m.Status), nil)
	}

	obj, err := s.objects.Put(ctx, minio.BucketAttachment, minio.AttachmentPath(m.GigID, filename, "milestones", m.ID), r, size, contentType)
	if err != nil {
		return nil, errutil.Internal("failed to store deliverable", err)
	}

	out, err := s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, locked *Milestone) error {
		if locked.Status != StatusInProgress && locked.Status != StatusRevisionRequested {
			return errutil.InvalidTransition(fmt.Sprintf("milestone is %s", locked.Status), nil)
		}
		files := append([]string(locked.DeliverableFiles), obj.Key)
		if err := tx.WithContext(ctx).Model(&Milestone{}).Where("id = ?", id).
			Updates(map[string]any{"deliverable_files": datatypes.JSONSlice[string](files), "updated_at": s.now().UTC()}).Error; err != nil {
			return errutil.Internal("failed to record deliverable", err)
		}
		locked.DeliverableFiles = files
		return nil
	})
	if err != nil {
		if rmErr := s.objects.Remove(ctx, minio.BucketAttachment, obj.Key); rmErr != nil {
			logger.FromContext(ctx).Warn("failed to remove orphan deliverable", zap.String("key", obj.Key), zap.Error(rmErr))
		}
		return nil, err
	}
	return out, nil
}
