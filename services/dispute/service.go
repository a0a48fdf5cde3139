package dispute

import (
	"context"
	"fmt"
	"io"
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

const defaultShare = 0.5

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	engine      config.Engine
	assignments *assignment.Service
	escrows     *escrow.Service
	objects     minio.ObjectStore
	outbox      outbox.Writer
	now         func() time.Time

	disputes repository.Repository[Dispute]
	events   repository.Repository[Event]
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
		disputes:    repository.ProvideStore[Dispute](p.DB),
		events:      repository.ProvideStore[Event](p.DB),
	}
}

// Open freezes the assignment. Held funds are locked in escrow; without held funds the work
// must already be delivered (pending_review).
func (s *Service) Open(ctx context.Context, caller *principal.Principal, assignmentID string, req OpenRequest) (*Dispute, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, errutil.ValidationFailed("title is required", nil, errutil.Field("title", "is required"))
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, errutil.ValidationFailed("description is required", nil, errutil.Field("description", "is required"))
	}
	if req.Reason == "" {
		return nil, errutil.ValidationFailed("reason is required", nil, errutil.Field("reason", "is required"))
	}

	var out *Dispute
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignments.Lock(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		sub := caller.Subject()
		if !a.IsParticipant(sub) {
			return errutil.Forbidden("only participants can open a dispute", nil)
		}
		if !assignment.CanTransition(a.Status, assignment.StatusDisputed) {
			return errutil.InvalidTransition(fmt.Sprintf("assignment is %s", a.Status), nil)
		}

		var active int64
		if err := tx.WithContext(ctx).Model(&Dispute{}).
			Where("assignment_id = ? AND status IN ?", a.ID, activeStatuses).
			Count(&active).Error; err != nil {
			return errutil.Internal("failed to check open disputes", err)
		}
		if active > 0 {
			return errutil.Conflict("assignment already has an active dispute", nil)
		}

		now := s.now().UTC()
		d := &Dispute{
			ID:                 s.node.Generate().String(),
			AssignmentID:       a.ID,
			InitiatorID:        sub,
			RespondentID:       counterpart(a, sub),
			Reason:             req.Reason,
			Title:              strings.TrimSpace(req.Title),
			Description:        req.Description,
			EvidenceFiles:      datatypes.JSONSlice[string]{},
			InitiatorEvidence:  datatypes.JSONSlice[Evidence]{},
			RespondentEvidence: datatypes.JSONSlice[Evidence]{},
			Status:             StatusOpen,
			ResponseDeadline:   now.Add(s.engine.DisputeResponseWindow()),
		}
		if len(req.Links) > 0 {
			d.InitiatorEvidence = append(d.InitiatorEvidence, Evidence{By: sub, Links: req.Links, At: now})
		}

		e, err := s.escrows.ForAssignment(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		switch {
		case e != nil && e.Status == escrow.StatusHeld:
			if _, err := s.escrows.MarkDisputed(ctx, tx, e.ID, sub); err != nil {
				return err
			}
			d.EscrowID, d.EscrowPaymentRef = e.ID, e.Reference
		case a.Status == assignment.StatusPendingReview:
			if e != nil {
				d.EscrowID, d.EscrowPaymentRef = e.ID, e.Reference
			}
		default:
			return errutil.InvalidTransition("a dispute needs held funds or delivered work", nil)
		}

		if err := s.disputes.WithTrx(tx).Create(ctx, d); err != nil {
			return errutil.Internal("failed to create dispute", err)
		}
		if _, err := s.assignments.Transition(ctx, tx, a.ID, assignment.StatusDisputed, sub, "dispute opened: "+string(req.Reason)); err != nil {
			return err
		}
		if err := s.record(ctx, tx, d, EventOpened, sub, d.Title); err != nil {
			return err
		}
		if err := s.emit(ctx, tx, d, "DisputeOpened", map[string]any{"reason": d.Reason}); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func counterpart(a *assignment.Assignment, sub string) string {
	if a.IsOwner(sub) {
		if a.AssignedFreelancerID != nil {
			return *a.AssignedFreelancerID
		}
		return ""
	}
	return a.OwnerID
}

func (s *Service) find(ctx context.Context, id string) (*Dispute, error) {
	d, err := s.disputes.FindOne(ctx, &Dispute{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load dispute", err)
	}
	if d == nil {
		return nil, errutil.NotFound("dispute not found", nil)
	}
	return d, nil
}

// mutate locks the assignment and then the dispute, matching every other writer.
func (s *Service) mutate(ctx context.Context, id string, fn func(tx *gorm.DB, a *assignment.Assignment, d *Dispute) error) (*Dispute, error) {
	d0, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *Dispute
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignments.Lock(ctx, tx, d0.AssignmentID)
		if err != nil {
			return err
		}
		d, err := s.disputes.WithTrx(tx).FindOne(ctx, &Dispute{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return errutil.Internal("failed to load dispute", err)
		}
		if d == nil {
			return errutil.NotFound("dispute not found", nil)
		}
		if err := fn(tx, a, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) move(ctx context.Context, tx *gorm.DB, d *Dispute, to Status, fields map[string]any) error {
	updates := map[string]any{"status": to, "updated_at": s.now().UTC()}
	for k, v := range fields {
		updates[k] = v
	}
	res := tx.WithContext(ctx).Model(&Dispute{}).
		Where("id = ? AND status = ?", d.ID, d.Status).
		Updates(updates)
	if res.Error != nil {
		return errutil.Internal("failed to update dispute", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("dispute changed concurrently", nil)
	}
	return s.reload(ctx, tx, d)
}

func (s *Service) reload(ctx context.Context, tx *gorm.DB, d *Dispute) error {
	fresh, err := s.disputes.WithTrx(tx).FindOne(ctx, &Dispute{ID: d.ID})
	if err != nil || fresh == nil {
		return errutil.Internal("failed to reload dispute", err)
	}
	from := d.Status
	*d = *fresh
	if from != d.Status {
		logger.FromContext(ctx).Info("dispute transitioned",
			zap.String("dispute_id", d.ID),
			zap.String("assignment_id", d.AssignmentID),
			zap.String("from", string(from)),
			zap.String("to", string(d.Status)),
		)
	}
	return nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, d *Dispute, kind EventKind, actor, notes string) error {
	ev := &Event{
		ID:           s.node.Generate().String(),
		DisputeID:    d.ID,
		AssignmentID: d.AssignmentID,
		Kind:         kind,
		ActorID:      actor,
		Notes:        notes,
		At:           s.now().UTC(),
	}
	if err := s.events.WithTrx(tx).Create(ctx, ev); err != nil {
		return errutil.Internal("failed to record dispute event", err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, d *Dispute, eventType string, extra map[string]any) error {
	payload := map[string]any{
		"dispute_id":    d.ID,
		"assignment_id": d.AssignmentID,
		"status":        d.Status,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.outbox.Write(ctx, tx, "dispute", d.ID, eventType, payload); err != nil {
		return errutil.Internal("failed to record dispute event", err)
	}
	return nil
}

func requireAdmin(caller *principal.Principal) error {
	if !caller.IsAdmin() {
		return errutil.Forbidden("only an admin can do this", nil)
	}
	return nil
}

func requireActive(d *Dispute) error {
	if !d.Status.Active() {
		return errutil.InvalidTransition(fmt.Sprintf("dispute is %s", d.Status), nil)
	}
	return nil
}

// appendEvidence adds an entry to the caller's side of the dispute.
func appendEvidence(d *Dispute, sub string, ev Evidence) map[string]any {
	if sub == d.InitiatorID {
		list := append(datatypes.JSONSlice[Evidence]{}, d.InitiatorEvidence...)
		return map[string]any{"initiator_evidence": append(list, ev)}
	}
	list := append(datatypes.JSONSlice[Evidence]{}, d.RespondentEvidence...)
	return map[string]any{"respondent_evidence": append(list, ev)}
}

// Respond is the respondent's answer to an open dispute. It also carries either party's
// reply to an admin information request.
func (s *Service) Respond(ctx context.Context, caller *principal.Principal, id string, req EvidenceRequest) (*Dispute, error) {
	if strings.TrimSpace(req.Notes) == "" && len(req.Links) == 0 {
		return nil, errutil.ValidationFailed("a response is required", nil, errutil.Field("notes", "add notes or links"))
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, d *Dispute) error {
		sub := caller.Subject()
		switch d.Status {
		case StatusOpen:
			if sub != d.RespondentID {
				return errutil.Forbidden("only the respondent can answer the dispute", nil)
			}
		case StatusAwaitingResponse:
			if !d.IsParty(sub) {
				return errutil.Forbidden("only the parties can answer the dispute", nil)
			}
		default:
			return errutil.InvalidTransition(fmt.Sprintf("dispute is %s", d.Status), nil)
		}

		now := s.now().UTC()
		fields := appendEvidence(d, sub, Evidence{By: sub, Notes: req.Notes, Links: req.Links, At: now})
		if d.ReviewedAt == nil {
			fields["reviewed_at"] = &now
		}
		if err := s.move(ctx, tx, d, StatusUnderReview, fields); err != nil {
			return err
		}
		if err := s.record(ctx, tx, d, EventResponded, sub, req.Notes); err != nil {
			return err
		}
		return s.emit(ctx, tx, d, "DisputeResponded", map[string]any{"by": sub})
	})
}

// AddEvidence attaches notes and links from either party while the dispute is active.
func (s *Service) AddEvidence(ctx context.Context, caller *principal.Principal, id string, req EvidenceRequest) (*Dispute, error) {
	if strings.TrimSpace(req.Notes) == "" && len(req.Links) == 0 {
		return nil, errutil.ValidationFailed("evidence is required", nil, errutil.Field("notes", "add notes or links"))
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, d *Dispute) error {
		return s.addEvidence(ctx, tx, caller, d, Evidence{Notes: req.Notes, Links: req.Links})
	})
}

func (s *Service) addEvidence(ctx context.Context, tx *gorm.DB, caller *principal.Principal, d *Dispute, ev Evidence) error {
	sub := caller.Subject()
	if !d.IsParty(sub) {
		return errutil.Forbidden("only the parties can add evidence", nil)
	}
	if err := requireActive(d); err != nil {
		return err
	}
	ev.By, ev.At = sub, s.now().UTC()

	fields := appendEvidence(d, sub, ev)
	if len(ev.Files) > 0 {
		fields["evidence_files"] = append(append(datatypes.JSONSlice[string]{}, d.EvidenceFiles...), ev.Files...)
	}
	fields["updated_at"] = ev.At
	if err := tx.WithContext(ctx).Model(&Dispute{}).Where("id = ?", d.ID).Updates(fields).Error; err != nil {
		return errutil.Internal("failed to record evidence", err)
	}
	if err := s.reload(ctx, tx, d); err != nil {
		return err
	}
	return s.record(ctx, tx, d, EventEvidenceAdded, sub, ev.Notes)
}

// AddEvidenceFile stores an uploaded file under the assignment's attachment tree.
func (s *Service) AddEvidenceFile(ctx context.Context, caller *principal.Principal, id, filename string, r io.Reader, size int64, contentType string) (*Dispute, error) {
	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(caller.Subject()) {
		return nil, errutil.Forbidden("only the parties can add evidence", nil)
	}
	if err := requireActive(d); err != nil {
		return nil, err
	}

	obj, err := s.objects.Put(ctx, minio.BucketAttachment, minio.AttachmentPath(d.AssignmentID, filename, "disputes", d.ID), r, size, contentType)
	if err != nil {
		return nil, errutil.Internal("failed to store evidence", err)
	}
	out, err := s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, locked *Dispute) error {
		return s.addEvidence(ctx, tx, caller, locked, Evidence{Notes: filename, Files: []string{obj.Key}})
	})
	if err != nil {
		if rmErr := s.objects.Remove(ctx, minio.BucketAttachment, obj.Key); rmErr != nil {
			logger.FromContext(ctx).Warn("failed to remove orphan evidence", zap.String("key", obj.Key), zap.Error(rmErr))
		}
		return nil, err
	}
	return out, nil
}

// RequestInfo asks the parties for more information.
func (s *Service) RequestInfo(ctx context.Context, caller *principal.Principal, id, notes string) (*Dispute, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if strings.TrimSpace(notes) == "" {
		return nil, errutil.ValidationFailed("notes are required", nil, errutil.Field("notes", "is required"))
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, d *Dispute) error {
		if d.Status != StatusUnderReview && d.Status != StatusEscalated {
			return errutil.InvalidTransition(fmt.Sprintf("dispute is %s", d.Status), nil)
		}
		if err := s.move(ctx, tx, d, StatusAwaitingResponse, nil); err != nil {
			return err
		}
		if err := s.record(ctx, tx, d, EventInfoRequested, caller.Subject(), notes); err != nil {
			return err
		}
		return s.emit(ctx, tx, d, "DisputeInfoRequested", map[string]any{"notes": notes})
	})
}

// Escalate is allowed once the respondent missed the response deadline.
func (s *Service) Escalate(ctx context.Context, caller *principal.Principal, id, notes string) (*Dispute, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, d *Dispute) error {
		if d.Status != StatusOpen {
			return errutil.InvalidTransition(fmt.Sprintf("dispute is %s", d.Status), nil)
		}
		now := s.now().UTC()
		if !now.After(d.ResponseDeadline) {
			return errutil.InvalidTransition("the response deadline has not passed", nil,
				errutil.Field("response_deadline", d.ResponseDeadline.Format(time.RFC3339)))
		}
		if err := s.move(ctx, tx, d, StatusEscalated, map[string]any{"escalated_at": &now, "overdue": true}); err != nil {
			return err
		}
		if err := s.record(ctx, tx, d, EventEscalated, caller.Subject(), notes); err != nil {
			return err
		}
		return s.emit(ctx, tx, d, "DisputeEscalated", nil)
	})
}

// Resolve settles the dispute. Admins may resolve with any decision. The parties may only
// agree: the first mutual_agreement call records a proposal and the counterpart's identical
// call resolves it.
func (s *Service) Resolve(ctx context.Context, caller *principal.Principal, id string, req ResolveRequest) (*Dispute, error) {
	if err := validateResolution(req); err != nil {
		return nil, err
	}
	if !caller.IsAdmin() && req.Decision != DecisionMutualAgreement {
		return nil, errutil.Forbidden("only an admin can impose a decision", nil)
	}

	return s.mutate(ctx, id, func(tx *gorm.DB, a *assignment.Assignment, d *Dispute) error {
		if err := requireActive(d); err != nil {
			return err
		}
		sub := caller.Subject()
		if req.ResumeWork {
			if err := s.resumable(ctx, tx, a); err != nil {
				return err
			}
		}
		if !caller.IsAdmin() {
			if !d.IsParty(sub) {
				return errutil.Forbidden("only the parties can agree on a resolution", nil)
			}
			if !d.agreesWith(sub, req) {
				return s.propose(ctx, tx, d, sub, req)
			}
		}
		return s.resolve(ctx, tx, a, d, sub, req)
	})
}

func validateResolution(req ResolveRequest) error {
	switch req.Decision {
	case DecisionFavorFreelancer, DecisionFavorClient, DecisionSplitPayment, DecisionNoFault, DecisionMutualAgreement:
	default:
		return errutil.ValidationFailed("unknown decision", nil, errutil.Field("decision", "is not a known decision"))
	}
	if strings.TrimSpace(req.Summary) == "" {
		return errutil.ValidationFailed("summary is required", nil, errutil.Field("summary", "is required"))
	}
	if req.Share != nil && (*req.Share < 0 || *req.Share > 1) {
		return errutil.ValidationFailed("invalid share", nil, errutil.Field("share", "must be between 0 and 1"))
	}
	if req.ResumeWork && req.Decision != DecisionNoFault && req.Decision != DecisionMutualAgreement {
		return errutil.ValidationFailed("work can only resume without a payment decision", nil,
			errutil.Field("resume_work", "requires no_fault or mutual_agreement"))
	}
	return nil
}

// resumable refuses resume_work on a gig whose escrow is no longer in custody. With every
// milestone paid out nothing could move the gig back to pending_review.
func (s *Service) resumable(ctx context.Context, tx *gorm.DB, a *assignment.Assignment) error {
	if a.Kind != assignment.KindGig {
		return nil
	}
	e, err := s.escrows.ForAssignment(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if e == nil || e.Status != escrow.StatusDisputed {
		return errutil.InvalidTransition("work cannot resume once the gig's escrow is settled", nil,
			errutil.Field("resume_work", "requires funds held in escrow"))
	}
	return nil
}

// agreesWith reports whether the counterpart already proposed exactly req.
func (d *Dispute) agreesWith(sub string, req ResolveRequest) bool {
	if d.ProposedBy == "" || d.ProposedBy == sub {
		return false
	}
	return equalFloat(d.ProposedShare, req.Share) &&
		equalInt(d.ProposedAdjustment, req.Adjustment) &&
		d.ProposedResume == req.ResumeWork
}

func equalFloat(a, b *float64) bool {
	return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
}

func equalInt(a, b *int64) bool {
	return (a == nil && b == nil) || (a != nil && b != nil && *a == *b)
}

func (s *Service) propose(ctx context.Context, tx *gorm.DB, d *Dispute, sub string, req ResolveRequest) error {
	if err := tx.WithContext(ctx).Model(&Dispute{}).Where("id = ?", d.ID).Updates(map[string]any{
		"proposed_by":         sub,
		"proposed_share":      req.Share,
		"proposed_adjustment": req.Adjustment,
		"proposed_resume":     req.ResumeWork,
		"updated_at":          s.now().UTC(),
	}).Error; err != nil {
		return errutil.Internal("failed to record proposal", err)
	}
	if err := s.reload(ctx, tx, d); err != nil {
		return err
	}
	return s.record(ctx, tx, d, EventProposed, sub, req.Summary)
}

// settlement maps a decision onto the unreleased net of a held escrow.
func settlement(e *escrow.Escrow, req ResolveRequest) escrow.Settlement {
	share := defaultShare
	if req.Share != nil {
		share = *req.Share
	}
	var adjustment int64
	if req.Adjustment != nil {
		adjustment = *req.Adjustment
	}

	var st escrow.Settlement
	switch req.Decision {
	case DecisionFavorFreelancer:
		st = escrow.FavorFreelancer(e)
	case DecisionFavorClient:
		st = escrow.FavorClient(e)
	case DecisionNoFault:
		st = escrow.Split(e, defaultShare, 0)
	default:
		st = escrow.Split(e, share, adjustment)
	}
	st.Reason = "dispute " + string(req.Decision)
	return st
}

func (s *Service) resolve(ctx context.Context, tx *gorm.DB, a *assignment.Assignment, d *Dispute, by string, req ResolveRequest) error {
	e, err := s.escrows.ForAssignment(ctx, tx, a.ID)
	if err != nil {
		return err
	}
	if e != nil && e.Status == escrow.StatusDisputed {
		if e, err = s.escrows.ClearDispute(ctx, tx, e.ID, by); err != nil {
			return err
		}
		if !req.ResumeWork {
			if _, err := s.escrows.Settle(ctx, tx, e.ID, settlement(e, req), by); err != nil {
				return err
			}
		}
	}

	now := s.now().UTC()
	if req.ResumeWork {
		_, err = s.assignments.Transition(ctx, tx, a.ID, assignment.StatusInProgress, by, "dispute resolved: work resumes",
			assignment.Expect(assignment.StatusDisputed))
	} else {
		_, err = s.assignments.Transition(ctx, tx, a.ID, assignment.StatusCompleted, by, "dispute resolved: "+string(req.Decision),
			assignment.Expect(assignment.StatusDisputed),
			assignment.SetFields(map[string]any{"completed_at": now}))
	}
	if err != nil {
		return err
	}

	if err := s.move(ctx, tx, d, StatusResolved, map[string]any{
		"resolution_decision": req.Decision,
		"resolution_summary":  req.Summary,
		"payment_adjustment":  req.Adjustment,
		"freelancer_share":    req.Share,
		"resume_work":         req.ResumeWork,
		"resolved_by":         by,
		"resolved_at":         &now,
	}); err != nil {
		return err
	}
	if err := s.record(ctx, tx, d, EventResolved, by, req.Summary); err != nil {
		return err
	}
	return s.emit(ctx, tx, d, "DisputeResolved", map[string]any{
		"decision":    req.Decision,
		"resume_work": req.ResumeWork,
	})
}

// Close archives a resolved dispute.
func (s *Service) Close(ctx context.Context, caller *principal.Principal, id, notes string) (*Dispute, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, func(tx *gorm.DB, _ *assignment.Assignment, d *Dispute) error {
		if d.Status != StatusResolved {
			return errutil.InvalidTransition(fmt.Sprintf("dispute is %s", d.Status), nil)
		}
		now := s.now().UTC()
		if err := s.move(ctx, tx, d, StatusClosed, map[string]any{"closed_at": &now}); err != nil {
			return err
		}
		if err := s.record(ctx, tx, d, EventClosed, caller.Subject(), notes); err != nil {
			return err
		}
		return s.emit(ctx, tx, d, "DisputeClosed", nil)
	})
}

func (s *Service) visible(ctx context.Context, caller *principal.Principal, id string) (*Dispute, error) {
	d, err := s.find(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsParty(caller.Subject()) && !caller.IsAdmin() {
		return nil, errutil.NotFound("dispute not found", nil)
	}
	return d, nil
}

// Get returns the dispute with its event log.
func (s *Service) Get(ctx context.Context, caller *principal.Principal, id string) (*Detail, error) {
	d, err := s.visible(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	events, err := s.events.Find(ctx, &Event{DisputeID: d.ID}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("at ASC").Order("id ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to load dispute events", err)
	}
	return &Detail{Dispute: d, Events: events}, nil
}

func (s *Service) ListForAssignment(ctx context.Context, caller *principal.Principal, assignmentID string) ([]*Dispute, error) {
	a, err := s.assignments.Find(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := assignment.RequireParticipant(caller, a); err != nil {
		return nil, err
	}
	rows, err := s.disputes.Find(ctx, &Dispute{AssignmentID: assignmentID}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to list disputes", err)
	}
	return rows, nil
}

// EventsForAssignment returns every dispute event of an assignment, oldest first.
func (s *Service) EventsForAssignment(ctx context.Context, assignmentID string) ([]*Event, error) {
	rows, err := s.events.Find(ctx, &Event{AssignmentID: assignmentID}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("at ASC").Order("id ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to load dispute events", err)
	}
	return rows, nil
}

// SweepOverdue flags open disputes whose response deadline passed. Status is left alone;
// escalation stays an admin decision.
func (s *Service) SweepOverdue(ctx context.Context) (int, error) {
	var rows []*Dispute
	err := s.db.WithContext(ctx).
		Where("status = ? AND overdue = ? AND response_deadline < ?", StatusOpen, false, s.now().UTC()).
		Limit(500).
		Find(&rows).Error
	if err != nil {
		return 0, errutil.Internal("failed to list overdue disputes", err)
	}

	flagged := 0
	for _, d := range rows {
		won := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&Dispute{}).
				Where("id = ? AND status = ? AND overdue = ?", d.ID, StatusOpen, false).
				Updates(map[string]any{"overdue": true, "updated_at": s.now().UTC()})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			won = true
			if err := s.record(ctx, tx, d, EventOverdue, "system:sweeper", "response deadline passed"); err != nil {
				return err
			}
			return s.emit(ctx, tx, d, "DisputeOverdue", map[string]any{"response_deadline": d.ResponseDeadline})
		})
		if err != nil {
			return flagged, errutil.Internal("failed to flag overdue dispute", err)
		}
		if !won {
			continue
		}
		flagged++
		logger.FromContext(ctx).Warn("dispute response overdue",
			zap.String("dispute_id", d.ID),
			zap.String("assignment_id", d.AssignmentID),
			zap.Time("response_deadline", d.ResponseDeadline),
		)
	}
	return flagged, nil
}
