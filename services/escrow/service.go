package escrow

import (
	"context"
	"fmt"
	"math"

	"trustwork/pkg/config"
	"trustwork/pkg/db/option"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/sequence"
	"trustwork/services/assignment"
	"trustwork/services/principal"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Plan reports the milestone total planned for an assignment; count is zero when no plan exists.
type Plan interface {
	PlannedTotal(ctx context.Context, tx *gorm.DB, assignmentID string) (total int64, count int, err error)
}

type Service struct {
	*Custody
	seq         sequence.Generator
	assignments *assignment.Service
	plan        Plan
	secret      []byte
}

type ServiceParams struct {
	fx.In
	Custody     *Custody
	Seq         sequence.Generator
	Assignments *assignment.Service
	Plan        Plan `optional:"true"`
	Config      *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		Custody:     p.Custody,
		seq:         p.Seq,
		assignments: p.Assignments,
		plan:        p.Plan,
		secret:      []byte(p.Config.Gateway.WebhookSecret),
	}
}

// Create opens a pending escrow for an assigned posting and asks the gateway to authorize the
// gross amount. Calling it again while the escrow is still pending retries the authorization.
func (s *Service) Create(ctx context.Context, caller *principal.Principal, assignmentID string, req CreateRequest) (*Escrow, error) {
	if req.GrossAmount <= 0 {
		return nil, errutil.ValidationFailed("invalid amount", nil, errutil.Field("gross_amount", "must be positive"))
	}

	var e *Escrow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := s.assignments.Lock(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if !a.IsOwner(caller.Subject()) {
			return errutil.Forbidden("only the assignment owner can fund escrow", nil)
		}
		if a.Status != assignment.StatusAssigned || a.AssignedFreelancerID == nil {
			return errutil.InvalidTransition(fmt.Sprintf("assignment is %s; escrow is funded after an application is accepted", a.Status), nil)
		}

		existing, err := s.lockByAssignment(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Status != StatusPending {
				return errutil.Conflict("assignment already has an escrow", nil)
			}
			if existing.GrossAmount != req.GrossAmount {
				return errutil.Conflict("a pending escrow with a different amount exists", nil)
			}
			e = existing
			return nil
		}

		if s.plan != nil {
			total, n, err := s.plan.PlannedTotal(ctx, tx, a.ID)
			if err != nil {
				return err
			}
			if n > 0 && total != req.GrossAmount {
				return errutil.ValidationFailed("amount does not match milestones", nil,
					errutil.Field("gross_amount", fmt.Sprintf("must equal the milestone total %d", total)))
			}
		}

		ref, err := s.seq.NextEscrowReference(ctx)
		if err != nil {
			return errutil.Internal("failed to allocate escrow reference", err)
		}
		fee, net := Fee(req.GrossAmount, s.engine.PlatformFeeRate)
		e = &Escrow{
			ID:           s.node.Generate().String(),
			Reference:    ref,
			AssignmentID: a.ID,
			PayerID:      a.OwnerID,
			RecipientID:  *a.AssignedFreelancerID,
			GrossAmount:  req.GrossAmount,
			PlatformFee:  fee,
			NetAmount:    net,
			Currency:     s.engine.Currency,
			Status:       StatusPending,
			PayoutStatus: PayoutPending,
		}
		if err := s.escrows.WithTrx(tx).Create(ctx, e); err != nil {
			if errutil.IsUniqueViolation(err) {
				return errutil.Conflict("assignment already has an escrow", err)
			}
			return errutil.Internal("failed to create escrow", err)
		}
		return s.event(ctx, tx, e, "EscrowCreated", map[string]any{
			"gross_amount": e.GrossAmount,
			"platform_fee": e.PlatformFee,
			"net_amount":   e.NetAmount,
		})
	})
	if err != nil {
		return nil, err
	}

	res, err := s.gateway.Authorize(ctx, AuthorizeRequest{
		Reference:   e.Reference,
		Amount:      e.GrossAmount,
		Currency:    e.Currency,
		PayerID:     e.PayerID,
		Description: "escrow for assignment " + e.AssignmentID,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("payment authorization failed",
			zap.String("escrow_id", e.ID),
			zap.String("reference", e.Reference),
			zap.Error(err),
		)
		return nil, gatewayError("payment authorization failed", e.Reference, err)
	}

	if res.PaymentID != "" || res.CorrelationID != "" {
		if err := s.db.WithContext(ctx).Model(&Escrow{}).
			Where("id = ? AND status = ?", e.ID, StatusPending).
			Updates(map[string]any{
				"gateway_payment_id": res.PaymentID,
				"correlation_id":     res.CorrelationID,
			}).Error; err != nil {
			return nil, errutil.Internal("failed to record gateway payment", err)
		}
		e.GatewayPaymentID = res.PaymentID
		e.CorrelationID = res.CorrelationID
	}
	e.CheckoutURL = res.CheckoutURL
	return e, nil
}

// ReleaseFull releases every unreleased unit of a held escrow. Only the payer may call it.
func (s *Service) ReleaseFull(ctx context.Context, caller *principal.Principal, id string) (*Escrow, error) {
	var out *Escrow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.PayerID != caller.Subject() {
			return errutil.Forbidden("only the payer can release escrow", nil)
		}
		if _, err := s.release(ctx, tx, e, e.Remaining(), "full", caller.Subject()); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleasePartial books a milestone payment inside the caller's transaction. The amount is capped
// at the unreleased net, so the platform fee is withheld from the tail releases.
func (s *Service) ReleasePartial(ctx context.Context, tx *gorm.DB, assignmentID, milestoneID string, amount int64, by string) (*Escrow, int64, error) {
	e, err := s.lockByAssignment(ctx, tx, assignmentID)
	if err != nil {
		return nil, 0, err
	}
	if e == nil {
		return nil, 0, errutil.InvalidTransition("assignment has no escrow", nil)
	}
	released, err := s.release(ctx, tx, e, amount, "milestone:"+milestoneID, by)
	if err != nil {
		return nil, 0, err
	}
	return e, released, nil
}

// Refund returns the full amount to the payer. The payer or an admin may call it.
func (s *Service) Refund(ctx context.Context, caller *principal.Principal, id, reason string) (*Escrow, error) {
	var out *Escrow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.PayerID != caller.Subject() && !caller.IsAdmin() {
			return errutil.Forbidden("only the payer or an admin can refund escrow", nil)
		}
		if err := s.refund(ctx, tx, e, reason, caller.Subject()); err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDisputed freezes a held escrow inside the caller's transaction.
func (s *Service) MarkDisputed(ctx context.Context, tx *gorm.DB, id, by string) (*Escrow, error) {
	e, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusHeld {
		return nil, errutil.InvalidTransition(fmt.Sprintf("escrow is %s; only held funds can be disputed", e.Status), nil)
	}
	now := s.now().UTC()
	if err := s.update(ctx, tx, e, map[string]any{"status": StatusDisputed, "disputed_at": &now}); err != nil {
		return nil, err
	}
	return e, s.event(ctx, tx, e, "EscrowDisputed", map[string]any{"by": by})
}

// ClearDispute unfreezes a disputed escrow back to held.
func (s *Service) ClearDispute(ctx context.Context, tx *gorm.DB, id, by string) (*Escrow, error) {
	e, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDisputed {
		return nil, errutil.InvalidTransition(fmt.Sprintf("escrow is %s", e.Status), nil)
	}
	if err := s.update(ctx, tx, e, map[string]any{"status": StatusHeld}); err != nil {
		return nil, err
	}
	return e, s.event(ctx, tx, e, "EscrowDisputeCleared", map[string]any{"by": by})
}

// Settle applies a dispute settlement to a held escrow inside the caller's transaction.
func (s *Service) Settle(ctx context.Context, tx *gorm.DB, id string, st Settlement, by string) (*Escrow, error) {
	e, err := s.lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := s.settle(ctx, tx, e, st, by); err != nil {
		return nil, err
	}
	return e, nil
}

// Split releases round(remaining × share) plus adjustment, clamped to [0, remaining], and refunds the rest.
func Split(e *Escrow, share float64, adjustment int64) Settlement {
	remaining := e.Remaining()
	release := int64(math.Round(float64(remaining)*share)) + adjustment
	release = max(0, min(release, remaining))
	return Settlement{Release: release, Refund: remaining - release}
}

func FavorFreelancer(e *Escrow) Settlement {
	return Settlement{Release: e.Remaining()}
}

func FavorClient(e *Escrow) Settlement {
	return Settlement{Refund: e.Remaining()}
}

func (s *Service) visible(ctx context.Context, caller *principal.Principal, id string) (*Escrow, error) {
	e, err := s.escrows.FindOne(ctx, &Escrow{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load escrow", err)
	}
	if e == nil {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	sub := caller.Subject()
	if e.PayerID != sub && e.RecipientID != sub && !caller.IsAdmin() {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, caller *principal.Principal, id string) (*Escrow, error) {
	return s.visible(ctx, caller, id)
}

// Find reads an escrow by assignment outside any transaction; nil when none exists.
func (s *Service) Find(ctx context.Context, assignmentID string) (*Escrow, error) {
	e, err := s.escrows.FindOne(ctx, &Escrow{AssignmentID: assignmentID})
	if err != nil {
		return nil, errutil.Internal("failed to load escrow", err)
	}
	return e, nil
}

func (s *Service) Entries(ctx context.Context, caller *principal.Principal, id string) ([]*LedgerEntry, error) {
	if _, err := s.visible(ctx, caller, id); err != nil {
		return nil, err
	}
	rows, err := s.entries.Find(ctx, &LedgerEntry{EscrowID: id}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("seq ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to load ledger", err)
	}
	return rows, nil
}

// VerifyChain recomputes every hash of the escrow ledger and reports the first broken link.
func (s *Service) VerifyChain(ctx context.Context, caller *principal.Principal, id string) (*ChainReport, error) {
	entries, err := s.Entries(ctx, caller, id)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{EscrowID: id, Entries: len(entries), Valid: true}
	previous := genesisHash
	for i, entry := range entries {
		if entry.PreviousHash != previous || entry.GenerateHash() != entry.Hash {
			seq := entry.Seq
			report.Valid = false
			report.BrokenAt = &seq
			logger.FromContext(ctx).Error("escrow ledger chain broken",
				zap.String("escrow_id", id),
				zap.Int("seq", seq),
				zap.Int("index", i),
			)
			break
		}
		previous = entry.Hash
	}
	return report, nil
}
