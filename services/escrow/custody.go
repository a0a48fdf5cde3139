package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/db/option"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/outbox"
	"trustwork/pkg/repository"
	"trustwork/pkg/task"
	"trustwork/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const payoutDelay = 5 * time.Second

// Custody owns the escrow rows and their ledger. Every mutation runs inside a caller-supplied
// transaction with the escrow row locked.
type Custody struct {
	db       *gorm.DB
	node     *snowflake.Node
	gateway  Gateway
	outbox   outbox.Writer
	metrics  *Metrics
	enqueuer task.Enqueuer
	engine   config.Engine
	now      func() time.Time

	escrows repository.Repository[Escrow]
	entries repository.Repository[LedgerEntry]
}

type CustodyParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Gateway  Gateway
	Outbox   outbox.Writer
	Metrics  *Metrics
	Enqueuer task.Enqueuer
	Config   *config.Config
	Now      func() time.Time `name:"clock" optional:"true"`
}

func NewCustody(p CustodyParams) *Custody {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	return &Custody{
		db:       p.DB,
		node:     p.Node,
		gateway:  p.Gateway,
		outbox:   p.Outbox,
		metrics:  p.Metrics,
		enqueuer: p.Enqueuer,
		engine:   p.Config.Engine,
		now:      now,
		escrows:  repository.ProvideStore[Escrow](p.DB),
		entries:  repository.ProvideStore[LedgerEntry](p.DB),
	}
}

func (c *Custody) lockWhere(ctx context.Context, tx *gorm.DB, query *Escrow) (*Escrow, error) {
	e, err := c.escrows.WithTrx(tx).FindOne(ctx, query, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to load escrow", err)
	}
	return e, nil
}

func (c *Custody) lock(ctx context.Context, tx *gorm.DB, id string) (*Escrow, error) {
	e, err := c.lockWhere(ctx, tx, &Escrow{ID: id})
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	return e, nil
}

// lockByAssignment returns nil when the assignment has no escrow.
func (c *Custody) lockByAssignment(ctx context.Context, tx *gorm.DB, assignmentID string) (*Escrow, error) {
	return c.lockWhere(ctx, tx, &Escrow{AssignmentID: assignmentID})
}

// update writes fields with a compare-and-set on the current status and reloads e.
func (c *Custody) update(ctx context.Context, tx *gorm.DB, e *Escrow, fields map[string]any) error {
	fields["updated_at"] = c.now().UTC()
	res := tx.WithContext(ctx).Model(&Escrow{}).
		Where("id = ? AND status = ?", e.ID, e.Status).
		Updates(fields)
	if res.Error != nil {
		return errutil.Internal("failed to update escrow", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("escrow changed concurrently", nil)
	}

	from := e.Status
	fresh, err := c.lock(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	*e = *fresh

	if e.Status != from {
		c.metrics.Transitions.WithLabelValues(string(from), string(e.Status)).Inc()
		logger.FromContext(ctx).Info("escrow transitioned",
			zap.String("escrow_id", e.ID),
			zap.String("from", string(from)),
			zap.String("to", string(e.Status)),
		)
	}
	return nil
}

// appendEntry chains a ledger entry onto the escrow. It reports false when referenceID was already booked.
func (c *Custody) appendEntry(ctx context.Context, tx *gorm.DB, e *Escrow, kind EntryKind, amount int64, referenceID, description string) (bool, error) {
	entries := c.entries.WithTrx(tx)

	existing, err := entries.FindOne(ctx, &LedgerEntry{EscrowID: e.ID, ReferenceID: referenceID})
	if err != nil {
		return false, errutil.Internal("failed to load ledger entry", err)
	}
	if existing != nil {
		return false, nil
	}

	last, err := entries.FindOne(ctx, &LedgerEntry{EscrowID: e.ID}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("seq DESC")
	}))
	if err != nil {
		return false, errutil.Internal("failed to load ledger head", err)
	}

	entry := &LedgerEntry{
		ID:           c.node.Generate().String(),
		EscrowID:     e.ID,
		Seq:          1,
		Kind:         kind,
		Amount:       amount,
		ReferenceID:  referenceID,
		Description:  description,
		PreviousHash: genesisHash,
		CreatedAt:    c.now().UTC().Truncate(time.Microsecond),
	}
	if last != nil {
		entry.Seq = last.Seq + 1
		entry.PreviousHash = last.Hash
	}
	entry.Hash = entry.GenerateHash()

	if err := entries.Create(ctx, entry); err != nil {
		if errutil.IsUniqueViolation(err) {
			return false, errutil.Conflict("ledger entry already booked", err)
		}
		return false, errutil.Internal("failed to append ledger entry", err)
	}
	return true, nil
}

func (c *Custody) event(ctx context.Context, tx *gorm.DB, e *Escrow, eventType string, extra map[string]any) error {
	payload := map[string]any{
		"escrow_id":       e.ID,
		"assignment_id":   e.AssignmentID,
		"reference":       e.Reference,
		"status":          e.Status,
		"released_amount": e.ReleasedAmount,
		"refunded_amount": e.RefundedAmount,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := c.outbox.Write(ctx, tx, "escrow", e.ID, eventType, payload); err != nil {
		return errutil.Internal("failed to record escrow event", err)
	}
	return nil
}

func frozen(e *Escrow) error {
	switch e.Status {
	case StatusHeld:
		return nil
	case StatusDisputed:
		return errutil.InvalidTransition("escrow is disputed; releases are frozen", nil)
	default:
		return errutil.InvalidTransition(fmt.Sprintf("escrow is %s", e.Status), nil)
	}
}

// release books up to amount of the unreleased net. It returns the amount actually released,
// zero when referenceID was already booked.
func (c *Custody) release(ctx context.Context, tx *gorm.DB, e *Escrow, amount int64, referenceID, by string) (int64, error) {
	if err := frozen(e); err != nil {
		return 0, err
	}
	amount = min(amount, e.Remaining())
	if amount <= 0 {
		return 0, nil
	}

	booked, err := c.appendEntry(ctx, tx, e, EntryRelease, amount, referenceID, "released by "+by)
	if err != nil || !booked {
		return 0, err
	}

	released := e.ReleasedAmount + amount
	fields := map[string]any{"released_amount": released}
	if released == e.NetAmount {
		now := c.now().UTC()
		fields["status"] = StatusReleased
		fields["released_at"] = &now
	}
	if err := c.update(ctx, tx, e, fields); err != nil {
		return 0, err
	}

	if err := c.event(ctx, tx, e, "EscrowReleased", map[string]any{
		"amount":       amount,
		"reference_id": referenceID,
		"by":           by,
	}); err != nil {
		return 0, err
	}
	if e.Status == StatusReleased {
		c.schedulePayout(ctx, e)
	}
	return amount, nil
}

// refund returns the whole gross amount to the payer. Funds must not have been released.
func (c *Custody) refund(ctx context.Context, tx *gorm.DB, e *Escrow, reason, by string) error {
	if e.Status != StatusPending && e.Status != StatusHeld {
		return errutil.InvalidTransition(fmt.Sprintf("escrow is %s", e.Status), nil)
	}
	if e.ReleasedAmount > 0 {
		return errutil.InvalidTransition("escrow has released funds", nil)
	}

	if e.GatewayPaymentID != "" {
		if err := c.gatewayRefund(ctx, e, e.GrossAmount, reason); err != nil {
			return err
		}
	}
	if e.Status == StatusHeld {
		if _, err := c.appendEntry(ctx, tx, e, EntryRefund, e.GrossAmount, "refund", reason); err != nil {
			return err
		}
	}

	now := c.now().UTC()
	if err := c.update(ctx, tx, e, map[string]any{
		"status":          StatusRefunded,
		"refunded_amount": e.GrossAmount,
		"refunded_at":     &now,
	}); err != nil {
		return err
	}
	return c.event(ctx, tx, e, "EscrowRefunded", map[string]any{"reason": reason, "by": by})
}

func (c *Custody) gatewayRefund(ctx context.Context, e *Escrow, amount int64, reason string) error {
	_, err := c.gateway.Refund(ctx, RefundCall{
		Reference: e.Reference,
		PaymentID: e.GatewayPaymentID,
		Amount:    amount,
		Currency:  e.Currency,
		Reason:    reason,
	})
	if err == nil {
		return nil
	}
	logger.FromContext(ctx).Warn("gateway refund failed",
		zap.String("escrow_id", e.ID),
		zap.String("reference", e.Reference),
		zap.Error(err),
	)
	return gatewayError("refund failed", e.Reference, err)
}

// gatewayError keeps the retryable/permanent split and attaches the escrow reference for reconciliation.
func gatewayError(msg, reference string, err error) error {
	detail := errutil.WithDetails(errutil.Detail{Field: "reference", Message: reference})
	if errutil.Is(err, errutil.StatusGatewayPermanent) {
		return errutil.GatewayPermanent(msg, err, detail)
	}
	return errutil.GatewayRetryable(msg, err, detail)
}

// settle closes a held escrow at dispute resolution. When nothing ends up released the
// escrow is fully refunded instead.
func (c *Custody) settle(ctx context.Context, tx *gorm.DB, e *Escrow, s Settlement, by string) error {
	if err := frozen(e); err != nil {
		return err
	}
	remaining := e.Remaining()
	if s.Release < 0 || s.Refund < 0 || s.Release+s.Refund != remaining {
		return errutil.ValidationFailed("settlement must divide the remaining amount", nil,
			errutil.Field("release", fmt.Sprintf("release and refund must sum to %d", remaining)))
	}
	if e.ReleasedAmount+s.Release == 0 {
		return c.refund(ctx, tx, e, s.Reason, by)
	}

	if s.Refund > 0 {
		if err := c.gatewayRefund(ctx, e, s.Refund, s.Reason); err != nil {
			return err
		}
		if _, err := c.appendEntry(ctx, tx, e, EntryRefund, s.Refund, "settlement-refund", s.Reason); err != nil {
			return err
		}
	}
	if s.Release > 0 {
		if _, err := c.appendEntry(ctx, tx, e, EntryRelease, s.Release, "settlement-release", s.Reason); err != nil {
			return err
		}
	}

	now := c.now().UTC()
	fields := map[string]any{
		"status":          StatusReleased,
		"released_amount": e.ReleasedAmount + s.Release,
		"refunded_amount": e.RefundedAmount + s.Refund,
		"released_at":     &now,
	}
	if s.Refund > 0 {
		fields["refunded_at"] = &now
	}
	if err := c.update(ctx, tx, e, fields); err != nil {
		return err
	}
	if err := c.event(ctx, tx, e, "EscrowSettled", map[string]any{
		"release": s.Release,
		"refund":  s.Refund,
		"by":      by,
	}); err != nil {
		return err
	}
	c.schedulePayout(ctx, e)
	return nil
}

type payoutPayload struct {
	EscrowID string `json:"escrow_id"`
}

// schedulePayout enqueues the payout task. The enqueue is not part of the database transaction;
// the handler re-checks state and the sweep picks up anything lost here.
func (c *Custody) schedulePayout(ctx context.Context, e *Escrow) {
	payload, _ := json.Marshal(payoutPayload{EscrowID: e.ID})
	_, err := c.enqueuer.Enqueue(ctx, asynq.NewTask(taskname.EscrowPayout, payload),
		asynq.TaskID("payout:"+e.ID),
		asynq.ProcessIn(payoutDelay),
		asynq.MaxRetry(c.engine.PayoutMaxRetry),
		asynq.Queue(taskname.QueueCritical),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.FromContext(ctx).Warn("failed to enqueue payout",
			zap.String("escrow_id", e.ID),
			zap.Error(err),
		)
	}
}

// ForAssignment returns the escrow of an assignment inside tx, nil when none exists.
func (c *Custody) ForAssignment(ctx context.Context, tx *gorm.DB, assignmentID string) (*Escrow, error) {
	return c.lockByAssignment(ctx, tx, assignmentID)
}
