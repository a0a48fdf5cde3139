package escrow

import (
	"context"

	"trustwork/pkg/errutil"
	"trustwork/services/assignment"

	"gorm.io/gorm"
)

// Hook keeps custody consistent with assignment transitions.
type Hook struct {
	custody *Custody
}

func NewHook(c *Custody) *Hook {
	return &Hook{custody: c}
}

func (h *Hook) BeforeTransition(ctx context.Context, tx *gorm.DB, a *assignment.Assignment, to assignment.Status, by string) error {
	switch to {
	case assignment.StatusCancelled:
		return h.cancel(ctx, tx, a, by)
	case assignment.StatusCompleted:
		return h.complete(ctx, tx, a, by)
	}
	return nil
}

// cancel refunds an unreleased escrow. Released or disputed funds block the cancellation.
func (h *Hook) cancel(ctx context.Context, tx *gorm.DB, a *assignment.Assignment, by string) error {
	e, err := h.custody.lockByAssignment(ctx, tx, a.ID)
	if err != nil || e == nil {
		return err
	}
	switch {
	case e.Status == StatusRefunded:
		return nil
	case e.Status == StatusDisputed:
		return errutil.InvalidTransition("assignment has an open dispute over its escrow", nil)
	case e.ReleasedAmount > 0 || e.Status == StatusReleased:
		return errutil.InvalidTransition("escrow has released funds; cancellation needs a dispute", nil)
	}
	return h.custody.refund(ctx, tx, e, "assignment cancelled", by)
}

// complete releases whatever is still held once the client approves completion.
func (h *Hook) complete(ctx context.Context, tx *gorm.DB, a *assignment.Assignment, by string) error {
	e, err := h.custody.lockByAssignment(ctx, tx, a.ID)
	if err != nil || e == nil {
		return err
	}
	if e.Status != StatusHeld {
		return nil
	}
	_, err = h.custody.release(ctx, tx, e, e.Remaining(), "completion", by)
	return err
}

// HeldGate lets an assignment start work only once its escrow is held.
type HeldGate struct {
	custody *Custody
}

func NewHeldGate(c *Custody) *HeldGate {
	return &HeldGate{custody: c}
}

func (g *HeldGate) ReadyForWork(ctx context.Context, tx *gorm.DB, a *assignment.Assignment) (bool, error) {
	e, err := g.custody.lockByAssignment(ctx, tx, a.ID)
	if err != nil || e == nil {
		return false, err
	}
	return e.Status == StatusHeld, nil
}
