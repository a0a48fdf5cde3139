package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/task"
	"trustwork/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	payoutStaleAfter      = time.Minute
	payoutRetryStaleAfter = 30 * time.Minute
)

// ExecutePayout asks the gateway to pay the released amount to the recipient. It is safe to
// run any number of times: only a released escrow whose payout is still pending is paid.
// A retryable gateway failure is returned so the task is retried, until the attempt cap
// moves the payout to failed.
func (c *Custody) ExecutePayout(ctx context.Context, escrowID string) error {
	e, err := c.escrows.FindOne(ctx, &Escrow{ID: escrowID})
	if err != nil {
		return errutil.Internal("failed to load escrow", err)
	}
	if e == nil || e.Status != StatusReleased || e.PayoutStatus != PayoutPending {
		return nil
	}

	res, callErr := c.gateway.Payout(ctx, PayoutCall{
		Reference:   e.Reference,
		RecipientID: e.RecipientID,
		Amount:      e.ReleasedAmount,
		Currency:    e.Currency,
	})

	var retry error
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := c.lock(ctx, tx, escrowID)
		if err != nil {
			return err
		}
		if e.Status != StatusReleased || e.PayoutStatus != PayoutPending {
			return nil
		}
		attempts := e.PayoutAttempts + 1

		if callErr == nil {
			now := c.now().UTC()
			if err := c.update(ctx, tx, e, map[string]any{
				"payout_status":       PayoutProcessing,
				"payout_attempts":     attempts,
				"payout_error":        "",
				"gateway_payout_id":   res.PayoutID,
				"payout_initiated_at": &now,
			}); err != nil {
				return err
			}
			return c.event(ctx, tx, e, "EscrowPayoutInitiated", map[string]any{"payout_id": res.PayoutID})
		}

		if errutil.IsRetryable(callErr) && attempts <= c.engine.PayoutMaxRetry {
			retry = gatewayError("payout failed", e.Reference, callErr)
			return c.update(ctx, tx, e, map[string]any{
				"payout_attempts": attempts,
				"payout_error":    callErr.Error(),
			})
		}
		return c.failPayout(ctx, tx, e, attempts, callErr.Error())
	})
	if err != nil {
		return err
	}
	if retry != nil {
		logger.FromContext(ctx).Warn("payout will be retried",
			zap.String("escrow_id", escrowID),
			zap.Error(retry),
		)
	}
	return retry
}

// failPayout is terminal for the payout sub-state and raises an operator alert.
func (c *Custody) failPayout(ctx context.Context, tx *gorm.DB, e *Escrow, attempts int, reason string) error {
	if err := c.update(ctx, tx, e, map[string]any{
		"payout_status":   PayoutFailed,
		"payout_attempts": attempts,
		"payout_error":    reason,
	}); err != nil {
		return err
	}
	c.metrics.PayoutFailures.Inc()
	logger.FromContext(ctx).Error("payout failed; operator action required",
		zap.String("alert", "escrow_payout_failed"),
		zap.String("escrow_id", e.ID),
		zap.String("reference", e.Reference),
		zap.String("recipient_id", e.RecipientID),
		zap.Int64("amount", e.ReleasedAmount),
		zap.Int("attempts", attempts),
		zap.String("reason", reason),
	)
	return c.event(ctx, tx, e, "EscrowPayoutFailed", map[string]any{"reason": reason})
}

// SweepPayouts re-schedules released escrows whose payout task went missing: never started,
// or retried once and then silent for longer than the retry backoff. The task id is stable
// so a payout whose retry is still queued is not doubled. Rows already past the attempt cap
// are failed here.
func (c *Custody) SweepPayouts(ctx context.Context) (int, error) {
	now := c.now().UTC()
	var stuck []*Escrow
	err := c.db.WithContext(ctx).
		Where("status = ? AND payout_status = ?", StatusReleased, PayoutPending).
		Where("(payout_attempts = 0 AND released_at < ?) OR (payout_attempts > 0 AND updated_at < ?)",
			now.Add(-payoutStaleAfter), now.Add(-payoutRetryStaleAfter)).
		Order("released_at").
		Limit(200).
		Find(&stuck).Error
	if err != nil {
		return 0, errutil.Internal("failed to list pending payouts", err)
	}

	for _, e := range stuck {
		if e.PayoutAttempts <= c.engine.PayoutMaxRetry {
			c.schedulePayout(ctx, e)
			continue
		}
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := c.lock(ctx, tx, e.ID)
			if err != nil {
				return err
			}
			if locked.Status != StatusReleased || locked.PayoutStatus != PayoutPending {
				return nil
			}
			return c.failPayout(ctx, tx, locked, locked.PayoutAttempts, "retries exhausted: "+locked.PayoutError)
		})
		if err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

func NewPayoutHandler(c *Custody) task.Handler {
	return task.Handler{
		Pattern: taskname.EscrowPayout,
		Handler: func(ctx context.Context, t *asynq.Task) error {
			var p payoutPayload
			if err := json.Unmarshal(t.Payload(), &p); err != nil {
				return fmt.Errorf("decode payout payload: %v: %w", err, asynq.SkipRetry)
			}
			return c.ExecutePayout(ctx, p.EscrowID)
		},
	}
}

func NewPayoutSweepHandler(c *Custody) task.Handler {
	return task.Handler{
		Pattern: taskname.EscrowPayoutSweep,
		Handler: func(ctx context.Context, t *asynq.Task) error {
			n, err := c.SweepPayouts(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				zap.L().Info("pending payouts rescheduled", zap.Int("escrows", n))
			}
			return nil
		},
	}
}

func NewPayoutSweepPeriodic() task.Periodic {
	return task.Periodic{
		Cronspec: "@every 5m",
		TaskType: taskname.EscrowPayoutSweep,
		Opts:     []asynq.Option{asynq.Queue(taskname.QueueDefault), asynq.MaxRetry(0)},
	}
}
