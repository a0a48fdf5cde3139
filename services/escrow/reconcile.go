package escrow

import (
	"context"
	"sync"

	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/task"
	"trustwork/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const reconcileConcurrency = 8

type Drift struct {
	EscrowID  string `json:"escrow_id"`
	Reference string `json:"reference"`
	Kind      string `json:"kind"`
	Local     string `json:"local"`
	Remote    string `json:"remote"`
}

type ReconcileReport struct {
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts"`
}

// Reconcile compares held, disputed and released escrows with the gateway's view. It only
// reports drift; custody state is never changed here.
func (c *Custody) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	var rows []*Escrow
	err := c.db.WithContext(ctx).
		Where("status IN ?", []Status{StatusHeld, StatusDisputed, StatusReleased}).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errutil.Internal("failed to list escrows", err)
	}

	var (
		mu     sync.Mutex
		report = &ReconcileReport{Checked: len(rows)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileConcurrency)
	for _, e := range rows {
		g.Go(func() error {
			state, err := c.gateway.Lookup(gctx, e.Reference)
			if err != nil {
				if errutil.IsRetryable(err) {
					logger.FromContext(ctx).Warn("gateway lookup failed", zap.String("reference", e.Reference), zap.Error(err))
					return nil
				}
				return err
			}
			if d, ok := compare(e, state); ok {
				mu.Lock()
				report.Drifts = append(report.Drifts, d)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, d := range report.Drifts {
		c.metrics.Drift.WithLabelValues(d.Kind).Inc()
		logger.FromContext(ctx).Warn("escrow drift detected",
			zap.String("escrow_id", d.EscrowID),
			zap.String("reference", d.Reference),
			zap.String("kind", d.Kind),
			zap.String("local", d.Local),
			zap.String("remote", d.Remote),
		)
	}
	return report, nil
}

func compare(e *Escrow, state *PaymentState) (Drift, bool) {
	d := Drift{EscrowID: e.ID, Reference: e.Reference, Local: string(e.Status), Remote: state.Status}
	switch {
	case state.Status == GatewayRefunded || state.Status == GatewayFailed:
		d.Kind = "status"
	case state.CapturedAmount != e.GrossAmount:
		d.Kind = "amount"
	case state.RefundedAmount != e.RefundedAmount:
		d.Kind = "refund"
	case e.PayoutStatus == PayoutCompleted && state.PaidOutAmount != e.ReleasedAmount:
		d.Kind = "payout"
	default:
		return Drift{}, false
	}
	return d, true
}

func NewReconcileHandler(c *Custody) task.Handler {
	return task.Handler{
		Pattern: taskname.EscrowReconcile,
		Handler: func(ctx context.Context, t *asynq.Task) error {
			report, err := c.Reconcile(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("escrow reconciliation finished",
				zap.Int("checked", report.Checked),
				zap.Int("drifted", len(report.Drifts)),
			)
			return nil
		},
	}
}

func NewReconcilePeriodic() task.Periodic {
	return task.Periodic{
		Cronspec: "@every 15m",
		TaskType: taskname.EscrowReconcile,
		Opts:     []asynq.Option{asynq.Queue(taskname.QueueLow), asynq.MaxRetry(0)},
	}
}
