package dispute

import (
	"context"

	"trustwork/pkg/task"
	"trustwork/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func NewOverdueHandler(s *Service) task.Handler {
	return task.Handler{
		Pattern: taskname.DisputeOverdueSweep,
		Handler: func(ctx context.Context, t *asynq.Task) error {
			n, err := s.SweepOverdue(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				zap.L().Info("overdue disputes flagged", zap.Int("disputes", n))
			}
			return nil
		},
	}
}

func NewOverduePeriodic() task.Periodic {
	return task.Periodic{
		Cronspec: "@every 15m",
		TaskType: taskname.DisputeOverdueSweep,
		Opts:     []asynq.Option{asynq.Queue(taskname.QueueLow), asynq.MaxRetry(0)},
	}
}
