package skilltest

import (
	"context"

	"trustwork/pkg/task"
	"trustwork/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func NewFinalizeHandler(s *Service) task.Handler {
	return task.Handler{
		Pattern: taskname.SkillTestFinalizeExpired,
		Handler: func(ctx context.Context, t *asynq.Task) error {
			n, err := s.FinalizeExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				zap.L().Info("expired skill test attempts finalized", zap.Int("attempts", n))
			}
			return nil
		},
	}
}

func NewFinalizePeriodic() task.Periodic {
	return task.Periodic{
		Cronspec: "@every 1m",
		TaskType: taskname.SkillTestFinalizeExpired,
		Opts:     []asynq.Option{asynq.Queue(taskname.QueueDefault), asynq.MaxRetry(0)},
	}
}
