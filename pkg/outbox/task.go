package outbox

import (
	"context"

	"trustwork/pkg/task"
	"trustwork/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

func NewTaskHandler(d *Dispatcher) task.Handler {
	return task.Handler{
		Pattern: taskname.OutboxDispatch,
		Handler: func(ctx context.Context, t *asynq.Task) error {
			n, err := d.Dispatch(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				zap.L().Info("outbox dispatched", zap.Int("published", n))
			}
			return nil
		},
	}
}

func NewPeriodic() task.Periodic {
	return task.Periodic{
		Cronspec: "@every 10s",
		TaskType: taskname.OutboxDispatch,
		Opts:     []asynq.Option{asynq.Queue(taskname.QueueDefault), asynq.MaxRetry(0)},
	}
}
