package task

import (
	"context"
	"os"

	"trustwork/pkg/config"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] Failed to connect to Asynq", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("[Asynq] Connected to Asynq")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

// Handler binds a task type to its processor; services contribute them to the "asynq.handlers" group.
type Handler struct {
	Pattern string
	Handler asynq.HandlerFunc
}

// Periodic is a cron registration contributed to the "asynq.periodic" group.
type Periodic struct {
	Cronspec string
	TaskType string
	Opts     []asynq.Option
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer, registerScheduler),
)

type muxParams struct {
	fx.In
	Handlers []Handler `group:"asynq.handlers"`
}

func registerServerMux(p muxParams) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(loggingMiddleware)
	for _, h := range p.Handlers {
		mux.HandleFunc(h.Pattern, h.Handler)
		zap.L().Info("[Asynq] registered handler", zap.String("task_type", h.Pattern))
	}
	return mux
}

func loggingMiddleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		taskID, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		err := next.ProcessTask(ctx, t)
		if err != nil {
			zap.L().Warn("asynq task failed",
				zap.String("task_type", t.Type()),
				zap.String("task_id", taskID),
				zap.Int("retry", retried),
				zap.Error(err),
			)
		}
		return err
	})
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency:    10,
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
			Queues: map[string]int{
				"critical": 10,
				"default":  5,
				"low":      3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				if retried >= maxRetry {
					zap.L().Error("asynq task permanently failed", zap.String("task_type", task.Type()), zap.Error(err))
				}
			}),
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := server.Start(mux); err != nil {
					zap.L().Error("[Asynq] Failed to start Asynq server", zap.Error(err))
					os.Exit(1)
				}
			}()
			zap.L().Info("[Asynq] Asynq server started", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Periodic  []Periodic `group:"asynq.periodic"`
}

func registerScheduler(p schedulerParams) error {
	if len(p.Periodic) == 0 {
		return nil
	}

	scheduler := asynq.NewScheduler(redisOpt(p.Config), &asynq.SchedulerOpts{
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				zap.L().Error("[Scheduler] failed to enqueue periodic task", zap.Error(err))
			}
		},
	})

	for _, job := range p.Periodic {
		entryID, err := scheduler.Register(job.Cronspec, asynq.NewTask(job.TaskType, nil), job.Opts...)
		if err != nil {
			return err
		}
		zap.L().Info("[Scheduler] registered periodic task",
			zap.String("task_type", job.TaskType),
			zap.String("cron", job.Cronspec),
			zap.String("entry_id", entryID),
		)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start()
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})

	return nil
}
