package assignment

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("assignment.service",
	fx.Provide(
		NewRedisViewCounter,
		NewService,
	),
)

var HTTP = fx.Module("assignment.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)

var Worker = fx.Module("assignment.worker",
	fx.Provide(
		fx.Annotate(NewViewsFlushHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewViewsFlushPeriodic, fx.ResultTags(`group:"asynq.periodic"`)),
	),
)
