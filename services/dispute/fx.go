package dispute

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("dispute.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("dispute.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)

var Worker = fx.Module("dispute.worker",
	fx.Provide(
		fx.Annotate(NewOverdueHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewOverduePeriodic, fx.ResultTags(`group:"asynq.periodic"`)),
	),
)
