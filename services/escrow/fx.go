package escrow

import (
	"trustwork/services/assignment"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("escrow.service",
	fx.Provide(
		NewMetrics,
		NewHTTPGateway,
		NewCustody,
		NewService,
		fx.Annotate(NewHook, fx.As(new(assignment.Hook)), fx.ResultTags(`group:"assignment.hooks"`)),
		fx.Annotate(NewHeldGate, fx.As(new(assignment.Gate)), fx.ResultTags(`group:"assignment.gates"`)),
	),
)

var HTTP = fx.Module("escrow.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)

var Worker = fx.Module("escrow.worker",
	fx.Provide(
		fx.Annotate(NewPayoutHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewPayoutSweepHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewReconcileHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewPayoutSweepPeriodic, fx.ResultTags(`group:"asynq.periodic"`)),
		fx.Annotate(NewReconcilePeriodic, fx.ResultTags(`group:"asynq.periodic"`)),
	),
)
