package skilltest

import (
	"trustwork/services/application"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("skilltest.service",
	fx.Provide(
		NewService,
		fx.Annotate(func(s *Service) *Service { return s }, fx.As(new(application.SkillTestGate))),
	),
)

var HTTP = fx.Module("skilltest.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)

var Worker = fx.Module("skilltest.worker",
	fx.Provide(
		fx.Annotate(NewFinalizeHandler, fx.ResultTags(`group:"asynq.handlers"`)),
		fx.Annotate(NewFinalizePeriodic, fx.ResultTags(`group:"asynq.periodic"`)),
	),
)
