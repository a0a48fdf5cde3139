package milestone

import (
	"trustwork/services/assignment"
	"trustwork/services/escrow"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("milestone.service",
	fx.Provide(
		NewPlanReader,
		fx.Annotate(func(p *PlanReader) *PlanReader { return p }, fx.As(new(escrow.Plan))),
		fx.Annotate(func(p *PlanReader) *PlanReader { return p }, fx.As(new(assignment.Gate)), fx.ResultTags(`group:"assignment.gates"`)),
		NewService,
	),
)

var HTTP = fx.Module("milestone.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)
