package principal

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("principal.service",
	fx.Provide(
		ProvideEnforcer,
		NewService,
		NewGuard,
	),
)

var HTTP = fx.Module("principal.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)
