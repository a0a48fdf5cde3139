package application

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("application.service",
	fx.Provide(NewService),
)

var HTTP = fx.Module("application.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(r *gin.Engine, h *Handler) { h.RegisterRoutes(r) }),
)
