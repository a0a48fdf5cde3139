package httpapi

import (
	"trustwork/pkg/config"
	"trustwork/pkg/health"
	"trustwork/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewEngine,
		fx.Annotate(middleware.NewJWTVerifier, fx.As(new(middleware.TokenVerifier))),
	),
	fx.Invoke(registerHealthEndpoint),
)

type EngineParams struct {
	fx.In
	Config     *config.Config
	Registerer prometheus.Registerer
}

// NewEngine returns the gin engine every service mounts its routes on.
func NewEngine(p EngineParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.ContextWithFallback = true
	r.Use(
		gin.Recovery(),
		middleware.RequestID(),
		middleware.NewMetricsBuilder(p.Registerer).Build(),
		middleware.Error(),
	)
	return r
}

type healthParams struct {
	fx.In
	Engine   *gin.Engine
	Health   health.HealthService
	Gatherer prometheus.Gatherer
}

func registerHealthEndpoint(p healthParams) {
	p.Engine.GET("/healthz", p.Health.Liveness)
	p.Engine.GET("/readyz", p.Health.Readiness)
	p.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{})))
}
