// Package engine assembles the infrastructure and domain modules into the option sets
// the binaries run.
package engine

import (
	"trustwork/pkg/config"
	"trustwork/pkg/db"
	"trustwork/pkg/gen"
	"trustwork/pkg/hashistack/secretmanager"
	"trustwork/pkg/health"
	"trustwork/pkg/httpapi"
	"trustwork/pkg/kafka"
	"trustwork/pkg/logger"
	"trustwork/pkg/metrics"
	"trustwork/pkg/minio"
	"trustwork/pkg/otelcol"
	"trustwork/pkg/outbox"
	"trustwork/pkg/profiling"
	"trustwork/pkg/redis"
	"trustwork/pkg/sequence"
	"trustwork/pkg/server"
	"trustwork/pkg/task"
	"trustwork/services/application"
	"trustwork/services/assignment"
	"trustwork/services/bootstrap"
	"trustwork/services/dispute"
	"trustwork/services/escrow"
	"trustwork/services/milestone"
	"trustwork/services/principal"
	"trustwork/services/review"
	"trustwork/services/skilltest"
	"trustwork/services/timeline"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// Infra is shared by every binary.
var Infra = fx.Options(
	secretmanager.Module,
	config.Module,
	logger.Module,
	otelcol.Module,
	metrics.Module,
	profiling.Module,
	db.Module,
	redis.Module,
	gen.Module,
	sequence.Module,
	task.Client,
	minio.Client,
	outbox.Module,
	FxLogger,
)

// Services are the domain components.
var Services = fx.Options(
	principal.Module,
	assignment.Module,
	application.Module,
	skilltest.Module,
	escrow.Module,
	milestone.Module,
	dispute.Module,
	review.Module,
	timeline.Module,
)

// HTTP serves the operation surface, the payment webhook and the health endpoints.
var HTTP = fx.Options(
	Infra,
	Services,
	health.Module,
	httpapi.Module,
	principal.HTTP,
	assignment.HTTP,
	application.HTTP,
	skilltest.HTTP,
	escrow.HTTP,
	milestone.HTTP,
	dispute.HTTP,
	review.HTTP,
	timeline.HTTP,
	server.ProvideHTTPServer,
	server.ProvideGRPCServer,
)

// Worker runs the background tasks and their schedules.
var Worker = fx.Options(
	Infra,
	Services,
	kafka.Module,
	outbox.DispatcherModule,
	assignment.Worker,
	skilltest.Worker,
	escrow.Worker,
	dispute.Worker,
	task.Server,
)

// Migrate carries the store and the components that seed it.
var Migrate = fx.Options(
	secretmanager.Module,
	config.Module,
	logger.Module,
	db.Module,
	gen.Module,
	redis.Module,
	sequence.Module,
	outbox.Module,
	principal.Module,
	assignment.Module,
	skilltest.Module,
	bootstrap.Module,
	FxLogger,
)

var FxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
