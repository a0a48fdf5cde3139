package bootstrap

import (
	"context"
	"fmt"
	"os"

	"trustwork/pkg/config"
	"trustwork/pkg/outbox"
	"trustwork/services/application"
	"trustwork/services/assignment"
	"trustwork/services/dispute"
	"trustwork/services/escrow"
	"trustwork/services/milestone"
	"trustwork/services/principal"
	"trustwork/services/review"
	"trustwork/services/skilltest"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// Models lists every table the engine owns, in creation order.
func Models() []any {
	return []any{
		&principal.Principal{},
		&assignment.Assignment{},
		&assignment.Skill{},
		&assignment.StatusHistory{},
		&skilltest.Template{},
		&skilltest.Question{},
		&skilltest.Attempt{},
		&application.Application{},
		&escrow.Escrow{},
		&escrow.LedgerEntry{},
		&escrow.WebhookEvent{},
		&milestone.Milestone{},
		&dispute.Dispute{},
		&dispute.Event{},
		&review.Review{},
		&outbox.Event{},
	}
}

type Service struct {
	db         *gorm.DB
	config     *config.Config
	principals *principal.Service
	skillTests *skilltest.Service
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Config     *config.Config
	Principals *principal.Service
	SkillTests *skilltest.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		config:     p.Config,
		principals: p.Principals,
		skillTests: p.SkillTests,
	}
}

// Migrate brings the schema up to date and makes sure the bootstrap administrator exists.
func (s *Service) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] schema migration failed", zap.Error(err))
		return fmt.Errorf("auto migrate: %w", err)
	}
	zap.L().Info("[bootstrap] schema migrated", zap.Int("tables", len(Models())))

	adminID := s.config.Auth.BootstrapAdminID
	if adminID == "" {
		zap.L().Warn("[bootstrap] AUTH.BOOTSTRAP_ADMIN_ID not set, skipping admin principal")
		return nil
	}
	admin, err := s.principals.EnsureAdmin(ctx, adminID)
	if err != nil {
		zap.L().Error("[bootstrap] failed to ensure admin principal", zap.String("principal_id", adminID), zap.Error(err))
		return err
	}
	zap.L().Info("[bootstrap] admin principal ready", zap.String("principal_id", admin.ID))
	return nil
}

// SeedQuestions imports the templates and question banks of a YAML file.
func (s *Service) SeedQuestions(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return s.ImportQuestions(ctx, raw)
}

func (s *Service) ImportQuestions(ctx context.Context, raw []byte) (int, error) {
	var doc struct {
		Templates []skilltest.TemplateSeed `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse question bank: %w", err)
	}

	n, err := s.skillTests.Import(ctx, doc.Templates)
	if err != nil {
		zap.L().Error("[bootstrap] failed to import questions", zap.Error(err))
		return 0, err
	}
	zap.L().Info("[bootstrap] questions imported", zap.Int("templates", len(doc.Templates)), zap.Int("questions", n))
	return n, nil
}
