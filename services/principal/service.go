package principal

import (
	"context"
	"time"

	"trustwork/pkg/config"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"
	"trustwork/pkg/repository"

	"github.com/casbin/casbin/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	enforcer *casbin.Enforcer
	group    singleflight.Group
	now      func() time.Time

	principals repository.Repository[Principal]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Config   *config.Config
	Enforcer *casbin.Enforcer
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		enforcer:   p.Enforcer,
		now:        time.Now,
		principals: repository.ProvideStore[Principal](p.DB),
	}
}

func ProvideEnforcer(cfg *config.Config) (*casbin.Enforcer, error) {
	return NewEnforcer(cfg.AccessControl.Model, cfg.AccessControl.Policy)
}

// Resolve loads the principal of an authenticated subject; concurrent lookups of one id share a query.
func (s *Service) Resolve(ctx context.Context, id string) (*Principal, error) {
	if id == "" {
		return nil, errutil.Unauthenticated("authentication required", nil)
	}

	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		return s.principals.FindOne(ctx, &Principal{ID: id})
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to resolve principal", zap.String("principal_id", id), zap.Error(err))
		return nil, errutil.Internal("failed to resolve principal", err)
	}

	p, _ := v.(*Principal)
	if p == nil {
		return nil, errutil.Unauthenticated("principal is not registered", nil)
	}

	out := *p
	return &out, nil
}

// Register records the role chosen at first login. Registering again with the same role is a no-op.
func (s *Service) Register(ctx context.Context, id string, req RegisterRequest) (*Principal, error) {
	if id == "" {
		return nil, errutil.Unauthenticated("authentication required", nil)
	}
	if req.Role != RoleClient && req.Role != RoleFreelancer {
		return nil, errutil.ValidationFailed("invalid role", nil, errutil.Field("role", "must be client or freelancer"))
	}

	existing, err := s.principals.FindOne(ctx, &Principal{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load principal", err)
	}
	if existing != nil {
		if existing.Role != req.Role {
			return nil, errutil.Conflict("principal already registered with another role", nil)
		}
		return existing, nil
	}

	now := s.now().UTC()
	p := &Principal{
		ID:          id,
		Role:        req.Role,
		DisplayName: req.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.principals.Create(ctx, p); err != nil {
		if errutil.IsUniqueViolation(err) {
			return nil, errutil.Conflict("principal already registered", err)
		}
		return nil, errutil.Internal("failed to register principal", err)
	}

	zap.L().Info("principal registered", zap.String("principal_id", id), zap.String("role", string(req.Role)))
	return p, nil
}

// SetRole is an admin operation; it also bootstraps admins when the target does not exist yet.
func (s *Service) SetRole(ctx context.Context, caller *Principal, id string, role Role) (*Principal, error) {
	if !caller.IsAdmin() {
		return nil, errutil.Forbidden("admin role required", nil)
	}
	return s.upsertRole(ctx, id, role)
}

// EnsureAdmin creates or promotes the bootstrap administrator.
func (s *Service) EnsureAdmin(ctx context.Context, id string) (*Principal, error) {
	if id == "" {
		return nil, errutil.ValidationFailed("admin id is required", nil)
	}
	return s.upsertRole(ctx, id, RoleAdmin)
}

func (s *Service) upsertRole(ctx context.Context, id string, role Role) (*Principal, error) {
	if !role.Valid() {
		return nil, errutil.ValidationFailed("invalid role", nil, errutil.Field("role", "unknown role"))
	}

	var out *Principal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.principals.WithTrx(tx)
		existing, err := store.FindOne(ctx, &Principal{ID: id})
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if existing == nil {
			out = &Principal{ID: id, Role: role, CreatedAt: now, UpdatedAt: now}
			return store.Create(ctx, out)
		}

		existing.Role = role
		existing.UpdatedAt = now
		out = existing
		return store.Update(ctx, id, map[string]any{"role": role, "updated_at": now})
	})
	if err != nil {
		return nil, errutil.Internal("failed to set role", err)
	}

	s.group.Forget(id)
	return out, nil
}

// Authorize checks the role policy for obj/act.
func (s *Service) Authorize(p *Principal, obj, act string) error {
	if p == nil {
		return errutil.Unauthenticated("authentication required", nil)
	}

	ok, err := s.enforcer.Enforce(string(p.Role), obj, act)
	if err != nil {
		return errutil.Internal("failed to evaluate policy", err)
	}
	if !ok {
		return errutil.Forbidden("operation not permitted for role "+string(p.Role), nil)
	}
	return nil
}
