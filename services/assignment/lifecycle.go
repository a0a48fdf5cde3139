package assignment

import (
	"context"
	"fmt"

	"trustwork/pkg/db/option"
	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var transitions = map[Status][]Status{
	StatusDraft:         {StatusOpen, StatusCancelled, StatusClosed},
	StatusOpen:          {StatusAssigned, StatusCancelled, StatusClosed},
	StatusAssigned:      {StatusInProgress, StatusCancelled, StatusDisputed},
	StatusInProgress:    {StatusPendingReview, StatusCancelled, StatusDisputed},
	StatusPendingReview: {StatusCompleted, StatusCancelled, StatusDisputed},
	StatusDisputed:      {StatusInProgress, StatusCompleted},
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Hook runs inside the transition's database transaction, after the edge is validated and
// before the new status is written. An error aborts the transition.
type Hook interface {
	BeforeTransition(ctx context.Context, tx *gorm.DB, a *Assignment, to Status, by string) error
}

// Gate vetoes assigned -> in_progress until its precondition holds.
type Gate interface {
	ReadyForWork(ctx context.Context, tx *gorm.DB, a *Assignment) (bool, error)
}

type transitionConfig struct {
	expect []Status
	fields map[string]any
	check  func(a *Assignment) error
}

type TransitionOption func(*transitionConfig)

// Expect restricts the allowed current status further than the graph does.
func Expect(statuses ...Status) TransitionOption {
	return func(c *transitionConfig) { c.expect = statuses }
}

// SetFields writes extra columns in the same update as the status change.
func SetFields(fields map[string]any) TransitionOption {
	return func(c *transitionConfig) {
		if c.fields == nil {
			c.fields = map[string]any{}
		}
		for k, v := range fields {
			c.fields[k] = v
		}
	}
}

// Check runs against the locked row before the edge is validated.
func Check(fn func(a *Assignment) error) TransitionOption {
	return func(c *transitionConfig) { c.check = fn }
}

// Lock reads the assignment with a row lock inside tx.
func (s *Service) Lock(ctx context.Context, tx *gorm.DB, id string) (*Assignment, error) {
	a, err := s.assignments.WithTrx(tx).FindOne(ctx, &Assignment{ID: id}, option.WithLockingUpdate())
	if err != nil {
		return nil, errutil.Internal("failed to load assignment", err)
	}
	if a == nil {
		return nil, errutil.NotFound("assignment not found", nil)
	}
	return a, nil
}

// Transition moves the assignment to `to` inside tx: it locks the row, validates the edge,
// runs hooks, writes the status with a compare-and-set on the previous status and appends
// a history row. The returned assignment reflects the new state.
func (s *Service) Transition(ctx context.Context, tx *gorm.DB, id string, to Status, by, reason string, opts ...TransitionOption) (*Assignment, error) {
	cfg := &transitionConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	a, err := s.Lock(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if cfg.check != nil {
		if err := cfg.check(a); err != nil {
			return nil, err
		}
	}

	from := a.Status
	if len(cfg.expect) > 0 && !containsStatus(cfg.expect, from) {
		return nil, errutil.InvalidTransition(fmt.Sprintf("assignment is %s", from), nil)
	}
	if !CanTransition(from, to) {
		return nil, errutil.InvalidTransition(fmt.Sprintf("assignment cannot move from %s to %s", from, to), nil)
	}

	for _, h := range s.hooks {
		if err := h.BeforeTransition(ctx, tx, a, to, by); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	updates := map[string]any{"status": to, "updated_at": now}
	for k, v := range cfg.fields {
		updates[k] = v
	}

	res := tx.WithContext(ctx).Model(&Assignment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return nil, errutil.Internal("failed to update assignment status", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("assignment changed concurrently", nil)
	}

	if err := s.appendHistory(ctx, tx, id, from, to, by, reason); err != nil {
		return nil, err
	}

	if err := s.outbox.Write(ctx, tx, "assignment", id, "AssignmentStatusChanged", map[string]any{
		"assignment_id": id,
		"from":          from,
		"to":            to,
		"by":            by,
		"reason":        reason,
		"at":            now,
	}); err != nil {
		return nil, errutil.Internal("failed to record assignment event", err)
	}

	logger.FromContext(ctx).Info("assignment transitioned",
		zap.String("assignment_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("by", by),
	)

	return s.Lock(ctx, tx, id)
}

// StartWork advances an assigned assignment to in_progress when every gate agrees.
// It returns false, without error, when a gate is not yet satisfied or the assignment is past assigned.
func (s *Service) StartWork(ctx context.Context, tx *gorm.DB, id, by, reason string) (bool, error) {
	a, err := s.Lock(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if a.Status != StatusAssigned {
		return false, nil
	}

	for _, g := range s.gates {
		ok, err := g.ReadyForWork(ctx, tx, a)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	if _, err := s.Transition(ctx, tx, id, StatusInProgress, by, reason, Expect(StatusAssigned)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) appendHistory(ctx context.Context, tx *gorm.DB, id string, from, to Status, by, reason string) error {
	row := &StatusHistory{
		ID:           s.node.Generate().String(),
		AssignmentID: id,
		FromStatus:   from,
		ToStatus:     to,
		ByPrincipal:  by,
		Reason:       reason,
		At:           s.now().UTC(),
	}
	if err := s.history.WithTrx(tx).Create(ctx, row); err != nil {
		return errutil.Internal("failed to append status history", err)
	}
	return nil
}

// History returns the status log of an assignment, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]*StatusHistory, error) {
	rows, err := s.history.Find(ctx, &StatusHistory{AssignmentID: id}, option.WithScope(func(db *gorm.DB) *gorm.DB {
		return db.Order("at ASC").Order("id ASC")
	}))
	if err != nil {
		return nil, errutil.Internal("failed to load status history", err)
	}
	return rows, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
