package escrow

import (
	"context"
	"encoding/json"
	"fmt"

	"trustwork/pkg/errutil"
	"trustwork/pkg/logger"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const gatewayPrincipal = "system:gateway"

const (
	outcomeHeld            = "held"
	outcomePaymentFailed   = "payment_failed"
	outcomePayoutCompleted = "payout_completed"
	outcomePayoutFailed    = "payout_failed"
	outcomeIgnored         = "ignored"
	outcomeDuplicate       = "duplicate"
	outcomeRejected        = "rejected"
)

// verify checks the HS256 JWS signature of a webhook delivery and decodes its payload.
func (s *Service) verify(token string) (*Notification, error) {
	if len(s.secret) == 0 {
		return nil, errutil.Internal("webhook secret is not configured", nil)
	}
	sig, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, errutil.Integrity("malformed webhook signature", err)
	}
	payload, err := sig.Verify(s.secret)
	if err != nil {
		return nil, errutil.Integrity("invalid webhook signature", err)
	}

	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, errutil.Integrity("malformed webhook payload", err)
	}
	if n.CorrelationID == "" || n.EventType == "" || n.Reference == "" {
		return nil, errutil.Integrity("webhook payload is missing correlation_id, event_type or reference", nil)
	}
	return &n, nil
}

// HandleWebhook verifies and applies one gateway delivery. Replayed deliveries are acknowledged
// without touching state.
func (s *Service) HandleWebhook(ctx context.Context, token string) (*WebhookResult, error) {
	n, err := s.verify(token)
	if err != nil {
		s.metrics.Webhooks.WithLabelValues("unknown", outcomeRejected).Inc()
		logger.FromContext(ctx).Warn("webhook rejected", zap.Error(err))
		return nil, err
	}

	result := &WebhookResult{Processed: true}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		raw, _ := json.Marshal(n)
		row := &WebhookEvent{
			ID:            n.key(),
			CorrelationID: n.CorrelationID,
			EventType:     n.EventType,
			Reference:     n.Reference,
			Payload:       datatypes.JSON(raw),
			ReceivedAt:    s.now().UTC(),
		}
		res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return errutil.Internal("failed to record webhook", res.Error)
		}
		if res.RowsAffected == 0 {
			result.Duplicate = true
			result.Outcome = outcomeDuplicate
			return nil
		}

		e, err := s.lockWhere(ctx, tx, &Escrow{Reference: n.Reference})
		if err != nil {
			return err
		}
		if e == nil {
			result.Outcome = outcomeIgnored
		} else {
			result.EscrowID = e.ID
			if result.Outcome, err = s.apply(ctx, tx, e, n); err != nil {
				return err
			}
		}

		return tx.WithContext(ctx).Model(&WebhookEvent{}).
			Where("id = ?", row.ID).
			Update("outcome", result.Outcome).Error
	})
	if err != nil {
		outcome := outcomeRejected
		if !errutil.Is(err, errutil.StatusIntegrity) {
			outcome = "error"
		}
		s.metrics.Webhooks.WithLabelValues(n.EventType, outcome).Inc()
		logger.FromContext(ctx).Warn("webhook processing failed",
			zap.String("correlation_id", n.CorrelationID),
			zap.String("event_type", n.EventType),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.Webhooks.WithLabelValues(n.EventType, result.Outcome).Inc()
	logger.FromContext(ctx).Info("webhook processed",
		zap.String("correlation_id", n.CorrelationID),
		zap.String("event_type", n.EventType),
		zap.String("outcome", result.Outcome),
	)
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, e *Escrow, n *Notification) (string, error) {
	switch n.EventType {
	case EventPaymentAuthorized:
		return s.onAuthorized(ctx, tx, e, n)
	case EventPaymentFailed:
		if e.Status != StatusPending {
			return outcomeIgnored, nil
		}
		if err := s.event(ctx, tx, e, "EscrowPaymentFailed", map[string]any{"reason": n.FailureReason}); err != nil {
			return "", err
		}
		return outcomePaymentFailed, nil
	case EventPayoutCompleted, EventPayoutFailed:
		return s.onPayout(ctx, tx, e, n)
	default:
		return outcomeIgnored, nil
	}
}

// onAuthorized moves a pending escrow to held and lets the assignment start work.
func (s *Service) onAuthorized(ctx context.Context, tx *gorm.DB, e *Escrow, n *Notification) (string, error) {
	if e.Status != StatusPending {
		if e.Status == StatusRefunded {
			logger.FromContext(ctx).Warn("authorization arrived for a refunded escrow",
				zap.String("escrow_id", e.ID),
				zap.String("correlation_id", n.CorrelationID),
			)
		}
		return outcomeIgnored, nil
	}
	if n.Amount != 0 && n.Amount != e.GrossAmount {
		return "", errutil.Integrity(fmt.Sprintf("authorized amount %d does not match escrow gross %d", n.Amount, e.GrossAmount), nil)
	}

	now := s.now().UTC()
	fields := map[string]any{
		"status":         StatusHeld,
		"held_at":        &now,
		"correlation_id": n.CorrelationID,
	}
	if n.PaymentID != "" {
		fields["gateway_payment_id"] = n.PaymentID
	}
	if err := s.update(ctx, tx, e, fields); err != nil {
		return "", err
	}
	if _, err := s.appendEntry(ctx, tx, e, EntryHold, e.GrossAmount, "hold", "authorized "+n.CorrelationID); err != nil {
		return "", err
	}
	if err := s.event(ctx, tx, e, "EscrowHeld", map[string]any{"correlation_id": n.CorrelationID}); err != nil {
		return "", err
	}
	if _, err := s.assignments.StartWork(ctx, tx, e.AssignmentID, gatewayPrincipal, "escrow held"); err != nil {
		return "", err
	}
	return outcomeHeld, nil
}

// onPayout advances the payout sub-state: pending|processing -> completed|failed.
func (s *Service) onPayout(ctx context.Context, tx *gorm.DB, e *Escrow, n *Notification) (string, error) {
	if e.Status != StatusReleased {
		return outcomeIgnored, nil
	}
	if e.PayoutStatus != PayoutPending && e.PayoutStatus != PayoutProcessing {
		return outcomeIgnored, nil
	}

	now := s.now().UTC()
	if n.EventType == EventPayoutCompleted {
		fields := map[string]any{
			"payout_status":       PayoutCompleted,
			"payout_completed_at": &now,
		}
		if n.PayoutID != "" {
			fields["gateway_payout_id"] = n.PayoutID
		}
		if e.PayoutInitiatedAt == nil {
			fields["payout_initiated_at"] = &now
		}
		if err := s.update(ctx, tx, e, fields); err != nil {
			return "", err
		}
		if _, err := s.appendEntry(ctx, tx, e, EntryPayout, e.ReleasedAmount, "payout", "paid out "+n.CorrelationID); err != nil {
			return "", err
		}
		if err := s.event(ctx, tx, e, "EscrowPayoutCompleted", nil); err != nil {
			return "", err
		}
		return outcomePayoutCompleted, nil
	}

	if err := s.failPayout(ctx, tx, e, e.PayoutAttempts, n.FailureReason); err != nil {
		return "", err
	}
	return outcomePayoutFailed, nil
}
