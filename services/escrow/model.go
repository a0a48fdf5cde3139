package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusHeld     Status = "held"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Escrow is the custody record of one assignment's payment. Amounts are minor currency units.
type Escrow struct {
	ID                string       `gorm:"column:id;primaryKey" json:"id"`
	Reference         string       `gorm:"column:reference;uniqueIndex" json:"reference"`
	AssignmentID      string       `gorm:"column:assignment_id;uniqueIndex" json:"assignment_id"`
	PayerID           string       `gorm:"column:payer_id;index" json:"payer_id"`
	RecipientID       string       `gorm:"column:recipient_id;index" json:"recipient_id"`
	GrossAmount       int64        `gorm:"column:gross_amount" json:"gross_amount"`
	PlatformFee       int64        `gorm:"column:platform_fee" json:"platform_fee"`
	NetAmount         int64        `gorm:"column:net_amount" json:"net_amount"`
	ReleasedAmount    int64        `gorm:"column:released_amount" json:"released_amount"`
	RefundedAmount    int64        `gorm:"column:refunded_amount" json:"refunded_amount"`
	Currency          string       `gorm:"column:currency" json:"currency"`
	Status            Status       `gorm:"column:status;index" json:"status"`
	PayoutStatus      PayoutStatus `gorm:"column:payout_status;index" json:"payout_status"`
	PayoutAttempts    int          `gorm:"column:payout_attempts" json:"payout_attempts"`
	PayoutError       string       `gorm:"column:payout_error" json:"payout_error,omitempty"`
	GatewayPaymentID  string       `gorm:"column:gateway_payment_id;index" json:"gateway_payment_id,omitempty"`
	GatewayPayoutID   string       `gorm:"column:gateway_payout_id;index" json:"gateway_payout_id,omitempty"`
	CorrelationID     string       `gorm:"column:correlation_id" json:"correlation_id,omitempty"`
	HeldAt            *time.Time   `gorm:"column:held_at" json:"held_at,omitempty"`
	ReleasedAt        *time.Time   `gorm:"column:released_at" json:"released_at,omitempty"`
	RefundedAt        *time.Time   `gorm:"column:refunded_at" json:"refunded_at,omitempty"`
	DisputedAt        *time.Time   `gorm:"column:disputed_at" json:"disputed_at,omitempty"`
	PayoutInitiatedAt *time.Time   `gorm:"column:payout_initiated_at" json:"payout_initiated_at,omitempty"`
	PayoutCompletedAt *time.Time   `gorm:"column:payout_completed_at" json:"payout_completed_at,omitempty"`
	CreatedAt         time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"column:updated_at" json:"updated_at"`

	CheckoutURL string `gorm:"-" json:"checkout_url,omitempty"`
}

func (Escrow) TableName() string { return "escrow_payments" }

// Remaining is the net amount not yet released.
func (e *Escrow) Remaining() int64 {
	return e.NetAmount - e.ReleasedAmount
}

// Fee splits gross into platform fee and net; the fee is rounded half up.
func Fee(gross int64, rate float64) (fee, net int64) {
	fee = int64(float64(gross)*rate + 0.5)
	if fee > gross {
		fee = gross
	}
	return fee, gross - fee
}

type EntryKind string

const (
	EntryHold    EntryKind = "hold"
	EntryRelease EntryKind = "release"
	EntryRefund  EntryKind = "refund"
	EntryPayout  EntryKind = "payout"
)

// LedgerEntry is one custody movement. Entries of an escrow form a hash chain.
type LedgerEntry struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	EscrowID     string    `gorm:"column:escrow_id;uniqueIndex:idx_escrow_ledger_ref;uniqueIndex:idx_escrow_ledger_seq" json:"escrow_id"`
	Seq          int       `gorm:"column:seq;uniqueIndex:idx_escrow_ledger_seq" json:"seq"`
	Kind         EntryKind `gorm:"column:kind" json:"kind"`
	Amount       int64     `gorm:"column:amount" json:"amount"`
	ReferenceID  string    `gorm:"column:reference_id;uniqueIndex:idx_escrow_ledger_ref" json:"reference_id"`
	Description  string    `gorm:"column:description" json:"description,omitempty"`
	PreviousHash string    `gorm:"column:previous_hash" json:"previous_hash"`
	Hash         string    `gorm:"column:hash" json:"hash"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEntry) TableName() string { return "escrow_ledger_entries" }

const genesisHash = "GENESIS"

func (l *LedgerEntry) hashFields() map[string]string {
	return map[string]string{
		"id":            l.ID,
		"escrow_id":     l.EscrowID,
		"seq":           fmt.Sprintf("%d", l.Seq),
		"kind":          string(l.Kind),
		"amount":        fmt.Sprintf("%d", l.Amount),
		"reference_id":  l.ReferenceID,
		"description":   l.Description,
		"created_at":    l.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": l.PreviousHash,
	}
}

func (l *LedgerEntry) GenerateHash() string {
	fields := l.hashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// WebhookEvent dedupes gateway deliveries by the provider's event id.
type WebhookEvent struct {
	ID            string         `gorm:"column:id;primaryKey" json:"id"`
	CorrelationID string         `gorm:"column:correlation_id;index" json:"correlation_id"`
	EventType     string         `gorm:"column:event_type" json:"event_type"`
	Reference     string         `gorm:"column:reference;index" json:"reference"`
	Outcome       string         `gorm:"column:outcome" json:"outcome"`
	Payload       datatypes.JSON `gorm:"column:payload" json:"-"`
	ReceivedAt    time.Time      `gorm:"column:received_at" json:"received_at"`
}

func (WebhookEvent) TableName() string { return "payment_webhook_events" }

const (
	EventPaymentAuthorized = "payment.authorized"
	EventPaymentFailed     = "payment.failed"
	EventPayoutCompleted   = "payout.completed"
	EventPayoutFailed      = "payout.failed"
)

// Notification is the verified payload of a gateway webhook.
type Notification struct {
	EventID        string `json:"event_id"`
	CorrelationID  string `json:"correlation_id" validate:"required"`
	EventType      string `json:"event_type" validate:"required"`
	Reference      string `json:"reference" validate:"required"`
	PaymentID      string `json:"payment_id"`
	PayoutID       string `json:"payout_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	ProviderStatus string `json:"provider_status"`
	FailureReason  string `json:"failure_reason"`
}

// key is the dedupe key; deliveries without an event id dedupe on correlation id and type.
func (n *Notification) key() string {
	if n.EventID != "" {
		return n.EventID
	}
	return n.CorrelationID + ":" + n.EventType
}

type WebhookResult struct {
	Processed bool   `json:"processed"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
	EscrowID  string `json:"escrow_id,omitempty"`
}

type CreateRequest struct {
	GrossAmount int64 `json:"gross_amount" validate:"required,gt=0"`
}

type RefundRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=1000"`
}

type ChainReport struct {
	EscrowID string `json:"escrow_id"`
	Entries  int    `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt *int   `json:"broken_at,omitempty"`
}

// Settlement divides the remaining funds at dispute resolution.
type Settlement struct {
	Release int64
	Refund  int64
	Reason  string
}
