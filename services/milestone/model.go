package milestone

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusSubmitted         Status = "submitted"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusRevisionRequested Status = "revision_requested"
)

// Milestone is one ordered deliverable of a gig with its share of the escrowed amount.
type Milestone struct {
	ID                string                      `gorm:"column:id;primaryKey" json:"id"`
	GigID             string                      `gorm:"column:gig_id;uniqueIndex:idx_milestone_order" json:"gig_id"`
	OrderIndex        int                         `gorm:"column:order_index;uniqueIndex:idx_milestone_order" json:"order_index"`
	FreelancerID      string                      `gorm:"column:freelancer_id;index" json:"freelancer_id"`
	Title             string                      `gorm:"column:title" json:"title"`
	Description       string                      `gorm:"column:description" json:"description"`
	Percentage        float64                     `gorm:"column:percentage" json:"percentage"`
	Amount            int64                       `gorm:"column:amount" json:"amount"`
	DueDate           *time.Time                  `gorm:"column:due_date" json:"due_date,omitempty"`
	Status            Status                      `gorm:"column:status;index" json:"status"`
	DeliverableFiles  datatypes.JSONSlice[string] `gorm:"column:deliverable_files" json:"deliverable_files"`
	DeliverableLinks  datatypes.JSONSlice[string] `gorm:"column:deliverable_links" json:"deliverable_links"`
	SubmissionNotes   string                      `gorm:"column:submission_notes" json:"submission_notes,omitempty"`
	ClientNotes       string                      `gorm:"column:client_notes" json:"client_notes,omitempty"`
	RevisionCount     int                         `gorm:"column:revision_count" json:"revision_count"`
	MaxRevisions      int                         `gorm:"column:max_revisions" json:"max_revisions"`
	PaymentReleased   bool                        `gorm:"column:payment_released" json:"payment_released"`
	PaymentReleasedAt *time.Time                  `gorm:"column:payment_released_at" json:"payment_released_at,omitempty"`
	ReleasedAmount    int64                       `gorm:"column:released_amount" json:"released_amount"`
	EscrowPaymentRef  string                      `gorm:"column:escrow_payment_ref" json:"escrow_payment_ref,omitempty"`
	StartedAt         *time.Time                  `gorm:"column:started_at" json:"started_at,omitempty"`
	SubmittedAt       *time.Time                  `gorm:"column:submitted_at" json:"submitted_at,omitempty"`
	ApprovedAt        *time.Time                  `gorm:"column:approved_at" json:"approved_at,omitempty"`
	RejectedAt        *time.Time                  `gorm:"column:rejected_at" json:"rejected_at,omitempty"`
	CreatedAt         time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

func (Milestone) TableName() string { return "milestones" }

type Item struct {
	Title       string     `json:"title" validate:"required,min=3,max=200"`
	Description string     `json:"description" validate:"max=5000"`
	Amount      int64      `json:"amount" validate:"required,gt=0"`
	DueDate     *time.Time `json:"due_date"`
}

type CreateBatchRequest struct {
	Items []Item `json:"items" validate:"required,min=1,max=50,dive"`
}

type SubmitRequest struct {
	Notes string   `json:"notes" validate:"max=5000"`
	Links []string `json:"links" validate:"max=20,dive,url"`
}

type ReviewRequest struct {
	Notes string `json:"notes" validate:"max=5000"`
}

type StatusRequest struct {
	Status Status   `json:"status" validate:"required,oneof=in_progress submitted approved rejected revision_requested"`
	Notes  string   `json:"notes" validate:"max=5000"`
	Links  []string `json:"links" validate:"max=20,dive,url"`
}

type Progress struct {
	GigID          string  `json:"gig_id"`
	Total          int     `json:"total"`
	Completed      int     `json:"completed"`
	Pending        int     `json:"pending"`
	Percent        float64 `json:"percent"`
	TotalAmount    int64   `json:"total_amount"`
	ReleasedAmount int64   `json:"released_amount"`
}
