package dispute

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusOpen             Status = "open"
	StatusUnderReview      Status = "under_review"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolved         Status = "resolved"
	StatusEscalated        Status = "escalated"
	StatusClosed           Status = "closed"
)

// Active reports whether the dispute still blocks the assignment.
func (s Status) Active() bool {
	switch s {
	case StatusOpen, StatusUnderReview, StatusAwaitingResponse, StatusEscalated:
		return true
	}
	return false
}

var activeStatuses = []Status{StatusOpen, StatusUnderReview, StatusAwaitingResponse, StatusEscalated}

type Reason string

const (
	ReasonNonPayment     Reason = "non_payment"
	ReasonQuality        Reason = "quality_issues"
	ReasonMissedDeadline Reason = "missed_deadline"
	ReasonScopeChange    Reason = "scope_change"
	ReasonCommunication  Reason = "communication"
	ReasonOther          Reason = "other"
)

type Decision string

const (
	DecisionFavorFreelancer Decision = "favor_freelancer"
	DecisionFavorClient     Decision = "favor_client"
	DecisionSplitPayment    Decision = "split_payment"
	DecisionNoFault         Decision = "no_fault"
	DecisionMutualAgreement Decision = "mutual_agreement"
)

// Evidence is one submission by a party: free text, links and stored file keys.
type Evidence struct {
	By    string    `json:"by"`
	Notes string    `json:"notes,omitempty"`
	Links []string  `json:"links,omitempty"`
	Files []string  `json:"files,omitempty"`
	At    time.Time `json:"at"`
}

type Dispute struct {
	ID                 string                        `gorm:"column:id;primaryKey" json:"id"`
	AssignmentID       string                        `gorm:"column:assignment_id;index" json:"assignment_id"`
	EscrowID           string                        `gorm:"column:escrow_id;index" json:"escrow_id,omitempty"`
	EscrowPaymentRef   string                        `gorm:"column:escrow_payment_ref" json:"escrow_payment_ref,omitempty"`
	InitiatorID        string                        `gorm:"column:initiator_id;index" json:"initiator_id"`
	RespondentID       string                        `gorm:"column:respondent_id;index" json:"respondent_id"`
	Reason             Reason                        `gorm:"column:reason" json:"reason"`
	Title              string                        `gorm:"column:title" json:"title"`
	Description        string                        `gorm:"column:description" json:"description"`
	EvidenceFiles      datatypes.JSONSlice[string]   `gorm:"column:evidence_files" json:"evidence_files"`
	InitiatorEvidence  datatypes.JSONSlice[Evidence] `gorm:"column:initiator_evidence" json:"initiator_evidence"`
	RespondentEvidence datatypes.JSONSlice[Evidence] `gorm:"column:respondent_evidence" json:"respondent_evidence"`
	Status             Status                        `gorm:"column:status;index" json:"status"`
	ResponseDeadline   time.Time                     `gorm:"column:response_deadline;index" json:"response_deadline"`
	Overdue            bool                          `gorm:"column:overdue" json:"overdue"`
	ResolutionDecision Decision                      `gorm:"column:resolution_decision" json:"resolution_decision,omitempty"`
	ResolutionSummary  string                        `gorm:"column:resolution_summary" json:"resolution_summary,omitempty"`
	PaymentAdjustment  *int64                        `gorm:"column:payment_adjustment" json:"payment_adjustment,omitempty"`
	FreelancerShare    *float64                      `gorm:"column:freelancer_share" json:"freelancer_share,omitempty"`
	ResumeWork         bool                          `gorm:"column:resume_work" json:"resume_work"`
	ResolvedBy         string                        `gorm:"column:resolved_by" json:"resolved_by,omitempty"`

	ProposedBy         string   `gorm:"column:proposed_by" json:"proposed_by,omitempty"`
	ProposedShare      *float64 `gorm:"column:proposed_share" json:"proposed_share,omitempty"`
	ProposedAdjustment *int64   `gorm:"column:proposed_adjustment" json:"proposed_adjustment,omitempty"`
	ProposedResume     bool     `gorm:"column:proposed_resume" json:"proposed_resume,omitempty"`

	ReviewedAt  *time.Time `gorm:"column:reviewed_at" json:"reviewed_at,omitempty"`
	EscalatedAt *time.Time `gorm:"column:escalated_at" json:"escalated_at,omitempty"`
	ResolvedAt  *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	ClosedAt    *time.Time `gorm:"column:closed_at" json:"closed_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Dispute) TableName() string { return "disputes" }

func (d *Dispute) IsParty(principalID string) bool {
	return principalID != "" && (d.InitiatorID == principalID || d.RespondentID == principalID)
}

type EventKind string

const (
	EventOpened        EventKind = "opened"
	EventResponded     EventKind = "responded"
	EventEvidenceAdded EventKind = "evidence_added"
	EventInfoRequested EventKind = "info_requested"
	EventProposed      EventKind = "proposed"
	EventEscalated     EventKind = "escalated"
	EventOverdue       EventKind = "overdue"
	EventResolved      EventKind = "resolved"
	EventClosed        EventKind = "closed"
)

// Event is one entry of the dispute log; the assignment timeline reads it.
type Event struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	DisputeID    string    `gorm:"column:dispute_id;index" json:"dispute_id"`
	AssignmentID string    `gorm:"column:assignment_id;index" json:"assignment_id"`
	Kind         EventKind `gorm:"column:kind" json:"kind"`
	ActorID      string    `gorm:"column:actor_id" json:"actor_id"`
	Notes        string    `gorm:"column:notes" json:"notes,omitempty"`
	At           time.Time `gorm:"column:at;index" json:"at"`
}

func (Event) TableName() string { return "dispute_events" }

type OpenRequest struct {
	Reason      Reason   `json:"reason" validate:"required,oneof=non_payment quality_issues missed_deadline scope_change communication other"`
	Title       string   `json:"title" validate:"required,min=3,max=200"`
	Description string   `json:"description" validate:"required,max=10000"`
	Links       []string `json:"links" validate:"max=20,dive,url"`
}

type EvidenceRequest struct {
	Notes string   `json:"notes" validate:"max=10000"`
	Links []string `json:"links" validate:"max=20,dive,url"`
}

type NotesRequest struct {
	Notes string `json:"notes" validate:"required,max=5000"`
}

type ResolveRequest struct {
	Decision   Decision `json:"decision" validate:"required,oneof=favor_freelancer favor_client split_payment no_fault mutual_agreement"`
	Summary    string   `json:"summary" validate:"required,max=5000"`
	Share      *float64 `json:"share" validate:"omitempty,gte=0,lte=1"`
	Adjustment *int64   `json:"adjustment"`
	ResumeWork bool     `json:"resume_work"`
}

type Detail struct {
	*Dispute
	Events []*Event `json:"events"`
}
