package application

import (
	"time"

	"trustwork/pkg/db/pagination"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusShortlisted Status = "shortlisted"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusWithdrawn   Status = "withdrawn"
)

// open reports whether the application can still be moved by either side.
func (s Status) open() bool {
	return s == StatusPending || s == StatusShortlisted
}

// Application is one bid. The (assignment_id, freelancer_id) pair is unique forever, withdrawn rows included.
type Application struct {
	ID                 string                      `gorm:"column:id;primaryKey" json:"id"`
	AssignmentID       string                      `gorm:"column:assignment_id;uniqueIndex:idx_application_pair" json:"assignment_id"`
	FreelancerID       string                      `gorm:"column:freelancer_id;uniqueIndex:idx_application_pair;index" json:"freelancer_id"`
	CoverLetter        string                      `gorm:"column:cover_letter" json:"cover_letter"`
	ProposedRate       *int64                      `gorm:"column:proposed_rate" json:"proposed_rate,omitempty"`
	ProposedTimeline   string                      `gorm:"column:proposed_timeline" json:"proposed_timeline,omitempty"`
	PortfolioLinks     datatypes.JSONSlice[string] `gorm:"column:portfolio_links" json:"portfolio_links"`
	Attachments        datatypes.JSONSlice[string] `gorm:"column:attachments" json:"attachments"`
	ResumeKey          string                      `gorm:"column:resume_key" json:"resume_key,omitempty"`
	Status             Status                      `gorm:"column:status;index" json:"status"`
	EmployerMessage    string                      `gorm:"column:employer_message" json:"employer_message,omitempty"`
	WithdrawReason     string                      `gorm:"column:withdraw_reason" json:"withdraw_reason,omitempty"`
	ViewedByEmployer   bool                        `gorm:"column:viewed_by_employer" json:"viewed_by_employer"`
	ViewedAt           *time.Time                  `gorm:"column:viewed_at" json:"viewed_at,omitempty"`
	SkillTestAttemptID *string                     `gorm:"column:skill_test_attempt_id" json:"skill_test_attempt_id,omitempty"`
	CreatedAt          time.Time                   `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt          time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

func (Application) TableName() string { return "applications" }

type SubmitRequest struct {
	CoverLetter        string   `json:"cover_letter" validate:"required,min=20,max=5000"`
	ProposedRate       *int64   `json:"proposed_rate" validate:"omitempty,gt=0"`
	ProposedTimeline   string   `json:"proposed_timeline" validate:"max=200"`
	PortfolioLinks     []string `json:"portfolio_links" validate:"max=10,dive,url"`
	ResumeKey          string   `json:"resume_key" validate:"max=500"`
	SkillTestAttemptID string   `json:"skill_test_attempt_id"`
}

type WithdrawRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

type SetStatusRequest struct {
	Status  Status `json:"status" validate:"required,oneof=shortlisted accepted rejected"`
	Message string `json:"message" validate:"max=2000"`
}

type Filter struct {
	Status  Status `form:"status" validate:"omitempty,oneof=pending shortlisted accepted rejected withdrawn"`
	SortBy  string `form:"sort_by" validate:"omitempty,oneof=created_at proposed_rate"`
	OrderBy string `form:"order_by" validate:"omitempty,oneof=asc desc ASC DESC"`

	pagination.Pagination
}

type ListResponse struct {
	Data     []*Application       `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type Stats struct {
	Total       int64 `json:"total"`
	Pending     int64 `json:"pending"`
	Shortlisted int64 `json:"shortlisted"`
	Accepted    int64 `json:"accepted"`
	Rejected    int64 `json:"rejected"`
	Withdrawn   int64 `json:"withdrawn"`
}

func (s *Stats) add(status Status, n int64) {
	s.Total += n
	switch status {
	case StatusPending:
		s.Pending += n
	case StatusShortlisted:
		s.Shortlisted += n
	case StatusAccepted:
		s.Accepted += n
	case StatusRejected:
		s.Rejected += n
	case StatusWithdrawn:
		s.Withdrawn += n
	}
}
