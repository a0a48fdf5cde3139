package assignment

import (
	"time"

	"trustwork/pkg/db/pagination"

	"gorm.io/datatypes"
)

type Kind string

const (
	KindJob Kind = "job"
	KindGig Kind = "gig"
)

type Status string

const (
	StatusDraft         Status = "draft"
	StatusOpen          Status = "open"
	StatusAssigned      Status = "assigned"
	StatusInProgress    Status = "in_progress"
	StatusPendingReview Status = "pending_review"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusClosed        Status = "closed"
	StatusDisputed      Status = "disputed"
)

// Terminal states accept no further transition.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusClosed
}

type BudgetUnit string

const (
	BudgetFixed      BudgetUnit = "fixed"
	BudgetHourly     BudgetUnit = "hourly"
	BudgetNegotiable BudgetUnit = "negotiable"
)

// SkillTestRequirement gates applications behind a passing attempt. An empty TemplateID means no gate.
type SkillTestRequirement struct {
	TemplateID   string `gorm:"column:template_id" json:"template_id"`
	Difficulty   string `gorm:"column:difficulty" json:"difficulty"`
	PassingScore int    `gorm:"column:passing_score" json:"passing_score"`
}

type Assignment struct {
	ID                    string                      `gorm:"column:id;primaryKey" json:"id"`
	Code                  string                      `gorm:"column:code;uniqueIndex" json:"code"`
	Slug                  string                      `gorm:"column:slug;index" json:"slug"`
	OwnerID               string                      `gorm:"column:owner_id;index" json:"owner_id"`
	Kind                  Kind                        `gorm:"column:kind;index" json:"kind"`
	Title                 string                      `gorm:"column:title" json:"title"`
	Description           string                      `gorm:"column:description" json:"description"`
	BudgetMin             *int64                      `gorm:"column:budget_min" json:"budget_min,omitempty"`
	BudgetMax             *int64                      `gorm:"column:budget_max" json:"budget_max,omitempty"`
	BudgetUnit            BudgetUnit                  `gorm:"column:budget_unit" json:"budget_unit"`
	Currency              string                      `gorm:"column:currency" json:"currency"`
	Deadline              *time.Time                  `gorm:"column:deadline" json:"deadline,omitempty"`
	Status                Status                      `gorm:"column:status;index" json:"status"`
	RequiredSkills        datatypes.JSONSlice[string] `gorm:"column:required_skills" json:"required_skills"`
	ExperienceLevel       string                      `gorm:"column:experience_level" json:"experience_level,omitempty"`
	Location              string                      `gorm:"column:location" json:"location,omitempty"`
	RemoteAllowed         bool                        `gorm:"column:remote_allowed" json:"remote_allowed"`
	SkillTest             SkillTestRequirement        `gorm:"embedded;embeddedPrefix:skill_test_" json:"-"`
	ApplicationsCount     int64                       `gorm:"column:applications_count" json:"applications_count"`
	ViewsCount            int64                       `gorm:"column:views_count" json:"views_count"`
	AssignedFreelancerID  *string                     `gorm:"column:assigned_freelancer_id;index" json:"assigned_freelancer_id,omitempty"`
	AssignedApplicationID *string                     `gorm:"column:assigned_application_id" json:"assigned_application_id,omitempty"`
	CancelReason          string                      `gorm:"column:cancel_reason" json:"cancel_reason,omitempty"`
	PublishedAt           *time.Time                  `gorm:"column:published_at" json:"published_at,omitempty"`
	CompletedAt           *time.Time                  `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt             time.Time                   `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt             time.Time                   `gorm:"column:updated_at" json:"updated_at"`

	SkillTestRequirement *SkillTestRequirement `gorm:"-" json:"skill_test_requirement,omitempty"`
}

func (Assignment) TableName() string { return "assignments" }

func (a *Assignment) HasSkillTest() bool {
	return a.SkillTest.TemplateID != ""
}

func (a *Assignment) IsOwner(principalID string) bool {
	return principalID != "" && a.OwnerID == principalID
}

// IsParticipant reports whether principalID is the owner or the assigned freelancer.
func (a *Assignment) IsParticipant(principalID string) bool {
	if a.IsOwner(principalID) {
		return true
	}
	return a.AssignedFreelancerID != nil && *a.AssignedFreelancerID == principalID
}

// expose fills the json-only view fields.
func (a *Assignment) expose() *Assignment {
	if a.HasSkillTest() {
		req := a.SkillTest
		a.SkillTestRequirement = &req
	}
	return a
}

// Skill is one row of the required-skill index used for overlap filtering.
type Skill struct {
	AssignmentID string `gorm:"column:assignment_id;primaryKey"`
	Skill        string `gorm:"column:skill;primaryKey;index"`
}

func (Skill) TableName() string { return "assignment_skills" }

// StatusHistory is the append-only log of lifecycle transitions.
type StatusHistory struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	AssignmentID string    `gorm:"column:assignment_id;index" json:"assignment_id"`
	FromStatus   Status    `gorm:"column:from_status" json:"from"`
	ToStatus     Status    `gorm:"column:to_status" json:"to"`
	ByPrincipal  string    `gorm:"column:by_principal" json:"by_principal"`
	Reason       string    `gorm:"column:reason" json:"reason,omitempty"`
	At           time.Time `gorm:"column:at;index" json:"at"`
}

func (StatusHistory) TableName() string { return "assignment_status_history" }

type SkillTestRequest struct {
	TemplateID   string `json:"template_id" validate:"required"`
	Difficulty   string `json:"difficulty" validate:"required,oneof=entry mid senior"`
	PassingScore int    `json:"passing_score" validate:"omitempty,min=1,max=100"`
}

type CreateRequest struct {
	Kind            Kind              `json:"kind" validate:"required,oneof=job gig"`
	Title           string            `json:"title" validate:"required,min=3,max=200"`
	Description     string            `json:"description" validate:"required,max=20000"`
	BudgetMin       *int64            `json:"budget_min" validate:"omitempty,gte=0"`
	BudgetMax       *int64            `json:"budget_max" validate:"omitempty,gte=0"`
	BudgetUnit      BudgetUnit        `json:"budget_unit" validate:"required,oneof=fixed hourly negotiable"`
	Deadline        *time.Time        `json:"deadline"`
	RequiredSkills  []string          `json:"required_skills" validate:"max=30,dive,min=1,max=60"`
	ExperienceLevel string            `json:"experience_level" validate:"omitempty,oneof=entry intermediate expert"`
	Location        string            `json:"location" validate:"max=200"`
	RemoteAllowed   bool              `json:"remote_allowed"`
	SkillTest       *SkillTestRequest `json:"skill_test_requirement"`
	Publish         bool              `json:"publish"`
}

// UpdateRequest is a partial patch; nil fields are left untouched.
type UpdateRequest struct {
	Title           *string           `json:"title" validate:"omitempty,min=3,max=200"`
	Description     *string           `json:"description" validate:"omitempty,max=20000"`
	BudgetMin       *int64            `json:"budget_min" validate:"omitempty,gte=0"`
	BudgetMax       *int64            `json:"budget_max" validate:"omitempty,gte=0"`
	BudgetUnit      *BudgetUnit       `json:"budget_unit" validate:"omitempty,oneof=fixed hourly negotiable"`
	Deadline        *time.Time        `json:"deadline"`
	RequiredSkills  *[]string         `json:"required_skills" validate:"omitempty,max=30,dive,min=1,max=60"`
	ExperienceLevel *string           `json:"experience_level" validate:"omitempty,oneof=entry intermediate expert"`
	Location        *string           `json:"location" validate:"omitempty,max=200"`
	RemoteAllowed   *bool             `json:"remote_allowed"`
	SkillTest       *SkillTestRequest `json:"skill_test_requirement"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"required,min=3,max=1000"`
}

type Filter struct {
	Kind            Kind     `form:"kind" validate:"omitempty,oneof=job gig"`
	Status          Status   `form:"status"`
	Skills          []string `form:"skills"`
	ExperienceLevel string   `form:"experience_level"`
	RemoteAllowed   *bool    `form:"remote_allowed"`
	BudgetFrom      *int64   `form:"budget_from"`
	BudgetTo        *int64   `form:"budget_to"`
	Query           string   `form:"q"`
	OwnerID         string   `form:"owner_id"`
	SortBy          string   `form:"sort_by" validate:"omitempty,oneof=created_at budget_min budget_max"`
	OrderBy         string   `form:"order_by" validate:"omitempty,oneof=asc desc ASC DESC"`

	pagination.Pagination
}

type ListResponse struct {
	Data     []*Assignment        `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}
