package review

import (
	"time"

	"gorm.io/datatypes"
)

type ReviewerType string

const (
	ReviewerClient     ReviewerType = "client"
	ReviewerFreelancer ReviewerType = "freelancer"
	ReviewerEmployer   ReviewerType = "employer"
	ReviewerEmployee   ReviewerType = "employee"
)

// subRatingKeys are the four dimensions each reviewer type rates.
var subRatingKeys = map[ReviewerType][]string{
	ReviewerClient:     {"communication", "quality", "professionalism", "timeliness"},
	ReviewerFreelancer: {"communication", "clarity", "payment_promptness", "professionalism"},
	ReviewerEmployer:   {"work_quality", "reliability", "communication", "teamwork"},
	ReviewerEmployee:   {"work_environment", "management", "compensation", "communication"},
}

func SubRatingKeys(t ReviewerType) []string {
	return subRatingKeys[t]
}

type Moderation string

const (
	ModerationPending  Moderation = "pending"
	ModerationApproved Moderation = "approved"
	ModerationRejected Moderation = "rejected"
)

type Ratings map[string]int

const (
	minRating  = 1
	maxRating  = 5
	minTextLen = 10
	maxTextLen = 2000
)

// Review is one participant's rating of the other after an assignment completed.
type Review struct {
	ID               string                      `gorm:"column:id;primaryKey" json:"id"`
	ApplicationID    string                      `gorm:"column:application_id;uniqueIndex:idx_review_pair" json:"application_id"`
	ReviewerID       string                      `gorm:"column:reviewer_id;uniqueIndex:idx_review_pair" json:"reviewer_id"`
	AssignmentID     string                      `gorm:"column:assignment_id;index" json:"assignment_id"`
	RevieweeID       string                      `gorm:"column:reviewee_id;index" json:"reviewee_id"`
	ReviewerType     ReviewerType                `gorm:"column:reviewer_type" json:"reviewer_type"`
	OverallRating    int                         `gorm:"column:overall_rating" json:"overall_rating"`
	SubRatings       datatypes.JSONType[Ratings] `gorm:"column:sub_ratings" json:"sub_ratings"`
	ReviewText       string                      `gorm:"column:review_text" json:"review_text"`
	ModerationStatus Moderation                  `gorm:"column:moderation_status;index" json:"moderation_status"`
	ReviewWindowEnd  time.Time                   `gorm:"column:review_window_end" json:"review_window_end"`
	Flagged          bool                        `gorm:"column:flagged" json:"flagged"`
	FlagReason       string                      `gorm:"column:flag_reason" json:"flag_reason,omitempty"`
	HelpfulCount     int                         `gorm:"column:helpful_count" json:"helpful_count"`
	CreatedAt        time.Time                   `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt        time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

func (Review) TableName() string { return "reviews" }

type SubmitRequest struct {
	OverallRating int     `json:"overall_rating" validate:"required,min=1,max=5"`
	SubRatings    Ratings `json:"sub_ratings" validate:"required"`
	ReviewText    string  `json:"review_text" validate:"required,min=10,max=2000"`
}

type UpdateRequest struct {
	OverallRating *int    `json:"overall_rating" validate:"omitempty,min=1,max=5"`
	SubRatings    Ratings `json:"sub_ratings"`
	ReviewText    *string `json:"review_text" validate:"omitempty,min=10,max=2000"`
}

type FlagRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type ModerateRequest struct {
	Status Moderation `json:"status" validate:"required,oneof=approved rejected pending"`
}

// Eligibility answers can_review with the reason when the answer is no.
type Eligibility struct {
	Eligible     bool         `json:"eligible"`
	Reason       string       `json:"reason,omitempty"`
	ReviewerType ReviewerType `json:"reviewer_type,omitempty"`
	RevieweeID   string       `json:"reviewee_id,omitempty"`
	WindowEnd    *time.Time   `json:"review_window_end,omitempty"`
}

type Aggregate struct {
	Count          int                `json:"count"`
	AverageOverall float64            `json:"average_overall"`
	AverageSub     map[string]float64 `json:"average_sub_ratings"`
}

type UserReviews struct {
	UserID    string    `json:"user_id"`
	Aggregate Aggregate `json:"aggregate"`
	Reviews   []*Review `json:"reviews"`
}
