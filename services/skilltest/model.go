package skilltest

import (
	"time"

	"gorm.io/datatypes"
)

type Difficulty string

const (
	DifficultyEntry  Difficulty = "entry"
	DifficultyMid    Difficulty = "mid"
	DifficultySenior Difficulty = "senior"
)

// questionCount is the number of questions drawn per attempt.
var questionCount = map[Difficulty]int{
	DifficultyEntry:  10,
	DifficultyMid:    10,
	DifficultySenior: 15,
}

func (d Difficulty) Valid() bool {
	_, ok := questionCount[d]
	return ok
}

type Status string

const (
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusFailedCheat Status = "failed_cheat"
	StatusAbandoned   Status = "abandoned"
)

// finished attempts start the cooldown.
func (s Status) finished() bool {
	return s == StatusCompleted || s == StatusFailedCheat
}

var options = []string{"A", "B", "C", "D"}

type Template struct {
	ID             string    `gorm:"column:id;primaryKey" json:"id" yaml:"id"`
	Category       string    `gorm:"column:category;index" json:"category" yaml:"category"`
	Name           string    `gorm:"column:name" json:"name" yaml:"name"`
	TotalQuestions int       `gorm:"column:total_questions" json:"total_questions" yaml:"-"`
	Active         bool      `gorm:"column:active" json:"active" yaml:"active"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at" yaml:"-"`
}

func (Template) TableName() string { return "skill_test_templates" }

type Question struct {
	ID            string     `gorm:"column:id;primaryKey" json:"id"`
	TemplateID    string     `gorm:"column:template_id;index:idx_question_pool" json:"template_id"`
	Difficulty    Difficulty `gorm:"column:difficulty;index:idx_question_pool" json:"difficulty"`
	Prompt        string     `gorm:"column:prompt" json:"prompt"`
	OptionA       string     `gorm:"column:option_a" json:"option_a"`
	OptionB       string     `gorm:"column:option_b" json:"option_b"`
	OptionC       string     `gorm:"column:option_c" json:"option_c"`
	OptionD       string     `gorm:"column:option_d" json:"option_d"`
	CorrectOption string     `gorm:"column:correct_option" json:"correct_option"`
	Explanation   string     `gorm:"column:explanation" json:"explanation"`
	Active        bool       `gorm:"column:active;index" json:"active"`
	CreatedAt     time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Question) TableName() string { return "skill_test_questions" }

// SnapshotQuestion is a question frozen into an attempt at start.
type SnapshotQuestion struct {
	ID          string            `json:"id"`
	Prompt      string            `json:"prompt"`
	Options     map[string]string `json:"options"`
	Correct     string            `json:"correct"`
	Explanation string            `json:"explanation"`
}

func snapshot(q *Question) SnapshotQuestion {
	return SnapshotQuestion{
		ID:     q.ID,
		Prompt: q.Prompt,
		Options: map[string]string{
			"A": q.OptionA,
			"B": q.OptionB,
			"C": q.OptionC,
			"D": q.OptionD,
		},
		Correct:     q.CorrectOption,
		Explanation: q.Explanation,
	}
}

type Attempt struct {
	ID               string                                `gorm:"column:id;primaryKey" json:"id"`
	ApplicantID      string                                `gorm:"column:applicant_id;index:idx_attempt_pair" json:"applicant_id"`
	AssignmentID     string                                `gorm:"column:assignment_id;index:idx_attempt_pair" json:"assignment_id,omitempty"`
	TemplateID       string                                `gorm:"column:template_id" json:"template_id"`
	Difficulty       Difficulty                            `gorm:"column:difficulty" json:"difficulty"`
	Questions        datatypes.JSONSlice[SnapshotQuestion] `gorm:"column:questions" json:"-"`
	Answers          datatypes.JSONType[map[string]string] `gorm:"column:answers" json:"-"`
	CorrectCount     int                                   `gorm:"column:correct_count" json:"correct_count"`
	Score            int                                   `gorm:"column:score" json:"score"`
	Passed           bool                                  `gorm:"column:passed" json:"passed"`
	PassingScore     int                                   `gorm:"column:passing_score" json:"passing_score"`
	TimeLimitSeconds int                                   `gorm:"column:time_limit_seconds" json:"time_limit_seconds"`
	TimeTakenSeconds int                                   `gorm:"column:time_taken_seconds" json:"time_taken_seconds"`
	TabSwitches      int                                   `gorm:"column:tab_switches" json:"tab_switches"`
	Status           Status                                `gorm:"column:status;index" json:"status"`
	StartedAt        time.Time                             `gorm:"column:started_at;index" json:"started_at"`
	CompletedAt      *time.Time                            `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Attempt) TableName() string { return "skill_test_attempts" }

func (a *Attempt) answers() map[string]string {
	m := a.Answers.Data()
	if m == nil {
		return map[string]string{}
	}
	return m
}

// Summary is an attempt without its questions.
type Summary struct {
	ID               string     `json:"id"`
	ApplicantID      string     `json:"applicant_id"`
	AssignmentID     string     `json:"assignment_id,omitempty"`
	TemplateID       string     `json:"template_id"`
	Difficulty       Difficulty `json:"difficulty"`
	Status           Status     `json:"status"`
	Score            int        `json:"score"`
	Passed           bool       `json:"passed"`
	PassingScore     int        `json:"passing_score"`
	TimeLimitSeconds int        `json:"time_limit_seconds"`
	TotalQuestions   int        `json:"total_questions"`
	CorrectCount     int        `json:"correct_count"`
	TimeTakenSeconds int        `json:"time_taken_seconds"`
	TabSwitches      int        `json:"tab_switches"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func (a *Attempt) Summary() *Summary {
	return &Summary{
		ID:               a.ID,
		ApplicantID:      a.ApplicantID,
		AssignmentID:     a.AssignmentID,
		TemplateID:       a.TemplateID,
		Difficulty:       a.Difficulty,
		Status:           a.Status,
		Score:            a.Score,
		Passed:           a.Passed,
		PassingScore:     a.PassingScore,
		TimeLimitSeconds: a.TimeLimitSeconds,
		TotalQuestions:   len(a.Questions),
		CorrectCount:     a.CorrectCount,
		TimeTakenSeconds: a.TimeTakenSeconds,
		TabSwitches:      a.TabSwitches,
		StartedAt:        a.StartedAt,
		CompletedAt:      a.CompletedAt,
	}
}

type QuestionView struct {
	ID      string            `json:"id"`
	Prompt  string            `json:"prompt"`
	Options map[string]string `json:"options"`
}

// Session is what the applicant sees while answering.
type Session struct {
	Summary
	Questions []QuestionView    `json:"questions"`
	Answers   map[string]string `json:"answers"`
	ExpiresAt time.Time         `json:"expires_at"`
}

type ReviewItem struct {
	QuestionID  string            `json:"question_id"`
	Prompt      string            `json:"prompt"`
	Options     map[string]string `json:"options"`
	Answer      string            `json:"answer,omitempty"`
	Correct     string            `json:"correct"`
	IsCorrect   bool              `json:"is_correct"`
	Explanation string            `json:"explanation"`
}

type Review struct {
	Summary
	Items []ReviewItem `json:"items"`
}

type Eligibility struct {
	Eligible       bool       `json:"eligible"`
	Reason         string     `json:"reason,omitempty"`
	LastAttempt    *Summary   `json:"last_attempt,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

type StartRequest struct {
	TemplateID   string     `json:"template_id" validate:"required_without=AssignmentID"`
	Difficulty   Difficulty `json:"difficulty" validate:"omitempty,oneof=entry mid senior"`
	AssignmentID string     `json:"assignment_id"`
}

type AnswersRequest struct {
	Answers map[string]string `json:"answers" validate:"required,dive,keys,min=1,endkeys,oneof=A B C D"`
}

type SubmitRequest struct {
	Answers          map[string]string `json:"answers" validate:"dive,keys,min=1,endkeys,oneof=A B C D"`
	TimeTakenSeconds int               `json:"time_taken_seconds" validate:"gte=0"`
	TabSwitches      int               `json:"tab_switches" validate:"gte=0"`
}

// TemplateSeed is one template with its question bank, as read by the seeder.
type TemplateSeed struct {
	Template  `yaml:",inline"`
	Questions []QuestionSeed `yaml:"questions"`
}

type QuestionSeed struct {
	ID          string            `yaml:"id"`
	Difficulty  Difficulty        `yaml:"difficulty"`
	Prompt      string            `yaml:"prompt"`
	Options     map[string]string `yaml:"options"`
	Correct     string            `yaml:"correct"`
	Explanation string            `yaml:"explanation"`
}
