package timeline

import "time"

type Source string

const (
	SourceStatus  Source = "status"
	SourceDispute Source = "dispute"
	SourceReview  Source = "review"
)

// Entry is one row of the merged assignment timeline.
type Entry struct {
	At      time.Time `json:"at"`
	Source  Source    `json:"source"`
	Kind    string    `json:"kind"`
	ActorID string    `json:"actor_id,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	Notes   string    `json:"notes,omitempty"`
	RefID   string    `json:"ref_id"`
}

type Timeline struct {
	AssignmentID string   `json:"assignment_id"`
	Status       string   `json:"status"`
	Entries      []*Entry `json:"entries"`
}
