package model

import (
	"encoding/json"
	"time"
)

// Vote is the consensus view of one response.
type Vote struct {
	ContributorID string
	Key           string
	Weight        float64
}

// Response is one contributor's recorded submission for a task.
type Response struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	AssignmentID  string          `json:"assignment_id"`
	ContributorID string          `json:"contributor_id"`
	Payload       json.RawMessage `json:"payload"`
	Key           string          `json:"key"`
	Weight        float64         `json:"weight"`
	DurationMs    int64           `json:"duration_ms"`
	PlaybackRatio float64         `json:"playback_ratio"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ConsensusRecord is the latest folded decision for a task.
type ConsensusRecord struct {
	TaskID         string     `json:"task_id"`
	Label          string     `json:"label"`
	GreenCount     float64    `json:"green_count"`
	AgreementScore float64    `json:"agreement_score"`
	VoteCount      int        `json:"vote_count"`
	FinalStatus    TaskStatus `json:"final_status"`
	DecidedAt      time.Time  `json:"decided_at"`
}
