package model

import (
	"encoding/json"
	"time"
)

// Clip is an immutable time range over a source media asset.
type Clip struct {
	ID       string   `json:"id" yaml:"id"`
	AssetID  string   `json:"asset_id" yaml:"asset_id"`
	MediaURL string   `json:"media_url" yaml:"media_url"`
	StartMs  int64    `json:"start_ms" yaml:"start_ms"`
	EndMs    int64    `json:"end_ms" yaml:"end_ms"`
	Speakers []string `json:"speakers" yaml:"speakers"`
}

// Task is a unit of labeling work over a clip.
type Task struct {
	ID                string          `json:"id"`
	ClipID            string          `json:"clip_id"`
	TaskType          TaskType        `json:"task_type"`
	Status            TaskStatus      `json:"status"`
	Priority          int             `json:"priority"`
	PriceCents        int             `json:"price_cents"`
	TargetVotes       int             `json:"target_votes"`
	MinGreenForSkipQA float64         `json:"min_green_for_skip_qa"`
	MinGreenForReview float64         `json:"min_green_for_review"`
	MinTier           Tier            `json:"min_tier,omitempty"`
	IsGolden          bool            `json:"is_golden"`
	GoldenAnswer      json.RawMessage `json:"golden_answer,omitempty"`
	AISuggestion      json.RawMessage `json:"ai_suggestion,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ClaimQuery selects tasks a contributor may lease.
type ClaimQuery struct {
	ContributorID string
	TaskTypes     []TaskType // empty = any
	Tiers         []Tier
	GoldenOnly    bool
	Limit         int
}

// Backlog summarizes claimable work.
type Backlog struct {
	Count       int              `json:"count"`
	ByType      map[TaskType]int `json:"backlog_by_type"`
	EstWaitSecs int              `json:"est_wait_seconds"`
}
