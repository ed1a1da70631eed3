package model

import (
	"encoding/json"
	"time"
)

// ClaimBundleRequest is the body of POST /api/tasks/bundle.
type ClaimBundleRequest struct {
	Count int `json:"count" validate:"gte=0,lte=100"`
}

// HeartbeatRequest is the body of POST /api/tasks/heartbeat.
type HeartbeatRequest struct {
	AssignmentID  string   `json:"assignment_id" validate:"required"`
	PlaybackRatio *float64 `json:"playback_ratio,omitempty" validate:"omitempty,gte=0,lte=1"`
	WatchedMs     *int64   `json:"watched_ms,omitempty" validate:"omitempty,gte=0"`
}

// ReleaseRequest is the body of POST /api/tasks/release.
type ReleaseRequest struct {
	AssignmentID string `json:"assignment_id" validate:"required"`
	Reason       string `json:"reason,omitempty" validate:"max=200"`
}

// SubmitRequest is the body of POST /api/tasks/submit. The idempotency key may
// also arrive in the Idempotency-Key header.
type SubmitRequest struct {
	AssignmentID   string          `json:"assignment_id" validate:"required"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=200"`
	DurationMs     int64           `json:"duration_ms" validate:"gte=0"`
	PlaybackRatio  float64         `json:"playback_ratio" validate:"gte=0,lte=1"`
	WatchedMs      *int64          `json:"watched_ms,omitempty" validate:"omitempty,gte=0"`
}

// ClipPayload is the clip as shown to a contributor.
type ClipPayload struct {
	ID       string   `json:"id"`
	AssetID  string   `json:"asset_id"`
	MediaURL string   `json:"media_url"`
	StartMs  int64    `json:"start_ms"`
	EndMs    int64    `json:"end_ms"`
	Speakers []string `json:"speakers"`
}

// TaskResponse is one leased task in a claim response.
type TaskResponse struct {
	TaskID         string          `json:"task_id"`
	AssignmentID   string          `json:"assignment_id"`
	TaskType       TaskType        `json:"task_type"`
	Clip           *ClipPayload    `json:"clip"`
	PriceCents     int             `json:"price_cents"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	BundleID       string          `json:"bundle_id,omitempty"`
	AISuggestion   json.RawMessage `json:"ai_suggestion,omitempty"`
}

// BundleResponse is returned by a bundle claim.
type BundleResponse struct {
	BundleID string          `json:"bundle_id"`
	Tasks    []*TaskResponse `json:"tasks"`
}

// HeartbeatResponse is returned by a heartbeat.
type HeartbeatResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// ReleaseResponse is returned by a release.
type ReleaseResponse struct {
	OK bool `json:"ok"`
}

// SubmitResponse is returned by a submission.
type SubmitResponse struct {
	OK             bool       `json:"ok"`
	GreenCount     float64    `json:"green_count"`
	AgreementScore float64    `json:"agreement_score"`
	FinalStatus    TaskStatus `json:"final_status,omitempty"`
}

// NewTaskResponse flattens a claim into its wire shape.
func NewTaskResponse(c *Claim) *TaskResponse {
	resp := &TaskResponse{
		TaskID:         c.Task.ID,
		AssignmentID:   c.Assignment.ID,
		TaskType:       c.Task.TaskType,
		PriceCents:     c.Task.PriceCents,
		LeaseExpiresAt: c.Assignment.LeaseExpiresAt,
		BundleID:       c.Assignment.BundleID,
		AISuggestion:   c.Task.AISuggestion,
	}
	if c.Clip != nil {
		resp.Clip = &ClipPayload{
			ID:       c.Clip.ID,
			AssetID:  c.Clip.AssetID,
			MediaURL: c.Clip.MediaURL,
			StartMs:  c.Clip.StartMs,
			EndMs:    c.Clip.EndMs,
			Speakers: c.Clip.Speakers,
		}
	}
	return resp
}
