package model

import "time"

// Assignment is a time-boxed exclusive lease of one task by one contributor.
type Assignment struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	ContributorID   string          `json:"contributor_id"`
	BundleID        string          `json:"bundle_id,omitempty"`
	State           AssignmentState `json:"state"`
	LeasedAt        time.Time       `json:"leased_at"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	PlaybackRatio   *float64        `json:"playback_ratio,omitempty"`
	WatchedMs       *int64          `json:"watched_ms,omitempty"`
	ReleaseReason   string          `json:"release_reason,omitempty"`
}

// Live reports whether the lease is held and unexpired at now.
func (a *Assignment) Live(now time.Time) bool {
	return a.State == AssignmentLeased && !a.LeaseExpiresAt.Before(now)
}

// Bundle groups assignments leased together to one contributor.
type Bundle struct {
	ID            string      `json:"id"`
	ContributorID string      `json:"contributor_id"`
	State         BundleState `json:"state"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
}

// Claim is a leased task as handed to a contributor.
type Claim struct {
	Assignment *Assignment
	Task       *Task
	Clip       *Clip
}
