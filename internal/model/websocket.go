package model

// WebSocket message types
const (
	WSMessageTypeEvent = "event"
	WSMessageTypePing  = "ping"
	WSMessageTypePong  = "pong"
)

// Lease lifecycle events
const (
	EventBundleCreated   = "bundle_created"
	EventBundleClosed    = "bundle_closed"
	EventTaskClaimed     = "task_claimed"
	EventTaskReleased    = "task_released"
	EventLeaseExpired    = "lease_expired"
	EventTaskSubmitted   = "task_submitted"
	EventGoldenEvaluated = "golden_evaluated"
	EventTaskFinalized   = "task_finalized"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// Event is a lease lifecycle notification for one contributor.
type Event struct {
	ContributorID string                 `json:"-"`
	Name          string                 `json:"name"`
	Props         map[string]interface{} `json:"props,omitempty"`
}

// WSEventMessage carries an Event to a connected contributor.
type WSEventMessage struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}
