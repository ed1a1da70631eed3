package model

// Task status
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusLeased       TaskStatus = "leased"
	TaskStatusNeedsReview  TaskStatus = "needs_review"
	TaskStatusAutoApproved TaskStatus = "auto_approved"
	TaskStatusRejected     TaskStatus = "rejected"
)

// Terminal reports whether no further votes are accepted for the status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusNeedsReview, TaskStatusAutoApproved, TaskStatusRejected:
		return true
	}
	return false
}

// Assignment (lease) states
type AssignmentState string

const (
	AssignmentLeased    AssignmentState = "leased"
	AssignmentSubmitted AssignmentState = "submitted"
	AssignmentExpired   AssignmentState = "expired"
	AssignmentReleased  AssignmentState = "released"
)

// Bundle states
type BundleState string

const (
	BundleActive  BundleState = "active"
	BundleExpired BundleState = "expired"
	BundleClosed  BundleState = "closed"
)

// Task types
type TaskType string

const (
	TaskTypeTranslationCheck  TaskType = "translation_check"
	TaskTypeAccentTag         TaskType = "accent_tag"
	TaskTypeEmotionTag        TaskType = "emotion_tag"
	TaskTypeGestureTag        TaskType = "gesture_tag"
	TaskTypeSafetyFlag        TaskType = "safety_flag"
	TaskTypeSpeakerContinuity TaskType = "speaker_continuity"
)

var ValidTaskTypes = []TaskType{
	TaskTypeTranslationCheck, TaskTypeAccentTag, TaskTypeEmotionTag,
	TaskTypeGestureTag, TaskTypeSafetyFlag, TaskTypeSpeakerContinuity,
}

// Contributor trust tiers
type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Rank orders tiers; unknown and empty tiers rank as bronze.
func (t Tier) Rank() int {
	switch t {
	case TierGold:
		return 3
	case TierSilver:
		return 2
	default:
		return 1
	}
}

// TiersUpTo returns every tier a contributor of tier t may work on,
// including the empty tier used by tasks with no requirement.
func TiersUpTo(t Tier) []Tier {
	out := []Tier{""}
	for _, candidate := range []Tier{TierBronze, TierSilver, TierGold} {
		if candidate.Rank() <= t.Rank() {
			out = append(out, candidate)
		}
	}
	return out
}
