package consensus

import "github.com/clipvote/api/internal/model"

// Thresholds decide when a task's consensus is final.
type Thresholds struct {
	TargetVotes       int
	MinGreenForSkipQA float64
	MinGreenForReview float64
}

// ThresholdsFor returns the task's thresholds, taking each zero field from defaults.
func ThresholdsFor(task *model.Task, defaults Thresholds) Thresholds {
	th := Thresholds{
		TargetVotes:       task.TargetVotes,
		MinGreenForSkipQA: task.MinGreenForSkipQA,
		MinGreenForReview: task.MinGreenForReview,
	}
	if th.TargetVotes <= 0 {
		th.TargetVotes = defaults.TargetVotes
	}
	if th.MinGreenForSkipQA <= 0 {
		th.MinGreenForSkipQA = defaults.MinGreenForSkipQA
	}
	if th.MinGreenForReview <= 0 {
		th.MinGreenForReview = defaults.MinGreenForReview
	}
	return th
}

// Decide applies the finalization policy. It returns TaskStatusPending while
// the task is still open for votes.
func Decide(r Result, voteCount int, th Thresholds) model.TaskStatus {
	switch {
	case voteCount > 0 && r.GreenCount >= th.MinGreenForSkipQA:
		return model.TaskStatusAutoApproved
	case voteCount >= th.TargetVotes && r.GreenCount >= th.MinGreenForReview:
		return model.TaskStatusNeedsReview
	case voteCount >= th.TargetVotes:
		return model.TaskStatusRejected
	default:
		return model.TaskStatusPending
	}
}

// Votes converts stored responses to their consensus view.
func Votes(responses []*model.Response) []model.Vote {
	out := make([]model.Vote, 0, len(responses))
	for _, r := range responses {
		out = append(out, model.Vote{ContributorID: r.ContributorID, Key: r.Key, Weight: r.Weight})
	}
	return out
}
