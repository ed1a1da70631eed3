package model

import "time"

// BaselineReputation is the weight of a contributor with no history.
const BaselineReputation = 1.0

// Contributor is an authenticated worker plus the stats the engine keeps for them.
type Contributor struct {
	ID            string     `json:"id"`
	Role          string     `json:"role,omitempty"`
	Tier          Tier       `json:"tier,omitempty"`
	Capabilities  []TaskType `json:"capabilities,omitempty"`
	Reputation    *float64   `json:"reputation,omitempty"`
	TasksTotal    int        `json:"tasksTotal"`
	TasksAgreed   int        `json:"tasksAgreed"`
	GoldenTotal   int        `json:"goldenTotal"`
	GoldenCorrect int        `json:"goldenCorrect"`
	LastActiveAt  *time.Time `json:"lastActiveAt,omitempty"`
}

// Weight returns the vote weight of the contributor.
func (c *Contributor) Weight() float64 {
	if c == nil || c.Reputation == nil {
		return BaselineReputation
	}
	return *c.Reputation
}

// CanWork reports whether the contributor's capability set covers the task type.
// An empty capability set covers every type.
func (c *Contributor) CanWork(taskType TaskType) bool {
	if len(c.Capabilities) == 0 {
		return true
	}
	for _, t := range c.Capabilities {
		if t == taskType {
			return true
		}
	}
	return false
}
