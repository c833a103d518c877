// Package collab manages task delegation between agents: tracking
// delegated tasks, matching results back by correlation id, caching
// repeat work and orchestrating multi-step sequences.
package collab

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a delegated task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// A result can overtake the dispatch bookkeeping under at-least-once
// delivery, so pending may complete directly.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// Transition reports whether moving from one status to another is legal.
// Completed and failed are terminal, which is what makes duplicate result
// delivery a no-op.
func Transition(from, to Status) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s", from, to)
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one delegated unit of work tracked by the manager.
type Task struct {
	TaskID           string         `json:"task_id"`
	RequesterAgentID string         `json:"requester_agent_id"`
	TargetAgentID    string         `json:"target_agent_id"`
	CapabilityID     string         `json:"capability_id"`
	Parameters       map[string]any `json:"parameters"`
	Status           Status         `json:"status"`
	Result           map[string]any `json:"result,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	Priority         int            `json:"priority"`
	CreatedAt        time.Time      `json:"created_at"`
	RetryCount       int            `json:"retry_count"`

	cacheKey string
}

// Clone returns a copy safe to hand outside the manager's lock. The
// parameters and result maps are shallow-copied one level deep.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Parameters != nil {
		cp.Parameters = make(map[string]any, len(t.Parameters))
		for k, v := range t.Parameters {
			cp.Parameters[k] = v
		}
	}
	if t.Result != nil {
		cp.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			cp.Result[k] = v
		}
	}
	return &cp
}
