package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unifiedai/agentmesh/internal/collab"
)

// TaskRecord is one persisted task state snapshot.
type TaskRecord struct {
	TaskID           string    `json:"task_id"`
	RequesterAgentID string    `json:"requester_agent_id"`
	TargetAgentID    string    `json:"target_agent_id"`
	CapabilityID     string    `json:"capability_id"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	Priority         int       `json:"priority"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SaveTask upserts the task's latest state into the history table.
// Implements the collaboration manager's persister hook.
func (s *Store) SaveTask(ctx context.Context, t *collab.Task) error {
	paramsJSON, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("marshal task parameters: %w", err)
	}
	var resultJSON []byte
	if t.Result != nil {
		resultJSON, err = json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal task result: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO task_history (task_id, requester_agent_id, target_agent_id, capability_id,
			parameters, status, result, error_message, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (task_id)
		DO UPDATE SET status = $6, result = $7, error_message = $8, updated_at = now()`,
		t.TaskID, t.RequesterAgentID, t.TargetAgentID, t.CapabilityID,
		paramsJSON, string(t.Status), resultJSON, t.ErrorMessage, t.Priority, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.TaskID, err)
	}
	return nil
}

// GetTask loads one task's history record.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var rec TaskRecord
	err := s.db.QueryRow(ctx, `
		SELECT task_id, requester_agent_id, target_agent_id, capability_id,
			status, COALESCE(error_message, ''), priority, created_at, updated_at
		FROM task_history
		WHERE task_id = $1`, taskID,
	).Scan(&rec.TaskID, &rec.RequesterAgentID, &rec.TargetAgentID, &rec.CapabilityID,
		&rec.Status, &rec.ErrorMessage, &rec.Priority, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &rec, nil
}

// ListRecentTasks returns the newest task records, newest first.
func (s *Store) ListRecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT task_id, requester_agent_id, target_agent_id, capability_id,
			status, COALESCE(error_message, ''), priority, created_at, updated_at
		FROM task_history
		ORDER BY updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.TaskID, &rec.RequesterAgentID, &rec.TargetAgentID, &rec.CapabilityID,
			&rec.Status, &rec.ErrorMessage, &rec.Priority, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
