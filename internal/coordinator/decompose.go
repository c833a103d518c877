package coordinator

import (
	"encoding/json"
	"regexp"
)

// Subtask is one step in a decomposed project plan, as produced by the
// planning model.
type Subtask struct {
	CapabilityNeeded string         `json:"capability_needed"`
	TaskParameters   map[string]any `json:"task_parameters"`
	TaskDescription  string         `json:"task_description"`
}

// Models wrap JSON in prose or fences often enough that a strict parse
// is not enough; grab the outermost array or object as a second try.
var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}|\[.*\]`)

// ParseDecomposition extracts a subtask list from raw model output. It
// accepts a bare JSON array, an object with a "subtasks" array, or
// either of those embedded in surrounding text. Anything else yields an
// empty plan, which the coordinator treats as "could not decompose".
func ParseDecomposition(raw string) []Subtask {
	if tasks := tryParse([]byte(raw)); tasks != nil {
		return tasks
	}
	if block := jsonBlockRe.FindString(raw); block != "" {
		if tasks := tryParse([]byte(block)); tasks != nil {
			return tasks
		}
	}
	return nil
}

func tryParse(data []byte) []Subtask {
	var tasks []Subtask
	if err := json.Unmarshal(data, &tasks); err == nil && len(tasks) > 0 {
		return tasks
	}
	var wrapper struct {
		Subtasks []Subtask `json:"subtasks"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Subtasks) > 0 {
		return wrapper.Subtasks
	}
	return nil
}
