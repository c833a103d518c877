package coordinator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

var dependencyRe = regexp.MustCompile(`<output_of_task_(\d+)>`)

// dependencyOrder builds the dependency graph implied by the subtasks'
// placeholder references and returns an execution order. A reference to
// the current or a later step is a planning error, as is a cycle.
func dependencyOrder(subtasks []Subtask) ([]int, error) {
	n := len(subtasks)
	edges := make(map[int][]int, n) // dependency -> dependents
	indegree := make([]int, n)

	for i, st := range subtasks {
		for _, v := range st.TaskParameters {
			s, ok := v.(string)
			if !ok {
				continue
			}
			for _, m := range dependencyRe.FindAllStringSubmatch(s, -1) {
				dep, err := strconv.Atoi(m[1])
				if err != nil {
					continue
				}
				if dep >= i {
					return nil, fmt.Errorf("task %d has an invalid dependency on a future task %d", i, dep)
				}
				edges[dep] = append(edges[dep], i)
				indegree[i]++
			}
		}
	}

	// Kahn's algorithm, preferring lower indices so independent tasks
	// keep their plan order.
	var order []int
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, next := range edges[node] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != n {
		return nil, fmt.Errorf("circular dependency detected")
	}
	return order, nil
}

// substituteDependencies replaces every placeholder inside string
// parameter values with the JSON encoding of the referenced step's
// result. Steps with no recorded result substitute as an empty string.
func substituteDependencies(params map[string]any, results map[int]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
		s, ok := v.(string)
		if !ok {
			continue
		}
		out[k] = dependencyRe.ReplaceAllStringFunc(s, func(match string) string {
			m := dependencyRe.FindStringSubmatch(match)
			idx, err := strconv.Atoi(m[1])
			if err != nil {
				return match
			}
			res, ok := results[idx]
			if !ok {
				res = ""
			}
			encoded, err := json.Marshal(res)
			if err != nil {
				return fmt.Sprintf("%v", res)
			}
			return string(encoded)
		})
	}
	return out
}
