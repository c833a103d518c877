// Package coordinator turns a user's project request into a plan of
// capability invocations, runs the plan across the agent mesh and
// integrates the results into a single answer.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/collab"
	"github.com/unifiedai/agentmesh/internal/discovery"
)

const (
	defaultTurnTimeout = 30 * time.Second
	agentReadyTimeout  = 10 * time.Second

	decomposePrompt = `You are a project planner. Break the user's request into subtasks.
Available capabilities:
%s

Respond with ONLY a JSON array. Each element must have the keys
"capability_needed", "task_parameters" and "task_description". Reference an
earlier subtask's output inside a parameter value as <output_of_task_N>,
where N is the zero-based index of that subtask.

User request: %s`

	integratePrompt = `You are integrating the results of a multi-step project.
Original request: %s

Subtask results:
%s

Write a single coherent answer to the original request based on these results.`
)

// LLM generates text for planning and integration.
type LLM interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CapabilityProvider answers capability queries. Satisfied by
// *discovery.Registry.
type CapabilityProvider interface {
	GetAllCapabilities() []discovery.CapabilityRecord
	FindCapabilities(filter discovery.FindFilter) []discovery.CapabilityRecord
}

// AgentLauncher starts local specialist agents on demand. Satisfied by
// *supervisor.Supervisor.
type AgentLauncher interface {
	Launch(agentName string, args ...string) (int, error)
	WaitForReady(ctx context.Context, agentName string, timeout time.Duration) error
}

// TaskDispatcher delegates one task and waits for its outcome. Satisfied
// by *collab.Manager.
type TaskDispatcher interface {
	Delegate(ctx context.Context, requesterID, targetID, capabilityID string, parameters map[string]any, opts collab.DelegateOptions) (string, error)
	WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*collab.Task, error)
}

// Coordinator executes project-level requests end to end: decompose,
// dispatch along the dependency order, integrate.
type Coordinator struct {
	aiID       string
	llm        LLM
	caps       CapabilityProvider
	dispatcher TaskDispatcher
	launcher   AgentLauncher // optional
	logger     *zap.Logger

	turnTimeout time.Duration
}

// New creates a coordinator. launcher may be nil, in which case missing
// capabilities fail immediately instead of launching agents.
func New(aiID string, llm LLM, caps CapabilityProvider, dispatcher TaskDispatcher, launcher AgentLauncher, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		aiID:        aiID,
		llm:         llm,
		caps:        caps,
		dispatcher:  dispatcher,
		launcher:    launcher,
		logger:      logger.With(zap.String("component", "project_coordinator")),
		turnTimeout: defaultTurnTimeout,
	}
}

// SetTurnTimeout overrides the per-subtask wait. Useful in tests.
func (c *Coordinator) SetTurnTimeout(d time.Duration) { c.turnTimeout = d }

// HandleProject runs the full pipeline for one project request. The
// first subtask that fails aborts the whole project; no partial answer
// is produced.
func (c *Coordinator) HandleProject(ctx context.Context, query string) (string, error) {
	c.logger.Info("decomposing project query")
	subtasks, err := c.decompose(ctx, query)
	if err != nil {
		return "", err
	}
	if len(subtasks) == 0 {
		return "", fmt.Errorf("could not break the request down into a plan")
	}

	order, err := dependencyOrder(subtasks)
	if err != nil {
		return "", fmt.Errorf("invalid task plan: %w", err)
	}

	c.logger.Info("executing task plan", zap.Int("subtasks", len(subtasks)))
	results := make(map[int]any, len(subtasks))
	for _, idx := range order {
		st := subtasks[idx]
		params := substituteDependencies(st.TaskParameters, results)
		result, err := c.dispatchSubtask(ctx, idx, st.CapabilityNeeded, params)
		if err != nil {
			c.logger.Error("subtask failed, aborting project",
				zap.Int("subtask", idx),
				zap.String("capability", st.CapabilityNeeded),
				zap.Error(err))
			return "", fmt.Errorf("subtask %d (%s) failed: %w", idx, st.CapabilityNeeded, err)
		}
		results[idx] = result
	}

	c.logger.Info("integrating subtask results")
	return c.integrate(ctx, query, results)
}

func (c *Coordinator) decompose(ctx context.Context, query string) ([]Subtask, error) {
	capsJSON, err := json.MarshalIndent(c.caps.GetAllCapabilities(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	raw, err := c.llm.Generate(ctx, fmt.Sprintf(decomposePrompt, capsJSON, query))
	if err != nil {
		return nil, fmt.Errorf("decomposition failed: %w", err)
	}
	subtasks := ParseDecomposition(raw)
	if subtasks == nil {
		c.logger.Warn("planner output had no usable plan",
			zap.Int("raw_len", len(raw)))
	}
	return subtasks, nil
}

// dispatchSubtask finds an agent for the capability, launching one when
// possible, then delegates and waits for the result.
func (c *Coordinator) dispatchSubtask(ctx context.Context, idx int, capability string, params map[string]any) (any, error) {
	records := c.findCapability(capability)
	if len(records) == 0 && c.launcher != nil {
		agentName := agentNameFor(capability)
		c.logger.Info("capability missing, launching agent",
			zap.String("capability", capability),
			zap.String("agent", agentName))
		if _, err := c.launcher.Launch(agentName); err != nil {
			c.logger.Warn("agent launch failed",
				zap.String("agent", agentName), zap.Error(err))
		} else if err := c.launcher.WaitForReady(ctx, agentName, agentReadyTimeout); err != nil {
			c.logger.Warn("agent did not become ready",
				zap.String("agent", agentName), zap.Error(err))
		}
		records = c.findCapability(capability)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %q", collab.ErrCapabilityNotFound, capability)
	}

	adv := records[0].Advertisement
	taskID, err := c.dispatcher.Delegate(ctx, c.aiID, adv.AIID, adv.CapabilityID, params, collab.DelegateOptions{})
	if err != nil {
		return nil, err
	}
	t, err := c.dispatcher.WaitForTask(ctx, taskID, c.turnTimeout)
	if err != nil {
		return nil, err
	}
	c.logger.Info("subtask completed",
		zap.Int("subtask", idx),
		zap.String("task_id", taskID),
		zap.String("executor", adv.AIID))
	return t.Result, nil
}

// findCapability matches by capability id first and by name second, since
// plans usually name the generic capability while advertisements carry
// agent-specific ids.
func (c *Coordinator) findCapability(capability string) []discovery.CapabilityRecord {
	records := c.caps.FindCapabilities(discovery.FindFilter{CapabilityID: capability})
	if len(records) == 0 {
		records = c.caps.FindCapabilities(discovery.FindFilter{Name: capability})
	}
	return records
}

// agentNameFor derives the launchable agent name from a capability id:
// "data_analysis_v1" launches "data_analysis_agent".
func agentNameFor(capability string) string {
	base := capability
	if i := strings.Index(base, "_v"); i > 0 {
		base = base[:i]
	}
	return base + "_agent"
}

func (c *Coordinator) integrate(ctx context.Context, query string, results map[int]any) (string, error) {
	resultsJSON, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode results: %w", err)
	}
	answer, err := c.llm.Generate(ctx, fmt.Sprintf(integratePrompt, query, resultsJSON))
	if err != nil {
		return "", fmt.Errorf("integration failed: %w", err)
	}
	return answer, nil
}
