package collab

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/discovery"
	"github.com/unifiedai/agentmesh/internal/hsp"
)

var (
	// ErrCapabilityNotFound means no live agent offers the requested
	// capability.
	ErrCapabilityNotFound = errors.New("collab: no agent found for capability")

	// ErrTaskTimeout means a delegated task produced no result in time.
	ErrTaskTimeout = errors.New("collab: task timed out")

	// ErrTaskFailed means the executing agent reported failure.
	ErrTaskFailed = errors.New("collab: task failed")
)

const (
	defaultStepTimeout = 30 * time.Second
	pollInterval       = 100 * time.Millisecond
)

var outputPlaceholderRe = regexp.MustCompile(`^<output_of_task_(\d+)>$`)

// ParseOutputPlaceholder reports whether s is exactly a task-output
// placeholder and, if so, which step index it references.
func ParseOutputPlaceholder(s string) (int, bool) {
	m := outputPlaceholderRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return idx, true
}

// TaskSender sends task requests over the mesh. Satisfied by
// *hsp.Connector.
type TaskSender interface {
	AIID() string
	SendTaskRequest(ctx context.Context, payload *hsp.TaskRequestPayload, targetAIID string) (string, error)
}

// CapabilityFinder answers capability queries. Satisfied by
// *discovery.Registry.
type CapabilityFinder interface {
	FindCapabilities(filter discovery.FindFilter) []discovery.CapabilityRecord
}

// TrustRecorder receives task outcome feedback per executing agent.
type TrustRecorder interface {
	RecordSuccess(aiID string)
	RecordFailure(aiID string)
}

// TaskPersister persists task state changes, e.g. to the history store.
// Persistence failures are logged, never fatal to the collaboration.
type TaskPersister interface {
	SaveTask(ctx context.Context, t *Task) error
}

// Manager tracks delegated tasks, routes results back by correlation id
// and serves repeat requests from its result cache. One mutex guards all
// manager state.
type Manager struct {
	logger *zap.Logger
	sender TaskSender
	finder CapabilityFinder

	trust     TrustRecorder
	persister TaskPersister

	stepTimeout time.Duration

	mu        sync.Mutex // guards tasks, queue, cache, counter and agentCaps together
	tasks     map[string]*Task
	queue     *taskQueue
	cache     *resultCache
	counter   uint64
	agentCaps map[string][]string // agent id -> known capability ids
}

// Option customizes a Manager.
type Option func(*Manager)

// WithCacheTTL overrides the result cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.cache = newResultCache(ttl) }
}

// WithTrustRecorder wires task outcomes into a trust store.
func WithTrustRecorder(t TrustRecorder) Option {
	return func(m *Manager) { m.trust = t }
}

// WithTaskPersister wires task state changes into a history store.
func WithTaskPersister(p TaskPersister) Option {
	return func(m *Manager) { m.persister = p }
}

// WithStepTimeout overrides the per-step orchestration timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(m *Manager) { m.stepTimeout = d }
}

// NewManager creates a collaboration manager over the given sender and
// capability finder.
func NewManager(sender TaskSender, finder CapabilityFinder, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:      logger.With(zap.String("component", "collab_manager")),
		sender:      sender,
		finder:      finder,
		stepTimeout: defaultStepTimeout,
		tasks:       make(map[string]*Task),
		queue:       newTaskQueue(),
		cache:       newResultCache(defaultCacheTTL),
		agentCaps:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DelegateOptions tune one delegation.
type DelegateOptions struct {
	Priority int  // 1-10, higher is more urgent; zero means 1
	NoCache  bool // skip the result cache for this task
}

// Delegate hands a task to the target agent and returns the tracking task
// id. A cache hit completes the task immediately without touching the
// network. A send failure marks the task failed and returns the error
// alongside the id.
func (m *Manager) Delegate(ctx context.Context, requesterID, targetID, capabilityID string, parameters map[string]any, opts DelegateOptions) (string, error) {
	if opts.Priority <= 0 {
		opts.Priority = 1
	}

	var key string
	if !opts.NoCache {
		key = cacheKey(capabilityID, parameters)
	}

	m.mu.Lock()
	if key != "" {
		if result, ok := m.cache.get(key); ok {
			taskID := m.nextTaskID()
			t := m.newTask(taskID, requesterID, targetID, capabilityID, parameters, opts.Priority, key)
			t.Status = StatusCompleted
			t.Result = result
			m.tasks[taskID] = t
			m.mu.Unlock()
			m.logger.Info("served task from cache",
				zap.String("task_id", taskID),
				zap.String("capability_id", capabilityID))
			m.persist(ctx, taskID)
			return taskID, nil
		}
	}
	taskID := m.nextTaskID()
	t := m.newTask(taskID, requesterID, targetID, capabilityID, parameters, opts.Priority, key)
	m.tasks[taskID] = t
	m.queue.add(t)
	m.mu.Unlock()

	err := m.sendRequest(ctx, t)
	m.persist(ctx, taskID)
	return taskID, err
}

func (m *Manager) nextTaskID() string {
	m.counter++
	return fmt.Sprintf("collab_task_%d", m.counter)
}

func (m *Manager) newTask(taskID, requesterID, targetID, capabilityID string, parameters map[string]any, priority int, cacheKey string) *Task {
	return &Task{
		TaskID:           taskID,
		RequesterAgentID: requesterID,
		TargetAgentID:    targetID,
		CapabilityID:     capabilityID,
		Parameters:       parameters,
		Status:           StatusPending,
		Priority:         priority,
		CreatedAt:        time.Now(),
		cacheKey:         cacheKey,
	}
}

// sendRequest publishes the task request and advances the task's status
// by the outcome.
func (m *Manager) sendRequest(ctx context.Context, t *Task) error {
	payload := &hsp.TaskRequestPayload{
		RequestID:          t.TaskID,
		RequesterAIID:      t.RequesterAgentID,
		TargetAIID:         t.TargetAgentID,
		CapabilityIDFilter: t.CapabilityID,
		Parameters:         t.Parameters,
		CallbackAddress:    hsp.TopicTaskResults(m.sender.AIID(), t.TaskID),
		Priority:           t.Priority,
	}

	_, err := m.sender.SendTaskRequest(ctx, payload, t.TargetAgentID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		// The result can land before we re-acquire the lock; never
		// regress a terminal status.
		if Transition(t.Status, StatusFailed) == nil {
			t.Status = StatusFailed
			t.ErrorMessage = fmt.Sprintf("failed to send task request: %v", err)
		}
		m.queue.remove(t.TaskID)
		m.logger.Error("task delegation failed",
			zap.String("task_id", t.TaskID),
			zap.String("target", t.TargetAgentID),
			zap.Error(err))
		return err
	}
	if Transition(t.Status, StatusInProgress) == nil {
		t.Status = StatusInProgress
	}
	m.logger.Info("task delegated",
		zap.String("task_id", t.TaskID),
		zap.String("requester", t.RequesterAgentID),
		zap.String("target", t.TargetAgentID),
		zap.Int("priority", t.Priority))
	return nil
}

// TaskDefinition describes one task in a batch delegation.
type TaskDefinition struct {
	TargetAgentID string         `json:"target_agent_id"`
	CapabilityID  string         `json:"capability_id"`
	Parameters    map[string]any `json:"parameters"`
	Priority      int            `json:"priority"`
}

// DelegateBatch registers every task before sending any, so a concurrent
// status query sees the whole batch or none of it. Sends then proceed in
// definition order; individual send failures mark their task failed
// without aborting the rest.
func (m *Manager) DelegateBatch(ctx context.Context, requesterID string, defs []TaskDefinition) []string {
	taskIDs := make([]string, 0, len(defs))
	created := make([]*Task, 0, len(defs))

	m.mu.Lock()
	for _, def := range defs {
		priority := def.Priority
		if priority <= 0 {
			priority = 1
		}
		taskID := m.nextTaskID()
		t := m.newTask(taskID, requesterID, def.TargetAgentID, def.CapabilityID, def.Parameters, priority, "")
		m.tasks[taskID] = t
		m.queue.add(t)
		taskIDs = append(taskIDs, taskID)
		created = append(created, t)
	}
	m.mu.Unlock()

	// Persist regardless of send outcome; a failed send is still a state
	// change the history store should see.
	for _, t := range created {
		m.sendRequest(ctx, t)
		m.persist(ctx, t.TaskID)
	}
	return taskIDs
}

// DelegateAsync delegates and returns a channel that yields the terminal
// task, or nil when the timeout passes first.
func (m *Manager) DelegateAsync(ctx context.Context, requesterID, targetID, capabilityID string, parameters map[string]any, opts DelegateOptions) (string, <-chan *Task, error) {
	taskID, err := m.Delegate(ctx, requesterID, targetID, capabilityID, parameters, opts)
	if err != nil {
		return taskID, nil, err
	}
	ch := make(chan *Task, 1)
	go func() {
		t, err := m.WaitForTask(ctx, taskID, m.stepTimeout)
		if err != nil && t == nil {
			ch <- nil
			return
		}
		ch <- t
	}()
	return taskID, ch, nil
}

// WaitForTask polls until the task reaches a terminal status or the
// timeout elapses. It returns the task snapshot in either case; the
// error distinguishes completion, failure and timeout.
func (m *Manager) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*Task, error) {
	if timeout <= 0 {
		timeout = m.stepTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		t, ok := m.GetCollaborationStatus(taskID)
		if ok && t.Status.Terminal() {
			if t.Status == StatusFailed {
				return t, fmt.Errorf("%w: %s", ErrTaskFailed, t.ErrorMessage)
			}
			return t, nil
		}
		if time.Now().After(deadline) {
			return t, ErrTaskTimeout
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// HandleTaskResult ingests a task result from the mesh. Results for
// unknown tasks are dropped; results for tasks already terminal are
// duplicates under at-least-once delivery and are ignored, which keeps
// the handler idempotent.
func (m *Manager) HandleTaskResult(payload *hsp.TaskResultPayload, senderAIID string, env *hsp.Envelope) {
	taskID := payload.RequestID

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("result for unknown task dropped",
			zap.String("task_id", taskID), zap.String("sender", senderAIID))
		return
	}
	next := StatusFailed
	if payload.Status == hsp.TaskResultSuccess {
		next = StatusCompleted
	}
	if err := Transition(t.Status, next); err != nil {
		status := t.Status
		m.mu.Unlock()
		m.logger.Debug("duplicate result ignored",
			zap.String("task_id", taskID), zap.String("status", string(status)))
		return
	}

	t.Status = next
	if next == StatusCompleted {
		t.Result = payload.Payload
		if t.cacheKey != "" {
			m.cache.put(t.cacheKey, t.Result)
		}
	} else {
		t.ErrorMessage = payload.ErrorMessage()
	}
	m.queue.remove(taskID)
	errMsg := t.ErrorMessage
	m.mu.Unlock()

	if next == StatusCompleted {
		m.logger.Info("task completed", zap.String("task_id", taskID))
		if m.trust != nil {
			m.trust.RecordSuccess(senderAIID)
		}
	} else {
		m.logger.Error("task failed",
			zap.String("task_id", taskID), zap.String("error", errMsg))
		if m.trust != nil {
			m.trust.RecordFailure(senderAIID)
		}
	}
	m.persist(context.Background(), taskID)
}

// RegisterAgentCapability records that an agent is known to offer a
// capability, without waiting for an advertisement to arrive over the
// mesh. Registering the same pair twice is a no-op.
func (m *Manager) RegisterAgentCapability(agentID, capabilityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.agentCaps[agentID] {
		if c == capabilityID {
			return
		}
	}
	m.agentCaps[agentID] = append(m.agentCaps[agentID], capabilityID)
}

// FindAgentForCapability returns an agent offering the capability,
// preferring directly registered owners over discovery, which returns
// the most trusted live advertiser.
func (m *Manager) FindAgentForCapability(capabilityID string) (string, error) {
	m.mu.Lock()
	for agentID, caps := range m.agentCaps {
		for _, c := range caps {
			if c == capabilityID {
				m.mu.Unlock()
				return agentID, nil
			}
		}
	}
	m.mu.Unlock()

	records := m.finder.FindCapabilities(discovery.FindFilter{CapabilityID: capabilityID})
	if len(records) == 0 {
		// Capability ids carry agent-specific suffixes, so fall back to
		// a name match before giving up.
		records = m.finder.FindCapabilities(discovery.FindFilter{Name: capabilityID})
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %q", ErrCapabilityNotFound, capabilityID)
	}
	return records[0].Advertisement.AIID, nil
}

// SequenceStep is one step in an orchestrated task sequence. String
// parameter values of the form "<output_of_task_N>" are replaced with
// step N's full result before dispatch; placeholders that reference a
// step with no result yet pass through literally.
type SequenceStep struct {
	CapabilityID string         `json:"capability_id"`
	Parameters   map[string]any `json:"parameters"`
	Priority     int            `json:"priority,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
}

// OrchestrationResult reports the outcome of a task sequence.
type OrchestrationResult struct {
	Status  string                 `json:"status"`
	Error   string                 `json:"error,omitempty"`
	Results map[int]map[string]any `json:"results,omitempty"`
}

// Orchestrate runs a sequence of tasks across agents, feeding earlier
// results into later parameters. The first step that fails, times out or
// has no capable agent aborts the whole sequence with no partial results.
func (m *Manager) Orchestrate(ctx context.Context, requesterID string, sequence []SequenceStep) *OrchestrationResult {
	results := make(map[int]map[string]any)

	for i, step := range sequence {
		params := make(map[string]any, len(step.Parameters))
		for k, v := range step.Parameters {
			params[k] = v
			if s, ok := v.(string); ok {
				if idx, ok := ParseOutputPlaceholder(s); ok {
					if prev, ok := results[idx]; ok {
						params[k] = prev
					}
				}
			}
		}

		targetID, err := m.FindAgentForCapability(step.CapabilityID)
		if err != nil {
			m.logger.Error("orchestration aborted",
				zap.Int("step", i), zap.Error(err))
			return &OrchestrationResult{
				Status: "failed",
				Error:  fmt.Sprintf("no agent found for capability %q", step.CapabilityID),
			}
		}

		taskID, err := m.Delegate(ctx, requesterID, targetID, step.CapabilityID, params, DelegateOptions{Priority: step.Priority})
		if err != nil {
			return &OrchestrationResult{
				Status: "failed",
				Error:  fmt.Sprintf("step %d failed: %v", i, err),
			}
		}

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = m.stepTimeout
		}
		t, err := m.WaitForTask(ctx, taskID, timeout)
		if err != nil {
			msg := "task timed out"
			if t != nil && t.ErrorMessage != "" {
				msg = t.ErrorMessage
			}
			m.logger.Error("orchestration step failed",
				zap.Int("step", i), zap.String("task_id", taskID), zap.String("error", msg))
			return &OrchestrationResult{
				Status: "failed",
				Error:  fmt.Sprintf("step %d failed: %s", i, msg),
			}
		}
		results[i] = t.Result
	}

	return &OrchestrationResult{Status: "success", Results: results}
}

// GetCollaborationStatus returns a snapshot of the task, if known.
func (m *Manager) GetCollaborationStatus(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// QueueStatus summarizes the pending queue.
type QueueStatus struct {
	QueueLength    int         `json:"queue_length"`
	PriorityCounts map[int]int `json:"priority_counts"`
	Order          []string    `json:"order"`
}

// GetTaskQueueStatus reports queue length, per-priority counts and the
// current introspection order.
func (m *Manager) GetTaskQueueStatus() QueueStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return QueueStatus{
		QueueLength:    m.queue.Len(),
		PriorityCounts: m.queue.priorityCounts(),
		Order:          m.queue.ordered(),
	}
}

// CacheStatus summarizes the result cache.
type CacheStatus struct {
	TotalItems  int     `json:"total_cache_items"`
	ActiveItems int     `json:"active_cache_items"`
	TTLSeconds  float64 `json:"cache_expiry_seconds"`
}

// GetCacheStatus reports total and unexpired cache entries.
func (m *Manager) GetCacheStatus() CacheStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, active := m.cache.status()
	return CacheStatus{
		TotalItems:  total,
		ActiveItems: active,
		TTLSeconds:  m.cache.ttl.Seconds(),
	}
}

// ClearExpiredCache evicts expired entries, returning how many were
// removed.
func (m *Manager) ClearExpiredCache() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.cache.clearExpired()
	if n > 0 {
		m.logger.Info("cleared expired cache entries", zap.Int("count", n))
	}
	return n
}

// ClearCache drops the whole result cache.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	m.cache.clear()
	m.mu.Unlock()
	m.logger.Info("cache cleared")
}

// persist hands the task's current state to the history store. The
// snapshot is cloned under the manager lock so a result arriving
// mid-save cannot mutate the copy being written.
func (m *Manager) persist(ctx context.Context, taskID string) {
	if m.persister == nil {
		return
	}
	snap, ok := m.GetCollaborationStatus(taskID)
	if !ok {
		return
	}
	if err := m.persister.SaveTask(ctx, snap); err != nil {
		m.logger.Warn("task persistence failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}
