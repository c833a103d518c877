package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/discovery"
	"github.com/unifiedai/agentmesh/internal/hsp"
)

// fakeSender records outbound requests and can auto-answer them.
type fakeSender struct {
	mu       sync.Mutex
	requests []*hsp.TaskRequestPayload
	sendErr  error
	onSend   func(p *hsp.TaskRequestPayload)
}

func (f *fakeSender) AIID() string { return "did:hsp:self" }

func (f *fakeSender) SendTaskRequest(ctx context.Context, p *hsp.TaskRequestPayload, target string) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, p)
	onSend := f.onSend
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if onSend != nil {
		onSend(p)
	}
	return p.RequestID, nil
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeFinder serves a static capability table.
type fakeFinder struct {
	records map[string][]discovery.CapabilityRecord
}

func (f *fakeFinder) FindCapabilities(filter discovery.FindFilter) []discovery.CapabilityRecord {
	if filter.CapabilityID != "" {
		return f.records[filter.CapabilityID]
	}
	if filter.Name != "" {
		return f.records[filter.Name]
	}
	return nil
}

// fakePersister records every snapshot handed to the history store.
type fakePersister struct {
	mu    sync.Mutex
	saved []*Task
}

func (f *fakePersister) SaveTask(ctx context.Context, t *Task) error {
	f.mu.Lock()
	f.saved = append(f.saved, t)
	f.mu.Unlock()
	return nil
}

func (f *fakePersister) snapshots() []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Task(nil), f.saved...)
}

func successResult(taskID string, payload map[string]any) *hsp.TaskResultPayload {
	return &hsp.TaskResultPayload{
		RequestID:     taskID,
		ExecutingAIID: "did:hsp:worker",
		Status:        hsp.TaskResultSuccess,
		Payload:       payload,
	}
}

func failureResult(taskID, msg string) *hsp.TaskResultPayload {
	return &hsp.TaskResultPayload{
		RequestID:    taskID,
		Status:       hsp.TaskResultFailure,
		ErrorDetails: &hsp.ErrorDetails{ErrorMessage: msg},
	}
}

func TestDelegateAndResult(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop())

	taskID, err := m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "sum_v1",
		map[string]any{"n": 3.0}, DelegateOptions{Priority: 2})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	task, ok := m.GetCollaborationStatus(taskID)
	if !ok || task.Status != StatusInProgress {
		t.Fatalf("task status = %v, want in_progress", task)
	}

	m.HandleTaskResult(successResult(taskID, map[string]any{"sum": 3.0}), "did:hsp:worker", nil)

	task, _ = m.GetCollaborationStatus(taskID)
	if task.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", task.Status)
	}
	if task.Result["sum"] != 3.0 {
		t.Errorf("result = %v", task.Result)
	}
	if got := m.GetTaskQueueStatus().QueueLength; got != 0 {
		t.Errorf("queue length after completion = %d, want 0", got)
	}
}

func TestHandleTaskResultIdempotent(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop())

	taskID, _ := m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "sum_v1",
		map[string]any{"n": 1.0}, DelegateOptions{})

	m.HandleTaskResult(successResult(taskID, map[string]any{"sum": 1.0}), "did:hsp:worker", nil)
	// Redelivery with a different verdict must not flip the outcome.
	m.HandleTaskResult(failureResult(taskID, "late duplicate"), "did:hsp:worker", nil)

	task, _ := m.GetCollaborationStatus(taskID)
	if task.Status != StatusCompleted {
		t.Fatalf("duplicate result changed status to %q", task.Status)
	}
	if task.ErrorMessage != "" {
		t.Errorf("duplicate result set error %q", task.ErrorMessage)
	}

	// Results for unknown tasks are dropped silently.
	m.HandleTaskResult(successResult("collab_task_999", nil), "did:hsp:worker", nil)
}

func TestResultCacheHitAndExpiry(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop(), WithCacheTTL(100*time.Millisecond))

	params := map[string]any{"text": "hello"}
	id1, _ := m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "translate_v1", params, DelegateOptions{})
	m.HandleTaskResult(successResult(id1, map[string]any{"out": "bonjour"}), "did:hsp:worker", nil)

	// Identical work is answered from cache without a network send.
	id2, err := m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "translate_v1",
		map[string]any{"text": "hello"}, DelegateOptions{})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	if sender.sent() != 1 {
		t.Fatalf("cache hit still sent a request, sends = %d", sender.sent())
	}
	task, _ := m.GetCollaborationStatus(id2)
	if task.Status != StatusCompleted || task.Result["out"] != "bonjour" {
		t.Fatalf("cached task = %+v", task)
	}

	// Different parameters miss.
	m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "translate_v1",
		map[string]any{"text": "goodbye"}, DelegateOptions{})
	if sender.sent() != 2 {
		t.Fatalf("different parameters should miss the cache, sends = %d", sender.sent())
	}

	// After the TTL the original entry expires.
	time.Sleep(150 * time.Millisecond)
	m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "translate_v1",
		map[string]any{"text": "hello"}, DelegateOptions{})
	if sender.sent() != 3 {
		t.Fatalf("expired entry should miss the cache, sends = %d", sender.sent())
	}
}

func TestCacheStatusAndClear(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop(), WithCacheTTL(50*time.Millisecond))

	id1, _ := m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "a_v1",
		map[string]any{"k": 1.0}, DelegateOptions{})
	m.HandleTaskResult(successResult(id1, map[string]any{"v": 1.0}), "did:hsp:worker", nil)

	st := m.GetCacheStatus()
	if st.TotalItems != 1 || st.ActiveItems != 1 {
		t.Fatalf("cache status = %+v", st)
	}

	time.Sleep(80 * time.Millisecond)
	st = m.GetCacheStatus()
	if st.ActiveItems != 0 {
		t.Fatalf("expired entry still active: %+v", st)
	}
	if n := m.ClearExpiredCache(); n != 1 {
		t.Fatalf("ClearExpiredCache = %d, want 1", n)
	}

	id2, _ := m.Delegate(context.Background(), "did:hsp:req", "did:hsp:worker", "a_v1",
		map[string]any{"k": 2.0}, DelegateOptions{})
	m.HandleTaskResult(successResult(id2, map[string]any{"v": 2.0}), "did:hsp:worker", nil)
	m.ClearCache()
	if st := m.GetCacheStatus(); st.TotalItems != 0 {
		t.Fatalf("cache not empty after clear: %+v", st)
	}
}

func TestQueuePriorityOrderWithStableTies(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop())

	low1, _ := m.Delegate(context.Background(), "r", "w", "a_v1", map[string]any{"i": 1.0}, DelegateOptions{Priority: 1})
	high, _ := m.Delegate(context.Background(), "r", "w", "b_v1", map[string]any{"i": 2.0}, DelegateOptions{Priority: 9})
	low2, _ := m.Delegate(context.Background(), "r", "w", "c_v1", map[string]any{"i": 3.0}, DelegateOptions{Priority: 1})

	st := m.GetTaskQueueStatus()
	if st.QueueLength != 3 {
		t.Fatalf("queue length = %d, want 3", st.QueueLength)
	}
	want := []string{high, low1, low2}
	for i, id := range want {
		if st.Order[i] != id {
			t.Fatalf("queue order = %v, want %v", st.Order, want)
		}
	}
	if st.PriorityCounts[1] != 2 || st.PriorityCounts[9] != 1 {
		t.Errorf("priority counts = %v", st.PriorityCounts)
	}

	// Requests went out in call order regardless of priority.
	if sender.requests[0].RequestID != low1 || sender.requests[1].RequestID != high {
		t.Errorf("dispatch order reordered by priority")
	}
}

func TestDelegateBatchRegistersBeforeSending(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop())

	var seenDuringFirstSend int
	sender.onSend = func(p *hsp.TaskRequestPayload) {
		if seenDuringFirstSend == 0 {
			seenDuringFirstSend = m.GetTaskQueueStatus().QueueLength
		}
	}

	ids := m.DelegateBatch(context.Background(), "did:hsp:req", []TaskDefinition{
		{TargetAgentID: "w1", CapabilityID: "a_v1", Parameters: map[string]any{"i": 1.0}},
		{TargetAgentID: "w2", CapabilityID: "b_v1", Parameters: map[string]any{"i": 2.0}, Priority: 5},
		{TargetAgentID: "w3", CapabilityID: "c_v1", Parameters: map[string]any{"i": 3.0}},
	})
	if len(ids) != 3 {
		t.Fatalf("got %d task ids, want 3", len(ids))
	}
	if seenDuringFirstSend != 3 {
		t.Fatalf("first send observed %d queued tasks, want the whole batch", seenDuringFirstSend)
	}
	for _, id := range ids {
		if task, ok := m.GetCollaborationStatus(id); !ok || task.Status != StatusInProgress {
			t.Fatalf("batch task %s status = %v", id, task)
		}
	}
}

func TestRegisterAgentCapability(t *testing.T) {
	// The registry knows a different owner; the direct index wins.
	finder := &fakeFinder{records: map[string][]discovery.CapabilityRecord{
		"index_v1": {{Advertisement: hsp.CapabilityAdvertisementPayload{
			CapabilityID: "index_v1", AIID: "did:hsp:advertised",
		}}},
	}}
	m := NewManager(&fakeSender{}, finder, zap.NewNop())

	m.RegisterAgentCapability("did:hsp:indexed", "index_v1")
	m.RegisterAgentCapability("did:hsp:indexed", "index_v1")
	if got := len(m.agentCaps["did:hsp:indexed"]); got != 1 {
		t.Fatalf("re-registration grew the index to %d entries", got)
	}

	agent, err := m.FindAgentForCapability("index_v1")
	if err != nil {
		t.Fatalf("FindAgentForCapability: %v", err)
	}
	if agent != "did:hsp:indexed" {
		t.Errorf("agent = %q, want the directly registered owner", agent)
	}

	if _, err := m.FindAgentForCapability("missing_v1"); !errors.Is(err, ErrCapabilityNotFound) {
		t.Fatalf("err = %v, want ErrCapabilityNotFound", err)
	}
}

func TestPersistedSnapshotsAreIsolated(t *testing.T) {
	sender := &fakeSender{}
	p := &fakePersister{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop(), WithTaskPersister(p))

	taskID, err := m.Delegate(context.Background(), "r", "w", "a_v1",
		map[string]any{"k": 1.0}, DelegateOptions{NoCache: true})
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	saved := p.snapshots()
	if len(saved) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(saved))
	}
	saved[0].Status = StatusFailed
	saved[0].Parameters["k"] = 99.0

	task, _ := m.GetCollaborationStatus(taskID)
	if task.Status != StatusInProgress || task.Parameters["k"] != 1.0 {
		t.Fatalf("mutating a snapshot leaked into the manager: %+v", task)
	}
}

func TestPersistDuringConcurrentResults(t *testing.T) {
	sender := &fakeSender{}
	p := &fakePersister{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop(), WithTaskPersister(p))
	sender.onSend = func(req *hsp.TaskRequestPayload) {
		go m.HandleTaskResult(successResult(req.RequestID, map[string]any{"ok": true}), "did:hsp:worker", nil)
	}

	var ids []string
	for i := 0; i < 50; i++ {
		id, err := m.Delegate(context.Background(), "r", "w", "a_v1",
			map[string]any{"i": float64(i)}, DelegateOptions{NoCache: true})
		if err != nil {
			t.Fatalf("Delegate: %v", err)
		}
		ids = append(ids, id)
	}

	deadline := time.Now().Add(3 * time.Second)
	for _, id := range ids {
		for {
			if task, ok := m.GetCollaborationStatus(id); ok && task.Status.Terminal() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("task %s never completed", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Every persisted snapshot is internally consistent: a completed
	// snapshot always carries its result.
	for _, snap := range p.snapshots() {
		if snap.Status == StatusCompleted && snap.Result["ok"] != true {
			t.Fatalf("torn snapshot persisted: %+v", snap)
		}
	}
}

func TestDelegateBatchPersistsFailedSends(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("broker down")}
	p := &fakePersister{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop(), WithTaskPersister(p))

	ids := m.DelegateBatch(context.Background(), "r", []TaskDefinition{
		{TargetAgentID: "w1", CapabilityID: "a_v1", Parameters: map[string]any{"i": 1.0}},
		{TargetAgentID: "w2", CapabilityID: "b_v1", Parameters: map[string]any{"i": 2.0}},
	})
	if len(ids) != 2 {
		t.Fatalf("got %d task ids, want 2", len(ids))
	}
	saved := p.snapshots()
	if len(saved) != 2 {
		t.Fatalf("got %d snapshots, want one per task", len(saved))
	}
	for _, snap := range saved {
		if snap.Status != StatusFailed {
			t.Errorf("snapshot %s status = %q, want failed", snap.TaskID, snap.Status)
		}
	}
}

func TestDelegateSendFailure(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("broker down")}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop())

	taskID, err := m.Delegate(context.Background(), "r", "w", "a_v1", map[string]any{"i": 1.0}, DelegateOptions{})
	if err == nil {
		t.Fatal("expected send error")
	}
	task, _ := m.GetCollaborationStatus(taskID)
	if task.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", task.Status)
	}
	if m.GetTaskQueueStatus().QueueLength != 0 {
		t.Error("failed task left in queue")
	}
}

func orchestrationFinder() *fakeFinder {
	rec := func(capID, aiID string) discovery.CapabilityRecord {
		return discovery.CapabilityRecord{
			Advertisement: hsp.CapabilityAdvertisementPayload{
				CapabilityID:       capID,
				AIID:               aiID,
				Name:               capID,
				AvailabilityStatus: hsp.AvailabilityOnline,
			},
		}
	}
	return &fakeFinder{records: map[string][]discovery.CapabilityRecord{
		"extract_v1":   {rec("extract_v1", "did:hsp:extractor")},
		"summarize_v1": {rec("summarize_v1", "did:hsp:summarizer")},
	}}
}

func TestOrchestrateSubstitutesPlaceholders(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, orchestrationFinder(), zap.NewNop(), WithStepTimeout(2*time.Second))

	// Answer each request with a result derived from the step.
	sender.onSend = func(p *hsp.TaskRequestPayload) {
		go m.HandleTaskResult(successResult(p.RequestID, map[string]any{
			"from": p.CapabilityIDFilter,
		}), "did:hsp:worker", nil)
	}

	res := m.Orchestrate(context.Background(), "did:hsp:req", []SequenceStep{
		{CapabilityID: "extract_v1", Parameters: map[string]any{"doc": "report.txt"}},
		{CapabilityID: "summarize_v1", Parameters: map[string]any{
			"input":   "<output_of_task_0>",
			"literal": "<output_of_task_7>",
		}},
	})
	if res.Status != "success" {
		t.Fatalf("orchestration failed: %s", res.Error)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results = %v", res.Results)
	}

	second := sender.requests[1]
	sub, ok := second.Parameters["input"].(map[string]any)
	if !ok || sub["from"] != "extract_v1" {
		t.Errorf("placeholder not substituted, input = %v", second.Parameters["input"])
	}
	if second.Parameters["literal"] != "<output_of_task_7>" {
		t.Errorf("unresolved placeholder rewritten: %v", second.Parameters["literal"])
	}
}

func TestOrchestrateAbortsOnFailure(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, orchestrationFinder(), zap.NewNop(), WithStepTimeout(2*time.Second))

	sender.onSend = func(p *hsp.TaskRequestPayload) {
		if p.CapabilityIDFilter == "extract_v1" {
			go m.HandleTaskResult(failureResult(p.RequestID, "parser exploded"), "did:hsp:worker", nil)
			return
		}
		go m.HandleTaskResult(successResult(p.RequestID, nil), "did:hsp:worker", nil)
	}

	res := m.Orchestrate(context.Background(), "did:hsp:req", []SequenceStep{
		{CapabilityID: "extract_v1", Parameters: map[string]any{}},
		{CapabilityID: "summarize_v1", Parameters: map[string]any{}},
	})
	if res.Status != "failed" {
		t.Fatal("expected orchestration failure")
	}
	if len(res.Results) != 0 {
		t.Errorf("failed orchestration leaked partial results: %v", res.Results)
	}
	// The second step never went out.
	if sender.sent() != 1 {
		t.Errorf("sends after abort = %d, want 1", sender.sent())
	}
}

func TestOrchestrateNoCapableAgent(t *testing.T) {
	m := NewManager(&fakeSender{}, &fakeFinder{}, zap.NewNop())
	res := m.Orchestrate(context.Background(), "did:hsp:req", []SequenceStep{
		{CapabilityID: "nonexistent_v1", Parameters: map[string]any{}},
	})
	if res.Status != "failed" {
		t.Fatal("expected failure for unknown capability")
	}
}

func TestWaitForTaskTimeout(t *testing.T) {
	sender := &fakeSender{}
	m := NewManager(sender, &fakeFinder{}, zap.NewNop())

	taskID, _ := m.Delegate(context.Background(), "r", "w", "slow_v1", map[string]any{}, DelegateOptions{})
	_, err := m.WaitForTask(context.Background(), taskID, 200*time.Millisecond)
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("err = %v, want ErrTaskTimeout", err)
	}
}

func TestParseOutputPlaceholder(t *testing.T) {
	if idx, ok := ParseOutputPlaceholder("<output_of_task_3>"); !ok || idx != 3 {
		t.Errorf("got (%d, %v)", idx, ok)
	}
	for _, s := range []string{"output_of_task_3", "<output_of_task_x>", "prefix <output_of_task_1>", ""} {
		if _, ok := ParseOutputPlaceholder(s); ok {
			t.Errorf("%q parsed as placeholder", s)
		}
	}
}
