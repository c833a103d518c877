package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/hsp"
)

type fakeConn struct {
	mu         sync.Mutex
	aiID       string
	subscribed []string
	callbacks  []hsp.TaskRequestCallback
	results    []*hsp.TaskResultPayload
	resultTo   []string
	adverts    []*hsp.CapabilityAdvertisementPayload
}

func (f *fakeConn) AIID() string { return f.aiID }

func (f *fakeConn) Subscribe(ctx context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, pattern)
	return nil
}

func (f *fakeConn) RegisterOnTaskRequestCallback(cb hsp.TaskRequestCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

func (f *fakeConn) SendTaskResult(ctx context.Context, payload *hsp.TaskResultPayload, callbackTopic, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, payload)
	f.resultTo = append(f.resultTo, callbackTopic)
	return nil
}

func (f *fakeConn) PublishCapabilityAdvertisement(ctx context.Context, adv *hsp.CapabilityAdvertisementPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adverts = append(f.adverts, adv)
	return nil
}

func (f *fakeConn) deliver(payload *hsp.TaskRequestPayload) {
	f.mu.Lock()
	cbs := append([]hsp.TaskRequestCallback(nil), f.callbacks...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(payload, payload.RequesterAIID, nil)
	}
}

func (f *fakeConn) lastResult(t *testing.T) (*hsp.TaskResultPayload, string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.results) > 0 {
			r, to := f.results[len(f.results)-1], f.resultTo[len(f.resultTo)-1]
			f.mu.Unlock()
			return r, to
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no result published")
	return nil, ""
}

func startWorker(t *testing.T, conn *fakeConn) *Worker {
	t.Helper()
	w := New(conn, 2, zap.NewNop())
	w.RegisterCapability(DataAnalysisCapability(conn.aiID), DataAnalysis)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWorkerAdvertisesAndSubscribes(t *testing.T) {
	conn := &fakeConn{aiID: "did:hsp:analyst"}
	startWorker(t, conn)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.subscribed) != 1 || conn.subscribed[0] != hsp.TopicTaskRequests("did:hsp:analyst") {
		t.Fatalf("subscribed = %v", conn.subscribed)
	}
	if len(conn.adverts) != 1 || conn.adverts[0].CapabilityID != "data_analysis_v1" {
		t.Fatalf("adverts = %v", conn.adverts)
	}
}

func TestWorkerExecutesAndReplies(t *testing.T) {
	conn := &fakeConn{aiID: "did:hsp:analyst"}
	startWorker(t, conn)

	conn.deliver(&hsp.TaskRequestPayload{
		RequestID:          "taskreq_1",
		RequesterAIID:      "did:hsp:req",
		CapabilityIDFilter: "data_analysis_v1",
		Parameters:         map[string]any{"data": []any{1.0, 2.0, 3.0}},
		CallbackAddress:    "hsp/results/did:hsp:req/taskreq_1",
	})

	result, to := conn.lastResult(t)
	if result.Status != hsp.TaskResultSuccess {
		t.Fatalf("status = %q, error = %v", result.Status, result.ErrorDetails)
	}
	if result.Payload["sum"] != 6.0 || result.Payload["mean"] != 2.0 {
		t.Errorf("payload = %v", result.Payload)
	}
	if to != "hsp/results/did:hsp:req/taskreq_1" {
		t.Errorf("result sent to %q", to)
	}
}

func TestWorkerReportsUnknownCapability(t *testing.T) {
	conn := &fakeConn{aiID: "did:hsp:analyst"}
	startWorker(t, conn)

	conn.deliver(&hsp.TaskRequestPayload{
		RequestID:          "taskreq_2",
		RequesterAIID:      "did:hsp:req",
		CapabilityIDFilter: "translate_v1",
	})

	result, to := conn.lastResult(t)
	if result.Status != hsp.TaskResultFailure {
		t.Fatalf("status = %q, want failure", result.Status)
	}
	if result.ErrorDetails == nil || result.ErrorDetails.ErrorCode != "CAPABILITY_NOT_SUPPORTED" {
		t.Errorf("error details = %v", result.ErrorDetails)
	}
	// Missing callback address falls back to the requester's result topic.
	if to != hsp.TopicTaskResults("did:hsp:req", "taskreq_2") {
		t.Errorf("result sent to %q", to)
	}
}

func TestWorkerReportsHandlerError(t *testing.T) {
	conn := &fakeConn{aiID: "did:hsp:analyst"}
	w := New(conn, 2, zap.NewNop())
	w.RegisterCapability(EchoCapability(conn.aiID), func(ctx context.Context, p map[string]any) (map[string]any, error) {
		return nil, errors.New("deliberate")
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	conn.deliver(&hsp.TaskRequestPayload{
		RequestID:          "taskreq_3",
		RequesterAIID:      "did:hsp:req",
		CapabilityIDFilter: "echo_v1",
	})

	result, _ := conn.lastResult(t)
	if result.Status != hsp.TaskResultFailure || result.ErrorDetails.ErrorMessage != "deliberate" {
		t.Fatalf("result = %+v", result)
	}
}

func TestDataAnalysisValidation(t *testing.T) {
	if _, err := DataAnalysis(context.Background(), map[string]any{"data": "oops"}); err == nil {
		t.Error("non-list data accepted")
	}
	if _, err := DataAnalysis(context.Background(), map[string]any{"data": []any{}}); err == nil {
		t.Error("empty data accepted")
	}
	out, err := DataAnalysis(context.Background(), map[string]any{"data": []any{4.0, 1.0, 7.0}})
	if err != nil {
		t.Fatalf("DataAnalysis: %v", err)
	}
	if out["min"] != 1.0 || out["max"] != 7.0 || out["count"] != 3.0 {
		t.Errorf("out = %v", out)
	}
}
