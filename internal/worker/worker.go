// Package worker is the runtime for a specialist agent process: it
// advertises the agent's capabilities on an interval, consumes task
// requests addressed to the agent and publishes results back to each
// request's callback address.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/hsp"
)

const (
	defaultPoolSize      = 10
	defaultAdvertiseRate = time.Minute
)

// Handler executes one capability invocation.
type Handler func(ctx context.Context, parameters map[string]any) (map[string]any, error)

// MeshConn is the slice of the connector the worker needs. Satisfied by
// *hsp.Connector.
type MeshConn interface {
	AIID() string
	Subscribe(ctx context.Context, pattern string) error
	RegisterOnTaskRequestCallback(cb hsp.TaskRequestCallback)
	SendTaskResult(ctx context.Context, payload *hsp.TaskResultPayload, callbackTopic, correlationID string) error
	PublishCapabilityAdvertisement(ctx context.Context, adv *hsp.CapabilityAdvertisementPayload) error
}

type capability struct {
	adv     hsp.CapabilityAdvertisementPayload
	handler Handler
}

// Worker consumes task requests over the mesh and runs them through a
// bounded goroutine pool.
type Worker struct {
	conn   MeshConn
	logger *zap.Logger

	advertiseRate time.Duration
	pool          chan struct{} // semaphore-based pool

	mu           sync.Mutex
	capabilities map[string]capability

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker over the given connection with a bounded
// execution pool.
func New(conn MeshConn, poolSize int, logger *zap.Logger) *Worker {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return &Worker{
		conn:          conn,
		logger:        logger.With(zap.String("component", "agent_worker"), zap.String("ai_id", conn.AIID())),
		advertiseRate: defaultAdvertiseRate,
		pool:          make(chan struct{}, poolSize),
		capabilities:  make(map[string]capability),
	}
}

// SetAdvertiseInterval overrides the re-advertisement cadence. The
// interval must stay well under the registry's staleness window or the
// capability flaps.
func (w *Worker) SetAdvertiseInterval(d time.Duration) {
	w.advertiseRate = d
}

// RegisterCapability binds a handler to an advertised capability. The
// advertisement's agent id is filled from the connection.
func (w *Worker) RegisterCapability(adv hsp.CapabilityAdvertisementPayload, h Handler) {
	if adv.AIID == "" {
		adv.AIID = w.conn.AIID()
	}
	if adv.AvailabilityStatus == "" {
		adv.AvailabilityStatus = hsp.AvailabilityOnline
	}
	w.mu.Lock()
	w.capabilities[adv.CapabilityID] = capability{adv: adv, handler: h}
	w.mu.Unlock()
	w.logger.Info("capability registered",
		zap.String("capability_id", adv.CapabilityID))
}

// Start subscribes to the agent's request topic, advertises immediately
// and launches the periodic re-advertisement loop.
func (w *Worker) Start(ctx context.Context) error {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel != nil {
		return nil
	}

	w.conn.RegisterOnTaskRequestCallback(w.handleRequest)
	if err := w.conn.Subscribe(ctx, hsp.TopicTaskRequests(w.conn.AIID())); err != nil {
		return fmt.Errorf("subscribe to request topic: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	w.advertiseAll(ctx)
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.advertiseRate)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.advertiseAll(runCtx)
			}
		}
	}()

	w.logger.Info("worker started")
	return nil
}

// Stop halts the advertisement loop. In-flight tasks finish on their own.
func (w *Worker) Stop() {
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	w.logger.Info("worker stopped")
}

func (w *Worker) advertiseAll(ctx context.Context) {
	w.mu.Lock()
	advs := make([]hsp.CapabilityAdvertisementPayload, 0, len(w.capabilities))
	for _, c := range w.capabilities {
		advs = append(advs, c.adv)
	}
	w.mu.Unlock()

	for _, adv := range advs {
		adv := adv
		if err := w.conn.PublishCapabilityAdvertisement(ctx, &adv); err != nil {
			w.logger.Warn("advertisement failed",
				zap.String("capability_id", adv.CapabilityID), zap.Error(err))
		}
	}
}

// handleRequest dispatches one inbound task request through the pool.
func (w *Worker) handleRequest(payload *hsp.TaskRequestPayload, senderAIID string, env *hsp.Envelope) {
	go func() {
		w.pool <- struct{}{}        // acquire slot
		defer func() { <-w.pool }() // release slot
		w.execute(payload, env)
	}()
}

func (w *Worker) execute(payload *hsp.TaskRequestPayload, env *hsp.Envelope) {
	ctx := context.Background()
	start := time.Now()

	w.mu.Lock()
	c, ok := w.capabilities[payload.CapabilityIDFilter]
	w.mu.Unlock()

	result := &hsp.TaskResultPayload{
		RequestID:     payload.RequestID,
		ExecutingAIID: w.conn.AIID(),
	}

	if !ok {
		result.Status = hsp.TaskResultFailure
		result.ErrorDetails = &hsp.ErrorDetails{
			ErrorCode:    "CAPABILITY_NOT_SUPPORTED",
			ErrorMessage: fmt.Sprintf("capability %q not offered by this agent", payload.CapabilityIDFilter),
		}
	} else {
		out, err := c.handler(ctx, payload.Parameters)
		if err != nil {
			result.Status = hsp.TaskResultFailure
			result.ErrorDetails = &hsp.ErrorDetails{
				ErrorCode:    "EXECUTION_FAILED",
				ErrorMessage: err.Error(),
			}
		} else {
			result.Status = hsp.TaskResultSuccess
			result.Payload = out
		}
	}

	correlationID := payload.RequestID
	if env != nil && env.CorrelationID != "" {
		correlationID = env.CorrelationID
	}
	callback := payload.CallbackAddress
	if callback == "" {
		callback = hsp.TopicTaskResults(payload.RequesterAIID, payload.RequestID)
	}

	if err := w.conn.SendTaskResult(ctx, result, callback, correlationID); err != nil {
		w.logger.Error("result publish failed",
			zap.String("request_id", payload.RequestID), zap.Error(err))
		return
	}
	w.logger.Info("task executed",
		zap.String("request_id", payload.RequestID),
		zap.String("capability_id", payload.CapabilityIDFilter),
		zap.String("status", string(result.Status)),
		zap.Duration("duration", time.Since(start)))
}
