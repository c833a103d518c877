package fallback

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// InProcProtocol delivers commands over a buffered channel. It only reaches
// consumers inside the same process; cross-process delivery needs the file
// or HTTP protocol.
type InProcProtocol struct {
	protocolBase

	queue chan *Message

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInProcProtocol creates an in-process queue protocol with the given
// buffer size.
func NewInProcProtocol(queueSize int, logger *zap.Logger) *InProcProtocol {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &InProcProtocol{
		protocolBase: newProtocolBase("inproc", logger),
		queue:        make(chan *Message, queueSize),
	}
}

// Initialize marks the protocol active. It cannot fail.
func (p *InProcProtocol) Initialize(ctx context.Context) error {
	p.setStatus(StatusActive)
	p.logger.Info("in-process protocol initialized",
		zap.Int("queue_size", cap(p.queue)))
	return nil
}

// Send enqueues a message, failing fast when the queue is full rather than
// blocking the sender.
func (p *InProcProtocol) Send(ctx context.Context, msg *Message) error {
	select {
	case p.queue <- msg:
		p.recordSent()
		return nil
	default:
		p.recordError()
		return fmt.Errorf("inproc queue full (%d)", cap(p.queue))
	}
}

// StartListening launches the consumer loop.
func (p *InProcProtocol) StartListening(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		for {
			select {
			case <-runCtx.Done():
				return
			case msg := <-p.queue:
				p.handleCommand(runCtx, msg)
			}
		}
	}()
	return nil
}

// StopListening stops the consumer loop and waits for it to drain.
func (p *InProcProtocol) StopListening(ctx context.Context) error {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.setStatus(StatusDisabled)
	return nil
}

// HealthCheck passes while the protocol is active.
func (p *InProcProtocol) HealthCheck(ctx context.Context) bool {
	return p.Status() == StatusActive
}
