package fallback

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProtocolStatus tracks a handle's place in its lifecycle:
// disabled → active → degraded/failed → active → disabled.
type ProtocolStatus string

const (
	StatusActive   ProtocolStatus = "active"
	StatusDegraded ProtocolStatus = "degraded"
	StatusFailed   ProtocolStatus = "failed"
	StatusDisabled ProtocolStatus = "disabled"
)

// Handler processes an inbound command's parameters.
type Handler func(ctx context.Context, msg *Message)

// Protocol is one pluggable fallback transport.
type Protocol interface {
	Name() string
	Initialize(ctx context.Context) error
	Send(ctx context.Context, msg *Message) error
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
	Status() ProtocolStatus
	Stats() Stats
	RegisterCommandHandler(commandName string, h Handler)
}

// Stats is a snapshot of a protocol's running counters.
type Stats struct {
	CommandsSent     int64     `json:"commands_sent"`
	CommandsReceived int64     `json:"commands_received"`
	Errors           int64     `json:"errors"`
	LastActivity     time.Time `json:"last_activity"`
}

// protocolBase carries the handler registry, status and stats shared by
// every protocol implementation.
type protocolBase struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	status   ProtocolStatus
	stats    Stats
	handlers map[string][]Handler
}

func newProtocolBase(name string, logger *zap.Logger) protocolBase {
	return protocolBase{
		name:     name,
		logger:   logger.With(zap.String("protocol", name)),
		status:   StatusDisabled,
		handlers: make(map[string][]Handler),
	}
}

func (b *protocolBase) Name() string { return b.name }

func (b *protocolBase) Status() ProtocolStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *protocolBase) setStatus(s ProtocolStatus) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

func (b *protocolBase) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *protocolBase) RegisterCommandHandler(commandName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[commandName] = append(b.handlers[commandName], h)
}

func (b *protocolBase) recordSent() {
	b.mu.Lock()
	b.stats.CommandsSent++
	b.stats.LastActivity = time.Now()
	b.mu.Unlock()
}

func (b *protocolBase) recordError() {
	b.mu.Lock()
	b.stats.Errors++
	b.mu.Unlock()
}

// handleCommand dispatches an inbound message to every handler registered
// for its command name. Expired messages are dropped with a log line, never
// escalated.
func (b *protocolBase) handleCommand(ctx context.Context, msg *Message) {
	if msg.Expired() {
		b.logger.Warn("dropping expired command",
			zap.String("id", msg.ID),
			zap.String("command", msg.CommandName))
		return
	}

	b.mu.Lock()
	b.stats.CommandsReceived++
	b.stats.LastActivity = time.Now()
	handlers := make([]Handler, len(b.handlers[msg.CommandName]))
	copy(handlers, b.handlers[msg.CommandName])
	b.mu.Unlock()

	for _, h := range handlers {
		h(ctx, msg)
	}
}
