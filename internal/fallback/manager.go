package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoHealthyProtocol is returned by Send when every registered protocol
// failed its last health check.
var ErrNoHealthyProtocol = errors.New("fallback: no healthy protocol available")

const defaultHealthInterval = 30 * time.Second

// Manager holds a prioritized set of fallback protocols and exposes a
// single send interface over whichever one is currently healthy. Senders
// resolve the active handle at send time; the health loop may hot-swap it
// between calls.
type Manager struct {
	logger         *zap.Logger
	healthInterval time.Duration

	mu        sync.Mutex
	protocols []protocolEntry
	active    Protocol

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type protocolEntry struct {
	priority int
	protocol Protocol
}

// SendOption customizes a single outbound command.
type SendOption func(*Message)

// WithPriority sets the message priority.
func WithPriority(p Priority) SendOption {
	return func(m *Message) { m.Priority = p }
}

// WithCorrelationID links the command to a request id.
func WithCorrelationID(id string) SendOption {
	return func(m *Message) { m.CorrelationID = id }
}

// WithTTL drops the message at dequeue time once the duration elapses.
func WithTTL(ttl time.Duration) SendOption {
	return func(m *Message) { m.TTL = ttl }
}

// NewManager creates an empty fallback manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:         logger.With(zap.String("component", "fallback_manager")),
		healthInterval: defaultHealthInterval,
	}
}

// SetHealthInterval overrides the health-check cadence. Useful in tests.
func (m *Manager) SetHealthInterval(d time.Duration) {
	m.healthInterval = d
}

// AddProtocol registers a protocol at the given priority (higher wins).
// Duplicate names are rejected.
func (m *Manager) AddProtocol(p Protocol, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.protocols {
		if e.protocol.Name() == p.Name() {
			return fmt.Errorf("protocol %q already registered", p.Name())
		}
	}
	m.protocols = append(m.protocols, protocolEntry{priority: priority, protocol: p})
	sort.SliceStable(m.protocols, func(i, j int) bool {
		return m.protocols[i].priority > m.protocols[j].priority
	})
	m.logger.Info("protocol added",
		zap.String("protocol", p.Name()), zap.Int("priority", priority))
	return nil
}

// Initialize initializes and starts every protocol, then selects the
// active one. At least one protocol must come up.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	entries := append([]protocolEntry(nil), m.protocols...)
	m.mu.Unlock()

	ok := 0
	for _, e := range entries {
		if err := e.protocol.Initialize(ctx); err != nil {
			m.logger.Warn("protocol failed to initialize",
				zap.String("protocol", e.protocol.Name()), zap.Error(err))
			continue
		}
		if err := e.protocol.StartListening(ctx); err != nil {
			m.logger.Warn("protocol failed to start listening",
				zap.String("protocol", e.protocol.Name()), zap.Error(err))
			continue
		}
		ok++
	}
	if ok == 0 {
		return errors.New("fallback: no protocol initialized successfully")
	}
	m.selectActive(ctx)
	return nil
}

// Start launches the periodic health loop.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.selectActive(runCtx)
			}
		}
	}()
	m.logger.Info("fallback manager started",
		zap.Duration("health_interval", m.healthInterval))
}

// Stop halts the health loop and every protocol.
func (m *Manager) Stop(ctx context.Context) {
	m.runMu.Lock()
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.runMu.Unlock()

	m.mu.Lock()
	entries := append([]protocolEntry(nil), m.protocols...)
	m.active = nil
	m.mu.Unlock()

	for _, e := range entries {
		if err := e.protocol.StopListening(ctx); err != nil {
			m.logger.Warn("protocol stop failed",
				zap.String("protocol", e.protocol.Name()), zap.Error(err))
		}
	}
	m.logger.Info("fallback manager stopped")
}

// selectActive picks the highest-priority protocol that passes its health
// check, swapping the active handle when it changed.
func (m *Manager) selectActive(ctx context.Context) {
	m.mu.Lock()
	entries := append([]protocolEntry(nil), m.protocols...)
	current := m.active
	m.mu.Unlock()

	for _, e := range entries {
		if !e.protocol.HealthCheck(ctx) {
			continue
		}
		if current != e.protocol {
			oldName := "none"
			if current != nil {
				oldName = current.Name()
			}
			m.logger.Info("active protocol switched",
				zap.String("from", oldName),
				zap.String("to", e.protocol.Name()))
		}
		m.mu.Lock()
		m.active = e.protocol
		m.mu.Unlock()
		return
	}

	if current != nil {
		m.logger.Warn("all fallback protocols unhealthy")
	}
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
}

// Active returns the currently selected protocol, or nil.
func (m *Manager) Active() Protocol {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RegisterCommandHandler registers a handler on every protocol, present
// and future sends included.
func (m *Manager) RegisterCommandHandler(commandName string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.protocols {
		e.protocol.RegisterCommandHandler(commandName, h)
	}
}

// SendCommand builds a message and sends it through the active protocol.
// A send failure marks the handle failed for the next health cycle and is
// returned to the caller; there is no internal retry beyond the handle.
func (m *Manager) SendCommand(ctx context.Context, senderID, recipientID, commandName string, params map[string]any, opts ...SendOption) error {
	msg := &Message{
		ID:          uuid.New().String(),
		SenderID:    senderID,
		RecipientID: recipientID,
		CommandName: commandName,
		Parameters:  params,
		Timestamp:   time.Now(),
		Priority:    PriorityNormal,
		MaxRetries:  3,
	}
	for _, opt := range opts {
		opt(msg)
	}

	active := m.Active()
	if active == nil {
		return ErrNoHealthyProtocol
	}
	if err := active.Send(ctx, msg); err != nil {
		if base, ok := active.(interface{ setStatus(ProtocolStatus) }); ok {
			base.setStatus(StatusFailed)
		}
		return fmt.Errorf("send via %s: %w", active.Name(), err)
	}
	return nil
}

// ProtocolStatusInfo describes one handle in the status snapshot.
type ProtocolStatusInfo struct {
	Name     string         `json:"name"`
	Priority int            `json:"priority"`
	Status   ProtocolStatus `json:"status"`
	Stats    Stats          `json:"stats"`
}

// StatusSnapshot reports the active protocol and per-handle state.
type StatusSnapshot struct {
	ActiveProtocol string               `json:"active_protocol"`
	Protocols      []ProtocolStatusInfo `json:"protocols"`
}

// GetStatus returns a point-in-time view of the manager.
func (m *Manager) GetStatus() StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := StatusSnapshot{ActiveProtocol: "none"}
	if m.active != nil {
		snap.ActiveProtocol = m.active.Name()
	}
	for _, e := range m.protocols {
		snap.Protocols = append(snap.Protocols, ProtocolStatusInfo{
			Name:     e.protocol.Name(),
			Priority: e.priority,
			Status:   e.protocol.Status(),
			Stats:    e.protocol.Stats(),
		})
	}
	return snap
}
