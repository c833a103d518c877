package hsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unifiedai/agentmesh/internal/fallback"
)

// ErrNotConnected is returned for outbound sends attempted while the
// broker session is down and no fallback route exists.
var ErrNotConnected = errors.New("hsp: not connected to broker")

const (
	connectAttempts = 3
	connectBackoff  = 500 * time.Millisecond
	readBlock       = 2 * time.Second
	forwardCommand  = "hsp_forward"
	forwardTopicKey = "topic"
	forwardDataKey  = "envelope"
)

// TaskRequestCallback receives inbound task requests.
type TaskRequestCallback func(payload *TaskRequestPayload, senderAIID string, env *Envelope)

// TaskResultCallback receives inbound task results.
type TaskResultCallback func(payload *TaskResultPayload, senderAIID string, env *Envelope)

// CapabilityCallback receives inbound capability advertisements.
type CapabilityCallback func(payload *CapabilityAdvertisementPayload, senderAIID string, env *Envelope)

// HeartbeatCallback receives inbound heartbeats.
type HeartbeatCallback func(payload *HeartbeatPayload, senderAIID string, env *Envelope)

// Connector is one agent's session with the HSP broker. Delivery is
// at-least-once: duplicate messages are possible and consumers key their
// handling on correlation ids.
type Connector struct {
	aiID   string
	rdb    *redis.Client
	logger *zap.Logger

	// fb, when set, carries outbound messages while the broker is down
	// and feeds inbound forwarded messages into the same dispatch path.
	fb *fallback.Manager

	mu          sync.Mutex
	connected   bool
	subCancels  []context.CancelFunc
	onRequest   []TaskRequestCallback
	onResult    []TaskResultCallback
	onCapAdvert []CapabilityCallback
	onHeartbeat []HeartbeatCallback
}

// NewConnector creates a connector for aiID against the given Redis URL.
// The client is constructed eagerly; the session starts at Connect.
func NewConnector(aiID, redisURL string, logger *zap.Logger) (*Connector, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Connector{
		aiID:   aiID,
		rdb:    redis.NewClient(opts),
		logger: logger.With(zap.String("component", "hsp_connector"), zap.String("ai_id", aiID)),
	}, nil
}

// NewConnectorWithClient builds a connector over an existing client.
// Used by tests with an embedded broker.
func NewConnectorWithClient(aiID string, rdb *redis.Client, logger *zap.Logger) *Connector {
	return &Connector{
		aiID:   aiID,
		rdb:    rdb,
		logger: logger.With(zap.String("component", "hsp_connector"), zap.String("ai_id", aiID)),
	}
}

// AIID returns the connector's agent identity.
func (c *Connector) AIID() string { return c.aiID }

// SetFallback attaches a fallback manager. Forwarded envelopes arriving
// over any fallback protocol are dispatched exactly like broker messages.
func (c *Connector) SetFallback(fb *fallback.Manager) {
	c.fb = fb
	fb.RegisterCommandHandler(forwardCommand, func(ctx context.Context, msg *fallback.Message) {
		raw, ok := msg.Parameters[forwardDataKey].(string)
		if !ok {
			c.logger.Warn("forwarded command missing envelope", zap.String("id", msg.ID))
			return
		}
		topic, _ := msg.Parameters[forwardTopicKey].(string)
		c.dispatchRaw(topic, []byte(raw))
	})
}

// Connect establishes the broker session. It is idempotent and retries a
// bounded number of times; callers inspect the error rather than relying
// on panics.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := c.rdb.Ping(ctx).Err(); err != nil {
			lastErr = err
			c.logger.Warn("broker ping failed",
				zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
			case <-time.After(connectBackoff):
			}
			continue
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		c.logger.Info("connected to broker")
		return nil
	}
	return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
}

// Disconnect tears down every subscription and the broker session.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	cancels := c.subCancels
	c.subCancels = nil
	c.connected = false
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.logger.Info("disconnected from broker")
	return c.rdb.Close()
}

// IsConnected reports the session state.
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe consumes the stream behind the given topic pattern and routes
// matching messages through the registered callbacks. A trailing "#"
// segment subscribes to every topic under the prefix.
func (c *Connector) Subscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.subCancels = append(c.subCancels, cancel)
	c.mu.Unlock()

	stream := StreamKey(pattern)
	go c.consume(subCtx, stream, pattern)
	c.logger.Debug("subscribed", zap.String("pattern", pattern), zap.String("stream", stream))
	return nil
}

func (c *Connector) consume(ctx context.Context, stream, pattern string) {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		results, err := c.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   10,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if err != redis.Nil {
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				c.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				c.mu.Lock()
				c.connected = true
				c.mu.Unlock()
			}
			continue
		}

		for _, r := range results {
			for _, entry := range r.Messages {
				lastID = entry.ID
				topic, _ := entry.Values["topic"].(string)
				data, ok := entry.Values["data"].(string)
				if !ok {
					continue
				}
				if !MatchTopic(pattern, topic) {
					continue
				}
				c.dispatchRaw(topic, []byte(data))
			}
		}
	}
}

// dispatchRaw decodes, validates and fans an inbound envelope out to the
// callbacks registered for its message type. Malformed messages are
// logged and dropped so one bad sender cannot break the subscription.
func (c *Connector) dispatchRaw(topic string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn("dropping undecodable message",
			zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := env.Validate(); err != nil {
		c.logger.Warn("dropping invalid message",
			zap.String("topic", topic), zap.Error(err))
		return
	}

	c.mu.Lock()
	onRequest := append([]TaskRequestCallback(nil), c.onRequest...)
	onResult := append([]TaskResultCallback(nil), c.onResult...)
	onCap := append([]CapabilityCallback(nil), c.onCapAdvert...)
	onHB := append([]HeartbeatCallback(nil), c.onHeartbeat...)
	c.mu.Unlock()

	switch env.MessageType {
	case MessageTypeTaskRequest:
		var p TaskRequestPayload
		json.Unmarshal(env.Payload, &p)
		for _, cb := range onRequest {
			cb(&p, env.SenderAIID, &env)
		}
	case MessageTypeTaskResult:
		var p TaskResultPayload
		json.Unmarshal(env.Payload, &p)
		for _, cb := range onResult {
			cb(&p, env.SenderAIID, &env)
		}
	case MessageTypeCapability:
		var p CapabilityAdvertisementPayload
		json.Unmarshal(env.Payload, &p)
		for _, cb := range onCap {
			cb(&p, env.SenderAIID, &env)
		}
	case MessageTypeHeartbeat:
		var p HeartbeatPayload
		json.Unmarshal(env.Payload, &p)
		for _, cb := range onHB {
			cb(&p, env.SenderAIID, &env)
		}
	}
}

// RegisterOnTaskRequestCallback adds a callback for inbound task requests.
// Every registered callback is invoked for every message.
func (c *Connector) RegisterOnTaskRequestCallback(cb TaskRequestCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRequest = append(c.onRequest, cb)
}

// RegisterOnTaskResultCallback adds a callback for inbound task results.
func (c *Connector) RegisterOnTaskResultCallback(cb TaskResultCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = append(c.onResult, cb)
}

// RegisterOnCapabilityAdvertisementCallback adds a callback for inbound
// capability advertisements.
func (c *Connector) RegisterOnCapabilityAdvertisementCallback(cb CapabilityCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCapAdvert = append(c.onCapAdvert, cb)
}

// RegisterOnHeartbeatCallback adds a callback for inbound heartbeats.
func (c *Connector) RegisterOnHeartbeatCallback(cb HeartbeatCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHeartbeat = append(c.onHeartbeat, cb)
}

// Publish writes an envelope to the stream behind the topic. Confirmation
// means "accepted by broker", not "received by peer".
func (c *Connector) Publish(ctx context.Context, topic string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if !c.IsConnected() {
		return c.sendViaFallback(ctx, topic, env, data)
	}

	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(topic),
		Values: map[string]any{"topic": topic, "data": string(data)},
	}).Err()
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.logger.Warn("broker publish failed, trying fallback",
			zap.String("topic", topic), zap.Error(err))
		return c.sendViaFallback(ctx, topic, env, data)
	}

	c.logger.Debug("published",
		zap.String("topic", topic),
		zap.String("type", string(env.MessageType)))
	return nil
}

func (c *Connector) sendViaFallback(ctx context.Context, topic string, env *Envelope, data []byte) error {
	if c.fb == nil {
		return ErrNotConnected
	}
	return c.fb.SendCommand(ctx, env.SenderAIID, env.RecipientAIID, forwardCommand,
		map[string]any{forwardTopicKey: topic, forwardDataKey: string(data)},
		fallback.WithCorrelationID(env.CorrelationID))
}

// SendTaskRequest publishes a task request to the target agent's request
// topic and returns the correlation id the result will echo.
func (c *Connector) SendTaskRequest(ctx context.Context, payload *TaskRequestPayload, targetAIID string) (string, error) {
	if payload.RequestID == "" {
		payload.RequestID = "taskreq_" + uuid.New().String()
	}
	env, err := NewEnvelope(uuid.New().String(), payload.RequestID, c.aiID, targetAIID, MessageTypeTaskRequest, payload)
	if err != nil {
		return "", err
	}
	if err := c.Publish(ctx, TopicTaskRequests(targetAIID), env); err != nil {
		return "", err
	}
	return payload.RequestID, nil
}

// SendTaskResult publishes a task result to the request's callback
// address, echoing its correlation id.
func (c *Connector) SendTaskResult(ctx context.Context, payload *TaskResultPayload, callbackTopic, correlationID string) error {
	env, err := NewEnvelope(uuid.New().String(), correlationID, c.aiID, "", MessageTypeTaskResult, payload)
	if err != nil {
		return err
	}
	return c.Publish(ctx, callbackTopic, env)
}

// PublishCapabilityAdvertisement announces one of this agent's
// capabilities.
func (c *Connector) PublishCapabilityAdvertisement(ctx context.Context, adv *CapabilityAdvertisementPayload) error {
	if adv.AIID == "" {
		adv.AIID = c.aiID
	}
	env, err := NewEnvelope(uuid.New().String(), "", c.aiID, "", MessageTypeCapability, adv)
	if err != nil {
		return err
	}
	return c.Publish(ctx, TopicCapabilities(c.aiID), env)
}

// PublishHeartbeat announces liveness.
func (c *Connector) PublishHeartbeat(ctx context.Context) error {
	env, err := NewEnvelope(uuid.New().String(), "", c.aiID, "", MessageTypeHeartbeat, &HeartbeatPayload{
		AIID:      c.aiID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.Publish(ctx, TopicHeartbeats(c.aiID), env)
}
