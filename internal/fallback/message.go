// Package fallback provides broker-independent transports used when the
// primary HSP broker is unavailable: an in-process queue, a filesystem
// mailbox and an HTTP channel, managed as a prioritized set with periodic
// health checks and hot failover.
package fallback

import (
	"time"
)

// Priority orders messages for introspection; delivery itself is FIFO per
// protocol.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// Message is the envelope carried by every fallback protocol.
type Message struct {
	ID            string         `json:"id"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id"`
	CommandName   string         `json:"command_name"`
	Parameters    map[string]any `json:"parameters"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	TTL           time.Duration  `json:"ttl,omitempty"`
}

// Expired reports whether the message's TTL has elapsed. Messages with no
// TTL never expire.
func (m *Message) Expired() bool {
	if m.TTL <= 0 {
		return false
	}
	return time.Since(m.Timestamp) > m.TTL
}
