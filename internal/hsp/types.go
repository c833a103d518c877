// Package hsp implements the Heterogeneous Service Protocol: pub/sub
// delivery of task requests, task results, capability advertisements and
// heartbeats between agents, with correlation-id based response matching.
package hsp

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the payload variant carried by an envelope.
type MessageType string

const (
	MessageTypeTaskRequest MessageType = "task_request"
	MessageTypeTaskResult  MessageType = "task_result"
	MessageTypeCapability  MessageType = "capability_advertisement"
	MessageTypeHeartbeat   MessageType = "heartbeat"
	MessageTypeAcknowledge MessageType = "acknowledgement"
)

// AvailabilityStatus is the advertised availability of a capability.
type AvailabilityStatus string

const (
	AvailabilityOnline      AvailabilityStatus = "online"
	AvailabilityOffline     AvailabilityStatus = "offline"
	AvailabilityDegraded    AvailabilityStatus = "degraded"
	AvailabilityMaintenance AvailabilityStatus = "maintenance"
)

func (s AvailabilityStatus) valid() bool {
	switch s {
	case AvailabilityOnline, AvailabilityOffline, AvailabilityDegraded, AvailabilityMaintenance:
		return true
	}
	return false
}

// Envelope wraps every message on the wire. CorrelationID echoes the
// originating request's id so responses can be matched asynchronously.
type Envelope struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SenderAIID    string          `json:"sender_ai_id"`
	RecipientAIID string          `json:"recipient_ai_id"`
	TimestampSent time.Time       `json:"timestamp_sent"`
	MessageType   MessageType     `json:"message_type"`
	Payload       json.RawMessage `json:"payload"`
}

// TaskRequestPayload asks a remote agent to perform one capability invocation.
type TaskRequestPayload struct {
	RequestID          string         `json:"request_id"`
	RequesterAIID      string         `json:"requester_ai_id"`
	TargetAIID         string         `json:"target_ai_id"`
	CapabilityIDFilter string         `json:"capability_id_filter"`
	Parameters         map[string]any `json:"parameters"`
	CallbackAddress    string         `json:"callback_address"`
	Priority           int            `json:"priority,omitempty"`
}

// TaskResultStatus is the remote agent's verdict on a task request.
type TaskResultStatus string

const (
	TaskResultSuccess TaskResultStatus = "success"
	TaskResultFailure TaskResultStatus = "failure"
)

// ErrorDetails carries the remote agent's failure description.
type ErrorDetails struct {
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message"`
}

// TaskResultPayload answers a TaskRequestPayload. RequestID echoes the
// request so the requester can correlate.
type TaskResultPayload struct {
	RequestID     string           `json:"request_id"`
	ExecutingAIID string           `json:"executing_ai_id,omitempty"`
	Status        TaskResultStatus `json:"status"`
	Payload       map[string]any   `json:"payload,omitempty"`
	ErrorDetails  *ErrorDetails    `json:"error_details,omitempty"`
}

// CapabilityAdvertisementPayload announces one capability offered by one agent.
type CapabilityAdvertisementPayload struct {
	CapabilityID       string             `json:"capability_id"`
	AIID               string             `json:"ai_id"`
	Name               string             `json:"name"`
	Description        string             `json:"description,omitempty"`
	Version            string             `json:"version,omitempty"`
	AvailabilityStatus AvailabilityStatus `json:"availability_status"`
	Tags               []string           `json:"tags,omitempty"`
}

// HeartbeatPayload signals liveness of an agent.
type HeartbeatPayload struct {
	AIID      string    `json:"ai_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage extracts the agent-supplied error text from a failed result,
// falling back to a generic string when details are absent.
func (p *TaskResultPayload) ErrorMessage() string {
	if p.ErrorDetails != nil && p.ErrorDetails.ErrorMessage != "" {
		return p.ErrorDetails.ErrorMessage
	}
	return "unknown error"
}

// NewEnvelope assembles an envelope around an already-marshaled payload.
func NewEnvelope(messageID, correlationID, sender, recipient string, mt MessageType, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", mt, err)
	}
	return &Envelope{
		MessageID:     messageID,
		CorrelationID: correlationID,
		SenderAIID:    sender,
		RecipientAIID: recipient,
		TimestampSent: time.Now().UTC(),
		MessageType:   mt,
		Payload:       raw,
	}, nil
}

// Validate rejects envelopes that cannot enter the core: unknown message
// types and payloads missing mandatory fields. Consumers log and drop
// invalid messages rather than failing the whole subscription.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope missing message_id")
	}
	if e.SenderAIID == "" {
		return fmt.Errorf("envelope missing sender_ai_id")
	}
	switch e.MessageType {
	case MessageTypeTaskRequest:
		var p TaskRequestPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode task_request: %w", err)
		}
		if p.RequestID == "" || p.CapabilityIDFilter == "" {
			return fmt.Errorf("task_request missing request_id or capability_id_filter")
		}
	case MessageTypeTaskResult:
		var p TaskResultPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode task_result: %w", err)
		}
		if p.RequestID == "" {
			return fmt.Errorf("task_result missing request_id")
		}
		if p.Status != TaskResultSuccess && p.Status != TaskResultFailure {
			return fmt.Errorf("task_result has invalid status %q", p.Status)
		}
	case MessageTypeCapability:
		var p CapabilityAdvertisementPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode capability_advertisement: %w", err)
		}
		if p.CapabilityID == "" {
			return fmt.Errorf("capability_advertisement missing capability_id")
		}
		if !p.AvailabilityStatus.valid() {
			return fmt.Errorf("capability_advertisement has invalid availability_status %q", p.AvailabilityStatus)
		}
	case MessageTypeHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return fmt.Errorf("decode heartbeat: %w", err)
		}
		if p.AIID == "" {
			return fmt.Errorf("heartbeat missing ai_id")
		}
	case MessageTypeAcknowledge:
		// No mandatory payload fields.
	default:
		return fmt.Errorf("unknown message_type %q", e.MessageType)
	}
	return nil
}
