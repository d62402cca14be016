package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	SubmissionCreated = "submission.created"
	SubmissionUpdated = "submission.updated"
	SubmissionDeleted = "submission.deleted"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
}

// SubmissionEvent is published by the forms service whenever a submission is written.
type SubmissionEvent struct {
	EventType    string    `json:"event_type"`
	SubmissionID string    `json:"submission_id"`
	FormID       string    `json:"form_id"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// ParseSubmissionEvent decodes the message value. The event_type header wins
// over an empty body field.
func (m *IncomingMessage) ParseSubmissionEvent() (*SubmissionEvent, error) {
	var ev SubmissionEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse submission event: %w", err)
	}
	if ev.EventType == "" {
		ev.EventType = m.Headers["event_type"]
	}
	if ev.SubmissionID == "" {
		ev.SubmissionID = m.Key
	}
	if ev.SubmissionID == "" {
		return nil, fmt.Errorf("submission event at offset %d has no submission id", m.Offset)
	}
	return &ev, nil
}

// IsSyncable reports whether the event should trigger a profile sync.
func (e *SubmissionEvent) IsSyncable() bool {
	return e.EventType == SubmissionCreated || e.EventType == SubmissionUpdated
}
