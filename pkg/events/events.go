// Package events defines the profile lifecycle events sage publishes.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/models"
)

const (
	ProfileCreated  = "profile.created"
	ProfileUpdated  = "profile.updated"
	ProfileMerged   = "profile.merged"
	ProfileDeleted  = "profile.deleted"
	ProfileConflict = "profile.conflict"
)

// ProfileEvent describes a change to one profile.
type ProfileEvent struct {
	EventType      string          `json:"event_type"`
	ProfileID      string          `json:"profile_id"`
	Profile        *models.Profile `json:"profile,omitempty"`
	SubmissionID   string          `json:"submission_id,omitempty"`
	MergedIDs      []string        `json:"merged_ids,omitempty"`
	ConflictingIDs []string        `json:"conflicting_ids,omitempty"`
	PerformedBy    string          `json:"performed_by,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Publisher delivers events to a transport.
type Publisher interface {
	PublishProfileEvents(ctx context.Context, events []*ProfileEvent) error
}

// Emitter publishes events after the change they describe has committed.
// Delivery failures are logged and never returned.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates an emitter. A nil publisher discards every event.
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

func (e *Emitter) Emit(ctx context.Context, events ...*ProfileEvent) {
	if e == nil || e.publisher == nil || len(events) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, ev := range events {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
	}

	if err := e.publisher.PublishProfileEvents(ctx, events); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": events[0].EventType,
			"profile_id": events[0].ProfileID,
			"count":      len(events),
		}).Error("Failed to publish profile events")
	}
}

// Recorder is an in-memory Publisher.
type Recorder struct {
	mu     sync.Mutex
	Events []*ProfileEvent
	Err    error
}

func (r *Recorder) PublishProfileEvents(_ context.Context, events []*ProfileEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Events = append(r.Events, events...)
	return nil
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.EventType
	}
	return out
}
