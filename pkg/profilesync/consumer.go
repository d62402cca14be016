package profilesync

import (
	"context"
	"errors"

	"github.com/Ramsey-B/sage/pkg/kafka"
	"github.com/Ramsey-B/sage/pkg/metrics"
)

// HandleMessage syncs the submission named by a submission event. Events that
// do not create or change a submission are ignored.
func (s *Sync) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ev, err := msg.ParseSubmissionEvent()
	if err != nil {
		metrics.RecordKafkaConsume("unknown", "invalid")
		return err
	}

	if !ev.IsSyncable() {
		metrics.RecordKafkaConsume(ev.EventType, "ignored")
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"event_type":    ev.EventType,
			"submission_id": ev.SubmissionID,
		}).Debug("Ignoring submission event")
		return nil
	}

	result := s.SyncSubmission(ctx, ev.SubmissionID)
	if !result.Success {
		metrics.RecordKafkaConsume(ev.EventType, "failed")
		return errors.New(result.Error)
	}

	metrics.RecordKafkaConsume(ev.EventType, "processed")
	return nil
}
