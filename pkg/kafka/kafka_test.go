package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/sage/pkg/events"
)

func TestParseSubmissionEvent(t *testing.T) {
	msg := toIncoming(kafka.Message{
		Key:   []byte("sub-1"),
		Value: []byte(`{"form_id":"f1","submitted_at":"2024-05-01T10:00:00Z"}`),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(SubmissionCreated)},
			{Key: "traceparent", Value: []byte("00-abc-def-01")},
		},
	})

	ev, err := msg.ParseSubmissionEvent()
	require.NoError(t, err)
	assert.Equal(t, "sub-1", ev.SubmissionID)
	assert.Equal(t, SubmissionCreated, ev.EventType)
	assert.Equal(t, "f1", ev.FormID)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ev.SubmittedAt.UTC())
	assert.True(t, ev.IsSyncable())
	assert.Equal(t, "00-abc-def-01", msg.TraceParent)
}

func TestParseSubmissionEvent_Errors(t *testing.T) {
	_, err := (&IncomingMessage{Value: []byte("not json")}).ParseSubmissionEvent()
	assert.Error(t, err)

	_, err = (&IncomingMessage{Value: []byte(`{"event_type":"submission.created"}`)}).ParseSubmissionEvent()
	assert.Error(t, err)
}

func TestSubmissionEvent_IsSyncable(t *testing.T) {
	assert.True(t, (&SubmissionEvent{EventType: SubmissionUpdated}).IsSyncable())
	assert.False(t, (&SubmissionEvent{EventType: SubmissionDeleted}).IsSyncable())
	assert.False(t, (&SubmissionEvent{}).IsSyncable())
}

func TestToMessages(t *testing.T) {
	msgs, err := toMessages(context.Background(), []*events.ProfileEvent{
		{EventType: events.ProfileMerged, ProfileID: "p1", MergedIDs: []string{"p2"}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("p1"), msgs[0].Key)
	assert.Equal(t, "event_type", msgs[0].Headers[0].Key)
	assert.Equal(t, []byte(events.ProfileMerged), msgs[0].Headers[0].Value)
	assert.Contains(t, string(msgs[0].Value), `"merged_ids":["p2"]`)
}
