package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	fetchErrs []error
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	for {
		r.mu.Lock()
		if len(r.fetchErrs) > 0 {
			err := r.fetchErrs[0]
			r.fetchErrs = r.fetchErrs[1:]
			r.mu.Unlock()
			return kafka.Message{}, err
		}
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return kafka.Message{}, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestConsumer_CommitsEveryMessage(t *testing.T) {
	reader := &fakeReader{queue: []kafka.Message{
		{Key: []byte("sub-1"), Offset: 1},
		{Key: []byte("sub-2"), Offset: 2},
		{Key: []byte("sub-3"), Offset: 3},
	}}

	var (
		mu   sync.Mutex
		keys []string
	)
	consumer := NewConsumerWithReader(reader, "submission-events", "sage", testLogger(), func(_ context.Context, msg *IncomingMessage) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, msg.Key)
		if msg.Key == "sub-2" {
			return errors.New("sync failed")
		}
		return nil
	})

	require.NoError(t, consumer.Start(context.Background()))
	require.Eventually(t, func() bool { return consumer.Processed() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, consumer.Check(context.Background()))

	require.NoError(t, consumer.Stop())
	assert.Equal(t, []int64{1, 2, 3}, reader.commits(), "failed syncs are committed too")
	mu.Lock()
	assert.Equal(t, []string{"sub-1", "sub-2", "sub-3"}, keys)
	mu.Unlock()
	assert.True(t, reader.closed)
	assert.Error(t, consumer.Check(context.Background()), "stopped consumer is unhealthy")
}

func TestConsumer_StartTwice(t *testing.T) {
	consumer := NewConsumerWithReader(&fakeReader{}, "t", "g", testLogger(), func(context.Context, *IncomingMessage) error { return nil })
	require.NoError(t, consumer.Start(context.Background()))
	assert.Error(t, consumer.Start(context.Background()))
	require.NoError(t, consumer.Stop())
}

func TestConsumer_RecoversFromFetchErrors(t *testing.T) {
	reader := &fakeReader{
		fetchErrs: []error{errors.New("broker down"), errors.New("broker down")},
		queue:     []kafka.Message{{Key: []byte("sub-1"), Offset: 7}},
	}
	consumer := NewConsumerWithReader(reader, "t", "g", testLogger(), func(context.Context, *IncomingMessage) error { return nil })

	require.NoError(t, consumer.Start(context.Background()))
	require.Eventually(t, func() bool { return consumer.Processed() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, consumer.Check(context.Background()))
	require.NoError(t, consumer.Stop())
	assert.Equal(t, []int64{7}, reader.commits())
}

func TestFetchBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, fetchBackoff(1))
	assert.Equal(t, 200*time.Millisecond, fetchBackoff(2))
	assert.Equal(t, 800*time.Millisecond, fetchBackoff(4))
	assert.Equal(t, maxFetchBackoff, fetchBackoff(20))
}
