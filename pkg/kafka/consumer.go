package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	maxFetchBackoff = 5 * time.Second
	// unhealthyAfter consecutive fetch failures marks the consumer unhealthy.
	unhealthyAfter = 5
)

// MessageHandler processes one submission event
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// Reader is the subset of kafka.Reader the consumer drives.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds submission events to a handler one at a time, committing each
// offset after the handler returns.
type Consumer struct {
	reader  Reader
	topic   string
	group   string
	logger  ectologger.Logger
	handler MessageHandler

	wg            sync.WaitGroup
	cancel        context.CancelFunc
	running       atomic.Bool
	fetchFailures atomic.Int32
	processed     atomic.Int64
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        250 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})
	return NewConsumerWithReader(reader, cfg.Topic, cfg.ConsumerGroup, logger, handler)
}

// NewConsumerWithReader builds a consumer over an existing reader.
func NewConsumerWithReader(reader Reader, topic, group string, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:  reader,
		topic:   topic,
		group:   group,
		logger:  logger,
		handler: handler,
	}
}

// Start runs the consume loop in the background until Stop. The loop outlives
// cancellation of ctx.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("consumer already started")
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.running.Store(false)
		c.run(ctx)
	}()

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.topic,
		"group": c.group,
	}).Info("Submission consumer started")
	return nil
}

// Stop ends the loop, waits for the in-flight message and closes the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

// Check reports an error while the loop is stopped or the broker keeps failing.
func (c *Consumer) Check(_ context.Context) error {
	if !c.running.Load() {
		return errors.New("consumer is not running")
	}
	if n := c.fetchFailures.Load(); n >= unhealthyAfter {
		return fmt.Errorf("%d consecutive fetch failures", n)
	}
	return nil
}

// Processed returns how many messages have been handled and committed.
func (c *Consumer) Processed() int64 {
	return c.processed.Load()
}

func (c *Consumer) run(ctx context.Context) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Submission consumer stopping")
				return
			}
			n := c.fetchFailures.Add(1)
			c.logger.WithContext(ctx).WithError(err).WithField("failures", n).Error("Failed to fetch message")
			if !sleep(ctx, fetchBackoff(int(n))) {
				return
			}
			continue
		}
		c.fetchFailures.Store(0)

		c.process(ctx, msg)
	}
}

func fetchBackoff(failures int) time.Duration {
	d := 100 * time.Millisecond
	for i := 1; i < failures && d < maxFetchBackoff; i++ {
		d *= 2
	}
	return min(d, maxFetchBackoff)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	incoming := toIncoming(msg)
	if incoming.TraceParent != "" {
		ctx = tracing.ContextWithTraceParent(ctx, incoming.TraceParent)
	}

	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.process")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"key":       string(msg.Key),
	})

	// Sync failures are reported and committed; the handler never sees a message twice.
	if err := c.handler(ctx, incoming); err != nil {
		log.WithError(err).Error("Failed to process submission event")
	}

	if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
		log.WithError(err).Error("Failed to commit offset")
		return
	}
	c.processed.Add(1)
}

func toIncoming(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers["traceparent"],
	}
}
