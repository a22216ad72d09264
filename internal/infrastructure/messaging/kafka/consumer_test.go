package kafka

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

type mockKafkaReader struct {
	fetchFunc  func(ctx context.Context) (kafka.Message, error)
	commitFunc func(ctx context.Context, msgs ...kafka.Message) error
	closeFunc  func() error
}

func (m *mockKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.commitFunc != nil {
		return m.commitFunc(ctx, msgs...)
	}
	return nil
}

func (m *mockKafkaReader) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockKafkaReader) Stats() kafka.ReaderStats { return kafka.ReaderStats{} }

func newTestConsumer(reader ReaderInterface) *Consumer {
	return &Consumer{
		reader: reader,
		config: ConsumerConfig{
			Brokers: []string{"localhost:9092"},
			GroupID: "medcode-workers",
			Topics:  []string{TopicNoteSubmitted},
			RetryConfig: RetryConfig{
				MaxRetries:   2,
				RetryBackoff: time.Millisecond,
			},
		},
		logger:   logging.NewNopLogger(),
		handlers: make(map[string]MessageHandler),
		metrics:  &ConsumerMetrics{},
	}
}

func submittedKafkaMessage(noteHash string) kafka.Message {
	return kafka.Message{
		Topic:  TopicNoteSubmitted,
		Key:    []byte(noteHash),
		Value:  []byte(`{"event_type":"note.submitted"}`),
		Offset: 7,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventNoteSubmitted)},
		},
	}
}

func TestValidateConsumerConfig(t *testing.T) {
	valid := ConsumerConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}
	assert.NoError(t, ValidateConsumerConfig(valid))

	noGroup := valid
	noGroup.GroupID = ""
	assert.Error(t, ValidateConsumerConfig(noGroup))

	badReset := valid
	badReset.AutoOffsetReset = "sometimes"
	assert.Error(t, ValidateConsumerConfig(badReset))
}

func TestNewConsumerConfig_SubscribesSubmittedWithDLQ(t *testing.T) {
	cfg := NewConsumerConfig(testKafkaConfig())
	assert.Equal(t, []string{TopicNoteSubmitted}, cfg.Topics)
	assert.Equal(t, TopicDeadLetter, cfg.RetryConfig.DeadLetterTopic)
}

func TestConsumeLoop_DispatchesToHandlerAndCommits(t *testing.T) {
	fetched := make(chan struct{})
	var commits atomic.Int64

	reader := &mockKafkaReader{
		fetchFunc: func(ctx context.Context) (kafka.Message, error) {
			select {
			case <-fetched:
				<-ctx.Done()
				return kafka.Message{}, ctx.Err()
			default:
				close(fetched)
				return submittedKafkaMessage("sha256:cd01"), nil
			}
		},
		commitFunc: func(context.Context, ...kafka.Message) error {
			commits.Add(1)
			return nil
		},
	}

	c := newTestConsumer(reader)
	handled := make(chan *Message, 1)
	require.NoError(t, c.Subscribe(TopicNoteSubmitted, func(_ context.Context, msg *Message) error {
		handled <- msg
		return nil
	}))

	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	select {
	case msg := <-handled:
		assert.Equal(t, "sha256:cd01", string(msg.Key))
		assert.Equal(t, EventNoteSubmitted, msg.Headers["event_type"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	assert.Eventually(t, func() bool { return commits.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), c.metrics.MessagesProcessed.Load())
}

func TestProcessMessage_RetriesThenSucceeds(t *testing.T) {
	c := newTestConsumer(&mockKafkaReader{})

	attempts := 0
	handler := func(context.Context, *Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}

	err := c.processMessage(context.Background(), &Message{Topic: TopicNoteSubmitted}, handler)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(2), c.metrics.MessagesRetried.Load())
}

func TestProcessMessage_ExhaustedRetriesDeadLetters(t *testing.T) {
	var dlCaptured []kafka.Message
	dlWriter := &mockKafkaWriter{
		writeFunc: func(_ context.Context, msgs ...kafka.Message) error {
			dlCaptured = append(dlCaptured, msgs...)
			return nil
		},
	}

	c := newTestConsumer(&mockKafkaReader{})
	c.config.RetryConfig.DeadLetterTopic = TopicDeadLetter
	c.deadLetterProducer = newTestProducer(dlWriter)

	handler := func(context.Context, *Message) error { return errors.New("poison") }
	msg := &Message{
		Topic:   TopicNoteSubmitted,
		Key:     []byte("sha256:cd02"),
		Value:   []byte("{}"),
		Headers: map[string]string{"event_type": EventNoteSubmitted},
	}

	err := c.processMessage(context.Background(), msg, handler)
	require.Error(t, err)
	require.Len(t, dlCaptured, 1)
	assert.Equal(t, TopicDeadLetter, dlCaptured[0].Topic)

	headers := make(map[string]string)
	for _, h := range dlCaptured[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, TopicNoteSubmitted, headers["original_topic"])
	assert.Equal(t, "poison", headers["error_message"])
	assert.Equal(t, int64(1), c.metrics.MessagesDeadLettered.Load())
}

func TestStart_SecondCallFails(t *testing.T) {
	c := newTestConsumer(&mockKafkaReader{})
	require.NoError(t, c.Start(context.Background()))
	defer c.Close()

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRunning)
}

func TestClose_StopsLoop(t *testing.T) {
	c := newTestConsumer(&mockKafkaReader{})
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Close())
	// Second close is a no-op.
	require.NoError(t, c.Close())
}
