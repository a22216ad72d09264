package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

type mockKafkaWriter struct {
	writeFunc func(ctx context.Context, msgs ...kafka.Message) error
	closeFunc func() error
}

func (m *mockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if m.writeFunc != nil {
		return m.writeFunc(ctx, msgs...)
	}
	return nil
}

func (m *mockKafkaWriter) Close() error {
	if m.closeFunc != nil {
		return m.closeFunc()
	}
	return nil
}

func (m *mockKafkaWriter) Stats() kafka.WriterStats { return kafka.WriterStats{} }

func newTestProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:         []string{"localhost:9092"},
		MaxMessageBytes: 1024 * 1024,
	}
}

func newTestProducer(w WriterInterface) *Producer {
	return &Producer{
		writer:  w,
		config:  newTestProducerConfig(),
		logger:  logging.NewNopLogger(),
		metrics: &ProducerMetrics{},
	}
}

func codedMessage(noteHash string) *ProducerMessage {
	return &ProducerMessage{
		Topic: TopicNoteCoded,
		Key:   []byte(noteHash),
		Value: []byte(`{"event_type":"note.coded"}`),
	}
}

func TestValidateProducerConfig_Valid(t *testing.T) {
	assert.NoError(t, ValidateProducerConfig(newTestProducerConfig()))
}

func TestValidateProducerConfig_EmptyBrokers(t *testing.T) {
	cfg := newTestProducerConfig()
	cfg.Brokers = nil
	assert.Error(t, ValidateProducerConfig(cfg))
}

func TestPublish_Success(t *testing.T) {
	var captured []kafka.Message
	p := newTestProducer(&mockKafkaWriter{
		writeFunc: func(_ context.Context, msgs ...kafka.Message) error {
			captured = msgs
			return nil
		},
	})

	err := p.Publish(context.Background(), codedMessage("sha256:ab01"))
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.Equal(t, TopicNoteCoded, captured[0].Topic)
	assert.Equal(t, []byte("sha256:ab01"), captured[0].Key)
	assert.Equal(t, int64(1), p.metrics.MessagesSent.Load())
}

func TestPublish_RequiresTopicAndValue(t *testing.T) {
	p := newTestProducer(&mockKafkaWriter{})

	err := p.Publish(context.Background(), &ProducerMessage{Value: []byte("x")})
	assert.Error(t, err)

	err = p.Publish(context.Background(), &ProducerMessage{Topic: TopicNoteCoded})
	assert.Error(t, err)
}

func TestPublish_RejectsOversizedMessage(t *testing.T) {
	p := newTestProducer(&mockKafkaWriter{})
	p.config.MaxMessageBytes = 8

	err := p.Publish(context.Background(), codedMessage("sha256:ab02"))
	assert.Error(t, err)
}

func TestPublish_WriteErrorCountsAsFailed(t *testing.T) {
	p := newTestProducer(&mockKafkaWriter{
		writeFunc: func(context.Context, ...kafka.Message) error {
			return errors.New("broker unavailable")
		},
	})

	err := p.Publish(context.Background(), codedMessage("sha256:ab03"))
	require.Error(t, err)
	assert.Equal(t, int64(1), p.metrics.MessagesFailed.Load())
	assert.Equal(t, int64(0), p.metrics.MessagesSent.Load())
}

func TestPublish_AfterCloseFails(t *testing.T) {
	p := newTestProducer(&mockKafkaWriter{})
	require.NoError(t, p.Close())

	err := p.Publish(context.Background(), codedMessage("sha256:ab04"))
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestPublishBatch_PartialFailure(t *testing.T) {
	p := newTestProducer(&mockKafkaWriter{
		writeFunc: func(_ context.Context, msgs ...kafka.Message) error {
			werrs := make(kafka.WriteErrors, len(msgs))
			werrs[1] = errors.New("partition offline")
			return werrs
		},
	})

	result, err := p.PublishBatch(context.Background(), []*ProducerMessage{
		codedMessage("sha256:ab05"),
		codedMessage("sha256:ab06"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, 1, result.Errors[0].Index)
}

func TestPublishBatch_GenericErrorFailsAll(t *testing.T) {
	p := newTestProducer(&mockKafkaWriter{
		writeFunc: func(context.Context, ...kafka.Message) error {
			return errors.New("dial failed")
		},
	})

	result, err := p.PublishBatch(context.Background(), []*ProducerMessage{
		codedMessage("sha256:ab07"),
		codedMessage("sha256:ab08"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, -1, result.Errors[0].Index)
}

func TestClose_Idempotent(t *testing.T) {
	closes := 0
	p := newTestProducer(&mockKafkaWriter{
		closeFunc: func() error {
			closes++
			return nil
		},
	})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, closes)
}
