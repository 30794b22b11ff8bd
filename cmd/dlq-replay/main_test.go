package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/kafka"
)

func deadLetter(t *testing.T, topic, key, value string) []byte {
	t.Helper()
	raw, err := json.Marshal(kafka.DeadLetter{
		OriginalTopic: topic,
		OriginalKey:   key,
		OriginalValue: value,
		ErrorMessage:  "handler failed",
		Attempts:      3,
	})
	require.NoError(t, err)
	return raw
}

func TestDecodeDeadLetter(t *testing.T) {
	got, err := decodeDeadLetter(deadLetter(t, "product.reserved", "order-1", `{"orderId":"order-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "product.reserved", got.topic)
	assert.Equal(t, "order-1", got.key)
	assert.JSONEq(t, `{"orderId":"order-1"}`, string(got.value))

	_, err = decodeDeadLetter([]byte("not-json"))
	assert.Error(t, err)

	_, err = decodeDeadLetter(deadLetter(t, "", "order-1", "{}"))
	assert.ErrorContains(t, err, "no original topic")

	_, err = decodeDeadLetter(deadLetter(t, "product.reserved", "order-1", ""))
	assert.ErrorContains(t, err, "no original payload")
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, parseList(" broker-1:9092, ,broker-2:9092 "))
	assert.Empty(t, parseList("  "))
}

func TestConfigValidate(t *testing.T) {
	valid := config{brokers: []string{"b:9092"}, sourceTopic: kafka.TopicDeadLetterQueue, limit: 1, idleTimeout: time.Second}
	require.NoError(t, valid.validate())

	cases := map[string]func(c *config){
		"brokers":      func(c *config) { c.brokers = nil },
		"source-topic": func(c *config) { c.sourceTopic = " " },
		"limit":        func(c *config) { c.limit = 0 },
		"idle-timeout": func(c *config) { c.idleTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.ErrorContains(t, cfg.validate(), name)
		})
	}
}

func TestReplayPartition_DryRunAndFilter(t *testing.T) {
	deps := replayDependencies{
		client: &stubOffsetClient{offsets: map[int32][2]int64{0: {0, 3}}},
		consumer: &stubConsumerSource{consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer(
				&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "product.reserved", "order-1", "{}")},
				&sarama.ConsumerMessage{Offset: 1, Value: deadLetter(t, "order.saga.events", "order-1", "{}")},
				&sarama.ConsumerMessage{Offset: 2, Value: []byte("garbage")},
			),
		}},
	}
	cfg := config{
		sourceTopic: kafka.TopicDeadLetterQueue,
		topics:      map[string]struct{}{"product.reserved": {}},
		idleTimeout: 50 * time.Millisecond,
	}

	stats, err := replayPartition(context.Background(), cfg, deps, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, replayStats{processed: 3, replayed: 1, skipped: 2}, stats)
}

func TestReplayPartition_Execute(t *testing.T) {
	producer := &stubProducer{}
	source := &stubConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(&sarama.ConsumerMessage{Offset: 4, Value: deadLetter(t, "product.reservation.failed", "order-2", `{"orderId":"order-2"}`)}),
	}}
	deps := replayDependencies{
		client:   &stubOffsetClient{offsets: map[int32][2]int64{0: {0, 5}}},
		consumer: source,
		producer: producer,
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, execute: true, fromNewest: true, idleTimeout: 50 * time.Millisecond}

	stats, err := replayPartition(context.Background(), cfg, deps, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.replayed)
	assert.Equal(t, []int64{4}, source.offsets, "from-newest starts at newest-limit")

	require.Len(t, producer.sent, 1)
	msg := producer.sent[0]
	assert.Equal(t, "product.reservation.failed", msg.Topic)
	key, _ := msg.Key.Encode()
	assert.Equal(t, "order-2", string(key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, headerReplayedAt, string(msg.Headers[0].Key))
}

func TestReplayPartition_Errors(t *testing.T) {
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, execute: true, idleTimeout: 50 * time.Millisecond}

	_, err := replayPartition(context.Background(), cfg, replayDependencies{
		client: &stubOffsetClient{offsetErr: errors.New("offset")},
	}, 0, 10)
	assert.ErrorContains(t, err, "get oldest offset")

	_, err = replayPartition(context.Background(), cfg, replayDependencies{
		client:   &stubOffsetClient{offsets: map[int32][2]int64{0: {0, 1}}},
		consumer: &stubConsumerSource{consumeErr: errors.New("consume")},
	}, 0, 10)
	assert.ErrorContains(t, err, "consume partition 0")

	_, err = replayPartition(context.Background(), cfg, replayDependencies{
		client: &stubOffsetClient{offsets: map[int32][2]int64{0: {0, 1}}},
		consumer: &stubConsumerSource{consumers: map[int32]partitionConsumer{
			0: closedPartitionConsumer(&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "product.reserved", "k", "{}")}),
		}},
		producer: &stubProducer{err: errors.New("broker down")},
	}, 0, 10)
	assert.ErrorContains(t, err, "publish replay message")
}

func TestReplayPartition_IdleTimeoutAndContext(t *testing.T) {
	open := &stubPartitionConsumer{messages: make(chan *sarama.ConsumerMessage)}
	deps := replayDependencies{
		client:   &stubOffsetClient{offsets: map[int32][2]int64{0: {0, 1}}},
		consumer: &stubConsumerSource{consumers: map[int32]partitionConsumer{0: open}},
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, idleTimeout: 20 * time.Millisecond}

	stats, err := replayPartition(context.Background(), cfg, deps, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, stats.processed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg.idleTimeout = time.Minute
	_, err = replayPartition(ctx, cfg, deps, 0, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunReplay_RespectsLimitAcrossPartitions(t *testing.T) {
	source := &stubConsumerSource{consumers: map[int32]partitionConsumer{
		0: closedPartitionConsumer(&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "product.reserved", "a", "{}")}),
		1: closedPartitionConsumer(&sarama.ConsumerMessage{Offset: 0, Value: deadLetter(t, "product.reserved", "b", "{}")}),
	}}
	deps := replayDependencies{
		client:   &stubOffsetClient{partitions: []int32{1, 0}, offsets: map[int32][2]int64{0: {0, 1}, 1: {0, 1}}},
		consumer: source,
	}
	cfg := config{sourceTopic: kafka.TopicDeadLetterQueue, limit: 1, idleTimeout: 20 * time.Millisecond}

	require.NoError(t, runReplay(context.Background(), cfg, deps))
	assert.Equal(t, []int32{0}, source.partitions)

	cfg.execute = true
	assert.ErrorContains(t, runReplay(context.Background(), cfg, deps), "producer is required")
	assert.ErrorContains(t, runReplay(context.Background(), cfg, replayDependencies{}), "client and consumer are required")
}

func TestRootCmd_UsesEnvBrokersAndFactory(t *testing.T) {
	var got config
	factory := func(cfg config) (replayDependencies, error) {
		got = cfg
		return replayDependencies{
			client:   &stubOffsetClient{},
			consumer: &stubConsumerSource{},
		}, nil
	}
	lookup := func(key string) (string, bool) {
		if key == envKafkaBrokers {
			return "kafka-1:9092,kafka-2:9092", true
		}
		return "", false
	}

	cmd := newRootCmd(factory, lookup)
	cmd.SetArgs([]string{"--topic", "product.reserved,product.reservation.failed", "--limit", "5"})
	cmd.SetOut(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, got.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, got.sourceTopic)
	assert.Equal(t, 5, got.limit)
	assert.Len(t, got.topics, 2)
	assert.False(t, got.execute)
}

func TestRootCmd_MissingBrokers(t *testing.T) {
	cmd := newRootCmd(func(config) (replayDependencies, error) {
		t.Fatal("factory must not be called")
		return replayDependencies{}, nil
	}, func(string) (string, bool) { return "", false })
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})

	assert.ErrorContains(t, cmd.Execute(), "kafka brokers are required")
}

type stubOffsetClient struct {
	partitions []int32
	offsets    map[int32][2]int64
	offsetErr  error
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if s.offsetErr != nil {
		return 0, s.offsetErr
	}
	r := s.offsets[partition]
	if marker == sarama.OffsetOldest {
		return r[0], nil
	}
	return r[1], nil
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) { return s.partitions, nil }
func (s *stubOffsetClient) Close() error                       { return nil }

type stubConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	partitions []int32
	offsets    []int64
}

func (s *stubConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.partitions = append(s.partitions, partition)
	s.offsets = append(s.offsets, offset)
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	return s.consumers[partition], nil
}

func (s *stubConsumerSource) Close() error { return nil }

type stubPartitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
}

func (s *stubPartitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartitionConsumer) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartitionConsumer) Close() error                             { return nil }

func closedPartitionConsumer(messages ...*sarama.ConsumerMessage) *stubPartitionConsumer {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, m := range messages {
		ch <- m
	}
	close(ch)
	return &stubPartitionConsumer{messages: ch}
}

type stubProducer struct {
	err  error
	sent []*sarama.ProducerMessage
}

func (s *stubProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.sent = append(s.sent, msg)
	return 0, int64(len(s.sent)), nil
}

func (s *stubProducer) Close() error { return nil }
