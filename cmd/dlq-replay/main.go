package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/ordersaga/internal/messaging/kafka"
)

const (
	envKafkaBrokers    = "ORDERSAGA_KAFKA_BROKERS"
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	// headerReplayedAt помечает сообщение, возвращённое из DLQ.
	headerReplayedAt = "x-replayed-at"
)

type config struct {
	brokers     []string
	sourceTopic string
	// topics ограничивает повтор исходными топиками; пусто: все.
	topics      map[string]struct{}
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

type replayMessage struct {
	topic string
	key   string
	value []byte
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return a.consumer.ConsumePartition(topic, partition, offset)
}

func (a saramaConsumerAdapter) Close() error {
	return a.consumer.Close()
}

type replayDependencies struct {
	client   offsetClient
	consumer partitionConsumerSource
	producer replayProducer
}

func (d replayDependencies) close() {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.consumer != nil {
		_ = d.consumer.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
}

func newSaramaDependencies(cfg config) (replayDependencies, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return replayDependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}
	deps := replayDependencies{client: client, consumer: saramaConsumerAdapter{consumer: rawConsumer}}
	if !cfg.execute {
		return deps, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		deps.close()
		return replayDependencies{}, fmt.Errorf("create kafka producer: %w", err)
	}
	deps.producer = producer
	return deps, nil
}

type dependencyFactory func(cfg config) (replayDependencies, error)

func newRootCmd(factory dependencyFactory, lookup func(string) (string, bool)) *cobra.Command {
	var (
		brokersRaw string
		topics     []string
		cfg        config
	)

	cmd := &cobra.Command{
		Use:           "dlq-replay",
		Short:         "Replay dead-lettered saga messages back to their original topics",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(brokersRaw) == "" {
				brokersRaw, _ = lookup(envKafkaBrokers)
			}
			cfg.brokers = parseList(brokersRaw)
			cfg.topics = make(map[string]struct{})
			for _, topic := range parseList(strings.Join(topics, ",")) {
				cfg.topics[topic] = struct{}{}
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			deps, err := factory(cfg)
			if err != nil {
				return err
			}
			defer deps.close()

			return runReplay(cmd.Context(), cfg, deps)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	flags.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flags.StringSliceVar(&topics, "topic", nil, "replay only messages originally sent to these topics")
	flags.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	flags.BoolVar(&cfg.execute, "execute", false, "publish replayed messages; default is dry-run")
	flags.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	return cmd
}

func (c config) validate() error {
	switch {
	case len(c.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (--brokers or %s)", envKafkaBrokers)
	case strings.TrimSpace(c.sourceTopic) == "":
		return errors.New("source-topic is required")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func parseList(raw string) []string {
	var out []string
	for _, chunk := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(chunk); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

func runReplay(ctx context.Context, cfg config, deps replayDependencies) error {
	if deps.client == nil || deps.consumer == nil {
		return errors.New("kafka client and consumer are required")
	}
	if cfg.execute && deps.producer == nil {
		return errors.New("producer is required in execute mode")
	}

	partitions, err := deps.client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total replayStats
	for _, partition := range partitions {
		remaining := cfg.limit - total.processed
		if remaining <= 0 {
			break
		}
		stats, err := replayPartition(ctx, cfg, deps, partition, remaining)
		total.add(stats)
		if err != nil {
			return err
		}
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return nil
}

func replayPartition(ctx context.Context, cfg config, deps replayDependencies, partition int32, limit int) (replayStats, error) {
	var stats replayStats

	oldest, err := deps.client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := deps.client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.fromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	pc, err := deps.consumer.ConsumePartition(cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return stats, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.idleTimeout)

			stats.processed++
			entry := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

			replay, err := decodeDeadLetter(msg.Value)
			if err != nil {
				stats.skipped++
				entry.WithError(err).Warn("skip unsupported dlq message")
			} else if !cfg.wants(replay.topic) {
				stats.skipped++
			} else if cfg.execute {
				if err := publishReplay(deps.producer, replay); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				stats.replayed++
			} else {
				stats.replayed++
				entry.WithFields(log.Fields{
					"target_topic": replay.topic,
					"key":          replay.key,
				}).Info("dlq replay candidate")
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

func (c config) wants(topic string) bool {
	if len(c.topics) == 0 {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

func decodeDeadLetter(raw []byte) (replayMessage, error) {
	var letter kafka.DeadLetter
	if err := json.Unmarshal(raw, &letter); err != nil {
		return replayMessage{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if strings.TrimSpace(letter.OriginalTopic) == "" {
		return replayMessage{}, errors.New("dead letter has no original topic")
	}
	if letter.OriginalValue == "" {
		return replayMessage{}, errors.New("dead letter has no original payload")
	}
	return replayMessage{
		topic: letter.OriginalTopic,
		key:   letter.OriginalKey,
		value: []byte(letter.OriginalValue),
	}, nil
}

// publishReplay отправляет сообщение без retry-заголовков, счётчик попыток у consumer начнётся заново.
func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return errors.New("producer is nil")
	}
	now := time.Now().UTC()
	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     msg.topic,
		Key:       sarama.StringEncoder(msg.key),
		Value:     sarama.ByteEncoder(msg.value),
		Timestamp: now,
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerReplayedAt), Value: []byte(now.Format(time.RFC3339))},
		},
	})
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newSaramaDependencies, os.LookupEnv).ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}
