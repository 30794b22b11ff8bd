package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// consumerFactory создаёт consumer для одного топика; подменяется в тестах.
type consumerFactory func(topic string, handler MessageHandler) (*Consumer, error)

// Channel реализует domain.MessageChannel поверх Kafka: destination: это имя топика.
type Channel struct {
	producer    *Producer
	newConsumer consumerFactory
	logger      *log.Entry

	mu        sync.Mutex
	consumers []*Consumer
	closed    bool
}

// ChannelConfig описывает подключение Channel к кластеру.
type ChannelConfig struct {
	Brokers    []string
	GroupID    string
	MaxRetries int
	// DLQ включает отправку необработанных ответов в TopicDeadLetterQueue.
	DLQ bool
}

// NewChannel создаёт producer и фабрику consumer group для подписок.
func NewChannel(cfg ChannelConfig, logger *log.Entry) (*Channel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka consumer group is required")
	}

	producer, err := NewProducer(cfg.Brokers)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.WithField("component", "kafka-channel")
	}

	opts := []ConsumerOption{WithMaxRetries(cfg.MaxRetries), WithConsumerLogger(logger)}
	if cfg.DLQ {
		opts = append(opts, WithDLQ(producer))
	}

	factory := func(topic string, handler MessageHandler) (*Consumer, error) {
		return NewConsumer(cfg.Brokers, cfg.GroupID, []string{topic}, handler, opts...)
	}

	return newChannel(producer, factory, logger), nil
}

func newChannel(producer *Producer, factory consumerFactory, logger *log.Entry) *Channel {
	if logger == nil {
		logger = log.WithField("component", "kafka-channel")
	}
	return &Channel{producer: producer, newConsumer: factory, logger: logger}
}

// Publish отправляет payload в топик destination и ждёт подтверждения брокера.
func (c *Channel) Publish(ctx context.Context, destination string, payload []byte) error {
	return c.producer.Publish(ctx, destination, domain.MessageKeyFromContext(ctx), payload, nil)
}

// Subscribe запускает consumer group на топик destination.
func (c *Channel) Subscribe(ctx context.Context, destination string, handler domain.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("kafka channel is closed")
	}

	consumer, err := c.newConsumer(destination, func(ctx context.Context, msg *sarama.ConsumerMessage) error {
		return handler(ctx, msg.Topic, msg.Value)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", destination, err)
	}
	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start consumer for %s: %w", destination, err)
	}

	c.consumers = append(c.consumers, consumer)
	c.logger.WithField("destination", destination).Info("subscribed to kafka topic")
	return nil
}

// Close останавливает все подписки и producer.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, consumer := range c.consumers {
		if err := consumer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ domain.MessageChannel = (*Channel)(nil)
