// Package rabbitmq реализует domain.MessageChannel поверх topic exchange RabbitMQ.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	// DefaultExchange: exchange, через который обмениваются сервис заказов и сервис товаров.
	DefaultExchange = "orders_exchange"

	defaultConfirmTimeout = 5 * time.Second
	defaultPrefetch       = 16
	defaultQueuePrefix    = "ordersaga."
)

var (
	// ErrPublishNacked: брокер отказался принять сообщение.
	ErrPublishNacked = errors.New("rabbitmq publish negatively acknowledged")
	// ErrConfirmTimeout: подтверждение публикации не пришло вовремя.
	ErrConfirmTimeout = errors.New("rabbitmq publish confirmation timeout")

	errClosed         = errors.New("rabbitmq channel is closed")
	errConfirmsClosed = errors.New("confirmation channel closed")
)

// amqpChannel: подмножество *amqp.Channel, нужное каналу сообщений.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
}

type connectionAdapter struct {
	conn *amqp.Connection
}

func (a connectionAdapter) Channel() (amqpChannel, error) {
	return a.conn.Channel()
}

func (a connectionAdapter) Close() error {
	return a.conn.Close()
}

// Config описывает подключение к брокеру.
type Config struct {
	URL            string
	Exchange       string
	QueuePrefix    string
	ConfirmTimeout time.Duration
	Prefetch       int
}

func (c *Config) setDefaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = defaultQueuePrefix
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.Prefetch <= 0 {
		c.Prefetch = defaultPrefetch
	}
}

// Channel публикует в topic exchange с publisher confirms; routing key: это destination.
type Channel struct {
	cfg    Config
	conn   amqpConnection
	logger *log.Entry

	// pubMu сериализует публикации: подтверждения приходят в порядке delivery tag.
	pubMu    sync.Mutex
	pub      amqpChannel
	confirms chan amqp.Confirmation

	// published: delivery tag последней публикации в текущем канале pub.
	published uint64

	mu       sync.Mutex
	subs     []amqpChannel
	wg       sync.WaitGroup
	closed   bool
	stopSubs chan struct{}
}

// Dial подключается к брокеру и объявляет exchange.
func Dial(cfg Config, logger *log.Entry) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := newChannel(connectionAdapter{conn: conn}, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ch, nil
}

func newChannel(conn amqpConnection, cfg Config, logger *log.Entry) (*Channel, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = log.WithField("component", "rabbitmq-channel")
	}

	pub, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := pub.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	c := &Channel{
		cfg:      cfg,
		conn:     conn,
		logger:   logger,
		stopSubs: make(chan struct{}),
	}
	if err := c.usePublisher(pub); err != nil {
		_ = pub.Close()
		return nil, err
	}
	return c, nil
}

// usePublisher включает publisher confirms на канале и делает его каналом публикации.
// Нумерация delivery tag в новом канале начинается с 1.
func (c *Channel) usePublisher(pub amqpChannel) error {
	if err := pub.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	c.pub = pub
	c.confirms = pub.NotifyPublish(make(chan amqp.Confirmation, 1))
	c.published = 0
	return nil
}

// openPublisher открывает новый канал публикации. Вызывается под pubMu.
func (c *Channel) openPublisher() error {
	pub, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := c.usePublisher(pub); err != nil {
		_ = pub.Close()
		return err
	}
	return nil
}

// dropPublisher закрывает канал публикации, чьё подтверждение не дождались.
// Закрытие канала освобождает читателя соединения от неполученных подтверждений,
// и они не достанутся следующей публикации. Вызывается под pubMu.
func (c *Channel) dropPublisher(destination string, cause error) {
	if c.pub == nil {
		return
	}
	c.logger.WithError(cause).WithFields(log.Fields{
		"destination":  destination,
		"delivery_tag": c.published,
	}).Warn("replacing rabbitmq publish channel")
	if err := c.pub.Close(); err != nil {
		c.logger.WithError(err).Debug("close publish channel")
	}
	c.pub = nil
	c.confirms = nil
}

// Publish отправляет persistent-сообщение и ждёт подтверждения брокера.
func (c *Channel) Publish(ctx context.Context, destination string, payload []byte) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if c.isClosed() {
		return errClosed
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}
	if key := domain.MessageKeyFromContext(ctx); key != "" {
		msg.CorrelationId = key
	}

	if c.pub == nil {
		if err := c.openPublisher(); err != nil {
			return fmt.Errorf("publish to %s: %w", destination, err)
		}
	}

	if err := c.pub.Publish(c.cfg.Exchange, destination, false, false, msg); err != nil {
		c.dropPublisher(destination, err)
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	c.published++

	if err := c.awaitConfirm(ctx, c.published); err != nil {
		if !errors.Is(err, ErrPublishNacked) {
			c.dropPublisher(destination, err)
		}
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

// awaitConfirm ждёт подтверждения с тегом tag. Подтверждения с меньшим тегом
// относятся к публикациям, которые уже вернули ошибку, и пропускаются.
func (c *Channel) awaitConfirm(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(c.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-c.confirms:
			if !ok {
				return errConfirmsClosed
			}
			if confirm.DeliveryTag < tag {
				c.logger.WithField("delivery_tag", confirm.DeliveryTag).Debug("skipping stale publish confirmation")
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe объявляет durable-очередь для destination, привязывает её к exchange
// и обрабатывает доставки с ручным подтверждением.
func (c *Channel) Subscribe(ctx context.Context, destination string, handler domain.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}

	queue := c.cfg.QueuePrefix + destination
	deliveries, err := c.declareAndConsume(ch, queue, destination)
	if err != nil {
		_ = ch.Close()
		return err
	}

	c.subs = append(c.subs, ch)
	c.wg.Add(1)
	go c.consume(ctx, ch, destination, deliveries, handler)

	c.logger.WithFields(log.Fields{
		"destination": destination,
		"queue":       queue,
	}).Info("subscribed to rabbitmq queue")
	return nil
}

func (c *Channel) declareAndConsume(ch amqpChannel, queue, destination string) (<-chan amqp.Delivery, error) {
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, destination, c.cfg.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume queue %s: %w", queue, err)
	}
	return deliveries, nil
}

func (c *Channel) consume(ctx context.Context, ch amqpChannel, destination string, deliveries <-chan amqp.Delivery, handler domain.MessageHandler) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopSubs:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(ctx, ch, destination, d, handler)
		}
	}
}

func (c *Channel) handleDelivery(ctx context.Context, ch amqpChannel, destination string, d amqp.Delivery, handler domain.MessageHandler) {
	err := handler(ctx, destination, d.Body)
	if err == nil {
		if ackErr := ch.Ack(d.DeliveryTag, false); ackErr != nil {
			c.logger.WithError(ackErr).WithField("destination", destination).Warn("failed to ack delivery")
		}
		return
	}

	// Один повтор через requeue; повторная неудача уходит в dead-letter exchange очереди, если он настроен.
	requeue := !d.Redelivered
	c.logger.WithError(err).WithFields(log.Fields{
		"destination": destination,
		"message_id":  d.MessageId,
		"requeue":     requeue,
	}).Warn("message handler failed")
	if nackErr := ch.Nack(d.DeliveryTag, false, requeue); nackErr != nil {
		c.logger.WithError(nackErr).WithField("destination", destination).Warn("failed to nack delivery")
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close останавливает подписки и закрывает соединение.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopSubs)
	subs := c.subs
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	for _, ch := range subs {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.pubMu.Lock()
	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			errs = append(errs, err)
		}
		c.pub = nil
	}
	c.pubMu.Unlock()
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ domain.MessageChannel = (*Channel)(nil)
