// Package memory содержит in-process реализацию domain.MessageChannel для тестов и локального запуска.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

// Message: опубликованное сообщение.
type Message struct {
	Destination string
	Key         string
	Payload     []byte
}

// Channel хранит опубликованные сообщения и доставляет их подписчикам в отдельных горутинах.
// Доставка асинхронна, чтобы обработчик мог публиковать ответ, пока отправитель держит блокировку заказа.
type Channel struct {
	mu        sync.RWMutex
	handlers  map[string][]domain.MessageHandler
	published []Message
	failures  map[string]error

	inflight sync.WaitGroup
	logger   *log.Entry
}

// NewChannel создаёт пустой канал.
func NewChannel(logger *log.Entry) *Channel {
	if logger == nil {
		logger = log.WithField("component", "memory-channel")
	}
	return &Channel{
		handlers: make(map[string][]domain.MessageHandler),
		failures: make(map[string]error),
		logger:   logger,
	}
}

// FailPublish заставляет Publish в destination возвращать err; nil снимает сбой.
func (c *Channel) FailPublish(destination string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		delete(c.failures, destination)
		return
	}
	c.failures[destination] = err
}

// Publish сохраняет сообщение и планирует доставку подписчикам.
func (c *Channel) Publish(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.failures[destination]; err != nil {
		c.mu.Unlock()
		return fmt.Errorf("publish to %s: %w", destination, err)
	}

	body := append([]byte(nil), payload...)
	c.published = append(c.published, Message{
		Destination: destination,
		Key:         domain.MessageKeyFromContext(ctx),
		Payload:     body,
	})
	handlers := append([]domain.MessageHandler(nil), c.handlers[destination]...)
	// Add до отпускания mu: Drain не пропустит доставку, запланированную из обработчика.
	c.inflight.Add(len(handlers))
	c.mu.Unlock()

	for _, handler := range handlers {
		go func(h domain.MessageHandler) {
			defer c.inflight.Done()
			// Контекст публикации может закончиться раньше доставки.
			if err := h(context.WithoutCancel(ctx), destination, body); err != nil {
				c.logger.WithError(err).WithField("destination", destination).Warn("message handler failed")
			}
		}(handler)
	}

	return nil
}

// Subscribe регистрирует обработчик; контекст подписки не используется.
func (c *Channel) Subscribe(_ context.Context, destination string, handler domain.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[destination] = append(c.handlers[destination], handler)
	return nil
}

// Deliver синхронно передаёт payload всем подписчикам destination, не записывая его в Published.
// Позволяет в тестах повторять или переупорядочивать доставку.
func (c *Channel) Deliver(ctx context.Context, destination string, payload []byte) error {
	c.mu.RLock()
	handlers := append([]domain.MessageHandler(nil), c.handlers[destination]...)
	c.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, destination, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Drain ждёт завершения всех запланированных доставок.
func (c *Channel) Drain() {
	c.inflight.Wait()
}

// Published возвращает копию опубликованных сообщений в порядке публикации.
func (c *Channel) Published() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Message, len(c.published))
	copy(result, c.published)
	return result
}

// PublishedTo возвращает сообщения одного destination.
func (c *Channel) PublishedTo(destination string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []Message
	for _, msg := range c.published {
		if msg.Destination == destination {
			result = append(result, msg)
		}
	}
	return result
}

var _ domain.MessageChannel = (*Channel)(nil)
