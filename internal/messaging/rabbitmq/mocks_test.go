package rabbitmq

import (
	"errors"
	"sync"

	"github.com/streadway/amqp"
)

type fakeConnection struct {
	mu       sync.Mutex
	channels []*fakeChannel
	closed   bool
	newErr   error
}

func (f *fakeConnection) Channel() (amqpChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.newErr != nil {
		return nil, f.newErr
	}
	ch := newFakeChannel()
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConnection) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[i]
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeChannel struct {
	mu sync.Mutex

	exchanges  []string
	queues     []string
	bindings   [][2]string
	published  []amqp.Publishing
	keys       []string
	acks       []ackRecord
	confirmCh  chan amqp.Confirmation
	deliveries chan amqp.Delivery
	nextTag    uint64
	// nackNext заставляет брокер ответить nack на следующую публикацию.
	nackNext   bool
	silent     bool
	publishErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = append(f.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings = append(f.bindings, [2]string{name, key})
	return nil
}

func (f *fakeChannel) Qos(int, int, bool) error { return nil }

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return amqp.ErrClosed
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.nextTag++
	if f.silent {
		return nil
	}
	ack := !f.nackNext
	f.nackNext = false
	f.confirmCh <- amqp.Confirmation{DeliveryTag: f.nextTag, Ack: ack}
	return nil
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCh = confirm
	return confirm
}

func (f *fakeChannel) Ack(tag uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackRecord{tag: tag, ack: true})
	return nil
}

func (f *fakeChannel) Nack(tag uint64, _, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackRecord{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("already closed")
	}
	f.closed = true
	// Как и amqp.Channel, закрытый канал закрывает подписки на подтверждения.
	if f.confirmCh != nil {
		close(f.confirmCh)
	}
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) setSilent(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

func (f *fakeChannel) ackRecords() []ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackRecord(nil), f.acks...)
}
