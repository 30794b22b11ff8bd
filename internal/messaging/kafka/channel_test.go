package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

func TestChannel_PublishUsesContextKey(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	channel := newChannel(NewProducerFromSync(mockProducer, nil), nil, log.WithField("test", "channel"))

	ctx := domain.ContextWithMessageKey(context.Background(), "order-1")
	if err := channel.Publish(ctx, "order.created", []byte(`{"orderId":"order-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := channel.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestChannel_PublishFailure(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	channel := newChannel(NewProducerFromSync(mockProducer, nil), nil, nil)
	if err := channel.Publish(context.Background(), "order.created", []byte(`{}`)); err == nil {
		t.Fatal("expected publish error")
	}
	_ = channel.Close()
}

func TestChannel_SubscribeDeliversTopicAndValue(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)

	var (
		gotDestination string
		gotPayload     []byte
	)
	errorsCh := make(chan error)
	var captured MessageHandler
	factory := func(topic string, handler MessageHandler) (*Consumer, error) {
		captured = handler
		group := &mockConsumerGroup{
			errorsCh: errorsCh,
			consumeFn: func(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
				<-ctx.Done()
				return nil
			},
		}
		return newConsumer(group, []string{topic}, handler), nil
	}

	channel := newChannel(NewProducerFromSync(mockProducer, nil), factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	err := channel.Subscribe(ctx, "product.reserved", func(_ context.Context, destination string, payload []byte) error {
		gotDestination = destination
		gotPayload = payload
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := captured(context.Background(), &sarama.ConsumerMessage{Topic: "product.reserved", Value: []byte(`{"orderId":"o1"}`)}); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotDestination != "product.reserved" || string(gotPayload) != `{"orderId":"o1"}` {
		t.Fatalf("unexpected delivery: %s %s", gotDestination, gotPayload)
	}

	cancel()
	if err := channel.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := channel.Subscribe(context.Background(), "product.reserved", nil); err == nil {
		t.Fatal("expected subscribe on closed channel to fail")
	}
}

func TestChannel_SubscribeFactoryError(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	factory := func(string, MessageHandler) (*Consumer, error) {
		return nil, errors.New("no brokers")
	}
	channel := newChannel(NewProducerFromSync(mockProducer, nil), factory, nil)

	if err := channel.Subscribe(context.Background(), "product.reserved", nil); err == nil {
		t.Fatal("expected subscribe error")
	}
	_ = channel.Close()
}

func TestNewChannel_Validation(t *testing.T) {
	if _, err := NewChannel(ChannelConfig{GroupID: "g"}, nil); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewChannel(ChannelConfig{Brokers: []string{"localhost:9092"}}, nil); err == nil {
		t.Fatal("expected error without group")
	}
}
