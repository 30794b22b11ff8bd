package domain

import "context"

// MessageHandler обрабатывает сообщение, доставленное из канала.
// Возврат ошибки означает, что транспорт вправе доставить сообщение повторно.
type MessageHandler func(ctx context.Context, destination string, payload []byte) error

// MessageChannel абстрагирует брокер: публикация возвращается после подтверждения брокера,
// доставка: at-least-once.
type MessageChannel interface {
	Publish(ctx context.Context, destination string, payload []byte) error
	Subscribe(ctx context.Context, destination string, handler MessageHandler) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepReserve    SagaStep = "reserve_products"
	SagaStepConfirm    SagaStep = "confirm_order"
	SagaStepCompensate SagaStep = "compensate"
)

type messageKeyCtxKey struct{}

// ContextWithMessageKey задаёт ключ партиционирования для публикации.
// Транспорты без понятия ключа его игнорируют.
func ContextWithMessageKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, messageKeyCtxKey{}, key)
}

// MessageKeyFromContext возвращает ключ, заданный ContextWithMessageKey.
func MessageKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(messageKeyCtxKey{}).(string)
	return key
}
