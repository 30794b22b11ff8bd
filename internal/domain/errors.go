package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствия хотя бы одного товара в заказе.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательного итога заказа.
	ErrTotalNegative = errors.New("total must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка отсутствующего идентификатора товара.
	ErrItemProductRequired = errors.New("item product_id is required")
	// Ошибка несоответствия итога заказа и сумм позиций.
	ErrTotalMismatch = errors.New("order total does not match items sum")
	// Ошибка неизвестного статуса.
	ErrStatusInvalid = errors.New("unknown order status")
	// Ошибка отсутствующего идентификатора заказа.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrInvalidTransition: переход отсутствует в автомате статусов.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrInternal: сбой хранилища или транспорта.
	ErrInternal = errors.New("internal error")
	// ErrLockNotAcquired: не удалось взять блокировку заказа до истечения контекста.
	ErrLockNotAcquired = errors.New("order lock not acquired")
	// ErrInvalidArgument: входные данные не прошли проверку.
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsNotFound проверяет, что заказ не найден.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsInvalidTransition проверяет, что переход статуса запрещён.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsInvalidArgument проверяет, что ошибка вызвана некорректным вводом.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// InvalidArgument объединяет замечания валидации под ErrInvalidArgument.
func InvalidArgument(errs ...error) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidArgument, joined)
}

// IsInternal проверяет, что ошибка помечена как внутренняя.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// Internal помечает ошибку как ErrInternal, сохраняя исходную причину в цепочке.
func Internal(err error) error {
	if err == nil || errors.Is(err, ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
