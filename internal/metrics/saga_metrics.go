package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины провала саги (значения label "reason").
const (
	FailureReservationRejected = "reservation_rejected"
	FailureReservePublish      = "reserve_publish"
	FailureReservationTimeout  = "reservation_timeout"
	FailureCompensation        = "compensation"
)

// SagaMetrics содержит метрики для saga операций.
// Все методы безопасны для nil-получателя: оркестратор без метрик просто их не пишет.
type SagaMetrics struct {
	// Счётчики исходов
	sagaStarted   prometheus.Counter
	sagaConfirmed prometheus.Counter
	sagaCancelled prometheus.Counter
	sagaFailed    *prometheus.CounterVec

	compensationFailed prometheus.Counter
	repliesDiscarded   prometheus.Counter

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_saga_started_total",
			Help: "Total number of sagas started",
		}),
		sagaConfirmed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_saga_confirmed_total",
			Help: "Total number of sagas that reached CONFIRMED",
		}),
		sagaCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_saga_cancelled_total",
			Help: "Total number of sagas cancelled by compensation",
		}),
		sagaFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordersaga_saga_failed_total",
			Help: "Total number of sagas that ended in FAILED",
		}, []string{"reason"}),
		compensationFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_compensation_failed_total",
			Help: "Total number of compensations whose cancellation publish failed",
		}),
		repliesDiscarded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_replies_discarded_total",
			Help: "Total number of duplicate, stale or orphaned reservation replies",
		}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "ordersaga_saga_duration_seconds",
			Help:    "Time from order creation to a final saga outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ordersaga_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordersaga_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordersaga_active_sagas",
			Help: "Number of sagas waiting for a reservation reply or completing",
		}),
	}
}

func registerCollector[T prometheus.Collector](registerer prometheus.Registerer, name string, collector T) T {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(T)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return registerCollector[prometheus.Counter](registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return registerCollector(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	return registerCollector[prometheus.Gauge](registerer, opts.Name, prometheus.NewGauge(opts))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return registerCollector[prometheus.Histogram](registerer, opts.Name, prometheus.NewHistogram(opts))
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return registerCollector(registerer, opts.Name, prometheus.NewHistogramVec(opts, labels))
}

// RecordSagaStarted увеличивает счётчик запущенных саг.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaConfirmed фиксирует успешное завершение саги.
func (m *SagaMetrics) RecordSagaConfirmed(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sagaConfirmed.Inc()
	m.finish(elapsed)
}

// RecordSagaCancelled фиксирует отмену заказа компенсацией.
func (m *SagaMetrics) RecordSagaCancelled(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sagaCancelled.Inc()
	m.finish(elapsed)
}

// RecordSagaFailed фиксирует провал саги с причиной.
func (m *SagaMetrics) RecordSagaFailed(reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sagaFailed.WithLabelValues(reason).Inc()
	if reason == FailureCompensation {
		m.compensationFailed.Inc()
	}
	m.finish(elapsed)
}

func (m *SagaMetrics) finish(elapsed time.Duration) {
	m.activeSagas.Dec()
	if elapsed > 0 {
		m.sagaDuration.Observe(elapsed.Seconds())
	}
}

// RecordReplyDiscarded увеличивает счётчик отброшенных ответов.
func (m *SagaMetrics) RecordReplyDiscarded() {
	if m == nil {
		return
	}
	m.repliesDiscarded.Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *SagaMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}
