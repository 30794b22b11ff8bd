package saga

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordersaga/internal/domain"
)

const (
	defaultReservationTimeout = 5 * time.Minute
	defaultScanInterval       = 30 * time.Second
	defaultScanBatchSize      = 100
	defaultScanParallelism    = 8
)

// WatcherOptions задаёт параметры TimeoutWatcher.
type WatcherOptions struct {
	Logger      *log.Entry
	Timeout     time.Duration
	Interval    time.Duration
	BatchSize   int
	Parallelism int
	Now         func() time.Time
}

// WatcherOption настраивает TimeoutWatcher.
type WatcherOption func(*WatcherOptions)

// WithWatcherLogger задаёт logger.
func WithWatcherLogger(logger *log.Entry) WatcherOption {
	return func(opts *WatcherOptions) {
		opts.Logger = logger
	}
}

// WithReservationTimeout задаёт, сколько заказ может ждать ответа на резерв.
func WithReservationTimeout(timeout time.Duration) WatcherOption {
	return func(opts *WatcherOptions) {
		opts.Timeout = timeout
	}
}

// WithScanInterval задаёт интервал между проверками.
func WithScanInterval(interval time.Duration) WatcherOption {
	return func(opts *WatcherOptions) {
		opts.Interval = interval
	}
}

// WithScanBatchSize задаёт, сколько заказов выбирается за одну выборку.
func WithScanBatchSize(size int) WatcherOption {
	return func(opts *WatcherOptions) {
		opts.BatchSize = size
	}
}

// WithWatcherClock подменяет источник времени.
func WithWatcherClock(now func() time.Time) WatcherOption {
	return func(opts *WatcherOptions) {
		opts.Now = now
	}
}

// TimeoutWatcher периодически переводит в FAILED заказы, не дождавшиеся ответа на резерв.
type TimeoutWatcher struct {
	orders      domain.OrderRepository
	orch        *Orchestrator
	logger      *log.Entry
	timeout     time.Duration
	interval    time.Duration
	batchSize   int
	parallelism int
	now         func() time.Time
}

// NewTimeoutWatcher создаёт воркер таймаутов.
func NewTimeoutWatcher(orders domain.OrderRepository, orch *Orchestrator, options ...WatcherOption) *TimeoutWatcher {
	opts := WatcherOptions{
		Timeout:     defaultReservationTimeout,
		Interval:    defaultScanInterval,
		BatchSize:   defaultScanBatchSize,
		Parallelism: defaultScanParallelism,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "saga-timeout-watcher")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultReservationTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultScanInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultScanBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &TimeoutWatcher{
		orders:      orders,
		orch:        orch,
		logger:      logger,
		timeout:     opts.Timeout,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		now:         opts.Now,
	}
}

// Run запускает периодическую проверку до отмены ctx.
func (w *TimeoutWatcher) Run(ctx context.Context) {
	if w.orders == nil || w.orch == nil {
		w.logger.Warn("timeout watcher is disabled: dependencies are nil")
		return
	}

	w.scan(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *TimeoutWatcher) scan(ctx context.Context) {
	expired, err := w.ExpireStale(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.logger.WithError(err).Warn("reservation timeout scan failed")
		return
	}
	if expired > 0 {
		w.logger.WithField("expired", expired).Info("reservation timeout scan completed")
	}
}

// ExpireStale переводит в FAILED один batch заказов, ждущих резерва дольше timeout.
func (w *TimeoutWatcher) ExpireStale(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deadline := w.now().Add(-w.timeout)
	stale, err := w.orders.List(ctx, domain.OrderFilter{
		Status:        domain.OrderStatusPending,
		UpdatedBefore: deadline,
		Limit:         w.batchSize,
	})
	if err != nil {
		return 0, domain.Internal(err)
	}

	var (
		mu      sync.Mutex
		expired int
		errs    []error
	)
	w.processInParallel(len(stale), func(index int) {
		ok, err := w.orch.ExpireReservation(ctx, stale[index].ID, deadline)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		if ok {
			expired++
		}
	})

	return expired, errors.Join(errs...)
}

func (w *TimeoutWatcher) processInParallel(size int, processFn func(index int)) {
	if size == 0 {
		return
	}

	limit := w.parallelism
	if limit > size {
		limit = size
	}

	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for idx := 0; idx < size; idx++ {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(index int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			processFn(index)
		}(idx)
	}

	wg.Wait()
}
