package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type expirationChecker interface {
	CheckOrderExpiration(ctx context.Context) (int, error)
}

// OrderSweeper periodically expires stale orders
type OrderSweeper struct {
	orders   expirationChecker
	interval time.Duration
	log      *zap.SugaredLogger
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrderSweeper creates a sweeper that runs every interval
func NewOrderSweeper(orders expirationChecker, interval time.Duration, log *zap.SugaredLogger) *OrderSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &OrderSweeper{
		orders:   orders,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start runs one sweep immediately, then one per interval until Stop or
// ctx is cancelled.
func (s *OrderSweeper) Start(ctx context.Context) {
	s.log.Infow("starting order sweeper", "interval", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx)
	}()
}

// Stop stops the sweeper and waits for an in-flight sweep to finish
func (s *OrderSweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.log.Infow("order sweeper stopped")
	})
}

func (s *OrderSweeper) runLoop(ctx context.Context) {
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *OrderSweeper) sweep(ctx context.Context) {
	start := time.Now()

	count, err := s.orders.CheckOrderExpiration(ctx)
	if err != nil {
		s.log.Errorw("order sweep failed", "expired", count, "error", err, "duration", time.Since(start))
		return
	}
	if count > 0 {
		s.log.Infow("order sweep finished", "expired", count, "duration", time.Since(start))
	} else {
		s.log.Debugw("order sweep found nothing to expire", "duration", time.Since(start))
	}
}
