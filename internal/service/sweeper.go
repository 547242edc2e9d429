package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"kirimaja/backend/internal/metrics"
)

// ReturnExpirySweeper periodically auto-rejects return requests whose
// approval SLA has lapsed. This is the only time-triggered transition in
// the system.
type ReturnExpirySweeper struct {
	svc      *Service
	interval time.Duration
	logger   *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewReturnExpirySweeper(svc *Service, interval time.Duration, logger *zap.Logger) *ReturnExpirySweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReturnExpirySweeper{
		svc:      svc,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (w *ReturnExpirySweeper) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *ReturnExpirySweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	expired, err := w.svc.repo.ExpireReturnRequests(sweepCtx, time.Now().UTC())
	if err != nil {
		w.logger.Error("return expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		metrics.ReturnRequestsExpiredTotal.Add(float64(expired))
		w.logger.Info("expired return requests", zap.Int("count", expired))
	}
}

func (w *ReturnExpirySweeper) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
	})
}
