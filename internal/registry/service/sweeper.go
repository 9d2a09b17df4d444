package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper calls DeleteExpired every interval until ctx is done.
func (s *DomainService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sctx, cancel := context.WithTimeout(ctx, interval/2)
			n, err := s.DeleteExpired(sctx)
			cancel()
			if err != nil {
				s.logger.Error("sweep: delete expired", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("sweep: removed expired tokens", zap.Int64("count", n))
			}
		}
	}
}
