package job

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/brandflow/internal/metrics"
	"github.com/maheshrc27/brandflow/internal/service"
)

type TokenRefreshJob struct {
	conns       service.ConnectionService
	metrics     *metrics.Metrics
	window      time.Duration
	concurrency int
	now         func() time.Time
}

func NewTokenRefreshJob(conns service.ConnectionService, m *metrics.Metrics, window time.Duration, concurrency int) *TokenRefreshJob {
	if concurrency < 1 {
		concurrency = 1
	}
	return &TokenRefreshJob{
		conns:       conns,
		metrics:     m,
		window:      window,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// RefreshTokens renews every connection whose token expires within the
// window. It returns once all refreshes have finished.
func (c *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()

	refs, err := c.conns.Expiring(ctx, c.now().Add(c.window))
	if err != nil {
		slog.Info(err.Error())
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, c.concurrency)

	for _, ref := range refs {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(ref service.ConnectionRef) {
			defer wg.Done()
			defer func() { <-semaphore }()

			err := c.conns.Refresh(ctx, ref.ClientID, ref.Platform)
			switch {
			case err == nil:
				c.metrics.TokenRefresh(string(ref.Platform), "ok")
			case errors.Is(err, service.ErrRefreshUnsupported):
				c.metrics.TokenRefresh(string(ref.Platform), "unsupported")
			default:
				c.metrics.TokenRefresh(string(ref.Platform), "error")
				slog.Warn("unable to refresh token", "client_id", ref.ClientID, "platform", ref.Platform, "error", err)
			}
		}(ref)
	}
	wg.Wait()
}
