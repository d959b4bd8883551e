package pending

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-ap-approval-rules/internal/logger"
)

// DefaultSweepInterval is the period of the background sweep.
const DefaultSweepInterval = 60 * time.Second

// StartSweeper removes expired actions every interval until ctx is cancelled
// or the returned stop function is called. stop blocks until the goroutine
// has exited and is safe to call more than once.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, log *logger.Logger) (stop func()) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(s.now()); removed > 0 && log != nil {
					log.Debug().
						Int("removed", removed).
						Int("remaining", s.Len()).
						Msg("Expired pending actions swept")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
