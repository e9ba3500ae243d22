package license

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically purges expired licenses from the store. Verification
// already enforces expiry on every read, so the sweep exists only to reclaim
// storage for keys nobody presents again.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	started  bool
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper over the given manager. A non-positive
// interval disables sweeping.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger.With(slog.String("component", "license_sweeper")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately; call Stop to halt.
// A non-positive interval makes Start a no-op.
func (s *Sweeper) Start() {
	if s.interval <= 0 {
		return
	}
	s.started = true
	go s.run()
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweep started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := s.manager.PurgeExpired(ctx); err != nil {
				s.logger.Error("expiry sweep failed", slog.String("error", err.Error()))
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Stop halts the sweep loop and waits for it to exit. Calling Stop on a
// sweeper that was never started returns immediately.
func (s *Sweeper) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if s.started {
		<-s.done
	}
}
