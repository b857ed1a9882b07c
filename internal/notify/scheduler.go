package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scanner is what the scheduler drives.
type Scanner interface {
	Scan(ctx context.Context) (Report, bool)
}

// Scheduler runs the notifier on a fixed interval.
type Scheduler struct {
	scanner  Scanner
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func NewScheduler(scanner Scanner, interval time.Duration, logger *zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Scheduler{
		scanner:  scanner,
		interval: interval,
		logger:   logger.With().Str("component", "notify_scheduler").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start scans once immediately and then every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().Dur("interval", s.interval).Msg("notification scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scanner.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("notification scheduler stopped by context")
			s.markStopped()
			return
		case <-s.stopCh:
			s.logger.Info().Msg("notification scheduler stopped")
			return
		case <-ticker.C:
			s.scanner.Scan(ctx)
		}
	}
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	s.mu.Unlock()
}

func (s *Scheduler) markStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// RunNow forces an immediate scan.
func (s *Scheduler) RunNow(ctx context.Context) (Report, bool) {
	s.logger.Info().Msg("manual notification scan triggered")
	return s.scanner.Scan(ctx)
}

// IsRunning returns whether the scheduler loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
