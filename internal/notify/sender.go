package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RetryConfig holds configuration for retry logic.
type RetryConfig struct {
	MaxRetries  int
	RetryDelays []time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		RetryDelays: []time.Duration{
			1 * time.Second,
			5 * time.Second,
			30 * time.Second,
		},
	}
}

// Sender hands messages to a Mailer with rate limiting and retries.
type Sender struct {
	mailer  Mailer
	limiter *rate.Limiter
	retry   RetryConfig
	metrics *Metrics
	logger  zerolog.Logger
}

// NewSender creates a sender allowing perSecond messages per second.
func NewSender(mailer Mailer, perSecond float64, retry RetryConfig, metrics *Metrics, logger *zerolog.Logger) *Sender {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if metrics == nil {
		metrics = NewMetrics("", nil)
	}
	return &Sender{
		mailer:  mailer,
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry,
		metrics: metrics,
		logger:  logger.With().Str("component", "sender").Logger(),
	}
}

// SendWithRetry sends msg, retrying transient failures with the configured delays.
// Permanent failures are returned immediately.
func (s *Sender) SendWithRetry(ctx context.Context, msg Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		start := time.Now()
		err := s.mailer.Send(ctx, msg)
		s.metrics.SendDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			s.metrics.Sent.WithLabelValues(string(msg.Kind), "sent").Inc()
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			s.metrics.Sent.WithLabelValues(string(msg.Kind), "rejected").Inc()
			return err
		}

		if attempt < s.retry.MaxRetries {
			delay := s.delay(attempt)
			s.metrics.Retries.Inc()
			s.logger.Info().
				Int("attempt", attempt+1).
				Int("max_retries", s.retry.MaxRetries).
				Dur("delay", delay).
				Err(err).
				Msg("retrying notification send")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	s.metrics.Sent.WithLabelValues(string(msg.Kind), "failed").Inc()
	s.logger.Error().
		Int64("reservation_id", msg.ReservationID).
		Str("kind", string(msg.Kind)).
		Err(lastErr).
		Msg("max retries exceeded for notification")
	return lastErr
}

func (s *Sender) delay(attempt int) time.Duration {
	if len(s.retry.RetryDelays) == 0 {
		return 0
	}
	if attempt < len(s.retry.RetryDelays) {
		return s.retry.RetryDelays[attempt]
	}
	return s.retry.RetryDelays[len(s.retry.RetryDelays)-1]
}
