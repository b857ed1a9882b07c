package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
)

const maxFeedBytes = 5 << 20

// ErrFeedUnavailable wraps every failure to obtain the external feed.
var ErrFeedUnavailable = errors.New("external calendar unavailable")

// FeedClient downloads the external calendar behind a circuit breaker.
type FeedClient struct {
	url        string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     zerolog.Logger

	redis    *redis.Client
	cacheTTL time.Duration
	cacheKey string
}

// NewFeedClient constructs a client for url with a bounded request timeout.
func NewFeedClient(url string, timeout time.Duration, logger *zerolog.Logger) *FeedClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	c := &FeedClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "calendar_feed").Logger(),
		cacheKey:   "calendar:feed",
	}

	name := "calendar-feed"
	metrics.SetCircuitBreakerState(name, 0)
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("calendar feed circuit breaker state changed")
			metrics.SetCircuitBreakerState(name, stateToFloat(to))
		},
	})
	return c
}

// UseRedisCache shares fetched documents between processes for ttl.
func (c *FeedClient) UseRedisCache(redisClient *redis.Client, ttl time.Duration) {
	c.redis = redisClient
	c.cacheTTL = ttl
}

// Fetch returns the raw feed document.
func (c *FeedClient) Fetch(ctx context.Context) ([]byte, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: no feed url configured", ErrFeedUnavailable)
	}
	if body, ok := c.readCache(ctx); ok {
		metrics.IncCalendarFetch("cache")
		return body, nil
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.get(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.IncCalendarFetch("rejected")
		} else {
			metrics.IncCalendarFetch("error")
		}
		return nil, fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}

	metrics.IncCalendarFetch("ok")
	c.writeCache(ctx, body)
	return body, nil
}

func (c *FeedClient) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
}

func (c *FeedClient) readCache(ctx context.Context) ([]byte, bool) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return nil, false
	}
	val, err := c.redis.Get(ctx, c.cacheKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Debug().Err(err).Msg("calendar cache read failed")
		}
		return nil, false
	}
	return val, true
}

func (c *FeedClient) writeCache(ctx context.Context, body []byte) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	if err := c.redis.Set(ctx, c.cacheKey, body, c.cacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("calendar cache write failed")
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
