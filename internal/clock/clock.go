// Package clock provides a best-effort wall clock backed by network time.
// Values are epoch seconds and clamped monotone non-decreasing across
// calls, so a flapping provider can never roll time backwards.
package clock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/geofmureithi/broker/pkg/logging"
)

const (
	primaryHost  = "time.cloudflare.com"
	fallbackHost = "pool.ntp.org"
	queryTimeout = 3 * time.Second
)

// ErrUnavailable is returned when both time providers fail after retries.
// Callers treat it as transient.
var ErrUnavailable = errors.New("clock: no network time source available")

// QueryFunc queries one NTP host and returns its transmit time. Injectable
// for tests.
type QueryFunc func(host string) (time.Time, error)

// Clock queries the primary provider and falls back to the pool, wrapping
// the pair in a bounded retry with backoff.
type Clock struct {
	query  QueryFunc
	retry  retrypolicy.RetryPolicy[int64]
	logger logging.Logger

	mu       sync.Mutex
	last     int64
	lastSync time.Time
}

// New creates a clock backed by real NTP queries
func New(logger logging.Logger) *Clock {
	return NewWithQuery(ntpQuery, logger)
}

// NewWithQuery creates a clock with a custom query function
func NewWithQuery(query QueryFunc, logger logging.Logger) *Clock {
	retry := retrypolicy.NewBuilder[int64]().
		WithBackoff(250*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	return &Clock{
		query:  query,
		retry:  retry,
		logger: logger,
	}
}

// Now returns the current epoch seconds from the network time source.
func (c *Clock) Now() (int64, error) {
	now, err := failsafe.With(c.retry).Get(c.queryProviders)
	if err != nil {
		c.logger.WithError(err).Warn("Network time lookup failed")
		return 0, ErrUnavailable
	}

	c.mu.Lock()
	if now < c.last {
		now = c.last
	} else {
		c.last = now
	}
	c.lastSync = time.Now()
	c.mu.Unlock()

	return now, nil
}

// LastSync reports when the last successful query completed. Zero when no
// query has succeeded yet.
func (c *Clock) LastSync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

func (c *Clock) queryProviders() (int64, error) {
	t, err := c.query(primaryHost)
	if err != nil {
		c.logger.WithError(err).WithField("host", primaryHost).Debug("Primary time provider failed, trying fallback")
		t, err = c.query(fallbackHost)
	}
	if err != nil {
		return 0, fmt.Errorf("querying time providers: %w", err)
	}
	return t.Unix(), nil
}

func ntpQuery(host string) (time.Time, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: queryTimeout})
	if err != nil {
		return time.Time{}, err
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, err
	}
	return resp.Time, nil
}
