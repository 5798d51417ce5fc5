// Package healthcheck probes the backend in the background. Its verdict is
// informational: the gateway's own liveness endpoint never depends on it.
package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Performs periodic health checks on the backend
type Checker struct {
	mu          sync.RWMutex
	status      Status
	url         string
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	client      *http.Client
	logger      *zap.Logger
	onChange    func(healthy bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// Holds health checker configuration
type Config struct {
	Target      string
	Endpoint    string        // Health check endpoint (e.g., "/health")
	Interval    time.Duration // How often to check (default: 10s)
	Timeout     time.Duration // Request timeout (default: 5s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)

	Client   *http.Client
	Logger   *zap.Logger
	OnChange func(healthy bool)
}

func NewChecker(cfg Config) *Checker {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/health"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Checker{
		status:      Status{Target: cfg.Target, Health: Unknown},
		url:         strings.TrimSuffix(cfg.Target, "/") + cfg.Endpoint,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		maxFailures: cfg.MaxFailures,
		client:      cfg.Client,
		logger:      cfg.Logger,
		onChange:    cfg.OnChange,
	}
}

// Begins periodic health checks until ctx is canceled or Stop is called
func (c *Checker) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.logger.Info("starting backend health checks",
		zap.String("url", c.url),
		zap.Duration("interval", c.interval))

	go func() {
		defer close(done)

		// Run initial check immediately
		c.Check(ctx)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stops the health checker and waits for an in-flight check to finish
func (c *Checker) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("health checker stopped")
}

// Check probes the backend once and records the result.
func (c *Checker) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		c.recordFailure(err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(err)
		return
	}
	defer resp.Body.Close()

	// Consider 2xx and 3xx as healthy
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		c.recordSuccess()
	} else {
		c.recordFailure(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// Records a successful health check
func (c *Checker) recordSuccess() {
	c.mu.Lock()
	now := time.Now()
	c.status.LastCheck = now
	c.status.LastSuccess = now
	c.status.FailureCount = 0
	c.status.LastError = ""

	changed := c.status.Health != Healthy
	c.status.Health = Healthy
	c.mu.Unlock()

	if changed {
		c.logger.Info("backend is healthy", zap.String("url", c.url))
		c.notify(true)
	}
}

// Records a failed health check
func (c *Checker) recordFailure(err error) {
	c.mu.Lock()
	now := time.Now()
	c.status.LastCheck = now
	c.status.LastFailure = now
	c.status.FailureCount++
	c.status.LastError = err.Error()

	changed := false
	if c.status.Health != Unhealthy && c.status.FailureCount >= c.maxFailures {
		c.status.Health = Unhealthy
		changed = true
	}
	failures := c.status.FailureCount
	c.mu.Unlock()

	if changed {
		c.logger.Warn("backend is unhealthy",
			zap.String("url", c.url),
			zap.Int("failures", failures),
			zap.Error(err))
		c.notify(false)
	}
}

func (c *Checker) notify(healthy bool) {
	if c.onChange != nil {
		c.onChange(healthy)
	}
}

// Returns a copy of the current status
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}
