package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"
)

// RateControllerConfig tunes how aggressively the controller ramps and
// backs off the external-call concurrency limit.
type RateControllerConfig struct {
	MinInFlight int
	MaxInFlight int
	StartInFlight int

	Tick time.Duration

	DecreaseFactor float64 // applied to the limit on any congestion signal
	IncreaseFactor float64 // applied to the limit on a clean window
}

// DefaultRateControllerConfig returns a conservative starting point:
// ramp slowly, back off hard on the first sign of congestion.
func DefaultRateControllerConfig(maxInFlight int) RateControllerConfig {
	return RateControllerConfig{
		MinInFlight:   1,
		MaxInFlight:   maxInFlight,
		StartInFlight: maxInFlight,
		Tick:          1 * time.Second,
		DecreaseFactor: 0.6,
		IncreaseFactor: 1.15,
	}
}

// RateController watches the outcomes of external calls made through an
// AdaptiveSemaphore-gated path (the review producer, the Slack API, the
// p4 subprocess) and adjusts the semaphore's limit in response: any
// rate-limited, timed-out, or server-error outcome shrinks the limit;
// a clean window grows it back.
type RateController struct {
	sem *AdaptiveSemaphore
	cfg RateControllerConfig

	mu      sync.Mutex
	current int
	total   int
	ok      int
	congested int
}

// NewRateController builds a controller driving sem's limit.
func NewRateController(sem *AdaptiveSemaphore, cfg RateControllerConfig) *RateController {
	if cfg.MinInFlight < 1 {
		cfg.MinInFlight = 1
	}
	if cfg.MaxInFlight < cfg.MinInFlight {
		cfg.MaxInFlight = cfg.MinInFlight
	}
	if cfg.StartInFlight < cfg.MinInFlight || cfg.StartInFlight > cfg.MaxInFlight {
		cfg.StartInFlight = cfg.MaxInFlight
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 1 * time.Second
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = 0.6
	}
	if cfg.IncreaseFactor <= 1.0 {
		cfg.IncreaseFactor = 1.15
	}
	sem.SetLimit(cfg.StartInFlight)
	return &RateController{sem: sem, cfg: cfg, current: cfg.StartInFlight}
}

// Start runs the adjustment loop until ctx is cancelled.
func (c *RateController) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(c.cfg.Tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.step()
			}
		}
	}()
}

// Observe records one external call's outcome.
func (c *RateController) Observe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if err == nil {
		c.ok++
		return
	}
	if isCongestionError(err) {
		c.congested++
	}
}

// CurrentLimit returns the semaphore's current limit.
func (c *RateController) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *RateController) step() {
	c.mu.Lock()
	total, ok, congested := c.total, c.ok, c.congested
	c.total, c.ok, c.congested = 0, 0, 0
	cur := c.current
	next := cur

	if congested > 0 {
		next = int(math.Floor(float64(cur) * c.cfg.DecreaseFactor))
		if next < c.cfg.MinInFlight {
			next = c.cfg.MinInFlight
		}
	} else if total > 0 && ok > 0 {
		next = int(math.Ceil(float64(cur) * c.cfg.IncreaseFactor))
		if next > c.cfg.MaxInFlight {
			next = c.cfg.MaxInFlight
		}
	}
	changed := next != cur
	if changed {
		c.current = next
	}
	c.mu.Unlock()

	if changed {
		c.sem.SetLimit(next)
	}
}

// isCongestionError classifies an external-call error as a signal the
// caller is overwhelmed and should shed concurrency: rate limiting,
// timeouts, and 5xx-shaped server errors all count.
func isCongestionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "503"), strings.Contains(msg, "502"), strings.Contains(msg, "500"), strings.Contains(msg, "server error"):
		return true
	default:
		return false
	}
}
