// Package ratectl implements the per-worker rate controller: an exact
// per-second QPS ceiling with an optional linear or exponential ramp toward
// an end rate.
package ratectl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/valkey-loadgen/internal/config"
)

// Controller enforces that a worker's request rate does not exceed
// current_qps, stepping current_qps toward end_qps on a ramp schedule when
// configured. A Controller is shared by every dispatch task within one
// worker process; Throttle is safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	currentQPS float64
	endQPS     float64

	changeInterval time.Duration
	qpsChange      float64
	rampMode       config.RampMode
	rampFactor     float64
	rampEnabled    bool
	rampDirection  float64 // +1 ramping up, -1 ramping down, 0 disabled

	secondStart        time.Time
	requestsThisSecond int64
	lastUpdate         time.Time

	unlimited bool

	throttledCount atomic.Int64
}

// New builds a Controller from a worker's configuration. It also returns any
// non-fatal warnings the caller should log (missing start_qps, a
// ramp-down exponential factor).
func New(cfg config.Config) (*Controller, []string) {
	var warnings []string

	start := initialQPS(cfg, &warnings)
	direction := rampDirection(start, cfg.EndQPS)

	rampEnabled := cfg.QPSChangeInterval > 0 && cfg.EndQPS > 0 && direction != 0
	if rampEnabled && cfg.QPSRampMode == config.RampExponential && cfg.QPSRampFactor < 1 {
		warnings = append(warnings, "qps_ramp_factor < 1: current_qps will ramp down over time")
	}
	if rampEnabled && cfg.QPSRampMode == config.RampLinear && sign(cfg.QPSChange) != direction {
		rampEnabled = false
	}

	now := time.Now()
	c := &Controller{
		currentQPS:     start,
		endQPS:         cfg.EndQPS,
		changeInterval: time.Duration(cfg.QPSChangeInterval * float64(time.Second)),
		qpsChange:      cfg.QPSChange,
		rampMode:       cfg.QPSRampMode,
		rampFactor:     cfg.QPSRampFactor,
		rampEnabled:    rampEnabled,
		rampDirection:  direction,
		secondStart:    now,
		lastUpdate:     now,
		unlimited:      start <= 0,
	}
	return c, warnings
}

func initialQPS(cfg config.Config, warnings *[]string) float64 {
	switch {
	case cfg.StartQPS > 0:
		return cfg.StartQPS
	case cfg.QPS > 0:
		return cfg.QPS
	case cfg.EndQPS > 0:
		*warnings = append(*warnings, "start_qps not set; using end_qps as a fixed rate, no ramp range")
		return cfg.EndQPS
	default:
		return 0
	}
}

func rampDirection(start, end float64) float64 {
	switch {
	case end > start:
		return 1
	case end < start:
		return -1
	default:
		return 0
	}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// Throttle suspends the caller long enough that this worker's request rate
// does not exceed current_qps, applying any due ramp step first. It returns
// immediately when the controller is unlimited (current_qps <= 0) or when
// ctx is cancelled while sleeping.
func (c *Controller) Throttle(ctx context.Context) error {
	if c.unlimited {
		return nil
	}

	now := time.Now()
	c.mu.Lock()

	if c.rampEnabled && now.Sub(c.lastUpdate) >= c.changeInterval {
		c.applyRampStep()
		c.lastUpdate = now
	}

	if now.Sub(c.secondStart) >= time.Second {
		c.requestsThisSecond = 0
		c.secondStart = now
	}

	var sleepDur time.Duration
	if c.currentQPS > 0 && float64(c.requestsThisSecond) >= c.currentQPS {
		elapsed := now.Sub(c.secondStart)
		remain := time.Second - elapsed
		if remain > 0 {
			sleepDur = remain
		}
		c.requestsThisSecond = 0
		c.secondStart = now.Add(sleepDur)
	}
	c.requestsThisSecond++
	c.mu.Unlock()

	if sleepDur <= 0 {
		return nil
	}
	c.throttledCount.Add(1)
	timer := time.NewTimer(sleepDur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyRampStep advances current_qps by one ramp step. Caller holds c.mu.
func (c *Controller) applyRampStep() {
	switch c.rampMode {
	case config.RampExponential:
		c.currentQPS = math.Round(c.currentQPS * c.rampFactor)
	default: // linear
		c.currentQPS += c.qpsChange
	}
	if c.rampDirection > 0 && c.currentQPS > c.endQPS {
		c.currentQPS = c.endQPS
	} else if c.rampDirection < 0 && c.currentQPS < c.endQPS {
		c.currentQPS = c.endQPS
	}
}

// CurrentQPS returns the current ceiling, for progress reporting.
func (c *Controller) CurrentQPS() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentQPS
}

// Unlimited reports whether this controller never throttles.
func (c *Controller) Unlimited() bool {
	return c.unlimited
}

// ThrottledCount returns how many times Throttle has slept.
func (c *Controller) ThrottledCount() int64 {
	return c.throttledCount.Load()
}

// String renders a short diagnostic summary, used in human-mode progress
// lines and error messages.
func (c *Controller) String() string {
	if c.unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%.0f qps", c.CurrentQPS())
}
