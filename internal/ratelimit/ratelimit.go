// Package ratelimit implements Rate & Admission Control (component I): a
// per-identity token bucket (one infrastructure/ratelimit.RateLimiter per
// System/Job identity) whose refill rate, fixed when the identity's bucket
// is created, is scaled by a system-load feedback multiplier, with a whitelist bypass and basic anomaly scoring.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"

	coreerrors "github.com/datacore/execution-core/infrastructure/errors"
	infraratelimit "github.com/datacore/execution-core/infrastructure/ratelimit"
	"github.com/datacore/execution-core/infrastructure/utils"
)

// Config controls the admission controller's base policy.
type Config struct {
	WindowSize      time.Duration
	LoadSampleRate  time.Duration
	BaseMaxTokens   int
	MinMultiplier   float64
	MaxMultiplier   float64
}

func DefaultConfig() Config {
	return Config{
		WindowSize:     time.Minute,
		LoadSampleRate: 5 * time.Second,
		BaseMaxTokens:  600,
		MinMultiplier:  0.25,
		MaxMultiplier:  1.5,
	}
}

// LoadSampler abstracts system-load sampling so tests can substitute a
// deterministic fake instead of reading /proc.
type LoadSampler func() (load1 float64, err error)

func gopsutilLoadSampler() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

// Controller admits or rejects calls per identity (a System ID or Job ID),
// applying a system-load-derived multiplier to each identity's bucket.
type Controller struct {
	cfg       Config
	sampler   LoadSampler
	whitelist map[string]bool

	mu       sync.Mutex
	buckets  map[string]*infraratelimit.RateLimiter
	anomaly  map[string]*anomalyTracker

	multiplier float64
	stopCh     chan struct{}
}

func New(cfg Config, whitelist []string) *Controller {
	if cfg.BaseMaxTokens <= 0 {
		cfg.BaseMaxTokens = DefaultConfig().BaseMaxTokens
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.LoadSampleRate <= 0 {
		cfg.LoadSampleRate = DefaultConfig().LoadSampleRate
	}
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = DefaultConfig().MinMultiplier
	}
	if cfg.MaxMultiplier <= 0 {
		cfg.MaxMultiplier = DefaultConfig().MaxMultiplier
	}
	wl := make(map[string]bool, len(whitelist))
	for _, id := range whitelist {
		wl[id] = true
	}
	return &Controller{
		cfg:        cfg,
		sampler:    gopsutilLoadSampler,
		whitelist:  wl,
		buckets:    map[string]*infraratelimit.RateLimiter{},
		anomaly:    map[string]*anomalyTracker{},
		multiplier: 1.0,
	}
}

// Start begins periodic load sampling, adjusting the shared multiplier; it
// scales the refill rate of identity buckets created after the sample
// (existing buckets and the burst size are unchanged).
func (c *Controller) Start(ctx context.Context) {
	c.stopCh = make(chan struct{})
	ticker := time.NewTicker(c.cfg.LoadSampleRate)
	utils.GoSafeGo(func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample()
			}
		}
	})
}

func (c *Controller) Shutdown() {
	if c.stopCh != nil {
		close(c.stopCh)
	}
}

func (c *Controller) sample() {
	load1, err := c.sampler()
	if err != nil {
		return
	}
	// The multiplier is 1.5 - load1 (load1 is not divided by the core
	// count), clamped to [MinMultiplier, MaxMultiplier].
	m := 1.5 - load1
	if m < c.cfg.MinMultiplier {
		m = c.cfg.MinMultiplier
	}
	if m > c.cfg.MaxMultiplier {
		m = c.cfg.MaxMultiplier
	}
	c.mu.Lock()
	c.multiplier = m
	c.mu.Unlock()
}

func (c *Controller) bucketFor(identity string) *infraratelimit.RateLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[identity]
	if !ok {
		rps := float64(c.cfg.BaseMaxTokens) / c.cfg.WindowSize.Seconds() * c.multiplier
		b = infraratelimit.New(infraratelimit.RateLimitConfig{
			RequestsPerSecond: rps,
			Burst:             c.cfg.BaseMaxTokens,
			Window:            c.cfg.WindowSize,
		})
		c.buckets[identity] = b
	}
	return b
}

// Admit reports whether a call against identity should proceed, consuming
// one token if so. Whitelisted identities always pass. Per SUPPLEMENTED
// FEATURES / DESIGN.md Open Question 1, preview calls never reach Admit —
// callers route them around this controller entirely.
func (c *Controller) Admit(identity string) error {
	if c.whitelist[identity] {
		return nil
	}
	bucket := c.bucketFor(identity)
	if !bucket.Allow() {
		c.recordRejection(identity)
		return coreerrors.RateLimited(c.cfg.BaseMaxTokens, c.cfg.WindowSize.Milliseconds(), int(c.cfg.WindowSize.Seconds()))
	}
	c.recordAdmission(identity)
	return nil
}

// anomalyTracker flags identities whose rejection rate over the recent
// window crosses a fixed threshold, surfaced to the Audit & Alert Manager
// as a potential misbehaving integration rather than ordinary backpressure.
type anomalyTracker struct {
	admitted  int
	rejected  int
	windowEnd time.Time
}

func (c *Controller) recordAdmission(identity string) { c.touchAnomaly(identity, true) }
func (c *Controller) recordRejection(identity string) { c.touchAnomaly(identity, false) }

func (c *Controller) touchAnomaly(identity string, admitted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.anomaly[identity]
	now := time.Now()
	if !ok || now.After(t.windowEnd) {
		t = &anomalyTracker{windowEnd: now.Add(c.cfg.WindowSize)}
		c.anomaly[identity] = t
	}
	if admitted {
		t.admitted++
	} else {
		t.rejected++
	}
}

// IsAnomalous reports whether identity's rejection rate in the current
// window exceeds 50% with at least 20 samples — a simple, explainable
// anomaly signal rather than a statistical model, matching the rest of this
// controller's deliberately inspectable design.
func (c *Controller) IsAnomalous(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.anomaly[identity]
	if !ok {
		return false
	}
	total := t.admitted + t.rejected
	if total < 20 {
		return false
	}
	return float64(t.rejected)/float64(total) > 0.5
}
