package orchestration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

// Throttler bounds tool invocations per bug bounty program. A rate of zero
// disables throttling for that program.
type Throttler struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	defaultRPS float64
	overrides  map[string]float64
	burst      int
	logger     *logrus.Logger

	waits   int64
	blocked int64
	waited  time.Duration
}

func NewThrottler(cfg models.ThrottleConfig, logger *logrus.Logger) *Throttler {
	if logger == nil {
		logger = logrus.New()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	overrides := make(map[string]float64, len(cfg.ProgramOverrides))
	for k, v := range cfg.ProgramOverrides {
		overrides[k] = v
	}
	return &Throttler{
		limiters:   make(map[string]*rate.Limiter),
		defaultRPS: cfg.DefaultRPS,
		overrides:  overrides,
		burst:      burst,
		logger:     logger,
	}
}

// RPS is the effective rate for program.
func (t *Throttler) RPS(program string) float64 {
	if v, ok := t.overrides[program]; ok {
		return v
	}
	return t.defaultRPS
}

// RateLimit is the per-second request cap handed to tools that accept one.
// It is never below one so a slow program does not end up unlimited.
func (t *Throttler) RateLimit(program string) int {
	rps := t.RPS(program)
	if rps <= 0 {
		return 0
	}
	return int(math.Max(1, math.Ceil(rps)))
}

// Wait blocks until program may start another invocation.
func (t *Throttler) Wait(ctx context.Context, program string) error {
	lim := t.limiter(program)
	start := time.Now()
	err := lim.Wait(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits++
	if err != nil {
		t.blocked++
		return err
	}
	if d := time.Since(start); d > time.Millisecond {
		t.waited += d
	}
	return nil
}

func (t *Throttler) limiter(program string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lim, ok := t.limiters[program]; ok {
		return lim
	}
	limit := rate.Inf
	if rps := t.RPS(program); rps > 0 {
		limit = rate.Limit(rps)
	}
	lim := rate.NewLimiter(limit, t.burst)
	t.limiters[program] = lim
	t.logger.Debugf("throttle for program %s: %v rps, burst %d", program, limit, t.burst)
	return lim
}

// Stats summarizes throttling since construction: invocations admitted,
// waits aborted by cancellation, and total time spent waiting.
func (t *Throttler) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return map[string]interface{}{
		"waits":        t.waits,
		"blocked":      t.blocked,
		"time_waiting": t.waited.String(),
		"programs":     len(t.limiters),
	}
}
