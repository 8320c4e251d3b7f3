package coordinator

import (
	"math"
	"math/rand"
	"time"

	"leasekeeper/internal/config"
)

// backoff computes the delay before retry attempt, following the original
// service's schedule exactly: an exponential term capped at
// cfg.MaxRetryWaitSeconds, scaled by jitter sampled uniformly from
// [0.5, 1.5], raised to cfg.MinBackoffSeconds if it falls below it, then
// clamped to cfg.MaxBackoffSeconds as an absolute ceiling
// independent of the exponential term (so a misconfigured
// MaxRetryWaitSeconds can't produce an unbounded sleep).
func backoff(attempt int, cfg config.Config, rng *rand.Rand) time.Duration {
	exp := math.Pow(2, float64(attempt))
	capped := math.Min(exp, cfg.RetryCeiling().Seconds())
	jitter := 0.5 + rng.Float64()
	delaySeconds := capped * jitter
	if cfg.MinBackoffSeconds > 0 && delaySeconds < cfg.MinBackoffSeconds {
		delaySeconds = cfg.MinBackoffSeconds
	}
	if cfg.MaxBackoffSeconds > 0 && delaySeconds > cfg.MaxBackoffSeconds {
		delaySeconds = cfg.MaxBackoffSeconds
	}
	return time.Duration(delaySeconds * float64(time.Second))
}
