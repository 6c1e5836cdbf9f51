package resilience

import (
	"time"

	"github.com/sells-group/job-scorer/internal/config"
)

// RetryFromConfig converts the probe settings to a RetryConfig.
func RetryFromConfig(c config.ResilienceConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if c.ProbeAttempts > 0 {
		cfg.MaxAttempts = c.ProbeAttempts
	}
	if c.ProbeBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(c.ProbeBackoffMs) * time.Millisecond
	}
	if c.ProbeMaxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(c.ProbeMaxBackoffMs) * time.Millisecond
	}
	return cfg
}

// BreakerFromConfig converts the breaker settings to a CircuitBreakerConfig.
func BreakerFromConfig(c config.ResilienceConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c.BreakerThreshold > 0 {
		cfg.FailureThreshold = c.BreakerThreshold
	}
	if c.BreakerResetSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.BreakerResetSecs) * time.Second
	}
	return cfg
}
