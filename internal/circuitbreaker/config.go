package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// StoreBreakerConfig is the env-tunable threshold set for the one Breaker
// that guards the store connection (store_wrapper.go's StoreWrapper).
type StoreBreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// LoadStoreBreakerConfig reads the store breaker's thresholds from the
// environment. The default failure threshold (3) is lower than
// DefaultConfig's so a genuine outage is recognized quickly; the default
// Timeout (15s) is how long the breaker stays open before it admits
// half-open trial calls.
func LoadStoreBreakerConfig() StoreBreakerConfig {
	return StoreBreakerConfig{
		MaxRequests:      getEnvUint32("CB_STORE_MAX_REQUESTS", 5),
		Interval:         getEnvDuration("CB_STORE_INTERVAL", 30*time.Second),
		Timeout:          getEnvDuration("CB_STORE_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_STORE_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_STORE_SUCCESS_THRESHOLD", 2),
	}
}

// ToConfig converts StoreBreakerConfig to the Breaker's own Config type.
func (c StoreBreakerConfig) ToConfig() Config {
	return Config{
		MaxRequests:      c.MaxRequests,
		Interval:         c.Interval,
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		OnStateChange:    nil, // set by StoreWrapper to drive metrics
	}
}

// Helper functions for environment variable parsing

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
