// Package config loads the process-wide Config from the environment
// (spec.md §6.4), plus a small per-stage worker-count sidecar file read
// through viper — the model description already carries a WorkerConfig
// section (spec.md §6.1), and this sidecar lets an operator override it
// without recompiling the model.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment-driven knob the engine reads at startup.
type Config struct {
	RedisURI string

	SpecialChar          string
	MsgIDField           string
	ArtificialNamespace  string
	DefaultWorkers        int

	Env      string
	LogLevel string

	MetricsPort int

	ReadChunkLength   int64
	ReadBlock         time.Duration
	RegisterLockTTL   time.Duration
	ReadMessagesSince string

	MaxDeliveryAttempts int64
	BlockingPoolSize    int
}

// Load builds a Config from the environment, applying the defaults listed
// in spec.md §6.4 / SPEC_FULL.md's extended table.
func Load() *Config {
	return &Config{
		RedisURI: getEnv("REDIS_URI", "redis://localhost:6379"),

		SpecialChar:         getEnv("SPECIAL_CHAR", ":"),
		MsgIDField:          getEnv("MSG_ID_FIELD", "_msg_id"),
		ArtificialNamespace: getEnv("ARTIFICIAL_NAMESPACE", "artificial"),
		DefaultWorkers:      getEnvInt("DEFAULT_WORKERS", 4),

		Env:      getEnv("FIELDFLOW_ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MetricsPort: getEnvInt("METRICS_PORT", 9090),

		ReadChunkLength:   int64(getEnvInt("READ_CHUNK_LENGTH", 64)),
		ReadBlock:         getEnvDuration("READ_BLOCK_MS", time.Second),
		RegisterLockTTL:   getEnvDuration("REGISTER_LOCK_TTL_MS", 5*time.Second),
		ReadMessagesSince: getEnv("READ_MESSAGES_SINCE", "$"),

		MaxDeliveryAttempts: int64(getEnvInt("MAX_DELIVERY_ATTEMPTS", 5)),
		BlockingPoolSize:    getEnvInt("BLOCKING_POOL_SIZE", 8),
	}
}

// StreamName builds a stream name using the configured namespace separator,
// e.g. StreamName("NAME", "split") -> ":NAME:split".
func (c *Config) StreamName(parts ...string) string {
	return c.SpecialChar + strings.Join(parts, c.SpecialChar)
}

// EntityCounterKey builds the per-entity sequence key ":id:{obj_id}".
func (c *Config) EntityCounterKey(objID string) string {
	return c.StreamName("id", objID)
}

// AccumulatorKey builds the accumulator hash key for a resolver's output
// stream and a msg_id: ":depmap:{output_stream}:{msg_id}".
func (c *Config) AccumulatorKey(outputStream, msgID string) string {
	return c.SpecialChar + "depmap" + c.SpecialChar + outputStream + c.SpecialChar + msgID
}

// AccumulatorCounterKey is the accumulator key suffixed with ":incr".
func (c *Config) AccumulatorCounterKey(outputStream, msgID string) string {
	return c.AccumulatorKey(outputStream, msgID) + c.SpecialChar + "incr"
}

// RegisterLockKey is the advisory REGISTERLOCK key.
func (c *Config) RegisterLockKey() string {
	return c.StreamName("REGISTERLOCK")
}

// WorkerCounts loads a {consumer-group: worker count} sidecar from path, if
// it exists. A missing file is not an error — every stage falls back to
// DefaultWorkers or the model's own WorkerConfig.
func WorkerCounts(path string) (map[string]int, error) {
	if path == "" {
		return map[string]int{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return map[string]int{}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read worker config %s: %w", path, err)
	}

	var raw map[string]struct {
		Workers int `mapstructure:"workers"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal worker config: %w", err)
	}

	out := make(map[string]int, len(raw))
	for group, v := range raw {
		out[group] = v.Workers
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
