package circuitbreaker

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// StoreWrapper wraps a Redis-compatible client with a circuit breaker so a
// flaky store degrades into fast failures instead of piling up blocked
// goroutines across every stage sharing the connection.
type StoreWrapper struct {
	client redis.UniversalClient
	cb     *Breaker
	logger *zap.Logger
}

// NewRedisWrapper creates a store wrapper around client, with its breaker's
// state changes exported as the fieldflow_store_breaker_* metrics.
func NewRedisWrapper(client redis.UniversalClient, logger *zap.Logger) *StoreWrapper {
	config := LoadStoreBreakerConfig().ToConfig()
	cb := NewBreaker("store", config, logger)

	globalStoreMetrics.register(cb)

	return &StoreWrapper{
		client: client,
		cb:     cb,
		logger: logger,
	}
}

func (sw *StoreWrapper) record(success bool) {
	globalStoreMetrics.recordRequest(sw.cb.State(), success)
}

// Ping wraps Ping with the circuit breaker.
func (sw *StoreWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := sw.cb.Execute(ctx, func() error {
		result = sw.client.Ping(ctx)
		return result.Err()
	})
	sw.record(err == nil)
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Incr wraps Incr, used by the Splitter for the per-entity sequence counter.
func (sw *StoreWrapper) Incr(ctx context.Context, key string) *redis.IntCmd {
	var result *redis.IntCmd
	err := sw.cb.Execute(ctx, func() error {
		result = sw.client.Incr(ctx, key)
		return result.Err()
	})
	sw.record(err == nil)
	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Del.
func (sw *StoreWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := sw.cb.Execute(ctx, func() error {
		result = sw.client.Del(ctx, keys...)
		return result.Err()
	})
	sw.record(err == nil)
	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// HGetAll wraps HGetAll, used to materialize an accumulator before emission.
func (sw *StoreWrapper) HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd {
	var result *redis.StringStringMapCmd
	err := sw.cb.Execute(ctx, func() error {
		result = sw.client.HGetAll(ctx, key)
		return result.Err()
	})
	sw.record(err == nil)
	if err != nil {
		result = redis.NewStringStringMapCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// XAdd wraps XAdd.
func (sw *StoreWrapper) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	var result *redis.StringCmd
	err := sw.cb.Execute(ctx, func() error {
		result = sw.client.XAdd(ctx, args)
		return result.Err()
	})
	sw.record(err == nil)
	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// XGroupCreateMkStream registers a consumer group, tolerating the BUSYGROUP
// condition (group already registered) as a non-failure.
func (sw *StoreWrapper) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	err := sw.cb.Execute(ctx, func() error {
		cmdErr := sw.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
		if cmdErr != nil && isBusyGroup(cmdErr) {
			return nil
		}
		return cmdErr
	})
	sw.record(err == nil)
	return err
}

func isBusyGroup(err error) bool {
	s := err.Error()
	return len(s) >= 9 && s[:9] == "BUSYGROUP"
}

// XReadGroup wraps the blocking consumer-group fetch.
func (sw *StoreWrapper) XReadGroup(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
	var result []redis.XStream
	err := sw.cb.Execute(ctx, func() error {
		var cmdErr error
		result, cmdErr = sw.client.XReadGroup(ctx, args).Result()
		if cmdErr == redis.Nil {
			return nil
		}
		return cmdErr
	})
	sw.record(err == nil)
	return result, err
}

// XAck wraps XAck.
func (sw *StoreWrapper) XAck(ctx context.Context, stream, group string, ids ...string) error {
	err := sw.cb.Execute(ctx, func() error {
		return sw.client.XAck(ctx, stream, group, ids...).Err()
	})
	sw.record(err == nil)
	return err
}

// Watch wraps an optimistic transaction over the given keys. The callback
// issues its commands through the supplied pipeliner; redis.TxFailedErr (a
// lost race on a watched key) is reported to the caller but not treated as a
// store failure for circuit-breaker purposes.
func (sw *StoreWrapper) Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	var txErr error
	err := sw.cb.Execute(ctx, func() error {
		txErr = sw.client.Watch(ctx, fn, keys...)
		if txErr == redis.TxFailedErr {
			return nil
		}
		return txErr
	})
	sw.record(err == nil)
	if err != nil {
		return err
	}
	return txErr
}

// TxPipelined wraps a transactional pipeline, used for the atomic
// delete-accumulator/emit/ack batch.
func (sw *StoreWrapper) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	err := sw.cb.Execute(ctx, func() error {
		_, cmdErr := sw.client.TxPipelined(ctx, fn)
		return cmdErr
	})
	sw.record(err == nil)
	return err
}

// SetNX wraps SetNX, used for the TTL-bounded registration lock.
func (sw *StoreWrapper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	var result *redis.BoolCmd
	err := sw.cb.Execute(ctx, func() error {
		result = sw.client.SetNX(ctx, key, value, expiration)
		return result.Err()
	})
	sw.record(err == nil)
	if err != nil {
		result = redis.NewBoolCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close wraps Close.
func (sw *StoreWrapper) Close() error {
	return sw.client.Close()
}

// GetClient returns the underlying client for operations not covered above.
func (sw *StoreWrapper) GetClient() redis.UniversalClient {
	return sw.client
}

// IsCircuitBreakerOpen reports whether the breaker is currently open.
func (sw *StoreWrapper) IsCircuitBreakerOpen() bool {
	return sw.cb.State() == StateOpen
}
