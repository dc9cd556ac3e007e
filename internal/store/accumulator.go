package store

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/fieldflow-io/engine/internal/ferrors"
)

// maxOptimisticRetries bounds the local retry loop around the WATCH/MULTI/
// EXEC accumulator write before surfacing RaceLost to the caller. A lost
// race beyond this is expected to clear on the next redelivery rather than
// spin a single handler invocation indefinitely.
const maxOptimisticRetries = 10

// WriteAccumulator stages dst_key -> value pairs into the accumulator hash
// at hashKey and increments counterKey by the number of keys that were not
// already present (spec.md §4.2 step 2-3). The write and the read-back of
// the post-increment counter are linearized by a WATCH/MULTI/EXEC
// transaction over hashKey so concurrent resolver workers racing on the
// same msg_id never double-count a contributor (spec.md §9, "single-writer
// emission").
//
// Idempotent: re-staging the same dst_key with the same or a different
// value does not advance the counter a second time.
func (s *Store) WriteAccumulator(ctx context.Context, hashKey, counterKey string, staged map[string]string) (int64, error) {
	if len(staged) == 0 {
		// Every dep in this message was historical; nothing to stage, so
		// just read the counter back without advancing it.
		return s.peekCounter(ctx, counterKey)
	}

	keys := make([]string, 0, len(staged))
	for k := range staged {
		keys = append(keys, k)
	}

	var counterAfter int64
	txf := func(tx *redis.Tx) error {
		existing, err := tx.HMGet(ctx, hashKey, keys...).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		newCount := int64(0)
		for _, v := range existing {
			if v == nil {
				newCount++
			}
		}

		var counterCmd *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			args := make([]interface{}, 0, len(staged)*2)
			for k, v := range staged {
				args = append(args, k, v)
			}
			pipe.HSet(ctx, hashKey, args...)
			counterCmd = pipe.IncrBy(ctx, counterKey, newCount)
			return nil
		})
		if err != nil {
			return err
		}
		counterAfter = counterCmd.Val()
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxOptimisticRetries; attempt++ {
		err := s.wrapped.Watch(ctx, txf, hashKey, counterKey)
		if err == nil {
			return counterAfter, nil
		}
		if err == redis.TxFailedErr {
			lastErr = err
			continue
		}
		return 0, ferrors.NewTransientStoreError("accumulator write", err)
	}
	_ = lastErr
	return 0, &ferrors.RaceLost{Key: hashKey}
}

func (s *Store) peekCounter(ctx context.Context, counterKey string) (int64, error) {
	var val int64
	txf := func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, counterKey).Int64()
		if err == redis.Nil {
			val = 0
			return nil
		}
		if err != nil {
			return err
		}
		val = v
		return nil
	}
	if err := s.wrapped.Watch(ctx, txf, counterKey); err != nil && err != redis.TxFailedErr {
		return 0, ferrors.NewTransientStoreError("accumulator peek", err)
	}
	return val, nil
}

// WriteHistoricalFuture pre-populates the future accumulator for msg_id at
// futureHashKey with value under positional key dstKeyWithIndex (spec.md
// §4.2 step 4, §9 "historical dependencies = future-write pattern"). This
// does not touch the counter: historical contributions never count toward
// the non-historical emission threshold.
func (s *Store) WriteHistoricalFuture(ctx context.Context, futureHashKey, dstKeyWithIndex, value string) error {
	if err := s.wrapped.GetClient().HSet(ctx, futureHashKey, dstKeyWithIndex, value).Err(); err != nil {
		return ferrors.NewTransientStoreError("historical future write", err)
	}
	return nil
}

// ReadAccumulator returns the full accumulator hash for hashKey.
func (s *Store) ReadAccumulator(ctx context.Context, hashKey string) (map[string]string, error) {
	cmd := s.wrapped.HGetAll(ctx, hashKey)
	if err := cmd.Err(); err != nil {
		return nil, ferrors.NewTransientStoreError("read accumulator", err)
	}
	return cmd.Val(), nil
}

// EmitJoined atomically deletes the accumulator hash and counter, appends
// the joined record to outputStream, and acks the triggering message in one
// batch (spec.md §4.2 step 5c; resolves the Q1 open question toward atomic
// deletion — see DESIGN.md).
func (s *Store) EmitJoined(ctx context.Context, hashKey, counterKey, outputStream string, values map[string]interface{}, inStream, group, id string) error {
	err := s.wrapped.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, hashKey, counterKey)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: outputStream, Values: values})
		pipe.XAck(ctx, inStream, group, id)
		return nil
	})
	if err != nil {
		return ferrors.NewTransientStoreError("emit joined record", err)
	}
	return nil
}
