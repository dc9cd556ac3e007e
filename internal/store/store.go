// Package store is the log abstraction every stage reads and writes
// through: a thin, circuit-broken wrapper over Redis Streams providing
// exactly the primitives spec.md §3–§4 name — per-entity sequence
// increments, consumer-group reads/acks, and the resolver's atomic
// accumulator writes.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/fieldflow-io/engine/internal/circuitbreaker"
	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
)

// Store wraps a Redis-compatible client with the circuit breaker from
// internal/circuitbreaker and the namespace conventions from internal/config.
type Store struct {
	wrapped *circuitbreaker.StoreWrapper
	cfg     *config.Config
	logger  *zap.Logger
}

// New parses cfg.RedisURI and dials a client.
func New(cfg *config.Config, logger *zap.Logger) (*Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURI)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri %q: %w", cfg.RedisURI, err)
	}
	client := redis.NewClient(opts)
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an already-constructed client; used by tests against
// miniredis.
func NewWithClient(client redis.UniversalClient, cfg *config.Config, logger *zap.Logger) *Store {
	return &Store{
		wrapped: circuitbreaker.NewRedisWrapper(client, logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// Client exposes the underlying connection for health checks.
func (s *Store) Client() redis.UniversalClient { return s.wrapped.GetClient() }

// Wrapper exposes the circuit-broken wrapper so internal/health can report
// breaker state alongside plain connectivity.
func (s *Store) Wrapper() *circuitbreaker.StoreWrapper { return s.wrapped }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.wrapped.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.wrapped.Close() }

// Message is a single entry read from a consumer group.
type Message struct {
	Stream string
	ID     string
	Values map[string]string
}

// EnsureGroup registers a consumer group on stream, creating the stream if
// absent and starting from cfg.ReadMessagesSince. An "already exists"
// condition is not an error (spec.md §4.4 "Registered").
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := s.wrapped.XGroupCreateMkStream(ctx, stream, group, s.cfg.ReadMessagesSince); err != nil {
		return ferrors.NewTransientStoreError("ensure group "+group+" on "+stream, err)
	}
	return nil
}

// IncrEntitySeq is the Splitter's sequencing point: an atomic increment of
// the per-entity counter, returning the post-increment obj_seq.
func (s *Store) IncrEntitySeq(ctx context.Context, objID string) (int64, error) {
	cmd := s.wrapped.Incr(ctx, s.cfg.EntityCounterKey(objID))
	if err := cmd.Err(); err != nil {
		return 0, ferrors.NewTransientStoreError("incr entity seq", err)
	}
	return cmd.Val(), nil
}

// Enqueue appends values to stream, JSON-string-encoded by the caller, and
// returns the log-assigned entry ID.
func (s *Store) Enqueue(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	cmd := s.wrapped.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
	if err := cmd.Err(); err != nil {
		return "", ferrors.NewTransientStoreError("xadd "+stream, err)
	}
	return cmd.Val(), nil
}

// EnqueueAndAck appends to outStream and acks the source entry in one
// atomic batch (spec.md §4.1 step 4: "append ... then acknowledge").
func (s *Store) EnqueueAndAck(ctx context.Context, outStream string, values map[string]interface{}, inStream, group, id string) error {
	err := s.wrapped.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: outStream, Values: values})
		pipe.XAck(ctx, inStream, group, id)
		return nil
	})
	if err != nil {
		return ferrors.NewTransientStoreError("enqueue+ack", err)
	}
	return nil
}

// ReadGroup performs one blocking XREADGROUP fetch across streamNames,
// requesting only new (">") entries for consumer within group.
func (s *Store) ReadGroup(ctx context.Context, group, consumer string, streamNames []string, count int64, block time.Duration) ([]Message, error) {
	args := make([]string, 0, len(streamNames)*2)
	args = append(args, streamNames...)
	for range streamNames {
		args = append(args, ">")
	}

	xstreams, err := s.wrapped.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	})
	if err != nil {
		return nil, ferrors.NewTransientStoreError("xreadgroup", err)
	}

	var out []Message
	for _, xs := range xstreams {
		for _, m := range xs.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				}
			}
			out = append(out, Message{Stream: xs.Stream, ID: m.ID, Values: values})
		}
	}
	return out, nil
}

// Ack acknowledges id in group on stream.
func (s *Store) Ack(ctx context.Context, stream, group, id string) error {
	if err := s.wrapped.XAck(ctx, stream, group, id); err != nil {
		return ferrors.NewTransientStoreError("xack", err)
	}
	return nil
}

// DeliveryCount returns how many times id has been delivered within group
// on stream, via XPENDING, used to decide when to dead-letter a message.
func (s *Store) DeliveryCount(ctx context.Context, stream, group, id string) (int64, error) {
	res, err := s.wrapped.GetClient().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, ferrors.NewTransientStoreError("xpending", err)
	}
	for _, p := range res {
		if p.ID == id {
			return p.RetryCount, nil
		}
	}
	return 0, nil
}

// DeadLetter copies values to the stream's deadletter sibling and acks the
// original entry, so a permanently malformed message cannot wedge the
// group forever (SPEC_FULL.md supplemented feature 4).
func (s *Store) DeadLetter(ctx context.Context, stream, group, id string, values map[string]interface{}) error {
	dlStream := stream + ":deadletter"
	return s.EnqueueAndAck(ctx, dlStream, values, stream, group, id)
}

// AcquireRegisterLock attempts the TTL-bounded REGISTERLOCK advisory lock
// (spec.md §4.4, §9). Returns true if acquired.
func (s *Store) AcquireRegisterLock(ctx context.Context, owner string) (bool, error) {
	ok, err := s.wrapped.SetNX(ctx, s.cfg.RegisterLockKey(), owner, s.cfg.RegisterLockTTL).Result()
	if err != nil {
		return false, ferrors.NewTransientStoreError("acquire register lock", err)
	}
	return ok, nil
}

// ReleaseRegisterLock deletes the lock key. Best-effort: the TTL reclaims
// it regardless, so a failure here is logged, not propagated.
func (s *Store) ReleaseRegisterLock(ctx context.Context) {
	if err := s.wrapped.Del(ctx, s.cfg.RegisterLockKey()).Err(); err != nil {
		s.logger.Warn("failed to release register lock", zap.Error(err))
	}
}
