package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldflow-io/engine/internal/config"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Load()
	return NewWithClient(client, cfg, zaptest.NewLogger(t)), mr
}

func TestIncrEntitySeq_Monotonic(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		seq, err := s.IncrEntitySeq(ctx, "V1")
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	seq, err := s.IncrEntitySeq(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq, "distinct entities get their own sequence")
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureGroup(ctx, ":vehicle:split", "split-workers"))
	require.NoError(t, s.EnsureGroup(ctx, ":vehicle:split", "split-workers"))
}

func TestReadGroup_AckRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stream := ":vehicle"
	group := "splitters"
	require.NoError(t, s.EnsureGroup(ctx, stream, group))

	_, err := s.Enqueue(ctx, stream, map[string]interface{}{"speed": "10"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, group, "consumer-1", []string{stream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "10", msgs[0].Values["speed"])

	require.NoError(t, s.Ack(ctx, stream, group, msgs[0].ID))

	count, err := s.DeliveryCount(ctx, stream, group, msgs[0].ID)
	require.NoError(t, err)
	assert.Zero(t, count, "acked entries drop out of the pending list")
}

func TestWriteAccumulator_AdvancesOnNewKeysOnly(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	hashKey := ":depmap::OUTPUT:V1:1"
	counterKey := hashKey + ":incr"

	count, err := s.WriteAccumulator(ctx, hashKey, counterKey, map[string]string{"speed": `"42"`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// Re-staging the same field is idempotent: the counter does not advance.
	count, err = s.WriteAccumulator(ctx, hashKey, counterKey, map[string]string{"speed": `"42"`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	count, err = s.WriteAccumulator(ctx, hashKey, counterKey, map[string]string{"heading": `"north"`})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	fields, err := s.ReadAccumulator(ctx, hashKey)
	require.NoError(t, err)
	assert.Equal(t, `"42"`, fields["speed"])
	assert.Equal(t, `"north"`, fields["heading"])
}

func TestWriteAccumulator_ZeroStagedPeeksCounter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	hashKey := ":depmap::OUTPUT:V1:2"
	counterKey := hashKey + ":incr"

	count, err := s.WriteAccumulator(ctx, hashKey, counterKey, map[string]string{"speed": `"1"`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// A message whose only dependency is historical stages nothing, but
	// still needs the current counter value to decide whether to emit.
	count, err = s.WriteAccumulator(ctx, hashKey, counterKey, map[string]string{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEmitJoined_ClearsAccumulatorAndAcks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	inStream := ":vehicle:split"
	group := "resolver-workers"
	outStream := ":OUTPUT"
	require.NoError(t, s.EnsureGroup(ctx, inStream, group))

	id, err := s.Enqueue(ctx, inStream, map[string]interface{}{"speed": "1"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, group, "c1", []string{inStream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	hashKey := ":depmap::OUTPUT:V1:1"
	counterKey := hashKey + ":incr"
	_, err = s.WriteAccumulator(ctx, hashKey, counterKey, map[string]string{"speed": `"1"`})
	require.NoError(t, err)

	require.NoError(t, s.EmitJoined(ctx, hashKey, counterKey, outStream,
		map[string]interface{}{"speed": `"1"`}, inStream, group, msgs[0].ID))

	fields, err := s.ReadAccumulator(ctx, hashKey)
	require.NoError(t, err)
	assert.Empty(t, fields)

	count, err := s.DeliveryCount(ctx, inStream, group, msgs[0].ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	out, err := s.ReadGroup(ctx, "downstream", "c1", []string{outStream}, 10, 100*time.Millisecond)
	require.Error(t, err) // group not registered on outStream yet
	assert.Empty(t, out)
}

func TestDeadLetter_AcksOriginalAndCopiesToSidecar(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stream := ":vehicle:split"
	group := "resolver-workers"
	require.NoError(t, s.EnsureGroup(ctx, stream, group))

	id, err := s.Enqueue(ctx, stream, map[string]interface{}{"bad": "payload"})
	require.NoError(t, err)

	msgs, err := s.ReadGroup(ctx, group, "c1", []string{stream}, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	require.NoError(t, s.DeadLetter(ctx, stream, group, msgs[0].ID, map[string]interface{}{"bad": "payload"}))

	count, err := s.DeliveryCount(ctx, stream, group, msgs[0].ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRegisterLock_AcquireAndRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireRegisterLock(ctx, "owner-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireRegisterLock(ctx, "owner-2")
	require.NoError(t, err)
	assert.False(t, ok, "lock already held")

	s.ReleaseRegisterLock(ctx)

	ok, err = s.AcquireRegisterLock(ctx, "owner-2")
	require.NoError(t, err)
	assert.True(t, ok)
}
