package harness

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/store"
)

type countingHandler struct {
	count atomic.Int64
}

func (h *countingHandler) Handle(ctx context.Context, msg store.Message) error {
	h.count.Add(1)
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Load()
	cfg.ReadBlock = 50 * time.Millisecond
	// The tests enqueue before the worker registers its group, so the group
	// must start from the beginning of the stream rather than the live "$".
	cfg.ReadMessagesSince = "0"
	return store.NewWithClient(client, cfg, zaptest.NewLogger(t))
}

func TestWorker_RegisterThenRunProcessesAndDrains(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stream := ":vehicle:split"
	for i := 0; i < 5; i++ {
		_, err := st.Enqueue(ctx, stream, map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	h := &countingHandler{}
	cfg := config.Load()
	cfg.ReadChunkLength = 10
	cfg.ReadBlock = 50 * time.Millisecond

	w := NewWorker(cfg, st, zaptest.NewLogger(t), "resolver:test", []string{stream}, h, DispatchCooperative, 0)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.count.Load() == 5 }, time.Second, 5*time.Millisecond)

	w.Drain()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop draining in time")
	}
}

func TestWorker_SequentialDispatchProcessesOneAtATime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stream := ":vehicle:split"
	for i := 0; i < 3; i++ {
		_, err := st.Enqueue(ctx, stream, map[string]interface{}{"i": i})
		require.NoError(t, err)
	}

	h := &countingHandler{}
	cfg := config.Load()
	cfg.ReadBlock = 50 * time.Millisecond

	w := NewWorker(cfg, st, zaptest.NewLogger(t), "resolver:seq", []string{stream}, h, DispatchSequential, 0)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.count.Load() == 3 }, time.Second, 5*time.Millisecond)

	w.Drain()
	<-done
}

func TestConsumerNames_AreDistinctAcrossWorkerIndices(t *testing.T) {
	c1 := groupNameConsumer("resolver:sum", 0)
	c2 := groupNameConsumer("resolver:sum", 1)
	assert.NotEqual(t, c1, c2)
}
