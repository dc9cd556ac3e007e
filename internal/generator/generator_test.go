package generator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fieldflow-io/engine/internal/codec"
	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
	"github.com/fieldflow-io/engine/internal/stage"
	"github.com/fieldflow-io/engine/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Load()
	return store.NewWithClient(client, cfg, zaptest.NewLogger(t))
}

// S5: generator sum(a, b) = a + b over 30 joined records emits sum = 2*i.
func TestGenerator_S5_SumOverJoinedRecords(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Load()
	ctx := context.Background()

	spec := stage.GeneratorSpec{
		InputStream:  ":sum:deps",
		OutputStream: ":artificial:sum",
		FieldName:    "sum",
		GeneratorKey: "sum",
		Mode:         "cooperative",
	}
	group := "generator:sum"
	require.NoError(t, st.EnsureGroup(ctx, spec.InputStream, group))
	require.NoError(t, st.EnsureGroup(ctx, spec.OutputStream, "downstream"))

	h, err := New(spec, group, BuiltinRegistry(), st, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	const n = 30
	for i := 0; i < n; i++ {
		msgID := "V1:" + itoa(i)
		_, err := st.Enqueue(ctx, spec.InputStream, map[string]interface{}{
			cfg.MsgIDField: codec.MustEncode(msgID),
			"a":            codec.MustEncode(i),
			"b":            codec.MustEncode(i),
		})
		require.NoError(t, err)
	}

	msgs, err := st.ReadGroup(ctx, group, "c1", []string{spec.InputStream}, int64(n), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, n)
	for _, m := range msgs {
		require.NoError(t, h.Handle(ctx, m))
	}

	outMsgs, err := st.ReadGroup(ctx, "downstream", "c1", []string{spec.OutputStream}, int64(n), 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, outMsgs, n)

	for _, m := range outMsgs {
		msgID, err := codec.DecodeString(m.Values[cfg.MsgIDField])
		require.NoError(t, err)
		_, seq, err := codec.SplitMsgID(msgID)
		require.NoError(t, err)

		sum, err := codec.Decode(m.Values["sum"])
		require.NoError(t, err)
		assert.EqualValues(t, 2*seq, sum)
	}
}

// S6: self-referential historical dependency; increment(x, prev) returns
// prev[last]+1, prev defaulting to -1, over 5 consecutive inputs.
func TestGenerator_S6_SelfReferentialCounter(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Load()
	ctx := context.Background()

	spec := stage.GeneratorSpec{
		InputStream:  ":counter:deps",
		OutputStream: ":artificial:counter",
		FieldName:    "counter",
		GeneratorKey: "increment",
		Mode:         "cooperative",
	}
	group := "generator:counter"
	require.NoError(t, st.EnsureGroup(ctx, spec.InputStream, group))
	require.NoError(t, st.EnsureGroup(ctx, spec.OutputStream, "downstream"))

	h, err := New(spec, group, BuiltinRegistry(), st, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	want := []float64{0, 1, 2, 3, 4}
	for seq := 1; seq <= 5; seq++ {
		msgID := "V1:" + itoa(seq)
		prev := []interface{}{}
		if seq > 1 {
			prev = []interface{}{want[seq-2]}
		} else {
			prev = []interface{}{nil}
		}
		_, err := st.Enqueue(ctx, spec.InputStream, map[string]interface{}{
			cfg.MsgIDField: codec.MustEncode(msgID),
			"x":            codec.MustEncode(seq),
			"prev":         codec.MustEncode(prev),
		})
		require.NoError(t, err)

		msgs, err := st.ReadGroup(ctx, group, "c1", []string{spec.InputStream}, 1, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, h.Handle(ctx, msgs[0]))
	}

	outMsgs, err := st.ReadGroup(ctx, "downstream", "c1", []string{spec.OutputStream}, 5, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, outMsgs, 5)

	byMsgID := make(map[string]float64)
	for _, m := range outMsgs {
		msgID, err := codec.DecodeString(m.Values[cfg.MsgIDField])
		require.NoError(t, err)
		v, err := codec.Decode(m.Values["counter"])
		require.NoError(t, err)
		byMsgID[msgID] = v.(float64)
	}

	for seq := 1; seq <= 5; seq++ {
		assert.Equal(t, want[seq-1], byMsgID["V1:"+itoa(seq)])
	}
}

func TestGenerator_UnresolvedGeneratorKeyIsFatal(t *testing.T) {
	st := newTestStore(t)
	cfg := config.Load()

	spec := stage.GeneratorSpec{InputStream: ":x:deps", OutputStream: ":artificial:x", FieldName: "x", GeneratorKey: "nonexistent"}
	_, err := New(spec, "generator:x", BuiltinRegistry(), st, cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	var fc *ferrors.FatalConfig
	assert.ErrorAs(t, err, &fc)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
