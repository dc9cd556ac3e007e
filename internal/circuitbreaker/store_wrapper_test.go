package circuitbreaker

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap/zaptest"
)

func TestStoreWrapper_NormalOperations(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewRedisWrapper(client, logger)
	ctx := context.Background()

	if result := wrapper.Ping(ctx); result.Err() != nil {
		t.Errorf("Ping failed: %v", result.Err())
	}

	incr := wrapper.Incr(ctx, "fieldflow:id:V1")
	if incr.Err() != nil {
		t.Errorf("Incr failed: %v", incr.Err())
	}
	if incr.Val() != 1 {
		t.Errorf("expected first increment to be 1, got %d", incr.Val())
	}

	streamID := wrapper.XAdd(ctx, &redis.XAddArgs{
		Stream: "fieldflow:test",
		Values: map[string]interface{}{"a": "1"},
	})
	if streamID.Err() != nil {
		t.Errorf("XAdd failed: %v", streamID.Err())
	}

	if err := wrapper.XGroupCreateMkStream(ctx, "fieldflow:test", "grp", "0"); err != nil {
		t.Errorf("XGroupCreateMkStream failed: %v", err)
	}
	// Second registration of the same group must be tolerated, not an error.
	if err := wrapper.XGroupCreateMkStream(ctx, "fieldflow:test", "grp", "0"); err != nil {
		t.Errorf("expected BUSYGROUP to be tolerated, got: %v", err)
	}

	if wrapper.IsCircuitBreakerOpen() {
		t.Error("Circuit breaker should remain closed for healthy operations")
	}

	del := wrapper.Del(ctx, "fieldflow:id:V1")
	if del.Err() != nil {
		t.Errorf("Del failed: %v", del.Err())
	}
}

func TestStoreWrapper_CircuitBreakerTriggering(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
	defer client.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewRedisWrapper(client, logger)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if result := wrapper.Ping(ctx); result.Err() == nil {
			t.Error("Expected ping to fail against non-existent server")
		}
	}

	if !wrapper.IsCircuitBreakerOpen() {
		t.Error("Expected circuit breaker to be open after repeated failures")
	}

	result := wrapper.Incr(ctx, "any:key")
	if result.Err() != ErrCircuitBreakerOpen {
		t.Errorf("Expected circuit breaker open error, got %v", result.Err())
	}
}
