// Package harness implements the WorkerHarness (spec.md §4.4): the
// capability interface {register, run, drain} driving any of the three
// stage kinds through one read-dispatch-ack loop, with the dispatch policy
// (cooperative, blocking pool, or sequential) selected per stage.
package harness

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/ferrors"
	"github.com/fieldflow-io/engine/internal/metrics"
	"github.com/fieldflow-io/engine/internal/store"
)

// Handler processes one message read from a worker's streams. Returning a
// non-nil error withholds the ack (the message redelivers); the ack itself,
// when appropriate, is the handler's own responsibility so it can be
// batched with the stage's own writes (spec.md §4.1 step 4, §4.2 step 5c).
type Handler interface {
	Handle(ctx context.Context, msg store.Message) error
}

// DispatchMode selects how a Worker schedules fetched messages against its
// Handler (spec.md §4.4 "Dispatch policy").
type DispatchMode int

const (
	// DispatchCooperative runs each fetched message in its own goroutine,
	// at most ChunkLength at a time; dispatch blocks while that limit is
	// reached. Every fetch asks for a full ChunkLength; the fetch size does
	// not depend on how many handlers are still running.
	DispatchCooperative DispatchMode = iota
	// DispatchBlockingPool runs fetched messages in goroutines bounded by
	// PoolSize, with the same full-ChunkLength fetches.
	DispatchBlockingPool
	// DispatchSequential processes one message at a time.
	DispatchSequential
)

// state is the per-worker lifecycle (spec.md §4.4 "Stage state machine").
type state int32

const (
	stateCreated state = iota
	stateRegistered
	stateRunning
	stateDraining
	stateStopped
)

// Worker drives one OS-process-level instance of a stage: registration,
// the read-dispatch-ack loop, and graceful or forced shutdown.
type Worker struct {
	GroupName string
	Streams   []string
	Store     *store.Store
	Logger    *zap.Logger
	Handler   Handler
	Mode      DispatchMode

	ChunkLength         int64
	BlockTimeout        time.Duration
	PoolSize            int
	MaxDeliveryAttempts int64

	consumer string
	state    atomic.Int32
	wg       sync.WaitGroup
}

// NewWorker builds a Worker for groupName over streams, reading workerIndex
// as part of its consumer name so restarted workers never collide with a
// still-draining predecessor holding pending entries (DOMAIN STACK:
// google/uuid).
func NewWorker(cfg *config.Config, st *store.Store, logger *zap.Logger, groupName string, streams []string, handler Handler, mode DispatchMode, workerIndex int) *Worker {
	w := &Worker{
		GroupName:           groupName,
		Streams:             streams,
		Store:               st,
		Logger:              logger.With(zap.String("group", groupName)),
		Handler:             handler,
		Mode:                mode,
		ChunkLength:         cfg.ReadChunkLength,
		BlockTimeout:        cfg.ReadBlock,
		PoolSize:            cfg.BlockingPoolSize,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		consumer:            groupNameConsumer(groupName, workerIndex),
	}
	w.state.Store(int32(stateCreated))
	return w
}

func groupNameConsumer(groupName string, workerIndex int) string {
	return groupName + "-" + itoa(workerIndex) + "-" + uuid.NewString()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Register creates every stream's consumer group, tolerating an
// already-exists condition (spec.md §4.4 "Registered").
func (w *Worker) Register(ctx context.Context) error {
	for _, s := range w.Streams {
		if err := w.Store.EnsureGroup(ctx, s, w.GroupName); err != nil {
			return err
		}
	}
	w.state.Store(int32(stateRegistered))
	return nil
}

// Run drives the blocking read / dispatch / ack loop until ctx is canceled
// or Drain is called. It blocks until every in-flight handler has returned.
func (w *Worker) Run(ctx context.Context) error {
	if state(w.state.Load()) != stateRegistered {
		if err := w.Register(ctx); err != nil {
			return err
		}
	}
	w.state.Store(int32(stateRunning))

	sem := make(chan struct{}, w.poolLimit())

	for {
		if state(w.state.Load()) >= stateDraining || ctx.Err() != nil {
			break
		}

		msgs, err := w.Store.ReadGroup(ctx, w.GroupName, w.consumer, w.Streams, w.ChunkLength, w.BlockTimeout)
		if err != nil {
			w.Logger.Warn("read failed", zap.Error(err))
			time.Sleep(w.BlockTimeout)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		for range msgs {
			metrics.RecordRead(w.GroupName)
		}

		w.dispatch(ctx, msgs, sem)
	}

	w.wg.Wait()
	w.state.Store(int32(stateStopped))
	return nil
}

// poolLimit bounds in-flight concurrency: the blocking pool size for
// DispatchBlockingPool, the chunk length for cooperative, and 1 for
// sequential.
func (w *Worker) poolLimit() int {
	switch w.Mode {
	case DispatchBlockingPool:
		if w.PoolSize > 0 {
			return w.PoolSize
		}
		return 1
	case DispatchSequential:
		return 1
	default:
		if w.ChunkLength > 0 {
			return int(w.ChunkLength)
		}
		return 1
	}
}

func (w *Worker) dispatch(ctx context.Context, msgs []store.Message, sem chan struct{}) {
	if w.Mode == DispatchSequential {
		for _, m := range msgs {
			w.handleOne(ctx, m)
		}
		return
	}

	for _, m := range msgs {
		m := m
		sem <- struct{}{}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.handleOne(ctx, m)
		}()
	}
}

func (w *Worker) handleOne(ctx context.Context, m store.Message) {
	err := w.Handler.Handle(ctx, m)
	if err == nil {
		metrics.RecordAcked(w.GroupName)
		return
	}

	var ve *ferrors.ValidationError
	var ge *ferrors.GeneratorError
	switch {
	case errors.As(err, &ve):
		metrics.RecordValidationError(w.GroupName)
	case errors.As(err, &ge):
		metrics.RecordGeneratorError(w.GroupName)
	}

	if !ferrors.Redeliverable(err) {
		w.Logger.Error("fatal error handling message, leaving unacked", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}

	w.Logger.Warn("handler error, message will redeliver", zap.String("msg_id", m.ID), zap.Error(err))
	w.maybeDeadLetter(ctx, m)
}

// maybeDeadLetter checks the delivery count for a failed message and
// dead-letters it once that count reaches MaxDeliveryAttempts, so a permanently
// malformed record cannot wedge the group forever (SUPPLEMENTED FEATURES
// item 4).
func (w *Worker) maybeDeadLetter(ctx context.Context, m store.Message) {
	if w.MaxDeliveryAttempts <= 0 {
		return
	}
	count, err := w.Store.DeliveryCount(ctx, m.Stream, w.GroupName, m.ID)
	if err != nil {
		w.Logger.Warn("could not read delivery count", zap.Error(err))
		return
	}
	if count < w.MaxDeliveryAttempts {
		return
	}

	values := make(map[string]interface{}, len(m.Values))
	for k, v := range m.Values {
		values[k] = v
	}
	if err := w.Store.DeadLetter(ctx, m.Stream, w.GroupName, m.ID, values); err != nil {
		w.Logger.Error("dead-letter failed", zap.Error(err))
		return
	}
	metrics.RecordDeadLettered(w.GroupName)
	w.Logger.Warn("message dead-lettered after max delivery attempts", zap.String("msg_id", m.ID), zap.Int64("attempts", count))
}

// Drain flips the worker to Draining: the read loop stops fetching new
// messages and Run returns once in-flight handlers finish.
func (w *Worker) Drain() {
	w.state.Store(int32(stateDraining))
}

// StateName reports the worker's current lifecycle state (spec.md §4.4
// "Stage state machine"), used by internal/health's per-stage
// CustomHealthChecker to tell a wedged worker from one that is merely
// draining or has already stopped.
func (w *Worker) StateName() string {
	switch state(w.state.Load()) {
	case stateCreated:
		return "created"
	case stateRegistered:
		return "registered"
	case stateRunning:
		return "running"
	case stateDraining:
		return "draining"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunUntilSignal runs w until the process receives SIGINT/SIGTERM. A first
// signal drains; a second makes it return immediately without waiting on
// the drain. In-flight handlers are not canceled by the second signal; they
// stop only when the process exits.
func (w *Worker) RunUntilSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runDone := make(chan error, 1)
	go func() { runDone <- w.Run(ctx) }()

	select {
	case <-sigCh:
		w.Logger.Info("received shutdown signal, draining")
		w.Drain()
	case err := <-runDone:
		return err
	}

	select {
	case err := <-runDone:
		return err
	case <-sigCh:
		w.Logger.Warn("second signal received, exiting without waiting for drain")
		return nil
	}
}

// AcquireRegisterLock wraps Store.AcquireRegisterLock for the supervisor
// process computing stage topology (spec.md §4.4, §9).
func AcquireRegisterLock(ctx context.Context, st *store.Store, owner string) (bool, error) {
	return st.AcquireRegisterLock(ctx, owner)
}
