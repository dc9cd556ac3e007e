// Command fieldflow boots one engine process: it compiles the model
// description into a stage topology and drives every stage's workers
// through internal/harness until it receives a shutdown signal.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fieldflow-io/engine/internal/config"
	"github.com/fieldflow-io/engine/internal/generator"
	"github.com/fieldflow-io/engine/internal/harness"
	"github.com/fieldflow-io/engine/internal/health"
	"github.com/fieldflow-io/engine/internal/metrics"
	"github.com/fieldflow-io/engine/internal/model"
	"github.com/fieldflow-io/engine/internal/resolver"
	"github.com/fieldflow-io/engine/internal/splitter"
	"github.com/fieldflow-io/engine/internal/stage"
	"github.com/fieldflow-io/engine/internal/store"
)

func main() {
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	st, err := store.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to store", zap.Error(err))
	}
	defer st.Close()

	hm := health.NewManager(logger)
	_ = hm.RegisterChecker(health.NewRedisHealthChecker(st.Client(), st.Wrapper(), logger))
	go func() { _ = hm.Start(ctx) }()

	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		addr := ":" + strconv.Itoa(cfg.MetricsPort)
		logger.Info("admin server listening", zap.String("address", addr))
		server := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", zap.Error(err))
		}
	}()

	modelPath := getEnv("MODEL_PATH", "model.yaml")
	desc, err := model.LoadDescription(modelPath)
	if err != nil {
		logger.Fatal("failed to load model description", zap.Error(err))
	}

	topology, err := model.Compile(desc, cfg)
	if err != nil {
		logger.Fatal("model failed to compile", zap.Error(err))
	}
	logger.Info("model compiled", zap.Int("stages", len(topology.Stages)), zap.Strings("output_streams", topology.OutputStreams))

	// An operator-supplied worker-count sidecar (config.WorkerCounts)
	// overrides the model's own worker_config per consumer group, without
	// requiring a model recompile to retune a stage's concurrency.
	workerCounts, err := config.WorkerCounts(getEnv("WORKER_COUNTS_PATH", ""))
	if err != nil {
		logger.Fatal("failed to load worker count overrides", zap.Error(err))
	}
	for i := range topology.Stages {
		if n, ok := workerCounts[topology.Stages[i].GroupName]; ok && n > 0 {
			logger.Info("overriding stage worker count",
				zap.String("group", topology.Stages[i].GroupName),
				zap.Int("model_workers", topology.Stages[i].Workers),
				zap.Int("override_workers", n),
			)
			topology.Stages[i].Workers = n
		}
	}

	// The register lock is advisory and its result is only logged here:
	// every worker still registers its own consumer groups when it starts
	// running (Store.EnsureGroup tolerates a group that already exists),
	// whether or not this process holds the lock (spec.md §4.4, §9).
	acquired, err := harness.AcquireRegisterLock(ctx, st, hostOwnerID())
	if err != nil {
		logger.Warn("register lock acquisition failed, proceeding without it", zap.Error(err))
	} else if acquired {
		logger.Info("acquired register lock, this process owns topology registration")
	} else {
		logger.Info("register lock held by another process, skipping registration race")
	}

	registry := generator.BuiltinRegistry()

	var workers []*harness.Worker
	for _, st2 := range topology.Stages {
		ws, err := buildWorkers(cfg, st, logger, registry, st2)
		if err != nil {
			logger.Fatal("failed to build stage workers", zap.String("stage", st2.Name), zap.Error(err))
		}
		workers = append(workers, ws...)
	}
	for i, w := range workers {
		_ = hm.RegisterChecker(workerHealthChecker(w, i))
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited with error", zap.String("group", w.GroupName), zap.Error(err))
			}
		}()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	waitForShutdown(logger, workers, drained)
	logger.Info("exiting")
}

// buildWorkers constructs s.Workers harness.Worker instances for one
// compiled stage, each wrapping the stage kind's concrete Handler.
func buildWorkers(cfg *config.Config, st *store.Store, logger *zap.Logger, registry generator.Registry, s stage.Stage) ([]*harness.Worker, error) {
	var handler harness.Handler
	var streams []string
	mode := harness.DispatchCooperative

	switch s.Kind {
	case stage.KindSplitter:
		handler = splitter.New(*s.Splitter, s.GroupName, st, cfg, logger)
		streams = []string{s.Splitter.InputStream}
	case stage.KindResolver:
		handler = resolver.New(*s.Resolver, s.GroupName, st, cfg, logger)
		streams = s.Resolver.SrcStreams
	case stage.KindGenerator:
		h, err := generator.New(*s.Generator, s.GroupName, registry, st, cfg, logger)
		if err != nil {
			return nil, err
		}
		handler = h
		streams = []string{s.Generator.InputStream}
		if s.Generator.Mode == "blocking" {
			mode = harness.DispatchBlockingPool
		}
	default:
		return nil, fmt.Errorf("stage %q: unknown kind %v", s.Name, s.Kind)
	}

	workers := make([]*harness.Worker, 0, s.Workers)
	for i := 0; i < s.Workers; i++ {
		workers = append(workers, harness.NewWorker(cfg, st, logger, s.GroupName, streams, handler, mode, i))
	}
	return workers, nil
}

// workerHealthChecker wraps one worker's lifecycle state as a
// health.CustomHealthChecker (SPEC_FULL.md's health-endpoint feature): a
// draining worker reports degraded rather than unhealthy, so a rolling
// restart doesn't trip the process into NotReady before its drain even
// starts, while a stopped worker that should still be running is unhealthy.
func workerHealthChecker(w *harness.Worker, index int) *health.CustomHealthChecker {
	name := fmt.Sprintf("worker:%s-%d", w.GroupName, index)
	return health.NewCustomHealthChecker(name, false, 2*time.Second, func(ctx context.Context) health.CheckResult {
		state := w.StateName()
		result := health.CheckResult{Component: name}
		switch state {
		case "running", "registered":
			result.Status = health.StatusHealthy
			result.Message = "worker " + state
		case "draining":
			result.Status = health.StatusDegraded
			result.Message = "worker draining"
		default:
			result.Status = health.StatusUnhealthy
			result.Message = "worker " + state
		}
		result.Details = map[string]interface{}{"state": state}
		return result
	})
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains every worker and
// waits for drained to close. A second signal returns immediately instead of
// waiting, so the process can be force-killed without waiting for in-flight
// handlers (spec.md §4.4 "Signals").
func waitForShutdown(logger *zap.Logger, workers []*harness.Worker, drained <-chan struct{}) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	<-sigCh
	logger.Info("received shutdown signal, draining workers", zap.Int("workers", len(workers)))
	for _, w := range workers {
		w.Drain()
	}

	select {
	case <-drained:
		logger.Info("all workers drained")
	case <-sigCh:
		logger.Warn("second signal received, exiting without waiting for drain")
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Env == "dev" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func hostOwnerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "fieldflow-unknown"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
