// Command dagrunner wires together the DAG engine, executor backends,
// tracker store, cron scheduler, and HTTP façade into a single process
// with a signal-scoped context and ordered graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/swarmguard/dagrunner/internal/executor"
	"github.com/swarmguard/dagrunner/internal/executor/cluster"
	"github.com/swarmguard/dagrunner/internal/executor/trivial"
	"github.com/swarmguard/dagrunner/internal/httpapi"
	"github.com/swarmguard/dagrunner/internal/platform/logging"
	"github.com/swarmguard/dagrunner/internal/platform/otelinit"
	"github.com/swarmguard/dagrunner/internal/runner"
	"github.com/swarmguard/dagrunner/internal/scheduler"
	"github.com/swarmguard/dagrunner/internal/tracker"
)

const service = "dagrunner"

func main() {
	log := logging.Init(service)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)

	store, err := tracker.Open(storePath(), log)
	if err != nil {
		log.Error("failed to open tracker store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	trackCh := make(chan executor.TrackerMessage, 256)
	go store.Consume(ctx, trackCh)

	handles := map[string]*executor.Handle{
		"trivial": executor.NewFrame(ctx, trivial.New(), log),
	}
	if base := os.Getenv("DAGRUNNER_CLUSTER_BASE_URL"); base != "" {
		handles["cluster"] = executor.NewFrame(ctx, cluster.New(base, log), log)
		log.Info("cluster executor backend enabled", "base_url", base)
	}

	var nextRunID uint64
	runFn := func(runKey string, wf runner.Workflow) {
		go func() {
			id := executor.RunID(atomic.AddUint64(&nextRunID, 1))
			rn, err := runner.New(id, runKey, wf, handles, store, trackCh, log)
			if err != nil {
				log.Error("run rejected", "run_id", runKey, "workflow", wf.Name, "error", err)
				return
			}
			result, err := rn.Run(ctx)
			if err != nil {
				log.Error("run failed", "run_id", runKey, "workflow", wf.Name, "error", err)
				return
			}
			log.Info("run finished", "run_id", runKey, "workflow", wf.Name, "succeeded", result.Succeeded)
		}()
	}

	sched := scheduler.New(store, func(ctx context.Context, workflowName string) error {
		doc, ok, err := store.GetWorkflow(workflowName)
		if err != nil {
			return fmt.Errorf("load workflow %q: %w", workflowName, err)
		}
		if !ok {
			return fmt.Errorf("workflow %q not registered", workflowName)
		}
		var wf runner.Workflow
		if err := json.Unmarshal(doc, &wf); err != nil {
			return fmt.Errorf("decode workflow %q: %w", workflowName, err)
		}
		runFn(fmt.Sprintf("%s-%d", workflowName, time.Now().UnixNano()), wf)
		return nil
	}, log)
	if err := sched.RestoreSchedules(); err != nil {
		log.Warn("failed to restore persisted schedules", "error", err)
	}
	sched.Start()

	httpSrv := httpapi.New(store, nil, runFn, log)
	addr := httpAddr()
	server := &http.Server{Addr: addr, Handler: httpSrv.Handler()}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	log.Info("dagrunner started", "addr", addr, "store", storePath())
	<-ctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, h := range handles {
		h.Stop()
		log.Info("executor stopped", "backend", name)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warn("scheduler stop timed out", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
}

func storePath() string {
	if p := os.Getenv("DAGRUNNER_STORE_PATH"); p != "" {
		return p
	}
	return "dagrunner.db"
}

func httpAddr() string {
	if a := os.Getenv("DAGRUNNER_HTTP_ADDR"); a != "" {
		return a
	}
	return ":8080"
}
