// Package engine runs the worker pool that drains the work queue: each
// worker claims a job, hands it to a caller-supplied handler, and finalizes
// it as completed or failed depending on the handler's outcome. The handler
// runs as a single worker-runtime step, so the lease taken at claim time is
// not renewed while the handler runs.
package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Napageneral/reviewqueue/internal/workqueue"
)

// JobHandler processes one claimed job's payload. A returned error fails
// the job; a nil return completes it.
type JobHandler func(ctx context.Context, job *workqueue.Job) error

// Config configures the worker pool.
type Config struct {
	WorkerCount     int           // number of concurrent workers
	LeaseDuration   time.Duration // how long each claim holds its lease
	WorkerIDPrefix  string        // workers are named "<prefix>-<n>"
	PollInterval    time.Duration // sleep between empty claim_next attempts
	SweepInterval   time.Duration // how often to requeue expired leases
	ShutdownTimeout time.Duration // how long to wait for in-flight jobs on shutdown
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:     4,
		LeaseDuration:   5 * time.Minute,
		WorkerIDPrefix:  "engine",
		PollInterval:    200 * time.Millisecond,
		SweepInterval:   30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Stats summarizes one Run call's outcome.
type Stats struct {
	Succeeded int
	Failed    int
}

// Engine drives a JobHandler over the claimable work queue. Breaker, when
// set, wraps every handler invocation so a string of upstream failures
// (an external review producer or notification provider down) trips open
// and fails fast instead of exhausting worker slots on calls bound to
// time out.
type Engine struct {
	queue   *workqueue.Store
	handler JobHandler
	config  Config
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	sem            *AdaptiveSemaphore
	rateController *RateController
	metrics        *EngineMetrics
}

// New builds an Engine over queue, invoking handler for every claimed job.
func New(queue *workqueue.Store, handler JobHandler, config Config, breaker *gobreaker.CircuitBreaker, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{queue: queue, handler: handler, config: config, breaker: breaker, logger: logger, metrics: NewEngineMetrics()}
}

// WithRateLimiting caps concurrent handler invocations (the external
// review producer, Slack, and p4 calls a handler makes) at maxInFlight,
// auto-tuning that cap down on rate-limit/timeout/server-error outcomes
// and back up during clean windows.
func (e *Engine) WithRateLimiting(maxInFlight int) *Engine {
	e.sem = NewAdaptiveSemaphore(maxInFlight)
	e.rateController = NewRateController(e.sem, DefaultRateControllerConfig(maxInFlight))
	return e
}

// Metrics returns the engine's job-outcome and timing aggregator.
func (e *Engine) Metrics() *EngineMetrics {
	return e.metrics
}

// Run starts the sweeper and worker pool and blocks until ctx is cancelled,
// then waits up to ShutdownTimeout for in-flight jobs to finish.
func (e *Engine) Run(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var statsMu sync.Mutex

	if requeued, err := e.queue.RequeueExpiredRunning(ctx); err != nil {
		e.logger.Warn("failed to requeue expired leases on startup", zap.Error(err))
	} else if requeued > 0 {
		e.logger.Info("requeued expired leases on startup", zap.Int64("count", requeued))
	}

	if e.rateController != nil {
		e.rateController.Start(ctx)
	}

	var wg sync.WaitGroup
	sweepTicker := time.NewTicker(e.config.SweepInterval)
	defer sweepTicker.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sweepTicker.C:
				if requeued, err := e.queue.RequeueExpiredRunning(ctx); err != nil {
					e.logger.Warn("failed to requeue expired leases", zap.Error(err))
				} else if requeued > 0 {
					e.logger.Info("requeued expired leases", zap.Int64("count", requeued))
				}
			}
		}
	}()

	for i := 0; i < e.config.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			e.worker(ctx, workerID, stats, &statsMu)
		}(workerName(e.config.WorkerIDPrefix, i))
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.config.ShutdownTimeout)
	defer cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		e.logger.Warn("shutdown timeout exceeded, some jobs may not have completed")
	}

	return stats, nil
}

func (e *Engine) worker(ctx context.Context, workerID string, stats *Stats, statsMu *sync.Mutex) {
	runtime := workqueue.NewWorkerRuntime(e.queue, workerID, nil)

	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := e.queue.ClaimNext(ctx, workqueue.ClaimNextOptions{WorkerID: workerID, LeaseDuration: e.config.LeaseDuration})
		if err != nil {
			e.logger.Warn("claim_next failed", zap.String("worker_id", workerID), zap.Error(err))
			sleepOrDone(ctx, e.config.PollInterval)
			continue
		}
		if !ok {
			sleepOrDone(ctx, e.config.PollInterval)
			continue
		}

		var handlerErr error
		start := time.Now()
		result, err := runtime.ProcessRunningJob(ctx, job.ID, e.config.LeaseDuration, func() bool {
			handlerErr = e.invokeHandler(ctx, job)
			return false
		})
		e.metrics.Record(handlerErr == nil, time.Since(start))
		if err != nil {
			e.logger.Error("process_running_job failed", zap.Int64("job_id", job.ID), zap.Error(err))
			continue
		}
		if result.LeaseLost {
			e.logger.Warn("lease lost mid-processing, not finalizing", zap.Int64("job_id", job.ID), zap.String("worker_id", workerID))
			continue
		}

		statsMu.Lock()
		if handlerErr != nil {
			stats.Failed++
		} else {
			stats.Succeeded++
		}
		statsMu.Unlock()

		if handlerErr != nil {
			e.logger.Error("job handler failed", zap.Int64("job_id", job.ID), zap.Error(handlerErr))
			if _, ferr := e.queue.Fail(ctx, job.ID, workerID); ferr != nil {
				e.logger.Error("failed to mark job failed", zap.Int64("job_id", job.ID), zap.Error(ferr))
			}
			continue
		}
		if _, cerr := e.queue.Complete(ctx, job.ID, workerID); cerr != nil {
			e.logger.Error("failed to mark job complete", zap.Int64("job_id", job.ID), zap.Error(cerr))
		}
	}
}

func (e *Engine) invokeHandler(ctx context.Context, job *workqueue.Job) error {
	if e.sem != nil {
		if err := e.sem.Acquire(ctx); err != nil {
			return err
		}
		defer e.sem.Release()
	}

	var err error
	if e.breaker == nil {
		err = e.handler(ctx, job)
	} else {
		_, err = e.breaker.Execute(func() (interface{}, error) {
			return nil, e.handler(ctx, job)
		})
	}

	if e.rateController != nil {
		e.rateController.Observe(err)
	}
	return err
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func workerName(prefix string, i int) string {
	if prefix == "" {
		prefix = "engine"
	}
	return prefix + "-" + strconv.Itoa(i)
}
