package workqueue

import (
	"context"
	"time"
)

// WorkerEvent is one structured event the worker runtime emits while
// processing a claimed job. The runtime never finalizes the job itself —
// the caller decides completion based on ProcessStep's return value.
type WorkerEvent struct {
	Type     string
	JobID    int64
	WorkerID string
	Payload  map[string]interface{}
}

// WorkerRunResult is the outcome of one ProcessRunningJob call.
type WorkerRunResult struct {
	Status    string // "processing_complete" or "lease_lost"
	LeaseLost bool
	Events    []WorkerEvent
}

// WorkerRuntime wraps lease-bound processing of one claimed job: it calls
// ProcessStep repeatedly and renews the lease on a schedule derived from
// the lease duration, stopping immediately if the lease is lost.
type WorkerRuntime struct {
	store     *Store
	workerID  string
	nowFn     func() float64 // monotonic seconds
	LeaseLost bool
}

// NewWorkerRuntime builds a runtime bound to store and workerID. nowFn
// defaults to a monotonic wall-clock reading; tests may inject a
// step-advancing clock.
func NewWorkerRuntime(store *Store, workerID string, nowFn func() float64) *WorkerRuntime {
	if nowFn == nil {
		start := time.Now()
		nowFn = func() float64 { return time.Since(start).Seconds() }
	}
	return &WorkerRuntime{store: store, workerID: workerID, nowFn: nowFn}
}

// ProcessRunningJob loops calling processStep (which returns true while
// work remains) and renews the job's lease every ceil(leaseDuration/3)
// seconds of the runtime's clock. On heartbeat failure it stops
// immediately and reports lease_lost; on processStep returning false it
// reports processing_complete.
func (r *WorkerRuntime) ProcessRunningJob(ctx context.Context, jobID int64, leaseDuration time.Duration, processStep func() bool) (WorkerRunResult, error) {
	leaseSeconds := int(leaseDuration.Seconds())
	heartbeatEvery := (leaseSeconds + 2) / 3
	if heartbeatEvery < 1 {
		heartbeatEvery = 1
	}
	nextHeartbeatAt := r.nowFn() + float64(heartbeatEvery)

	var events []WorkerEvent

	for {
		if r.nowFn() >= nextHeartbeatAt {
			renewal, err := r.store.Heartbeat(ctx, jobID, r.workerID, leaseDuration)
			if err != nil {
				return WorkerRunResult{Events: events}, err
			}
			if !renewal.OK {
				r.LeaseLost = true
				events = append(events, WorkerEvent{
					Type:     "lease_lost",
					JobID:    jobID,
					WorkerID: r.workerID,
					Payload: map[string]interface{}{
						"status": "lease_lost",
						"code":   renewal.Code,
					},
				})
				return WorkerRunResult{Status: "lease_lost", LeaseLost: true, Events: events}, nil
			}

			events = append(events, WorkerEvent{
				Type:     "heartbeat_renewed",
				JobID:    jobID,
				WorkerID: r.workerID,
				Payload: map[string]interface{}{
					"status":               "running",
					"lease_duration_seconds": leaseSeconds,
				},
			})
			nextHeartbeatAt = r.nowFn() + float64(heartbeatEvery)
		}

		if !processStep() {
			return WorkerRunResult{Status: "processing_complete", Events: events}, nil
		}
	}
}
