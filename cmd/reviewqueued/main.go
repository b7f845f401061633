package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Napageneral/reviewqueue/internal/changeingest"
	"github.com/Napageneral/reviewqueue/internal/config"
	"github.com/Napageneral/reviewqueue/internal/dispatch"
	"github.com/Napageneral/reviewqueue/internal/engine"
	"github.com/Napageneral/reviewqueue/internal/failpipe"
	"github.com/Napageneral/reviewqueue/internal/logging"
	"github.com/Napageneral/reviewqueue/internal/migrate"
	"github.com/Napageneral/reviewqueue/internal/outbox"
	"github.com/Napageneral/reviewqueue/internal/review"
	"github.com/Napageneral/reviewqueue/internal/store"
	"github.com/Napageneral/reviewqueue/internal/workqueue"
)

var version = "0.1.0-dev"

// pipelineStages is the fixed stage order the failure pipeline replays
// through: fetch the changelist, dispatch it, deliver its notifications.
var pipelineStages = []string{"ingest", "dispatch", "notify"}

var requestValidator = validator.New()

// IngestRequest is the inbound shape of the ingest command, validated
// before it reaches the core (a value_error precondition failure, not a
// business outcome the core itself would return).
type IngestRequest struct {
	ChangelistID   int64  `validate:"required,gt=0"`
	ReviewVersion  int64  `validate:"required,gt=0"`
	IdempotencyKey string `validate:"required,min=1"`
	Priority       int    `validate:"gte=0"`
}

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "reviewqueued",
		Short: "reviewqueued drives the review-job pipeline over a shared SQLite store",
		Long: `reviewqueued is the operable front end for the review-job pipeline:
work queue, job dispatch, notification outbox, and failure pipeline,
coordinated through one SQLite database.

  reviewqueued init                 Create/migrate the store database
  reviewqueued ingest                Fetch a changelist and enqueue a review job
  reviewqueued dispatch submit       Submit a dispatch job directly
  reviewqueued queue stats           Report work queue counts by status
  reviewqueued outbox deliver        Deliver pending notifications for a changelist/version
  reviewqueued pipeline replay       Start a dead-letter replay
  reviewqueued serve                 Run the worker-pool engine`,
	}

	var dbPath string
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", cfg.DBPath, "path to the shared SQLite store")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]interface{}{"version": version})
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the store database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := migrate.Migrate(dbPath); err != nil {
				return printErrorJSON(fmt.Errorf("migrate: %w", err))
			}
			return printJSON(map[string]interface{}{"ok": true, "db_path": dbPath})
		},
	}

	rootCmd.AddCommand(versionCmd, initCmd, newIngestCmd(&dbPath, cfg), newDispatchCmd(&dbPath), newQueueCmd(&dbPath), newOutboxCmd(&dbPath, cfg), newPipelineCmd(&dbPath), newReviewCmd(), newServeCmd(&dbPath, cfg))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newIngestCmd(dbPath *string, cfg *config.Config) *cobra.Command {
	var changelistID, reviewVersion int64
	var idempotencyKey string
	var rerun bool
	var priority int
	var paths []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch a changelist from source control and enqueue a review job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := IngestRequest{ChangelistID: changelistID, ReviewVersion: reviewVersion, IdempotencyKey: idempotencyKey, Priority: priority}
			if err := requestValidator.Struct(req); err != nil {
				return printErrorJSON(fmt.Errorf("invalid ingest request: %w", err))
			}

			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(fmt.Errorf("open store: %w", err))
			}
			defer db.Close()

			fetcher, err := changeingest.NewChangeFetcher(cfg.Allowlist, cfg.P4Binary, time.Duration(cfg.P4TimeoutSeconds)*time.Second, changeingest.DefaultRunner)
			if err != nil {
				return printErrorJSON(fmt.Errorf("new_change_fetcher: %w", err))
			}
			service := changeingest.NewService(fetcher, dispatch.New(db), workqueue.New(db))

			result, err := service.IngestChange(cmd.Context(), changeingest.IngestOptions{
				ChangelistID:   changelistID,
				ReviewVersion:  reviewVersion,
				IdempotencyKey: idempotencyKey,
				RerunRequested: rerun,
				RequestedPaths: paths,
				Priority:       priority,
			})
			if err != nil {
				return printErrorJSON(fmt.Errorf("ingest_change: %w", err))
			}
			return printJSON(result)
		},
	}
	cmd.Flags().Int64Var(&changelistID, "changelist-id", 0, "changelist id to fetch")
	cmd.Flags().Int64Var(&reviewVersion, "review-version", 1, "review version for this submission")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key for the dispatch submission")
	cmd.Flags().BoolVar(&rerun, "rerun", false, "allow a rerun of an already-dispatched review version")
	cmd.Flags().IntVar(&priority, "priority", 0, "work queue priority")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "restrict ingestion to these depot paths (repeatable)")
	cmd.MarkFlagRequired("changelist-id")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		if idempotencyKey == "" {
			idempotencyKey = uuid.NewString()
		}
	}
	return cmd
}

func newDispatchCmd(dbPath *string) *cobra.Command {
	dispatchCmd := &cobra.Command{Use: "dispatch", Short: "Inspect and submit dispatch jobs"}

	var changelistID, reviewVersion int64
	var idempotencyKey string
	var rerun bool
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a dispatch job directly, bypassing source-control fetch",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			result, err := dispatch.New(db).SubmitJob(cmd.Context(), changelistID, reviewVersion, idempotencyKey, rerun)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(result)
		},
	}
	submitCmd.Flags().Int64Var(&changelistID, "changelist-id", 0, "changelist id")
	submitCmd.Flags().Int64Var(&reviewVersion, "review-version", 1, "review version")
	submitCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key")
	submitCmd.Flags().BoolVar(&rerun, "rerun", false, "allow a rerun of an already-dispatched review version")
	submitCmd.MarkFlagRequired("idempotency-key")

	var jobID int64
	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print a dispatch job by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			job, err := dispatch.New(db).GetJob(cmd.Context(), jobID)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(job)
		},
	}
	getCmd.Flags().Int64Var(&jobID, "job-id", 0, "dispatch job id")
	getCmd.MarkFlagRequired("job-id")

	dispatchCmd.AddCommand(submitCmd, getCmd)
	return dispatchCmd
}

func newQueueCmd(dbPath *string) *cobra.Command {
	queueCmd := &cobra.Command{Use: "queue", Short: "Operate the work queue directly"}

	var workerID string
	var leaseSeconds int
	claimCmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next available job",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			job, ok, err := workqueue.New(db).ClaimNext(cmd.Context(), workqueue.ClaimNextOptions{WorkerID: workerID, LeaseDuration: time.Duration(leaseSeconds) * time.Second})
			if err != nil {
				return printErrorJSON(err)
			}
			if !ok {
				return printJSON(map[string]interface{}{"claimed": false})
			}
			return printJSON(map[string]interface{}{"claimed": true, "job": job})
		},
	}
	claimCmd.Flags().StringVar(&workerID, "worker-id", "cli-worker", "claiming worker's id")
	claimCmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 300, "lease duration in seconds")

	var jobID int64
	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat",
		Short: "Renew a claimed job's lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			result, err := workqueue.New(db).Heartbeat(cmd.Context(), jobID, workerID, time.Duration(leaseSeconds)*time.Second)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(result)
		},
	}
	heartbeatCmd.Flags().Int64Var(&jobID, "job-id", 0, "job id")
	heartbeatCmd.Flags().StringVar(&workerID, "worker-id", "cli-worker", "owning worker's id")
	heartbeatCmd.Flags().IntVar(&leaseSeconds, "lease-seconds", 300, "lease duration in seconds")
	heartbeatCmd.MarkFlagRequired("job-id")

	completeCmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a claimed job complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			result, err := workqueue.New(db).Complete(cmd.Context(), jobID, workerID)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(result)
		},
	}
	completeCmd.Flags().Int64Var(&jobID, "job-id", 0, "job id")
	completeCmd.Flags().StringVar(&workerID, "worker-id", "cli-worker", "owning worker's id")
	completeCmd.MarkFlagRequired("job-id")

	failCmd := &cobra.Command{
		Use:   "fail",
		Short: "Mark a claimed job failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			result, err := workqueue.New(db).Fail(cmd.Context(), jobID, workerID)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(result)
		},
	}
	failCmd.Flags().Int64Var(&jobID, "job-id", 0, "job id")
	failCmd.Flags().StringVar(&workerID, "worker-id", "cli-worker", "owning worker's id")
	failCmd.MarkFlagRequired("job-id")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Report work queue counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			counts, err := workqueue.New(db).Stats(cmd.Context())
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(counts)
		},
	}

	queueCmd.AddCommand(claimCmd, heartbeatCmd, completeCmd, failCmd, statsCmd)
	return queueCmd
}

func newOutboxCmd(dbPath *string, cfg *config.Config) *cobra.Command {
	outboxCmd := &cobra.Command{Use: "outbox", Short: "Operate the notification outbox"}

	var changelistID, reviewVersion int64
	deliverCmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver pending notifications for a changelist/review-version",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()

			var provider outbox.Provider
			if cfg.SlackToken != "" {
				provider = outbox.NewSlackProvider(cfg.SlackToken)
			} else {
				provider = outbox.NewFakeProvider()
			}

			results, err := outbox.New(db).DeliverPending(cmd.Context(), changelistID, reviewVersion, provider)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(results)
		},
	}
	deliverCmd.Flags().Int64Var(&changelistID, "changelist-id", 0, "changelist id")
	deliverCmd.Flags().Int64Var(&reviewVersion, "review-version", 1, "review version")
	deliverCmd.MarkFlagRequired("changelist-id")

	outboxCmd.AddCommand(deliverCmd)
	return outboxCmd
}

func newPipelineCmd(dbPath *string) *cobra.Command {
	pipelineCmd := &cobra.Command{Use: "pipeline", Short: "Inspect and replay dead-lettered pipeline runs"}

	var deadLetterID int64
	var operatorID, evidence string
	remediateCmd := &cobra.Command{
		Use:   "remediate",
		Short: "Record remediation evidence against a dead-lettered run",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openFailpipe(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			if err := s.RecordRemediationEvidence(cmd.Context(), deadLetterID, operatorID, evidence); err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"ok": true})
		},
	}
	remediateCmd.Flags().Int64Var(&deadLetterID, "dead-letter-id", 0, "dead letter id")
	remediateCmd.Flags().StringVar(&operatorID, "operator-id", "", "operator recording the evidence")
	remediateCmd.Flags().StringVar(&evidence, "evidence", "", "free-text remediation evidence")
	remediateCmd.MarkFlagRequired("dead-letter-id")
	remediateCmd.MarkFlagRequired("evidence")

	var fullRestart bool
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Start a replay of a dead-lettered run",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openFailpipe(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			plan, err := s.StartReplay(cmd.Context(), deadLetterID, fullRestart)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(plan)
		},
	}
	replayCmd.Flags().Int64Var(&deadLetterID, "dead-letter-id", 0, "dead letter id")
	replayCmd.Flags().BoolVar(&fullRestart, "full-restart", false, "restart from the first stage instead of the failed stage")
	replayCmd.MarkFlagRequired("dead-letter-id")

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print a dead-letter entry by id",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openFailpipe(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()
			dl, err := s.GetDeadLetter(cmd.Context(), deadLetterID)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(dl)
		},
	}
	getCmd.Flags().Int64Var(&deadLetterID, "dead-letter-id", 0, "dead letter id")
	getCmd.MarkFlagRequired("dead-letter-id")

	pipelineCmd.AddCommand(remediateCmd, replayCmd, getCmd)
	return pipelineCmd
}

func openFailpipe(dbPath string) (*failpipe.Store, *sql.DB, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	s, err := failpipe.New(db, pipelineStages)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("new failpipe store: %w", err)
	}
	return s, db, nil
}

func newReviewCmd() *cobra.Command {
	reviewCmd := &cobra.Command{Use: "review", Short: "Validate a review-result payload against the external contract"}

	var payloadPath, correlationID string
	var changedFiles []string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate and reconcile a review-result JSON payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(payloadPath)
			if err != nil {
				return printErrorJSON(fmt.Errorf("read payload: %w", err))
			}
			if correlationID == "" {
				correlationID = uuid.NewString()
			}

			recorder := review.NewDiagnosticRecorder()
			outcome, err := review.ValidateAndReconcileReviewResult(string(raw), changedFiles, correlationID, recorder)
			if err != nil {
				return printErrorJSON(fmt.Errorf("validate_and_reconcile_review_result: %w", err))
			}
			return printJSON(map[string]interface{}{
				"correlation_id": correlationID,
				"rejected":       outcome.Rejected,
				"review_result":  outcome.ReviewResult,
				"diagnostics":    outcome.Diagnostics,
			})
		},
	}
	validateCmd.Flags().StringVar(&payloadPath, "payload", "", "path to the review-result JSON payload")
	validateCmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id to tag diagnostics with (generated if omitted)")
	validateCmd.Flags().StringSliceVar(&changedFiles, "changed-file", nil, "changed file to reconcile findings against (repeatable)")
	validateCmd.MarkFlagRequired("payload")

	reviewCmd.AddCommand(validateCmd)
	return reviewCmd
}

func newServeCmd(dbPath *string, cfg *config.Config) *cobra.Command {
	var workerCount int
	var leaseSeconds int
	var maxInFlight int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker-pool engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New()
			defer logger.Sync()

			db, err := store.Open(*dbPath)
			if err != nil {
				return printErrorJSON(err)
			}
			defer db.Close()

			queue := workqueue.New(db)
			dispatchStore := dispatch.New(db)
			outboxStore := outbox.New(db)

			var provider outbox.Provider
			if cfg.SlackToken != "" {
				provider = outbox.NewSlackProvider(cfg.SlackToken)
			} else {
				provider = outbox.NewFakeProvider()
			}

			handler := func(ctx context.Context, job *workqueue.Job) error {
				return handleReviewJob(ctx, job, dispatchStore, outboxStore, provider, logger)
			}

			econfig := engine.DefaultConfig()
			econfig.WorkerCount = workerCount
			econfig.LeaseDuration = time.Duration(leaseSeconds) * time.Second

			e := engine.New(queue, handler, econfig, nil, logger)
			if maxInFlight > 0 {
				e = e.WithRateLimiting(maxInFlight)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			logger.Info("serving", zap.Int("worker_count", workerCount))
			stats, err := e.Run(ctx)
			if err != nil {
				return printErrorJSON(err)
			}
			return printJSON(map[string]interface{}{"succeeded": stats.Succeeded, "failed": stats.Failed, "metrics": e.Metrics().SnapshotJSON()})
		},
	}
	cmd.Flags().IntVar(&workerCount, "worker-count", cfg.WorkerCount, "number of concurrent workers")
	cmd.Flags().IntVar(&leaseSeconds, "lease-seconds", cfg.LeaseSeconds, "lease duration in seconds")
	cmd.Flags().IntVar(&maxInFlight, "max-in-flight", 0, "cap concurrent handler invocations with adaptive rate limiting (0 disables)")
	return cmd
}

// handleReviewJob dispatches one claimed work queue payload: it expects a
// job_id referencing a dispatch job plus the changed files fetched at
// ingest time. When the review producer has already attached its result to
// the payload (review_result), that result is validated and reconciled
// against the changed files before anything is marked succeeded — a
// rejected result fails the job rather than notifying on unreliable
// findings. Accepted findings are what gets prepared into the outbox, not
// the raw producer output.
func handleReviewJob(ctx context.Context, job *workqueue.Job, dispatchStore *dispatch.Store, outboxStore *outbox.Store, provider outbox.Provider, logger *zap.Logger) error {
	var payload struct {
		JobID         int64           `json:"job_id"`
		ChangelistID  int64           `json:"changelist_id"`
		ReviewVersion int64           `json:"review_version"`
		Files         []string        `json:"files"`
		Recipients    []string        `json:"recipients"`
		ReviewResult  json.RawMessage `json:"review_result"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	if len(payload.ReviewResult) > 0 {
		correlationID := fmt.Sprintf("job-%d", payload.JobID)
		recorder := review.NewDiagnosticRecorder()
		outcome, err := review.ValidateAndReconcileReviewResult(string(payload.ReviewResult), payload.Files, correlationID, recorder)
		if err != nil {
			return fmt.Errorf("validate_and_reconcile_review_result: %w", err)
		}
		if outcome.Rejected {
			logger.Warn("review result rejected", zap.Int64("job_id", payload.JobID), zap.Int("diagnostics", len(outcome.Diagnostics)))
			return fmt.Errorf("review result rejected for job %d: %d diagnostics", payload.JobID, len(outcome.Diagnostics))
		}

		if len(payload.Recipients) > 0 {
			if err := dispatchStore.PrepareNotifications(ctx, payload.JobID, payload.Recipients, outcome.ReviewResult); err != nil {
				return fmt.Errorf("prepare_notifications: %w", err)
			}
		}
	}

	if err := dispatchStore.MarkSucceeded(ctx, payload.JobID); err != nil {
		return fmt.Errorf("mark_succeeded: %w", err)
	}

	if _, err := outboxStore.DeliverPending(ctx, payload.ChangelistID, payload.ReviewVersion, provider); err != nil {
		logger.Warn("notification delivery failed", zap.Int64("changelist_id", payload.ChangelistID), zap.Error(err))
		return err
	}
	return nil
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printErrorJSON(err error) error {
	output := map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if encErr := encoder.Encode(output); encErr != nil {
		return fmt.Errorf("failed to encode error JSON: %w", encErr)
	}
	return err
}
