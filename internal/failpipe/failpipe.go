// Package failpipe implements the dead-letter failure pipeline: it tracks
// which stage a pipeline run is in, records non-retryable failures as
// dead-letter entries gated on operator remediation evidence, and governs
// controlled replay back into the stage sequence.
package failpipe

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Napageneral/reviewqueue/internal/store"
)

// Statuses a pipeline_runs row can hold.
const (
	RunStatusRunning   = "running"
	RunStatusFailed    = "failed"
	RunStatusCompleted = "completed"
)

// Statuses a dead_letter_entries row can hold.
const (
	DeadLetterStatusOpen       = "open"
	DeadLetterStatusReplaying = "replaying"
	DeadLetterStatusResolved  = "resolved"
	DeadLetterStatusEscalated = "escalated"
)

// Run is one pipeline_runs row.
type Run struct {
	ID           int64
	PayloadRef   string
	CurrentStage string
	Status       string
	CreatedAt    string
	UpdatedAt    string
}

// DeadLetter is one dead_letter_entries row.
type DeadLetter struct {
	ID                  int64
	RunID               int64
	FailedStage         string
	ErrorClass          string
	ErrorMessage        string
	ErrorMetadata       string
	OriginalPayloadRef  string
	RemediationEvidence sql.NullString
	ReplayStartStage    sql.NullString
	ReplayCount         int64
	ResolutionNotes     sql.NullString
	Status              string
	EscalatedAt         sql.NullString
	ResolvedAt          sql.NullString
	CreatedAt           string
	UpdatedAt           string
}

// ReplayPlan is start_replay's result: where the run restarts from.
type ReplayPlan struct {
	DeadLetterID int64
	RunID        int64
	RestartStage string
	FullRestart  bool
}

// Store manages the failure pipeline's persistence. Stages is the ordered,
// fixed sequence of pipeline stage names this pipeline drives runs through;
// it must not be empty.
type Store struct {
	db     *sql.DB
	stages []string
}

// New builds a failure pipeline Store over the ordered stage sequence.
func New(db *sql.DB, stages []string) (*Store, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("failpipe: stages must not be empty")
	}
	cp := make([]string, len(stages))
	copy(cp, stages)
	return &Store{db: db, stages: cp}, nil
}

// CreateRun starts a new pipeline run at the first configured stage.
func (s *Store) CreateRun(ctx context.Context, payloadRef string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (payload_ref, current_stage, status)
		VALUES (?, ?, 'running')
	`, payloadRef, s.stages[0])
	if err != nil {
		return 0, fmt.Errorf("create_run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create_run: %w", err)
	}
	return id, nil
}

// RecordFailureInput describes a reported stage failure.
type RecordFailureInput struct {
	RunID              int64
	FailedStage        string
	ErrorClass         string
	ErrorMessage       string
	ErrorMetadata      interface{}
	Retryable          bool
	OriginalPayloadRef string // optional; defaults to the run's payload_ref
}

// RecordFailure marks the run failed at failed_stage. Retryable failures
// leave no dead-letter trace: the caller is expected to retry the stage
// in place. Non-retryable failures open a dead-letter entry gating further
// progress on operator remediation.
func (s *Store) RecordFailure(ctx context.Context, in RecordFailureInput) (*DeadLetter, error) {
	if !containsStage(s.stages, in.FailedStage) {
		return nil, fmt.Errorf("record_failure: unknown failed_stage %q", in.FailedStage)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE pipeline_runs SET current_stage = ?, status = 'failed', updated_at = now() WHERE id = ?
	`, in.FailedStage, in.RunID); err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}

	if in.Retryable {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("record_failure: %w", err)
		}
		return nil, nil
	}

	payloadRef := in.OriginalPayloadRef
	if payloadRef == "" {
		run, err := getRun(ctx, tx, in.RunID)
		if err != nil {
			return nil, fmt.Errorf("record_failure: %w", err)
		}
		payloadRef = run.PayloadRef
	}

	metadataJSON, err := store.CanonicalJSON(in.ErrorMetadata)
	if err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letter_entries
			(run_id, failed_stage, error_class, error_message, error_metadata, original_payload_ref, status)
		VALUES (?, ?, ?, ?, ?, ?, 'open')
	`, in.RunID, in.FailedStage, in.ErrorClass, in.ErrorMessage, metadataJSON, payloadRef)
	if err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}
	dl, err := getDeadLetter(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("record_failure: %w", err)
	}
	return dl, nil
}

// RecordRemediationEvidence attaches operator-supplied evidence to a
// dead-letter entry, unblocking start_replay. The stored format is
// verbatim "operator=<id>; evidence=<text>".
func (s *Store) RecordRemediationEvidence(ctx context.Context, deadLetterID int64, operatorID, evidence string) error {
	formatted := fmt.Sprintf("operator=%s; evidence=%s", operatorID, evidence)
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_entries SET remediation_evidence = ?, updated_at = now() WHERE id = ?
	`, formatted, deadLetterID)
	if err != nil {
		return fmt.Errorf("record_remediation_evidence: %w", err)
	}
	return nil
}

// StartReplay arms a replay for dead_letter_id, restarting either at the
// stage that failed (default) or at the first stage (full_restart). It
// requires remediation evidence to already be on file but does not require
// fresh evidence on each call: re-arming the same dead letter multiple
// times is allowed, and each call increments replay_count.
func (s *Store) StartReplay(ctx context.Context, deadLetterID int64, fullRestart bool) (ReplayPlan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ReplayPlan{}, fmt.Errorf("start_replay: %w", err)
	}
	defer tx.Rollback()

	dl, err := getDeadLetter(ctx, tx, deadLetterID)
	if err != nil {
		return ReplayPlan{}, fmt.Errorf("start_replay: %w", err)
	}
	if !dl.RemediationEvidence.Valid {
		return ReplayPlan{}, fmt.Errorf("start_replay: remediation evidence required before replay")
	}

	restartStage := dl.FailedStage
	if fullRestart {
		restartStage = s.stages[0]
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET status = 'replaying', replay_start_stage = ?, replay_count = replay_count + 1, updated_at = now()
		WHERE id = ?
	`, restartStage, deadLetterID); err != nil {
		return ReplayPlan{}, fmt.Errorf("start_replay: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE pipeline_runs SET current_stage = ?, status = 'running', updated_at = now() WHERE id = ?
	`, restartStage, dl.RunID); err != nil {
		return ReplayPlan{}, fmt.Errorf("start_replay: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ReplayPlan{}, fmt.Errorf("start_replay: %w", err)
	}
	return ReplayPlan{DeadLetterID: deadLetterID, RunID: dl.RunID, RestartStage: restartStage, FullRestart: fullRestart}, nil
}

// CompleteReplay resolves a replay, verifying completedStages is an exact
// suffix match of the stage sequence starting at the replay's restart
// stage — no skipped or reordered stages.
func (s *Store) CompleteReplay(ctx context.Context, deadLetterID int64, completedStages []string, resolutionNotes string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete_replay: %w", err)
	}
	defer tx.Rollback()

	dl, err := getDeadLetter(ctx, tx, deadLetterID)
	if err != nil {
		return fmt.Errorf("complete_replay: %w", err)
	}
	restartStage := dl.FailedStage
	if dl.ReplayStartStage.Valid {
		restartStage = dl.ReplayStartStage.String
	}
	idx := indexOfStage(s.stages, restartStage)
	if idx < 0 {
		return fmt.Errorf("complete_replay: unknown restart stage %q", restartStage)
	}
	expected := s.stages[idx:]
	if !equalStages(completedStages, expected) {
		return fmt.Errorf("complete_replay: downstream completion verification failed")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pipeline_runs SET current_stage = ?, status = 'completed', updated_at = now() WHERE id = ?
	`, expected[len(expected)-1], dl.RunID); err != nil {
		return fmt.Errorf("complete_replay: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET status = 'resolved', resolution_notes = ?, resolved_at = now(), updated_at = now()
		WHERE id = ?
	`, resolutionNotes, deadLetterID); err != nil {
		return fmt.Errorf("complete_replay: %w", err)
	}

	return tx.Commit()
}

// FailReplayInput describes a failed replay attempt.
type FailReplayInput struct {
	DeadLetterID  int64
	ErrorClass    string
	ErrorMessage  string
	ErrorMetadata interface{}
	Retryable     bool
}

// FailReplay records a replay attempt's failure. The dead letter escalates
// when the failure is non-retryable and its error class matches the
// original failure's error class exactly — a second occurrence of the same
// failure mode after remediated replay signals the remediation did not
// work and needs operator attention beyond another replay.
func (s *Store) FailReplay(ctx context.Context, in FailReplayInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail_replay: %w", err)
	}
	defer tx.Rollback()

	dl, err := getDeadLetter(ctx, tx, in.DeadLetterID)
	if err != nil {
		return fmt.Errorf("fail_replay: %w", err)
	}

	escalated := !in.Retryable && in.ErrorClass == dl.ErrorClass
	status := DeadLetterStatusOpen
	if escalated {
		status = DeadLetterStatusEscalated
	}

	metadataJSON, err := store.CanonicalJSON(in.ErrorMetadata)
	if err != nil {
		return fmt.Errorf("fail_replay: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = 'failed', current_stage = ?, updated_at = now() WHERE id = ?
	`, dl.FailedStage, dl.RunID); err != nil {
		return fmt.Errorf("fail_replay: %w", err)
	}

	escalatedAtExpr := "escalated_at"
	if escalated {
		escalatedAtExpr = "now()"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE dead_letter_entries
		SET status = ?, error_class = ?, error_message = ?, error_metadata = ?, escalated_at = %s, updated_at = now()
		WHERE id = ?
	`, escalatedAtExpr), status, in.ErrorClass, in.ErrorMessage, metadataJSON, in.DeadLetterID); err != nil {
		return fmt.Errorf("fail_replay: %w", err)
	}

	return tx.Commit()
}

// GetDeadLetter fetches one dead_letter_entries row by id.
func (s *Store) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	return getDeadLetter(ctx, s.db, id)
}

// GetRun fetches one pipeline_runs row by id.
func (s *Store) GetRun(ctx context.Context, id int64) (*Run, error) {
	return getRun(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getRun(ctx context.Context, q queryer, id int64) (*Run, error) {
	r := &Run{}
	err := q.QueryRowContext(ctx, `
		SELECT id, payload_ref, current_stage, status, created_at, updated_at
		FROM pipeline_runs WHERE id = ?
	`, id).Scan(&r.ID, &r.PayloadRef, &r.CurrentStage, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func getDeadLetter(ctx context.Context, q queryer, id int64) (*DeadLetter, error) {
	dl := &DeadLetter{}
	err := q.QueryRowContext(ctx, `
		SELECT id, run_id, failed_stage, error_class, error_message, error_metadata, original_payload_ref,
		       remediation_evidence, replay_start_stage, replay_count, resolution_notes, status,
		       escalated_at, resolved_at, created_at, updated_at
		FROM dead_letter_entries WHERE id = ?
	`, id).Scan(
		&dl.ID, &dl.RunID, &dl.FailedStage, &dl.ErrorClass, &dl.ErrorMessage, &dl.ErrorMetadata, &dl.OriginalPayloadRef,
		&dl.RemediationEvidence, &dl.ReplayStartStage, &dl.ReplayCount, &dl.ResolutionNotes, &dl.Status,
		&dl.EscalatedAt, &dl.ResolvedAt, &dl.CreatedAt, &dl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return dl, nil
}

func containsStage(stages []string, stage string) bool {
	return indexOfStage(stages, stage) >= 0
}

func indexOfStage(stages []string, stage string) int {
	for i, s := range stages {
		if s == stage {
			return i
		}
	}
	return -1
}

func equalStages(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
