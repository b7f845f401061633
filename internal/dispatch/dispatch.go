// Package dispatch implements the deduplicating job submission gate: every
// changelist/review-version pair is admitted at most once per idempotency
// key, and prior successful attempts gate later submissions by version.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Napageneral/reviewqueue/internal/outbox"
)

// Statuses a dispatch row can hold.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Outcome codes submit_job can return.
const (
	OutcomeCreated                  = "created"
	OutcomeDuplicateIdempotency     = "duplicate_idempotency"
	OutcomeAlreadySucceededSameVer  = "already_succeeded_same_version"
	OutcomeRerunRequired            = "rerun_required"
	OutcomeStaleReviewVersion       = "stale_review_version"
)

// Job is one dispatch (jobs table) row.
type Job struct {
	ID             int64
	ChangelistID   int64
	ReviewVersion  int64
	IdempotencyKey string
	Status         string
	CreatedAt      string
	UpdatedAt      string
}

// SubmissionResult is submit_job's structured, non-error outcome.
// stale_review_version is, by design, a normal non-created outcome and not
// an error value.
type SubmissionResult struct {
	Status  string
	Job     *Job
	Created bool
}

// Store manages dispatch (jobs table) persistence and delegates outbox
// preparation to the notification ledger.
type Store struct {
	db     *sql.DB
	Outbox *outbox.Store
}

// New wraps db as a dispatch store, sharing the handle with an outbox
// store for prepare_notifications.
func New(db *sql.DB) *Store {
	return &Store{db: db, Outbox: outbox.New(db)}
}

// SubmitJob applies the dispatch admission policy described in spec §4.2:
// exact idempotency-key duplicates are rejected first, then the most
// recent succeeded row for the changelist gates by review version, and
// only then is a new row inserted.
func (s *Store) SubmitJob(ctx context.Context, changelistID, reviewVersion int64, idempotencyKey string, rerunRequested bool) (SubmissionResult, error) {
	existing, err := s.getByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit_job: %w", err)
	}
	if existing != nil {
		return SubmissionResult{Status: OutcomeDuplicateIdempotency, Job: existing, Created: false}, nil
	}

	priorSuccess, err := s.latestSucceeded(ctx, changelistID)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit_job: %w", err)
	}

	if priorSuccess != nil {
		switch {
		case reviewVersion == priorSuccess.ReviewVersion:
			return SubmissionResult{Status: OutcomeAlreadySucceededSameVer, Job: priorSuccess, Created: false}, nil
		case reviewVersion > priorSuccess.ReviewVersion && !rerunRequested:
			return SubmissionResult{Status: OutcomeRerunRequired, Job: priorSuccess, Created: false}, nil
		case reviewVersion < priorSuccess.ReviewVersion:
			return SubmissionResult{Status: OutcomeStaleReviewVersion, Job: priorSuccess, Created: false}, nil
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (changelist_id, review_version, idempotency_key, status)
		VALUES (?, ?, ?, 'queued')
		ON CONFLICT(idempotency_key) DO NOTHING
	`, changelistID, reviewVersion, idempotencyKey)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit_job: insert: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit_job: rows affected: %w", err)
	}

	final, err := s.getByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return SubmissionResult{}, fmt.Errorf("submit_job: %w", err)
	}
	if final == nil {
		return SubmissionResult{}, fmt.Errorf("submit_job: row vanished after insert for key %q", idempotencyKey)
	}

	created := rows == 1
	status := OutcomeCreated
	if !created {
		status = OutcomeDuplicateIdempotency
	}
	return SubmissionResult{Status: status, Job: final, Created: created}, nil
}

// MarkSucceeded transitions a dispatch row to succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'succeeded', updated_at = now() WHERE id = ?
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark_succeeded: %w", err)
	}
	return nil
}

// PrepareNotifications reads the dispatch row and delegates to the outbox
// using the dispatch row's (changelist_id, review_version) as the outbox
// partition key.
func (s *Store) PrepareNotifications(ctx context.Context, jobID int64, recipients []string, payload interface{}) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("prepare_notifications: %w", err)
	}
	if err := s.Outbox.PrepareRows(ctx, job.ChangelistID, job.ReviewVersion, recipients, payload); err != nil {
		return fmt.Errorf("prepare_notifications: %w", err)
	}
	return nil
}

// GetJob fetches one dispatch row by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, selectByID, id))
	if err != nil {
		return nil, fmt.Errorf("get_job: %w", err)
	}
	return j, nil
}

func (s *Store) getByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, changelist_id, review_version, idempotency_key, status, created_at, updated_at
		FROM jobs WHERE idempotency_key = ?
	`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *Store) latestSucceeded(ctx context.Context, changelistID int64) (*Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT id, changelist_id, review_version, idempotency_key, status, created_at, updated_at
		FROM jobs
		WHERE changelist_id = ? AND status = 'succeeded'
		ORDER BY review_version DESC, id DESC
		LIMIT 1
	`, changelistID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

const selectByID = `
	SELECT id, changelist_id, review_version, idempotency_key, status, created_at, updated_at
	FROM jobs WHERE id = ?
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.ChangelistID, &j.ReviewVersion, &j.IdempotencyKey, &j.Status, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return j, nil
}
