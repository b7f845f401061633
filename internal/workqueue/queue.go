// Package workqueue implements the leased, priority-ordered work queue: the
// durable job store, its sweeper, and the worker runtime that renews leases
// while a claimed job is processed.
package workqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Job is one durable work_queue row.
type Job struct {
	ID             int64
	Payload        []byte
	Status         string
	Priority       int
	RunAt          string
	ClaimedBy      sql.NullString
	LeaseExpiresAt sql.NullString
	StartedAt      sql.NullString
	CreatedAt      string
	UpdatedAt      string
}

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Diagnostic codes, matching the abstract taxonomy of the store's error
// handling design: predictable outcomes are returned as structured results,
// never raised.
const (
	CodeOK               = "ok"
	CodeInvalidTransition = "invalid_transition"
	CodeNotOwner         = "not_owner"
	CodeInvalidStatus    = "invalid_status"
)

// MutationResult is the structured diagnostic every guarded mutation
// returns on failure (and a minimal "ok" record on success).
type MutationResult struct {
	OK           bool
	Code         string
	Action       string
	JobID        int64
	RequestedBy  string
	Owner        *string
	From         string
	To           string
	AllowedFrom  []string
	RequiredFrom string
}

// Store manages work_queue persistence.
type Store struct {
	db *sql.DB
}

// New wraps db as a work queue store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnqueueOptions configures Enqueue.
type EnqueueOptions struct {
	Payload  []byte
	Priority int
	// RunAt, if non-empty, is a pre-formatted store timestamp. Left empty,
	// the row becomes runnable immediately (run_at defaults to now()).
	RunAt string
}

// Enqueue creates a queued row and returns its id.
func (s *Store) Enqueue(ctx context.Context, opts EnqueueOptions) (int64, error) {
	var res sql.Result
	var err error
	if opts.RunAt != "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO work_queue (payload, status, priority, run_at)
			VALUES (?, 'queued', ?, ?)
		`, opts.Payload, opts.Priority, opts.RunAt)
	} else {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO work_queue (payload, status, priority, run_at)
			VALUES (?, 'queued', ?, now())
		`, opts.Payload, opts.Priority)
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue: last insert id: %w", err)
	}
	return id, nil
}

// ClaimNextOptions configures ClaimNext.
type ClaimNextOptions struct {
	WorkerID          string
	LeaseDuration     time.Duration
	MaxActiveRunning  *int // nil means unbounded
}

// ClaimNext performs the full race-free claim in one serializable
// transaction: reclaim expired leases, enforce the active-running cap if
// configured, then select and claim the single best candidate by
// priority DESC, created_at ASC, id ASC. Returns (nil, false, nil) when no
// candidate is runnable.
func (s *Store) ClaimNext(ctx context.Context, opts ClaimNextOptions) (*Job, bool, error) {
	if opts.MaxActiveRunning != nil && *opts.MaxActiveRunning < 0 {
		return nil, false, fmt.Errorf("claim_next: max_active_running must be >= 0")
	}
	leaseSeconds := int64(opts.LeaseDuration.Seconds())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("claim_next: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE work_queue
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= now()
	`); err != nil {
		return nil, false, fmt.Errorf("claim_next: reclaim expired: %w", err)
	}

	if opts.MaxActiveRunning != nil {
		var activeRunning int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM work_queue
			WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at > now()
		`).Scan(&activeRunning)
		if err != nil {
			return nil, false, fmt.Errorf("claim_next: count active running: %w", err)
		}
		if activeRunning >= *opts.MaxActiveRunning {
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("claim_next: commit: %w", err)
			}
			return nil, false, nil
		}
	}

	var candidateID int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM work_queue
		WHERE status = 'queued' AND run_at <= now()
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1
	`).Scan(&candidateID)
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("claim_next: commit: %w", err)
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim_next: select candidate: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE work_queue
		SET status = 'running',
		    claimed_by = ?,
		    lease_expires_at = datetime(now(), '+' || ? || ' seconds'),
		    started_at = now(),
		    updated_at = now()
		WHERE id = ? AND status = 'queued'
	`, opts.WorkerID, leaseSeconds, candidateID); err != nil {
		return nil, false, fmt.Errorf("claim_next: claim candidate: %w", err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, selectJobByID, candidateID))
	if err != nil {
		return nil, false, fmt.Errorf("claim_next: reload claimed job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("claim_next: commit: %w", err)
	}
	return job, true, nil
}

// Claim performs a guarded directed claim: only succeeds from status
// queued.
func (s *Store) Claim(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_queue SET status = 'running', claimed_by = ?, updated_at = now()
		WHERE id = ? AND status = 'queued'
	`, workerID, id)
	if err != nil {
		return MutationResult{}, fmt.Errorf("claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return MutationResult{}, fmt.Errorf("claim: rows affected: %w", err)
	}
	if rows == 0 {
		current, lookupErr := s.getStatus(ctx, id)
		if lookupErr != nil {
			return MutationResult{}, fmt.Errorf("claim: %w", lookupErr)
		}
		return MutationResult{
			OK:          false,
			Code:        CodeInvalidTransition,
			Action:      "claim",
			JobID:       id,
			RequestedBy: workerID,
			From:        current,
			To:          StatusRunning,
			AllowedFrom: []string{StatusQueued},
		}, nil
	}
	return MutationResult{OK: true, Code: CodeOK, Action: "claim", JobID: id, RequestedBy: workerID, To: StatusRunning}, nil
}

// Heartbeat extends the lease when the caller currently owns a running job.
func (s *Store) Heartbeat(ctx context.Context, id int64, workerID string, leaseDuration time.Duration) (MutationResult, error) {
	leaseSeconds := int64(leaseDuration.Seconds())
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_queue
		SET lease_expires_at = datetime(now(), '+' || ? || ' seconds'), updated_at = now()
		WHERE id = ? AND claimed_by = ? AND status = 'running'
	`, leaseSeconds, id, workerID)
	if err != nil {
		return MutationResult{}, fmt.Errorf("heartbeat: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return MutationResult{}, fmt.Errorf("heartbeat: rows affected: %w", err)
	}
	return s.ownerGuardResult(ctx, rows, id, workerID, "heartbeat")
}

// Complete finalizes a running job owned by workerID as completed.
func (s *Store) Complete(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	return s.finalize(ctx, id, workerID, StatusCompleted)
}

// Fail finalizes a running job owned by workerID as failed.
func (s *Store) Fail(ctx context.Context, id int64, workerID string) (MutationResult, error) {
	return s.finalize(ctx, id, workerID, StatusFailed)
}

func (s *Store) finalize(ctx context.Context, id int64, workerID, targetStatus string) (MutationResult, error) {
	if targetStatus != StatusCompleted && targetStatus != StatusFailed {
		return MutationResult{
			OK:     false,
			Code:   CodeInvalidStatus,
			Action: "finalize",
			JobID:  id,
			To:     targetStatus,
		}, nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_queue
		SET status = ?, claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = ? AND claimed_by = ? AND status = 'running'
	`, targetStatus, id, workerID)
	if err != nil {
		return MutationResult{}, fmt.Errorf("finalize: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return MutationResult{}, fmt.Errorf("finalize: rows affected: %w", err)
	}

	if rows == 0 {
		current, owner, lookupErr := s.getStatusAndOwner(ctx, id)
		if lookupErr != nil {
			return MutationResult{}, fmt.Errorf("finalize: %w", lookupErr)
		}
		code := CodeInvalidTransition
		if owner != nil && *owner != workerID {
			code = CodeNotOwner
		}
		return MutationResult{
			OK:           false,
			Code:         code,
			Action:       "finalize",
			JobID:        id,
			RequestedBy:  workerID,
			Owner:        owner,
			From:         current,
			To:           targetStatus,
			AllowedFrom:  []string{StatusQueued},
			RequiredFrom: StatusRunning,
		}, nil
	}

	return MutationResult{OK: true, Code: CodeOK, Action: "finalize", JobID: id, RequestedBy: workerID, To: targetStatus}, nil
}

func (s *Store) ownerGuardResult(ctx context.Context, rows int64, id int64, workerID, action string) (MutationResult, error) {
	if rows > 0 {
		return MutationResult{OK: true, Code: CodeOK, Action: action, JobID: id, RequestedBy: workerID}, nil
	}
	current, owner, err := s.getStatusAndOwner(ctx, id)
	if err != nil {
		return MutationResult{}, fmt.Errorf("%s: %w", action, err)
	}
	code := CodeInvalidTransition
	if owner != nil && *owner != workerID {
		code = CodeNotOwner
	}
	return MutationResult{
		OK:           false,
		Code:         code,
		Action:       action,
		JobID:        id,
		RequestedBy:  workerID,
		Owner:        owner,
		From:         current,
		RequiredFrom: StatusRunning,
	}, nil
}

// RequeueExpiredRunning reclaims every row whose lease has expired back to
// queued. Idempotent: a second immediate call affects zero rows.
func (s *Store) RequeueExpiredRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_queue
		SET status = 'queued', claimed_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= now()
	`)
	if err != nil {
		return 0, fmt.Errorf("requeue_expired_running: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue_expired_running: rows affected: %w", err)
	}
	return rows, nil
}

// statusCount is one row of the GROUP BY status aggregate, scanned with
// sqlx for convenience over the raw *sql.Rows loop the rest of this
// package uses for single-row reads.
type statusCount struct {
	Status string `db:"status"`
	Count  int64  `db:"count"`
}

// Stats reports the current work_queue row count for every status,
// always including all four statuses even when their count is zero.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	sdb := sqlx.NewDb(s.db, "sqlite3")
	var counts []statusCount
	if err := sdb.SelectContext(ctx, &counts, `SELECT status, COUNT(*) AS count FROM work_queue GROUP BY status`); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	out := map[string]int64{StatusQueued: 0, StatusRunning: 0, StatusCompleted: 0, StatusFailed: 0}
	for _, c := range counts {
		out[c.Status] = c.Count
	}
	return out, nil
}

// GetJob fetches one work_queue row by id.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJobByID, id))
	if err != nil {
		return nil, fmt.Errorf("get_job: %w", err)
	}
	return job, nil
}

func (s *Store) getStatus(ctx context.Context, id int64) (string, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM work_queue WHERE id = ?", id).Scan(&status)
	if err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) getStatusAndOwner(ctx context.Context, id int64) (string, *string, error) {
	var status string
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT status, claimed_by FROM work_queue WHERE id = ?", id).Scan(&status, &owner)
	if err != nil {
		return "", nil, err
	}
	if !owner.Valid {
		return status, nil, nil
	}
	o := owner.String
	return status, &o, nil
}

const selectJobByID = `
	SELECT id, payload, status, priority, run_at, claimed_by, lease_expires_at, started_at, created_at, updated_at
	FROM work_queue WHERE id = ?
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	err := row.Scan(
		&job.ID, &job.Payload, &job.Status, &job.Priority, &job.RunAt,
		&job.ClaimedBy, &job.LeaseExpiresAt, &job.StartedAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}
