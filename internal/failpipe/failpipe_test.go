package failpipe

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Napageneral/reviewqueue/internal/migrate"
	"github.com/Napageneral/reviewqueue/internal/store"
)

var stages = []string{"ingest", "enrich", "publish"}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "failpipe_test.db")
	if err := migrate.Migrate(path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db, stages)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return s
}

func TestNonRetryableFailureMovesToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	runID, err := s.CreateRun(ctx, "payload://42")
	if err != nil {
		t.Fatalf("create_run: %v", err)
	}

	dl, err := s.RecordFailure(ctx, RecordFailureInput{
		RunID:         runID,
		FailedStage:   "enrich",
		ErrorClass:    "ValidationError",
		ErrorMessage:  "schema mismatch",
		ErrorMetadata: map[string]string{"field": "severity", "reason": "invalid_enum_value"},
		Retryable:     false,
	})
	if err != nil {
		t.Fatalf("record_failure: %v", err)
	}
	if dl == nil {
		t.Fatalf("expected a dead letter entry")
	}
	if dl.Status != DeadLetterStatusOpen {
		t.Fatalf("expected status open, got %s", dl.Status)
	}
	if dl.FailedStage != "enrich" || dl.ErrorClass != "ValidationError" {
		t.Fatalf("unexpected dead letter fields: %+v", dl)
	}
	if dl.ErrorMetadata != `{"field":"severity","reason":"invalid_enum_value"}` {
		t.Fatalf("unexpected canonical error_metadata: %s", dl.ErrorMetadata)
	}
	if dl.OriginalPayloadRef != "payload://42" {
		t.Fatalf("expected payload ref carried from run, got %s", dl.OriginalPayloadRef)
	}
}

func TestRetryableFailureLeavesNoDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	runID, err := s.CreateRun(ctx, "payload://retry")
	if err != nil {
		t.Fatalf("create_run: %v", err)
	}
	dl, err := s.RecordFailure(ctx, RecordFailureInput{
		RunID:         runID,
		FailedStage:   "ingest",
		ErrorClass:    "TransientError",
		ErrorMessage:  "timeout",
		ErrorMetadata: map[string]string{},
		Retryable:     true,
	})
	if err != nil {
		t.Fatalf("record_failure: %v", err)
	}
	if dl != nil {
		t.Fatalf("expected no dead letter for a retryable failure, got %+v", dl)
	}
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get_run: %v", err)
	}
	if run.Status != RunStatusFailed || run.CurrentStage != "ingest" {
		t.Fatalf("expected run marked failed at ingest, got %+v", run)
	}
}

func TestReplayRequiresRemediationEvidenceAndDefaultsToFailedStageRestart(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	runID, err := s.CreateRun(ctx, "payload://job")
	if err != nil {
		t.Fatalf("create_run: %v", err)
	}
	dl, err := s.RecordFailure(ctx, RecordFailureInput{
		RunID:         runID,
		FailedStage:   "enrich",
		ErrorClass:    "PolicyError",
		ErrorMessage:  "blocked",
		ErrorMetadata: map[string]string{"code": "blocked"},
		Retryable:     false,
	})
	if err != nil || dl == nil {
		t.Fatalf("record_failure: dl=%v err=%v", dl, err)
	}

	if _, err := s.StartReplay(ctx, dl.ID, false); err == nil {
		t.Fatalf("expected start_replay to fail without remediation evidence")
	}

	if err := s.RecordRemediationEvidence(ctx, dl.ID, "oncall-1", "ticket INC-7"); err != nil {
		t.Fatalf("record_remediation_evidence: %v", err)
	}

	plan, err := s.StartReplay(ctx, dl.ID, false)
	if err != nil {
		t.Fatalf("start_replay: %v", err)
	}
	if plan.RestartStage != "enrich" || plan.FullRestart {
		t.Fatalf("expected default restart at failed stage, got %+v", plan)
	}

	planFull, err := s.StartReplay(ctx, dl.ID, true)
	if err != nil {
		t.Fatalf("start_replay (full): %v", err)
	}
	if planFull.RestartStage != "ingest" || !planFull.FullRestart {
		t.Fatalf("expected full restart at first stage, got %+v", planFull)
	}

	refreshed, err := s.GetDeadLetter(ctx, dl.ID)
	if err != nil {
		t.Fatalf("get_dead_letter: %v", err)
	}
	if refreshed.ReplayCount != 2 {
		t.Fatalf("expected replay_count incremented on every start_replay call, got %d", refreshed.ReplayCount)
	}
}

func TestSuccessfulReplayVerifiesDownstreamCompletion(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	runID, err := s.CreateRun(ctx, "payload://abc")
	if err != nil {
		t.Fatalf("create_run: %v", err)
	}
	dl, err := s.RecordFailure(ctx, RecordFailureInput{
		RunID:         runID,
		FailedStage:   "enrich",
		ErrorClass:    "BusinessRuleError",
		ErrorMessage:  "missing owner",
		ErrorMetadata: map[string]string{"field": "owner"},
		Retryable:     false,
	})
	if err != nil || dl == nil {
		t.Fatalf("record_failure: dl=%v err=%v", dl, err)
	}

	if err := s.RecordRemediationEvidence(ctx, dl.ID, "oncall-2", "owner backfilled"); err != nil {
		t.Fatalf("record_remediation_evidence: %v", err)
	}
	if _, err := s.StartReplay(ctx, dl.ID, false); err != nil {
		t.Fatalf("start_replay: %v", err)
	}

	if err := s.CompleteReplay(ctx, dl.ID, []string{"enrich"}, "incomplete"); err == nil {
		t.Fatalf("expected downstream completion verification to reject a partial suffix")
	}

	if err := s.CompleteReplay(ctx, dl.ID, []string{"enrich", "publish"}, "replayed from enrich and publish confirmed"); err != nil {
		t.Fatalf("complete_replay: %v", err)
	}

	refreshed, err := s.GetDeadLetter(ctx, dl.ID)
	if err != nil {
		t.Fatalf("get_dead_letter: %v", err)
	}
	if refreshed.Status != DeadLetterStatusResolved {
		t.Fatalf("expected resolved, got %s", refreshed.Status)
	}
	if !refreshed.ResolutionNotes.Valid || refreshed.ResolutionNotes.String != "replayed from enrich and publish confirmed" {
		t.Fatalf("unexpected resolution notes: %+v", refreshed.ResolutionNotes)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get_run: %v", err)
	}
	if run.Status != RunStatusCompleted || run.CurrentStage != "publish" {
		t.Fatalf("expected run completed at publish, got %+v", run)
	}
}

func TestSameNonRetryableErrorClassAfterReplayEscalatesAutomatically(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	runID, err := s.CreateRun(ctx, "payload://escalate")
	if err != nil {
		t.Fatalf("create_run: %v", err)
	}
	dl, err := s.RecordFailure(ctx, RecordFailureInput{
		RunID:         runID,
		FailedStage:   "publish",
		ErrorClass:    "TerminalProviderError",
		ErrorMessage:  "provider rejected payload",
		ErrorMetadata: map[string]string{"provider": "x", "code": "hard_fail"},
		Retryable:     false,
	})
	if err != nil || dl == nil {
		t.Fatalf("record_failure: dl=%v err=%v", dl, err)
	}

	if err := s.RecordRemediationEvidence(ctx, dl.ID, "oncall-3", "provider config checked"); err != nil {
		t.Fatalf("record_remediation_evidence: %v", err)
	}
	if _, err := s.StartReplay(ctx, dl.ID, false); err != nil {
		t.Fatalf("start_replay: %v", err)
	}
	if err := s.FailReplay(ctx, FailReplayInput{
		DeadLetterID:  dl.ID,
		ErrorClass:    "TerminalProviderError",
		ErrorMessage:  "provider rejected payload again",
		ErrorMetadata: map[string]string{"provider": "x", "code": "hard_fail"},
		Retryable:     false,
	}); err != nil {
		t.Fatalf("fail_replay: %v", err)
	}

	refreshed, err := s.GetDeadLetter(ctx, dl.ID)
	if err != nil {
		t.Fatalf("get_dead_letter: %v", err)
	}
	if refreshed.Status != DeadLetterStatusEscalated {
		t.Fatalf("expected escalated, got %s", refreshed.Status)
	}
	if !refreshed.EscalatedAt.Valid {
		t.Fatalf("expected escalated_at set")
	}
	if refreshed.ErrorClass != "TerminalProviderError" {
		t.Fatalf("unexpected error class: %s", refreshed.ErrorClass)
	}
}

func TestFailReplayWithDifferentErrorClassDoesNotEscalate(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	runID, err := s.CreateRun(ctx, "payload://differs")
	if err != nil {
		t.Fatalf("create_run: %v", err)
	}
	dl, err := s.RecordFailure(ctx, RecordFailureInput{
		RunID:         runID,
		FailedStage:   "publish",
		ErrorClass:    "TerminalProviderError",
		ErrorMessage:  "provider rejected payload",
		ErrorMetadata: map[string]string{},
		Retryable:     false,
	})
	if err != nil || dl == nil {
		t.Fatalf("record_failure: dl=%v err=%v", dl, err)
	}
	if err := s.RecordRemediationEvidence(ctx, dl.ID, "oncall-4", "checked"); err != nil {
		t.Fatalf("record_remediation_evidence: %v", err)
	}
	if _, err := s.StartReplay(ctx, dl.ID, false); err != nil {
		t.Fatalf("start_replay: %v", err)
	}
	if err := s.FailReplay(ctx, FailReplayInput{
		DeadLetterID:  dl.ID,
		ErrorClass:    "DifferentError",
		ErrorMessage:  "a new failure mode",
		ErrorMetadata: map[string]string{},
		Retryable:     false,
	}); err != nil {
		t.Fatalf("fail_replay: %v", err)
	}

	refreshed, err := s.GetDeadLetter(ctx, dl.ID)
	if err != nil {
		t.Fatalf("get_dead_letter: %v", err)
	}
	if refreshed.Status != DeadLetterStatusOpen {
		t.Fatalf("expected reopened (not escalated) on a distinct error class, got %s", refreshed.Status)
	}
	if refreshed.EscalatedAt.Valid {
		t.Fatalf("expected escalated_at to remain unset")
	}
}
