package dispatch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Napageneral/reviewqueue/internal/migrate"
	"github.com/Napageneral/reviewqueue/internal/store"
)

func setupTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dispatch_test.db")
	if err := migrate.Migrate(path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), path
}

func TestDispatchVersionPolicy(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	res, err := s.SubmitJob(ctx, 77, 1, "cl77-v1", false)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if res.Status != OutcomeCreated || !res.Created {
		t.Fatalf("expected created, got %+v", res)
	}
	if err := s.MarkSucceeded(ctx, res.Job.ID); err != nil {
		t.Fatalf("mark_succeeded: %v", err)
	}

	res2, err := s.SubmitJob(ctx, 77, 2, "cl77-v2", false)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if res2.Status != OutcomeRerunRequired || res2.Created {
		t.Fatalf("expected rerun_required, got %+v", res2)
	}

	res3, err := s.SubmitJob(ctx, 77, 2, "cl77-v2-rerun", true)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if res3.Status != OutcomeCreated || !res3.Created {
		t.Fatalf("expected created for rerun, got %+v", res3)
	}
	if res3.Job.ID == res.Job.ID {
		t.Fatalf("expected distinct row for rerun")
	}

	key1 := fmt.Sprintf("%x", sha256key(77, "r@example.com", 1))
	key2 := fmt.Sprintf("%x", sha256key(77, "r@example.com", 2))
	if key1 == key2 {
		t.Fatalf("expected distinct outbox idempotency keys across review versions")
	}
}

// sha256key mirrors outbox.IdempotencyKey's derivation for the assertion
// above without importing outbox (kept dependency-free for this test file).
func sha256key(changelistID int64, recipient string, reviewVersion int64) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%d", changelistID, recipient, reviewVersion)))
	return sum[:]
}

func TestSubmitJobDuplicateIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	first, err := s.SubmitJob(ctx, 1, 1, "same-key", false)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	second, err := s.SubmitJob(ctx, 1, 1, "same-key", false)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if second.Status != OutcomeDuplicateIdempotency || second.Created {
		t.Fatalf("expected duplicate_idempotency, got %+v", second)
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("expected duplicate submission to return the winner's row")
	}
}

func TestSubmitJobRaceExactlyOneCreated(t *testing.T) {
	ctx := context.Background()
	_, path := setupTestStore(t)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]SubmissionResult, attempts)
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			db, err := store.Open(path)
			if err != nil {
				errs[idx] = err
				return
			}
			defer db.Close()
			st := New(db)
			results[idx], errs[idx] = st.SubmitJob(ctx, 5, 1, "race-key", false)
		}(i)
	}
	wg.Wait()

	created := 0
	for i, r := range results {
		if errs[i] != nil {
			t.Fatalf("submit_job: %v", errs[i])
		}
		if r.Created {
			created++
		} else if r.Status != OutcomeDuplicateIdempotency {
			t.Fatalf("expected losers to report duplicate_idempotency, got %+v", r)
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one created submission, got %d", created)
	}
}

func TestAlreadySucceededSameVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestStore(t)

	res, err := s.SubmitJob(ctx, 9, 3, "k1", false)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if err := s.MarkSucceeded(ctx, res.Job.ID); err != nil {
		t.Fatalf("mark_succeeded: %v", err)
	}

	res2, err := s.SubmitJob(ctx, 9, 3, "k2", false)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if res2.Status != OutcomeAlreadySucceededSameVer || res2.Created {
		t.Fatalf("expected already_succeeded_same_version, got %+v", res2)
	}
}
