package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Napageneral/reviewqueue/internal/migrate"
	"github.com/Napageneral/reviewqueue/internal/store"
	"github.com/Napageneral/reviewqueue/internal/workqueue"
)

func setupTestQueue(t *testing.T) *workqueue.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine_test.db")
	if err := migrate.Migrate(path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return workqueue.New(db)
}

func testConfig() Config {
	return Config{
		WorkerCount:     2,
		LeaseDuration:   time.Minute,
		WorkerIDPrefix:  "test-engine",
		PollInterval:    20 * time.Millisecond,
		SweepInterval:   time.Second,
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestEngineRunEmptyQueue(t *testing.T) {
	q := setupTestQueue(t)
	e := New(q, func(ctx context.Context, job *workqueue.Job) error { return nil }, testConfig(), nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	stats, err := e.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Succeeded != 0 || stats.Failed != 0 {
		t.Fatalf("expected no jobs processed, got %+v", stats)
	}
}

func TestEngineProcessesAllJobsSuccessfully(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(ctx, workqueue.EnqueueOptions{Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var processed int64
	e := New(q, func(ctx context.Context, job *workqueue.Job) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}, testConfig(), nil, nil)

	runCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats, err := e.Run(runCtx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Succeeded != 10 || stats.Failed != 0 {
		t.Fatalf("expected 10 succeeded jobs, got %+v", stats)
	}
	if atomic.LoadInt64(&processed) != 10 {
		t.Fatalf("expected handler invoked 10 times, got %d", processed)
	}
}

func TestEngineMarksFailingJobsFailed(t *testing.T) {
	q := setupTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, workqueue.EnqueueOptions{Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	e := New(q, func(ctx context.Context, job *workqueue.Job) error {
		return errors.New("handler exploded")
	}, testConfig(), nil, nil)

	runCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	stats, err := e.Run(runCtx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Failed != 3 || stats.Succeeded != 0 {
		t.Fatalf("expected 3 failed jobs, got %+v", stats)
	}
}
