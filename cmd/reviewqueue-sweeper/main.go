// Command reviewqueue-sweeper standalone-runs the work queue's expired-lease
// requeue loop, emitting one JSON line per sweep pass.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Napageneral/reviewqueue/internal/store"
	"github.com/Napageneral/reviewqueue/internal/workqueue"
)

func main() {
	dbPath := flag.String("db-path", "reviewqueue.db", "path to the shared SQLite store")
	intervalSeconds := flag.Float64("interval-seconds", 10, "seconds between sweep passes")
	iterations := flag.Int("iterations", 0, "bound the loop to this many passes (0 means run until interrupted)")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		fatal(fmt.Errorf("open store: %w", err))
	}
	defer db.Close()

	q := workqueue.New(db)

	opts := workqueue.LoopOptions{
		IntervalSeconds: *intervalSeconds,
		EmitFn: func(ev workqueue.SweepEvent) {
			b, _ := json.Marshal(ev)
			fmt.Println(string(b))
		},
	}
	if *iterations > 0 {
		n := *iterations
		opts.Iterations = &n
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := workqueue.RunSweeperLoop(ctx, q, opts)
	if err != nil && err != context.Canceled {
		fatal(err)
	}
	b, _ := json.Marshal(report)
	fmt.Println(string(b))
}

func fatal(err error) {
	b, _ := json.Marshal(map[string]interface{}{"ok": false, "error": err.Error()})
	fmt.Fprintln(os.Stderr, string(b))
	os.Exit(1)
}
