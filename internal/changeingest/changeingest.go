// Package changeingest fetches a changelist's file list from source control
// through an allow-listed, argumentized subprocess call and turns an
// accepted changelist into a dispatched job and a queued work item.
package changeingest

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Napageneral/reviewqueue/internal/dispatch"
	"github.com/Napageneral/reviewqueue/internal/store"
	"github.com/Napageneral/reviewqueue/internal/workqueue"
)

var (
	depotPathRE    = regexp.MustCompile(`^//\S+`)
	depotFileLineRE = regexp.MustCompile(`(?m)^\.\.\. depotFile (//\S+)$`)
)

// SecurityEvent records a path rejected by the depot allow-list.
type SecurityEvent struct {
	Path   string
	Reason string
}

// Runner executes an external command and returns its stdout, exit code,
// and any error starting the process. The default runner shells out via
// os/exec.CommandContext; tests inject a fake.
type Runner func(ctx context.Context, timeout time.Duration, cmd []string) (stdout string, exitCode int, err error)

// DefaultRunner invokes cmd with no shell interpretation, the argument
// vector built entirely from caller-controlled values.
func DefaultRunner(ctx context.Context, timeout time.Duration, cmd []string) (string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd[0], cmd[1:]...)
	out, err := c.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(out), exitErr.ExitCode(), nil
		}
		return "", -1, fmt.Errorf("changeingest: exec %v: %w", cmd, err)
	}
	return string(out), 0, nil
}

// ChangeFetcher fetches a changelist's depot file list via `p4 describe`,
// rejecting any requested or fetched path outside the configured allowlist.
type ChangeFetcher struct {
	allowlistPrefixes []string
	p4Binary          string
	timeout           time.Duration
	runner            Runner
	SecurityEvents    []SecurityEvent
}

// NewChangeFetcher validates allowlistPrefixes and builds a ChangeFetcher.
// p4Binary defaults to "p4" and timeout to 15 seconds when zero-valued.
func NewChangeFetcher(allowlistPrefixes []string, p4Binary string, timeout time.Duration, runner Runner) (*ChangeFetcher, error) {
	validated, err := validateAllowlist(allowlistPrefixes)
	if err != nil {
		return nil, err
	}
	if p4Binary == "" {
		p4Binary = "p4"
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if runner == nil {
		runner = DefaultRunner
	}
	return &ChangeFetcher{allowlistPrefixes: validated, p4Binary: p4Binary, timeout: timeout, runner: runner}, nil
}

// FetchedChange is fetch_change's result: the changelist's allow-listed
// depot file list.
type FetchedChange struct {
	ChangelistID int64
	Files        []string
}

// FetchChange runs `p4 -ztag describe -s <changelist_id>` and parses the
// depot file list out of its stdout, validating every requested and
// fetched path against the allowlist before returning.
func (f *ChangeFetcher) FetchChange(ctx context.Context, changelistID int64, requestedPaths []string) (FetchedChange, error) {
	for _, raw := range requestedPaths {
		normalized, err := normalizeDepotPath(raw)
		if err != nil {
			return FetchedChange{}, err
		}
		if !f.isAllowed(normalized) {
			f.recordSecurityEvent(normalized, "requested_path_not_allowed")
			return FetchedChange{}, fmt.Errorf("changeingest: requested path outside allowlist: %s", normalized)
		}
	}

	cmd := []string{f.p4Binary, "-ztag", "describe", "-s", strconv.FormatInt(changelistID, 10)}
	stdout, exitCode, err := f.runner(ctx, f.timeout, cmd)
	if err != nil {
		return FetchedChange{}, fmt.Errorf("changeingest: %w", err)
	}
	if exitCode != 0 {
		return FetchedChange{}, fmt.Errorf("changeingest: p4 describe failed with code %d", exitCode)
	}

	var files []string
	for _, m := range depotFileLineRE.FindAllStringSubmatch(stdout, -1) {
		normalized, err := normalizeDepotPath(m[1])
		if err != nil {
			return FetchedChange{}, err
		}
		if !f.isAllowed(normalized) {
			f.recordSecurityEvent(normalized, "fetched_path_not_allowed")
			return FetchedChange{}, fmt.Errorf("changeingest: fetched path outside allowlist: %s", normalized)
		}
		files = append(files, normalized)
	}

	return FetchedChange{ChangelistID: changelistID, Files: files}, nil
}

func (f *ChangeFetcher) isAllowed(depotPath string) bool {
	for _, prefix := range f.allowlistPrefixes {
		if strings.HasSuffix(prefix, "...") {
			if strings.HasPrefix(depotPath, strings.TrimSuffix(prefix, "...")) {
				return true
			}
		} else if depotPath == prefix || strings.HasPrefix(depotPath, prefix+"/") {
			return true
		}
	}
	return false
}

func (f *ChangeFetcher) recordSecurityEvent(path, reason string) {
	f.SecurityEvents = append(f.SecurityEvents, SecurityEvent{Path: path, Reason: reason})
}

func validateAllowlist(prefixes []string) ([]string, error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("changeingest: allowlist_prefixes must not be empty")
	}
	validated := make([]string, 0, len(prefixes))
	for _, raw := range prefixes {
		normalized := strings.TrimRight(strings.TrimSpace(raw), "/")
		if normalized == "" {
			return nil, fmt.Errorf("changeingest: allowlist entries must be non-empty")
		}
		if !strings.HasPrefix(normalized, "//") {
			return nil, fmt.Errorf("changeingest: allowlist entries must start with //")
		}
		if strings.Contains(normalized, "...") && !strings.HasSuffix(normalized, "...") {
			return nil, fmt.Errorf("changeingest: allowlist wildcard is only allowed as trailing ...")
		}
		validated = append(validated, normalized)
	}
	return validated, nil
}

func normalizeDepotPath(path string) (string, error) {
	normalized := strings.TrimSpace(path)
	if !depotPathRE.MatchString(normalized) {
		return "", fmt.Errorf("changeingest: invalid depot path: %s", path)
	}
	return normalized, nil
}

// IngestResult is ingest_change's result.
type IngestResult struct {
	Status  string
	JobID   *int64
	QueueID *int64
}

// Service receives changelist ingest requests, fetches the changelist's
// files, submits a dispatch job, and enqueues a work item when the
// submission is newly created.
type Service struct {
	Fetcher  *ChangeFetcher
	Dispatch *dispatch.Store
	Queue    *workqueue.Store
}

// NewService wires a ChangeFetcher to the dispatch and work-queue stores.
func NewService(fetcher *ChangeFetcher, dispatchStore *dispatch.Store, queue *workqueue.Store) *Service {
	return &Service{Fetcher: fetcher, Dispatch: dispatchStore, Queue: queue}
}

// IngestOptions configures one IngestChange call.
type IngestOptions struct {
	ChangelistID   int64
	ReviewVersion  int64
	IdempotencyKey string
	RerunRequested bool
	RequestedPaths []string
	Priority       int
}

// IngestChange fetches the changelist, submits it through dispatch, and —
// only when the submission newly created a row — enqueues a canonical-JSON
// payload for the work queue to process.
func (s *Service) IngestChange(ctx context.Context, opts IngestOptions) (IngestResult, error) {
	change, err := s.Fetcher.FetchChange(ctx, opts.ChangelistID, opts.RequestedPaths)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest_change: %w", err)
	}

	submit, err := s.Dispatch.SubmitJob(ctx, opts.ChangelistID, opts.ReviewVersion, opts.IdempotencyKey, opts.RerunRequested)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest_change: %w", err)
	}

	if !submit.Created {
		return IngestResult{Status: submit.Status, JobID: &submit.Job.ID}, nil
	}

	payloadJSON, err := store.CanonicalJSON(map[string]interface{}{
		"job_id":         submit.Job.ID,
		"changelist_id":  opts.ChangelistID,
		"review_version": opts.ReviewVersion,
		"files":          change.Files,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest_change: %w", err)
	}

	queueID, err := s.Queue.Enqueue(ctx, workqueue.EnqueueOptions{Payload: []byte(payloadJSON), Priority: opts.Priority})
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest_change: %w", err)
	}

	return IngestResult{Status: "enqueued", JobID: &submit.Job.ID, QueueID: &queueID}, nil
}
