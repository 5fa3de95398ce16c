// Package cron implements the scheduled-job subsystem: a file-backed
// store.CronStore that plans, persists, and dispatches agent turns on a
// timer, a one-shot "at" trigger, or a five-field cron expression.
package cron

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsnomad/gatewayd/internal/config"
	"github.com/opsnomad/gatewayd/internal/store"
)

const (
	defaultTickInterval      = 10 * time.Second
	defaultMaxConcurrentRuns = 3
	defaultHistoryTail       = 100
	watchDebounce            = 200 * time.Millisecond
)

// EventSink receives lifecycle notifications for job runs; the gateway
// server wires this to broadcast cron.run.start / cron.run.complete events.
type EventSink func(event string, jobID string, run *store.CronRun)

// FileStore is a file-backed store.CronStore. jobs.json holds the full job
// list; each job's run history lives in its own JSONL file under runs/.
type FileStore struct {
	dir      string
	jobsPath string
	runsDir  string
	cfg      config.CronConfig

	mu   sync.RWMutex
	jobs map[string]*store.CronJob
	runs map[string][]store.CronRun

	executor  store.CronExecutor
	deliverFn store.CronDeliverFunc
	sink      EventSink

	watcher          *fsnotify.Watcher
	ignoreWatchUntil time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
}

// NewFileStore opens (creating if absent) a cron job store rooted at
// <stateDir>/cron.
func NewFileStore(stateDir string, cfg config.CronConfig) (*FileStore, error) {
	dir := filepath.Join(stateDir, "cron")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	runsDir := filepath.Join(dir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cron runs dir: %w", err)
	}

	s := &FileStore{
		dir:      dir,
		jobsPath: filepath.Join(dir, "jobs.json"),
		runsDir:  runsDir,
		cfg:      cfg,
		jobs:     make(map[string]*store.CronJob),
		runs:     make(map[string][]store.CronRun),
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	s.recoverFromCrash()
	return s, nil
}

// SetEventSink installs a callback for run lifecycle events.
func (s *FileStore) SetEventSink(sink EventSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *FileStore) tickInterval() time.Duration {
	if s.cfg.TickInterval == "" {
		return defaultTickInterval
	}
	d, err := time.ParseDuration(s.cfg.TickInterval)
	if err != nil || d <= 0 {
		return defaultTickInterval
	}
	return d
}

func (s *FileStore) maxConcurrent() int {
	if s.cfg.MaxConcurrentRuns > 0 {
		return s.cfg.MaxConcurrentRuns
	}
	return defaultMaxConcurrentRuns
}

func (s *FileStore) historyTail() int {
	if s.cfg.HistoryTail > 0 {
		return s.cfg.HistoryTail
	}
	return defaultHistoryTail
}

// load reads jobs.json and every run-history file into memory.
func (s *FileStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.jobsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read jobs file: %w", err)
	}
	var jobs []*store.CronJob
	if len(data) > 0 {
		if err := json.Unmarshal(data, &jobs); err != nil {
			return fmt.Errorf("parse jobs file: %w", err)
		}
	}
	s.jobs = make(map[string]*store.CronJob, len(jobs))
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.runs[j.ID] = s.loadRunsLocked(j.ID)
	}
	return nil
}

func (s *FileStore) loadRunsLocked(jobID string) []store.CronRun {
	path := s.runHistoryPath(jobID)
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var runs []store.CronRun
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var run store.CronRun
		if err := json.Unmarshal(line, &run); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

func (s *FileStore) runHistoryPath(jobID string) string {
	return filepath.Join(s.runsDir, jobID+".jsonl")
}

// recoverFromCrash treats any job left "running" on disk as failed by the
// previous process's exit, clears the flag, and schedules its next run.
func (s *FileStore) recoverFromCrash() {
	s.mu.Lock()
	var changed bool
	for _, job := range s.jobs {
		if !job.Running {
			continue
		}
		job.Running = false
		now := time.Now()
		run := store.CronRun{
			ID:     store.GenNewID().String(),
			JobID:  job.ID,
			Start:  now,
			End:    now,
			Status: store.RunFailed,
			Error:  "interrupted by restart",
		}
		s.appendRunLocked(job.ID, run)
		if next, err := computeNextRun(job, now); err == nil {
			job.NextRun = next
		}
		changed = true
		slog.Warn("cron: recovered orphaned running job", "job", job.Name, "id", job.ID)
	}
	s.mu.Unlock()
	if changed {
		s.persistJobs()
	}
}

func (s *FileStore) appendRunLocked(jobID string, run store.CronRun) {
	runs := append(s.runs[jobID], run)
	if max := s.historyTail(); len(runs) > max {
		runs = runs[len(runs)-max:]
	}
	s.runs[jobID] = runs

	data, err := json.Marshal(run)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.runHistoryPath(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// persistJobs atomically rewrites jobs.json, suppressing the file watcher
// for the write it is about to perform.
func (s *FileStore) persistJobs() {
	s.mu.Lock()
	jobs := make([]*store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.ignoreWatchUntil = time.Now().Add(watchDebounce)
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.Before(jobs[j].Created) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		slog.Error("cron: failed to marshal jobs", "error", err)
		return
	}

	tmp, err := os.CreateTemp(s.dir, "jobs-*.tmp")
	if err != nil {
		slog.Error("cron: failed to create temp jobs file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		slog.Error("cron: failed to write temp jobs file", "error", err)
		return
	}
	tmp.Sync()
	tmp.Close()
	if err := os.Rename(tmpPath, s.jobsPath); err != nil {
		os.Remove(tmpPath)
		slog.Error("cron: failed to replace jobs file", "error", err)
	}
}

// Create persists a new job, computing its first run time.
func (s *FileStore) Create(job *store.CronJob) error {
	now := time.Now()
	if job.ID == "" {
		job.ID = store.GenNewID().String()
	}
	job.Created = now
	job.Updated = now
	next, err := computeNextRun(job, now)
	if err != nil {
		return err
	}
	job.NextRun = next

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.persistJobs()
	return nil
}

// Update persists changes to an existing job, recomputing its next run.
func (s *FileStore) Update(job *store.CronJob) error {
	s.mu.Lock()
	if _, ok := s.jobs[job.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such job: %s", job.ID)
	}
	job.Updated = time.Now()
	s.mu.Unlock()

	next, err := computeNextRun(job, time.Now())
	if err != nil {
		return err
	}
	job.NextRun = next

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.persistJobs()
	return nil
}

func (s *FileStore) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such job: %s", id)
	}
	delete(s.jobs, id)
	delete(s.runs, id)
	s.mu.Unlock()

	os.Remove(s.runHistoryPath(id))
	s.persistJobs()
	return nil
}

func (s *FileStore) Get(id string) (*store.CronJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *FileStore) List() []*store.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

func (s *FileStore) Toggle(id string, enabled bool) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no such job: %s", id)
	}
	job.Enabled = enabled
	job.Updated = time.Now()
	s.mu.Unlock()

	if enabled {
		if next, err := computeNextRun(job, time.Now()); err == nil {
			s.mu.Lock()
			job.NextRun = next
			s.mu.Unlock()
		}
	}
	s.persistJobs()
	return nil
}

func (s *FileStore) Runs(jobID string, limit int) []store.CronRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs[jobID]
	if limit > 0 && len(runs) > limit {
		runs = runs[len(runs)-limit:]
	}
	out := make([]store.CronRun, len(runs))
	copy(out, runs)
	return out
}

func (s *FileStore) SetExecutor(exec store.CronExecutor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executor = exec
}

// SetDeliverFunc installs the callback used to announce a job's result when
// its payload requests delivery (payload.deliver).
func (s *FileStore) SetDeliverFunc(fn store.CronDeliverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverFn = fn
}

// Start launches the dispatch loop and the jobs-file watcher. Safe to call
// once; a second call is a no-op.
func (s *FileStore) Start() error {
	s.startOnce.Do(func() {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})

		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("cron: file watcher unavailable, external edits won't be picked up", "error", err)
		} else {
			s.watcher = w
			if err := w.Add(s.dir); err != nil {
				slog.Warn("cron: failed to watch cron dir", "error", err)
			}
		}

		go s.runLoop()
	})
	return nil
}

func (s *FileStore) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *FileStore) runLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	var watcherEvents <-chan fsnotify.Event
	if s.watcher != nil {
		watcherEvents = s.watcher.Events
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.dispatchDue()
		case ev, ok := <-watcherEvents:
			if !ok {
				continue
			}
			if filepath.Base(ev.Name) != "jobs.json" {
				continue
			}
			s.mu.RLock()
			ignore := time.Now().Before(s.ignoreWatchUntil)
			s.mu.RUnlock()
			if ignore {
				continue
			}
			if err := s.load(); err != nil {
				slog.Error("cron: failed to reload jobs after external change", "error", err)
			}
		}
	}
}

// dispatchDue selects due, enabled, non-running jobs in next-run order and
// launches as many as the concurrency ceiling allows.
func (s *FileStore) dispatchDue() {
	now := time.Now()

	s.mu.Lock()
	var due []*store.CronJob
	var activeCount int
	for _, j := range s.jobs {
		if j.Running {
			activeCount++
			continue
		}
		if !j.Enabled || j.NextRun.IsZero() || j.NextRun.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })

	slots := s.maxConcurrent() - activeCount
	if slots > len(due) {
		slots = len(due)
	}
	toRun := due[:max(0, slots)]
	for _, j := range toRun {
		j.Running = true
	}
	s.mu.Unlock()

	if len(toRun) > 0 {
		s.persistJobs()
	}
	for _, j := range toRun {
		go s.executeAndRecord(j)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (s *FileStore) executeAndRecord(job *store.CronJob) {
	s.runJob(job)
}

// attemptJob executes one try of job — running the executor, appending a
// CronRun to history, and firing start/complete sink events — and, on
// success, delivering the result if the payload asks for it. attempt is
// 1-based; attempts beyond the first are retries of the same dispatch.
func (s *FileStore) attemptJob(job *store.CronJob, attempt int) *store.CronRun {
	run := &store.CronRun{
		ID:      store.GenNewID().String(),
		JobID:   job.ID,
		Start:   time.Now(),
		Status:  store.RunRunning,
		Attempt: attempt,
	}

	s.mu.RLock()
	exec := s.executor
	deliver := s.deliverFn
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink("cron.run.start", job.ID, run)
	}

	var result *store.CronJobResult
	if exec != nil {
		result = exec(job)
	}

	run.End = time.Now()
	switch {
	case exec == nil:
		run.Status = store.RunFailed
		run.Error = "no executor configured"
	case result == nil:
		run.Status = store.RunFailed
		run.Error = "executor returned no result"
	case result.Error != nil:
		run.Status = store.RunFailed
		run.Error = result.Error.Error()
	default:
		run.Status = store.RunSuccess
		run.Response = result.Content
	}
	run.Target = string(job.SessionTarget)

	if job.Payload.Deliver && run.Status == store.RunSuccess {
		switch {
		case deliver == nil:
			slog.Warn("cron: job requests delivery but no deliver function is configured", "job", job.Name)
		default:
			dctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			derr := deliver(dctx, job.Payload.Channel, job.Payload.To, run.Response)
			cancel()
			switch {
			case derr == nil:
				run.Delivered = true
			case job.Payload.BestEffort:
				slog.Warn("cron: delivery failed, run still counts as success (bestEffort)", "job", job.Name, "error", derr)
			default:
				run.Status = store.RunFailed
				run.Error = fmt.Sprintf("delivery failed: %v", derr)
			}
		}
	}

	s.mu.Lock()
	s.appendRunLocked(job.ID, *run)
	s.mu.Unlock()

	if sink != nil {
		sink("cron.run.complete", job.ID, run)
	}
	return run
}

// runJob runs job to completion, retrying per job.Payload.Retry on failure,
// and performs the job-level bookkeeping (LastRun, RunCount, NextRun,
// DeleteAfterRun) once, based on the final attempt's outcome.
func (s *FileStore) runJob(job *store.CronJob) *store.CronRun {
	maxAttempts := job.Payload.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := parseBackoff(job.Payload.Retry.Backoff)

	var run *store.CronRun
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		run = s.attemptJob(job, attempt)
		if run.Status == store.RunSuccess {
			break
		}
		if attempt < maxAttempts {
			slog.Warn("cron: run failed, retrying", "job", job.Name, "attempt", attempt, "maxAttempts", maxAttempts, "error", run.Error)
			if backoff > 0 {
				time.Sleep(backoff)
			}
		}
	}

	s.mu.Lock()
	job.LastRun = run.Start
	job.RunCount++
	job.Running = false
	if job.DeleteAfterRun && run.Status == store.RunSuccess {
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		s.persistJobs()
		return run
	}
	if next, err := computeNextRun(job, time.Now()); err == nil {
		job.NextRun = next
	} else {
		slog.Error("cron: failed to compute next run", "job", job.Name, "error", err)
		job.NextRun = time.Time{}
	}
	s.mu.Unlock()

	s.persistJobs()
	return run
}

// parseBackoff parses a retry backoff duration string, treating anything
// empty, malformed, or negative as "no wait".
func parseBackoff(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// RunNow triggers a manual invocation. When force is false, the job must
// already be due; otherwise a skipped run is recorded without executing.
func (s *FileStore) RunNow(id string, force bool) (*store.CronRun, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no such job: %s", id)
	}

	if !force {
		s.mu.RLock()
		due := !job.NextRun.IsZero() && !job.NextRun.After(time.Now())
		s.mu.RUnlock()
		if !due {
			run := store.CronRun{
				ID:     store.GenNewID().String(),
				JobID:  id,
				Start:  time.Now(),
				End:    time.Now(),
				Status: store.RunSkipped,
			}
			s.mu.Lock()
			s.appendRunLocked(id, run)
			s.mu.Unlock()
			return &run, nil
		}
	}

	s.mu.Lock()
	if job.Running {
		s.mu.Unlock()
		return nil, fmt.Errorf("job already running: %s", id)
	}
	job.Running = true
	s.mu.Unlock()
	s.persistJobs()

	return s.runJob(job), nil
}

var _ store.CronStore = (*FileStore)(nil)
