package store

import (
	"context"
	"time"
)

// ScheduleKind discriminates a Cron Job's schedule variant.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// WakeMode controls how soon a job's agent turn should run relative to the
// scheduler tick.
type WakeMode string

const (
	WakeImmediate     WakeMode = "immediate"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// SessionTarget selects whether a job's turn runs against the agent's main
// session or a dedicated, isolated one.
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

// RunStatus is the terminal or in-flight state of one Cron Run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
	RunTimeout RunStatus = "timeout"
)

// CronPayload is the work a job's agent turn performs.
type CronPayload struct {
	Message       string `json:"message"`                 // prompt text for the agent turn
	Model         string `json:"model,omitempty"`         // model override
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
	TimeoutSec    int    `json:"timeoutSec,omitempty"`
	Deliver       bool   `json:"deliver,omitempty"` // announce result to a channel
	Channel       string `json:"channel,omitempty"`
	To            string `json:"to,omitempty"`
	BestEffort    bool   `json:"bestEffort,omitempty"` // delivery failure doesn't fail the run

	Retry RetryPolicy `json:"retry,omitempty"`
}

// RetryPolicy controls how many times a job's run is retried on failure
// (executor error or, absent BestEffort, a failed delivery) and how long to
// wait between attempts.
type RetryPolicy struct {
	MaxAttempts int    `json:"maxAttempts,omitempty"` // 0 or 1 = no retry
	Backoff     string `json:"backoff,omitempty"`     // duration string between attempts, e.g. "30s"
}

// CronJob is a persistent scheduled-job record.
type CronJob struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	AgentID        string        `json:"agentId,omitempty"`
	Schedule       ScheduleKind  `json:"schedule"`
	At             time.Time     `json:"at,omitempty"`
	EveryMillis    int64         `json:"everyMillis,omitempty"`
	CronExpr       string        `json:"cronExpr,omitempty"`
	Timezone       string        `json:"timezone,omitempty"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode"`
	Payload        CronPayload   `json:"payload"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
	Created        time.Time     `json:"created"`
	Updated        time.Time     `json:"updated"`
	NextRun        time.Time     `json:"nextRun,omitempty"`
	LastRun        time.Time     `json:"lastRun,omitempty"`
	RunCount       int           `json:"runCount"`
	Running        bool          `json:"running"`
	UserID         string        `json:"userId,omitempty"`
}

// CronRun is a per-execution record, appended to a job's run-history file.
type CronRun struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end,omitempty"`
	Status    RunStatus `json:"status"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	Delivered bool      `json:"delivered,omitempty"`
	Target    string    `json:"target,omitempty"`
	Attempt   int       `json:"attempt,omitempty"` // 1-based; >1 means this is a retry of the same dispatch
}

// CronJobResult is what a job executor returns for one dispatched run.
type CronJobResult struct {
	Content      string
	Error        error
	InputTokens  int
	OutputTokens int
}

// CronExecutor runs one job's agent turn and reports the outcome.
type CronExecutor func(job *CronJob) *CronJobResult

// CronDeliverFunc announces a successful run's result to a channel/peer.
// Returning an error marks the run undelivered (and, absent BestEffort,
// failed); the job's executor having already succeeded is not undone.
type CronDeliverFunc func(ctx context.Context, channel, to, text string) error

// CronStore persists, plans, and reports on scheduled jobs (§4.5).
type CronStore interface {
	Create(job *CronJob) error
	Update(job *CronJob) error
	Delete(id string) error
	Get(id string) (*CronJob, bool)
	List() []*CronJob
	Toggle(id string, enabled bool) error
	Runs(jobID string, limit int) []CronRun

	SetExecutor(exec CronExecutor)
	SetDeliverFunc(fn CronDeliverFunc)
	Start() error
	Stop()

	// RunNow triggers a manual invocation. force=false requires nextRun to
	// have already passed, returning a skipped result otherwise.
	RunNow(id string, force bool) (*CronRun, error)
}
