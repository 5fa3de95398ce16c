// Package heartbeat implements the periodic self-prompt loop: a fixed
// interval ticker that, subject to an active-hours window and a workspace
// checklist file, runs a turn against the agent's main session and
// classifies the reply as an acknowledgement or an alert.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opsnomad/gatewayd/internal/config"
)

// DefaultPrompt is sent to the agent when no custom prompt is configured.
const DefaultPrompt = "Read HEARTBEAT.md if it exists. Follow it strictly; do not repeat or infer old tasks from prior turns. If nothing needs attention, reply HEARTBEAT_OK."

// AckToken is the literal response that suppresses delivery.
const AckToken = "HEARTBEAT_OK"

const defaultAckMaxChars = 300

// Classification is the outcome of one heartbeat tick.
type Classification string

const (
	ClassAck     Classification = "ack"
	ClassAlert   Classification = "alert"
	ClassEmpty   Classification = "empty"   // HEARTBEAT.md has no actionable content
	ClassOverlap Classification = "overlap" // previous tick still running
)

// Result is what one tick produces, regardless of whether it ran a turn.
type Result struct {
	Timestamp      time.Time
	Duration       time.Duration
	Classification Classification
	Response       string // empty for ack/empty/overlap
	Error          error
}

// Turn runs one chat turn against a session and returns the reply text.
// The gateway wires this to agent.Loop.Run.
type Turn func(ctx context.Context, sessionKey, prompt string) (string, error)

// Deliver forwards an alert's text to the configured target channel.
type Deliver func(ctx context.Context, target, text string) error

// Runner drives the heartbeat ticker.
type Runner struct {
	cfg       config.HeartbeatConfig
	workspace string
	sessionKey string
	runTurn   Turn
	deliver   Deliver
	onResult  func(Result)

	ticking int32 // 1 while a tick is in flight, guards re-entrancy

	watcher *fsnotify.Watcher
	wake    chan struct{}

	stopCh chan struct{}
	doneCh chan struct{}

	mu            sync.Mutex
	runs, acks, alerts int
}

// NewRunner builds a heartbeat runner. sessionKey is the session the turn
// runs against; an empty or "main" HeartbeatConfig.Session defaults to it.
func NewRunner(cfg config.HeartbeatConfig, workspace, sessionKey string, turn Turn, deliver Deliver, onResult func(Result)) *Runner {
	key := sessionKey
	if cfg.Session != "" && cfg.Session != "main" {
		key = cfg.Session
	}
	return &Runner{
		cfg:        cfg,
		workspace:  workspace,
		sessionKey: key,
		runTurn:    turn,
		deliver:    deliver,
		onResult:   onResult,
	}
}

// Start begins ticking in the background. An initial tick fires immediately
// if the runner is within its active-hours window.
func (r *Runner) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.wake = make(chan struct{}, 1)

	if w, err := fsnotify.NewWatcher(); err != nil {
		slog.Warn("heartbeat: file watcher unavailable, manual HEARTBEAT.md edits wait for the next tick", "error", err)
	} else if err := w.Add(r.workspace); err != nil {
		slog.Warn("heartbeat: failed to watch workspace dir", "error", err)
		w.Close()
	} else {
		r.watcher = w
		go r.watchLoop()
	}

	go r.loop(ctx)
}

func (r *Runner) Stop() {
	if r.stopCh == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// watchLoop nudges the tick loop awake when HEARTBEAT.md changes on disk,
// so a manual edit doesn't have to wait for the next scheduled interval.
// The tick itself still re-reads the file synchronously.
func (r *Runner) watchLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "HEARTBEAT.md" {
				continue
			}
			select {
			case r.wake <- struct{}{}:
			default:
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Stats returns cumulative tick counters for status reporting.
func (r *Runner) Stats() (runs, acks, alerts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs, r.acks, r.alerts
}

func (r *Runner) interval() time.Duration {
	d, err := time.ParseDuration(r.cfg.Every)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.doneCh)

	if r.inWindow(time.Now()) {
		r.tick(ctx)
	}

	timer := time.NewTimer(r.interval())
	defer timer.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-r.wake:
			if !timer.Stop() {
				<-timer.C
			}
			if r.inWindow(time.Now()) {
				r.tick(ctx)
			}
			timer.Reset(r.interval())
		case <-timer.C:
			if r.inWindow(time.Now()) {
				r.tick(ctx)
			}
			// Measured from this tick's completion, not a fixed clock grid.
			timer.Reset(r.interval())
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&r.ticking, 0, 1) {
		r.report(Result{Timestamp: time.Now(), Classification: ClassOverlap})
		return
	}
	defer atomic.StoreInt32(&r.ticking, 0)

	start := time.Now()

	if r.checklistEmpty() {
		r.report(Result{Timestamp: start, Classification: ClassEmpty})
		return
	}

	prompt := r.cfg.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	reply, err := r.runTurn(ctx, r.sessionKey, prompt)
	duration := time.Since(start)
	if err != nil {
		slog.Error("heartbeat: turn failed", "error", err)
		r.report(Result{Timestamp: start, Duration: duration, Classification: ClassAlert, Error: err})
		return
	}

	class := classify(reply, r.ackMaxChars())
	res := Result{Timestamp: start, Duration: duration, Classification: class}
	if class == ClassAlert {
		res.Response = reply
		if r.deliver != nil && r.cfg.Target != "" {
			if err := r.deliver(ctx, r.cfg.Target, reply); err != nil {
				slog.Error("heartbeat: delivery failed", "target", r.cfg.Target, "error", err)
			}
		}
	}
	r.report(res)
}

func (r *Runner) report(res Result) {
	r.mu.Lock()
	r.runs++
	switch res.Classification {
	case ClassAck:
		r.acks++
	case ClassAlert:
		r.alerts++
	}
	r.mu.Unlock()

	if r.onResult != nil {
		r.onResult(res)
	}
}

func (r *Runner) ackMaxChars() int {
	if r.cfg.AckMaxChars > 0 {
		return r.cfg.AckMaxChars
	}
	return defaultAckMaxChars
}

// classify implements the ack contract: exact match, or the token appears
// as a prefix/suffix with at most maxChars of surrounding text.
func classify(reply string, maxChars int) Classification {
	trimmed := strings.TrimSpace(reply)
	if trimmed == AckToken {
		return ClassAck
	}
	if strings.HasPrefix(trimmed, AckToken) && len(trimmed)-len(AckToken) <= maxChars {
		return ClassAck
	}
	if strings.HasSuffix(trimmed, AckToken) && len(trimmed)-len(AckToken) <= maxChars {
		return ClassAck
	}
	return ClassAlert
}

// checklistEmpty reports whether HEARTBEAT.md is absent of actionable
// content: missing entirely is NOT empty (the default prompt still runs),
// but present-and-blank-after-stripping is.
func (r *Runner) checklistEmpty() bool {
	path := filepath.Join(r.workspace, "HEARTBEAT.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return false
	}
	return true
}

// inWindow reports whether t falls inside the configured active-hours
// window. An unset window means every tick is in-window.
func (r *Runner) inWindow(t time.Time) bool {
	w := r.cfg.ActiveHours
	if w == nil || (w.Start == "" && w.End == "") {
		return true
	}

	loc := time.Local
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := t.In(loc)

	startMin, err := parseClock(w.Start)
	if err != nil {
		return true
	}
	endMin, err := parseClock(w.End)
	if err != nil {
		return true
	}
	nowMin := local.Hour()*60 + local.Minute()

	if endMin <= startMin {
		// Window wraps past midnight. An end of "24:00" (1440) never lands here;
		// the plain branch below covers it.
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

// parseClock parses "HH:MM", treating "24:00" as end-of-day (1440).
func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, os.ErrInvalid
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	return h*60 + m, nil
}
