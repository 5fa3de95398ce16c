package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/opsnomad/gatewayd/internal/store"
)

// maxCronLookahead bounds how far forward a five-field cron expression is
// searched for its next occurrence; an expression that never matches inside
// this window is treated as exhausted rather than searched forever.
const maxCronLookahead = 366 * 24 * time.Hour

// computeNextRun advances a job's schedule past `from`, returning a zero
// time when the job is a one-shot ("at") that has already fired.
func computeNextRun(job *store.CronJob, from time.Time) (time.Time, error) {
	switch job.Schedule {
	case store.ScheduleAt:
		if job.RunCount > 0 {
			return time.Time{}, nil
		}
		if job.At.After(from) {
			return job.At, nil
		}
		return time.Time{}, nil

	case store.ScheduleEvery:
		if job.EveryMillis <= 0 {
			return time.Time{}, fmt.Errorf("every-schedule requires a positive interval")
		}
		interval := time.Duration(job.EveryMillis) * time.Millisecond
		base := job.LastRun
		if base.IsZero() {
			base = job.Created
		}
		next := base.Add(interval)
		for !next.After(from) {
			next = next.Add(interval)
		}
		return next, nil

	case store.ScheduleCron:
		if job.CronExpr == "" {
			return time.Time{}, fmt.Errorf("cron-schedule requires an expression")
		}
		loc := time.UTC
		if job.Timezone != "" {
			l, err := time.LoadLocation(job.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid timezone %q: %w", job.Timezone, err)
			}
			loc = l
		}
		ref := from.In(loc)
		next, err := gronx.NextTickAfter(job.CronExpr, ref, false)
		if err != nil {
			return time.Time{}, fmt.Errorf("evaluate cron expression %q: %w", job.CronExpr, err)
		}
		if next.Sub(ref) > maxCronLookahead {
			return time.Time{}, fmt.Errorf("cron expression %q has no occurrence within the lookahead window", job.CronExpr)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", job.Schedule)
	}
}
