package cron

import (
	"testing"
	"time"

	"github.com/opsnomad/gatewayd/internal/store"
)

func TestComputeNextRun_At(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	t.Run("future one-shot fires at its time", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleAt, At: now.Add(time.Hour)}
		got, err := computeNextRun(job, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.Equal(job.At) {
			t.Errorf("computeNextRun() = %v, want %v", got, job.At)
		}
	})

	t.Run("past one-shot never already run returns zero", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleAt, At: now.Add(-time.Hour)}
		got, err := computeNextRun(job, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.IsZero() {
			t.Errorf("computeNextRun() = %v, want zero time", got)
		}
	})

	t.Run("already-run one-shot never fires again", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleAt, At: now.Add(time.Hour), RunCount: 1}
		got, err := computeNextRun(job, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.IsZero() {
			t.Errorf("computeNextRun() = %v, want zero time for already-run job", got)
		}
	})
}

func TestComputeNextRun_Every(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	t.Run("rejects non-positive interval", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleEvery, EveryMillis: 0}
		if _, err := computeNextRun(job, now); err == nil {
			t.Error("computeNextRun() error = nil, want error for zero interval")
		}
	})

	t.Run("advances from last run past now", func(t *testing.T) {
		job := &store.CronJob{
			Schedule:    store.ScheduleEvery,
			EveryMillis: int64(10 * time.Minute / time.Millisecond),
			LastRun:     now.Add(-25 * time.Minute),
		}
		got, err := computeNextRun(job, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.After(now) {
			t.Errorf("computeNextRun() = %v, want time after %v", got, now)
		}
		want := now.Add(5 * time.Minute) // -25m + 30m = +5m
		if !got.Equal(want) {
			t.Errorf("computeNextRun() = %v, want %v", got, want)
		}
	})

	t.Run("falls back to created time when never run", func(t *testing.T) {
		job := &store.CronJob{
			Schedule:    store.ScheduleEvery,
			EveryMillis: int64(time.Hour / time.Millisecond),
			Created:     now.Add(-30 * time.Minute),
		}
		got, err := computeNextRun(job, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := now.Add(30 * time.Minute)
		if !got.Equal(want) {
			t.Errorf("computeNextRun() = %v, want %v", got, want)
		}
	})
}

func TestComputeNextRun_Cron(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	t.Run("rejects empty expression", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleCron, CronExpr: ""}
		if _, err := computeNextRun(job, now); err == nil {
			t.Error("computeNextRun() error = nil, want error for empty expression")
		}
	})

	t.Run("rejects invalid timezone", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleCron, CronExpr: "0 0 * * *", Timezone: "Not/AZone"}
		if _, err := computeNextRun(job, now); err == nil {
			t.Error("computeNextRun() error = nil, want error for invalid timezone")
		}
	})

	t.Run("evaluates next daily occurrence", func(t *testing.T) {
		job := &store.CronJob{Schedule: store.ScheduleCron, CronExpr: "0 0 * * *"}
		got, err := computeNextRun(job, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("computeNextRun() = %v, want %v", got, want)
		}
	})
}

func TestComputeNextRun_UnknownSchedule(t *testing.T) {
	job := &store.CronJob{Schedule: "bogus"}
	if _, err := computeNextRun(job, time.Now()); err == nil {
		t.Error("computeNextRun() error = nil, want error for unknown schedule kind")
	}
}
