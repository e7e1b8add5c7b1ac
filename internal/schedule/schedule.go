// Package schedule triggers the update job once a month.
package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/austindbirch/dbip_updater/internal/logging"
)

// ErrAlreadyRunning is returned when a job is triggered while a previous
// invocation is still active.
var ErrAlreadyRunning = errors.New("job already running")

// Monthly fires on Day of every month at Hour:Minute in Location. Days past
// the end of a month fire on the month's last day.
type Monthly struct {
	Day      int
	Hour     int
	Minute   int
	Location *time.Location
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

func (m Monthly) at(year int, month time.Month, loc *time.Location) time.Time {
	day := m.Day
	if day < 1 {
		day = 1
	}
	if n := daysIn(year, month, loc); day > n {
		day = n
	}
	return time.Date(year, month, day, m.Hour, m.Minute, 0, 0, loc)
}

// Next returns the first trigger time strictly after after.
func (m Monthly) Next(after time.Time) time.Time {
	loc := m.Location
	if loc == nil {
		loc = time.Local
	}
	after = after.In(loc)
	candidate := m.at(after.Year(), after.Month(), loc)
	if !candidate.After(after) {
		candidate = m.at(after.Year(), after.Month()+1, loc)
	}
	return candidate
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Exclusive lets at most one invocation of a job run at a time.
type Exclusive struct {
	job  Job
	busy atomic.Bool
}

func NewExclusive(job Job) *Exclusive {
	return &Exclusive{job: job}
}

// Run invokes the job, or returns ErrAlreadyRunning without waiting.
func (e *Exclusive) Run(ctx context.Context) error {
	return e.Do(ctx, e.job)
}

// Do runs fn under the same guard as the job, so manual triggers and
// scheduled runs never overlap.
func (e *Exclusive) Do(ctx context.Context, fn Job) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.busy.Store(false)
	return fn(ctx)
}

// Running reports whether an invocation is active.
func (e *Exclusive) Running() bool {
	return e.busy.Load()
}

// Runner sleeps until each trigger and runs the job.
type Runner struct {
	schedule Monthly
	job      Job
	logger   *logging.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

func NewRunner(s Monthly, job Job, logger *logging.Logger) *Runner {
	return &Runner{
		schedule: s,
		job:      job,
		logger:   logger,
		now:      time.Now,
		after:    time.After,
	}
}

// Run blocks until ctx is cancelled. Job errors are logged, never fatal.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next := r.schedule.Next(r.now())
		r.logger.WithContext(ctx).
			WithField("next_run", next.Format(time.RFC3339)).
			Info("Scheduled next update")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.after(next.Sub(r.now())):
		}

		if err := r.job(ctx); err != nil {
			entry := r.logger.WithContext(ctx).WithError(err)
			if errors.Is(err, ErrAlreadyRunning) {
				entry.Warn("Skipped scheduled update, previous run still active")
			} else {
				entry.Error("Scheduled update failed")
			}
		}
	}
}
