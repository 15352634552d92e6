package scheduler

import (
	"time"

	"github.com/postcrafter/postcrafter-api/internal/domain"
)

// NextRun computes when a job should fire next, given its last run.
//
// A job that missed ticks while the service was down owes exactly one
// catch-up firing: the returned time is the most recent missed tick,
// never the full backlog. An interval job last run at T with a 30m
// interval, evaluated at T+45m, is due at T+30m; evaluated again at any
// point before T+60m it yields the same answer.
func NextRun(job *domain.Job, now time.Time) (time.Time, error) {
	switch job.ScheduleKind {
	case domain.ScheduleInterval:
		interval, err := job.Interval()
		if err != nil {
			return time.Time{}, err
		}
		if job.LastRunAt == nil {
			return now, nil
		}
		last := job.LastRunAt.UTC()
		missed := now.Sub(last) / interval
		if missed < 1 {
			return last.Add(interval), nil
		}
		return last.Add(interval * missed), nil

	case domain.ScheduleCron:
		sched, err := job.CronSchedule()
		if err != nil {
			return time.Time{}, err
		}
		if job.LastRunAt == nil {
			return sched.Next(now), nil
		}

		// Walk occurrences from the last run; the latest one at or
		// before now is the single catch-up tick.
		tick := sched.Next(job.LastRunAt.UTC())
		if tick.After(now) {
			return tick, nil
		}
		for {
			next := sched.Next(tick)
			if next.After(now) {
				return tick, nil
			}
			tick = next
		}

	default:
		return time.Time{}, domain.ErrInvalidScheduleKind
	}
}

// nextAfterFire returns the first occurrence strictly after a firing at
// now, used to advance next_run_at when a job is claimed.
func nextAfterFire(job *domain.Job, now time.Time) (time.Time, error) {
	switch job.ScheduleKind {
	case domain.ScheduleInterval:
		interval, err := job.Interval()
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(interval), nil
	case domain.ScheduleCron:
		sched, err := job.CronSchedule()
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(now), nil
	default:
		return time.Time{}, domain.ErrInvalidScheduleKind
	}
}
