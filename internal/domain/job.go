package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ScheduleKind distinguishes the two supported job schedule forms.
type ScheduleKind string

// Possible schedule kinds.
const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// TriggerKind records how a job execution was initiated.
type TriggerKind string

// Possible trigger kinds.
const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// Common validation errors for Job.
var (
	ErrEmptyJobID          = errors.New("job ID cannot be empty")
	ErrEmptyJobName        = errors.New("job name cannot be empty")
	ErrEmptyJobType        = errors.New("job type cannot be empty")
	ErrInvalidScheduleKind = errors.New("invalid schedule kind")
	ErrAmbiguousSchedule   = errors.New("exactly one of interval_minutes or cron_expression must be set")
	ErrInvalidInterval     = errors.New("interval_minutes must be positive")
	ErrInvalidCron         = errors.New("invalid cron expression")
)

// cronParser accepts the standard 5-field form (minute hour dom month dow).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Job is a standing definition of recurring work. Exactly one of
// IntervalMinutes or CronExpression is set, matching ScheduleKind.
// Jobs referenced by executions are never deleted, only disabled.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	ScheduleKind   ScheduleKind    `json:"schedule_kind"`
	IntervalMins   *int            `json:"interval_minutes,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Enabled        bool            `json:"enabled"`
	Priority       int             `json:"priority"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastStatus     string          `json:"last_status,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	RunCount       int             `json:"run_count"`
	SuccessCount   int             `json:"success_count"`
	FailCount      int             `json:"fail_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob creates a new enabled Job with a generated ID and timestamps.
// Returns an error if validation fails.
func NewJob(name, jobType string, kind ScheduleKind, intervalMins *int, cronExpr *string, params json.RawMessage) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:             uuid.New(),
		Name:           name,
		Type:           jobType,
		ScheduleKind:   kind,
		IntervalMins:   intervalMins,
		CronExpression: cronExpr,
		Params:         params,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks the Job's invariants, in particular that exactly one
// schedule kind is set and well-formed.
func (j *Job) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}
	if j.Name == "" {
		return ErrEmptyJobName
	}
	if j.Type == "" {
		return ErrEmptyJobType
	}

	switch j.ScheduleKind {
	case ScheduleInterval:
		if j.IntervalMins == nil || j.CronExpression != nil {
			return ErrAmbiguousSchedule
		}
		if *j.IntervalMins <= 0 {
			return ErrInvalidInterval
		}
	case ScheduleCron:
		if j.CronExpression == nil || j.IntervalMins != nil {
			return ErrAmbiguousSchedule
		}
		if _, err := cronParser.Parse(*j.CronExpression); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCron, err)
		}
	default:
		return ErrInvalidScheduleKind
	}

	return nil
}

// CronSchedule parses the job's cron expression. Only valid for cron jobs.
func (j *Job) CronSchedule() (cron.Schedule, error) {
	if j.ScheduleKind != ScheduleCron || j.CronExpression == nil {
		return nil, ErrInvalidScheduleKind
	}
	sched, err := cronParser.Parse(*j.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched, nil
}

// Interval returns the interval schedule as a duration. Only valid for
// interval jobs.
func (j *Job) Interval() (time.Duration, error) {
	if j.ScheduleKind != ScheduleInterval || j.IntervalMins == nil {
		return 0, ErrInvalidScheduleKind
	}
	return time.Duration(*j.IntervalMins) * time.Minute, nil
}
