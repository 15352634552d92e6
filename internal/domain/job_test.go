package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestNewJob(t *testing.T) {
	job, err := NewJob("daily digest", "digest", ScheduleInterval, intPtr(30), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if job.ID == uuid.Nil {
		t.Error("Expected non-nil UUID")
	}
	if !job.Enabled {
		t.Error("Expected new job to be enabled")
	}

	_, err = NewJob("", "digest", ScheduleInterval, intPtr(30), nil, nil)
	if !errors.Is(err, ErrEmptyJobName) {
		t.Errorf("Expected error %v, got %v", ErrEmptyJobName, err)
	}

	_, err = NewJob("daily digest", "", ScheduleInterval, intPtr(30), nil, nil)
	if !errors.Is(err, ErrEmptyJobType) {
		t.Errorf("Expected error %v, got %v", ErrEmptyJobType, err)
	}
}

func TestJobValidate_ExactlyOneSchedule(t *testing.T) {
	// An interval job with a cron expression as well is ambiguous.
	_, err := NewJob("j", "digest", ScheduleInterval, intPtr(30), strPtr("0 3 * * *"), nil)
	if !errors.Is(err, ErrAmbiguousSchedule) {
		t.Errorf("Expected error %v, got %v", ErrAmbiguousSchedule, err)
	}

	// So is an interval job with no interval.
	_, err = NewJob("j", "digest", ScheduleInterval, nil, nil, nil)
	if !errors.Is(err, ErrAmbiguousSchedule) {
		t.Errorf("Expected error %v, got %v", ErrAmbiguousSchedule, err)
	}

	// And a cron job carrying an interval.
	_, err = NewJob("j", "digest", ScheduleCron, intPtr(30), strPtr("0 3 * * *"), nil)
	if !errors.Is(err, ErrAmbiguousSchedule) {
		t.Errorf("Expected error %v, got %v", ErrAmbiguousSchedule, err)
	}

	_, err = NewJob("j", "digest", ScheduleInterval, intPtr(0), nil, nil)
	if !errors.Is(err, ErrInvalidInterval) {
		t.Errorf("Expected error %v, got %v", ErrInvalidInterval, err)
	}

	_, err = NewJob("j", "digest", ScheduleCron, nil, strPtr("not a cron"), nil)
	if !errors.Is(err, ErrInvalidCron) {
		t.Errorf("Expected error %v, got %v", ErrInvalidCron, err)
	}

	_, err = NewJob("j", "digest", "weekly", nil, nil, nil)
	if !errors.Is(err, ErrInvalidScheduleKind) {
		t.Errorf("Expected error %v, got %v", ErrInvalidScheduleKind, err)
	}
}

func TestJobInterval(t *testing.T) {
	job, err := NewJob("j", "digest", ScheduleInterval, intPtr(45), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	interval, err := job.Interval()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if interval != 45*time.Minute {
		t.Errorf("Expected 45m, got %v", interval)
	}

	cronJob, err := NewJob("j", "digest", ScheduleCron, nil, strPtr("0 3 * * *"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := cronJob.Interval(); !errors.Is(err, ErrInvalidScheduleKind) {
		t.Errorf("Expected error %v, got %v", ErrInvalidScheduleKind, err)
	}
}

func TestJobCronSchedule(t *testing.T) {
	job, err := NewJob("j", "cleanup", ScheduleCron, nil, strPtr("0 3 * * *"), nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	sched, err := job.CronSchedule()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := sched.Next(now)
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Expected next occurrence %v, got %v", want, next)
	}

	intervalJob, err := NewJob("j", "digest", ScheduleInterval, intPtr(30), nil, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if _, err := intervalJob.CronSchedule(); !errors.Is(err, ErrInvalidScheduleKind) {
		t.Errorf("Expected error %v, got %v", ErrInvalidScheduleKind, err)
	}
}

func TestNewJobExecution(t *testing.T) {
	exec, err := NewJobExecution(uuid.New(), TriggerManual, 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if exec.Status != ExecutionPending {
		t.Errorf("Expected status %s, got %s", ExecutionPending, exec.Status)
	}
	if exec.IsTerminal() {
		t.Error("Expected pending execution to be non-terminal")
	}

	_, err = NewJobExecution(uuid.Nil, TriggerManual, 0)
	if !errors.Is(err, ErrEmptyExecutionJobID) {
		t.Errorf("Expected error %v, got %v", ErrEmptyExecutionJobID, err)
	}

	_, err = NewJobExecution(uuid.New(), "accidental", 0)
	if !errors.Is(err, ErrInvalidTriggerKind) {
		t.Errorf("Expected error %v, got %v", ErrInvalidTriggerKind, err)
	}
}
