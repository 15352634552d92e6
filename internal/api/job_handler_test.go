package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postcrafter/postcrafter-api/internal/domain"
	"github.com/postcrafter/postcrafter-api/internal/task"
)

// completingWorkflow finishes immediately without pausing.
type completingWorkflow struct{}

func (completingWorkflow) Run(_ context.Context, _ task.Emitter, _ task.RunState) (*task.Outcome, error) {
	return &task.Outcome{ArtifactRef: "artifacts/job/draft.md"}, nil
}

func createJob(t *testing.T, f *apiFixture, req CreateJobRequest) JobResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/jobs", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30

	resp := createJob(t, f, CreateJobRequest{
		Name:         "daily digest",
		Type:         "digest",
		ScheduleKind: "interval",
		IntervalMins: &mins,
		Params:       json.RawMessage(`{"message":"produce the daily digest"}`),
	})

	assert.Equal(t, "daily digest", resp.Name)
	assert.True(t, resp.Enabled)
	require.NotNil(t, resp.NextRunAt, "creation schedules the first run")
	assert.Nil(t, resp.LastRunAt)
}

func TestCreateJob_Validation(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30
	cron := "0 3 * * *"

	t.Run("missing required fields", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{Name: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown schedule kind", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
			Name: "x", Type: "digest", ScheduleKind: "weekly", IntervalMins: &mins,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("both schedules set", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
			Name: "x", Type: "digest", ScheduleKind: "interval",
			IntervalMins: &mins, CronExpression: &cron,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "interval_minutes or cron_expression")
	})

	t.Run("invalid cron expression", func(t *testing.T) {
		bad := "every now and then"
		rec := f.do(t, http.MethodPost, "/api/jobs", CreateJobRequest{
			Name: "x", Type: "digest", ScheduleKind: "cron", CronExpression: &bad,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUpdateJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30
	created := createJob(t, f, CreateJobRequest{
		Name: "daily digest", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})

	newName := "hourly digest"
	newMins := 60
	rec := f.do(t, http.MethodPut, "/api/jobs/"+created.ID, UpdateJobRequest{
		Name:         &newName,
		IntervalMins: &newMins,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hourly digest", resp.Name)
	require.NotNil(t, resp.IntervalMins)
	assert.Equal(t, 60, *resp.IntervalMins)

	// Switching to cron without clearing the interval is ambiguous.
	kind := "cron"
	badRec := f.do(t, http.MethodPut, "/api/jobs/"+created.ID, UpdateJobRequest{ScheduleKind: &kind})
	assert.Equal(t, http.StatusBadRequest, badRec.Code)
}

func TestTriggerJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30
	created := createJob(t, f, CreateJobRequest{
		Name: "daily digest", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})

	rec := f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp ExecutionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, created.ID, resp.JobID)
	assert.Equal(t, string(domain.TriggerManual), resp.Trigger)
	f.orchestrator.Wait()

	execs := f.do(t, http.MethodGet, "/api/jobs/"+created.ID+"/executions", nil)
	require.Equal(t, http.StatusOK, execs.Code)
	var listed []ExecutionResponse
	require.NoError(t, json.Unmarshal(execs.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, string(domain.ExecutionSuccess), listed[0].Status)
}

func TestTriggerJob_Conflicts(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, approvalWorkflow{})
	mins := 30
	created := createJob(t, f, CreateJobRequest{
		Name: "reviewed digest", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
		Params: json.RawMessage(`{"message":"draft the digest","human_review":true}`),
	})

	first := f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, first.Code)
	f.orchestrator.Wait()

	// The spawned task is paused for review, so the execution is still
	// running: a second trigger overlaps.
	second := f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, second.Code)

	// A disabled job cannot be triggered.
	disable := f.do(t, http.MethodPatch, "/api/jobs/"+created.ID+"/status", JobStatusRequest{Enabled: false})
	require.Equal(t, http.StatusOK, disable.Code)
	disabled := f.do(t, http.MethodPost, "/api/jobs/"+created.ID+"/trigger", nil)
	assert.Equal(t, http.StatusConflict, disabled.Code)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30

	fresh := createJob(t, f, CreateJobRequest{
		Name: "fresh job", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})
	rec := f.do(t, http.MethodDelete, "/api/jobs/"+fresh.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	missing := f.do(t, http.MethodGet, "/api/jobs/"+fresh.ID, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)

	// A job with execution history is only disabled, never deleted.
	used := createJob(t, f, CreateJobRequest{
		Name: "used job", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})
	trigger := f.do(t, http.MethodPost, "/api/jobs/"+used.ID+"/trigger", nil)
	require.Equal(t, http.StatusAccepted, trigger.Code)
	f.orchestrator.Wait()

	blocked := f.do(t, http.MethodDelete, "/api/jobs/"+used.ID, nil)
	assert.Equal(t, http.StatusConflict, blocked.Code)
	assert.Contains(t, blocked.Body.String(), "disable it instead")
}

func TestSetJobStatus(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30
	created := createJob(t, f, CreateJobRequest{
		Name: "daily digest", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})

	rec := f.do(t, http.MethodPatch, "/api/jobs/"+created.ID+"/status", JobStatusRequest{Enabled: false})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)

	enable := f.do(t, http.MethodPatch, "/api/jobs/"+created.ID+"/status", JobStatusRequest{Enabled: true})
	require.Equal(t, http.StatusOK, enable.Code)

	stored, err := f.jobs.GetByID(context.Background(), uuid.MustParse(created.ID))
	require.NoError(t, err)
	assert.True(t, stored.Enabled)
	assert.NotNil(t, stored.NextRunAt, "re-enabling reschedules the job")
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30
	createJob(t, f, CreateJobRequest{
		Name: "job one", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})
	createJob(t, f, CreateJobRequest{
		Name: "job two", Type: "cleanup", ScheduleKind: "interval", IntervalMins: &mins,
	})

	rec := f.do(t, http.MethodGet, "/api/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)
}

func TestListExecutions_BadQuery(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, completingWorkflow{})
	mins := 30
	created := createJob(t, f, CreateJobRequest{
		Name: "daily digest", Type: "digest", ScheduleKind: "interval", IntervalMins: &mins,
	})

	rec := f.do(t, http.MethodGet, "/api/jobs/"+created.ID+"/executions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	limit := f.do(t, http.MethodGet, "/api/jobs/"+created.ID+"/executions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, limit.Code)
}
