package surrealdb

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

func makeJob(id, state string, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:         id,
		JobType:    models.JobTypeSearchDownload,
		Provider:   "copernicus",
		Collection: "SENTINEL-1",
		Request: models.JobRequest{
			JobType:    models.JobTypeSearchDownload,
			Provider:   "copernicus",
			Collection: "SENTINEL-1",
			StartDate:  "2025-05-01",
			EndDate:    "2025-05-31",
			AOI:        &models.AOI{WKT: "POLYGON((0 0, 1 0, 1 1, 0 1, 0 0))"},
		},
		State:     state,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestStore_CreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 5, 20, 9, 30, 0, 0, time.UTC)
	if err := store.CreateJob(ctx, makeJob("job-1", models.JobStateQueued, created)); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != models.JobStateQueued || got.Collection != "SENTINEL-1" {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.Request.AOI == nil || got.Request.StartDate != "2025-05-01" {
		t.Errorf("request did not round-trip: %+v", got.Request)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}

	if _, err := store.GetJob(ctx, "ghost"); err != models.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStore_UpdateAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := store.CreateJob(ctx, makeJob(fmt.Sprintf("job-%d", i), models.JobStateQueued, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	state := models.JobStateFailed
	errs := []string{"search failed"}
	finished := time.Now().UTC()
	if err := store.UpdateJob(ctx, "job-2", &models.JobUpdate{
		State:      &state,
		Errors:     &errs,
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	got, _ := store.GetJob(ctx, "job-2")
	if got.State != models.JobStateFailed || len(got.Errors) != 1 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	jobs, total, err := store.ListJobs(ctx, nil)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if total != 4 || len(jobs) != 4 {
		t.Fatalf("total=%d len=%d, want 4/4", total, len(jobs))
	}
	if jobs[0].ID != "job-3" {
		t.Errorf("expected newest first, got %s", jobs[0].ID)
	}

	jobs, total, _ = store.ListJobs(ctx, &models.JobFilter{State: models.JobStateFailed})
	if total != 1 || jobs[0].ID != "job-2" {
		t.Errorf("state filter wrong: total=%d", total)
	}

	jobs, total, _ = store.ListJobs(ctx, &models.JobFilter{Page: 2, PageSize: 3})
	if total != 4 || len(jobs) != 1 {
		t.Errorf("page 2: total=%d len=%d, want 4/1", total, len(jobs))
	}

	queued := models.JobStateQueued
	if err := store.UpdateJob(ctx, "ghost", &models.JobUpdate{State: &queued}); err != models.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStore_ClaimOnceOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, makeJob("job-1", models.JobStateQueued, time.Now().UTC())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	claimed, err := store.ClaimJobForExecution(ctx, "job-1", "worker-a")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !claimed {
		t.Fatal("expected first claim to win")
	}

	claimed, err = store.ClaimJobForExecution(ctx, "job-1", "worker-b")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if claimed {
		t.Error("second claim should lose")
	}

	got, _ := store.GetJob(ctx, "job-1")
	if got.State != models.JobStateRunning || got.WorkerID != "worker-a" {
		t.Errorf("claimed job = %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("claim should set started_at")
	}
}

func TestStore_RequeueIncomplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	running := makeJob("running", models.JobStateRunning, base)
	started := base.Add(time.Minute)
	running.StartedAt = &started
	running.WorkerID = "dead-worker"
	cancelReq := makeJob("cancelling", models.JobStateCancelRequested, base.Add(time.Minute))
	done := makeJob("done", models.JobStateSucceeded, base.Add(2*time.Minute))

	for _, job := range []*models.Job{running, cancelReq, done} {
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	ids, err := store.RequeueIncomplete(ctx)
	if err != nil {
		t.Fatalf("RequeueIncomplete failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "running" || ids[1] != "cancelling" {
		t.Fatalf("requeued %v, want [running cancelling]", ids)
	}

	for _, id := range ids {
		got, _ := store.GetJob(ctx, id)
		if got.State != models.JobStateQueued || got.WorkerID != "" || got.StartedAt != nil {
			t.Errorf("job %s not fully reset: %+v", id, got)
		}
	}
	got, _ := store.GetJob(ctx, "done")
	if got.State != models.JobStateSucceeded {
		t.Errorf("terminal job touched: %s", got.State)
	}

	claimed, err := store.ClaimJobForExecution(ctx, "running", "worker-new")
	if err != nil || !claimed {
		t.Errorf("recovered job not claimable: claimed=%v err=%v", claimed, err)
	}
}

func TestStore_RequeueStale(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := makeJob("stale", models.JobStateRunning, time.Now().UTC().Add(-time.Hour))
	fresh := makeJob("fresh", models.JobStateRunning, time.Now().UTC())
	for _, job := range []*models.Job{stale, fresh} {
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	ids, err := store.RequeueStale(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("requeued %v, want [stale]", ids)
	}
	got, _ := store.GetJob(ctx, "stale")
	if got.State != models.JobStateQueued || got.StartedAt != nil {
		t.Errorf("stale job not reset: %+v", got)
	}
	got, _ = store.GetJob(ctx, "fresh")
	if got.State != models.JobStateRunning {
		t.Errorf("fresh job touched: %s", got.State)
	}
}

func TestStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 3; i++ {
		event := &models.JobEvent{
			JobID:     "job-1",
			Type:      models.EventJobProgress,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"bytes": float64(i * 512)},
		}
		id, err := store.AppendEvent(ctx, event)
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if id <= last || event.ID != id {
			t.Errorf("bad event id %d after %d", id, last)
		}
		last = id
	}
	if _, err := store.AppendEvent(ctx, &models.JobEvent{
		JobID: "job-2", Type: models.EventJobQueued, Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := store.ListEvents(ctx, &models.EventFilter{JobID: "job-1"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("job-1 events = %d, want 3", len(events))
	}
	if events[1].Payload["bytes"] != float64(512) {
		t.Errorf("payload did not round-trip: %v", events[1].Payload)
	}

	events, _ = store.ListEvents(ctx, &models.EventFilter{JobID: "job-1", SinceID: events[0].ID})
	if len(events) != 2 {
		t.Errorf("since filter returned %d, want 2", len(events))
	}

	events, _ = store.ListEvents(ctx, &models.EventFilter{})
	if len(events) != 4 {
		t.Errorf("merged listing returned %d, want 4", len(events))
	}
}

func TestStore_Results(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetResult(ctx, "job-1"); err != models.ErrResultNotFound {
		t.Errorf("expected ErrResultNotFound, got %v", err)
	}

	result := &models.JobResult{
		JobID:     "job-1",
		Paths:     []string{"/data/job-1/scene.zip"},
		Checksums: map[string]string{"/data/job-1/scene.zip": "00ff"},
		Metadata:  map[string]any{"products_found": float64(1)},
	}
	if err := store.SetResult(ctx, result); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	got, err := store.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if len(got.Paths) != 1 || got.Checksums["/data/job-1/scene.zip"] != "00ff" {
		t.Errorf("result did not round-trip: %+v", got)
	}

	result.Metadata["products_found"] = float64(3)
	if err := store.SetResult(ctx, result); err != nil {
		t.Fatalf("SetResult (replace) failed: %v", err)
	}
	got, _ = store.GetResult(ctx, "job-1")
	if got.Metadata["products_found"] != float64(3) {
		t.Error("replace did not update the result")
	}
}
