package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bobmcallan/nimbus/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func makeJob(id, state string, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:         id,
		JobType:    models.JobTypeDownloadProducts,
		Provider:   "usgs",
		Collection: "landsat_ot_c2_l2",
		Request: models.JobRequest{
			JobType:    models.JobTypeDownloadProducts,
			Provider:   "usgs",
			Collection: "landsat_ot_c2_l2",
			ProductIDs: []string{"LC08_L2SP_001001"},
		},
		State:     state,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestStore_CreateGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	if err := store.CreateJob(ctx, makeJob("job-1", models.JobStateQueued, created)); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.State != models.JobStateQueued || got.Provider != "usgs" {
		t.Errorf("unexpected job: %+v", got)
	}
	if len(got.Request.ProductIDs) != 1 || got.Request.ProductIDs[0] != "LC08_L2SP_001001" {
		t.Errorf("request did not round-trip: %+v", got.Request)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}

	if _, err := store.GetJob(ctx, "ghost"); err != models.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStore_UpdatePartial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, makeJob("job-1", models.JobStateQueued, time.Now().UTC())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	progress := 80.0
	downloaded := int64(8 << 20)
	if err := store.UpdateJob(ctx, "job-1", &models.JobUpdate{
		Progress:        &progress,
		BytesDownloaded: &downloaded,
	}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	got, _ := store.GetJob(ctx, "job-1")
	if got.Progress != 80.0 || got.BytesDownloaded != 8<<20 {
		t.Errorf("update not applied: %+v", got)
	}
	if got.State != models.JobStateQueued {
		t.Errorf("untouched state changed: %s", got.State)
	}

	finished := time.Now().UTC()
	state := models.JobStateFailed
	if err := store.UpdateJob(ctx, "job-1", &models.JobUpdate{State: &state, FinishedAt: &finished}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	got, _ = store.GetJob(ctx, "job-1")
	if got.FinishedAt == nil {
		t.Fatal("finished_at not set")
	}

	queued := models.JobStateQueued
	if err := store.UpdateJob(ctx, "job-1", &models.JobUpdate{State: &queued, ClearFinishedAt: true}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	got, _ = store.GetJob(ctx, "job-1")
	if got.FinishedAt != nil {
		t.Error("ClearFinishedAt did not clear finished_at")
	}

	if err := store.UpdateJob(ctx, "ghost", &models.JobUpdate{State: &queued}); err != models.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStore_ListOrderingAndPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		state := models.JobStateQueued
		if i%2 == 1 {
			state = models.JobStateSucceeded
		}
		job := makeJob(fmt.Sprintf("job-%d", i), state, base.Add(time.Duration(i)*time.Minute))
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	jobs, total, err := store.ListJobs(ctx, nil)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if jobs[0].ID != "job-6" || jobs[6].ID != "job-0" {
		t.Errorf("not newest first: first=%s last=%s", jobs[0].ID, jobs[6].ID)
	}

	jobs, total, _ = store.ListJobs(ctx, &models.JobFilter{State: models.JobStateSucceeded})
	if total != 3 || len(jobs) != 3 {
		t.Errorf("state filter: total=%d len=%d, want 3/3", total, len(jobs))
	}

	jobs, total, _ = store.ListJobs(ctx, &models.JobFilter{Page: 2, PageSize: 5})
	if total != 7 || len(jobs) != 2 {
		t.Errorf("page 2: total=%d len=%d, want 7/2", total, len(jobs))
	}
	if jobs[0].ID != "job-1" {
		t.Errorf("page 2 starts at %s, want job-1", jobs[0].ID)
	}
}

func TestStore_ClaimOnceOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateJob(ctx, makeJob("job-1", models.JobStateQueued, time.Now().UTC())); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	const claimers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker := fmt.Sprintf("worker-%d", i)
			claimed, err := store.ClaimJobForExecution(ctx, "job-1", worker)
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if claimed {
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", len(winners))
	}
	got, _ := store.GetJob(ctx, "job-1")
	if got.State != models.JobStateRunning || got.WorkerID != winners[0] {
		t.Errorf("claimed job = %+v, winner was %s", got, winners[0])
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
	cancelReq.StartedAt = &started
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
	if len(ids) != 2 {
		t.Fatalf("requeued %v, want 2 ids", ids)
	}
	// Oldest first.
	if ids[0] != "running" || ids[1] != "cancelling" {
		t.Errorf("requeue order = %v, want [running cancelling]", ids)
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
	got, _ := store.GetJob(ctx, "fresh")
	if got.State != models.JobStateRunning {
		t.Errorf("fresh job touched: %s", got.State)
	}
}

func TestStore_Events(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 4; i++ {
		event := &models.JobEvent{
			JobID:     "job-1",
			Type:      models.EventJobProgress,
			Timestamp: time.Now().UTC(),
			Payload:   map[string]any{"file": fmt.Sprintf("scene-%d.zip", i)},
		}
		id, err := store.AppendEvent(ctx, event)
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if id <= last {
			t.Errorf("event id %d not monotonic after %d", id, last)
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
	if len(events) != 4 {
		t.Fatalf("job-1 events = %d, want 4", len(events))
	}
	if events[0].Payload["file"] != "scene-0.zip" {
		t.Errorf("payload did not round-trip: %v", events[0].Payload)
	}

	events, _ = store.ListEvents(ctx, &models.EventFilter{JobID: "job-1", SinceID: events[1].ID})
	if len(events) != 2 {
		t.Errorf("since filter returned %d, want 2", len(events))
	}

	events, _ = store.ListEvents(ctx, &models.EventFilter{})
	if len(events) != 5 {
		t.Errorf("merged listing returned %d, want 5", len(events))
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
		Paths:     []string{"/data/job-1/bundle.tar"},
		Checksums: map[string]string{"/data/job-1/bundle.tar": "cafef00d"},
	}
	if err := store.SetResult(ctx, result); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	got, err := store.GetResult(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if len(got.Paths) != 1 || got.Checksums["/data/job-1/bundle.tar"] != "cafef00d" {
		t.Errorf("result did not round-trip: %+v", got)
	}

	result.Paths = append(result.Paths, "/data/job-1/manifest.json")
	if err := store.SetResult(ctx, result); err != nil {
		t.Fatalf("SetResult (replace) failed: %v", err)
	}
	got, _ = store.GetResult(ctx, "job-1")
	if len(got.Paths) != 2 {
		t.Errorf("replace did not update: %+v", got)
	}
}
