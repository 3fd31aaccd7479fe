package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/michaelbrown/sessionflow/internal/storage"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening memory db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{
		ID:    "abc12345-0000-0000-0000-000000000000",
		Input: []byte(`{"workflowCode":"x"}`),
	}

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.Status != storage.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusPending)
	}
	if string(got.Input) != `{"workflowCode":"x"}` {
		t.Errorf("input = %q", got.Input)
	}
	if got.Output != nil {
		t.Errorf("output = %q, want empty", got.Output)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should not be zero")
	}
	if got.CompletedAt != nil {
		t.Error("completed_at should be nil")
	}
}

func TestGetRunByPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "abc12345-0000-0000-0000-000000000000"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "abc12345")
	if err != nil {
		t.Fatalf("GetRun by prefix: %v", err)
	}
	if got.ID != run.ID {
		t.Errorf("got ID %q, want %q", got.ID, run.ID)
	}
}

func TestGetRunAmbiguousPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-1", "abc-2"} {
		if err := s.CreateRun(ctx, &storage.Run{ID: id}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	_, err := s.GetRun(ctx, "abc")
	if !errors.Is(err, storage.ErrAmbiguous) {
		t.Errorf("err = %v, want ErrAmbiguous", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	_, err = s.GetRun(context.Background(), "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("empty id: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "run-1"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run.Status = storage.StatusSucceeded
	run.Phase = "output_retrieved"
	run.PollCount = 4
	run.SessionID = "S1"
	run.ExecutionID = "E1"
	run.Output = []byte(`{"sessionId":"S1","outputJson":"{}"}`)
	run.CompletedAt = &done
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != storage.StatusSucceeded {
		t.Errorf("status = %q, want %q", got.Status, storage.StatusSucceeded)
	}
	if got.PollCount != 4 {
		t.Errorf("poll_count = %d, want 4", got.PollCount)
	}
	if got.SessionID != "S1" || got.ExecutionID != "E1" {
		t.Errorf("ids = %q/%q", got.SessionID, got.ExecutionID)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, done)
	}
	if string(got.Output) != string(run.Output) {
		t.Errorf("output = %q", got.Output)
	}
}

func TestUpdateMissingRun(t *testing.T) {
	s := testStore(t)

	err := s.UpdateRun(context.Background(), &storage.Run{ID: "ghost", Status: storage.StatusRunning})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelRequestedPersists(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := &storage.Run{ID: "run-c"}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run.CancelRequested = true
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ := s.GetRun(ctx, "run-c")
	if !got.CancelRequested {
		t.Error("cancel_requested should be true")
	}
}

func TestRequestCancel(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, &storage.Run{ID: "live"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, &storage.Run{ID: "done", Status: storage.StatusSucceeded}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	ok, err := s.RequestCancel(ctx, "live")
	if err != nil || !ok {
		t.Fatalf("RequestCancel(live) = %v, %v", ok, err)
	}
	ok, err = s.RequestCancel(ctx, "done")
	if err != nil || ok {
		t.Errorf("RequestCancel(done) = %v, %v; want false", ok, err)
	}

	// A later update from a stale copy keeps the flag.
	stale := &storage.Run{ID: "live", Status: storage.StatusRunning, Phase: "polling"}
	if err := s.UpdateRun(ctx, stale); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	got, _ := s.GetRun(ctx, "live")
	if !got.CancelRequested {
		t.Error("cancel_requested was cleared by UpdateRun")
	}
}

func TestListRuns(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, status := range []storage.RunStatus{storage.StatusPending, storage.StatusRunning, storage.StatusFailed} {
		run := &storage.Run{ID: string(rune('a'+i)) + "-run", Status: status}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	all, err := s.ListRuns(ctx, storage.RunListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d runs, want 3", len(all))
	}

	running, err := s.ListRuns(ctx, storage.RunListOptions{Status: storage.StatusRunning})
	if err != nil {
		t.Fatalf("ListRuns filtered: %v", err)
	}
	if len(running) != 1 || running[0].ID != "b-run" {
		t.Errorf("filtered = %+v", running)
	}

	page, err := s.ListRuns(ctx, storage.RunListOptions{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListRuns paged: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("page has %d runs, want 1", len(page))
	}
}

func TestStepsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, &storage.Run{ID: "run-s"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	fire := time.Date(2026, 3, 1, 12, 0, 10, 500, time.UTC)
	steps := []*storage.Step{
		{RunID: "run-s", Name: "ensure-session", Seq: 1, Kind: storage.StepActivity, Status: storage.StepCompleted, Output: []byte(`{"sessionId":"S1"}`), Attempts: 1},
		{RunID: "run-s", Name: "poll-wait-1", Seq: 2, Kind: storage.StepTimer, Status: storage.StepScheduled, FireAt: &fire},
	}
	for _, st := range steps {
		if err := s.SaveStep(ctx, st); err != nil {
			t.Fatalf("SaveStep: %v", err)
		}
	}

	// Firing the timer updates the existing entry.
	steps[1].Status = storage.StepCompleted
	if err := s.SaveStep(ctx, steps[1]); err != nil {
		t.Fatalf("SaveStep update: %v", err)
	}

	got, err := s.LoadSteps(ctx, "run-s")
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d steps, want 2", len(got))
	}
	if got[0].Name != "ensure-session" || string(got[0].Output) != `{"sessionId":"S1"}` {
		t.Errorf("step 0 = %+v", got[0])
	}
	if got[1].Status != storage.StepCompleted {
		t.Errorf("timer status = %q, want completed", got[1].Status)
	}
	if got[1].FireAt == nil || !got[1].FireAt.Equal(fire) {
		t.Errorf("fire_at = %v, want %v", got[1].FireAt, fire)
	}
}

func TestDeleteRunRemovesSteps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateRun(ctx, &storage.Run{ID: "run-d-123"}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.SaveStep(ctx, &storage.Step{RunID: "run-d-123", Name: "x", Seq: 1, Kind: storage.StepActivity, Status: storage.StepCompleted}); err != nil {
		t.Fatalf("SaveStep: %v", err)
	}

	if err := s.DeleteRun(ctx, "run-d"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}

	if _, err := s.GetRun(ctx, "run-d-123"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetRun after delete: err = %v", err)
	}
	steps, err := s.LoadSteps(ctx, "run-d-123")
	if err != nil {
		t.Fatalf("LoadSteps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("got %d steps after delete, want 0", len(steps))
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	s := testStore(t)

	if err := runMigrations(s.db); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}
