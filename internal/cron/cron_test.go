package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stellarlinkco/citypulse/internal/ingest"
)

func testFeeds(t *testing.T, doc string) []ingest.Feed {
	t.Helper()
	feeds, err := ingest.ParseFeeds([]byte(doc))
	if err != nil {
		t.Fatalf("ParseFeeds error: %v", err)
	}
	return feeds
}

const twoFeeds = `
feeds:
  - name: fast
    schedule: "* * * * * *"
    url: http://feeds.local/fast.json
  - name: off
    enabled: false
    url: http://feeds.local/off.json
`

func TestService_SetFeeds(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.SetFeeds(testFeeds(t, twoFeeds))

	jobs := s.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].ID != "fast" || !jobs[0].Enabled {
		t.Errorf("jobs[0] = %+v", jobs[0])
	}
	if jobs[1].ID != "off" || jobs[1].Enabled {
		t.Errorf("jobs[1] = %+v", jobs[1])
	}
	if jobs[1].Schedule != ingest.DefaultSchedule {
		t.Errorf("schedule = %q, want default", jobs[1].Schedule)
	}
	if !jobs[0].LastRun().IsZero() {
		t.Error("new job should have no last run")
	}
}

func TestService_RunNow_RecordsState(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	s := NewService(storePath)
	s.SetFeeds(testFeeds(t, twoFeeds))

	s.OnJob = func(ctx context.Context, f ingest.Feed) (ingest.Result, error) {
		return ingest.Result{Feed: f.Name, Fetched: 4, Posted: 3, Failed: 1}, nil
	}
	res, err := s.RunNow(context.Background(), "off")
	if err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	if res.Posted != 3 {
		t.Errorf("posted = %d, want 3", res.Posted)
	}

	jobs := s.ListJobs()
	st := jobs[1].State
	if st.LastStatus != StatusOK || st.LastPosted != 3 || st.LastFailed != 1 || st.Runs != 1 {
		t.Errorf("state = %+v", st)
	}
	if jobs[1].LastRun().IsZero() {
		t.Error("last run not recorded")
	}

	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var stored []Job
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored) != 2 || stored[1].State.LastPosted != 3 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestService_RunNow_HandlerError(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.SetFeeds(testFeeds(t, twoFeeds))
	s.OnJob = func(ctx context.Context, f ingest.Feed) (ingest.Result, error) {
		return ingest.Result{}, fmt.Errorf("handler error")
	}

	if _, err := s.RunNow(context.Background(), "fast"); err == nil {
		t.Fatal("expected error")
	}
	st := s.ListJobs()[0].State
	if st.LastStatus != StatusError {
		t.Errorf("lastStatus = %q, want error", st.LastStatus)
	}
	if st.LastError != "handler error" {
		t.Errorf("lastError = %q, want 'handler error'", st.LastError)
	}
}

func TestService_RunNow_Unknown(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	if _, err := s.RunNow(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestService_RunNow_NoHandler(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.SetFeeds(testFeeds(t, twoFeeds))

	if _, err := s.RunNow(context.Background(), "fast"); err == nil {
		t.Error("expected error without handler")
	}
}

func TestService_Persistence(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")

	s1 := NewService(storePath)
	s1.SetFeeds(testFeeds(t, twoFeeds))
	s1.OnJob = func(ctx context.Context, f ingest.Feed) (ingest.Result, error) {
		return ingest.Result{Posted: 7}, nil
	}
	if _, err := s1.RunNow(context.Background(), "fast"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}

	s2 := NewService(storePath)
	s2.SetFeeds(testFeeds(t, twoFeeds))
	if got := s2.ListJobs()[0].State.LastPosted; got != 7 {
		t.Errorf("persisted lastPosted = %d, want 7", got)
	}

	jobs, err := LoadJobs(storePath)
	if err != nil {
		t.Fatalf("LoadJobs error: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("LoadJobs = %d jobs, want 2", len(jobs))
	}
}

func TestLoadJobs_Missing(t *testing.T) {
	jobs, err := LoadJobs(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadJobs error: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs = %v", jobs)
	}
}

func TestService_EnableJob(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.SetFeeds(testFeeds(t, twoFeeds))

	updated, err := s.EnableJob("fast", false)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if updated.Enabled {
		t.Error("job should be disabled")
	}

	updated, err = s.EnableJob("fast", true)
	if err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !updated.Enabled {
		t.Error("job should be enabled")
	}

	if _, err := s.EnableJob("nonexistent", true); err == nil {
		t.Error("expected error for nonexistent job")
	}
}

func TestService_ScheduledRun(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.SetFeeds(testFeeds(t, twoFeeds))

	var fast, off atomic.Int32
	s.OnJob = func(ctx context.Context, f ingest.Feed) (ingest.Result, error) {
		if f.Name == "fast" {
			fast.Add(1)
		} else {
			off.Add(1)
		}
		return ingest.Result{Feed: f.Name}, nil
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if _, ok := s.NextRun("fast"); !ok {
		t.Error("fast should be scheduled")
	}
	if _, ok := s.NextRun("off"); ok {
		t.Error("disabled job should not be scheduled")
	}

	deadline := time.Now().Add(3 * time.Second)
	for fast.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	if fast.Load() == 0 {
		t.Fatal("expected the every-second job to run")
	}
	if off.Load() != 0 {
		t.Error("disabled job ran")
	}

	countAfterStop := fast.Load()
	time.Sleep(1300 * time.Millisecond)
	if fast.Load() != countAfterStop {
		t.Fatalf("job ran after Stop; count changed from %d to %d", countAfterStop, fast.Load())
	}
}

func TestService_Start_ParentCancelInvokesStop(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil && s.stopCh == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	s.Stop()
	t.Fatal("expected parent context cancellation to trigger Stop")
}

func TestService_InvalidSchedule(t *testing.T) {
	s := NewService(filepath.Join(t.TempDir(), "jobs.json"))
	s.SetFeeds(testFeeds(t, `
feeds:
  - name: broken
    schedule: "invalid"
    url: http://feeds.local/x.json
`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Errorf("Start should not error on invalid schedule: %v", err)
	}
	if _, ok := s.NextRun("broken"); ok {
		t.Error("invalid schedule should not be registered")
	}
	s.Stop()
}
