package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/ingest"
	"github.com/stellarlinkco/citypulse/internal/logging"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// JobState is the outcome of a job's most recent run.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	LastFetched int    `json:"lastFetched"`
	LastPosted  int    `json:"lastPosted"`
	LastFailed  int    `json:"lastFailed"`
	Runs        int    `json:"runs"`
}

// Job schedules one ingest feed. ID is the feed name.
type Job struct {
	ID       string   `json:"id"`
	Schedule string   `json:"schedule"`
	Enabled  bool     `json:"enabled"`
	State    JobState `json:"state"`
}

func (j Job) LastRun() time.Time {
	if j.State.LastRunAtMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.State.LastRunAtMs)
}

// Service runs ingest feeds on their cron schedules and persists per-job
// state to storePath.
type Service struct {
	storePath string
	mu        sync.Mutex
	jobs      []Job
	feeds     map[string]ingest.Feed
	OnJob     func(ctx context.Context, f ingest.Feed) (ingest.Result, error)
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	runCtx    context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	log       *logrus.Entry
}

func NewService(storePath string) *Service {
	return &Service{
		storePath: storePath,
		feeds:     make(map[string]ingest.Feed),
		entryMap:  make(map[string]rcron.EntryID),
		log:       logging.For("cron"),
	}
}

// SetFeeds replaces the job list with one job per feed, keeping the stored
// state of feeds that were already known.
func (s *Service) SetFeeds(feeds []ingest.Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		if err := s.load(); err != nil {
			s.log.WithError(err).Warn("failed to load job state")
		}
	}
	prev := make(map[string]JobState, len(s.jobs))
	for _, j := range s.jobs {
		prev[j.ID] = j.State
	}

	s.feeds = make(map[string]ingest.Feed, len(feeds))
	s.jobs = s.jobs[:0]
	for _, f := range feeds {
		s.feeds[f.Name] = f
		s.jobs = append(s.jobs, Job{
			ID:       f.Name,
			Schedule: f.Schedule,
			Enabled:  f.IsEnabled(),
			State:    prev[f.Name],
		})
	}
	if s.cron != nil {
		s.resetEntries()
	}
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.stopCh = stopCh
	if len(s.jobs) == 0 {
		if err := s.load(); err != nil {
			s.log.WithError(err).Warn("failed to load job state")
		}
	}
	s.cron = rcron.New(
		rcron.WithSeconds(),
		rcron.WithChain(rcron.SkipIfStillRunning(rcron.PrintfLogger(s.log))),
	)
	s.resetEntries()
	registered := len(s.entryMap)
	s.mu.Unlock()

	s.cron.Start()
	s.log.WithField("jobs", registered).Info("scheduler started")

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
			return
		}
	}()

	return nil
}

// resetEntries re-registers every enabled job. Callers hold s.mu.
func (s *Service) resetEntries() {
	for id, entryID := range s.entryMap {
		s.cron.Remove(entryID)
		delete(s.entryMap, id)
	}
	for i := range s.jobs {
		if s.jobs[i].Enabled {
			s.registerJob(&s.jobs[i])
		}
	}
}

func (s *Service) registerJob(job *Job) {
	if _, ok := s.feeds[job.ID]; !ok {
		return
	}
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		_, _ = s.execute(ctx, id)
	})
	if err != nil {
		s.log.WithError(err).WithFields(logging.Fields{"job": job.ID, "schedule": job.Schedule}).Error("failed to register job")
		return
	}
	s.entryMap[job.ID] = entryID
}

// RunNow executes a job immediately, regardless of its schedule or
// enabled flag.
func (s *Service) RunNow(ctx context.Context, id string) (ingest.Result, error) {
	s.mu.Lock()
	_, ok := s.feeds[id]
	s.mu.Unlock()
	if !ok {
		return ingest.Result{}, fmt.Errorf("job %s not found", id)
	}
	return s.execute(ctx, id)
}

func (s *Service) execute(ctx context.Context, id string) (ingest.Result, error) {
	s.mu.Lock()
	f := s.feeds[id]
	handler := s.OnJob
	s.mu.Unlock()

	if handler == nil {
		s.log.WithField("job", id).Warn("no OnJob handler set")
		return ingest.Result{}, fmt.Errorf("no job handler")
	}

	s.log.WithField("job", id).Debug("executing job")
	res, err := handler(ctx, f)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		st := &s.jobs[i].State
		st.LastRunAtMs = time.Now().UnixMilli()
		st.LastFetched = res.Fetched
		st.LastPosted = res.Posted
		st.LastFailed = res.Failed
		st.Runs++
		if err != nil {
			st.LastStatus = StatusError
			st.LastError = err.Error()
			s.log.WithError(err).WithField("job", id).Warn("job failed")
		} else {
			st.LastStatus = StatusOK
			st.LastError = ""
		}
		break
	}
	if err := s.save(); err != nil {
		s.log.WithError(err).Warn("failed to save job state")
	}
	return res, err
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	s.cancel = nil
	s.stopCh = nil
	s.runCtx = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.log.Warn("stop timeout waiting for running jobs")
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Job, len(s.jobs))
	copy(result, s.jobs)
	return result
}

// NextRun reports when a scheduled job fires next.
func (s *Service) NextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryMap[id]
	if !ok || s.cron == nil {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}

func (s *Service) EnableJob(id string, enabled bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			if s.cron != nil {
				if enabled {
					if _, ok := s.entryMap[id]; !ok {
						s.registerJob(&s.jobs[i])
					}
				} else if entryID, ok := s.entryMap[id]; ok {
					s.cron.Remove(entryID)
					delete(s.entryMap, id)
				}
			}
			_ = s.save()
			job := s.jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// LoadJobs reads persisted job state without starting a scheduler.
func LoadJobs(storePath string) ([]Job, error) {
	s := NewService(storePath)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s.jobs, nil
}

func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &s.jobs)
}

func (s *Service) save() error {
	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}
