// Package batch implements the batch job store: in-memory and
// on-disk job records, lifecycle transitions, and a bounded-parallelism
// scheduler that drives each item through admission and capture.
package batch

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ItemStatus is one batch item's lifecycle state.
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemRunning ItemStatus = "running"
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
)

// JobStatus is the aggregate lifecycle state, a function of item
// statuses.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobPartial    JobStatus = "partial"
)

// Item is one URL within a batch job.
type Item struct {
	ID       string     `json:"id"`
	URL      string     `json:"url"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Format   string     `json:"format"`
	Status   ItemStatus `json:"status"`
	Result   string     `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Config is a batch job's per-job settings.
type Config struct {
	Parallel       int    `json:"parallel"`
	TimeoutSeconds int    `json:"timeout"`
	Webhook        string `json:"webhook,omitempty"`
	WebhookAuth    string `json:"webhook_auth,omitempty"`
	FailFast       bool   `json:"fail_fast"`
	UseResultCache bool   `json:"cache"`
}

// Job is one batch screenshot job.
type Job struct {
	ID          string    `json:"job_id"`
	ItemOrder   []string  `json:"item_order"`
	Items       map[string]*Item `json:"items"`
	Config      Config    `json:"config"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`

	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ItemProcessor drives one item through admission and capture; the
// concrete implementation is wired at program start, composing
// admission.Controller, capture.Pipeline, and optionally resultcache.
type ItemProcessor interface {
	Process(ctx context.Context, url string, width, height int, format string, useCache bool) (artifact string, err error)
}

// WebhookDelivery sends a job's terminal summary to its configured
// webhook URL; the concrete implementation is an HTTP POST with
// exponential retry.
type WebhookDelivery interface {
	Deliver(ctx context.Context, url, auth string, job *Job) error
}

// persister is the on-disk half of the store, kept as a narrow
// interface so Store's lifecycle/aggregation logic doesn't care whether
// a job is backed by one JSON file or a row in a database.
type persister interface {
	save(job *Job) error
	load(jobID string) (*Job, error)
	loadAll() ([]*Job, error)
	delete(jobID string) error
}

// Store is the batch job store.
type Store struct {
	store     persister
	logger    *zap.Logger
	processor ItemProcessor
	webhook   WebhookDelivery

	mu   sync.RWMutex
	jobs map[string]*Job
}

// New constructs a file-backed Store rooted at dir, creating it if
// necessary. This is the "jsonfile" batch_store_driver.
func New(dir string, processor ItemProcessor, webhook WebhookDelivery, logger *zap.Logger) (*Store, error) {
	fs, err := newFileStore(dir, logger)
	if err != nil {
		return nil, err
	}
	return &Store{store: fs, processor: processor, webhook: webhook, logger: logger, jobs: make(map[string]*Job)}, nil
}

// NewSQLite constructs a SQLite-backed Store at dbPath. This is the
// "sqlite" batch_store_driver, for deployments that outgrow one JSON
// file per job.
func NewSQLite(dbPath string, processor ItemProcessor, webhook WebhookDelivery, logger *zap.Logger) (*Store, error) {
	ss, err := newSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{store: ss, processor: processor, webhook: webhook, logger: logger, jobs: make(map[string]*Job)}, nil
}

// NewMemory constructs a Store backed by nothing but its in-memory
// index, for deployments that disable batch job persistence. Jobs do
// not survive a restart.
func NewMemory(processor ItemProcessor, webhook WebhookDelivery, logger *zap.Logger) *Store {
	return &Store{store: newMemStore(), processor: processor, webhook: webhook, logger: logger, jobs: make(map[string]*Job)}
}

func newJobID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create assigns a job id, persists the job immediately, and returns
// its initial queued status.
func (s *Store) Create(items []Item, cfg Config) (*Job, error) {
	id, err := newJobID()
	if err != nil {
		return nil, fmt.Errorf("batch: generate job id: %w", err)
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.Parallel > 10 {
		cfg.Parallel = 10
	}

	now := time.Now()
	job := &Job{
		ID:        id,
		ItemOrder: make([]string, 0, len(items)),
		Items:     make(map[string]*Item, len(items)),
		Config:    cfg,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Total:     len(items),
	}
	for i := range items {
		it := items[i]
		it.Status = ItemPending
		job.ItemOrder = append(job.ItemOrder, it.ID)
		job.Items[it.ID] = &it
	}

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	if err := s.store.save(job); err != nil {
		return nil, err
	}
	return cloneJob(job), nil
}

// Get returns a job, checking memory first and falling back to the
// backing store.
func (s *Store) Get(jobID string) (*Job, bool) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if ok {
		return cloneJob(job), true
	}

	loaded, err := s.store.load(jobID)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	s.jobs[jobID] = loaded
	s.mu.Unlock()
	return cloneJob(loaded), true
}

// UpdateItem transitions item itemID within job jobID and recomputes
// the aggregate status, persisting the result.
func (s *Store) UpdateItem(jobID, itemID string, status ItemStatus, result, errMsg string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("batch: job %s not loaded", jobID)
	}
	item, ok := job.Items[itemID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("batch: item %s not found in job %s", itemID, jobID)
	}

	item.Status = status
	item.Result = result
	item.Error = errMsg
	job.UpdatedAt = time.Now()
	recomputeAggregate(job)
	snapshot := cloneJob(job)
	s.mu.Unlock()

	return s.store.save(snapshot)
}

// recomputeAggregate derives the aggregate status from item statuses,
// per the job-status transition table. Caller must hold the store lock.
func recomputeAggregate(job *Job) {
	succeeded, failed, pending := 0, 0, 0
	for _, id := range job.ItemOrder {
		switch job.Items[id].Status {
		case ItemSuccess:
			succeeded++
		case ItemFailed:
			failed++
		default:
			pending++
		}
	}
	job.Succeeded = succeeded
	job.Failed = failed

	if job.Status == JobQueued && (succeeded+failed) > 0 {
		job.Status = JobProcessing
	}

	if pending > 0 {
		if job.Config.FailFast && failed > 0 {
			job.Status = JobFailed
			job.Reason = "fail_fast"
			job.CompletedAt = time.Now()
		}
		return
	}

	if job.Status == JobFailed && job.Reason == "fail_fast" {
		return
	}

	job.CompletedAt = time.Now()
	switch {
	case failed == 0:
		job.Status = JobCompleted
	case succeeded == 0:
		job.Status = JobFailed
	default:
		job.Status = JobPartial
	}
}

// ListPending returns jobs still queued or processing. The scheduler
// does not call it; it runs only the job IDs passed to Run.
func (s *Store) ListPending() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.Status == JobQueued || job.Status == JobProcessing {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PurgeExpired removes jobs whose CompletedAt is older than ttl,
// deleting both the in-memory record and its persisted record.
func (s *Store) PurgeExpired(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.CompletedAt.IsZero() || time.Since(job.CompletedAt) < ttl {
			continue
		}
		delete(s.jobs, id)
		if err := s.store.delete(id); err != nil {
			s.logger.Warn("batch: failed to delete expired job", zap.String("job_id", id), zap.Error(err))
		}
		removed++
	}
	return removed
}

// LoadAll scans the backing store at startup. Per the resolved restart
// policy, any job found in processing without live scheduling is
// terminated with reason restart_interrupted rather than resumed.
func (s *Store) LoadAll() error {
	jobs, err := s.store.loadAll()
	if err != nil {
		return fmt.Errorf("batch: load jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		if job.Status == JobProcessing {
			job.Status = JobFailed
			job.Reason = "restart_interrupted"
			job.CompletedAt = time.Now()
			if err := s.store.save(job); err != nil {
				s.logger.Warn("batch: failed to persist restart-interrupted job", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		s.jobs[job.ID] = job
	}
	return nil
}

func cloneJob(job *Job) *Job {
	cp := *job
	cp.ItemOrder = append([]string(nil), job.ItemOrder...)
	cp.Items = make(map[string]*Item, len(job.Items))
	for id, item := range job.Items {
		itCopy := *item
		cp.Items[id] = &itCopy
	}
	return &cp
}
