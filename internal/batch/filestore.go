package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// fileStore is the default persister: one JSON file per job, written
// atomically via temp-file-then-rename plus fsync, per the persisted
// state guarantee.
type fileStore struct {
	dir    string
	logger *zap.Logger
}

func newFileStore(dir string, logger *zap.Logger) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("batch: create job dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &fileStore{dir: dir, logger: logger}, nil
}

func (f *fileStore) jobPath(jobID string) string {
	return filepath.Join(f.dir, jobID+".json")
}

func (f *fileStore) save(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("batch: marshal job: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, job.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("batch: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("batch: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("batch: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("batch: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.jobPath(job.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("batch: rename temp file: %w", err)
	}
	return nil
}

func (f *fileStore) load(jobID string) (*Job, error) {
	data, err := os.ReadFile(f.jobPath(jobID))
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("batch: unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (f *fileStore) loadAll() ([]*Job, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("batch: read job dir: %w", err)
	}

	var jobs []*Job
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		jobID := entry.Name()[:len(entry.Name())-len(".json")]
		job, err := f.load(jobID)
		if err != nil {
			f.logger.Warn("batch: failed to load job on startup", zap.String("job_id", jobID), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (f *fileStore) delete(jobID string) error {
	return os.Remove(f.jobPath(jobID))
}
