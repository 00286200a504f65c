package batch

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// jobRow is the gorm model backing the "sqlite" batch_store_driver. The
// job itself is kept as a JSON blob rather than normalized into columns
// per item: jobs are read and written whole, never queried by item
// field, so a relational item table would add joins with no benefit.
type jobRow struct {
	ID        string `gorm:"primaryKey"`
	Status    string `gorm:"index"`
	Payload   []byte
	UpdatedAt int64
}

func (jobRow) TableName() string { return "batch_jobs" }

// sqliteStore is the gorm-backed persister.
type sqliteStore struct {
	db *gorm.DB
}

func newSQLiteStore(dbPath string) (*sqliteStore, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("batch: open sqlite db: %w", err)
	}
	if err := db.AutoMigrate(&jobRow{}); err != nil {
		return nil, fmt.Errorf("batch: migrate sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) save(job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("batch: marshal job: %w", err)
	}
	row := jobRow{ID: job.ID, Status: string(job.Status), Payload: payload, UpdatedAt: job.UpdatedAt.UnixNano()}
	return s.db.Save(&row).Error
}

func (s *sqliteStore) load(jobID string) (*Job, error) {
	var row jobRow
	if err := s.db.First(&row, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("batch: job %s not found", jobID)
		}
		return nil, err
	}
	return decodeJobRow(row)
}

func (s *sqliteStore) loadAll() ([]*Job, error) {
	var rows []jobRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		job, err := decodeJobRow(row)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *sqliteStore) delete(jobID string) error {
	return s.db.Delete(&jobRow{}, "id = ?", jobID).Error
}

func decodeJobRow(row jobRow) (*Job, error) {
	var job Job
	if err := json.Unmarshal(row.Payload, &job); err != nil {
		return nil, fmt.Errorf("batch: unmarshal job %s: %w", row.ID, err)
	}
	return &job, nil
}
