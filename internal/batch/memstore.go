package batch

import "fmt"

// memStore is a persister that keeps nothing beyond process lifetime,
// used when disk/database persistence is turned off: jobs still flow
// through the normal Store lifecycle and in-memory index, but a
// restart loses them exactly like an unpersisted queue.
type memStore struct {
	jobs map[string]*Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (m *memStore) save(job *Job) error {
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memStore) load(jobID string) (*Job, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("batch: job %s not found", jobID)
	}
	return cloneJob(job), nil
}

func (m *memStore) loadAll() ([]*Job, error) {
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	return jobs, nil
}

func (m *memStore) delete(jobID string) error {
	delete(m.jobs, jobID)
	return nil
}
