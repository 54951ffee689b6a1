package training

import (
	"sort"
	"sync"
	"time"

	"github.com/loracloud/lorad/internal/models"
)

// Update is one partial mutation of a job record. Nil fields are left
// untouched.
type Update struct {
	Status      *string `json:"status,omitempty"`
	CurrentStep *int    `json:"current_step,omitempty"`
	Error       *string `json:"error,omitempty"`
	OutputPath  *string `json:"output_path,omitempty"`
}

// Registry is the in-process job table, read by API handlers while each
// job's background driver writes to it. Every access goes through the one
// lock here, and callers only ever receive copies, so no job record is ever
// shared mutable state. Records are volatile: nothing survives a restart.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*models.TrainingJob
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*models.TrainingJob)}
}

// Insert registers a new job record.
func (r *Registry) Insert(job models.TrainingJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := job
	r.jobs[job.ID] = &stored
}

// Get returns a copy of one job.
func (r *Registry) Get(id string) (models.TrainingJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return models.TrainingJob{}, false
	}
	return *job, true
}

// List returns copies of every job, oldest first.
func (r *Registry) List() []models.TrainingJob {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]models.TrainingJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Delete removes a job record. Deleting a running job leaves its driver
// writing into the void; the record is simply gone.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}

// Patch applies an update and returns the resulting copy. Entering running
// stamps StartedAt once; entering a terminal status stamps CompletedAt, so a
// failed job is distinguishable from a still-running one by status alone.
func (r *Registry) Patch(id string, update Update) (models.TrainingJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.TrainingJob{}, false
	}

	if update.Status != nil {
		job.Status = *update.Status
		now := time.Now().UTC()
		switch *update.Status {
		case models.JobStatusRunning:
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
		case models.JobStatusCompleted, models.JobStatusFailed:
			job.CompletedAt = &now
		}
	}
	if update.CurrentStep != nil {
		job.CurrentStep = *update.CurrentStep
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.OutputPath != nil {
		job.OutputPath = *update.OutputPath
	}

	return *job, true
}

// Reset rewinds a job to its initial pending state for a restart. The
// prior attempt's progress, error, and timestamps are discarded.
func (r *Registry) Reset(id string) (models.TrainingJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return models.TrainingJob{}, false
	}

	job.Status = models.JobStatusPending
	job.CurrentStep = 0
	job.Error = ""
	job.OutputPath = ""
	job.StartedAt = nil
	job.CompletedAt = nil

	return *job, true
}
