// Package training orchestrates LoRA fine-tuning jobs on rented GPU
// instances: it tracks job records, drives each job through its remote
// pipeline over SSH, and lands the finished artifact in object storage.
package training

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/instances"
	"github.com/loracloud/lorad/internal/logging"
	"github.com/loracloud/lorad/internal/metrics"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/internal/remote"
	"github.com/loracloud/lorad/internal/storage"
)

// DefaultBaseModel is the checkpoint jobs fine-tune against unless the
// request names another.
const DefaultBaseModel = "black-forest-labs/FLUX.1-dev"

// ErrJobNotFound is returned by lookups of unknown job ids.
var ErrJobNotFound = errors.New("training job not found")

// ErrJobNotTerminal rejects restarting a job that is still in flight.
var ErrJobNotTerminal = errors.New("job is not in a terminal state")

// Dataset and lora names end up in bucket paths and remote shell commands,
// so the accepted charset is closed.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Params is a job creation request. Zero-valued tuning fields fall back to
// the standard recipe defaults.
type Params struct {
	InstanceID   int64   `json:"instance_id"`
	DatasetName  string  `json:"dataset_name"`
	LoraName     string  `json:"lora_name"`
	BaseModel    string  `json:"base_model"`
	LoraType     string  `json:"lora_type"`
	Steps        int     `json:"steps"`
	LearningRate float64 `json:"learning_rate"`
	BatchSize    int     `json:"batch_size"`
	Resolution   int     `json:"resolution"`
	NetworkDim   int     `json:"network_dim"`
	NetworkAlpha int     `json:"network_alpha"`
}

func (p *Params) validate() error {
	if p.InstanceID == 0 {
		return fmt.Errorf("instance_id is required")
	}
	if !namePattern.MatchString(p.DatasetName) {
		return fmt.Errorf("invalid dataset_name %q", p.DatasetName)
	}
	if !namePattern.MatchString(p.LoraName) {
		return fmt.Errorf("invalid lora_name %q", p.LoraName)
	}
	return nil
}

func (p *Params) applyDefaults() {
	if p.BaseModel == "" {
		p.BaseModel = DefaultBaseModel
	}
	if p.LoraType == "" {
		p.LoraType = "character"
	}
	if p.Steps <= 0 {
		p.Steps = 1000
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 1e-4
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	if p.Resolution <= 0 {
		p.Resolution = 512
	}
	if p.NetworkDim <= 0 {
		p.NetworkDim = 32
	}
	if p.NetworkAlpha <= 0 {
		p.NetworkAlpha = 16
	}
}

// Publisher receives job lifecycle events for fan-out to live subscribers.
type Publisher interface {
	Publish(event models.JobEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(models.JobEvent) {}

// Service owns the job registry and starts one background driver per job.
type Service struct {
	registry       *Registry
	instances      *instances.Service
	runner         *remote.Runner
	store          storage.Store
	publisher      Publisher
	workspace      string
	commandTimeout time.Duration
}

// NewService wires the orchestrator. A nil publisher disables event fan-out.
func NewService(registry *Registry, inst *instances.Service, runner *remote.Runner, store storage.Store, trainCfg *config.TrainingConfig, sshCfg *config.SSHConfig, publisher Publisher) *Service {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Service{
		registry:       registry,
		instances:      inst,
		runner:         runner,
		store:          store,
		publisher:      publisher,
		workspace:      trainCfg.Workspace,
		commandTimeout: sshCfg.CommandTimeout,
	}
}

// Create registers a job and starts driving it in the background. The job is
// returned in pending state immediately; progress arrives via Get and the
// event feed.
func (s *Service) Create(params Params) (models.TrainingJob, error) {
	if err := params.validate(); err != nil {
		return models.TrainingJob{}, err
	}
	params.applyDefaults()

	job := models.TrainingJob{
		ID:           uuid.NewString()[:8],
		InstanceID:   params.InstanceID,
		DatasetName:  params.DatasetName,
		LoraName:     params.LoraName,
		BaseModel:    params.BaseModel,
		LoraType:     params.LoraType,
		Steps:        params.Steps,
		LearningRate: params.LearningRate,
		BatchSize:    params.BatchSize,
		Resolution:   params.Resolution,
		NetworkDim:   params.NetworkDim,
		NetworkAlpha: params.NetworkAlpha,
		Status:       models.JobStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	s.registry.Insert(job)
	metrics.GetMetrics().RecordJobCreated()
	logging.Info("training job created", map[string]interface{}{
		"job_id":      job.ID,
		"instance_id": job.InstanceID,
		"dataset":     job.DatasetName,
		"lora_name":   job.LoraName,
		"steps":       job.Steps,
	})

	go s.drive(job.ID)
	return job, nil
}

// Get returns one job.
func (s *Service) Get(id string) (models.TrainingJob, error) {
	job, ok := s.registry.Get(id)
	if !ok {
		return models.TrainingJob{}, ErrJobNotFound
	}
	return job, nil
}

// List returns all jobs, oldest first.
func (s *Service) List() []models.TrainingJob {
	return s.registry.List()
}

// Patch applies an external update to a job record. The remote trainer uses
// this to report progress when it talks to the API directly instead of
// through the log stream.
func (s *Service) Patch(id string, update Update) (models.TrainingJob, error) {
	job, ok := s.registry.Patch(id, update)
	if !ok {
		return models.TrainingJob{}, ErrJobNotFound
	}
	s.publish(job)
	return job, nil
}

// Delete removes a job record. The instance and any stored artifact are left
// alone.
func (s *Service) Delete(id string) error {
	if !s.registry.Delete(id) {
		return ErrJobNotFound
	}
	return nil
}

// Restart rewinds a terminal job to pending and drives it again from
// scratch. The new attempt ignores the prior attempt's history entirely.
func (s *Service) Restart(id string) (models.TrainingJob, error) {
	job, ok := s.registry.Get(id)
	if !ok {
		return models.TrainingJob{}, ErrJobNotFound
	}
	if !job.Terminal() {
		return models.TrainingJob{}, fmt.Errorf("%w: job %s is %s", ErrJobNotTerminal, id, job.Status)
	}

	reset, ok := s.registry.Reset(id)
	if !ok {
		return models.TrainingJob{}, ErrJobNotFound
	}
	metrics.GetMetrics().RecordJobCreated()
	logging.Info("training job restarted", map[string]interface{}{
		"job_id":      reset.ID,
		"instance_id": reset.InstanceID,
	})

	go s.drive(reset.ID)
	return reset, nil
}

func (s *Service) publish(job models.TrainingJob) {
	s.publisher.Publish(models.JobEvent{
		JobID:       job.ID,
		Status:      job.Status,
		CurrentStep: job.CurrentStep,
		TotalSteps:  job.Steps,
		Error:       job.Error,
		Timestamp:   time.Now().UTC(),
	})
}
