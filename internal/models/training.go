package models

import "time"

// TrainingJob is a LoRA fine-tuning run on a rented instance.
type TrainingJob struct {
	ID           string     `json:"id"`
	InstanceID   int64      `json:"instance_id"`
	DatasetName  string     `json:"dataset_name"`
	LoraName     string     `json:"lora_name"`
	BaseModel    string     `json:"base_model"`
	LoraType     string     `json:"lora_type"`
	Steps        int        `json:"steps"`
	LearningRate float64    `json:"learning_rate"`
	BatchSize    int        `json:"batch_size"`
	Resolution   int        `json:"resolution"`
	NetworkDim   int        `json:"network_dim"`
	NetworkAlpha int        `json:"network_alpha"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	Error        string     `json:"error,omitempty"`
	OutputPath   string     `json:"output_path,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has stopped making progress.
func (j *TrainingJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Training job statuses
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusUploading = "uploading"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobEvent is a progress notification pushed to event subscribers.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// DatasetInfo summarizes one stored dataset prefix.
type DatasetInfo struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// DatasetFile is one object inside a dataset prefix.
type DatasetFile struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LoraArtifact is one trained LoRA file in artifact storage.
type LoraArtifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}
