// Package loracloud is a typed Go client for the lorad HTTP API.
package loracloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
	SDKVersion     = "0.3.0"
	UserAgent      = "loracloud-go-sdk/" + SDKVersion
)

// Client is the lorad API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Services
	Instances *InstancesService
	Training  *TrainingService
	Storage   *StorageService
}

// Config holds client configuration
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// NewClient creates a new lorad API client.
func NewClient(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	client := &Client{
		BaseURL:    baseURL,
		HTTPClient: httpClient,
	}

	client.Instances = &InstancesService{client: client}
	client.Training = &TrainingService{client: client}
	client.Storage = &StorageService{client: client}

	return client
}

// APIError represents an error response from the API
type APIError struct {
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("loracloud: %s (status: %d)", e.Message, e.StatusCode)
}

// Request makes an HTTP request to the API
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

// RequestWithQuery makes an HTTP request with query parameters
func (c *Client) RequestWithQuery(ctx context.Context, method, path string, query url.Values, result interface{}) error {
	if len(query) > 0 {
		path = path + "?" + query.Encode()
	}
	return c.Request(ctx, method, path, nil, result)
}

// InstancesService handles marketplace and instance operations
type InstancesService struct {
	client *Client
}

// Offer is a rentable GPU listing.
type Offer struct {
	ID           int64   `json:"id"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	GPUMemoryMB  int     `json:"gpu_ram"`
	PricePerHour float64 `json:"dph_total"`
	Rentable     bool    `json:"rentable"`
	Verified     bool    `json:"verified"`
	Geolocation  string  `json:"geolocation"`
	Reliability  float64 `json:"reliability2"`
}

// Instance is a rented GPU machine.
type Instance struct {
	ID           int64   `json:"id"`
	ActualStatus string  `json:"actual_status"`
	GPUName      string  `json:"gpu_name"`
	NumGPUs      int     `json:"num_gpus"`
	GPUMemoryMB  int     `json:"gpu_ram"`
	SSHHost      string  `json:"ssh_host"`
	SSHPort      int     `json:"ssh_port"`
	PricePerHour float64 `json:"dph_total"`
	Label        string  `json:"label"`
}

// OfferQuery narrows an offer search. Zero values are omitted.
type OfferQuery struct {
	GPUName     string
	MinGPUMemMB int
	MaxPrice    float64
}

type searchOffersResponse struct {
	Offers []Offer `json:"offers"`
	Count  int     `json:"count"`
}

func (s *InstancesService) SearchOffers(ctx context.Context, query *OfferQuery) ([]Offer, error) {
	q := url.Values{}
	if query != nil {
		if query.GPUName != "" {
			q.Set("gpu_name", query.GPUName)
		}
		if query.MinGPUMemMB > 0 {
			q.Set("min_gpu_ram", fmt.Sprintf("%d", query.MinGPUMemMB))
		}
		if query.MaxPrice > 0 {
			q.Set("max_price", fmt.Sprintf("%g", query.MaxPrice))
		}
	}

	var resp searchOffersResponse
	err := s.client.RequestWithQuery(ctx, "GET", "/api/v1/offers", q, &resp)
	return resp.Offers, err
}

type listInstancesResponse struct {
	Instances []Instance `json:"instances"`
	Count     int        `json:"count"`
}

func (s *InstancesService) List(ctx context.Context) ([]Instance, error) {
	var resp listInstancesResponse
	err := s.client.Request(ctx, "GET", "/api/v1/instances", nil, &resp)
	return resp.Instances, err
}

func (s *InstancesService) Get(ctx context.Context, instanceID int64) (*Instance, error) {
	var inst Instance
	path := fmt.Sprintf("/api/v1/instances/%d", instanceID)
	err := s.client.Request(ctx, "GET", path, nil, &inst)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// LaunchRequest filters the offers considered for a launch. Zero values fall
// back to the daemon's configured defaults.
type LaunchRequest struct {
	GPUName     string  `json:"gpu_name,omitempty"`
	MinGPUMemMB int     `json:"min_gpu_ram,omitempty"`
	MaxPrice    float64 `json:"max_price,omitempty"`
}

type launchResponse struct {
	InstanceID int64 `json:"instance_id"`
}

// Launch rents the cheapest offer matching the request and returns the new
// instance id.
func (s *InstancesService) Launch(ctx context.Context, req *LaunchRequest) (int64, error) {
	if req == nil {
		req = &LaunchRequest{}
	}
	var resp launchResponse
	err := s.client.Request(ctx, "POST", "/api/v1/instances/launch", req, &resp)
	return resp.InstanceID, err
}

func (s *InstancesService) Destroy(ctx context.Context, instanceID int64) error {
	path := fmt.Sprintf("/api/v1/instances/%d", instanceID)
	return s.client.Request(ctx, "DELETE", path, nil, nil)
}

// TunnelRequest asks for an SSH forward into an instance.
type TunnelRequest struct {
	RemotePort int    `json:"remote_port,omitempty"`
	LocalPort  int    `json:"local_port,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
}

// Tunnel describes an open SSH forward.
type Tunnel struct {
	InstanceID int64  `json:"instance_id"`
	LocalPort  int    `json:"local_port"`
	RemotePort int    `json:"remote_port"`
	URL        string `json:"url"`
}

func (s *InstancesService) OpenTunnel(ctx context.Context, instanceID int64, req *TunnelRequest) (*Tunnel, error) {
	if req == nil {
		req = &TunnelRequest{}
	}
	var tun Tunnel
	path := fmt.Sprintf("/api/v1/instances/%d/tunnel", instanceID)
	err := s.client.Request(ctx, "POST", path, req, &tun)
	if err != nil {
		return nil, err
	}
	return &tun, nil
}

func (s *InstancesService) CloseTunnel(ctx context.Context, instanceID int64) error {
	path := fmt.Sprintf("/api/v1/instances/%d/tunnel", instanceID)
	return s.client.Request(ctx, "DELETE", path, nil, nil)
}

// TrainingService handles training job operations
type TrainingService struct {
	client *Client
}

// TrainingParams starts a LoRA fine-tune. InstanceID, DatasetName, and
// LoraName are required; the rest default server-side.
type TrainingParams struct {
	InstanceID   int64   `json:"instance_id"`
	DatasetName  string  `json:"dataset_name"`
	LoraName     string  `json:"lora_name"`
	BaseModel    string  `json:"base_model,omitempty"`
	LoraType     string  `json:"lora_type,omitempty"`
	Steps        int     `json:"steps,omitempty"`
	LearningRate float64 `json:"learning_rate,omitempty"`
	BatchSize    int     `json:"batch_size,omitempty"`
	Resolution   int     `json:"resolution,omitempty"`
	NetworkDim   int     `json:"network_dim,omitempty"`
	NetworkAlpha int     `json:"network_alpha,omitempty"`
}

// TrainingJob is a LoRA fine-tuning run.
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

// Job statuses
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusUploading = "uploading"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Terminal reports whether the job has stopped making progress.
func (j *TrainingJob) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

func (s *TrainingService) Create(ctx context.Context, params *TrainingParams) (*TrainingJob, error) {
	var job TrainingJob
	err := s.client.Request(ctx, "POST", "/api/v1/training", params, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

type listJobsResponse struct {
	Jobs  []TrainingJob `json:"jobs"`
	Count int           `json:"count"`
}

func (s *TrainingService) List(ctx context.Context) ([]TrainingJob, error) {
	var resp listJobsResponse
	err := s.client.Request(ctx, "GET", "/api/v1/training", nil, &resp)
	return resp.Jobs, err
}

func (s *TrainingService) Get(ctx context.Context, jobID string) (*TrainingJob, error) {
	var job TrainingJob
	path := fmt.Sprintf("/api/v1/training/%s", jobID)
	err := s.client.Request(ctx, "GET", path, nil, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *TrainingService) Delete(ctx context.Context, jobID string) error {
	path := fmt.Sprintf("/api/v1/training/%s", jobID)
	return s.client.Request(ctx, "DELETE", path, nil, nil)
}

// Restart re-drives a finished job from step zero. The daemon rejects
// restarts of jobs that are still in flight.
func (s *TrainingService) Restart(ctx context.Context, jobID string) (*TrainingJob, error) {
	var job TrainingJob
	path := fmt.Sprintf("/api/v1/training/%s/restart", jobID)
	err := s.client.Request(ctx, "POST", path, nil, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls a job until it reaches a terminal status or ctx is done.
func (s *TrainingService) Wait(ctx context.Context, jobID string, pollInterval time.Duration) (*TrainingJob, error) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StorageService handles dataset and artifact operations
type StorageService struct {
	client *Client
}

// Dataset summarizes one stored dataset.
type Dataset struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	FileCount  int    `json:"file_count"`
	TotalBytes int64  `json:"total_bytes"`
}

// DatasetFile is one object inside a dataset.
type DatasetFile struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lora is one trained LoRA file in artifact storage.
type Lora struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listDatasetsResponse struct {
	Datasets []Dataset `json:"datasets"`
	Count    int       `json:"count"`
}

func (s *StorageService) ListDatasets(ctx context.Context) ([]Dataset, error) {
	var resp listDatasetsResponse
	err := s.client.Request(ctx, "GET", "/api/v1/datasets", nil, &resp)
	return resp.Datasets, err
}

type datasetFilesResponse struct {
	Dataset string        `json:"dataset"`
	Files   []DatasetFile `json:"files"`
	Count   int           `json:"count"`
}

func (s *StorageService) DatasetFiles(ctx context.Context, name string) ([]DatasetFile, error) {
	var resp datasetFilesResponse
	path := fmt.Sprintf("/api/v1/datasets/%s/files", url.PathEscape(name))
	err := s.client.Request(ctx, "GET", path, nil, &resp)
	return resp.Files, err
}

func (s *StorageService) DeleteDataset(ctx context.Context, name string) error {
	path := fmt.Sprintf("/api/v1/datasets/%s", url.PathEscape(name))
	return s.client.Request(ctx, "DELETE", path, nil, nil)
}

type listLorasResponse struct {
	Loras []Lora `json:"loras"`
	Count int    `json:"count"`
}

func (s *StorageService) ListLoras(ctx context.Context) ([]Lora, error) {
	var resp listLorasResponse
	err := s.client.Request(ctx, "GET", "/api/v1/loras", nil, &resp)
	return resp.Loras, err
}

func (s *StorageService) GetLora(ctx context.Context, name string) (*Lora, error) {
	var lora Lora
	path := fmt.Sprintf("/api/v1/loras/%s", url.PathEscape(name))
	err := s.client.Request(ctx, "GET", path, nil, &lora)
	if err != nil {
		return nil, err
	}
	return &lora, nil
}

type loraURLResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// LoraURL returns a short-lived signed download URL for a trained LoRA.
func (s *StorageService) LoraURL(ctx context.Context, name string) (string, error) {
	var resp loraURLResponse
	path := fmt.Sprintf("/api/v1/loras/%s/url", url.PathEscape(name))
	err := s.client.Request(ctx, "GET", path, nil, &resp)
	return resp.URL, err
}

func (s *StorageService) DeleteLora(ctx context.Context, name string) error {
	path := fmt.Sprintf("/api/v1/loras/%s", url.PathEscape(name))
	return s.client.Request(ctx, "DELETE", path, nil, nil)
}
