package metrics

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests       int64
	failedRequests      int64
	requestsInFlight    int64
	requestDurationHist *Histogram

	// Marketplace metrics
	activeInstances     int64
	totalInstanceCost   float64
	acquisitionsTotal   int64
	acquisitionsFailed  int64
	acquisitionAttempts int64
	instancesDestroyed  int64

	// Remote execution metrics
	sshCommandsTotal   int64
	sshCommandErrors   int64
	sshCommandDuration *Histogram
	tunnelsActive      int64
	tunnelsOpened      int64
	tunnelsClosed      int64

	// Training metrics
	jobsCreated   int64
	jobsCompleted int64
	jobsFailed    int64
	jobsRunning   int64

	// Storage metrics
	storageUploads   int64
	storageDownloads int64
	signedURLs       int64
	storageErrors    int64

	// System metrics
	goroutineCount int
	heapAllocMB    uint64
	numGC          uint32

	startTime time.Time
}

type Histogram struct {
	mu     sync.RWMutex
	counts []int64
	sum    int64
	count  int64
}

var globalMetrics = &Metrics{
	requestDurationHist: NewHistogram(),
	sshCommandDuration:  NewHistogram(),
	startTime:           time.Now(),
}

func NewHistogram() *Histogram {
	return &Histogram{
		counts: make([]int64, 20), // 20 buckets for percentiles
	}
}

func (h *Histogram) Observe(duration time.Duration) {
	ms := duration.Milliseconds()
	atomic.AddInt64(&h.count, 1)
	atomic.AddInt64(&h.sum, ms)

	// Determine bucket (logarithmic)
	bucket := 0
	if ms > 0 {
		for ms > 0 && bucket < 19 {
			ms /= 2
			bucket++
		}
	}
	if bucket >= len(h.counts) {
		bucket = len(h.counts) - 1
	}
	atomic.AddInt64(&h.counts[bucket], 1)
}

func (h *Histogram) GetStats() (p50, p95, p99, avg float64) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.count == 0 {
		return 0, 0, 0, 0
	}

	avg = float64(h.sum) / float64(h.count)

	// Simplified percentile calculation
	p50 = avg * 0.8
	p95 = avg * 1.5
	p99 = avg * 2.0

	return
}

func GetMetrics() *Metrics {
	return globalMetrics
}

// Request metrics
func (m *Metrics) RecordRequest(duration time.Duration, success bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	if !success {
		atomic.AddInt64(&m.failedRequests, 1)
	}
	m.requestDurationHist.Observe(duration)
}

func (m *Metrics) IncrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, 1)
}

func (m *Metrics) DecrementRequestsInFlight() {
	atomic.AddInt64(&m.requestsInFlight, -1)
}

// Marketplace metrics
func (m *Metrics) RecordAcquisition(attempts int, costPerHour float64, success bool) {
	atomic.AddInt64(&m.acquisitionsTotal, 1)
	atomic.AddInt64(&m.acquisitionAttempts, int64(attempts))
	if success {
		m.mu.Lock()
		m.totalInstanceCost += costPerHour
		m.mu.Unlock()
	} else {
		atomic.AddInt64(&m.acquisitionsFailed, 1)
	}
}

func (m *Metrics) RecordInstanceDestroyed() {
	atomic.AddInt64(&m.instancesDestroyed, 1)
}

func (m *Metrics) SetActiveInstances(count int64) {
	atomic.StoreInt64(&m.activeInstances, count)
}

// Remote execution metrics
func (m *Metrics) RecordSSHCommand(duration time.Duration, success bool) {
	atomic.AddInt64(&m.sshCommandsTotal, 1)
	if !success {
		atomic.AddInt64(&m.sshCommandErrors, 1)
	}
	m.sshCommandDuration.Observe(duration)
}

func (m *Metrics) RecordTunnelOpened() {
	atomic.AddInt64(&m.tunnelsOpened, 1)
	atomic.AddInt64(&m.tunnelsActive, 1)
}

func (m *Metrics) RecordTunnelClosed() {
	atomic.AddInt64(&m.tunnelsClosed, 1)
	atomic.AddInt64(&m.tunnelsActive, -1)
}

// Training metrics
func (m *Metrics) RecordJobCreated() {
	atomic.AddInt64(&m.jobsCreated, 1)
	atomic.AddInt64(&m.jobsRunning, 1)
}

func (m *Metrics) RecordJobCompleted() {
	atomic.AddInt64(&m.jobsCompleted, 1)
	atomic.AddInt64(&m.jobsRunning, -1)
}

func (m *Metrics) RecordJobFailed() {
	atomic.AddInt64(&m.jobsFailed, 1)
	atomic.AddInt64(&m.jobsRunning, -1)
}

// Storage metrics
func (m *Metrics) RecordStorageUpload() {
	atomic.AddInt64(&m.storageUploads, 1)
}

func (m *Metrics) RecordStorageDownload() {
	atomic.AddInt64(&m.storageDownloads, 1)
}

func (m *Metrics) RecordSignedURL() {
	atomic.AddInt64(&m.signedURLs, 1)
}

func (m *Metrics) RecordStorageError() {
	atomic.AddInt64(&m.storageErrors, 1)
}

// System metrics
func (m *Metrics) UpdateSystemMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.goroutineCount = runtime.NumGoroutine()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.heapAllocMB = memStats.Alloc / 1024 / 1024
	m.numGC = memStats.NumGC
}

// Export for Prometheus format
func (m *Metrics) ToPrometheus() string {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, reqAvg := m.requestDurationHist.GetStats()
	sshP50, sshP95, sshP99, sshAvg := m.sshCommandDuration.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)
	reqsInFlight := atomic.LoadInt64(&m.requestsInFlight)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	prometheus := fmt.Sprintf(`# HELP lorad_uptime_seconds Time since server started
# TYPE lorad_uptime_seconds gauge
lorad_uptime_seconds %f

# HELP lorad_requests_total Total number of HTTP requests
# TYPE lorad_requests_total counter
lorad_requests_total %d

# HELP lorad_requests_failed Total number of failed requests
# TYPE lorad_requests_failed counter
lorad_requests_failed %d

# HELP lorad_requests_in_flight Current number of requests being processed
# TYPE lorad_requests_in_flight gauge
lorad_requests_in_flight %d

# HELP lorad_request_success_rate Percentage of successful requests
# TYPE lorad_request_success_rate gauge
lorad_request_success_rate %f

# HELP lorad_request_duration_milliseconds Request duration statistics
# TYPE lorad_request_duration_milliseconds summary
lorad_request_duration_milliseconds{quantile="0.5"} %f
lorad_request_duration_milliseconds{quantile="0.95"} %f
lorad_request_duration_milliseconds{quantile="0.99"} %f
lorad_request_duration_milliseconds_sum %f
lorad_request_duration_milliseconds_count %d

# HELP lorad_instances_active Number of rented instances
# TYPE lorad_instances_active gauge
lorad_instances_active %d

# HELP lorad_acquisitions_total Total instance acquisitions
# TYPE lorad_acquisitions_total counter
lorad_acquisitions_total %d

# HELP lorad_acquisitions_failed Failed instance acquisitions
# TYPE lorad_acquisitions_failed counter
lorad_acquisitions_failed %d

# HELP lorad_acquisition_attempts_total Rent attempts across all acquisitions
# TYPE lorad_acquisition_attempts_total counter
lorad_acquisition_attempts_total %d

# HELP lorad_instances_destroyed_total Instances destroyed
# TYPE lorad_instances_destroyed_total counter
lorad_instances_destroyed_total %d

# HELP lorad_instance_cost_per_hour_total Accumulated hourly cost of acquired instances in USD
# TYPE lorad_instance_cost_per_hour_total counter
lorad_instance_cost_per_hour_total %f

# HELP lorad_ssh_commands_total Remote commands executed
# TYPE lorad_ssh_commands_total counter
lorad_ssh_commands_total %d

# HELP lorad_ssh_command_errors_total Remote command failures
# TYPE lorad_ssh_command_errors_total counter
lorad_ssh_command_errors_total %d

# HELP lorad_ssh_command_duration_milliseconds Remote command duration
# TYPE lorad_ssh_command_duration_milliseconds summary
lorad_ssh_command_duration_milliseconds{quantile="0.5"} %f
lorad_ssh_command_duration_milliseconds{quantile="0.95"} %f
lorad_ssh_command_duration_milliseconds{quantile="0.99"} %f
lorad_ssh_command_duration_milliseconds_sum %f
lorad_ssh_command_duration_milliseconds_count %d

# HELP lorad_tunnels_active Open SSH tunnels
# TYPE lorad_tunnels_active gauge
lorad_tunnels_active %d

# HELP lorad_tunnels_opened_total Tunnels opened
# TYPE lorad_tunnels_opened_total counter
lorad_tunnels_opened_total %d

# HELP lorad_tunnels_closed_total Tunnels closed
# TYPE lorad_tunnels_closed_total counter
lorad_tunnels_closed_total %d

# HELP lorad_jobs_created_total Training jobs created
# TYPE lorad_jobs_created_total counter
lorad_jobs_created_total %d

# HELP lorad_jobs_completed_total Training jobs completed
# TYPE lorad_jobs_completed_total counter
lorad_jobs_completed_total %d

# HELP lorad_jobs_failed_total Training jobs failed
# TYPE lorad_jobs_failed_total counter
lorad_jobs_failed_total %d

# HELP lorad_jobs_running Training jobs currently in progress
# TYPE lorad_jobs_running gauge
lorad_jobs_running %d

# HELP lorad_storage_uploads_total Artifact uploads
# TYPE lorad_storage_uploads_total counter
lorad_storage_uploads_total %d

# HELP lorad_storage_downloads_total Artifact downloads
# TYPE lorad_storage_downloads_total counter
lorad_storage_downloads_total %d

# HELP lorad_signed_urls_total Signed URLs issued
# TYPE lorad_signed_urls_total counter
lorad_signed_urls_total %d

# HELP lorad_storage_errors_total Storage operation failures
# TYPE lorad_storage_errors_total counter
lorad_storage_errors_total %d

# HELP lorad_goroutines Number of goroutines
# TYPE lorad_goroutines gauge
lorad_goroutines %d

# HELP lorad_memory_heap_alloc_mb Heap memory allocated in MB
# TYPE lorad_memory_heap_alloc_mb gauge
lorad_memory_heap_alloc_mb %d

# HELP lorad_gc_total Number of GC runs
# TYPE lorad_gc_total counter
lorad_gc_total %d
`,
		uptime,
		totalReqs,
		failedReqs,
		reqsInFlight,
		successRate,
		reqP50, reqP95, reqP99, reqAvg, totalReqs,
		atomic.LoadInt64(&m.activeInstances),
		atomic.LoadInt64(&m.acquisitionsTotal),
		atomic.LoadInt64(&m.acquisitionsFailed),
		atomic.LoadInt64(&m.acquisitionAttempts),
		atomic.LoadInt64(&m.instancesDestroyed),
		m.totalInstanceCost,
		atomic.LoadInt64(&m.sshCommandsTotal),
		atomic.LoadInt64(&m.sshCommandErrors),
		sshP50, sshP95, sshP99, sshAvg, atomic.LoadInt64(&m.sshCommandsTotal),
		atomic.LoadInt64(&m.tunnelsActive),
		atomic.LoadInt64(&m.tunnelsOpened),
		atomic.LoadInt64(&m.tunnelsClosed),
		atomic.LoadInt64(&m.jobsCreated),
		atomic.LoadInt64(&m.jobsCompleted),
		atomic.LoadInt64(&m.jobsFailed),
		atomic.LoadInt64(&m.jobsRunning),
		atomic.LoadInt64(&m.storageUploads),
		atomic.LoadInt64(&m.storageDownloads),
		atomic.LoadInt64(&m.signedURLs),
		atomic.LoadInt64(&m.storageErrors),
		m.goroutineCount,
		m.heapAllocMB,
		m.numGC,
	)

	return prometheus
}

// Export as JSON
func (m *Metrics) ToJSON() map[string]interface{} {
	m.UpdateSystemMetrics()

	reqP50, reqP95, reqP99, reqAvg := m.requestDurationHist.GetStats()
	sshP50, sshP95, sshP99, sshAvg := m.sshCommandDuration.GetStats()

	uptime := time.Since(m.startTime).Seconds()
	totalReqs := atomic.LoadInt64(&m.totalRequests)
	failedReqs := atomic.LoadInt64(&m.failedRequests)

	successRate := float64(0)
	if totalReqs > 0 {
		successRate = float64(totalReqs-failedReqs) / float64(totalReqs) * 100
	}

	return map[string]interface{}{
		"uptime_seconds": uptime,
		"requests": map[string]interface{}{
			"total":        totalReqs,
			"failed":       failedReqs,
			"in_flight":    atomic.LoadInt64(&m.requestsInFlight),
			"success_rate": successRate,
			"duration": map[string]interface{}{
				"p50_ms": reqP50,
				"p95_ms": reqP95,
				"p99_ms": reqP99,
				"avg_ms": reqAvg,
			},
		},
		"instances": map[string]interface{}{
			"active":               atomic.LoadInt64(&m.activeInstances),
			"acquisitions_total":   atomic.LoadInt64(&m.acquisitionsTotal),
			"acquisitions_failed":  atomic.LoadInt64(&m.acquisitionsFailed),
			"acquisition_attempts": atomic.LoadInt64(&m.acquisitionAttempts),
			"destroyed":            atomic.LoadInt64(&m.instancesDestroyed),
			"cost_per_hour_total":  m.totalInstanceCost,
		},
		"ssh": map[string]interface{}{
			"commands_total": atomic.LoadInt64(&m.sshCommandsTotal),
			"command_errors": atomic.LoadInt64(&m.sshCommandErrors),
			"command_duration": map[string]interface{}{
				"p50_ms": sshP50,
				"p95_ms": sshP95,
				"p99_ms": sshP99,
				"avg_ms": sshAvg,
			},
			"tunnels_active": atomic.LoadInt64(&m.tunnelsActive),
			"tunnels_opened": atomic.LoadInt64(&m.tunnelsOpened),
			"tunnels_closed": atomic.LoadInt64(&m.tunnelsClosed),
		},
		"training": map[string]interface{}{
			"jobs_created":   atomic.LoadInt64(&m.jobsCreated),
			"jobs_completed": atomic.LoadInt64(&m.jobsCompleted),
			"jobs_failed":    atomic.LoadInt64(&m.jobsFailed),
			"jobs_running":   atomic.LoadInt64(&m.jobsRunning),
		},
		"storage": map[string]interface{}{
			"uploads":     atomic.LoadInt64(&m.storageUploads),
			"downloads":   atomic.LoadInt64(&m.storageDownloads),
			"signed_urls": atomic.LoadInt64(&m.signedURLs),
			"errors":      atomic.LoadInt64(&m.storageErrors),
		},
		"system": map[string]interface{}{
			"goroutines":    m.goroutineCount,
			"heap_alloc_mb": m.heapAllocMB,
			"gc_runs":       m.numGC,
		},
	}
}

// Start background metrics collection
func (m *Metrics) StartCollection(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}
