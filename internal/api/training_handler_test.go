package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loracloud/lorad/internal/config"
	"github.com/loracloud/lorad/internal/instances"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/internal/remote"
	"github.com/loracloud/lorad/internal/sshauth"
	"github.com/loracloud/lorad/internal/training"
	"github.com/loracloud/lorad/pkg/vastai"
)

// newTrainingAPI wires a real orchestrator against an empty marketplace, so
// every created job fails fast on instance lookup. Handler semantics do not
// depend on how far the pipeline gets.
func newTrainingAPI(t *testing.T) *mux.Router {
	t.Helper()
	market := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"instances": []models.Instance{}})
	}))
	t.Cleanup(market.Close)

	trainCfg := &config.TrainingConfig{Image: "img", DiskGB: 50, Workspace: "/workspace"}
	sshCfg := &config.SSHConfig{User: "root", ConnectTimeout: time.Second, CommandTimeout: time.Second}

	svc := training.NewService(
		training.NewRegistry(),
		instances.NewService(vastai.NewClient("k", market.URL, time.Second), trainCfg),
		remote.NewRunner(sshauth.NewResolver(testKeyPath(t)), sshCfg),
		&stubStore{},
		trainCfg,
		sshCfg,
		nil,
	)

	h := NewTrainingHandler(svc)
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/training", h.ListJobs).Methods("GET")
	r.HandleFunc("/api/v1/training", h.CreateJob).Methods("POST")
	r.HandleFunc("/api/v1/training/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/api/v1/training/{id}", h.PatchJob).Methods("PATCH")
	r.HandleFunc("/api/v1/training/{id}", h.DeleteJob).Methods("DELETE")
	r.HandleFunc("/api/v1/training/{id}/restart", h.RestartJob).Methods("POST")
	return r
}

func createJob(t *testing.T, router *mux.Router) string {
	t.Helper()
	rec, body := doJSON(t, router, "POST", "/api/v1/training", `{"instance_id":123,"dataset_name":"faces","lora_name":"p1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return body["id"].(string)
}

func waitJobFailed(t *testing.T, router *mux.Router, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, body := doJSON(t, router, "GET", "/api/v1/training/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		return body["status"] == models.JobStatusFailed
	}, 10*time.Second, 20*time.Millisecond)
}

func TestCreateJobEndpoint(t *testing.T) {
	router := newTrainingAPI(t)

	rec, body := doJSON(t, router, "POST", "/api/v1/training", `{"instance_id":123,"dataset_name":"faces","lora_name":"p1","steps":200}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, body["id"].(string), 8)
	assert.Equal(t, models.JobStatusPending, body["status"])
	assert.Equal(t, float64(200), body["steps"])
	assert.Equal(t, training.DefaultBaseModel, body["base_model"])
}

func TestCreateJobRejectsBadBody(t *testing.T) {
	router := newTrainingAPI(t)

	req := httptest.NewRequest("POST", "/api/v1/training", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doJSON(t, router, "POST", "/api/v1/training", `{"dataset_name":"faces","lora_name":"p1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "instance_id")
}

func TestListJobsEndpoint(t *testing.T) {
	router := newTrainingAPI(t)
	createJob(t, router)
	createJob(t, router)

	rec, body := doJSON(t, router, "GET", "/api/v1/training", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
}

func TestGetJobEndpoint(t *testing.T) {
	router := newTrainingAPI(t)
	id := createJob(t, router)

	rec, body := doJSON(t, router, "GET", "/api/v1/training/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])

	rec, _ = doJSON(t, router, "GET", "/api/v1/training/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchJobEndpoint(t *testing.T) {
	router := newTrainingAPI(t)
	id := createJob(t, router)

	rec, body := doJSON(t, router, "PATCH", "/api/v1/training/"+id, `{"current_step":77}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(77), body["current_step"])

	rec, _ = doJSON(t, router, "PATCH", "/api/v1/training/ghost", `{"current_step":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJobEndpoint(t *testing.T) {
	router := newTrainingAPI(t)
	id := createJob(t, router)

	rec, body := doJSON(t, router, "DELETE", "/api/v1/training/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["deleted"])

	rec, _ = doJSON(t, router, "DELETE", "/api/v1/training/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRestartJobEndpoint(t *testing.T) {
	router := newTrainingAPI(t)
	id := createJob(t, router)
	waitJobFailed(t, router, id)

	rec, body := doJSON(t, router, "POST", "/api/v1/training/"+id+"/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobStatusPending, body["status"])

	rec, _ = doJSON(t, router, "POST", "/api/v1/training/ghost/restart", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
