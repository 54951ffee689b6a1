package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loracloud/lorad/internal/training"
)

type TrainingHandler struct {
	training *training.Service
}

func NewTrainingHandler(svc *training.Service) *TrainingHandler {
	return &TrainingHandler{training: svc}
}

func (h *TrainingHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.training.List()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *TrainingHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var params training.Params
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.training.Create(params)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (h *TrainingHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.training.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// PatchJob lets the remote trainer report status and progress directly when
// it has API access, as an alternative to the log-stream path.
func (h *TrainingHandler) PatchJob(w http.ResponseWriter, r *http.Request) {
	var update training.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.training.Patch(mux.Vars(r)["id"], update)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (h *TrainingHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.training.Delete(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"job_id":  id,
	})
}

func (h *TrainingHandler) RestartJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.training.Restart(mux.Vars(r)["id"])
	if err != nil {
		switch {
		case errors.Is(err, training.ErrJobNotFound):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, training.ErrJobNotTerminal):
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, job)
}
