package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loracloud/lorad/internal/storage"
)

type StorageHandler struct {
	store storage.Store
}

func NewStorageHandler(store storage.Store) *StorageHandler {
	return &StorageHandler{store: store}
}

func (h *StorageHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets, err := h.store.ListDatasets(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"datasets": datasets,
		"count":    len(datasets),
	})
}

func (h *StorageHandler) DatasetFiles(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	files, err := h.store.DatasetFiles(r.Context(), name)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"dataset": name,
		"files":   files,
		"count":   len(files),
	})
}

func (h *StorageHandler) DeleteDataset(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.store.DeletePrefix(r.Context(), storage.DatasetPath(name)); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"dataset": name,
	})
}

func (h *StorageHandler) ListLoras(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.store.ListArtifacts(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"loras": artifacts,
		"count": len(artifacts),
	})
}

func (h *StorageHandler) GetLora(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	artifacts, err := h.store.ListArtifacts(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	for _, artifact := range artifacts {
		if artifact.Name == name {
			respondJSON(w, http.StatusOK, artifact)
			return
		}
	}
	respondError(w, http.StatusNotFound, "lora not found")
}

// LoraURL hands out a short-lived signed GET so clients download weights
// straight from the bucket instead of proxying megabytes through the daemon.
func (h *StorageHandler) LoraURL(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	url, err := h.store.SignedURL(r.Context(), storage.ArtifactPath(name), http.MethodGet)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name": name,
		"url":  url,
	})
}

func (h *StorageHandler) DeleteLora(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.store.Delete(r.Context(), storage.ArtifactPath(name)); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			respondError(w, http.StatusNotFound, "lora not found")
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
		"name":    name,
	})
}
