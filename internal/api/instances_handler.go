package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/loracloud/lorad/internal/instances"
	"github.com/loracloud/lorad/internal/models"
	"github.com/loracloud/lorad/internal/tunnel"
	"github.com/loracloud/lorad/pkg/vastai"
)

// defaultTunnelPort is the ComfyUI port on training images; the usual reason
// to tunnel into an instance.
const defaultTunnelPort = 8188

type InstanceHandler struct {
	instances *instances.Service
	tunnels   *tunnel.Registry
	defaults  models.OfferFilter
}

// NewInstanceHandler wires the marketplace service and tunnel registry.
// defaults fills in launch filter fields the caller leaves at zero.
func NewInstanceHandler(svc *instances.Service, tunnels *tunnel.Registry, defaults models.OfferFilter) *InstanceHandler {
	return &InstanceHandler{
		instances: svc,
		tunnels:   tunnels,
		defaults:  defaults,
	}
}

func offerFilterFromQuery(r *http.Request) models.OfferFilter {
	filter := models.OfferFilter{}
	q := r.URL.Query()
	if gpuName := q.Get("gpu_name"); gpuName != "" {
		filter.GPUName = gpuName
	}
	if minRAM := q.Get("min_gpu_ram"); minRAM != "" {
		if v, err := strconv.Atoi(minRAM); err == nil {
			filter.MinGPUMemMB = v
		}
	}
	if maxPrice := q.Get("max_price"); maxPrice != "" {
		if v, err := strconv.ParseFloat(maxPrice, 64); err == nil {
			filter.MaxPrice = v
		}
	}
	return filter
}

func (h *InstanceHandler) SearchOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.instances.Search(r.Context(), offerFilterFromQuery(r))
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"offers": offers,
		"count":  len(offers),
	})
}

func (h *InstanceHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var filter models.OfferFilter
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&filter)
	}
	// An empty body launches with the configured default GPU and price cap.
	if filter.GPUName == "" {
		filter.GPUName = h.defaults.GPUName
	}
	if filter.MaxPrice == 0 {
		filter.MaxPrice = h.defaults.MaxPrice
	}

	instanceID, err := h.instances.Launch(r.Context(), filter)
	if err != nil {
		var acqErr *instances.AcquisitionError
		if errors.As(err, &acqErr) {
			respondJSON(w, http.StatusConflict, map[string]interface{}{
				"error":    acqErr.Error(),
				"attempts": acqErr.Attempts,
			})
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"instance_id": instanceID,
	})
}

func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	list, err := h.instances.List(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instances": list,
		"count":     len(list),
	})
}

func (h *InstanceHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDVar(w, r)
	if !ok {
		return
	}

	inst, err := h.instances.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, vastai.ErrInstanceNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, inst)
}

func (h *InstanceHandler) DestroyInstance(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDVar(w, r)
	if !ok {
		return
	}

	// Tear down any forward first so nothing holds a connection into a
	// machine that is about to disappear.
	h.tunnels.Close(instanceID)

	destroyed, err := h.instances.Destroy(r.Context(), instanceID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if !destroyed {
		respondError(w, http.StatusNotFound, "instance not found")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"destroyed":   true,
		"instance_id": instanceID,
	})
}

func (h *InstanceHandler) OpenTunnel(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDVar(w, r)
	if !ok {
		return
	}

	var req struct {
		RemotePort int    `json:"remote_port"`
		LocalPort  int    `json:"local_port"`
		KeyPath    string `json:"key_path"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	if req.RemotePort == 0 {
		req.RemotePort = defaultTunnelPort
	}

	inst, err := h.instances.Get(r.Context(), instanceID)
	if err != nil {
		if errors.Is(err, vastai.ErrInstanceNotFound) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	if inst.SSHHost == "" || inst.SSHPort == 0 {
		respondError(w, http.StatusConflict, "instance has no ssh endpoint yet")
		return
	}

	localPort, err := h.tunnels.Open(instanceID, inst.SSHHost, inst.SSHPort, req.RemotePort, req.LocalPort, req.KeyPath)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id": instanceID,
		"local_port":  localPort,
		"remote_port": req.RemotePort,
		"url":         "http://localhost:" + strconv.Itoa(localPort),
	})
}

func (h *InstanceHandler) CloseTunnel(w http.ResponseWriter, r *http.Request) {
	instanceID, ok := instanceIDVar(w, r)
	if !ok {
		return
	}

	h.tunnels.Close(instanceID)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id": instanceID,
		"closed":      true,
	})
}

func instanceIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	instanceID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid instance id")
		return 0, false
	}
	return instanceID, true
}
