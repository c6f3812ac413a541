package api

import (
	"context"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"routerguard/internal/database"
	"routerguard/internal/fleet"
	"routerguard/internal/models"
)

// manualActionTimeout bounds how long a request waits for the device worker
const manualActionTimeout = 30 * time.Second

// DeviceHandler handles device and block endpoints
type DeviceHandler struct {
	db    *database.DB
	fleet *fleet.Manager
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(db *database.DB, fleetMgr *fleet.Manager) *DeviceHandler {
	return &DeviceHandler{db: db, fleet: fleetMgr}
}

// RegisterRoutes registers the device routes
func (h *DeviceHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/devices", h.getDevices).Methods("GET")
	r.HandleFunc("/api/devices/{id}", h.getDevice).Methods("GET")
	r.HandleFunc("/api/devices/{id}/samples", h.getSamples).Methods("GET")
	r.HandleFunc("/api/devices/{id}/blocks", h.getBlocks).Methods("GET")
	r.HandleFunc("/api/devices/{id}/blocks", h.createBlock).Methods("POST")
	r.HandleFunc("/api/devices/{id}/blocks/{address}", h.deleteBlock).Methods("DELETE")
}

// deviceView pairs a device's effective settings with its live status
type deviceView struct {
	Config models.DeviceConfig `json:"config"`
	Status models.DeviceStatus `json:"status"`
}

func (h *DeviceHandler) view(cfg models.DeviceConfig) deviceView {
	st, err := h.fleet.Status(cfg.ID)
	if err != nil {
		st = models.DeviceStatus{DeviceID: cfg.ID, Name: cfg.Name}
	}
	return deviceView{Config: cfg, Status: st}
}

// getDevices returns every registered device
func (h *DeviceHandler) getDevices(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getDevices").Logger()

	cfgs := h.fleet.Devices()
	views := make([]deviceView, 0, len(cfgs))
	for _, cfg := range cfgs {
		views = append(views, h.view(cfg))
	}
	writeJSON(w, logger, http.StatusOK, views)
}

// getDevice returns a single device
func (h *DeviceHandler) getDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logger := log.With().Str("handler", "getDevice").Str("device", id).Logger()

	cfg, err := h.fleet.Device(id)
	if err != nil {
		writeDomainError(w, logger, err)
		return
	}
	writeJSON(w, logger, http.StatusOK, h.view(cfg))
}

// getSamples returns the device's most recent traffic samples
func (h *DeviceHandler) getSamples(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logger := log.With().Str("handler", "getSamples").Str("device", id).Logger()

	if _, err := h.fleet.Device(id); err != nil {
		writeDomainError(w, logger, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, err.Error())
		return
	}

	samples, err := h.db.ListSamples(r.Context(), id, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve samples")
		writeError(w, logger, http.StatusInternalServerError, "failed to retrieve samples")
		return
	}
	if samples == nil {
		samples = []models.TrafficSample{}
	}
	writeJSON(w, logger, http.StatusOK, samples)
}

// getBlocks lists block entries for a device, optionally filtered by status
func (h *DeviceHandler) getBlocks(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logger := log.With().Str("handler", "getBlocks").Str("device", id).Logger()

	if _, err := h.fleet.Device(id); err != nil {
		writeDomainError(w, logger, err)
		return
	}

	status := models.BlockStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.BlockActive, models.BlockExpired, models.BlockRemoved:
	default:
		writeError(w, logger, http.StatusBadRequest, "invalid status filter")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, err.Error())
		return
	}

	blocks, err := h.db.ListBlocks(r.Context(), id, status, limit)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve blocks")
		writeError(w, logger, http.StatusInternalServerError, "failed to retrieve blocks")
		return
	}
	if blocks == nil {
		blocks = []models.BlockEntry{}
	}
	writeJSON(w, logger, http.StatusOK, blocks)
}

type blockRequest struct {
	Address string `json:"address"`
	// Duration uses Go duration syntax. Empty means the device's default
	// block duration; "0" blocks indefinitely.
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

// createBlock applies a manual block through the device's worker
func (h *DeviceHandler) createBlock(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	logger := log.With().Str("handler", "createBlock").Str("device", id).Str("user", userFrom(r.Context())).Logger()

	cfg, err := h.fleet.Device(id)
	if err != nil {
		writeDomainError(w, logger, err)
		return
	}

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid request body")
		return
	}
	addr, err := netip.ParseAddr(req.Address)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid address")
		return
	}
	duration := cfg.DefaultBlockDuration
	if req.Duration != "" {
		if duration, err = time.ParseDuration(req.Duration); err != nil || duration < 0 {
			writeError(w, logger, http.StatusBadRequest, "invalid duration")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), manualActionTimeout)
	defer cancel()

	entry, err := h.fleet.Block(ctx, id, addr.Unmap(), duration, req.Reason)
	if err != nil {
		writeDomainError(w, logger, err)
		return
	}

	logger.Info().Str("address", addr.String()).Dur("duration", duration).Msg("Manual block applied")
	writeJSON(w, logger, http.StatusCreated, entry)
}

// deleteBlock removes a block through the device's worker
func (h *DeviceHandler) deleteBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	logger := log.With().Str("handler", "deleteBlock").Str("device", id).Str("user", userFrom(r.Context())).Logger()

	addr, err := netip.ParseAddr(vars["address"])
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid address")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), manualActionTimeout)
	defer cancel()

	if err := h.fleet.Unblock(ctx, id, addr.Unmap()); err != nil {
		writeDomainError(w, logger, err)
		return
	}

	logger.Info().Str("address", addr.String()).Msg("Manual unblock applied")
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errInvalidLimit
	}
	return limit, nil
}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey).(string)
	return user
}
