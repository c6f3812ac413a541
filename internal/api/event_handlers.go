package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"routerguard/internal/database"
	"routerguard/internal/models"
)

var errInvalidLimit = errors.New("invalid limit")

// EventHandler serves the detection history
type EventHandler struct {
	db *database.DB
}

// NewEventHandler creates a new event handler
func NewEventHandler(db *database.DB) *EventHandler {
	return &EventHandler{db: db}
}

// RegisterRoutes registers the event routes
func (h *EventHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/events", h.getEvents).Methods("GET")
}

// getEvents lists detections newest first. Query parameters: device,
// since (RFC 3339) and limit.
func (h *EventHandler) getEvents(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getEvents").Logger()
	query := r.URL.Query()

	filter := database.EventFilter{DeviceID: query.Get("device")}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, logger, http.StatusBadRequest, "invalid since timestamp")
			return
		}
		filter.Since = since
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	events, err := h.db.ListEvents(r.Context(), filter)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve events")
		writeError(w, logger, http.StatusInternalServerError, "failed to retrieve events")
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	writeJSON(w, logger, http.StatusOK, events)
}
