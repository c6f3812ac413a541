package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"routerguard/internal/config"
	"routerguard/internal/database"
	"routerguard/internal/fleet"
	"routerguard/internal/maintenance"
	"routerguard/internal/models"
)

// Version is reported by /api/status; set at build time with -ldflags
var Version = "dev"

// StatusHandler handles system status-related API endpoints
type StatusHandler struct {
	db          *database.DB
	fleet       *fleet.Manager
	maintenance *maintenance.Service
	startTime   time.Time

	serverPort    int
	databasePath  string
	retentionDays int
	backupFreq    string
	authEnabled   bool
	eventsEnabled bool
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(db *database.DB, fleetMgr *fleet.Manager, maint *maintenance.Service, cfg *config.Config) *StatusHandler {
	return &StatusHandler{
		db:            db,
		fleet:         fleetMgr,
		maintenance:   maint,
		startTime:     time.Now(),
		serverPort:    cfg.Server.Port,
		databasePath:  cfg.Database.Path,
		retentionDays: cfg.Database.DataRetentionDays,
		backupFreq:    cfg.Database.BackupFrequency,
		authEnabled:   cfg.Auth.Enabled,
		eventsEnabled: cfg.Events.Enabled,
	}
}

// RegisterRoutes registers the status routes
func (h *StatusHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/status", h.getSystemStatus).Methods("GET")
	r.HandleFunc("/api/status/health", h.getHealthCheck).Methods("GET")
	r.HandleFunc("/api/status/database", h.getDatabaseStatus).Methods("GET")
}

// fleetSummary counts devices by connectivity
type fleetSummary struct {
	Devices      int `json:"devices"`
	Online       int `json:"online"`
	Degraded     int `json:"degraded"`
	Offline      int `json:"offline"`
	Disabled     int `json:"disabled"`
	ActiveBlocks int `json:"activeBlocks"`
}

func summarize(statuses []models.DeviceStatus) fleetSummary {
	s := fleetSummary{Devices: len(statuses)}
	for _, st := range statuses {
		s.ActiveBlocks += st.ActiveBlocks
		if st.State == models.StateDisabled {
			s.Disabled++
			continue
		}
		switch st.Connectivity {
		case models.ConnectivityOnline:
			s.Online++
		case models.ConnectivityDegraded:
			s.Degraded++
		default:
			s.Offline++
		}
	}
	return s
}

// getSystemStatus returns the overall system status
func (h *StatusHandler) getSystemStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getSystemStatus").Logger()

	dbStats, err := h.db.GetDatabaseStats()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve database stats")
	}

	summary := summarize(h.fleet.ListStatus())
	status := "healthy"
	if summary.Offline > 0 || summary.Degraded > 0 {
		status = "degraded"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	response := map[string]interface{}{
		"status":    status,
		"version":   Version,
		"uptime":    time.Since(h.startTime).String(),
		"startTime": h.startTime,
		"system": map[string]interface{}{
			"goVersion":    runtime.Version(),
			"goArch":       runtime.GOARCH,
			"goOS":         runtime.GOOS,
			"numCPU":       runtime.NumCPU(),
			"numGoroutine": runtime.NumGoroutine(),
		},
		"memory": map[string]interface{}{
			"alloc":       memStats.Alloc / 1024 / 1024, // MB
			"sys":         memStats.Sys / 1024 / 1024,   // MB
			"numGC":       memStats.NumGC,
			"heapObjects": memStats.HeapObjects,
		},
		"config": map[string]interface{}{
			"serverPort":    h.serverPort,
			"authEnabled":   h.authEnabled,
			"eventsEnabled": h.eventsEnabled,
		},
		"fleet": summary,
		"database": map[string]interface{}{
			"size":          dbStats["sizeBytes"],
			"eventCount":    dbStats["eventCount"],
			"lastEventTime": dbStats["lastEventTime"],
			"path":          h.databasePath,
		},
		"timestamp": time.Now(),
	}

	writeJSON(w, logger, http.StatusOK, response)
}

// getHealthCheck reports unhealthy when the database is unreachable
func (h *StatusHandler) getHealthCheck(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getHealthCheck").Logger()

	status, code := "healthy", http.StatusOK
	if err := h.db.PingContext(r.Context()); err != nil {
		logger.Error().Err(err).Msg("Database ping failed")
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, logger, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startTime).String(),
	})
}

// getDatabaseStatus returns detailed database status information
func (h *StatusHandler) getDatabaseStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("handler", "getDatabaseStatus").Logger()

	dbStats, err := h.db.GetDatabaseStats()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to retrieve database stats")
		writeError(w, logger, http.StatusInternalServerError, "failed to retrieve database status")
		return
	}

	sizeBytes, _ := dbStats["sizeBytes"].(int64)

	writeJSON(w, logger, http.StatusOK, map[string]interface{}{
		"status":           "online",
		"path":             h.databasePath,
		"sizeBytes":        sizeBytes,
		"sizeMB":           float64(sizeBytes) / 1024 / 1024,
		"eventCount":       dbStats["eventCount"],
		"blockCount":       dbStats["blockCount"],
		"activeBlockCount": dbStats["activeBlockCount"],
		"deviceCount":      dbStats["deviceCount"],
		"sampleCount":      dbStats["sampleCount"],
		"lastEventTime":    dbStats["lastEventTime"],
		"retentionDays":    h.retentionDays,
		"backupFrequency":  h.backupFreq,
		"maintenance":      h.maintenance.GetStatus(),
		"timestamp":        time.Now(),
	})
}
