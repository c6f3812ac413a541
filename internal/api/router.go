package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"routerguard/internal/config"
	"routerguard/internal/database"
	"routerguard/internal/fleet"
	"routerguard/internal/maintenance"
)

// NewRouter wires every API handler, the metrics endpoint and the CORS,
// auth and access-log middleware.
func NewRouter(cfg *config.Config, db *database.DB, fleetMgr *fleet.Manager, maint *maintenance.Service) http.Handler {
	router := mux.NewRouter()

	auth := NewAuthHandler(cfg.Auth)
	router.Use(auth.Middleware)

	auth.RegisterRoutes(router)
	NewStatusHandler(db, fleetMgr, maint, cfg).RegisterRoutes(router)
	NewDeviceHandler(db, fleetMgr).RegisterRoutes(router)
	NewEventHandler(db).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	corsMiddleware := handlers.CORS(
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	accessLog := log.With().Str("component", "http").Logger()
	return handlers.LoggingHandler(accessLog, corsMiddleware(router))
}
