// Package api serves routerguard's HTTP API
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"routerguard/internal/device"
	"routerguard/internal/fleet"
	"routerguard/internal/mitigation"
	"routerguard/internal/monitor"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, status int, msg string) {
	writeJSON(w, logger, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, fleet.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrDeviceExists), errors.Is(err, mitigation.ErrWhitelisted):
		return http.StatusConflict
	case errors.Is(err, mitigation.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, monitor.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case device.IsConnectionError(err), device.IsProtocolError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	writeError(w, logger, status, err.Error())
}
