package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Query window limits for GET /devices/{id}/readings.
const (
	defaultReadingHours = 24
	maxReadingHours     = 24 * 365
)

// handleGetReadings returns the readings received in the last ?hours=
// (default 24), oldest first. Readings are kept for unregistered IDs too,
// so no registry lookup is made.
func (s *Server) handleGetReadings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	hours, err := queryInt(r, "hours", defaultReadingHours)
	if err != nil || hours <= 0 || hours > maxReadingHours {
		writeBadRequest(w, "hours must be an integer between 1 and 8760")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	readings, err := s.readings.GetReadings(r.Context(), id, since, limit)
	if err != nil {
		s.logger.Error("reading query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to query readings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"hours":     hours,
		"readings":  readings,
		"count":     len(readings),
	})
}

// handleLatestReading returns the most recent reading, preferring the cache.
func (s *Server) handleLatestReading(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.latest != nil {
		reading, ok, err := s.latest.Latest(r.Context(), id)
		switch {
		case err != nil:
			s.logger.Warn("latest reading cache lookup failed", "device_id", id, "error", err)
		case ok:
			writeJSON(w, http.StatusOK, reading)
			return
		}
	}

	stats, err := s.readings.GetStats(r.Context(), id)
	if err != nil {
		s.logger.Error("latest reading query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to query readings")
		return
	}
	if stats.Latest == nil {
		writeNotFound(w, "no readings for device")
		return
	}
	writeJSON(w, http.StatusOK, stats.Latest)
}

// handleReadingStats returns the reading count and latest reading.
func (s *Server) handleReadingStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stats, err := s.readings.GetStats(r.Context(), id)
	if err != nil {
		s.logger.Error("reading stats query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to query reading stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListCommands returns recent commands sent to the device, newest first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit, err := queryInt(r, "limit", 0)
	if err != nil || limit < 0 {
		writeBadRequest(w, "limit must be a non-negative integer")
		return
	}

	commands, err := s.commandLog.GetCommands(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("command history query failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to query command history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": id,
		"commands":  commands,
		"count":     len(commands),
	})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
