package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iotdash-core/internal/audit"
	"github.com/nerrad567/iotdash-core/internal/command"
	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// handleListDevices returns all devices, optionally filtered by ?status=.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status, err := device.ParseStatus(statusStr)
		if err != nil {
			writeBadRequest(w, "status must be one of registered, online, offline")
			return
		}
		devices := s.registry.GetDevicesByStatus(ctx, status)
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	devices := s.registry.ListDevices(ctx)
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleRegistryStats returns device counts by status.
func (s *Server) handleRegistryStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_devices": stats.TotalDevices,
		"by_status":     stats.ByStatus,
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleRegisterDevice registers a device on the operator's behalf. The body
// is a registration message in wire format; the effect is identical to the
// device publishing it.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	reg, err := protocol.DecodeRegistration(body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	dev, err := s.registry.Register(r.Context(), reg.DeviceID, device.MetadataFromRegistration(reg))
	if err != nil {
		if errors.Is(err, device.ErrInvalidDevice) {
			writeValidationError(w, err.Error())
			return
		}
		s.logger.Error("manual registration failed", "device_id", reg.DeviceID, "error", err)
		writeInternalError(w, "failed to register device")
		return
	}

	s.logger.Info("device registered via API", "device_id", dev.ID, "subject", subjectFrom(r.Context()))
	s.recordAudit(r.Context(), audit.ActionRegister, dev.ID, map[string]any{
		"device_name": dev.Name,
		"device_type": dev.Type,
	})
	writeJSON(w, http.StatusCreated, dev)
}

// commandRequest is the body of POST /devices/{id}/commands. Command is the
// legacy name for CommandType.
type commandRequest struct {
	CommandType string `json:"command_type"`
	Command     string `json:"command"`
	Value       any    `json:"value"`
}

// handleSendCommand validates and publishes a command to the device.
//
// Status codes: 202 published, 400 malformed body, 404 unknown device,
// 422 unsupported command or invalid value, 503 broker unavailable.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "command dispatch is not available")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var req commandRequest
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	typ := req.CommandType
	if typ == "" {
		typ = req.Command
	}
	if strings.TrimSpace(typ) == "" {
		writeBadRequest(w, "command_type is required")
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}

	id := chi.URLParam(r, "id")
	record, err := s.commands.Dispatch(r.Context(), id, protocol.CommandType(typ), req.Value)
	switch {
	case err == nil:
		s.logger.Info("command sent via API",
			"device_id", id,
			"command_type", record.CommandType,
			"subject", subjectFrom(r.Context()),
		)
		s.recordAudit(r.Context(), audit.ActionCommand, id, map[string]any{
			"command_id":   record.ID,
			"command_type": string(record.CommandType),
			"value":        record.Value,
		})
		writeJSON(w, http.StatusAccepted, record)
	case errors.Is(err, command.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	case errors.Is(err, command.ErrUnsupportedCommand), errors.Is(err, command.ErrInvalidValue):
		writeValidationError(w, err.Error())
	case errors.Is(err, command.ErrPublishFailed):
		s.logger.Warn("command publish failed", "device_id", id, "error", err)
		writeUnavailable(w, "message broker unavailable")
	default:
		s.logger.Error("command dispatch failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to send command")
	}
}
