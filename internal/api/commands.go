package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/dispatch"
)

type commandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Await   bool            `json:"await"`
}

type commandResponse struct {
	CommandID string `json:"commandId"`
	Outcome   string `json:"outcome"`
	AckStatus string `json:"ackStatus,omitempty"`
	AckedAt   string `json:"ackedAt,omitempty"`
}

// handleDeviceCommand dispatches a command to one device.
//
// With await=false it returns 200 as soon as the command is sent or
// queued. With await=true it blocks for the acknowledgement: an ack is a
// 200, an ack timeout is a 202 — the command was delivered but remains
// unconfirmed, and is deliberately not re-queued.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	cmd, await, ok := s.decodeCommand(w, r)
	if !ok {
		return
	}

	var (
		result dispatch.Result
		err    error
	)
	if await {
		result, err = s.dispatcher.DispatchAwait(r.Context(), deviceID, cmd)
	} else {
		result, err = s.dispatcher.Dispatch(r.Context(), deviceID, cmd)
	}
	if err != nil {
		switch {
		case errors.Is(err, device.ErrNotFound):
			writeNotFound(w, ErrCodeDeviceNotFound, "device not found")
		case errors.Is(err, device.ErrInvalidCommand):
			writeBadRequest(w, ErrCodeInvalidCommand, err.Error())
		default:
			s.logger.Error("command dispatch failed", "device_id", deviceID, "error", err)
			writeInternalError(w)
		}
		return
	}

	resp := commandResponse{
		CommandID: cmd.ID,
		Outcome:   string(result.Outcome),
	}
	status := http.StatusOK
	switch result.Outcome {
	case dispatch.OutcomeAcked:
		resp.AckStatus = result.Ack.Status
		resp.AckedAt = result.Ack.Timestamp
	case dispatch.OutcomeAckTimeout:
		status = http.StatusAccepted
	}

	writeJSON(w, status, resp)
}

// decodeCommand reads and validates a command body, writing the error
// response itself on failure.
func (s *Server) decodeCommand(w http.ResponseWriter, r *http.Request) (cmd device.Command, await, ok bool) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return device.Command{}, false, false
	}
	if req.Type == "" {
		writeBadRequest(w, ErrCodeInvalidCommand, "command type is required")
		return device.Command{}, false, false
	}

	cmd = device.Command{
		ID:        device.GenerateID(),
		Type:      req.Type,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := cmd.Validate(); err != nil {
		writeBadRequest(w, ErrCodeInvalidCommand, err.Error())
		return device.Command{}, false, false
	}

	return cmd, req.Await, true
}

type bulkCommandRequest struct {
	DeviceIDs []string        `json:"deviceIds"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// handleBulkCommand dispatches one command to many devices in fire mode.
// Unknown device IDs are skipped, not errors: a console operating on a
// stale device list should still reach the devices that exist.
func (s *Server) handleBulkCommand(w http.ResponseWriter, r *http.Request) {
	var req bulkCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if len(req.DeviceIDs) == 0 {
		writeBadRequest(w, ErrCodeInvalidDeviceIDs, "deviceIds must be a non-empty array")
		return
	}

	cmd := device.Command{
		ID:        device.GenerateID(),
		Type:      req.Type,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := cmd.Validate(); err != nil {
		writeBadRequest(w, ErrCodeInvalidCommand, err.Error())
		return
	}

	result, err := s.dispatcher.DispatchBulk(r.Context(), req.DeviceIDs, cmd)
	if err != nil {
		s.logger.Error("bulk dispatch failed", "error", err)
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleClearReload runs fleet-wide cache maintenance: every device gets a
// clear-cache followed by a reload. Live devices get the reload after a
// short delay so the clear lands first; offline devices get both queued in
// order.
func (s *Server) handleClearReload(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.ClearReloadAll(r.Context())
	if err != nil {
		s.logger.Error("fleet clear-reload failed", "error", err)
		writeInternalError(w)
		return
	}

	s.logger.Info("fleet clear-reload dispatched", "live", result.Live, "queued", result.Queued)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"live":   result.Live,
		"queued": result.Queued,
		"total":  result.Total,
	})
}
