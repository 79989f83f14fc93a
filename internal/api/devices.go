package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/motionposters/fleet-core/internal/device"
)

// deviceView is a Device plus live-channel state. Connected reflects an open
// WebSocket right now, independent of the heartbeat-derived status.
type deviceView struct {
	device.Device
	Connected bool `json:"connected"`
}

// handleListDevices returns all registered devices with effective status and
// live-channel state.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		writeInternalError(w)
		return
	}

	views := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView{
			Device:    d,
			Connected: s.hub.IsConnected(d.ID),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"count":   len(views),
	})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	dev, err := s.registry.Get(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, ErrCodeDeviceNotFound, "device not found")
			return
		}
		s.logger.Error("fetching device failed", "device_id", deviceID, "error", err)
		writeInternalError(w)
		return
	}

	writeJSON(w, http.StatusOK, deviceView{
		Device:    *dev,
		Connected: s.hub.IsConnected(dev.ID),
	})
}

type patchDeviceResponse struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message"`
	Device          *device.Device `json:"device"`
	ReloadTriggered bool           `json:"reloadTriggered"`
	ReloadDelivery  string         `json:"reloadDelivery,omitempty"`
}

// handlePatchDevice applies a partial update. The body is decoded as raw
// fields so an absent key, an explicit null, and an empty value stay
// distinguishable — that distinction drives the reload decision.
func (s *Server) handlePatchDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	if _, ok := fields["groups"]; ok {
		writeBadRequest(w, ErrCodeGroupsNotSupported, "device groups are not supported")
		return
	}

	patch, err := buildPatch(fields)
	if err != nil {
		writeBadRequest(w, ErrCodeBadRequest, err.Error())
		return
	}

	dev, reload, err := s.registry.ApplyPatch(r.Context(), deviceID, patch)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrNotFound):
			writeNotFound(w, ErrCodeDeviceNotFound, "device not found")
		case errors.Is(err, device.ErrValidation):
			writeBadRequest(w, ErrCodeBadRequest, err.Error())
		default:
			s.logger.Error("patching device failed", "device_id", deviceID, "error", err)
			writeInternalError(w)
		}
		return
	}

	resp := patchDeviceResponse{
		Success:         true,
		Message:         "device updated",
		Device:          dev,
		ReloadTriggered: reload,
	}
	if reload {
		result, err := s.dispatcher.SettingsReload(r.Context(), deviceID)
		if err != nil {
			// The patch is committed; the device picks the change up on
			// its next heartbeat even if the push failed.
			s.logger.Warn("settings reload dispatch failed", "device_id", deviceID, "error", err)
		} else {
			resp.ReloadDelivery = string(result.Outcome)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// buildPatch converts raw PATCH fields into a Patch, preserving the
// present/absent/null distinction per field.
func buildPatch(fields map[string]json.RawMessage) (device.Patch, error) {
	var patch device.Patch

	str := func(raw json.RawMessage, name string) (*string, error) {
		if isJSONNull(raw) {
			empty := ""
			return &empty, nil
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errors.New(name + " must be a string")
		}
		return &v, nil
	}

	var err error
	if raw, ok := fields["name"]; ok {
		if patch.Name, err = str(raw, "name"); err != nil {
			return patch, err
		}
	}
	if raw, ok := fields["location"]; ok {
		if patch.Location, err = str(raw, "location"); err != nil {
			return patch, err
		}
	}
	if raw, ok := fields["hardwareId"]; ok {
		if patch.HardwareID, err = str(raw, "hardwareId"); err != nil {
			return patch, err
		}
	}
	if raw, ok := fields["profileId"]; ok {
		patch.ProfileIDSet = true
		if !isJSONNull(raw) {
			var v string
			if err := json.Unmarshal(raw, &v); err != nil {
				return patch, errors.New("profileId must be a string or null")
			}
			patch.ProfileID = &v
		}
	}
	if raw, ok := fields["settingsOverride"]; ok {
		patch.SettingsOverrideSet = true
		if !isJSONNull(raw) {
			var v map[string]any
			if err := json.Unmarshal(raw, &v); err != nil {
				return patch, errors.New("settingsOverride must be an object or null")
			}
			patch.SettingsOverride = v
		}
	}

	return patch, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// handleDeleteDevice removes a device. Any open live channel is left to die
// on its next ping; the device re-registers as new if it comes back.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	if err := s.registry.Delete(r.Context(), deviceID); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, ErrCodeDeviceNotFound, "device not found")
			return
		}
		s.logger.Error("deleting device failed", "device_id", deviceID, "error", err)
		writeInternalError(w)
		return
	}

	s.logger.Info("device deleted", "device_id", deviceID)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deviceID})
}

type mergeRequest struct {
	SourceIDs []string `json:"sourceIds"`
}

// handleMergeDevices folds duplicate device records into the target. Sources
// are deleted; their queued commands and identity fold into the target.
func (s *Server) handleMergeDevices(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "deviceID")

	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if len(req.SourceIDs) == 0 {
		writeBadRequest(w, ErrCodeInvalidDeviceIDs, "sourceIds must be a non-empty array")
		return
	}

	if _, err := s.registry.Get(r.Context(), targetID); err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeNotFound(w, ErrCodeTargetDeviceNotFound, "target device not found")
			return
		}
		s.logger.Error("merge target lookup failed", "device_id", targetID, "error", err)
		writeInternalError(w)
		return
	}

	merged, err := s.registry.Merge(r.Context(), targetID, req.SourceIDs)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrNotFound):
			writeBadRequest(w, ErrCodeDeviceNotFound, "one or more source devices not found")
		case errors.Is(err, device.ErrValidation):
			writeBadRequest(w, ErrCodeInvalidDeviceIDs, err.Error())
		default:
			s.logger.Error("merging devices failed", "device_id", targetID, "error", err)
			writeInternalError(w)
		}
		return
	}

	s.logger.Info("devices merged", "target_id", targetID, "merged_count", len(merged))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"merged": merged,
	})
}
