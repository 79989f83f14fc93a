package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/pairing"
)

type generateCodeRequest struct {
	TTLSeconds   int  `json:"ttlSeconds"`
	RequireToken bool `json:"requireToken"`
}

type generateCodeResponse struct {
	Code        string `json:"code"`
	DeviceID    string `json:"deviceId"`
	Token       string `json:"token,omitempty"`
	ExpiresAt   string `json:"expiresAt"`
	ExpiresInMS int64  `json:"expiresInMs"`
}

// handleGeneratePairingCode mints a short-lived six-digit code bound to a
// device. The optional claim token is returned exactly once, here.
func (s *Server) handleGeneratePairingCode(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	var req generateCodeRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if req.TTLSeconds == 0 {
		ttl = s.pairCfg.DefaultTTLDuration()
	}

	code, err := s.codes.Generate(r.Context(), deviceID, ttl, req.RequireToken)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrNotFound):
			writeNotFound(w, ErrCodeDeviceNotFound, "device not found")
		case errors.Is(err, pairing.ErrInvalidTTL):
			writeBadRequest(w, ErrCodeBadRequest, err.Error())
		default:
			s.logger.Error("pairing code generation failed", "device_id", deviceID, "error", err)
			writeInternalError(w)
		}
		return
	}

	s.logger.Info("pairing code generated", "device_id", deviceID, "expires_at", code.ExpiresAt)
	writeJSON(w, http.StatusOK, generateCodeResponse{
		Code:        code.Code,
		DeviceID:    code.DeviceID,
		Token:       code.Token,
		ExpiresAt:   code.ExpiresAt.UTC().Format(time.RFC3339),
		ExpiresInMS: time.Until(code.ExpiresAt).Milliseconds(),
	})
}

// handleActivePairingCodes lists unclaimed, unexpired codes. Claim tokens
// are never included; they are shown only at generation time.
func (s *Server) handleActivePairingCodes(w http.ResponseWriter, r *http.Request) {
	active := s.codes.ListActive()

	writeJSON(w, http.StatusOK, map[string]any{
		"codes": active,
		"count": len(active),
	})
}

// handleRevokePairingCode cancels an active code before its expiry.
func (s *Server) handleRevokePairingCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	if !s.codes.Revoke(code) {
		writeNotFound(w, ErrCodeCodeNotFoundOrExp, "pairing code not found or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
