package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/heartbeat"
	"github.com/motionposters/fleet-core/internal/pairing"
)

// Fleet event types published to MQTT for the admin console.
const (
	eventDeviceRegistered = "device_registered"
	eventPairingClaimed   = "pairing_claimed"
)

// publishEvent emits a fleet event. No-op without an MQTT client.
func (s *Server) publishEvent(eventType string, payload any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("marshalling fleet event failed", "event", eventType, "error", err)
		return
	}
	if err := s.events.Publish(s.topics.Event(eventType), data, 0, false); err != nil {
		s.logger.Warn("publishing fleet event failed", "event", eventType, "error", err)
	}
}

// installCookieName carries the device install ID across re-registrations so
// a wiped browser profile on the same install reclaims its device record.
const installCookieName = "posterfleet_install"

// installCookieMaxAge is ten years in seconds; install identity should
// outlive any session.
const installCookieMaxAge = 10 * 365 * 24 * 60 * 60

type registerRequest struct {
	Name       string  `json:"name"`
	Location   string  `json:"location"`
	InstallID  string  `json:"installId"`
	HardwareID *string `json:"hardwareId"`
}

type registerResponse struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
	Message  string `json:"message"`
}

// handleRegister registers a device, or re-registers an existing install.
// The plaintext secret appears only in this response; it is stored hashed.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	// The install ID comes from the body, the install cookie, or is minted
	// here; the cookie set below is what binds it to the browser.
	installID := req.InstallID
	if installID == "" {
		if cookie, err := r.Cookie(installCookieName); err == nil && cookie.Value != "" {
			installID = cookie.Value
		}
	}
	if installID == "" {
		installID = device.GenerateID()
	}

	dev, secret, err := s.registry.Register(r.Context(), device.RegisterParams{
		Name:       req.Name,
		Location:   req.Location,
		InstallID:  installID,
		HardwareID: req.HardwareID,
	})
	if err != nil {
		if errors.Is(err, device.ErrValidation) {
			writeBadRequest(w, ErrCodeBadRequest, err.Error())
			return
		}
		s.logger.Error("device registration failed", "error", err)
		writeInternalError(w)
		return
	}

	if dev.InstallID != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     installCookieName,
			Value:    dev.InstallID,
			Path:     "/",
			MaxAge:   installCookieMaxAge,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}

	s.logger.Info("device registered", "device_id", dev.ID)
	s.publishEvent(eventDeviceRegistered, map[string]any{
		"deviceId":  dev.ID,
		"name":      dev.Name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, registerResponse{
		DeviceID: dev.ID,
		Secret:   secret,
		Message:  "registered",
	})
}

type checkRequest struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
}

type checkResponse struct {
	Valid        bool   `json:"valid"`
	IsRegistered bool   `json:"isRegistered"`
	DeviceID     string `json:"deviceId,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// handleCheck lets a device verify its stored credentials without side
// effects. An unknown device is a 200, not a 401: the device must be able to
// tell "re-register" apart from "wrong secret".
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeBadRequest(w, ErrCodeBadRequest, "deviceId is required")
		return
	}

	ok, err := s.registry.Verify(r.Context(), req.DeviceID, req.Secret)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeJSON(w, http.StatusOK, checkResponse{
				Valid:        false,
				IsRegistered: false,
				Reason:       ErrCodeDeviceNotFoundAuth,
			})
			return
		}
		s.logger.Error("credential check failed", "device_id", req.DeviceID, "error", err)
		writeInternalError(w)
		return
	}
	if !ok {
		writeJSON(w, http.StatusUnauthorized, checkResponse{
			Valid:        false,
			IsRegistered: true,
			Reason:       ErrCodeInvalidSecret,
		})
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{
		Valid:        true,
		IsRegistered: true,
		DeviceID:     req.DeviceID,
	})
}

// handleHeartbeat processes a device heartbeat: authenticates, marks the
// device online, captures the state snapshot, and atomically returns any
// queued commands with the reload flag.
//
// The three 401 reason codes are distinct on purpose — a device reacts
// differently to "re-register" than to "stop retrying".
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.reconciler.Reconcile(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, heartbeat.ErrMissingCredentials):
			writeUnauthorized(w, ErrCodeMissingCredentials, "deviceId and secret are required")
		case errors.Is(err, heartbeat.ErrDeviceNotFound):
			writeUnauthorized(w, ErrCodeDeviceNotFoundAuth, "device not registered")
		case errors.Is(err, heartbeat.ErrInvalidSecret):
			writeUnauthorized(w, ErrCodeInvalidSecret, "secret does not match")
		default:
			s.logger.Error("heartbeat failed", "device_id", req.DeviceID, "error", err)
			writeInternalError(w)
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type pairRequest struct {
	Code     string  `json:"code"`
	Token    string  `json:"token"`
	Name     *string `json:"name"`
	Location *string `json:"location"`
}

type pairResponse struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
	Name     string `json:"name"`
}

// handlePair claims a pairing code. On success the caller adopts the paired
// device's identity and receives a freshly rotated secret; the previous
// secret stops working immediately. All claim failures are 400s so a
// guessing client learns nothing about which codes exist.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	result, err := s.codes.Claim(r.Context(), req.Code, req.Token, req.Name, req.Location)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrInvalidCode):
			writeBadRequest(w, ErrCodeInvalidCodeFormat, "pairing code must be six digits")
		case errors.Is(err, pairing.ErrCodeNotFoundOrExpired):
			writeBadRequest(w, ErrCodeCodeNotFoundOrExp, "pairing code not found or expired")
		case errors.Is(err, pairing.ErrClaimFailed):
			writeBadRequest(w, ErrCodeClaimFailed, "pairing token does not match")
		default:
			s.logger.Error("pairing claim failed", "error", err)
			writeInternalError(w)
		}
		return
	}

	s.logger.Info("pairing code claimed", "device_id", result.Device.ID)
	s.publishEvent(eventPairingClaimed, map[string]any{
		"deviceId":  result.Device.ID,
		"name":      result.Device.Name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, pairResponse{
		DeviceID: result.Device.ID,
		Secret:   result.Secret,
		Name:     result.Device.Name,
	})
}

// wsReadBufferSize and wsWriteBufferSize size the upgrade buffers.
const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
)

// handleWebSocket authenticates a device and upgrades to the live channel.
// Credentials arrive as query parameters because browser WebSocket clients
// cannot set request headers.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	secret := r.URL.Query().Get("secret")
	if deviceID == "" || secret == "" {
		writeUnauthorized(w, ErrCodeMissingCredentials, "deviceId and secret are required")
		return
	}

	ok, err := s.registry.Verify(r.Context(), deviceID, secret)
	if err != nil {
		if errors.Is(err, device.ErrNotFound) {
			writeUnauthorized(w, ErrCodeDeviceNotFoundAuth, "device not registered")
			return
		}
		s.logger.Error("websocket auth failed", "device_id", deviceID, "error", err)
		writeInternalError(w)
		return
	}
	if !ok {
		writeUnauthorized(w, ErrCodeInvalidSecret, "secret does not match")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		s.logger.Warn("websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}

	s.hub.Attach(ws, deviceID)
}
