package httpapi

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"camsignal/internal/domain"
	"camsignal/internal/store"
)

type deviceRegisterRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
}

// handleDeviceRegister is called by a camera agent announcing itself. It is
// unauthenticated; a device is useless to viewers until a user claims it
// through pairing.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceRegisterRequest
	if !decodeJSON(r, &req) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}

	existing, err := s.devices.GetByDeviceID(r.Context(), req.DeviceID)
	if err == nil {
		writeJSON(w, http.StatusOK, deviceJSON(existing, existing.IsOnline))
		return
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		s.log.Error("device lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dev := &domain.Device{DeviceID: req.DeviceID, DeviceType: "camera"}
	if req.DeviceName != "" {
		dev.DeviceName = &req.DeviceName
	}
	if req.DeviceType != "" {
		dev.DeviceType = req.DeviceType
	}
	if err := s.devices.Create(r.Context(), dev); err != nil {
		s.log.Error("device create failed", "device_id", req.DeviceID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("device registered", "device_id", dev.DeviceID)
	writeJSON(w, http.StatusCreated, deviceJSON(dev, false))
}

type pairingGenerateRequest struct {
	DeviceID string `json:"device_id"`
}

// handlePairingGenerate issues a short-lived 6-digit code the device shows
// on screen. Called by the agent, not a user.
func (s *Server) handlePairingGenerate(w http.ResponseWriter, r *http.Request) {
	var req pairingGenerateRequest
	if !decodeJSON(r, &req) || strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	dev, err := s.devices.GetByDeviceID(r.Context(), strings.TrimSpace(req.DeviceID))
	if errors.Is(err, store.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.log.Error("device lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var code string
	for attempt := 0; ; attempt++ {
		code, err = randomPairingCode()
		if err != nil {
			s.log.Error("pairing code generation failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		taken, err := s.pairings.CodeExists(r.Context(), code)
		if err != nil {
			s.log.Error("pairing code check failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !taken {
			break
		}
		if attempt == 4 {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	expires := s.now().Add(s.pairingTTL)
	pc := &domain.PairingCode{
		DeviceID:  dev.ID,
		Code:      code,
		ExpiresAt: expires,
	}
	if err := s.pairings.Create(r.Context(), pc); err != nil {
		s.log.Error("pairing code create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"code":       code,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func randomPairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type devicePairRequest struct {
	Code string `json:"code"`
}

// handleDevicePair claims the device showing the given code for the calling
// user. Each code works once.
func (s *Server) handleDevicePair(w http.ResponseWriter, r *http.Request) {
	var req devicePairRequest
	if !decodeJSON(r, &req) || strings.TrimSpace(req.Code) == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	pc, err := s.pairings.GetValid(r.Context(), strings.TrimSpace(req.Code))
	if errors.Is(err, store.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "invalid or expired pairing code")
		return
	}
	if err != nil {
		s.log.Error("pairing code lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	dev, err := s.devices.GetByID(r.Context(), pc.DeviceID)
	if err != nil {
		s.log.Error("paired device lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	userID := userIDFrom(r.Context())
	owned, err := s.owners.Exists(r.Context(), userID, dev.DeviceID)
	if err != nil {
		s.log.Error("ownership check failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !owned {
		own := &domain.DeviceOwnership{UserID: userID, DeviceID: dev.ID, Role: "owner"}
		if err := s.owners.Create(r.Context(), own); err != nil {
			s.log.Error("ownership create failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	if err := s.pairings.MarkUsed(r.Context(), pc.ID); err != nil {
		s.log.Warn("pairing code mark-used failed", "code_id", pc.ID, "err", err)
	}
	s.log.Info("device paired", "device_id", dev.DeviceID, "user_id", userID)
	writeJSON(w, http.StatusOK, deviceJSON(dev, dev.IsOnline))
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListByOwner(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.log.Error("device list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]map[string]any, 0, len(devices))
	for i := range devices {
		// Presence is the live truth; the row's is_online can lag a beat.
		online, perr := s.presence.IsOnline(r.Context(), devices[i].DeviceID)
		if perr != nil {
			online = devices[i].IsOnline
		}
		out = append(out, deviceJSON(&devices[i], online))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, ok := s.authorizedDevice(w, r, deviceID)
	if !ok {
		return
	}

	online, err := s.presence.IsOnline(r.Context(), deviceID)
	if err != nil {
		online = dev.IsOnline
	}
	status := map[string]any{
		"device_id": dev.DeviceID,
		"online":    online,
	}
	if dev.LastSeen != nil {
		status["last_seen"] = dev.LastSeen.UTC().Format(time.RFC3339)
	}
	if streams, err := s.presence.HGet(r.Context(), "device:capabilities:"+deviceID, "streams"); err == nil {
		status["streams"] = jsonRaw(streams)
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListOpenByUser(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		s.log.Error("session list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		entry := map[string]any{
			"session_id": sess.SessionID,
			"status":     string(sess.Status),
			"started_at": sess.StartedAt.UTC().Format(time.RFC3339),
		}
		if dev, err := s.devices.GetByID(r.Context(), sess.DeviceID); err == nil {
			entry["device_id"] = dev.DeviceID
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// authorizedDevice loads the device and verifies the caller owns it, writing
// the error response itself when not.
func (s *Server) authorizedDevice(w http.ResponseWriter, r *http.Request, deviceID string) (*domain.Device, bool) {
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device id is required")
		return nil, false
	}
	dev, err := s.devices.GetByDeviceID(r.Context(), deviceID)
	if errors.Is(err, store.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	if err != nil {
		s.log.Error("device lookup failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	owned, err := s.owners.Exists(r.Context(), userIDFrom(r.Context()), deviceID)
	if err != nil {
		s.log.Error("ownership check failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if !owned {
		writeError(w, http.StatusForbidden, "not authorized for this device")
		return nil, false
	}
	return dev, true
}

func deviceJSON(dev *domain.Device, online bool) map[string]any {
	out := map[string]any{
		"device_id":   dev.DeviceID,
		"device_type": dev.DeviceType,
		"online":      online,
	}
	if dev.DeviceName != nil {
		out["device_name"] = *dev.DeviceName
	}
	if dev.LastSeen != nil {
		out["last_seen"] = dev.LastSeen.UTC().Format(time.RFC3339)
	}
	return out
}
