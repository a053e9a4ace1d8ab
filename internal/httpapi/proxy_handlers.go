package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"camsignal/internal/presence"
)

const (
	proxyPollInterval = 500 * time.Millisecond
	proxyMaxBody      = 1 << 20
)

// proxyRequestPayload is the proxy_http frame sent to the device agent.
type proxyRequestPayload struct {
	RID     string            `json:"rid"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"` // base64
}

// proxyResponsePayload is what the agent writes back in proxy_http_resp.
type proxyResponsePayload struct {
	RID     string            `json:"rid"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"` // base64
}

// handleDeviceProxy tunnels one HTTP request to the device agent over its
// signaling socket and waits for the response in the shared mailbox. The
// agent serves it against its local camera endpoint (go2rtc and friends).
func (s *Server) handleDeviceProxy(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, ok := s.authorizedDevice(w, r, deviceID); !ok {
		return
	}
	online, err := s.presence.IsOnline(r.Context(), deviceID)
	if err != nil || !online {
		writeError(w, http.StatusBadGateway, "device is offline")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, proxyMaxBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(body) > proxyMaxBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	headers := make(map[string]string)
	for _, name := range []string{"Content-Type", "Accept", "Range"} {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	rid := uuid.NewString()
	payload := proxyRequestPayload{
		RID:     rid,
		Method:  r.Method,
		Path:    "/" + chi.URLParam(r, "*"),
		Query:   r.URL.RawQuery,
		Headers: headers,
	}
	if len(body) > 0 {
		payload.Body = base64.StdEncoding.EncodeToString(body)
	}

	if !s.messenger.SendToDevice(deviceID, "proxy_http", rid, payload) {
		writeError(w, http.StatusBadGateway, "device is offline")
		return
	}
	s.log.Debug("proxy request forwarded", "device_id", deviceID, "rid", rid, "path", payload.Path)

	mailbox := "proxy:response:" + rid
	deadline := s.now().Add(s.proxyTimeout)
	ticker := time.NewTicker(proxyPollInterval)
	defer ticker.Stop()
	for {
		raw, err := s.presence.Get(r.Context(), mailbox)
		if err == nil {
			_ = s.presence.Delete(r.Context(), mailbox)
			s.relayProxyResponse(w, raw)
			return
		}
		if !errors.Is(err, presence.ErrNotFound) {
			s.log.Warn("proxy mailbox read failed", "rid", rid, "err", err)
		}
		if s.now().After(deadline) {
			writeError(w, http.StatusGatewayTimeout, "device did not respond")
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) relayProxyResponse(w http.ResponseWriter, raw string) {
	var resp proxyResponsePayload
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		writeError(w, http.StatusBadGateway, "invalid device response")
		return
	}
	for name, v := range resp.Headers {
		w.Header().Set(name, v)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	w.WriteHeader(resp.Status)
	if resp.Body != "" {
		if data, err := base64.StdEncoding.DecodeString(resp.Body); err == nil {
			_, _ = w.Write(data)
		}
	}
}
