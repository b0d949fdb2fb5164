package api

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/panel"
)

// Speed test bounds, in MB.
const (
	speedtestDefaultMB = 10
	speedtestMaxMB     = 200
	speedtestUpPath    = "/api/speedtest/up"
)

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.panel.Connections(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (s *Server) handlePortSearch(w http.ResponseWriter, r *http.Request) {
	port, err := access.ParsePort(r.URL.Query().Get("port"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	conns, err := s.panel.PortSearch(r.Context(), port)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"port": port, "results": conns})
}

func (s *Server) handleDoH(w http.ResponseWriter, r *http.Request) {
	results, err := s.panel.CheckDoH(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"doh": results})
}

func (s *Server) handleClientInfo(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r, s.auth.TrustProxy)
	if norm, err := access.NormalizeIP(ip); err == nil {
		ip = norm
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ip":          ip,
		"whitelisted": slices.Contains(s.panel.Whitelist(), ip),
	})
}

// handleSpeedtestDown streams size_mb megabytes (1-200, default 10) of
// random data.
func (s *Server) handleSpeedtestDown(w http.ResponseWriter, r *http.Request) {
	mb := speedtestDefaultMB
	if v := r.URL.Query().Get("size_mb"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "size_mb must be an integer")
			return
		}
		mb = min(max(n, 1), speedtestMaxMB)
	}
	size := int64(mb) << 20

	chunk := make([]byte, 64<<10)
	rand.Read(chunk)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	for sent := int64(0); sent < size; {
		n := min(int64(len(chunk)), size-sent)
		if _, err := w.Write(chunk[:n]); err != nil {
			return // client went away
		}
		sent += n
	}
}

// handleSpeedtestUp counts and discards the request body.
func (s *Server) handleSpeedtestUp(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body := http.MaxBytesReader(w, r.Body, speedtestMaxMB<<20)
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload limited to %d MB", speedtestMaxMB))
			return
		}
		WriteError(w, http.StatusBadRequest, "upload interrupted", err.Error())
		return
	}
	elapsed := time.Since(start)
	resp := map[string]any{"received": n, "ms": elapsed.Milliseconds()}
	if secs := elapsed.Seconds(); secs > 0 {
		resp["bytes_per_sec"] = float64(n) / secs
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := s.panel.LogLimit(); err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="portgate-audit.log"`)
	if err := s.panel.ExportLogs(w); err != nil {
		s.logger.Warn("log export failed", "error", err)
	}
}

func (s *Server) handleGetLogLimit(w http.ResponseWriter, r *http.Request) {
	mb, err := s.panel.LogLimit()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"max_size_mb": mb})
}

func (s *Server) handleSetLogLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxSizeMB int `json:"max_size_mb"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	err := s.panel.SetLogLimit(r.Context(), req.MaxSizeMB)
	switch {
	case errors.Is(err, panel.ErrNotPersisted):
		WriteJSON(w, http.StatusInternalServerError, map[string]any{
			"max_size_mb": req.MaxSizeMB,
			"warning":     err.Error(),
		})
	case err != nil:
		writeServiceError(w, err)
	default:
		WriteJSON(w, http.StatusOK, map[string]int{"max_size_mb": req.MaxSizeMB})
	}
}
