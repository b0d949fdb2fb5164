package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/firewall"
	"grimm.is/portgate/internal/panel"
	"grimm.is/portgate/internal/scanner"
)

// MutationResponse reports the reconcile pass triggered by a change.
type MutationResponse struct {
	Result firewall.Result `json:"result"`
	// Warning is set when the change was applied but not persisted.
	Warning string `json:"warning,omitempty"`
}

// writeMutation writes the outcome of a service mutation. A persistence
// failure still reports the applied result, with status 500.
func writeMutation(w http.ResponseWriter, status int, res firewall.Result, err error) {
	switch {
	case err == nil:
		WriteJSON(w, status, MutationResponse{Result: res})
	case errors.Is(err, panel.ErrNotPersisted):
		WriteJSON(w, http.StatusInternalServerError, MutationResponse{Result: res, Warning: err.Error()})
	default:
		writeServiceError(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	})
}

func (s *Server) handleListWhitelist(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"whitelist": s.panel.Whitelist()})
}

func (s *Server) handleAddWhitelist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP string `json:"ip"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := s.panel.AddWhitelist(r.Context(), req.IP)
	writeMutation(w, http.StatusCreated, res, err)
}

func (s *Server) handleRemoveWhitelist(w http.ResponseWriter, r *http.Request) {
	res, err := s.panel.RemoveWhitelist(r.Context(), r.PathValue("ip"))
	writeMutation(w, http.StatusOK, res, err)
}

func (s *Server) handleImportWhitelist(w http.ResponseWriter, r *http.Request) {
	added, res, err := s.panel.ImportWhitelist(r.Context(), r.Body, r.URL.Query().Get("format"))
	if err != nil && !errors.Is(err, panel.ErrNotPersisted) {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	resp := map[string]any{"added": added, "result": res}
	if err != nil {
		status = http.StatusInternalServerError
		resp["warning"] = err.Error()
	}
	WriteJSON(w, status, resp)
}

func (s *Server) handleExportWhitelist(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	var buf bytes.Buffer
	if err := s.panel.ExportWhitelist(&buf, format); err != nil {
		writeServiceError(w, err)
		return
	}
	contentType := "text/plain; charset=utf-8"
	if format == panel.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=whitelist.%s", exportExt(format)))
	w.Write(buf.Bytes())
}

func exportExt(format string) string {
	if format == panel.FormatYAML {
		return "yaml"
	}
	return "txt"
}

func (s *Server) handleListForwards(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"forwards": s.panel.Forwards()})
}

func (s *Server) handleAddForward(w http.ResponseWriter, r *http.Request) {
	var rule access.ForwardRule
	if err := decodeJSON(r, &rule); err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := s.panel.AddForward(r.Context(), rule)
	writeMutation(w, http.StatusCreated, res, err)
}

func (s *Server) handleRemoveForward(w http.ResponseWriter, r *http.Request) {
	port, err := access.ParsePort(r.PathValue("src_port"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := s.panel.RemoveForward(r.Context(), port)
	writeMutation(w, http.StatusOK, res, err)
}

func (s *Server) handleGetPanel(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]int{"port": s.panel.PanelPort()})
}

func (s *Server) handleSetPanel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port int `json:"port"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := s.panel.SetPanelPort(r.Context(), req.Port)
	writeMutation(w, http.StatusOK, res, err)
}

func (s *Server) handleNarrow(w http.ResponseWriter, r *http.Request) {
	port, err := access.ParsePort(r.PathValue("port"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	res, err := s.panel.NarrowPortToWhitelist(r.Context(), port)
	writeMutation(w, http.StatusOK, res, err)
}

func (s *Server) handleStrictify(w http.ResponseWriter, r *http.Request) {
	writeMutation(w, http.StatusOK, s.panel.Strictify(r.Context()), nil)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	writeMutation(w, http.StatusOK, s.panel.Reconcile(r.Context()), nil)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.panel.Rules(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, "failed to list rules", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"rules": s.panel.Plan()})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := s.panel.Diff(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, "failed to list rules", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"in_sync": diff == "", "diff": diff})
}

// maxScanTimeout bounds the per-probe timeout a client may ask for.
const maxScanTimeout = 30 * time.Second

// ScanRequest is the body of POST /api/scan.
type ScanRequest struct {
	Hosts    []string `json:"hosts"`
	Mode     string   `json:"mode"`
	Ports    string   `json:"ports,omitempty"`
	PortList []int    `json:"port_list,omitempty"`
	// Timeout is the per-probe timeout in seconds; fractions are allowed.
	// Zero uses the configured default.
	Timeout float64 `json:"timeout,omitempty"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Timeout < 0 || req.Timeout > maxScanTimeout.Seconds() {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("timeout must be between 0 and %g seconds", maxScanTimeout.Seconds()))
		return
	}
	result, err := s.panel.Scan(r.Context(), scanner.Request{
		Hosts:    req.Hosts,
		Mode:     req.Mode,
		Ports:    req.Ports,
		PortList: req.PortList,
		Timeout:  time.Duration(req.Timeout * float64(time.Second)),
	})
	if err != nil && result == nil {
		writeServiceError(w, err)
		return
	}
	// A cancelled scan still returns its partial results with Error set.
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleLastScan(w http.ResponseWriter, r *http.Request) {
	last := s.panel.LastScan()
	if last == nil {
		WriteError(w, http.StatusNotFound, "no scan has run yet")
		return
	}
	WriteJSON(w, http.StatusOK, last)
}

func (s *Server) handleCommonPorts(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ports": scanner.CommonPorts})
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	reading, err := s.panel.SampleRate(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, reading)
}

func (s *Server) handleTrafficHistory(w http.ResponseWriter, r *http.Request) {
	history := s.panel.RateHistory()
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n < len(history) {
		history = history[len(history)-n:]
	}
	WriteJSON(w, http.StatusOK, map[string]any{"points": history})
}
