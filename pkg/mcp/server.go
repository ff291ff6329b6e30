// Package mcp exposes the engine operations as tools, both over a small JSON
// HTTP API and over the model context protocol.
package mcp

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/walteh/vmcontrol/pkg/vm"
)

const Name = "vmcontrol"

// Server serves the toolbox as JSON over HTTP.
type Server struct {
	tools     *Toolbox
	version   string
	serverMux *http.ServeMux
}

// NewServer registers the tool and status routes.
func NewServer(tools *Toolbox, version string) *Server {
	s := &Server{
		tools:     tools,
		version:   version,
		serverMux: http.NewServeMux(),
	}

	s.serverMux.HandleFunc("/v1/tools", s.handleTools)
	s.serverMux.HandleFunc("/v1/status", s.handleStatus)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.serverMux.ServeHTTP(w, r)
}

type toolCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

type toolResult struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// handleTools lists tools on GET and runs one on POST.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	switch r.Method {
	case http.MethodGet:
		writeJSON(r, w, http.StatusOK, s.tools.Tools())
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(r, w, http.StatusMethodNotAllowed, toolResult{Error: "method not allowed"})
		return
	}

	var req toolCall
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(r, w, http.StatusBadRequest, toolResult{Error: "decoding request: " + err.Error(), Kind: vm.Kind(vm.ErrConfiguration)})
		return
	}

	out, err := s.tools.Call(r.Context(), req.Name, req.Parameters)
	if err != nil {
		logger.Warn().Err(err).Str("tool", req.Name).Msg("tool failed")
		writeJSON(r, w, StatusFor(err), toolResult{Error: err.Error(), Kind: vm.Kind(err)})
		return
	}
	writeJSON(r, w, http.StatusOK, toolResult{Result: out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r, w, http.StatusOK, map[string]string{
		"status":  "ok",
		"name":    Name,
		"version": s.version,
	})
}

// StatusFor maps an engine error onto an HTTP status.
func StatusFor(err error) int {
	switch vm.Kind(err) {
	case "invalid_name", "configuration_error":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "resource_exhausted":
		return http.StatusServiceUnavailable
	case "monitor_unreachable", "monitor_timeout":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(r *http.Request, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to encode response")
	}
}
