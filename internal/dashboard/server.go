// Package dashboard exposes the hub over HTTP: a JSON REST API for
// devices, rules, groups, scenes, OTA and sensor data, a Prometheus
// /metrics endpoint, and a websocket event stream.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanmesh/hub/internal/command"
	"github.com/lanmesh/hub/internal/discovery"
	"github.com/lanmesh/hub/internal/events"
	"github.com/lanmesh/hub/internal/groups"
	"github.com/lanmesh/hub/internal/ota"
	"github.com/lanmesh/hub/internal/pipeline"
	"github.com/lanmesh/hub/internal/registry"
	"github.com/lanmesh/hub/internal/rules"
)

// Deps wires the dashboard to the hub core. Nil members disable the
// corresponding endpoints.
type Deps struct {
	NodeID   string
	Registry *registry.Registry
	Rules    *rules.Engine
	Groups   *groups.Manager
	OTA      *ota.Manager
	Firmware *ota.FirmwareStore
	Pipeline *pipeline.Pipeline
	Bus      *events.Bus

	Peers           func() []discovery.Peer
	StartEnrollment func() (string, error)
	DispatchCommand func(cmd command.DeviceCommand) ([]string, bool)

	Gatherer prometheus.Gatherer
}

// Server is the HTTP surface. Only constructed when a dashboard port is
// configured.
type Server struct {
	deps    Deps
	srv     *http.Server
	ln      net.Listener
	wsHub   *wsHub
	limiter *rateLimiter
	logger  *log.Logger
}

// NewServer builds the router and websocket hub.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		wsHub:   newWSHub(deps.Bus),
		limiter: newRateLimiter(600),
		logger:  log.New(log.Writer(), "[DASHBOARD] ", log.LstdFlags),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.limiter.middleware)

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/command", s.handleCommand).Methods("POST")

	api.HandleFunc("/rules", s.handleListRules).Methods("GET")
	api.HandleFunc("/rules", s.handleAddRule).Methods("POST")
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods("DELETE")
	api.HandleFunc("/rules/{id}/enabled", s.handleSetRuleEnabled).Methods("POST")

	api.HandleFunc("/groups", s.handleListGroups).Methods("GET")
	api.HandleFunc("/groups", s.handleCreateGroup).Methods("POST")
	api.HandleFunc("/groups/{id}/command", s.handleGroupCommand).Methods("POST")

	api.HandleFunc("/scenes", s.handleListScenes).Methods("GET")
	api.HandleFunc("/scenes/{id}/activate", s.handleActivateScene).Methods("POST")

	api.HandleFunc("/peers", s.handleListPeers).Methods("GET")
	api.HandleFunc("/enrollment/start", s.handleStartEnrollment).Methods("POST")

	api.HandleFunc("/firmware", s.handleListFirmware).Methods("GET")
	api.HandleFunc("/ota/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/ota/start", s.handleStartUpdate).Methods("POST")

	api.HandleFunc("/sensors/series", s.handleListSeries).Methods("GET")
	api.HandleFunc("/sensors/{node}/{capability}", s.handleSensorQuery).Methods("GET")

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/ws", s.wsHub.serveWS)

	s.srv = &http.Server{Handler: r}
	return s
}

// Start serves on the given port in the background.
func (s *Server) Start(port int) error {
	s.srv.Addr = fmt.Sprintf(":%d", port)
	ln, err := newListener(s.srv.Addr)
	if err != nil {
		return fmt.Errorf("bind dashboard: %w", err)
	}
	s.ln = ln
	s.wsHub.start()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("❌ serve: %v", err)
		}
	}()
	s.logger.Printf("dashboard on %s", ln.Addr())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the HTTP server and the websocket hub down.
func (s *Server) Stop(ctx context.Context) error {
	s.wsHub.stop()
	s.limiter.stop()
	return s.srv.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryFloat(r *http.Request, key string) float64 {
	f, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return f
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"node_id": s.deps.NodeID,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}
	if s.deps.Registry != nil {
		status["devices_online"] = s.deps.Registry.OnlineCount()
		status["devices_total"] = len(s.deps.Registry.ListDevices())
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.ListDevices())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	dev := s.deps.Registry.GetDevice(mux.Vars(r)["id"])
	if dev == nil {
		writeError(w, http.StatusNotFound, "unknown device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.DispatchCommand == nil {
		writeError(w, http.StatusServiceUnavailable, "command dispatch unavailable")
		return
	}
	var cmd command.DeviceCommand
	if !decodeBody(w, r, &cmd) {
		return
	}
	errs, sent := s.deps.DispatchCommand(cmd)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sent":   sent,
		"errors": errs,
	})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Rules.ListRules())
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	id := s.deps.Rules.AddRule(&rule)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Rules.RemoveRule(mux.Vars(r)["id"]) {
		writeError(w, http.StatusNotFound, "unknown rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.deps.Rules.SetEnabled(mux.Vars(r)["id"], body.Enabled) {
		writeError(w, http.StatusNotFound, "unknown rule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Groups.ListGroups())
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string   `json:"id"`
		Name    string   `json:"name"`
		Devices []string `json:"devices"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	g := s.deps.Groups.CreateGroup(body.ID, body.Name, body.Devices)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGroupCommand(w http.ResponseWriter, r *http.Request) {
	if s.deps.DispatchCommand == nil {
		writeError(w, http.StatusServiceUnavailable, "command dispatch unavailable")
		return
	}
	var body struct {
		Action     string                 `json:"action"`
		Capability string                 `json:"capability"`
		Params     map[string]interface{} `json:"params"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	cmds := s.deps.Groups.FanOutGroupCommand(mux.Vars(r)["id"], command.Action(body.Action), body.Capability, body.Params)
	if cmds == nil {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	sent := 0
	for _, cmd := range cmds {
		if _, ok := s.deps.DispatchCommand(cmd); ok {
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"commands": len(cmds), "sent": sent})
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Groups.ListScenes())
}

func (s *Server) handleActivateScene(w http.ResponseWriter, r *http.Request) {
	if s.deps.DispatchCommand == nil {
		writeError(w, http.StatusServiceUnavailable, "command dispatch unavailable")
		return
	}
	id := mux.Vars(r)["id"]
	if s.deps.Groups.GetScene(id) == nil {
		writeError(w, http.StatusNotFound, "unknown scene")
		return
	}
	cmds := s.deps.Groups.GetSceneCommands(id)
	sent := 0
	for _, cmd := range cmds {
		if _, ok := s.deps.DispatchCommand(cmd); ok {
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"commands": len(cmds), "sent": sent})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Peers == nil {
		writeJSON(w, http.StatusOK, []discovery.Peer{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Peers())
}

func (s *Server) handleStartEnrollment(w http.ResponseWriter, r *http.Request) {
	if s.deps.StartEnrollment == nil {
		writeError(w, http.StatusServiceUnavailable, "enrollment disabled")
		return
	}
	pin, err := s.deps.StartEnrollment()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"pin": pin})
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	if s.deps.Firmware == nil {
		writeError(w, http.StatusServiceUnavailable, "ota disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Firmware.ListFirmware())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.deps.OTA == nil {
		writeError(w, http.StatusServiceUnavailable, "ota disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.OTA.ListSessions())
}

func (s *Server) handleStartUpdate(w http.ResponseWriter, r *http.Request) {
	if s.deps.OTA == nil {
		writeError(w, http.StatusServiceUnavailable, "ota disabled")
		return
	}
	var body struct {
		Device     string `json:"device"`
		FirmwareID string `json:"firmware_id"`
		ChunkSize  int    `json:"chunk_size"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	sess, err := s.deps.OTA.StartUpdate(body.Device, body.FirmwareID, body.ChunkSize)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Series())
}

// handleSensorQuery returns raw readings, or a single aggregate when the
// fn query parameter is present.
func (s *Server) handleSensorQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	node, capability := vars["node"], vars["capability"]
	start, end := queryFloat(r, "start"), queryFloat(r, "end")

	if fn := r.URL.Query().Get("fn"); fn != "" {
		value := s.deps.Pipeline.Aggregate(node, capability, fn, start, end)
		writeJSON(w, http.StatusOK, map[string]interface{}{"fn": fn, "value": value})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Query(node, capability, start, end))
}
