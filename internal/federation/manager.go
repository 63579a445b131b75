// Package federation connects this hub to peer hubs, mirrors their device
// snapshots and forwards commands to whichever hub owns a device.
package federation

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lanmesh/hub/internal/metrics"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/resilience"
)

// PeerConfig identifies one peer hub.
type PeerConfig struct {
	HubID string `json:"hub_id"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
}

// Config is the persisted federation file.
type Config struct {
	Peers        []PeerConfig `json:"peers"`
	SyncInterval float64      `json:"sync_interval"`
}

// LoadConfig reads the federation file; a missing file yields an empty
// config rather than an error.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load federation config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse federation config: %w", err)
	}
	return cfg, nil
}

// Executor runs a forwarded command against a local device and returns
// the resulting value.
type Executor func(nodeID, capability string, value interface{}) (interface{}, error)

// SnapshotFunc returns the locally-owned device list for sync messages.
type SnapshotFunc func() []map[string]interface{}

type pendingKey struct {
	node       string
	capability string
}

type pendingResult struct {
	success bool
	value   interface{}
	err     string
}

// Manager owns one Link per configured peer plus the remote device view.
type Manager struct {
	hubID string
	cfg   Config

	mu            sync.Mutex
	links         map[string]*Link
	remoteDevices map[string]map[string]map[string]interface{} // hub -> node -> device
	deviceHub     map[string]string                            // node -> owning hub
	pending       map[pendingKey]chan pendingResult

	snapshot SnapshotFunc
	executor Executor
	syncLoop *resilience.Watchdog
	met      *metrics.Metrics
	logger   *log.Logger

	// OnRemoteState fires when a peer pushes a state update for one of
	// its devices.
	OnRemoteState func(hubID, nodeID string, state map[string]interface{})
}

// NewManager builds the federation manager. snapshot supplies local
// devices for sync; executor runs forwarded commands locally.
func NewManager(hubID string, cfg Config, snapshot SnapshotFunc, executor Executor, met *metrics.Metrics) *Manager {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30
	}
	if met == nil {
		met = metrics.NewNop()
	}
	m := &Manager{
		hubID:         hubID,
		cfg:           cfg,
		links:         make(map[string]*Link),
		remoteDevices: make(map[string]map[string]map[string]interface{}),
		deviceHub:     make(map[string]string),
		pending:       make(map[pendingKey]chan pendingResult),
		snapshot:      snapshot,
		executor:      executor,
		met:           met,
		logger:        log.New(log.Writer(), "[FEDERATION] ", log.LstdFlags),
	}
	m.syncLoop = resilience.NewWatchdog("federation-sync",
		time.Duration(cfg.SyncInterval*float64(time.Second)), m.syncAll)

	for _, peer := range cfg.Peers {
		link := newLink(hubID, peer)
		link.onEnvelope = func(l *Link, env *protocol.Envelope) {
			m.HandleEnvelope(env, l.Send)
		}
		link.onConnect = func(l *Link) {
			m.met.FederationLinksConnected.Inc()
			m.sendSync(l)
		}
		link.onDisconnect = func(l *Link) {
			m.met.FederationLinksConnected.Dec()
		}
		m.links[peer.HubID] = link
	}
	return m
}

// Start launches every link's reconnect loop and the periodic sync.
func (m *Manager) Start() {
	for _, link := range m.links {
		link.start()
	}
	m.syncLoop.Start()
	if len(m.links) > 0 {
		m.logger.Printf("federating with %d peer hub(s)", len(m.links))
	}
}

// Stop tears down every link and the sync loop.
func (m *Manager) Stop() {
	m.syncLoop.Stop()
	for _, link := range m.links {
		link.stop()
	}
}

// Link returns the link for a peer hub id, nil when not configured.
func (m *Manager) Link(hubID string) *Link {
	return m.links[hubID]
}

// ============================================================================
// SYNC
// ============================================================================

func (m *Manager) syncAll() {
	for _, link := range m.links {
		if link.Connected() {
			m.sendSync(link)
		}
	}
}

func (m *Manager) sendSync(link *Link) {
	devices := []map[string]interface{}{}
	if m.snapshot != nil {
		devices = m.snapshot()
	}
	link.Send(protocol.NewEnvelope(protocol.TypeFedSync, m.hubID, link.HubID(), map[string]interface{}{
		"hub_id":  m.hubID,
		"devices": devices,
	}))
}

// BroadcastState pushes one device's state change to every connected peer.
func (m *Manager) BroadcastState(nodeID string, state map[string]interface{}) {
	env := protocol.NewEnvelope(protocol.TypeFedState, m.hubID, protocol.Broadcast, map[string]interface{}{
		"hub_id":  m.hubID,
		"node_id": nodeID,
		"state":   state,
	})
	for _, link := range m.links {
		if link.Connected() {
			link.Send(env)
		}
	}
}

// ============================================================================
// INBOUND
// ============================================================================

// HandleEnvelope dispatches one cross-hub envelope. reply writes back to
// the originating hub; both the per-link receive loop and the transport
// listener route here.
func (m *Manager) HandleEnvelope(env *protocol.Envelope, reply func(*protocol.Envelope) bool) {
	switch env.Type {
	case protocol.TypeFedHello:
		m.logger.Printf("hello from hub %s", env.PayloadString("hub_id"))

	case protocol.TypeFedSync:
		m.applySync(env)

	case protocol.TypeFedCommand:
		m.runForwardedCommand(env, reply)

	case protocol.TypeFedResponse:
		m.resolvePending(env)

	case protocol.TypeFedState:
		hubID := env.PayloadString("hub_id")
		nodeID := env.PayloadString("node_id")
		state, _ := env.Payload["state"].(map[string]interface{})
		if hubID == "" || nodeID == "" {
			return
		}
		m.applyRemoteState(hubID, nodeID, state)

	case protocol.TypeFedPing:
		if reply != nil {
			reply(protocol.NewEnvelope(protocol.TypeFedPong, m.hubID, env.Source, nil))
		}

	case protocol.TypeFedPong:
		// Liveness only.
	}
}

// applySync replaces the peer's device snapshot and recomputes the
// node-to-hub index, dropping nodes absent from the new snapshot.
func (m *Manager) applySync(env *protocol.Envelope) {
	hubID := env.PayloadString("hub_id")
	if hubID == "" {
		return
	}
	rawList, _ := env.Payload["devices"].([]interface{})

	devices := make(map[string]map[string]interface{}, len(rawList))
	for _, raw := range rawList {
		dict, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		nodeID, _ := dict["node_id"].(string)
		if nodeID == "" {
			continue
		}
		devices[nodeID] = dict
	}

	m.mu.Lock()
	m.remoteDevices[hubID] = devices
	m.deviceHub = make(map[string]string)
	for hub, devs := range m.remoteDevices {
		for nodeID := range devs {
			m.deviceHub[nodeID] = hub
		}
	}
	m.mu.Unlock()

	m.logger.Printf("sync from %s: %d device(s)", hubID, len(devices))
}

func (m *Manager) applyRemoteState(hubID, nodeID string, state map[string]interface{}) {
	m.mu.Lock()
	devs, ok := m.remoteDevices[hubID]
	if !ok {
		devs = make(map[string]map[string]interface{})
		m.remoteDevices[hubID] = devs
	}
	dev, ok := devs[nodeID]
	if !ok {
		dev = map[string]interface{}{"node_id": nodeID}
		devs[nodeID] = dev
		m.deviceHub[nodeID] = hubID
	}
	dev["state"] = state
	m.mu.Unlock()

	if m.OnRemoteState != nil {
		m.OnRemoteState(hubID, nodeID, state)
	}
}

func (m *Manager) runForwardedCommand(env *protocol.Envelope, reply func(*protocol.Envelope) bool) {
	nodeID := env.PayloadString("target_node")
	capability := env.PayloadString("capability")
	value := env.Payload["value"]

	payload := map[string]interface{}{
		"target_node": nodeID,
		"capability":  capability,
	}
	if m.executor == nil {
		payload["success"] = false
		payload["error"] = "no local executor"
	} else if result, err := m.executor(nodeID, capability, value); err != nil {
		payload["success"] = false
		payload["error"] = err.Error()
	} else {
		payload["success"] = true
		payload["value"] = result
	}

	if reply != nil {
		reply(protocol.NewEnvelope(protocol.TypeFedResponse, m.hubID, env.Source, payload))
	}
}

func (m *Manager) resolvePending(env *protocol.Envelope) {
	key := pendingKey{
		node:       env.PayloadString("target_node"),
		capability: env.PayloadString("capability"),
	}
	success, _ := env.Payload["success"].(bool)
	errMsg := env.PayloadString("error")

	m.mu.Lock()
	ch, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ch <- pendingResult{success: success, value: env.Payload["value"], err: errMsg}
}

// ============================================================================
// FORWARDING
// ============================================================================

// OwningHub returns which peer hub owns a node, "" when unknown.
func (m *Manager) OwningHub(nodeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceHub[nodeID]
}

// RemoteDevices snapshots the remote view for one hub.
func (m *Manager) RemoteDevices(hubID string) []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	devs := m.remoteDevices[hubID]
	out := make([]map[string]interface{}, 0, len(devs))
	for _, dev := range devs {
		out = append(out, dev)
	}
	return out
}

// ForwardCommand sends a command to the hub owning nodeID and waits for
// its response. False when no hub owns the node, the link is down, or the
// timeout elapses (which also removes the waiter).
func (m *Manager) ForwardCommand(nodeID, capability string, value interface{}, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hubID := m.OwningHub(nodeID)
	if hubID == "" {
		m.logger.Printf("⚠️  no hub owns %s", nodeID)
		return false
	}
	link := m.links[hubID]
	if link == nil || !link.Connected() {
		m.logger.Printf("⚠️  link to %s down, cannot forward", hubID)
		return false
	}

	key := pendingKey{node: nodeID, capability: capability}
	ch := make(chan pendingResult, 1)
	m.mu.Lock()
	m.pending[key] = ch
	m.mu.Unlock()

	env := protocol.NewEnvelope(protocol.TypeFedCommand, m.hubID, hubID, map[string]interface{}{
		"target_node": nodeID,
		"capability":  capability,
		"value":       value,
	})
	if !link.Send(env) {
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
		return false
	}

	select {
	case result := <-ch:
		if !result.success && result.err != "" {
			m.logger.Printf("⚠️  forward to %s failed: %s", nodeID, result.err)
		}
		return result.success
	case <-time.After(timeout):
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
		m.logger.Printf("⚠️  forward to %s timed out", nodeID)
		return false
	}
}
