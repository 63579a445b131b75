package hub

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lanmesh/hub/internal/command"
	"github.com/lanmesh/hub/internal/discovery"
	"github.com/lanmesh/hub/internal/events"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/registry"
)

// routeEnvelope is the single inbound dispatch point: every verified,
// decrypted envelope from the transport lands here.
func (h *Hub) routeEnvelope(env *protocol.Envelope) {
	switch {
	case env.Type.IsOTA():
		if h.ota != nil {
			h.ota.HandleEnvelope(env)
		}

	case env.Type.IsFederation():
		if h.fed != nil {
			h.fed.HandleEnvelope(env, h.federationReply(env.Source))
		}

	default:
		switch env.Type {
		case protocol.TypeStateReport:
			h.handleStateReport(env)
		case protocol.TypeChat, protocol.TypeCommand, protocol.TypeResponse:
			select {
			case h.inbound <- env:
			default:
				h.logger.Printf("⚠️  inbound queue full, dropping %s from %s", env.Type, env.Source)
			}
		}
	}
}

// federationReply routes a response back to the originating hub: over its
// link when one is up, otherwise via the discovery peer table.
func (h *Hub) federationReply(hubID string) func(*protocol.Envelope) bool {
	return func(env *protocol.Envelope) bool {
		if link := h.fed.Link(hubID); link != nil && link.Connected() {
			return link.Send(env)
		}
		return h.trans.Send(env)
	}
}

// handleStateReport absorbs a device's state push: registry, sensor
// pipeline, rule evaluation and federation broadcast, in that order.
func (h *Hub) handleStateReport(env *protocol.Envelope) {
	nodeID := env.Source
	state, _ := env.Payload["state"].(map[string]interface{})
	if len(state) == 0 {
		return
	}

	if h.reg.GetDevice(nodeID) == nil {
		// First contact without enrollment or beacon: register a bare
		// entry so state is not lost.
		name := env.PayloadString("name")
		if name == "" {
			name = nodeID
		}
		h.reg.Register(nodeID, name, env.PayloadString("device_type"), nil, nil)
	}
	h.reg.MarkOnline(nodeID)
	h.reg.UpdateState(nodeID, state)
	h.pipe.RecordState(nodeID, state)

	for _, cmd := range h.rules.EvaluateForDevice(nodeID, protocol.Now()) {
		h.DispatchCommand(cmd)
	}

	if h.fed != nil {
		h.fed.BroadcastState(nodeID, state)
	}
}

// handleEnrollRequest answers an ENROLL_REQUEST on the inbound connection
// and registers the device on success.
func (h *Hub) handleEnrollRequest(env *protocol.Envelope) *protocol.Envelope {
	resp := h.enroll.HandleRequest(env)
	if resp != nil && resp.PayloadString("status") == "ok" {
		name := env.PayloadString("name")
		if name == "" {
			name = env.Source
		}
		h.reg.Register(env.Source, name, env.PayloadString("device_type"), nil, nil)
		h.bus.Emit(events.TypeEnrollment, h.cfg.NodeID, env.Source, map[string]interface{}{
			"name": name,
		})
	}
	return resp
}

// ============================================================================
// REGISTRY AND DISCOVERY GLUE
// ============================================================================

// onRegistryEvent republishes registry mutations on the bus and keeps the
// online gauge current.
func (h *Hub) onRegistryEvent(ev registry.Event) {
	h.met.DevicesOnline.Set(float64(h.reg.OnlineCount()))

	data := map[string]interface{}{}
	busType := ""
	switch ev.Type {
	case registry.EventRegistered:
		busType = events.TypeDeviceRegistered
	case registry.EventUpdated:
		busType = events.TypeDeviceUpdated
	case registry.EventStateChanged:
		busType = events.TypeDeviceState
		data["changed"] = ev.Changed
	case registry.EventOnline:
		busType = events.TypeDeviceOnline
	case registry.EventOffline:
		busType = events.TypeDeviceOffline
	default:
		return
	}
	h.bus.Emit(busType, h.cfg.NodeID, ev.Device.NodeID, data)
}

// onPeerSeen refreshes liveness for a beaconing node and auto-registers
// devices that announce themselves with beacon hints. Hub peers are
// tracked by discovery only.
func (h *Hub) onPeerSeen(peer discovery.Peer) {
	if hasRole(peer.Roles, "hub") {
		h.bus.Emit(events.TypePeerSeen, h.cfg.NodeID, peer.NodeID, map[string]interface{}{
			"addr": peer.Addr,
		})
		return
	}

	if h.reg.GetDevice(peer.NodeID) == nil && peer.DeviceType != "" {
		caps := make([]registry.Capability, 0, len(peer.Capabilities))
		for _, name := range peer.Capabilities {
			caps = append(caps, registry.Capability{Name: name})
		}
		name := peer.Name
		if name == "" {
			name = peer.NodeID
		}
		h.reg.Register(peer.NodeID, name, peer.DeviceType, caps, nil)
	}
	h.reg.MarkOnline(peer.NodeID)
}

func (h *Hub) onPeerLost(peer discovery.Peer) {
	h.reg.MarkOffline(peer.NodeID)
	h.bus.Emit(events.TypePeerLost, h.cfg.NodeID, peer.NodeID, nil)
}

// peerAddr resolves a node id to its TCP endpoint via the discovery table.
func (h *Hub) peerAddr(nodeID string) (string, bool) {
	peer := h.disc.GetPeer(nodeID)
	if peer == nil {
		return "", false
	}
	return net.JoinHostPort(peer.Addr, strconv.Itoa(peer.TCPPort)), true
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// ============================================================================
// COMMAND DISPATCH
// ============================================================================

// DispatchCommand validates and delivers one device command. Local devices
// are reached over the transport; devices owned by a federated hub are
// forwarded there. The returned problems include the offline warning even
// when the command was still sent.
func (h *Hub) DispatchCommand(cmd command.DeviceCommand) ([]string, bool) {
	if h.reg.GetDevice(cmd.Device) != nil {
		problems := cmd.Validate(h.reg)
		for _, p := range problems {
			if !command.IsOfflineWarning(p) {
				return problems, false
			}
		}
		return problems, h.trans.SendWithRetry(cmd.ToEnvelope(h.cfg.NodeID))
	}

	if h.fed != nil && h.fed.OwningHub(cmd.Device) != "" {
		var value interface{}
		if cmd.Params != nil {
			value = cmd.Params["value"]
		}
		return nil, h.fed.ForwardCommand(cmd.Device, cmd.Capability, value, 10*time.Second)
	}

	return []string{fmt.Sprintf("device %q unknown", cmd.Device)}, false
}

// federationSnapshot is what peer hubs see of this hub's devices.
func (h *Hub) federationSnapshot() []map[string]interface{} {
	devices := h.reg.ListDevices()
	out := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		out = append(out, map[string]interface{}{
			"node_id": d.NodeID,
			"name":    d.Name,
			"type":    d.Type,
			"online":  d.Online,
			"state":   d.State,
		})
	}
	return out
}

// runLocalCommand executes a command forwarded from a peer hub against a
// locally-owned device.
func (h *Hub) runLocalCommand(nodeID, capability string, value interface{}) (interface{}, error) {
	cmd := command.DeviceCommand{
		Device:     nodeID,
		Action:     command.ActionSet,
		Capability: capability,
		Params:     map[string]interface{}{"value": value},
	}
	problems, sent := h.DispatchCommand(cmd)
	if !sent {
		if len(problems) > 0 {
			return nil, fmt.Errorf("dispatch %s: %s", nodeID, strings.Join(problems, "; "))
		}
		return nil, fmt.Errorf("dispatch %s: send failed", nodeID)
	}
	return value, nil
}

// ============================================================================
// AGENT SURFACE
// ============================================================================

// InboundMessages exposes chat, command and response envelopes for an
// embedding agent or CLI.
func (h *Hub) InboundMessages() <-chan *protocol.Envelope {
	return h.inbound
}

// SendText delivers a text reply to a node as a RESPONSE envelope.
func (h *Hub) SendText(target, text string) bool {
	return h.trans.Send(protocol.NewEnvelope(protocol.TypeResponse, h.cfg.NodeID, target, map[string]interface{}{
		"text": text,
	}))
}

// DeviceSummary renders a one-line-per-device view of the registry.
func (h *Hub) DeviceSummary() string {
	devices := h.reg.ListDevices()
	if len(devices) == 0 {
		return "no devices registered"
	}
	var b strings.Builder
	for _, d := range devices {
		status := "offline"
		if d.Online {
			status = "online"
		}
		fmt.Fprintf(&b, "%s (%s, %s): %s\n", d.NodeID, d.Name, d.Type, status)
	}
	return strings.TrimRight(b.String(), "\n")
}

// StartEnrollment opens an enrollment window when PSK security is on.
func (h *Hub) StartEnrollment() (string, error) {
	if h.enroll == nil {
		return "", fmt.Errorf("enrollment requires psk security")
	}
	return h.enroll.StartEnrollment()
}
