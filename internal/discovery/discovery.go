// Package discovery announces this node over UDP broadcast beacons and
// maintains a table of peers heard on the same port.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/resilience"
)

// Beacon is the JSON datagram broadcast every interval. The device hint
// fields are optional; hubs leave them empty, devices may fill them so the
// hub can auto-register on first sight.
type Beacon struct {
	NodeID  string   `json:"node_id"`
	TCPPort int      `json:"tcp_port"`
	Roles   []string `json:"roles"`

	Name         string   `json:"name,omitempty"`
	DeviceType   string   `json:"device_type,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Peer is one live entry in the peer table.
type Peer struct {
	Beacon
	Addr     string  `json:"addr"`
	LastSeen float64 `json:"last_seen"`
}

// Config carries the discovery knobs.
type Config struct {
	NodeID            string
	UDPPort           int
	TCPPort           int
	Roles             []string
	BroadcastAddr     string // defaults to 255.255.255.255
	BroadcastInterval time.Duration
	PeerTimeout       time.Duration
}

// Discovery owns the UDP socket, the beacon loop and the peer table.
// Peer callbacks run synchronously from the listener goroutine; panics are
// recovered and logged so one bad handler cannot stop discovery.
type Discovery struct {
	cfg  Config
	conn *net.UDPConn
	dst  *net.UDPAddr

	mu    sync.Mutex
	peers map[string]*Peer

	beaconLoop *resilience.Watchdog
	pruneLoop  *resilience.Watchdog
	done       chan struct{}
	logger     *log.Logger

	OnNewPeer  func(Peer)
	OnPeerSeen func(Peer)
	OnPeerLost func(Peer)
}

// New builds a discovery instance; Start binds the socket.
func New(cfg Config) *Discovery {
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = "255.255.255.255"
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = 10 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 30 * time.Second
	}
	d := &Discovery{
		cfg:    cfg,
		peers:  make(map[string]*Peer),
		logger: log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags),
	}
	d.beaconLoop = resilience.NewWatchdog("discovery-beacon", cfg.BroadcastInterval, d.sendBeacon)
	d.pruneLoop = resilience.NewWatchdog("discovery-prune", cfg.PeerTimeout/2, d.prunePeers)
	return d
}

// Start binds the shared UDP port with SO_REUSEADDR and SO_BROADCAST,
// launches the listener goroutine and both watchdog loops, and sends an
// immediate first beacon.
func (d *Discovery) Start() error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
					sockErr = fmt.Errorf("SO_BROADCAST: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", d.cfg.UDPPort))
	if err != nil {
		return fmt.Errorf("bind discovery socket: %w", err)
	}
	d.conn = pc.(*net.UDPConn)
	d.dst = &net.UDPAddr{IP: net.ParseIP(d.cfg.BroadcastAddr), Port: d.cfg.UDPPort}
	d.done = make(chan struct{})

	go d.listen()
	d.sendBeacon()
	d.beaconLoop.Start()
	d.pruneLoop.Start()

	d.logger.Printf("announcing %s on udp/%d every %s", d.cfg.NodeID, d.cfg.UDPPort, d.cfg.BroadcastInterval)
	return nil
}

// Stop closes the socket and halts both loops. Safe to call twice.
func (d *Discovery) Stop() {
	d.beaconLoop.Stop()
	d.pruneLoop.Stop()
	if d.conn != nil {
		d.conn.Close()
	}
	if d.done != nil {
		select {
		case <-d.done:
		case <-time.After(time.Second):
		}
	}
}

func (d *Discovery) sendBeacon() {
	if d.conn == nil {
		return
	}
	beacon := Beacon{
		NodeID:  d.cfg.NodeID,
		TCPPort: d.cfg.TCPPort,
		Roles:   d.cfg.Roles,
	}
	data, err := json.Marshal(beacon)
	if err != nil {
		d.logger.Printf("⚠️  marshal beacon: %v", err)
		return
	}
	if _, err := d.conn.WriteToUDP(data, d.dst); err != nil {
		d.logger.Printf("⚠️  beacon send: %v", err)
	}
}

func (d *Discovery) listen() {
	defer close(d.done)
	buf := make([]byte, 2048)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed by Stop
		}
		var beacon Beacon
		if err := json.Unmarshal(buf[:n], &beacon); err != nil {
			d.logger.Printf("⚠️  malformed beacon from %s: %v", addr, err)
			continue
		}
		if beacon.NodeID == "" || beacon.NodeID == d.cfg.NodeID {
			continue
		}
		d.handleBeacon(beacon, addr.IP.String())
	}
}

// handleBeacon upserts the peer table and fires the seen callbacks.
func (d *Discovery) handleBeacon(beacon Beacon, addr string) {
	now := protocol.Now()

	d.mu.Lock()
	_, known := d.peers[beacon.NodeID]
	peer := &Peer{Beacon: beacon, Addr: addr, LastSeen: now}
	d.peers[beacon.NodeID] = peer
	snapshot := *peer
	d.mu.Unlock()

	if !known {
		d.logger.Printf("new peer %s at %s:%d", beacon.NodeID, addr, beacon.TCPPort)
		d.invoke(d.OnNewPeer, snapshot)
	} else {
		d.invoke(d.OnPeerSeen, snapshot)
	}
}

// invoke runs a callback with panic isolation.
func (d *Discovery) invoke(fn func(Peer), peer Peer) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("⚠️  peer callback panicked for %s: %v", peer.NodeID, r)
		}
	}()
	fn(peer)
}

// prunePeers drops entries stale beyond the peer timeout and fires the
// lost callback for each.
func (d *Discovery) prunePeers() {
	now := protocol.Now()
	var lost []Peer

	d.mu.Lock()
	for id, peer := range d.peers {
		if now-peer.LastSeen > d.cfg.PeerTimeout.Seconds() {
			lost = append(lost, *peer)
			delete(d.peers, id)
		}
	}
	d.mu.Unlock()

	for _, peer := range lost {
		d.logger.Printf("⚠️  peer %s lost (last seen %.0fs ago)", peer.NodeID, now-peer.LastSeen)
		d.invoke(d.OnPeerLost, peer)
	}
}

// GetPeer returns a copy of a live peer, nil when unknown or stale beyond
// the peer timeout.
func (d *Discovery) GetPeer(nodeID string) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	peer, ok := d.peers[nodeID]
	if !ok {
		return nil
	}
	if protocol.Now()-peer.LastSeen > d.cfg.PeerTimeout.Seconds() {
		return nil
	}
	cp := *peer
	return &cp
}

// ListPeers snapshots all live (non-stale) peers.
func (d *Discovery) ListPeers() []Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := protocol.Now()
	out := make([]Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		if now-peer.LastSeen > d.cfg.PeerTimeout.Seconds() {
			continue
		}
		out = append(out, *peer)
	}
	return out
}
