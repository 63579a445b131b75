package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanmesh/hub/internal/protocol"
)

func testConfig(udpPort int) Config {
	return Config{
		NodeID:            "hub",
		UDPPort:           udpPort,
		TCPPort:           18800,
		Roles:             []string{"hub"},
		BroadcastAddr:     "127.0.0.1",
		BroadcastInterval: time.Hour, // beacons driven manually in tests
		PeerTimeout:       30 * time.Second,
	}
}

func TestBeaconUpsertAndCallbacks(t *testing.T) {
	d := New(testConfig(0))

	var mu sync.Mutex
	var news, seens []string
	d.OnNewPeer = func(p Peer) {
		mu.Lock()
		news = append(news, p.NodeID)
		mu.Unlock()
	}
	d.OnPeerSeen = func(p Peer) {
		mu.Lock()
		seens = append(seens, p.NodeID)
		mu.Unlock()
	}

	beacon := Beacon{NodeID: "esp32-01", TCPPort: 9000, Roles: []string{"device"}}
	d.handleBeacon(beacon, "192.168.1.50")
	d.handleBeacon(beacon, "192.168.1.50")

	mu.Lock()
	assert.Equal(t, []string{"esp32-01"}, news, "first sighting is new-peer")
	assert.Equal(t, []string{"esp32-01"}, seens, "second sighting is peer-seen")
	mu.Unlock()

	peer := d.GetPeer("esp32-01")
	require.NotNil(t, peer)
	assert.Equal(t, "192.168.1.50", peer.Addr)
	assert.Equal(t, 9000, peer.TCPPort)
}

func TestGetPeerStaleReturnsNil(t *testing.T) {
	d := New(testConfig(0))
	d.handleBeacon(Beacon{NodeID: "esp32-01", TCPPort: 9000}, "10.0.0.2")

	d.mu.Lock()
	d.peers["esp32-01"].LastSeen = protocol.Now() - 120
	d.mu.Unlock()

	assert.Nil(t, d.GetPeer("esp32-01"), "stale beyond peer_timeout reads as absent")
	assert.Empty(t, d.ListPeers())
	assert.Nil(t, d.GetPeer("never-seen"))
}

func TestPruneFiresPeerLost(t *testing.T) {
	d := New(testConfig(0))

	var mu sync.Mutex
	var lost []string
	d.OnPeerLost = func(p Peer) {
		mu.Lock()
		lost = append(lost, p.NodeID)
		mu.Unlock()
	}

	d.handleBeacon(Beacon{NodeID: "esp32-01", TCPPort: 9000}, "10.0.0.2")
	d.handleBeacon(Beacon{NodeID: "esp32-02", TCPPort: 9001}, "10.0.0.3")

	d.mu.Lock()
	d.peers["esp32-01"].LastSeen = protocol.Now() - 120
	d.mu.Unlock()

	d.prunePeers()

	mu.Lock()
	assert.Equal(t, []string{"esp32-01"}, lost)
	mu.Unlock()
	assert.Nil(t, d.GetPeer("esp32-01"))
	assert.NotNil(t, d.GetPeer("esp32-02"))
}

func TestCallbackPanicDoesNotStopDiscovery(t *testing.T) {
	d := New(testConfig(0))
	d.OnNewPeer = func(Peer) { panic("bad handler") }

	assert.NotPanics(t, func() {
		d.handleBeacon(Beacon{NodeID: "esp32-01", TCPPort: 9000}, "10.0.0.2")
	})
	assert.NotNil(t, d.GetPeer("esp32-01"), "peer recorded despite handler panic")
}

// End-to-end over a real loopback socket: an external datagram lands in
// the peer table, and a datagram carrying our own node id does not.
func TestListenerReceivesBeacon(t *testing.T) {
	cfg := testConfig(19876)
	d := New(cfg)
	require.NoError(t, d.Start())
	defer d.Stop()

	seen := make(chan Peer, 1)
	d.OnNewPeer = func(p Peer) {
		select {
		case seen <- p:
		default:
		}
	}

	payload, err := json.Marshal(Beacon{NodeID: "esp32-99", TCPPort: 9100, Roles: []string{"device"}})
	require.NoError(t, err)
	ownPayload, err := json.Marshal(Beacon{NodeID: cfg.NodeID, TCPPort: cfg.TCPPort})
	require.NoError(t, err)

	conn, err := net.Dial("udp4", fmt.Sprintf("127.0.0.1:%d", cfg.UDPPort))
	require.NoError(t, err)
	defer conn.Close()

	deadline := time.After(5 * time.Second)
	for {
		_, err = conn.Write(ownPayload)
		require.NoError(t, err)
		_, err = conn.Write(payload)
		require.NoError(t, err)
		select {
		case p := <-seen:
			assert.Equal(t, "esp32-99", p.NodeID)
			assert.Equal(t, 9100, p.TCPPort)
			assert.Nil(t, d.GetPeer(cfg.NodeID), "own beacons are dropped")
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("beacon never arrived")
		}
	}
}
