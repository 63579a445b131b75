package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanmesh/hub/internal/ca"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/resilience"
	"github.com/lanmesh/hub/internal/security"
)

type inbox struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (in *inbox) handler(env *protocol.Envelope) {
	in.mu.Lock()
	in.envs = append(in.envs, env)
	in.mu.Unlock()
}

func (in *inbox) wait(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		in.mu.Lock()
		if len(in.envs) >= n {
			out := append([]*protocol.Envelope(nil), in.envs...)
			in.mu.Unlock()
			return out
		}
		in.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d envelopes, timed out", n)
	return nil
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.envs)
}

func newKeystore(t *testing.T) *security.KeyStore {
	t.Helper()
	ks, err := security.NewKeyStore(filepath.Join(t.TempDir(), "keys.json"), 60*time.Second)
	require.NoError(t, err)
	return ks
}

func startTransport(t *testing.T, cfg Config, ks *security.KeyStore, lookup PeerLookup) (*Transport, *inbox) {
	t.Helper()
	in := &inbox{}
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	tr := New(cfg, ks, lookup, nil)
	tr.OnMessage(in.handler)
	require.NoError(t, tr.Start())
	t.Cleanup(func() { tr.Stop() })
	return tr, in
}

// rawSend frames one envelope to addr and optionally reads one reply.
func rawSend(t *testing.T, addr string, env *protocol.Envelope, wantReply bool) *protocol.Envelope {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WriteEnvelope(conn, env))
	if !wantReply {
		return nil
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := protocol.ReadEnvelope(conn)
	require.NoError(t, err)
	return reply
}

func TestPlaintextDelivery(t *testing.T) {
	tr, in := startTransport(t, Config{NodeID: "hub", TCPPort: 0}, nil, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	rawSend(t, addr, protocol.NewEnvelope(protocol.TypeStateReport, "dev-01", "hub", map[string]interface{}{
		"state": map[string]interface{}{"temperature": 21.5},
	}), false)

	envs := in.wait(t, 1)
	assert.Equal(t, protocol.TypeStateReport, envs[0].Type)
	assert.Equal(t, "dev-01", envs[0].Source)
}

func TestPingAutoPong(t *testing.T) {
	tr, _ := startTransport(t, Config{NodeID: "hub", TCPPort: 0}, nil, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	reply := rawSend(t, addr, protocol.NewEnvelope(protocol.TypePing, "dev-01", "hub", nil), true)
	assert.Equal(t, protocol.TypePong, reply.Type)
	assert.Equal(t, "hub", reply.Source)
	assert.Equal(t, "dev-01", reply.Target)
}

func TestGarbageFrameDropped(t *testing.T) {
	tr, in := startTransport(t, Config{NodeID: "hub", TCPPort: 0}, nil, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	conn.Write([]byte{0xff, 0xff, 0xff, 0xff, 'x'})
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, in.count(), "malformed frames never reach handlers")
}

func TestAuthRequiredWhenPSKEnabled(t *testing.T) {
	ks := newKeystore(t)
	psk, err := ks.AddDevice("dev-01", "Device")
	require.NoError(t, err)

	tr, in := startTransport(t, Config{NodeID: "hub", TCPPort: 0, PSKAuthEnabled: true}, ks, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	// Unsigned envelope: dropped.
	rawSend(t, addr, protocol.NewEnvelope(protocol.TypeStateReport, "dev-01", "hub", nil), false)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, in.count())

	// Properly signed envelope: delivered.
	env := protocol.NewEnvelope(protocol.TypeStateReport, "dev-01", "hub", map[string]interface{}{
		"state": map[string]interface{}{"power": true},
	})
	require.NoError(t, security.SignEnvelope(env, psk))
	rawSend(t, addr, env, false)
	envs := in.wait(t, 1)
	assert.Equal(t, protocol.TypeStateReport, envs[0].Type)

	// Byte-identical resend: replayed nonce, dropped.
	rawSend(t, addr, env, false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, in.count(), "replayed envelope rejected")
}

func TestStaleTimestampRejected(t *testing.T) {
	ks := newKeystore(t)
	psk, err := ks.AddDevice("dev-01", "Device")
	require.NoError(t, err)

	tr, in := startTransport(t, Config{NodeID: "hub", TCPPort: 0, PSKAuthEnabled: true}, ks, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	env := protocol.NewEnvelope(protocol.TypeStateReport, "dev-01", "hub", nil)
	env.TS -= 120 // window is 60 s
	require.NoError(t, security.SignEnvelope(env, psk))
	rawSend(t, addr, env, false)
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, in.count())
}

func TestAllowUnauthenticatedPassthrough(t *testing.T) {
	ks := newKeystore(t)
	cfg := Config{NodeID: "hub", TCPPort: 0, PSKAuthEnabled: true, AllowUnauthenticated: true}
	tr, in := startTransport(t, cfg, ks, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	rawSend(t, addr, protocol.NewEnvelope(protocol.TypeStateReport, "stranger", "hub", nil), false)
	in.wait(t, 1)
}

func TestEnrollmentBypass(t *testing.T) {
	ks := newKeystore(t)
	tr, in := startTransport(t, Config{NodeID: "hub", TCPPort: 0, PSKAuthEnabled: true}, ks, nil)
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	var active atomic.Bool
	tr.EnrollmentActive = active.Load
	tr.EnrollmentHandler = func(env *protocol.Envelope) *protocol.Envelope {
		return protocol.NewEnvelope(protocol.TypeEnrollResp, "hub", env.Source, map[string]interface{}{
			"status": "ok",
		})
	}

	// Window closed: dropped, no reply.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteEnvelope(conn, protocol.NewEnvelope(protocol.TypeEnrollRequest, "esp32-01", "hub", nil)))
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = protocol.ReadEnvelope(conn)
	assert.Error(t, err, "no response while the window is closed")
	conn.Close()

	// Window open: handled on the same connection.
	active.Store(true)
	reply := rawSend(t, addr, protocol.NewEnvelope(protocol.TypeEnrollRequest, "esp32-01", "hub", nil), true)
	assert.Equal(t, protocol.TypeEnrollResp, reply.Type)
	assert.Equal(t, "ok", reply.PayloadString("status"))
	assert.Zero(t, in.count(), "enroll requests do not reach general handlers")
}

func TestEncryptedCommandRoundTrip(t *testing.T) {
	ks := newKeystore(t)
	_, err := ks.AddDevice("hub-b", "Peer Hub")
	require.NoError(t, err)

	cfgA := Config{NodeID: "hub-a", TCPPort: 0, PSKAuthEnabled: true, EncryptionEnabled: true}
	cfgB := Config{NodeID: "hub-b", TCPPort: 0, PSKAuthEnabled: true, EncryptionEnabled: true}

	trB, inB := startTransport(t, cfgB, ks, nil)
	addrB := fmt.Sprintf("127.0.0.1:%d", trB.Port())
	lookup := func(nodeID string) (string, bool) {
		if nodeID == "hub-b" {
			return addrB, true
		}
		return "", false
	}
	trA, _ := startTransport(t, cfgA, ks, lookup)

	env := protocol.NewEnvelope(protocol.TypeCommand, "hub-b", "hub-b", map[string]interface{}{
		"capability": "power", "action": "set",
	})
	// Source must be a key the receiver knows; here both ends share the
	// hub-b record, standing in for an enrolled device.
	require.True(t, trA.Send(env))

	envs := inB.wait(t, 1)
	assert.Equal(t, protocol.TypeCommand, envs[0].Type)
	assert.Empty(t, envs[0].EncryptedPayload, "payload decrypted before dispatch")
	assert.Equal(t, "power", envs[0].PayloadString("capability"))
}

// A failed attempt must leave the envelope resendable: sealing happens
// on a per-attempt copy, so the retry encrypts the original payload and
// not the cleared one left behind by the first pass.
func TestRetriedEncryptedSendKeepsPayload(t *testing.T) {
	ks := newKeystore(t)
	_, err := ks.AddDevice("hub-b", "Peer Hub")
	require.NoError(t, err)

	cfgB := Config{NodeID: "hub-b", TCPPort: 0, PSKAuthEnabled: true, EncryptionEnabled: true}
	trB, inB := startTransport(t, cfgB, ks, nil)
	addrB := fmt.Sprintf("127.0.0.1:%d", trB.Port())

	var calls atomic.Int32
	lookup := func(nodeID string) (string, bool) {
		if nodeID != "hub-b" {
			return "", false
		}
		if calls.Add(1) == 1 {
			return "127.0.0.1:1", true // dead port, first dial fails
		}
		return addrB, true
	}
	cfgA := Config{NodeID: "hub-a", TCPPort: 0, PSKAuthEnabled: true, EncryptionEnabled: true, DialTimeout: 200 * time.Millisecond}
	trA, _ := startTransport(t, cfgA, ks, lookup)
	trA.retry = resilience.RetryPolicy{MaxRetries: 2, Base: 20 * time.Millisecond, Factor: 2.0, MaxDelay: 100 * time.Millisecond}

	env := protocol.NewEnvelope(protocol.TypeCommand, "hub-b", "hub-b", map[string]interface{}{
		"capability": "power", "action": "set",
	})
	require.True(t, trA.SendWithRetry(env))
	assert.GreaterOrEqual(t, calls.Load(), int32(2), "second attempt reached the live peer")

	envs := inB.wait(t, 1)
	assert.Empty(t, envs[0].EncryptedPayload, "payload decrypted before dispatch")
	assert.Equal(t, "power", envs[0].PayloadString("capability"))
	assert.Equal(t, "set", envs[0].PayloadString("action"))

	// The caller's envelope is still plaintext after both attempts.
	assert.Empty(t, env.EncryptedPayload)
	assert.Equal(t, "power", env.PayloadString("capability"))
}

func TestSendUnknownPeerFalse(t *testing.T) {
	tr, _ := startTransport(t, Config{NodeID: "hub", TCPPort: 0}, nil, nil)
	assert.False(t, tr.Send(protocol.NewEnvelope(protocol.TypeCommand, "hub", "ghost", nil)))
}

func TestSendDialFailureFalse(t *testing.T) {
	lookup := func(string) (string, bool) { return "127.0.0.1:1", true }
	tr := New(Config{NodeID: "hub", TCPPort: 0, DialTimeout: 200 * time.Millisecond}, nil, lookup, nil)
	assert.False(t, tr.Send(protocol.NewEnvelope(protocol.TypeCommand, "hub", "dev", nil)))
}

func TestHandlerPanicIsolated(t *testing.T) {
	tr, in := startTransport(t, Config{NodeID: "hub", TCPPort: 0}, nil, nil)
	tr.OnMessage(func(*protocol.Envelope) { panic("bad handler") })
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	rawSend(t, addr, protocol.NewEnvelope(protocol.TypeStateReport, "dev-01", "hub", nil), false)
	rawSend(t, addr, protocol.NewEnvelope(protocol.TypeStateReport, "dev-01", "hub", nil), false)
	in.wait(t, 2)
}

// Revoked certificates are cut before the envelope is read; non-revoked
// devices keep working against the same listener.
func TestMTLSRevocationEnforced(t *testing.T) {
	authority, err := ca.New(t.TempDir(), 365*24*time.Hour)
	require.NoError(t, err)

	issue := func(id string) tls.Certificate {
		certPEM, keyPEM, err := authority.IssueDeviceCert(id)
		require.NoError(t, err)
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		require.NoError(t, err)
		return cert
	}
	certX := issue("device-x")
	certY := issue("device-y")

	tr := New(Config{NodeID: "hub", TCPPort: 0}, nil, func(string) (string, bool) { return "", false }, nil)
	in := &inbox{}
	tr.OnMessage(in.handler)
	tr.UseTLS(authority.ServerTLSConfig(), authority.ClientTLSConfig())
	tr.RevocationCheck = authority.IsRevoked
	require.NoError(t, tr.Start())
	defer tr.Stop()
	addr := fmt.Sprintf("127.0.0.1:%d", tr.Port())

	authority.RevokeDevice("device-x")

	dial := func(cert tls.Certificate) *tls.Conn {
		cfg := authority.ClientTLSConfig()
		cfg.Certificates = []tls.Certificate{cert}
		conn, err := tls.Dial("tcp", addr, cfg)
		require.NoError(t, err)
		return conn
	}

	// device-y delivers normally.
	conn := dial(certY)
	require.NoError(t, protocol.WriteEnvelope(conn, protocol.NewEnvelope(protocol.TypeStateReport, "device-y", "hub", nil)))
	conn.Close()
	in.wait(t, 1)

	// device-x is dropped before the envelope is processed.
	conn = dial(certX)
	protocol.WriteEnvelope(conn, protocol.NewEnvelope(protocol.TypeStateReport, "device-x", "hub", nil))
	conn.Close()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, in.count(), "revoked CN never reaches handlers")
}
