// Package transport moves envelopes over TCP, optionally under the mesh
// CA's mutual TLS. Inbound connections carry exactly one envelope; outbound
// sends open a fresh connection per envelope and close it after the write.
package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lanmesh/hub/internal/ca"
	"github.com/lanmesh/hub/internal/metrics"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/resilience"
	"github.com/lanmesh/hub/internal/security"
)

// Drop reasons used as metric labels and log fields.
const (
	dropProtocol    = "protocol"
	dropUnknownType = "unknown_type"
	dropAuth        = "auth"
	dropReplay      = "replay"
	dropRevoked     = "revoked"
	dropDecrypt     = "decrypt"
)

// Handler receives verified, decrypted inbound envelopes.
type Handler func(env *protocol.Envelope)

// PeerLookup resolves a node id to a dialable host:port; false when the
// peer is unknown or stale.
type PeerLookup func(nodeID string) (string, bool)

// Config carries the transport knobs.
type Config struct {
	NodeID               string
	TCPPort              int
	PSKAuthEnabled       bool
	AllowUnauthenticated bool
	EncryptionEnabled    bool
	ReadTimeout          time.Duration
	DialTimeout          time.Duration
}

// Transport owns the TCP listener and the outbound send path.
type Transport struct {
	cfg      Config
	keystore *security.KeyStore // nil when PSK auth is off
	lookup   PeerLookup
	met      *metrics.Metrics
	retry    resilience.RetryPolicy
	logger   *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	tlsServer *tls.Config
	tlsClient *tls.Config
	handlers  []Handler
	closed    bool

	// RevocationCheck is consulted per accepted TLS connection with the
	// peer certificate CN; true drops the connection before any read.
	RevocationCheck func(nodeID string) bool

	// EnrollmentActive gates the auth bypass for ENROLL_REQUEST.
	EnrollmentActive func() bool

	// EnrollmentHandler answers an admitted ENROLL_REQUEST on the same
	// connection.
	EnrollmentHandler func(env *protocol.Envelope) *protocol.Envelope

	wg sync.WaitGroup
}

// New builds a transport. keystore may be nil (PSK auth off), met may be
// nil (no instrumentation).
func New(cfg Config, keystore *security.KeyStore, lookup PeerLookup, met *metrics.Metrics) *Transport {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if met == nil {
		met = metrics.NewNop()
	}
	return &Transport{
		cfg:      cfg,
		keystore: keystore,
		lookup:   lookup,
		met:      met,
		retry:    resilience.DefaultRetryPolicy(),
		logger:   slog.Default().With("component", "transport", "node", cfg.NodeID),
	}
}

// UseTLS installs server and client TLS configs before Start. Replacing
// the server config after Start affects only new connections.
func (t *Transport) UseTLS(server, client *tls.Config) {
	t.mu.Lock()
	t.tlsServer = server
	t.tlsClient = client
	t.mu.Unlock()
}

// OnMessage appends an inbound handler. Handlers run synchronously per
// connection; panics are isolated.
func (t *Transport) OnMessage(h Handler) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// Start binds the listener and launches the accept loop.
func (t *Transport) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", t.cfg.TCPPort))
	if err != nil {
		return fmt.Errorf("bind transport listener: %w", err)
	}

	t.mu.Lock()
	if t.tlsServer != nil {
		ln = tls.NewListener(ln, t.tlsServer)
	}
	t.ln = ln
	t.closed = false
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)

	t.logger.Info("listening", "port", t.Port(), "tls", t.tlsServer != nil)
	return nil
}

// Port returns the bound TCP port, useful when configured as 0.
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return t.cfg.TCPPort
	}
	return t.ln.Addr().(*net.TCPAddr).Port
}

// Stop closes the listener and waits briefly for in-flight connections.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.closed = true
	ln := t.ln
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.logger.Warn("shutdown timed out waiting for connections")
	}
	return err
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.Warn("accept failed", "error", err)
			}
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(conn)
		}()
	}
}

// handleConn processes exactly one envelope from one inbound connection.
func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))

	// Under mTLS the handshake runs on first read; force it now so the
	// peer CN is available before the envelope.
	peerCN := ""
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			t.logger.Warn("tls handshake failed", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		peerCN, _ = ca.PeerCN(tlsConn.ConnectionState())
		if t.RevocationCheck != nil && t.RevocationCheck(peerCN) {
			t.drop(dropRevoked, "revoked certificate", "cn", peerCN)
			return
		}
	}

	env, err := protocol.ReadEnvelope(conn)
	if err != nil {
		t.drop(dropProtocol, "unreadable envelope", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if !env.Type.Known() {
		t.drop(dropUnknownType, "unknown message type", "type", string(env.Type), "source", env.Source)
		return
	}

	// Plaintext connections authenticate at the envelope layer; TLS
	// connections already authenticated at the channel layer.
	if peerCN == "" && t.cfg.PSKAuthEnabled && t.keystore != nil {
		if !t.authenticate(env, conn) {
			return
		}
	}

	if env.EncryptedPayload != "" && t.keystore != nil {
		if err := security.DecryptEnvelope(env, t.keystore.GetPSK(env.Source)); err != nil {
			t.drop(dropDecrypt, "payload decrypt failed", "source", env.Source, "error", err)
			return
		}
	}

	t.met.EnvelopesReceived.WithLabelValues(string(env.Type)).Inc()

	switch env.Type {
	case protocol.TypePing:
		pong := protocol.NewEnvelope(protocol.TypePong, t.cfg.NodeID, env.Source, nil)
		t.writeReply(conn, pong)
	case protocol.TypeEnrollRequest:
		if t.EnrollmentHandler != nil {
			if resp := t.EnrollmentHandler(env); resp != nil {
				t.writeReply(conn, resp)
			}
			return
		}
	}

	t.dispatch(env)
}

// authenticate applies the PSK auth rules to a plaintext envelope and
// reports whether processing may continue. ENROLL_REQUEST bypasses auth
// only while an enrollment window is open.
func (t *Transport) authenticate(env *protocol.Envelope, conn net.Conn) bool {
	if env.Type == protocol.TypeEnrollRequest {
		if t.EnrollmentActive != nil && t.EnrollmentActive() {
			return true
		}
		t.drop(dropAuth, "enroll request outside enrollment window", "source", env.Source)
		return false
	}

	if env.Nonce == "" && env.HMAC == "" && t.cfg.AllowUnauthenticated {
		return true
	}

	canonical, err := env.CanonicalBytes()
	if err != nil {
		t.drop(dropProtocol, "canonicalise failed", "source", env.Source, "error", err)
		return false
	}
	if err := t.keystore.VerifyEnvelope(canonical, env.Source, env.Nonce, env.HMAC, env.TS); err != nil {
		reason := dropAuth
		if errors.Is(err, security.ErrReplayedNonce) {
			reason = dropReplay
		}
		t.drop(reason, "auth rejected", "source", env.Source, "type", string(env.Type), "error", err)
		return false
	}
	return true
}

func (t *Transport) drop(reason, msg string, args ...interface{}) {
	t.met.EnvelopesDropped.WithLabelValues(reason).Inc()
	t.logger.Warn(msg, args...)
}

func (t *Transport) writeReply(conn net.Conn, env *protocol.Envelope) {
	conn.SetWriteDeadline(time.Now().Add(t.cfg.ReadTimeout))
	if err := protocol.WriteEnvelope(conn, env); err != nil {
		t.logger.Warn("reply write failed", "type", string(env.Type), "error", err)
	}
}

func (t *Transport) dispatch(env *protocol.Envelope) {
	t.mu.Lock()
	handlers := append([]Handler(nil), t.handlers...)
	t.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("handler panicked", "type", string(env.Type), "panic", r)
				}
			}()
			h(env)
		}()
	}
}

// ============================================================================
// OUTBOUND
// ============================================================================

// Send encrypts, signs and delivers one envelope to its target over a
// fresh connection. Returns false on any failure; errors never propagate.
func (t *Transport) Send(env *protocol.Envelope) bool {
	addr, ok := t.lookup(env.Target)
	if !ok {
		t.met.SendsTotal.WithLabelValues("no_peer").Inc()
		t.logger.Warn("send to unknown peer", "target", env.Target)
		return false
	}
	return t.SendToAddr(addr, env)
}

// SendToAddr delivers one envelope to an explicit host:port, applying the
// same encrypt-then-sign pipeline as Send.
func (t *Transport) SendToAddr(addr string, env *protocol.Envelope) bool {
	if t.keystore != nil {
		psk := t.keystore.GetPSK(env.Target)
		if psk != "" && (t.cfg.EncryptionEnabled || t.cfg.PSKAuthEnabled) {
			// Seal and sign a copy: the caller's envelope stays
			// plaintext, so a retried send encrypts the real payload,
			// not the emptied one left by a previous attempt.
			wire := *env
			env = &wire
		}
		if t.cfg.EncryptionEnabled && psk != "" {
			if err := security.EncryptEnvelope(env, psk); err != nil {
				t.logger.Warn("encrypt failed", "target", env.Target, "error", err)
				t.met.SendsTotal.WithLabelValues("write_error").Inc()
				return false
			}
		}
		if t.cfg.PSKAuthEnabled && psk != "" {
			if err := security.SignEnvelope(env, psk); err != nil {
				t.logger.Warn("sign failed", "target", env.Target, "error", err)
				t.met.SendsTotal.WithLabelValues("write_error").Inc()
				return false
			}
		}
	}

	conn, err := t.dial(addr)
	if err != nil {
		t.met.SendsTotal.WithLabelValues("dial_error").Inc()
		t.logger.Warn("dial failed", "addr", addr, "error", err)
		return false
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.DialTimeout))
	if err := protocol.WriteEnvelope(conn, env); err != nil {
		t.met.SendsTotal.WithLabelValues("write_error").Inc()
		t.logger.Warn("frame write failed", "addr", addr, "error", err)
		return false
	}

	t.met.SendsTotal.WithLabelValues("ok").Inc()
	return true
}

func (t *Transport) dial(addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.cfg.DialTimeout}
	t.mu.Lock()
	tlsClient := t.tlsClient
	t.mu.Unlock()
	if tlsClient != nil {
		return tls.DialWithDialer(dialer, "tcp", addr, tlsClient)
	}
	return dialer.Dial("tcp", addr)
}

// SendWithRetry wraps Send with the transport's retry policy.
func (t *Transport) SendWithRetry(env *protocol.Envelope) bool {
	return t.retry.RetrySend("transport-send", func() bool { return t.Send(env) })
}
