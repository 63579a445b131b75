package ota

import (
	"encoding/base64"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lanmesh/hub/internal/metrics"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/resilience"
)

// SessionState tracks one device's position in the update flow.
type SessionState string

const (
	StateOffered      SessionState = "offered"
	StateTransferring SessionState = "transferring"
	StateVerifying    SessionState = "verifying"
	StateComplete     SessionState = "complete"
	StateRejected     SessionState = "rejected"
	StateFailed       SessionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateComplete || s == StateRejected || s == StateFailed
}

// Session is one in-flight (or finished) update for one device. The hub
// sends chunk k+1 only after the device has acknowledged chunk k.
type Session struct {
	DeviceID     string       `json:"device_id"`
	FirmwareID   string       `json:"firmware_id"`
	ChunkSize    int          `json:"chunk_size"`
	State        SessionState `json:"state"`
	TotalChunks  int          `json:"total_chunks"`
	NextSeq      int          `json:"next_seq"`
	AckedUpTo    int          `json:"acked_up_to"`
	StartedAt    float64      `json:"started_at"`
	LastActivity float64      `json:"last_activity"`
	Error        string       `json:"error,omitempty"`
}

// ManagerConfig carries the per-phase timeouts and housekeeping knobs.
type ManagerConfig struct {
	DefaultChunkSize int
	OfferTimeout     time.Duration
	ChunkAckTimeout  time.Duration
	VerifyTimeout    time.Duration
	SessionMaxAge    time.Duration
	SweepInterval    time.Duration
}

// DefaultManagerConfig mirrors the documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultChunkSize: 1024,
		OfferTimeout:     60 * time.Second,
		ChunkAckTimeout:  30 * time.Second,
		VerifyTimeout:    60 * time.Second,
		SessionMaxAge:    time.Hour,
		SweepInterval:    5 * time.Second,
	}
}

// SendFunc delivers an envelope to a device; false means send failure.
type SendFunc func(env *protocol.Envelope) bool

// Manager drives OTA sessions, at most one non-terminal per device. All
// transitions happen under one mutex; sends run inside it because the
// transport's send is a short connect-write-close.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store  *FirmwareStore
	nodeID string
	send   SendFunc
	cfg    ManagerConfig
	met    *metrics.Metrics
	sweep  *resilience.Watchdog
	logger *log.Logger

	// OnProgress fires after every state or watermark change with a
	// snapshot of the session. Invoked outside the lock.
	OnProgress func(Session)
}

// NewManager wires the session state machine to the firmware store and
// the transport send function.
func NewManager(store *FirmwareStore, nodeID string, send SendFunc, cfg ManagerConfig, met *metrics.Metrics) *Manager {
	if met == nil {
		met = metrics.NewNop()
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		nodeID:   nodeID,
		send:     send,
		cfg:      cfg,
		met:      met,
		logger:   log.New(log.Writer(), "[OTA] ", log.LstdFlags),
	}
	m.sweep = resilience.NewWatchdog("ota-sweep", cfg.SweepInterval, m.sweepSessions)
	return m
}

// Start launches the timeout/GC watchdog.
func (m *Manager) Start() { m.sweep.Start() }

// Stop halts the watchdog. In-flight sessions stay as they are.
func (m *Manager) Stop() { m.sweep.Stop() }

// StartUpdate creates a session in state offered and sends OTA_OFFER.
// Unknown firmware or an existing non-terminal session for the device
// returns an error.
func (m *Manager) StartUpdate(deviceID, firmwareID string, chunkSize int) (*Session, error) {
	info := m.store.GetFirmware(firmwareID)
	if info == nil {
		return nil, fmt.Errorf("unknown firmware %s", firmwareID)
	}
	if chunkSize <= 0 {
		chunkSize = m.cfg.DefaultChunkSize
	}

	m.mu.Lock()
	if existing, ok := m.sessions[deviceID]; ok && !existing.State.Terminal() {
		m.mu.Unlock()
		return nil, fmt.Errorf("device %s already has a %s session", deviceID, existing.State)
	}

	now := protocol.Now()
	sess := &Session{
		DeviceID:     deviceID,
		FirmwareID:   firmwareID,
		ChunkSize:    chunkSize,
		State:        StateOffered,
		TotalChunks:  TotalChunks(info.Size, chunkSize),
		AckedUpTo:    -1,
		StartedAt:    now,
		LastActivity: now,
	}
	m.sessions[deviceID] = sess
	snapshot := *sess
	m.mu.Unlock()

	offer := protocol.NewEnvelope(protocol.TypeOTAOffer, m.nodeID, deviceID, map[string]interface{}{
		"firmware_id":  info.ID,
		"version":      info.Version,
		"device_type":  info.DeviceType,
		"size":         info.Size,
		"sha256":       info.SHA256,
		"chunk_size":   chunkSize,
		"total_chunks": sess.TotalChunks,
	})
	m.send(offer)
	m.logger.Printf("offered firmware %s (%d chunks) to %s", firmwareID, sess.TotalChunks, deviceID)

	m.progress(snapshot)
	return &snapshot, nil
}

// AbortUpdate cancels a non-terminal session from the hub side, emitting
// OTA_ABORT to the device. False when there is nothing to abort.
func (m *Manager) AbortUpdate(deviceID, reason string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if !ok || sess.State.Terminal() {
		m.mu.Unlock()
		return false
	}
	sess.State = StateFailed
	sess.Error = reason
	snapshot := *sess
	m.mu.Unlock()

	m.send(protocol.NewEnvelope(protocol.TypeOTAAbort, m.nodeID, deviceID, map[string]interface{}{
		"firmware_id": snapshot.FirmwareID,
		"reason":      reason,
	}))
	m.logger.Printf("⚠️  aborted update for %s: %s", deviceID, reason)
	m.progress(snapshot)
	return true
}

// GetSession returns a snapshot of the device's session, nil when none.
func (m *Manager) GetSession(deviceID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[deviceID]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// ListSessions snapshots every tracked session.
func (m *Manager) ListSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	return out
}

// HandleEnvelope feeds one device message into the state machine. The
// envelope source selects the session; a firmware_id in the payload that
// does not match the session drops the message silently.
func (m *Manager) HandleEnvelope(env *protocol.Envelope) {
	m.mu.Lock()
	sess, ok := m.sessions[env.Source]
	if !ok {
		m.mu.Unlock()
		m.logger.Printf("⚠️  %s from %s with no session", env.Type, env.Source)
		return
	}
	sess.LastActivity = protocol.Now()

	if fw := env.PayloadString("firmware_id"); fw != "" && fw != sess.FirmwareID {
		m.mu.Unlock()
		return
	}

	var (
		snapshot  Session
		changed   bool
		sendSeq   = -1
		completed bool
		abortWith string
	)

	switch env.Type {
	case protocol.TypeOTAAccept:
		if sess.State == StateOffered {
			sess.State = StateTransferring
			sess.NextSeq = 0
			sess.AckedUpTo = -1
			sendSeq = 0
			changed = true
		}

	case protocol.TypeOTAReject:
		if sess.State == StateOffered {
			sess.State = StateRejected
			sess.Error = env.PayloadString("reason")
			changed = true
		}

	case protocol.TypeOTAChunkAck:
		if sess.State == StateTransferring {
			if seq, ok := env.PayloadInt("seq"); ok && seq > sess.AckedUpTo {
				sess.AckedUpTo = seq
				changed = true
				if sess.AckedUpTo >= sess.TotalChunks-1 {
					sess.State = StateVerifying
				} else {
					sendSeq = sess.AckedUpTo + 1
				}
			}
		}

	case protocol.TypeOTAVerify:
		if sess.State == StateVerifying {
			info := m.store.GetFirmware(sess.FirmwareID)
			if info != nil && env.PayloadString("sha256") == info.SHA256 {
				sess.State = StateComplete
				completed = true
			} else {
				sess.State = StateFailed
				sess.Error = "hash_mismatch"
				abortWith = "hash_mismatch"
			}
			changed = true
		}

	case protocol.TypeOTAAbort:
		if !sess.State.Terminal() {
			sess.State = StateFailed
			sess.Error = env.PayloadString("reason")
			if sess.Error == "" {
				sess.Error = "device_abort"
			}
			changed = true
		}

	default:
		m.mu.Unlock()
		return
	}

	snapshot = *sess
	m.mu.Unlock()

	if sendSeq >= 0 {
		m.sendChunk(snapshot, sendSeq)
	}
	if completed {
		m.send(protocol.NewEnvelope(protocol.TypeOTAComplete, m.nodeID, snapshot.DeviceID, map[string]interface{}{
			"firmware_id": snapshot.FirmwareID,
		}))
		m.logger.Printf("✅ update complete for %s (firmware %s)", snapshot.DeviceID, snapshot.FirmwareID)
	}
	if abortWith != "" {
		m.send(protocol.NewEnvelope(protocol.TypeOTAAbort, m.nodeID, snapshot.DeviceID, map[string]interface{}{
			"firmware_id": snapshot.FirmwareID,
			"reason":      abortWith,
		}))
		m.logger.Printf("❌ update failed for %s: %s", snapshot.DeviceID, abortWith)
	}
	if changed {
		m.progress(snapshot)
	}
}

// sendChunk reads and ships one base64 chunk, updating next_seq.
func (m *Manager) sendChunk(sess Session, seq int) {
	data, err := m.store.ReadChunk(sess.FirmwareID, seq, sess.ChunkSize)
	if err != nil {
		m.logger.Printf("❌ read chunk %d of %s: %v", seq, sess.FirmwareID, err)
		m.failSession(sess.DeviceID, "chunk_read_error")
		return
	}

	env := protocol.NewEnvelope(protocol.TypeOTAChunk, m.nodeID, sess.DeviceID, map[string]interface{}{
		"firmware_id":  sess.FirmwareID,
		"seq":          seq,
		"total_chunks": sess.TotalChunks,
		"data":         base64.StdEncoding.EncodeToString(data),
	})
	if !m.send(env) {
		m.logger.Printf("⚠️  chunk %d send to %s failed", seq, sess.DeviceID)
		return
	}
	m.met.OTAChunksSent.Inc()

	m.mu.Lock()
	if live, ok := m.sessions[sess.DeviceID]; ok && live.State == StateTransferring {
		live.NextSeq = seq + 1
	}
	m.mu.Unlock()
}

func (m *Manager) failSession(deviceID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[deviceID]
	if !ok || sess.State.Terminal() {
		m.mu.Unlock()
		return
	}
	sess.State = StateFailed
	sess.Error = reason
	snapshot := *sess
	m.mu.Unlock()
	m.progress(snapshot)
}

func (m *Manager) progress(sess Session) {
	if m.OnProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("⚠️  progress callback panicked: %v", r)
		}
	}()
	m.OnProgress(sess)
}

// sweepSessions times out stalled non-terminal sessions and garbage
// collects terminal ones past max-age.
func (m *Manager) sweepSessions() {
	now := protocol.Now()
	var timedOut []Session

	m.mu.Lock()
	for device, sess := range m.sessions {
		if sess.State.Terminal() {
			if now-sess.LastActivity > m.cfg.SessionMaxAge.Seconds() {
				delete(m.sessions, device)
			}
			continue
		}
		var limit time.Duration
		switch sess.State {
		case StateOffered:
			limit = m.cfg.OfferTimeout
		case StateTransferring:
			limit = m.cfg.ChunkAckTimeout
		case StateVerifying:
			limit = m.cfg.VerifyTimeout
		}
		if limit > 0 && now-sess.LastActivity > limit.Seconds() {
			sess.State = StateFailed
			sess.Error = "timeout"
			timedOut = append(timedOut, *sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range timedOut {
		m.logger.Printf("⚠️  session for %s timed out", sess.DeviceID)
		m.progress(sess)
	}
}
