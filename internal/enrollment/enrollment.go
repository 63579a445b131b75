// Package enrollment implements PIN-based device pairing. An operator
// starts a one-shot enrollment window; the device proves knowledge of the
// PIN with an HMAC and receives its PSK wrapped in a PBKDF2-derived
// one-time pad, plus certificates when mTLS is active.
package enrollment

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/lanmesh/hub/internal/ca"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/security"
)

const (
	pbkdf2Iterations = 100000
	pbkdf2KeyLen     = 32
	saltLen          = 16
)

// Rejection reasons carried in ENROLL_RESPONSE payloads.
const (
	ReasonNoActiveEnrollment = "no_active_enrollment"
	ReasonExpired            = "expired"
	ReasonLocked             = "locked"
	ReasonAlreadyUsed        = "already_used"
	ReasonInvalidPin         = "invalid_pin"
)

// PendingPin is the single active enrollment window. At most one exists;
// starting a new one replaces it.
type PendingPin struct {
	PIN         string
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Used        bool
}

// Active reports whether the window can still admit a device.
func (p *PendingPin) Active() bool {
	return p != nil && !p.Used && p.Attempts < p.MaxAttempts && time.Now().Before(p.ExpiresAt)
}

// Config carries the enrollment knobs.
type Config struct {
	PinLength   int
	PinTimeout  time.Duration
	MaxAttempts int
}

// DefaultConfig returns the documented defaults: 6 digits, 300 s, 3 tries.
func DefaultConfig() Config {
	return Config{PinLength: 6, PinTimeout: 300 * time.Second, MaxAttempts: 3}
}

// Service handles ENROLL_REQUEST envelopes against the key store and,
// when present, the local CA.
type Service struct {
	mu      sync.Mutex
	pending *PendingPin

	nodeID    string
	cfg       Config
	keystore  *security.KeyStore
	authority *ca.CA // nil when mTLS is off
	logger    *log.Logger
}

// NewService builds the enrollment service. authority may be nil.
func NewService(nodeID string, cfg Config, keystore *security.KeyStore, authority *ca.CA) *Service {
	if cfg.PinLength <= 0 {
		cfg.PinLength = 6
	}
	if cfg.PinTimeout <= 0 {
		cfg.PinTimeout = 300 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Service{
		nodeID:    nodeID,
		cfg:       cfg,
		keystore:  keystore,
		authority: authority,
		logger:    log.New(log.Writer(), "[ENROLL] ", log.LstdFlags),
	}
}

// StartEnrollment opens a fresh window, replacing any previous one, and
// returns the generated PIN for the operator to hand to the device.
func (s *Service) StartEnrollment() (string, error) {
	pin, err := randomPin(s.cfg.PinLength)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pending = &PendingPin{
		PIN:         pin,
		ExpiresAt:   time.Now().Add(s.cfg.PinTimeout),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	s.mu.Unlock()

	s.logger.Printf("enrollment window open for %s", s.cfg.PinTimeout)
	return pin, nil
}

// Active reports whether an enrollment window currently admits devices.
// The transport's auth bypass for ENROLL_REQUEST consults this.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Active()
}

// Cancel closes the window early.
func (s *Service) Cancel() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// ComputeProof derives the pin proof a device sends:
// HMAC-SHA256(key=pin, msg=node_id) hex. Exported for device-side tooling
// and the test suite.
func ComputeProof(pin, nodeID string) string {
	mac := hmac.New(sha256.New, []byte(pin))
	mac.Write([]byte(nodeID))
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleRequest processes one ENROLL_REQUEST and returns the
// ENROLL_RESPONSE to write back on the same connection.
func (s *Service) HandleRequest(env *protocol.Envelope) *protocol.Envelope {
	deviceID := env.Source
	name := env.PayloadString("name")
	proof := env.PayloadString("pin_proof")

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason := s.windowRejection(); reason != "" {
		s.logger.Printf("⚠️  enroll request from %s rejected: %s", deviceID, reason)
		return s.errorResponse(deviceID, reason)
	}

	expected := ComputeProof(s.pending.PIN, deviceID)
	if !hmac.Equal([]byte(expected), []byte(proof)) {
		s.pending.Attempts++
		reason := ReasonInvalidPin
		if s.pending.Attempts >= s.pending.MaxAttempts {
			reason = ReasonLocked
		}
		s.logger.Printf("⚠️  bad pin proof from %s (attempt %d/%d)", deviceID, s.pending.Attempts, s.pending.MaxAttempts)
		return s.errorResponse(deviceID, reason)
	}

	s.pending.Used = true

	pskHex, err := s.keystore.AddDevice(deviceID, name)
	if err != nil {
		s.logger.Printf("❌ enroll %s: %v", deviceID, err)
		return s.errorResponse(deviceID, "internal_error")
	}
	psk, err := hex.DecodeString(pskHex)
	if err != nil || len(psk) != pbkdf2KeyLen {
		s.logger.Printf("❌ enroll %s: malformed psk", deviceID)
		return s.errorResponse(deviceID, "internal_error")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		s.logger.Printf("❌ enroll %s: %v", deviceID, err)
		return s.errorResponse(deviceID, "internal_error")
	}
	tempKey := pbkdf2.Key([]byte(s.pending.PIN), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	encrypted := make([]byte, pbkdf2KeyLen)
	for i := range psk {
		encrypted[i] = psk[i] ^ tempKey[i]
	}

	payload := map[string]interface{}{
		"status":        "ok",
		"encrypted_psk": hex.EncodeToString(encrypted),
		"salt":          hex.EncodeToString(salt),
	}

	if s.authority != nil {
		certPEM, keyPEM, err := s.authority.IssueDeviceCert(deviceID)
		if err != nil {
			s.logger.Printf("⚠️  enroll %s: cert issue failed: %v", deviceID, err)
		} else {
			payload["ca_cert"] = string(s.authority.RootCertPEM())
			payload["device_cert"] = string(certPEM)
			payload["device_key"] = string(keyPEM)
		}
	}

	s.logger.Printf("✅ enrolled %s (%s)", deviceID, name)
	return protocol.NewEnvelope(protocol.TypeEnrollResp, s.nodeID, deviceID, payload)
}

// windowRejection runs under the mutex and maps the window state to a
// rejection reason, "" when the window admits an attempt.
func (s *Service) windowRejection() string {
	switch {
	case s.pending == nil:
		return ReasonNoActiveEnrollment
	case s.pending.Used:
		return ReasonAlreadyUsed
	case time.Now().After(s.pending.ExpiresAt):
		return ReasonExpired
	case s.pending.Attempts >= s.pending.MaxAttempts:
		return ReasonLocked
	}
	return ""
}

func (s *Service) errorResponse(deviceID, reason string) *protocol.Envelope {
	return protocol.NewEnvelope(protocol.TypeEnrollResp, s.nodeID, deviceID, map[string]interface{}{
		"status": "error",
		"reason": reason,
	})
}

// DecryptPSK unwraps an encrypted_psk with the PIN and salt, the inverse
// of the pad applied on success. Device-side helper used by tests.
func DecryptPSK(encryptedHex, saltHex, pin string) (string, error) {
	encrypted, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", fmt.Errorf("decode encrypted psk: %w", err)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	if len(encrypted) != pbkdf2KeyLen {
		return "", fmt.Errorf("encrypted psk must be %d bytes", pbkdf2KeyLen)
	}
	tempKey := pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
	psk := make([]byte, pbkdf2KeyLen)
	for i := range encrypted {
		psk[i] = encrypted[i] ^ tempKey[i]
	}
	return hex.EncodeToString(psk), nil
}

// randomPin draws n random decimal digits.
func randomPin(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}
	digits := make([]byte, n)
	for i, b := range buf {
		digits[i] = '0' + b%10
	}
	return string(digits), nil
}
