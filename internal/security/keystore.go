// Package security implements the mesh trust primitives: the per-device
// pre-shared key store, HMAC envelope authentication, replay protection and
// the AES-GCM payload codec.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// PSKSize is the length of a device pre-shared key in bytes.
const PSKSize = 32

// Enumerated envelope rejection reasons. These never propagate past the
// transport boundary; they only feed warning logs and drop counters.
var (
	ErrUnknownSource     = errors.New("unknown source device")
	ErrMissingAuth       = errors.New("missing nonce or hmac")
	ErrBadHMAC           = errors.New("hmac verification failed")
	ErrStaleTimestamp    = errors.New("timestamp outside window")
	ErrReplayedNonce     = errors.New("replayed nonce")
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// PSKRecord is the persisted state for one enrolled device.
type PSKRecord struct {
	PSK        string `json:"psk"` // 32 bytes, hex
	EnrolledAt string `json:"enrolled_at"`
	Name       string `json:"name"`
}

// KeyStore owns the only long-lived mutable set of device PSKs plus the
// replay protection state. Persistence is a JSON map written with 0600
// permissions where the OS supports it.
type KeyStore struct {
	mu      sync.Mutex
	path    string
	devices map[string]PSKRecord
	nonces  *NonceCache
	window  time.Duration
	logger  *log.Logger
}

// NewKeyStore loads (or initialises) a key store backed by path. The window
// bounds both the timestamp validity check and nonce retention.
func NewKeyStore(path string, window time.Duration) (*KeyStore, error) {
	ks := &KeyStore{
		path:    path,
		devices: make(map[string]PSKRecord),
		nonces:  NewNonceCache(window),
		window:  window,
		logger:  log.New(log.Writer(), "[KEYSTORE] ", log.LstdFlags),
	}
	if err := ks.load(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *KeyStore) load() error {
	data, err := os.ReadFile(ks.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load key store: %w", err)
	}
	if err := json.Unmarshal(data, &ks.devices); err != nil {
		return fmt.Errorf("parse key store: %w", err)
	}
	return nil
}

// save writes the whole store. Write failures are logged, not fatal: the
// in-memory state continues and the next successful write recovers.
func (ks *KeyStore) save() {
	data, err := json.MarshalIndent(ks.devices, "", "  ")
	if err != nil {
		ks.logger.Printf("⚠️  marshal key store: %v", err)
		return
	}
	if err := writeFileAtomic(ks.path, data, 0o600); err != nil {
		ks.logger.Printf("⚠️  persist key store: %v", err)
	}
}

// AddDevice generates a fresh 32-byte PSK for the device, overwriting any
// existing record (key rotation). Returns the new PSK hex.
func (ks *KeyStore) AddDevice(nodeID, name string) (string, error) {
	raw := make([]byte, PSKSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate psk: %w", err)
	}
	psk := hex.EncodeToString(raw)

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.devices[nodeID] = PSKRecord{
		PSK:        psk,
		EnrolledAt: time.Now().UTC().Format(time.RFC3339),
		Name:       name,
	}
	ks.save()
	return psk, nil
}

// RemoveDevice deletes the PSK record for a device.
func (ks *KeyStore) RemoveDevice(nodeID string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	delete(ks.devices, nodeID)
	ks.save()
}

// GetPSK returns the hex PSK for nodeID, or "" when the device is unknown.
func (ks *KeyStore) GetPSK(nodeID string) string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.devices[nodeID].PSK
}

// GetRecord returns the full record and whether the device is enrolled.
func (ks *KeyStore) GetRecord(nodeID string) (PSKRecord, bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	rec, ok := ks.devices[nodeID]
	return rec, ok
}

// ListDevices returns the enrolled node ids.
func (ks *KeyStore) ListDevices() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ids := make([]string, 0, len(ks.devices))
	for id := range ks.devices {
		ids = append(ids, id)
	}
	return ids
}

// ============================================================================
// HMAC AUTHENTICATION
// ============================================================================

// ComputeHMAC computes the envelope authenticator:
// SHA256-HMAC(raw_psk, canonical_bytes ‖ nonce_utf8), hex-encoded.
func ComputeHMAC(canonical []byte, nonce, pskHex string) (string, error) {
	key, err := hex.DecodeString(pskHex)
	if err != nil {
		return "", fmt.Errorf("decode psk: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyHMAC checks a received authenticator in constant time.
func VerifyHMAC(canonical []byte, nonce, pskHex, receivedHex string) bool {
	expected, err := ComputeHMAC(canonical, nonce, pskHex)
	if err != nil {
		return false
	}
	exp, err1 := hex.DecodeString(expected)
	got, err2 := hex.DecodeString(receivedHex)
	if err1 != nil || err2 != nil {
		return false
	}
	return hmac.Equal(exp, got)
}

// GenerateNonce returns a fresh 16-hex-char (64-bit) per-message nonce.
func GenerateNonce() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// VerifyEnvelope applies the full inbound auth rule for a signed envelope:
// source must be enrolled, the timestamp must be inside the window, the
// HMAC must verify, and the nonce must be fresh. The nonce is recorded only
// after every other check passes, so rejected envelopes cannot poison the
// replay cache.
func (ks *KeyStore) VerifyEnvelope(canonical []byte, source, nonce, mac string, ts float64) error {
	if nonce == "" || mac == "" {
		return ErrMissingAuth
	}

	psk := ks.GetPSK(source)
	if psk == "" {
		return ErrUnknownSource
	}

	now := float64(time.Now().UnixNano()) / 1e9
	if diff := now - ts; diff > ks.window.Seconds() || -diff > ks.window.Seconds() {
		return ErrStaleTimestamp
	}

	if !VerifyHMAC(canonical, nonce, psk, mac) {
		return ErrBadHMAC
	}

	if !ks.nonces.CheckAndRecord(nonce, now) {
		return ErrReplayedNonce
	}
	return nil
}

// ============================================================================
// ATOMIC FILE WRITE
// ============================================================================

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// WriteFileAtomic is the shared whole-file persistence primitive used by
// the registry, rules, groups and pipeline stores.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return writeFileAtomic(path, data, perm)
}
