package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/lanmesh/hub/internal/protocol"
)

// encryptionInfo is the fixed derivation label for per-device encryption
// keys. Changing it invalidates every derived key, so it is versioned.
const encryptionInfo = "mesh-encrypt-v1"

// ivSize is the GCM IV length in bytes (96 bits).
const ivSize = 12

// DeriveKey derives the AES-256 encryption key for a device:
// HMAC-SHA256 keyed with the raw PSK over the constant label.
func DeriveKey(pskHex string) ([]byte, error) {
	raw, err := hex.DecodeString(pskHex)
	if err != nil {
		return nil, fmt.Errorf("decode psk: %w", err)
	}
	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(encryptionInfo))
	return mac.Sum(nil), nil
}

// EncryptPayload seals a payload object under the device key with a fresh
// 96-bit IV, binding the envelope metadata as associated data. Returns hex
// ciphertext (including the 128-bit GCM tag) and hex IV.
func EncryptPayload(payload map[string]interface{}, pskHex string, aad []byte) (cipherHex, ivHex string, err error) {
	key, err := DeriveKey(pskHex)
	if err != nil {
		return "", "", err
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("init gcm: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	return hex.EncodeToString(sealed), hex.EncodeToString(iv), nil
}

// DecryptPayload opens a ciphertext produced by EncryptPayload. A wrong
// key, tampered bytes or an AAD mismatch returns nil and an error; the
// caller must drop the envelope.
func DecryptPayload(cipherHex, ivHex, pskHex string, aad []byte) (map[string]interface{}, error) {
	key, err := DeriveKey(pskHex)
	if err != nil {
		return nil, err
	}

	sealed, err := hex.DecodeString(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("decode iv: invalid")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("parse decrypted payload: %w", err)
	}
	return payload, nil
}

// ShouldEncrypt reports whether an envelope type is subject to payload
// encryption: only chat, command and response with a unicast target.
func ShouldEncrypt(t protocol.MessageType, target string) bool {
	if target == protocol.Broadcast {
		return false
	}
	switch t {
	case protocol.TypeChat, protocol.TypeCommand, protocol.TypeResponse:
		return true
	}
	return false
}

// EncryptEnvelope seals the envelope payload in place when the type is
// encryptable and the target PSK is known. Must run before HMAC signing
// (encrypt-then-MAC).
func EncryptEnvelope(e *protocol.Envelope, pskHex string) error {
	if !ShouldEncrypt(e.Type, e.Target) || pskHex == "" {
		return nil
	}
	if e.EncryptedPayload != "" {
		// Already sealed; a second pass would seal the emptied payload
		// over the real ciphertext.
		return nil
	}
	cipherHex, ivHex, err := EncryptPayload(e.Payload, pskHex, e.AAD())
	if err != nil {
		return err
	}
	e.EncryptedPayload = cipherHex
	e.IV = ivHex
	e.Payload = map[string]interface{}{}
	return nil
}

// DecryptEnvelope opens an envelope carrying ciphertext in place. Runs
// after HMAC verification on inbound.
func DecryptEnvelope(e *protocol.Envelope, pskHex string) error {
	if e.EncryptedPayload == "" {
		return nil
	}
	payload, err := DecryptPayload(e.EncryptedPayload, e.IV, pskHex, e.AAD())
	if err != nil {
		return err
	}
	e.Payload = payload
	e.EncryptedPayload = ""
	e.IV = ""
	return nil
}

// SignEnvelope stamps a fresh nonce and authenticator onto an outbound
// envelope.
func SignEnvelope(e *protocol.Envelope, pskHex string) error {
	nonce, err := GenerateNonce()
	if err != nil {
		return err
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	mac, err := ComputeHMAC(canonical, nonce, pskHex)
	if err != nil {
		return err
	}
	e.Nonce = nonce
	e.HMAC = mac
	return nil
}
