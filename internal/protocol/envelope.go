// Package protocol implements the mesh envelope codec and TCP wire framing.
// Every message between a hub and a device (or another hub) is one Envelope,
// framed as a 4-byte big-endian length prefix followed by UTF-8 JSON.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// MESSAGE TYPES
// ============================================================================

// MessageType tags an envelope. The set is closed: anything else is dropped
// at the dispatch boundary.
type MessageType string

const (
	TypeChat          MessageType = "chat"
	TypeCommand       MessageType = "command"
	TypeResponse      MessageType = "response"
	TypePing          MessageType = "ping"
	TypePong          MessageType = "pong"
	TypeEnrollRequest MessageType = "enroll_request"
	TypeEnrollResp    MessageType = "enroll_response"
	TypeStateReport   MessageType = "state_report"
	TypeOTAOffer      MessageType = "ota_offer"
	TypeOTAAccept     MessageType = "ota_accept"
	TypeOTAReject     MessageType = "ota_reject"
	TypeOTAChunk      MessageType = "ota_chunk"
	TypeOTAChunkAck   MessageType = "ota_chunk_ack"
	TypeOTAVerify     MessageType = "ota_verify"
	TypeOTAComplete   MessageType = "ota_complete"
	TypeOTAAbort      MessageType = "ota_abort"
	TypeFedHello      MessageType = "federation_hello"
	TypeFedSync       MessageType = "federation_sync"
	TypeFedCommand    MessageType = "federation_command"
	TypeFedResponse   MessageType = "federation_response"
	TypeFedState      MessageType = "federation_state"
	TypeFedPing       MessageType = "federation_ping"
	TypeFedPong       MessageType = "federation_pong"
)

var knownTypes = map[MessageType]bool{
	TypeChat: true, TypeCommand: true, TypeResponse: true,
	TypePing: true, TypePong: true,
	TypeEnrollRequest: true, TypeEnrollResp: true,
	TypeStateReport: true,
	TypeOTAOffer:    true, TypeOTAAccept: true, TypeOTAReject: true,
	TypeOTAChunk: true, TypeOTAChunkAck: true, TypeOTAVerify: true,
	TypeOTAComplete: true, TypeOTAAbort: true,
	TypeFedHello: true, TypeFedSync: true, TypeFedCommand: true,
	TypeFedResponse: true, TypeFedState: true,
	TypeFedPing: true, TypeFedPong: true,
}

// Known reports whether t is part of the closed message type set.
func (t MessageType) Known() bool {
	return knownTypes[t]
}

// IsFederation reports whether t is a hub-to-hub message.
func (t MessageType) IsFederation() bool {
	switch t {
	case TypeFedHello, TypeFedSync, TypeFedCommand, TypeFedResponse, TypeFedState, TypeFedPing, TypeFedPong:
		return true
	}
	return false
}

// IsOTA reports whether t belongs to the firmware update protocol.
func (t MessageType) IsOTA() bool {
	switch t {
	case TypeOTAOffer, TypeOTAAccept, TypeOTAReject, TypeOTAChunk, TypeOTAChunkAck, TypeOTAVerify, TypeOTAComplete, TypeOTAAbort:
		return true
	}
	return false
}

// ============================================================================
// ENVELOPE
// ============================================================================

// Broadcast is the wildcard target for envelopes addressed to every node.
const Broadcast = "*"

// Envelope is one framed mesh message. The auth fields (Nonce, HMAC,
// EncryptedPayload, IV) are optional at the JSON level and omitted when
// empty; under enabled auth/encryption the transport requires them.
type Envelope struct {
	Type    MessageType            `json:"type"`
	Source  string                 `json:"source"`
	Target  string                 `json:"target"`
	TS      float64                `json:"ts"`
	Payload map[string]interface{} `json:"payload"`

	Nonce            string `json:"nonce,omitempty"`
	HMAC             string `json:"hmac,omitempty"`
	EncryptedPayload string `json:"encrypted_payload,omitempty"`
	IV               string `json:"iv,omitempty"`
}

// NewEnvelope creates an envelope stamped with the current wall-clock time.
func NewEnvelope(t MessageType, source, target string, payload map[string]interface{}) *Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return &Envelope{
		Type:    t,
		Source:  source,
		Target:  target,
		TS:      Now(),
		Payload: payload,
	}
}

// Now returns the current wall-clock time as float seconds since the epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// FormatTS renders a timestamp the way canonical serialisation and the AAD
// string do: shortest decimal representation that round-trips.
func FormatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'g', -1, 64)
}

// AAD returns the associated-data string binding a ciphertext to the
// envelope metadata: "{type}|{source}|{target}|{ts}".
func (e *Envelope) AAD() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", e.Type, e.Source, e.Target, FormatTS(e.TS)))
}

// CanonicalBytes returns the deterministic JSON used as the HMAC message:
// the envelope with hmac and nonce removed, keys sorted lexicographically,
// no insignificant whitespace, UTF-8 without HTML escaping. Every
// authenticated field, including encrypted_payload and iv when present, is
// covered.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	m := map[string]interface{}{
		"type":    string(e.Type),
		"source":  e.Source,
		"target":  e.Target,
		"ts":      e.TS,
		"payload": e.Payload,
	}
	if e.Payload == nil {
		m["payload"] = map[string]interface{}{}
	}
	if e.EncryptedPayload != "" {
		m["encrypted_payload"] = e.EncryptedPayload
	}
	if e.IV != "" {
		m["iv"] = e.IV
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("canonicalise envelope: %w", err)
	}
	// Encoder appends a newline which is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Marshal serialises the envelope to wire JSON. Empty auth fields are
// omitted via struct tags.
func (e *Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal deserialises wire JSON into an envelope. Absent fields take
// their defaults: ts becomes the receive time, payload becomes an empty
// map. Unknown fields are ignored for forward compatibility.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if e.Type == "" || e.Source == "" || e.Target == "" {
		return nil, fmt.Errorf("unmarshal envelope: missing type, source or target")
	}
	if e.TS == 0 {
		e.TS = Now()
	}
	if e.Payload == nil {
		e.Payload = map[string]interface{}{}
	}
	return &e, nil
}

// ============================================================================
// PAYLOAD HELPERS
// ============================================================================

// PayloadString extracts a string payload field, returning "" when absent
// or mistyped.
func (e *Envelope) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt extracts an integer payload field. JSON numbers arrive as
// float64; both encodings are accepted.
func (e *Envelope) PayloadInt(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
