// Package ca implements the hub's local certificate authority: a
// self-signed EC P-256 root, per-device client/server certificates, TLS
// config construction, and an application-level revocation list.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	rootCN       = "Mesh CA"
	hubCN        = "hub"
	rootValidity = 10 * 365 * 24 * time.Hour
)

// DeviceCertInfo summarises one issued device certificate.
type DeviceCertInfo struct {
	NodeID   string    `json:"node_id"`
	NotAfter time.Time `json:"not_after"`
	Revoked  bool      `json:"revoked"`
}

// CA owns the root key pair, issued certificates and the revocation list,
// all stored under one directory. Key files are written with 0600
// permissions.
type CA struct {
	dir          string
	certValidity time.Duration

	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootPEM  []byte
	hubCert  tls.Certificate

	mu      sync.RWMutex
	revoked map[string]bool

	logger *log.Logger
}

// New loads or initialises a CA rooted at dir. The hub's own certificate
// (CN "hub") is issued on first start and presented on all outbound mTLS
// dials.
func New(dir string, deviceCertValidity time.Duration) (*CA, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}
	ca := &CA{
		dir:          dir,
		certValidity: deviceCertValidity,
		revoked:      make(map[string]bool),
		logger:       log.New(log.Writer(), "[CA] ", log.LstdFlags),
	}
	if err := ca.loadOrGenerateRoot(); err != nil {
		return nil, err
	}
	if err := ca.loadRevocations(); err != nil {
		return nil, err
	}
	if err := ca.ensureHubCert(); err != nil {
		return nil, err
	}
	return ca, nil
}

func (ca *CA) rootCertPath() string { return filepath.Join(ca.dir, "ca.crt") }
func (ca *CA) rootKeyPath() string  { return filepath.Join(ca.dir, "ca.key") }
func (ca *CA) revocationPath() string {
	return filepath.Join(ca.dir, "revoked.json")
}

func (ca *CA) loadOrGenerateRoot() error {
	certPEM, errCert := os.ReadFile(ca.rootCertPath())
	keyPEM, errKey := os.ReadFile(ca.rootKeyPath())
	if errCert == nil && errKey == nil {
		return ca.parseRoot(certPEM, keyPEM)
	}
	return ca.generateRoot()
}

func (ca *CA) parseRoot(certPEM, keyPEM []byte) error {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return errors.New("decode ca certificate pem")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse ca certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return errors.New("decode ca key pem")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse ca key: %w", err)
	}

	ca.rootCert = cert
	ca.rootKey = key
	ca.rootPEM = certPEM
	return nil
}

func (ca *CA) generateRoot() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ca key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: rootCN, Organization: []string{"LAN Mesh"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign ca certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal ca key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(ca.rootCertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write ca certificate: %w", err)
	}
	if err := os.WriteFile(ca.rootKeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write ca key: %w", err)
	}

	return ca.parseRoot(certPEM, keyPEM)
}

func (ca *CA) ensureHubCert() error {
	certPEM, keyPEM, err := ca.IssueDeviceCert(hubCN)
	if err != nil {
		return err
	}
	hubCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load hub cert: %w", err)
	}
	ca.hubCert = hubCert
	return nil
}

// IssueDeviceCert creates a fresh P-256 key and a certificate with
// CN=nodeID, SAN DNS=nodeID, client+server auth EKUs, signed by the root.
// Both PEMs are written to per-device files (key 0600) and returned.
func (ca *CA) IssueDeviceCert(nodeID string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate device key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: nodeID},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(ca.certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{nodeID},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign device certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal device key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	base := filepath.Join(ca.dir, sanitizeNodeID(nodeID))
	if err := os.WriteFile(base+".crt", certPEM, 0o644); err != nil {
		return nil, nil, fmt.Errorf("write device certificate: %w", err)
	}
	if err := os.WriteFile(base+".key", keyPEM, 0o600); err != nil {
		return nil, nil, fmt.Errorf("write device key: %w", err)
	}

	return certPEM, keyPEM, nil
}

// RootCertPEM returns the CA certificate PEM handed to enrolling devices.
func (ca *CA) RootCertPEM() []byte {
	return append([]byte(nil), ca.rootPEM...)
}

// ============================================================================
// REVOCATION
// ============================================================================

func (ca *CA) loadRevocations() error {
	data, err := os.ReadFile(ca.revocationPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load revocation list: %w", err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("parse revocation list: %w", err)
	}
	for _, id := range ids {
		ca.revoked[id] = true
	}
	return nil
}

// RevokeDevice adds a node id to the revocation list and persists it.
// Enforcement happens at the application layer on each accepted TLS
// connection; existing connections are unaffected.
func (ca *CA) RevokeDevice(nodeID string) {
	ca.mu.Lock()
	ca.revoked[nodeID] = true
	ids := make([]string, 0, len(ca.revoked))
	for id := range ca.revoked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	ca.mu.Unlock()

	data, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		ca.logger.Printf("⚠️  marshal revocation list: %v", err)
		return
	}
	if err := os.WriteFile(ca.revocationPath(), data, 0o644); err != nil {
		ca.logger.Printf("⚠️  persist revocation list: %v", err)
	}
	ca.logger.Printf("revoked device certificate for %s", nodeID)
}

// IsRevoked reports whether a node id is on the revocation list.
func (ca *CA) IsRevoked(nodeID string) bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.revoked[nodeID]
}

// ListDeviceCerts enumerates issued device certificates from the CA
// directory, marking revoked entries.
func (ca *CA) ListDeviceCerts() ([]DeviceCertInfo, error) {
	entries, err := os.ReadDir(ca.dir)
	if err != nil {
		return nil, fmt.Errorf("read ca dir: %w", err)
	}

	var out []DeviceCertInfo
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".crt") || name == "ca.crt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ca.dir, name))
		if err != nil {
			continue
		}
		block, _ := pem.Decode(data)
		if block == nil {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		out = append(out, DeviceCertInfo{
			NodeID:   cert.Subject.CommonName,
			NotAfter: cert.NotAfter,
			Revoked:  ca.IsRevoked(cert.Subject.CommonName),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// ============================================================================
// TLS CONFIGS
// ============================================================================

// pool returns a cert pool holding only the mesh root.
func (ca *CA) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.rootCert)
	return pool
}

// ServerTLSConfig builds the listener-side mTLS config: client certs are
// required and verified against the mesh root; hostname checking does not
// apply on the server side. Minimum TLS 1.2. The transport can swap in a
// fresh config at runtime; only new connections pick it up.
func (ca *CA) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{ca.hubCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca.pool(),
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig builds the dial-side mTLS config presenting the hub
// certificate. Node ids are not DNS names, so the standard hostname check
// is disabled and the chain is verified manually against the mesh root.
func (ca *CA) ClientTLSConfig() *tls.Config {
	pool := ca.pool()
	return &tls.Config{
		Certificates:       []tls.Certificate{ca.hubCert},
		RootCAs:            pool,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("no peer certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("parse peer certificate: %w", err)
			}
			opts := x509.VerifyOptions{
				Roots:     pool,
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			}
			if _, err := cert.Verify(opts); err != nil {
				return fmt.Errorf("verify peer certificate: %w", err)
			}
			return nil
		},
	}
}

// PeerCN extracts the common name from a completed TLS connection state.
func PeerCN(state tls.ConnectionState) (string, bool) {
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	return state.PeerCertificates[0].Subject.CommonName, true
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

// sanitizeNodeID keeps file names safe for per-device cert storage.
func sanitizeNodeID(nodeID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, nodeID)
}
