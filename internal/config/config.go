// Package config loads the hub configuration from YAML with environment
// variable overrides (MESH_* names).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the full hub configuration. Zero values are filled by
// ApplyDefaults.
type Config struct {
	NodeID  string   `yaml:"node_id"`
	TCPPort int      `yaml:"tcp_port"`
	UDPPort int      `yaml:"udp_port"`
	Roles   []string `yaml:"roles"`

	Security   SecurityConfig   `yaml:"security"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	MTLS       MTLSConfig       `yaml:"mtls"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	OTA        OTAConfig        `yaml:"ota"`
	Federation FederationConfig `yaml:"federation"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`

	RegistryPath  string `yaml:"registry_path"`
	RulesPath     string `yaml:"rules_path"`
	GroupsPath    string `yaml:"groups_path"`
	ScenesPath    string `yaml:"scenes_path"`
	DashboardPort int    `yaml:"dashboard_port"`
}

type SecurityConfig struct {
	PSKAuthEnabled       bool    `yaml:"psk_auth_enabled"`
	AllowUnauthenticated bool    `yaml:"allow_unauthenticated"`
	NonceWindowSeconds   float64 `yaml:"nonce_window_seconds"`
	KeyStorePath         string  `yaml:"key_store_path"`
	EncryptionEnabled    bool    `yaml:"encryption_enabled"`
}

type EnrollmentConfig struct {
	PinLength      int     `yaml:"pin_length"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

type MTLSConfig struct {
	Enabled             bool   `yaml:"enabled"`
	CADir               string `yaml:"ca_dir"`
	DeviceCertValidDays int    `yaml:"device_cert_validity_days"`
}

type DiscoveryConfig struct {
	BroadcastAddr            string  `yaml:"broadcast_addr"`
	BroadcastIntervalSeconds float64 `yaml:"broadcast_interval_seconds"`
	PeerTimeoutSeconds       float64 `yaml:"peer_timeout_seconds"`
}

type OTAConfig struct {
	FirmwareDir          string  `yaml:"firmware_dir"`
	ChunkSize            int     `yaml:"chunk_size"`
	OfferTimeoutSeconds  float64 `yaml:"offer_timeout_seconds"`
	ChunkAckTimeoutSecs  float64 `yaml:"chunk_ack_timeout_seconds"`
	VerifyTimeoutSeconds float64 `yaml:"verify_timeout_seconds"`
	SessionMaxAgeSeconds float64 `yaml:"session_max_age_seconds"`
}

type FederationConfig struct {
	ConfigPath string `yaml:"config_path"`
}

type PipelineConfig struct {
	SensorDataPath       string  `yaml:"sensor_data_path"`
	BufferSize           int     `yaml:"buffer_size"`
	FlushIntervalSeconds float64 `yaml:"flush_interval_seconds"`
}

// Load reads the YAML file (missing file is fine), applies MESH_*
// environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "hub"
		}
		c.NodeID = host
	}
	if c.TCPPort == 0 {
		c.TCPPort = 18800
	}
	if c.UDPPort == 0 {
		c.UDPPort = 18900
	}
	if len(c.Roles) == 0 {
		c.Roles = []string{"hub"}
	}
	if c.Security.NonceWindowSeconds == 0 {
		c.Security.NonceWindowSeconds = 60
	}
	if c.Security.KeyStorePath == "" {
		c.Security.KeyStorePath = "data/keys.json"
	}
	if c.Enrollment.PinLength == 0 {
		c.Enrollment.PinLength = 6
	}
	if c.Enrollment.TimeoutSeconds == 0 {
		c.Enrollment.TimeoutSeconds = 300
	}
	if c.Enrollment.MaxAttempts == 0 {
		c.Enrollment.MaxAttempts = 3
	}
	if c.MTLS.CADir == "" {
		c.MTLS.CADir = "data/ca"
	}
	if c.MTLS.DeviceCertValidDays == 0 {
		c.MTLS.DeviceCertValidDays = 365
	}
	if c.Discovery.BroadcastAddr == "" {
		c.Discovery.BroadcastAddr = "255.255.255.255"
	}
	if c.Discovery.BroadcastIntervalSeconds == 0 {
		c.Discovery.BroadcastIntervalSeconds = 10
	}
	if c.Discovery.PeerTimeoutSeconds == 0 {
		c.Discovery.PeerTimeoutSeconds = 30
	}
	if c.RegistryPath == "" {
		c.RegistryPath = "data/registry.json"
	}
	if c.RulesPath == "" {
		c.RulesPath = "data/rules.json"
	}
	if c.GroupsPath == "" {
		c.GroupsPath = "data/groups.json"
	}
	if c.ScenesPath == "" {
		c.ScenesPath = "data/scenes.json"
	}
	if c.OTA.ChunkSize == 0 {
		c.OTA.ChunkSize = 1024
	}
	if c.OTA.OfferTimeoutSeconds == 0 {
		c.OTA.OfferTimeoutSeconds = 60
	}
	if c.OTA.ChunkAckTimeoutSecs == 0 {
		c.OTA.ChunkAckTimeoutSecs = 30
	}
	if c.OTA.VerifyTimeoutSeconds == 0 {
		c.OTA.VerifyTimeoutSeconds = 60
	}
	if c.OTA.SessionMaxAgeSeconds == 0 {
		c.OTA.SessionMaxAgeSeconds = 3600
	}
	if c.Pipeline.SensorDataPath == "" {
		c.Pipeline.SensorDataPath = "data/sensors.json"
	}
	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = 1000
	}
	if c.Pipeline.FlushIntervalSeconds == 0 {
		c.Pipeline.FlushIntervalSeconds = 30
	}
}

// applyEnv overrides fields from MESH_* environment variables.
func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
		}
	}

	setString("MESH_NODE_ID", &c.NodeID)
	setInt("MESH_TCP_PORT", &c.TCPPort)
	setInt("MESH_UDP_PORT", &c.UDPPort)
	if v := os.Getenv("MESH_ROLES"); v != "" {
		c.Roles = strings.Split(v, ",")
	}
	setBool("MESH_PSK_AUTH_ENABLED", &c.Security.PSKAuthEnabled)
	setBool("MESH_ALLOW_UNAUTHENTICATED", &c.Security.AllowUnauthenticated)
	setFloat("MESH_NONCE_WINDOW_SECONDS", &c.Security.NonceWindowSeconds)
	setString("MESH_KEY_STORE_PATH", &c.Security.KeyStorePath)
	setBool("MESH_ENCRYPTION_ENABLED", &c.Security.EncryptionEnabled)
	setInt("MESH_ENROLLMENT_PIN_LENGTH", &c.Enrollment.PinLength)
	setFloat("MESH_ENROLLMENT_TIMEOUT", &c.Enrollment.TimeoutSeconds)
	setInt("MESH_ENROLLMENT_MAX_ATTEMPTS", &c.Enrollment.MaxAttempts)
	setBool("MESH_MTLS_ENABLED", &c.MTLS.Enabled)
	setString("MESH_CA_DIR", &c.MTLS.CADir)
	setInt("MESH_DEVICE_CERT_VALIDITY_DAYS", &c.MTLS.DeviceCertValidDays)
	setString("MESH_BROADCAST_ADDR", &c.Discovery.BroadcastAddr)
	setFloat("MESH_BROADCAST_INTERVAL", &c.Discovery.BroadcastIntervalSeconds)
	setFloat("MESH_PEER_TIMEOUT", &c.Discovery.PeerTimeoutSeconds)
	setString("MESH_REGISTRY_PATH", &c.RegistryPath)
	setString("MESH_RULES_PATH", &c.RulesPath)
	setString("MESH_GROUPS_PATH", &c.GroupsPath)
	setString("MESH_SCENES_PATH", &c.ScenesPath)
	setString("MESH_FIRMWARE_DIR", &c.OTA.FirmwareDir)
	setInt("MESH_OTA_CHUNK_SIZE", &c.OTA.ChunkSize)
	setFloat("MESH_OTA_CHUNK_ACK_TIMEOUT", &c.OTA.ChunkAckTimeoutSecs)
	setString("MESH_FEDERATION_CONFIG", &c.Federation.ConfigPath)
	setString("MESH_SENSOR_DATA_PATH", &c.Pipeline.SensorDataPath)
	setInt("MESH_PIPELINE_BUFFER_SIZE", &c.Pipeline.BufferSize)
	setFloat("MESH_PIPELINE_FLUSH_INTERVAL", &c.Pipeline.FlushIntervalSeconds)
	setInt("MESH_DASHBOARD_PORT", &c.DashboardPort)
}
