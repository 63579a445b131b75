// Package hub assembles the mesh hub: discovery, transport, security,
// registry, automation, OTA, federation and the dashboard, wired over the
// event bus. Components are constructed only when their configuration
// enables them.
package hub

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanmesh/hub/internal/ca"
	"github.com/lanmesh/hub/internal/config"
	"github.com/lanmesh/hub/internal/dashboard"
	"github.com/lanmesh/hub/internal/discovery"
	"github.com/lanmesh/hub/internal/enrollment"
	"github.com/lanmesh/hub/internal/events"
	"github.com/lanmesh/hub/internal/federation"
	"github.com/lanmesh/hub/internal/groups"
	"github.com/lanmesh/hub/internal/metrics"
	"github.com/lanmesh/hub/internal/ota"
	"github.com/lanmesh/hub/internal/pipeline"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/registry"
	"github.com/lanmesh/hub/internal/rules"
	"github.com/lanmesh/hub/internal/security"
	"github.com/lanmesh/hub/internal/transport"
)

// Hub is the assembled node. Optional members are nil when their feature
// is not configured.
type Hub struct {
	cfg *config.Config
	met *metrics.Metrics
	bus *events.Bus

	keystore  *security.KeyStore
	authority *ca.CA
	reg       *registry.Registry
	rules     *rules.Engine
	groups    *groups.Manager
	pipe      *pipeline.Pipeline
	enroll    *enrollment.Service
	disc      *discovery.Discovery
	trans     *transport.Transport
	firmware  *ota.FirmwareStore
	ota       *ota.Manager
	fed       *federation.Manager
	dash      *dashboard.Server

	inbound chan *protocol.Envelope
	logger  *log.Logger
}

// New builds a hub from configuration. promReg may be nil; a private
// registry is used then and the dashboard /metrics endpoint reflects it.
func New(cfg *config.Config, promReg *prometheus.Registry) (*Hub, error) {
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}

	h := &Hub{
		cfg:     cfg,
		met:     metrics.New(promReg),
		bus:     events.NewBus(),
		inbound: make(chan *protocol.Envelope, 256),
		logger:  log.New(log.Writer(), "[HUB] ", log.LstdFlags),
	}

	// Security: key store whenever PSK auth or payload encryption is on,
	// CA only under mTLS.
	if cfg.Security.PSKAuthEnabled || cfg.Security.EncryptionEnabled {
		window := time.Duration(cfg.Security.NonceWindowSeconds * float64(time.Second))
		ks, err := security.NewKeyStore(cfg.Security.KeyStorePath, window)
		if err != nil {
			return nil, fmt.Errorf("key store: %w", err)
		}
		h.keystore = ks
	}
	if cfg.MTLS.Enabled {
		validity := time.Duration(cfg.MTLS.DeviceCertValidDays) * 24 * time.Hour
		authority, err := ca.New(cfg.MTLS.CADir, validity)
		if err != nil {
			return nil, fmt.Errorf("certificate authority: %w", err)
		}
		h.authority = authority
	}

	reg, err := registry.New(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}
	h.reg = reg
	reg.OnEvent(h.onRegistryEvent)

	eng, err := rules.NewEngine(reg, cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	h.rules = eng
	eng.OnFire = func(rule *rules.Rule) {
		h.met.RuleFires.Inc()
		h.bus.Emit(events.TypeRuleFired, cfg.NodeID, rule.ID, map[string]interface{}{
			"name": rule.Name,
		})
	}

	if h.groups, err = groups.NewManager(cfg.GroupsPath, cfg.ScenesPath); err != nil {
		return nil, err
	}

	flush := time.Duration(cfg.Pipeline.FlushIntervalSeconds * float64(time.Second))
	if h.pipe, err = pipeline.New(cfg.Pipeline.SensorDataPath, cfg.Pipeline.BufferSize, flush); err != nil {
		return nil, err
	}

	h.disc = discovery.New(discovery.Config{
		NodeID:            cfg.NodeID,
		UDPPort:           cfg.UDPPort,
		TCPPort:           cfg.TCPPort,
		Roles:             cfg.Roles,
		BroadcastAddr:     cfg.Discovery.BroadcastAddr,
		BroadcastInterval: time.Duration(cfg.Discovery.BroadcastIntervalSeconds * float64(time.Second)),
		PeerTimeout:       time.Duration(cfg.Discovery.PeerTimeoutSeconds * float64(time.Second)),
	})
	h.disc.OnNewPeer = h.onPeerSeen
	h.disc.OnPeerSeen = h.onPeerSeen
	h.disc.OnPeerLost = h.onPeerLost

	h.trans = transport.New(transport.Config{
		NodeID:               cfg.NodeID,
		TCPPort:              cfg.TCPPort,
		PSKAuthEnabled:       cfg.Security.PSKAuthEnabled,
		AllowUnauthenticated: cfg.Security.AllowUnauthenticated,
		EncryptionEnabled:    cfg.Security.EncryptionEnabled,
	}, h.keystore, h.peerAddr, h.met)
	h.trans.OnMessage(h.routeEnvelope)
	if h.authority != nil {
		h.trans.UseTLS(h.authority.ServerTLSConfig(), h.authority.ClientTLSConfig())
		h.trans.RevocationCheck = h.authority.IsRevoked
	}

	if h.keystore != nil {
		h.enroll = enrollment.NewService(cfg.NodeID, enrollment.Config{
			PinLength:   cfg.Enrollment.PinLength,
			PinTimeout:  time.Duration(cfg.Enrollment.TimeoutSeconds * float64(time.Second)),
			MaxAttempts: cfg.Enrollment.MaxAttempts,
		}, h.keystore, h.authority)
		h.trans.EnrollmentActive = h.enroll.Active
		h.trans.EnrollmentHandler = h.handleEnrollRequest
	}

	if cfg.OTA.FirmwareDir != "" {
		if h.firmware, err = ota.NewFirmwareStore(cfg.OTA.FirmwareDir); err != nil {
			return nil, err
		}
		h.ota = ota.NewManager(h.firmware, cfg.NodeID, h.trans.Send, ota.ManagerConfig{
			DefaultChunkSize: cfg.OTA.ChunkSize,
			OfferTimeout:     time.Duration(cfg.OTA.OfferTimeoutSeconds * float64(time.Second)),
			ChunkAckTimeout:  time.Duration(cfg.OTA.ChunkAckTimeoutSecs * float64(time.Second)),
			VerifyTimeout:    time.Duration(cfg.OTA.VerifyTimeoutSeconds * float64(time.Second)),
			SessionMaxAge:    time.Duration(cfg.OTA.SessionMaxAgeSeconds * float64(time.Second)),
			SweepInterval:    5 * time.Second,
		}, h.met)
		h.ota.OnProgress = func(sess ota.Session) {
			h.bus.Emit(events.TypeOTAProgress, cfg.NodeID, sess.DeviceID, map[string]interface{}{
				"state":       string(sess.State),
				"acked_up_to": sess.AckedUpTo,
				"total":       sess.TotalChunks,
			})
		}
	}

	if cfg.Federation.ConfigPath != "" {
		fedCfg, err := federation.LoadConfig(cfg.Federation.ConfigPath)
		if err != nil {
			return nil, err
		}
		if len(fedCfg.Peers) > 0 {
			h.fed = federation.NewManager(cfg.NodeID, fedCfg, h.federationSnapshot, h.runLocalCommand, h.met)
			h.fed.OnRemoteState = func(hubID, nodeID string, state map[string]interface{}) {
				h.bus.Emit(events.TypeDeviceState, hubID, nodeID, map[string]interface{}{
					"remote": true,
					"state":  state,
				})
			}
		}
	}

	if cfg.DashboardPort > 0 {
		deps := dashboard.Deps{
			NodeID:          cfg.NodeID,
			Registry:        h.reg,
			Rules:           h.rules,
			Groups:          h.groups,
			OTA:             h.ota,
			Firmware:        h.firmware,
			Pipeline:        h.pipe,
			Bus:             h.bus,
			Peers:           h.disc.ListPeers,
			DispatchCommand: h.DispatchCommand,
			Gatherer:        promReg,
		}
		if h.enroll != nil {
			deps.StartEnrollment = h.enroll.StartEnrollment
		}
		h.dash = dashboard.NewServer(deps)
	}

	return h, nil
}

// Registry exposes the device table for callers embedding the hub.
func (h *Hub) Registry() *registry.Registry { return h.reg }

// Events exposes the hub event bus.
func (h *Hub) Events() *events.Bus { return h.bus }

// Transport exposes the envelope transport.
func (h *Hub) Transport() *transport.Transport { return h.trans }

// Start brings the node up: discovery first so the peer table fills while
// the transport binds, then the background loops. A transport bind failure
// tears discovery back down.
func (h *Hub) Start() error {
	if err := h.disc.Start(); err != nil {
		return err
	}
	if err := h.trans.Start(); err != nil {
		h.disc.Stop()
		return err
	}
	h.pipe.Start()
	if h.ota != nil {
		h.ota.Start()
	}
	if h.fed != nil {
		h.fed.Start()
	}
	if h.dash != nil {
		if err := h.dash.Start(h.cfg.DashboardPort); err != nil {
			h.stopCore()
			return err
		}
	}

	h.logger.Printf("✅ %s up: tcp/%d udp/%d", h.cfg.NodeID, h.trans.Port(), h.cfg.UDPPort)
	return nil
}

// Stop shuts everything down in reverse order. Discovery is always
// stopped, even when the transport shutdown reports an error.
func (h *Hub) Stop() error {
	var err error
	if h.dash != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if derr := h.dash.Stop(ctx); derr != nil && err == nil {
			err = derr
		}
		cancel()
	}
	if serr := h.stopCore(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (h *Hub) stopCore() error {
	if h.fed != nil {
		h.fed.Stop()
	}
	if h.ota != nil {
		h.ota.Stop()
	}
	err := h.trans.Stop()
	h.disc.Stop()
	h.pipe.Stop()
	return err
}
