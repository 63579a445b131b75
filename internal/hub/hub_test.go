package hub

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanmesh/hub/internal/command"
	"github.com/lanmesh/hub/internal/config"
	"github.com/lanmesh/hub/internal/discovery"
	"github.com/lanmesh/hub/internal/enrollment"
	"github.com/lanmesh/hub/internal/events"
	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/registry"
	"github.com/lanmesh/hub/internal/rules"
)

func testConfig(t *testing.T, udpPort int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		NodeID:  "hub-test",
		TCPPort: 0,
		UDPPort: udpPort,
	}
	cfg.ApplyDefaults()
	cfg.TCPPort = 0
	cfg.Security.KeyStorePath = filepath.Join(dir, "keys.json")
	cfg.RegistryPath = filepath.Join(dir, "registry.json")
	cfg.RulesPath = filepath.Join(dir, "rules.json")
	cfg.GroupsPath = filepath.Join(dir, "groups.json")
	cfg.ScenesPath = filepath.Join(dir, "scenes.json")
	cfg.Pipeline.SensorDataPath = filepath.Join(dir, "sensors.json")
	cfg.DashboardPort = 0
	return cfg
}

func newTestHub(t *testing.T, cfg *config.Config) *Hub {
	t.Helper()
	h, err := New(cfg, nil)
	require.NoError(t, err)
	return h
}

func registerLamp(h *Hub) {
	h.reg.Register("lamp-01", "Lamp", "light", []registry.Capability{
		{Name: "power", Kind: registry.KindActuator, DataType: registry.TypeBool},
		{Name: "temperature", Kind: registry.KindSensor, DataType: registry.TypeFloat},
	}, nil)
	h.reg.MarkOnline("lamp-01")
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t, 19901)
	h := newTestHub(t, cfg)

	require.NoError(t, h.Start())
	assert.Greater(t, h.Transport().Port(), 0)
	require.NoError(t, h.Stop())
}

func TestStateReportUpdatesRegistryAndPipeline(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19902))
	registerLamp(h)

	stateCh := h.bus.Subscribe(events.TypeDeviceState)

	env := protocol.NewEnvelope(protocol.TypeStateReport, "lamp-01", "hub-test", map[string]interface{}{
		"state": map[string]interface{}{"temperature": 21.5},
	})
	h.routeEnvelope(env)

	dev := h.reg.GetDevice("lamp-01")
	require.NotNil(t, dev)
	assert.Equal(t, 21.5, dev.State["temperature"])

	readings := h.pipe.Query("lamp-01", "temperature", 0, 0)
	require.Len(t, readings, 1)
	assert.Equal(t, 21.5, readings[0].Value)

	select {
	case ev := <-stateCh:
		assert.Equal(t, "lamp-01", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("no state event on the bus")
	}
}

func TestStateReportAutoRegistersUnknownDevice(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19903))

	env := protocol.NewEnvelope(protocol.TypeStateReport, "sensor-07", "hub-test", map[string]interface{}{
		"name":        "Hall Sensor",
		"device_type": "sensor",
		"state":       map[string]interface{}{"motion": true},
	})
	h.routeEnvelope(env)

	dev := h.reg.GetDevice("sensor-07")
	require.NotNil(t, dev)
	assert.Equal(t, "Hall Sensor", dev.Name)
	assert.True(t, dev.Online)
	assert.Equal(t, true, dev.State["motion"])
}

func TestStateReportTriggersRules(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19904))
	registerLamp(h)

	fired := make(chan string, 1)
	h.rules.OnFire = func(r *rules.Rule) { fired <- r.Name }

	h.rules.AddRule(&rules.Rule{
		Name:    "hot room",
		Enabled: true,
		Conditions: []rules.Condition{
			{Device: "lamp-01", Capability: "temperature", Operator: rules.OpGt, Value: 30.0},
		},
		Actions: []rules.Action{
			{Device: "lamp-01", Capability: "power", Action: command.ActionSet, Params: map[string]interface{}{"value": false}},
		},
	})

	env := protocol.NewEnvelope(protocol.TypeStateReport, "lamp-01", "hub-test", map[string]interface{}{
		"state": map[string]interface{}{"temperature": 35.0},
	})
	h.routeEnvelope(env)

	select {
	case name := <-fired:
		assert.Equal(t, "hot room", name)
	case <-time.After(time.Second):
		t.Fatal("rule did not fire")
	}
}

func TestDispatchCommandValidation(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19905))
	registerLamp(h)

	// Hard validation failure: wrong value type for a bool capability.
	problems, sent := h.DispatchCommand(command.DeviceCommand{
		Device:     "lamp-01",
		Action:     command.ActionSet,
		Capability: "power",
		Params:     map[string]interface{}{"value": "yes"},
	})
	assert.False(t, sent)
	assert.NotEmpty(t, problems)

	// Unknown device, no federation.
	problems, sent = h.DispatchCommand(command.DeviceCommand{
		Device: "ghost",
		Action: command.ActionGet,
	})
	assert.False(t, sent)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "unknown")
}

func TestDispatchCommandOfflineStillSends(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19906))
	registerLamp(h)
	h.reg.MarkOffline("lamp-01")

	// The offline warning alone does not block dispatch; the send fails
	// only because discovery knows no address for the device.
	problems, sent := h.DispatchCommand(command.DeviceCommand{
		Device:     "lamp-01",
		Action:     command.ActionSet,
		Capability: "power",
		Params:     map[string]interface{}{"value": true},
	})
	assert.False(t, sent)
	require.Len(t, problems, 1)
	assert.True(t, command.IsOfflineWarning(problems[0]))
}

func TestBeaconAutoRegistration(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19907))

	h.onPeerSeen(discovery.Peer{
		Beacon: discovery.Beacon{
			NodeID:       "esp32-05",
			TCPPort:      18800,
			Roles:        []string{"device"},
			Name:         "Balcony",
			DeviceType:   "sensor",
			Capabilities: []string{"humidity"},
		},
		Addr: "192.168.1.40",
	})

	dev := h.reg.GetDevice("esp32-05")
	require.NotNil(t, dev)
	assert.Equal(t, "Balcony", dev.Name)
	assert.True(t, dev.Online)
	require.Len(t, dev.Capabilities, 1)
	assert.Equal(t, "humidity", dev.Capabilities[0].Name)

	// A peer hub beacon must not enter the device registry.
	h.onPeerSeen(discovery.Peer{
		Beacon: discovery.Beacon{NodeID: "hub-two", TCPPort: 18800, Roles: []string{"hub"}},
		Addr:   "192.168.1.50",
	})
	assert.Nil(t, h.reg.GetDevice("hub-two"))
}

func TestPeerLostMarksOffline(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19908))
	registerLamp(h)

	offlineCh := h.bus.Subscribe(events.TypeDeviceOffline)
	h.onPeerLost(discovery.Peer{
		Beacon: discovery.Beacon{NodeID: "lamp-01"},
	})

	dev := h.reg.GetDevice("lamp-01")
	require.NotNil(t, dev)
	assert.False(t, dev.Online)

	select {
	case ev := <-offlineCh:
		assert.Equal(t, "lamp-01", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("no offline event")
	}
}

func TestEnrollmentRegistersDevice(t *testing.T) {
	cfg := testConfig(t, 19909)
	cfg.Security.PSKAuthEnabled = true
	h := newTestHub(t, cfg)

	pin, err := h.StartEnrollment()
	require.NoError(t, err)
	require.Len(t, pin, 6)

	env := protocol.NewEnvelope(protocol.TypeEnrollRequest, "esp32-01", "hub-test", map[string]interface{}{
		"name":      "Kitchen",
		"pin_proof": enrollment.ComputeProof(pin, "esp32-01"),
	})
	resp := h.handleEnrollRequest(env)
	require.NotNil(t, resp)
	assert.Equal(t, "ok", resp.PayloadString("status"))

	dev := h.reg.GetDevice("esp32-01")
	require.NotNil(t, dev)
	assert.Equal(t, "Kitchen", dev.Name)
	assert.NotEmpty(t, h.keystore.GetPSK("esp32-01"))
}

func TestEnrollmentDisabledWithoutKeystore(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19910))
	_, err := h.StartEnrollment()
	assert.Error(t, err)
}

func TestInboundMessages(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19911))

	env := protocol.NewEnvelope(protocol.TypeChat, "operator", "hub-test", map[string]interface{}{
		"text": "status?",
	})
	h.routeEnvelope(env)

	select {
	case got := <-h.InboundMessages():
		assert.Equal(t, protocol.TypeChat, got.Type)
		assert.Equal(t, "status?", got.PayloadString("text"))
	case <-time.After(time.Second):
		t.Fatal("chat envelope not queued")
	}
}

func TestDeviceSummary(t *testing.T) {
	h := newTestHub(t, testConfig(t, 19912))
	assert.Equal(t, "no devices registered", h.DeviceSummary())

	registerLamp(h)
	summary := h.DeviceSummary()
	assert.Contains(t, summary, "lamp-01")
	assert.Contains(t, summary, "online")
}
