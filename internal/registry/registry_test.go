package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func tempCaps() []Capability {
	return []Capability{
		{Name: "temperature", Kind: KindSensor, DataType: TypeFloat, Unit: "°C", Min: floatPtr(-40), Max: floatPtr(85)},
		{Name: "power", Kind: KindActuator, DataType: TypeBool},
	}
}

func TestRegisterUpsertSemantics(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)

	var seen []EventType
	r.OnEvent(func(ev Event) { seen = append(seen, ev.Type) })

	d := r.Register("dev-01", "Sensor", "esp32", tempCaps(), nil)
	assert.Equal(t, "dev-01", d.NodeID)
	assert.NotZero(t, d.RegisteredAt)

	r.UpdateState("dev-01", map[string]interface{}{"temperature": 20.0})

	// Re-register with a new name: state and registered-at survive.
	registeredAt := d.RegisteredAt
	d2 := r.Register("dev-01", "Kitchen Sensor", "esp32", tempCaps(), nil)
	assert.Equal(t, "Kitchen Sensor", d2.Name)
	assert.Equal(t, registeredAt, d2.RegisteredAt)
	assert.Equal(t, 20.0, d2.State["temperature"])

	assert.Equal(t, []EventType{EventRegistered, EventStateChanged, EventUpdated}, seen)
}

func TestUpdateStateEmitsOnlyOnChange(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	r.Register("dev-01", "d", "esp32", tempCaps(), nil)

	var events []Event
	r.OnEvent(func(ev Event) {
		if ev.Type == EventStateChanged {
			events = append(events, ev)
		}
	})

	assert.True(t, r.UpdateState("dev-01", map[string]interface{}{"temperature": 21.5}))
	assert.True(t, r.UpdateState("dev-01", map[string]interface{}{"temperature": 21.5}), "same value is accepted")
	assert.True(t, r.UpdateState("dev-01", map[string]interface{}{"temperature": 22.0}))

	require.Len(t, events, 2, "no event for an unchanged value")
	assert.Equal(t, map[string]interface{}{"temperature": 21.5}, events[0].Changed)
	assert.Equal(t, map[string]interface{}{"temperature": 22.0}, events[1].Changed)

	assert.False(t, r.UpdateState("ghost", map[string]interface{}{"x": 1.0}), "unknown device")
}

func TestOnlineTransitions(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	r.Register("dev-01", "d", "esp32", nil, nil)

	var seen []EventType
	r.OnEvent(func(ev Event) { seen = append(seen, ev.Type) })

	r.MarkOnline("dev-01")
	r.MarkOnline("dev-01") // no transition, no event
	r.MarkOffline("dev-01")
	r.MarkOffline("dev-01")

	assert.Equal(t, []EventType{EventOnline, EventOffline}, seen)
	assert.Equal(t, 0, r.OnlineCount())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r, err := New(path)
	require.NoError(t, err)

	r.Register("dev-01", "Lamp", "esp32", tempCaps(), map[string]string{"room": "kitchen"})
	r.UpdateState("dev-01", map[string]interface{}{"power": true})
	r.MarkOnline("dev-01")

	reloaded, err := New(path)
	require.NoError(t, err)
	d := reloaded.GetDevice("dev-01")
	require.NotNil(t, d)
	assert.Equal(t, "Lamp", d.Name)
	assert.Equal(t, true, d.State["power"])
	assert.Equal(t, "kitchen", d.Metadata["room"])
	assert.Len(t, d.Capabilities, 2)
	assert.False(t, d.Online, "online flag resets on load")
}

func TestSnapshotIsolation(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	r.Register("dev-01", "d", "esp32", tempCaps(), nil)
	r.UpdateState("dev-01", map[string]interface{}{"temperature": 20.0})

	snap := r.GetDevice("dev-01")
	snap.State["temperature"] = 99.0
	snap.Capabilities[0].Name = "mangled"

	fresh := r.GetDevice("dev-01")
	assert.Equal(t, 20.0, fresh.State["temperature"], "mutating a snapshot must not touch the registry")
	assert.Equal(t, "temperature", fresh.Capabilities[0].Name)
}

func TestHandlerPanicIsolated(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)

	var after int
	r.OnEvent(func(Event) { panic("bad handler") })
	r.OnEvent(func(Event) { after++ })

	r.Register("dev-01", "d", "esp32", nil, nil)
	assert.Equal(t, 1, after, "handlers after a panicking one still run")
}

func TestCapabilityLookup(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	d := r.Register("dev-01", "d", "esp32", tempCaps(), nil)

	assert.NotNil(t, d.Capability("power"))
	assert.Nil(t, d.Capability("missing"))
}
