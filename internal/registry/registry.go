// Package registry tracks the devices known to this hub: identity,
// declared capabilities, live state, liveness, and persistence. Mutations
// emit events to registered handlers synchronously, in mutation order.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// CapabilityKind classifies what a capability does.
type CapabilityKind string

const (
	KindSensor   CapabilityKind = "sensor"
	KindActuator CapabilityKind = "actuator"
	KindProperty CapabilityKind = "property"
)

// DataType is the declared value type of a capability.
type DataType string

const (
	TypeBool   DataType = "bool"
	TypeInt    DataType = "int"
	TypeFloat  DataType = "float"
	TypeString DataType = "string"
	TypeEnum   DataType = "enum"
)

// Capability describes one sensor, actuator or property a device exposes.
type Capability struct {
	Name        string         `json:"name"`
	Kind        CapabilityKind `json:"kind"`
	DataType    DataType       `json:"data_type"`
	Unit        string         `json:"unit,omitempty"`
	Min         *float64       `json:"min,omitempty"`
	Max         *float64       `json:"max,omitempty"`
	EnumValues  []string       `json:"enum_values,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Device is one node tracked by the registry.
type Device struct {
	NodeID       string                 `json:"node_id"`
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Capabilities []Capability           `json:"capabilities"`
	State        map[string]interface{} `json:"state"`
	Online       bool                   `json:"online"`
	LastSeen     float64                `json:"last_seen"`
	RegisteredAt float64                `json:"registered_at"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
}

// Capability returns the named capability, or nil.
func (d *Device) Capability(name string) *Capability {
	for i := range d.Capabilities {
		if d.Capabilities[i].Name == name {
			return &d.Capabilities[i]
		}
	}
	return nil
}

// clone returns a deep-enough copy for a consistent point-in-time view.
func (d *Device) clone() *Device {
	c := *d
	c.Capabilities = append([]Capability(nil), d.Capabilities...)
	c.State = make(map[string]interface{}, len(d.State))
	for k, v := range d.State {
		c.State[k] = v
	}
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// EventType enumerates registry events.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventUpdated      EventType = "updated"
	EventStateChanged EventType = "state_changed"
	EventOnline       EventType = "online"
	EventOffline      EventType = "offline"
)

// Event is fired synchronously after a mutation completes. Device is a
// snapshot; handlers must not mutate the registry from inside a handler.
type Event struct {
	Type     EventType
	Device   *Device
	Changed  map[string]interface{} // state keys that changed, for EventStateChanged
}

// Handler receives registry events. Panics are caught per handler.
type Handler func(Event)

type persistedRegistry struct {
	Version   int       `json:"version"`
	UpdatedAt string    `json:"updated_at"`
	Devices   []*Device `json:"devices"`
}

// Registry is the hub's device table. One mutex serialises mutations and
// persistence; reads return whole-struct copies and never block on the
// persistence write.
type Registry struct {
	mu       sync.RWMutex
	devices  map[string]*Device
	handlers []Handler
	path     string
	logger   *log.Logger
}

// New loads (or initialises) a registry persisted at path. Pass "" for an
// in-memory registry. Persisted devices come back with Online reset to
// false: liveness does not survive a restart.
func New(path string) (*Registry, error) {
	r := &Registry{
		devices: make(map[string]*Device),
		path:    path,
		logger:  log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
	if path != "" {
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load registry: %w", err)
	}
	var p persistedRegistry
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse registry: %w", err)
	}
	for _, d := range p.Devices {
		d.Online = false
		if d.State == nil {
			d.State = map[string]interface{}{}
		}
		r.devices[d.NodeID] = d
	}
	return nil
}

// save persists the whole registry with temp-file + atomic rename. Caller
// holds the lock. Disk failures are logged, never fatal.
func (r *Registry) save() {
	if r.path == "" {
		return
	}
	devices := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].NodeID < devices[j].NodeID })

	p := persistedRegistry{
		Version:   1,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Devices:   devices,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		r.logger.Printf("⚠️  marshal registry: %v", err)
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		r.logger.Printf("⚠️  persist registry: %v", err)
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		r.logger.Printf("⚠️  persist registry: %v", err)
	}
}

// OnEvent registers a handler invoked synchronously after each mutation.
func (r *Registry) OnEvent(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// emit runs handlers outside the registry lock, isolating panics so one
// bad handler never breaks the mutation pipeline.
func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Printf("⚠️  event handler panicked on %s: %v", ev.Type, rec)
				}
			}()
			h(ev)
		}()
	}
}

// Register upserts a device. The first registration emits "registered";
// later calls preserve State and RegisteredAt, update everything else, and
// emit "updated".
func (r *Registry) Register(nodeID, name, deviceType string, caps []Capability, metadata map[string]string) *Device {
	now := nowSeconds()

	r.mu.Lock()
	existing, ok := r.devices[nodeID]
	var snapshot *Device
	var evType EventType
	if ok {
		existing.Name = name
		existing.Type = deviceType
		existing.Capabilities = append([]Capability(nil), caps...)
		existing.Metadata = metadata
		existing.LastSeen = now
		snapshot = existing.clone()
		evType = EventUpdated
	} else {
		d := &Device{
			NodeID:       nodeID,
			Name:         name,
			Type:         deviceType,
			Capabilities: append([]Capability(nil), caps...),
			State:        map[string]interface{}{},
			LastSeen:     now,
			RegisteredAt: now,
			Metadata:     metadata,
		}
		r.devices[nodeID] = d
		snapshot = d.clone()
		evType = EventRegistered
	}
	r.save()
	r.mu.Unlock()

	r.emit(Event{Type: evType, Device: snapshot})
	return snapshot
}

// Unregister removes a device entirely.
func (r *Registry) Unregister(nodeID string) bool {
	r.mu.Lock()
	_, ok := r.devices[nodeID]
	if ok {
		delete(r.devices, nodeID)
		r.save()
	}
	r.mu.Unlock()
	return ok
}

// UpdateState merges new state values into a device. Only when at least
// one value actually differs does the registry replace the entries, bump
// LastSeen and emit "state_changed" with the changed keys.
func (r *Registry) UpdateState(nodeID string, state map[string]interface{}) bool {
	r.mu.Lock()
	d, ok := r.devices[nodeID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	changed := map[string]interface{}{}
	for k, v := range state {
		if cur, exists := d.State[k]; !exists || !valuesEqual(cur, v) {
			changed[k] = v
		}
	}
	if len(changed) == 0 {
		r.mu.Unlock()
		return true
	}

	for k, v := range changed {
		d.State[k] = v
	}
	d.LastSeen = nowSeconds()
	snapshot := d.clone()
	r.save()
	r.mu.Unlock()

	r.emit(Event{Type: EventStateChanged, Device: snapshot, Changed: changed})
	return true
}

// MarkOnline flips a device online, emitting only on transition.
func (r *Registry) MarkOnline(nodeID string) {
	r.setOnline(nodeID, true)
}

// MarkOffline flips a device offline, emitting only on transition.
func (r *Registry) MarkOffline(nodeID string) {
	r.setOnline(nodeID, false)
}

func (r *Registry) setOnline(nodeID string, online bool) {
	r.mu.Lock()
	d, ok := r.devices[nodeID]
	if !ok || d.Online == online {
		r.mu.Unlock()
		return
	}
	d.Online = online
	d.LastSeen = nowSeconds()
	snapshot := d.clone()
	r.save()
	r.mu.Unlock()

	ev := EventOnline
	if !online {
		ev = EventOffline
	}
	r.emit(Event{Type: ev, Device: snapshot})
}

// GetDevice returns a point-in-time copy of one device, or nil.
func (r *Registry) GetDevice(nodeID string) *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[nodeID]
	if !ok {
		return nil
	}
	return d.clone()
}

// ListDevices returns copies of all devices, sorted by node id.
func (r *Registry) ListDevices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// OnlineCount returns the number of devices currently online.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.devices {
		if d.Online {
			n++
		}
	}
	return n
}

// valuesEqual compares state values after JSON round-tripping has
// normalised numbers to float64. Uses marshalled form for composites.
func valuesEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
