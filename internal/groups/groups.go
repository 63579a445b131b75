// Package groups manages named device groups and scenes. Both are
// persisted as whole JSON files and replaced atomically on change.
package groups

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lanmesh/hub/internal/command"
	"github.com/lanmesh/hub/internal/security"
)

// Group is a named set of device ids.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Devices []string `json:"devices"`
}

// Scene is a named ordered list of command dicts replayed on activation.
type Scene struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description,omitempty"`
	Commands    []map[string]interface{} `json:"commands"`
}

type groupsFile struct {
	Groups []*Group `json:"groups"`
}

type scenesFile struct {
	Scenes []*Scene `json:"scenes"`
}

// Manager owns groups and scenes behind one mutex.
type Manager struct {
	mu         sync.Mutex
	groups     map[string]*Group
	scenes     map[string]*Scene
	groupsPath string
	scenesPath string
	logger     *log.Logger
}

// NewManager loads both stores. Empty paths disable persistence for the
// corresponding store.
func NewManager(groupsPath, scenesPath string) (*Manager, error) {
	m := &Manager{
		groups:     make(map[string]*Group),
		scenes:     make(map[string]*Scene),
		groupsPath: groupsPath,
		scenesPath: scenesPath,
		logger:     log.New(log.Writer(), "[GROUPS] ", log.LstdFlags),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if m.groupsPath != "" {
		data, err := os.ReadFile(m.groupsPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return fmt.Errorf("load groups: %w", err)
		default:
			var f groupsFile
			if err := json.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse groups: %w", err)
			}
			for _, g := range f.Groups {
				m.groups[g.ID] = g
			}
		}
	}
	if m.scenesPath != "" {
		data, err := os.ReadFile(m.scenesPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return fmt.Errorf("load scenes: %w", err)
		default:
			var f scenesFile
			if err := json.Unmarshal(data, &f); err != nil {
				return fmt.Errorf("parse scenes: %w", err)
			}
			for _, s := range f.Scenes {
				m.scenes[s.ID] = s
			}
		}
	}
	return nil
}

// saveGroups and saveScenes run under the mutex.
func (m *Manager) saveGroups() {
	if m.groupsPath == "" {
		return
	}
	f := groupsFile{Groups: make([]*Group, 0, len(m.groups))}
	for _, g := range m.groups {
		f.Groups = append(f.Groups, g)
	}
	sort.Slice(f.Groups, func(i, j int) bool { return f.Groups[i].ID < f.Groups[j].ID })
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		m.logger.Printf("⚠️  marshal groups: %v", err)
		return
	}
	if err := security.WriteFileAtomic(m.groupsPath, data, 0o644); err != nil {
		m.logger.Printf("⚠️  persist groups: %v", err)
	}
}

func (m *Manager) saveScenes() {
	if m.scenesPath == "" {
		return
	}
	f := scenesFile{Scenes: make([]*Scene, 0, len(m.scenes))}
	for _, s := range m.scenes {
		f.Scenes = append(f.Scenes, s)
	}
	sort.Slice(f.Scenes, func(i, j int) bool { return f.Scenes[i].ID < f.Scenes[j].ID })
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		m.logger.Printf("⚠️  marshal scenes: %v", err)
		return
	}
	if err := security.WriteFileAtomic(m.scenesPath, data, 0o644); err != nil {
		m.logger.Printf("⚠️  persist scenes: %v", err)
	}
}

// ============================================================================
// GROUPS
// ============================================================================

// CreateGroup registers a group; a missing id gets a fresh uuid.
func (m *Manager) CreateGroup(id, name string, devices []string) *Group {
	if id == "" {
		id = uuid.New().String()
	}
	g := &Group{ID: id, Name: name, Devices: append([]string(nil), devices...)}

	m.mu.Lock()
	m.groups[id] = g
	m.saveGroups()
	m.mu.Unlock()
	return g
}

// DeleteGroup removes a group; false when unknown.
func (m *Manager) DeleteGroup(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return false
	}
	delete(m.groups, id)
	m.saveGroups()
	return true
}

// AddDeviceToGroup is idempotent: re-adding a member is a no-op.
func (m *Manager) AddDeviceToGroup(groupID, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	for _, d := range g.Devices {
		if d == device {
			return true
		}
	}
	g.Devices = append(g.Devices, device)
	m.saveGroups()
	return true
}

// RemoveDeviceFromGroup drops a member; false when group or member unknown.
func (m *Manager) RemoveDeviceFromGroup(groupID, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return false
	}
	for i, d := range g.Devices {
		if d == device {
			g.Devices = append(g.Devices[:i], g.Devices[i+1:]...)
			m.saveGroups()
			return true
		}
	}
	return false
}

// GetGroup returns a copy, nil when unknown.
func (m *Manager) GetGroup(id string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil
	}
	cp := *g
	cp.Devices = append([]string(nil), g.Devices...)
	return &cp
}

// ListGroups returns copies sorted by id.
func (m *Manager) ListGroups() []*Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		cp := *g
		cp.Devices = append([]string(nil), g.Devices...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FanOutGroupCommand expands one logical command into one DeviceCommand
// per group member, in member order. Unknown group returns nil.
func (m *Manager) FanOutGroupCommand(groupID string, action command.Action, capability string, params map[string]interface{}) []command.DeviceCommand {
	g := m.GetGroup(groupID)
	if g == nil {
		return nil
	}
	out := make([]command.DeviceCommand, 0, len(g.Devices))
	for _, device := range g.Devices {
		out = append(out, command.DeviceCommand{
			Device:     device,
			Action:     action,
			Capability: capability,
			Params:     params,
		})
	}
	return out
}

// ============================================================================
// SCENES
// ============================================================================

// CreateScene registers a scene; a missing id gets a fresh uuid.
func (m *Manager) CreateScene(id, name, description string, commands []map[string]interface{}) *Scene {
	if id == "" {
		id = uuid.New().String()
	}
	s := &Scene{ID: id, Name: name, Description: description, Commands: commands}

	m.mu.Lock()
	m.scenes[id] = s
	m.saveScenes()
	m.mu.Unlock()
	return s
}

// DeleteScene removes a scene; false when unknown.
func (m *Manager) DeleteScene(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scenes[id]; !ok {
		return false
	}
	delete(m.scenes, id)
	m.saveScenes()
	return true
}

// GetScene returns the stored scene, nil when unknown.
func (m *Manager) GetScene(id string) *Scene {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scenes[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

// ListScenes returns scenes sorted by id.
func (m *Manager) ListScenes() []*Scene {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Scene, 0, len(m.scenes))
	for _, s := range m.scenes {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetSceneCommands deserialises the scene's stored command dicts in order.
// A malformed entry is logged and still yields a command with default
// fields so the caller can see the mis-shape. Unknown scene returns nil.
func (m *Manager) GetSceneCommands(id string) []command.DeviceCommand {
	s := m.GetScene(id)
	if s == nil {
		return nil
	}

	out := make([]command.DeviceCommand, 0, len(s.Commands))
	for i, raw := range s.Commands {
		cmd, ok := decodeCommand(raw)
		if !ok {
			m.logger.Printf("⚠️  scene %s: malformed command entry %d: %v", id, i, raw)
		}
		out = append(out, cmd)
	}
	return out
}

// decodeCommand maps a stored dict onto a DeviceCommand. It is malformed
// when device or action is missing or not a string; the zero command is
// returned in that case.
func decodeCommand(raw map[string]interface{}) (command.DeviceCommand, bool) {
	device, dok := raw["device"].(string)
	action, aok := raw["action"].(string)
	if !dok || !aok || device == "" || action == "" {
		return command.DeviceCommand{}, false
	}
	cmd := command.DeviceCommand{
		Device: device,
		Action: command.Action(action),
	}
	if capability, ok := raw["capability"].(string); ok {
		cmd.Capability = capability
	}
	if params, ok := raw["params"].(map[string]interface{}); ok {
		cmd.Params = params
	}
	return cmd, true
}
