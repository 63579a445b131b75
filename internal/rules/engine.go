// Package rules implements the event-driven automation engine: AND-joined
// conditions over registry state, cooldown-limited, producing device
// commands on a full match.
package rules

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanmesh/hub/internal/command"
	"github.com/lanmesh/hub/internal/registry"
)

// Operator compares a state value against a rule condition value.
type Operator string

const (
	OpEq Operator = "eq"
	OpNe Operator = "ne"
	OpGt Operator = "gt"
	OpGe Operator = "ge"
	OpLt Operator = "lt"
	OpLe Operator = "le"
)

// Condition is one clause of a rule; all of a rule's conditions must hold.
type Condition struct {
	Device     string      `json:"device"`
	Capability string      `json:"capability"`
	Operator   Operator    `json:"operator"`
	Value      interface{} `json:"value"`
}

// Action builds one command when the rule fires.
type Action struct {
	Device     string                 `json:"device"`
	Capability string                 `json:"capability"`
	Action     command.Action         `json:"action"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Rule is a persisted automation rule.
type Rule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	CooldownSeconds float64     `json:"cooldown_seconds"`
	LastTriggered   float64     `json:"last_triggered"`
}

type persistedRules struct {
	Version   int     `json:"version"`
	UpdatedAt string  `json:"updated_at"`
	Rules     []*Rule `json:"rules"`
}

// Engine evaluates rules on registry state changes. Evaluation is
// synchronous; dispatching the produced commands is the caller's job.
// An inverted index maps device id → rules whose conditions mention it.
type Engine struct {
	mu       sync.Mutex
	rules    map[string]*Rule
	byDevice map[string]map[string]bool // device id -> rule id set
	reg      *registry.Registry
	path     string
	logger   *log.Logger

	// OnFire, when set, observes every fired rule (metrics, events).
	OnFire func(rule *Rule)
}

// NewEngine loads the rule set persisted at path ("" for in-memory only).
func NewEngine(reg *registry.Registry, path string) (*Engine, error) {
	e := &Engine{
		rules:    make(map[string]*Rule),
		byDevice: make(map[string]map[string]bool),
		reg:      reg,
		path:     path,
		logger:   log.New(log.Writer(), "[RULES] ", log.LstdFlags),
	}
	if path != "" {
		if err := e.load(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) load() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load rules: %w", err)
	}
	var p persistedRules
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	for _, r := range p.Rules {
		e.rules[r.ID] = r
		e.index(r)
	}
	return nil
}

// save persists all rules atomically. Caller holds the lock.
func (e *Engine) save() {
	if e.path == "" {
		return
	}
	rules := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	p := persistedRules{Version: 1, UpdatedAt: time.Now().UTC().Format(time.RFC3339), Rules: rules}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		e.logger.Printf("⚠️  marshal rules: %v", err)
		return
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.logger.Printf("⚠️  persist rules: %v", err)
		return
	}
	if err := os.Rename(tmp, e.path); err != nil {
		os.Remove(tmp)
		e.logger.Printf("⚠️  persist rules: %v", err)
	}
}

// index registers a rule in the inverted device index. Caller holds the lock.
func (e *Engine) index(r *Rule) {
	for _, c := range r.Conditions {
		set, ok := e.byDevice[c.Device]
		if !ok {
			set = make(map[string]bool)
			e.byDevice[c.Device] = set
		}
		set[r.ID] = true
	}
}

func (e *Engine) unindex(r *Rule) {
	for _, c := range r.Conditions {
		if set, ok := e.byDevice[c.Device]; ok {
			delete(set, r.ID)
			if len(set) == 0 {
				delete(e.byDevice, c.Device)
			}
		}
	}
}

// AddRule inserts (or replaces) a rule, assigning a uuid when the id is
// empty. Returns the stored id.
func (e *Engine) AddRule(r *Rule) string {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, ok := e.rules[r.ID]; ok {
		e.unindex(old)
	}
	e.rules[r.ID] = r
	e.index(r)
	e.save()
	return r.ID
}

// RemoveRule deletes a rule by id.
func (e *Engine) RemoveRule(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return false
	}
	e.unindex(r)
	delete(e.rules, id)
	e.save()
	return true
}

// SetEnabled flips a rule's enabled flag.
func (e *Engine) SetEnabled(id string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return false
	}
	r.Enabled = enabled
	e.save()
	return true
}

// GetRule returns a copy of one rule, or nil.
func (e *Engine) GetRule(id string) *Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return nil
	}
	c := *r
	return &c
}

// ListRules returns copies of all rules sorted by id.
func (e *Engine) ListRules() []*Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvaluateForDevice runs every rule mentioning the device whose state just
// changed and returns the commands produced by rules that fired. The
// cooldown stamp is written before any action is built, so concurrent
// triggers still honour the cooldown.
func (e *Engine) EvaluateForDevice(deviceID string, now float64) []command.DeviceCommand {
	e.mu.Lock()
	defer e.mu.Unlock()

	var commands []command.DeviceCommand
	ids := make([]string, 0, len(e.byDevice[deviceID]))
	for id := range e.byDevice[deviceID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		r := e.rules[id]
		if r == nil || !r.Enabled {
			continue
		}
		// Cooldown: the boundary counts as elapsed.
		if r.LastTriggered != 0 && now-r.LastTriggered < r.CooldownSeconds {
			continue
		}
		if !e.conditionsMet(r) {
			continue
		}

		r.LastTriggered = now
		e.save()

		for _, a := range r.Actions {
			commands = append(commands, command.DeviceCommand{
				Device:     a.Device,
				Action:     a.Action,
				Capability: a.Capability,
				Params:     a.Params,
			})
		}
		e.logger.Printf("rule %s (%s) fired, %d command(s)", r.ID, r.Name, len(r.Actions))
		if e.OnFire != nil {
			e.OnFire(r)
		}
	}
	return commands
}

// conditionsMet evaluates the AND of a rule's conditions against current
// registry state. A missing device, missing state entry, unknown operator
// or cross-type comparison yields false, never a panic.
func (e *Engine) conditionsMet(r *Rule) bool {
	for _, c := range r.Conditions {
		dev := e.reg.GetDevice(c.Device)
		if dev == nil {
			return false
		}
		cur, ok := dev.State[c.Capability]
		if !ok {
			return false
		}
		if !compare(cur, c.Operator, c.Value) {
			return false
		}
	}
	return true
}

// compare applies op to (current, expected). Numeric comparisons accept
// any number encoding; bools and strings support only eq/ne; everything
// else is false.
func compare(current interface{}, op Operator, expected interface{}) bool {
	if cf, ok1 := toFloat(current); ok1 {
		ef, ok2 := toFloat(expected)
		if !ok2 {
			return false
		}
		switch op {
		case OpEq:
			return cf == ef
		case OpNe:
			return cf != ef
		case OpGt:
			return cf > ef
		case OpGe:
			return cf >= ef
		case OpLt:
			return cf < ef
		case OpLe:
			return cf <= ef
		}
		return false
	}

	switch cv := current.(type) {
	case bool:
		ev, ok := expected.(bool)
		if !ok {
			return false
		}
		switch op {
		case OpEq:
			return cv == ev
		case OpNe:
			return cv != ev
		}
	case string:
		ev, ok := expected.(string)
		if !ok {
			return false
		}
		switch op {
		case OpEq:
			return cv == ev
		case OpNe:
			return cv != ev
		}
	}
	return false
}

// toFloat unwraps number encodings; bool is not a number here.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
