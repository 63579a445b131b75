// Package command defines the typed device command/response schema and its
// validation against the registry.
package command

import (
	"fmt"
	"strings"

	"github.com/lanmesh/hub/internal/protocol"
	"github.com/lanmesh/hub/internal/registry"
)

// Action is what a command asks a device to do.
type Action string

const (
	ActionSet     Action = "set"
	ActionGet     Action = "get"
	ActionToggle  Action = "toggle"
	ActionExecute Action = "execute"
)

var knownActions = map[Action]bool{
	ActionSet: true, ActionGet: true, ActionToggle: true, ActionExecute: true,
}

// DeviceCommand targets one capability on one device.
type DeviceCommand struct {
	Device     string                 `json:"device"`
	Action     Action                 `json:"action"`
	Capability string                 `json:"capability"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Status of a command response.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// CommandResponse is a device's reply to a DeviceCommand.
type CommandResponse struct {
	Device     string      `json:"device"`
	Status     Status      `json:"status"`
	Capability string      `json:"capability,omitempty"`
	Value      interface{} `json:"value,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Validate checks the command against the registry and returns the ordered
// list of problems. An empty list means the command may be dispatched. An
// offline device is a warning: it appears in the list but commands are
// still buildable by callers that choose to ignore it.
func (c *DeviceCommand) Validate(reg *registry.Registry) []string {
	var errs []string

	if !knownActions[c.Action] {
		errs = append(errs, fmt.Sprintf("unknown action %q", c.Action))
	}

	dev := reg.GetDevice(c.Device)
	if dev == nil {
		errs = append(errs, fmt.Sprintf("device %q not registered", c.Device))
		return errs
	}
	if !dev.Online {
		errs = append(errs, fmt.Sprintf("device %q is offline", c.Device))
	}

	if c.Capability == "" {
		if c.Action != ActionExecute {
			errs = append(errs, fmt.Sprintf("action %q requires a capability", c.Action))
		}
		return errs
	}

	cap := dev.Capability(c.Capability)
	if cap == nil {
		errs = append(errs, fmt.Sprintf("device %q has no capability %q", c.Device, c.Capability))
		return errs
	}

	switch c.Action {
	case ActionSet:
		if cap.Kind == registry.KindSensor {
			errs = append(errs, fmt.Sprintf("cannot set sensor capability %q", c.Capability))
		}
		if v, ok := c.Params["value"]; ok {
			errs = append(errs, validateValue(cap, v)...)
		}
	case ActionToggle:
		if cap.DataType != registry.TypeBool {
			errs = append(errs, fmt.Sprintf("cannot toggle non-bool capability %q", c.Capability))
		}
	}

	return errs
}

// IsOfflineWarning reports whether a validation problem is the offline
// warning, which dispatchers may choose to ignore.
func IsOfflineWarning(problem string) bool {
	return strings.HasSuffix(problem, "is offline")
}

// validateValue checks a set value against the declared data type, range
// and enum membership. Booleans are distinct from ints: true is not 1.
func validateValue(cap *registry.Capability, v interface{}) []string {
	var errs []string

	switch cap.DataType {
	case registry.TypeBool:
		if _, ok := v.(bool); !ok {
			errs = append(errs, fmt.Sprintf("capability %q expects bool, got %T", cap.Name, v))
		}
	case registry.TypeInt:
		f, ok := numeric(v)
		if !ok {
			errs = append(errs, fmt.Sprintf("capability %q expects int, got %T", cap.Name, v))
		} else if f != float64(int64(f)) {
			errs = append(errs, fmt.Sprintf("capability %q expects int, got fractional %v", cap.Name, v))
		} else {
			errs = append(errs, validateRange(cap, f)...)
		}
	case registry.TypeFloat:
		f, ok := numeric(v)
		if !ok {
			errs = append(errs, fmt.Sprintf("capability %q expects float, got %T", cap.Name, v))
		} else {
			errs = append(errs, validateRange(cap, f)...)
		}
	case registry.TypeString:
		if _, ok := v.(string); !ok {
			errs = append(errs, fmt.Sprintf("capability %q expects string, got %T", cap.Name, v))
		}
	case registry.TypeEnum:
		s, ok := v.(string)
		if !ok {
			errs = append(errs, fmt.Sprintf("capability %q expects enum string, got %T", cap.Name, v))
			break
		}
		found := false
		for _, allowed := range cap.EnumValues {
			if allowed == s {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, fmt.Sprintf("value %q not in enum for capability %q", s, cap.Name))
		}
	}

	return errs
}

func validateRange(cap *registry.Capability, f float64) []string {
	var errs []string
	if cap.Min != nil && f < *cap.Min {
		errs = append(errs, fmt.Sprintf("value %v below minimum %v for capability %q", f, *cap.Min, cap.Name))
	}
	if cap.Max != nil && f > *cap.Max {
		errs = append(errs, fmt.Sprintf("value %v above maximum %v for capability %q", f, *cap.Max, cap.Name))
	}
	return errs
}

// numeric unwraps JSON and native number encodings. bool deliberately does
// not qualify.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ToEnvelope converts the command to a COMMAND envelope from source.
func (c *DeviceCommand) ToEnvelope(source string) *protocol.Envelope {
	payload := map[string]interface{}{
		"device":     c.Device,
		"action":     string(c.Action),
		"capability": c.Capability,
	}
	if c.Params != nil {
		payload["params"] = c.Params
	}
	return protocol.NewEnvelope(protocol.TypeCommand, source, c.Device, payload)
}

// ToEnvelope converts the response to a RESPONSE envelope.
func (r *CommandResponse) ToEnvelope(source, target string) *protocol.Envelope {
	payload := map[string]interface{}{
		"device": r.Device,
		"status": string(r.Status),
	}
	if r.Capability != "" {
		payload["capability"] = r.Capability
	}
	if r.Value != nil {
		payload["value"] = r.Value
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	return protocol.NewEnvelope(protocol.TypeResponse, source, target, payload)
}
