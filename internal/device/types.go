package device

import (
	"fmt"
	"time"
)

// Status is the persisted module status.
type Status string

// Module statuses. They match the statuses reported by the velbus bridge.
const (
	StatusUnknown            Status = "unknown"
	StatusOnline             Status = "online"
	StatusConfigurationError Status = "configuration_error"
)

// AllStatuses returns every valid status.
func AllStatuses() []Status {
	return []Status{StatusUnknown, StatusOnline, StatusConfigurationError}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// State holds the last value of every channel, keyed by channel name
// (e.g. "CH1", "temperature", "alarm1").
type State map[string]any

// Module is the persisted record of one Velbus module.
type Module struct {
	// ID is the module identifier from the bridge config.
	ID string `json:"id"`

	Name string `json:"name,omitempty"`

	// Type is the module type name (e.g. "VMB2BLE").
	Type string `json:"type"`

	// Address is the primary bus address as two hex digits.
	Address string `json:"address"`

	// SubAddresses are the secondary addresses as two hex digits.
	// An unused slot is "FF".
	SubAddresses []string `json:"sub_addresses,omitempty"`

	Status       Status `json:"status"`
	StatusDetail string `json:"status_detail,omitempty"`

	State          State      `json:"state"`
	StateUpdatedAt *time.Time `json:"state_updated_at,omitempty"`

	// LastSeen is when the bus last reported a value for the module.
	LastSeen *time.Time `json:"last_seen,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the fields required to persist a module.
func (m *Module) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidModule)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: type is required for %s", ErrInvalidModule, m.ID)
	}
	if len(m.Address) != 2 {
		return fmt.Errorf("%w: address %q for %s is not two hex digits", ErrInvalidModule, m.Address, m.ID)
	}
	if m.Status != "" && !m.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, m.Status)
	}
	return nil
}

// DeepCopy creates an independent copy of the module.
func (m *Module) DeepCopy() *Module {
	if m == nil {
		return nil
	}

	cpy := *m
	cpy.State = deepCopyMap(m.State)

	if m.SubAddresses != nil {
		cpy.SubAddresses = make([]string, len(m.SubAddresses))
		copy(cpy.SubAddresses, m.SubAddresses)
	}

	// Pointer fields (*time.Time) don't need deep copy
	// because time.Time is immutable in Go

	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case State:
		return State(deepCopyMap(val))
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}
