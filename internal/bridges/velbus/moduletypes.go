package velbus

import (
	"fmt"
	"sort"
	"strings"
)

// ModuleType identifies a Velbus module model (e.g. "VMB2BLE").
type ModuleType string

// Supported module types.
const (
	TypeVMB1BL    ModuleType = "VMB1BL"
	TypeVMB1BLS   ModuleType = "VMB1BLS"
	TypeVMB2BL    ModuleType = "VMB2BL"
	TypeVMB2BLE   ModuleType = "VMB2BLE"
	TypeVMB2PBN   ModuleType = "VMB2PBN"
	TypeVMB6PBN   ModuleType = "VMB6PBN"
	TypeVMB7IN    ModuleType = "VMB7IN"
	TypeVMB8PBU   ModuleType = "VMB8PBU"
	TypeVMBPIRC   ModuleType = "VMBPIRC"
	TypeVMBPIRM   ModuleType = "VMBPIRM"
	TypeVMBPIRO   ModuleType = "VMBPIRO"
	TypeVMBMETEO  ModuleType = "VMBMETEO"
	TypeVMBGP1    ModuleType = "VMBGP1"
	TypeVMBGP2    ModuleType = "VMBGP2"
	TypeVMBGP4    ModuleType = "VMBGP4"
	TypeVMBGP4PIR ModuleType = "VMBGP4PIR"
	TypeVMBGPO    ModuleType = "VMBGPO"
	TypeVMBGPOD   ModuleType = "VMBGPOD"
)

// Capability is a bit set of the features a module type offers.
type Capability uint8

// Module capabilities.
const (
	CapabilityBlind Capability = 1 << iota
	CapabilityClockAlarm
	CapabilityMeteo
	CapabilityTemperature
)

// Clock alarm memory windows per family.
const (
	alarmBasePushButton uint16 = 0x0093
	alarmBasePIR        uint16 = 0x0031
	alarmBaseMeteo      uint16 = 0x0083
	alarmBaseGlassPanel uint16 = 0x00A4
	alarmBaseGPO        uint16 = 0x0284
)

// ModuleTypeInfo describes the fixed properties of a module type.
type ModuleTypeInfo struct {
	Type ModuleType

	// FirstGeneration modules have no sub-addresses and address their
	// channels with two-bit masks.
	FirstGeneration bool

	// MaxSubAddresses is the number of sub-addresses the module can use.
	MaxSubAddresses int

	// BlindChannels is the number of blind outputs (0 when not a blind module).
	BlindChannels int

	// ClockAlarmBase is the start of the 9-byte clock alarm memory window.
	// Only meaningful when Capabilities has CapabilityClockAlarm.
	ClockAlarmBase uint16

	// TemperatureChannel names the channel temperature readings publish on.
	TemperatureChannel string

	Capabilities Capability
}

// Has reports whether the module type offers capability c.
func (i ModuleTypeInfo) Has(c Capability) bool {
	return i.Capabilities&c != 0
}

// moduleTypes is the static module type table. It is never written after
// package initialisation.
var moduleTypes = map[ModuleType]ModuleTypeInfo{
	TypeVMB1BL:  {FirstGeneration: true, BlindChannels: 1, Capabilities: CapabilityBlind},
	TypeVMB2BL:  {FirstGeneration: true, BlindChannels: 2, Capabilities: CapabilityBlind},
	TypeVMB1BLS: {BlindChannels: 1, Capabilities: CapabilityBlind},
	TypeVMB2BLE: {BlindChannels: 2, Capabilities: CapabilityBlind},

	TypeVMB2PBN: {ClockAlarmBase: alarmBasePushButton, Capabilities: CapabilityClockAlarm},
	TypeVMB6PBN: {ClockAlarmBase: alarmBasePushButton, Capabilities: CapabilityClockAlarm},
	TypeVMB7IN:  {ClockAlarmBase: alarmBasePushButton, Capabilities: CapabilityClockAlarm},
	TypeVMB8PBU: {ClockAlarmBase: alarmBasePushButton, Capabilities: CapabilityClockAlarm},

	TypeVMBPIRC: {ClockAlarmBase: alarmBasePIR, Capabilities: CapabilityClockAlarm},
	TypeVMBPIRM: {ClockAlarmBase: alarmBasePIR, Capabilities: CapabilityClockAlarm},
	TypeVMBPIRO: {ClockAlarmBase: alarmBasePIR, Capabilities: CapabilityClockAlarm},

	TypeVMBMETEO: {
		ClockAlarmBase:     alarmBaseMeteo,
		TemperatureChannel: "CH10",
		Capabilities:       CapabilityClockAlarm | CapabilityMeteo | CapabilityTemperature,
	},

	TypeVMBGP1:    glassPanel(1, alarmBaseGlassPanel, "CH9"),
	TypeVMBGP2:    glassPanel(1, alarmBaseGlassPanel, "CH9"),
	TypeVMBGP4:    glassPanel(1, alarmBaseGlassPanel, "CH9"),
	TypeVMBGP4PIR: glassPanel(1, alarmBaseGlassPanel, "CH9"),
	TypeVMBGPO:    glassPanel(4, alarmBaseGPO, "CH33"),
	TypeVMBGPOD:   glassPanel(4, alarmBaseGPO, "CH33"),
}

func init() {
	for t, info := range moduleTypes {
		info.Type = t
		moduleTypes[t] = info
	}
}

func glassPanel(subAddresses int, alarmBase uint16, tempChannel string) ModuleTypeInfo {
	return ModuleTypeInfo{
		MaxSubAddresses:    subAddresses,
		ClockAlarmBase:     alarmBase,
		TemperatureChannel: tempChannel,
		Capabilities:       CapabilityClockAlarm | CapabilityTemperature,
	}
}

// LookupModuleType returns the table entry for t. The entry is a copy.
func LookupModuleType(t ModuleType) (ModuleTypeInfo, bool) {
	info, ok := moduleTypes[t]
	return info, ok
}

// ParseModuleType normalises s (case-insensitive) and checks it against the
// module type table.
func ParseModuleType(s string) (ModuleType, error) {
	t := ModuleType(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := moduleTypes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownModuleType, s)
	}
	return t, nil
}

// ModuleTypes returns every supported module type in sorted order.
func ModuleTypes() []ModuleType {
	types := make([]ModuleType, 0, len(moduleTypes))
	for t := range moduleTypes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
