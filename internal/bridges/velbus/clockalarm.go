package velbus

import (
	"fmt"
	"strings"
)

// Clock alarm memory layout.
const (
	// clockAlarmSize is the length of the clock alarm memory window.
	clockAlarmSize = 9

	// Bits of the enabled byte at offset 0.
	alarm1EnabledMask byte = 0x01
	alarm2EnabledMask byte = 0x04

	maxHour   = 23
	maxMinute = 59
)

// Clock alarm channel names.
const (
	ChannelClockAlarm1Enabled       = "clockAlarm#CLOCKALARM1ENABLED"
	ChannelClockAlarm1WakeupHour    = "clockAlarm#CLOCKALARM1WAKEUPHOUR"
	ChannelClockAlarm1WakeupMinute  = "clockAlarm#CLOCKALARM1WAKEUPMINUTE"
	ChannelClockAlarm1BedtimeHour   = "clockAlarm#CLOCKALARM1BEDTIMEHOUR"
	ChannelClockAlarm1BedtimeMinute = "clockAlarm#CLOCKALARM1BEDTIMEMINUTE"
	ChannelClockAlarm2Enabled       = "clockAlarm#CLOCKALARM2ENABLED"
	ChannelClockAlarm2WakeupHour    = "clockAlarm#CLOCKALARM2WAKEUPHOUR"
	ChannelClockAlarm2WakeupMinute  = "clockAlarm#CLOCKALARM2WAKEUPMINUTE"
	ChannelClockAlarm2BedtimeHour   = "clockAlarm#CLOCKALARM2BEDTIMEHOUR"
	ChannelClockAlarm2BedtimeMinute = "clockAlarm#CLOCKALARM2BEDTIMEMINUTE"

	clockAlarmChannelPrefix = "clockAlarm#"
)

// alarmField is one of the five fields of a clock alarm.
type alarmField int

const (
	alarmEnabled alarmField = iota
	alarmWakeupHour
	alarmWakeupMinute
	alarmBedtimeHour
	alarmBedtimeMinute
)

// clockAlarmChannels indexes channel names by alarm number (1, 2) and field.
var clockAlarmChannels = [3][5]string{
	1: {
		ChannelClockAlarm1Enabled, ChannelClockAlarm1WakeupHour, ChannelClockAlarm1WakeupMinute,
		ChannelClockAlarm1BedtimeHour, ChannelClockAlarm1BedtimeMinute,
	},
	2: {
		ChannelClockAlarm2Enabled, ChannelClockAlarm2WakeupHour, ChannelClockAlarm2WakeupMinute,
		ChannelClockAlarm2BedtimeHour, ChannelClockAlarm2BedtimeMinute,
	},
}

// ClockAlarm is one wake-up/bedtime alarm of a module.
type ClockAlarm struct {
	Enabled       bool `json:"enabled"`
	WakeupHour    byte `json:"wakeup_hour"`
	WakeupMinute  byte `json:"wakeup_minute"`
	BedtimeHour   byte `json:"bedtime_hour"`
	BedtimeMinute byte `json:"bedtime_minute"`
}

// ClockAlarmConfiguration holds both alarms of a module.
type ClockAlarmConfiguration struct {
	Alarm1 ClockAlarm `json:"alarm1"`
	Alarm2 ClockAlarm `json:"alarm2"`
}

// FieldChange describes one channel whose value changed.
type FieldChange struct {
	Channel string `json:"channel"`
	Old     any    `json:"old,omitempty"`
	New     any    `json:"new"`
}

// StoreUpdate is the result of applying one memory byte to a store. A byte
// can carry more than one field (the enabled byte holds both alarms).
type StoreUpdate struct {
	Address uint16
	Offset  int
	Changes []FieldChange
}

// IsClockAlarmChannel reports whether channel belongs to the clock alarm
// group.
func IsClockAlarmChannel(channel string) bool {
	_, _, ok := parseClockAlarmChannel(channel)
	return ok
}

func parseClockAlarmChannel(channel string) (int, alarmField, bool) {
	if !strings.HasPrefix(channel, clockAlarmChannelPrefix) {
		return 0, 0, false
	}
	for n := 1; n <= 2; n++ {
		for f, name := range clockAlarmChannels[n] {
			if name == channel {
				return n, alarmField(f), true
			}
		}
	}
	return 0, 0, false
}

// ClockAlarmStore accumulates the clock alarm configuration of one module
// from single memory bytes.
//
// The store covers a 9-byte memory window starting at a module-type specific
// base address. It is not safe for concurrent use; the owning Module
// serialises access.
type ClockAlarmStore struct {
	base uint16
	size int
	cfg  ClockAlarmConfiguration
}

// NewClockAlarmStore creates an empty store for the window at base.
func NewClockAlarmStore(base uint16) *ClockAlarmStore {
	return &ClockAlarmStore{base: base, size: clockAlarmSize}
}

// Base returns the first memory address of the window.
func (s *ClockAlarmStore) Base() uint16 {
	return s.base
}

// IsInRange reports whether memoryAddress is inside the store's window.
func (s *ClockAlarmStore) IsInRange(memoryAddress uint16) bool {
	return memoryAddress >= s.base && int(memoryAddress) < int(s.base)+s.size
}

// ApplyByte writes one memory byte into the configuration.
//
// Each offset of the window maps to exactly one case below. An address that
// passes IsInRange but has no case is a broken store definition and is
// reported as ErrStoreInvariant without touching any field.
//
// Parameters:
//   - memoryAddress: Absolute module memory address
//   - value: Byte read from that address
//
// Returns:
//   - StoreUpdate: The fields the byte changed (old and new values)
//   - error: ErrAddressOutOfRange or ErrStoreInvariant
func (s *ClockAlarmStore) ApplyByte(memoryAddress uint16, value byte) (StoreUpdate, error) {
	if !s.IsInRange(memoryAddress) {
		return StoreUpdate{}, fmt.Errorf("%w: %04X not in %04X+%d", ErrAddressOutOfRange, memoryAddress, s.base, s.size)
	}

	offset := int(memoryAddress - s.base)
	update := StoreUpdate{Address: memoryAddress, Offset: offset}

	switch offset {
	case 0:
		update.Changes = []FieldChange{
			s.setEnabled(1, value&alarm1EnabledMask != 0),
			s.setEnabled(2, value&alarm2EnabledMask != 0),
		}
	case 1:
		update.Changes = []FieldChange{s.setByte(1, alarmWakeupHour, value)}
	case 2:
		update.Changes = []FieldChange{s.setByte(1, alarmWakeupMinute, value)}
	case 3:
		update.Changes = []FieldChange{s.setByte(1, alarmBedtimeHour, value)}
	case 4:
		update.Changes = []FieldChange{s.setByte(1, alarmBedtimeMinute, value)}
	case 5:
		update.Changes = []FieldChange{s.setByte(2, alarmWakeupHour, value)}
	case 6:
		update.Changes = []FieldChange{s.setByte(2, alarmWakeupMinute, value)}
	case 7:
		update.Changes = []FieldChange{s.setByte(2, alarmBedtimeHour, value)}
	case 8:
		update.Changes = []FieldChange{s.setByte(2, alarmBedtimeMinute, value)}
	default:
		return StoreUpdate{}, fmt.Errorf("%w: memory address %04X (offset %d) has no clock alarm field",
			ErrStoreInvariant, memoryAddress, offset)
	}

	return update, nil
}

// Snapshot returns a copy of the current configuration.
func (s *ClockAlarmStore) Snapshot() ClockAlarmConfiguration {
	return s.cfg
}

// Alarm returns a copy of alarm n (1 or 2).
func (s *ClockAlarmStore) Alarm(n int) ClockAlarm {
	return *s.alarm(n)
}

// Values returns the current value of every clock alarm channel.
func (s *ClockAlarmStore) Values() map[string]any {
	out := make(map[string]any, 10) //nolint:mnd // five fields per alarm
	for n := 1; n <= 2; n++ {
		a := s.alarm(n)
		ch := clockAlarmChannels[n]
		out[ch[alarmEnabled]] = a.Enabled
		out[ch[alarmWakeupHour]] = int(a.WakeupHour)
		out[ch[alarmWakeupMinute]] = int(a.WakeupMinute)
		out[ch[alarmBedtimeHour]] = int(a.BedtimeHour)
		out[ch[alarmBedtimeMinute]] = int(a.BedtimeMinute)
	}
	return out
}

// SetField applies a command value to a copy of a clock alarm and returns the
// alarm number and the full alarm to write back to the module. The store is
// not changed; call Commit once the write has been sent.
//
// Enabled channels take a bool; hour channels an int 0-23; minute channels an
// int 0-59.
func (s *ClockAlarmStore) SetField(channel string, value any) (int, ClockAlarm, error) {
	n, field, ok := parseClockAlarmChannel(channel)
	if !ok {
		return 0, ClockAlarm{}, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	a := *s.alarm(n)
	switch field {
	case alarmEnabled:
		b, ok := value.(bool)
		if !ok {
			return 0, ClockAlarm{}, fmt.Errorf("%w: %s needs a bool", ErrUnsupportedCommand, channel)
		}
		a.Enabled = b
	case alarmWakeupHour, alarmBedtimeHour:
		v, err := intInRange(channel, value, maxHour)
		if err != nil {
			return 0, ClockAlarm{}, err
		}
		if field == alarmWakeupHour {
			a.WakeupHour = v
		} else {
			a.BedtimeHour = v
		}
	case alarmWakeupMinute, alarmBedtimeMinute:
		v, err := intInRange(channel, value, maxMinute)
		if err != nil {
			return 0, ClockAlarm{}, err
		}
		if field == alarmWakeupMinute {
			a.WakeupMinute = v
		} else {
			a.BedtimeMinute = v
		}
	}

	return n, a, nil
}

// Commit stores alarm n as written to the module and returns the field
// changes. A later memory report from the module overwrites it.
func (s *ClockAlarmStore) Commit(n int, a ClockAlarm) []FieldChange {
	return []FieldChange{
		s.setEnabled(n, a.Enabled),
		s.setByte(n, alarmWakeupHour, a.WakeupHour),
		s.setByte(n, alarmWakeupMinute, a.WakeupMinute),
		s.setByte(n, alarmBedtimeHour, a.BedtimeHour),
		s.setByte(n, alarmBedtimeMinute, a.BedtimeMinute),
	}
}

// RefreshFrames returns the memory reads that cover the whole window.
func (s *ClockAlarmStore) RefreshFrames(address byte) []Frame {
	return []Frame{
		ReadMemoryBlock(address, s.base),
		ReadMemoryBlock(address, s.base+4), //nolint:mnd // second block
		ReadMemory(address, s.base+8),      //nolint:mnd // last byte
	}
}

func (s *ClockAlarmStore) alarm(n int) *ClockAlarm {
	if n == 2 { //nolint:mnd // alarm number
		return &s.cfg.Alarm2
	}
	return &s.cfg.Alarm1
}

func (s *ClockAlarmStore) setEnabled(n int, enabled bool) FieldChange {
	a := s.alarm(n)
	change := FieldChange{Channel: clockAlarmChannels[n][alarmEnabled], Old: a.Enabled, New: enabled}
	a.Enabled = enabled
	return change
}

func (s *ClockAlarmStore) setByte(n int, field alarmField, value byte) FieldChange {
	a := s.alarm(n)
	var target *byte
	switch field {
	case alarmWakeupHour:
		target = &a.WakeupHour
	case alarmWakeupMinute:
		target = &a.WakeupMinute
	case alarmBedtimeHour:
		target = &a.BedtimeHour
	default:
		target = &a.BedtimeMinute
	}
	change := FieldChange{Channel: clockAlarmChannels[n][field], Old: int(*target), New: int(value)}
	*target = value
	return change
}

// intInRange converts a command value to a byte in [0, maxValue].
func intInRange(channel string, value any, maxValue int) (byte, error) {
	var v int
	switch n := value.(type) {
	case int:
		v = n
	case int64:
		v = int(n)
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%w: %s needs a whole number, got %v", ErrInvalidValue, channel, n)
		}
		v = int(n)
	default:
		return 0, fmt.Errorf("%w: %s needs a number", ErrUnsupportedCommand, channel)
	}
	if v < 0 || v > maxValue {
		return 0, fmt.Errorf("%w: %s must be 0-%d, got %d", ErrInvalidValue, channel, maxValue, v)
	}
	return byte(v), nil
}
