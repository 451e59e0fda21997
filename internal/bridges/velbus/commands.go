package velbus

import (
	"fmt"
	"math"
	"time"
)

// Velbus command bytes.
const (
	CommandBlindOff             byte = 0x04
	CommandBlindUp              byte = 0x05
	CommandBlindDown            byte = 0x06
	CommandBlindPosition        byte = 0x1C
	CommandSensorRawData        byte = 0xA9
	CommandSetRealtimeDate      byte = 0xB7
	CommandSetAlarmClock        byte = 0xC3
	CommandReadMemoryBlock      byte = 0xC9
	CommandMemoryDataBlock      byte = 0xCC
	CommandSetRealtimeClock     byte = 0xD8
	CommandSensorReadoutRequest byte = 0xE5
	CommandSensorTemperature    byte = 0xE6
	CommandBlindStatus          byte = 0xEC
	CommandStatusRequest        byte = 0xFA
	CommandReadMemory           byte = 0xFD
	CommandMemoryData           byte = 0xFE
)

var commandNames = map[byte]string{
	CommandBlindOff:             "blind-off",
	CommandBlindUp:              "blind-up",
	CommandBlindDown:            "blind-down",
	CommandBlindPosition:        "blind-position",
	CommandSensorRawData:        "sensor-raw-data",
	CommandSetRealtimeDate:      "set-realtime-date",
	CommandSetAlarmClock:        "set-alarm-clock",
	CommandReadMemoryBlock:      "read-memory-block",
	CommandMemoryDataBlock:      "memory-data-block",
	CommandSetRealtimeClock:     "set-realtime-clock",
	CommandSensorReadoutRequest: "sensor-readout-request",
	CommandSensorTemperature:    "sensor-temperature",
	CommandBlindStatus:          "blind-status",
	CommandStatusRequest:        "status-request",
	CommandReadMemory:           "read-memory",
	CommandMemoryData:           "memory-data",
}

// CommandName returns a readable name for a command byte, or its hex form
// when the command is not one this package handles.
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", cmd)
}

// temperatureResolution is the value of one step of a sensor-temperature
// reading after the 5-bit shift.
const temperatureResolution = 0.0625

// SetRealtimeClock builds the frame that sets a module's clock to t.
// Weekdays are numbered from Monday = 0.
func SetRealtimeClock(address byte, t time.Time) Frame {
	weekday := (int(t.Weekday()) + 6) % 7 //nolint:mnd // shift Sunday=0 to Monday=0
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandSetRealtimeClock,
		Data:     []byte{byte(weekday), byte(t.Hour()), byte(t.Minute())},
	}
}

// SetDate builds the frame that sets a module's calendar date to t.
func SetDate(address byte, t time.Time) Frame {
	year := t.Year()
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandSetRealtimeDate,
		Data:     []byte{byte(t.Day()), byte(t.Month()), byte(year >> 8), byte(year)},
	}
}

// SetLocalClockAlarm builds the frame that writes one clock alarm
// (number 1 or 2) to a module.
func SetLocalClockAlarm(address byte, alarmNumber byte, alarm ClockAlarm) Frame {
	var enabled byte
	if alarm.Enabled {
		enabled = 1
	}
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandSetAlarmClock,
		Data: []byte{
			alarmNumber,
			alarm.WakeupHour, alarm.WakeupMinute,
			alarm.BedtimeHour, alarm.BedtimeMinute,
			enabled,
		},
	}
}

// BlindUpDown builds a frame that starts moving a blind up or down.
func BlindUpDown(id ChannelIdentifier, up bool) Frame {
	cmd := CommandBlindDown
	if up {
		cmd = CommandBlindUp
	}
	return Frame{
		Priority: PriorityHigh,
		Address:  id.Address,
		Command:  cmd,
		Data:     []byte{id.Mask, 0x00, 0x00, 0x00},
	}
}

// BlindOff builds a frame that stops a moving blind.
func BlindOff(id ChannelIdentifier) Frame {
	return Frame{
		Priority: PriorityHigh,
		Address:  id.Address,
		Command:  CommandBlindOff,
		Data:     []byte{id.Mask},
	}
}

// BlindPosition builds a frame that moves a blind to a position in percent.
func BlindPosition(id ChannelIdentifier, percent byte) Frame {
	return Frame{
		Priority: PriorityHigh,
		Address:  id.Address,
		Command:  CommandBlindPosition,
		Data:     []byte{id.Mask, percent},
	}
}

// StatusRequest builds a frame asking a module for the status of a channel.
func StatusRequest(id ChannelIdentifier) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  id.Address,
		Command:  CommandStatusRequest,
		Data:     []byte{id.Mask},
	}
}

// SensorReadoutRequest builds a frame asking a sensor module to send the
// readings selected by mask.
func SensorReadoutRequest(address, mask byte) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandSensorReadoutRequest,
		Data:     []byte{mask},
	}
}

// ReadMemoryBlock builds a frame asking for four bytes of module memory
// starting at memoryAddress.
func ReadMemoryBlock(address byte, memoryAddress uint16) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandReadMemoryBlock,
		Data:     []byte{byte(memoryAddress >> 8), byte(memoryAddress)},
	}
}

// ReadMemory builds a frame asking for one byte of module memory.
func ReadMemory(address byte, memoryAddress uint16) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandReadMemory,
		Data:     []byte{byte(memoryAddress >> 8), byte(memoryAddress)},
	}
}

// MemoryData builds the frame a module sends in answer to ReadMemory.
func MemoryData(address byte, memoryAddress uint16, value byte) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandMemoryData,
		Data:     []byte{byte(memoryAddress >> 8), byte(memoryAddress), value},
	}
}

// MemoryDataBlock builds the frame a module sends in answer to
// ReadMemoryBlock.
func MemoryDataBlock(address byte, memoryAddress uint16, values [4]byte) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandMemoryDataBlock,
		Data: []byte{
			byte(memoryAddress >> 8), byte(memoryAddress),
			values[0], values[1], values[2], values[3],
		},
	}
}

// SensorRawData builds the frame a meteo module sends with its raw rain,
// light and wind counters.
func SensorRawData(address byte, rain, light, wind uint16) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandSensorRawData,
		Data: []byte{
			byte(rain >> 8), byte(rain),
			byte(light >> 8), byte(light),
			byte(wind >> 8), byte(wind),
		},
	}
}

// BlindStatus builds the status frame a blind module sends for one channel.
// The position sits at the same data offset a VMB1BLS/VMB2BLE uses.
func BlindStatus(id ChannelIdentifier, percent byte) Frame {
	return Frame{
		Priority: PriorityLow,
		Address:  id.Address,
		Command:  CommandBlindStatus,
		Data:     []byte{id.Mask, 0x00, 0x00, 0x00, percent},
	}
}

// SensorTemperature builds the frame a temperature sensor sends. Current,
// minimum and maximum are all set to celsius.
func SensorTemperature(address byte, celsius float64) Frame {
	raw := uint16(int16(math.Round(celsius/temperatureResolution)) << 5) //nolint:mnd,gosec // 11-bit value in the top bits
	hi, lo := byte(raw>>8), byte(raw)
	return Frame{
		Priority: PriorityLow,
		Address:  address,
		Command:  CommandSensorTemperature,
		Data:     []byte{hi, lo, hi, lo, hi, lo},
	}
}
