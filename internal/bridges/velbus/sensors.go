package velbus

import (
	"fmt"
	"math"
)

// Meteo channels and readout masks.
const (
	ChannelMeteoRainfall    = "CH11"
	ChannelMeteoIlluminance = "CH12"
	ChannelMeteoWindSpeed   = "CH13"

	MeteoRainMask  byte = 0x02
	MeteoLightMask byte = 0x04
	MeteoWindMask  byte = 0x08
	MeteoAllMask        = MeteoRainMask | MeteoLightMask | MeteoWindMask

	// TemperatureMask asks a sensor module for its temperature.
	TemperatureMask byte = 0x00
)

// Payload sizes.
const (
	sensorRawDataLength   = 6
	blindStatusLength     = 5
	blindPositionOffset   = 4
	memoryDataLength      = 3
	memoryDataBlockLength = 6
	temperatureLength     = 2
	memoryBlockBytes      = 4
)

// MeteoReading is one set of weather readings from a VMBMETEO.
type MeteoReading struct {
	Rainfall    float64 `json:"rainfall_mm"`
	Illuminance float64 `json:"illuminance_lux"`
	WindSpeed   float64 `json:"wind_speed_kmh"`
}

// Changes returns the three readings as field changes.
func (m MeteoReading) Changes() []FieldChange {
	return []FieldChange{
		{Channel: ChannelMeteoRainfall, New: m.Rainfall},
		{Channel: ChannelMeteoIlluminance, New: m.Illuminance},
		{Channel: ChannelMeteoWindSpeed, New: m.WindSpeed},
	}
}

// DecodeMeteo extracts rain, light and wind from a sensor-raw-data frame.
// Each value is a big-endian unsigned 16-bit counter; rain and wind are in
// tenths.
func DecodeMeteo(f Frame) (MeteoReading, error) {
	if f.Command != CommandSensorRawData {
		return MeteoReading{}, fmt.Errorf("%w: command %s is not sensor-raw-data", ErrUnsupportedCommand, CommandName(f.Command))
	}
	if len(f.Data) < sensorRawDataLength {
		return MeteoReading{}, fmt.Errorf("%w: sensor-raw-data has %d bytes, need %d", ErrShortPayload, len(f.Data), sensorRawDataLength)
	}

	rain := uint16(f.Data[0])<<8 | uint16(f.Data[1])
	light := uint16(f.Data[2])<<8 | uint16(f.Data[3])
	wind := uint16(f.Data[4])<<8 | uint16(f.Data[5])

	return MeteoReading{
		Rainfall:    float64(rain) / 10,  //nolint:mnd // tenths of a millimetre
		Illuminance: float64(light),
		WindSpeed:   float64(wind) / 10, //nolint:mnd // tenths of a km/h
	}, nil
}

// BlindState is the decoded content of a blind-status frame.
type BlindState struct {
	Channel  ChannelIdentifier
	Position byte
}

// DecodeBlindStatus extracts the channel and position from a blind-status
// frame. The position is the fifth data byte.
func DecodeBlindStatus(f Frame) (BlindState, error) {
	if f.Command != CommandBlindStatus {
		return BlindState{}, fmt.Errorf("%w: command %s is not blind-status", ErrUnsupportedCommand, CommandName(f.Command))
	}
	if len(f.Data) < blindStatusLength {
		return BlindState{}, fmt.Errorf("%w: blind-status has %d bytes, need %d", ErrShortPayload, len(f.Data), blindStatusLength)
	}
	return BlindState{
		Channel:  ChannelIdentifier{Address: f.Address, Mask: f.Data[0]},
		Position: f.Data[blindPositionOffset],
	}, nil
}

// DecodeTemperature extracts the current temperature in °C from a
// sensor-temperature frame. The reading is a signed value in the top 11 bits
// of the first two data bytes, in steps of 0.0625 °C.
func DecodeTemperature(f Frame) (float64, error) {
	if f.Command != CommandSensorTemperature {
		return 0, fmt.Errorf("%w: command %s is not sensor-temperature", ErrUnsupportedCommand, CommandName(f.Command))
	}
	if len(f.Data) < temperatureLength {
		return 0, fmt.Errorf("%w: sensor-temperature has %d bytes, need %d", ErrShortPayload, len(f.Data), temperatureLength)
	}
	raw := int16(uint16(f.Data[0])<<8|uint16(f.Data[1])) >> 5 //nolint:mnd,gosec // 11-bit value in the top bits
	return math.Round(float64(raw)*temperatureResolution*100) / 100, nil //nolint:mnd // two decimals
}

// MemoryBytes returns the start address and data bytes carried by a
// memory-data or memory-data-block frame.
func MemoryBytes(f Frame) (uint16, []byte, error) {
	var need, count int
	switch f.Command {
	case CommandMemoryData:
		need, count = memoryDataLength, 1
	case CommandMemoryDataBlock:
		need, count = memoryDataBlockLength, memoryBlockBytes
	default:
		return 0, nil, fmt.Errorf("%w: command %s carries no memory data", ErrUnsupportedCommand, CommandName(f.Command))
	}
	if len(f.Data) < need {
		return 0, nil, fmt.Errorf("%w: %s has %d bytes, need %d", ErrShortPayload, CommandName(f.Command), len(f.Data), need)
	}

	addr := uint16(f.Data[0])<<8 | uint16(f.Data[1])
	return addr, f.Data[2 : 2+count], nil
}
