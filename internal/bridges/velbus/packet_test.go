package velbus

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := ParseHex(s)
	if err != nil {
		t.Fatalf("ParseHex(%q): %v", s, err)
	}
	return b
}

// frameVectors are wire captures with their builders.
var frameVectors = []struct {
	name  string
	frame Frame
	wire  string
}{
	{
		name:  "blind off CH1",
		frame: BlindOff(ChannelIdentifier{Address: 0x21, Mask: 0x01}),
		wire:  "0F F8 21 02 04 01 D1 04",
	},
	{
		name:  "blind up CH1",
		frame: BlindUpDown(ChannelIdentifier{Address: 0x21, Mask: 0x01}, true),
		wire:  "0F F8 21 05 05 01 00 00 00 CD 04",
	},
	{
		name:  "blind down first-generation CH2",
		frame: BlindUpDown(ChannelIdentifier{Address: 0x21, Mask: 0x0C}, false),
		wire:  "0F F8 21 05 06 0C 00 00 00 C1 04",
	},
	{
		name:  "blind position CH2 50%",
		frame: BlindPosition(ChannelIdentifier{Address: 0x21, Mask: 0x02}, 50),
		wire:  "0F F8 21 03 1C 02 32 85 04",
	},
	{
		name:  "status request CH1",
		frame: StatusRequest(ChannelIdentifier{Address: 0x21, Mask: 0x01}),
		wire:  "0F FB 21 02 FA 01 D8 04",
	},
	{
		name:  "memory data",
		frame: MemoryData(0x30, 0x0093, 0x05),
		wire:  "0F FB 30 04 FE 00 93 05 2C 04",
	},
	{
		name:  "memory data block",
		frame: MemoryDataBlock(0x30, 0x0093, [4]byte{0x05, 0x07, 0x1E, 0x16}),
		wire:  "0F FB 30 07 CC 00 93 05 07 1E 16 20 04",
	},
	{
		name:  "sensor raw data",
		frame: SensorRawData(0x40, 123, 500, 45),
		wire:  "0F FB 40 07 A9 00 7B 01 F4 00 2D 69 04",
	},
	{
		name:  "blind status CH1 75%",
		frame: BlindStatus(ChannelIdentifier{Address: 0x21, Mask: 0x01}, 75),
		wire:  "0F FB 21 06 EC 01 00 00 00 4B 97 04",
	},
	{
		name:  "set realtime clock",
		frame: SetRealtimeClock(0x30, time.Date(2026, time.October, 14, 14, 5, 0, 0, time.UTC)),
		wire:  "0F FB 30 04 D8 02 0E 05 D5 04",
	},
	{
		name:  "set realtime date",
		frame: SetDate(0x30, time.Date(2026, time.October, 18, 0, 0, 0, 0, time.UTC)),
		wire:  "0F FB 30 05 B7 12 0A 07 EA FD 04",
	},
	{
		name: "set alarm clock 1",
		frame: SetLocalClockAlarm(0x30, 1, ClockAlarm{
			Enabled: true, WakeupHour: 7, WakeupMinute: 30, BedtimeHour: 22, BedtimeMinute: 0,
		}),
		wire: "0F FB 30 07 C3 01 07 1E 16 00 01 BF 04",
	},
	{
		name:  "read memory block",
		frame: ReadMemoryBlock(0x30, 0x0093),
		wire:  "0F FB 30 03 C9 00 93 67 04",
	},
	{
		name:  "read memory",
		frame: ReadMemory(0x30, 0x009B),
		wire:  "0F FB 30 03 FD 00 9B 2B 04",
	},
	{
		name:  "sensor readout request meteo",
		frame: SensorReadoutRequest(0x21, MeteoAllMask),
		wire:  "0F FB 21 02 E5 0E E0 04",
	},
	{
		name:  "sensor temperature 21.5",
		frame: SensorTemperature(0x40, 21.5),
		wire:  "0F FB 40 07 E6 2B 00 2B 00 2B 00 48 04",
	},
}

func TestEncode(t *testing.T) {
	for _, tt := range frameVectors {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.frame)
			want := mustHex(t, tt.wire)
			if !bytes.Equal(got, want) {
				t.Errorf("Encode() = %s, want %s", FormatHex(got), tt.wire)
			}
			if len(got) != tt.frame.Len() {
				t.Errorf("Len() = %d, encoded %d bytes", tt.frame.Len(), len(got))
			}
		})
	}
}

func TestDecodeVectors(t *testing.T) {
	for _, tt := range frameVectors {
		t.Run(tt.name, func(t *testing.T) {
			wire := mustHex(t, tt.wire)

			f, n, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(wire) {
				t.Errorf("Decode() consumed %d, want %d", n, len(wire))
			}
			if f.Priority != tt.frame.Priority || f.Address != tt.frame.Address || f.Command != tt.frame.Command {
				t.Errorf("Decode() header = %02X/%02X/%02X, want %02X/%02X/%02X",
					f.Priority, f.Address, f.Command, tt.frame.Priority, tt.frame.Address, tt.frame.Command)
			}
			if !bytes.Equal(f.Data, tt.frame.Data) {
				t.Errorf("Decode() data = % X, want % X", f.Data, tt.frame.Data)
			}
		})
	}
}

func TestChecksumZeroesFrameSum(t *testing.T) {
	for _, tt := range frameVectors {
		wire := Encode(tt.frame)
		var sum byte
		for _, b := range wire[:len(wire)-1] {
			sum += b
		}
		if sum != 0 {
			t.Errorf("%s: byte sum through checksum = %02X, want 00", tt.name, sum)
		}
	}
}

func TestDecodeEveryPrefixIsIncomplete(t *testing.T) {
	for _, tt := range frameVectors {
		wire := mustHex(t, tt.wire)
		for i := 0; i < len(wire); i++ {
			_, n, err := Decode(wire[:i])
			if !errors.Is(err, ErrIncomplete) {
				t.Errorf("%s: Decode(prefix %d) error = %v, want ErrIncomplete", tt.name, i, err)
			}
			if n != 0 {
				t.Errorf("%s: Decode(prefix %d) consumed %d", tt.name, i, n)
			}
		}
	}
}

func TestDecodeLeavesTrailingBytes(t *testing.T) {
	first := mustHex(t, "0F F8 21 02 04 01 D1 04")
	second := mustHex(t, "0F FB 21 02 FA 01 D8 04")
	buf := append(append([]byte{}, first...), second...)

	f, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(first) {
		t.Fatalf("consumed %d, want %d", n, len(first))
	}
	if f.Command != CommandBlindOff {
		t.Errorf("command = %s", CommandName(f.Command))
	}

	f, n, err = Decode(buf[n:])
	if err != nil || n != len(second) || f.Command != CommandStatusRequest {
		t.Errorf("second Decode() = %v, %d, %v", f, n, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{name: "wrong start byte", wire: "0E F8 21 02 04 01 D1 04"},
		{name: "bad checksum", wire: "0F F8 21 02 04 01 D2 04"},
		{name: "missing terminator", wire: "0F F8 21 02 04 01 D1 05"},
		{name: "data length over eight", wire: "0F FB 21 09 FA"},
		{name: "empty non-RTR frame", wire: "0F FB 21 00 D5 04"},
		// blind-status declaring a single data byte, with enough buffered to
		// reach the blind-status minimum
		{name: "declared shorter than command minimum", wire: "0F FB 21 02 EC 01 E6 04 0F"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, n, err := Decode(mustHex(t, tt.wire))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode() error = %v, want ErrMalformed", err)
			}
			if n != 0 || f.Command != 0 || f.Data != nil {
				t.Errorf("Decode() returned %v, %d on error", f, n)
			}
		})
	}
}

func TestDecodeWaitsForCommandMinimum(t *testing.T) {
	// A self-consistent 8-byte blind-status frame is still incomplete until
	// a ninth byte is buffered.
	_, _, err := Decode(mustHex(t, "0F FB 21 02 EC 01 E6 04"))
	if !errors.Is(err, ErrIncomplete) {
		t.Errorf("Decode() error = %v, want ErrIncomplete", err)
	}
}

func TestDecodeFinalShortFrame(t *testing.T) {
	tests := []struct {
		name    string
		wire    string
		wantErr error
	}{
		{name: "declared shorter than command minimum", wire: "0F FB 21 02 EC 01 E6 04", wantErr: ErrMalformed},
		{name: "short frame with bad checksum", wire: "0F FB 21 02 EC 01 E7 04", wantErr: ErrMalformed},
		{name: "declared frame not yet complete", wire: "0F FB 21 02 EC 01", wantErr: ErrIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := decodeFinal(mustHex(t, tt.wire))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("decodeFinal() error = %v, want %v", err, tt.wantErr)
			}
			if n != 0 {
				t.Errorf("consumed %d bytes on error", n)
			}
		})
	}

	// Complete frames decode the same way at the end of a stream.
	wire := mustHex(t, "0F FB 21 02 FA 01 D8 04")
	f, n, err := decodeFinal(wire)
	if err != nil || n != len(wire) || f.Command != CommandStatusRequest {
		t.Errorf("decodeFinal() = %v, %d, %v", f, n, err)
	}
}

func TestDecodeRTR(t *testing.T) {
	f, n, err := Decode(mustHex(t, "0F FB 21 40 95 04"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !f.RTR || n != 6 || f.Command != 0 || f.Data != nil {
		t.Errorf("Decode() = %+v, %d", f, n)
	}
	if got := FormatHex(Encode(f)); got != "0F FB 21 40 95 04" {
		t.Errorf("Encode(RTR) = %s", got)
	}
}

func TestDecodeCopiesData(t *testing.T) {
	wire := mustHex(t, "0F FB 30 04 FE 00 93 05 2C 04")
	f, _, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	wire[7] = 0xAA
	if f.Data[2] != 0x05 {
		t.Errorf("frame data aliases the input buffer")
	}
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: "0F FB 21", want: []byte{0x0F, 0xFB, 0x21}},
		{in: "0x0f,0xfb,0x21", want: []byte{0x0F, 0xFB, 0x21}},
		{in: "0ffb21", want: []byte{0x0F, 0xFB, 0x21}},
		{in: "0F:FB-21", want: []byte{0x0F, 0xFB, 0x21}},
		{in: "0F F", wantErr: true},
		{in: "ZZ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHex(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHex() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("ParseHex() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestCommandName(t *testing.T) {
	if got := CommandName(CommandBlindStatus); got != "blind-status" {
		t.Errorf("CommandName(EC) = %q", got)
	}
	if got := CommandName(0x99); got != "0x99" {
		t.Errorf("CommandName(99) = %q", got)
	}
}
