package velbus

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Frame delimiters and priorities.
const (
	// STX marks the start of every frame.
	STX byte = 0x0F

	// ETX marks the end of every frame.
	ETX byte = 0x04

	// PriorityHigh is used for commands that move outputs (blinds, relays).
	PriorityHigh byte = 0xF8

	// PriorityLow is used for status, memory and clock traffic.
	PriorityLow byte = 0xFB
)

// Length byte layout.
const (
	// rtrFlag marks a remote transmit request (module type request).
	rtrFlag byte = 0x40

	// lengthMask extracts the data length (command byte included).
	lengthMask byte = 0x0F

	// maxDataLength is the largest data length the bus carries (CMD + 7 bytes).
	maxDataLength = 8

	// frameOverhead is STX, PRIO, ADDR, LEN, CHK and ETX.
	frameOverhead = 6

	// headerLength is the number of bytes needed to see the command byte.
	headerLength = 5
)

// commandMinLength holds the smallest whole-frame length at which a frame of
// a given command can be dispatched. Shorter buffers are incomplete.
var commandMinLength = map[byte]int{
	CommandMemoryData:      8,
	CommandMemoryDataBlock: 11,
	CommandSensorRawData:   10,
	CommandBlindStatus:     9,
}

// Frame is one decoded Velbus message.
//
// Frames are values: Decode allocates a fresh Data slice, so a Frame never
// aliases the receive buffer it was parsed from.
type Frame struct {
	// Priority is PriorityHigh or PriorityLow.
	Priority byte

	// Address is the bus address of the sender (inbound) or target (outbound).
	Address byte

	// RTR marks a remote transmit request. RTR frames carry no command.
	RTR bool

	// Command is the first data byte.
	Command byte

	// Data holds the bytes following the command. Nil when empty.
	Data []byte
}

// Len returns the encoded length of the frame in bytes.
func (f Frame) Len() int {
	if f.RTR {
		return frameOverhead
	}
	return frameOverhead + 1 + len(f.Data)
}

// String renders the frame as space-separated hex, as it appears on the wire.
func (f Frame) String() string {
	return FormatHex(Encode(f))
}

// Encode serialises a frame into wire format.
//
// The layout is fixed: STX, PRIO, ADDR, LEN, CMD, DATA, CHK, ETX. The
// checksum is computed over everything before it.
//
// Parameters:
//   - f: Frame to encode; Data longer than 7 bytes is not representable
//
// Returns:
//   - []byte: Freshly allocated wire bytes
func Encode(f Frame) []byte {
	out := make([]byte, 0, f.Len())
	out = append(out, STX, f.Priority, f.Address)

	if f.RTR {
		out = append(out, rtrFlag)
	} else {
		out = append(out, byte(1+len(f.Data))&lengthMask, f.Command)
		out = append(out, f.Data...)
	}

	out = append(out, Checksum(out), ETX)
	return out
}

// Decode parses the first frame in buf.
//
// Decode is built for a streaming source: a buffer that is too short to hold
// the frame yields ErrIncomplete and the caller is expected to retry once
// more bytes have arrived. A buffer that cannot start a valid frame yields an
// error wrapping ErrMalformed; the caller should drop the first byte and try
// again to resynchronise.
//
// Commands with a dispatch minimum (see commandMinLength) are not decoded
// until the buffer holds at least that many bytes, even when the length byte
// declares a shorter frame.
//
// Parameters:
//   - buf: Received bytes, starting where the previous frame ended
//
// Returns:
//   - Frame: The decoded frame (zero value on error)
//   - int: Number of bytes consumed from buf (0 on error)
//   - error: nil, ErrIncomplete, or an error wrapping ErrMalformed
func Decode(buf []byte) (Frame, int, error) {
	return decode(buf, false)
}

// decodeFinal is Decode for a stream that has ended: no more bytes will
// arrive, so a frame is only waited for up to its declared length and a
// declared frame below its command minimum is malformed.
func decodeFinal(buf []byte) (Frame, int, error) {
	return decode(buf, true)
}

func decode(buf []byte, final bool) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}
	if buf[0] != STX {
		return Frame{}, 0, fmt.Errorf("%w: start byte 0x%02X", ErrMalformed, buf[0])
	}
	if len(buf) < headerLength {
		return Frame{}, 0, ErrIncomplete
	}

	rtr := buf[3]&rtrFlag != 0
	dataLen := int(buf[3] & lengthMask)
	if dataLen > maxDataLength {
		return Frame{}, 0, fmt.Errorf("%w: data length %d exceeds %d", ErrMalformed, dataLen, maxDataLength)
	}
	if dataLen == 0 && !rtr {
		return Frame{}, 0, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	frameLen := frameOverhead + dataLen
	required := frameLen
	if dataLen > 0 {
		if minLen, ok := commandMinLength[buf[4]]; ok && minLen > required {
			required = minLen
		}
	}
	if len(buf) < frameLen || (!final && len(buf) < required) {
		return Frame{}, 0, ErrIncomplete
	}

	if buf[frameLen-1] != ETX {
		return Frame{}, 0, fmt.Errorf("%w: missing terminator", ErrMalformed)
	}
	if want := Checksum(buf[:frameLen-2]); buf[frameLen-2] != want {
		return Frame{}, 0, fmt.Errorf("%w: checksum 0x%02X, expected 0x%02X", ErrMalformed, buf[frameLen-2], want)
	}
	if frameLen < required {
		return Frame{}, 0, fmt.Errorf("%w: command 0x%02X needs %d bytes, frame has %d",
			ErrMalformed, buf[4], required, frameLen)
	}

	f := Frame{
		Priority: buf[1],
		Address:  buf[2],
		RTR:      rtr,
	}
	if dataLen > 0 {
		f.Command = buf[4]
		if n := dataLen - 1; n > 0 {
			f.Data = make([]byte, n)
			copy(f.Data, buf[5:5+n])
		}
	}
	return f, frameLen, nil
}

// Checksum returns the byte that makes the sum of b plus itself zero
// (mod 256).
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}

// FormatHex renders bytes as upper-case, space-separated hex ("0F FB 21").
func FormatHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3) //nolint:mnd // two digits and a separator per byte
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// ParseHex parses hex text such as "0F FB 21", "0x0f,0xfb" or "0ffb21".
func ParseHex(s string) ([]byte, error) {
	r := strings.NewReplacer("0x", "", "0X", "", " ", "", ",", "", ":", "", "-", "", "\n", "", "\t", "")
	clean := r.Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("parsing hex: %w", err)
	}
	return b, nil
}
