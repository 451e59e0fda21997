// Package velbus implements the Velbus protocol bridge for Gray Logic.
//
// This package talks to a Velbus bus through a serial interface (VMBRSUSB,
// VMB1USB) or a TCP gateway, decodes the frames it sees into per-channel
// state, and turns MQTT commands into outbound frames.
//
// # Architecture
//
// The bridge operates as a translator between two buses:
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │  Velbus Bridge  │  serial/TCP
//	│      Core       │◄────────►│   (this pkg)    │◄────────────► Velbus
//	└─────────────────┘          └─────────────────┘
//
// Inbound bytes flow through a FrameReader (stream reassembly), Decode
// (framing and checksum), and the Dispatcher, which routes each frame to the
// capability parts of the Module it is addressed to. Parts emit FieldChange
// values that the Bridge publishes as MQTT state messages.
//
// Outbound commands are resolved from a logical channel ("CH3",
// "clockAlarm#CLOCKALARM1ENABLED") to a ChannelIdentifier, built into a Frame
// by one of the command builders, encoded and handed to the Connector.
//
// # Frames
//
// Every frame has the same layout:
//
//	STX PRIO ADDR LEN CMD DATA.. CHK ETX
//	0F  F8   21   02  04  01     D1  04
//
// LEN holds the number of bytes from CMD to the end of DATA in its low nibble
// and the RTR flag in bit 6. CHK makes the byte-sum of the whole frame zero.
//
// # Addressing
//
// A module answers on a base address and, for the glass panels, up to four
// sub-addresses. Channels are numbered CH1..CHn and map to a bit within one
// of those addresses. First-generation blind modules (VMB1BL, VMB2BL) have no
// sub-addresses and use two-bit masks instead.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines
// unless their documentation says otherwise.
package velbus
