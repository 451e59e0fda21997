package velbus

import "errors"

// Domain errors for the Velbus bridge package.
var (
	// ErrIncomplete is returned by Decode when the buffer does not yet hold a
	// whole frame. It is not a failure: callers keep the bytes and retry once
	// more data arrives.
	ErrIncomplete = errors.New("velbus: incomplete frame")

	// ErrMalformed is returned by Decode when the buffer cannot start a valid
	// frame (wrong start byte, missing terminator, bad checksum).
	ErrMalformed = errors.New("velbus: malformed frame")

	// ErrShortPayload is returned when a frame's data is too short for the
	// value being extracted from it.
	ErrShortPayload = errors.New("velbus: payload too short")

	// ErrUnknownModuleType is returned when a module type is not in the
	// module type table.
	ErrUnknownModuleType = errors.New("velbus: unknown module type")

	// ErrInvalidChannel is returned when a channel name cannot be parsed.
	ErrInvalidChannel = errors.New("velbus: invalid channel")

	// ErrChannelOutOfRange is returned when a channel index does not map to
	// any configured address of the module.
	ErrChannelOutOfRange = errors.New("velbus: channel out of range")

	// ErrUnknownChannel is returned when an address/mask pair does not
	// belong to the module.
	ErrUnknownChannel = errors.New("velbus: unknown channel")

	// ErrAddressOutOfRange is returned when a memory address is outside the
	// window of a state store.
	ErrAddressOutOfRange = errors.New("velbus: memory address out of range")

	// ErrStoreInvariant is returned when a memory address passes the range
	// check of a store but matches none of its fields. This is a programming
	// error in the store definition.
	ErrStoreInvariant = errors.New("velbus: store invariant violated")

	// ErrUnsupportedCommand is returned when a command kind is not accepted
	// by the addressed channel.
	ErrUnsupportedCommand = errors.New("velbus: unsupported command")

	// ErrInvalidValue is returned when a command value is outside the range
	// the channel accepts.
	ErrInvalidValue = errors.New("velbus: invalid value")

	// ErrModuleNotFound is returned when a module ID is not registered.
	ErrModuleNotFound = errors.New("velbus: module not found")

	// ErrDuplicateAddress is returned when two modules claim the same bus
	// address.
	ErrDuplicateAddress = errors.New("velbus: duplicate address")

	// ErrBridgeOffline is returned when an outbound frame is requested but
	// no bus connection is available.
	ErrBridgeOffline = errors.New("velbus: bridge offline")

	// ErrNotConnected is returned when an operation requires a connection
	// but the connector is not connected.
	ErrNotConnected = errors.New("velbus: not connected")

	// ErrConnectionFailed is returned when opening the bus connection fails.
	ErrConnectionFailed = errors.New("velbus: connection failed")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("velbus: invalid configuration")
)
