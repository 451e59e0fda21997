package velbus

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Address constants.
const (
	// UnusedAddress marks a sub-address slot that is not configured.
	UnusedAddress byte = 0xFF

	// BroadcastAddress is reserved for bus-wide frames and cannot be
	// assigned to a module.
	BroadcastAddress byte = 0x00

	// channelsPerAddress is the number of channels one address byte can
	// carry in its mask.
	channelsPerAddress = 8

	// channelPrefix starts every numbered channel name.
	channelPrefix = "CH"
)

// First-generation channel masks.
const (
	firstGenerationMaskCH1 byte = 0x03
	firstGenerationMaskCH2 byte = 0x0C
)

// ChannelIdentifier identifies one physical input or output line on the bus.
// Two identifiers are equal when both fields match.
type ChannelIdentifier struct {
	Address byte
	Mask    byte
}

// String renders the identifier as "ADDR/MASK" in hex.
func (c ChannelIdentifier) String() string {
	return fmt.Sprintf("%02X/%02X", c.Address, c.Mask)
}

// Resolver maps logical channel names onto bus addresses and back.
//
// A Resolver is fixed at construction: the same channel always resolves to
// the same identifier. Implementations are immutable and safe for concurrent
// use.
type Resolver interface {
	// Resolve maps a channel name ("CH3") to its bus identifier.
	Resolve(channel string) (ChannelIdentifier, error)

	// ChannelID maps a bus identifier back to its channel name.
	ChannelID(id ChannelIdentifier) (string, error)

	// Address returns the module's base address.
	Address() byte

	// Addresses returns every address the module answers on, base first.
	Addresses() []byte
}

// ParseChannel returns the zero-based index of a numbered channel name
// ("CH1" is 0). Matching is case-insensitive.
func ParseChannel(channel string) (int, error) {
	upper := strings.ToUpper(strings.TrimSpace(channel))
	if !strings.HasPrefix(upper, channelPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	n, err := strconv.Atoi(upper[len(channelPrefix):])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return n - 1, nil
}

// ChannelName returns the channel name for a zero-based index.
func ChannelName(index int) string {
	return channelPrefix + strconv.Itoa(index+1)
}

// ModuleAddress resolves channels for modules that address up to eight
// channels per address byte and spread the rest over sub-addresses.
//
// Channel index i lives at slot i/8 with mask 1<<(i%8). Slot 0 is the base
// address; slot k is sub-address k-1.
type ModuleAddress struct {
	address      byte
	subAddresses []byte
}

// NewModuleAddress creates a resolver with slots sub-address slots. Slots
// without an entry in subAddresses stay unused (0xFF).
func NewModuleAddress(address byte, slots int, subAddresses []byte) *ModuleAddress {
	m := &ModuleAddress{
		address:      address,
		subAddresses: make([]byte, slots),
	}
	for i := range m.subAddresses {
		m.subAddresses[i] = UnusedAddress
		if i < len(subAddresses) {
			m.subAddresses[i] = subAddresses[i]
		}
	}
	return m
}

// Address returns the base address.
func (m *ModuleAddress) Address() byte {
	return m.address
}

// SubAddresses returns a copy of the sub-address slots, unused ones included.
func (m *ModuleAddress) SubAddresses() []byte {
	out := make([]byte, len(m.subAddresses))
	copy(out, m.subAddresses)
	return out
}

// Addresses returns the base address followed by every configured
// sub-address.
func (m *ModuleAddress) Addresses() []byte {
	out := []byte{m.address}
	for _, a := range m.subAddresses {
		if a != UnusedAddress {
			out = append(out, a)
		}
	}
	return out
}

// Resolve maps a channel name to its address and single-bit mask.
func (m *ModuleAddress) Resolve(channel string) (ChannelIdentifier, error) {
	idx, err := ParseChannel(channel)
	if err != nil {
		return ChannelIdentifier{}, err
	}

	slot := idx / channelsPerAddress
	addr, ok := m.slotAddress(slot)
	if !ok {
		return ChannelIdentifier{}, fmt.Errorf("%w: %s needs address slot %d", ErrChannelOutOfRange, channel, slot)
	}

	return ChannelIdentifier{Address: addr, Mask: 1 << (idx % channelsPerAddress)}, nil
}

// ChannelID maps an address and mask back to a channel name. The lowest set
// bit of the mask selects the channel.
func (m *ModuleAddress) ChannelID(id ChannelIdentifier) (string, error) {
	if id.Mask == 0 {
		return "", fmt.Errorf("%w: empty mask for %s", ErrUnknownChannel, id)
	}

	slot, ok := m.slotOf(id.Address)
	if !ok {
		return "", fmt.Errorf("%w: address %02X", ErrUnknownChannel, id.Address)
	}

	bit := bits.TrailingZeros8(id.Mask)
	return ChannelName(slot*channelsPerAddress + bit), nil
}

func (m *ModuleAddress) slotAddress(slot int) (byte, bool) {
	if slot == 0 {
		return m.address, true
	}
	if slot > len(m.subAddresses) {
		return 0, false
	}
	addr := m.subAddresses[slot-1]
	return addr, addr != UnusedAddress
}

func (m *ModuleAddress) slotOf(address byte) (int, bool) {
	if address == m.address {
		return 0, true
	}
	if address == UnusedAddress {
		return 0, false
	}
	for i, a := range m.subAddresses {
		if a == address {
			return i + 1, true
		}
	}
	return 0, false
}

// FirstGenerationAddress resolves channels for legacy blind modules. Both
// channels share the base address and are told apart by two-bit masks.
type FirstGenerationAddress struct {
	address byte
}

// NewFirstGenerationAddress creates a resolver for a first-generation module.
func NewFirstGenerationAddress(address byte) *FirstGenerationAddress {
	return &FirstGenerationAddress{address: address}
}

// Address returns the module address.
func (f *FirstGenerationAddress) Address() byte {
	return f.address
}

// Addresses returns the module address.
func (f *FirstGenerationAddress) Addresses() []byte {
	return []byte{f.address}
}

// Resolve maps CH1 to mask 0x03 and CH2 to mask 0x0C.
func (f *FirstGenerationAddress) Resolve(channel string) (ChannelIdentifier, error) {
	idx, err := ParseChannel(channel)
	if err != nil {
		return ChannelIdentifier{}, err
	}

	switch idx {
	case 0:
		return ChannelIdentifier{Address: f.address, Mask: firstGenerationMaskCH1}, nil
	case 1:
		return ChannelIdentifier{Address: f.address, Mask: firstGenerationMaskCH2}, nil
	default:
		return ChannelIdentifier{}, fmt.Errorf("%w: first-generation module has no %s", ErrChannelOutOfRange, channel)
	}
}

// ChannelID maps mask 0x03 to CH1 and mask 0x0C to CH2.
func (f *FirstGenerationAddress) ChannelID(id ChannelIdentifier) (string, error) {
	if id.Address != f.address {
		return "", fmt.Errorf("%w: address %02X", ErrUnknownChannel, id.Address)
	}

	switch id.Mask {
	case firstGenerationMaskCH1:
		return ChannelName(0), nil
	case firstGenerationMaskCH2:
		return ChannelName(1), nil
	default:
		return "", fmt.Errorf("%w: mask %02X", ErrUnknownChannel, id.Mask)
	}
}

// NewResolver builds the resolver a module type needs.
//
// Parameters:
//   - moduleType: Entry in the module type table
//   - address: Base bus address (0x01-0xFE)
//   - subAddresses: Configured sub-addresses; 0xFF entries leave a slot unused
//
// Returns:
//   - Resolver: FirstGenerationAddress or ModuleAddress
//   - error: ErrUnknownModuleType or ErrInvalidConfig
func NewResolver(moduleType ModuleType, address byte, subAddresses []byte) (Resolver, error) {
	info, ok := LookupModuleType(moduleType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModuleType, moduleType)
	}
	if address == BroadcastAddress || address == UnusedAddress {
		return nil, fmt.Errorf("%w: address %02X is reserved", ErrInvalidConfig, address)
	}
	if len(subAddresses) > info.MaxSubAddresses {
		return nil, fmt.Errorf("%w: %s supports %d sub-addresses, got %d",
			ErrInvalidConfig, moduleType, info.MaxSubAddresses, len(subAddresses))
	}

	seen := map[byte]bool{address: true}
	for _, sub := range subAddresses {
		if sub == UnusedAddress {
			continue
		}
		if sub == BroadcastAddress || seen[sub] {
			return nil, fmt.Errorf("%w: sub-address %02X is reserved or repeated", ErrInvalidConfig, sub)
		}
		seen[sub] = true
	}

	if info.FirstGeneration {
		return NewFirstGenerationAddress(address), nil
	}
	return NewModuleAddress(address, info.MaxSubAddresses, subAddresses), nil
}
