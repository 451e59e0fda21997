package velbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Sender transmits encoded frames on the bus.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
	IsConnected() bool
}

// Update is a field change attributed to a module.
type Update struct {
	ModuleID string `json:"module_id"`
	FieldChange
	At time.Time `json:"at"`
}

// DispatcherStats holds routing counters.
type DispatcherStats struct {
	FramesDispatched uint64
	FramesIgnored    uint64
	StoreErrors      uint64
	DecodeErrors     uint64
	FramesSent       uint64
	CommandsRejected uint64
}

// Dispatcher routes decoded frames to modules and turns commands into
// outbound frames.
//
// The dispatcher keeps no per-frame state: every frame is routed on its own
// address and command. Accumulated state lives in the modules.
//
// Thread Safety: All methods are safe for concurrent use. Frames for one
// module are applied in the order Dispatch is called.
type Dispatcher struct {
	mu        sync.RWMutex
	modules   map[string]*Module
	byAddress map[byte]*Module

	senderMu sync.RWMutex
	sender   Sender

	logger   Logger
	loggerMu sync.RWMutex

	now func() time.Time

	framesDispatched atomic.Uint64
	framesIgnored    atomic.Uint64
	storeErrors      atomic.Uint64
	decodeErrors     atomic.Uint64
	framesSent       atomic.Uint64
	commandsRejected atomic.Uint64
}

// NewDispatcher creates a dispatcher with no modules and no sender.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		modules:   make(map[string]*Module),
		byAddress: make(map[byte]*Module),
		now:       time.Now,
	}
}

// Register adds a module. Every address the module answers on must be free.
func (d *Dispatcher) Register(m *Module) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.modules[m.ID()]; exists {
		return fmt.Errorf("%w: module id %s already registered", ErrInvalidConfig, m.ID())
	}
	for _, a := range m.Resolver().Addresses() {
		if other, taken := d.byAddress[a]; taken {
			return fmt.Errorf("%w: %02X used by %s and %s", ErrDuplicateAddress, a, other.ID(), m.ID())
		}
	}

	d.modules[m.ID()] = m
	for _, a := range m.Resolver().Addresses() {
		d.byAddress[a] = m
	}
	return nil
}

// Unregister removes a module. Unknown IDs are ignored.
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.modules[id]
	if !ok {
		return
	}
	delete(d.modules, id)
	for _, a := range m.Resolver().Addresses() {
		delete(d.byAddress, a)
	}
}

// Module returns a registered module by ID.
func (d *Dispatcher) Module(id string) (*Module, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.modules[id]
	return m, ok
}

// ModuleAt returns the module answering on a bus address.
func (d *Dispatcher) ModuleAt(address byte) (*Module, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byAddress[address]
	return m, ok
}

// Modules returns every registered module sorted by ID.
func (d *Dispatcher) Modules() []*Module {
	d.mu.RLock()
	out := make([]*Module, 0, len(d.modules))
	for _, m := range d.modules {
		out = append(out, m)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SetSender sets the transport outbound frames are written to.
func (d *Dispatcher) SetSender(s Sender) {
	d.senderMu.Lock()
	d.sender = s
	d.senderMu.Unlock()
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	d.logger = logger
	d.loggerMu.Unlock()
}

// Dispatch routes one inbound frame and returns the resulting field changes.
//
// Routing is by address, then command:
//   - memory-data / memory-data-block: each data byte goes, in ascending
//     address order, to every memory store of the module whose window holds
//     it; other bytes are dropped
//   - sensor-raw-data, blind-status, sensor-temperature: decoded by the
//     module part that applies to the frame
//
// Frames from unknown addresses are counted and ignored.
func (d *Dispatcher) Dispatch(f Frame) []Update {
	m, ok := d.ModuleAt(f.Address)
	if !ok {
		d.framesIgnored.Add(1)
		d.logDebug("frame from unregistered address", "address", fmt.Sprintf("%02X", f.Address),
			"command", CommandName(f.Command))
		return nil
	}

	at := d.now()
	m.markSeen(at)
	d.framesDispatched.Add(1)

	var changes []FieldChange
	switch f.Command {
	case CommandMemoryData, CommandMemoryDataBlock:
		changes = d.dispatchMemory(m, f)
	default:
		c, err := m.applyFrame(f)
		if err != nil {
			d.decodeErrors.Add(1)
			d.logDebug("frame not applied", "module", m.ID(), "frame", f.String(), "error", err)
		}
		changes = c
	}

	if len(changes) == 0 {
		return nil
	}
	updates := make([]Update, 0, len(changes))
	for _, c := range changes {
		updates = append(updates, Update{ModuleID: m.ID(), FieldChange: c, At: at})
	}
	return updates
}

func (d *Dispatcher) dispatchMemory(m *Module, f Frame) []FieldChange {
	base, data, err := MemoryBytes(f)
	if err != nil {
		d.decodeErrors.Add(1)
		d.logDebug("memory frame rejected", "module", m.ID(), "error", err)
		return nil
	}

	var changes []FieldChange
	for i, b := range data {
		addr := base + uint16(i) //nolint:gosec // at most four bytes
		updates, err := m.applyMemoryByte(addr, b)
		if err != nil {
			d.storeErrors.Add(1)
			d.logError("memory byte rejected", err, "module", m.ID(), "memory_address", fmt.Sprintf("%04X", addr))
		}
		for _, u := range updates {
			changes = append(changes, u.Changes...)
		}
	}
	return changes
}

// BuildCommand resolves a command into frames without sending them.
//
// Returns:
//   - []Frame: Frames to transmit, in order
//   - error: ErrModuleNotFound, ErrUnknownChannel, ErrChannelOutOfRange,
//     ErrUnsupportedCommand, ErrInvalidValue or ErrInvalidConfig
func (d *Dispatcher) BuildCommand(moduleID, channel string, cmd Command) ([]Frame, error) {
	m, ok := d.Module(moduleID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return m.buildCommand(channel, cmd)
}

// HandleCommand resolves a command and sends the resulting frames.
//
// When no connection is available nothing is built or sent and
// ErrBridgeOffline is returned. Unsupported commands are logged and no frame
// is sent. A clock alarm write is kept in the module's store once sent, so
// consecutive alarm commands build on each other.
//
// Parameters:
//   - ctx: Context for the send
//   - moduleID: Target module
//   - channel: Channel name ("CH1", "clockAlarm#CLOCKALARM1ENABLED", ...)
//   - cmd: Command to apply
//
// Returns:
//   - []Frame: The frames that were sent
//   - error: See BuildCommand, plus ErrBridgeOffline and send errors
func (d *Dispatcher) HandleCommand(ctx context.Context, moduleID, channel string, cmd Command) ([]Frame, error) {
	sender := d.currentSender()
	if sender == nil || !sender.IsConnected() {
		return nil, ErrBridgeOffline
	}

	frames, err := d.BuildCommand(moduleID, channel, cmd)
	if err != nil {
		d.commandsRejected.Add(1)
		if errors.Is(err, ErrUnsupportedCommand) {
			d.logDebug("command not supported", "module", moduleID, "channel", channel, "kind", cmd.Kind)
		}
		return nil, err
	}

	if err := d.send(ctx, sender, frames); err != nil {
		return nil, err
	}
	if m, ok := d.Module(moduleID); ok {
		if changes := m.commandSent(channel, cmd); len(changes) > 0 {
			d.logDebug("clock alarm written", "module", moduleID, "channel", channel)
		}
	}
	return frames, nil
}

// Refresh asks a module to report the current value of one channel.
func (d *Dispatcher) Refresh(ctx context.Context, moduleID, channel string) error {
	_, err := d.HandleCommand(ctx, moduleID, channel, RefreshCommand())
	return err
}

// RefreshModule asks a module to report every channel.
func (d *Dispatcher) RefreshModule(ctx context.Context, moduleID string) error {
	sender := d.currentSender()
	if sender == nil || !sender.IsConnected() {
		return ErrBridgeOffline
	}
	m, ok := d.Module(moduleID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	return d.send(ctx, sender, m.refreshAll())
}

// SendFrames transmits frames built elsewhere (time sync).
func (d *Dispatcher) SendFrames(ctx context.Context, frames ...Frame) error {
	sender := d.currentSender()
	if sender == nil || !sender.IsConnected() {
		return ErrBridgeOffline
	}
	return d.send(ctx, sender, frames)
}

// Stats returns routing counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		FramesDispatched: d.framesDispatched.Load(),
		FramesIgnored:    d.framesIgnored.Load(),
		StoreErrors:      d.storeErrors.Load(),
		DecodeErrors:     d.decodeErrors.Load(),
		FramesSent:       d.framesSent.Load(),
		CommandsRejected: d.commandsRejected.Load(),
	}
}

func (d *Dispatcher) send(ctx context.Context, sender Sender, frames []Frame) error {
	for _, f := range frames {
		if err := sender.Send(ctx, Encode(f)); err != nil {
			return fmt.Errorf("sending %s to %02X: %w", CommandName(f.Command), f.Address, err)
		}
		d.framesSent.Add(1)
	}
	return nil
}

func (d *Dispatcher) currentSender() Sender {
	d.senderMu.RLock()
	defer d.senderMu.RUnlock()
	return d.sender
}

func (d *Dispatcher) getLogger() Logger {
	d.loggerMu.RLock()
	defer d.loggerMu.RUnlock()
	return d.logger
}

func (d *Dispatcher) logDebug(msg string, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (d *Dispatcher) logError(msg string, err error, keysAndValues ...any) {
	if logger := d.getLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
