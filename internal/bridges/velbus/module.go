package velbus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// CommandKind is the shape of a command value.
type CommandKind string

// Command kinds accepted by HandleCommand.
const (
	KindRefresh CommandKind = "refresh"
	KindBool    CommandKind = "bool"
	KindInt     CommandKind = "int"
	KindPercent CommandKind = "percent"
	KindUpDown  CommandKind = "up_down"
	KindStop    CommandKind = "stop"
)

// Command is a request from the automation side for one channel.
type Command struct {
	Kind CommandKind

	// Value is bool for KindBool and KindUpDown (true = up), int for
	// KindInt and KindPercent, nil otherwise.
	Value any
}

// Command constructors.
func RefreshCommand() Command { return Command{Kind: KindRefresh} }
func BoolCommand(on bool) Command { return Command{Kind: KindBool, Value: on} }
func IntCommand(v int) Command { return Command{Kind: KindInt, Value: v} }
func PercentCommand(p int) Command { return Command{Kind: KindPercent, Value: p} }
func UpDownCommand(up bool) Command { return Command{Kind: KindUpDown, Value: up} }
func StopCommand() Command { return Command{Kind: KindStop} }

// ModuleStatus is the reachability of a module as the bridge sees it.
type ModuleStatus string

// Module statuses.
const (
	StatusUnknown            ModuleStatus = "unknown"
	StatusOnline             ModuleStatus = "online"
	StatusConfigurationError ModuleStatus = "configuration_error"
)

// ModuleSpec is the configuration a Module is built from.
type ModuleSpec struct {
	ID           string
	Name         string
	Type         ModuleType
	Address      byte
	SubAddresses []byte
}

// memoryStore is a part that accumulates module memory bytes.
type memoryStore interface {
	IsInRange(memoryAddress uint16) bool
	ApplyByte(memoryAddress uint16, value byte) (StoreUpdate, error)
}

// part is one capability of a module. A module is the sum of its parts.
type part interface {
	// appliesTo reports whether the part interprets frame f.
	appliesTo(f Frame) bool

	// handle interprets f and returns the resulting field changes.
	handle(f Frame, r Resolver) ([]FieldChange, error)

	// owns reports whether channel belongs to this part.
	owns(channel string) bool

	// command builds the frames for a command on one of the part's channels.
	command(channel string, cmd Command, r Resolver) ([]Frame, error)

	// refreshAll builds the frames that re-read every channel of the part.
	refreshAll(r Resolver) []Frame
}

// Module is the state aggregate of one physical Velbus module.
//
// It owns the module's resolver, its capability parts and the last value of
// every channel. All methods are safe for concurrent use; frames and
// commands for one module are applied one at a time.
type Module struct {
	id       string
	name     string
	info     ModuleTypeInfo
	resolver Resolver

	mu       sync.Mutex
	parts    []part
	stores   []memoryStore
	alarm    *ClockAlarmStore
	values   map[string]any
	status   ModuleStatus
	detail   string
	lastSeen time.Time
}

// NewModule builds a module and its parts from spec.
//
// Returns:
//   - *Module: Module in StatusUnknown
//   - error: ErrUnknownModuleType or ErrInvalidConfig
func NewModule(spec ModuleSpec) (*Module, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("%w: module id is required", ErrInvalidConfig)
	}
	info, ok := LookupModuleType(spec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModuleType, spec.Type)
	}
	resolver, err := NewResolver(spec.Type, spec.Address, spec.SubAddresses)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", spec.ID, err)
	}

	m := &Module{
		id:       spec.ID,
		name:     spec.Name,
		info:     info,
		resolver: resolver,
		values:   make(map[string]any),
		status:   StatusUnknown,
	}

	if info.Has(CapabilityBlind) {
		m.parts = append(m.parts, &blindPart{channels: info.BlindChannels})
	}
	if info.Has(CapabilityClockAlarm) {
		m.alarm = NewClockAlarmStore(info.ClockAlarmBase)
		m.parts = append(m.parts, &alarmPart{store: m.alarm})
		m.stores = append(m.stores, m.alarm)
	}
	if info.Has(CapabilityMeteo) {
		m.parts = append(m.parts, meteoPart{})
	}
	if info.Has(CapabilityTemperature) {
		m.parts = append(m.parts, temperaturePart{channel: info.TemperatureChannel})
	}

	return m, nil
}

// ID returns the module identifier.
func (m *Module) ID() string { return m.id }

// Name returns the display name.
func (m *Module) Name() string { return m.name }

// Type returns the module type.
func (m *Module) Type() ModuleType { return m.info.Type }

// Info returns the module type table entry.
func (m *Module) Info() ModuleTypeInfo { return m.info }

// Resolver returns the module's channel resolver.
func (m *Module) Resolver() Resolver { return m.resolver }

// Address returns the base bus address.
func (m *Module) Address() byte { return m.resolver.Address() }

// Status returns the module status and, for errors, a detail message.
func (m *Module) Status() (ModuleStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.detail
}

// LastSeen returns when a frame from the module was last dispatched.
func (m *Module) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// Values returns a copy of the last known value of every channel.
func (m *Module) Values() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// ClockAlarms returns the clock alarm configuration, if the module has one.
func (m *Module) ClockAlarms() (ClockAlarmConfiguration, bool) {
	if m.alarm == nil {
		return ClockAlarmConfiguration{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alarm.Snapshot(), true
}

// Channels returns the channels this module publishes, sorted.
func (m *Module) Channels() []string {
	var out []string
	for i := 0; i < m.info.BlindChannels; i++ {
		out = append(out, ChannelName(i))
	}
	if m.info.Has(CapabilityClockAlarm) {
		for n := 1; n <= 2; n++ {
			out = append(out, clockAlarmChannels[n][:]...)
		}
	}
	if m.info.Has(CapabilityMeteo) {
		out = append(out, ChannelMeteoRainfall, ChannelMeteoIlluminance, ChannelMeteoWindSpeed)
	}
	if m.info.TemperatureChannel != "" {
		out = append(out, m.info.TemperatureChannel)
	}
	sort.Strings(out)
	return out
}

// applyFrame runs a non-memory frame through every part that applies to it.
func (m *Module) applyFrame(f Frame) ([]FieldChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []FieldChange
	var errs []error
	for _, p := range m.parts {
		if !p.appliesTo(f) {
			continue
		}
		c, err := p.handle(f, m.resolver)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		changes = append(changes, c...)
	}

	m.record(changes)
	return changes, errors.Join(errs...)
}

// applyMemoryByte offers one memory byte to every store whose window holds
// it. Bytes outside all windows are ignored.
func (m *Module) applyMemoryByte(memoryAddress uint16, value byte) ([]StoreUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var updates []StoreUpdate
	var errs []error
	for _, s := range m.stores {
		if !s.IsInRange(memoryAddress) {
			continue
		}
		u, err := s.ApplyByte(memoryAddress, value)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.record(u.Changes)
		updates = append(updates, u)
	}
	return updates, errors.Join(errs...)
}

// markSeen records inbound traffic from the module.
func (m *Module) markSeen(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = at
	if m.status == StatusUnknown {
		m.status = StatusOnline
	}
}

// buildCommand turns a command on channel into frames.
func (m *Module) buildCommand(channel string, cmd Command) ([]Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusConfigurationError {
		return nil, fmt.Errorf("%w: module %s: %s", ErrInvalidConfig, m.id, m.detail)
	}

	for _, p := range m.parts {
		if !p.owns(channel) {
			continue
		}
		frames, err := p.command(channel, cmd, m.resolver)
		if err != nil {
			m.flagResolveError(err)
			return nil, err
		}
		return frames, nil
	}
	err := fmt.Errorf("%w: %s has no channel %q", ErrUnknownChannel, m.id, channel)
	m.flagResolveError(err)
	return nil, err
}

// commandSent applies a command that reached the bus to the module's own
// state and returns the changed fields. Only clock alarm writes are kept, so
// the next alarm command starts from this one.
func (m *Module) commandSent(channel string, cmd Command) []FieldChange {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.alarm == nil || cmd.Kind == KindRefresh || !IsClockAlarmChannel(channel) {
		return nil
	}
	n, alarm, err := m.alarm.SetField(channel, cmd.Value)
	if err != nil {
		return nil
	}
	changes := m.alarm.Commit(n, alarm)
	m.record(changes)
	return changes
}

// refreshAll builds the frames that re-read every channel of the module.
func (m *Module) refreshAll() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	var frames []Frame
	for _, p := range m.parts {
		frames = append(frames, p.refreshAll(m.resolver)...)
	}
	return frames
}

// record stores the new values of changes. Caller holds m.mu.
func (m *Module) record(changes []FieldChange) {
	for _, c := range changes {
		m.values[c.Channel] = c.New
	}
}

// flagResolveError marks the module as misconfigured when err is an
// addressing error. Caller holds m.mu.
func (m *Module) flagResolveError(err error) {
	if errors.Is(err, ErrChannelOutOfRange) || errors.Is(err, ErrUnknownChannel) {
		m.status = StatusConfigurationError
		m.detail = err.Error()
	}
}

// blindPart handles blind status frames and blind commands.
type blindPart struct {
	channels int
}

func (p *blindPart) appliesTo(f Frame) bool {
	return f.Command == CommandBlindStatus
}

func (p *blindPart) handle(f Frame, r Resolver) ([]FieldChange, error) {
	state, err := DecodeBlindStatus(f)
	if err != nil {
		return nil, err
	}
	channel, err := r.ChannelID(state.Channel)
	if err != nil {
		return nil, err
	}
	return []FieldChange{{Channel: channel, New: int(state.Position)}}, nil
}

func (p *blindPart) owns(channel string) bool {
	idx, err := ParseChannel(channel)
	return err == nil && idx < p.channels
}

func (p *blindPart) command(channel string, cmd Command, r Resolver) ([]Frame, error) {
	id, err := r.Resolve(channel)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case KindRefresh:
		return []Frame{StatusRequest(id)}, nil
	case KindUpDown:
		up, ok := cmd.Value.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: up/down needs a bool", ErrInvalidValue)
		}
		return []Frame{BlindUpDown(id, up)}, nil
	case KindStop:
		return []Frame{BlindOff(id)}, nil
	case KindPercent:
		pct, err := intInRange(channel, cmd.Value, 100) //nolint:mnd // percent
		if err != nil {
			return nil, err
		}
		return []Frame{BlindPosition(id, pct)}, nil
	default:
		return nil, fmt.Errorf("%w: %s on blind channel %s", ErrUnsupportedCommand, cmd.Kind, channel)
	}
}

func (p *blindPart) refreshAll(r Resolver) []Frame {
	var frames []Frame
	for i := 0; i < p.channels; i++ {
		id, err := r.Resolve(ChannelName(i))
		if err != nil {
			continue
		}
		frames = append(frames, StatusRequest(id))
	}
	return frames
}

// alarmPart handles the clock alarm channels. Inbound memory bytes reach its
// store through the dispatcher's memory fan-out, not through handle.
type alarmPart struct {
	store *ClockAlarmStore
}

func (p *alarmPart) appliesTo(Frame) bool { return false }

func (p *alarmPart) handle(Frame, Resolver) ([]FieldChange, error) { return nil, nil }

func (p *alarmPart) owns(channel string) bool {
	return IsClockAlarmChannel(channel)
}

func (p *alarmPart) command(channel string, cmd Command, r Resolver) ([]Frame, error) {
	if cmd.Kind == KindRefresh {
		return p.store.RefreshFrames(r.Address()), nil
	}

	_, field, _ := parseClockAlarmChannel(channel)
	isEnabled := field == alarmEnabled
	if (isEnabled && cmd.Kind != KindBool) || (!isEnabled && cmd.Kind != KindInt) {
		return nil, fmt.Errorf("%w: %s on clock alarm channel %s", ErrUnsupportedCommand, cmd.Kind, channel)
	}

	n, alarm, err := p.store.SetField(channel, cmd.Value)
	if err != nil {
		return nil, err
	}
	return []Frame{SetLocalClockAlarm(r.Address(), byte(n), alarm)}, nil
}

func (p *alarmPart) refreshAll(r Resolver) []Frame {
	return p.store.RefreshFrames(r.Address())
}

// meteoPart handles the rain, light and wind readings of a VMBMETEO.
type meteoPart struct{}

var meteoChannelMasks = map[string]byte{
	ChannelMeteoRainfall:    MeteoRainMask,
	ChannelMeteoIlluminance: MeteoLightMask,
	ChannelMeteoWindSpeed:   MeteoWindMask,
}

func (meteoPart) appliesTo(f Frame) bool {
	return f.Command == CommandSensorRawData
}

func (meteoPart) handle(f Frame, _ Resolver) ([]FieldChange, error) {
	reading, err := DecodeMeteo(f)
	if err != nil {
		return nil, err
	}
	return reading.Changes(), nil
}

func (meteoPart) owns(channel string) bool {
	_, ok := meteoChannelMasks[channel]
	return ok
}

func (meteoPart) command(channel string, cmd Command, r Resolver) ([]Frame, error) {
	if cmd.Kind != KindRefresh {
		return nil, fmt.Errorf("%w: %s on read-only channel %s", ErrUnsupportedCommand, cmd.Kind, channel)
	}
	return []Frame{SensorReadoutRequest(r.Address(), meteoChannelMasks[channel])}, nil
}

func (meteoPart) refreshAll(r Resolver) []Frame {
	return []Frame{SensorReadoutRequest(r.Address(), MeteoAllMask)}
}

// temperaturePart handles sensor-temperature frames.
type temperaturePart struct {
	channel string
}

func (p temperaturePart) appliesTo(f Frame) bool {
	return f.Command == CommandSensorTemperature
}

func (p temperaturePart) handle(f Frame, _ Resolver) ([]FieldChange, error) {
	t, err := DecodeTemperature(f)
	if err != nil {
		return nil, err
	}
	return []FieldChange{{Channel: p.channel, New: t}}, nil
}

func (p temperaturePart) owns(channel string) bool {
	return channel == p.channel
}

func (p temperaturePart) command(channel string, cmd Command, r Resolver) ([]Frame, error) {
	if cmd.Kind != KindRefresh {
		return nil, fmt.Errorf("%w: %s on read-only channel %s", ErrUnsupportedCommand, cmd.Kind, channel)
	}
	return []Frame{SensorReadoutRequest(r.Address(), TemperatureMask)}, nil
}

func (p temperaturePart) refreshAll(r Resolver) []Frame {
	return []Frame{SensorReadoutRequest(r.Address(), TemperatureMask)}
}
