package velbus

import (
	"errors"
	"testing"
)

func TestNewModuleErrors(t *testing.T) {
	tests := []struct {
		name    string
		spec    ModuleSpec
		wantErr error
	}{
		{name: "missing id", spec: ModuleSpec{Type: TypeVMB2BLE, Address: 0x21}, wantErr: ErrInvalidConfig},
		{name: "unknown type", spec: ModuleSpec{ID: "x", Type: "VMB4RYLD", Address: 0x21}, wantErr: ErrUnknownModuleType},
		{name: "reserved address", spec: ModuleSpec{ID: "x", Type: TypeVMB2BLE, Address: 0x00}, wantErr: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewModule(tt.spec); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewModule() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestModuleChannels(t *testing.T) {
	tests := []struct {
		typ  ModuleType
		subs []byte
		want []string
	}{
		{typ: TypeVMB2BL, want: []string{"CH1", "CH2"}},
		{typ: TypeVMB1BLS, want: []string{"CH1"}},
		{typ: TypeVMBPIRO, want: clockAlarmChannelList()},
		{typ: TypeVMBGP1, subs: []byte{0x41}, want: append(clockAlarmChannelList(), "CH9")},
		{typ: TypeVMBMETEO, want: append(clockAlarmChannelList(), "CH10", "CH11", "CH12", "CH13")},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			m := mustModule(t, ModuleSpec{ID: "m", Type: tt.typ, Address: 0x40, SubAddresses: tt.subs})
			got := m.Channels()
			if len(got) != len(tt.want) {
				t.Fatalf("Channels() = %v, want %v", got, tt.want)
			}
			want := map[string]bool{}
			for _, ch := range tt.want {
				want[ch] = true
			}
			for _, ch := range got {
				if !want[ch] {
					t.Errorf("unexpected channel %s", ch)
				}
			}
		})
	}
}

func clockAlarmChannelList() []string {
	var out []string
	for n := 1; n <= 2; n++ {
		out = append(out, clockAlarmChannels[n][:]...)
	}
	return out
}

func TestModuleClockAlarmsOnlyWhenCapable(t *testing.T) {
	blind := mustModule(t, ModuleSpec{ID: "b", Type: TypeVMB2BLE, Address: 0x21})
	if _, ok := blind.ClockAlarms(); ok {
		t.Error("blind module reports clock alarms")
	}

	pir := mustModule(t, ModuleSpec{ID: "p", Type: TypeVMBPIRM, Address: 0x22})
	if _, ok := pir.ClockAlarms(); !ok {
		t.Error("PIR module has no clock alarms")
	}
	if pir.alarm.Base() != alarmBasePIR {
		t.Errorf("alarm base = %04X, want %04X", pir.alarm.Base(), alarmBasePIR)
	}
}

func TestModuleValuesIsCopy(t *testing.T) {
	m := mustModule(t, ModuleSpec{ID: "b", Type: TypeVMB2BLE, Address: 0x21})
	if _, err := m.applyFrame(BlindStatus(ChannelIdentifier{Address: 0x21, Mask: 0x01}, 30)); err != nil {
		t.Fatalf("applyFrame() error = %v", err)
	}

	values := m.Values()
	values["CH1"] = 99
	if m.Values()["CH1"] != 30 {
		t.Errorf("Values() exposed internal map")
	}
}

func TestModuleAccessors(t *testing.T) {
	m := mustModule(t, ModuleSpec{ID: "panel", Name: "Hall panel", Type: TypeVMBGPOD, Address: 0x50, SubAddresses: []byte{0x51}})

	if m.ID() != "panel" || m.Name() != "Hall panel" || m.Type() != TypeVMBGPOD || m.Address() != 0x50 {
		t.Errorf("accessors = %s %s %s %02X", m.ID(), m.Name(), m.Type(), m.Address())
	}
	if !m.Info().Has(CapabilityTemperature) || m.Info().Has(CapabilityBlind) {
		t.Errorf("capabilities = %b", m.Info().Capabilities)
	}
	if got := m.Resolver().Addresses(); len(got) != 2 {
		t.Errorf("Addresses() = % X", got)
	}
}

func TestModuleTypes(t *testing.T) {
	types := ModuleTypes()
	if len(types) != 18 {
		t.Errorf("ModuleTypes() has %d entries, want 18", len(types))
	}
	for _, typ := range types {
		info, ok := LookupModuleType(typ)
		if !ok || info.Type != typ {
			t.Errorf("LookupModuleType(%s) = %+v, %v", typ, info, ok)
		}
		if info.Has(CapabilityClockAlarm) && info.ClockAlarmBase == 0 {
			t.Errorf("%s has clock alarms but no base address", typ)
		}
		if info.FirstGeneration && info.MaxSubAddresses != 0 {
			t.Errorf("%s is first-generation with sub-addresses", typ)
		}
	}

	if got, err := ParseModuleType(" vmbgp4pir "); err != nil || got != TypeVMBGP4PIR {
		t.Errorf("ParseModuleType() = %s, %v", got, err)
	}
	if _, err := ParseModuleType("VMB4RYLD"); !errors.Is(err, ErrUnknownModuleType) {
		t.Errorf("ParseModuleType(unknown) error = %v", err)
	}
}
