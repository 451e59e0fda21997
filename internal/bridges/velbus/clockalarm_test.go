package velbus

import (
	"errors"
	"testing"
)

func TestClockAlarmStoreApplyWindow(t *testing.T) {
	s := NewClockAlarmStore(alarmBasePushButton)
	window := []byte{0x05, 7, 30, 22, 0, 6, 0, 23, 15}

	for i, b := range window {
		u, err := s.ApplyByte(alarmBasePushButton+uint16(i), b)
		if err != nil {
			t.Fatalf("ApplyByte(offset %d) error = %v", i, err)
		}
		if u.Offset != i {
			t.Errorf("offset = %d, want %d", u.Offset, i)
		}
	}

	got := s.Snapshot()
	want := ClockAlarmConfiguration{
		Alarm1: ClockAlarm{Enabled: true, WakeupHour: 7, WakeupMinute: 30, BedtimeHour: 22, BedtimeMinute: 0},
		Alarm2: ClockAlarm{Enabled: true, WakeupHour: 6, WakeupMinute: 0, BedtimeHour: 23, BedtimeMinute: 15},
	}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestClockAlarmStoreEnabledByte(t *testing.T) {
	tests := []struct {
		name   string
		value  byte
		alarm1 bool
		alarm2 bool
	}{
		{name: "none", value: 0x00},
		{name: "alarm1 only", value: 0x01, alarm1: true},
		{name: "alarm2 only", value: 0x04, alarm2: true},
		{name: "both", value: 0x05, alarm1: true, alarm2: true},
		{name: "other bits ignored", value: 0xFA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewClockAlarmStore(alarmBasePIR)
			u, err := s.ApplyByte(alarmBasePIR, tt.value)
			if err != nil {
				t.Fatalf("ApplyByte() error = %v", err)
			}
			if len(u.Changes) != 2 {
				t.Fatalf("changes = %d, want 2", len(u.Changes))
			}
			if s.Alarm(1).Enabled != tt.alarm1 || s.Alarm(2).Enabled != tt.alarm2 {
				t.Errorf("enabled = %v/%v, want %v/%v", s.Alarm(1).Enabled, s.Alarm(2).Enabled, tt.alarm1, tt.alarm2)
			}
		})
	}
}

func TestClockAlarmStoreReportsOldValue(t *testing.T) {
	s := NewClockAlarmStore(alarmBaseMeteo)

	if _, err := s.ApplyByte(alarmBaseMeteo+1, 7); err != nil {
		t.Fatalf("ApplyByte() error = %v", err)
	}
	u, err := s.ApplyByte(alarmBaseMeteo+1, 8)
	if err != nil {
		t.Fatalf("ApplyByte() error = %v", err)
	}

	if len(u.Changes) != 1 {
		t.Fatalf("changes = %+v", u.Changes)
	}
	c := u.Changes[0]
	if c.Channel != ChannelClockAlarm1WakeupHour || c.Old != 7 || c.New != 8 {
		t.Errorf("change = %+v", c)
	}
}

func TestClockAlarmStoreOutOfRange(t *testing.T) {
	s := NewClockAlarmStore(alarmBasePushButton)

	for _, addr := range []uint16{alarmBasePushButton - 1, alarmBasePushButton + 9, 0x0000, 0xFFFF} {
		if s.IsInRange(addr) {
			t.Errorf("IsInRange(%04X) = true", addr)
		}
		if _, err := s.ApplyByte(addr, 0x01); !errors.Is(err, ErrAddressOutOfRange) {
			t.Errorf("ApplyByte(%04X) error = %v, want ErrAddressOutOfRange", addr, err)
		}
	}

	if s.Snapshot() != (ClockAlarmConfiguration{}) {
		t.Error("rejected bytes changed the configuration")
	}
}

func TestClockAlarmStoreInvariant(t *testing.T) {
	// A window declared one byte wider than its fields.
	s := &ClockAlarmStore{base: alarmBasePushButton, size: clockAlarmSize + 1}

	_, err := s.ApplyByte(alarmBasePushButton+clockAlarmSize, 0x17)
	if !errors.Is(err, ErrStoreInvariant) {
		t.Fatalf("ApplyByte() error = %v, want ErrStoreInvariant", err)
	}
	if s.Snapshot() != (ClockAlarmConfiguration{}) {
		t.Error("invariant failure changed the configuration")
	}
}

func TestClockAlarmStoreValues(t *testing.T) {
	s := NewClockAlarmStore(alarmBaseGlassPanel)
	_, _ = s.ApplyByte(alarmBaseGlassPanel, 0x04)
	_, _ = s.ApplyByte(alarmBaseGlassPanel+8, 45)

	values := s.Values()
	if len(values) != 10 {
		t.Fatalf("Values() has %d entries, want 10", len(values))
	}
	if values[ChannelClockAlarm2Enabled] != true || values[ChannelClockAlarm1Enabled] != false {
		t.Errorf("enabled values = %v/%v", values[ChannelClockAlarm1Enabled], values[ChannelClockAlarm2Enabled])
	}
	if values[ChannelClockAlarm2BedtimeMinute] != 45 {
		t.Errorf("bedtime minute = %v", values[ChannelClockAlarm2BedtimeMinute])
	}
}

func TestClockAlarmStoreSetField(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		value   any
		wantN   int
		check   func(ClockAlarm) bool
		wantErr error
	}{
		{
			name: "enable alarm 2", channel: ChannelClockAlarm2Enabled, value: true, wantN: 2,
			check: func(a ClockAlarm) bool { return a.Enabled },
		},
		{
			name: "wake hour", channel: ChannelClockAlarm1WakeupHour, value: 6, wantN: 1,
			check: func(a ClockAlarm) bool { return a.WakeupHour == 6 },
		},
		{
			name: "bed minute from json number", channel: ChannelClockAlarm1BedtimeMinute, value: float64(45), wantN: 1,
			check: func(a ClockAlarm) bool { return a.BedtimeMinute == 45 },
		},
		{name: "hour too large", channel: ChannelClockAlarm1WakeupHour, value: 24, wantErr: ErrInvalidValue},
		{name: "minute too large", channel: ChannelClockAlarm2WakeupMinute, value: 60, wantErr: ErrInvalidValue},
		{name: "negative", channel: ChannelClockAlarm2BedtimeHour, value: -1, wantErr: ErrInvalidValue},
		{name: "fractional", channel: ChannelClockAlarm2BedtimeHour, value: 7.5, wantErr: ErrInvalidValue},
		{name: "enabled needs bool", channel: ChannelClockAlarm1Enabled, value: 1, wantErr: ErrUnsupportedCommand},
		{name: "hour needs number", channel: ChannelClockAlarm1WakeupHour, value: "7", wantErr: ErrUnsupportedCommand},
		{name: "unknown channel", channel: "clockAlarm#CLOCKALARM3ENABLED", value: true, wantErr: ErrUnknownChannel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewClockAlarmStore(alarmBasePushButton)
			n, a, err := s.SetField(tt.channel, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetField() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetField() error = %v", err)
			}
			if n != tt.wantN {
				t.Errorf("alarm number = %d, want %d", n, tt.wantN)
			}
			if !tt.check(a) {
				t.Errorf("alarm = %+v", a)
			}
		})
	}
}

func TestClockAlarmStoreSetFieldThenCommit(t *testing.T) {
	s := NewClockAlarmStore(alarmBasePushButton)
	_, _ = s.ApplyByte(alarmBasePushButton+1, 7)

	n, a, err := s.SetField(ChannelClockAlarm1WakeupHour, 9)
	if err != nil {
		t.Fatalf("SetField() error = %v", err)
	}
	if a.WakeupHour != 9 {
		t.Errorf("returned alarm hour = %d, want 9", a.WakeupHour)
	}
	if s.Alarm(1).WakeupHour != 7 {
		t.Errorf("stored hour before Commit = %d, want 7", s.Alarm(1).WakeupHour)
	}

	changes := s.Commit(n, a)
	if len(changes) != 5 {
		t.Fatalf("Commit() = %d changes, want 5", len(changes))
	}
	if c := changes[1]; c.Channel != ChannelClockAlarm1WakeupHour || c.Old != 7 || c.New != 9 {
		t.Errorf("wakeup hour change = %+v", c)
	}
	if s.Alarm(1).WakeupHour != 9 {
		t.Errorf("stored hour after Commit = %d, want 9", s.Alarm(1).WakeupHour)
	}

	// The next edit starts from the committed alarm.
	_, a, _ = s.SetField(ChannelClockAlarm1WakeupMinute, 15)
	if a.WakeupHour != 9 || a.WakeupMinute != 15 {
		t.Errorf("second edit = %+v", a)
	}
	if s.Alarm(2) != (ClockAlarm{}) {
		t.Errorf("alarm 2 = %+v, want untouched", s.Alarm(2))
	}
}

func TestClockAlarmStoreRefreshFrames(t *testing.T) {
	s := NewClockAlarmStore(alarmBasePushButton)
	frames := s.RefreshFrames(0x30)

	want := []string{
		"0F FB 30 03 C9 00 93 67 04",
		"0F FB 30 03 C9 00 97 63 04",
		"0F FB 30 03 FD 00 9B 2B 04",
	}
	if len(frames) != len(want) {
		t.Fatalf("RefreshFrames() = %d frames, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		if got := f.String(); got != want[i] {
			t.Errorf("frame %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestIsClockAlarmChannel(t *testing.T) {
	if !IsClockAlarmChannel(ChannelClockAlarm2BedtimeMinute) {
		t.Error("bedtime minute not recognised")
	}
	for _, ch := range []string{"CH1", "clockAlarm#", "clockAlarm#CLOCKALARM1", "CLOCKALARM1ENABLED"} {
		if IsClockAlarmChannel(ch) {
			t.Errorf("IsClockAlarmChannel(%q) = true", ch)
		}
	}
}
