package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode captured Velbus frames",
	Long: `decode parses raw bus bytes given as hex ("0F FB 21 ..." or "0x0f,0xfb,...")
and prints every frame found in them. Payloads of blind-status,
sensor-temperature, sensor-raw-data and memory frames are interpreted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := velbus.ParseHex(strings.Join(args, " "))
		if err != nil {
			return err
		}
		return decodeFrames(cmd.OutOrStdout(), raw)
	},
}

// decodeFrames writes a description of every frame in raw to w.
// Invalid bytes are reported and skipped; a trailing partial frame is an error.
// The input is a whole capture, so the reader is flushed at its end.
func decodeFrames(w io.Writer, raw []byte) error {
	reader := velbus.NewFrameReader()
	reader.SetOnMalformed(func(err error, skipped []byte) {
		fmt.Fprintf(w, "skipped %s: %v\n", velbus.FormatHex(skipped), err)
	})

	frames := reader.Feed(raw)
	tail, flushErr := reader.Flush()
	frames = append(frames, tail...)
	for i, f := range frames {
		if i > 0 {
			fmt.Fprintln(w)
		}
		describeFrame(w, f)
	}

	if flushErr != nil {
		return flushErr
	}
	if len(frames) == 0 {
		return fmt.Errorf("%w: no frames found", velbus.ErrMalformed)
	}
	return nil
}

func describeFrame(w io.Writer, f velbus.Frame) {
	fmt.Fprintf(w, "frame:    %s\n", f)
	fmt.Fprintf(w, "priority: %s\n", priorityName(f.Priority))
	fmt.Fprintf(w, "address:  %02X\n", f.Address)

	if f.RTR {
		fmt.Fprintln(w, "rtr:      module type request")
		return
	}

	fmt.Fprintf(w, "command:  %s\n", velbus.CommandName(f.Command))
	if len(f.Data) > 0 {
		fmt.Fprintf(w, "data:     %s\n", velbus.FormatHex(f.Data))
	}

	switch f.Command {
	case velbus.CommandBlindStatus:
		if s, err := velbus.DecodeBlindStatus(f); err == nil {
			fmt.Fprintf(w, "blind:    channel %s at %d%%\n", s.Channel, s.Position)
		}
	case velbus.CommandSensorTemperature:
		if t, err := velbus.DecodeTemperature(f); err == nil {
			fmt.Fprintf(w, "temp:     %.2f °C\n", t)
		}
	case velbus.CommandSensorRawData:
		if m, err := velbus.DecodeMeteo(f); err == nil {
			fmt.Fprintf(w, "meteo:    rain %.1f mm, light %.0f lux, wind %.1f km/h\n",
				m.Rainfall, m.Illuminance, m.WindSpeed)
		}
	case velbus.CommandMemoryData, velbus.CommandMemoryDataBlock:
		if addr, data, err := velbus.MemoryBytes(f); err == nil {
			fmt.Fprintf(w, "memory:   %04X = %s\n", addr, velbus.FormatHex(data))
		}
	}
}

func priorityName(p byte) string {
	switch p {
	case velbus.PriorityHigh:
		return "high"
	case velbus.PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("0x%02X", p)
	}
}
