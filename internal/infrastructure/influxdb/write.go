package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementBridge holds one point per published health report.
const MeasurementBridge = "velbus_bridge"

// BridgeStats is one bridge health sample.
type BridgeStats struct {
	Bridge               string
	Status               string
	UptimeSeconds        int64
	Modules              int
	ModulesMisconfigured int
	FramesReceived       uint64
	FramesSent           uint64
	FramesMalformed      uint64
	FramesIgnored        uint64
	CommandsRejected     uint64
	Reconnects           uint64
	Errors               uint64
}

// WriteBridgeStats queues a health sample. Dropped when the client is
// closed or never connected.
func (c *Client) WriteBridgeStats(stats BridgeStats, at time.Time) {
	if !c.writing() {
		return
	}
	c.writeAPI.WritePoint(bridgePoint(stats, at))
}

func bridgePoint(s BridgeStats, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementBridge,
		map[string]string{
			"bridge": s.Bridge,
			"status": s.Status,
		},
		map[string]interface{}{
			"uptime_seconds":        s.UptimeSeconds,
			"modules":               int64(s.Modules),
			"modules_misconfigured": int64(s.ModulesMisconfigured),
			"frames_received":       s.FramesReceived,
			"frames_sent":           s.FramesSent,
			"frames_malformed":      s.FramesMalformed,
			"frames_ignored":        s.FramesIgnored,
			"commands_rejected":     s.CommandsRejected,
			"reconnects":            s.Reconnects,
			"errors":                s.Errors,
		},
		at,
	)
}
