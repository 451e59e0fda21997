// Package influxdb records the bridge's health reports in InfluxDB.
//
// Each report published on the bridge's health topic becomes one point in
// the velbus_bridge measurement: uptime, module counts and the frame and
// command counters. Channel values are not written; the bridge keeps no
// value history.
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	bridge.Health().SetOnReport(func(msg velbus.HealthMessage) {
//	    client.WriteBridgeStats(statsFrom(msg), msg.Timestamp)
//	})
//
// Writes are batched on the library's background writer and never block the
// health loop. Failed batches are counted and handed to SetOnError.
package influxdb
