package main

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-velbus/internal/bridges/velbus"
	"github.com/nerrad567/gray-logic-velbus/internal/device"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-velbus/internal/infrastructure/mqtt"
)

// The bridge talks to the broker through the infrastructure client directly.
var _ velbus.MQTTClient = (*mqtt.Client)(nil)

// moduleStore is the part of the device registry the bridge writes to.
type moduleStore interface {
	SeedModule(ctx context.Context, module *device.Module) error
	SetModuleState(ctx context.Context, id, channel string, value any, at time.Time) error
	SetModuleStatus(ctx context.Context, id string, status device.Status, detail string) error
}

// registryAdapter adapts the device registry to velbus.ModuleRegistry.
type registryAdapter struct {
	registry moduleStore
}

// SeedModule implements velbus.ModuleRegistry.
func (a *registryAdapter) SeedModule(ctx context.Context, seed velbus.ModuleSeed) error {
	return a.registry.SeedModule(ctx, &device.Module{
		ID:           seed.ID,
		Name:         seed.Name,
		Type:         seed.Type,
		Address:      seed.Address,
		SubAddresses: seed.SubAddresses,
	})
}

// SetModuleState implements velbus.ModuleRegistry.
func (a *registryAdapter) SetModuleState(ctx context.Context, id, channel string, value any, at time.Time) error {
	return a.registry.SetModuleState(ctx, id, channel, value, at)
}

// SetModuleStatus implements velbus.ModuleRegistry.
func (a *registryAdapter) SetModuleStatus(ctx context.Context, id, status, detail string) error {
	return a.registry.SetModuleStatus(ctx, id, device.Status(status), detail)
}

// bridgeStatsFrom flattens a health message into an InfluxDB bridge point.
func bridgeStatsFrom(msg velbus.HealthMessage) influxdb.BridgeStats {
	stats := influxdb.BridgeStats{
		Bridge:               msg.Bridge,
		Status:               string(msg.Status),
		UptimeSeconds:        msg.UptimeSeconds,
		Modules:              msg.ModulesManaged,
		ModulesMisconfigured: msg.ModulesMisconfigured,
	}
	if s := msg.Statistics; s != nil {
		stats.FramesReceived = s.FramesReceived
		stats.FramesSent = s.FramesSent
		stats.FramesMalformed = s.FramesMalformed
		stats.FramesIgnored = s.FramesIgnored
		stats.CommandsRejected = s.CommandsRejected
		stats.Reconnects = s.Reconnects
		stats.Errors = s.Errors
	}
	return stats
}
