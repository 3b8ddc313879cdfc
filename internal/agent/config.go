package agent

import (
	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// ConfigFrom builds the agent Config from a loaded agent configuration file.
func ConfigFrom(cfg *config.AgentConfig) Config {
	caps := make(protocol.Capabilities, len(cfg.Device.Capabilities))
	for name, v := range cfg.Device.Capabilities {
		caps[protocol.Capability(name)] = v
	}
	return Config{
		Registration: protocol.Registration{
			DeviceID:     cfg.Device.ID,
			DeviceName:   cfg.Device.Name,
			DeviceType:   cfg.Device.Type,
			Location:     cfg.Device.Location,
			Capabilities: caps,
		},
		TelemetryInterval: cfg.Timing.TelemetryInterval,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval,
		ReconnectInterval: cfg.Timing.ReconnectInterval,
		TickInterval:      cfg.Timing.TickInterval,
		ConnectTimeout:    cfg.Timing.ConnectTimeout,
	}
}
