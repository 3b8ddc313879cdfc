// Mock field device.
//
// iotagent registers with the dashboard over MQTT, publishes simulated
// temperature and humidity readings, sends heartbeats and applies LED and fan
// commands to in-memory actuators. It reconnects on its own when the broker
// goes away.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/iotdash-core/internal/agent"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/logging"
)

// Version information - set at build time via ldflags
var version = "dev"

const (
	defaultConfigPath = "configs/agent.yaml"
	serviceName       = "iotagent"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := logging.Default(serviceName)

	configPath := getConfigPath()
	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, serviceName, version).With("device_id", cfg.Device.ID)
	log.Info("starting mock device",
		"version", version,
		"config", configPath,
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
	)

	transport := agent.NewNetTransport(cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port)
	transport.SetProbeInterval(cfg.Timing.TransportProbeInterval)
	defer transport.Close()

	bus := agent.NewMQTTBus(cfg.MQTT)
	bus.SetLogger(log.With("component", "mqtt"))
	// A dropped session may mean the link went with it; the next step
	// re-probes from TRANSPORT_CONNECTING.
	bus.SetOnLost(func(error) { transport.MarkDown() })

	actuators := &agent.MemoryActuators{}
	sensors := newSensors(cfg, uint64(time.Now().UnixNano()), actuators) //nolint:gosec // Seed only
	if sensors.FailureRate > 0 {
		log.Warn("simulating sensor read failures", "failure_rate", sensors.FailureRate)
	}

	deviceAgent := agent.New(agent.ConfigFrom(cfg), agent.Deps{
		Transport: transport,
		Bus:       bus,
		Sensors:   sensors,
		Actuators: actuators,
		Hardware:  agent.NopHardware{},
	})
	deviceAgent.SetLogger(log)

	if err := deviceAgent.Run(ctx); err != nil {
		return fmt.Errorf("device agent: %w", err)
	}

	log.Info("mock device stopped", "led", actuators.LED(), "fan_speed", actuators.FanSpeed())
	return nil
}

// newSensors builds the simulated sensor model for cfg.
func newSensors(cfg *config.AgentConfig, seed uint64, fan *agent.MemoryActuators) *agent.SimulatedSensors {
	sensors := agent.NewSimulatedSensors(seed, fan)
	sensors.FailureRate = cfg.Device.Simulate.FailureRate
	return sensors
}

// getConfigPath returns the agent configuration path.
// Uses IOTDASH_AGENT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTDASH_AGENT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
