// Package agent implements the field device side of the protocol.
//
// An Agent is a single-threaded cooperative loop driving the connection
// lifecycle:
//
//	INIT ─▶ TRANSPORT_CONNECTING ─▶ TRANSPORT_UP ─▶ BUS_CONNECTING ─▶ BUS_UP
//	              ▲                                        │             │
//	              └──────────────── RECONNECTING ◀─────────┴─────────────┘
//
// While BUS_UP it publishes telemetry and heartbeats on their intervals and
// applies commands buffered from the bus. Every step returns promptly; all
// waiting is done by comparing timestamps against the tick clock.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// commandBuffer is the capacity of the inbound command queue.
const commandBuffer = 16

// State is a position in the agent connection lifecycle.
type State int

const (
	StateInit State = iota
	StateTransportConnecting
	StateTransportUp
	StateBusConnecting
	StateBusUp
	StateReconnecting
)

var stateNames = map[State]string{
	StateInit:                "INIT",
	StateTransportConnecting: "TRANSPORT_CONNECTING",
	StateTransportUp:         "TRANSPORT_UP",
	StateBusConnecting:       "BUS_CONNECTING",
	StateBusUp:               "BUS_UP",
	StateReconnecting:        "RECONNECTING",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrHardwareInit is returned by Run when one-time hardware setup fails.
var ErrHardwareInit = errors.New("agent: hardware initialisation failed")

// Transport is the link beneath the bus, such as a network connection.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
}

// Bus is a publish/subscribe session. Handlers may be called from another
// goroutine.
type Bus interface {
	Connect(ctx context.Context, clientID string) error
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(payload []byte)) error
	Connected() bool
	Disconnect()
}

// Sensors reads measurement channels.
type Sensors interface {
	ReadTemperature() (float64, error)
	ReadHumidity() (float64, error)
}

// Actuators drives outputs. Implementations must tolerate repeated values.
type Actuators interface {
	SetLED(on bool) error
	SetFanSpeed(speed int) error
}

// Hardware performs one-time setup before any connection attempt.
type Hardware interface {
	Init() error
}

// Logger is the logging interface used by the Agent.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config is the agent identity and timing.
type Config struct {
	Registration protocol.Registration

	TelemetryInterval time.Duration
	HeartbeatInterval time.Duration
	// ReconnectInterval is the minimum time between connection attempts.
	ReconnectInterval time.Duration
	TickInterval      time.Duration
	ConnectTimeout    time.Duration
}

// Deps are the agent's collaborators.
type Deps struct {
	Transport Transport
	Bus       Bus
	Sensors   Sensors
	Actuators Actuators
	Hardware  Hardware
}

// Agent is the device-side session. It is not safe for concurrent use
// except for the command handler the bus invokes.
type Agent struct {
	cfg    Config
	deps   Deps
	topics protocol.Topics
	logger Logger

	state State
	// lastErr is the cause of the most recent move to RECONNECTING.
	lastErr error

	lastConnectAttempt time.Time
	lastTelemetry      time.Time
	lastHeartbeat      time.Time

	lastTemperature *float64
	lastHumidity    *float64

	ledOn    *bool
	fanSpeed *int

	commands chan protocol.Command
}

// New creates an agent in StateInit.
func New(cfg Config, deps Deps) *Agent {
	return &Agent{
		cfg:      cfg,
		deps:     deps,
		logger:   noopLogger{},
		state:    StateInit,
		commands: make(chan protocol.Command, commandBuffer),
	}
}

// SetLogger sets the logger for the agent.
func (a *Agent) SetLogger(logger Logger) {
	a.logger = logger
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return a.state
}

// LastError returns the cause of the most recent reconnect, if any.
func (a *Agent) LastError() error {
	return a.lastErr
}

// Run steps the agent every tick until ctx is cancelled. It returns
// ErrHardwareInit if setup fails, otherwise nil after cancellation.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	defer func() {
		if a.deps.Bus.Connected() {
			a.deps.Bus.Disconnect()
		}
	}()

	if err := a.Step(ctx, time.Now()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := a.Step(ctx, now); err != nil {
				return err
			}
		}
	}
}

// Step advances the state machine by at most one transition and performs
// the periodic work of the current state. Only hardware failure is returned.
func (a *Agent) Step(ctx context.Context, now time.Time) error {
	switch a.state {
	case StateInit:
		if err := a.deps.Hardware.Init(); err != nil {
			a.logger.Error("hardware initialisation failed", "error", err)
			return fmt.Errorf("%w: %w", ErrHardwareInit, err)
		}
		a.transition(StateTransportConnecting)

	case StateTransportConnecting:
		a.connectTransport(ctx, now)

	case StateTransportUp:
		a.transition(StateBusConnecting)

	case StateBusConnecting:
		a.connectBus(ctx, now)

	case StateBusUp:
		a.serve(now)

	case StateReconnecting:
		if now.Sub(a.lastConnectAttempt) >= a.cfg.ReconnectInterval {
			a.transition(StateTransportConnecting)
		}
	}
	return nil
}

func (a *Agent) connectTransport(ctx context.Context, now time.Time) {
	a.lastConnectAttempt = now

	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	if err := a.deps.Transport.Connect(attemptCtx); err != nil {
		// Retried on the next tick without backoff.
		a.logger.Warn("transport connect failed", "error", err)
		return
	}
	a.transition(StateTransportUp)
}

func (a *Agent) connectBus(ctx context.Context, now time.Time) {
	a.lastConnectAttempt = now

	attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	id := a.cfg.Registration.DeviceID
	if err := a.deps.Bus.Connect(attemptCtx, id); err != nil {
		a.reconnect(fmt.Errorf("bus connect: %w", err))
		return
	}
	if err := a.deps.Bus.Subscribe(a.topics.Control(id), a.enqueueCommand); err != nil {
		a.reconnect(fmt.Errorf("subscribing to commands: %w", err))
		return
	}
	if err := a.deps.Bus.Publish(a.topics.Register(), protocol.EncodeRegistration(a.cfg.Registration)); err != nil {
		a.reconnect(fmt.Errorf("publishing registration: %w", err))
		return
	}

	// Telemetry and heartbeat are due immediately on a fresh session.
	a.lastTelemetry = time.Time{}
	a.lastHeartbeat = time.Time{}
	a.lastErr = nil
	a.transition(StateBusUp)
}

func (a *Agent) serve(now time.Time) {
	if !a.deps.Transport.Connected() {
		a.reconnect(errors.New("transport lost"))
		return
	}
	if !a.deps.Bus.Connected() {
		a.reconnect(errors.New("bus session lost"))
		return
	}

	if a.lastTelemetry.IsZero() || now.Sub(a.lastTelemetry) >= a.cfg.TelemetryInterval {
		if err := a.publishTelemetry(now); err != nil {
			a.reconnect(err)
			return
		}
		a.lastTelemetry = now
	}

	if a.lastHeartbeat.IsZero() || now.Sub(a.lastHeartbeat) >= a.cfg.HeartbeatInterval {
		hb := protocol.Heartbeat{
			DeviceID:  a.cfg.Registration.DeviceID,
			Status:    protocol.HeartbeatOnline,
			Timestamp: now,
		}
		if err := a.deps.Bus.Publish(a.topics.Heartbeat(hb.DeviceID), protocol.EncodeHeartbeat(hb)); err != nil {
			a.reconnect(fmt.Errorf("publishing heartbeat: %w", err))
			return
		}
		a.lastHeartbeat = now
	}

	a.drainCommands()
}

func (a *Agent) publishTelemetry(now time.Time) error {
	caps := a.cfg.Registration.Capabilities
	tel := protocol.Telemetry{DeviceID: a.cfg.Registration.DeviceID, Timestamp: now}

	if caps.Has(protocol.CapTemperature) {
		tel.Temperature = a.readChannel(protocol.ChannelTemperature, a.deps.Sensors.ReadTemperature, &a.lastTemperature, &tel)
	}
	if caps.Has(protocol.CapHumidity) {
		tel.Humidity = a.readChannel(protocol.ChannelHumidity, a.deps.Sensors.ReadHumidity, &a.lastHumidity, &tel)
	}

	if err := a.deps.Bus.Publish(a.topics.Telemetry(tel.DeviceID), protocol.EncodeTelemetry(tel)); err != nil {
		return fmt.Errorf("publishing telemetry: %w", err)
	}
	return nil
}

// readChannel reads one sensor. On failure the last good value is reused
// and flagged; with no previous value the channel is reported absent.
func (a *Agent) readChannel(ch protocol.Channel, read func() (float64, error), last **float64, tel *protocol.Telemetry) *float64 {
	v, err := read()
	if err == nil {
		*last = &v
		return &v
	}

	a.logger.Warn("sensor read failed", "channel", ch, "error", err)
	if *last == nil {
		return nil
	}
	tel.Substituted = append(tel.Substituted, ch)
	fallback := **last
	return &fallback
}

// enqueueCommand is the bus handler for the control topic. It never blocks.
func (a *Agent) enqueueCommand(payload []byte) {
	cmd, err := protocol.DecodeCommand(payload)
	if err != nil {
		a.logger.Warn("dropping malformed command", "error", err)
		return
	}
	select {
	case a.commands <- cmd:
	default:
		a.logger.Warn("command buffer full, dropping command", "command_type", cmd.Type)
	}
}

func (a *Agent) drainCommands() {
	for {
		select {
		case cmd := <-a.commands:
			a.apply(cmd)
		default:
			return
		}
	}
}

// apply executes a command. Repeating the current value is a no-op.
func (a *Agent) apply(cmd protocol.Command) {
	if c, ok := protocol.RequiredCapability(cmd.Type); !ok || !a.cfg.Registration.Capabilities.Has(c) {
		a.logger.Warn("ignoring command for undeclared capability", "command_type", cmd.Type)
		return
	}

	switch cmd.Type {
	case protocol.CommandLED:
		if a.ledOn != nil && *a.ledOn == cmd.On {
			return
		}
		if err := a.deps.Actuators.SetLED(cmd.On); err != nil {
			a.logger.Error("setting LED failed", "error", err)
			return
		}
		on := cmd.On
		a.ledOn = &on
		a.logger.Info("LED set", "on", on)

	case protocol.CommandFanSpeed:
		speed := protocol.ClampFanSpeed(cmd.Speed)
		if a.fanSpeed != nil && *a.fanSpeed == speed {
			return
		}
		if err := a.deps.Actuators.SetFanSpeed(speed); err != nil {
			a.logger.Error("setting fan speed failed", "error", err)
			return
		}
		a.fanSpeed = &speed
		a.logger.Info("fan speed set", "speed", speed)
	}
}

func (a *Agent) reconnect(cause error) {
	a.lastErr = cause
	a.logger.Warn("connection lost, reconnecting", "state", a.state, "error", cause)
	a.deps.Bus.Disconnect()
	a.transition(StateReconnecting)
}

func (a *Agent) transition(next State) {
	if next == a.state {
		return
	}
	a.logger.Debug("agent state change", "from", a.state, "to", next)
	a.state = next
}
