package agent

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"
)

// Simulated sensor model.
const (
	baseTemperature   = 25.0
	temperatureStddev = 2.0
	baseHumidity      = 50.0
	humidityStddev    = 5.0

	// fanCooling is degrees removed per percent of fan speed.
	fanCooling = 0.05
)

// ErrSimulatedReadFailure is returned by SimulatedSensors when a read is
// configured to fail.
var ErrSimulatedReadFailure = errors.New("agent: simulated sensor read failure")

// MemoryActuators keeps actuator state in memory.
type MemoryActuators struct {
	mu       sync.Mutex
	led      bool
	fanSpeed int
}

// SetLED records the LED state.
func (m *MemoryActuators) SetLED(on bool) error {
	m.mu.Lock()
	m.led = on
	m.mu.Unlock()
	return nil
}

// SetFanSpeed records the fan speed.
func (m *MemoryActuators) SetFanSpeed(speed int) error {
	m.mu.Lock()
	m.fanSpeed = speed
	m.mu.Unlock()
	return nil
}

// LED returns the current LED state.
func (m *MemoryActuators) LED() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.led
}

// FanSpeed returns the current fan speed.
func (m *MemoryActuators) FanSpeed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fanSpeed
}

// SimulatedSensors produces gaussian readings around room conditions.
// Temperature drops as the fan speeds up.
type SimulatedSensors struct {
	rng *rand.Rand
	fan *MemoryActuators

	// FailureRate is the probability in [0, 1] that a read fails.
	FailureRate float64
}

// NewSimulatedSensors creates a sensor model seeded with seed. fan may be nil.
func NewSimulatedSensors(seed uint64, fan *MemoryActuators) *SimulatedSensors {
	return &SimulatedSensors{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		fan: fan,
	}
}

// ReadTemperature returns degrees Celsius rounded to two decimals.
func (s *SimulatedSensors) ReadTemperature() (float64, error) {
	if s.fail() {
		return 0, ErrSimulatedReadFailure
	}
	t := baseTemperature + s.rng.NormFloat64()*temperatureStddev
	if s.fan != nil {
		t -= float64(s.fan.FanSpeed()) * fanCooling
	}
	return round2(t), nil
}

// ReadHumidity returns relative humidity in [0, 100] rounded to two decimals.
func (s *SimulatedSensors) ReadHumidity() (float64, error) {
	if s.fail() {
		return 0, ErrSimulatedReadFailure
	}
	h := baseHumidity + s.rng.NormFloat64()*humidityStddev
	return round2(math.Max(0, math.Min(100, h))), nil
}

func (s *SimulatedSensors) fail() bool {
	return s.FailureRate > 0 && s.rng.Float64() < s.FailureRate
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// NopHardware is hardware with nothing to set up.
type NopHardware struct{}

// Init always succeeds.
func (NopHardware) Init() error { return nil }
