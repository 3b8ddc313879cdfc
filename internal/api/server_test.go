package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/iotdash-core/internal/audit"
	"github.com/nerrad567/iotdash-core/internal/command"
	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/history"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/logging"
	"github.com/nerrad567/iotdash-core/internal/protocol"
	_ "github.com/nerrad567/iotdash-core/migrations" // Registers embedded schema
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakePublisher records published messages and can be made to fail.
type fakePublisher struct {
	mu      sync.Mutex
	err     error
	topics  []string
	payload [][]byte
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payload = append(p.payload, payload)
	return nil
}

// fakeLatest is a LatestCache returning a fixed answer.
type fakeLatest struct {
	reading protocol.SensorReading
	ok      bool
	err     error
}

func (f fakeLatest) Latest(context.Context, string) (protocol.SensorReading, bool, error) {
	return f.reading, f.ok, f.err
}

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	srv       *Server
	router    http.Handler
	registry  *device.Registry
	store     *history.SQLiteStore
	publisher *fakePublisher
}

type envOption func(*Deps)

func withSecret(d *Deps) { d.Security.JWT.Secret = testSecret }

// newTestEnv builds a Server over a migrated temp SQLite database with a
// real registry, history store and command router.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}
	store := history.NewSQLiteStore(db)
	pub := &fakePublisher{}

	log := logging.NewWithWriter(io.Discard, config.LoggingConfig{Level: "error", Format: "text"}, "test", "test")

	deps := Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0, Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:     config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Logger: log,

		Registry:   registry,
		Commands:   command.NewRouter(registry, pub, store, 0),
		Readings:   store,
		CommandLog: store,
		Audit:      audit.NewSQLiteRepository(db),
		Version:    "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	registry.SetObserver(srv.Hub().Observe)

	return &testEnv{srv: srv, router: srv.buildRouter(), registry: registry, store: store, publisher: pub}
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "api.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return db.DB
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, id string, caps ...protocol.Capability) {
	t.Helper()
	set := make(protocol.Capabilities, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	_, err := e.registry.Register(context.Background(), id, device.Metadata{Name: id, Type: "esp32", Capabilities: set})
	if err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func ptr(v float64) *float64 { return &v }

// ─── Health ─────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	healthy := healthFunc(func(context.Context) error { return nil })
	broken := healthFunc(func(context.Context) error { return errors.New("broker down") })

	tests := []struct {
		name       string
		checks     map[string]HealthChecker
		wantCode   int
		wantStatus string
	}{
		{"no deps", nil, http.StatusOK, "ok"},
		{"all healthy", map[string]HealthChecker{"database": healthy}, http.StatusOK, "ok"},
		{"one failing", map[string]HealthChecker{"database": healthy, "mqtt": broken}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *Deps) { d.Health = tt.checks })
			w := env.do(t, http.MethodGet, "/api/v1/health", "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			resp := decode[map[string]any](t, w)
			if resp["status"] != tt.wantStatus || resp["version"] != "test" {
				t.Errorf("response = %v", resp)
			}
		})
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/health", "", "X-Request-ID", "abc123")
	if got := w.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
	w = env.do(t, http.MethodGet, "/api/v1/health", "")
	if len(w.Header().Get("X-Request-ID")) != 2*requestIDBytes {
		t.Errorf("generated X-Request-ID = %q", w.Header().Get("X-Request-ID"))
	}
}

// ─── Devices ────────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/devices", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"devices":[]`) {
		t.Fatalf("empty list = %d %s", w.Code, w.Body.String())
	}

	env.register(t, "b")
	env.register(t, "a")
	if err := env.registry.RecordActivity(context.Background(), "a", time.Now()); err != nil {
		t.Fatal(err)
	}

	type listResp struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}

	all := decode[listResp](t, env.do(t, http.MethodGet, "/api/v1/devices", ""))
	if all.Count != 2 || all.Devices[0].ID != "a" || all.Devices[1].ID != "b" {
		t.Errorf("list = %+v", all)
	}

	online := decode[listResp](t, env.do(t, http.MethodGet, "/api/v1/devices?status=ONLINE", ""))
	if online.Count != 1 || online.Devices[0].ID != "a" {
		t.Errorf("online = %+v", online)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices?status=sleeping", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
}

func TestGetDevice(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "esp32_001", protocol.CapLEDControl)

	w := env.do(t, http.MethodGet, "/api/v1/devices/esp32_001", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	dev := decode[device.Device](t, w)
	if dev.ID != "esp32_001" || dev.Status != device.StatusRegistered || !dev.Capabilities.Has(protocol.CapLEDControl) {
		t.Errorf("device = %+v", dev)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing device = %d, want 404", w.Code)
	}
}

func TestRegistryStats(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "a")
	env.register(t, "b")

	resp := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/devices/stats", ""))
	if resp["total_devices"] != float64(2) {
		t.Errorf("stats = %v", resp)
	}
}

func TestRegisterDevice(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "valid",
			body:     `{"device_id":"esp32_002","device_name":"Bench","device_type":"esp32","capabilities":{"temperature":true}}`,
			wantCode: http.StatusCreated,
		},
		{name: "malformed json", body: `{"device_id":`, wantCode: http.StatusBadRequest},
		{name: "missing name", body: `{"device_id":"x","device_type":"esp32"}`, wantCode: http.StatusBadRequest},
		{name: "wildcard id", body: `{"device_id":"a/+","device_name":"n","device_type":"t"}`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			w := env.do(t, http.MethodPost, "/api/v1/devices", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode == http.StatusCreated {
				if _, err := env.registry.GetDevice(context.Background(), "esp32_002"); err != nil {
					t.Errorf("device not in registry: %v", err)
				}
			}
		})
	}
}

// ─── Auth ───────────────────────────────────────────────────────────

func TestMutationsRequireToken(t *testing.T) {
	env := newTestEnv(t, withSecret)
	body := `{"device_id":"esp32_003","device_name":"n","device_type":"t"}`

	if w := env.do(t, http.MethodPost, "/api/v1/devices", body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices", body, "Authorization", "Bearer nonsense"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", w.Code)
	}

	token, err := IssueToken(testSecret, "operator", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/devices", body, "Authorization", "Bearer "+token); w.Code != http.StatusCreated {
		t.Errorf("valid token = %d, want 201", w.Code)
	}

	// Reads stay open.
	if w := env.do(t, http.MethodGet, "/api/v1/devices", ""); w.Code != http.StatusOK {
		t.Errorf("read with auth enabled = %d, want 200", w.Code)
	}
}

// ─── Commands ───────────────────────────────────────────────────────

func TestSendCommand(t *testing.T) {
	tests := []struct {
		name      string
		device    string
		body      string
		pubErr    error
		wantCode  int
		wantValue string
	}{
		{"led on", "dev", `{"command_type":"LED","value":"ON"}`, nil, http.StatusAccepted, "ON"},
		{"led bool", "dev", `{"command_type":"led","value":false}`, nil, http.StatusAccepted, "OFF"},
		{"legacy key", "dev", `{"command":"LED","value":"OFF"}`, nil, http.StatusAccepted, "OFF"},
		{"fan clamped", "dev", `{"command_type":"FAN_SPEED","value":150}`, nil, http.StatusAccepted, "100"},
		{"unknown device", "ghost", `{"command_type":"LED","value":"ON"}`, nil, http.StatusNotFound, ""},
		{"unknown type", "dev", `{"command_type":"BUZZER","value":1}`, nil, http.StatusUnprocessableEntity, ""},
		{"undeclared capability", "ledonly", `{"command_type":"FAN_SPEED","value":10}`, nil, http.StatusUnprocessableEntity, ""},
		{"invalid value", "dev", `{"command_type":"FAN_SPEED","value":"fast"}`, nil, http.StatusUnprocessableEntity, ""},
		{"fractional fan", "dev", `{"command_type":"FAN_SPEED","value":12.5}`, nil, http.StatusUnprocessableEntity, ""},
		{"malformed", "dev", `{"command_type":`, nil, http.StatusBadRequest, ""},
		{"missing type", "dev", `{"value":"ON"}`, nil, http.StatusBadRequest, ""},
		{"missing value", "dev", `{"command_type":"LED"}`, nil, http.StatusBadRequest, ""},
		{"broker down", "dev", `{"command_type":"LED","value":"ON"}`, errors.New("not connected"), http.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.register(t, "dev", protocol.CapLEDControl, protocol.CapFanControl)
			env.register(t, "ledonly", protocol.CapLEDControl)
			env.publisher.err = tt.pubErr

			w := env.do(t, http.MethodPost, "/api/v1/devices/"+tt.device+"/commands", tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}

			if tt.wantCode != http.StatusAccepted {
				if len(env.publisher.topics) != 0 {
					t.Errorf("rejected command was published: %v", env.publisher.topics)
				}
				return
			}

			record := decode[protocol.ControlCommand](t, w)
			if record.Value != tt.wantValue || record.DeviceID != tt.device || record.ID == "" {
				t.Errorf("record = %+v", record)
			}
			if len(env.publisher.topics) != 1 || env.publisher.topics[0] != (protocol.Topics{}).Control(tt.device) {
				t.Errorf("published topics = %v", env.publisher.topics)
			}
		})
	}
}

func TestCommandsUnavailableWithoutDispatcher(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Commands = nil })
	env.register(t, "dev", protocol.CapLEDControl)
	w := env.do(t, http.MethodPost, "/api/v1/devices/dev/commands", `{"command_type":"LED","value":"ON"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestListCommands(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "dev", protocol.CapLEDControl)

	for _, v := range []string{"ON", "OFF"} {
		body := `{"command_type":"LED","value":"` + v + `"}`
		if w := env.do(t, http.MethodPost, "/api/v1/devices/dev/commands", body); w.Code != http.StatusAccepted {
			t.Fatalf("send %s = %d", v, w.Code)
		}
	}

	resp := decode[struct {
		Commands []protocol.ControlCommand `json:"commands"`
		Count    int                       `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/devices/dev/commands", ""))
	if resp.Count != 2 {
		t.Fatalf("count = %d, want 2", resp.Count)
	}
	if resp.Commands[0].Value != "OFF" {
		t.Errorf("newest command = %+v, want OFF first", resp.Commands[0])
	}

	if w := env.do(t, http.MethodGet, "/api/v1/devices/dev/commands?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}
}

// ─── Telemetry ──────────────────────────────────────────────────────

func TestGetReadings(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	env.srv.now = func() time.Time { return now }

	ctx := context.Background()
	for _, r := range []protocol.SensorReading{
		{DeviceID: "dev", Temperature: ptr(20), Timestamp: now.Add(-30 * time.Hour), ReceivedAt: now.Add(-30 * time.Hour)},
		{DeviceID: "dev", Temperature: ptr(21), Timestamp: now.Add(-2 * time.Hour), ReceivedAt: now.Add(-2 * time.Hour)},
		{DeviceID: "dev", Temperature: ptr(22), Humidity: ptr(50), Timestamp: now.Add(-time.Minute), ReceivedAt: now.Add(-time.Minute)},
		{DeviceID: "other", Temperature: ptr(5), Timestamp: now, ReceivedAt: now},
	} {
		if err := env.store.RecordReading(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	type readingsResp struct {
		Readings []protocol.SensorReading `json:"readings"`
		Count    int                      `json:"count"`
	}

	day := decode[readingsResp](t, env.do(t, http.MethodGet, "/api/v1/devices/dev/readings", ""))
	if day.Count != 2 || *day.Readings[0].Temperature != 21 || *day.Readings[1].Temperature != 22 {
		t.Errorf("default window = %+v", day)
	}

	hour := decode[readingsResp](t, env.do(t, http.MethodGet, "/api/v1/devices/dev/readings?hours=1", ""))
	if hour.Count != 1 {
		t.Errorf("1h window count = %d, want 1", hour.Count)
	}

	for _, q := range []string{"hours=0", "hours=abc", "hours=9000", "limit=-1"} {
		if w := env.do(t, http.MethodGet, "/api/v1/devices/dev/readings?"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", q, w.Code)
		}
	}

	stats := decode[history.ReadingStats](t, env.do(t, http.MethodGet, "/api/v1/devices/dev/stats", ""))
	if stats.Count != 3 || stats.Latest == nil || *stats.Latest.Temperature != 22 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLatestReading(t *testing.T) {
	now := time.Now().UTC()
	cached := protocol.SensorReading{DeviceID: "dev", Temperature: ptr(30), Timestamp: now, ReceivedAt: now}

	tests := []struct {
		name     string
		cache    LatestCache
		stored   bool
		wantCode int
		wantTemp float64
	}{
		{"cache hit", fakeLatest{reading: cached, ok: true}, true, http.StatusOK, 30},
		{"cache miss falls back", fakeLatest{}, true, http.StatusOK, 18},
		{"cache error falls back", fakeLatest{err: errors.New("timeout")}, true, http.StatusOK, 18},
		{"no cache", nil, true, http.StatusOK, 18},
		{"nothing stored", nil, false, http.StatusNotFound, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *Deps) { d.Latest = tt.cache })
			if tt.stored {
				err := env.store.RecordReading(context.Background(), protocol.SensorReading{
					DeviceID: "dev", Temperature: ptr(18), Timestamp: now, ReceivedAt: now,
				})
				if err != nil {
					t.Fatal(err)
				}
			}

			w := env.do(t, http.MethodGet, "/api/v1/devices/dev/readings/latest", "")
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusOK {
				r := decode[protocol.SensorReading](t, w)
				if r.Temperature == nil || *r.Temperature != tt.wantTemp {
					t.Errorf("latest = %+v, want temperature %v", r, tt.wantTemp)
				}
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Config.CORS.AllowedOrigins = []string{"http://dash.local"} })

	w := env.do(t, http.MethodOptions, "/api/v1/devices", "", "Origin", "http://dash.local")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://dash.local" {
		t.Errorf("allowed preflight = %d %v", w.Code, w.Header())
	}
	w = env.do(t, http.MethodOptions, "/api/v1/devices", "", "Origin", "http://evil.example")
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin must not be echoed")
	}
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t)
	big := bytes.Repeat([]byte("a"), maxRequestBodySize+1)
	body := `{"device_id":"x","device_name":"` + string(big) + `","device_type":"t"}`
	if w := env.do(t, http.MethodPost, "/api/v1/devices", body); w.Code != http.StatusBadRequest {
		t.Errorf("oversized body = %d, want 400", w.Code)
	}
}

func TestStartClose(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	resp, err := http.Get("http://" + env.srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health over TCP = %d", resp.StatusCode)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestDashboardPanel(t *testing.T) {
	enabled := newTestEnv(t, func(d *Deps) { d.Config.Panel.Enabled = true })
	if w := enabled.do(t, http.MethodGet, "/", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<!DOCTYPE html>") {
		t.Errorf("GET / with panel = %d", w.Code)
	}
	// API routes still win over the page fallback.
	if w := enabled.do(t, http.MethodGet, "/api/v1/devices/ghost", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET unknown device with panel = %d, want 404", w.Code)
	}

	disabled := newTestEnv(t)
	if w := disabled.do(t, http.MethodGet, "/", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET / without panel = %d, want 404", w.Code)
	}
}
