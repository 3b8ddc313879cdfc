// Package cache keeps the most recent sensor reading for every device in
// Redis (or Valkey).
//
// Each device has one hash, iot:latest:{device_id}, overwritten on every
// reading and expiring after the configured TTL so devices that stop
// reporting drop out of the cache. SQLite stays the source of truth; a
// cache failure never loses data.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

const (
	// KeyPrefix is prepended to the device ID to form the hash key.
	KeyPrefix = "iot:latest:"

	defaultTTL         = 24 * time.Hour
	defaultPingTimeout = 5 * time.Second
)

// Sentinel errors for cache operations.
var (
	ErrDisabled         = errors.New("cache: disabled in configuration")
	ErrConnectionFailed = errors.New("cache: connection failed")
)

// Hash fields.
const (
	fieldTemperature            = "temperature"
	fieldHumidity               = "humidity"
	fieldTemperatureSubstituted = "temperature_substituted"
	fieldHumiditySubstituted    = "humidity_substituted"
	fieldTimestamp              = "timestamp"
	fieldReceivedAt             = "received_at"
)

// Cache is the latest-reading store. It is safe for concurrent use.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Cache, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}, nil
}

// Key returns the hash key for deviceID.
func Key(deviceID string) string {
	return KeyPrefix + deviceID
}

// RecordReading replaces the cached reading for r.DeviceID and refreshes the
// TTL. Channels absent from r are removed from the hash.
func (c *Cache) RecordReading(ctx context.Context, r protocol.SensorReading) error {
	key := Key(r.DeviceID)
	set, del := readingFields(r)

	pipe := c.rdb.TxPipeline()
	if len(del) > 0 {
		pipe.HDel(ctx, key, del...)
	}
	pipe.HSet(ctx, key, set)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching reading for %s: %w", r.DeviceID, err)
	}
	return nil
}

// Latest returns the cached reading for deviceID. ok is false when nothing is
// cached or the entry has expired.
func (c *Cache) Latest(ctx context.Context, deviceID string) (reading protocol.SensorReading, ok bool, err error) {
	fields, err := c.rdb.HGetAll(ctx, Key(deviceID)).Result()
	if err != nil {
		return protocol.SensorReading{}, false, fmt.Errorf("reading cache for %s: %w", deviceID, err)
	}
	if len(fields) == 0 {
		return protocol.SensorReading{}, false, nil
	}
	reading, err = parseReading(deviceID, fields)
	if err != nil {
		return protocol.SensorReading{}, false, err
	}
	return reading, true, nil
}

// HealthCheck pings the server.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// readingFields returns the hash fields to set and the channel fields to
// delete for r.
func readingFields(r protocol.SensorReading) (set map[string]any, del []string) {
	set = map[string]any{
		fieldReceivedAt: r.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if !r.Timestamp.IsZero() {
		set[fieldTimestamp] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	} else {
		del = append(del, fieldTimestamp)
	}

	channel := func(name, subName string, v *float64, substituted bool) {
		if v == nil {
			del = append(del, name, subName)
			return
		}
		set[name] = strconv.FormatFloat(*v, 'f', -1, 64)
		set[subName] = strconv.FormatBool(substituted)
	}
	channel(fieldTemperature, fieldTemperatureSubstituted, r.Temperature, r.TemperatureSubstituted)
	channel(fieldHumidity, fieldHumiditySubstituted, r.Humidity, r.HumiditySubstituted)
	return set, del
}

func parseReading(deviceID string, fields map[string]string) (protocol.SensorReading, error) {
	r := protocol.SensorReading{DeviceID: deviceID}

	var err error
	parseTime := func(name string, dst *time.Time) {
		if s, ok := fields[name]; ok && err == nil {
			*dst, err = time.Parse(time.RFC3339Nano, s)
		}
	}
	parseFloat := func(name string) *float64 {
		s, ok := fields[name]
		if !ok || err != nil {
			return nil
		}
		v, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			err = perr
			return nil
		}
		return &v
	}

	parseTime(fieldReceivedAt, &r.ReceivedAt)
	parseTime(fieldTimestamp, &r.Timestamp)
	r.Temperature = parseFloat(fieldTemperature)
	r.Humidity = parseFloat(fieldHumidity)
	r.TemperatureSubstituted = fields[fieldTemperatureSubstituted] == "true"
	r.HumiditySubstituted = fields[fieldHumiditySubstituted] == "true"

	if err != nil {
		return protocol.SensorReading{}, fmt.Errorf("decoding cached reading for %s: %w", deviceID, err)
	}
	return r, nil
}
