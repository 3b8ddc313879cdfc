package influxdb

import (
	"context"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// Measurement is the InfluxDB measurement sensor readings are written to.
const Measurement = "sensor_readings"

// RecordReading queues one point for r. It never blocks on the network and
// returns ErrNotConnected after Close. A reading with no values is skipped.
func (c *Client) RecordReading(_ context.Context, r protocol.SensorReading) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	point := readingPoint(r)
	if point == nil {
		return nil
	}
	c.writeAPI.WritePoint(point)
	return nil
}

// readingPoint builds the point for r, timestamped with the device time when
// present and the receive time otherwise. Returns nil if r has no fields.
func readingPoint(r protocol.SensorReading) *write.Point {
	fields := make(map[string]any, 4)
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
		fields["temperature_substituted"] = r.TemperatureSubstituted
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
		fields["humidity_substituted"] = r.HumiditySubstituted
	}
	if len(fields) == 0 {
		return nil
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = r.ReceivedAt
	}
	return write.NewPoint(Measurement, map[string]string{"device_id": r.DeviceID}, fields, ts)
}
