// Package influxdb mirrors sensor readings into InfluxDB v2.
//
// A Client is a telemetry sink: every reading accepted by ingest becomes one
// point in the sensor_readings measurement, tagged by device_id. Writes are
// non-blocking and batched by the underlying write API (batch_size and
// flush_interval in config.yaml); failures are delivered to the SetOnError
// callback instead of being returned.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	pipeline.AddSink(client)
//
// SQLite remains the system of record. InfluxDB is optional and only used for
// long-horizon charting.
package influxdb
