// Package influxdb writes decoded VBus field values to InfluxDB v2.
//
// It wraps influxdb-client-go v2 with connection checks, batched
// non-blocking writes and an error callback. The vbus TelemetryWriter
// uses Client as its PointWriter: one "vbus_field" point per decoded
// field per consolidation tick.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) { logger.Warn("influx write", "error", err) })
//
// Writes are batched according to batch_size and flush_interval.
package influxdb
