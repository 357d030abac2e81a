package vbus

import (
	"context"
	"time"
)

// telemetryMeasurement is the InfluxDB measurement for decoded fields.
const telemetryMeasurement = "vbus_field"

// PointWriter writes time-series points. Implemented by influxdb.Client.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// TelemetryWriter writes every decoded field of a snapshot as a point.
type TelemetryWriter struct {
	writer  PointWriter
	decoder FieldDecoder
}

// NewTelemetryWriter creates a snapshot listener writing to w.
func NewTelemetryWriter(w PointWriter, decoder FieldDecoder) *TelemetryWriter {
	return &TelemetryWriter{writer: w, decoder: decoder}
}

// HandleSnapshot decodes the snapshot and queues one point per field,
// stamped with the header's receipt time.
func (t *TelemetryWriter) HandleSnapshot(_ context.Context, snap Snapshot) error {
	received := make(map[HeaderKey]time.Time, len(snap.Headers))
	for _, h := range snap.Headers {
		received[h.Key] = h.Timestamp
	}

	for _, f := range t.decoder.Decode(snap.Headers) {
		ts, ok := received[f.Header]
		if !ok || ts.IsZero() {
			ts = snap.Time
		}

		tags := map[string]string{
			"field_id": f.ID,
			"name":     f.Name,
			"header":   f.Header.String(),
		}
		if f.Unit != "" {
			tags["unit"] = f.Unit
		}

		t.writer.WritePointWithTime(telemetryMeasurement, tags,
			map[string]interface{}{"value": f.Value}, ts)
	}
	return nil
}
