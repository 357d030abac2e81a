package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime queues a point stamped with timestamp.
//
// The write is non-blocking; the point is sent with the next batch.
// Dropped silently when the client is not connected.
//
//	client.WritePointWithTime("vbus_field",
//	    map[string]string{"bridge": "vbus-1", "field": "Temperature sensor 1"},
//	    map[string]interface{}{"value": 21.5},
//	    received)
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

// WritePoint queues a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}
